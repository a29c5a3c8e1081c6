// Copyright 2023 The Cuber Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package util

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cubefs/cubefs/blobstore/util/bytespool"
	"github.com/google/uuid"
)

// NumSubDirs spreads meta and block files over this many sub directories
const NumSubDirs = 1000

// GenTmpPath create a temporary path
func GenTmpPath() (string, error) {
	id := uuid.NewString()
	path := os.TempDir() + "/" + id
	if err := os.RemoveAll(path); err != nil {
		return "", err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// MetaPath returns the meta file path of the inode under root
func MetaPath(root string, ino uint64) string {
	return filepath.Join(root, fmt.Sprintf("sub_%d", ino%NumSubDirs), fmt.Sprintf("meta%d", ino))
}

// BlockPath returns the local file path of one data block
func BlockPath(root string, ino uint64, blockNo int64) string {
	sub := (ino + uint64(blockNo)) % NumSubDirs
	return filepath.Join(root, fmt.Sprintf("sub_%d", sub), fmt.Sprintf("block%d_%d", ino, blockNo))
}

// StagingPath returns the to-upload copy path of one data block
func StagingPath(root string, ino uint64, blockNo int64) string {
	return filepath.Join(root, "upload_bullpen", fmt.Sprintf("block%d_%d", ino, blockNo))
}

// StagingPattern matches every to-upload copy of the inode
func StagingPattern(root string, ino uint64) string {
	return filepath.Join(root, "upload_bullpen", fmt.Sprintf("block%d_*", ino))
}

// EnsureDir creates the parent directory of path
func EnsureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

func GetBuffer(size int) []byte {
	return bytespool.Alloc(size)
}

// GetZeroBuffer returns a pooled buffer with every byte cleared
func GetZeroBuffer(size int) []byte {
	b := bytespool.Alloc(size)
	for i := range b {
		b[i] = 0
	}
	return b
}

func PutBuffer(b []byte) {
	bytespool.Free(b)
}
