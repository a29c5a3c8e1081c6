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

package metacache

import (
	"context"
	"io"
	"os"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/cubefs/tierfs/errors"
	"github.com/cubefs/tierfs/util"
)

type (
	// Progress tells which blocks of the running upload are already in the cloud
	Progress interface {
		Finished(blockNo int64) bool
	}
	UploadingInfo struct {
		Uploading      bool
		Progress       Progress
		ToUploadBlocks int64
	}
)

func (e *Entry) SetUploadingInfo(info UploadingInfo) error {
	ce, err := e.locked()
	if err != nil {
		return err
	}
	ce.uploading = info
	return nil
}

func (e *Entry) UploadingInfo() (UploadingInfo, error) {
	ce, err := e.locked()
	if err != nil {
		return UploadingInfo{}, err
	}
	return ce.uploading, nil
}

// NeedsStaging reports whether a change of blockNo now would copy the block
// aside first, which is when an upload of the inode is running, has not
// reached blockNo and holds no copy of it yet.
func (e *Entry) NeedsStaging(blockNo int64) (bool, error) {
	ce, err := e.locked()
	if err != nil {
		return false, err
	}
	if !ce.uploading.Uploading {
		return false, nil
	}
	if p := ce.uploading.Progress; p != nil && p.Finished(blockNo) {
		return false, nil
	}
	_, err = os.Stat(util.StagingPath(e.table.cfg.BlockDir, ce.ino, blockNo))
	if err == nil {
		return false, nil
	}
	if !os.IsNotExist(err) {
		return false, errors.Info(err, "stat staging copy failed")
	}
	return true, nil
}

// CheckUploading must run before a local block is changed. While an upload
// of the inode is running and has not reached blockNo, the current bytes are
// copied aside so the upload sees the block as it was when it started.
// An existing staging copy is kept. Staging copies are not counted as cache.
func (e *Entry) CheckUploading(ctx context.Context, blockNo int64) error {
	ce, err := e.locked()
	if err != nil {
		return err
	}
	if !ce.uploading.Uploading {
		return nil
	}
	if p := ce.uploading.Progress; p != nil && p.Finished(blockNo) {
		return nil
	}

	span := trace.SpanFromContextSafe(ctx)
	src := util.BlockPath(e.table.cfg.BlockDir, ce.ino, blockNo)
	dst := util.StagingPath(e.table.cfg.BlockDir, ce.ino, blockNo)

	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Info(err, "open block for staging failed")
	}
	defer in.Close()

	if err = util.EnsureDir(dst); err != nil {
		return errors.Info(err, "create staging dir failed")
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return errors.Info(err, "create staging copy failed")
	}
	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		span.Errorf("copy block %d of inode %d to staging failed: %s", blockNo, ce.ino, err)
		return apierrors.ErrIO
	}
	if err = out.Close(); err != nil {
		os.Remove(dst)
		return errors.Info(err, "close staging copy failed")
	}
	span.Debugf("staged block %d of inode %d for running upload", blockNo, ce.ino)
	return nil
}
