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
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/cubefs/tierfs/errors"
	"github.com/cubefs/tierfs/layout"
	"github.com/cubefs/tierfs/util"
)

// CreateFile writes the meta file of a new regular file and returns it locked
func (t *Table) CreateFile(ctx context.Context, ino uint64, perm uint32, pin layout.PinClass) (*Entry, error) {
	st := layout.NewStat(ino, layout.ModeRegular|perm&^layout.ModeTypeMask)
	meta := layout.FileMeta{LocalPin: pin}
	return t.create(ctx, &st, layout.FileHeaderSize, func(w io.WriterAt) error {
		return layout.InitFileHeader(w, &st, &meta)
	})
}

func (t *Table) CreateDir(ctx context.Context, ino uint64, perm uint32) (*Entry, error) {
	st := layout.NewStat(ino, layout.ModeDir|perm&^layout.ModeTypeMask)
	st.Nlink = 2
	meta := layout.DirMeta{}
	return t.create(ctx, &st, layout.DirHeaderSize, func(w io.WriterAt) error {
		return layout.InitDirHeader(w, &st, &meta)
	})
}

func (t *Table) CreateSymlink(ctx context.Context, ino uint64, target string) (*Entry, error) {
	st := layout.NewStat(ino, layout.ModeSymlink|0o777)
	st.Size = int64(len(target))
	meta := layout.SymlinkMeta{}
	if !meta.SetTarget(target) {
		return nil, apierrors.ErrNameTooLong
	}
	return t.create(ctx, &st, layout.SymlinkHeaderSize, func(w io.WriterAt) error {
		return layout.InitSymlinkHeader(w, &st, &meta)
	})
}

func (t *Table) create(ctx context.Context, st *layout.Stat, headerSize int64, init func(io.WriterAt) error) (*Entry, error) {
	span := trace.SpanFromContextSafe(ctx)
	if t.quota != nil && !t.quota.AllowMeta(headerSize) {
		return nil, apierrors.ErrMetaQuotaExceeded
	}

	path := util.MetaPath(t.cfg.MetaDir, st.Ino)
	if err := util.EnsureDir(path); err != nil {
		return nil, errors.Info(err, "create meta dir failed")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Info(err, "create meta file failed")
	}
	if err = init(f); err != nil {
		f.Close()
		os.Remove(path)
		return nil, errors.Info(err, "init meta file failed")
	}
	if err = f.Close(); err != nil {
		os.Remove(path)
		return nil, errors.Info(err, "close meta file failed")
	}
	if t.quota != nil {
		t.quota.AddMeta(headerSize)
	}
	if err = t.dir.UpdateStat(ctx, st.Ino, st, false); err != nil {
		return nil, err
	}
	span.Debugf("created meta file of inode %d mode %o", st.Ino, st.Mode)
	return t.Lock(ctx, st.Ino)
}

// MetaUsage sums the sizes of the meta files on disk
func (t *Table) MetaUsage() (int64, error) {
	var size int64
	err := filepath.WalkDir(t.cfg.MetaDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasPrefix(d.Name(), "meta") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	if err != nil {
		return 0, errors.Info(err, "walk meta dir failed")
	}
	return size, nil
}
