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

// Package superblock is the authoritative inode directory. It keeps the latest
// stat of every inode and the set of inodes the upload pipeline must visit.
package superblock

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/tierfs/common/kvstore"
	apierrors "github.com/cubefs/tierfs/errors"
	"github.com/cubefs/tierfs/layout"
)

const (
	statCF  = kvstore.CF("stat")
	dirtyCF = kvstore.CF("dirty")
)

type Config struct {
	Path     string         `json:"path"`
	KVOption kvstore.Option `json:"kv_option"`
}

type SuperBlock struct {
	kvStore kvstore.Store
}

func Open(ctx context.Context, cfg *Config) (*SuperBlock, error) {
	cfg.KVOption.CreateIfMissing = true
	cfg.KVOption.ColumnFamily = []kvstore.CF{statCF, dirtyCF}
	kvStore, err := kvstore.NewKVStore(ctx, cfg.Path+"/kv", kvstore.RocksdbLsmKVType, &cfg.KVOption)
	if err != nil {
		return nil, errors.Info(err, "open inode directory failed")
	}
	for _, cf := range cfg.KVOption.ColumnFamily {
		if !kvStore.CheckColumns(cf) {
			kvStore.Close()
			return nil, errors.Info(apierrors.ErrCorruptedMeta, "inode directory misses column "+cf.String())
		}
	}
	return &SuperBlock{kvStore: kvStore}, nil
}

func (s *SuperBlock) ReadStat(ctx context.Context, ino uint64) (layout.Stat, error) {
	var st layout.Stat
	raw, err := s.kvStore.GetRaw(ctx, statCF, encodeIno(ino))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return st, apierrors.ErrNotFound
		}
		return st, errors.Info(err, "read stat failed")
	}
	if err = layout.Unmarshal(raw, &st); err != nil {
		return st, err
	}
	return st, nil
}

// UpdateStat stores st. Unless deferSync is set the inode is also queued for upload.
func (s *SuperBlock) UpdateStat(ctx context.Context, ino uint64, st *layout.Stat, deferSync bool) error {
	raw, err := layout.Marshal(st)
	if err != nil {
		return err
	}
	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()
	batch.Put(statCF, encodeIno(ino), raw)
	if !deferSync {
		batch.Put(dirtyCF, encodeIno(ino), encodeTime(time.Now()))
	}
	if err = s.kvStore.Write(ctx, batch); err != nil {
		return errors.Info(err, "update stat failed")
	}
	return nil
}

func (s *SuperBlock) MarkDirty(ctx context.Context, ino uint64) error {
	if err := s.kvStore.SetRaw(ctx, dirtyCF, encodeIno(ino), encodeTime(time.Now())); err != nil {
		return errors.Info(err, "mark dirty failed")
	}
	return nil
}

func (s *SuperBlock) ClearDirty(ctx context.Context, ino uint64) error {
	if err := s.kvStore.Delete(ctx, dirtyCF, encodeIno(ino)); err != nil {
		return errors.Info(err, "clear dirty failed")
	}
	return nil
}

// DirtySince returns when the inode was last queued, ok is false when it is clean
func (s *SuperBlock) DirtySince(ctx context.Context, ino uint64) (since time.Time, ok bool, err error) {
	raw, err := s.kvStore.GetRaw(ctx, dirtyCF, encodeIno(ino))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return since, false, nil
		}
		return since, false, errors.Info(err, "read dirty mark failed")
	}
	return decodeTime(raw), true, nil
}

// ListDirty returns up to limit queued inodes in inode order, 0 means no limit
func (s *SuperBlock) ListDirty(ctx context.Context, limit int) ([]uint64, error) {
	lr := s.kvStore.List(ctx, dirtyCF, nil, nil)
	defer lr.Close()

	var inos []uint64
	for limit <= 0 || len(inos) < limit {
		key, _, err := lr.ReadNextCopy()
		if err != nil {
			return nil, errors.Info(err, "list dirty inodes failed")
		}
		if key == nil {
			break
		}
		inos = append(inos, decodeIno(key))
	}
	return inos, nil
}

// ListInodes returns up to limit inodes not below marker in inode order
func (s *SuperBlock) ListInodes(ctx context.Context, marker uint64, limit int) ([]uint64, error) {
	var start []byte
	if marker > 0 {
		start = encodeIno(marker)
	}
	lr := s.kvStore.List(ctx, statCF, nil, start)
	defer lr.Close()

	var inos []uint64
	for limit <= 0 || len(inos) < limit {
		key, _, err := lr.ReadNextCopy()
		if err != nil {
			return nil, errors.Info(err, "list inodes failed")
		}
		if key == nil {
			break
		}
		inos = append(inos, decodeIno(key))
	}
	return inos, nil
}

// Delete drops both the stat and the dirty mark of the inode
func (s *SuperBlock) Delete(ctx context.Context, ino uint64) error {
	span := trace.SpanFromContextSafe(ctx)
	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()
	batch.Delete(statCF, encodeIno(ino))
	batch.Delete(dirtyCF, encodeIno(ino))
	if err := s.kvStore.Write(ctx, batch); err != nil {
		span.Errorf("delete inode[%d] from directory failed: %s", ino, err)
		return errors.Info(err, "delete inode failed")
	}
	return nil
}

// Stats reports the disk usage of the directory store
func (s *SuperBlock) Stats(ctx context.Context) (kvstore.Stats, error) {
	st, err := s.kvStore.Stats(ctx)
	if err != nil {
		return st, errors.Info(err, "stat inode directory failed")
	}
	return st, nil
}

// Close persists the memtables of both columns before the store goes away
func (s *SuperBlock) Close() {
	span, ctx := trace.StartSpanFromContext(context.Background(), "")
	for _, cf := range []kvstore.CF{statCF, dirtyCF} {
		if err := s.kvStore.FlushCF(ctx, cf); err != nil {
			span.Warnf("flush inode directory column %s failed: %s", cf, err)
		}
	}
	s.kvStore.Close()
}

func encodeIno(ino uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, ino)
	return b
}

func decodeIno(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func encodeTime(t time.Time) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(t.UnixNano()))
	return b
}

func decodeTime(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(b)))
}
