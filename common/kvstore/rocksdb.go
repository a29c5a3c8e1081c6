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

package kvstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	rdb "github.com/tecbot/gorocksdb"
)

type (
	rocksdb struct {
		path      string
		db        *rdb.DB
		opt       *rdb.Options
		readOpt   *rdb.ReadOptions
		writeOpt  *rdb.WriteOptions
		flushOpt  *rdb.FlushOptions
		cfHandles map[CF]*rdb.ColumnFamilyHandle
		lock      sync.RWMutex
	}
	listReader struct {
		iterator *rdb.Iterator
		prefix   []byte
		isFirst  bool
	}
	writeBatch struct {
		s     *rocksdb
		batch *rdb.WriteBatch
	}
)

func newRocksdb(ctx context.Context, path string, option *Option) (Store, error) {
	if path == "" {
		return nil, errors.New("path is empty")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}

	dbOpt := genRocksdbOpts(option)

	cfNum := len(option.ColumnFamily) + 1
	cols := make([]CF, 0, cfNum)
	cols = append(cols, defaultCF)
	cols = append(cols, option.ColumnFamily...)

	cfNames := make([]string, 0, cfNum)
	cfOpts := make([]*rdb.Options, 0, cfNum)
	for i := 0; i < cfNum; i++ {
		cfNames = append(cfNames, cols[i].String())
		cfOpts = append(cfOpts, dbOpt)
	}

	db, cfhs, err := rdb.OpenDbColumnFamilies(dbOpt, path, cfNames, cfOpts)
	if err != nil {
		return nil, err
	}

	cfhMap := make(map[CF]*rdb.ColumnFamilyHandle)
	for i, h := range cfhs {
		cfhMap[cols[i]] = h
	}

	wo := rdb.NewDefaultWriteOptions()
	if option.Sync {
		wo.SetSync(option.Sync)
	}

	return &rocksdb{
		db:        db,
		path:      path,
		opt:       dbOpt,
		readOpt:   rdb.NewDefaultReadOptions(),
		writeOpt:  wo,
		flushOpt:  rdb.NewDefaultFlushOptions(),
		cfHandles: cfhMap,
	}, nil
}

func (lr *listReader) ReadNextCopy() (key []byte, value []byte, err error) {
	if lr.isFirst {
		lr.isFirst = false
	} else {
		lr.iterator.Next()
	}
	if err = lr.iterator.Err(); err != nil {
		return nil, nil, err
	}
	if !lr.iterator.Valid() {
		return nil, nil, nil
	}
	if lr.prefix != nil && !lr.iterator.ValidForPrefix(lr.prefix) {
		return nil, nil, nil
	}

	kg, vg := lr.iterator.Key(), lr.iterator.Value()
	key = make([]byte, kg.Size())
	value = make([]byte, vg.Size())
	copy(key, kg.Data())
	copy(value, vg.Data())
	kg.Free()
	vg.Free()
	return key, value, nil
}

func (lr *listReader) Close() {
	lr.iterator.Close()
}

func (w *writeBatch) Put(col CF, key, value []byte) {
	cf := w.s.getColumnFamily(col)
	w.batch.PutCF(cf, key, value)
}

func (w *writeBatch) Delete(col CF, key []byte) {
	cf := w.s.getColumnFamily(col)
	w.batch.DeleteCF(cf, key)
}

func (w *writeBatch) Count() int {
	return w.batch.Count()
}

func (w *writeBatch) Close() {
	w.batch.Destroy()
}

func (s *rocksdb) NewWriteBatch() WriteBatch {
	return &writeBatch{
		s:     s,
		batch: rdb.NewWriteBatch(),
	}
}

func (s *rocksdb) GetRaw(ctx context.Context, col CF, key []byte) (value []byte, err error) {
	cf := s.getColumnFamily(col)
	v, err := s.db.GetCF(s.readOpt, cf, key)
	if err != nil {
		return nil, err
	}
	defer v.Free()
	if !v.Exists() {
		return nil, ErrNotFound
	}
	value = make([]byte, v.Size())
	copy(value, v.Data())
	return value, nil
}

func (s *rocksdb) SetRaw(ctx context.Context, col CF, key []byte, value []byte) error {
	cf := s.getColumnFamily(col)
	return s.db.PutCF(s.writeOpt, cf, key, value)
}

func (s *rocksdb) Delete(ctx context.Context, col CF, key []byte) error {
	cf := s.getColumnFamily(col)
	return s.db.DeleteCF(s.writeOpt, cf, key)
}

func (s *rocksdb) List(ctx context.Context, col CF, prefix []byte, marker []byte) ListReader {
	cf := s.getColumnFamily(col)
	t := s.db.NewIteratorCF(s.readOpt, cf)
	switch {
	case len(marker) > 0:
		t.Seek(marker)
	case prefix != nil:
		t.Seek(prefix)
	default:
		t.SeekToFirst()
	}
	return &listReader{
		iterator: t,
		prefix:   prefix,
		isFirst:  true,
	}
}

func (s *rocksdb) Write(ctx context.Context, batch WriteBatch) error {
	return s.db.Write(s.writeOpt, batch.(*writeBatch).batch)
}

func (s *rocksdb) FlushCF(ctx context.Context, col CF) error {
	cf := s.getColumnFamily(col)
	return s.db.FlushCF(s.flushOpt, cf)
}

func (s *rocksdb) Stats(ctx context.Context) (stats Stats, err error) {
	var size int64
	files := s.db.GetLiveFilesMetaData()
	for i := range files {
		size += files[i].Size
	}
	return Stats{Used: uint64(size)}, nil
}

func (s *rocksdb) Close() {
	s.writeOpt.Destroy()
	s.readOpt.Destroy()
	s.flushOpt.Destroy()
	for i := range s.cfHandles {
		s.cfHandles[i].Destroy()
	}
	s.db.Close()
	s.opt.Destroy()
}

func (s *rocksdb) getColumnFamily(col CF) *rdb.ColumnFamilyHandle {
	if col == "" {
		col = defaultCF
	}
	s.lock.RLock()
	cf, ok := s.cfHandles[col]
	s.lock.RUnlock()
	if !ok {
		panic(fmt.Sprintf("col:%s not exist", col.String()))
	}
	return cf
}

func (s *rocksdb) CheckColumns(col CF) bool {
	if col == "" {
		return true
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	_, ok := s.cfHandles[col]
	return ok
}

func genRocksdbOpts(opt *Option) (opts *rdb.Options) {
	opts = rdb.NewDefaultOptions()
	blockBaseOpt := rdb.NewDefaultBlockBasedTableOptions()
	opts.SetCreateIfMissing(opt.CreateIfMissing)
	if opt.BlockSize > 0 {
		blockBaseOpt.SetBlockSize(opt.BlockSize)
	}
	if opt.BlockCache > 0 {
		blockBaseOpt.SetBlockCache(rdb.NewLRUCache(opt.BlockCache))
	}
	if opt.MaxOpenFiles > 0 {
		opts.SetMaxOpenFiles(opt.MaxOpenFiles)
	}
	if opt.MaxWriteBufferNumber > 0 {
		opts.SetMaxWriteBufferNumber(opt.MaxWriteBufferNumber)
	}
	if opt.WriteBufferSize > 0 {
		opts.SetWriteBufferSize(opt.WriteBufferSize)
	}
	if opt.KeepLogFileNum > 0 {
		opts.SetKeepLogFileNum(opt.KeepLogFileNum)
	}
	if opt.MaxLogFileSize > 0 {
		opts.SetMaxLogFileSize(opt.MaxLogFileSize)
	}

	opts.SetStatsDumpPeriodSec(0)
	opts.SetBlockBasedTableFactory(blockBaseOpt)
	opts.SetCreateIfMissingColumnFamilies(true)
	return
}
