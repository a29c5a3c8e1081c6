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

// Package tiering moves data blocks between the local cache and the backend.
//
// Every block of a regular file has a BlockEntry whose status says where its
// bytes live. All status changes happen with the meta cache entry locked and
// go together with the matching change of the global cache counters, so the
// cache size always equals the summed size of the local block files.
//
// Lock order is meta entry, then handle block lock, then the accounting lock.
// Whenever an operation has to sleep it gives up both entry and handle lock
// and starts over from a fresh read of the block status once it has them back.
package tiering

import (
	"context"
	"os"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/tierfs/accounting"
	"github.com/cubefs/tierfs/backend"
	"github.com/cubefs/tierfs/blockindex"
	apierrors "github.com/cubefs/tierfs/errors"
	"github.com/cubefs/tierfs/layout"
	"github.com/cubefs/tierfs/metacache"
	"github.com/cubefs/tierfs/metrics"
	"github.com/cubefs/tierfs/pressure"
	"github.com/cubefs/tierfs/util"
)

type Config struct {
	// Dedup names uploaded objects by content only
	Dedup bool `json:"dedup"`
}

type Manager struct {
	cfg       Config
	blockSize int64
	blockDir  string

	table   *metacache.Table
	acct    *accounting.Stats
	coord   *pressure.Coordinator
	backend backend.Backend
}

// New returns a manager, be may be nil while no backend is configured
func New(cfg Config, table *metacache.Table, acct *accounting.Stats, coord *pressure.Coordinator, be backend.Backend) *Manager {
	return &Manager{
		cfg:       cfg,
		blockSize: acct.BlockSize(),
		blockDir:  table.BlockDir(),
		table:     table,
		acct:      acct,
		coord:     coord,
		backend:   be,
	}
}

func (m *Manager) BlockSize() int64 {
	return m.blockSize
}

func (m *Manager) Backend() backend.Backend {
	return m.backend
}

func (m *Manager) blockPath(ino uint64, blockNo int64) string {
	return util.BlockPath(m.blockDir, ino, blockNo)
}

// ObjectName is the backend object holding the uploaded version of a block
func (m *Manager) ObjectName(ino uint64, blockNo int64, id [layout.ObjIDLength]byte) string {
	if m.cfg.Dedup {
		return backend.ContentObjectID(id)
	}
	return backend.ObjectID(ino, blockNo, id)
}

func (m *Manager) Dedup() bool {
	return m.cfg.Dedup
}

// Handle is the per open file state. Its mutex serializes block work of one
// handle and it caches the local file of the last block it touched.
type Handle struct {
	ino uint64
	mu  sync.Mutex

	// guarded by mu
	block    int64
	pagedOut uint32
	file     *os.File
}

func (m *Manager) OpenHandle(ino uint64) *Handle {
	return &Handle{ino: ino, block: -1}
}

func (h *Handle) Inode() uint64 {
	return h.ino
}

// Close drops the cached block file
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.invalidate()
}

func (h *Handle) invalidate() error {
	if h.file == nil {
		return nil
	}
	err := h.file.Close()
	h.file, h.block = nil, -1
	return err
}

// localFile returns the cached file when it still refers to the same local
// copy, the paged-out count changes whenever that copy was replaced.
func (h *Handle) localFile(path string, blockNo int64, pagedOut uint32, fresh bool) (*os.File, error) {
	if !fresh && h.file != nil && h.block == blockNo && h.pagedOut == pagedOut {
		return h.file, nil
	}
	h.invalidate()
	flag := os.O_RDWR | os.O_CREATE
	if fresh {
		flag |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flag, 0o600)
	if err != nil && os.IsNotExist(err) {
		if err = util.EnsureDir(path); err == nil {
			f, err = os.OpenFile(path, flag, 0o600)
		}
	}
	if err != nil {
		return nil, errors.Info(err, "open block file failed")
	}
	h.file, h.block, h.pagedOut = f, blockNo, pagedOut
	return f, nil
}

// blockLock is the handle lock as held by one operation. It tracks whether
// the lock is held so a failed relock never leads to a double unlock.
type blockLock struct {
	h    *Handle
	held bool
}

func (h *Handle) lock() *blockLock {
	h.mu.Lock()
	return &blockLock{h: h, held: true}
}

func (l *blockLock) Unlock() {
	if l.held {
		l.held = false
		l.h.mu.Unlock()
	}
}

func (l *blockLock) Relock(ctx context.Context) error {
	if !l.held {
		l.h.mu.Lock()
		l.held = true
	}
	return nil
}

// blockRef is a loaded status page and the position of one block in it
type blockRef struct {
	blockNo int64
	off     int64
	page    layout.BlockEntryPage
}

func (r *blockRef) entry() *layout.BlockEntry {
	return &r.page.Entries[blockindex.EntryIndex(r.blockNo)]
}

// loadBlock reads the status page of blockNo. Without create a missing page
// yields nil, the block is then in status None.
func (m *Manager) loadBlock(ctx context.Context, entry *metacache.Entry, blockNo int64, create bool) (*blockRef, error) {
	ref := &blockRef{blockNo: blockNo}
	var err error
	if create {
		ref.off, err = entry.LocateOrCreateBlockPage(ctx, blockNo)
	} else {
		var found bool
		ref.off, found, err = entry.LocateBlockPage(ctx, blockNo)
		if err == nil && !found {
			return nil, nil
		}
	}
	if err != nil {
		return nil, err
	}
	if ref.page, err = entry.LookupBlockPage(ctx, ref.off); err != nil {
		return nil, err
	}
	if st := ref.entry().Status; !st.Valid() {
		trace.SpanFromContextSafe(ctx).Errorf("inode %d block %d has invalid status %d", entry.Inode(), blockNo, st)
		return nil, apierrors.ErrCorruptedMeta
	}
	return ref, nil
}

// CountBlocks returns the counter share of the local copies of the file.
// Summed over every inode it rebuilds the counters after an unclean shutdown.
func (m *Manager) CountBlocks(ctx context.Context, entry *metacache.Entry) (accounting.Delta, error) {
	var d accounting.Delta
	st, err := entry.LookupStat()
	if err != nil || !st.IsRegular() {
		return d, err
	}
	meta, err := entry.LookupFileMeta(ctx)
	if err != nil {
		return d, err
	}
	ino := entry.Inode()
	err = entry.WalkBlockPages(ctx, func(pageNo, off int64) error {
		page, err := entry.LookupBlockPage(ctx, off)
		if err != nil {
			return err
		}
		for i := range page.Entries {
			status := page.Entries[i].Status
			if !status.HasLocal() {
				continue
			}
			fi, err := os.Stat(m.blockPath(ino, pageNo*layout.EntriesPerBlockPage+int64(i)))
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return errors.Info(err, "stat block file failed")
			}
			rd := residency(meta.LocalPin, fi.Size(), status != layout.StatusBoth)
			rd.CacheBlocks = 1
			d = addDelta(d, rd)
		}
		return nil
	})
	return d, err
}

// residency is the counter delta of one local copy of size bytes appearing
func residency(pin layout.PinClass, size int64, dirty bool) accounting.Delta {
	d := accounting.Delta{CacheSize: size}
	if pin.Pinned() {
		d.PinnedSize = size
	}
	if dirty {
		d.DirtyCacheSize = size
		if !pin.Pinned() {
			d.UnpinDirtySize = size
		}
	}
	return d
}

func negate(d accounting.Delta) accounting.Delta {
	return accounting.Delta{
		CacheSize:      -d.CacheSize,
		DirtyCacheSize: -d.DirtyCacheSize,
		PinnedSize:     -d.PinnedSize,
		CacheBlocks:    -d.CacheBlocks,
		MetaSize:       -d.MetaSize,
		UnpinDirtySize: -d.UnpinDirtySize,
	}
}

func addDelta(a, b accounting.Delta) accounting.Delta {
	a.CacheSize += b.CacheSize
	a.DirtyCacheSize += b.DirtyCacheSize
	a.PinnedSize += b.PinnedSize
	a.CacheBlocks += b.CacheBlocks
	a.MetaSize += b.MetaSize
	a.UnpinDirtySize += b.UnpinDirtySize
	return a
}

func addStats(a, b layout.FileStats) layout.FileStats {
	a.NumBlocks += b.NumBlocks
	a.NumCachedBlocks += b.NumCachedBlocks
	a.CachedSize += b.CachedSize
	a.DirtyDataSize += b.DirtyDataSize
	return a
}

// account applies the global delta and the per file delta of one
// transition. The global counters follow the local files even when the file
// stats cannot be written.
func (m *Manager) account(ctx context.Context, entry *metacache.Entry, d accounting.Delta, fs layout.FileStats) error {
	m.acct.Change(d)
	if fs == (layout.FileStats{}) {
		return nil
	}
	stats, err := entry.LookupFileStats(ctx)
	if err != nil {
		return err
	}
	stats = addStats(stats, fs)
	return entry.UpdateFileStats(ctx, &stats)
}

func transition(from, to layout.BlockStatus) {
	if from != to {
		metrics.BlockTransitions.WithLabelValues(from.String(), to.String()).Inc()
	}
}

// relock takes back the entry and then the handle lock
func (m *Manager) relock(ctx context.Context, entry *metacache.Entry, bl *blockLock) error {
	for {
		err := entry.Relock(ctx)
		if err == nil {
			break
		}
		if err != apierrors.ErrNoEntrySlot || m.coord.ShuttingDown() {
			return err
		}
		trace.SpanFromContextSafe(ctx).Warnf("relock inode %d: no entry slot, retry", entry.Inode())
	}
	return bl.Relock(ctx)
}

// waitInFlight sleeps until someone reports progress on an in-flight block
func (m *Manager) waitInFlight(ctx context.Context, entry *metacache.Entry, bl *blockLock) error {
	bl.Unlock()
	entry.Unlock()
	werr := m.coord.Wait(ctx)
	if err := m.relock(ctx, entry, bl); err != nil {
		return err
	}
	return werr
}

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Info(err, "stat block file failed")
	}
	return fi.Size(), nil
}
