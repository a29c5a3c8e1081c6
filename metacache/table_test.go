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
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/tierfs/accounting"
	apierrors "github.com/cubefs/tierfs/errors"
	"github.com/cubefs/tierfs/layout"
	"github.com/cubefs/tierfs/superblock"
	"github.com/cubefs/tierfs/util"
)

type memDir struct {
	lock     sync.Mutex
	stats    map[uint64]layout.Stat
	dirty    map[uint64]int
	updates  int
	deferred int
}

func newMemDir() *memDir {
	return &memDir{stats: make(map[uint64]layout.Stat), dirty: make(map[uint64]int)}
}

func (d *memDir) ReadStat(ctx context.Context, ino uint64) (layout.Stat, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	st, ok := d.stats[ino]
	if !ok {
		return layout.Stat{}, apierrors.ErrNotFound
	}
	return st, nil
}

func (d *memDir) UpdateStat(ctx context.Context, ino uint64, st *layout.Stat, deferSync bool) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.stats[ino] = *st
	d.updates++
	if deferSync {
		d.deferred++
	} else {
		d.dirty[ino]++
	}
	return nil
}

func (d *memDir) MarkDirty(ctx context.Context, ino uint64) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.dirty[ino]++
	return nil
}

func (d *memDir) dirtyCount(ino uint64) int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.dirty[ino]
}

func newTestTable(t *testing.T, cfg Config) (*Table, *memDir, func()) {
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	cfg.MetaDir = path
	dir := newMemDir()
	table := NewTable(cfg, dir, accounting.New(accounting.Config{}))
	return table, dir, func() {
		table.Close(context.TODO())
		os.RemoveAll(path)
	}
}

func TestTable_LockUnlock(t *testing.T) {
	ctx := context.TODO()
	table, _, clean := newTestTable(t, Config{})
	defer clean()

	_, err := table.Lock(ctx, 10)
	require.ErrorIs(t, err, apierrors.ErrNotFound)
	require.Equal(t, 0, table.Len())

	e, err := table.CreateFile(ctx, 10, 0o644, layout.Unpin)
	require.NoError(t, err)
	require.True(t, e.Locked())
	require.Equal(t, uint64(10), e.Inode())
	st, err := e.LookupStat()
	require.NoError(t, err)
	require.True(t, st.IsRegular())
	require.Equal(t, uint32(layout.ModeRegular|0o644), st.Mode)

	e.Unlock()
	e.Unlock()
	require.False(t, e.Locked())
	_, err = e.LookupStat()
	require.ErrorIs(t, err, apierrors.ErrEntryNotLocked)
	require.ErrorIs(t, e.UpdateStat(ctx, &st), apierrors.ErrEntryNotLocked)
	_, err = e.LookupFileMeta(ctx)
	require.ErrorIs(t, err, apierrors.ErrEntryNotLocked)
	require.ErrorIs(t, e.Flush(ctx), apierrors.ErrEntryNotLocked)

	require.NoError(t, e.Relock(ctx))
	_, err = e.LookupStat()
	require.NoError(t, err)
	e.Unlock()
	require.Equal(t, 1, table.Len())
}

func TestTable_SingleLiveEntry(t *testing.T) {
	ctx := context.TODO()
	table, _, clean := newTestTable(t, Config{})
	defer clean()

	e, err := table.CreateFile(ctx, 7, 0o644, layout.Unpin)
	require.NoError(t, err)
	e.Unlock()

	var holders, maxHolders int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				e, err := table.Lock(ctx, 7)
				if err != nil {
					t.Error(err)
					return
				}
				n := atomic.AddInt32(&holders, 1)
				if n > atomic.LoadInt32(&maxHolders) {
					atomic.StoreInt32(&maxHolders, n)
				}
				st, _ := e.LookupStat()
				st.Size++
				e.UpdateStat(ctx, &st)
				atomic.AddInt32(&holders, -1)
				e.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), maxHolders)
	require.Equal(t, 1, table.Len())
	e, err = table.Lock(ctx, 7)
	require.NoError(t, err)
	st, err := e.LookupStat()
	require.NoError(t, err)
	require.Equal(t, int64(16*20), st.Size)
	e.Unlock()
}

func TestTable_Evict(t *testing.T) {
	ctx := context.TODO()
	table, _, clean := newTestTable(t, Config{
		MaxEntries:          2,
		ExpireAgeMs:         1,
		LockRetryTimes:      2,
		LockRetryIntervalMs: 1,
	})
	defer clean()

	a, err := table.CreateFile(ctx, 1, 0o644, layout.Unpin)
	require.NoError(t, err)
	b, err := table.CreateFile(ctx, 2, 0o644, layout.Unpin)
	require.NoError(t, err)

	// both entries locked, nothing to evict
	_, err = table.CreateFile(ctx, 3, 0o644, layout.Unpin)
	require.ErrorIs(t, err, apierrors.ErrNoEntrySlot)
	require.False(t, table.EvictOne(ctx))

	// uploading entries are never chosen
	require.NoError(t, a.SetUploadingInfo(UploadingInfo{Uploading: true}))
	require.NoError(t, b.SetUploadingInfo(UploadingInfo{Uploading: true}))
	a.Unlock()
	b.Unlock()
	time.Sleep(5 * time.Millisecond)
	_, err = table.Lock(ctx, 3)
	require.ErrorIs(t, err, apierrors.ErrNoEntrySlot)
	require.False(t, table.EvictOne(ctx))

	require.NoError(t, b.Relock(ctx))
	require.NoError(t, b.SetUploadingInfo(UploadingInfo{}))
	b.Unlock()
	time.Sleep(5 * time.Millisecond)

	c, err := table.Lock(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 2, table.Len())
	c.Unlock()

	// inode 1 survived, inode 2 was evicted and is loaded again
	require.NoError(t, a.Relock(ctx))
	info, err := a.UploadingInfo()
	require.NoError(t, err)
	require.True(t, info.Uploading)
	a.Unlock()
}

func TestTable_EvictAge(t *testing.T) {
	ctx := context.TODO()
	table, _, clean := newTestTable(t, Config{ExpireAgeMs: 60000})
	defer clean()

	e, err := table.CreateFile(ctx, 1, 0o644, layout.Unpin)
	require.NoError(t, err)
	e.Unlock()
	require.False(t, table.EvictOne(ctx))
	require.Equal(t, 1, table.Len())
}

func TestTable_Remove(t *testing.T) {
	ctx := context.TODO()
	table, dir, clean := newTestTable(t, Config{DeferFlush: true})
	defer clean()

	e, err := table.CreateFile(ctx, 4, 0o644, layout.Unpin)
	require.NoError(t, err)
	st, err := e.LookupStat()
	require.NoError(t, err)
	st.Size = 100
	require.NoError(t, e.UpdateStat(ctx, &st))
	e.Unlock()

	got, err := dir.ReadStat(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, int64(0), got.Size)

	require.NoError(t, table.Remove(ctx, 4))
	require.Equal(t, 0, table.Len())
	got, err = dir.ReadStat(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, int64(100), got.Size)

	require.NoError(t, table.Remove(ctx, 4))
	require.NoError(t, e.Relock(ctx))
	st, err = e.LookupStat()
	require.NoError(t, err)
	require.Equal(t, int64(100), st.Size)
	e.Unlock()
}

func TestTable_CloseFlushes(t *testing.T) {
	ctx := context.TODO()
	table, dir, clean := newTestTable(t, Config{DeferFlush: true})
	defer clean()

	e, err := table.CreateDir(ctx, 9, 0o755)
	require.NoError(t, err)
	meta, err := e.LookupDirMeta(ctx)
	require.NoError(t, err)
	meta.TotalChildren = 3
	require.NoError(t, e.UpdateDirMeta(ctx, &meta))
	e.Unlock()

	require.NoError(t, table.Close(ctx))
	require.Equal(t, 0, table.Len())
	require.Equal(t, 2, dir.dirtyCount(9))

	f, err := os.Open(util.MetaPath(table.MetaDir(), 9))
	require.NoError(t, err)
	defer f.Close()
	var onDisk layout.DirMeta
	require.NoError(t, layout.ReadAt(f, layout.DirMetaOffset, &onDisk))
	require.Equal(t, int64(3), onDisk.TotalChildren)
}

func TestTable_Expire(t *testing.T) {
	ctx := context.TODO()
	table, _, clean := newTestTable(t, Config{
		MaxEntries:       10,
		ExpireAgeMs:      1,
		ExpireIntervalMs: 10,
	})
	defer clean()

	for ino := uint64(1); ino <= 10; ino++ {
		e, err := table.CreateFile(ctx, ino, 0o644, layout.Unpin)
		require.NoError(t, err)
		e.Unlock()
	}
	require.Equal(t, 10, table.Len())
	table.StartExpire()
	require.Eventually(t, func() bool { return table.Len() <= 9 }, 5*time.Second, 10*time.Millisecond)
}

func TestTable_WithSuperBlock(t *testing.T) {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)

	sb, err := superblock.Open(ctx, &superblock.Config{Path: path})
	require.NoError(t, err)
	defer sb.Close()

	table := NewTable(Config{MetaDir: path}, sb, accounting.New(accounting.Config{}))
	e, err := table.CreateSymlink(ctx, 21, "/target/of/link")
	require.NoError(t, err)
	meta, err := e.LookupSymlinkMeta(ctx)
	require.NoError(t, err)
	require.Equal(t, "/target/of/link", meta.Target())
	_, err = e.LookupFileMeta(ctx)
	require.ErrorIs(t, err, apierrors.ErrWrongInodeType)
	e.Unlock()
	require.NoError(t, table.Close(ctx))

	st, err := sb.ReadStat(ctx, 21)
	require.NoError(t, err)
	require.True(t, st.IsSymlink())
	require.Equal(t, int64(len("/target/of/link")), st.Size)
	dirty, err := sb.ListDirty(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []uint64{21}, dirty)
}
