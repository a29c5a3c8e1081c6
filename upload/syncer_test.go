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

package upload

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/tierfs/accounting"
	"github.com/cubefs/tierfs/backend"
	apierrors "github.com/cubefs/tierfs/errors"
	"github.com/cubefs/tierfs/layout"
	"github.com/cubefs/tierfs/metacache"
	"github.com/cubefs/tierfs/pressure"
	"github.com/cubefs/tierfs/superblock"
	"github.com/cubefs/tierfs/tiering"
	"github.com/cubefs/tierfs/util"
)

const testBlockSize = 4096

type testEnv struct {
	sb      *superblock.SuperBlock
	table   *metacache.Table
	acct    *accounting.Stats
	m       *tiering.Manager
	backend *backend.Local
	syncer  *Syncer
	path    string
}

func newTestEnv(t *testing.T, dedup bool) *testEnv {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	sb, err := superblock.Open(ctx, &superblock.Config{Path: filepath.Join(path, "sb")})
	require.NoError(t, err)
	be, err := backend.NewLocal(backend.Config{Path: filepath.Join(path, "backend"), Dedup: dedup})
	require.NoError(t, err)

	acct := accounting.New(accounting.Config{BlockSize: testBlockSize, CacheHardLimit: 1 << 20})
	table := metacache.NewTable(metacache.Config{
		MetaDir:  filepath.Join(path, "meta"),
		BlockDir: filepath.Join(path, "blocks"),
		Buckets:  8,
	}, sb, acct)
	coord := pressure.New(pressure.Config{WaitIntervalMs: 10}, acct)
	coord.SetBackendOnline(true)
	m := tiering.New(tiering.Config{Dedup: dedup}, table, acct, coord, be)
	return &testEnv{
		sb:      sb,
		table:   table,
		acct:    acct,
		m:       m,
		backend: be,
		syncer:  NewSyncer(Config{Concurrency: 4}, table, m, sb),
		path:    path,
	}
}

func (env *testEnv) clean() {
	env.syncer.Close()
	env.table.Close(context.TODO())
	env.sb.Close()
	os.RemoveAll(env.path)
}

func (env *testEnv) writeFile(t *testing.T, ino uint64, blocks ...[]byte) {
	ctx := context.TODO()
	entry, err := env.table.Lock(ctx, ino)
	if err == apierrors.ErrNotFound {
		entry, err = env.table.CreateFile(ctx, ino, 0o644, layout.Unpin)
	}
	require.NoError(t, err)
	defer entry.Unlock()
	h := env.m.OpenHandle(ino)
	defer h.Close()
	for i, data := range blocks {
		if data != nil {
			require.NoError(t, env.m.WriteBlock(ctx, h, entry, int64(i), data, 0))
		}
	}
	require.NoError(t, entry.Flush(ctx))
}

func (env *testEnv) blockEntry(t *testing.T, ino uint64, blockNo int64) layout.BlockEntry {
	ctx := context.TODO()
	entry, err := env.table.Lock(ctx, ino)
	require.NoError(t, err)
	defer entry.Unlock()
	be, err := env.m.LookupBlockEntry(ctx, entry, blockNo)
	require.NoError(t, err)
	return be
}

func (env *testEnv) requireDirty(t *testing.T, ino uint64, want bool) {
	_, dirty, err := env.sb.DirtySince(context.TODO(), ino)
	require.NoError(t, err)
	require.Equal(t, want, dirty)
}

func (env *testEnv) objectExists(t *testing.T, name string) bool {
	ok, err := env.backend.Exists(context.TODO(), name)
	require.NoError(t, err)
	return ok
}

func blockData(b byte) []byte {
	return bytes.Repeat([]byte{b}, testBlockSize)
}

func TestSyncer_UploadFile(t *testing.T) {
	ctx := context.TODO()
	env := newTestEnv(t, false)
	defer env.clean()

	const ino = 10
	env.writeFile(t, ino, blockData('a'), blockData('b'), blockData('c'))
	env.requireDirty(t, ino, true)
	require.Equal(t, int64(3*testBlockSize), env.acct.Snapshot().DirtyCacheSize)

	n, err := env.syncer.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	env.requireDirty(t, ino, false)

	for b := int64(0); b < 3; b++ {
		be := env.blockEntry(t, ino, b)
		require.Equal(t, layout.StatusBoth, be.Status)
		require.True(t, be.IsUploaded())
		require.Equal(t, backend.ContentID(blockData(byte('a'+b))), be.ObjID)
		name := backend.ObjectID(ino, b, be.ObjID)
		require.True(t, env.objectExists(t, name))
		data, err := env.backend.Fetch(ctx, name)
		require.NoError(t, err)
		require.Equal(t, blockData(byte('a'+b)), data)
	}
	snap := env.acct.Snapshot()
	require.Equal(t, int64(3*testBlockSize), snap.CacheSize)
	require.Equal(t, int64(0), snap.DirtyCacheSize)
	require.Equal(t, int64(0), snap.UnpinDirtySize)

	_, err = os.Stat(progressPath(env.syncer.progressDir, ino))
	require.True(t, os.IsNotExist(err))

	// nothing left to do
	n, err = env.syncer.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestSyncer_Rewrite(t *testing.T) {
	ctx := context.TODO()
	env := newTestEnv(t, false)
	defer env.clean()

	const ino = 11
	env.writeFile(t, ino, blockData('a'))
	require.NoError(t, env.syncer.SyncInode(ctx, ino))
	old := backend.ObjectID(ino, 0, backend.ContentID(blockData('a')))
	require.True(t, env.objectExists(t, old))

	env.writeFile(t, ino, blockData('b'))
	require.Equal(t, layout.StatusLocalDirty, env.blockEntry(t, ino, 0).Status)
	env.requireDirty(t, ino, true)
	require.NoError(t, env.syncer.SyncInode(ctx, ino))

	require.False(t, env.objectExists(t, old))
	require.True(t, env.objectExists(t, backend.ObjectID(ino, 0, backend.ContentID(blockData('b')))))
	require.Equal(t, layout.StatusBoth, env.blockEntry(t, ino, 0).Status)
	env.requireDirty(t, ino, false)
}

func TestSyncer_Truncate(t *testing.T) {
	ctx := context.TODO()
	env := newTestEnv(t, false)
	defer env.clean()

	const ino = 12
	env.writeFile(t, ino, blockData('a'), blockData('b'))
	require.NoError(t, env.syncer.SyncInode(ctx, ino))
	obj1 := backend.ObjectID(ino, 1, backend.ContentID(blockData('b')))
	require.True(t, env.objectExists(t, obj1))

	entry, err := env.table.Lock(ctx, ino)
	require.NoError(t, err)
	require.NoError(t, env.m.TruncateBlocks(ctx, entry, 1))
	st, err := entry.LookupStat()
	require.NoError(t, err)
	st.Size = testBlockSize
	require.NoError(t, entry.UpdateStat(ctx, &st))
	entry.Unlock()
	require.Equal(t, layout.StatusToDelete, env.blockEntry(t, ino, 1).Status)

	require.NoError(t, env.syncer.SyncInode(ctx, ino))
	require.False(t, env.objectExists(t, obj1))
	be := env.blockEntry(t, ino, 1)
	require.Equal(t, layout.StatusNone, be.Status)
	require.False(t, be.IsUploaded())
	require.Equal(t, layout.StatusBoth, env.blockEntry(t, ino, 0).Status)
}

func TestSyncer_Dedup(t *testing.T) {
	ctx := context.TODO()
	env := newTestEnv(t, true)
	defer env.clean()

	env.writeFile(t, 20, blockData('s'))
	env.writeFile(t, 21, blockData('s'), blockData('t'))
	n, err := env.syncer.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	id := backend.ContentID(blockData('s'))
	require.Equal(t, id, env.blockEntry(t, 20, 0).ObjID)
	require.Equal(t, id, env.blockEntry(t, 21, 0).ObjID)
	require.True(t, env.objectExists(t, backend.ContentObjectID(id)))
	require.True(t, env.objectExists(t, backend.ContentObjectID(backend.ContentID(blockData('t')))))

	// shared objects survive a rewrite
	env.writeFile(t, 20, blockData('u'))
	require.NoError(t, env.syncer.SyncInode(ctx, 20))
	require.True(t, env.objectExists(t, backend.ContentObjectID(id)))
}

func TestSyncer_NonRegular(t *testing.T) {
	ctx := context.TODO()
	env := newTestEnv(t, false)
	defer env.clean()

	entry, err := env.table.CreateDir(ctx, 30, 0o755)
	require.NoError(t, err)
	entry.Unlock()
	env.requireDirty(t, 30, true)
	require.NoError(t, env.syncer.SyncInode(ctx, 30))
	env.requireDirty(t, 30, false)

	// a removed inode only leaves the queue
	require.NoError(t, env.sb.MarkDirty(ctx, 31))
	require.NoError(t, env.syncer.SyncInode(ctx, 31))
	env.requireDirty(t, 31, false)
}

func TestSyncer_RequeuedDuringRound(t *testing.T) {
	ctx := context.TODO()
	env := newTestEnv(t, false)
	defer env.clean()

	require.NoError(t, env.sb.MarkDirty(ctx, 40))
	require.NoError(t, env.syncer.clearDirty(ctx, 40, time.Now().Add(-time.Hour)))
	env.requireDirty(t, 40, true)
	require.NoError(t, env.syncer.clearDirty(ctx, 40, time.Now()))
	env.requireDirty(t, 40, false)
}

func TestSyncer_NoBackend(t *testing.T) {
	env := newTestEnv(t, false)
	defer env.clean()

	m := tiering.New(tiering.Config{}, env.table, env.acct, pressure.New(pressure.Config{}, env.acct), nil)
	s := NewSyncer(Config{}, env.table, m, env.sb)
	defer s.Close()
	require.ErrorIs(t, s.SyncInode(context.TODO(), 1), apierrors.ErrBackendNotReady)
}

func TestProgress_Resume(t *testing.T) {
	ctx := context.TODO()
	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	p, err := openProgress(dir, 7)
	require.NoError(t, err)
	id := backend.ContentID([]byte("block"))
	t3 := tiering.UploadTicket{BlockNo: 3, Seq: 5}
	t4 := tiering.UploadTicket{BlockNo: 4, Seq: 5}
	p.Stored(t3, id)
	p.Stored(t4, id)
	require.False(t, p.Finished(3))
	// unknown blocks are ignored
	require.NoError(t, p.MarkFinished(ctx, 9))
	require.NoError(t, p.MarkFinished(ctx, 3))
	require.NoError(t, p.MarkFinished(ctx, 4))
	require.True(t, p.Finished(3))

	p, err = openProgress(dir, 7)
	require.NoError(t, err)
	require.Equal(t, 2, p.Count())
	got, ok := p.ID(t3)
	require.True(t, ok)
	require.Equal(t, id, got)
	_, ok = p.ID(tiering.UploadTicket{BlockNo: 3, Seq: 6})
	require.False(t, ok)

	// block 4 was written again after it was stored
	p.Retain([]tiering.UploadTicket{t3, {BlockNo: 4, Seq: 6}})
	require.Equal(t, 1, p.Count())
	require.True(t, p.Finished(3))
	require.False(t, p.Finished(4))

	require.NoError(t, p.remove())
	p, err = openProgress(dir, 7)
	require.NoError(t, err)
	require.Equal(t, 0, p.Count())
}

func TestSyncer_ResumeRound(t *testing.T) {
	ctx := context.TODO()
	env := newTestEnv(t, false)
	defer env.clean()

	const ino = 50
	env.writeFile(t, ino, blockData('a'), blockData('b'))

	// a crashed round stored block 0 and recorded it
	entry, err := env.table.Lock(ctx, ino)
	require.NoError(t, err)
	uploads, _, err := env.m.BeginUpload(ctx, entry)
	require.NoError(t, err)
	require.NoError(t, entry.Flush(ctx))
	entry.Unlock()
	require.Equal(t, 2, len(uploads))

	p, err := openProgress(env.syncer.progressDir, ino)
	require.NoError(t, err)
	id := backend.ContentID(blockData('a'))
	require.NoError(t, env.backend.Store(ctx, backend.ObjectID(ino, 0, id), blockData('a')))
	p.Stored(uploads[0], id)
	require.NoError(t, p.MarkFinished(ctx, 0))

	require.NoError(t, env.syncer.SyncInode(ctx, ino))
	for b := int64(0); b < 2; b++ {
		be := env.blockEntry(t, ino, b)
		require.Equal(t, layout.StatusBoth, be.Status)
		require.Equal(t, backend.ContentID(blockData(byte('a'+b))), be.ObjID)
	}
	require.Equal(t, int64(0), env.acct.Snapshot().DirtyCacheSize)
	env.requireDirty(t, ino, false)
}
