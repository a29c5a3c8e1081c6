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

package pageout

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/tierfs/accounting"
	"github.com/cubefs/tierfs/backend"
	"github.com/cubefs/tierfs/layout"
	"github.com/cubefs/tierfs/metacache"
	"github.com/cubefs/tierfs/pressure"
	"github.com/cubefs/tierfs/superblock"
	"github.com/cubefs/tierfs/tiering"
	"github.com/cubefs/tierfs/upload"
	"github.com/cubefs/tierfs/util"
)

const testBlockSize = 4096

type testEnv struct {
	sb     *superblock.SuperBlock
	table  *metacache.Table
	acct   *accounting.Stats
	m      *tiering.Manager
	syncer *upload.Syncer
	pager  *Pager
	path   string
}

func newTestEnv(t *testing.T) *testEnv {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	sb, err := superblock.Open(ctx, &superblock.Config{Path: filepath.Join(path, "sb")})
	require.NoError(t, err)
	be, err := backend.NewLocal(backend.Config{Path: filepath.Join(path, "backend")})
	require.NoError(t, err)

	acct := accounting.New(accounting.Config{
		BlockSize:      testBlockSize,
		CacheHardLimit: 8 * testBlockSize,
		CacheSoftLimit: 2 * testBlockSize,
	})
	table := metacache.NewTable(metacache.Config{
		MetaDir:  filepath.Join(path, "meta"),
		BlockDir: filepath.Join(path, "blocks"),
	}, sb, acct)
	coord := pressure.New(pressure.Config{WaitIntervalMs: 10}, acct)
	coord.SetBackendOnline(true)
	m := tiering.New(tiering.Config{}, table, acct, coord, be)
	return &testEnv{
		sb:     sb,
		table:  table,
		acct:   acct,
		m:      m,
		syncer: upload.NewSyncer(upload.Config{}, table, m, sb),
		pager:  New(Config{BatchSize: 1}, table, m, acct, sb),
		path:   path,
	}
}

func (env *testEnv) clean() {
	env.pager.Close()
	env.syncer.Close()
	env.table.Close(context.TODO())
	env.sb.Close()
	os.RemoveAll(env.path)
}

func (env *testEnv) writeFile(t *testing.T, ino uint64, pin layout.PinClass, blocks int) {
	ctx := context.TODO()
	entry, err := env.table.CreateFile(ctx, ino, 0o644, pin)
	require.NoError(t, err)
	defer entry.Unlock()
	h := env.m.OpenHandle(ino)
	defer h.Close()
	for b := 0; b < blocks; b++ {
		data := bytes.Repeat([]byte{byte(ino) + byte(b)}, testBlockSize)
		require.NoError(t, env.m.WriteBlock(ctx, h, entry, int64(b), data, 0))
	}
}

func (env *testEnv) countStatus(t *testing.T, ino uint64, blocks int, status layout.BlockStatus) int {
	ctx := context.TODO()
	entry, err := env.table.Lock(ctx, ino)
	require.NoError(t, err)
	defer entry.Unlock()
	n := 0
	for b := 0; b < blocks; b++ {
		st, _, err := env.m.LookupBlock(ctx, entry, int64(b))
		require.NoError(t, err)
		if st == status {
			n++
		}
	}
	return n
}

func TestPager_RunOnce(t *testing.T) {
	ctx := context.TODO()
	env := newTestEnv(t)
	defer env.clean()

	env.writeFile(t, 1, layout.Unpin, 3)
	env.writeFile(t, 2, layout.Unpin, 3)
	// dirty blocks stay local
	freed, err := env.pager.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), freed)
	require.Equal(t, int64(6*testBlockSize), env.acct.Snapshot().CacheSize)

	n, err := env.syncer.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	freed, err = env.pager.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(4*testBlockSize), freed)
	snap := env.acct.Snapshot()
	require.Equal(t, int64(2*testBlockSize), snap.CacheSize)
	require.Equal(t, int64(2), snap.CacheBlocks)
	require.False(t, env.acct.OverSoftLimit())
	require.Equal(t, 4, env.countStatus(t, 1, 3, layout.StatusCloudOnly)+env.countStatus(t, 2, 3, layout.StatusCloudOnly))

	// paged out blocks come back on read
	entry, err := env.table.Lock(ctx, 1)
	require.NoError(t, err)
	h := env.m.OpenHandle(1)
	buf := make([]byte, testBlockSize)
	_, err = env.m.ReadBlock(ctx, h, entry, 0, buf, 0)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{1}, testBlockSize), buf)
	h.Close()
	entry.Unlock()
}

func TestPager_SkipPinned(t *testing.T) {
	ctx := context.TODO()
	env := newTestEnv(t)
	defer env.clean()

	env.writeFile(t, 5, layout.Pin, 4)
	_, err := env.syncer.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, env.acct.OverSoftLimit())

	freed, err := env.pager.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), freed)
	require.Equal(t, 4, env.countStatus(t, 5, 4, layout.StatusBoth))
}
