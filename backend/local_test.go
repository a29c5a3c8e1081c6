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

package backend

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/tierfs/errors"
	"github.com/cubefs/tierfs/util"
	"github.com/cubefs/tierfs/util/limiter"
)

func newTestLocal(t *testing.T, compression string) (*Local, func()) {
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	l, err := NewLocal(Config{
		Path:        filepath.Join(path, "objects"),
		Compression: compression,
		Limit:       limiter.Config{FetchConcurrency: 4, StoreConcurrency: 4},
	})
	require.NoError(t, err)
	return l, func() { os.RemoveAll(path) }
}

func TestCodec(t *testing.T) {
	compressible := bytes.Repeat([]byte("tierfs block "), 1000)
	random := make([]byte, 4096)
	rand.Read(random)

	for _, codec := range []Codec{CodecNone, CodecZstd, CodecLZ4} {
		obj, err := encode(codec, compressible)
		require.NoError(t, err)
		require.Equal(t, byte(codec), obj[0])
		if codec != CodecNone {
			require.Less(t, len(obj), len(compressible))
		}
		data, err := decode(obj)
		require.NoError(t, err)
		require.Equal(t, compressible, data)

		// incompressible data falls back to raw
		obj, err = encode(codec, random)
		require.NoError(t, err)
		require.Equal(t, byte(CodecNone), obj[0])
		data, err = decode(obj)
		require.NoError(t, err)
		require.Equal(t, random, data)
	}

	_, err := decode(nil)
	require.ErrorIs(t, err, apierrors.ErrCorruptedObject)
	_, err = decode([]byte{9, 1, 2})
	require.ErrorIs(t, err, apierrors.ErrUnknownCodec)
	_, err = ParseCodec("snappy")
	require.ErrorIs(t, err, apierrors.ErrUnknownCodec)
	codec, err := ParseCodec("")
	require.NoError(t, err)
	require.Equal(t, "none", codec.String())
}

func TestLocal_StoreFetchDelete(t *testing.T) {
	ctx := context.TODO()
	for _, compression := range []string{"none", "zstd", "lz4"} {
		l, clean := newTestLocal(t, compression)

		data := bytes.Repeat([]byte{'a', 'b', 'c', 'd'}, 1<<16)
		id := ContentID(data)
		objID := ObjectID(3, 7, id)
		require.Equal(t, "data_3_7_"+ContentObjectID(id)[len("content_"):], objID)

		_, err := l.Fetch(ctx, objID)
		require.ErrorIs(t, err, apierrors.ErrObjectNotFound)
		ok, err := l.Exists(ctx, objID)
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, l.Store(ctx, objID, data))
		ok, err = l.Exists(ctx, objID)
		require.NoError(t, err)
		require.True(t, ok)

		got, err := l.Fetch(ctx, objID)
		require.NoError(t, err)
		require.Equal(t, data, got)

		require.NoError(t, l.Delete(ctx, objID))
		require.NoError(t, l.Delete(ctx, objID))
		_, err = l.Fetch(ctx, objID)
		require.ErrorIs(t, err, apierrors.ErrObjectNotFound)

		// no temp files left behind
		entries, err := os.ReadDir(l.cfg.Path)
		require.NoError(t, err)
		require.Equal(t, 0, len(entries))
		clean()
	}
}

func TestLocal_ConcurrentFetch(t *testing.T) {
	ctx := context.TODO()
	l, clean := newTestLocal(t, "zstd")
	defer clean()

	data := bytes.Repeat([]byte("0123456789"), 10000)
	require.NoError(t, l.Store(ctx, "obj", data))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := l.Fetch(ctx, "obj")
			require.NoError(t, err)
			require.Equal(t, data, got)
		}()
	}
	wg.Wait()
	require.Equal(t, 0, l.Limiter().Status().FetchRunning)
}

func TestLocal_FetchCallerGivesUp(t *testing.T) {
	ctx := context.TODO()
	l, clean := newTestLocal(t, "lz4")
	defer clean()

	data := bytes.Repeat([]byte("shared"), 1000)
	require.NoError(t, l.Store(ctx, "obj", data))

	// with every fetch slot taken the shared read waits
	for i := 0; i < 4; i++ {
		require.NoError(t, l.Limiter().TryAcquire(limiter.Fetch))
	}
	cctx, cancel := context.WithCancel(ctx)
	first := make(chan error, 1)
	go func() {
		_, err := l.Fetch(cctx, "obj")
		first <- err
	}()
	time.Sleep(20 * time.Millisecond)

	type result struct {
		data []byte
		err  error
	}
	second := make(chan result, 1)
	go func() {
		got, err := l.Fetch(ctx, "obj")
		second <- result{got, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-first, context.Canceled)
	for i := 0; i < 4; i++ {
		l.Limiter().Release(limiter.Fetch)
	}
	ret := <-second
	require.NoError(t, ret.err)
	require.Equal(t, data, ret.data)
}

func TestContentID(t *testing.T) {
	a := ContentID([]byte("block"))
	b := ContentID([]byte("block"))
	c := ContentID([]byte("other"))
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Equal(t, len("content_")+64, len(ContentObjectID(a)))
}
