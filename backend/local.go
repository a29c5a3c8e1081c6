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

// Package backend stores block objects away from the local cache.
package backend

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"

	apierrors "github.com/cubefs/tierfs/errors"
	"github.com/cubefs/tierfs/metrics"
	"github.com/cubefs/tierfs/util"
	"github.com/cubefs/tierfs/util/limiter"
)

type (
	Backend interface {
		// Fetch returns the object bytes, callers must not modify them
		Fetch(ctx context.Context, objID string) ([]byte, error)
		Store(ctx context.Context, objID string, data []byte) error
		Delete(ctx context.Context, objID string) error
		Exists(ctx context.Context, objID string) (bool, error)
	}

	Config struct {
		Path        string         `json:"path"`
		Compression string         `json:"compression"`
		Dedup       bool           `json:"dedup"`
		Limit       limiter.Config `json:"limit"`
	}
)

// ObjectID names the object of one uploaded block version
func ObjectID(ino uint64, blockNo int64, id [32]byte) string {
	return fmt.Sprintf("data_%d_%d_%s", ino, blockNo, hex.EncodeToString(id[:]))
}

// ContentID is the dedup identity of block data
func ContentID(data []byte) [32]byte {
	return blake3.Sum256(data)
}

// ContentObjectID names an object shared by every block with the same content
func ContentObjectID(id [32]byte) string {
	return "content_" + hex.EncodeToString(id[:])
}

// Local keeps objects as files of one directory
type Local struct {
	cfg     Config
	codec   Codec
	limiter limiter.Limiter
	group   singleflight.Group
}

func NewLocal(cfg Config) (*Local, error) {
	codec, err := ParseCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, errors.Info(err, "create backend dir failed")
	}
	return &Local{
		cfg:     cfg,
		codec:   codec,
		limiter: limiter.NewLimiter(cfg.Limit),
	}, nil
}

func (l *Local) Dedup() bool {
	return l.cfg.Dedup
}

func (l *Local) Limiter() limiter.Limiter {
	return l.limiter
}

func (l *Local) objectPath(objID string) string {
	return filepath.Join(l.cfg.Path, objID)
}

// Fetch coalesces concurrent fetches of the same object into one read. The
// shared read does not stop when one of the waiting callers gives up.
func (l *Local) Fetch(ctx context.Context, objID string) ([]byte, error) {
	span := trace.SpanFromContextSafe(ctx)
	ch := l.group.DoChan(objID, func() (interface{}, error) {
		return l.fetch(trace.ContextWithSpan(context.Background(), span), objID)
	})
	select {
	case ret := <-ch:
		if ret.Shared {
			span.Debugf("shared fetch of object %s", objID)
		}
		if ret.Err != nil {
			return nil, ret.Err
		}
		return ret.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Local) fetch(ctx context.Context, objID string) ([]byte, error) {
	span := trace.SpanFromContextSafe(ctx)
	if err := l.limiter.Acquire(ctx, limiter.Fetch); err != nil {
		return nil, err
	}
	defer l.limiter.Release(limiter.Fetch)

	start := time.Now()
	f, err := os.Open(l.objectPath(objID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierrors.ErrObjectNotFound
		}
		return nil, errors.Info(err, "open object failed")
	}
	defer f.Close()

	cr := &util.CostReader{R: l.limiter.Reader(ctx, f)}
	raw, err := io.ReadAll(cr)
	if err != nil {
		return nil, errors.Info(err, "read object failed")
	}
	data, err := decode(raw)
	if err != nil {
		span.Errorf("decode object %s failed: %s", objID, err)
		return nil, err
	}
	metrics.BackendBytes.WithLabelValues("fetch").Add(float64(len(raw)))
	metrics.BackendLatency.WithLabelValues("fetch").Observe(time.Since(start).Seconds())
	span.Debugf("fetched object %s, %d bytes, read cost %s", objID, len(data), cr.Cost())
	return data, nil
}

// Store writes the object atomically, an existing object is replaced
func (l *Local) Store(ctx context.Context, objID string, data []byte) error {
	span := trace.SpanFromContextSafe(ctx)
	if err := l.limiter.Acquire(ctx, limiter.Store); err != nil {
		return err
	}
	defer l.limiter.Release(limiter.Store)

	start := time.Now()
	obj, err := encode(l.codec, data)
	if err != nil {
		return err
	}
	tmp := filepath.Join(l.cfg.Path, ".tmp-"+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Info(err, "create object failed")
	}
	cw := &util.CostWriter{W: l.limiter.Writer(ctx, f)}
	if _, err = cw.Write(obj); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, l.objectPath(objID))
	}
	if err != nil {
		os.Remove(tmp)
		return errors.Info(err, "store object failed")
	}
	metrics.BackendBytes.WithLabelValues("store").Add(float64(len(obj)))
	metrics.BackendLatency.WithLabelValues("store").Observe(time.Since(start).Seconds())
	span.Debugf("stored object %s, %d bytes as %d, write cost %s", objID, len(data), len(obj), cw.Cost())
	return nil
}

// Delete removes the object, a missing one is not an error
func (l *Local) Delete(ctx context.Context, objID string) error {
	start := time.Now()
	if err := os.Remove(l.objectPath(objID)); err != nil && !os.IsNotExist(err) {
		return errors.Info(err, "delete object failed")
	}
	metrics.BackendLatency.WithLabelValues("delete").Observe(time.Since(start).Seconds())
	trace.SpanFromContextSafe(ctx).Debugf("deleted object %s", objID)
	return nil
}

func (l *Local) Exists(ctx context.Context, objID string) (bool, error) {
	_, err := os.Stat(l.objectPath(objID))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Info(err, "stat object failed")
}
