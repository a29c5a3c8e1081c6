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

// Package metacache holds the in-memory view of inode meta files. An entry
// is only reachable through a locked handle, so at most one goroutine reads
// or writes an inode's metadata at a time.
package metacache

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/tierfs/errors"
	"github.com/cubefs/tierfs/layout"
	"github.com/cubefs/tierfs/metrics"
)

const (
	defaultBuckets             = 4096
	defaultMaxEntries          = 5000
	defaultExpireAgeMs         = 500
	defaultExpireIntervalMs    = 1000
	defaultLockRetryTimes      = 20
	defaultLockRetryIntervalMs = 100

	// the expire loop keeps the table below this share of max entries
	expireWatermark = 0.9
)

type (
	Config struct {
		MetaDir             string `json:"meta_dir"`
		BlockDir            string `json:"block_dir"`
		Buckets             int    `json:"buckets"`
		MaxEntries          int    `json:"max_entries"`
		ExpireAgeMs         int    `json:"expire_age_ms"`
		ExpireIntervalMs    int    `json:"expire_interval_ms"`
		LockRetryTimes      int    `json:"lock_retry_times"`
		LockRetryIntervalMs int    `json:"lock_retry_interval_ms"`
		DeferFlush          bool   `json:"defer_flush"`
	}

	// Directory is the authoritative inode directory
	Directory interface {
		ReadStat(ctx context.Context, ino uint64) (layout.Stat, error)
		UpdateStat(ctx context.Context, ino uint64, st *layout.Stat, deferSync bool) error
		MarkDirty(ctx context.Context, ino uint64) error
	}
	// Quota guards the global metadata space used by appended pages
	Quota interface {
		AllowMeta(bytes int64) bool
		AddMeta(bytes int64)
	}
)

type bucket struct {
	lock sync.Mutex
	// oldest first
	entries []*cacheEntry
}

func (b *bucket) find(ino uint64) int {
	for i, ce := range b.entries {
		if ce.ino == ino {
			return i
		}
	}
	return -1
}

func (b *bucket) moveToBack(i int) {
	ce := b.entries[i]
	copy(b.entries[i:], b.entries[i+1:])
	b.entries[len(b.entries)-1] = ce
}

func (b *bucket) remove(i int) {
	copy(b.entries[i:], b.entries[i+1:])
	b.entries[len(b.entries)-1] = nil
	b.entries = b.entries[:len(b.entries)-1]
}

type Table struct {
	cfg     Config
	dir     Directory
	quota   Quota
	buckets []bucket
	count   int64

	expireAge     time.Duration
	retryInterval time.Duration

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (cfg *Config) fixConfig() {
	if cfg.Buckets <= 0 {
		cfg.Buckets = defaultBuckets
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.ExpireAgeMs <= 0 {
		cfg.ExpireAgeMs = defaultExpireAgeMs
	}
	if cfg.ExpireIntervalMs <= 0 {
		cfg.ExpireIntervalMs = defaultExpireIntervalMs
	}
	if cfg.LockRetryTimes <= 0 {
		cfg.LockRetryTimes = defaultLockRetryTimes
	}
	if cfg.LockRetryIntervalMs <= 0 {
		cfg.LockRetryIntervalMs = defaultLockRetryIntervalMs
	}
	if cfg.BlockDir == "" {
		cfg.BlockDir = cfg.MetaDir
	}
}

func NewTable(cfg Config, dir Directory, quota Quota) *Table {
	cfg.fixConfig()
	return &Table{
		cfg:           cfg,
		dir:           dir,
		quota:         quota,
		buckets:       make([]bucket, cfg.Buckets),
		expireAge:     time.Duration(cfg.ExpireAgeMs) * time.Millisecond,
		retryInterval: time.Duration(cfg.LockRetryIntervalMs) * time.Millisecond,
		stopCh:        make(chan struct{}),
	}
}

func (t *Table) MetaDir() string  { return t.cfg.MetaDir }
func (t *Table) BlockDir() string { return t.cfg.BlockDir }

func (t *Table) Len() int {
	return int(atomic.LoadInt64(&t.count))
}

func (t *Table) bucket(ino uint64) *bucket {
	return &t.buckets[ino%uint64(len(t.buckets))]
}

func (t *Table) reserveSlot() bool {
	for {
		cur := atomic.LoadInt64(&t.count)
		if cur >= int64(t.cfg.MaxEntries) {
			return false
		}
		if atomic.CompareAndSwapInt64(&t.count, cur, cur+1) {
			metrics.MetaCacheEntries.Set(float64(cur + 1))
			return true
		}
	}
}

func (t *Table) releaseSlot() {
	metrics.MetaCacheEntries.Set(float64(atomic.AddInt64(&t.count, -1)))
}

// Lock finds or creates the entry of ino and returns it locked. When the
// table is full it evicts idle entries, retrying a bounded number of times
// before failing with ErrNoEntrySlot.
func (t *Table) Lock(ctx context.Context, ino uint64) (*Entry, error) {
	span := trace.SpanFromContextSafe(ctx)
	b := t.bucket(ino)

	retry := 0
	for {
		b.lock.Lock()
		var ce *cacheEntry
		if i := b.find(ino); i >= 0 {
			ce = b.entries[i]
			b.moveToBack(i)
		} else {
			if !t.reserveSlot() {
				b.lock.Unlock()
				if retry >= t.cfg.LockRetryTimes {
					span.Warnf("no meta cache slot for inode %d after %d retries", ino, retry)
					metrics.MetaCacheEvents.WithLabelValues("no_slot").Inc()
					return nil, apierrors.ErrNoEntrySlot
				}
				retry++
				if t.EvictOne(ctx) {
					continue
				}
				if err := t.backoff(ctx); err != nil {
					return nil, err
				}
				continue
			}
			st, err := t.dir.ReadStat(ctx, ino)
			if err != nil {
				t.releaseSlot()
				b.lock.Unlock()
				return nil, err
			}
			ce = newCacheEntry(ino, st)
			b.entries = append(b.entries, ce)
			metrics.MetaCacheEvents.WithLabelValues("create").Inc()
		}
		b.lock.Unlock()

		ce.mu.Lock()
		if ce.removed {
			ce.mu.Unlock()
			continue
		}
		ce.lockFile(ctx)
		ce.touch()
		return &Entry{table: t, ino: ino, ce: ce}, nil
	}
}

func (t *Table) backoff(ctx context.Context) error {
	timer := time.NewTimer(t.retryInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Remove flushes the entry of ino and drops it from the table. The caller
// must not hold the entry.
func (t *Table) Remove(ctx context.Context, ino uint64) error {
	b := t.bucket(ino)
	b.lock.Lock()
	i := b.find(ino)
	if i < 0 {
		b.lock.Unlock()
		return nil
	}
	ce := b.entries[i]
	b.lock.Unlock()

	ce.mu.Lock()
	defer ce.mu.Unlock()
	if ce.removed {
		return nil
	}
	if err := t.flush(ctx, ce); err != nil {
		return err
	}
	ce.closeFile(ctx)

	b.lock.Lock()
	if i = b.find(ino); i >= 0 && b.entries[i] == ce {
		b.remove(i)
	}
	b.lock.Unlock()
	ce.removed = true
	t.releaseSlot()
	metrics.MetaCacheEvents.WithLabelValues("remove").Inc()
	trace.SpanFromContextSafe(ctx).Debugf("removed meta cache entry of inode %d", ino)
	return nil
}

// EvictOne flushes and frees one unlocked, idle entry that is not uploading.
// The scan starts at a random bucket and looks at the oldest entries first.
func (t *Table) EvictOne(ctx context.Context) bool {
	span := trace.SpanFromContextSafe(ctx)
	n := len(t.buckets)
	start := rand.Intn(n)
	for k := 0; k < n; k++ {
		b := &t.buckets[(start+k)%n]
		b.lock.Lock()
		for i := 0; i < len(b.entries); i++ {
			ce := b.entries[i]
			if !ce.mu.TryLock() {
				continue
			}
			if ce.uploading.Uploading || time.Since(ce.lastAccess) <= t.expireAge {
				ce.mu.Unlock()
				continue
			}
			if err := t.flush(ctx, ce); err != nil {
				span.Warnf("flush inode %d before eviction failed: %s", ce.ino, err)
				ce.mu.Unlock()
				continue
			}
			ce.closeFile(ctx)
			b.remove(i)
			ce.removed = true
			ce.mu.Unlock()
			b.lock.Unlock()

			t.releaseSlot()
			metrics.MetaCacheEvents.WithLabelValues("evict").Inc()
			span.Debugf("evicted meta cache entry of inode %d", ce.ino)
			return true
		}
		b.lock.Unlock()
	}
	return false
}

func (t *Table) snapshot() []*cacheEntry {
	var all []*cacheEntry
	for i := range t.buckets {
		b := &t.buckets[i]
		b.lock.Lock()
		all = append(all, b.entries...)
		b.lock.Unlock()
	}
	return all
}

// FlushAll writes every dirty entry to its meta file
func (t *Table) FlushAll(ctx context.Context) error {
	var firstErr error
	for _, ce := range t.snapshot() {
		ce.mu.Lock()
		if !ce.removed {
			if err := t.flush(ctx, ce); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		ce.mu.Unlock()
	}
	return firstErr
}

// StartExpire runs the background loop that keeps the table below its
// watermark by evicting idle entries.
func (t *Table) StartExpire() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(time.Duration(t.cfg.ExpireIntervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.expire()
			case <-t.stopCh:
				return
			}
		}
	}()
}

func (t *Table) expire() {
	watermark := int(float64(t.cfg.MaxEntries) * expireWatermark)
	if t.Len() <= watermark {
		return
	}
	span, ctx := trace.StartSpanFromContext(context.Background(), "meta-cache-expire")
	evicted := 0
	for t.Len() > watermark && t.EvictOne(ctx) {
		evicted++
	}
	span.Debugf("expired %d meta cache entries, %d left", evicted, t.Len())
}

// Close stops the expire loop, flushes every entry and releases them all
func (t *Table) Close(ctx context.Context) error {
	t.closeOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()

	var firstErr error
	for _, ce := range t.snapshot() {
		ce.mu.Lock()
		if !ce.removed {
			if err := t.flush(ctx, ce); err != nil && firstErr == nil {
				firstErr = err
			}
			ce.closeFile(ctx)
			ce.removed = true
			t.releaseSlot()
		}
		ce.mu.Unlock()
	}
	for i := range t.buckets {
		b := &t.buckets[i]
		b.lock.Lock()
		b.entries = nil
		b.lock.Unlock()
	}
	return firstErr
}
