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

// Package accounting keeps the process wide cache counters. Every block
// transition that changes local residency applies its delta here.
package accounting

import (
	"context"
	"os"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/tierfs/common/codec"
	"github.com/cubefs/tierfs/layout"
	"github.com/cubefs/tierfs/metrics"
)

const (
	defaultBlockSize      = 1 << 20
	defaultCacheHardLimit = 4 << 30
	defaultMetaSpaceLimit = 1 << 30
)

type Config struct {
	BlockSize      int64  `json:"block_size"`
	CacheHardLimit int64  `json:"cache_hard_limit"`
	CacheSoftLimit int64  `json:"cache_soft_limit"`
	PinnedReserve  int64  `json:"pinned_reserve"`
	HighPriReserve int64  `json:"high_pri_reserve"`
	MetaSpaceLimit int64  `json:"meta_space_limit"`
	SnapshotPath   string `json:"snapshot_path"`
}

// Snapshot is a copy of all counters, it doubles as a delta for Change
type Snapshot struct {
	CacheSize      int64 `cbor:"1,keyasint" json:"cache_size"`
	DirtyCacheSize int64 `cbor:"2,keyasint" json:"dirty_cache_size"`
	PinnedSize     int64 `cbor:"3,keyasint" json:"pinned_size"`
	CacheBlocks    int64 `cbor:"4,keyasint" json:"cache_blocks"`
	MetaSize       int64 `cbor:"5,keyasint" json:"meta_size"`
	UnpinDirtySize int64 `cbor:"6,keyasint" json:"unpin_dirty_size"`
}

type Delta = Snapshot

type Stats struct {
	cfg Config

	lock sync.Mutex
	cur  Snapshot
}

func (cfg *Config) fixConfig() {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = defaultBlockSize
	}
	if cfg.CacheHardLimit <= 0 {
		cfg.CacheHardLimit = defaultCacheHardLimit
	}
	if cfg.CacheSoftLimit <= 0 || cfg.CacheSoftLimit > cfg.CacheHardLimit {
		cfg.CacheSoftLimit = cfg.CacheHardLimit / 10 * 8
	}
	if cfg.PinnedReserve < 0 || cfg.PinnedReserve >= cfg.CacheHardLimit {
		cfg.PinnedReserve = 0
	}
	if cfg.HighPriReserve < 0 {
		cfg.HighPriReserve = 0
	}
	if cfg.MetaSpaceLimit <= 0 {
		cfg.MetaSpaceLimit = defaultMetaSpaceLimit
	}
}

func New(cfg Config) *Stats {
	cfg.fixConfig()
	s := &Stats{cfg: cfg}
	s.publish()
	return s
}

func (s *Stats) BlockSize() int64 {
	return s.cfg.BlockSize
}

// Change applies d atomically. Counters never go below zero.
func (s *Stats) Change(d Delta) {
	s.lock.Lock()
	s.cur.CacheSize = clamp(s.cur.CacheSize + d.CacheSize)
	s.cur.DirtyCacheSize = clamp(s.cur.DirtyCacheSize + d.DirtyCacheSize)
	s.cur.PinnedSize = clamp(s.cur.PinnedSize + d.PinnedSize)
	s.cur.CacheBlocks = clamp(s.cur.CacheBlocks + d.CacheBlocks)
	s.cur.MetaSize = clamp(s.cur.MetaSize + d.MetaSize)
	s.cur.UnpinDirtySize = clamp(s.cur.UnpinDirtySize + d.UnpinDirtySize)
	s.lock.Unlock()
	s.publish()
}

func (s *Stats) Snapshot() Snapshot {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.cur
}

// CacheLimit is the local cache quota for a pin class. Unpinned files leave
// the pinned reserve alone, high priority pins may dig into an extra reserve.
func (s *Stats) CacheLimit(pin layout.PinClass) int64 {
	switch pin {
	case layout.Pin:
		return s.cfg.CacheHardLimit
	case layout.HighPriPin:
		return s.cfg.CacheHardLimit + s.cfg.HighPriReserve
	default:
		return s.cfg.CacheHardLimit - s.cfg.PinnedReserve
	}
}

// Fits reports whether need more bytes stay within the quota of pin
func (s *Stats) Fits(need int64, pin layout.PinClass) bool {
	limit := s.CacheLimit(pin)
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.cur.CacheSize+need <= limit
}

func (s *Stats) OverSoftLimit() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.cur.CacheSize > s.cfg.CacheSoftLimit
}

// Reclaimable is how far the cache is above its soft limit
func (s *Stats) Reclaimable() int64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.cur.CacheSize <= s.cfg.CacheSoftLimit {
		return 0
	}
	return s.cur.CacheSize - s.cfg.CacheSoftLimit
}

func (s *Stats) AllowMeta(bytes int64) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.cur.MetaSize+bytes <= s.cfg.MetaSpaceLimit
}

func (s *Stats) AddMeta(bytes int64) {
	s.Change(Delta{MetaSize: bytes})
}

// Save persists the counters at the configured snapshot path
func (s *Stats) Save(ctx context.Context) error {
	if s.cfg.SnapshotPath == "" {
		return nil
	}
	snap := s.Snapshot()
	if err := codec.WriteFile(s.cfg.SnapshotPath, &snap); err != nil {
		return errors.Info(err, "save accounting snapshot failed")
	}
	trace.SpanFromContextSafe(ctx).Debugf("saved accounting snapshot %+v", snap)
	return nil
}

// Load restores counters saved by a previous Save and removes the snapshot,
// so that a start without one knows the last shutdown was not clean.
// restored is false when there was no snapshot.
func (s *Stats) Load(ctx context.Context) (restored bool, err error) {
	if s.cfg.SnapshotPath == "" {
		return false, nil
	}
	var snap Snapshot
	if err = codec.ReadFile(s.cfg.SnapshotPath, &snap); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Info(err, "load accounting snapshot failed")
	}
	if err = os.Remove(s.cfg.SnapshotPath); err != nil {
		return false, errors.Info(err, "remove accounting snapshot failed")
	}
	s.Reset(snap)
	trace.SpanFromContextSafe(ctx).Infof("restored accounting snapshot %+v", snap)
	return true, nil
}

// Reset replaces every counter, a recount of the cache starts from here
func (s *Stats) Reset(snap Snapshot) {
	s.lock.Lock()
	s.cur = snap
	s.lock.Unlock()
	s.publish()
}

func (s *Stats) publish() {
	snap := s.Snapshot()
	metrics.CacheUsage.WithLabelValues("cache_size").Set(float64(snap.CacheSize))
	metrics.CacheUsage.WithLabelValues("dirty_cache_size").Set(float64(snap.DirtyCacheSize))
	metrics.CacheUsage.WithLabelValues("pinned_size").Set(float64(snap.PinnedSize))
	metrics.CacheUsage.WithLabelValues("cache_blocks").Set(float64(snap.CacheBlocks))
	metrics.CacheUsage.WithLabelValues("meta_size").Set(float64(snap.MetaSize))
	metrics.CacheUsage.WithLabelValues("unpin_dirty_size").Set(float64(snap.UnpinDirtySize))
}

func clamp(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
