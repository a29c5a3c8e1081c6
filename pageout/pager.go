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

// Package pageout frees local cache space by dropping the local copy of
// blocks that are already in the backend.
package pageout

import (
	"context"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/tierfs/accounting"
	apierrors "github.com/cubefs/tierfs/errors"
	"github.com/cubefs/tierfs/metacache"
	"github.com/cubefs/tierfs/tiering"
)

const (
	defaultIntervalMs = 1000
	defaultBatchSize  = 128
)

type (
	Config struct {
		IntervalMs int `json:"interval_ms"`
		BatchSize  int `json:"batch_size"`
	}
	// Inodes lists the inodes of the inode directory in inode order
	Inodes interface {
		ListInodes(ctx context.Context, marker uint64, limit int) ([]uint64, error)
	}
)

type Pager struct {
	cfg    Config
	table  *metacache.Table
	m      *tiering.Manager
	acct   *accounting.Stats
	inodes Inodes

	// next inode of the round-robin scan, guarded by runLock
	runLock sync.Mutex
	cursor  uint64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (cfg *Config) fixConfig() {
	if cfg.IntervalMs <= 0 {
		cfg.IntervalMs = defaultIntervalMs
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
}

func New(cfg Config, table *metacache.Table, m *tiering.Manager, acct *accounting.Stats, inodes Inodes) *Pager {
	cfg.fixConfig()
	return &Pager{
		cfg:    cfg,
		table:  table,
		m:      m,
		acct:   acct,
		inodes: inodes,
		done:   make(chan struct{}),
	}
}

// RunOnce pages out blocks until the cache is below its soft limit or one
// full pass over the inodes found nothing more to drop.
func (p *Pager) RunOnce(ctx context.Context) (int64, error) {
	span := trace.SpanFromContextSafe(ctx)
	p.runLock.Lock()
	defer p.runLock.Unlock()

	var freed int64
	wrapped := false
	for p.acct.OverSoftLimit() {
		inos, err := p.inodes.ListInodes(ctx, p.cursor, p.cfg.BatchSize)
		if err != nil {
			return freed, err
		}
		if len(inos) == 0 {
			if wrapped || p.cursor == 0 {
				break
			}
			p.cursor, wrapped = 0, true
			continue
		}
		for _, ino := range inos {
			select {
			case <-p.done:
				return freed, apierrors.ErrShuttingDown
			default:
			}
			p.cursor = ino + 1
			n, err := p.pageOutInode(ctx, ino)
			if err != nil {
				span.Warnf("page out inode %d failed: %s", ino, err)
				continue
			}
			freed += n
			if !p.acct.OverSoftLimit() {
				break
			}
		}
	}
	if freed > 0 {
		span.Infof("paged out %d bytes, cache size now %d", freed, p.acct.Snapshot().CacheSize)
	}
	return freed, nil
}

func (p *Pager) pageOutInode(ctx context.Context, ino uint64) (int64, error) {
	entry, err := p.table.Lock(ctx, ino)
	if err != nil {
		if err == apierrors.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	defer entry.Unlock()
	st, err := entry.LookupStat()
	if err != nil || !st.IsRegular() {
		return 0, err
	}
	blocks, err := p.m.PageOutCandidates(ctx, entry)
	if err != nil {
		return 0, err
	}

	var freed int64
	for _, blockNo := range blocks {
		if !p.acct.OverSoftLimit() {
			break
		}
		n, err := p.m.PageOut(ctx, entry, blockNo)
		if err != nil {
			return freed, err
		}
		freed += n
	}
	return freed, nil
}

// Start launches the background pageout loop
func (p *Pager) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(time.Duration(p.cfg.IntervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !p.acct.OverSoftLimit() {
					continue
				}
				span, ctx := trace.StartSpanFromContext(context.Background(), "pageout")
				if _, err := p.RunOnce(ctx); err != nil {
					span.Warnf("pageout round failed: %s", err)
				}
			case <-p.done:
				return
			}
		}
	}()
}

func (p *Pager) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
}
