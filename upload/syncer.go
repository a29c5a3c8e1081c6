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

// Package upload moves dirty blocks of queued inodes to the backend and
// removes the objects of deleted blocks.
package upload

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"

	"github.com/cubefs/tierfs/backend"
	apierrors "github.com/cubefs/tierfs/errors"
	"github.com/cubefs/tierfs/layout"
	"github.com/cubefs/tierfs/metacache"
	"github.com/cubefs/tierfs/tiering"
)

const (
	defaultIntervalMs  = 5000
	defaultConcurrency = 8
	defaultBatchSize   = 64
)

type (
	Config struct {
		IntervalMs  int `json:"interval_ms"`
		Concurrency int `json:"concurrency"`
		BatchSize   int `json:"batch_size"`
	}
	// DirtyQueue is the dirty inode queue of the inode directory
	DirtyQueue interface {
		ListDirty(ctx context.Context, limit int) ([]uint64, error)
		DirtySince(ctx context.Context, ino uint64) (time.Time, bool, error)
		ClearDirty(ctx context.Context, ino uint64) error
	}
)

type Syncer struct {
	cfg         Config
	table       *metacache.Table
	m           *tiering.Manager
	queue       DirtyQueue
	progressDir string
	pool        taskpool.TaskPool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (cfg *Config) fixConfig() {
	if cfg.IntervalMs <= 0 {
		cfg.IntervalMs = defaultIntervalMs
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
}

func NewSyncer(cfg Config, table *metacache.Table, m *tiering.Manager, queue DirtyQueue) *Syncer {
	cfg.fixConfig()
	return &Syncer{
		cfg:         cfg,
		table:       table,
		m:           m,
		queue:       queue,
		progressDir: filepath.Join(table.MetaDir(), "progress"),
		pool:        taskpool.New(cfg.Concurrency, cfg.Concurrency),
		done:        make(chan struct{}),
	}
}

// SyncInode runs one upload round of ino. The inode leaves the dirty queue
// only when the round succeeded and nothing queued it again meanwhile.
func (s *Syncer) SyncInode(ctx context.Context, ino uint64) error {
	span := trace.SpanFromContextSafe(ctx)
	be := s.m.Backend()
	if be == nil {
		return apierrors.ErrBackendNotReady
	}

	entry, err := s.table.Lock(ctx, ino)
	if err != nil {
		if err == apierrors.ErrNotFound {
			return s.queue.ClearDirty(ctx, ino)
		}
		return err
	}
	// pending records queue the inode now, later marks come from writes
	// that this round may miss
	if err = entry.Flush(ctx); err != nil {
		entry.Unlock()
		return err
	}
	start := time.Now()
	st, err := entry.LookupStat()
	if err != nil {
		entry.Unlock()
		return err
	}
	if !st.IsRegular() {
		entry.Unlock()
		return s.clearDirty(ctx, ino, start)
	}

	progress, err := openProgress(s.progressDir, ino)
	if err != nil {
		entry.Unlock()
		return err
	}
	uploads, deletes, err := s.m.BeginUpload(ctx, entry)
	if err == nil {
		// writes after a crash must not reuse the sequence of this round
		err = entry.Flush(ctx)
	}
	if err == nil {
		progress.Retain(uploads)
		err = entry.SetUploadingInfo(metacache.UploadingInfo{
			Uploading:      true,
			Progress:       progress,
			ToUploadBlocks: int64(len(uploads)),
		})
	}
	entry.Unlock()
	if err != nil {
		return err
	}

	var (
		wg       sync.WaitGroup
		errLock  sync.Mutex
		firstErr error
	)
	setErr := func(err error) {
		errLock.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errLock.Unlock()
	}
	for _, t := range uploads {
		t := t
		wg.Add(1)
		s.pool.Run(func() {
			defer wg.Done()
			if err := s.uploadBlock(ctx, be, ino, progress, t); err != nil {
				span.Warnf("upload block %d of inode %d failed: %s", t.BlockNo, ino, err)
				setErr(err)
			}
		})
	}
	for _, t := range deletes {
		t := t
		wg.Add(1)
		s.pool.Run(func() {
			defer wg.Done()
			if err := s.deleteBlock(ctx, be, ino, t); err != nil {
				span.Warnf("delete block %d of inode %d failed: %s", t.BlockNo, ino, err)
				setErr(err)
			}
		})
	}
	wg.Wait()

	if entry, err = s.table.Lock(ctx, ino); err != nil {
		return err
	}
	err = entry.SetUploadingInfo(metacache.UploadingInfo{})
	if err == nil {
		err = entry.Flush(ctx)
	}
	entry.Unlock()
	if err != nil {
		return err
	}
	if firstErr != nil {
		return firstErr
	}
	if err = progress.remove(); err != nil {
		return err
	}
	span.Infof("synced inode %d: %d blocks uploaded, %d deleted, cost %s",
		ino, len(uploads), len(deletes), time.Since(start))
	return s.clearDirty(ctx, ino, start)
}

func (s *Syncer) clearDirty(ctx context.Context, ino uint64, start time.Time) error {
	since, ok, err := s.queue.DirtySince(ctx, ino)
	if err != nil || !ok {
		return err
	}
	if since.After(start) {
		return nil
	}
	return s.queue.ClearDirty(ctx, ino)
}

func (s *Syncer) uploadBlock(ctx context.Context, be backend.Backend, ino uint64, progress *Progress, t tiering.UploadTicket) error {
	id, stored := progress.ID(t)
	if !stored {
		entry, err := s.table.Lock(ctx, ino)
		if err != nil {
			return err
		}
		data, err := s.m.UploadData(ctx, entry, t.BlockNo)
		entry.Unlock()
		if err != nil {
			if err == apierrors.ErrNotFound {
				// truncated before the round reached it
				return nil
			}
			return err
		}

		id = backend.ContentID(data)
		name := s.m.ObjectName(ino, t.BlockNo, id)
		exists := false
		if s.m.Dedup() {
			if exists, err = be.Exists(ctx, name); err != nil {
				return err
			}
		}
		if !exists {
			if err = be.Store(ctx, name, data); err != nil {
				return err
			}
		}
		progress.Stored(t, id)
		if err = s.m.MarkBlockUploadFinished(ctx, ino, t.BlockNo); err != nil {
			return err
		}
	}

	entry, err := s.table.Lock(ctx, ino)
	if err != nil {
		return err
	}
	res, err := s.m.CompleteUpload(ctx, entry, t, id)
	var current [layout.ObjIDLength]byte
	if err == nil && !res.Kept {
		var cur layout.BlockEntry
		if cur, err = s.m.LookupBlockEntry(ctx, entry, t.BlockNo); err == nil && cur.IsUploaded() {
			current = cur.ObjID
		}
	}
	entry.Unlock()
	if err != nil {
		return err
	}

	// content addressed objects may be shared and are never removed here
	if s.m.Dedup() {
		return nil
	}
	if !res.Kept && current != id {
		if err = be.Delete(ctx, s.m.ObjectName(ino, t.BlockNo, id)); err != nil {
			return err
		}
	}
	if res.Replaced != "" {
		return be.Delete(ctx, res.Replaced)
	}
	return nil
}

func (s *Syncer) deleteBlock(ctx context.Context, be backend.Backend, ino uint64, t tiering.DeleteTicket) error {
	if !s.m.Dedup() {
		if err := be.Delete(ctx, t.Object); err != nil {
			return err
		}
	}
	entry, err := s.table.Lock(ctx, ino)
	if err != nil {
		return err
	}
	defer entry.Unlock()
	return s.m.AcknowledgeDelete(ctx, entry, t)
}

// RunOnce syncs one batch of queued inodes and returns how many succeeded
func (s *Syncer) RunOnce(ctx context.Context) (int, error) {
	span := trace.SpanFromContextSafe(ctx)
	inos, err := s.queue.ListDirty(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	synced := 0
	for _, ino := range inos {
		select {
		case <-s.done:
			return synced, apierrors.ErrShuttingDown
		default:
		}
		if err = s.SyncInode(ctx, ino); err != nil {
			span.Warnf("sync inode %d failed: %s", ino, err)
			continue
		}
		synced++
	}
	return synced, nil
}

// Start launches the background upload loop
func (s *Syncer) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(time.Duration(s.cfg.IntervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if s.m.Backend() == nil {
					continue
				}
				span, ctx := trace.StartSpanFromContext(context.Background(), "upload")
				if n, err := s.RunOnce(ctx); err != nil {
					span.Warnf("upload round stopped after %d inodes: %s", n, err)
				} else if n > 0 {
					span.Debugf("upload round synced %d inodes", n)
				}
			case <-s.done:
				return
			}
		}
	}()
}

func (s *Syncer) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.pool.Close()
	})
}
