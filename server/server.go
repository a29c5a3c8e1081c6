// Copyright 2023 The CubeFS Authors.
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

package server

import (
	"context"
	"path/filepath"

	"github.com/cubefs/cubefs/blobstore/common/rpc/auditlog"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/tierfs/accounting"
	"github.com/cubefs/tierfs/backend"
	apierrors "github.com/cubefs/tierfs/errors"
	"github.com/cubefs/tierfs/metacache"
	"github.com/cubefs/tierfs/pageout"
	"github.com/cubefs/tierfs/pressure"
	"github.com/cubefs/tierfs/superblock"
	"github.com/cubefs/tierfs/tiering"
	"github.com/cubefs/tierfs/upload"
)

const recountBatchSize = 1024

type Config struct {
	DataDir string `json:"data_dir"`

	SuperBlock superblock.Config `json:"super_block"`
	MetaCache  metacache.Config  `json:"meta_cache"`
	Accounting accounting.Config `json:"accounting"`
	Pressure   pressure.Config   `json:"pressure"`
	// an empty backend path runs without backend
	Backend  backend.Config  `json:"backend"`
	Upload   upload.Config   `json:"upload"`
	PageOut  pageout.Config  `json:"page_out"`
	AuditLog auditlog.Config `json:"audit_log"`
}

type Server struct {
	cfg *Config

	superBlock *superblock.SuperBlock
	acct       *accounting.Stats
	table      *metacache.Table
	coord      *pressure.Coordinator
	manager    *tiering.Manager
	syncer     *upload.Syncer
	pager      *pageout.Pager
}

func (cfg *Config) fixConfig() {
	if cfg.DataDir == "" {
		cfg.DataDir = "./run"
	}
	if cfg.SuperBlock.Path == "" {
		cfg.SuperBlock.Path = filepath.Join(cfg.DataDir, "superblock")
	}
	if cfg.MetaCache.MetaDir == "" {
		cfg.MetaCache.MetaDir = filepath.Join(cfg.DataDir, "meta")
	}
	if cfg.MetaCache.BlockDir == "" {
		cfg.MetaCache.BlockDir = filepath.Join(cfg.DataDir, "blocks")
	}
	if cfg.Accounting.SnapshotPath == "" {
		cfg.Accounting.SnapshotPath = filepath.Join(cfg.DataDir, "accounting")
	}
	if cfg.AuditLog.LogDir == "" {
		cfg.AuditLog.LogDir = filepath.Join(cfg.DataDir, "audit_log")
	}
}

// NewServer opens the inode directory and restores the cache counters, then
// builds the cache layers on top and starts their background loops.
func NewServer(ctx context.Context, cfg *Config) (*Server, error) {
	span := trace.SpanFromContextSafe(ctx)
	cfg.fixConfig()

	sb, err := superblock.Open(ctx, &cfg.SuperBlock)
	if err != nil {
		return nil, err
	}
	acct := accounting.New(cfg.Accounting)
	restored, err := acct.Load(ctx)
	if err != nil {
		sb.Close()
		return nil, err
	}

	var be backend.Backend
	if cfg.Backend.Path != "" {
		local, err := backend.NewLocal(cfg.Backend)
		if err != nil {
			sb.Close()
			return nil, errors.Info(err, "open backend failed")
		}
		be = local
	}

	table := metacache.NewTable(cfg.MetaCache, sb, acct)
	coord := pressure.New(cfg.Pressure, acct)
	coord.SetBackendOnline(be != nil)
	manager := tiering.New(tiering.Config{Dedup: cfg.Backend.Dedup}, table, acct, coord, be)

	s := &Server{
		cfg:        cfg,
		superBlock: sb,
		acct:       acct,
		table:      table,
		coord:      coord,
		manager:    manager,
		syncer:     upload.NewSyncer(cfg.Upload, table, manager, sb),
		pager:      pageout.New(cfg.PageOut, table, manager, acct, sb),
	}
	if !restored {
		if err = s.recount(ctx); err != nil {
			table.Close(ctx)
			sb.Close()
			return nil, err
		}
	}
	table.StartExpire()
	s.syncer.Start()
	s.pager.Start()
	span.Infof("server started, data dir %s, backend %q, cache %+v", cfg.DataDir, cfg.Backend.Path, acct.Snapshot())
	return s, nil
}

// recount rebuilds the cache counters from the files on disk. It runs when
// no snapshot of a clean shutdown was found.
func (s *Server) recount(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	metaSize, err := s.table.MetaUsage()
	if err != nil {
		return err
	}
	s.acct.Reset(accounting.Snapshot{MetaSize: metaSize})

	var marker uint64
	for {
		inos, err := s.superBlock.ListInodes(ctx, marker, recountBatchSize)
		if err != nil {
			return err
		}
		for _, ino := range inos {
			entry, err := s.table.Lock(ctx, ino)
			if err == apierrors.ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			d, err := s.manager.CountBlocks(ctx, entry)
			entry.Unlock()
			if err != nil {
				return err
			}
			s.acct.Change(d)
		}
		if len(inos) < recountBatchSize {
			break
		}
		marker = inos[len(inos)-1] + 1
	}
	span.Warnf("no accounting snapshot of a clean shutdown, recounted cache %+v", s.acct.Snapshot())
	return nil
}

func (s *Server) Table() *metacache.Table {
	return s.table
}

func (s *Server) Tiering() *tiering.Manager {
	return s.manager
}

func (s *Server) Stats() accounting.Snapshot {
	return s.acct.Snapshot()
}

// DirectoryUsage is the disk space taken by the inode directory
func (s *Server) DirectoryUsage(ctx context.Context) (uint64, error) {
	st, err := s.superBlock.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return st.Used, nil
}

// SyncInode uploads ino right away instead of waiting for the upload loop
func (s *Server) SyncInode(ctx context.Context, ino uint64) error {
	return s.syncer.SyncInode(ctx, ino)
}

func (s *Server) PageOut(ctx context.Context) (int64, error) {
	return s.pager.RunOnce(ctx)
}

// Close wakes every sleeper with a shutdown error before the loops stop,
// then persists the meta cache and the counters.
func (s *Server) Close(ctx context.Context) {
	span := trace.SpanFromContextSafe(ctx)
	s.coord.Shutdown()
	s.pager.Close()
	s.syncer.Close()
	if err := s.table.Close(ctx); err != nil {
		span.Errorf("close meta cache failed: %s", errors.Detail(err))
	}
	if err := s.acct.Save(ctx); err != nil {
		span.Errorf("save accounting failed: %s", errors.Detail(err))
	}
	s.superBlock.Close()
	span.Info("server closed")
}
