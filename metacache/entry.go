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
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"golang.org/x/sys/unix"

	"github.com/cubefs/tierfs/blockindex"
	apierrors "github.com/cubefs/tierfs/errors"
	"github.com/cubefs/tierfs/layout"
	"github.com/cubefs/tierfs/metrics"
	"github.com/cubefs/tierfs/util"
)

type cacheEntry struct {
	ino uint64
	mu  sync.Mutex

	// everything below is guarded by mu
	removed    bool
	lastAccess time.Time

	stat        layout.Stat
	fileMeta    *layout.FileMeta
	fileStats   *layout.FileStats
	cloud       *layout.CloudRelatedData
	dirMeta     *layout.DirMeta
	symlinkMeta *layout.SymlinkMeta

	blockPages pageCache[layout.BlockEntryPage]
	dirPages   pageCache[layout.DirEntryPage]

	statDirty      bool
	metaDirty      bool
	statsDirty     bool
	cloudDirty     bool
	somethingDirty bool
	// set when at least one pending change must reach the upload pipeline
	needSync bool

	file      *os.File
	uploading UploadingInfo
}

func newCacheEntry(ino uint64, st layout.Stat) *cacheEntry {
	return &cacheEntry{
		ino:        ino,
		stat:       st,
		lastAccess: time.Now(),
		blockPages: newBlockPageCache(),
		dirPages:   newDirPageCache(),
	}
}

func (ce *cacheEntry) touch() {
	ce.lastAccess = time.Now()
}

func (ce *cacheEntry) markDirty(toSync bool) {
	ce.somethingDirty = true
	if toSync {
		ce.needSync = true
	}
}

func (ce *cacheEntry) lockFile(ctx context.Context) {
	if ce.file == nil {
		return
	}
	if err := unix.Flock(int(ce.file.Fd()), unix.LOCK_EX); err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("flock meta file of inode %d failed: %s", ce.ino, err)
	}
}

func (ce *cacheEntry) unlockFile(ctx context.Context) {
	if ce.file == nil {
		return
	}
	if err := unix.Flock(int(ce.file.Fd()), unix.LOCK_UN); err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("unflock meta file of inode %d failed: %s", ce.ino, err)
	}
}

func (ce *cacheEntry) closeFile(ctx context.Context) {
	if ce.file == nil {
		return
	}
	ce.unlockFile(ctx)
	if err := ce.file.Close(); err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("close meta file of inode %d failed: %s", ce.ino, err)
	}
	ce.file = nil
}

// Entry is a locked handle to one cached inode. Every accessor fails with
// ErrEntryNotLocked once the handle is unlocked.
type Entry struct {
	table *Table
	ino   uint64
	ce    *cacheEntry
}

func (e *Entry) Inode() uint64 {
	return e.ino
}

func (e *Entry) Locked() bool {
	return e.ce != nil
}

// Unlock releases the entry. It is safe to call on an unlocked handle.
func (e *Entry) Unlock() {
	e.unlock(context.Background())
}

func (e *Entry) unlock(ctx context.Context) {
	ce := e.ce
	if ce == nil {
		return
	}
	e.ce = nil
	ce.touch()
	ce.unlockFile(ctx)
	ce.mu.Unlock()
}

// Relock locks the inode again, the cached state may have been replaced meanwhile
func (e *Entry) Relock(ctx context.Context) error {
	if e.ce != nil {
		return nil
	}
	locked, err := e.table.Lock(ctx, e.ino)
	if err != nil {
		return err
	}
	e.ce = locked.ce
	return nil
}

func (e *Entry) locked() (*cacheEntry, error) {
	if e.ce == nil {
		return nil, apierrors.ErrEntryNotLocked
	}
	e.ce.touch()
	return e.ce, nil
}

func (e *Entry) openFile(ctx context.Context, ce *cacheEntry) (*os.File, error) {
	if ce.file != nil {
		return ce.file, nil
	}
	f, err := os.OpenFile(util.MetaPath(e.table.cfg.MetaDir, ce.ino), os.O_RDWR, 0o600)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierrors.ErrNotFound
		}
		return nil, errors.Info(err, "open meta file failed")
	}
	ce.file = f
	ce.lockFile(ctx)
	return f, nil
}

// OpenBackingFile opens the meta file of the inode if it is not open yet
func (e *Entry) OpenBackingFile(ctx context.Context) error {
	ce, err := e.locked()
	if err != nil {
		return err
	}
	_, err = e.openFile(ctx, ce)
	return err
}

// CloseBackingFile flushes under write-through and closes the meta file
func (e *Entry) CloseBackingFile(ctx context.Context) error {
	ce, err := e.locked()
	if err != nil {
		return err
	}
	if !e.table.cfg.DeferFlush {
		if err = e.table.flush(ctx, ce); err != nil {
			return err
		}
	}
	ce.closeFile(ctx)
	return nil
}

func (e *Entry) BackingFileOpened() (bool, error) {
	ce, err := e.locked()
	if err != nil {
		return false, err
	}
	return ce.file != nil, nil
}

// Arena returns the meta file as the address space of the block index
func (e *Entry) Arena(ctx context.Context) (blockindex.Arena, error) {
	ce, err := e.locked()
	if err != nil {
		return nil, err
	}
	f, err := e.openFile(ctx, ce)
	if err != nil {
		return nil, err
	}
	return fileArena{f}, nil
}

type fileArena struct {
	*os.File
}

func (a fileArena) Size() (int64, error) {
	info, err := a.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Flush writes the dirty records to the meta file, a clean entry is a no-op
func (e *Entry) Flush(ctx context.Context) error {
	ce, err := e.locked()
	if err != nil {
		return err
	}
	return e.table.flush(ctx, ce)
}

func (e *Entry) afterUpdate(ctx context.Context, ce *cacheEntry) error {
	if e.table.cfg.DeferFlush {
		return nil
	}
	return e.table.flush(ctx, ce)
}

func (t *Table) flush(ctx context.Context, ce *cacheEntry) error {
	if !ce.somethingDirty {
		return nil
	}
	span := trace.SpanFromContextSafe(ctx)
	e := &Entry{table: t, ino: ce.ino, ce: ce}
	f, err := e.openFile(ctx, ce)
	if err != nil {
		return err
	}

	if ce.statDirty {
		if err = layout.WriteAt(f, 0, &ce.stat); err != nil {
			return errors.Info(err, "flush stat failed")
		}
	}
	if ce.metaDirty {
		switch {
		case ce.fileMeta != nil:
			err = layout.WriteAt(f, layout.FileMetaOffset, ce.fileMeta)
		case ce.dirMeta != nil:
			err = layout.WriteAt(f, layout.DirMetaOffset, ce.dirMeta)
		case ce.symlinkMeta != nil:
			err = layout.WriteAt(f, layout.SymlinkMetaOffset, ce.symlinkMeta)
		}
		if err != nil {
			return errors.Info(err, "flush type meta failed")
		}
	}
	if ce.statsDirty && ce.fileStats != nil {
		if err = layout.WriteAt(f, layout.FileStatsOffset, ce.fileStats); err != nil {
			return errors.Info(err, "flush file stats failed")
		}
	}
	if ce.cloudDirty && ce.cloud != nil {
		if err = layout.WriteAt(f, cloudOffset(&ce.stat), ce.cloud); err != nil {
			return errors.Info(err, "flush cloud data failed")
		}
	}
	if err = ce.blockPages.flush(f); err != nil {
		return errors.Info(err, "flush block page failed")
	}
	if err = ce.dirPages.flush(f); err != nil {
		return errors.Info(err, "flush dir page failed")
	}

	if ce.statDirty {
		err = t.dir.UpdateStat(ctx, ce.ino, &ce.stat, !ce.needSync)
	} else if ce.needSync {
		err = t.dir.MarkDirty(ctx, ce.ino)
	}
	if err != nil {
		return err
	}

	ce.statDirty, ce.metaDirty, ce.statsDirty, ce.cloudDirty = false, false, false, false
	ce.somethingDirty, ce.needSync = false, false
	metrics.MetaCacheEvents.WithLabelValues("flush").Inc()
	span.Debugf("flushed meta cache entry of inode %d", ce.ino)
	return nil
}

func cloudOffset(st *layout.Stat) int64 {
	switch {
	case st.IsDir():
		return layout.DirCloudOffset
	case st.IsSymlink():
		return layout.SymlinkCloudOffset
	default:
		return layout.FileCloudOffset
	}
}

func (e *Entry) LookupStat() (layout.Stat, error) {
	ce, err := e.locked()
	if err != nil {
		return layout.Stat{}, err
	}
	return ce.stat, nil
}

func (e *Entry) UpdateStat(ctx context.Context, st *layout.Stat) error {
	return e.updateStat(ctx, st, true)
}

// UpdateStatNoSync changes the stat without signalling the upload pipeline
func (e *Entry) UpdateStatNoSync(ctx context.Context, st *layout.Stat) error {
	return e.updateStat(ctx, st, false)
}

func (e *Entry) updateStat(ctx context.Context, st *layout.Stat, toSync bool) error {
	ce, err := e.locked()
	if err != nil {
		return err
	}
	if st.Mode&layout.ModeTypeMask != ce.stat.Mode&layout.ModeTypeMask {
		return apierrors.ErrWrongInodeType
	}
	ce.stat = *st
	ce.statDirty = true
	ce.markDirty(toSync)
	return e.afterUpdate(ctx, ce)
}

func (e *Entry) loadFileMeta(ctx context.Context, ce *cacheEntry) error {
	if !ce.stat.IsRegular() {
		return apierrors.ErrWrongInodeType
	}
	if ce.fileMeta != nil {
		return nil
	}
	f, err := e.openFile(ctx, ce)
	if err != nil {
		return err
	}
	meta := &layout.FileMeta{}
	if err = layout.ReadAt(f, layout.FileMetaOffset, meta); err != nil {
		return err
	}
	ce.fileMeta = meta
	return nil
}

func (e *Entry) LookupFileMeta(ctx context.Context) (layout.FileMeta, error) {
	ce, err := e.locked()
	if err != nil {
		return layout.FileMeta{}, err
	}
	if err = e.loadFileMeta(ctx, ce); err != nil {
		return layout.FileMeta{}, err
	}
	return *ce.fileMeta, nil
}

func (e *Entry) UpdateFileMeta(ctx context.Context, meta *layout.FileMeta) error {
	return e.updateFileMeta(ctx, meta, true)
}

func (e *Entry) UpdateFileMetaNoSync(ctx context.Context, meta *layout.FileMeta) error {
	return e.updateFileMeta(ctx, meta, false)
}

func (e *Entry) updateFileMeta(ctx context.Context, meta *layout.FileMeta, toSync bool) error {
	ce, err := e.locked()
	if err != nil {
		return err
	}
	if !ce.stat.IsRegular() {
		return apierrors.ErrWrongInodeType
	}
	m := *meta
	ce.fileMeta = &m
	ce.metaDirty = true
	ce.markDirty(toSync)
	return e.afterUpdate(ctx, ce)
}

func (e *Entry) LookupFileStats(ctx context.Context) (layout.FileStats, error) {
	ce, err := e.locked()
	if err != nil {
		return layout.FileStats{}, err
	}
	if !ce.stat.IsRegular() {
		return layout.FileStats{}, apierrors.ErrWrongInodeType
	}
	if ce.fileStats == nil {
		f, err := e.openFile(ctx, ce)
		if err != nil {
			return layout.FileStats{}, err
		}
		stats := &layout.FileStats{}
		if err = layout.ReadAt(f, layout.FileStatsOffset, stats); err != nil {
			return layout.FileStats{}, err
		}
		ce.fileStats = stats
	}
	return *ce.fileStats, nil
}

// UpdateFileStats never signals the upload pipeline, file stats are local bookkeeping
func (e *Entry) UpdateFileStats(ctx context.Context, stats *layout.FileStats) error {
	ce, err := e.locked()
	if err != nil {
		return err
	}
	if !ce.stat.IsRegular() {
		return apierrors.ErrWrongInodeType
	}
	s := *stats
	ce.fileStats = &s
	ce.statsDirty = true
	ce.markDirty(false)
	return e.afterUpdate(ctx, ce)
}

func (e *Entry) LookupCloudData(ctx context.Context) (layout.CloudRelatedData, error) {
	ce, err := e.locked()
	if err != nil {
		return layout.CloudRelatedData{}, err
	}
	if ce.cloud == nil {
		f, err := e.openFile(ctx, ce)
		if err != nil {
			return layout.CloudRelatedData{}, err
		}
		cloud := &layout.CloudRelatedData{}
		if err = layout.ReadAt(f, cloudOffset(&ce.stat), cloud); err != nil {
			return layout.CloudRelatedData{}, err
		}
		ce.cloud = cloud
	}
	return *ce.cloud, nil
}

func (e *Entry) UpdateCloudData(ctx context.Context, cloud *layout.CloudRelatedData) error {
	ce, err := e.locked()
	if err != nil {
		return err
	}
	c := *cloud
	ce.cloud = &c
	ce.cloudDirty = true
	ce.markDirty(false)
	return e.afterUpdate(ctx, ce)
}

func (e *Entry) LookupDirMeta(ctx context.Context) (layout.DirMeta, error) {
	ce, err := e.locked()
	if err != nil {
		return layout.DirMeta{}, err
	}
	if !ce.stat.IsDir() {
		return layout.DirMeta{}, apierrors.ErrWrongInodeType
	}
	if ce.dirMeta == nil {
		f, err := e.openFile(ctx, ce)
		if err != nil {
			return layout.DirMeta{}, err
		}
		meta := &layout.DirMeta{}
		if err = layout.ReadAt(f, layout.DirMetaOffset, meta); err != nil {
			return layout.DirMeta{}, err
		}
		ce.dirMeta = meta
	}
	return *ce.dirMeta, nil
}

func (e *Entry) UpdateDirMeta(ctx context.Context, meta *layout.DirMeta) error {
	ce, err := e.locked()
	if err != nil {
		return err
	}
	if !ce.stat.IsDir() {
		return apierrors.ErrWrongInodeType
	}
	m := *meta
	ce.dirMeta = &m
	ce.metaDirty = true
	ce.markDirty(true)
	return e.afterUpdate(ctx, ce)
}

func (e *Entry) LookupSymlinkMeta(ctx context.Context) (layout.SymlinkMeta, error) {
	ce, err := e.locked()
	if err != nil {
		return layout.SymlinkMeta{}, err
	}
	if !ce.stat.IsSymlink() {
		return layout.SymlinkMeta{}, apierrors.ErrWrongInodeType
	}
	if ce.symlinkMeta == nil {
		f, err := e.openFile(ctx, ce)
		if err != nil {
			return layout.SymlinkMeta{}, err
		}
		meta := &layout.SymlinkMeta{}
		if err = layout.ReadAt(f, layout.SymlinkMetaOffset, meta); err != nil {
			return layout.SymlinkMeta{}, err
		}
		ce.symlinkMeta = meta
	}
	return *ce.symlinkMeta, nil
}

func (e *Entry) UpdateSymlinkMeta(ctx context.Context, meta *layout.SymlinkMeta) error {
	ce, err := e.locked()
	if err != nil {
		return err
	}
	if !ce.stat.IsSymlink() {
		return apierrors.ErrWrongInodeType
	}
	m := *meta
	ce.symlinkMeta = &m
	ce.metaDirty = true
	ce.markDirty(true)
	return e.afterUpdate(ctx, ce)
}

// LocateBlockPage returns the offset of the status page of blockNo, found is
// false when the page was never allocated.
func (e *Entry) LocateBlockPage(ctx context.Context, blockNo int64) (off int64, found bool, err error) {
	ce, err := e.locked()
	if err != nil {
		return 0, false, err
	}
	if err = e.loadFileMeta(ctx, ce); err != nil {
		return 0, false, err
	}
	f, err := e.openFile(ctx, ce)
	if err != nil {
		return 0, false, err
	}
	return blockindex.Locate(ctx, fileArena{f}, ce.fileMeta, blockNo)
}

// LocateOrCreateBlockPage allocates the missing pages on the path to blockNo
// and persists a changed index root.
func (e *Entry) LocateOrCreateBlockPage(ctx context.Context, blockNo int64) (int64, error) {
	ce, err := e.locked()
	if err != nil {
		return 0, err
	}
	if err = e.loadFileMeta(ctx, ce); err != nil {
		return 0, err
	}
	f, err := e.openFile(ctx, ce)
	if err != nil {
		return 0, err
	}
	meta := *ce.fileMeta
	off, changed, err := blockindex.LocateOrCreate(ctx, fileArena{f}, &meta, blockNo, e.table.quota)
	if changed {
		if uerr := e.UpdateFileMeta(ctx, &meta); uerr != nil && err == nil {
			err = uerr
		}
	}
	if err != nil {
		return 0, err
	}
	return off, nil
}

// WalkBlockPages calls fn with the number and offset of every allocated
// status page of the file, in page order.
func (e *Entry) WalkBlockPages(ctx context.Context, fn func(pageNo, off int64) error) error {
	ce, err := e.locked()
	if err != nil {
		return err
	}
	if err = e.loadFileMeta(ctx, ce); err != nil {
		return err
	}
	f, err := e.openFile(ctx, ce)
	if err != nil {
		return err
	}
	meta := *ce.fileMeta
	return blockindex.Walk(ctx, fileArena{f}, &meta, fn)
}

// LookupBlockPage returns a copy of the status page at off
func (e *Entry) LookupBlockPage(ctx context.Context, off int64) (layout.BlockEntryPage, error) {
	ce, err := e.locked()
	if err != nil {
		return layout.BlockEntryPage{}, err
	}
	if !ce.stat.IsRegular() {
		return layout.BlockEntryPage{}, apierrors.ErrWrongInodeType
	}
	f, err := e.openFile(ctx, ce)
	if err != nil {
		return layout.BlockEntryPage{}, err
	}
	page, err := ce.blockPages.lookup(f, off)
	if err != nil {
		return layout.BlockEntryPage{}, err
	}
	return *page, nil
}

func (e *Entry) UpdateBlockPage(ctx context.Context, off int64, page *layout.BlockEntryPage) error {
	return e.updateBlockPage(ctx, off, page, true)
}

// UpdateBlockPageNoSync stores a status change that the upload pipeline need not see
func (e *Entry) UpdateBlockPageNoSync(ctx context.Context, off int64, page *layout.BlockEntryPage) error {
	return e.updateBlockPage(ctx, off, page, false)
}

func (e *Entry) updateBlockPage(ctx context.Context, off int64, page *layout.BlockEntryPage, toSync bool) error {
	ce, err := e.locked()
	if err != nil {
		return err
	}
	if !ce.stat.IsRegular() {
		return apierrors.ErrWrongInodeType
	}
	f, err := e.openFile(ctx, ce)
	if err != nil {
		return err
	}
	old, err := ce.blockPages.lookup(f, off)
	if err != nil {
		return errors.Info(err, "read block page failed")
	}
	prev := *old
	if err = ce.blockPages.update(f, off, page); err != nil {
		return errors.Info(err, "update block page failed")
	}
	ce.markDirty(toSync)
	if err = e.afterUpdate(ctx, ce); err != nil {
		// a failed update leaves the cached page as it was
		if rerr := ce.blockPages.update(f, off, &prev); rerr != nil {
			trace.SpanFromContextSafe(ctx).Errorf("restore block page %d of inode %d failed: %s", off, ce.ino, rerr)
		}
		return err
	}
	return nil
}

func (e *Entry) LookupDirPage(ctx context.Context, off int64) (*layout.DirEntryPage, error) {
	ce, err := e.locked()
	if err != nil {
		return nil, err
	}
	if !ce.stat.IsDir() {
		return nil, apierrors.ErrWrongInodeType
	}
	f, err := e.openFile(ctx, ce)
	if err != nil {
		return nil, err
	}
	page, err := ce.dirPages.lookup(f, off)
	if err != nil {
		return nil, err
	}
	cp := *page
	return &cp, nil
}

func (e *Entry) UpdateDirPage(ctx context.Context, off int64, page *layout.DirEntryPage) error {
	ce, err := e.locked()
	if err != nil {
		return err
	}
	if !ce.stat.IsDir() {
		return apierrors.ErrWrongInodeType
	}
	f, err := e.openFile(ctx, ce)
	if err != nil {
		return err
	}
	if err = ce.dirPages.update(f, off, page); err != nil {
		return errors.Info(err, "update dir page failed")
	}
	ce.markDirty(true)
	return e.afterUpdate(ctx, ce)
}

// DropPages writes back and forgets both cached pages
func (e *Entry) DropPages(ctx context.Context) error {
	ce, err := e.locked()
	if err != nil {
		return err
	}
	if ce.file != nil {
		if err = ce.blockPages.flush(ce.file); err != nil {
			return errors.Info(err, "flush block page failed")
		}
		if err = ce.dirPages.flush(ce.file); err != nil {
			return errors.Info(err, "flush dir page failed")
		}
	}
	ce.blockPages.drop()
	ce.dirPages.drop()
	return nil
}
