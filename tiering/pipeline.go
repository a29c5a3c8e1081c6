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

package tiering

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/cubefs/tierfs/errors"
	"github.com/cubefs/tierfs/layout"
	"github.com/cubefs/tierfs/metacache"
	"github.com/cubefs/tierfs/util"
)

type (
	// UploadTicket is one block handed to the upload pipeline. Seq is the
	// sequence number the block carried when its upload began.
	UploadTicket struct {
		BlockNo int64
		Seq     int64
	}
	// DeleteTicket is one backend object that is no longer referenced
	DeleteTicket struct {
		BlockNo int64
		ObjID   [layout.ObjIDLength]byte
		Object  string
	}
	// UploadResult tells the pipeline which objects became garbage
	UploadResult struct {
		// Kept is false when the block changed status during the upload
		Kept bool
		// Replaced is the object of the previous upload, empty if none
		Replaced string
	}
)

// MarkFinisher is implemented by upload progress records
type MarkFinisher interface {
	MarkFinished(ctx context.Context, blockNo int64) error
}

// BeginUpload starts one upload round of the file. Every LocalDirty block
// becomes UploadInFlight and is returned as a ticket, every ToDelete block is
// returned for removal. The finished sequence moves past all tickets so that
// a write during the round is told apart from the uploaded version.
func (m *Manager) BeginUpload(ctx context.Context, entry *metacache.Entry) ([]UploadTicket, []DeleteTicket, error) {
	span := trace.SpanFromContextSafe(ctx)
	ino := entry.Inode()
	meta, err := entry.LookupFileMeta(ctx)
	if err != nil {
		return nil, nil, err
	}
	info, err := entry.UploadingInfo()
	if err != nil {
		return nil, nil, err
	}
	if info.Uploading {
		return nil, nil, apierrors.ErrUploadRunning
	}
	// copies left by an earlier round hold bytes older than any ticket
	if err = m.removeStaging(ino); err != nil {
		return nil, nil, err
	}

	var (
		uploads []UploadTicket
		deletes []DeleteTicket
		maxSeq  = meta.FinishedSeq
	)
	err = entry.WalkBlockPages(ctx, func(pageNo, off int64) error {
		page, err := entry.LookupBlockPage(ctx, off)
		if err != nil {
			return err
		}
		changed := false
		for i := range page.Entries {
			be := &page.Entries[i]
			blockNo := pageNo*layout.EntriesPerBlockPage + int64(i)
			switch be.Status {
			case layout.StatusLocalDirty, layout.StatusUploadInFlight:
				// an UploadInFlight block here belongs to an interrupted round
				if be.Status == layout.StatusLocalDirty {
					transition(be.Status, layout.StatusUploadInFlight)
					be.Status = layout.StatusUploadInFlight
					changed = true
				}
				uploads = append(uploads, UploadTicket{BlockNo: blockNo, Seq: be.Seqnum})
				if be.Seqnum > maxSeq {
					maxSeq = be.Seqnum
				}
			case layout.StatusToDelete:
				deletes = append(deletes, DeleteTicket{
					BlockNo: blockNo,
					ObjID:   be.ObjID,
					Object:  m.ObjectName(ino, blockNo, be.ObjID),
				})
			}
		}
		if changed {
			return entry.UpdateBlockPageNoSync(ctx, off, &page)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if len(uploads) > 0 {
		meta.FinishedSeq = maxSeq + 1
		if err = entry.UpdateFileMetaNoSync(ctx, &meta); err != nil {
			return nil, nil, err
		}
	}
	span.Debugf("begin upload of inode %d: %d blocks to upload, %d to delete", ino, len(uploads), len(deletes))
	return uploads, deletes, nil
}

func (m *Manager) removeStaging(ino uint64) error {
	paths, err := filepath.Glob(util.StagingPattern(m.blockDir, ino))
	if err != nil {
		return errors.Info(err, "list staging copies failed")
	}
	for _, path := range paths {
		if err = os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Info(err, "remove staging copy failed")
		}
	}
	return nil
}

// UploadData returns the bytes to upload for blockNo. A staging copy made by
// a write during the round wins over the current local file.
func (m *Manager) UploadData(ctx context.Context, entry *metacache.Entry, blockNo int64) ([]byte, error) {
	if _, err := entry.LookupFileMeta(ctx); err != nil {
		return nil, err
	}
	ino := entry.Inode()
	data, err := os.ReadFile(util.StagingPath(m.blockDir, ino, blockNo))
	if err == nil {
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Info(err, "read staging copy failed")
	}
	data, err = os.ReadFile(m.blockPath(ino, blockNo))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierrors.ErrNotFound
		}
		return nil, errors.Info(err, "read block file failed")
	}
	return data, nil
}

// MarkBlockUploadFinished records that blockNo reached the backend in the
// running round, so later writes no longer need a staging copy.
func (m *Manager) MarkBlockUploadFinished(ctx context.Context, ino uint64, blockNo int64) error {
	entry, err := m.table.Lock(ctx, ino)
	if err != nil {
		return err
	}
	defer entry.Unlock()

	info, err := entry.UploadingInfo()
	if err != nil {
		return err
	}
	if mf, ok := info.Progress.(MarkFinisher); ok {
		if err = mf.MarkFinished(ctx, blockNo); err != nil {
			return err
		}
	}
	if err = os.Remove(util.StagingPath(m.blockDir, ino, blockNo)); err != nil && !os.IsNotExist(err) {
		trace.SpanFromContextSafe(ctx).Warnf("remove staging copy of inode %d block %d failed: %s", ino, blockNo, err)
	}
	return nil
}

// CompleteUpload settles a block after its object with content id was
// stored. An untouched block becomes Both, a block written meanwhile goes
// back to LocalDirty for the next round.
func (m *Manager) CompleteUpload(ctx context.Context, entry *metacache.Entry, t UploadTicket, id [layout.ObjIDLength]byte) (UploadResult, error) {
	span := trace.SpanFromContextSafe(ctx)
	ino := entry.Inode()
	ref, err := m.loadBlock(ctx, entry, t.BlockNo, false)
	if err != nil {
		return UploadResult{}, err
	}
	if ref == nil || ref.entry().Status != layout.StatusUploadInFlight {
		span.Infof("block %d of inode %d left upload while in flight", t.BlockNo, ino)
		return UploadResult{}, nil
	}
	meta, err := entry.LookupFileMeta(ctx)
	if err != nil {
		return UploadResult{}, err
	}

	be := ref.entry()
	res := UploadResult{Kept: true}
	if be.IsUploaded() && be.ObjID != id {
		res.Replaced = m.ObjectName(ino, t.BlockNo, be.ObjID)
	}
	be.SetUploaded(true)
	be.ObjID = id

	to := layout.StatusLocalDirty
	var size int64
	if be.Seqnum == t.Seq {
		to = layout.StatusBoth
		if size, err = fileSize(m.blockPath(ino, t.BlockNo)); err != nil {
			return UploadResult{}, err
		}
	}
	be.Status = to
	if err = entry.UpdateBlockPageNoSync(ctx, ref.off, &ref.page); err != nil {
		return UploadResult{}, err
	}
	transition(layout.StatusUploadInFlight, to)
	if to == layout.StatusBoth {
		clean := residency(meta.LocalPin, size, true)
		clean.CacheSize, clean.PinnedSize = 0, 0
		if err = m.account(ctx, entry, negate(clean), layout.FileStats{DirtyDataSize: -size}); err != nil {
			return res, err
		}
		m.coord.Notify()
	}
	return res, nil
}

// AcknowledgeDelete clears a block whose object with id was removed from the
// backend. A block rewritten since only forgets the object.
func (m *Manager) AcknowledgeDelete(ctx context.Context, entry *metacache.Entry, t DeleteTicket) error {
	ref, err := m.loadBlock(ctx, entry, t.BlockNo, false)
	if err != nil || ref == nil {
		return err
	}
	be := ref.entry()
	if !be.IsUploaded() || be.ObjID != t.ObjID {
		return nil
	}
	be.SetUploaded(false)
	be.ObjID = [layout.ObjIDLength]byte{}
	if be.Status == layout.StatusToDelete {
		transition(be.Status, layout.StatusNone)
		be.Status = layout.StatusNone
	}
	return entry.UpdateBlockPageNoSync(ctx, ref.off, &ref.page)
}

// PageOut drops the local copy of a Both block of an unpinned file and
// returns the bytes freed. Other blocks are left alone.
func (m *Manager) PageOut(ctx context.Context, entry *metacache.Entry, blockNo int64) (int64, error) {
	ino := entry.Inode()
	meta, err := entry.LookupFileMeta(ctx)
	if err != nil {
		return 0, err
	}
	if meta.LocalPin.Pinned() {
		return 0, nil
	}
	ref, err := m.loadBlock(ctx, entry, blockNo, false)
	if err != nil || ref == nil {
		return 0, err
	}
	be := ref.entry()
	if be.Status != layout.StatusBoth {
		return 0, nil
	}
	path := m.blockPath(ino, blockNo)
	size, err := fileSize(path)
	if err != nil {
		return 0, err
	}
	be.Status = layout.StatusCloudOnly
	be.PagedOutCount++
	if err = entry.UpdateBlockPageNoSync(ctx, ref.off, &ref.page); err != nil {
		return 0, err
	}
	transition(layout.StatusBoth, layout.StatusCloudOnly)
	if err = os.Remove(path); err != nil && !os.IsNotExist(err) {
		trace.SpanFromContextSafe(ctx).Warnf("remove paged out block %s failed: %s", path, err)
	}
	d := negate(residency(meta.LocalPin, size, false))
	d.CacheBlocks = -1
	err = m.account(ctx, entry, d, layout.FileStats{NumCachedBlocks: -1, CachedSize: -size})
	m.coord.Notify()
	return size, err
}

// PageOutCandidates lists the Both blocks of the file
func (m *Manager) PageOutCandidates(ctx context.Context, entry *metacache.Entry) ([]int64, error) {
	var blocks []int64
	err := entry.WalkBlockPages(ctx, func(pageNo, off int64) error {
		page, err := entry.LookupBlockPage(ctx, off)
		if err != nil {
			return err
		}
		for i := range page.Entries {
			if page.Entries[i].Status == layout.StatusBoth {
				blocks = append(blocks, pageNo*layout.EntriesPerBlockPage+int64(i))
			}
		}
		return nil
	})
	return blocks, err
}
