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
	"io"
	"os"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/tierfs/accounting"
	apierrors "github.com/cubefs/tierfs/errors"
	"github.com/cubefs/tierfs/layout"
	"github.com/cubefs/tierfs/metacache"
	"github.com/cubefs/tierfs/util"
)

func (m *Manager) checkRange(blockNo, off int64, n int) error {
	if blockNo < 0 || off < 0 || off+int64(n) > m.blockSize {
		return apierrors.ErrInvalidBlock
	}
	return nil
}

// LookupBlock returns the status of blockNo and, when a local copy exists,
// the path of its local file.
func (m *Manager) LookupBlock(ctx context.Context, entry *metacache.Entry, blockNo int64) (layout.BlockStatus, string, error) {
	if blockNo < 0 {
		return layout.StatusNone, "", apierrors.ErrInvalidBlock
	}
	ref, err := m.loadBlock(ctx, entry, blockNo, false)
	if err != nil || ref == nil {
		return layout.StatusNone, "", err
	}
	st := ref.entry().Status
	if st.HasLocal() {
		return st, m.blockPath(entry.Inode(), blockNo), nil
	}
	return st, "", nil
}

// LookupBlockEntry returns a copy of the entry of blockNo, a zero entry when
// its page was never allocated.
func (m *Manager) LookupBlockEntry(ctx context.Context, entry *metacache.Entry, blockNo int64) (layout.BlockEntry, error) {
	ref, err := m.loadBlock(ctx, entry, blockNo, false)
	if err != nil || ref == nil {
		return layout.BlockEntry{}, err
	}
	return *ref.entry(), nil
}

// ReadBlock fills buf with the bytes of blockNo starting at off. Holes and
// bytes past the end of the local copy read as zero. A block that lives only
// in the backend is fetched first, which may release and retake the entry
// lock. entry is unlocked if ReadBlock fails to take it back.
func (m *Manager) ReadBlock(ctx context.Context, h *Handle, entry *metacache.Entry, blockNo int64, buf []byte, off int64) (int, error) {
	if err := m.checkRange(blockNo, off, len(buf)); err != nil {
		return 0, err
	}
	bl := h.lock()
	defer bl.Unlock()

	for {
		ref, err := m.loadBlock(ctx, entry, blockNo, false)
		if err != nil {
			return 0, err
		}
		if ref == nil {
			zero(buf)
			return len(buf), nil
		}
		be := ref.entry()
		switch be.Status {
		case layout.StatusNone, layout.StatusToDelete:
			zero(buf)
			return len(buf), nil

		case layout.StatusLocalDirty, layout.StatusBoth, layout.StatusUploadInFlight:
			f, err := h.localFile(m.blockPath(entry.Inode(), blockNo), blockNo, be.PagedOutCount, false)
			if err != nil {
				return 0, err
			}
			n, err := f.ReadAt(buf, off)
			if err != nil && err != io.EOF {
				h.invalidate()
				return 0, errors.Info(err, "read block file failed")
			}
			zero(buf[n:])
			return len(buf), nil

		case layout.StatusDownloadInFlight:
			if err = m.waitInFlight(ctx, entry, bl); err != nil {
				return 0, err
			}

		case layout.StatusCloudOnly:
			meta, err := entry.LookupFileMeta(ctx)
			if err != nil {
				return 0, err
			}
			waited, err := m.coord.EnsureBudget(ctx, m.blockSize, meta.LocalPin, entry, bl)
			if err != nil {
				return 0, err
			}
			if waited {
				continue
			}
			if err = m.fetchBlock(ctx, h, entry, bl, blockNo, layout.StatusBoth); err != nil {
				return 0, err
			}
		}
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// fetchBlock brings a CloudOnly block back as target, which is Both for
// reads and LocalDirty for writes. The locks are released while the object
// is in transit, other users of the block wait on DownloadInFlight.
func (m *Manager) fetchBlock(ctx context.Context, h *Handle, entry *metacache.Entry, bl *blockLock,
	blockNo int64, target layout.BlockStatus,
) error {
	span := trace.SpanFromContextSafe(ctx)
	ino := entry.Inode()
	if m.backend == nil {
		return apierrors.ErrBackendNotReady
	}
	ref, err := m.loadBlock(ctx, entry, blockNo, false)
	if err != nil {
		return err
	}
	if ref == nil || ref.entry().Status != layout.StatusCloudOnly {
		return nil
	}
	be := ref.entry()
	objName := m.ObjectName(ino, blockNo, be.ObjID)
	be.Status = layout.StatusDownloadInFlight
	if err = entry.UpdateBlockPageNoSync(ctx, ref.off, &ref.page); err != nil {
		return err
	}
	transition(layout.StatusCloudOnly, layout.StatusDownloadInFlight)
	bl.Unlock()
	entry.Unlock()

	path := m.blockPath(ino, blockNo)
	tmp := path + ".fetch"
	start := time.Now()
	data, ferr := m.backend.Fetch(ctx, objName)
	if ferr == nil {
		ferr = writeBlockFile(tmp, data)
	}

	// the download is resolved even when the caller gave up meanwhile
	if err = m.relock(context.Background(), entry, bl); err != nil {
		os.Remove(tmp)
		span.Errorf("relock inode %d after fetching block %d failed: %s", ino, blockNo, err)
		return err
	}
	if ref, err = m.loadBlock(ctx, entry, blockNo, false); err != nil {
		os.Remove(tmp)
		return err
	}
	if ref == nil || ref.entry().Status != layout.StatusDownloadInFlight {
		// truncated while in transit
		os.Remove(tmp)
		m.coord.Notify()
		span.Infof("block %d of inode %d changed during fetch", blockNo, ino)
		return nil
	}
	be = ref.entry()
	if ferr == nil {
		if ferr = os.Rename(tmp, path); ferr != nil {
			ferr = errors.Info(ferr, "rename fetched block failed")
		}
	}
	if ferr != nil {
		os.Remove(tmp)
		be.Status = layout.StatusCloudOnly
		err = entry.UpdateBlockPageNoSync(ctx, ref.off, &ref.page)
		transition(layout.StatusDownloadInFlight, layout.StatusCloudOnly)
		m.coord.Notify()
		span.Errorf("fetch block %d of inode %d object %s failed: %s", blockNo, ino, objName, ferr)
		if err != nil {
			return err
		}
		return apierrors.ErrIO
	}

	meta, err := entry.LookupFileMeta(ctx)
	if err != nil {
		return err
	}
	size := int64(len(data))
	dirty := target == layout.StatusLocalDirty
	prev := *be
	be.Status = target
	be.PagedOutCount++
	if dirty {
		be.Seqnum = meta.FinishedSeq
		err = entry.UpdateBlockPage(ctx, ref.off, &ref.page)
	} else {
		err = entry.UpdateBlockPageNoSync(ctx, ref.off, &ref.page)
	}
	if err != nil {
		os.Remove(path)
		*be = prev
		be.Status = layout.StatusCloudOnly
		if rerr := entry.UpdateBlockPageNoSync(ctx, ref.off, &ref.page); rerr != nil {
			span.Errorf("revert block %d of inode %d to cloud only failed: %s", blockNo, ino, rerr)
		} else {
			transition(layout.StatusDownloadInFlight, layout.StatusCloudOnly)
		}
		m.coord.Notify()
		return err
	}
	h.invalidate()
	transition(layout.StatusDownloadInFlight, target)

	d := residency(meta.LocalPin, size, dirty)
	d.CacheBlocks = 1
	fs := layout.FileStats{NumCachedBlocks: 1, CachedSize: size}
	if dirty {
		fs.DirtyDataSize = size
	}
	err = m.account(ctx, entry, d, fs)
	m.coord.Notify()
	span.Debugf("fetched block %d of inode %d, %d bytes in %s", blockNo, ino, size, time.Since(start))
	return err
}

func writeBlockFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil && os.IsNotExist(err) {
		if err = util.EnsureDir(path); err == nil {
			f, err = os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
		}
	}
	if err != nil {
		return errors.Info(err, "create block file failed")
	}
	if _, err = f.Write(data); err != nil {
		f.Close()
		return errors.Info(err, "write block file failed")
	}
	return f.Close()
}

// WriteBlock writes data into blockNo at off and leaves the block LocalDirty.
// A block in the backend only is fetched before it is changed. The growth of
// the local copy is reserved from the cache quota of the file's pin class.
func (m *Manager) WriteBlock(ctx context.Context, h *Handle, entry *metacache.Entry, blockNo int64, data []byte, off int64) error {
	if err := m.checkRange(blockNo, off, len(data)); err != nil {
		return err
	}
	span := trace.SpanFromContextSafe(ctx)
	ino := entry.Inode()
	path := m.blockPath(ino, blockNo)
	bl := h.lock()
	defer bl.Unlock()

	for {
		ref, err := m.loadBlock(ctx, entry, blockNo, true)
		if err != nil {
			return err
		}
		meta, err := entry.LookupFileMeta(ctx)
		if err != nil {
			return err
		}
		be := ref.entry()
		from := be.Status

		switch from {
		case layout.StatusDownloadInFlight:
			if err = m.waitInFlight(ctx, entry, bl); err != nil {
				return err
			}
			continue
		case layout.StatusCloudOnly:
			waited, err := m.coord.EnsureBudget(ctx, m.blockSize, meta.LocalPin, entry, bl)
			if err != nil {
				return err
			}
			if !waited {
				if err = m.fetchBlock(ctx, h, entry, bl, blockNo, layout.StatusLocalDirty); err != nil {
					return err
				}
			}
			continue
		}

		local := from.HasLocal()
		var oldSize int64
		if local {
			if oldSize, err = fileSize(path); err != nil {
				return err
			}
		}
		end := off + int64(len(data))
		newSize := oldSize
		if end > newSize {
			newSize = end
		}
		need := newSize - oldSize
		// only blocks holding a ticket of the running round are staged
		staging := false
		if from == layout.StatusUploadInFlight {
			if staging, err = entry.NeedsStaging(blockNo); err != nil {
				return err
			}
		}
		if staging {
			// the copy is not counted but still needs room on disk
			need += oldSize
		}
		if need > 0 {
			waited, err := m.coord.EnsureBudget(ctx, need, meta.LocalPin, entry, bl)
			if err != nil {
				return err
			}
			if waited {
				continue
			}
		}
		if staging {
			if err = entry.CheckUploading(ctx, blockNo); err != nil {
				return err
			}
		}

		to := layout.StatusLocalDirty
		if from == layout.StatusUploadInFlight {
			to = layout.StatusUploadInFlight
		}
		be.Status = to
		be.Seqnum = meta.FinishedSeq

		// a local copy turns dirty before its bytes change, so it never
		// reads Both with content the backend does not have
		if local {
			if err = entry.UpdateBlockPage(ctx, ref.off, &ref.page); err != nil {
				return err
			}
			transition(from, to)
		}

		f, werr := h.localFile(path, blockNo, be.PagedOutCount, !local)
		if werr == nil {
			if _, werr = f.WriteAt(data, off); werr != nil {
				h.invalidate()
				werr = errors.Info(werr, "write block file failed")
			}
		}
		if !local {
			if werr == nil {
				werr = entry.UpdateBlockPage(ctx, ref.off, &ref.page)
			}
			if werr != nil {
				h.invalidate()
				os.Remove(path)
				return werr
			}
			transition(from, to)
		}

		size := newSize
		if werr != nil {
			// count what actually reached the file
			if size, err = fileSize(path); err != nil {
				size = oldSize
			}
		}
		d, fs := writeDelta(meta.LocalPin, from, oldSize, size)
		if err = m.account(ctx, entry, d, fs); err != nil {
			return err
		}
		if werr != nil {
			return werr
		}

		st, err := entry.LookupStat()
		if err != nil {
			return err
		}
		if fileEnd := blockNo*m.blockSize + end; fileEnd > st.Size {
			st.Size = fileEnd
		}
		st.Touch(time.Now())
		if err = entry.UpdateStat(ctx, &st); err != nil {
			return err
		}
		span.Debugf("wrote %d bytes to block %d of inode %d at %d, %s -> %s", len(data), blockNo, ino, off, from, to)
		return nil
	}
}

// writeDelta is the accounting of a write that took a block from status
// from with oldSize local bytes to a dirty copy of newSize bytes.
func writeDelta(pin layout.PinClass, from layout.BlockStatus, oldSize, newSize int64) (accounting.Delta, layout.FileStats) {
	var (
		d     accounting.Delta
		fs    layout.FileStats
		delta = newSize - oldSize
	)
	switch from {
	case layout.StatusNone, layout.StatusToDelete:
		d = residency(pin, newSize, true)
		d.CacheBlocks = 1
		fs = layout.FileStats{NumBlocks: 1, NumCachedBlocks: 1, CachedSize: newSize, DirtyDataSize: newSize}
	case layout.StatusBoth:
		// the whole copy turns dirty
		d = residency(pin, delta, false)
		dirty := residency(pin, newSize, true)
		d.DirtyCacheSize, d.UnpinDirtySize = dirty.DirtyCacheSize, dirty.UnpinDirtySize
		fs = layout.FileStats{CachedSize: delta, DirtyDataSize: newSize}
	default:
		d = residency(pin, delta, true)
		fs = layout.FileStats{CachedSize: delta, DirtyDataSize: delta}
	}
	return d, fs
}

// TruncateBlocks drops every block from firstRemoved up to the current end
// of the file. It runs before the file size is reduced. Blocks known to the
// backend become ToDelete so the upload pipeline removes their objects.
func (m *Manager) TruncateBlocks(ctx context.Context, entry *metacache.Entry, firstRemoved int64) error {
	if firstRemoved < 0 {
		return apierrors.ErrInvalidBlock
	}
	span := trace.SpanFromContextSafe(ctx)
	ino := entry.Inode()
	st, err := entry.LookupStat()
	if err != nil {
		return err
	}
	meta, err := entry.LookupFileMeta(ctx)
	if err != nil {
		return err
	}
	last := (st.Size + m.blockSize - 1) / m.blockSize

	for pageNo := firstRemoved / layout.EntriesPerBlockPage; pageNo*layout.EntriesPerBlockPage < last; pageNo++ {
		first := pageNo * layout.EntriesPerBlockPage
		off, found, err := entry.LocateBlockPage(ctx, first)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		page, err := entry.LookupBlockPage(ctx, off)
		if err != nil {
			return err
		}

		var (
			d       accounting.Delta
			fs      layout.FileStats
			removed []string
			changed bool
			moves   [][2]layout.BlockStatus
		)
		for i := range page.Entries {
			blockNo := first + int64(i)
			if blockNo < firstRemoved || blockNo >= last {
				continue
			}
			be := &page.Entries[i]
			from := be.Status
			switch from {
			case layout.StatusNone, layout.StatusToDelete:
				continue
			case layout.StatusLocalDirty, layout.StatusUploadInFlight, layout.StatusBoth:
				path := m.blockPath(ino, blockNo)
				size, err := fileSize(path)
				if err != nil {
					return err
				}
				dirty := from != layout.StatusBoth
				rd := residency(meta.LocalPin, size, dirty)
				rd.CacheBlocks = 1
				d = addDelta(d, negate(rd))
				fs.NumCachedBlocks--
				fs.CachedSize -= size
				if dirty {
					fs.DirtyDataSize -= size
				}
				removed = append(removed, path)
				// open handles must not reuse the removed file
				be.PagedOutCount++
			}
			fs.NumBlocks--

			to := layout.StatusToDelete
			if (from == layout.StatusLocalDirty || from == layout.StatusUploadInFlight) && !be.IsUploaded() {
				to = layout.StatusNone
				be.ObjID = [layout.ObjIDLength]byte{}
			}
			be.Status = to
			be.Seqnum = meta.FinishedSeq
			changed = true
			moves = append(moves, [2]layout.BlockStatus{from, to})
		}
		if !changed {
			continue
		}

		if err = entry.UpdateBlockPage(ctx, off, &page); err != nil {
			return err
		}
		for _, mv := range moves {
			transition(mv[0], mv[1])
		}
		for _, path := range removed {
			if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
				span.Warnf("remove truncated block file %s failed: %s", path, rerr)
			}
		}
		if err = m.account(ctx, entry, d, fs); err != nil {
			return err
		}
		if len(removed) > 0 {
			m.coord.Notify()
		}
	}
	span.Debugf("truncated inode %d from block %d", ino, firstRemoved)
	return nil
}
