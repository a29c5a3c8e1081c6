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

package blockindex

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/cubefs/tierfs/errors"
	"github.com/cubefs/tierfs/layout"
)

// MaxLevel is the deepest indirection level, the quadruple indirect root
const MaxLevel = 4

type (
	// Arena is the meta file seen as a byte addressable space that only grows at its end
	Arena interface {
		io.ReaderAt
		io.WriterAt
		Size() (int64, error)
	}
	// Quota guards the global metadata space
	Quota interface {
		AllowMeta(bytes int64) bool
		AddMeta(bytes int64)
	}
)

var levelSpan = [MaxLevel + 1]int64{
	1,
	layout.PointersPerPage,
	layout.PointersPerPage * layout.PointersPerPage,
	layout.PointersPerPage * layout.PointersPerPage * layout.PointersPerPage,
	layout.PointersPerPage * layout.PointersPerPage * layout.PointersPerPage * layout.PointersPerPage,
}

func PageIndex(blockNo int64) int64 {
	return blockNo / layout.EntriesPerBlockPage
}

func EntryIndex(blockNo int64) int {
	return int(blockNo % layout.EntriesPerBlockPage)
}

// PageLevel maps a block page number to its index level and the index inside that level.
func PageLevel(pageNo int64) (level int, index int64, err error) {
	if pageNo < 0 {
		return 0, 0, apierrors.ErrInvalidBlock
	}
	if pageNo == 0 {
		return 0, 0, nil
	}
	index = pageNo - 1
	for level = 1; level <= MaxLevel; level++ {
		if index < levelSpan[level] {
			return level, index, nil
		}
		index -= levelSpan[level]
	}
	return 0, 0, apierrors.ErrInvalidBlock
}

// Locate returns the offset of the block status page holding blockNo.
// found is false if any slot along the path was never allocated.
func Locate(ctx context.Context, arena Arena, meta *layout.FileMeta, blockNo int64) (off int64, found bool, err error) {
	if blockNo < 0 {
		return 0, false, apierrors.ErrInvalidBlock
	}
	level, index, err := PageLevel(PageIndex(blockNo))
	if err != nil {
		return 0, false, err
	}

	pos := meta.Root(level)
	if pos == 0 {
		return 0, false, nil
	}
	rem := index
	for count := level - 1; count >= 0; count-- {
		slot := rem / levelSpan[count]
		rem %= levelSpan[count]
		next, err := readSlot(arena, pos, slot)
		if err != nil {
			return 0, false, err
		}
		if next == 0 {
			return 0, false, nil
		}
		pos = next
	}
	return pos, true, nil
}

// LocateOrCreate is Locate that appends zero pages for every missing slot on
// the path. The metadata quota is checked once for the whole path before the
// first page is appended, a denied path allocates nothing. metaChanged reports
// a new root slot in meta which the caller must persist.
func LocateOrCreate(ctx context.Context, arena Arena, meta *layout.FileMeta, blockNo int64, quota Quota) (off int64, metaChanged bool, err error) {
	span := trace.SpanFromContextSafe(ctx)
	if blockNo < 0 {
		return 0, false, apierrors.ErrInvalidBlock
	}
	level, index, err := PageLevel(PageIndex(blockNo))
	if err != nil {
		return 0, false, err
	}

	reserved := false
	reserve := func(ptrPages int) error {
		if reserved || quota == nil {
			return nil
		}
		need := int64(ptrPages)*layout.PointerPageSize + layout.BlockEntryPageSize
		if !quota.AllowMeta(need) {
			span.Warnf("meta quota denied %d bytes for block %d", need, blockNo)
			return apierrors.ErrMetaQuotaExceeded
		}
		reserved = true
		return nil
	}

	pos := meta.Root(level)
	if pos == 0 {
		if err = reserve(level); err != nil {
			return 0, false, err
		}
		if pos, err = appendPage(arena, level > 0, quota); err != nil {
			return 0, false, err
		}
		meta.SetRoot(level, pos)
		metaChanged = true
		span.Debugf("allocate root of level %d at %d", level, pos)
	}

	rem := index
	for count := level - 1; count >= 0; count-- {
		slot := rem / levelSpan[count]
		rem %= levelSpan[count]
		next, err := readSlot(arena, pos, slot)
		if err != nil {
			return 0, metaChanged, err
		}
		if next == 0 {
			if err = reserve(count); err != nil {
				return 0, metaChanged, err
			}
			if next, err = appendPage(arena, count > 0, quota); err != nil {
				return 0, metaChanged, err
			}
			if err = writeSlot(arena, pos, slot, next); err != nil {
				return 0, metaChanged, err
			}
		}
		pos = next
	}
	return pos, metaChanged, nil
}

func appendPage(arena Arena, pointer bool, quota Quota) (int64, error) {
	size := layout.BlockEntryPageSize
	if pointer {
		size = layout.PointerPageSize
	}
	off, err := arena.Size()
	if err != nil {
		return 0, errors.Info(err, "stat meta arena failed")
	}
	if err = layout.WriteZeroPage(arena, off, size); err != nil {
		return 0, errors.Info(err, "append index page failed")
	}
	if quota != nil {
		quota.AddMeta(int64(size))
	}
	return off, nil
}

func readSlot(arena Arena, pagePos, slot int64) (int64, error) {
	var b [8]byte
	n, err := arena.ReadAt(b[:], pagePos+slot*8)
	if n < len(b) {
		if err == nil || err == io.EOF {
			return 0, apierrors.ErrCorruptedMeta
		}
		return 0, errors.Info(err, "read pointer slot failed")
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func writeSlot(arena Arena, pagePos, slot, value int64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(value))
	if _, err := arena.WriteAt(b[:], pagePos+slot*8); err != nil {
		return errors.Info(err, "write pointer slot failed")
	}
	return nil
}

// Walk calls fn for every allocated block status page in page order
func Walk(ctx context.Context, arena Arena, meta *layout.FileMeta, fn func(pageNo, off int64) error) error {
	if meta.Direct != 0 {
		if err := fn(0, meta.Direct); err != nil {
			return err
		}
	}
	base := int64(1)
	for level := 1; level <= MaxLevel; level++ {
		if root := meta.Root(level); root != 0 {
			if err := walk(arena, root, level, base, fn); err != nil {
				return err
			}
		}
		base += levelSpan[level]
	}
	return nil
}

func walk(arena Arena, pos int64, depth int, base int64, fn func(pageNo, off int64) error) error {
	if depth == 0 {
		return fn(base, pos)
	}
	var page layout.PointerPage
	if err := layout.ReadAt(arena, pos, &page); err != nil {
		return errors.Info(err, "read pointer page failed")
	}
	for slot, next := range page.Ptr {
		if next == 0 {
			continue
		}
		if err := walk(arena, next, depth-1, base+int64(slot)*levelSpan[depth-1], fn); err != nil {
			return err
		}
	}
	return nil
}
