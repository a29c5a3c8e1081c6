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

package layout

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/cubefs/tierfs/util"
	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/tierfs/errors"
)

func TestRecordSizes(t *testing.T) {
	require.Equal(t, StatSize, binary.Size(&Stat{}))
	require.Equal(t, FileMetaSize, binary.Size(&FileMeta{}))
	require.Equal(t, FileStatsSize, binary.Size(&FileStats{}))
	require.Equal(t, CloudRelatedDataSize, binary.Size(&CloudRelatedData{}))
	require.Equal(t, DirMetaSize, binary.Size(&DirMeta{}))
	require.Equal(t, SymlinkMetaSize, binary.Size(&SymlinkMeta{}))
	require.Equal(t, BlockEntrySize, binary.Size(&BlockEntry{}))
	require.Equal(t, BlockEntryPageSize, binary.Size(&BlockEntryPage{}))
	require.Equal(t, PointerPageSize, binary.Size(&PointerPage{}))
	require.Equal(t, DirEntrySize, binary.Size(&DirEntry{}))
	require.Equal(t, DirEntryPageSize, binary.Size(&DirEntryPage{}))

	require.Equal(t, 336, FileHeaderSize)
	require.Equal(t, 296, DirHeaderSize)
	require.Equal(t, 4304, SymlinkHeaderSize)
}

func TestFieldOffsets(t *testing.T) {
	st := NewStat(77, ModeRegular|0o644)
	st.Size = 0x0102030405060708
	data, err := Marshal(&st)
	require.NoError(t, err)
	require.Equal(t, []byte("hcfs"), data[0:4])
	require.Equal(t, uint64(77), binary.LittleEndian.Uint64(data[16:24]))
	require.Equal(t, uint64(0x0102030405060708), binary.LittleEndian.Uint64(data[56:64]))

	page := &BlockEntryPage{NumEntries: 3}
	page.Entries[1].Status = StatusBoth
	page.Entries[1].PagedOutCount = 9
	page.Entries[1].Seqnum = 42
	data, err = Marshal(page)
	require.NoError(t, err)
	require.Equal(t, uint32(3), binary.LittleEndian.Uint32(data[0:4]))
	second := data[8+BlockEntrySize:]
	require.Equal(t, byte(StatusBoth), second[0])
	require.Equal(t, uint32(9), binary.LittleEndian.Uint32(second[36:40]))
	require.Equal(t, uint64(42), binary.LittleEndian.Uint64(second[40:48]))

	meta := &FileMeta{QuadrupleIndirect: 5, FinishedSeq: 6, LocalPin: Pin}
	data, err = Marshal(meta)
	require.NoError(t, err)
	require.Equal(t, uint64(5), binary.LittleEndian.Uint64(data[40:48]))
	require.Equal(t, uint64(6), binary.LittleEndian.Uint64(data[72:80]))
	require.Equal(t, byte(Pin), data[80])
}

func TestReadWriteAt(t *testing.T) {
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)

	f, err := os.OpenFile(filepath.Join(path, "meta1"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()

	st := NewStat(1, ModeRegular|0o600)
	meta := &FileMeta{Direct: FileHeaderSize}
	require.NoError(t, InitFileHeader(f, &st, meta))
	fi, err := f.Stat()
	require.NoError(t, err)
	require.Equal(t, int64(FileHeaderSize), fi.Size())

	page := &BlockEntryPage{NumEntries: 1}
	page.Entries[0] = BlockEntry{Status: StatusLocalDirty, Seqnum: 3}
	require.NoError(t, WriteAt(f, FileHeaderSize, page))

	var gotStat Stat
	require.NoError(t, ReadAt(f, 0, &gotStat))
	require.True(t, gotStat.Valid())
	require.True(t, gotStat.IsRegular())
	require.Equal(t, st, gotStat)

	var gotMeta FileMeta
	require.NoError(t, ReadAt(f, FileMetaOffset, &gotMeta))
	require.Equal(t, *meta, gotMeta)

	var gotPage BlockEntryPage
	require.NoError(t, ReadAt(f, FileHeaderSize, &gotPage))
	require.Equal(t, *page, gotPage)

	// past end of file
	var ptr PointerPage
	require.ErrorIs(t, ReadAt(f, 1<<20, &ptr), apierrors.ErrCorruptedMeta)
}

func TestFileMetaRoots(t *testing.T) {
	meta := &FileMeta{}
	for level := 0; level <= 4; level++ {
		meta.SetRoot(level, int64(100+level))
	}
	require.Equal(t, int64(100), meta.Direct)
	require.Equal(t, int64(104), meta.QuadrupleIndirect)
	for level := 0; level <= 4; level++ {
		require.Equal(t, int64(100+level), meta.Root(level))
	}
	require.Equal(t, int64(0), meta.Root(5))
}

func TestStatusAndSymlink(t *testing.T) {
	require.True(t, StatusLocalDirty.HasLocal())
	require.True(t, StatusBoth.HasLocal())
	require.True(t, StatusUploadInFlight.HasLocal())
	require.False(t, StatusCloudOnly.HasLocal())
	require.False(t, StatusDownloadInFlight.HasLocal())
	require.False(t, BlockStatus(7).Valid())
	require.Equal(t, "to_delete", StatusToDelete.String())

	sm := &SymlinkMeta{}
	require.True(t, sm.SetTarget("/a/b"))
	require.Equal(t, "/a/b", sm.Target())
	require.False(t, sm.SetTarget(string(make([]byte, MaxLinkPath+1))))

	st := NewStat(2, ModeSymlink|0o777)
	require.True(t, st.IsSymlink())
	require.Equal(t, int64(SymlinkHeaderSize), st.HeaderSize())
}
