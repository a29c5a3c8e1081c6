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

// Package layout defines the fixed-size records of a per-inode meta file.
// Every record is encoded little-endian with C natural alignment, blank
// fields stand for compiler padding.
package layout

import (
	"time"

	"github.com/cubefs/tierfs/util"
)

const (
	MetaVersion = 1

	EntriesPerBlockPage = 100
	EntriesPerDirPage   = 99
	PointersPerPage     = 1024
	MaxLinkPath         = 4096
	MaxFilenameLen      = 255
	ObjIDLength         = 32

	StatSize             = 128
	FileMetaSize         = 88
	FileStatsSize        = 32
	CloudRelatedDataSize = 24
	DirMetaSize          = 80
	SymlinkMetaSize      = 4152
	BlockEntrySize       = 48
	BlockEntryPageSize   = 4808
	PointerPageSize      = PointersPerPage * 8
	DirEntrySize         = 272
	DirEntryPageSize     = 27776

	headerPadding = 64

	FileMetaOffset     = StatSize
	FileStatsOffset    = FileMetaOffset + FileMetaSize
	FileCloudOffset    = FileStatsOffset + FileStatsSize
	FileHeaderSize     = FileCloudOffset + CloudRelatedDataSize + headerPadding
	DirMetaOffset      = StatSize
	DirCloudOffset     = DirMetaOffset + DirMetaSize
	DirHeaderSize      = DirCloudOffset + CloudRelatedDataSize + headerPadding
	SymlinkMetaOffset  = StatSize
	SymlinkCloudOffset = SymlinkMetaOffset + SymlinkMetaSize
	SymlinkHeaderSize  = SymlinkCloudOffset + CloudRelatedDataSize

	ModeTypeMask = 0o170000
	ModeRegular  = 0o100000
	ModeDir      = 0o040000
	ModeSymlink  = 0o120000
)

var metaMagic = [4]byte{'h', 'c', 'f', 's'}

type (
	BlockStatus uint8
	PinClass    uint8
)

const (
	StatusNone BlockStatus = iota
	StatusLocalDirty
	StatusCloudOnly
	StatusBoth
	StatusUploadInFlight
	StatusDownloadInFlight
	StatusToDelete
)

const (
	Unpin PinClass = iota
	Pin
	HighPriPin
)

func (s BlockStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusLocalDirty:
		return "local_dirty"
	case StatusCloudOnly:
		return "cloud_only"
	case StatusBoth:
		return "both"
	case StatusUploadInFlight:
		return "upload_in_flight"
	case StatusDownloadInFlight:
		return "download_in_flight"
	case StatusToDelete:
		return "to_delete"
	default:
		return "unknown"
	}
}

// HasLocal reports whether a block in this status owns a local copy
func (s BlockStatus) HasLocal() bool {
	return s == StatusLocalDirty || s == StatusBoth || s == StatusUploadInFlight
}

func (s BlockStatus) Valid() bool {
	return s <= StatusToDelete
}

func (p PinClass) Pinned() bool {
	return p != Unpin
}

type Stat struct {
	Magic     [4]byte
	Metaver   uint32
	Dev       uint64
	Ino       uint64
	Mode      uint32
	_         uint32
	Nlink     uint64
	Uid       uint32
	Gid       uint32
	Rdev      uint64
	Size      int64
	Blksize   int64
	Blocks    int64
	Atime     int64
	AtimeNsec uint64
	Mtime     int64
	MtimeNsec uint64
	Ctime     int64
	CtimeNsec uint64
}

// NewStat returns a stat record of a fresh inode
func NewStat(ino uint64, mode uint32) Stat {
	sec, nsec := util.SplitTime(time.Now())
	return Stat{
		Magic:     metaMagic,
		Metaver:   MetaVersion,
		Ino:       ino,
		Mode:      mode,
		Nlink:     1,
		Blksize:   4096,
		Atime:     sec,
		AtimeNsec: nsec,
		Mtime:     sec,
		MtimeNsec: nsec,
		Ctime:     sec,
		CtimeNsec: nsec,
	}
}

func (s *Stat) Valid() bool {
	return s.Magic == metaMagic
}

func (s *Stat) IsRegular() bool { return s.Mode&ModeTypeMask == ModeRegular }
func (s *Stat) IsDir() bool     { return s.Mode&ModeTypeMask == ModeDir }
func (s *Stat) IsSymlink() bool { return s.Mode&ModeTypeMask == ModeSymlink }

// Touch sets mtime and ctime to t
func (s *Stat) Touch(t time.Time) {
	s.Mtime, s.MtimeNsec = util.SplitTime(t)
	s.Ctime, s.CtimeNsec = s.Mtime, s.MtimeNsec
}

// HeaderSize is the size of the fixed header for this inode type
func (s *Stat) HeaderSize() int64 {
	switch {
	case s.IsDir():
		return DirHeaderSize
	case s.IsSymlink():
		return SymlinkHeaderSize
	default:
		return FileHeaderSize
	}
}

type FileMeta struct {
	NextXattrPage     int64
	Direct            int64
	SingleIndirect    int64
	DoubleIndirect    int64
	TripleIndirect    int64
	QuadrupleIndirect int64
	Generation        uint64
	SourceArch        uint8
	_                 [7]byte
	RootInode         uint64
	FinishedSeq       int64
	LocalPin          PinClass
	_                 [7]byte
}

// Root returns the root slot of the given index level, 0 being the direct slot
func (m *FileMeta) Root(level int) int64 {
	switch level {
	case 0:
		return m.Direct
	case 1:
		return m.SingleIndirect
	case 2:
		return m.DoubleIndirect
	case 3:
		return m.TripleIndirect
	case 4:
		return m.QuadrupleIndirect
	}
	return 0
}

func (m *FileMeta) SetRoot(level int, off int64) {
	switch level {
	case 0:
		m.Direct = off
	case 1:
		m.SingleIndirect = off
	case 2:
		m.DoubleIndirect = off
	case 3:
		m.TripleIndirect = off
	case 4:
		m.QuadrupleIndirect = off
	}
}

type FileStats struct {
	NumBlocks       int64
	NumCachedBlocks int64
	CachedSize      int64
	DirtyDataSize   int64
}

type CloudRelatedData struct {
	SizeLastUpload int64
	MetaLastUpload int64
	UploadSeq      int64
}

type DirMeta struct {
	TotalChildren    int64
	RootEntryPage    int64
	NextXattrPage    int64
	EntryPageGCList  int64
	TreeWalkListHead int64
	Generation       uint64
	SourceArch       uint8
	_                [7]byte
	RootInode        uint64
	FinishedSeq      int64
	LocalPin         PinClass
	_                [7]byte
}

type SymlinkMeta struct {
	NextXattrPage int64
	LinkLen       uint32
	_             [4]byte
	Generation    uint64
	LinkPath      [MaxLinkPath]byte
	SourceArch    uint8
	_             [7]byte
	RootInode     uint64
	FinishedSeq   int64
	LocalPin      PinClass
	_             [7]byte
}

func (m *SymlinkMeta) Target() string {
	n := int(m.LinkLen)
	if n > MaxLinkPath {
		n = MaxLinkPath
	}
	return string(m.LinkPath[:n])
}

func (m *SymlinkMeta) SetTarget(target string) bool {
	if len(target) > MaxLinkPath {
		return false
	}
	m.LinkPath = [MaxLinkPath]byte{}
	copy(m.LinkPath[:], target)
	m.LinkLen = uint32(len(target))
	return true
}

type BlockEntry struct {
	Status        BlockStatus
	Uploaded      uint8
	ObjID         [ObjIDLength]byte
	_             [2]byte
	PagedOutCount uint32
	Seqnum        int64
}

func (e *BlockEntry) IsUploaded() bool {
	return e.Uploaded != 0
}

func (e *BlockEntry) SetUploaded(v bool) {
	if v {
		e.Uploaded = 1
		return
	}
	e.Uploaded = 0
}

type BlockEntryPage struct {
	NumEntries int32
	_          [4]byte
	Entries    [EntriesPerBlockPage]BlockEntry
}

type PointerPage struct {
	Ptr [PointersPerPage]int64
}

type DirEntry struct {
	Ino  uint64
	Name [MaxFilenameLen + 1]byte
	Type uint8
	_    [7]byte
}

type DirEntryPage struct {
	NumEntries    int32
	_             [4]byte
	Entries       [EntriesPerDirPage]DirEntry
	ThisPagePos   int64
	ChildPagePos  [EntriesPerDirPage + 1]int64
	ParentPagePos int64
	GCListNext    int64
	TreeWalkNext  int64
	TreeWalkPrev  int64
}
