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
	"bytes"
	"encoding/binary"
	"io"

	apierrors "github.com/cubefs/tierfs/errors"
	"github.com/cubefs/tierfs/util"
)

// Record is any fixed-size record of the meta file
type Record interface {
	*Stat | *FileMeta | *FileStats | *CloudRelatedData | *DirMeta | *SymlinkMeta |
		*BlockEntryPage | *PointerPage | *DirEntryPage
}

// Marshal encodes the record into its on-disk form
func Marshal[T Record](v T) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, binary.Size(v)))
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes the on-disk form into v
func Unmarshal[T Record](data []byte, v T) error {
	if len(data) < binary.Size(v) {
		return apierrors.ErrCorruptedMeta
	}
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, v)
}

// ReadAt loads the record stored at off
func ReadAt[T Record](r io.ReaderAt, off int64, v T) error {
	size := binary.Size(v)
	buf := util.GetBuffer(size)
	defer util.PutBuffer(buf)

	n, err := r.ReadAt(buf[:size], off)
	if n < size {
		if err == nil || err == io.EOF {
			return apierrors.ErrCorruptedMeta
		}
		return err
	}
	return Unmarshal(buf[:size], v)
}

// WriteAt stores the record at off
func WriteAt[T Record](w io.WriterAt, off int64, v T) error {
	data, err := Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.WriteAt(data, off)
	return err
}

// WriteZeroPage appends size zero bytes at off
func WriteZeroPage(w io.WriterAt, off int64, size int) error {
	buf := util.GetZeroBuffer(size)
	defer util.PutBuffer(buf)
	_, err := w.WriteAt(buf[:size], off)
	return err
}

// InitFileHeader writes the header of a new regular file
func InitFileHeader(w io.WriterAt, st *Stat, meta *FileMeta) error {
	if err := WriteZeroPage(w, 0, FileHeaderSize); err != nil {
		return err
	}
	if err := WriteAt(w, 0, st); err != nil {
		return err
	}
	return WriteAt(w, FileMetaOffset, meta)
}

// InitDirHeader writes the header of a new directory
func InitDirHeader(w io.WriterAt, st *Stat, meta *DirMeta) error {
	if err := WriteZeroPage(w, 0, DirHeaderSize); err != nil {
		return err
	}
	if err := WriteAt(w, 0, st); err != nil {
		return err
	}
	return WriteAt(w, DirMetaOffset, meta)
}

// InitSymlinkHeader writes the header of a new symlink
func InitSymlinkHeader(w io.WriterAt, st *Stat, meta *SymlinkMeta) error {
	if err := WriteZeroPage(w, 0, SymlinkHeaderSize); err != nil {
		return err
	}
	if err := WriteAt(w, 0, st); err != nil {
		return err
	}
	return WriteAt(w, SymlinkMetaOffset, meta)
}
