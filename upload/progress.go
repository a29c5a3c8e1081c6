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

package upload

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/tierfs/common/codec"
	"github.com/cubefs/tierfs/layout"
	"github.com/cubefs/tierfs/tiering"
)

type (
	progressRecord struct {
		Ino      uint64                  `cbor:"1,keyasint"`
		Finished map[int64]progressBlock `cbor:"2,keyasint"`
	}
	// progressBlock is one block version already stored in the backend
	progressBlock struct {
		ID  []byte `cbor:"1,keyasint"`
		Seq int64  `cbor:"2,keyasint"`
	}
)

// Progress tracks the blocks of one upload round. It is persisted after
// every finished block, a restarted round skips what was already stored.
type Progress struct {
	path string

	lock    sync.Mutex
	rec     progressRecord
	pending map[int64]progressBlock
}

func progressPath(dir string, ino uint64) string {
	return filepath.Join(dir, strconv.FormatUint(ino, 10))
}

func openProgress(dir string, ino uint64) (*Progress, error) {
	p := &Progress{
		path:    progressPath(dir, ino),
		rec:     progressRecord{Ino: ino, Finished: make(map[int64]progressBlock)},
		pending: make(map[int64]progressBlock),
	}
	var rec progressRecord
	err := codec.ReadFile(p.path, &rec)
	switch {
	case err == nil:
		if rec.Finished != nil {
			p.rec.Finished = rec.Finished
		}
	case os.IsNotExist(err):
	default:
		return nil, errors.Info(err, "read upload progress failed")
	}
	return p, nil
}

func (p *Progress) Finished(blockNo int64) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	_, ok := p.rec.Finished[blockNo]
	return ok
}

// Retain drops the records of blocks whose version differs from the tickets
// of the new round, those blocks were written after being stored.
func (p *Progress) Retain(tickets []tiering.UploadTicket) {
	p.lock.Lock()
	defer p.lock.Unlock()
	seqs := make(map[int64]int64, len(tickets))
	for _, t := range tickets {
		seqs[t.BlockNo] = t.Seq
	}
	for blockNo, b := range p.rec.Finished {
		if seq, ok := seqs[blockNo]; !ok || seq != b.Seq {
			delete(p.rec.Finished, blockNo)
		}
	}
}

// ID returns the content id stored for the ticket's block version
func (p *Progress) ID(t tiering.UploadTicket) (id [layout.ObjIDLength]byte, ok bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	b, ok := p.rec.Finished[t.BlockNo]
	if !ok || b.Seq != t.Seq || len(b.ID) != layout.ObjIDLength {
		return id, false
	}
	copy(id[:], b.ID)
	return id, true
}

// Stored remembers the id of an object that reached the backend
func (p *Progress) Stored(t tiering.UploadTicket, id [layout.ObjIDLength]byte) {
	p.lock.Lock()
	p.pending[t.BlockNo] = progressBlock{ID: id[:], Seq: t.Seq}
	p.lock.Unlock()
}

func (p *Progress) MarkFinished(ctx context.Context, blockNo int64) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	b, ok := p.pending[blockNo]
	if !ok {
		return nil
	}
	delete(p.pending, blockNo)
	p.rec.Finished[blockNo] = b
	if err := codec.WriteFile(p.path, &p.rec); err != nil {
		return errors.Info(err, "write upload progress failed")
	}
	return nil
}

func (p *Progress) Count() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.rec.Finished)
}

func (p *Progress) remove() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return errors.Info(err, "remove upload progress failed")
	}
	return nil
}
