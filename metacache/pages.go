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
	"io"

	"github.com/cubefs/tierfs/layout"
)

type pageSlot[P any] struct {
	off   int64
	page  *P
	dirty bool
}

// pageCache keeps the two most recently used pages of one kind. Slot 0 is
// the page in use, a third page pushes slot 1 out after writing it back.
type pageCache[P any] struct {
	slots [2]pageSlot[P]
	read  func(io.ReaderAt, int64, *P) error
	write func(io.WriterAt, int64, *P) error
}

func newBlockPageCache() pageCache[layout.BlockEntryPage] {
	return pageCache[layout.BlockEntryPage]{
		read:  layout.ReadAt[*layout.BlockEntryPage],
		write: layout.WriteAt[*layout.BlockEntryPage],
	}
}

func newDirPageCache() pageCache[layout.DirEntryPage] {
	return pageCache[layout.DirEntryPage]{
		read:  layout.ReadAt[*layout.DirEntryPage],
		write: layout.WriteAt[*layout.DirEntryPage],
	}
}

// probe returns the cached page at off moved into slot 0
func (c *pageCache[P]) probe(off int64) *P {
	if c.slots[0].page != nil && c.slots[0].off == off {
		return c.slots[0].page
	}
	if c.slots[1].page != nil && c.slots[1].off == off {
		c.slots[0], c.slots[1] = c.slots[1], c.slots[0]
		return c.slots[0].page
	}
	return nil
}

func (c *pageCache[P]) push(w io.WriterAt, off int64, page *P, dirty bool) error {
	if old := &c.slots[1]; old.page != nil && old.dirty {
		if err := c.write(w, old.off, old.page); err != nil {
			return err
		}
	}
	c.slots[1] = c.slots[0]
	c.slots[0] = pageSlot[P]{off: off, page: page, dirty: dirty}
	return nil
}

type readWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

func (c *pageCache[P]) lookup(f readWriterAt, off int64) (*P, error) {
	if page := c.probe(off); page != nil {
		return page, nil
	}
	page := new(P)
	if err := c.read(f, off, page); err != nil {
		return nil, err
	}
	if err := c.push(f, off, page, false); err != nil {
		return nil, err
	}
	return page, nil
}

func (c *pageCache[P]) update(w io.WriterAt, off int64, page *P) error {
	if cached := c.probe(off); cached != nil {
		*cached = *page
		c.slots[0].dirty = true
		return nil
	}
	cp := *page
	return c.push(w, off, &cp, true)
}

// flush writes back the dirty slots
func (c *pageCache[P]) flush(w io.WriterAt) error {
	for i := range c.slots {
		s := &c.slots[i]
		if s.page == nil || !s.dirty {
			continue
		}
		if err := c.write(w, s.off, s.page); err != nil {
			return err
		}
		s.dirty = false
	}
	return nil
}

func (c *pageCache[P]) drop() {
	c.slots = [2]pageSlot[P]{}
}
