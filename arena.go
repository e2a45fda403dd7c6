// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package lattice

import (
	"fmt"
	"os"
	"sync/atomic"
)

// arenaMapping is one generation of the memory mapping backing an
// Arena. Growing the arena produces a new arenaMapping and
// publishes it via Arena.cur; see the package comment on Arena.
type arenaMapping struct {
	mem      []byte // HeaderSize + capacity*RecordSize bytes
	capacity uint64 // records
}

// Arena owns the file descriptor and mapping for one lattice file
// (header + record array). It implements the memory-mapped arena
// described in §4.B: open_or_create, grow, slot_ptr (via
// headerBytes/slotBytes), flush_range, and close.
//
// Growth publishes a new mapping by swapping an atomic pointer
// (the epoch handoff described in §9); readers that load the
// pointer once per operation always see a complete, internally
// consistent mapping. Retired mappings are kept pinned until Close
// rather than unmapped immediately: unmapping while a concurrent
// reader might still hold a slice into the old generation would be
// unsafe, and the number of growths over a lattice's lifetime is
// bounded by log2(final/initial capacity), so the retained memory
// is negligible.
type Arena struct {
	file    *os.File
	cur     atomic.Pointer[arenaMapping]
	retired []*arenaMapping
}

// openOrCreateArena opens path, creating it with initialCapacity
// pre-allocated records if it does not exist. created reports
// whether a new file was written.
func openOrCreateArena(path string, initialCapacity uint64) (a *Arena, created bool, err error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, false, fmt.Errorf("%w: opening lattice file: %v", ErrIO, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, fmt.Errorf("%w: statting lattice file: %v", ErrIO, err)
	}
	a = &Arena{file: f}
	if fi.Size() == 0 {
		size := int64(HeaderSize + initialCapacity*RecordSize)
		if err := resizeFile(f, size); err != nil {
			f.Close()
			return nil, false, fmt.Errorf("%w: preallocating lattice file: %v", ErrIO, err)
		}
		mem, err := mmapFile(f, size)
		if err != nil {
			f.Close()
			return nil, false, fmt.Errorf("%w: mapping lattice file: %v", ErrIO, err)
		}
		a.cur.Store(&arenaMapping{mem: mem, capacity: initialCapacity})
		return a, true, nil
	}
	size := fi.Size()
	if size < HeaderSize {
		f.Close()
		return nil, false, ErrCorruptHeader
	}
	mem, err := mmapFile(f, size)
	if err != nil {
		f.Close()
		return nil, false, fmt.Errorf("%w: mapping lattice file: %v", ErrIO, err)
	}
	capacity := uint64(size-HeaderSize) / RecordSize
	a.cur.Store(&arenaMapping{mem: mem, capacity: capacity})
	return a, false, nil
}

func (a *Arena) mapping() *arenaMapping { return a.cur.Load() }

// Capacity returns the current number of record slots the arena
// has room for.
func (a *Arena) Capacity() uint64 { return a.mapping().capacity }

// headerBytes returns the live slice backing the 4096-byte header.
// Callers must only mutate it while holding the writer mutex.
func (a *Arena) headerBytes() []byte {
	return a.mapping().mem[:HeaderSize]
}

// slotBytes returns the live RecordSize-byte slice for slot,
// backed directly by the mapping. Reads of it must go through the
// seqlock protocol (seqRead); writes must go through
// seqBeginWrite/seqEndWrite.
func (a *Arena) slotBytes(slot uint64) []byte {
	m := a.mapping()
	off := HeaderSize + slot*RecordSize
	return m.mem[off : off+RecordSize]
}

// grow resizes the arena to exactly newCapacity records and remaps
// the file; its callers pass double the current capacity. The
// caller must hold
// the writer mutex; grow does not itself synchronize against other
// writers, but it is safe with respect to concurrent readers
// because it only ever publishes a strictly larger mapping.
func (a *Arena) grow(newCapacity uint64) error {
	size := int64(HeaderSize + newCapacity*RecordSize)
	if err := resizeFile(a.file, size); err != nil {
		return fmt.Errorf("%w: growing lattice file: %v", ErrIO, err)
	}
	mem, err := mmapFile(a.file, size)
	if err != nil {
		return fmt.Errorf("%w: remapping lattice file: %v", ErrIO, err)
	}
	old := a.mapping()
	a.cur.Store(&arenaMapping{mem: mem, capacity: newCapacity})
	a.retired = append(a.retired, old)
	return nil
}

// flushHeader msyncs the header page and fsyncs the file, so that
// a subsequent crash will observe the header's new contents.
func (a *Arena) flushHeader() error {
	mem := a.mapping().mem
	if err := msyncRange(a.file, mem, 0, HeaderSize); err != nil {
		return fmt.Errorf("%w: flushing header: %v", ErrIO, err)
	}
	return fsyncFile(a.file)
}

// flushSlots msyncs the byte range covering slots [from, to).
func (a *Arena) flushSlots(from, to uint64) error {
	mem := a.mapping().mem
	lo := int(HeaderSize + from*RecordSize)
	hi := int(HeaderSize + to*RecordSize)
	if hi <= lo {
		return nil
	}
	if err := msyncRange(a.file, mem, lo, hi); err != nil {
		return fmt.Errorf("%w: flushing records: %v", ErrIO, err)
	}
	return nil
}

// sync fsyncs the underlying file descriptor, covering any msync'd
// dirty pages plus metadata (size changes from grow).
func (a *Arena) sync() error {
	if err := fsyncFile(a.file); err != nil {
		return fmt.Errorf("%w: fsync: %v", ErrIO, err)
	}
	return nil
}

// close unmaps every generation (current and retired) and closes
// the file descriptor.
func (a *Arena) close() error {
	var firstErr error
	if err := munmapFile(a.mapping().mem); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, m := range a.retired {
		if err := munmapFile(m.mem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return fmt.Errorf("%w: closing arena: %v", ErrIO, firstErr)
	}
	return nil
}
