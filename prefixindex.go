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
	"sync"

	"golang.org/x/exp/slices"
)

// prefixIndex is the in-memory mapping described in §4.E: a
// prefix -> unordered-but-insertion-ordered id list, plus a
// separate exact-name -> id map. Both live behind a single
// sync.RWMutex, distinct from the writer mutex: writers take it
// exclusively only after their WAL frame is durable and the record
// (or tombstone) is already written into the arena, so the lock is
// not held while record bytes change; readers take it shared just
// long enough to collect ids, then release it before reading record
// bytes.
type prefixIndex struct {
	mu       sync.RWMutex
	buckets  map[string][]uint64
	byName   map[string]uint64
	idToSlot map[uint64]uint64
}

func newPrefixIndex() *prefixIndex {
	return &prefixIndex{
		buckets:  make(map[string][]uint64),
		byName:   make(map[string]uint64),
		idToSlot: make(map[uint64]uint64),
	}
}

// setSlot records (or updates) where id currently lives in the
// arena. It is the "dense slot table" referenced in §9: ids are
// never reused, but after the first delete a freed slot may be
// handed to a different, newer id, so this map is authoritative
// rather than the slot=id-1 formula.
func (p *prefixIndex) setSlot(id, slot uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idToSlot[id] = slot
}

// slotOf returns the arena slot id currently occupies.
func (p *prefixIndex) slotOf(id uint64) (uint64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.idToSlot[id]
	return s, ok
}

func (p *prefixIndex) deleteID(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.idToSlot, id)
}

// insert adds id under name's prefix bucket (if name has one, per
// extractPrefix) and into the exact-name map. Amortized O(1).
func (p *prefixIndex) insert(id uint64, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.insertLocked(id, name)
}

func (p *prefixIndex) insertLocked(id uint64, name string) {
	if prefix := extractPrefix(name); prefix != "" {
		p.buckets[prefix] = append(p.buckets[prefix], id)
	}
	p.byName[name] = id
}

// remove locates id's bucket by name's prefix and swap-removes it,
// per §4.E ("swap-remove the id (O(bucket_size) worst case)"). A
// swap-remove is O(1) at the cost of reordering the bucket's
// surviving members; find's insertion-order guarantee therefore
// only holds for buckets that have never had a member removed.
func (p *prefixIndex) remove(id uint64, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(id, name)
}

func (p *prefixIndex) removeLocked(id uint64, name string) {
	if prefix := extractPrefix(name); prefix != "" {
		b := p.buckets[prefix]
		if idx := slices.Index(b, id); idx >= 0 {
			last := len(b) - 1
			b[idx] = b[last]
			b = b[:last]
			if len(b) == 0 {
				delete(p.buckets, prefix)
			} else {
				p.buckets[prefix] = b
			}
		}
	}
	delete(p.byName, name)
}

// find returns up to limit ids from prefix's bucket (all of them
// if limit is 0), runtime O(k) in the number of results returned
// regardless of total record count.
func (p *prefixIndex) find(prefix string, limit int) []uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b := p.buckets[prefix]
	if limit <= 0 || limit > len(b) {
		limit = len(b)
	}
	out := make([]uint64, limit)
	copy(out, b[:limit])
	return out
}

// findByName returns the id registered for the exact name, if any.
func (p *prefixIndex) findByName(name string) (uint64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.byName[name]
	return id, ok
}

// reset discards all entries, used before a full rebuild.
func (p *prefixIndex) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buckets = make(map[string][]uint64)
	p.byName = make(map[string]uint64)
	p.idToSlot = make(map[uint64]uint64)
}

// liveIDs returns a snapshot of every id registered under an exact
// name, i.e. every live logical (non-continuation) record. Used by
// recovery's orphan-chunk sweep to find the roots it must walk.
func (p *prefixIndex) liveIDs() []uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]uint64, 0, len(p.byName))
	for _, id := range p.byName {
		out = append(out, id)
	}
	return out
}

// allSlots returns a snapshot of the full id->slot table.
func (p *prefixIndex) allSlots() map[uint64]uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[uint64]uint64, len(p.idToSlot))
	for id, slot := range p.idToSlot {
		out[id] = slot
	}
	return out
}

// bucketCount reports the number of distinct prefixes currently
// populated; used only by tests and diagnostics.
func (p *prefixIndex) bucketCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.buckets)
}
