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

// This file is the recovery and checkpoint driver, §4.G: open-time
// validation runs in Open (lattice_api.go) via decodeHeader; what
// remains is rebuilding every in-memory structure (prefix index,
// exact-name index, slot table, freelist, counters) from the arena
// and replaying whatever the write-ahead log holds past the last
// checkpoint, then sweeping orphaned chunk continuations.
package lattice

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// fingerprintOrphan produces a short, stable identifier for an
// orphaned chunk's surviving bytes, logged alongside the sweep so an
// operator investigating a post-crash anomaly has something more
// specific than a bare slot number to search for across log lines
// from the write that originally produced it.
func fingerprintOrphan(rec *decodedRecord) string {
	h := blake2b.Sum256(rec.Data[:])
	return hex.EncodeToString(h[:8])
}

// recover rebuilds l's in-memory state from hdr (the validated,
// on-disk header) and the arena, then replays the WAL past
// hdr.LastCheckpointLSN. walFresh is true when the WAL file was
// just created (nothing to replay, but still worth running the
// orphan sweep: an older version of this engine, or a crash right
// after a checkpoint truncated the WAL but before close, can leave
// dangling continuations with no WAL evidence at all).
func (l *Lattice) recover(hdr *fileHeader, walFresh bool) error {
	if err := l.scanArena(hdr.Capacity); err != nil {
		return err
	}

	structuralChange := false
	if !walFresh {
		lastLSN, torn, err := l.wal.replay(hdr.LastCheckpointLSN, l.applyReplayFrame)
		if err != nil {
			return err
		}
		// replay only returns the lsn it saw; it does not update
		// w.lastLSN itself (append is the only other writer of that
		// field). Without this, the next append
		// after recovery would renumber from the wal's zero value
		// instead of continuing past what was just replayed, and a
		// second crash before the following checkpoint would then
		// have its frame's lsn rejected by replay's own
		// lsn > afterLSN check.
		l.wal.lastLSN = lastLSN
		if lastLSN > hdr.LastCheckpointLSN {
			structuralChange = true
		}
		if torn {
			l.metrics.addTornWalTail()
			l.logf("lattice: discarding torn wal tail after lsn %d", lastLSN)
			structuralChange = true
		}
	}

	swept, err := l.orphanSweep()
	if err != nil {
		return err
	}
	if swept > 0 {
		structuralChange = true
	}

	if structuralChange {
		if err := l.checkpointLocked(); err != nil {
			return fmt.Errorf("lattice: post-recovery checkpoint: %w", err)
		}
	}
	return nil
}

// scanArena walks every slot in [0, capacity), rebuilding the slot
// table, prefix/name indices, freelist, the live and deleted record
// counts, and the slot high-water mark (nextSlot). A record id of 0
// in a slot's first 8 bytes means
// the slot has never been written (files are zero-initialized on
// creation and on growth), which is cheaper and safer than decoding
// and failing a checksum check against zeroed, genuinely-absent
// records.
func (l *Lattice) scanArena(capacity uint64) error {
	var highWater int64 = -1
	var live uint64
	for slot := uint64(0); slot < capacity; slot++ {
		raw := l.arena.slotBytes(slot)
		if binary.LittleEndian.Uint64(raw[offID:offID+8]) == 0 {
			continue
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			l.metrics.addCorruptRecord()
			l.logf("lattice: corrupt record at slot %d during recovery scan, skipped", slot)
			continue
		}
		highWater = int64(slot)
		l.idx.setSlot(rec.ID, slot)
		if rec.ID >= l.nextID.Load() {
			l.nextID.Store(rec.ID + 1)
		}
		switch {
		case rec.deleted():
			l.freelist = append(l.freelist, slot)
		case rec.occupied() && !rec.chunkCont():
			l.idx.insert(rec.ID, rec.nameString())
			live++
		}
	}
	l.recordCount.Store(live)
	l.deletedCount.Store(uint64(len(l.freelist)))
	l.nextSlot = uint64(highWater + 1)
	return nil
}

func (l *Lattice) applyReplayFrame(f replayFrame) error {
	switch f.Type {
	case frPut:
		return l.applyReplayPut(f)
	case frDelete:
		return l.applyReplayDelete(f)
	case frCheckpoint:
		return nil
	default:
		l.logf("lattice: wal frame with unknown type %d at lsn %d, ignored", f.Type, f.LSN)
		return nil
	}
}

func (l *Lattice) applyReplayPut(f replayFrame) error {
	if len(f.Payload) != 8+RecordSize {
		l.logf("lattice: malformed put frame at lsn %d, ignored", f.LSN)
		return nil
	}
	slot := binary.LittleEndian.Uint64(f.Payload[:8])
	recBytes := f.Payload[8:]
	rec, err := decodeRecord(recBytes)
	if err != nil {
		l.logf("lattice: put frame at lsn %d failed checksum, ignored", f.LSN)
		return nil
	}

	for slot >= l.arena.Capacity() {
		newCap := l.arena.Capacity() * 2
		if newCap == 0 {
			newCap = defaultInitialCapacity
		}
		if err := l.arena.grow(newCap); err != nil {
			return err
		}
	}

	_, existedBefore := l.idx.slotOf(rec.ID)
	copy(l.arena.slotBytes(slot), recBytes)
	l.idx.setSlot(rec.ID, slot)
	if slot >= l.nextSlot {
		l.nextSlot = slot + 1
	}
	if rec.ID >= l.nextID.Load() {
		l.nextID.Store(rec.ID + 1)
	}
	if !existedBefore && rec.occupied() && !rec.deleted() && !rec.chunkCont() {
		l.idx.insert(rec.ID, rec.nameString())
		l.recordCount.Add(1)
	}
	return nil
}

func (l *Lattice) applyReplayDelete(f replayFrame) error {
	if len(f.Payload) != 8 {
		l.logf("lattice: malformed delete frame at lsn %d, ignored", f.LSN)
		return nil
	}
	id := binary.LittleEndian.Uint64(f.Payload)
	slot, ok := l.idx.slotOf(id)
	if !ok {
		l.logf("lattice: delete frame at lsn %d for unknown id %d, ignored", f.LSN, id)
		return nil
	}
	raw := l.arena.slotBytes(slot)
	rec, err := decodeRecord(raw)
	if err != nil {
		return nil
	}
	wasLive := rec.occupied() && !rec.deleted() && !rec.chunkCont()

	rec.Flags |= flagDeleted
	var encoded [RecordSize]byte
	encodeRecord(rec, encoded[:])
	copy(raw, encoded[:])

	if wasLive {
		l.idx.remove(id, rec.nameString())
		l.recordCount.Add(^uint64(0))
	}
	l.idx.deleteID(id)
	l.freelist = append(l.freelist, slot)
	l.deletedCount.Add(1)
	return nil
}

// orphanSweep tombstones any occupied chunk continuation (or
// wrapper) not reachable from a live chunk head, per §4.G: "the
// only place tombstones are created outside the explicit delete
// path". It returns the number of slots reclaimed.
func (l *Lattice) orphanSweep() (int, error) {
	reachable := make(map[uint64]bool)
	for _, id := range l.idx.liveIDs() {
		slot, ok := l.idx.slotOf(id)
		if !ok {
			continue
		}
		rec, err := decodeRecord(l.arena.slotBytes(slot))
		if err != nil || rec.deleted() || !rec.occupied() {
			continue
		}
		if rec.chunkHead() {
			l.gatherChainIDs(rec.ChainIDs[:rec.ChainCount], reachable)
		}
	}

	swept := 0
	for id, slot := range l.idx.allSlots() {
		if reachable[id] {
			continue
		}
		raw := l.arena.slotBytes(slot)
		rec, err := decodeRecord(raw)
		if err != nil || !rec.chunkCont() || rec.deleted() || !rec.occupied() {
			continue
		}
		fp := fingerprintOrphan(rec)
		rec.Flags |= flagDeleted
		var encoded [RecordSize]byte
		encodeRecord(rec, encoded[:])
		copy(raw, encoded[:])
		l.idx.deleteID(id)
		l.freelist = append(l.freelist, slot)
		l.deletedCount.Add(1)
		l.metrics.addOrphanChunk()
		l.logf("lattice: reclaimed orphan chunk id=%d slot=%d fingerprint=%s", id, slot, fp)
		swept++
	}
	return swept, nil
}

func (l *Lattice) gatherChainIDs(ids []uint64, reachable map[uint64]bool) {
	for _, id := range ids {
		if reachable[id] {
			continue
		}
		reachable[id] = true
		slot, ok := l.idx.slotOf(id)
		if !ok {
			continue
		}
		rec, err := decodeRecord(l.arena.slotBytes(slot))
		if err != nil {
			continue
		}
		if rec.chunkWrapper() {
			l.gatherChainIDs(rec.ChainIDs[:rec.ChainCount], reachable)
		}
	}
}
