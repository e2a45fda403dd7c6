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

// Package lattice implements the Binary Lattice storage engine: a
// single-file, memory-mapped local knowledge store described in
// §4.F ("Lattice API"). This file is the opaque handle and its
// public operations; the leaf components it composes (record.go,
// header.go, seqlock.go, arena.go, wal.go, prefixindex.go) each
// implement one of §4.A-§4.E.
package lattice

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Record is the decoded, caller-facing view of one logical record,
// returned by Get, GetByName, and FindByPrefix. Its Data is always
// the full reassembled (and decompressed, if applicable) payload
// regardless of whether it was stored inline or as a chain.
type Record struct {
	ID        uint64
	Type      uint16
	Name      string
	Data      []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Lattice is the opaque handle representing one opened lattice
// file, per §2. One handle supports multiple concurrent readers and
// at most one concurrent writer; see §5.
type Lattice struct {
	opts       Options
	path       string
	instanceID [16]byte

	arena *Arena
	wal   *wal
	lock  *fileLock
	idx   *prefixIndex

	// writerMu serializes add, delete, checkpoint, and arena
	// growth, per §5's "writer mutex". Readers never take it.
	writerMu sync.Mutex

	nextID            atomic.Uint64
	recordCount       atomic.Uint64
	deletedCount      atomic.Uint64
	lastCheckpointLSN atomic.Uint64

	// fields below are only ever touched under writerMu.
	nextSlot           uint64
	freelist           []uint64
	dirtyFrom, dirtyTo uint64
	opsSinceCheckpoint uint64
	lastCheckpointAt   time.Time

	metrics Metrics

	closed   atomic.Bool
	poisoned atomic.Bool

	bgStop chan struct{}
	bgDone chan struct{}
}

// Open opens (creating if absent) the lattice file at path.
func Open(path string, opts Options) (*Lattice, error) {
	opts = opts.withDefaults()
	if opts.WALPath == "" {
		opts.WALPath = path + ".wal"
	}

	lock, err := acquireFileLock(path + ".lock")
	if err != nil {
		return nil, err
	}

	arena, created, err := openOrCreateArena(path, opts.InitialCapacity)
	if err != nil {
		lock.release()
		return nil, err
	}

	instanceID, err := loadOrCreateInstanceID(path, created)
	if err != nil {
		arena.close()
		lock.release()
		return nil, err
	}

	w, walCreated, err := openOrCreateWAL(opts.WALPath, instanceID, opts.SyncMode)
	if err != nil {
		arena.close()
		lock.release()
		return nil, err
	}

	var hdr *fileHeader
	if created {
		hdr = &fileHeader{Capacity: arena.Capacity(), NextID: 1}
		encodeHeader(hdr, arena.headerBytes())
		if err := arena.flushHeader(); err != nil {
			w.close()
			arena.close()
			lock.release()
			return nil, err
		}
	} else {
		hdr, err = decodeHeader(arena.headerBytes())
		if err != nil {
			w.close()
			arena.close()
			lock.release()
			return nil, err
		}
	}

	l := &Lattice{
		opts:       opts,
		path:       path,
		instanceID: instanceID,
		arena:      arena,
		wal:        w,
		lock:       lock,
		idx:        newPrefixIndex(),
	}
	l.nextID.Store(hdr.NextID)
	l.recordCount.Store(hdr.RecordCount)
	l.deletedCount.Store(hdr.DeletedCount)
	l.lastCheckpointLSN.Store(hdr.LastCheckpointLSN)

	if err := l.recover(hdr, walCreated); err != nil {
		w.close()
		arena.close()
		lock.release()
		return nil, err
	}
	l.lastCheckpointAt = time.Now()

	if !opts.ReadOnly && !opts.NoBackground {
		l.bgStop = make(chan struct{})
		l.bgDone = make(chan struct{})
		go l.backgroundCheckpointLoop()
	}

	return l, nil
}

// loadOrCreateInstanceID stamps (or loads) the 16-byte identity
// used to bind a lattice file to its WAL, kept in a "<path>.iid"
// sidecar rather than the header: §6 fixes the header's bytes
// beyond the documented fields as reserved and zero, so there is no
// room here without breaking that contract. A missing sidecar on a
// pre-existing file (opened by a build that predates this check, or
// after manual surgery) degrades gracefully to the zero value, a
// sentinel openOrCreateWAL treats as "skip the ErrForeignWAL check"
// rather than a hard failure.
func loadOrCreateInstanceID(path string, created bool) ([16]byte, error) {
	sidecar := path + ".iid"
	if created {
		id := uuid.New()
		var out [16]byte
		copy(out[:], id[:])
		if err := os.WriteFile(sidecar, out[:], 0644); err != nil {
			return [16]byte{}, fmt.Errorf("%w: writing instance id: %v", ErrIO, err)
		}
		return out, nil
	}
	b, err := os.ReadFile(sidecar)
	if err != nil {
		if os.IsNotExist(err) {
			return [16]byte{}, nil
		}
		return [16]byte{}, fmt.Errorf("%w: reading instance id: %v", ErrIO, err)
	}
	if len(b) != 16 {
		return [16]byte{}, nil
	}
	var out [16]byte
	copy(out[:], b)
	return out, nil
}

func (l *Lattice) logf(format string, args ...interface{}) {
	if l.opts.Logger != nil {
		l.opts.Logger.Printf(format, args...)
	}
}

func (l *Lattice) poisonOnIOErr(err error) {
	if err != nil && errors.Is(err, ErrIO) {
		l.poisoned.Store(true)
	}
}

func (l *Lattice) checkReadable() error {
	if l.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (l *Lattice) checkWritable() error {
	if l.closed.Load() {
		return ErrClosed
	}
	if l.opts.ReadOnly {
		return ErrReadOnly
	}
	if l.poisoned.Load() {
		return ErrPoisoned
	}
	return nil
}

// readRecordAt decodes the record currently at slot via the
// seqlock read protocol described in §4.C, counting both seqlock
// retries and checksum failures in Metrics.
func (l *Lattice) readRecordAt(slot uint64) (*decodedRecord, error) {
	raw := l.arena.slotBytes(slot)
	var buf [RecordSize]byte
	var retries uint64
	seqRead(raw, &retries, func(b []byte) { copy(buf[:], b) })
	l.metrics.addSeqlockRetries(retries)
	rec, err := decodeRecord(buf[:])
	if err != nil {
		l.metrics.addCorruptRecord()
		return nil, err
	}
	return rec, nil
}

// Get returns the record with the given id.
func (l *Lattice) Get(id uint64) (Record, error) {
	if err := l.checkReadable(); err != nil {
		return Record{}, err
	}
	slot, ok := l.idx.slotOf(id)
	if !ok {
		return Record{}, ErrNotFound
	}
	rec, err := l.readRecordAt(slot)
	if err != nil {
		return Record{}, err
	}
	if !rec.occupied() || rec.deleted() || rec.chunkCont() {
		return Record{}, ErrNotFound
	}
	return l.assembleRecord(rec)
}

// GetByName returns the record registered under the exact name.
func (l *Lattice) GetByName(name string) (Record, error) {
	if err := l.checkReadable(); err != nil {
		return Record{}, err
	}
	id, ok := l.idx.findByName(name)
	if !ok {
		return Record{}, ErrNotFound
	}
	return l.Get(id)
}

// FindByPrefix returns up to limit records (all, if limit is 0)
// whose extracted prefix equals prefix, in the index's bucket order:
// insertion order, until a delete from that bucket swap-removes an
// id and moves the bucket's last id into its place (see
// prefixIndex.remove). A miss returns an empty slice, not an error.
func (l *Lattice) FindByPrefix(prefix string, limit int) ([]Record, error) {
	if err := l.checkReadable(); err != nil {
		return nil, err
	}
	ids := l.idx.find(prefix, limit)
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		slot, ok := l.idx.slotOf(id)
		if !ok {
			continue
		}
		rec, err := l.readRecordAt(slot)
		if err != nil {
			continue
		}
		if !rec.occupied() || rec.deleted() {
			continue
		}
		r, err := l.assembleRecord(rec)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Count returns the number of live logical records: chunk
// continuations and wrapper nodes backing a large payload are not
// counted (see example 4 in the testable properties).
func (l *Lattice) Count() int { return int(l.recordCount.Load()) }

func (l *Lattice) assembleRecord(rec *decodedRecord) (Record, error) {
	var raw []byte
	if rec.chunkHead() {
		full, err := l.collectChain(rec)
		if err != nil {
			return Record{}, err
		}
		raw = full
	} else {
		raw = append([]byte(nil), rec.Data[:rec.PayloadLen]...)
	}
	data, err := l.maybeDecompress(rec, raw)
	if err != nil {
		return Record{}, err
	}
	return Record{
		ID:        rec.ID,
		Type:      rec.Type,
		Name:      rec.nameString(),
		Data:      data,
		CreatedAt: time.UnixMicro(rec.CreatedAt),
		UpdatedAt: time.UnixMicro(rec.UpdatedAt),
	}, nil
}

func (l *Lattice) maybeDecompress(rec *decodedRecord, raw []byte) ([]byte, error) {
	if !rec.compressed() {
		return raw, nil
	}
	if len(raw) < 8 {
		return nil, fmt.Errorf("%w: compressed record truncated", ErrCorruptRecord)
	}
	if l.opts.Decompressor == nil {
		return nil, errors.New("lattice: record is compressed but no decompressor is configured")
	}
	originalLen := binary.LittleEndian.Uint64(raw[:8])
	return l.opts.Decompressor.Decompress(raw[8:], int(originalLen))
}

// collectChain reassembles a chunk head's full stored payload by
// walking its chain (possibly through synthetic wrapper records)
// depth-first, which preserves the original byte order (see
// buildChainLocked).
func (l *Lattice) collectChain(head *decodedRecord) ([]byte, error) {
	total := int(head.PayloadLen)
	out := make([]byte, 0, total)
	n := DataCap
	if n > total {
		n = total
	}
	out = append(out, head.Data[:n]...)
	remaining := total - n
	if err := l.collectChainChildren(head.ChainIDs[:head.ChainCount], &remaining, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Lattice) collectChainChildren(ids []uint64, remaining *int, out *[]byte) error {
	for _, id := range ids {
		if *remaining <= 0 {
			return nil
		}
		slot, ok := l.idx.slotOf(id)
		if !ok {
			return fmt.Errorf("%w: missing chain link %d", ErrCorruptRecord, id)
		}
		rec, err := l.readRecordAt(slot)
		if err != nil {
			return err
		}
		if !rec.chunkCont() || rec.deleted() {
			return fmt.Errorf("%w: chain link %d is not a live continuation", ErrCorruptRecord, id)
		}
		if rec.chunkWrapper() {
			if err := l.collectChainChildren(rec.ChainIDs[:rec.ChainCount], remaining, out); err != nil {
				return err
			}
			continue
		}
		n := int(rec.PayloadLen)
		if n > *remaining {
			n = *remaining
		}
		*out = append(*out, rec.Data[:n]...)
		*remaining -= n
	}
	return nil
}

// Add creates a new record, or updates the existing one if name is
// already registered, per the "add semantics" in §4.F.
func (l *Lattice) Add(name string, typ uint16, data []byte) (uint64, error) {
	if err := l.checkWritable(); err != nil {
		return 0, err
	}
	if name == "" || len(name) > maxNameLen {
		return 0, ErrInvalidName
	}

	stored := data
	compressed := false
	if l.opts.Compressor != nil {
		c, err := l.opts.Compressor.Compress(data)
		if err != nil {
			return 0, fmt.Errorf("lattice: compressing payload: %w", err)
		}
		buf := make([]byte, 8+len(c))
		binary.LittleEndian.PutUint64(buf[:8], uint64(len(data)))
		copy(buf[8:], c)
		stored = buf
		compressed = true
	}

	l.writerMu.Lock()
	defer l.writerMu.Unlock()

	var id uint64
	var err error
	if existingID, ok := l.idx.findByName(name); ok {
		id, err = l.updateLocked(existingID, typ, stored, compressed)
	} else {
		if l.opts.MaxRecords != 0 && l.recordCount.Load() >= l.opts.MaxRecords {
			return 0, ErrCapacityLimit
		}
		id, err = l.createLocked(name, typ, stored, compressed)
	}
	if err != nil {
		l.poisonOnIOErr(err)
		return 0, err
	}

	l.opsSinceCheckpoint++
	if cerr := l.maybeCheckpointLocked(); cerr != nil {
		l.logf("lattice: inline checkpoint failed: %v", cerr)
	}
	return id, nil
}

func (l *Lattice) allocIDLocked() uint64 {
	id := l.nextID.Load()
	if id == 0 {
		id = 1
	}
	l.nextID.Store(id + 1)
	return id
}

// allocSlotLocked returns a slot for a brand new record, popping the
// freelist first and growing the arena (doubling capacity) only
// once every slot up to the current capacity has been used at least
// once. This keys off the true slot high-water mark rather than
// record_count, since chunk continuations and wrapper records also
// consume slots without incrementing record_count.
func (l *Lattice) allocSlotLocked() (uint64, error) {
	if n := len(l.freelist); n > 0 {
		slot := l.freelist[n-1]
		l.freelist = l.freelist[:n-1]
		l.deletedCount.Add(^uint64(0))
		return slot, nil
	}
	if l.nextSlot >= l.arena.Capacity() {
		newCap := l.arena.Capacity() * 2
		if newCap == 0 {
			newCap = defaultInitialCapacity
		}
		if err := l.arena.grow(newCap); err != nil {
			return 0, err
		}
	}
	slot := l.nextSlot
	l.nextSlot++
	return slot, nil
}

func (l *Lattice) markDirtyLocked(slot uint64) {
	if l.dirtyTo == l.dirtyFrom {
		l.dirtyFrom, l.dirtyTo = slot, slot+1
		return
	}
	if slot < l.dirtyFrom {
		l.dirtyFrom = slot
	}
	if slot+1 > l.dirtyTo {
		l.dirtyTo = slot + 1
	}
}

func (l *Lattice) walPutLocked(slot uint64, encoded []byte) error {
	payload := make([]byte, 8+RecordSize)
	binary.LittleEndian.PutUint64(payload[:8], slot)
	copy(payload[8:], encoded)
	_, err := l.wal.append(frPut, payload)
	return err
}

// commitNewLocked durably writes rec (seq forced to 2) to a slot no
// reader could yet know about, either never used before or popped
// from the freelist after its previous record was tombstoned and
// dropped from the slot table, so it is safe to publish the bytes
// with a single copy rather than
// the seqlock begin/end dance; that protocol only matters once the
// slot is reachable via the index (see overwriteLocked).
func (l *Lattice) commitNewLocked(rec *decodedRecord, slot uint64) error {
	rec.Seq = 2
	var encoded [RecordSize]byte
	encodeRecord(rec, encoded[:])
	if err := l.walPutLocked(slot, encoded[:]); err != nil {
		return err
	}
	copy(l.arena.slotBytes(slot), encoded[:])
	l.markDirtyLocked(slot)
	return nil
}

// overwriteLocked durably updates an already-published slot in
// place, using the seqlock protocol so concurrent readers never
// observe a torn record.
func (l *Lattice) overwriteLocked(rec *decodedRecord, slot uint64, curSeq uint32) error {
	rec.Seq = curSeq + 2
	var encoded [RecordSize]byte
	encodeRecord(rec, encoded[:])
	if err := l.walPutLocked(slot, encoded[:]); err != nil {
		return err
	}
	raw := l.arena.slotBytes(slot)
	oldEven := seqBeginWrite(raw)
	copy(raw[:offSeq], encoded[:offSeq])
	copy(raw[offSeq+4:], encoded[offSeq+4:])
	seqEndWrite(raw, oldEven)
	l.markDirtyLocked(slot)
	return nil
}

// tombstoneLocked marks rec deleted in place and returns its slot to
// the freelist. rec must have just been read from slot under
// writerMu, so rec.Seq is the current live value.
func (l *Lattice) tombstoneLocked(rec *decodedRecord, slot uint64) error {
	var idBuf [8]byte
	binary.LittleEndian.PutUint64(idBuf[:], rec.ID)
	if _, err := l.wal.append(frDelete, idBuf[:]); err != nil {
		return err
	}

	curSeq := rec.Seq
	rec.Flags |= flagDeleted
	rec.UpdatedAt = time.Now().UnixMicro()
	rec.Seq = curSeq + 2
	var encoded [RecordSize]byte
	encodeRecord(rec, encoded[:])
	raw := l.arena.slotBytes(slot)
	oldEven := seqBeginWrite(raw)
	copy(raw[:offSeq], encoded[:offSeq])
	copy(raw[offSeq+4:], encoded[offSeq+4:])
	seqEndWrite(raw, oldEven)
	l.markDirtyLocked(slot)

	l.freelist = append(l.freelist, slot)
	l.deletedCount.Add(1)
	return nil
}

// buildChainLocked splits rest into DataCap-sized leaf continuation
// records (each an ordinary record with chunk_continuation set,
// invisible to both indices), then folds the resulting id list into
// groups of at most maxChainIDs via synthetic wrapper records until
// at most maxChainIDs top-level ids remain, per §4.F: "N chosen so
// the head still fits in 1216 bytes" generalized to an unbounded
// chain depth. Every record here is committed (WAL + arena) before
// this function returns, so that by the time the caller commits the
// head, the chain is already fully durable: a crash before the head
// write leaves only unreferenced continuations, which the recovery
// orphan sweep reclaims.
func (l *Lattice) buildChainLocked(rest []byte) ([]uint64, error) {
	var leafIDs []uint64
	for off := 0; off < len(rest); off += DataCap {
		end := off + DataCap
		if end > len(rest) {
			end = len(rest)
		}
		piece := rest[off:end]
		id := l.allocIDLocked()
		slot, err := l.allocSlotLocked()
		if err != nil {
			return nil, err
		}
		rec := &decodedRecord{
			ID:         id,
			Flags:      flagOccupied | flagChunkContinuation,
			PayloadLen: uint32(len(piece)),
		}
		copy(rec.Data[:], piece)
		if err := l.commitNewLocked(rec, slot); err != nil {
			return nil, err
		}
		l.idx.setSlot(id, slot)
		leafIDs = append(leafIDs, id)
	}

	ids := leafIDs
	for len(ids) > maxChainIDs {
		var next []uint64
		for i := 0; i < len(ids); i += maxChainIDs {
			end := i + maxChainIDs
			if end > len(ids) {
				end = len(ids)
			}
			group := ids[i:end]
			id := l.allocIDLocked()
			slot, err := l.allocSlotLocked()
			if err != nil {
				return nil, err
			}
			rec := &decodedRecord{
				ID:         id,
				Flags:      flagOccupied | flagChunkContinuation | flagChunkWrapper,
				ChainCount: uint16(len(group)),
			}
			copy(rec.ChainIDs[:], group)
			if err := l.commitNewLocked(rec, slot); err != nil {
				return nil, err
			}
			l.idx.setSlot(id, slot)
			next = append(next, id)
		}
		ids = next
	}
	return ids, nil
}

// freeChainLocked tombstones every id in ids (recursing through
// wrapper nodes) and returns their slots to the freelist. Used both
// when an update replaces a chunked payload and when delete removes
// one.
func (l *Lattice) freeChainLocked(ids []uint64) error {
	for _, id := range ids {
		slot, ok := l.idx.slotOf(id)
		if !ok {
			continue
		}
		rec, err := l.readRecordAt(slot)
		if err != nil {
			continue
		}
		if rec.chunkWrapper() {
			if err := l.freeChainLocked(rec.ChainIDs[:rec.ChainCount]); err != nil {
				return err
			}
		}
		if err := l.tombstoneLocked(rec, slot); err != nil {
			return err
		}
		l.idx.deleteID(id)
	}
	return nil
}

func (l *Lattice) createLocked(name string, typ uint16, stored []byte, compressed bool) (uint64, error) {
	id := l.allocIDLocked()
	slot, err := l.allocSlotLocked()
	if err != nil {
		return 0, err
	}

	now := time.Now().UnixMicro()
	head := &decodedRecord{ID: id, Type: typ, Flags: flagOccupied, CreatedAt: now, UpdatedAt: now}
	head.setName(name)
	if compressed {
		head.Flags |= flagCompressed
	}

	if len(stored) <= DataCap {
		head.PayloadLen = uint32(len(stored))
		copy(head.Data[:], stored)
	} else {
		head.Flags |= flagChunkHead
		head.PayloadLen = uint32(len(stored))
		copy(head.Data[:], stored[:DataCap])
		childIDs, err := l.buildChainLocked(stored[DataCap:])
		if err != nil {
			return 0, err
		}
		head.ChainCount = uint16(len(childIDs))
		copy(head.ChainIDs[:], childIDs)
	}

	if err := l.commitNewLocked(head, slot); err != nil {
		return 0, err
	}
	l.idx.setSlot(id, slot)
	l.idx.insert(id, name)
	l.recordCount.Add(1)
	return id, nil
}

func (l *Lattice) updateLocked(id uint64, typ uint16, stored []byte, compressed bool) (uint64, error) {
	slot, ok := l.idx.slotOf(id)
	if !ok {
		return 0, fmt.Errorf("lattice: index inconsistency: id %d has no slot", id)
	}
	old, err := l.readRecordAt(slot)
	if err != nil {
		return 0, err
	}

	now := time.Now().UnixMicro()
	rec := &decodedRecord{ID: id, Type: typ, Flags: flagOccupied, CreatedAt: old.CreatedAt, UpdatedAt: now}
	rec.Name = old.Name
	if compressed {
		rec.Flags |= flagCompressed
	}

	if len(stored) <= DataCap {
		rec.PayloadLen = uint32(len(stored))
		copy(rec.Data[:], stored)
	} else {
		rec.Flags |= flagChunkHead
		rec.PayloadLen = uint32(len(stored))
		copy(rec.Data[:], stored[:DataCap])
		childIDs, err := l.buildChainLocked(stored[DataCap:])
		if err != nil {
			return 0, err
		}
		rec.ChainCount = uint16(len(childIDs))
		copy(rec.ChainIDs[:], childIDs)
	}

	wasChunked := old.chunkHead()
	oldChainIDs := append([]uint64(nil), old.ChainIDs[:old.ChainCount]...)

	if err := l.overwriteLocked(rec, slot, old.Seq); err != nil {
		return 0, err
	}

	if wasChunked {
		if err := l.freeChainLocked(oldChainIDs); err != nil {
			l.logf("lattice: freeing stale chain for id %d: %v", id, err)
		}
	}
	return id, nil
}

// Delete tombstones id, removing it from both indices and releasing
// its slot (and any chain continuations it owned) to the freelist.
func (l *Lattice) Delete(id uint64) error {
	if err := l.checkWritable(); err != nil {
		return err
	}

	l.writerMu.Lock()
	defer l.writerMu.Unlock()

	slot, ok := l.idx.slotOf(id)
	if !ok {
		return ErrNotFound
	}
	rec, err := l.readRecordAt(slot)
	if err != nil {
		return err
	}
	if !rec.occupied() || rec.deleted() || rec.chunkCont() {
		return ErrNotFound
	}

	name := rec.nameString()
	chainIDs := append([]uint64(nil), rec.ChainIDs[:rec.ChainCount]...)
	wasChunked := rec.chunkHead()

	if err := l.tombstoneLocked(rec, slot); err != nil {
		l.poisonOnIOErr(err)
		return err
	}
	l.idx.remove(id, name)
	l.idx.deleteID(id)
	l.recordCount.Add(^uint64(0))

	if wasChunked {
		if err := l.freeChainLocked(chainIDs); err != nil {
			l.logf("lattice: freeing chain for deleted id %d: %v", id, err)
		}
	}

	l.opsSinceCheckpoint++
	if cerr := l.maybeCheckpointLocked(); cerr != nil {
		l.logf("lattice: inline checkpoint failed: %v", cerr)
	}
	return nil
}

func (l *Lattice) maybeCheckpointLocked() error {
	if l.opsSinceCheckpoint >= l.opts.CheckpointOps || time.Since(l.lastCheckpointAt) >= l.opts.CheckpointInterval {
		return l.checkpointLocked()
	}
	return nil
}

// Checkpoint flushes dirty arena pages, advances the durable
// recovery baseline, and truncates the write-ahead log, per the
// checkpoint procedure in §4.D.
func (l *Lattice) Checkpoint() error {
	if l.closed.Load() {
		return ErrClosed
	}
	if l.opts.ReadOnly {
		return nil
	}
	l.writerMu.Lock()
	defer l.writerMu.Unlock()
	return l.checkpointLocked()
}

func (l *Lattice) checkpointLocked() error {
	if l.dirtyTo > l.dirtyFrom {
		if err := l.arena.flushSlots(l.dirtyFrom, l.dirtyTo); err != nil {
			return err
		}
	}
	if err := l.arena.sync(); err != nil {
		return err
	}

	lsn, err := l.wal.append(frCheckpoint, nil)
	if err != nil {
		return err
	}
	if err := l.wal.sync(); err != nil {
		return err
	}

	hdr := &fileHeader{
		Capacity:          l.arena.Capacity(),
		NextID:            l.nextID.Load(),
		RecordCount:       l.recordCount.Load(),
		DeletedCount:      l.deletedCount.Load(),
		LastCheckpointLSN: lsn,
	}
	encodeHeader(hdr, l.arena.headerBytes())
	if err := l.arena.flushHeader(); err != nil {
		return err
	}

	if err := l.wal.truncate(l.instanceID); err != nil {
		return err
	}

	l.lastCheckpointLSN.Store(lsn)
	l.dirtyFrom, l.dirtyTo = 0, 0
	l.opsSinceCheckpoint = 0
	l.lastCheckpointAt = time.Now()
	l.metrics.addCheckpoint()
	return nil
}

func (l *Lattice) backgroundCheckpointLoop() {
	defer close(l.bgDone)
	ticker := time.NewTicker(l.opts.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.bgStop:
			return
		case <-ticker.C:
			l.writerMu.Lock()
			err := l.checkpointLocked()
			l.writerMu.Unlock()
			if err != nil {
				l.logf("lattice: background checkpoint failed: %v", err)
				l.poisonOnIOErr(err)
			}
		}
	}
}

// Metrics returns the handle's live diagnostic counters (§7).
func (l *Lattice) Metrics() *Metrics { return &l.metrics }

// Close flushes a final checkpoint (unless read-only), stops the
// background worker if running, and releases the file descriptors
// and advisory lock. Close is idempotent.
func (l *Lattice) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	if l.bgStop != nil {
		close(l.bgStop)
		<-l.bgDone
	}

	var firstErr error
	if !l.opts.ReadOnly {
		l.writerMu.Lock()
		if err := l.checkpointLocked(); err != nil && firstErr == nil {
			firstErr = err
		}
		l.writerMu.Unlock()
	}
	if err := l.wal.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := l.arena.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := l.lock.release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
