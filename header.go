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
	"encoding/binary"

	"github.com/synrix/lattice/internal/xxh"
)

// FormatVersion is the on-disk format version written into the
// lattice header. Opens of a file with a different version fail
// with ErrVersionMismatch.
const FormatVersion = 1

// magic identifies a synrix lattice file: bytes 0x53 0x59 0x4E 0x52,
// "SYNR" in ASCII.
var magic = [4]byte{0x53, 0x59, 0x4E, 0x52}

const (
	hoffMagic             = 0
	hoffVersion           = 4
	hoffRecordSize        = 8
	hoffCapacity          = 16
	hoffNextID            = 24
	hoffRecordCount       = 32
	hoffDeletedCount      = 40
	hoffLastCheckpointLSN = 48
	hoffDictionaryNodeID  = 56
	hoffChecksum          = HeaderSize - 8
)

// fileHeader is the decoded form of the 4096-byte lattice header.
//
// RecordCount tracks live logical records only: the value Count()
// returns, which excludes chunk continuations and the synthetic
// wrapper records a long chain folds through (see buildChainLocked in
// lattice_api.go) — a chunked payload can back one logical record
// with many occupied slots. DeletedCount tracks slots currently
// sitting on the freelist, of any kind (logical, continuation, or
// wrapper). Recovery does not need a separate "slots ever
// allocated" field: it scans the full [0, Capacity) slot range,
// using the reserved id 0 as a cheap never-allocated marker (see
// recovery.go) to skip slots that have never been written without
// misreporting them as corrupt.
type fileHeader struct {
	Capacity          uint64
	NextID            uint64
	RecordCount       uint64
	DeletedCount      uint64
	LastCheckpointLSN uint64
	DictionaryNodeID  uint64
}

func encodeHeader(h *fileHeader, buf []byte) {
	if len(buf) != HeaderSize {
		panic("lattice: encodeHeader: bad buffer size")
	}
	for i := range buf {
		buf[i] = 0
	}
	le := binary.LittleEndian
	copy(buf[hoffMagic:], magic[:])
	le.PutUint32(buf[hoffVersion:], FormatVersion)
	le.PutUint64(buf[hoffRecordSize:], RecordSize)
	le.PutUint64(buf[hoffCapacity:], h.Capacity)
	le.PutUint64(buf[hoffNextID:], h.NextID)
	le.PutUint64(buf[hoffRecordCount:], h.RecordCount)
	le.PutUint64(buf[hoffDeletedCount:], h.DeletedCount)
	le.PutUint64(buf[hoffLastCheckpointLSN:], h.LastCheckpointLSN)
	le.PutUint64(buf[hoffDictionaryNodeID:], h.DictionaryNodeID)
	sum := xxh.Sum64(buf[:hoffChecksum])
	le.PutUint64(buf[hoffChecksum:], sum)
}

func decodeHeader(buf []byte) (*fileHeader, error) {
	if len(buf) != HeaderSize {
		panic("lattice: decodeHeader: bad buffer size")
	}
	if string(buf[hoffMagic:hoffMagic+4]) != string(magic[:]) {
		return nil, ErrCorruptHeader
	}
	le := binary.LittleEndian
	wantSum := le.Uint64(buf[hoffChecksum:])
	gotSum := xxh.Sum64(buf[:hoffChecksum])
	if wantSum != gotSum {
		return nil, ErrCorruptHeader
	}
	version := le.Uint32(buf[hoffVersion:])
	if version != FormatVersion {
		return nil, ErrVersionMismatch
	}
	recordSize := le.Uint64(buf[hoffRecordSize:])
	if recordSize != RecordSize {
		return nil, ErrRecordSizeMismatch
	}
	h := &fileHeader{
		Capacity:          le.Uint64(buf[hoffCapacity:]),
		NextID:            le.Uint64(buf[hoffNextID:]),
		RecordCount:       le.Uint64(buf[hoffRecordCount:]),
		DeletedCount:      le.Uint64(buf[hoffDeletedCount:]),
		LastCheckpointLSN: le.Uint64(buf[hoffLastCheckpointLSN:]),
		DictionaryNodeID:  le.Uint64(buf[hoffDictionaryNodeID:]),
	}
	return h, nil
}
