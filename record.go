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
	"fmt"

	"github.com/synrix/lattice/internal/xxh"
)

// RecordSize is the fixed on-disk size of every record ("node"),
// in bytes. It is cache-line aligned (a multiple of 64) and is
// pinned by the compile-time assertion below: the source material
// this engine is built from disagrees with itself about whether a
// record is 512, 1024, or 1216 bytes, and 1216 is the value the
// header's RecordSize field enforces, so that is the contract.
const RecordSize = 1216

// HeaderSize is the size of the fixed file header occupying the
// first page of a lattice file. Records begin at this offset.
const HeaderSize = 4096

// maxNameLen is the largest name (lookup key) a record may carry,
// not counting the trailing NUL padding.
const maxNameLen = 127

// nameFieldLen is the on-disk width reserved for the name,
// including the trailing NUL.
const nameFieldLen = maxNameLen + 1

// maxChainIDs is the number of continuation-record ids a single
// record (head or continuation) can reference directly. Chains
// longer than this fan out through synthetic wrapper continuation
// records (see buildChainLocked / collectChain in lattice_api.go), so
// there is no hard cap on total chained payload size.
const maxChainIDs = 8

// maxPrefixLen is the longest prefix extractPrefix will return.
const maxPrefixLen = 64

// record byte layout; see the field comments on decodedRecord
// for what each region holds. Keeping these as named offsets
// (rather than overlaying a Go struct onto the mapped bytes)
// is deliberate: encodeRecord/decodeRecord are the only code
// that needs to agree with the wire layout, and it keeps the
// layout readable independent of compiler struct packing.
const (
	offID         = 0
	offType       = offID + 8
	offFlags      = offType + 2
	offName       = offFlags + 2
	offPayloadLen = offName + nameFieldLen
	offChainCount = offPayloadLen + 4
	offChainPad   = offChainCount + 2
	offChainIDs   = offChainPad + 2
	offCreatedAt  = offChainIDs + 8*maxChainIDs
	offUpdatedAt  = offCreatedAt + 8
	offSeq        = offUpdatedAt + 8
	offSeqPad     = offSeq + 4
	offChecksum   = offSeqPad + 4
	offData       = offChecksum + 8
)

// DataCap is the inline payload capacity of a single record.
// Payloads larger than this are stored as a chain; see §4.A/§4.F.
const DataCap = RecordSize - offData

// Compile-time check that RecordSize is a whole number of 64-byte
// cache lines: a non-zero remainder gives an array type that cannot
// be assigned to [0]struct{}, and the package fails to build.
var _ [0]struct{} = [RecordSize % 64]struct{}{}

func init() {
	if offData+DataCap != RecordSize {
		panic(fmt.Sprintf("lattice: record layout miscomputed: offData=%d DataCap=%d RecordSize=%d", offData, DataCap, RecordSize))
	}
}

// record flag bits. The first four are named directly by §3;
// flagChunkWrapper and flagCompressed are internal extensions that
// stay within the chunk_continuation family §4.A already reserves
// for chain bookkeeping rather than widening the on-disk contract.
const (
	flagOccupied          uint16 = 1 << 0
	flagDeleted           uint16 = 1 << 1
	flagChunkHead         uint16 = 1 << 2
	flagChunkContinuation uint16 = 1 << 3

	// flagChunkWrapper marks a continuation record synthesized only
	// to fan out a chain whose continuation count exceeds
	// maxChainIDs: it carries no payload bytes of its own, just
	// further chain ids. Always combined with flagChunkContinuation.
	flagChunkWrapper uint16 = 1 << 4

	// flagCompressed marks a chunk head (or an unchunked record)
	// whose Data (and, if chunked, the full reassembled chain) is an
	// 8-byte little-endian original length followed by compressed
	// bytes, per Options.Compressor.
	flagCompressed uint16 = 1 << 5
)

// decodedRecord is the in-memory, decoded form of one 1216-byte
// on-disk record. It is produced by decodeRecord and consumed by
// encodeRecord; it never aliases mapped memory.
type decodedRecord struct {
	ID         uint64
	Type       uint16
	Flags      uint16
	Name       [nameFieldLen]byte // NUL-padded; use nameString() to trim
	PayloadLen uint32             // bytes valid in Data, or (head only) total chain length
	ChainCount uint16
	ChainIDs   [maxChainIDs]uint64
	CreatedAt  int64
	UpdatedAt  int64
	Seq        uint32
	Checksum   uint64
	Data       [DataCap]byte
}

func (r *decodedRecord) occupied() bool  { return r.Flags&flagOccupied != 0 }
func (r *decodedRecord) deleted() bool   { return r.Flags&flagDeleted != 0 }
func (r *decodedRecord) chunkHead() bool { return r.Flags&flagChunkHead != 0 }
func (r *decodedRecord) chunkCont() bool { return r.Flags&flagChunkContinuation != 0 }
func (r *decodedRecord) chunkWrapper() bool { return r.Flags&flagChunkWrapper != 0 }
func (r *decodedRecord) compressed() bool   { return r.Flags&flagCompressed != 0 }

// nameString returns the name with its NUL padding trimmed.
func (r *decodedRecord) nameString() string {
	n := 0
	for n < len(r.Name) && r.Name[n] != 0 {
		n++
	}
	return string(r.Name[:n])
}

func (r *decodedRecord) setName(name string) {
	r.Name = [nameFieldLen]byte{}
	copy(r.Name[:], name)
}

// encodeRecord serializes rec into buf, which must be exactly
// RecordSize bytes. The checksum field is computed over the rest
// of the record with the checksum field itself zeroed, matching
// §4.A.
func encodeRecord(rec *decodedRecord, buf []byte) {
	if len(buf) != RecordSize {
		panic("lattice: encodeRecord: bad buffer size")
	}
	le := binary.LittleEndian
	le.PutUint64(buf[offID:], rec.ID)
	le.PutUint16(buf[offType:], rec.Type)
	le.PutUint16(buf[offFlags:], rec.Flags)
	copy(buf[offName:offName+nameFieldLen], rec.Name[:])
	le.PutUint32(buf[offPayloadLen:], rec.PayloadLen)
	le.PutUint16(buf[offChainCount:], rec.ChainCount)
	le.PutUint16(buf[offChainPad:], 0)
	for i := 0; i < maxChainIDs; i++ {
		le.PutUint64(buf[offChainIDs+i*8:], rec.ChainIDs[i])
	}
	le.PutUint64(buf[offCreatedAt:], uint64(rec.CreatedAt))
	le.PutUint64(buf[offUpdatedAt:], uint64(rec.UpdatedAt))
	le.PutUint32(buf[offSeq:], rec.Seq)
	le.PutUint32(buf[offSeqPad:], 0)
	le.PutUint64(buf[offChecksum:], 0)
	copy(buf[offData:offData+DataCap], rec.Data[:])

	sum := xxh.Sum64(buf)
	le.PutUint64(buf[offChecksum:], sum)
}

// decodeRecord parses buf (exactly RecordSize bytes) into a
// decodedRecord and verifies its checksum. buf is not retained.
func decodeRecord(buf []byte) (*decodedRecord, error) {
	if len(buf) != RecordSize {
		panic("lattice: decodeRecord: bad buffer size")
	}
	le := binary.LittleEndian
	wantSum := le.Uint64(buf[offChecksum:])

	// verify checksum over a scratch copy with the checksum
	// field zeroed, exactly as encodeRecord computed it.
	var scratch [RecordSize]byte
	copy(scratch[:], buf)
	le.PutUint64(scratch[offChecksum:], 0)
	gotSum := xxh.Sum64(scratch[:])
	if gotSum != wantSum {
		return nil, ErrCorruptRecord
	}

	rec := &decodedRecord{}
	rec.ID = le.Uint64(buf[offID:])
	rec.Type = le.Uint16(buf[offType:])
	rec.Flags = le.Uint16(buf[offFlags:])
	copy(rec.Name[:], buf[offName:offName+nameFieldLen])
	rec.PayloadLen = le.Uint32(buf[offPayloadLen:])
	rec.ChainCount = le.Uint16(buf[offChainCount:])
	for i := 0; i < maxChainIDs; i++ {
		rec.ChainIDs[i] = le.Uint64(buf[offChainIDs+i*8:])
	}
	rec.CreatedAt = int64(le.Uint64(buf[offCreatedAt:]))
	rec.UpdatedAt = int64(le.Uint64(buf[offUpdatedAt:]))
	rec.Seq = le.Uint32(buf[offSeq:])
	rec.Checksum = wantSum
	copy(rec.Data[:], buf[offData:offData+DataCap])
	return rec, nil
}

// extractPrefix returns the semantic prefix of name: the leading
// run of bytes up to and including the first '_' or ':', whichever
// occurs first, searched within the first maxPrefixLen bytes of
// name. If neither separator appears in that window, the record
// participates in no prefix bucket and extractPrefix returns "".
//
// This is a client naming contract, not content analysis: the
// implementation must not look past the first separator or split
// on both separators at once.
func extractPrefix(name string) string {
	limit := len(name)
	if limit > maxPrefixLen {
		limit = maxPrefixLen
	}
	for i := 0; i < limit; i++ {
		if name[i] == '_' || name[i] == ':' {
			return name[:i+1]
		}
	}
	return ""
}
