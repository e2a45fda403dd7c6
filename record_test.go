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
	"bytes"
	"testing"
)

func sampleRecord() *decodedRecord {
	rec := &decodedRecord{
		ID:         42,
		Type:       7,
		Flags:      flagOccupied,
		PayloadLen: 5,
		CreatedAt:  1000,
		UpdatedAt:  1000,
		Seq:        2,
	}
	rec.setName("users_alice")
	copy(rec.Data[:], "hello")
	return rec
}

func TestRecordRoundTrip(t *testing.T) {
	rec := sampleRecord()
	var buf [RecordSize]byte
	encodeRecord(rec, buf[:])

	got, err := decodeRecord(buf[:])
	if err != nil {
		t.Fatalf("decodeRecord: %v", err)
	}
	if got.ID != rec.ID || got.Type != rec.Type || got.Flags != rec.Flags {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, rec)
	}
	if got.nameString() != "users_alice" {
		t.Fatalf("name round trip: got %q", got.nameString())
	}
	if !bytes.Equal(got.Data[:rec.PayloadLen], []byte("hello")) {
		t.Fatalf("data round trip: got %q", got.Data[:rec.PayloadLen])
	}
}

func TestRecordChecksumDetectsCorruption(t *testing.T) {
	rec := sampleRecord()
	var buf [RecordSize]byte
	encodeRecord(rec, buf[:])

	buf[offData] ^= 0xFF
	if _, err := decodeRecord(buf[:]); err != ErrCorruptRecord {
		t.Fatalf("expected ErrCorruptRecord, got %v", err)
	}
}

func TestRecordFlags(t *testing.T) {
	rec := &decodedRecord{Flags: flagOccupied | flagChunkHead | flagCompressed}
	if !rec.occupied() || rec.deleted() {
		t.Fatalf("occupied/deleted flags wrong: %+v", rec)
	}
	if !rec.chunkHead() || rec.chunkCont() || rec.chunkWrapper() {
		t.Fatalf("chunk flags wrong: %+v", rec)
	}
	if !rec.compressed() {
		t.Fatalf("expected compressed flag set")
	}
}

func TestExtractPrefix(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"users_alice", "users_"},
		{"ns:key", "ns:"},
		{"noseparator", ""},
		{"", ""},
		{"a_b_c", "a_"},
	}
	for _, c := range cases {
		if got := extractPrefix(c.name); got != c.want {
			t.Errorf("extractPrefix(%q) = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestExtractPrefixWindowLimit(t *testing.T) {
	long := bytes.Repeat([]byte("a"), maxPrefixLen+10)
	long[maxPrefixLen+5] = '_'
	if got := extractPrefix(string(long)); got != "" {
		t.Fatalf("separator past the search window should not count, got %q", got)
	}
}

func TestNameRoundTripAtMaxLength(t *testing.T) {
	rec := &decodedRecord{}
	name := bytes.Repeat([]byte("x"), maxNameLen)
	rec.setName(string(name))
	if rec.nameString() != string(name) {
		t.Fatalf("max-length name mismatch")
	}
}
