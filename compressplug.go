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

// This file defines the compression plugin seam §6 reserves at the
// point a payload enters/leaves the engine, plus one concrete,
// optional implementation. synrix treats the codec as an external
// collaborator installed by the caller via
// Options.Compressor/Decompressor; the engine itself only ever
// calls through the interface.
package lattice

import (
	"fmt"

	"github.com/klauspost/compress/s2"
)

// Compressor is the write-side half of the payload compression
// plugin. It receives the raw payload about to be written into the
// lattice and returns the bytes actually stored.
type Compressor interface {
	// Name identifies the codec; it is not persisted by this
	// engine (the dictionary/codec-selection scheme the source
	// sketches via the reserved header DictionaryNodeID slot is an
	// external collaborator, out of scope here), but callers that
	// roll their own Decompressor selection can use it.
	Name() string
	Compress(payload []byte) ([]byte, error)
}

// Decompressor is the read-side half: it receives exactly what a
// matching Compressor produced and must reproduce the original
// payload bytes.
type Decompressor interface {
	Name() string
	Decompress(stored []byte, originalLen int) ([]byte, error)
}

// NewS2Compressor returns a Compressor/Decompressor pair backed by
// klauspost/compress/s2, a block compressor tuned for low latency
// rather than best-effort ratio: a reasonable default for a
// per-payload hot-path codec where the engine is on the query
// latency path. Install it via Options.Compressor/Decompressor to
// opt in; absent, payloads pass through unchanged (§6).
func NewS2Compressor() (Compressor, Decompressor) {
	c := s2Codec{}
	return c, c
}

type s2Codec struct{}

func (s2Codec) Name() string { return "s2" }

func (s2Codec) Compress(payload []byte) ([]byte, error) {
	return s2.Encode(nil, payload), nil
}

func (s2Codec) Decompress(stored []byte, originalLen int) ([]byte, error) {
	dst := make([]byte, originalLen)
	got, err := s2.Decode(dst, stored)
	if err != nil {
		return nil, fmt.Errorf("s2 decompress: %w", err)
	}
	if len(got) != originalLen {
		return nil, fmt.Errorf("s2 decompress: expected %d bytes, got %d", originalLen, len(got))
	}
	return got, nil
}
