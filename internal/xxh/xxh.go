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

// Package xxh provides the non-cryptographic 64-bit checksum
// used to protect lattice records and headers.
//
// It is a thin wrapper around a keyed SipHash-1-3, repurposed here
// as a fixed-key checksum rather than a partitioning hash.
package xxh

import "github.com/dchest/siphash"

// fixed key: a checksum has no need for an unpredictable key,
// only for good bit mixing, so the key is a compiled-in constant
// rather than something derived per-file.
const (
	k0 = 0x53594e52_4c415454 // "SYNRLATT"
	k1 = 0x49434530_0000beef
)

// Sum64 returns a 64-bit checksum of b.
func Sum64(b []byte) uint64 {
	return siphash.Hash(k0, k1, b)
}
