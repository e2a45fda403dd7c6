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

import "sync/atomic"

// Metrics exposes the diagnostic counters named in §7: corrupt
// record detections and discarded torn WAL tails are errors the
// engine swallows rather than surfaces, but a caller should still
// be able to observe them.
type Metrics struct {
	corruptRecords  int64
	tornWalTails    int64
	seqlockRetries  int64
	orphanChunks    int64
	checkpointCount int64
}

// CorruptRecords returns the number of times a record's checksum
// failed to verify on read.
func (m *Metrics) CorruptRecords() int64 { return atomic.LoadInt64(&m.corruptRecords) }

// TornWalTails returns the number of times recovery discarded a
// partially-written frame at the end of the WAL.
func (m *Metrics) TornWalTails() int64 { return atomic.LoadInt64(&m.tornWalTails) }

// SeqlockRetries returns the cumulative number of times a reader
// had to retry its seqlock snapshot because it raced a writer.
func (m *Metrics) SeqlockRetries() int64 { return atomic.LoadInt64(&m.seqlockRetries) }

// OrphanChunks returns the number of chunk continuations the
// recovery sweep converted to tombstones because their head was
// absent or already deleted.
func (m *Metrics) OrphanChunks() int64 { return atomic.LoadInt64(&m.orphanChunks) }

// Checkpoints returns the number of checkpoints performed so far.
func (m *Metrics) Checkpoints() int64 { return atomic.LoadInt64(&m.checkpointCount) }

func (m *Metrics) addCorruptRecord()  { atomic.AddInt64(&m.corruptRecords, 1) }
func (m *Metrics) addTornWalTail()    { atomic.AddInt64(&m.tornWalTails, 1) }
func (m *Metrics) addSeqlockRetries(n uint64) {
	if n != 0 {
		atomic.AddInt64(&m.seqlockRetries, int64(n))
	}
}
func (m *Metrics) addOrphanChunk()  { atomic.AddInt64(&m.orphanChunks, 1) }
func (m *Metrics) addCheckpoint()   { atomic.AddInt64(&m.checkpointCount, 1) }
