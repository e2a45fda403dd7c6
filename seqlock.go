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
	"runtime"
	"sync/atomic"
	"unsafe"
)

// seqSpinLimit bounds how many times a reader spins on an
// in-progress (odd) seqlock before yielding the scheduler, per §5's
// "bounded backoff, yield after N attempts".
const seqSpinLimit = 32

// seqPtr returns an atomic view of the seq field embedded in rec,
// a RecordSize-length slice taken from the mapped arena at a slot
// boundary. offSeq is 4-byte aligned because every slot starts at
// a 64-byte-aligned file offset, which keeps 32-bit atomics legal
// on every platform this engine targets.
func seqPtr(rec []byte) *uint32 {
	return (*uint32)(unsafe.Pointer(&rec[offSeq]))
}

// seqBeginWrite marks rec as mid-write (seq becomes odd) and
// returns the even value observed beforehand, which the caller
// must pass to seqEndWrite. Only the single writer goroutine may
// call this, already holding the writer mutex.
func seqBeginWrite(rec []byte) uint32 {
	p := seqPtr(rec)
	even := atomic.LoadUint32(p)
	atomic.StoreUint32(p, even|1)
	return even
}

// seqEndWrite publishes the record as stable again by advancing
// seq to even+2, with release-ordering via atomic.StoreUint32 (the
// Go memory model gives atomic stores acquire/release semantics
// relative to other atomic operations on the same address).
func seqEndWrite(rec []byte, even uint32) {
	atomic.StoreUint32(seqPtr(rec), even+2)
}

// seqRead runs the reader side of the seqlock protocol: it calls
// copy(rec) repeatedly until it observes the same even sequence
// number before and after, guaranteeing the bytes it handed to
// copy never straddled a concurrent write. retries, if non-nil, is
// incremented once per failed attempt (see Metrics.SeqlockRetries).
func seqRead(rec []byte, retries *uint64, copy func([]byte)) {
	p := seqPtr(rec)
	spins := 0
	for {
		s1 := atomic.LoadUint32(p)
		if s1&1 != 0 {
			spins++
			if spins >= seqSpinLimit {
				runtime.Gosched()
				spins = 0
			}
			if retries != nil {
				atomic.AddUint64(retries, 1)
			}
			continue
		}
		copy(rec)
		s2 := atomic.LoadUint32(p)
		if s1 == s2 {
			return
		}
		if retries != nil {
			atomic.AddUint64(retries, 1)
		}
	}
}
