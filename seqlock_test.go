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
	"testing"
	"time"
)

func TestSeqlockReadStableValue(t *testing.T) {
	rec := make([]byte, RecordSize)
	var retries uint64
	var gotLen int
	seqRead(rec, &retries, func(b []byte) { gotLen = len(b) })
	if gotLen != RecordSize {
		t.Fatalf("copy callback got %d bytes, want %d", gotLen, RecordSize)
	}
	if retries != 0 {
		t.Fatalf("uncontended read should not retry, got %d", retries)
	}
}

func TestSeqBeginEndWriteAdvancesBy2(t *testing.T) {
	rec := make([]byte, RecordSize)
	even := seqBeginWrite(rec)
	if got := seqPtr(rec); *got&1 == 0 {
		t.Fatalf("seq should be odd mid-write, got %d", *got)
	}
	seqEndWrite(rec, even)
	if got := *seqPtr(rec); got != even+2 {
		t.Fatalf("seq after write = %d, want %d", got, even+2)
	}
}

// TestSeqlockConcurrentReadersNeverObserveTornWrite hammers one
// record with a single writer looping seqBeginWrite/seqEndWrite
// while many readers run seqRead concurrently, and asserts a reader
// never observes a half-written payload: the byte at offset 0 and
// the byte at the last offset of the fake "record" must always
// agree, since the writer only ever sets them together.
func TestSeqlockConcurrentReadersNeverObserveTornWrite(t *testing.T) {
	rec := make([]byte, RecordSize)
	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		var val byte
		for {
			select {
			case <-stop:
				return
			default:
			}
			val++
			even := seqBeginWrite(rec)
			rec[offData] = val
			rec[RecordSize-1] = val
			seqEndWrite(rec, even)
		}
	}()

	var readersWG sync.WaitGroup
	var totalRetries uint64
	var mu sync.Mutex
	for i := 0; i < 8; i++ {
		readersWG.Add(1)
		go func() {
			defer readersWG.Done()
			var local uint64
			var snap [RecordSize]byte
			for j := 0; j < 2000; j++ {
				seqRead(rec, &local, func(b []byte) { copy(snap[:], b) })
				if snap[offData] != snap[RecordSize-1] {
					t.Errorf("torn write observed: %d != %d", snap[offData], snap[RecordSize-1])
				}
			}
			mu.Lock()
			totalRetries += local
			mu.Unlock()
		}()
	}
	readersWG.Wait()
	close(stop)
	wg.Wait()
	_ = totalRetries // retries are expected under contention; no assertion on count
}

func TestSeqlockSpinBackoffDoesNotDeadlock(t *testing.T) {
	rec := make([]byte, RecordSize)
	even := seqBeginWrite(rec)
	done := make(chan struct{})
	go func() {
		var retries uint64
		seqRead(rec, &retries, func([]byte) {})
		close(done)
	}()
	// give the reader a chance to spin past seqSpinLimit at least once
	time.Sleep(5 * time.Millisecond)
	seqEndWrite(rec, even)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("seqRead did not return after writer completed")
	}
}
