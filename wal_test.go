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
	"os"
	"path/filepath"
	"testing"
)

func TestWALAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")
	iid := [16]byte{1, 2, 3}

	w, created, err := openOrCreateWAL(path, iid, SyncFull)
	if err != nil {
		t.Fatalf("openOrCreateWAL: %v", err)
	}
	if !created {
		t.Fatalf("expected a fresh wal to report created")
	}

	if _, err := w.append(frPut, []byte("put-one")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := w.append(frPut, []byte("put-two")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := w.append(frDelete, []byte("del-one")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	w2, created2, err := openOrCreateWAL(path, iid, SyncFull)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if created2 {
		t.Fatalf("reopening an existing wal should not report created")
	}
	defer w2.close()

	var seen []replayFrame
	lastLSN, torn, err := w2.replay(0, func(f replayFrame) error {
		seen = append(seen, f)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if torn {
		t.Fatalf("replay reported a torn tail on a cleanly-closed wal")
	}
	if lastLSN != 3 {
		t.Fatalf("lastLSN = %d, want 3", lastLSN)
	}
	if len(seen) != 3 {
		t.Fatalf("replayed %d frames, want 3", len(seen))
	}
	if string(seen[0].Payload) != "put-one" || seen[0].Type != frPut {
		t.Fatalf("frame 0 mismatch: %+v", seen[0])
	}
	if string(seen[2].Payload) != "del-one" || seen[2].Type != frDelete {
		t.Fatalf("frame 2 mismatch: %+v", seen[2])
	}
}

func TestWALReplaySkipsFramesAtOrBeforeCheckpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")
	iid := [16]byte{9}

	w, _, err := openOrCreateWAL(path, iid, SyncFull)
	if err != nil {
		t.Fatalf("openOrCreateWAL: %v", err)
	}
	defer w.close()

	lsn1, _ := w.append(frPut, []byte("a"))
	lsn2, _ := w.append(frPut, []byte("b"))
	_ = lsn1

	var seen []replayFrame
	_, _, err = w.replay(lsn2, func(f replayFrame) error {
		seen = append(seen, f)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(seen) != 0 {
		t.Fatalf("replay after the last lsn should see nothing, got %d frames", len(seen))
	}
}

func TestWALTruncateResetsToPreambleOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")
	iid := [16]byte{4, 5}

	w, _, err := openOrCreateWAL(path, iid, SyncFull)
	if err != nil {
		t.Fatalf("openOrCreateWAL: %v", err)
	}
	defer w.close()

	w.append(frPut, []byte("before-checkpoint"))
	if err := w.truncate(iid); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	// lsn numbering continues across truncation
	if w.lastLSN != 1 {
		t.Fatalf("lastLSN after truncate = %d, want 1", w.lastLSN)
	}

	lsn, err := w.append(frPut, []byte("after-checkpoint"))
	if err != nil {
		t.Fatalf("append after truncate: %v", err)
	}
	if lsn != 2 {
		t.Fatalf("first lsn after truncate = %d, want 2", lsn)
	}
}

func TestWALTornTailDiscarded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")
	iid := [16]byte{7}

	w, _, err := openOrCreateWAL(path, iid, SyncFull)
	if err != nil {
		t.Fatalf("openOrCreateWAL: %v", err)
	}
	w.append(frPut, []byte("whole-frame"))
	if err := w.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// simulate a crash mid-append: append a few garbage bytes that
	// look like the start of a frame header but are incomplete.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("reopen for corruption: %v", err)
	}
	if _, err := f.Write([]byte{0x31, 0x4d, 0x52, 0x46, 0x01, 0x00}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	f.Close()

	w2, _, err := openOrCreateWAL(path, iid, SyncFull)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.close()

	var count int
	lastLSN, torn, err := w2.replay(0, func(f replayFrame) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !torn {
		t.Fatalf("expected torn tail to be detected")
	}
	if count != 1 {
		t.Fatalf("expected exactly the one whole frame to replay, got %d", count)
	}
	if lastLSN != 1 {
		t.Fatalf("lastLSN = %d, want 1", lastLSN)
	}
}

func TestWALForeignInstanceIDRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")

	w, _, err := openOrCreateWAL(path, [16]byte{1}, SyncFull)
	if err != nil {
		t.Fatalf("openOrCreateWAL: %v", err)
	}
	w.close()

	_, _, err = openOrCreateWAL(path, [16]byte{2}, SyncFull)
	if err != ErrForeignWAL {
		t.Fatalf("expected ErrForeignWAL, got %v", err)
	}
}

func TestWALZeroInstanceIDIsLenient(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")

	w, _, err := openOrCreateWAL(path, [16]byte{1}, SyncFull)
	if err != nil {
		t.Fatalf("openOrCreateWAL: %v", err)
	}
	w.close()

	w2, created, err := openOrCreateWAL(path, [16]byte{}, SyncFull)
	if err != nil {
		t.Fatalf("reopening with the zero sentinel should not fail: %v", err)
	}
	if created {
		t.Fatalf("reopening an existing wal should not report created")
	}
	w2.close()
}
