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
	"io"
	"os"

	"github.com/synrix/lattice/internal/xxh"
)

// WAL frame types, per §6.
const (
	frPut        uint32 = 1
	frDelete     uint32 = 2
	frCheckpoint uint32 = 3
)

const frameMagic uint32 = 0x4652_4d31 // "FRM1"

// frameHeaderLen is magic(4) + type(4) + lsn(8) + length(8).
const frameHeaderLen = 24

// walPreambleMagic tags a fresh WAL file; walPreambleLen is magic(4)
// + instance id (16 bytes, see below).
const (
	walPreambleMagic uint32 = 0x5357_414c // "SWAL"
	walPreambleLen          = 20
)

// wal is the append-only durability log described in §4.D. Every
// method here is only ever called by the single writer goroutine,
// already holding Lattice.writerMu, so wal needs no lock of its
// own.
//
// Frames are tagged with a 16-byte instance id stamped once in the
// file's preamble; Lattice stamps the same id into a ".iid"
// sidecar next to the lattice file (see lattice_api.go) so a stray
// WAL from an unrelated lattice file cannot be replayed against
// this one (ErrForeignWAL).
type wal struct {
	path     string
	f        *os.File
	lastLSN  uint64
	syncMode SyncMode
}

func openOrCreateWAL(path string, instanceID [16]byte, syncMode SyncMode) (*wal, bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, false, fmt.Errorf("%w: opening wal: %v", ErrIO, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, fmt.Errorf("%w: statting wal: %v", ErrIO, err)
	}
	w := &wal{path: path, f: f, syncMode: syncMode}
	if fi.Size() == 0 {
		if err := w.writePreamble(instanceID); err != nil {
			f.Close()
			return nil, false, err
		}
		return w, true, nil
	}
	preamble := make([]byte, walPreambleLen)
	if _, err := io.ReadFull(io.NewSectionReader(f, 0, walPreambleLen), preamble); err != nil {
		f.Close()
		return nil, false, fmt.Errorf("%w: reading wal preamble: %v", ErrIO, err)
	}
	if binary.LittleEndian.Uint32(preamble[:4]) != walPreambleMagic {
		f.Close()
		return nil, false, fmt.Errorf("%w: wal preamble magic mismatch", ErrIO)
	}
	var gotID [16]byte
	copy(gotID[:], preamble[4:20])
	// a zero instanceID is the "unknown" sentinel Lattice passes
	// when it could not establish its own identity (see
	// loadOrCreateInstanceID in lattice_api.go); skip the check
	// rather than falsely reject a legitimate reopen.
	if instanceID != ([16]byte{}) && gotID != instanceID {
		f.Close()
		return nil, false, ErrForeignWAL
	}
	return w, false, nil
}

func (w *wal) writePreamble(instanceID [16]byte) error {
	buf := make([]byte, walPreambleLen)
	binary.LittleEndian.PutUint32(buf[:4], walPreambleMagic)
	copy(buf[4:20], instanceID[:])
	// the file is empty here (fresh or just truncated) and opened
	// O_APPEND, which rules out WriteAt; a plain Write lands at 0.
	if _, err := w.f.Write(buf); err != nil {
		return fmt.Errorf("%w: writing wal preamble: %v", ErrIO, err)
	}
	return fsyncFile(w.f)
}

// append durably writes one frame and returns its lsn. Per the
// write protocol in §4.D, the frame must be fsynced before the
// caller mutates the arena, unless Options.SyncMode is SyncBatched
// (in which case durability is deferred to the next checkpoint).
func (w *wal) append(frameType uint32, payload []byte) (uint64, error) {
	lsn := w.lastLSN + 1
	buf := make([]byte, 0, frameHeaderLen+len(payload)+8)
	var hdr [frameHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], frameMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], frameType)
	binary.LittleEndian.PutUint64(hdr[8:16], lsn)
	binary.LittleEndian.PutUint64(hdr[16:24], uint64(len(payload)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, payload...)
	crc := xxh.Sum64(buf)
	var crcBuf [8]byte
	binary.LittleEndian.PutUint64(crcBuf[:], crc)
	buf = append(buf, crcBuf[:]...)

	if _, err := w.f.Write(buf); err != nil {
		return 0, fmt.Errorf("%w: appending wal frame: %v", ErrIO, err)
	}
	if w.syncMode == SyncFull {
		if err := fsyncFile(w.f); err != nil {
			return 0, fmt.Errorf("%w: fsyncing wal frame: %v", ErrIO, err)
		}
	}
	w.lastLSN = lsn
	return lsn, nil
}

// sync fsyncs the WAL file unconditionally; used at checkpoint time
// regardless of SyncMode.
func (w *wal) sync() error {
	if err := fsyncFile(w.f); err != nil {
		return fmt.Errorf("%w: fsyncing wal: %v", ErrIO, err)
	}
	return nil
}

// truncate resets the WAL to just its preamble, establishing a new
// recovery baseline after a checkpoint. Rotation to a fresh file is
// an equally valid strategy per §6; truncation is simpler to keep
// durable atomically on the same inode and is what this engine
// does. lastLSN is left as it is: lsn numbering continues across
// the truncation, so every frame written after a checkpoint carries
// an lsn greater than the header's last_checkpoint_lsn and passes
// replay's lsn > afterLSN filter.
func (w *wal) truncate(instanceID [16]byte) error {
	if err := w.f.Truncate(0); err != nil {
		return fmt.Errorf("%w: truncating wal: %v", ErrIO, err)
	}
	if err := w.writePreamble(instanceID); err != nil {
		return err
	}
	return nil
}

func (w *wal) close() error {
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("%w: closing wal: %v", ErrIO, err)
	}
	return nil
}

// replayFrame is one successfully parsed, checksum-verified frame.
type replayFrame struct {
	Type    uint32
	LSN     uint64
	Payload []byte
}

// replay reads every frame after the preamble, verifying framing
// and crc, and calls apply for each one whose lsn is greater than
// afterLSN (the lattice's last_checkpoint_lsn). It stops at the
// first frame that fails to parse or checksum — the torn tail
// described in §4.D/§7 — without treating that as an error: torn
// is set instead, and the caller is expected to discard the rest of
// the file via a post-replay checkpoint.
func (w *wal) replay(afterLSN uint64, apply func(replayFrame) error) (lastLSN uint64, torn bool, err error) {
	if _, err := w.f.Seek(walPreambleLen, io.SeekStart); err != nil {
		return 0, false, fmt.Errorf("%w: seeking wal: %v", ErrIO, err)
	}
	r := io.Reader(w.f)
	lastLSN = afterLSN
	for {
		var hdr [frameHeaderLen]byte
		n, rerr := io.ReadFull(r, hdr[:])
		if n == 0 && (rerr == io.EOF) {
			return lastLSN, false, nil
		}
		if rerr != nil {
			// a short header at the tail is exactly a torn write.
			return lastLSN, true, nil
		}
		magic := binary.LittleEndian.Uint32(hdr[0:4])
		frameType := binary.LittleEndian.Uint32(hdr[4:8])
		lsn := binary.LittleEndian.Uint64(hdr[8:16])
		length := binary.LittleEndian.Uint64(hdr[16:24])
		if magic != frameMagic || length > (1<<30) {
			return lastLSN, true, nil
		}
		payload := make([]byte, length)
		if _, rerr := io.ReadFull(r, payload); rerr != nil {
			return lastLSN, true, nil
		}
		var crcBuf [8]byte
		if _, rerr := io.ReadFull(r, crcBuf[:]); rerr != nil {
			return lastLSN, true, nil
		}
		wantCRC := binary.LittleEndian.Uint64(crcBuf[:])
		check := make([]byte, 0, frameHeaderLen+len(payload))
		check = append(check, hdr[:]...)
		check = append(check, payload...)
		if xxh.Sum64(check) != wantCRC {
			return lastLSN, true, nil
		}
		if lsn > afterLSN {
			if err := apply(replayFrame{Type: frameType, LSN: lsn, Payload: payload}); err != nil {
				return lastLSN, false, err
			}
			if lsn > lastLSN {
				lastLSN = lsn
			}
		}
	}
}
