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

import "errors"

// Sentinel errors returned by lattice operations.
// Callers should compare against these with errors.Is,
// since some are wrapped with additional context.
var (
	// ErrIO is returned for any underlying filesystem
	// or mapping failure. The handle remains usable for
	// reads if the failure happened during writer I/O;
	// its state is undefined if the failure happened
	// while mapping the arena.
	ErrIO = errors.New("lattice: i/o error")

	// ErrCorruptHeader is a fatal open-time error: the
	// lattice header failed to parse or its checksum
	// did not verify. No handle is produced.
	ErrCorruptHeader = errors.New("lattice: corrupt header")

	// ErrVersionMismatch is a fatal open-time error: the
	// on-disk format version is not one this build knows
	// how to read.
	ErrVersionMismatch = errors.New("lattice: format version mismatch")

	// ErrRecordSizeMismatch is a fatal open-time error:
	// the header's record size field does not equal the
	// compiled-in record size.
	ErrRecordSizeMismatch = errors.New("lattice: record size mismatch")

	// ErrCorruptRecord is returned when a decoded record's
	// checksum does not match. The record is reported as
	// missing to the caller and a diagnostic counter is
	// incremented; the record itself is left untouched.
	ErrCorruptRecord = errors.New("lattice: corrupt record")

	// ErrNotFound means the requested id or name is absent.
	ErrNotFound = errors.New("lattice: not found")

	// ErrInvalidName means name was empty or exceeded
	// the maximum name length.
	ErrInvalidName = errors.New("lattice: invalid name")

	// ErrCapacityLimit means Options.MaxRecords was reached.
	ErrCapacityLimit = errors.New("lattice: capacity limit reached")

	// ErrAlreadyOpen means the advisory file lock on the
	// lattice file is held by another process.
	ErrAlreadyOpen = errors.New("lattice: already open")

	// ErrReadOnly is returned by mutating operations when
	// the handle was opened with Options.ReadOnly.
	ErrReadOnly = errors.New("lattice: handle is read-only")

	// ErrClosed is returned by any operation performed on
	// a handle after Close has returned.
	ErrClosed = errors.New("lattice: handle is closed")

	// ErrPoisoned is returned by mutating operations after
	// an ErrIO failure on the write path: a WAL append or
	// fsync, an arena growth or remap, or a background
	// checkpoint. Reads and Close still work.
	ErrPoisoned = errors.New("lattice: handle is poisoned")

	// ErrForeignWAL means the WAL file's stamped instance id
	// does not match the lattice file it was opened against.
	ErrForeignWAL = errors.New("lattice: wal belongs to a different lattice file")
)
