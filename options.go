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

import "time"

// SyncMode selects how aggressively the write-ahead log is
// fsynced.
type SyncMode int

const (
	// SyncFull fsyncs after every WAL frame append (default). A
	// successful Add/Delete is durable immediately on return.
	SyncFull SyncMode = iota
	// SyncBatched only fsyncs at checkpoint time, trading the
	// durability of the last open checkpoint window for
	// throughput: a crash can lose writes since the last
	// checkpoint even though the calls returned successfully.
	SyncBatched
)

// Options configures Open. The zero value is not meaningful on its
// own; call DefaultOptions to get a populated value, or rely on
// Open to apply defaults to any zero field.
type Options struct {
	// InitialCapacity is the number of records pre-allocated when
	// a lattice file is created fresh. Default 1024.
	InitialCapacity uint64

	// MaxRecords caps the number of live records Add will allow;
	// zero means unbounded. This is meant to be set by an external
	// licensing/tier layer, not derived internally.
	MaxRecords uint64

	// WALPath overrides the write-ahead log's path. Defaults to
	// the lattice path with ".wal" appended.
	WALPath string

	// CheckpointOps is the number of write operations between
	// automatic checkpoints. Default 12500.
	CheckpointOps uint64

	// CheckpointInterval is the maximum wall-clock time between
	// automatic checkpoints. Default 5s.
	CheckpointInterval time.Duration

	// ReadOnly opens the handle without the writer path; every
	// mutating operation fails with ErrReadOnly.
	ReadOnly bool

	// SyncMode controls WAL fsync aggressiveness. Default SyncFull.
	SyncMode SyncMode

	// NoBackground disables the background checkpoint worker
	// (§5's "no-background" mode); callers must call Checkpoint
	// themselves, or rely on the inline checkpoint that Add/Delete
	// perform once CheckpointOps/CheckpointInterval has elapsed.
	NoBackground bool

	// Compressor, if non-nil, is applied to payloads as they enter
	// the engine via Add, and its matching Decompressor is applied
	// as they leave via Get/GetByName/FindByPrefix. See
	// compressplug.go. When nil, payloads pass through unchanged.
	Compressor Compressor
	Decompressor Decompressor

	// Logger, if non-nil, receives recoverable/background
	// diagnostics: checkpoint failures, torn WAL tails, orphan
	// chunk sweeps.
	Logger Logger
}

// Logger is the single-method logging seam the engine uses for
// background diagnostics. *log.Logger satisfies it.
type Logger interface {
	Printf(format string, args ...interface{})
}

const (
	defaultInitialCapacity    = 1024
	defaultCheckpointOps      = 12500
	defaultCheckpointInterval = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.InitialCapacity == 0 {
		o.InitialCapacity = defaultInitialCapacity
	}
	if o.WALPath == "" {
		// filled in by Open, which knows the lattice path
	}
	if o.CheckpointOps == 0 {
		o.CheckpointOps = defaultCheckpointOps
	}
	if o.CheckpointInterval == 0 {
		o.CheckpointInterval = defaultCheckpointInterval
	}
	return o
}
