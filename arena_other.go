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

//go:build !unix

package lattice

import (
	"errors"
	"io"
	"os"
)

// Non-unix platforms (Windows) fall back to a plain buffered
// mapping: the whole file is read into a heap slice and flushed
// back with explicit writes. It is functionally correct but does
// not get the kernel's copy-on-write page cache for free, so it is
// the slow path; real deployments of this engine are unix hosts.
func mmapFile(f *os.File, size int64) ([]byte, error) {
	mem := make([]byte, size)
	_, err := io.ReadFull(f, mem)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	return mem, nil
}

func munmapFile(mem []byte) error {
	return nil
}

func resizeFile(f *os.File, size int64) error {
	return f.Truncate(size)
}

func msyncRange(f *os.File, mem []byte, from, to int) error {
	_, err := f.WriteAt(mem[from:to], int64(from))
	return err
}

func fsyncFile(f *os.File) error {
	return f.Sync()
}
