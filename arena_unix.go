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

//go:build unix

package lattice

import (
	"os"

	"golang.org/x/sys/unix"
)

func mmapFile(f *os.File, size int64) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func munmapFile(mem []byte) error {
	return unix.Munmap(mem)
}

// resizeFile grows (or shrinks) the backing file to size, pre-
// allocating the extra space where the platform supports it so
// that a later write cannot fail with ENOSPC mid-record.
func resizeFile(f *os.File, size int64) error {
	if err := f.Truncate(size); err != nil {
		return err
	}
	if err := unix.Fallocate(int(f.Fd()), 0, 0, size); err != nil {
		// Fallocate is unsupported on some filesystems (e.g. tmpfs
		// on some kernels, or overlayfs); the truncate above is
		// still a correct, if less eager, way to grow the file.
		if err != unix.ENOTSUP && err != unix.EOPNOTSUPP {
			return err
		}
	}
	return nil
}

// msyncRange flushes mem[from:to], widening the range to whole pages
// first: msync(2) requires a page-aligned address, but RecordSize
// (1216) does not divide the page size, so a dirty range starting at
// an arbitrary slot is very rarely already page-aligned.
func msyncRange(f *os.File, mem []byte, from, to int) error {
	pageSize := os.Getpagesize()
	lo := from &^ (pageSize - 1)
	hi := (to + pageSize - 1) &^ (pageSize - 1)
	if hi > len(mem) {
		hi = len(mem)
	}
	return unix.Msync(mem[lo:hi], unix.MS_SYNC)
}

func fsyncFile(f *os.File) error {
	return f.Sync()
}
