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

//go:build !linux

package mmap

import "os"

// mmapFile falls back to a plain read on platforms without the Linux
// mmap syscalls wired up (see mmap_linux.go for the real mapping).
// This keeps the package buildable everywhere; it is not zero-copy.
func mmapFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func unmap(mem []byte) error {
	return nil
}
