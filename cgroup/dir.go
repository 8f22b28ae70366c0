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

// Package cgroup reads memory accounting out of the Linux cgroupv2
// filesystem API. The pipeline orchestrator prefers these figures over
// host-wide /proc/meminfo when the process runs inside a memory-limited
// cgroup, since the container limit, not host DRAM, is what an OOM kill
// is measured against.
package cgroup

import (
	"bufio"
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Dir is an absolute directory path
// (including the mount path of the cgroup2 mountpoint).
type Dir string

// IsZero returns true if d is the zero value of Dir.
// (The zero value of Dir is not a valid cgroup directory.)
func (d Dir) IsZero() bool { return d == "" }

// Root returns the first found cgroup2
// mountpoint from /proc/mounts.
func Root() (Dir, error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return "", err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		parts := strings.Fields(s.Text())
		if len(parts) >= 3 &&
			parts[2] == "cgroup2" {
			return Dir(parts[1]), nil
		}
	}
	if s.Err() != nil {
		return "", s.Err()
	}
	return "", fs.ErrNotExist
}

// Sub returns a new Dir that represents a
// sub-directory of d.
func (d Dir) Sub(dir string) Dir { return Dir(d.join(dir)) }

// Self returns the cgroup of the current process,
// provided that the current process is *only* a member
// of a cgroup2 and not a legacy cgroup1 hierarchy.
func Self() (Dir, error) {
	text, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return "", err
	}
	if len(text) < 3 || text[0] != '0' || text[1] != ':' || text[2] != ':' {
		return "", fmt.Errorf("don't understand /proc/self/cgroup (are you using systemd?): %s", text)
	}
	text = bytes.TrimSpace(text)
	i := bytes.IndexByte(text, '/')
	if i < 0 {
		return "", fmt.Errorf("%s is not a valid cgroup", text)
	}
	root, err := Root()
	if err != nil {
		return "", err
	}
	return root.Sub(string(text[i:])), nil
}

func (d Dir) join(name string) string { return filepath.Join(string(d), name) }

// ReadUint reads a single decimal integer out of
// the file with the given name within d.
func (d Dir) ReadUint(name string) (uint64, error) {
	buf, err := os.ReadFile(d.join(name))
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(string(bytes.TrimSpace(buf)), 10, 64)
}

// MemoryCurrent returns the total memory currently
// charged to the cgroup (the memory.current file).
func (d Dir) MemoryCurrent() (uint64, error) {
	return d.ReadUint("memory.current")
}

// MemoryMax returns the memory limit of the cgroup
// (the memory.max file). ok is false when the cgroup
// is unlimited ("max"), in which case the caller
// should fall back to host memory accounting.
func (d Dir) MemoryMax() (limit uint64, ok bool, err error) {
	buf, err := os.ReadFile(d.join("memory.max"))
	if err != nil {
		return 0, false, err
	}
	text := string(bytes.TrimSpace(buf))
	if text == "max" {
		return 0, false, nil
	}
	limit, err = strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return limit, true, nil
}

// Usage returns the fraction of the cgroup's memory limit
// currently in use, or ok=false when the cgroup has no
// limit (or the files cannot be read) and the caller
// should consult /proc/meminfo instead.
func (d Dir) Usage() (frac float64, ok bool) {
	limit, bounded, err := d.MemoryMax()
	if err != nil || !bounded || limit == 0 {
		return 0, false
	}
	cur, err := d.MemoryCurrent()
	if err != nil {
		return 0, false
	}
	return float64(cur) / float64(limit), true
}
