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

package pipeline

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/Abyteon/canp/cgroup"
)

var selfCgroup struct {
	once sync.Once
	dir  cgroup.Dir
}

// memoryUsage samples the current memory pressure as a fraction of
// the relevant limit. The process's own cgroup-v2 limit wins when one
// exists; otherwise host-wide /proc/meminfo is consulted. ok=false
// means no usable figure is available (non-Linux, no /proc) and the
// caller should skip the check.
func memoryUsage() (float64, bool) {
	selfCgroup.once.Do(func() {
		if d, err := cgroup.Self(); err == nil {
			selfCgroup.dir = d
		}
	})
	if !selfCgroup.dir.IsZero() {
		if frac, ok := selfCgroup.dir.Usage(); ok {
			return frac, true
		}
	}
	if runtime.GOOS != "linux" {
		return 0, false
	}
	total, avail, err := readMemInfo()
	if err != nil || total == 0 {
		return 0, false
	}
	return float64(total-avail) / float64(total), true
}

// readMemInfo returns MemTotal and MemAvailable in bytes.
func readMemInfo() (total, avail uint64, err error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var kb uint64
		if n, _ := fmt.Sscanf(sc.Text(), "MemTotal: %d kB", &kb); n == 1 {
			total = kb * 1024
			continue
		}
		if n, _ := fmt.Sscanf(sc.Text(), "MemAvailable: %d kB", &kb); n == 1 {
			avail = kb * 1024
		}
		if total != 0 && avail != 0 {
			break
		}
	}
	return total, avail, sc.Err()
}
