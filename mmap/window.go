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

// Package mmap provides zero-copy, shared read access to input files
// via memory mapping, and a tiered pool of reusable growable buffers
// for decompression and other transient accumulation.
package mmap

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// maxMemoryUsage is the soft cap on bytes currently mapped across the
// whole process. Exceeding it only logs a warning: backpressure is the
// Executor's job (see texec), not this package's.
var (
	maxMemoryUsage  int64 = 1 << 34 // 16 GiB default
	mappedBytes     int64
	warnOnOvershoot = func(used, max int64) {
		fmt.Fprintf(os.Stderr, "mmap: warning: mapped bytes %d exceeds soft cap %d\n", used, max)
	}
)

// SetMaxMemoryUsage configures the soft cap used by warnOnOvershoot.
func SetMaxMemoryUsage(n int64) { atomic.StoreInt64(&maxMemoryUsage, n) }

// MappedBytes returns the current process-wide mapped byte count.
func MappedBytes() int64 { return atomic.LoadInt64(&mappedBytes) }

// backing is the refcounted memory mapping shared by a FileWindow and
// all of its sub-windows. Nothing points back to a FileWindow, so
// there is no ownership cycle: backings own bytes, windows reference
// backings.
type backing struct {
	mem  []byte
	refs atomic.Int32
	path string
}

func (b *backing) retain() {
	b.refs.Add(1)
}

func (b *backing) release() error {
	if b.refs.Add(-1) != 0 {
		return nil
	}
	n := len(b.mem)
	atomic.AddInt64(&mappedBytes, -int64(n))
	return unmap(b.mem)
}

// FileWindow is an immutable byte range backed by a shared memory
// mapping. Sub-windows created with Sub share the same backing and
// keep it alive until every sub-window (and the original window) has
// been closed.
type FileWindow struct {
	b      *backing
	offset int
	length int
}

// Map opens path and establishes a read-only mapping over its full
// extent, returning a FileWindow covering [0, file-length).
func Map(path string) (FileWindow, error) {
	mem, err := mmapFile(path)
	if err != nil {
		return FileWindow{}, fmt.Errorf("mmap: map %q: %w", path, err)
	}
	b := &backing{mem: mem, path: path}
	b.refs.Store(1)
	used := atomic.AddInt64(&mappedBytes, int64(len(mem)))
	if max := atomic.LoadInt64(&maxMemoryUsage); max > 0 && used > max {
		warnOnOvershoot(used, max)
	}
	return FileWindow{b: b, offset: 0, length: len(mem)}, nil
}

// Result is the outcome of mapping a single path within a batch.
type Result struct {
	Path   string
	Window FileWindow
	Err    error
}

// MapBatch maps every path concurrently by offloading each Map call
// to the default goroutine pool via errgroup; individual failures are
// reported per-element in the returned slice and never cancel
// siblings. Empty input returns an empty slice.
func MapBatch(ctx context.Context, paths []string) []Result {
	if len(paths) == 0 {
		return nil
	}
	results := make([]Result, len(paths))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentMaps(len(paths)))
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			w, err := Map(p)
			results[i] = Result{Path: p, Window: w, Err: err}
			return nil // never cancel siblings on individual failure
		})
	}
	_ = g.Wait()
	return results
}

func maxConcurrentMaps(n int) int {
	const cap = 64
	if n < cap {
		return n
	}
	return cap
}

// Sub returns another FileWindow over the same backing mapping,
// covering [offset, offset+length) of this window, without copying
// any bytes. Slicing out of range is a programming error and panics.
func (w FileWindow) Sub(offset, length int) FileWindow {
	if offset < 0 || length < 0 || offset+length > w.length {
		panic(fmt.Sprintf("mmap: sub(%d,%d) out of range for window of length %d", offset, length, w.length))
	}
	w.b.retain()
	return FileWindow{b: w.b, offset: w.offset + offset, length: length}
}

// Bytes returns the byte slice covered by this window. The returned
// slice is only valid until Close is called on every FileWindow
// sharing this window's backing.
func (w FileWindow) Bytes() []byte {
	return w.b.mem[w.offset : w.offset+w.length]
}

// Len returns the length of the window in bytes.
func (w FileWindow) Len() int { return w.length }

// Path returns the source file path of the backing mapping.
func (w FileWindow) Path() string { return w.b.path }

// Close releases this window's reference to its backing mapping,
// unmapping the file once no window (original or sub) still
// references it.
func (w FileWindow) Close() error {
	if w.b == nil {
		return nil
	}
	return w.b.release()
}
