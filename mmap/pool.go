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

package mmap

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
)

// tier is one size class of reusable buffers. It is backed by a
// sync.Pool the same way ion/blockfmt's decompScratch pool recycles
// decompression scratch space, plus a counting semaphore that caps
// the number of outstanding loans so callers naturally back off when
// a tier is saturated.
type tier struct {
	capacity int
	sem      *semaphore.Weighted
	pool     sync.Pool
}

// Pool is a tiered collection of reusable growable byte buffers.
// Tiers are sorted ascending by capacity; Get selects the smallest
// tier that fits a requested size.
type Pool struct {
	tiers []*tier
}

// NewPool builds a Pool from a list of tier capacities (not required
// to be pre-sorted) and a per-tier outstanding-loan limit.
func NewPool(capacities []int, slotsPerTier int) *Pool {
	sorted := append([]int(nil), capacities...)
	sort.Ints(sorted)
	p := &Pool{}
	for _, c := range sorted {
		c := c
		t := &tier{capacity: c, sem: semaphore.NewWeighted(int64(slotsPerTier))}
		t.pool.New = func() any {
			buf := make([]byte, 0, c)
			return &buf
		}
		p.tiers = append(p.tiers, t)
	}
	return p
}

// Prewarm touches each tier n times at construction to force the
// first allocation per tier and stabilize steady-state latency.
func (p *Pool) Prewarm(n int) {
	for _, t := range p.tiers {
		var bufs []*[]byte
		for i := 0; i < n; i++ {
			v := t.pool.Get().(*[]byte)
			bufs = append(bufs, v)
		}
		for _, v := range bufs {
			t.pool.Put(v)
		}
	}
}

func (p *Pool) selectTier(size int) *tier {
	for _, t := range p.tiers {
		if t.capacity >= size {
			return t
		}
	}
	if len(p.tiers) == 0 {
		return nil
	}
	return p.tiers[len(p.tiers)-1]
}

// PooledBuffer is a growable byte buffer held either as a
// pool-guarded loan (returned to its tier by Recycle) or an owned
// standalone allocation (dropped outright by Recycle).
type PooledBuffer struct {
	buf  []byte
	t    *tier
	slot *[]byte // identity of the sync.Pool element, for Put
}

// GetDecompressBuffer selects the smallest tier whose capacity covers
// estimatedSize (the largest tier when none fits) and blocks
// (respecting ctx) until a loan slot is available, providing natural
// backpressure when every slot in that tier is busy. With no tiers
// configured at all, it returns an owned buffer sized exactly to
// estimatedSize.
func (p *Pool) GetDecompressBuffer(ctx context.Context, estimatedSize int) (*PooledBuffer, error) {
	t := p.selectTier(estimatedSize)
	if t == nil {
		return &PooledBuffer{buf: make([]byte, 0, estimatedSize)}, nil
	}
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	v := t.pool.Get().(*[]byte)
	*v = (*v)[:0]
	if cap(*v) < estimatedSize {
		*v = make([]byte, 0, estimatedSize)
	}
	return &PooledBuffer{buf: *v, t: t, slot: v}, nil
}

// TryGetDecompressBuffer is the non-blocking variant of
// GetDecompressBuffer; it never waits for a semaphore slot and reports
// ok=false when the selected tier has none free.
func (p *Pool) TryGetDecompressBuffer(estimatedSize int) (*PooledBuffer, bool) {
	t := p.selectTier(estimatedSize)
	if t == nil {
		return &PooledBuffer{buf: make([]byte, 0, estimatedSize)}, true
	}
	if !t.sem.TryAcquire(1) {
		return nil, false
	}
	v := t.pool.Get().(*[]byte)
	*v = (*v)[:0]
	if cap(*v) < estimatedSize {
		*v = make([]byte, 0, estimatedSize)
	}
	return &PooledBuffer{buf: *v, t: t, slot: v}, true
}

// Bytes returns the buffer's current contents.
func (b *PooledBuffer) Bytes() []byte { return b.buf }

// Append grows the buffer by appending p, reallocating if needed.
func (b *PooledBuffer) Append(p []byte) {
	b.buf = append(b.buf, p...)
}

// Reserve ensures the buffer has room for at least n total bytes.
func (b *PooledBuffer) Reserve(n int) {
	if cap(b.buf) >= n {
		return
	}
	grown := make([]byte, len(b.buf), n)
	copy(grown, b.buf)
	b.buf = grown
}

// Clear truncates the buffer to zero length without releasing
// capacity.
func (b *PooledBuffer) Clear() { b.buf = b.buf[:0] }

// Recycle clears the buffer and releases it: pool-guarded buffers
// return to their tier and release their semaphore slot; owned
// buffers are simply dropped.
func (b *PooledBuffer) Recycle() {
	if b.t == nil {
		b.buf = nil
		return
	}
	*b.slot = b.buf[:0]
	b.t.pool.Put(b.slot)
	b.t.sem.Release(1)
	b.buf, b.slot, b.t = nil, nil, nil
}

// ReadOnlyBuffer is an immutable view over bytes, either a frozen
// pooled loan (whose tier slot is released on Close) or a standalone
// refcounted byte container.
type ReadOnlyBuffer struct {
	bytes   []byte
	release func()
}

// Freeze consumes a writable PooledBuffer and yields a ReadOnlyBuffer
// over the same bytes without copying. The caller must not use b
// after calling Freeze.
func Freeze(b *PooledBuffer) ReadOnlyBuffer {
	bytes := b.buf
	if b.t == nil {
		return ReadOnlyBuffer{bytes: bytes}
	}
	t, slot := b.t, b.slot
	b.buf, b.slot, b.t = nil, nil, nil
	return ReadOnlyBuffer{
		bytes: bytes,
		release: func() {
			*slot = (*slot)[:0]
			t.pool.Put(slot)
			t.sem.Release(1)
		},
	}
}

// Bytes returns the immutable byte slice backing this view.
func (r ReadOnlyBuffer) Bytes() []byte { return r.bytes }

// Sub returns a sub-range of this view without copying.
func (r ReadOnlyBuffer) Sub(offset, length int) ReadOnlyBuffer {
	return ReadOnlyBuffer{bytes: r.bytes[offset : offset+length], release: r.release}
}

// Close releases the underlying pool slot, if any.
func (r ReadOnlyBuffer) Close() {
	if r.release != nil {
		r.release()
	}
}
