// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmio

import (
	"fmt"

	"github.com/google/btree"
	"ibboot.dev/ibboot/pkg/errors/linuxerr"
)

// Buffer is a block of DMA-visible memory.
//
// For transmit buffers the first Len bytes of Mem are the payload. For
// receive buffers the space after Len is where the device writes.
type Buffer struct {
	// Mem is the host view of the memory.
	Mem []byte

	// Addr is the bus address of Mem[0].
	Addr uint64

	// Len is the number of valid bytes at the start of Mem.
	Len int
}

// Data returns the valid bytes of b.
func (b *Buffer) Data() []byte {
	return b.Mem[:b.Len]
}

// Tailroom returns the number of bytes available after the valid data.
func (b *Buffer) Tailroom() int {
	return len(b.Mem) - b.Len
}

// Zero clears the whole buffer and resets Len.
func (b *Buffer) Zero() {
	clear(b.Mem)
	b.Len = 0
}

// Allocator hands out DMA-visible memory.
type Allocator interface {
	// Alloc returns a zeroed buffer of size bytes whose bus address is a
	// multiple of align. align must be a power of two.
	Alloc(size, align int) (*Buffer, error)

	// Free releases a buffer returned by Alloc.
	Free(b *Buffer)
}

// HeapAllocator backs DMA buffers with ordinary Go memory and assigns them
// synthetic, non-overlapping bus addresses. It lets a simulated device
// resolve bus addresses back to memory.
type HeapAllocator struct {
	next  uint64
	limit uint64
	live  *btree.BTreeG[*Buffer]
}

// DefaultHeapBase is the first bus address handed out by NewHeapAllocator
// when base is zero. It is kept below 4GiB so that fields holding only the
// low half of an address remain valid.
const DefaultHeapBase = 0x10000000

// NewHeapAllocator returns an allocator whose addresses start at base.
func NewHeapAllocator(base uint64) *HeapAllocator {
	if base == 0 {
		base = DefaultHeapBase
	}
	return &HeapAllocator{
		next:  base,
		limit: 1 << 32,
		live: btree.NewG(8, func(a, b *Buffer) bool {
			return a.Addr < b.Addr
		}),
	}
}

// Alloc implements Allocator.Alloc.
func (a *HeapAllocator) Alloc(size, align int) (*Buffer, error) {
	if size <= 0 || align <= 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("invalid DMA allocation size %d align %d: %w", size, align, linuxerr.EINVAL)
	}
	addr := (a.next + uint64(align) - 1) &^ (uint64(align) - 1)
	if addr+uint64(size) > a.limit {
		return nil, linuxerr.ENOMEM
	}
	// Leave a gap so that adjacent buffers never look contiguous.
	a.next = addr + uint64(size) + 64
	b := &Buffer{Mem: make([]byte, size), Addr: addr}
	a.live.ReplaceOrInsert(b)
	return b, nil
}

// Free implements Allocator.Free.
func (a *HeapAllocator) Free(b *Buffer) {
	a.live.Delete(b)
}

// Resolve returns the memory backing [addr, addr+n). It fails if the range
// is not entirely inside one live buffer.
func (a *HeapAllocator) Resolve(addr uint64, n int) ([]byte, bool) {
	var found *Buffer
	a.live.DescendLessOrEqual(&Buffer{Addr: addr}, func(b *Buffer) bool {
		found = b
		return false
	})
	if found == nil {
		return nil, false
	}
	off := addr - found.Addr
	if off+uint64(n) > uint64(len(found.Mem)) {
		return nil, false
	}
	return found.Mem[off : off+uint64(n)], true
}

// Live returns the number of buffers allocated and not yet freed.
func (a *HeapAllocator) Live() int {
	return a.live.Len()
}
