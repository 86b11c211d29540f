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
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Window is a Registers implementation over a memory-mapped device
// resource, such as a PCI BAR exported through sysfs. Registers are
// big-endian on the bus.
type Window struct {
	mem []byte
}

// MapRegisters maps size bytes at offset of the resource file at path.
func MapRegisters(path string, offset int64, size int) (*Window, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	mem, err := unix.Mmap(int(f.Fd()), offset, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap %s: %v", path, err)
	}
	return &Window{mem: mem}, nil
}

// Close unmaps the window.
func (w *Window) Close() error {
	return unix.Munmap(w.mem)
}

func (w *Window) reg(offset uint32) *uint32 {
	if offset%4 != 0 || int(offset)+4 > len(w.mem) {
		panic(fmt.Sprintf("register offset %#x outside %d-byte window", offset, len(w.mem)))
	}
	return (*uint32)(unsafe.Pointer(&w.mem[offset]))
}

// Read32 implements Registers.Read32.
func (w *Window) Read32(offset uint32) uint32 {
	var b [4]byte
	*(*uint32)(unsafe.Pointer(&b[0])) = atomic.LoadUint32(w.reg(offset))
	return binary.BigEndian.Uint32(b[:])
}

// Write32 implements Registers.Write32.
func (w *Window) Write32(offset uint32, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	atomic.StoreUint32(w.reg(offset), *(*uint32)(unsafe.Pointer(&b[0])))
}

// MmapAllocator backs DMA buffers with anonymous locked mappings. It
// assumes an identity-mapped environment where the bus address of a page
// equals its virtual address.
type MmapAllocator struct{}

// Alloc implements Allocator.Alloc. Every buffer is page aligned, which
// satisfies any align up to the page size.
func (MmapAllocator) Alloc(size, align int) (*Buffer, error) {
	if align > unix.Getpagesize() {
		return nil, fmt.Errorf("alignment %d exceeds page size", align)
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_LOCKED)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap DMA buffer: %v", err)
	}
	return &Buffer{
		Mem:  mem,
		Addr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}, nil
}

// Free implements Allocator.Free.
func (MmapAllocator) Free(b *Buffer) {
	unix.Munmap(b.Mem)
}
