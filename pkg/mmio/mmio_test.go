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
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"ibboot.dev/ibboot/pkg/errors/linuxerr"
)

func TestHeapAllocatorAlignment(t *testing.T) {
	a := NewHeapAllocator(0)
	for _, align := range []int{1, 16, 64, 128, 4096} {
		b, err := a.Alloc(100, align)
		if err != nil {
			t.Fatalf("Alloc(100, %d): %v", align, err)
		}
		if b.Addr%uint64(align) != 0 {
			t.Errorf("Alloc(100, %d) address %#x is misaligned", align, b.Addr)
		}
		if len(b.Mem) != 100 {
			t.Errorf("Alloc(100, %d) returned %d bytes", align, len(b.Mem))
		}
	}
	if got := a.Live(); got != 5 {
		t.Errorf("Live() = %d, want 5", got)
	}
}

func TestHeapAllocatorInvalid(t *testing.T) {
	a := NewHeapAllocator(0)
	if _, err := a.Alloc(16, 3); !errors.Is(err, linuxerr.EINVAL) {
		t.Errorf("Alloc with non power of two alignment: got %v, want EINVAL", err)
	}
	if _, err := a.Alloc(0, 8); !errors.Is(err, linuxerr.EINVAL) {
		t.Errorf("Alloc of zero bytes: got %v, want EINVAL", err)
	}
}

func TestHeapAllocatorResolve(t *testing.T) {
	a := NewHeapAllocator(0)
	b1, _ := a.Alloc(64, 64)
	b2, _ := a.Alloc(128, 64)
	copy(b2.Mem[8:], []byte{1, 2, 3, 4})

	got, ok := a.Resolve(b2.Addr+8, 4)
	if !ok {
		t.Fatalf("Resolve(%#x, 4) failed", b2.Addr+8)
	}
	if diff := cmp.Diff([]byte{1, 2, 3, 4}, got); diff != "" {
		t.Errorf("Resolve mismatch (-want +got):\n%s", diff)
	}

	// Writes through the resolved slice are visible in the buffer.
	got[0] = 9
	if b2.Mem[8] != 9 {
		t.Errorf("write through resolved memory not visible")
	}

	if _, ok := a.Resolve(b1.Addr+60, 8); ok {
		t.Errorf("Resolve across the end of a buffer succeeded")
	}
	if _, ok := a.Resolve(b1.Addr-1, 1); ok {
		t.Errorf("Resolve below the first buffer succeeded")
	}

	a.Free(b2)
	if _, ok := a.Resolve(b2.Addr, 1); ok {
		t.Errorf("Resolve of freed buffer succeeded")
	}
}

func TestBufferDataAndTailroom(t *testing.T) {
	b := &Buffer{Mem: make([]byte, 32)}
	copy(b.Mem, "hello")
	b.Len = 5
	if got := string(b.Data()); got != "hello" {
		t.Errorf("Data() = %q, want %q", got, "hello")
	}
	if got := b.Tailroom(); got != 27 {
		t.Errorf("Tailroom() = %d, want 27", got)
	}
	b.Zero()
	if b.Len != 0 || b.Mem[0] != 0 {
		t.Errorf("Zero() left Len=%d Mem[0]=%d", b.Len, b.Mem[0])
	}
}

func TestWindowByteOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resource0")
	if err := os.WriteFile(path, make([]byte, 4096), 0600); err != nil {
		t.Fatal(err)
	}
	w, err := MapRegisters(path, 0, 4096)
	if err != nil {
		t.Skipf("cannot map test file: %v", err)
	}
	w.Write32(8, 0x11223344)
	if got := w.Read32(8); got != 0x11223344 {
		t.Errorf("Read32 = %#x, want 0x11223344", got)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{0x11, 0x22, 0x33, 0x44}, data[8:12]); diff != "" {
		t.Errorf("register bytes mismatch (-want +got):\n%s", diff)
	}
}

func TestMmapAllocator(t *testing.T) {
	var a MmapAllocator
	b, err := a.Alloc(4096, 4096)
	if err != nil {
		t.Skipf("locked mappings unavailable: %v", err)
	}
	defer a.Free(b)
	if b.Addr%4096 != 0 {
		t.Errorf("address %#x not page aligned", b.Addr)
	}
	b.Mem[4095] = 1
}
