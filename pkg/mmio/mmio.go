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

// Package mmio provides access to device registers and DMA-visible memory.
//
// Device registers are exposed through the Registers interface so that the
// HCA driver can run against a real mapped BAR or against a simulated
// device. DMA memory is handed out as Buffers carrying both the host view
// of the memory and the bus address the device uses to reach it.
package mmio

import (
	"sync/atomic"
)

// Registers is a window of 32-bit device registers. Offsets are in bytes
// from the start of the window. Values are logical register values; any
// byte swapping required by the bus is done by the implementation.
type Registers interface {
	// Read32 reads the register at offset.
	Read32(offset uint32) uint32

	// Write32 writes v to the register at offset.
	Write32(offset uint32, v uint32)
}

// barrierSeq is only touched through atomic read-modify-write operations,
// which act as full memory fences.
var barrierSeq uint32

// Barrier orders all memory accesses issued before it ahead of all accesses
// issued after it, including plain stores to DMA memory.
func Barrier() {
	atomic.AddUint32(&barrierSeq, 1)
}
