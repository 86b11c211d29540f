// Copyright 2021 The gVisor Authors.
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

// Package bitmap provides a fixed-size bitmap used to hand out small
// integer identifiers such as hardware queue numbers.
package bitmap

import (
	"math/bits"

	"ibboot.dev/ibboot/pkg/errors/linuxerr"
)

// Bitmap is a fixed-size bit vector. Bit i is set iff offset i is in use.
//
// The zero value is an empty bitmap with no capacity; use New.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// bitBlock holds the bits. Each element holds 64 entries.
	bitBlock []uint64
}

// New creates a new empty Bitmap able to hold size bits.
func New(size uint32) Bitmap {
	return Bitmap{bitBlock: make([]uint64, (size+63)/64)}
}

// Size returns the total number of bits in the bitmap.
func (b *Bitmap) Size() int {
	return len(b.bitBlock) * 64
}

// IsEmpty verifies whether the Bitmap is empty.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// GetNumOnes returns the number of ones in the Bitmap.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}

// IsSet returns whether bit i is set.
func (b *Bitmap) IsSet(i uint32) bool {
	blockNum := int(i / 64)
	if blockNum >= len(b.bitBlock) {
		return false
	}
	return b.bitBlock[blockNum]&(uint64(1)<<(i%64)) != 0
}

// firstZero returns the first unset bit below limit, scanning upward from
// zero. ok is false if every bit below limit is set.
func (b *Bitmap) firstZero(limit uint32) (bit uint32, ok bool) {
	for i, w := range b.bitBlock {
		if w == ^uint64(0) {
			continue
		}
		r := uint32(bits.TrailingZeros64(^w) + i*64)
		if r >= limit {
			return 0, false
		}
		return r, true
	}
	return 0, false
}

// Allocate finds the lowest clear offset below max, marks it in use and
// returns it. It returns ENFILE when all max offsets are in use.
//
// max must not exceed Size().
func (b *Bitmap) Allocate(max uint32) (uint32, error) {
	bit, ok := b.firstZero(max)
	if !ok {
		return 0, linuxerr.ENFILE
	}
	b.bitBlock[bit/64] |= uint64(1) << (bit % 64)
	b.numOnes++
	return bit, nil
}

// Free releases offset i. Freeing an offset that is not in use is a caller
// bug and is not detected.
func (b *Bitmap) Free(i uint32) {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock &^ mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes--
	}
}

// ToSlice returns the set offsets in ascending order. For example, a
// bitmap of [0, 1, 0, 1] returns [1, 3].
func (b *Bitmap) ToSlice() []uint32 {
	bitmapSlice := make([]uint32, 0, b.numOnes)
	base := 0
	for _, bitBlock := range b.bitBlock {
		for bitBlock != 0 {
			// Extract the lowest set bit.
			j := bitBlock & -bitBlock
			bitmapSlice = append(bitmapSlice, uint32(base+bits.OnesCount64(j-1)))
			bitBlock ^= j
		}
		base += 64
	}
	return bitmapSlice
}
