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

// Package prm encodes and decodes the hardware structures exchanged with a
// Mellanox memfree HCA.
//
// Hardware structures are arrays of big-endian 32-bit dwords. A field is
// identified by its dword index, the bit position of its least significant
// bit within that dword (bit 0 is the least significant bit), and its width
// in bits. All accessors operate on plain byte slices, so the layout is
// independent of host endianness and struct packing.
package prm

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// Field is a bit-field within a dword array.
type Field struct {
	Dword int
	Shift uint
	Width uint
}

func (f Field) mask() uint32 {
	if f.Width >= 32 {
		return ^uint32(0)
	}
	return (uint32(1) << f.Width) - 1
}

// Val pairs f with a value, for use with Fill.
func (f Field) Val(v uint32) FieldValue {
	return FieldValue{Field: f, Value: v}
}

// String implements fmt.Stringer.
func (f Field) String() string {
	return fmt.Sprintf("dword %d bits [%d:%d]", f.Dword, f.Shift+f.Width-1, f.Shift)
}

// FieldValue is a field together with the value to store in it.
type FieldValue struct {
	Field Field
	Value uint32
}

// Dword returns dword i of b.
func Dword(b []byte, i int) uint32 {
	return binary.BigEndian.Uint32(b[4*i:])
}

// PutDword stores v as dword i of b.
func PutDword(b []byte, i int, v uint32) {
	binary.BigEndian.PutUint32(b[4*i:], v)
}

// Get extracts field f from b.
func Get(b []byte, f Field) uint32 {
	return (Dword(b, f.Dword) >> f.Shift) & f.mask()
}

// Set stores v into field f of b, preserving every other bit of the dword.
// Bits of v beyond the field width are discarded.
func Set(b []byte, f Field, v uint32) {
	d := Dword(b, f.Dword)
	d &^= f.mask() << f.Shift
	d |= (v & f.mask()) << f.Shift
	PutDword(b, f.Dword, d)
}

// Fill overwrites a whole dword with the given field values. Bits not
// covered by any of the fields are cleared. All fields must lie in the same
// dword.
func Fill(b []byte, vals ...FieldValue) {
	if len(vals) == 0 {
		return
	}
	dw := vals[0].Field.Dword
	var d uint32
	for _, fv := range vals {
		if fv.Field.Dword != dw {
			panic(fmt.Sprintf("prm.Fill: field %v not in dword %d", fv.Field, dw))
		}
		d |= (fv.Value & fv.Field.mask()) << fv.Field.Shift
	}
	PutDword(b, dw, d)
}

// Addr splits a bus address into its high and low dwords.
func Addr(addr uint64) (hi, lo uint32) {
	return uint32(addr >> 32), uint32(addr)
}

// Fls returns the position of the most significant set bit of v, counting
// from 1, or 0 if v is 0.
func Fls(v uint32) uint32 {
	return uint32(bits.Len32(v))
}
