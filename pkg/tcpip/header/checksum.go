// Copyright 2018 Google LLC
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

// Package header provides the implementation of the encoding and decoding of
// network protocol headers.
package header

import (
	"encoding/binary"
	"net/netip"

	"ibboot.dev/ibboot/pkg/tcpip"
)

// fold reduces a 64-bit one's complement accumulator to 16 bits.
func fold(v uint64) uint16 {
	for v>>16 != 0 {
		v = (v & 0xffff) + v>>16
	}
	return uint16(v)
}

// Checksum calculates the one's complement sum (as defined in RFC 1071) of
// buf, continuing from initial. The result is not complemented.
//
// The initial checksum must have been computed on an even number of bytes.
func Checksum(buf []byte, initial uint16) uint16 {
	v := uint64(initial)
	for len(buf) >= 8 {
		w := binary.BigEndian.Uint64(buf)
		v += w>>48 + (w>>32)&0xffff + (w>>16)&0xffff + w&0xffff
		buf = buf[8:]
	}
	for len(buf) >= 2 {
		v += uint64(binary.BigEndian.Uint16(buf))
		buf = buf[2:]
	}
	if len(buf) == 1 {
		v += uint64(buf[0]) << 8
	}
	return fold(v)
}

// ChecksumCombine combines two partial sums.
//
// Note that checksum a must have been computed on an even number of bytes.
func ChecksumCombine(a, b uint16) uint16 {
	return fold(uint64(a) + uint64(b))
}

// PseudoHeaderChecksum calculates the pseudo-header sum a transport protocol
// seeds its checksum with: both addresses, the protocol number and the
// transport length.
func PseudoHeaderChecksum(protocol tcpip.TransportProtocolNumber, srcAddr, dstAddr netip.Addr, totalLen uint16) uint16 {
	xsum := Checksum(srcAddr.AsSlice(), 0)
	xsum = Checksum(dstAddr.AsSlice(), xsum)
	var tail [4]byte
	tail[1] = uint8(protocol)
	binary.BigEndian.PutUint16(tail[2:], totalLen)
	return Checksum(tail[:], xsum)
}
