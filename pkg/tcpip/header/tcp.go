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

package header

import (
	"encoding/binary"
	"fmt"
	"strings"

	"ibboot.dev/ibboot/pkg/tcpip"
)

// TCPFlags is the dedicated type for TCP flags.
type TCPFlags uint8

// Intersects returns true iff there are flags common to both f and o.
func (f TCPFlags) Intersects(o TCPFlags) bool {
	return f&o != 0
}

// Contains returns true iff all the flags in o are contained within f.
func (f TCPFlags) Contains(o TCPFlags) bool {
	return f&o == o
}

// String implements fmt.Stringer.String.
func (f TCPFlags) String() string {
	names := []struct {
		flag TCPFlags
		name string
	}{
		{TCPFlagSyn, "SYN"},
		{TCPFlagFin, "FIN"},
		{TCPFlagRst, "RST"},
		{TCPFlagPsh, "PSH"},
		{TCPFlagAck, "ACK"},
		{TCPFlagUrg, "URG"},
	}
	var parts []string
	for _, n := range names {
		if f.Contains(n.flag) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Flags that may be set in a TCP segment.
const (
	TCPFlagFin TCPFlags = 1 << iota
	TCPFlagSyn
	TCPFlagRst
	TCPFlagPsh
	TCPFlagAck
	TCPFlagUrg
)

// Options that may be present in a TCP segment.
const (
	TCPOptionEOL = 0
	TCPOptionNOP = 1
	TCPOptionMSS = 2
	TCPOptionTS  = 8
)

// Option Lengths.
const (
	TCPOptionMSSLength = 4
	TCPOptionTSLength  = 10
)

// TCPFields contains the fields of a TCP packet. It is used to describe the
// fields of a packet that needs to be encoded.
type TCPFields struct {
	// SrcPort is the "source port" field of a TCP packet.
	SrcPort uint16

	// DstPort is the "destination port" field of a TCP packet.
	DstPort uint16

	// SeqNum is the "sequence number" field of a TCP packet.
	SeqNum uint32

	// AckNum is the "acknowledgement number" field of a TCP packet.
	AckNum uint32

	// DataOffset is the "data offset" field of a TCP packet. It is the length
	// of the TCP header in bytes.
	DataOffset uint8

	// Flags is the "flags" field of a TCP packet.
	Flags TCPFlags

	// WindowSize is the "window size" field of a TCP packet.
	WindowSize uint16

	// Checksum is the "checksum" field of a TCP packet.
	Checksum uint16

	// UrgentPointer is the "urgent pointer" field of a TCP packet.
	UrgentPointer uint16
}

// TCPOptions are used to parse and cache the TCP segment options for a non
// syn/syn-ack segment.
type TCPOptions struct {
	// MSS is the peer's advertised maximum segment size, valid if HasMSS.
	MSS    uint16
	HasMSS bool

	// TS is true if the TimeStamp option is enabled.
	TS bool

	// TSVal is the value in the TSVal field of the segment.
	TSVal uint32

	// TSEcr is the value in the TSEcr field of the segment.
	TSEcr uint32

	// Unknown lists the kinds of options that were skipped.
	Unknown []uint8

	// Truncated is set when parsing stopped at an option whose length
	// was invalid or ran past the end of the option space.
	Truncated bool
}

const (
	srcPort     = 0
	dstPort     = 2
	seqNum      = 4
	ackNum      = 8
	dataOffset  = 12
	tcpFlags    = 13
	winSize     = 14
	tcpChecksum = 16
	urgentPtr   = 18
)

const (
	// TCPMinimumSize is the minimum size of a valid TCP packet.
	TCPMinimumSize = 20

	// TCPOptionsMaximumSize is the maximum size of TCP options.
	TCPOptionsMaximumSize = 40

	// TCPHeaderMaximumSize is the maximum header size of a TCP packet.
	TCPHeaderMaximumSize = TCPMinimumSize + TCPOptionsMaximumSize

	// TCPProtocolNumber is TCP's transport protocol number.
	TCPProtocolNumber tcpip.TransportProtocolNumber = 6
)

// TCP represents a TCP header stored in a byte array.
type TCP []byte

// SourcePort returns the "source port" field of the TCP header.
func (b TCP) SourcePort() uint16 {
	return binary.BigEndian.Uint16(b[srcPort:])
}

// DestinationPort returns the "destination port" field of the TCP header.
func (b TCP) DestinationPort() uint16 {
	return binary.BigEndian.Uint16(b[dstPort:])
}

// SequenceNumber returns the "sequence number" field of the TCP header.
func (b TCP) SequenceNumber() uint32 {
	return binary.BigEndian.Uint32(b[seqNum:])
}

// AckNumber returns the "ack number" field of the TCP header.
func (b TCP) AckNumber() uint32 {
	return binary.BigEndian.Uint32(b[ackNum:])
}

// DataOffset returns the "data offset" field of the TCP header. The return
// value is the length of the TCP header in bytes.
func (b TCP) DataOffset() uint8 {
	return (b[dataOffset] >> 4) * 4
}

// Payload returns the data in the TCP packet.
func (b TCP) Payload() []byte {
	return b[b.DataOffset():]
}

// Flags returns the flags field of the TCP header.
func (b TCP) Flags() TCPFlags {
	return TCPFlags(b[tcpFlags])
}

// WindowSize returns the "window size" field of the TCP header.
func (b TCP) WindowSize() uint16 {
	return binary.BigEndian.Uint16(b[winSize:])
}

// Checksum returns the "checksum" field of the TCP header.
func (b TCP) Checksum() uint16 {
	return binary.BigEndian.Uint16(b[tcpChecksum:])
}

// UrgentPointer returns the "urgent pointer" field of the TCP header.
func (b TCP) UrgentPointer() uint16 {
	return binary.BigEndian.Uint16(b[urgentPtr:])
}

// SetSourcePort sets the "source port" field of the TCP header.
func (b TCP) SetSourcePort(port uint16) {
	binary.BigEndian.PutUint16(b[srcPort:], port)
}

// SetDestinationPort sets the "destination port" field of the TCP header.
func (b TCP) SetDestinationPort(port uint16) {
	binary.BigEndian.PutUint16(b[dstPort:], port)
}

// SetChecksum sets the checksum field of the TCP header.
func (b TCP) SetChecksum(xsum uint16) {
	binary.BigEndian.PutUint16(b[tcpChecksum:], xsum)
}

// Options returns a slice that holds the unparsed TCP options in the segment.
func (b TCP) Options() []byte {
	return b[TCPMinimumSize:b.DataOffset()]
}

// ParsedOptions returns a TCPOptions structure which parses the options in
// the segment.
func (b TCP) ParsedOptions() TCPOptions {
	return ParseTCPOptions(b.Options())
}

// IsChecksumValid reports whether the segment, seeded with the pseudo-header
// sum, leaves a zero residual.
func (b TCP) IsChecksumValid(pseudoHeaderSum uint16) bool {
	return Checksum(b, pseudoHeaderSum) == 0xffff
}

// CalculateChecksum calculates the checksum of the whole segment, which must
// have a zero checksum field, seeded with the pseudo-header sum. The result
// is ready to be stored with SetChecksum.
func (b TCP) CalculateChecksum(pseudoHeaderSum uint16) uint16 {
	return ^Checksum(b, pseudoHeaderSum)
}

// Encode encodes all the fields of the TCP header.
func (b TCP) Encode(t *TCPFields) {
	binary.BigEndian.PutUint16(b[srcPort:], t.SrcPort)
	binary.BigEndian.PutUint16(b[dstPort:], t.DstPort)
	binary.BigEndian.PutUint32(b[seqNum:], t.SeqNum)
	binary.BigEndian.PutUint32(b[ackNum:], t.AckNum)
	b[dataOffset] = (t.DataOffset / 4) << 4
	b[tcpFlags] = uint8(t.Flags)
	binary.BigEndian.PutUint16(b[winSize:], t.WindowSize)
	binary.BigEndian.PutUint16(b[tcpChecksum:], t.Checksum)
	binary.BigEndian.PutUint16(b[urgentPtr:], t.UrgentPointer)
}

// String implements fmt.Stringer for segment dumps.
func (b TCP) String() string {
	if len(b) < TCPMinimumSize {
		return fmt.Sprintf("TCP <truncated %d bytes>", len(b))
	}
	return fmt.Sprintf("TCP %d->%d seq %#08x ack %#08x hlen %d flags %s win %d len %d",
		b.SourcePort(), b.DestinationPort(), b.SequenceNumber(), b.AckNumber(),
		b.DataOffset(), b.Flags(), b.WindowSize(), len(b)-int(b.DataOffset()))
}

// ParseTCPOptions extracts and stores all known options in the provided byte
// slice in a TCPOptions structure.
//
// END stops parsing and NOP occupies a single byte. Every other option is
// skipped by its declared length; only MSS and timestamps are interpreted.
func ParseTCPOptions(b []byte) TCPOptions {
	opts := TCPOptions{}
	limit := len(b)
	for i := 0; i < limit; {
		switch b[i] {
		case TCPOptionEOL:
			return opts
		case TCPOptionNOP:
			i++
			continue
		}
		if i+1 >= limit {
			opts.Truncated = true
			return opts
		}
		l := int(b[i+1])
		if l < 2 || i+l > limit {
			opts.Truncated = true
			return opts
		}
		switch b[i] {
		case TCPOptionMSS:
			if l == TCPOptionMSSLength {
				opts.MSS = binary.BigEndian.Uint16(b[i+2:])
				opts.HasMSS = true
			}
		case TCPOptionTS:
			if l == TCPOptionTSLength {
				opts.TS = true
				opts.TSVal = binary.BigEndian.Uint32(b[i+2:])
				opts.TSEcr = binary.BigEndian.Uint32(b[i+6:])
			}
		default:
			opts.Unknown = append(opts.Unknown, b[i])
		}
		i += l
	}
	return opts
}

// EncodeMSSOption encodes the MSS TCP option with the provided MSS values in
// the supplied buffer. If the provided buffer is not large enough then it just
// returns without encoding anything. It returns the number of bytes written to
// the provided buffer.
func EncodeMSSOption(mss uint32, b []byte) int {
	if len(b) < TCPOptionMSSLength {
		return 0
	}
	b[0], b[1], b[2], b[3] = TCPOptionMSS, TCPOptionMSSLength, byte(mss>>8), byte(mss)
	return TCPOptionMSSLength
}

// EncodeTSOption encodes the provided tsVal and tsEcr values as a TCP timestamp
// option into the provided buffer. If the buffer is smaller than expected it
// just returns without encoding anything. It returns the number of bytes
// written to the provided buffer.
func EncodeTSOption(tsVal, tsEcr uint32, b []byte) int {
	if len(b) < TCPOptionTSLength {
		return 0
	}
	b[0], b[1] = TCPOptionTS, TCPOptionTSLength
	binary.BigEndian.PutUint32(b[2:], tsVal)
	binary.BigEndian.PutUint32(b[6:], tsEcr)
	return TCPOptionTSLength
}

// EncodeNOP adds an explicit NOP to the option list.
func EncodeNOP(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	b[0] = TCPOptionNOP
	return 1
}
