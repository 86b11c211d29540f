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

package cmd

import (
	"ibboot.dev/ibboot/pkg/log"
	"ibboot.dev/ibboot/pkg/tcpip"
	"ibboot.dev/ibboot/pkg/tcpip/header"
	"ibboot.dev/ibboot/pkg/tcpip/link/channel"
	"ibboot.dev/ibboot/pkg/tcpip/transport/tcp"
)

const (
	// peerISN is the echo peer's initial sequence number.
	peerISN = 0x20000

	// peerWindow is the window the echo peer always advertises.
	peerWindow = 0xffff
)

// echoPeer is a scripted TCP server on the far side of a channel link. It
// accepts one connection, echoes the first expect bytes it receives and
// then closes its side.
type echoPeer struct {
	link   *channel.Endpoint
	expect int

	// drop is the number of data segments still to be discarded
	// unacknowledged, forcing retransmissions.
	drop int

	sndNxt   uint32
	rcvNxt   uint32
	echoed   int
	finSent  bool
	finRcvd  bool
	reset    bool
	ts       bool
	tsRecent uint32
	tsVal    uint32
}

func newEchoPeer(link *channel.Endpoint, expect, drop int) *echoPeer {
	return &echoPeer{
		link:   link,
		expect: expect,
		drop:   drop,
		tsVal:  1,
	}
}

// poll answers every segment the stack has transmitted since the last
// call.
func (p *echoPeer) poll() {
	for {
		pkt, ok := p.link.Read()
		if !ok {
			return
		}
		p.handle(pkt)
	}
}

func (p *echoPeer) handle(pkt channel.PacketInfo) {
	h := pkt.TCP()
	flags := h.Flags()
	opts := h.ParsedOptions()
	if opts.TS {
		p.tsRecent = opts.TSVal
	}

	switch {
	case flags.Contains(header.TCPFlagRst):
		log.Debugf("echo peer: reset by %v", pkt.Src)
		p.reset = true
		return
	case flags.Contains(header.TCPFlagSyn):
		p.ts = opts.TS
		p.rcvNxt = h.SequenceNumber() + 1
		p.sndNxt = peerISN
		var mss [4]byte
		header.EncodeMSSOption(tcp.MSS, mss[:])
		p.reply(pkt, header.TCPFlagSyn|header.TCPFlagAck, mss[:], nil)
		p.sndNxt++
		return
	}

	seq := h.SequenceNumber()
	payload := h.Payload()
	if len(payload) > 0 {
		if p.drop > 0 {
			p.drop--
			log.Debugf("echo peer: dropping %d bytes at %#08x", len(payload), seq)
			return
		}
		if seq != p.rcvNxt {
			// Duplicate or out of order; restate what we have.
			p.reply(pkt, header.TCPFlagAck, nil, nil)
			return
		}
		p.rcvNxt += uint32(len(payload))
		p.reply(pkt, header.TCPFlagAck|header.TCPFlagPsh, nil, payload)
		p.sndNxt += uint32(len(payload))
		p.echoed += len(payload)
		if p.echoed >= p.expect && !p.finSent {
			p.reply(pkt, header.TCPFlagFin|header.TCPFlagAck, nil, nil)
			p.sndNxt++
			p.finSent = true
		}
	}
	if flags.Contains(header.TCPFlagFin) && seq+uint32(len(payload)) == p.rcvNxt {
		p.rcvNxt++
		p.finRcvd = true
		p.reply(pkt, header.TCPFlagAck, nil, nil)
	}
}

// reply sends a segment back along pkt's path.
func (p *echoPeer) reply(pkt channel.PacketInfo, flags header.TCPFlags, opts, payload []byte) {
	in := pkt.TCP()
	if p.ts {
		var ts [12]byte
		header.EncodeNOP(ts[:])
		header.EncodeNOP(ts[1:])
		header.EncodeTSOption(p.tsVal, p.tsRecent, ts[2:])
		p.tsVal++
		opts = append(opts, ts[:]...)
	}
	b := make([]byte, header.TCPMinimumSize+len(opts)+len(payload))
	seg := header.TCP(b)
	seg.Encode(&header.TCPFields{
		SrcPort:    in.DestinationPort(),
		DstPort:    in.SourcePort(),
		SeqNum:     p.sndNxt,
		AckNum:     p.rcvNxt,
		DataOffset: uint8(header.TCPMinimumSize + len(opts)),
		Flags:      flags,
		WindowSize: peerWindow,
	})
	copy(b[header.TCPMinimumSize:], opts)
	copy(b[header.TCPMinimumSize+len(opts):], payload)

	src := tcpip.FullAddress{Addr: pkt.Dst.Addr, Port: in.DestinationPort()}
	dst := tcpip.FullAddress{Addr: pkt.Src.Addr, Port: in.SourcePort()}
	sum := header.PseudoHeaderChecksum(tcp.ProtocolNumber, src.Addr, dst.Addr, uint16(len(b)))
	seg.SetChecksum(seg.CalculateChecksum(sum))
	if err := p.link.InjectInbound(src, dst, b); err != nil {
		log.Debugf("echo peer: %v rejected %v: %v", dst, flags, err)
	}
}
