// Copyright 2018 The gVisor Authors.
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

package tcp

import (
	"ibboot.dev/ibboot/pkg/errors/linuxerr"
	"ibboot.dev/ibboot/pkg/log"
	"ibboot.dev/ibboot/pkg/tcpip/buffer"
	"ibboot.dev/ibboot/pkg/tcpip/header"
	"ibboot.dev/ibboot/pkg/tcpip/seqnum"
)

// tsOptionSize is the timestamp option preceded by two NOPs.
const tsOptionSize = 2 + header.TCPOptionTSLength

// xmitWindow returns the most payload a single segment may carry.
func (e *Endpoint) xmitWindow() int {
	if !e.state.canSendData() {
		return 0
	}
	return min(int(e.sndWin), PathMTU)
}

// processTxQueue walks at most maxLen bytes of the send queue, copying them
// into dest if it is non-nil and removing them if remove is set. It returns
// the number of bytes walked.
func (e *Endpoint) processTxQueue(maxLen int, dest []byte, remove bool) int {
	n, i := 0, 0
	for i < len(e.sndQueue) && n < maxLen {
		b := e.sndQueue[i]
		frag := min(len(b), maxLen-n)
		if dest != nil {
			copy(dest[n:], b[:frag])
		}
		n += frag
		if frag < len(b) {
			if remove {
				e.sndQueue[i] = b[frag:]
			}
			break
		}
		i++
	}
	if remove {
		e.sndQueue = e.sndQueue[i:]
	}
	return n
}

// rcvWindow returns the receive window to advertise. It never shrinks.
func (e *Endpoint) rcvWindow(free int) seqnum.Size {
	maxWin := min(free*3/4, MaxWindow)
	appWin := MaxWindow
	if e.flags&flagXferClosed == 0 {
		appWin = e.app.Window()
	}
	maxWin = min(maxWin, appWin)
	maxWin &^= 3
	if maxWin > int(e.rcvWin) {
		return seqnum.Size(maxWin)
	}
	return e.rcvWin
}

// xmit sends whatever is outstanding: the next chunk of queued data, a SYN
// or FIN that has not been acknowledged, or a bare ACK. It does nothing while
// the retransmission timer runs, so at most one segment is unacknowledged.
//
// Errors are reported but the retransmission timer has already been armed
// when needed, so a failed attempt is retried.
func (e *Endpoint) xmit() error {
	if e.removed {
		return nil
	}
	if e.retransmit.enabled() {
		return nil
	}

	length := 0
	if e.state.canSendData() {
		length = e.processTxQueue(e.xmitWindow(), nil, false)
	}
	seqLen := seqnum.Size(length)
	flags := e.state.flagsSending()
	if flags.Intersects(header.TCPFlagSyn | header.TCPFlagFin) {
		// SYN or FIN consume one byte, and we can never send both.
		seqLen++
	}
	e.sndSent = seqLen

	if seqLen == 0 && e.flags&flagACKPending == 0 {
		return nil
	}

	// Arm the timer before building the segment so that a failure below
	// is retried.
	if seqLen != 0 {
		e.retransmit.start()
	}

	free := e.stack.opts.FreeMemory()
	size := header.TCPMinimumSize + header.TCPOptionMSSLength + tsOptionSize + length
	if free < size {
		log.Debugf("TCP %s could not allocate %d bytes for %#08x..%#08x %#08x", e, size,
			uint32(e.sndSeq), uint32(e.sndSeq.Add(seqLen)), uint32(e.rcvAck))
		return linuxerr.ENOMEM
	}
	pkt := buffer.NewPrependable(size)
	e.processTxQueue(length, pkt.Prepend(length), false)

	e.rcvWin = e.rcvWindow(free)

	// Options are prepended, so the MSS option ends up last on the wire.
	if flags.Contains(header.TCPFlagSyn) {
		header.EncodeMSSOption(MSS, pkt.Prepend(header.TCPOptionMSSLength))
	}
	if flags.Contains(header.TCPFlagSyn) || e.flags&flagTSEnabled != 0 {
		b := pkt.Prepend(tsOptionSize)
		n := header.EncodeNOP(b)
		n += header.EncodeNOP(b[n:])
		header.EncodeTSOption(e.stack.opts.Clock.NowMonotonic().Milliseconds(), e.tsRecent, b[n:])
	}
	if length != 0 {
		flags |= header.TCPFlagPsh
	}
	hdrLen := pkt.UsedLength() - length + header.TCPMinimumSize
	h := header.TCP(pkt.Prepend(header.TCPMinimumSize))
	h.Encode(&header.TCPFields{
		SrcPort:    e.local.Port,
		DstPort:    e.remote.Port,
		SeqNum:     uint32(e.sndSeq),
		AckNum:     uint32(e.rcvAck),
		DataOffset: uint8(hdrLen),
		Flags:      flags,
		WindowSize: uint16(e.rcvWin),
	})
	seg := header.TCP(pkt.UsedBytes())
	sum := header.PseudoHeaderChecksum(ProtocolNumber, e.local.Addr, e.remote.Addr, uint16(len(seg)))
	seg.SetChecksum(seg.CalculateChecksum(sum))

	if log.IsLogging(log.Debug) {
		log.Debugf("TCP %s TX %s", e, seg)
	}
	if err := e.stack.opts.Network.WritePacket(e.local, e.remote, seg); err != nil {
		log.Debugf("TCP %s could not transmit %#08x..%#08x %#08x: %v", e,
			uint32(e.sndSeq), uint32(e.sndSeq.Add(e.sndSent)), uint32(e.rcvAck), err)
		return err
	}
	segmentsMetric.Increment("sent")

	e.flags &^= flagACKPending
	return nil
}
