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
	"ibboot.dev/ibboot/pkg/tcpip/header"
	"ibboot.dev/ibboot/pkg/tcpip/seqnum"
)

// handleSegment processes a validated segment addressed to e. opts are the
// segment's parsed options.
func (e *Endpoint) handleSegment(h header.TCP, opts header.TCPOptions) error {
	seq := seqnum.Value(h.SequenceNumber())
	flags := h.Flags()
	oldWindow := e.Window()

	if flags.Contains(header.TCPFlagAck) {
		if err := e.rxAck(seqnum.Value(h.AckNumber()), seqnum.Size(h.WindowSize())); err != nil {
			e.stack.xmitReset(e.local, e.remote, h)
			return err
		}
	}

	// Out of order segments are acknowledged straight away.
	if e.state.synReceived() && seq != e.rcvAck {
		e.flags |= flagACKPending
	}

	if flags.Contains(header.TCPFlagSyn) {
		e.rxSyn(seq, opts)
		seq++
	}

	if flags.Contains(header.TCPFlagRst) {
		if err := e.rxRst(seq); err != nil {
			return err
		}
	}

	e.rxEnqueue(seq, flags, h.Payload())
	e.processRxQueue()
	e.xmit()

	// Nothing more is expected once FINs have crossed; linger for any
	// retransmitted FIN and then go away.
	if e.state.closedGracefully() {
		e.wait.disable()
		e.wait.enable(2 * e.stack.opts.MSL)
	}

	if e.flags&flagXferClosed == 0 && e.Window() != oldWindow {
		e.app.WindowChanged()
	}
	return nil
}

// rxAck handles an acknowledgement of sequence space up to ack, with the
// peer's window win.
func (e *Endpoint) rxAck(ack seqnum.Value, win seqnum.Size) error {
	ackLen := e.sndSeq.Size(ack)

	if ackLen > e.sndSent {
		log.Debugf("TCP %s received ACK for %#08x..%#08x, sent only %#08x..%#08x", e,
			uint32(e.sndSeq), uint32(ack), uint32(e.sndSeq), uint32(e.sndSeq.Add(e.sndSent)))
		if e.state.hasBeenEstablished() {
			// Probably an old duplicate.
			return nil
		}
		return linuxerr.EINVAL
	}

	// A duplicate ACK leaves the retransmission timer running, so data
	// still queued is not sent twice.
	if ackLen == 0 {
		return nil
	}

	e.retransmit.stop()

	n := ackLen
	ackedFlags := e.state.flagsSending() & (header.TCPFlagSyn | header.TCPFlagFin)
	if ackedFlags != 0 {
		n--
	}

	e.sndSeq = ack
	e.sndSent = 0
	e.sndWin = win

	e.processTxQueue(int(n), nil, true)

	e.setState(e.state | acked(EndpointState(ackedFlags)))

	if len(e.sndQueue) == 0 && e.flags&flagXferClosed != 0 {
		e.setState(e.state | sent(flagFin))
	}
	return nil
}

// rxSyn handles a SYN at seq.
func (e *Endpoint) rxSyn(seq seqnum.Value, opts header.TCPOptions) {
	if !e.state.synReceived() {
		e.rcvAck = seq
		if opts.TS {
			e.flags |= flagTSEnabled
		}
	}

	if seq != e.rcvAck {
		// Duplicate.
		return
	}

	e.rxSeq(1)
	e.setState(e.state | sent(flagAck) | rcvd(flagSyn))
}

// rxSeq consumes n bytes of received sequence space.
func (e *Endpoint) rxSeq(n seqnum.Size) {
	e.rcvAck = e.rcvAck.Add(n)
	if e.rcvWin > n {
		e.rcvWin -= n
	} else {
		e.rcvWin = 0
	}
	e.tsRecent = e.tsVal
	e.flags |= flagACKPending
}

// rxData delivers data starting at seq, which must not be beyond rcvAck.
// Bytes that have already been delivered are dropped.
func (e *Endpoint) rxData(seq seqnum.Value, data []byte) {
	already := int(seq.Size(e.rcvAck))
	if already >= len(data) {
		return
	}
	data = data[already:]
	e.rxSeq(seqnum.Size(len(data)))

	if e.flags&flagXferClosed != 0 {
		return
	}
	if err := e.app.Deliver(data); err != nil {
		log.Debugf("TCP %s could not deliver %d bytes: %v", e, len(data), err)
	}
}

// rxFin handles a FIN at seq.
func (e *Endpoint) rxFin(seq seqnum.Value) {
	if seq != e.rcvAck {
		return
	}
	e.rxSeq(1)
	e.setState(e.state | rcvd(flagFin))
	e.close(nil)
}

// rxRst handles a RST at seq. It returns ECONNRESET if the connection was
// aborted.
func (e *Endpoint) rxRst(seq seqnum.Value) error {
	if e.state.synReceived() {
		if !seq.InWindow(e.rcvAck, e.rcvWin) {
			log.Debugf("TCP %s ignoring RST %#08x outside window %#08x..%#08x", e,
				uint32(seq), uint32(e.rcvAck), uint32(e.rcvAck.Add(e.rcvWin)))
			return nil
		}
	} else if !e.state.synAcked() {
		// Without a window to check against, only a RST that follows an
		// acknowledgement of our SYN is believed.
		return nil
	}

	e.setState(StateClosed)
	e.close(linuxerr.ECONNRESET)
	log.Debugf("TCP %s connection reset by peer", e)
	return linuxerr.ECONNRESET
}

// rxEnqueue adds the sequence space a segment carries to the reassembly
// queue. Segments with nothing to contribute are dropped.
func (e *Endpoint) rxEnqueue(seq seqnum.Value, flags header.TCPFlags, data []byte) {
	flags &= header.TCPFlagFin
	seqLen := seqnum.Size(len(data))
	if flags != 0 {
		seqLen++
	}

	if !e.state.synReceived() ||
		seq.Compare(e.rcvAck.Add(e.rcvWin)) >= 0 ||
		seq.Add(seqLen).Compare(e.rcvAck) < 0 ||
		seqLen == 0 {
		return
	}

	e.rcvQueue.insert(&segment{
		sequenceNumber: seq,
		flags:          flags,
		data:           append([]byte(nil), data...),
	})
}

// processRxQueue consumes queued segments until the first gap.
func (e *Endpoint) processRxQueue() {
	for !e.rcvQueue.empty() {
		s := e.rcvQueue.front()
		if s.sequenceNumber.Compare(e.rcvAck) > 0 {
			break
		}
		e.rcvQueue.remove(s)

		seq := s.sequenceNumber
		e.rxData(seq, s.data)
		seq = seq.Add(seqnum.Size(len(s.data)))
		if s.flags.Contains(header.TCPFlagFin) {
			e.rxFin(seq)
		}
	}
}
