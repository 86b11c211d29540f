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
	"fmt"

	"ibboot.dev/ibboot/pkg/errors/linuxerr"
	"ibboot.dev/ibboot/pkg/log"
	"ibboot.dev/ibboot/pkg/tcpip"
	"ibboot.dev/ibboot/pkg/tcpip/seqnum"
)

// Application is the byte-stream consumer attached to a connection.
//
// Callbacks are made from within Stack and Endpoint methods and may call
// back into the Endpoint.
type Application interface {
	// Deliver hands over in-order received payload. The slice is owned by
	// the application.
	Deliver(b []byte) error

	// Window returns how many more bytes the application is prepared to
	// receive.
	Window() int

	// WindowChanged is called when Endpoint.Window changes as a result of
	// a received segment.
	WindowChanged()

	// Closed is called once when the connection shuts the application
	// interface down. err is nil for a normal close, ECONNRESET when the
	// peer reset the connection, ETIMEDOUT when retransmission gave up and
	// ECANCELED when the Stack was closed.
	Closed(err error)
}

type connFlags uint8

const (
	// flagXferClosed is set once the application interface is shut down.
	flagXferClosed connFlags = 1 << iota

	// flagTSEnabled is set when the peer's SYN carried a timestamp.
	flagTSEnabled

	// flagACKPending is set when received sequence space has not been
	// acknowledged yet.
	flagACKPending
)

// Endpoint is one TCP connection.
type Endpoint struct {
	stack *Stack
	app   Application

	local  tcpip.FullAddress
	remote tcpip.FullAddress

	state EndpointState
	flags connFlags

	// sndSeq is the first unacknowledged sequence number. sndSent is the
	// amount of sequence space sent beyond it and sndWin the peer's
	// advertised window.
	sndSeq  seqnum.Value
	sndSent seqnum.Size
	sndWin  seqnum.Size

	// rcvAck is the next sequence number expected from the peer; rcvWin
	// is the window most recently advertised to it.
	rcvAck seqnum.Value
	rcvWin seqnum.Size

	// tsVal is the timestamp carried by the latest received segment and
	// tsRecent the one echoed back to the peer.
	tsVal    uint32
	tsRecent uint32

	// sndQueue holds data the application has written that the peer has
	// not acknowledged, oldest first.
	sndQueue [][]byte
	rcvQueue segmentQueue

	retransmit retransmitTimer
	wait       timer

	removed bool
}

func newEndpoint(s *Stack, app Application, local, remote tcpip.FullAddress, isn uint32) *Endpoint {
	e := &Endpoint{
		stack:  s,
		app:    app,
		local:  local,
		remote: remote,
		state:  StateSynSent,
		sndSeq: seqnum.Value(isn),
	}
	e.retransmit.init(s.opts.Clock, s.opts.Retransmit, e.retransmitExpired)
	e.wait.init(s.opts.Clock, e.waitExpired)
	return e
}

// String implements fmt.Stringer.
func (e *Endpoint) String() string {
	if e == nil {
		return "<none>"
	}
	return fmt.Sprintf("%v->%v", e.local, e.remote)
}

// State returns the connection state.
func (e *Endpoint) State() EndpointState {
	return e.state
}

// LocalAddress returns the bound local address.
func (e *Endpoint) LocalAddress() tcpip.FullAddress {
	return e.local
}

// RemoteAddress returns the peer's address.
func (e *Endpoint) RemoteAddress() tcpip.FullAddress {
	return e.remote
}

// setState changes the connection state, tracing the transition.
func (e *Endpoint) setState(s EndpointState) {
	if s == e.state {
		return
	}
	log.Debugf("TCP %s transitioned from %v to %v", e, e.state, s)
	e.state = s
}

// Write queues b for transmission and attempts to send it. The data is
// accepted even when Window is zero; it then waits for earlier data to be
// acknowledged.
func (e *Endpoint) Write(b []byte) error {
	if e.flags&flagXferClosed != 0 {
		return linuxerr.ENOTCONN
	}
	e.sndQueue = append(e.sndQueue, append([]byte(nil), b...))
	e.xmit()
	return nil
}

// Window returns how many bytes the application may write without waiting.
// It is zero while any written data is unacknowledged, so there is at most
// one buffer outstanding at a time.
func (e *Endpoint) Window() int {
	if len(e.sndQueue) != 0 {
		return 0
	}
	return e.xmitWindow()
}

// Close closes the application side of the connection and sends a FIN as
// soon as all written data has been acknowledged. The application receives
// no Closed callback for its own close.
func (e *Endpoint) Close() {
	if e.flags&flagXferClosed != 0 {
		return
	}
	e.flags |= flagXferClosed
	e.close(nil)
	e.xmit()
}

// shutdownXfer shuts the application interface down, notifying the
// application if it has not closed it itself.
func (e *Endpoint) shutdownXfer(err error) {
	if e.flags&flagXferClosed != 0 {
		return
	}
	e.flags |= flagXferClosed
	e.app.Closed(err)
}

// close closes the application interface with reason err. A connection that
// has not received a SYN is deleted outright; otherwise a FIN is scheduled
// once the send queue drains.
func (e *Endpoint) close(err error) {
	e.shutdownXfer(err)

	if !e.state.synReceived() {
		e.setState(StateClosed)
		e.rcvQueue.reset()
		e.sndQueue = nil
		e.retransmit.stop()
		e.wait.cleanup()
		if !e.removed {
			e.removed = true
			e.stack.remove(e)
		}
		return
	}

	// If our SYN has not been acknowledged, pretend it has so that a FIN
	// can follow it.
	if !e.state.synAcked() {
		e.rxAck(e.sndSeq.Add(1), 0)
	}

	if len(e.sndQueue) == 0 {
		e.setState(e.state | sent(flagFin))
	}
}

// retransmitExpired runs when the retransmission timer fires.
func (e *Endpoint) retransmitExpired(over bool) {
	what := "fired"
	if over {
		what = "expired"
	}
	log.Debugf("TCP %s timer %s in %v for %#08x..%#08x %#08x", e, what, e.state,
		uint32(e.sndSeq), uint32(e.sndSeq.Add(e.sndSent)), uint32(e.rcvAck))
	if over {
		timeoutsMetric.Increment()
		e.setState(StateClosed)
		e.close(linuxerr.ETIMEDOUT)
		return
	}
	if e.sndSent != 0 {
		retransmitsMetric.Increment()
	}
	e.xmit()
}

// waitExpired runs when TIME_WAIT ends.
func (e *Endpoint) waitExpired() {
	log.Debugf("TCP %s wait complete in %v", e, e.state)
	e.setState(StateClosed)
	e.close(nil)
}
