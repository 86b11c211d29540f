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

	"ibboot.dev/ibboot/pkg/tcpip/header"
)

// EndpointState is the connection state. Rather than an enumeration it is a
// record of which of SYN, ACK and FIN have been sent, acknowledged by the
// peer, and received from the peer. The named states below are the
// combinations that occur in practice.
type EndpointState uint32

const (
	flagSyn = EndpointState(header.TCPFlagSyn)
	flagAck = EndpointState(header.TCPFlagAck)
	flagFin = EndpointState(header.TCPFlagFin)
	flagRst = EndpointState(header.TCPFlagRst)

	ackedShift = 8
	rcvdShift  = 16
)

func sent(f EndpointState) EndpointState  { return f }
func acked(f EndpointState) EndpointState { return f << ackedShift }
func rcvd(f EndpointState) EndpointState  { return f << rcvdShift }

// Named connection states.
const (
	// StateClosed is a connection that has been torn down. It marks RST as
	// sent so that no flags combination can be mistaken for a live state.
	StateClosed EndpointState = flagRst

	// StateListen is never entered; there is no passive open.
	StateListen EndpointState = 0

	StateSynSent     EndpointState = flagSyn
	StateSynRcvd     EndpointState = (flagSyn | flagAck) | flagSyn<<rcvdShift
	StateEstablished EndpointState = (flagSyn | flagAck) | flagSyn<<ackedShift | flagSyn<<rcvdShift
	StateFinWait1    EndpointState = (flagSyn | flagAck | flagFin) | flagSyn<<ackedShift | flagSyn<<rcvdShift
	StateFinWait2    EndpointState = (flagSyn | flagAck | flagFin) | (flagSyn|flagFin)<<ackedShift | flagSyn<<rcvdShift

	// StateClosingOrLastAck covers both simultaneous close and the passive
	// close after our FIN went out; the two are not distinguished.
	StateClosingOrLastAck EndpointState = (flagSyn | flagAck | flagFin) | flagSyn<<ackedShift | (flagSyn|flagFin)<<rcvdShift

	StateTimeWait  EndpointState = (flagSyn | flagAck | flagFin) | (flagSyn|flagFin)<<ackedShift | (flagSyn|flagFin)<<rcvdShift
	StateCloseWait EndpointState = (flagSyn | flagAck) | flagSyn<<ackedShift | (flagSyn|flagFin)<<rcvdShift
)

// String implements fmt.Stringer.
func (s EndpointState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRcvd:
		return "SYN_RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateClosingOrLastAck:
		return "CLOSING/LAST_ACK"
	case StateTimeWait:
		return "TIME_WAIT"
	case StateCloseWait:
		return "CLOSE_WAIT"
	default:
		return fmt.Sprintf("INVALID(%#06x)", uint32(s))
	}
}

// flagsSending returns the flags that have been sent but not yet
// acknowledged. ACK is never acknowledged, so once set it goes out on every
// segment.
func (s EndpointState) flagsSending() header.TCPFlags {
	return header.TCPFlags((s &^ (s >> ackedShift)) & 0xff)
}

// canSendData reports whether our SYN has been acknowledged and our FIN has
// not been sent.
func (s EndpointState) canSendData() bool {
	return s&(acked(flagSyn)|sent(flagFin)) == acked(flagSyn)
}

// hasBeenEstablished reports whether SYNs have been exchanged in both
// directions.
func (s EndpointState) hasBeenEstablished() bool {
	m := acked(flagSyn) | rcvd(flagSyn)
	return s&m == m
}

// closedGracefully reports whether FINs have been exchanged in both
// directions.
func (s EndpointState) closedGracefully() bool {
	m := acked(flagFin) | rcvd(flagFin)
	return s&m == m
}

func (s EndpointState) synReceived() bool { return s&rcvd(flagSyn) != 0 }
func (s EndpointState) synAcked() bool    { return s&acked(flagSyn) != 0 }
