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

// Package tcpip provides the types shared by the transport implementation
// and the code that drives it: socket addresses and the clock abstraction
// used for retransmission and quiet-time timers.
//
// Nothing in this tree spawns goroutines to run timers. A Clock hands out
// Timers whose callbacks are invoked from whatever loop owns the clock, so
// a stack together with its clock forms a single cooperative thread of
// control.
package tcpip

import (
	"fmt"
	"net/netip"
	"time"
)

// Clock provides the current time and schedules work for execution.
//
// Clock implementations must be safe for concurrent use.
type Clock interface {
	// NowNanoseconds returns the current real time as a number of
	// nanoseconds since the Unix epoch.
	NowNanoseconds() int64

	// NowMonotonic returns the current monotonic clock reading.
	NowMonotonic() MonotonicTime

	// AfterFunc waits for the duration to elapse according to this Clock
	// and then calls f. It returns a Timer that can be used to cancel the
	// call.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer represents a single event. A Timer is created by Clock.AfterFunc.
type Timer interface {
	// Stop prevents the Timer from firing. It returns true if the call
	// stops the timer, false if the timer has already expired or been
	// stopped.
	Stop() bool

	// Reset changes the timer to expire after duration d. It behaves the
	// same whether or not the timer is currently pending.
	Reset(d time.Duration)
}

// MonotonicTime is a monotonic clock reading.
type MonotonicTime struct {
	nanoseconds int64
}

// MonotonicTimeFromNanoseconds returns a MonotonicTime for the given reading.
func MonotonicTimeFromNanoseconds(ns int64) MonotonicTime {
	return MonotonicTime{nanoseconds: ns}
}

// String implements fmt.Stringer.
func (mt MonotonicTime) String() string {
	return fmt.Sprintf("%dns", mt.nanoseconds)
}

// Before reports whether the monotonic clock reading mt is before u.
func (mt MonotonicTime) Before(u MonotonicTime) bool {
	return mt.nanoseconds < u.nanoseconds
}

// After reports whether the monotonic clock reading mt is after u.
func (mt MonotonicTime) After(u MonotonicTime) bool {
	return mt.nanoseconds > u.nanoseconds
}

// Add returns the monotonic clock reading mt+d.
func (mt MonotonicTime) Add(d time.Duration) MonotonicTime {
	return MonotonicTime{nanoseconds: mt.nanoseconds + int64(d)}
}

// Sub returns the duration mt-u.
func (mt MonotonicTime) Sub(u MonotonicTime) time.Duration {
	return time.Duration(mt.nanoseconds - u.nanoseconds)
}

// Milliseconds returns the reading in whole milliseconds, truncated to 32
// bits. This is the tick carried in the TCP timestamp option.
func (mt MonotonicTime) Milliseconds() uint32 {
	return uint32(mt.nanoseconds / int64(time.Millisecond))
}

// FullAddress represents a full transport node address.
type FullAddress struct {
	// Addr is the network address. IPv4 only in practice; the zero value
	// means "unspecified".
	Addr netip.Addr

	// Port is the transport port.
	Port uint16
}

// String implements fmt.Stringer.
func (a FullAddress) String() string {
	if !a.Addr.IsValid() {
		return fmt.Sprintf(":%d", a.Port)
	}
	return netip.AddrPortFrom(a.Addr, a.Port).String()
}

// ParseFullAddress parses "host:port".
func ParseFullAddress(s string) (FullAddress, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return FullAddress{}, err
	}
	return FullAddress{Addr: ap.Addr(), Port: ap.Port()}, nil
}

// TransportProtocolNumber is the number of a transport protocol.
type TransportProtocolNumber uint32
