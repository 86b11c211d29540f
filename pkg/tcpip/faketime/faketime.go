// Copyright 2020 The gVisor Authors.
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

// Package faketime provides a fake clock that implements tcpip.Clock interface.
package faketime

import (
	"sync"
	"time"

	"ibboot.dev/ibboot/pkg/tcpip"
	"ibboot.dev/ibboot/pkg/timerqueue"
)

// NullClock implements a clock that never advances and never fires.
type NullClock struct{}

var _ tcpip.Clock = (*NullClock)(nil)

// NowNanoseconds implements tcpip.Clock.NowNanoseconds.
func (*NullClock) NowNanoseconds() int64 {
	return 0
}

// NowMonotonic implements tcpip.Clock.NowMonotonic.
func (*NullClock) NowMonotonic() tcpip.MonotonicTime {
	return tcpip.MonotonicTime{}
}

// AfterFunc implements tcpip.Clock.AfterFunc.
func (*NullClock) AfterFunc(time.Duration, func()) tcpip.Timer {
	return nullTimer{}
}

type nullTimer struct{}

func (nullTimer) Stop() bool          { return false }
func (nullTimer) Reset(time.Duration) {}

// ManualClock implements tcpip.Clock and only advances manually with Advance
// method.
type ManualClock struct {
	// mu protects now.
	mu  sync.RWMutex
	now int64

	// times holds the scheduled work, earliest first.
	times *timerqueue.Queue
}

// NewManualClock creates a new ManualClock instance.
func NewManualClock() *ManualClock {
	mc := &ManualClock{}
	mc.times = timerqueue.New(mc.nanos)
	return mc
}

var _ tcpip.Clock = (*ManualClock)(nil)

func (mc *ManualClock) nanos() int64 {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.now
}

// NowNanoseconds implements tcpip.Clock.NowNanoseconds.
func (mc *ManualClock) NowNanoseconds() int64 {
	return mc.nanos()
}

// NowMonotonic implements tcpip.Clock.NowMonotonic.
func (mc *ManualClock) NowMonotonic() tcpip.MonotonicTime {
	return tcpip.MonotonicTimeFromNanoseconds(mc.nanos())
}

// AfterFunc implements tcpip.Clock.AfterFunc.
func (mc *ManualClock) AfterFunc(d time.Duration, f func()) tcpip.Timer {
	return mc.times.AfterFunc(d, f)
}

// Pending returns the number of scheduled callbacks.
func (mc *ManualClock) Pending() int {
	return mc.times.Len()
}

// Advance executes all work that have been scheduled to execute within d from
// the current time. The clock reads each callback's deadline while that
// callback runs, and work scheduled by a callback is run too if it falls
// within the window.
func (mc *ManualClock) Advance(d time.Duration) {
	until := mc.nanos() + int64(d)
	for {
		fn, when := mc.times.PopDue(until)
		if fn == nil {
			break
		}
		mc.set(when)
		fn()
	}
	mc.set(until)
}

func (mc *ManualClock) set(t int64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if t > mc.now {
		mc.now = t
	}
}
