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
	"time"

	"github.com/cenkalti/backoff"
	"ibboot.dev/ibboot/pkg/tcpip"
)

type timerState int

const (
	timerStateDisabled timerState = iota
	timerStateEnabled
)

// timer is a one-shot timer driven by a tcpip.Clock. The callback runs from
// whatever loop drives the clock, never concurrently with other endpoint
// work.
//
// This struct is thread-compatible.
type timer struct {
	// state is the current state of the timer, it can be one of the
	// following values:
	//     disabled - the timer is disabled.
	//     enabled  - the timer is armed and will call fn at target.
	state timerState

	// target is the expiration time of the current timer. It is only
	// meaningful in the enabled state.
	target tcpip.MonotonicTime

	clock tcpip.Clock

	// timer is the clock timer used to wait on.
	timer tcpip.Timer
}

// init initializes the timer. Once it expires, fn is called with the timer
// already disabled, so fn may re-enable it.
func (t *timer) init(clock tcpip.Clock, fn func()) {
	t.state = timerStateDisabled
	t.clock = clock

	// Initialize a clock timer that will call fn, then immediately stop
	// it.
	t.timer = clock.AfterFunc(time.Hour, func() {
		if t.state != timerStateEnabled {
			return
		}
		t.state = timerStateDisabled
		fn()
	})
	t.timer.Stop()
}

// cleanup frees all resources associated with the timer.
func (t *timer) cleanup() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.state = timerStateDisabled
}

// disable disables the timer.
func (t *timer) disable() {
	if t.state != timerStateDisabled {
		t.timer.Stop()
	}
	t.state = timerStateDisabled
}

// enabled returns true if the timer is currently enabled, false otherwise.
func (t *timer) enabled() bool {
	return t.state == timerStateEnabled
}

// enable enables the timer, replacing any earlier expiration time.
func (t *timer) enable(d time.Duration) {
	t.target = t.clock.NowMonotonic().Add(d)
	t.timer.Reset(d)
	t.state = timerStateEnabled
}

// RetransmitOptions configures the retransmission timer.
type RetransmitOptions struct {
	// MinTimeout is the first retransmission timeout.
	MinTimeout time.Duration

	// MaxTimeout caps the doubling timeout.
	MaxTimeout time.Duration

	// GiveUpAfter is how long after the first retransmission timer of a
	// run of unacknowledged sends the connection is abandoned.
	GiveUpAfter time.Duration
}

// DefaultRetransmitOptions gives up after six transmissions spaced 250ms,
// 500ms, 1s, 2s, 4s and 8s apart.
var DefaultRetransmitOptions = RetransmitOptions{
	MinTimeout:  250 * time.Millisecond,
	MaxTimeout:  10 * time.Second,
	GiveUpAfter: 15 * time.Second,
}

// backoffClock reads a tcpip.Clock for the backoff policy.
type backoffClock struct {
	clock tcpip.Clock
}

// Now implements backoff.Clock.Now.
func (c backoffClock) Now() time.Time {
	return time.Time{}.Add(c.clock.NowMonotonic().Sub(tcpip.MonotonicTime{}))
}

// retransmitTimer is the retransmission timer. Its timeout starts at the
// minimum, doubles on every expiry and is reset to the minimum by stop. Once
// the backoff budget is spent the expiry callback is told the run is over.
type retransmitTimer struct {
	timer

	backoff *backoff.ExponentialBackOff

	// timeout is the current timeout. Zero means the next start begins a
	// fresh backoff run.
	timeout time.Duration

	expired func(over bool)
}

func (r *retransmitTimer) init(clock tcpip.Clock, opts RetransmitOptions, expired func(over bool)) {
	r.backoff = &backoff.ExponentialBackOff{
		InitialInterval:     opts.MinTimeout,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         opts.MaxTimeout,
		MaxElapsedTime:      opts.GiveUpAfter,
		Clock:               backoffClock{clock},
	}
	r.backoff.Reset()
	r.expired = expired
	r.timer.init(clock, r.fire)
}

// start arms the timer with the current timeout unless it is already
// running.
func (r *retransmitTimer) start() {
	if r.enabled() {
		return
	}
	if r.timeout == 0 {
		r.backoff.Reset()
		r.timeout = r.backoff.NextBackOff()
	}
	r.enable(r.timeout)
}

// startNoDelay arms the timer to fire immediately without consuming any
// backoff.
func (r *retransmitTimer) startNoDelay() {
	r.enable(0)
}

// stop disarms the timer and forgets the backoff state.
func (r *retransmitTimer) stop() {
	r.disable()
	r.timeout = 0
}

func (r *retransmitTimer) fire() {
	if r.timeout == 0 {
		// A zero-delay expiry is never a failure.
		r.expired(false)
		return
	}
	next := r.backoff.NextBackOff()
	if next == backoff.Stop {
		r.expired(true)
		return
	}
	r.timeout = next
	r.expired(false)
}
