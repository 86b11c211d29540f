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

// Package eventloop provides the cooperative loop that drives the boot
// stack. Every unit of work, whether a completion queue poll or a TCP timer,
// runs on the goroutine calling Step or Run, one at a time.
package eventloop

import (
	"context"
	"sync"
	"time"

	"ibboot.dev/ibboot/pkg/log"
	"ibboot.dev/ibboot/pkg/tcpip"
	"ibboot.dev/ibboot/pkg/timerqueue"
)

// DefaultPollInterval is the longest Run sleeps between steps when no timer
// is due sooner.
const DefaultPollInterval = time.Millisecond

// Options configures a Loop.
type Options struct {
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// PollInterval bounds how long Run waits before invoking the pollers
	// again. Defaults to DefaultPollInterval.
	PollInterval time.Duration
}

type poller struct {
	name string
	fn   func()
}

// Loop runs registered pollers and expired timers. It implements
// tcpip.Clock, so a TCP stack constructed with a Loop has its timers fired
// from Step.
type Loop struct {
	now      func() time.Time
	start    time.Time
	interval time.Duration
	timers   *timerqueue.Queue

	mu sync.Mutex
	// +checklocks:mu
	pollers []poller
}

var _ tcpip.Clock = (*Loop)(nil)

// New creates a Loop.
func New(opts Options) *Loop {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	l := &Loop{
		now:      opts.Now,
		start:    opts.Now(),
		interval: opts.PollInterval,
	}
	l.timers = timerqueue.New(l.elapsed)
	return l
}

// elapsed returns nanoseconds since the loop was created.
func (l *Loop) elapsed() int64 {
	return int64(l.now().Sub(l.start))
}

// NowNanoseconds implements tcpip.Clock.NowNanoseconds.
func (l *Loop) NowNanoseconds() int64 {
	return l.now().UnixNano()
}

// NowMonotonic implements tcpip.Clock.NowMonotonic.
func (l *Loop) NowMonotonic() tcpip.MonotonicTime {
	return tcpip.MonotonicTimeFromNanoseconds(l.elapsed())
}

// AfterFunc implements tcpip.Clock.AfterFunc. f runs from a later Step.
func (l *Loop) AfterFunc(d time.Duration, f func()) tcpip.Timer {
	return l.timers.AfterFunc(d, f)
}

// AddPoller registers fn to be called once per Step, in registration order.
func (l *Loop) AddPoller(name string, fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pollers = append(l.pollers, poller{name: name, fn: fn})
}

// Step invokes every poller once and then every timer that has expired,
// including timers armed by the pollers or by earlier timers in the same
// step. It returns the number of timers fired.
func (l *Loop) Step() int {
	l.mu.Lock()
	pollers := l.pollers
	l.mu.Unlock()
	for _, p := range pollers {
		p.fn()
	}

	fired := 0
	now := l.elapsed()
	for {
		fn, _ := l.timers.PopDue(now)
		if fn == nil {
			break
		}
		fn()
		fired++
	}
	return fired
}

// Run calls Step until ctx is done, sleeping until the next timer deadline
// or the poll interval, whichever is sooner.
func (l *Loop) Run(ctx context.Context) error {
	log.Debugf("event loop running, poll interval %v", l.interval)
	t := time.NewTimer(l.interval)
	defer t.Stop()
	for {
		l.Step()

		wait := l.interval
		if when, ok := l.timers.Next(); ok {
			if d := time.Duration(when - l.elapsed()); d < wait {
				wait = d
			}
		}
		if wait < 0 {
			wait = 0
		}
		t.Reset(wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Pending returns the number of armed timers.
func (l *Loop) Pending() int {
	return l.timers.Len()
}
