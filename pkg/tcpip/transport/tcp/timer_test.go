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

package tcp

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"ibboot.dev/ibboot/pkg/tcpip/faketime"
)

func TestCleanup(t *testing.T) {
	const (
		timerDurationSeconds     = 2
		isAssertedTimeoutSeconds = timerDurationSeconds + 1
	)

	clock := faketime.NewManualClock()

	tmr := timer{}
	fired := false
	tmr.init(clock, func() { fired = true })
	tmr.enable(timerDurationSeconds * time.Second)
	tmr.cleanup()

	if tmr.enabled() {
		t.Errorf("timer still enabled after cleanup")
	}

	for i := 0; i < isAssertedTimeoutSeconds; i++ {
		clock.Advance(time.Second)
		if fired {
			t.Fatalf("timer fired unexpectedly")
		}
	}
}

func TestTimerFires(t *testing.T) {
	clock := faketime.NewManualClock()

	tmr := timer{}
	fired := 0
	tmr.init(clock, func() {
		if tmr.enabled() {
			t.Errorf("timer enabled inside its own callback")
		}
		fired++
	})
	tmr.enable(time.Second)
	clock.Advance(999 * time.Millisecond)
	if fired != 0 {
		t.Fatalf("timer fired early")
	}
	clock.Advance(time.Millisecond)
	if fired != 1 {
		t.Fatalf("got %d firings, want 1", fired)
	}
	clock.Advance(time.Hour)
	if fired != 1 {
		t.Fatalf("one-shot timer fired %d times", fired)
	}
}

func TestTimerReenable(t *testing.T) {
	clock := faketime.NewManualClock()

	tmr := timer{}
	fired := false
	tmr.init(clock, func() { fired = true })
	tmr.enable(time.Second)
	clock.Advance(500 * time.Millisecond)
	tmr.disable()
	tmr.enable(time.Second)
	clock.Advance(900 * time.Millisecond)
	if fired {
		t.Fatalf("timer fired at its replaced expiration")
	}
	clock.Advance(100 * time.Millisecond)
	if !fired {
		t.Fatalf("timer did not fire")
	}
}

func TestRetransmitSchedule(t *testing.T) {
	clock := faketime.NewManualClock()

	type expiry struct {
		At   time.Duration
		Over bool
	}
	var got []expiry
	var r retransmitTimer
	r.init(clock, DefaultRetransmitOptions, func(over bool) {
		got = append(got, expiry{
			At:   time.Duration(clock.NowNanoseconds()),
			Over: over,
		})
		if !over {
			r.start()
		}
	})

	r.startNoDelay()
	clock.Advance(time.Minute)

	ms := time.Millisecond
	want := []expiry{
		{At: 0},
		{At: 250 * ms},
		{At: 750 * ms},
		{At: 1750 * ms},
		{At: 3750 * ms},
		{At: 7750 * ms},
		{At: 15750 * ms, Over: true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("expiries mismatch (-want +got):\n%s", diff)
	}
}

func TestRetransmitStopResetsBackoff(t *testing.T) {
	clock := faketime.NewManualClock()

	var fires []time.Duration
	var r retransmitTimer
	r.init(clock, DefaultRetransmitOptions, func(over bool) {
		fires = append(fires, time.Duration(clock.NowNanoseconds()))
	})

	r.start()
	clock.Advance(250 * time.Millisecond)
	r.start()
	if r.timeout != 500*time.Millisecond {
		t.Fatalf("got timeout %v after one expiry, want 500ms", r.timeout)
	}
	r.stop()
	r.start()
	if r.timeout != 250*time.Millisecond {
		t.Errorf("got timeout %v after stop, want 250ms", r.timeout)
	}
	clock.Advance(250 * time.Millisecond)
	if want := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond}; !cmp.Equal(want, fires) {
		t.Errorf("got expiries at %v, want %v", fires, want)
	}
}
