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

package faketime

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestManualClockAdvance(t *testing.T) {
	clock := NewManualClock()
	var fired []time.Duration
	record := func() { fired = append(fired, time.Duration(clock.NowNanoseconds())) }

	clock.AfterFunc(2*time.Second, record)
	clock.AfterFunc(time.Second, func() {
		record()
		// Rearming from inside a callback is picked up by the same Advance.
		clock.AfterFunc(500*time.Millisecond, record)
	})
	stopped := clock.AfterFunc(1500*time.Millisecond, record)
	if !stopped.Stop() {
		t.Fatalf("Stop = false, want true")
	}

	clock.Advance(3 * time.Second)
	want := []time.Duration{time.Second, 1500 * time.Millisecond, 2 * time.Second}
	if diff := cmp.Diff(want, fired); diff != "" {
		t.Errorf("firing times mismatch (-want +got):\n%s", diff)
	}
	if got := clock.NowMonotonic().Sub(NewManualClock().NowMonotonic()); got != 3*time.Second {
		t.Errorf("clock advanced by %v, want 3s", got)
	}
	if clock.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", clock.Pending())
	}
}

func TestManualClockResetPending(t *testing.T) {
	clock := NewManualClock()
	n := 0
	tm := clock.AfterFunc(time.Second, func() { n++ })
	clock.Advance(900 * time.Millisecond)
	tm.Reset(time.Second)
	clock.Advance(900 * time.Millisecond)
	if n != 0 {
		t.Fatalf("timer fired before reset deadline")
	}
	clock.Advance(100 * time.Millisecond)
	if n != 1 {
		t.Errorf("timer fired %d times, want 1", n)
	}
}
