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

// Package timerqueue holds one-shot callbacks ordered by deadline.
//
// A Queue does not run anything by itself. The owner asks for due entries
// with PopDue and invokes them, which lets a fake clock and a polling loop
// share the same bookkeeping.
package timerqueue

import (
	"sync"
	"time"

	"github.com/google/btree"
)

// Queue is a set of pending timers. It is safe for concurrent use; callbacks
// are never invoked while the queue lock is held.
type Queue struct {
	now func() int64

	mu sync.Mutex
	// +checklocks:mu
	tree *btree.BTreeG[*Timer]
	// +checklocks:mu
	serial uint64
}

// Timer is a single scheduled callback.
type Timer struct {
	q  *Queue
	fn func()

	// The fields below are protected by q.mu.
	when    int64
	serial  uint64
	pending bool
}

func less(a, b *Timer) bool {
	if a.when != b.when {
		return a.when < b.when
	}
	return a.serial < b.serial
}

// New returns an empty queue. now reports the current time in nanoseconds
// and is used to turn relative durations into deadlines.
func New(now func() int64) *Queue {
	return &Queue{
		now:  now,
		tree: btree.NewG(8, less),
	}
}

// AfterFunc schedules fn to be returned by PopDue once d has elapsed.
// Entries with equal deadlines come out in scheduling order.
func (q *Queue) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{q: q, fn: fn}
	q.mu.Lock()
	q.insertLocked(t, d)
	q.mu.Unlock()
	return t
}

// +checklocks:q.mu
func (q *Queue) insertLocked(t *Timer, d time.Duration) {
	if d < 0 {
		d = 0
	}
	q.serial++
	t.when = q.now() + int64(d)
	t.serial = q.serial
	t.pending = true
	q.tree.ReplaceOrInsert(t)
}

// Stop cancels the timer. It reports whether the timer was pending.
func (t *Timer) Stop() bool {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	if !t.pending {
		return false
	}
	t.q.tree.Delete(t)
	t.pending = false
	return true
}

// Reset reschedules the timer to fire d from now, whether or not it is
// currently pending.
func (t *Timer) Reset(d time.Duration) {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	if t.pending {
		t.q.tree.Delete(t)
	}
	t.q.insertLocked(t, d)
}

// Next returns the earliest deadline. ok is false when the queue is empty.
func (q *Queue) Next() (when int64, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tree.Min()
	if !ok {
		return 0, false
	}
	return t.when, true
}

// PopDue removes the earliest timer whose deadline is at or before now and
// returns its callback together with the deadline. fn is nil when nothing
// is due.
func (q *Queue) PopDue(now int64) (fn func(), when int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tree.Min()
	if !ok || t.when > now {
		return nil, 0
	}
	q.tree.DeleteMin()
	t.pending = false
	return t.fn, t.when
}

// Len returns the number of pending timers.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tree.Len()
}
