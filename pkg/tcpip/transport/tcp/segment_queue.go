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

// segmentQueue is the reassembly queue: received segments sorted by starting
// sequence number, with arrivals that tie kept in arrival order.
//
// It is not safe for concurrent use.
type segmentQueue struct {
	segs   []*segment
	serial uint64
}

// empty determines if the queue is empty.
func (q *segmentQueue) empty() bool {
	return len(q.segs) == 0
}

// len returns the number of queued segments.
func (q *segmentQueue) len() int {
	return len(q.segs)
}

// insert adds s in sequence order. Sequence numbers are compared relative to
// each other so the order survives wraparound.
func (q *segmentQueue) insert(s *segment) {
	q.serial++
	s.serial = q.serial
	i := len(q.segs)
	for j, o := range q.segs {
		if s.sequenceNumber.LessThan(o.sequenceNumber) {
			i = j
			break
		}
	}
	q.segs = append(q.segs, nil)
	copy(q.segs[i+1:], q.segs[i:])
	q.segs[i] = s
}

// front returns the lowest-sequence segment without removing it, or nil.
func (q *segmentQueue) front() *segment {
	if len(q.segs) == 0 {
		return nil
	}
	return q.segs[0]
}

// remove removes s from the queue.
func (q *segmentQueue) remove(s *segment) {
	for i, o := range q.segs {
		if o == s {
			q.segs = append(q.segs[:i], q.segs[i+1:]...)
			return
		}
	}
}

// dropOldest removes the segment that has been queued the longest. It
// returns false if the queue is empty.
func (q *segmentQueue) dropOldest() bool {
	var oldest *segment
	for _, s := range q.segs {
		if oldest == nil || s.serial < oldest.serial {
			oldest = s
		}
	}
	if oldest == nil {
		return false
	}
	q.remove(oldest)
	return true
}

// reset drops every queued segment.
func (q *segmentQueue) reset() {
	q.segs = nil
}
