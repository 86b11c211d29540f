// Copyright 2021 The gVisor Authors.
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

	"github.com/google/go-cmp/cmp"
	"ibboot.dev/ibboot/pkg/tcpip/header"
	"ibboot.dev/ibboot/pkg/tcpip/seqnum"
)

func queuedSeqs(q *segmentQueue) []seqnum.Value {
	var seqs []seqnum.Value
	for _, s := range q.segs {
		seqs = append(seqs, s.sequenceNumber)
	}
	return seqs
}

func TestSegmentQueueOrder(t *testing.T) {
	for _, tc := range []struct {
		name   string
		insert []seqnum.Value
		want   []seqnum.Value
	}{
		{
			name:   "in order",
			insert: []seqnum.Value{100, 150, 200},
			want:   []seqnum.Value{100, 150, 200},
		},
		{
			name:   "reversed",
			insert: []seqnum.Value{200, 150, 100},
			want:   []seqnum.Value{100, 150, 200},
		},
		{
			name:   "wraparound",
			insert: []seqnum.Value{10, 0xfffffff0},
			want:   []seqnum.Value{0xfffffff0, 10},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var q segmentQueue
			for _, seq := range tc.insert {
				q.insert(&segment{sequenceNumber: seq})
			}
			if diff := cmp.Diff(tc.want, queuedSeqs(&q)); diff != "" {
				t.Errorf("queue order mismatch (-want +got):\n%s", diff)
			}
			if got := q.len(); got != len(tc.want) {
				t.Errorf("got q.len() = %d, want %d", got, len(tc.want))
			}
		})
	}
}

func TestSegmentQueueTiesKeepArrivalOrder(t *testing.T) {
	var q segmentQueue
	first := &segment{sequenceNumber: 100, data: []byte("a")}
	second := &segment{sequenceNumber: 100, data: []byte("bb")}
	q.insert(first)
	q.insert(second)
	if q.front() != first || q.segs[1] != second {
		t.Fatalf("equal sequence numbers not kept in arrival order")
	}
}

func TestSegmentQueueDropOldest(t *testing.T) {
	var q segmentQueue
	if q.dropOldest() {
		t.Fatalf("dropOldest on an empty queue succeeded")
	}
	q.insert(&segment{sequenceNumber: 300})
	q.insert(&segment{sequenceNumber: 100})
	q.insert(&segment{sequenceNumber: 200})

	if !q.dropOldest() {
		t.Fatalf("dropOldest failed")
	}
	if diff := cmp.Diff([]seqnum.Value{100, 200}, queuedSeqs(&q)); diff != "" {
		t.Errorf("queue mismatch (-want +got):\n%s", diff)
	}

	q.reset()
	if !q.empty() || q.len() != 0 {
		t.Errorf("queue not empty after reset")
	}
}

func TestSegmentLogicalLen(t *testing.T) {
	for _, tc := range []struct {
		seg  segment
		want seqnum.Size
	}{
		{segment{}, 0},
		{segment{data: make([]byte, 10)}, 10},
		{segment{flags: header.TCPFlagFin}, 1},
		{segment{flags: header.TCPFlagFin, data: make([]byte, 10)}, 11},
	} {
		if got := tc.seg.logicalLen(); got != tc.want {
			t.Errorf("got logicalLen(%v, %d bytes) = %d, want %d", tc.seg.flags, len(tc.seg.data), got, tc.want)
		}
	}
}
