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

package seqnum

import "testing"

func TestLessThanWraparound(t *testing.T) {
	for _, tc := range []struct {
		v, w Value
		want bool
	}{
		{0xfffffff0, 0x00000005, true},
		{0x00000005, 0xfffffff0, false},
		{1, 2, true},
		{2, 2, false},
		{0x7fffffff, 0, false},
		{0x80000001, 0, true},
	} {
		if got := tc.v.LessThan(tc.w); got != tc.want {
			t.Errorf("%#x.LessThan(%#x) = %t, want %t", tc.v, tc.w, got, tc.want)
		}
	}
}

func TestCompare(t *testing.T) {
	if got := Value(0xfffffff0).Compare(0x00000005); got != -21 {
		t.Errorf("Compare across wrap = %d, want -21", got)
	}
	if got := Value(10).Compare(10); got != 0 {
		t.Errorf("Compare equal = %d, want 0", got)
	}
}

func TestInWindow(t *testing.T) {
	for _, tc := range []struct {
		v, first Value
		size     Size
		want     bool
	}{
		{0xfffffffe, 0xfffffffc, 8, true},
		{0x00000003, 0xfffffffc, 8, true},
		{0x00000004, 0xfffffffc, 8, false},
		{0xfffffffb, 0xfffffffc, 8, false},
		{5, 5, 0, false},
	} {
		if got := tc.v.InWindow(tc.first, tc.size); got != tc.want {
			t.Errorf("%#x.InWindow(%#x, %d) = %t, want %t", tc.v, tc.first, tc.size, got, tc.want)
		}
	}
}

func TestUpdateForwardAndSize(t *testing.T) {
	v := Value(0xfffffffe)
	v.UpdateForward(4)
	if v != 2 {
		t.Errorf("UpdateForward = %#x, want 2", v)
	}
	if got := Value(0xfffffffe).Size(2); got != 4 {
		t.Errorf("Size = %d, want 4", got)
	}
	if !Overlap(0xfffffffe, 4, 1, 10) {
		t.Errorf("Overlap across wrap = false, want true")
	}
	if Overlap(0, 4, 4, 4) {
		t.Errorf("adjacent windows reported overlapping")
	}
}
