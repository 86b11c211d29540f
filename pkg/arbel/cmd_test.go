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

package arbel

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"ibboot.dev/ibboot/pkg/arbel/hwsim"
	"ibboot.dev/ibboot/pkg/mmio"
	"ibboot.dev/ibboot/pkg/prm"
)

func TestCommandFailureLeavesOutput(t *testing.T) {
	for _, tc := range []struct {
		name string
		c    command
		in   []byte
	}{
		{name: "mailbox", c: cmdQueryDevLim},
		{name: "mad", c: cmdMADIFC, in: make([]byte, prm.MADSize)},
		{name: "inline", c: cmdMGIDHash, in: []byte{0xff, 0x12, 15: 0x01}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mem := mmio.NewHeapAllocator(0)
			hca, err := hwsim.New(mem, hwsim.DefaultProperties())
			if err != nil {
				t.Fatalf("hwsim.New: %v", err)
			}
			d, err := New(Resources{
				Config:          hca.Config(),
				UAR:             hca.UAR(),
				MailboxIn:       hca.MailboxIn,
				MailboxOut:      hca.MailboxOut,
				DoorbellRecords: hca.DoorbellRecords,
				Allocator:       mem,
			}, Options{Sleep: func(time.Duration) {}})
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			// A successful run leaves output behind in the mailbox and
			// the HCR for the failed run to leak.
			if err := d.cmd(tc.c, 0, tc.in, 0, make([]byte, tc.c.outLen)); err != nil {
				t.Fatalf("%s: %v", tc.c.name, err)
			}

			hca.FailCommand(tc.c.opcode, hwsim.StatusInternalErr)
			out := bytes.Repeat([]byte{0x5a}, tc.c.outLen)
			want := bytes.Clone(out)
			err = d.cmd(tc.c, 0, tc.in, 0, out)
			var cerr *CommandError
			if !errors.As(err, &cerr) || cerr.Status != hwsim.StatusInternalErr {
				t.Fatalf("%s = %v, want status %#x", tc.c.name, err, hwsim.StatusInternalErr)
			}
			if diff := cmp.Diff(want, out); diff != "" {
				t.Errorf("output written on failure (-want +got):\n%s", diff)
			}
		})
	}
}
