// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package channel

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"ibboot.dev/ibboot/pkg/tcpip"
	"ibboot.dev/ibboot/pkg/tcpip/header"
)

var (
	local  = tcpip.FullAddress{Addr: netip.MustParseAddr("192.0.2.1"), Port: 4000}
	remote = tcpip.FullAddress{Addr: netip.MustParseAddr("203.0.113.5"), Port: 80}
)

type recorder struct {
	sum uint16
	seg []byte
}

func (r *recorder) HandlePacket(_, _ tcpip.FullAddress, seg []byte, sum uint16) error {
	r.seg, r.sum = seg, sum
	return nil
}

func TestWriteAndRead(t *testing.T) {
	e := New(2)
	defer e.Close()
	for i := 0; i < 3; i++ {
		if err := e.WritePacket(local, remote, []byte{byte(i)}); err != nil {
			t.Fatalf("WritePacket: %v", err)
		}
	}
	if got := e.NumQueued(); got != 2 {
		t.Errorf("NumQueued = %d, want 2", got)
	}
	p, ok := e.Read()
	if !ok {
		t.Fatalf("Read found nothing")
	}
	if diff := cmp.Diff(PacketInfo{Src: local, Dst: remote, Segment: []byte{0}}, p, cmp.Comparer(func(a, b netip.Addr) bool { return a == b })); diff != "" {
		t.Errorf("packet mismatch (-want +got):\n%s", diff)
	}
	if got := e.Drain(); got != 1 {
		t.Errorf("Drain = %d, want 1", got)
	}
}

func TestWriteError(t *testing.T) {
	e := New(1)
	defer e.Close()
	errDown := errors.New("link down")
	e.SetWriteError(errDown)
	if err := e.WritePacket(local, remote, []byte{1}); err != errDown {
		t.Errorf("WritePacket = %v, want %v", err, errDown)
	}
	if e.NumQueued() != 0 {
		t.Errorf("failed write was queued")
	}
}

func TestInjectInbound(t *testing.T) {
	e := New(1)
	var r recorder
	e.Attach(&r)
	seg := []byte{1, 2, 3, 4}
	if err := e.InjectInbound(remote, local, seg); err != nil {
		t.Fatalf("InjectInbound: %v", err)
	}
	want := header.PseudoHeaderChecksum(header.TCPProtocolNumber, remote.Addr, local.Addr, 4)
	if r.sum != want {
		t.Errorf("pseudo-header sum = %#x, want %#x", r.sum, want)
	}
}
