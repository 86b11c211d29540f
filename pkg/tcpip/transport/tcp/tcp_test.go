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

package tcp_test

import (
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"ibboot.dev/ibboot/pkg/errors/linuxerr"
	"ibboot.dev/ibboot/pkg/tcpip"
	"ibboot.dev/ibboot/pkg/tcpip/faketime"
	"ibboot.dev/ibboot/pkg/tcpip/header"
	"ibboot.dev/ibboot/pkg/tcpip/link/channel"
	"ibboot.dev/ibboot/pkg/tcpip/transport/tcp"
)

const (
	testISN   = 1000
	peerISN   = 5000
	localPort = 49152
	peerWnd   = 30000
)

var (
	localAddr  = netip.MustParseAddr("192.0.2.1")
	localFull  = tcpip.FullAddress{Addr: localAddr, Port: localPort}
	remoteFull = tcpip.FullAddress{Addr: netip.MustParseAddr("203.0.113.5"), Port: 80}
)

// repeatReader returns the same little-endian word over and over.
type repeatReader uint32

func (r repeatReader) Read(p []byte) (int, error) {
	var w [4]byte
	binary.LittleEndian.PutUint32(w[:], uint32(r))
	for i := range p {
		p[i] = w[i%4]
	}
	return len(p), nil
}

type testApp struct {
	received      []byte
	window        int
	windowChanges int
	closed        int
	closeErr      error
}

func (a *testApp) Deliver(b []byte) error {
	a.received = append(a.received, b...)
	return nil
}

func (a *testApp) Window() int { return a.window }

func (a *testApp) WindowChanged() { a.windowChanges++ }

func (a *testApp) Closed(err error) {
	a.closed++
	a.closeErr = err
}

type testContext struct {
	t     *testing.T
	clock *faketime.ManualClock
	link  *channel.Endpoint
	s     *tcp.Stack
	app   *testApp
	ep    *tcp.Endpoint
	free  int
}

func newTestContext(t *testing.T) *testContext {
	c := &testContext{
		t:     t,
		clock: faketime.NewManualClock(),
		link:  channel.New(256),
		app:   &testApp{window: 1 << 20},
		free:  tcp.DefaultFreeMemory,
	}
	c.s = tcp.NewStack(tcp.Options{
		Clock:        c.clock,
		Network:      c.link,
		LocalAddress: localAddr,
		Rand:         repeatReader(testISN),
		FreeMemory:   func() int { return c.free },
	})
	c.link.Attach(c.s)
	return c
}

// open starts a connection and collects its SYN.
func (c *testContext) open() header.TCP {
	c.t.Helper()
	ep, err := c.s.Open(c.app, remoteFull, tcpip.FullAddress{Port: localPort})
	if err != nil {
		c.t.Fatalf("Open failed: %v", err)
	}
	c.ep = ep
	c.clock.Advance(0)
	return c.getPacket()
}

// establish completes the handshake with a peer that supports timestamps.
func (c *testContext) establish() {
	c.t.Helper()
	c.open()
	c.sendWithOptions(peerISN, testISN+1, header.TCPFlagSyn|header.TCPFlagAck, tsOptions(77, 0), nil)
	c.expect(segFields{SeqNum: testISN + 1, AckNum: peerISN + 1, Flags: header.TCPFlagAck})
	if got := c.ep.State(); got != tcp.StateEstablished {
		c.t.Fatalf("got state %v after handshake, want %v", got, tcp.StateEstablished)
	}
}

func (c *testContext) getPacket() header.TCP {
	c.t.Helper()
	p, ok := c.link.Read()
	if !ok {
		c.t.Fatalf("no packet was sent")
	}
	if p.Src != localFull || p.Dst != remoteFull {
		c.t.Fatalf("got packet %v -> %v, want %v -> %v", p.Src, p.Dst, localFull, remoteFull)
	}
	h := p.TCP()
	sum := header.PseudoHeaderChecksum(tcp.ProtocolNumber, p.Src.Addr, p.Dst.Addr, uint16(len(h)))
	if !h.IsChecksumValid(sum) {
		c.t.Fatalf("bad checksum on %s", h)
	}
	return h
}

func (c *testContext) checkNoPacket(msg string) {
	c.t.Helper()
	if p, ok := c.link.Read(); ok {
		c.t.Fatalf("%s: got unexpected packet %s", msg, p.TCP())
	}
}

type segFields struct {
	SeqNum  uint32
	AckNum  uint32
	Flags   header.TCPFlags
	Payload string
}

func fieldsOf(h header.TCP) segFields {
	return segFields{
		SeqNum:  h.SequenceNumber(),
		AckNum:  h.AckNumber(),
		Flags:   h.Flags(),
		Payload: string(h.Payload()),
	}
}

// expect reads the next packet and compares its sequence space.
func (c *testContext) expect(want segFields) header.TCP {
	c.t.Helper()
	h := c.getPacket()
	if diff := cmp.Diff(want, fieldsOf(h)); diff != "" {
		c.t.Fatalf("segment mismatch (-want +got):\n%s", diff)
	}
	return h
}

func tsOptions(tsVal, tsEcr uint32) []byte {
	b := make([]byte, 12)
	header.EncodeNOP(b)
	header.EncodeNOP(b[1:])
	header.EncodeTSOption(tsVal, tsEcr, b[2:])
	return b
}

func buildSegment(src, dst uint16, seq, ack uint32, flags header.TCPFlags, opts, payload []byte) []byte {
	return buildSegmentWindow(src, dst, seq, ack, flags, peerWnd, opts, payload)
}

func buildSegmentWindow(src, dst uint16, seq, ack uint32, flags header.TCPFlags, wnd uint16, opts, payload []byte) []byte {
	b := make([]byte, header.TCPMinimumSize+len(opts)+len(payload))
	h := header.TCP(b)
	h.Encode(&header.TCPFields{
		SrcPort:    src,
		DstPort:    dst,
		SeqNum:     seq,
		AckNum:     ack,
		DataOffset: uint8(header.TCPMinimumSize + len(opts)),
		Flags:      flags,
		WindowSize: wnd,
	})
	copy(b[header.TCPMinimumSize:], opts)
	copy(b[header.TCPMinimumSize+len(opts):], payload)
	sum := header.PseudoHeaderChecksum(tcp.ProtocolNumber, remoteFull.Addr, localAddr, uint16(len(b)))
	h.SetChecksum(h.CalculateChecksum(sum))
	return b
}

func (c *testContext) inject(seg []byte) error {
	return c.link.InjectInbound(remoteFull, localFull, seg)
}

func (c *testContext) sendWithOptions(seq, ack uint32, flags header.TCPFlags, opts, payload []byte) error {
	return c.inject(buildSegment(remoteFull.Port, localPort, seq, ack, flags, opts, payload))
}

func (c *testContext) send(seq, ack uint32, flags header.TCPFlags, payload string) error {
	return c.sendWithOptions(seq, ack, flags, nil, []byte(payload))
}

func TestActiveOpenAndClose(t *testing.T) {
	c := newTestContext(t)
	var states []tcp.EndpointState
	record := func() { states = append(states, c.ep.State()) }

	c.open()
	record()
	c.sendWithOptions(peerISN, testISN+1, header.TCPFlagSyn|header.TCPFlagAck, tsOptions(77, 0), nil)
	c.expect(segFields{SeqNum: testISN + 1, AckNum: peerISN + 1, Flags: header.TCPFlagAck})
	record()
	if c.app.windowChanges == 0 {
		t.Errorf("application not told that the window opened")
	}
	if got := c.ep.Window(); got != tcp.PathMTU {
		t.Errorf("got Window() = %d, want %d", got, tcp.PathMTU)
	}

	if err := c.ep.Write([]byte("hello")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	c.expect(segFields{SeqNum: testISN + 1, AckNum: peerISN + 1, Flags: header.TCPFlagAck | header.TCPFlagPsh, Payload: "hello"})
	if got := c.ep.Window(); got != 0 {
		t.Errorf("got Window() = %d with data in flight, want 0", got)
	}

	c.send(peerISN+1, testISN+6, header.TCPFlagAck|header.TCPFlagPsh, "world")
	c.expect(segFields{SeqNum: testISN + 6, AckNum: peerISN + 6, Flags: header.TCPFlagAck})
	if got, want := string(c.app.received), "world"; got != want {
		t.Errorf("got received data %q, want %q", got, want)
	}

	c.ep.Close()
	c.expect(segFields{SeqNum: testISN + 6, AckNum: peerISN + 6, Flags: header.TCPFlagAck | header.TCPFlagFin})
	record()

	c.send(peerISN+6, testISN+7, header.TCPFlagAck, "")
	c.checkNoPacket("after FIN acknowledged")
	record()

	c.send(peerISN+6, testISN+7, header.TCPFlagAck|header.TCPFlagFin, "")
	c.expect(segFields{SeqNum: testISN + 7, AckNum: peerISN + 7, Flags: header.TCPFlagAck})
	record()

	c.clock.Advance(2*tcp.DefaultMSL - time.Millisecond)
	if got := c.s.NumEndpoints(); got != 1 {
		t.Fatalf("connection gone before TIME_WAIT ended")
	}
	c.clock.Advance(time.Millisecond)
	record()
	if got := c.s.NumEndpoints(); got != 0 {
		t.Errorf("got %d connections after TIME_WAIT, want 0", got)
	}
	if c.app.closed != 0 {
		t.Errorf("application notified of its own close")
	}

	want := []tcp.EndpointState{
		tcp.StateSynSent,
		tcp.StateEstablished,
		tcp.StateFinWait1,
		tcp.StateFinWait2,
		tcp.StateTimeWait,
		tcp.StateClosed,
	}
	if diff := cmp.Diff(want, states); diff != "" {
		t.Errorf("state sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestPassiveClose(t *testing.T) {
	c := newTestContext(t)
	c.establish()

	c.send(peerISN+1, testISN+1, header.TCPFlagAck|header.TCPFlagFin, "")
	c.expect(segFields{SeqNum: testISN + 1, AckNum: peerISN + 2, Flags: header.TCPFlagAck | header.TCPFlagFin})
	if c.app.closed != 1 || c.app.closeErr != nil {
		t.Errorf("got %d Closed calls with %v, want one with nil", c.app.closed, c.app.closeErr)
	}
	if got := c.ep.State(); got != tcp.StateClosingOrLastAck {
		t.Errorf("got state %v, want %v", got, tcp.StateClosingOrLastAck)
	}
	if err := c.ep.Write([]byte("late")); err != linuxerr.ENOTCONN {
		t.Errorf("got Write error %v after close, want %v", err, linuxerr.ENOTCONN)
	}

	c.send(peerISN+2, testISN+2, header.TCPFlagAck, "")
	if got := c.ep.State(); got != tcp.StateTimeWait {
		t.Errorf("got state %v, want %v", got, tcp.StateTimeWait)
	}
	c.clock.Advance(2 * tcp.DefaultMSL)
	if got := c.s.NumEndpoints(); got != 0 {
		t.Errorf("got %d connections, want 0", got)
	}
}

func TestSYNOptions(t *testing.T) {
	c := newTestContext(t)
	c.clock.Advance(1234 * time.Millisecond)
	syn := c.open()

	if diff := cmp.Diff(segFields{SeqNum: testISN, Flags: header.TCPFlagSyn}, fieldsOf(syn)); diff != "" {
		t.Errorf("SYN mismatch (-want +got):\n%s", diff)
	}
	if got, want := syn.DataOffset(), uint8(36); got != want {
		t.Errorf("got header length %d, want %d", got, want)
	}
	if got, want := syn.WindowSize(), uint16(tcp.MaxWindow); got != want {
		t.Errorf("got window %d, want %d", got, want)
	}
	wantOpts := []byte{
		header.TCPOptionNOP, header.TCPOptionNOP,
		header.TCPOptionTS, header.TCPOptionTSLength, 0, 0, 0x04, 0xd2, 0, 0, 0, 0,
		header.TCPOptionMSS, header.TCPOptionMSSLength, 0x05, 0xb4,
	}
	if diff := cmp.Diff(wantOpts, []byte(syn.Options())); diff != "" {
		t.Errorf("SYN options mismatch (-want +got):\n%s", diff)
	}
}

func TestNoTimestampsWithoutPeerSupport(t *testing.T) {
	c := newTestContext(t)
	c.open()
	c.send(peerISN, testISN+1, header.TCPFlagSyn|header.TCPFlagAck, "")
	ack := c.expect(segFields{SeqNum: testISN + 1, AckNum: peerISN + 1, Flags: header.TCPFlagAck})
	if got := ack.DataOffset(); got != header.TCPMinimumSize {
		t.Errorf("got header length %d, want %d", got, header.TCPMinimumSize)
	}
}

func TestTimestampEcho(t *testing.T) {
	c := newTestContext(t)
	c.establish()
	c.clock.Advance(500 * time.Millisecond)

	c.sendWithOptions(peerISN+1, testISN+1, header.TCPFlagAck, tsOptions(99, 0), []byte("x"))
	ack := c.expect(segFields{SeqNum: testISN + 1, AckNum: peerISN + 2, Flags: header.TCPFlagAck})
	opts := ack.ParsedOptions()
	if !opts.TS || opts.TSVal != 500 || opts.TSEcr != 99 {
		t.Errorf("got timestamp option %+v, want value 500 echoing 99", opts)
	}
}

func TestReassembly(t *testing.T) {
	c := newTestContext(t)
	c.establish()

	first := string(make([]byte, 50))
	second := "0123456789012345678901234567890123456789012345678x"

	c.send(peerISN+51, testISN+1, header.TCPFlagAck, second)
	c.expect(segFields{SeqNum: testISN + 1, AckNum: peerISN + 1, Flags: header.TCPFlagAck})
	if len(c.app.received) != 0 {
		t.Fatalf("out of order data delivered")
	}

	c.send(peerISN+1, testISN+1, header.TCPFlagAck, first)
	c.expect(segFields{SeqNum: testISN + 1, AckNum: peerISN + 101, Flags: header.TCPFlagAck})
	if got, want := string(c.app.received), first+second; got != want {
		t.Errorf("got received data %q, want %q", got, want)
	}
}

func TestOverlappingRetransmission(t *testing.T) {
	c := newTestContext(t)
	c.establish()

	c.send(peerISN+1, testISN+1, header.TCPFlagAck, "abcdef")
	c.expect(segFields{SeqNum: testISN + 1, AckNum: peerISN + 7, Flags: header.TCPFlagAck})
	c.send(peerISN+4, testISN+1, header.TCPFlagAck, "defghi")
	c.expect(segFields{SeqNum: testISN + 1, AckNum: peerISN + 10, Flags: header.TCPFlagAck})
	c.send(peerISN+1, testISN+1, header.TCPFlagAck, "abc")
	c.expect(segFields{SeqNum: testISN + 1, AckNum: peerISN + 10, Flags: header.TCPFlagAck})

	if got, want := string(c.app.received), "abcdefghi"; got != want {
		t.Errorf("got received data %q, want %q", got, want)
	}
}

func TestDuplicateACKKeepsTimer(t *testing.T) {
	c := newTestContext(t)
	c.establish()

	c.ep.Write([]byte("abc"))
	data := segFields{SeqNum: testISN + 1, AckNum: peerISN + 1, Flags: header.TCPFlagAck | header.TCPFlagPsh, Payload: "abc"}
	c.expect(data)

	c.clock.Advance(200 * time.Millisecond)
	c.send(peerISN+1, testISN+1, header.TCPFlagAck, "")
	c.checkNoPacket("after duplicate ACK")

	// The retransmission is due 250ms after the original, not after the
	// duplicate ACK.
	c.clock.Advance(50 * time.Millisecond)
	c.expect(data)
}

func TestSendLargeWrite(t *testing.T) {
	c := newTestContext(t)
	c.establish()

	payload := make([]byte, tcp.PathMTU+100)
	for i := range payload {
		payload[i] = byte(i)
	}
	c.ep.Write(payload)
	h := c.getPacket()
	if got := len(h.Payload()); got != tcp.PathMTU {
		t.Fatalf("got %d bytes in first segment, want %d", got, tcp.PathMTU)
	}
	c.checkNoPacket("with a segment in flight")

	c.send(peerISN+1, testISN+1+tcp.PathMTU, header.TCPFlagAck, "")
	h = c.getPacket()
	if got, want := h.SequenceNumber(), uint32(testISN+1+tcp.PathMTU); got != want {
		t.Errorf("got seq %d, want %d", got, want)
	}
	if !cmp.Equal(payload[tcp.PathMTU:], []byte(h.Payload())) {
		t.Errorf("second segment carries the wrong data")
	}
}

func TestPeerWindowLimitsSegment(t *testing.T) {
	c := newTestContext(t)
	c.open()
	c.inject(buildSegmentWindow(remoteFull.Port, localPort, peerISN, testISN+1, header.TCPFlagSyn|header.TCPFlagAck, 4, nil, nil))
	c.getPacket()

	c.ep.Write([]byte("abcdefgh"))
	c.expect(segFields{SeqNum: testISN + 1, AckNum: peerISN + 1, Flags: header.TCPFlagAck | header.TCPFlagPsh, Payload: "abcd"})
}

func TestRetransmitTimeout(t *testing.T) {
	c := newTestContext(t)
	c.open()
	syn := segFields{SeqNum: testISN, Flags: header.TCPFlagSyn}

	for _, at := range []time.Duration{250, 500, 1000, 2000, 4000} {
		c.clock.Advance(at*time.Millisecond - time.Millisecond)
		c.checkNoPacket("before retransmission")
		c.clock.Advance(time.Millisecond)
		c.expect(syn)
	}

	// The next expiry, 8s after the last transmission, gives up.
	c.clock.Advance(8*time.Second - time.Millisecond)
	if c.app.closed != 0 {
		t.Fatalf("connection abandoned early")
	}
	c.clock.Advance(time.Millisecond)
	c.checkNoPacket("after giving up")
	if c.app.closed != 1 || c.app.closeErr != linuxerr.ETIMEDOUT {
		t.Errorf("got %d Closed calls with %v, want one with %v", c.app.closed, c.app.closeErr, linuxerr.ETIMEDOUT)
	}
	if got := c.ep.State(); got != tcp.StateClosed {
		t.Errorf("got state %v, want %v", got, tcp.StateClosed)
	}
	if got := c.s.NumEndpoints(); got != 0 {
		t.Errorf("got %d connections, want 0", got)
	}
}

func TestResetForUnknownPort(t *testing.T) {
	c := newTestContext(t)
	const port = 9999
	seg := buildSegment(remoteFull.Port, port, 777, 888, header.TCPFlagAck, nil, []byte("data"))
	if err := c.inject(seg); err != linuxerr.ENOTCONN {
		t.Errorf("got error %v, want %v", err, linuxerr.ENOTCONN)
	}

	p, ok := c.link.Read()
	if !ok {
		t.Fatalf("no RST sent")
	}
	if want := (tcpip.FullAddress{Addr: localAddr, Port: port}); p.Src != want {
		t.Errorf("got source %v, want %v", p.Src, want)
	}
	h := p.TCP()
	if diff := cmp.Diff(segFields{SeqNum: 888, AckNum: 777, Flags: header.TCPFlagRst | header.TCPFlagAck}, fieldsOf(h)); diff != "" {
		t.Errorf("RST mismatch (-want +got):\n%s", diff)
	}
	if got, want := h.SourcePort(), uint16(port); got != want {
		t.Errorf("got source port %d, want %d", got, want)
	}
	if got, want := h.DestinationPort(), remoteFull.Port; got != want {
		t.Errorf("got destination port %d, want %d", got, want)
	}
	if got, want := h.WindowSize(), uint16(tcp.MaxWindow); got != want {
		t.Errorf("got window %d, want %d", got, want)
	}

	rst := buildSegment(remoteFull.Port, port, 777, 888, header.TCPFlagRst, nil, nil)
	c.inject(rst)
	c.checkNoPacket("RST answered")
}

func TestOutOfRangeACKDuringHandshake(t *testing.T) {
	c := newTestContext(t)
	c.open()

	const bogus = 123456
	if err := c.send(peerISN, bogus, header.TCPFlagSyn|header.TCPFlagAck, ""); err != linuxerr.EINVAL {
		t.Errorf("got error %v, want %v", err, linuxerr.EINVAL)
	}
	c.expect(segFields{SeqNum: bogus, AckNum: peerISN, Flags: header.TCPFlagRst | header.TCPFlagAck})
	if got := c.ep.State(); got != tcp.StateSynSent {
		t.Errorf("got state %v, want %v", got, tcp.StateSynSent)
	}
}

func TestReset(t *testing.T) {
	for _, tc := range []struct {
		name      string
		seqOffset uint32
		wantReset bool
	}{
		{name: "at next expected", seqOffset: 0, wantReset: true},
		{name: "inside window", seqOffset: 100, wantReset: true},
		{name: "past window", seqOffset: tcp.MaxWindow + 10, wantReset: false},
		{name: "before window", seqOffset: ^uint32(0), wantReset: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestContext(t)
			c.establish()

			err := c.send(peerISN+1+tc.seqOffset, testISN+1, header.TCPFlagRst, "")
			if !tc.wantReset {
				// The out of order segment is acknowledged, not answered
				// with a RST.
				c.expect(segFields{SeqNum: testISN + 1, AckNum: peerISN + 1, Flags: header.TCPFlagAck})
				if err != nil {
					t.Errorf("got error %v for ignored RST", err)
				}
				if got := c.ep.State(); got != tcp.StateEstablished {
					t.Errorf("got state %v, want %v", got, tcp.StateEstablished)
				}
				return
			}
			c.checkNoPacket("RST answered")
			if err != linuxerr.ECONNRESET {
				t.Errorf("got error %v, want %v", err, linuxerr.ECONNRESET)
			}
			if c.app.closed != 1 || c.app.closeErr != linuxerr.ECONNRESET {
				t.Errorf("got %d Closed calls with %v, want one with %v", c.app.closed, c.app.closeErr, linuxerr.ECONNRESET)
			}
			if got := c.s.NumEndpoints(); got != 0 {
				t.Errorf("got %d connections, want 0", got)
			}
		})
	}
}

func TestConnectionRefused(t *testing.T) {
	c := newTestContext(t)
	c.open()

	// A bare RST cannot be checked against a window and is ignored.
	c.send(peerISN, 0, header.TCPFlagRst, "")
	if got := c.ep.State(); got != tcp.StateSynSent {
		t.Fatalf("got state %v, want %v", got, tcp.StateSynSent)
	}

	if err := c.send(0, testISN+1, header.TCPFlagRst|header.TCPFlagAck, ""); err != linuxerr.ECONNRESET {
		t.Errorf("got error %v, want %v", err, linuxerr.ECONNRESET)
	}
	if c.app.closeErr != linuxerr.ECONNRESET {
		t.Errorf("got close error %v, want %v", c.app.closeErr, linuxerr.ECONNRESET)
	}
	c.checkNoPacket("after reset")
}

func TestInvalidSegments(t *testing.T) {
	valid := func() []byte {
		return buildSegment(remoteFull.Port, localPort, peerISN, testISN+1, header.TCPFlagSyn|header.TCPFlagAck, nil, []byte("payload"))
	}
	for _, tc := range []struct {
		name   string
		mangle func([]byte) []byte
	}{
		{
			name:   "short",
			mangle: func(b []byte) []byte { return b[:header.TCPMinimumSize-1] },
		},
		{
			name: "header length below minimum",
			mangle: func(b []byte) []byte {
				b[12] = 4 << 4
				return b
			},
		},
		{
			name: "header length beyond segment",
			mangle: func(b []byte) []byte {
				b[12] = 15 << 4
				return b[:header.TCPMinimumSize+4]
			},
		},
		{
			name: "bad checksum",
			mangle: func(b []byte) []byte {
				b[len(b)-1] ^= 0xff
				return b
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestContext(t)
			c.open()
			if err := c.inject(tc.mangle(valid())); err != linuxerr.EINVAL {
				t.Errorf("got error %v, want %v", err, linuxerr.EINVAL)
			}
			c.checkNoPacket("invalid segment answered")
			if got := c.ep.State(); got != tcp.StateSynSent {
				t.Errorf("got state %v, want %v", got, tcp.StateSynSent)
			}
		})
	}
}

func TestReceiveWindow(t *testing.T) {
	c := newTestContext(t)
	c.app.window = 1001
	syn := c.open()
	if got, want := syn.WindowSize(), uint16(1000); got != want {
		t.Errorf("got SYN window %d, want %d", got, want)
	}
	c.send(peerISN, testISN+1, header.TCPFlagSyn|header.TCPFlagAck, "")
	c.getPacket()

	// The window grows with the application's.
	c.app.window = 4000
	c.send(peerISN+1, testISN+1, header.TCPFlagAck, "0123456789")
	ack := c.expect(segFields{SeqNum: testISN + 1, AckNum: peerISN + 11, Flags: header.TCPFlagAck})
	if got, want := ack.WindowSize(), uint16(4000); got != want {
		t.Errorf("got window %d, want %d", got, want)
	}

	// It never shrinks, but consumed space is taken off it.
	c.app.window = 100
	c.send(peerISN+11, testISN+1, header.TCPFlagAck, "0123456789")
	ack = c.expect(segFields{SeqNum: testISN + 1, AckNum: peerISN + 21, Flags: header.TCPFlagAck})
	if got, want := ack.WindowSize(), uint16(3990); got != want {
		t.Errorf("got window %d, want %d", got, want)
	}

	// Nor when memory runs low.
	c.free = 2000
	c.app.window = 1 << 20
	c.send(peerISN+21, testISN+1, header.TCPFlagAck, "0123456789")
	ack = c.getPacket()
	if got, want := ack.WindowSize(), uint16(3980); got != want {
		t.Errorf("got window %d, want %d", got, want)
	}
}

func TestOutOfWindowDataDropped(t *testing.T) {
	c := newTestContext(t)
	c.app.window = 100
	c.establish()

	c.send(peerISN+1+200, testISN+1, header.TCPFlagAck, "late")
	c.expect(segFields{SeqNum: testISN + 1, AckNum: peerISN + 1, Flags: header.TCPFlagAck})
	c.send(peerISN+1, testISN+1, header.TCPFlagAck, "a")
	c.expect(segFields{SeqNum: testISN + 1, AckNum: peerISN + 2, Flags: header.TCPFlagAck})
	if got, want := string(c.app.received), "a"; got != want {
		t.Errorf("got received data %q, want %q", got, want)
	}
}

func TestDiscard(t *testing.T) {
	c := newTestContext(t)
	c.establish()

	c.send(peerISN+101, testISN+1, header.TCPFlagAck, "CCCCCCCCCC")
	c.getPacket()
	c.send(peerISN+51, testISN+1, header.TCPFlagAck, "BBBBBBBBBB")
	c.getPacket()

	if got := c.s.Discard(); got != 1 {
		t.Fatalf("got Discard() = %d, want 1", got)
	}

	c.send(peerISN+1, testISN+1, header.TCPFlagAck, string(make([]byte, 50)))
	c.expect(segFields{SeqNum: testISN + 1, AckNum: peerISN + 61, Flags: header.TCPFlagAck})

	if got := c.s.Discard(); got != 0 {
		t.Errorf("got Discard() = %d on empty queue, want 0", got)
	}
}

func TestCloseBeforeSYN(t *testing.T) {
	c := newTestContext(t)
	ep, err := c.s.Open(c.app, remoteFull, tcpip.FullAddress{Port: localPort})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ep.Close()
	if got := ep.State(); got != tcp.StateClosed {
		t.Errorf("got state %v, want %v", got, tcp.StateClosed)
	}
	c.clock.Advance(time.Minute)
	c.checkNoPacket("after close")
	if got := c.s.NumEndpoints(); got != 0 {
		t.Errorf("got %d connections, want 0", got)
	}
	if c.app.closed != 0 {
		t.Errorf("application notified of its own close")
	}

	// The port is free again.
	if _, err := c.s.Open(c.app, remoteFull, tcpip.FullAddress{Port: localPort}); err != nil {
		t.Errorf("reopen failed: %v", err)
	}
}

func TestCloseWithUnsentData(t *testing.T) {
	c := newTestContext(t)
	c.establish()

	c.ep.Write([]byte("abc"))
	c.expect(segFields{SeqNum: testISN + 1, AckNum: peerISN + 1, Flags: header.TCPFlagAck | header.TCPFlagPsh, Payload: "abc"})
	c.ep.Write([]byte("def"))
	c.ep.Close()
	c.checkNoPacket("with a segment in flight")

	c.send(peerISN+1, testISN+4, header.TCPFlagAck, "")
	c.expect(segFields{SeqNum: testISN + 4, AckNum: peerISN + 1, Flags: header.TCPFlagAck | header.TCPFlagPsh, Payload: "def"})
	if got := c.ep.State(); got != tcp.StateEstablished {
		t.Errorf("got state %v with data queued, want %v", got, tcp.StateEstablished)
	}

	c.send(peerISN+1, testISN+7, header.TCPFlagAck, "")
	c.expect(segFields{SeqNum: testISN + 7, AckNum: peerISN + 1, Flags: header.TCPFlagAck | header.TCPFlagFin})
	if got := c.ep.State(); got != tcp.StateFinWait1 {
		t.Errorf("got state %v, want %v", got, tcp.StateFinWait1)
	}
}

func TestOpenErrors(t *testing.T) {
	c := newTestContext(t)
	c.open()

	if _, err := c.s.Open(c.app, remoteFull, tcpip.FullAddress{Port: localPort}); err != linuxerr.EADDRINUSE {
		t.Errorf("got error %v for port in use, want %v", err, linuxerr.EADDRINUSE)
	}
	if _, err := c.s.Open(nil, remoteFull, tcpip.FullAddress{}); err != linuxerr.EINVAL {
		t.Errorf("got error %v for nil application, want %v", err, linuxerr.EINVAL)
	}
	if _, err := c.s.Open(c.app, tcpip.FullAddress{Port: 80}, tcpip.FullAddress{}); err != linuxerr.EINVAL {
		t.Errorf("got error %v for missing address, want %v", err, linuxerr.EINVAL)
	}

	ep, err := c.s.Open(&testApp{}, remoteFull, tcpip.FullAddress{})
	if err != nil {
		t.Fatalf("Open with ephemeral port failed: %v", err)
	}
	if got := ep.LocalAddress().Port; got < 1024 || got == localPort {
		t.Errorf("got ephemeral port %d", got)
	}
	if got := c.s.NumEndpoints(); got != 2 {
		t.Errorf("got %d connections, want 2", got)
	}
}

func TestStackClose(t *testing.T) {
	c := newTestContext(t)
	c.establish()

	c.s.Close()
	if c.app.closed != 1 || c.app.closeErr != linuxerr.ECANCELED {
		t.Errorf("got %d Closed calls with %v, want one with %v", c.app.closed, c.app.closeErr, linuxerr.ECANCELED)
	}
	if got := c.s.NumEndpoints(); got != 0 {
		t.Errorf("got %d connections, want 0", got)
	}
	c.clock.Advance(time.Minute)
	c.checkNoPacket("after stack close")
}

func TestTransmitFailureRetried(t *testing.T) {
	c := newTestContext(t)
	c.establish()

	c.free = 10
	c.ep.Write([]byte("abc"))
	c.checkNoPacket("without memory")

	c.free = tcp.DefaultFreeMemory
	c.clock.Advance(250 * time.Millisecond)
	c.expect(segFields{SeqNum: testISN + 1, AckNum: peerISN + 1, Flags: header.TCPFlagAck | header.TCPFlagPsh, Payload: "abc"})

	c.link.SetWriteError(linuxerr.ENOBUFS)
	c.send(peerISN+1, testISN+4, header.TCPFlagAck, "x")
	c.checkNoPacket("with a failing link")
	c.link.SetWriteError(nil)

	// The ACK is still owed and goes out with the next transmission.
	c.ep.Write([]byte("d"))
	c.expect(segFields{SeqNum: testISN + 4, AckNum: peerISN + 2, Flags: header.TCPFlagAck | header.TCPFlagPsh, Payload: "d"})
}
