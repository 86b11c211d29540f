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

// Package tcp contains the implementation of the TCP transport protocol used
// during network boot.
//
// The implementation is deliberately small. There is no listen path, at
// most one segment's worth of data is in flight per connection, and the
// retransmission timeout follows a fixed exponential schedule rather than
// an RTT estimate. A Stack and its Endpoints are not safe for concurrent use;
// every call, including timer callbacks from the Clock, must come from a
// single loop.
package tcp

import (
	"io"
	"net/netip"
	"time"

	"ibboot.dev/ibboot/pkg/errors/linuxerr"
	"ibboot.dev/ibboot/pkg/log"
	"ibboot.dev/ibboot/pkg/metric"
	"ibboot.dev/ibboot/pkg/rand"
	"ibboot.dev/ibboot/pkg/tcpip"
	"ibboot.dev/ibboot/pkg/tcpip/header"
	"ibboot.dev/ibboot/pkg/tcpip/ports"
)

const (
	// ProtocolNumber is the tcp protocol number.
	ProtocolNumber = header.TCPProtocolNumber

	// PathMTU is the largest payload sent in one segment: an IPv6 minimum
	// MTU less the IPv6 and TCP headers.
	PathMTU = 1280 - 40 - 20

	// MSS is the maximum segment size advertised in our SYN.
	MSS = 1460

	// MaxWindow is the largest receive window advertised. It is kept
	// dword aligned.
	MaxWindow = 65536 - 4

	// DefaultMSL is the default maximum segment lifetime. TIME_WAIT lasts
	// twice this.
	DefaultMSL = 120 * time.Second

	// DefaultFreeMemory is the free-memory figure used when Options does
	// not supply one. It is large enough that the receive window is capped
	// by MaxWindow.
	DefaultFreeMemory = 1 << 20
)

var (
	segmentsMetric = metric.MustCreateNewUint64Metric("/tcp/segments", "Number of TCP segments sent and received.",
		metric.NewField("direction", []string{"sent", "received"}))
	invalidSegmentsMetric = metric.MustCreateNewUint64Metric("/tcp/invalid_segments", "Number of received TCP segments dropped as malformed.")
	resetsSentMetric      = metric.MustCreateNewUint64Metric("/tcp/resets_sent", "Number of RST segments sent.")
	retransmitsMetric     = metric.MustCreateNewUint64Metric("/tcp/retransmits", "Number of retransmission timer expiries that resent data.")
	timeoutsMetric        = metric.MustCreateNewUint64Metric("/tcp/timeouts", "Number of connections abandoned after retransmission gave up.")
	discardedMetric       = metric.MustCreateNewUint64Metric("/tcp/discarded_segments", "Number of reassembly queue entries dropped under memory pressure.")
)

// rxLog reports problems with individual received segments.
var rxLog = log.BasicRateLimitedLogger(time.Second)

// Network is the layer below TCP. WritePacket routes a finished segment,
// checksum included, from src to dst.
type Network interface {
	WritePacket(src, dst tcpip.FullAddress, seg []byte) error
}

// Options configures a Stack.
type Options struct {
	// Clock drives the retransmission and TIME_WAIT timers. Required.
	Clock tcpip.Clock

	// Network transmits segments. Required.
	Network Network

	// LocalAddress is the source address used when Open is not given
	// one.
	LocalAddress netip.Addr

	// Rand supplies initial sequence numbers and ephemeral port scan
	// starts. Defaults to the system's cryptographic source.
	Rand io.Reader

	// FreeMemory reports the memory available for buffers. Segments are
	// not built when it is smaller than the segment, and the advertised
	// receive window never exceeds three quarters of it.
	FreeMemory func() int

	// Retransmit configures the retransmission timer. The zero value
	// selects DefaultRetransmitOptions.
	Retransmit RetransmitOptions

	// MSL is the maximum segment lifetime. Defaults to DefaultMSL.
	MSL time.Duration
}

// Stack owns the live connections and dispatches received segments to
// them.
type Stack struct {
	opts  Options
	ports *ports.PortManager

	// endpoints holds the live connections in the order they were opened.
	endpoints []*Endpoint
}

// NewStack creates a Stack.
func NewStack(opts Options) *Stack {
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	if opts.FreeMemory == nil {
		opts.FreeMemory = func() int { return DefaultFreeMemory }
	}
	if opts.Retransmit == (RetransmitOptions{}) {
		opts.Retransmit = DefaultRetransmitOptions
	}
	if opts.MSL == 0 {
		opts.MSL = DefaultMSL
	}
	if !opts.LocalAddress.IsValid() {
		opts.LocalAddress = netip.IPv4Unspecified()
	}
	return &Stack{
		opts:  opts,
		ports: ports.NewPortManager(opts.Rand),
	}
}

// Open starts an active open to remote. The connection's first SYN is sent
// from the clock's next scheduling opportunity. A zero local port picks a
// free ephemeral port; a nonzero one must not be in use by a live
// connection. app receives the connection's data and lifecycle events.
func (s *Stack) Open(app Application, remote, local tcpip.FullAddress) (*Endpoint, error) {
	if app == nil || !remote.Addr.IsValid() {
		return nil, linuxerr.EINVAL
	}
	isn, err := rand.Uint32(s.opts.Rand)
	if err != nil {
		return nil, err
	}
	port, err := s.ports.ReservePort(local.Port)
	if err != nil {
		return nil, err
	}
	if !local.Addr.IsValid() {
		local.Addr = s.opts.LocalAddress
	}
	local.Port = port

	e := newEndpoint(s, app, local, remote, isn)
	s.endpoints = append(s.endpoints, e)
	log.Debugf("TCP %s opened, ISN %#08x", e, isn)

	// Initiate the SYN.
	e.retransmit.startNoDelay()
	return e, nil
}

// demux finds the live connection bound to a local port.
func (s *Stack) demux(port uint16) *Endpoint {
	for _, e := range s.endpoints {
		if e.local.Port == port {
			return e
		}
	}
	return nil
}

// remove drops e from the live set and frees its port.
func (s *Stack) remove(e *Endpoint) {
	for i, o := range s.endpoints {
		if o == e {
			s.endpoints = append(s.endpoints[:i], s.endpoints[i+1:]...)
			break
		}
	}
	s.ports.ReleasePort(e.local.Port)
	log.Debugf("TCP %s connection deleted", e)
}

// NumEndpoints returns the number of live connections.
func (s *Stack) NumEndpoints() int {
	return len(s.endpoints)
}

// HandlePacket processes a received segment. src and dst are the segment's
// network addresses; their ports are ignored in favour of the header's.
// pseudoHeaderSum is the pseudo-header checksum for the segment, computed by
// the network layer.
//
// The returned error says why a segment was not accepted. Callers need not
// act on it: rejected segments have already been dropped or answered.
func (s *Stack) HandlePacket(src, dst tcpip.FullAddress, seg []byte, pseudoHeaderSum uint16) error {
	segmentsMetric.Increment("received")
	if len(seg) < header.TCPMinimumSize {
		rxLog.Debugf("TCP segment too short at %d bytes (min %d bytes)", len(seg), header.TCPMinimumSize)
		invalidSegmentsMetric.Increment()
		return linuxerr.EINVAL
	}
	h := header.TCP(seg)
	hlen := int(h.DataOffset())
	if hlen < header.TCPMinimumSize {
		rxLog.Debugf("TCP header too short at %d bytes (min %d bytes)", hlen, header.TCPMinimumSize)
		invalidSegmentsMetric.Increment()
		return linuxerr.EINVAL
	}
	if hlen > len(seg) {
		rxLog.Debugf("TCP header too long at %d bytes (max %d bytes)", hlen, len(seg))
		invalidSegmentsMetric.Increment()
		return linuxerr.EINVAL
	}
	if !h.IsChecksumValid(pseudoHeaderSum) {
		rxLog.Debugf("TCP checksum incorrect (is %#04x including checksum field, should be 0000)", ^header.Checksum(seg, pseudoHeaderSum))
		invalidSegmentsMetric.Increment()
		return linuxerr.EINVAL
	}

	e := s.demux(h.DestinationPort())
	opts := h.ParsedOptions()
	for _, kind := range opts.Unknown {
		rxLog.Debugf("TCP %v received unknown option %d", e, kind)
	}
	if opts.Truncated {
		rxLog.Debugf("TCP %v received malformed options", e)
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("TCP %v RX %s", e, h)
	}

	if e == nil {
		local := tcpip.FullAddress{Addr: dst.Addr, Port: h.DestinationPort()}
		remote := tcpip.FullAddress{Addr: src.Addr, Port: h.SourcePort()}
		s.xmitReset(local, remote, h)
		return linuxerr.ENOTCONN
	}
	if opts.TS {
		e.tsVal = opts.TSVal
	}
	return e.handleSegment(h, opts)
}

// Discard drops one buffered reassembly segment from every connection that
// has one, preferring the longest-queued. It returns the number dropped.
func (s *Stack) Discard() int {
	n := 0
	for _, e := range s.endpoints {
		if e.rcvQueue.dropOldest() {
			n++
		}
	}
	discardedMetric.IncrementBy(uint64(n))
	return n
}

// Close aborts every live connection. Applications see ECANCELED.
func (s *Stack) Close() {
	for _, e := range append([]*Endpoint(nil), s.endpoints...) {
		e.setState(StateClosed)
		e.close(linuxerr.ECANCELED)
	}
}

// xmitReset answers a segment with a RST. The reply acknowledges the
// incoming sequence number and claims the incoming acknowledgement number as
// its own, so the peer can match it. RST segments are never answered.
func (s *Stack) xmitReset(local, remote tcpip.FullAddress, in header.TCP) {
	if in.Flags().Contains(header.TCPFlagRst) {
		return
	}
	seg := header.TCP(make([]byte, header.TCPMinimumSize))
	seg.Encode(&header.TCPFields{
		SrcPort:    in.DestinationPort(),
		DstPort:    in.SourcePort(),
		SeqNum:     in.AckNumber(),
		AckNum:     in.SequenceNumber(),
		DataOffset: header.TCPMinimumSize,
		Flags:      header.TCPFlagRst | header.TCPFlagAck,
		WindowSize: MaxWindow,
	})
	sum := header.PseudoHeaderChecksum(ProtocolNumber, local.Addr, remote.Addr, uint16(len(seg)))
	seg.SetChecksum(seg.CalculateChecksum(sum))
	log.Debugf("TCP TX %s", seg)
	if err := s.opts.Network.WritePacket(local, remote, seg); err != nil {
		log.Debugf("TCP could not transmit RST %#08x: %v", in.AckNumber(), err)
		return
	}
	segmentsMetric.Increment("sent")
	resetsSentMetric.Increment()
}
