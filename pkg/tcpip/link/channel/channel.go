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

// Package channel provides a channel-based network endpoint for the TCP
// stack. Outbound segments are stored in a channel for inspection and
// inbound segments can be injected together with their pseudo-header seed.
package channel

import (
	"context"
	"sync"

	"ibboot.dev/ibboot/pkg/tcpip"
	"ibboot.dev/ibboot/pkg/tcpip/header"
)

// PacketInfo holds all the information about an outbound segment.
type PacketInfo struct {
	Src     tcpip.FullAddress
	Dst     tcpip.FullAddress
	Segment []byte
}

// TCP returns the segment as a header view.
func (p PacketInfo) TCP() header.TCP {
	return header.TCP(p.Segment)
}

// Dispatcher receives injected inbound segments.
type Dispatcher interface {
	HandlePacket(src, dst tcpip.FullAddress, seg []byte, pseudoHeaderSum uint16) error
}

type queue struct {
	// c is the outbound packet channel.
	c chan PacketInfo
}

func (q *queue) Close() {
	close(q.c)
}

func (q *queue) Read() (PacketInfo, bool) {
	select {
	case p := <-q.c:
		return p, true
	default:
		return PacketInfo{}, false
	}
}

func (q *queue) ReadContext(ctx context.Context) (PacketInfo, bool) {
	select {
	case pkt := <-q.c:
		return pkt, true
	case <-ctx.Done():
		return PacketInfo{}, false
	}
}

func (q *queue) Write(p PacketInfo) bool {
	select {
	case q.c <- p:
		return true
	default:
		return false
	}
}

func (q *queue) Num() int {
	return len(q.c)
}

// Endpoint stores outbound segments in a channel and allows injection of
// inbound segments.
type Endpoint struct {
	dispatcher Dispatcher

	mu sync.Mutex
	// writeErr, when set, is returned by WritePacket and the segment is
	// dropped.
	writeErr error

	// Outbound packet queue.
	q *queue
}

// New creates a new channel endpoint that buffers up to size segments.
func New(size int) *Endpoint {
	return &Endpoint{
		q: &queue{
			c: make(chan PacketInfo, size),
		},
	}
}

// Close closes e. Further writes will panic. Reads continue to succeed
// until all packets are read.
func (e *Endpoint) Close() {
	e.q.Close()
}

// Read does non-blocking read one packet from the outbound packet queue.
func (e *Endpoint) Read() (PacketInfo, bool) {
	return e.q.Read()
}

// ReadContext does blocking read for one packet from the outbound packet queue.
// It can be cancelled by ctx, and in this case, it returns false.
func (e *Endpoint) ReadContext(ctx context.Context) (PacketInfo, bool) {
	return e.q.ReadContext(ctx)
}

// Drain removes all outbound packets from the channel and counts them.
func (e *Endpoint) Drain() int {
	c := 0
	for {
		if _, ok := e.Read(); !ok {
			return c
		}
		c++
	}
}

// NumQueued returns the number of packet queued for outbound.
func (e *Endpoint) NumQueued() int {
	return e.q.Num()
}

// Attach saves the dispatcher for use later when segments are injected.
func (e *Endpoint) Attach(dispatcher Dispatcher) {
	e.dispatcher = dispatcher
}

// IsAttached reports whether a dispatcher is attached.
func (e *Endpoint) IsAttached() bool {
	return e.dispatcher != nil
}

// InjectInbound delivers seg to the attached dispatcher as if it had
// arrived from src addressed to dst.
func (e *Endpoint) InjectInbound(src, dst tcpip.FullAddress, seg []byte) error {
	sum := header.PseudoHeaderChecksum(header.TCPProtocolNumber, src.Addr, dst.Addr, uint16(len(seg)))
	return e.dispatcher.HandlePacket(src, dst, seg, sum)
}

// SetWriteError makes subsequent writes fail with err. A nil err restores
// normal operation.
func (e *Endpoint) SetWriteError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writeErr = err
}

// WritePacket stores an outbound segment into the channel. Segments are
// dropped silently when the channel is full.
func (e *Endpoint) WritePacket(src, dst tcpip.FullAddress, seg []byte) error {
	e.mu.Lock()
	err := e.writeErr
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.q.Write(PacketInfo{
		Src:     src,
		Dst:     dst,
		Segment: append([]byte(nil), seg...),
	})
	return nil
}
