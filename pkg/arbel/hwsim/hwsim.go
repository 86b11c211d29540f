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

// Package hwsim simulates an Arbel HCA closely enough to exercise the
// arbel driver without hardware.
//
// The simulator executes commands synchronously when the "go" bit is
// written, reads and writes host memory through an mmio.HeapAllocator, and
// produces completions only when told to by the test: ProcessSends
// transmits posted send work requests and Deliver consumes a posted
// receive work request.
package hwsim

import (
	"encoding/binary"
	"fmt"

	"ibboot.dev/ibboot/pkg/mmio"
	"ibboot.dev/ibboot/pkg/prm"
)

// Command status codes.
const (
	StatusOK          = 0x00
	StatusInternalErr = 0x01
	StatusBadOp       = 0x02
	StatusBadParam    = 0x03
	StatusBadResState = 0x09
	StatusBadIndex    = 0x0a
	StatusBadQPState  = 0x10
)

// Geometry and encodings shared with the driver.
const (
	hcrBase        = 0x80680
	postSendOffset = 0x10

	numDoorbellRecords = 512
	numMGMs            = 64

	opcodeSend      = 0x0a
	opcodeRecvError = 0xfe
	opcodeSendError = 0xff
	opcodeUDRecv    = 0x64

	madMethodGetResp     = 0x81
	madStatusBadVersion  = 0x0004
	madStatusUnsupported = 0x000c

	invalidLKey = 0x100

	resSQ = 3
	resRQ = 4
)

// Properties are the values the simulated device reports.
type Properties struct {
	Log2RsvdQPs uint32
	Log2RsvdCQs uint32
	NumRsvdUARs uint32

	GIDPrefix [8]byte
	GUID      [8]byte
	LID       uint16
	SMLID     uint16
	PKey      uint16

	// MADStatus, if nonzero, is returned in every MAD response.
	MADStatus uint16
}

// DefaultProperties returns a plausible single-port device.
func DefaultProperties() Properties {
	return Properties{
		Log2RsvdQPs: 4,
		Log2RsvdCQs: 3,
		NumRsvdUARs: 1,
		GIDPrefix:   [8]byte{0xfe, 0x80, 0, 0, 0, 0, 0, 0},
		GUID:        [8]byte{0x00, 0x02, 0xc9, 0x02, 0x00, 0x21, 0x3f, 0x51},
		LID:         0x0007,
		SMLID:       0x0001,
		PKey:        0xffff,
	}
}

// QPState is the hardware state of a queue pair.
type QPState int

// Queue pair states.
const (
	Reset QPState = iota
	Init
	RTR
	RTS
)

// String implements fmt.Stringer.
func (s QPState) String() string {
	switch s {
	case Reset:
		return "RESET"
	case Init:
		return "INIT"
	case RTR:
		return "RTR"
	case RTS:
		return "RTS"
	default:
		return fmt.Sprintf("QPState(%d)", int(s))
	}
}

// Command records one executed command.
type Command struct {
	Opcode   uint32
	OpMod    uint32
	InputMod uint32
	Status   uint32
}

// Packet is a datagram taken from a send queue.
type Packet struct {
	SrcQPN     uint32
	DestQPN    uint32
	QKey       uint32
	DLID       uint16
	SL         uint8
	GIDPresent bool
	GID        [16]byte
	Payload    []byte
}

type cq struct {
	ctx      []byte
	start    uint64
	size     uint32
	producer uint32
}

type qp struct {
	state QPState
	ctx   []byte

	sndCQN, rcvCQN     uint32
	sndBase, rcvBase   uint64
	sqSize, rqSize     uint32
	sqStride, rqStride uint32
	sndDB, rcvDB       uint32

	sendConsumed, recvConsumed uint32

	failSyndrome uint8
	failNext     bool

	// linkErr records the first send doorbell whose entry was not linked
	// from its predecessor. ProcessSends reports it.
	linkErr error
}

// HCA is a simulated Arbel HCA.
type HCA struct {
	mem   *mmio.HeapAllocator
	props Properties

	// MailboxIn, MailboxOut and DoorbellRecords are allocated from the
	// simulator's memory for the driver to use.
	MailboxIn       *mmio.Buffer
	MailboxOut      *mmio.Buffer
	DoorbellRecords *mmio.Buffer

	hcr [prm.HCRSize / 4]uint32
	cqs map[uint32]*cq
	qps map[uint32]*qp
	mgm [numMGMs][prm.MGMEntrySize]byte

	fail  map[uint32]uint32
	stuck bool

	uarLow  uint32
	uarHalf bool

	// Commands lists every executed command in order.
	Commands []Command
	// Doorbells lists every send doorbell rung, as the 8 bytes written.
	Doorbells [][prm.DoorbellRegisterSize]byte
}

// New returns a simulated HCA using mem for host memory.
func New(mem *mmio.HeapAllocator, props Properties) (*HCA, error) {
	h := &HCA{
		mem:   mem,
		props: props,
		cqs:   make(map[uint32]*cq),
		qps:   make(map[uint32]*qp),
		fail:  make(map[uint32]uint32),
	}
	var err error
	if h.MailboxIn, err = mem.Alloc(prm.QPContextSize, 4096); err != nil {
		return nil, err
	}
	if h.MailboxOut, err = mem.Alloc(prm.QPContextSize, 4096); err != nil {
		return nil, err
	}
	if h.DoorbellRecords, err = mem.Alloc(numDoorbellRecords*prm.DoorbellRecordSize, 4096); err != nil {
		return nil, err
	}
	return h, nil
}

// Config returns the configuration space registers.
func (h *HCA) Config() mmio.Registers { return configSpace{h} }

// UAR returns the user access region registers.
func (h *HCA) UAR() mmio.Registers { return uar{h} }

// FailCommand makes every following command with the given opcode fail
// with status without taking effect. A zero status clears the failure.
func (h *HCA) FailCommand(opcode, status uint32) {
	if status == 0 {
		delete(h.fail, opcode)
		return
	}
	h.fail[opcode] = status
}

// SetStuck sets the "go" bit and keeps it set until SetStuck(false), as if
// a command never finished.
func (h *HCA) SetStuck(stuck bool) {
	h.stuck = stuck
	h.setGo(stuck)
}

// HoldGo makes commands keep the "go" bit set after they execute, as if
// they never finished.
func (h *HCA) HoldGo(hold bool) {
	h.stuck = hold
}

// QPState returns the state of qpn. Unknown queue pairs are in reset.
func (h *HCA) QPState(qpn uint32) QPState {
	if q, ok := h.qps[qpn]; ok {
		return q.state
	}
	return Reset
}

// QPContext returns the context passed to RST2INIT for qpn, or nil.
func (h *HCA) QPContext(qpn uint32) []byte {
	if q, ok := h.qps[qpn]; ok {
		return q.ctx
	}
	return nil
}

// CQContext returns the context passed to SW2HW_CQ for cqn, or nil.
func (h *HCA) CQContext(cqn uint32) []byte {
	if c, ok := h.cqs[cqn]; ok {
		return c.ctx
	}
	return nil
}

// NumCQs and NumQPs return the number of queues owned by hardware.
func (h *HCA) NumCQs() int { return len(h.cqs) }
func (h *HCA) NumQPs() int { return len(h.qps) }

// MGM returns multicast group table entry index.
func (h *HCA) MGM(index uint32) []byte {
	return h.mgm[index][:]
}

// HashGID returns the multicast group table index of gid.
func HashGID(gid [16]byte) uint32 {
	var hash uint16
	for i := 0; i < len(gid); i += 2 {
		hash ^= binary.BigEndian.Uint16(gid[i:])
	}
	return uint32(hash) % numMGMs
}

// DoorbellRecord returns doorbell record idx.
func (h *HCA) DoorbellRecord(idx uint32) []byte {
	off := idx * prm.DoorbellRecordSize
	return h.DoorbellRecords.Mem[off : off+prm.DoorbellRecordSize]
}

// ConsumerIndex returns the consumer index the driver last reported for
// cqn.
func (h *HCA) ConsumerIndex(cqn uint32) (uint32, bool) {
	c, ok := h.cqs[cqn]
	if !ok {
		return 0, false
	}
	return prm.Get(h.DoorbellRecord(prm.Get(c.ctx, prm.CQContext.CIDoorbell)), prm.DoorbellRecord.Counter), true
}

type configSpace struct{ h *HCA }

func hcrIndex(offset uint32) (int, bool) {
	if offset < hcrBase || offset >= hcrBase+prm.HCRSize || offset%4 != 0 {
		return 0, false
	}
	return int(offset-hcrBase) / 4, true
}

// Read32 implements mmio.Registers.Read32.
func (c configSpace) Read32(offset uint32) uint32 {
	if i, ok := hcrIndex(offset); ok {
		return c.h.hcr[i]
	}
	return 0
}

// Write32 implements mmio.Registers.Write32.
func (c configSpace) Write32(offset uint32, v uint32) {
	i, ok := hcrIndex(offset)
	if !ok {
		return
	}
	c.h.hcr[i] = v
	if i == prm.HCR.Go.Dword && c.h.goSet() {
		c.h.execute()
	}
}

type uar struct{ h *HCA }

// Read32 implements mmio.Registers.Read32.
func (uar) Read32(uint32) uint32 { return 0 }

// Write32 implements mmio.Registers.Write32.
func (u uar) Write32(offset uint32, v uint32) {
	h := u.h
	switch offset {
	case postSendOffset:
		h.uarLow, h.uarHalf = v, true
	case postSendOffset + 4:
		if !h.uarHalf {
			return
		}
		var db [prm.DoorbellRegisterSize]byte
		prm.PutDword(db[:], 0, h.uarLow)
		prm.PutDword(db[:], 1, v)
		h.Doorbells = append(h.Doorbells, db)
		h.uarHalf = false
		h.sendDoorbell(db[:])
	}
}
