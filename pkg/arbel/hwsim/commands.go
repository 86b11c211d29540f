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

package hwsim

import (
	"encoding/binary"

	"ibboot.dev/ibboot/pkg/log"
	"ibboot.dev/ibboot/pkg/prm"
)

// Opcodes understood by the simulator.
const (
	opQueryDevLim = 0x03
	opSW2HWCQ     = 0x16
	opHW2SWCQ     = 0x17
	opRST2INITQPE = 0x19
	opINIT2RTRQPE = 0x1a
	opRTR2RTSQPE  = 0x1b
	op2RSTQPE     = 0x21
	opMADIFC      = 0x24
	opReadMGM     = 0x25
	opWriteMGM    = 0x26
	opMGIDHash    = 0x27
)

// MAD attributes.
const (
	madAttrGUIDInfo  = 0x14
	madAttrPortInfo  = 0x15
	madAttrPKeyTable = 0x16
)

func (h *HCA) goSet() bool {
	var hcr [prm.HCRSize]byte
	prm.PutDword(hcr[:], prm.HCR.Go.Dword, h.hcr[prm.HCR.Go.Dword])
	return prm.Get(hcr[:], prm.HCR.Go) != 0
}

func (h *HCA) setGo(set bool) {
	var v uint32
	if set {
		v = 1
	}
	var hcr [prm.HCRSize]byte
	prm.PutDword(hcr[:], prm.HCR.Go.Dword, h.hcr[prm.HCR.Go.Dword])
	prm.Set(hcr[:], prm.HCR.Go, v)
	h.hcr[prm.HCR.Go.Dword] = prm.Dword(hcr[:], prm.HCR.Go.Dword)
}

// request is a decoded command register bank.
type request struct {
	opcode, opMod, inMod uint32
	in, out              uint64
}

func (h *HCA) execute() {
	var hcr [prm.HCRSize]byte
	for i, v := range h.hcr {
		prm.PutDword(hcr[:], i, v)
	}
	r := request{
		opcode: prm.Get(hcr[:], prm.HCR.Opcode),
		opMod:  prm.Get(hcr[:], prm.HCR.OpcodeModifier),
		inMod:  prm.Get(hcr[:], prm.HCR.InputModifier),
		in:     uint64(prm.Get(hcr[:], prm.HCR.InParamH))<<32 | uint64(prm.Get(hcr[:], prm.HCR.InParamL)),
		out:    uint64(prm.Get(hcr[:], prm.HCR.OutParamH))<<32 | uint64(prm.Get(hcr[:], prm.HCR.OutParamL)),
	}

	status, injected := h.fail[r.opcode]
	if !injected {
		status = h.run(r, hcr[:])
	}
	h.Commands = append(h.Commands, Command{Opcode: r.opcode, OpMod: r.opMod, InputMod: r.inMod, Status: status})
	log.Debugf("hwsim: command %#x modifier %#x: status %#x", r.opcode, r.inMod, status)

	prm.Set(hcr[:], prm.HCR.Status, status)
	if !h.stuck {
		prm.Set(hcr[:], prm.HCR.Go, 0)
	}
	for i := range h.hcr {
		h.hcr[i] = prm.Dword(hcr[:], i)
	}
}

// run executes r and returns its status. Inline output goes to hcr.
func (h *HCA) run(r request, hcr []byte) uint32 {
	switch r.opcode {
	case opQueryDevLim:
		out, ok := h.mem.Resolve(r.out, prm.DevLimSize)
		if !ok {
			return StatusBadParam
		}
		clear(out)
		prm.Set(out, prm.DevLim.Log2RsvdQPs, h.props.Log2RsvdQPs)
		prm.Set(out, prm.DevLim.Log2RsvdCQs, h.props.Log2RsvdCQs)
		prm.Set(out, prm.DevLim.NumRsvdUARs, h.props.NumRsvdUARs)
		return StatusOK

	case opSW2HWCQ:
		return h.sw2hwCQ(r)

	case opHW2SWCQ:
		if _, ok := h.cqs[r.inMod]; !ok {
			return StatusBadResState
		}
		delete(h.cqs, r.inMod)
		return StatusOK

	case opRST2INITQPE:
		return h.rst2init(r)

	case opINIT2RTRQPE:
		q, ok := h.qps[r.inMod]
		if !ok || q.state != Init {
			return StatusBadQPState
		}
		in, ok := h.mem.Resolve(r.in, prm.QPContextSize)
		if !ok {
			return StatusBadParam
		}
		prm.Set(q.ctx, prm.QPContext.MTU, prm.Get(in, prm.QPContext.MTU))
		prm.Set(q.ctx, prm.QPContext.MsgMax, prm.Get(in, prm.QPContext.MsgMax))
		q.state = RTR
		return StatusOK

	case opRTR2RTSQPE:
		q, ok := h.qps[r.inMod]
		if !ok || q.state != RTR {
			return StatusBadQPState
		}
		q.state = RTS
		return StatusOK

	case op2RSTQPE:
		delete(h.qps, r.inMod)
		return StatusOK

	case opMADIFC:
		return h.madIFC(r)

	case opReadMGM:
		if r.inMod >= numMGMs {
			return StatusBadIndex
		}
		out, ok := h.mem.Resolve(r.out, prm.MGMEntrySize)
		if !ok {
			return StatusBadParam
		}
		copy(out, h.mgm[r.inMod][:])
		return StatusOK

	case opWriteMGM:
		if r.inMod >= numMGMs {
			return StatusBadIndex
		}
		in, ok := h.mem.Resolve(r.in, prm.MGMEntrySize)
		if !ok {
			return StatusBadParam
		}
		copy(h.mgm[r.inMod][:], in)
		return StatusOK

	case opMGIDHash:
		in, ok := h.mem.Resolve(r.in, prm.GIDSize)
		if !ok {
			return StatusBadParam
		}
		var gid [16]byte
		copy(gid[:], in)
		var out [prm.MGMHashSize]byte
		prm.Set(out[:], prm.MGMHash.Hash, HashGID(gid))
		prm.PutDword(hcr, prm.HCRInlineOut, prm.Dword(out[:], 0))
		prm.PutDword(hcr, prm.HCRInlineOut+1, prm.Dword(out[:], 1))
		return StatusOK

	default:
		return StatusBadOp
	}
}

func (h *HCA) sw2hwCQ(r request) uint32 {
	if _, ok := h.cqs[r.inMod]; ok {
		return StatusBadResState
	}
	in, ok := h.mem.Resolve(r.in, prm.CQContextSize)
	if !ok {
		return StatusBadParam
	}
	if prm.Get(in, prm.CQContext.CQN) != r.inMod {
		return StatusBadParam
	}
	c := &cq{
		ctx:   append([]byte(nil), in...),
		start: uint64(prm.Get(in, prm.CQContext.StartAddressH))<<32 | uint64(prm.Get(in, prm.CQContext.StartAddressL)),
		size:  1 << prm.Get(in, prm.CQContext.LogCQSize),
	}
	if _, ok := h.mem.Resolve(c.start, int(c.size)*prm.CQESize); !ok {
		return StatusBadParam
	}
	h.cqs[r.inMod] = c
	return StatusOK
}

func (h *HCA) rst2init(r request) uint32 {
	if q, ok := h.qps[r.inMod]; ok && q.state != Reset {
		return StatusBadQPState
	}
	in, ok := h.mem.Resolve(r.in, prm.QPContextSize)
	if !ok {
		return StatusBadParam
	}
	q := &qp{
		state:    Init,
		ctx:      append([]byte(nil), in...),
		sndCQN:   prm.Get(in, prm.QPContext.CQNSnd),
		rcvCQN:   prm.Get(in, prm.QPContext.CQNRcv),
		sndBase:  uint64(prm.Get(in, prm.QPContext.SndWQEBase)) << 6,
		rcvBase:  uint64(prm.Get(in, prm.QPContext.RcvWQEBase)) << 6,
		sqSize:   1 << prm.Get(in, prm.QPContext.LogSQSize),
		rqSize:   1 << prm.Get(in, prm.QPContext.LogRQSize),
		sqStride: 1 << (prm.Get(in, prm.QPContext.LogSQStride) + 4),
		rqStride: 1 << (prm.Get(in, prm.QPContext.LogRQStride) + 4),
		sndDB:    prm.Get(in, prm.QPContext.SndDBIndex),
		rcvDB:    prm.Get(in, prm.QPContext.RcvDBIndex),
	}
	if _, ok := h.cqs[q.sndCQN]; !ok {
		return StatusBadParam
	}
	if _, ok := h.cqs[q.rcvCQN]; !ok {
		return StatusBadParam
	}
	if q.sndDB >= numDoorbellRecords || q.rcvDB >= numDoorbellRecords {
		return StatusBadParam
	}
	if _, ok := h.mem.Resolve(q.sndBase, int(q.sqSize*q.sqStride)); !ok {
		return StatusBadParam
	}
	if _, ok := h.mem.Resolve(q.rcvBase, int(q.rqSize*q.rqStride)); !ok {
		return StatusBadParam
	}
	h.qps[r.inMod] = q
	return StatusOK
}

func (h *HCA) madIFC(r request) uint32 {
	in, ok := h.mem.Resolve(r.in, prm.MADSize)
	if !ok {
		return StatusBadParam
	}
	out, ok := h.mem.Resolve(r.out, prm.MADSize)
	if !ok {
		return StatusBadParam
	}
	var m [prm.MADSize]byte
	copy(m[:], in)
	m[prm.MADMethod] = madMethodGetResp
	var status uint16
	switch attr := binary.BigEndian.Uint16(m[prm.MADAttrID:]); {
	case m[prm.MADBaseVersion] != 1:
		status = madStatusBadVersion
	case attr == madAttrPortInfo:
		copy(m[prm.PortInfoGIDPrefix:], h.props.GIDPrefix[:])
		binary.BigEndian.PutUint16(m[prm.PortInfoLID:], h.props.LID)
		binary.BigEndian.PutUint16(m[prm.PortInfoMasterSMLID:], h.props.SMLID)
	case attr == madAttrGUIDInfo:
		copy(m[prm.GUIDInfoGIDLocal:], h.props.GUID[:])
	case attr == madAttrPKeyTable:
		binary.BigEndian.PutUint16(m[prm.PKeyTableFirst:], h.props.PKey)
	default:
		status = madStatusUnsupported
	}
	if h.props.MADStatus != 0 {
		status = h.props.MADStatus
	}
	binary.BigEndian.PutUint16(m[prm.MADStatus:], status)
	copy(out, m[:])
	return StatusOK
}
