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
	"fmt"

	"ibboot.dev/ibboot/pkg/mmio"
	"ibboot.dev/ibboot/pkg/prm"
)

// writeCQE produces a completion on cqn. fill populates the entry, which
// is handed to software once fill returns.
func (h *HCA) writeCQE(cqn uint32, fill func(cqe []byte)) error {
	c, ok := h.cqs[cqn]
	if !ok {
		return fmt.Errorf("CQN %#x not owned by hardware", cqn)
	}
	slot := c.producer & (c.size - 1)
	cqe, ok := h.mem.Resolve(c.start+uint64(slot*prm.CQESize), prm.CQESize)
	if !ok {
		return fmt.Errorf("CQN %#x: entry %d not mapped", cqn, slot)
	}
	if prm.Get(cqe, prm.CQE.Owner) == 0 {
		return fmt.Errorf("CQN %#x overflow at entry %d", cqn, slot)
	}
	clear(cqe)
	fill(cqe)
	prm.Set(cqe, prm.CQE.Owner, 1)
	mmio.Barrier()
	prm.Set(cqe, prm.CQE.Owner, 0)
	c.producer++
	return nil
}

func (h *HCA) activeQP(qpn uint32) (*qp, error) {
	q, ok := h.qps[qpn]
	if !ok || q.state != RTS {
		return nil, fmt.Errorf("QPN %#x not ready to send", qpn)
	}
	return q, nil
}

// checkDoorbellRecord verifies that record idx is armed for qpn and
// returns its 16-bit counter.
func (h *HCA) checkDoorbellRecord(idx, res, qpn uint32) (uint32, error) {
	rec := h.DoorbellRecord(idx)
	if prm.Get(rec, prm.DoorbellRecord.Res) != res || prm.Get(rec, prm.DoorbellRecord.Number) != qpn {
		return 0, fmt.Errorf("doorbell record %d not armed for QPN %#x", idx, qpn)
	}
	return prm.Get(rec, prm.DoorbellRecord.Counter) & 0xffff, nil
}

// sendDoorbell checks, at the moment a send doorbell is rung, that the entry
// it names is reachable through its predecessor's next segment. The
// predecessor is rewritten when it is itself reposted, so the link can only
// be checked while the doorbell is fresh.
func (h *HCA) sendDoorbell(db []byte) {
	qpn := prm.Get(db, prm.SendDoorbell.QPN)
	q, ok := h.qps[qpn]
	if !ok || q.linkErr != nil || q.sqSize == 0 {
		return
	}
	slot := prm.Get(db, prm.SendDoorbell.WQECounter) & (q.sqSize - 1)
	addr := q.sndBase + uint64(slot*q.sqStride)
	prevAddr := q.sndBase + uint64(((slot-1)&(q.sqSize-1))*q.sqStride)
	prev, ok := h.mem.Resolve(prevAddr, int(q.sqStride))
	if !ok ||
		uint64(prm.Get(prev, prm.WQENext.NDA))<<6 != addr ||
		prm.Get(prev, prm.WQENext.NOpcode) != opcodeSend ||
		prm.Get(prev, prm.WQENext.NDS) == 0 {
		q.linkErr = fmt.Errorf("QPN %#x: send WQE %d not linked", qpn, slot)
	}
}

// FailNextSend makes the next send work request of qpn complete with an
// error carrying syndrome.
func (h *HCA) FailNextSend(qpn uint32, syndrome uint8) error {
	q, ok := h.qps[qpn]
	if !ok {
		return fmt.Errorf("QPN %#x unknown", qpn)
	}
	q.failNext, q.failSyndrome = true, syndrome
	return nil
}

// ProcessSends transmits every send work request posted on qpn and
// returns the resulting packets in order.
func (h *HCA) ProcessSends(qpn uint32) ([]Packet, error) {
	q, err := h.activeQP(qpn)
	if err != nil {
		return nil, err
	}
	if q.linkErr != nil {
		return nil, q.linkErr
	}
	counter, err := h.checkDoorbellRecord(q.sndDB, resSQ, qpn)
	if err != nil {
		return nil, err
	}
	var pkts []Packet
	for q.sendConsumed&0xffff != counter {
		slot := q.sendConsumed & (q.sqSize - 1)
		addr := q.sndBase + uint64(slot*q.sqStride)
		wqe, ok := h.mem.Resolve(addr, int(q.sqStride))
		if !ok {
			return pkts, fmt.Errorf("QPN %#x: send WQE %d not mapped", qpn, slot)
		}
		ud := wqe[prm.SendWQEUDOffset:]
		data := wqe[prm.SendWQEDataOffset:]
		n := prm.Get(data, prm.DataSeg.ByteCount)
		laddr := uint64(prm.Get(data, prm.DataSeg.LocalAddressH))<<32 | uint64(prm.Get(data, prm.DataSeg.LocalAddressL))
		payload, ok := h.mem.Resolve(laddr, int(n))
		if !ok {
			return pkts, fmt.Errorf("QPN %#x: send buffer %#x+%d not mapped", qpn, laddr, n)
		}
		p := Packet{
			SrcQPN:     qpn,
			DestQPN:    prm.Get(ud, prm.UDAV.DestinationQP),
			QKey:       prm.Get(ud, prm.UDAV.QKey),
			DLID:       uint16(prm.Get(ud, prm.UDAV.RLID)),
			SL:         uint8(prm.Get(ud, prm.UDAV.SL)),
			GIDPresent: prm.Get(ud, prm.UDAV.G) != 0,
			Payload:    append([]byte(nil), payload...),
		}
		if p.GIDPresent {
			copy(p.GID[:], ud[4*prm.UDAVGIDDword:])
		}

		failed, syndrome := q.failNext, q.failSyndrome
		q.failNext = false
		err := h.writeCQE(q.sndCQN, func(cqe []byte) {
			prm.Set(cqe, prm.CQE.MyQPN, qpn)
			prm.Set(cqe, prm.CQE.WQEAdr, uint32(addr>>6))
			prm.Set(cqe, prm.CQE.S, 1)
			// Error entries carry whatever count the engine reached.
			prm.Set(cqe, prm.CQE.ByteCnt, n)
			if failed {
				prm.Set(cqe, prm.CQE.Opcode, opcodeSendError)
				prm.Set(cqe, prm.CQE.Syndrome, uint32(syndrome))
				return
			}
			prm.Set(cqe, prm.CQE.Opcode, opcodeSend)
		})
		if err != nil {
			return pkts, err
		}
		q.sendConsumed++
		if !failed {
			pkts = append(pkts, p)
		}
	}
	return pkts, nil
}

// Deliver places p's payload into the next receive work request posted
// on qpn. A payload larger than the posted buffer completes with a local
// length error.
func (h *HCA) Deliver(qpn uint32, p Packet) error {
	payload := p.Payload
	q, err := h.activeQP(qpn)
	if err != nil {
		return err
	}
	counter, err := h.checkDoorbellRecord(q.rcvDB, resRQ, qpn)
	if err != nil {
		return err
	}
	if q.recvConsumed&0xffff == counter {
		return fmt.Errorf("QPN %#x: no receive WQE posted", qpn)
	}
	slot := q.recvConsumed & (q.rqSize - 1)
	addr := q.rcvBase + uint64(slot*q.rqStride)
	wqe, ok := h.mem.Resolve(addr, int(q.rqStride))
	if !ok {
		return fmt.Errorf("QPN %#x: receive WQE %d not mapped", qpn, slot)
	}
	data := wqe[prm.RecvWQEDataOffset:]
	if prm.Get(data, prm.DataSeg.LKey) == invalidLKey {
		return fmt.Errorf("QPN %#x: receive WQE %d has no buffer", qpn, slot)
	}
	room := prm.Get(data, prm.DataSeg.ByteCount)
	laddr := uint64(prm.Get(data, prm.DataSeg.LocalAddressH))<<32 | uint64(prm.Get(data, prm.DataSeg.LocalAddressL))

	const localLengthError = 0x01
	tooLong := uint32(len(payload)) > room
	if !tooLong {
		dst, ok := h.mem.Resolve(laddr, len(payload))
		if !ok {
			return fmt.Errorf("QPN %#x: receive buffer %#x+%d not mapped", qpn, laddr, len(payload))
		}
		copy(dst, payload)
	}
	err = h.writeCQE(q.rcvCQN, func(cqe []byte) {
		prm.Set(cqe, prm.CQE.MyQPN, qpn)
		prm.Set(cqe, prm.CQE.RQPN, p.SrcQPN)
		prm.Set(cqe, prm.CQE.RLID, uint32(p.DLID))
		prm.Set(cqe, prm.CQE.SL, uint32(p.SL))
		prm.Set(cqe, prm.CQE.WQEAdr, uint32(addr>>6))
		if tooLong {
			prm.Set(cqe, prm.CQE.Opcode, opcodeRecvError)
			prm.Set(cqe, prm.CQE.Syndrome, localLengthError)
			return
		}
		prm.Set(cqe, prm.CQE.ByteCnt, uint32(len(payload)))
		prm.Set(cqe, prm.CQE.Opcode, opcodeUDRecv)
	})
	if err != nil {
		return err
	}
	q.recvConsumed++
	return nil
}
