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
	"fmt"

	"ibboot.dev/ibboot/pkg/errors/linuxerr"
	"ibboot.dev/ibboot/pkg/ib"
	"ibboot.dev/ibboot/pkg/log"
	"ibboot.dev/ibboot/pkg/mmio"
	"ibboot.dev/ibboot/pkg/prm"
)

// udNoGID is written to the first byte of the GID word of an address
// vector that carries no GID.
const udNoGID = 2

// ringDoorbell writes a doorbell register pair to the UAR.
func (d *Device) ringDoorbell(db []byte, offset uint32) {
	mmio.Barrier()
	d.res.UAR.Write32(offset, prm.Dword(db, 0))
	mmio.Barrier()
	d.res.UAR.Write32(offset+4, prm.Dword(db, 1))
}

// PostSend implements ib.Device.PostSend.
func (d *Device) PostSend(qp *ib.QueuePair, av *ib.AddressVector, buf *mmio.Buffer) error {
	wq := &qp.Send
	awq := driverWQ(wq)
	slot := wq.NextIdx & wq.Mask()
	if wq.Bufs[slot] != nil {
		log.Debugf("Arbel: send queue of QPN %#x full", qp.QPN)
		return fmt.Errorf("send queue of QPN %#x full: %w", qp.QPN, linuxerr.ENOBUFS)
	}
	prevWQE := awq.wqe((wq.NextIdx - 1) & wq.Mask())
	wqe := awq.wqe(slot)
	wq.Bufs[slot] = buf

	// The next segment of this entry stays empty until its successor is
	// posted, which keeps hardware from walking past it.
	prm.Fill(wqe[prm.SendWQENextOffset:], prm.WQENext.Always1.Val(1))
	clear(wqe[prm.SendWQECtrlOffset:prm.SendWQESize])
	prm.Fill(wqe[prm.SendWQECtrlOffset:], prm.WQECtrl.Always1.Val(1))

	ud := wqe[prm.SendWQEUDOffset:]
	prm.Fill(ud,
		prm.UDAV.PD.Val(GlobalPD),
		prm.UDAV.PortNumber.Val(Port))
	var g uint32
	if av.GIDPresent {
		g = 1
	}
	prm.Fill(ud,
		prm.UDAV.RLID.Val(uint32(av.DLID)),
		prm.UDAV.G.Val(g))
	var rate uint32 = 1
	if av.Rate >= 3 {
		rate = 0
	}
	prm.Fill(ud,
		prm.UDAV.MaxStatRate.Val(rate),
		prm.UDAV.Msg.Val(3))
	prm.Fill(ud, prm.UDAV.SL.Val(uint32(av.SL)))
	gid := ud[4*prm.UDAVGIDDword : 4*prm.UDAVGIDDword+prm.GIDSize]
	if av.GIDPresent {
		copy(gid, av.GID[:])
	} else {
		gid[0] = udNoGID
	}
	prm.Fill(ud, prm.UDAV.DestinationQP.Val(av.DestQPN))
	prm.Fill(ud, prm.UDAV.QKey.Val(av.QKey))

	data := wqe[prm.SendWQEDataOffset:]
	hi, lo := prm.Addr(buf.Addr)
	prm.Fill(data, prm.DataSeg.ByteCount.Val(uint32(buf.Len)))
	prm.Fill(data, prm.DataSeg.LKey.Val(d.res.ReservedLKey))
	prm.Fill(data, prm.DataSeg.LocalAddressH.Val(hi))
	prm.Fill(data, prm.DataSeg.LocalAddressL.Val(lo))

	// Link the previous entry to this one.
	prm.Set(prevWQE[prm.SendWQENextOffset:], prm.WQENext.NOpcode, opcodeSend)
	prm.Fill(prevWQE[prm.SendWQENextOffset:],
		prm.WQENext.NDS.Val(prm.SendWQENDS),
		prm.WQENext.F.Val(1),
		prm.WQENext.Always1.Val(1))

	mmio.Barrier()
	prm.Fill(d.doorbellRecord(awq.doorbellIdx), prm.DoorbellRecord.Counter.Val((wq.NextIdx+1)&0xffff))

	var db [prm.DoorbellRegisterSize]byte
	prm.Fill(db[:],
		prm.SendDoorbell.NOpcode.Val(opcodeSend),
		prm.SendDoorbell.F.Val(1),
		prm.SendDoorbell.WQECounter.Val(wq.NextIdx&0xffff),
		prm.SendDoorbell.WQECnt.Val(1))
	prm.Fill(db[:],
		prm.SendDoorbell.NDS.Val(prm.SendWQENDS),
		prm.SendDoorbell.QPN.Val(qp.QPN))
	d.ringDoorbell(db[:], PostSendOffset)

	wq.NextIdx++
	return nil
}

// PostRecv implements ib.Device.PostRecv.
func (d *Device) PostRecv(qp *ib.QueuePair, buf *mmio.Buffer) error {
	wq := &qp.Recv
	awq := driverWQ(wq)
	slot := wq.NextIdx & wq.Mask()
	if wq.Bufs[slot] != nil {
		log.Debugf("Arbel: receive queue of QPN %#x full", qp.QPN)
		return fmt.Errorf("receive queue of QPN %#x full: %w", qp.QPN, linuxerr.ENOBUFS)
	}
	wqe := awq.wqe(slot)
	wq.Bufs[slot] = buf

	data := wqe[prm.RecvWQEDataOffset:]
	hi, lo := prm.Addr(buf.Addr + uint64(buf.Len))
	prm.Fill(data, prm.DataSeg.ByteCount.Val(uint32(buf.Tailroom())))
	prm.Fill(data, prm.DataSeg.LKey.Val(d.res.ReservedLKey))
	prm.Fill(data, prm.DataSeg.LocalAddressH.Val(hi))
	prm.Fill(data, prm.DataSeg.LocalAddressL.Val(lo))

	mmio.Barrier()
	prm.Fill(d.doorbellRecord(awq.doorbellIdx), prm.DoorbellRecord.Counter.Val((wq.NextIdx+1)&0xffff))

	wq.NextIdx++
	return nil
}
