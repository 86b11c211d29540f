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

	"ibboot.dev/ibboot/pkg/cleanup"
	"ibboot.dev/ibboot/pkg/ib"
	"ibboot.dev/ibboot/pkg/log"
	"ibboot.dev/ibboot/pkg/mmio"
	"ibboot.dev/ibboot/pkg/prm"
)

// workQueue is the driver state of one direction of a queue pair.
type workQueue struct {
	// ring holds NumWQEs entries of stride bytes.
	ring   *mmio.Buffer
	stride uint32

	// doorbellIdx locates the work queue's doorbell record.
	doorbellIdx uint32
}

func driverWQ(wq *ib.WorkQueue) *workQueue {
	return wq.DriverData.(*workQueue)
}

func (awq *workQueue) wqe(i uint32) []byte {
	off := i * awq.stride
	return awq.ring.Mem[off : off+awq.stride]
}

// index returns the ring slot of the WQE at bus address addr.
func (awq *workQueue) index(addr uint64) (uint32, bool) {
	if addr < awq.ring.Addr {
		return 0, false
	}
	off := addr - awq.ring.Addr
	if off%uint64(awq.stride) != 0 || off >= uint64(len(awq.ring.Mem)) {
		return 0, false
	}
	return uint32(off / uint64(awq.stride)), true
}

func (d *Device) createSendWQ(wq *ib.WorkQueue) (*workQueue, error) {
	awq := &workQueue{stride: prm.SendWQEStride}
	var err error
	awq.ring, err = d.res.Allocator.Alloc(int(wq.NumWQEs*awq.stride), int(awq.stride))
	if err != nil {
		return nil, err
	}
	awq.ring.Zero()
	// Each entry's next segment points at its successor, wrapping around.
	for i := uint32(0); i < wq.NumWQEs; i++ {
		next := awq.ring.Addr + uint64(((i+1)&wq.Mask())*awq.stride)
		prm.Fill(awq.wqe(i)[prm.SendWQENextOffset:], prm.WQENext.NDA.Val(uint32(next>>6)))
	}
	return awq, nil
}

func (d *Device) createRecvWQ(wq *ib.WorkQueue) (*workQueue, error) {
	awq := &workQueue{stride: prm.RecvWQEStride}
	var err error
	awq.ring, err = d.res.Allocator.Alloc(int(wq.NumWQEs*awq.stride), int(awq.stride))
	if err != nil {
		return nil, err
	}
	awq.ring.Zero()
	for i := uint32(0); i < wq.NumWQEs; i++ {
		wqe := awq.wqe(i)
		next := awq.ring.Addr + uint64(((i+1)&wq.Mask())*awq.stride)
		prm.Fill(wqe[prm.RecvWQENextOffset:], prm.WQENext.NDA.Val(uint32(next>>6)))
		prm.Fill(wqe[prm.RecvWQENextOffset:], prm.WQENext.NDS.Val(prm.RecvWQENDS))
		for j := 0; j < prm.RecvWQEScatter; j++ {
			seg := wqe[prm.RecvWQEDataOffset+j*prm.DataSegSize:]
			prm.Fill(seg, prm.DataSeg.LKey.Val(InvalidLKey))
		}
	}
	return awq, nil
}

// log2Stride returns the context encoding of a WQE stride.
func log2Stride(stride uint32) uint32 {
	return prm.Fls(stride) - 1 - 4
}

// CreateQP implements ib.Device.CreateQP. On success the queue pair is in
// the ready-to-send state.
func (d *Device) CreateQP(qp *ib.QueuePair) error {
	offset, err := d.qpInUse.Allocate(MaxQPs)
	if err != nil {
		log.Warningf("Arbel: out of queue pairs")
		return fmt.Errorf("allocating queue pair number: %w", err)
	}
	cu := cleanup.Make(func() { d.qpInUse.Free(offset) })
	defer cu.Clean()
	qpn := QPNBase + d.limits.ReservedQPs + offset

	send, err := d.createSendWQ(&qp.Send)
	if err != nil {
		return fmt.Errorf("allocating send ring for QPN %#x: %w", qpn, err)
	}
	cu.Add(func() { d.res.Allocator.Free(send.ring) })
	recv, err := d.createRecvWQ(&qp.Recv)
	if err != nil {
		return fmt.Errorf("allocating receive ring for QPN %#x: %w", qpn, err)
	}
	cu.Add(func() { d.res.Allocator.Free(recv.ring) })
	send.doorbellIdx = sendDoorbellIdx(offset)
	recv.doorbellIdx = recvDoorbellIdx(offset)

	sendRec := d.doorbellRecord(send.doorbellIdx)
	prm.Fill(sendRec, prm.DoorbellRecord.Counter.Val(0))
	prm.Fill(sendRec, prm.DoorbellRecord.Res.Val(uarResSQ), prm.DoorbellRecord.Number.Val(qpn))
	recvRec := d.doorbellRecord(recv.doorbellIdx)
	prm.Fill(recvRec, prm.DoorbellRecord.Counter.Val(0))
	prm.Fill(recvRec, prm.DoorbellRecord.Res.Val(uarResRQ), prm.DoorbellRecord.Number.Val(qpn))
	cu.Add(func() {
		prm.Fill(sendRec, prm.DoorbellRecord.Res.Val(uarResNone))
		prm.Fill(recvRec, prm.DoorbellRecord.Res.Val(uarResNone))
	})

	// Reset to init.
	var ctx [prm.QPContextSize]byte
	prm.Fill(ctx[:],
		prm.QPContext.ST.Val(stUD),
		prm.QPContext.PMState.Val(pmStateUD))
	prm.Fill(ctx[:],
		prm.QPContext.LogSQSize.Val(prm.Fls(qp.Send.NumWQEs-1)),
		prm.QPContext.LogSQStride.Val(log2Stride(send.stride)),
		prm.QPContext.LogRQSize.Val(prm.Fls(qp.Recv.NumWQEs-1)),
		prm.QPContext.LogRQStride.Val(log2Stride(recv.stride)))
	prm.Fill(ctx[:], prm.QPContext.UsrPage.Val(d.limits.ReservedUARs))
	prm.Fill(ctx[:], prm.QPContext.PortNumber.Val(Port))
	prm.Fill(ctx[:], prm.QPContext.PD.Val(GlobalPD))
	prm.Fill(ctx[:], prm.QPContext.WQELKey.Val(d.res.ReservedLKey))
	prm.Fill(ctx[:], prm.QPContext.SSC.Val(1))
	prm.Fill(ctx[:], prm.QPContext.CQNSnd.Val(qp.Send.CQ.CQN))
	prm.Fill(ctx[:], prm.QPContext.SndWQEBase.Val(uint32(send.ring.Addr>>6)))
	prm.Fill(ctx[:], prm.QPContext.SndDBIndex.Val(send.doorbellIdx))
	prm.Fill(ctx[:], prm.QPContext.RSC.Val(1))
	prm.Fill(ctx[:], prm.QPContext.CQNRcv.Val(qp.Recv.CQ.CQN))
	prm.Fill(ctx[:], prm.QPContext.RcvWQEBase.Val(uint32(recv.ring.Addr>>6)))
	prm.Fill(ctx[:], prm.QPContext.RcvDBIndex.Val(recv.doorbellIdx))
	prm.Fill(ctx[:], prm.QPContext.QKey.Val(qp.QKey))
	if err := d.cmd(cmdRST2INITQPE, 0, ctx[:], qpn, nil); err != nil {
		return fmt.Errorf("RST2INIT_QPEE failed for QPN %#x: %w", qpn, err)
	}
	cu.Add(func() {
		if err := d.cmd(cmd2RSTQPE, to2RSTNoOutput, nil, qpn, nil); err != nil {
			log.Warningf("Arbel: could not reset QPN %#x during rollback: %v", qpn, err)
		}
	})

	// Init to ready-to-receive.
	ctx = [prm.QPContextSize]byte{}
	prm.Fill(ctx[:],
		prm.QPContext.MTU.Val(mtu2048),
		prm.QPContext.MsgMax.Val(msgMax2048))
	if err := d.cmd(cmdINIT2RTRQPE, 0, ctx[:], qpn, nil); err != nil {
		return fmt.Errorf("INIT2RTR_QPEE failed for QPN %#x: %w", qpn, err)
	}

	// Ready-to-receive to ready-to-send.
	ctx = [prm.QPContextSize]byte{}
	if err := d.cmd(cmdRTR2RTSQPE, 0, ctx[:], qpn, nil); err != nil {
		return fmt.Errorf("RTR2RTS_QPEE failed for QPN %#x: %w", qpn, err)
	}

	cu.Release()
	qp.QPN = qpn
	qp.Send.DriverData = send
	qp.Recv.DriverData = recv
	log.Debugf("Arbel: created QPN %#x: send %d entries at %#x, receive %d entries at %#x",
		qpn, qp.Send.NumWQEs, send.ring.Addr, qp.Recv.NumWQEs, recv.ring.Addr)
	return nil
}

// DestroyQP implements ib.Device.DestroyQP.
//
// If the hardware refuses to reset the QP, its rings and number are
// abandoned and the returned error matches ErrResourceLeaked.
func (d *Device) DestroyQP(qp *ib.QueuePair) error {
	if err := d.cmd(cmd2RSTQPE, to2RSTNoOutput, nil, qp.QPN, nil); err != nil {
		leaksMetric.Increment()
		log.Warningf("Arbel: leaking QPN %#x: %v", qp.QPN, err)
		return &LeakError{Resource: "QPN", Number: qp.QPN, Err: err}
	}

	send, recv := driverWQ(&qp.Send), driverWQ(&qp.Recv)
	prm.Fill(d.doorbellRecord(send.doorbellIdx), prm.DoorbellRecord.Res.Val(uarResNone))
	prm.Fill(d.doorbellRecord(recv.doorbellIdx), prm.DoorbellRecord.Res.Val(uarResNone))
	d.res.Allocator.Free(recv.ring)
	d.res.Allocator.Free(send.ring)
	d.qpInUse.Free(qp.QPN - QPNBase - d.limits.ReservedQPs)
	qp.Send.DriverData = nil
	qp.Recv.DriverData = nil
	log.Debugf("Arbel: destroyed QPN %#x", qp.QPN)
	return nil
}
