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

// completionQueue is the driver state of an ib.CompletionQueue.
type completionQueue struct {
	// ring holds NumCQEs entries of prm.CQESize bytes.
	ring *mmio.Buffer

	// ciDoorbellIdx and armDoorbellIdx locate the CQ's doorbell records.
	ciDoorbellIdx  uint32
	armDoorbellIdx uint32
}

func driverCQ(cq *ib.CompletionQueue) *completionQueue {
	return cq.DriverData.(*completionQueue)
}

func (acq *completionQueue) cqe(i uint32) []byte {
	off := i * prm.CQESize
	return acq.ring.Mem[off : off+prm.CQESize]
}

// CreateCQ implements ib.Device.CreateCQ.
func (d *Device) CreateCQ(cq *ib.CompletionQueue) error {
	offset, err := d.cqInUse.Allocate(MaxCQs)
	if err != nil {
		log.Warningf("Arbel: out of completion queues")
		return fmt.Errorf("allocating completion queue number: %w", err)
	}
	cu := cleanup.Make(func() { d.cqInUse.Free(offset) })
	defer cu.Clean()
	cqn := d.limits.ReservedCQs + offset

	acq := &completionQueue{
		ciDoorbellIdx:  cqCIDoorbellIdx(offset),
		armDoorbellIdx: cqArmDoorbellIdx(offset),
	}
	acq.ring, err = d.res.Allocator.Alloc(int(cq.NumCQEs)*prm.CQESize, prm.CQESize)
	if err != nil {
		return fmt.Errorf("allocating ring for CQN %#x: %w", cqn, err)
	}
	cu.Add(func() { d.res.Allocator.Free(acq.ring) })
	acq.ring.Zero()
	for i := uint32(0); i < cq.NumCQEs; i++ {
		prm.Fill(acq.cqe(i), prm.CQE.Owner.Val(1))
	}
	// Ring ownership must be visible before the doorbell records.
	mmio.Barrier()

	ci := d.doorbellRecord(acq.ciDoorbellIdx)
	prm.Fill(ci, prm.DoorbellRecord.Counter.Val(0))
	prm.Fill(ci, prm.DoorbellRecord.Res.Val(uarResCQCI), prm.DoorbellRecord.Number.Val(cqn))
	arm := d.doorbellRecord(acq.armDoorbellIdx)
	prm.Fill(arm, prm.DoorbellRecord.Counter.Val(0))
	prm.Fill(arm, prm.DoorbellRecord.Res.Val(uarResCQArm), prm.DoorbellRecord.Number.Val(cqn))
	cu.Add(func() {
		prm.Fill(ci, prm.DoorbellRecord.Res.Val(uarResNone))
		prm.Fill(arm, prm.DoorbellRecord.Res.Val(uarResNone))
	})

	var ctx [prm.CQContextSize]byte
	hi, lo := prm.Addr(acq.ring.Addr)
	prm.Fill(ctx[:], prm.CQContext.St.Val(0xa))
	prm.Fill(ctx[:], prm.CQContext.StartAddressH.Val(hi))
	prm.Fill(ctx[:], prm.CQContext.StartAddressL.Val(lo))
	prm.Fill(ctx[:],
		prm.CQContext.UsrPage.Val(d.limits.ReservedUARs),
		prm.CQContext.LogCQSize.Val(prm.Fls(cq.NumCQEs-1)))
	prm.Fill(ctx[:], prm.CQContext.CEQN.Val(d.res.EQN))
	prm.Fill(ctx[:], prm.CQContext.PD.Val(GlobalPD))
	prm.Fill(ctx[:], prm.CQContext.LKey.Val(d.res.ReservedLKey))
	prm.Fill(ctx[:], prm.CQContext.CQN.Val(cqn))
	prm.Fill(ctx[:], prm.CQContext.CIDoorbell.Val(acq.ciDoorbellIdx))
	prm.Fill(ctx[:], prm.CQContext.ArmDoorbell.Val(acq.armDoorbellIdx))
	if err := d.cmd(cmdSW2HWCQ, 0, ctx[:], cqn, nil); err != nil {
		return fmt.Errorf("SW2HW_CQ failed for CQN %#x: %w", cqn, err)
	}

	cu.Release()
	cq.CQN = cqn
	cq.DriverData = acq
	log.Debugf("Arbel: created CQN %#x with %d entries at %#x", cqn, cq.NumCQEs, acq.ring.Addr)
	return nil
}

// DestroyCQ implements ib.Device.DestroyCQ.
//
// If the hardware refuses to hand the CQ back, its ring and number are
// abandoned and the returned error matches ErrResourceLeaked.
func (d *Device) DestroyCQ(cq *ib.CompletionQueue) error {
	acq := driverCQ(cq)
	if err := d.cmd(cmdHW2SWCQ, hw2swCQNoOutput, nil, cq.CQN, nil); err != nil {
		leaksMetric.Increment()
		log.Warningf("Arbel: leaking CQN %#x: %v", cq.CQN, err)
		return &LeakError{Resource: "CQN", Number: cq.CQN, Err: err}
	}

	prm.Fill(d.doorbellRecord(acq.ciDoorbellIdx), prm.DoorbellRecord.Res.Val(uarResNone))
	prm.Fill(d.doorbellRecord(acq.armDoorbellIdx), prm.DoorbellRecord.Res.Val(uarResNone))
	d.res.Allocator.Free(acq.ring)
	d.cqInUse.Free(cq.CQN - d.limits.ReservedCQs)
	cq.DriverData = nil
	log.Debugf("Arbel: destroyed CQN %#x", cq.CQN)
	return nil
}
