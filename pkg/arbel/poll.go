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

// drainEQ would consume asynchronous events. Events are not enabled, so
// there is nothing to drain.
func (d *Device) drainEQ() {}

// complete dispatches one completion queue entry.
func (d *Device) complete(cq *ib.CompletionQueue, cqe []byte, send, recv ib.CompletionFunc) error {
	var c ib.Completion
	var err error
	qpn := prm.Get(cqe, prm.CQE.MyQPN)
	isSend := prm.Get(cqe, prm.CQE.S) != 0
	wqeAddr := uint64(prm.Get(cqe, prm.CQE.WQEAdr)) << 6
	if opcode := prm.Get(cqe, prm.CQE.Opcode); opcode >= opcodeRecvError {
		// Error completions carry the direction in the opcode.
		isSend = opcode == opcodeSendError
		c.Syndrome = uint8(prm.Get(cqe, prm.CQE.Syndrome))
		log.Warningf("Arbel: CQN %#x %s error completion on QPN %#x, syndrome %#02x, vendor %#02x",
			cq.CQN, direction(isSend), qpn, c.Syndrome, prm.Get(cqe, prm.CQE.VendorCode))
		err = fmt.Errorf("CQN %#x: %s error syndrome %#02x on QPN %#x: %w",
			cq.CQN, direction(isSend), c.Syndrome, qpn, linuxerr.EIO)
		completionsMetric.Increment(direction(isSend), "error")
	} else {
		// The byte count is only defined for successful completions.
		c.Len = prm.Get(cqe, prm.CQE.ByteCnt)
		completionsMetric.Increment(direction(isSend), "ok")
	}

	wq := cq.FindWQ(qpn, isSend)
	if wq == nil {
		log.Warningf("Arbel: CQN %#x unknown %s QPN %#x", cq.CQN, direction(isSend), qpn)
		return fmt.Errorf("CQN %#x: unknown %s QPN %#x: %w", cq.CQN, direction(isSend), qpn, linuxerr.EIO)
	}
	idx, ok := driverWQ(wq).index(wqeAddr)
	if !ok {
		log.Warningf("Arbel: CQN %#x QPN %#x bad WQE address %#x", cq.CQN, qpn, wqeAddr)
		return fmt.Errorf("CQN %#x: QPN %#x bad WQE address %#x: %w", cq.CQN, qpn, wqeAddr, linuxerr.EIO)
	}
	buf := wq.Bufs[idx]
	if buf == nil {
		log.Warningf("Arbel: CQN %#x QPN %#x empty %s WQE %#x", cq.CQN, qpn, direction(isSend), idx)
		return fmt.Errorf("CQN %#x: QPN %#x empty %s WQE %#x: %w", cq.CQN, qpn, direction(isSend), idx, linuxerr.EIO)
	}
	wq.Bufs[idx] = nil

	if isSend {
		send(wq.QP, c, buf)
	} else {
		recv(wq.QP, c, buf)
	}
	return err
}

func direction(isSend bool) string {
	if isSend {
		return "send"
	}
	return "recv"
}

// PollCQ implements ib.Device.PollCQ. Entries that cannot be dispatched
// are logged and consumed.
func (d *Device) PollCQ(cq *ib.CompletionQueue, send, recv ib.CompletionFunc) {
	d.drainEQ()

	acq := driverCQ(cq)
	for {
		cqe := acq.cqe(cq.NextIdx & (cq.NumCQEs - 1))
		if prm.Get(cqe, prm.CQE.Owner) != 0 {
			// Still owned by hardware.
			break
		}
		mmio.Barrier()
		if err := d.complete(cq, cqe, send, recv); err != nil {
			log.Warningf("Arbel: CQN %#x failed to complete: %v", cq.CQN, err)
		}

		// Hand the entry back and move on.
		prm.Fill(cqe, prm.CQE.Owner.Val(1))
		mmio.Barrier()
		cq.NextIdx++
		prm.Fill(d.doorbellRecord(acq.ciDoorbellIdx), prm.DoorbellRecord.Counter.Val(cq.NextIdx))
	}
}
