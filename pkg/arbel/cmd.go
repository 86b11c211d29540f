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
	"time"

	"ibboot.dev/ibboot/pkg/errors/linuxerr"
	"ibboot.dev/ibboot/pkg/log"
	"ibboot.dev/ibboot/pkg/mmio"
	"ibboot.dev/ibboot/pkg/prm"
)

// Command opcodes.
const (
	OpQueryDevLim = 0x03
	OpSW2HWCQ     = 0x16
	OpHW2SWCQ     = 0x17
	OpRST2INITQPE = 0x19
	OpINIT2RTRQPE = 0x1a
	OpRTR2RTSQPE  = 0x1b
	Op2RSTQPE     = 0x21
	OpMADIFC      = 0x24
	OpReadMGM     = 0x25
	OpWriteMGM    = 0x26
	OpMGIDHash    = 0x27
)

// command describes the parameter passing of one HCA command. Parameters
// travel through a mailbox when the corresponding flag is set, and inline
// in the command registers otherwise.
type command struct {
	name    string
	opcode  uint32
	inLen   int
	inMbox  bool
	outLen  int
	outMbox bool
}

var (
	cmdQueryDevLim = command{name: "QUERY_DEV_LIM", opcode: OpQueryDevLim, outLen: prm.DevLimSize, outMbox: true}
	cmdSW2HWCQ     = command{name: "SW2HW_CQ", opcode: OpSW2HWCQ, inLen: prm.CQContextSize, inMbox: true}
	cmdHW2SWCQ     = command{name: "HW2SW_CQ", opcode: OpHW2SWCQ}
	cmdRST2INITQPE = command{name: "RST2INIT_QPEE", opcode: OpRST2INITQPE, inLen: prm.QPContextSize, inMbox: true}
	cmdINIT2RTRQPE = command{name: "INIT2RTR_QPEE", opcode: OpINIT2RTRQPE, inLen: prm.QPContextSize, inMbox: true}
	cmdRTR2RTSQPE  = command{name: "RTR2RTS_QPEE", opcode: OpRTR2RTSQPE, inLen: prm.QPContextSize, inMbox: true}
	cmd2RSTQPE     = command{name: "2RST_QPEE", opcode: Op2RSTQPE}
	cmdMADIFC      = command{name: "MAD_IFC", opcode: OpMADIFC, inLen: prm.MADSize, inMbox: true, outLen: prm.MADSize, outMbox: true}
	cmdReadMGM     = command{name: "READ_MGM", opcode: OpReadMGM, outLen: prm.MGMEntrySize, outMbox: true}
	cmdWriteMGM    = command{name: "WRITE_MGM", opcode: OpWriteMGM, inLen: prm.MGMEntrySize, inMbox: true}
	cmdMGIDHash    = command{name: "MGID_HASH", opcode: OpMGIDHash, inLen: prm.GIDSize, inMbox: true, outLen: prm.MGMHashSize}
)

// Opcode modifiers.
const (
	hw2swCQNoOutput = 1
	to2RSTNoOutput  = 3
	madIFCNoMKey    = 3
)

// CommandError is returned when the HCA completes a command with a
// nonzero status.
type CommandError struct {
	Name   string
	Opcode uint32
	Status uint32
}

// Error implements error.Error.
func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s (%#x) failed with status %#02x", e.Name, e.Opcode, e.Status)
}

// Unwrap makes command failures match linuxerr.EIO.
func (e *CommandError) Unwrap() error { return linuxerr.EIO }

func (d *Device) hcrRead(i int) uint32 {
	return d.res.Config.Read32(HCRBase + uint32(4*i))
}

// waitGo polls the "go" bit until it clears or the command timeout
// expires.
func (d *Device) waitGo() bool {
	const pollInterval = time.Millisecond
	for waited := time.Duration(0); ; waited += pollInterval {
		var hcr [prm.HCRSize]byte
		prm.PutDword(hcr[:], prm.HCR.Go.Dword, d.hcrRead(prm.HCR.Go.Dword))
		if prm.Get(hcr[:], prm.HCR.Go) == 0 {
			return true
		}
		if waited >= d.opts.CommandTimeout {
			return false
		}
		d.opts.Sleep(pollInterval)
	}
}

// cmd issues a command and waits for its completion. in supplies the
// input parameters and out receives the output parameters; both are
// truncated or zero padded to the command's lengths. Nothing is copied to
// out unless the command succeeds.
func (d *Device) cmd(c command, opMod uint32, in []byte, inMod uint32, out []byte) error {
	// Any command still in flight means the HCR is not ours.
	if !d.waitGo() {
		commandsMetric.Increment("busy")
		log.Warningf("Arbel command %s: HCR still busy", c.name)
		return fmt.Errorf("command %s: HCR busy: %w", c.name, linuxerr.EBUSY)
	}

	var hcr [prm.HCRSize]byte
	if c.inMbox {
		mbox := d.res.MailboxIn
		clear(mbox.Mem[:c.inLen])
		copy(mbox.Mem[:c.inLen], in)
		hi, lo := prm.Addr(mbox.Addr)
		prm.Set(hcr[:], prm.HCR.InParamH, hi)
		prm.Set(hcr[:], prm.HCR.InParamL, lo)
	} else {
		copy(hcr[4*prm.HCRInlineIn:4*prm.HCRInlineIn+c.inLen], in)
	}
	prm.Set(hcr[:], prm.HCR.InputModifier, inMod)
	if c.outMbox {
		hi, lo := prm.Addr(d.res.MailboxOut.Addr)
		prm.Set(hcr[:], prm.HCR.OutParamH, hi)
		prm.Set(hcr[:], prm.HCR.OutParamL, lo)
	}
	prm.Fill(hcr[:],
		prm.HCR.Opcode.Val(c.opcode),
		prm.HCR.OpcodeModifier.Val(opMod),
		prm.HCR.Go.Val(1))
	log.Debugf("Arbel command %s: opmod %d, modifier %#x", c.name, opMod, inMod)

	// Mailbox contents must be visible before the registers are written.
	mmio.Barrier()
	for i := 0; i < prm.HCRSize/4; i++ {
		d.res.Config.Write32(HCRBase+uint32(4*i), prm.Dword(hcr[:], i))
	}
	mmio.Barrier()

	if !d.waitGo() {
		commandsMetric.Increment("busy")
		log.Warningf("Arbel command %s: timed out after %v", c.name, d.opts.CommandTimeout)
		return fmt.Errorf("command %s timed out: %w", c.name, linuxerr.EBUSY)
	}

	prm.PutDword(hcr[:], prm.HCR.Status.Dword, d.hcrRead(prm.HCR.Status.Dword))
	if status := prm.Get(hcr[:], prm.HCR.Status); status != 0 {
		commandsMetric.Increment("status")
		log.Warningf("Arbel command %s failed with status %#02x", c.name, status)
		return &CommandError{Name: c.name, Opcode: c.opcode, Status: status}
	}
	commandsMetric.Increment("ok")

	if c.outLen == 0 {
		return nil
	}
	if c.outMbox {
		mmio.Barrier()
		copy(out, d.res.MailboxOut.Mem[:c.outLen])
		return nil
	}
	prm.PutDword(hcr[:], prm.HCRInlineOut, d.hcrRead(prm.HCRInlineOut))
	prm.PutDword(hcr[:], prm.HCRInlineOut+1, d.hcrRead(prm.HCRInlineOut+1))
	copy(out, hcr[4*prm.HCRInlineOut:4*prm.HCRInlineOut+c.outLen])
	return nil
}
