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

// Package arbel is a driver for the Mellanox Arbel (MT25218) InfiniBand
// host channel adapter in memfree mode.
//
// The driver implements ib.Device. It is single threaded by construction:
// callers must never issue two operations concurrently, and the command
// interface in particular has no internal lock.
package arbel

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
	"ibboot.dev/ibboot/pkg/bitmap"
	"ibboot.dev/ibboot/pkg/errors"
	"ibboot.dev/ibboot/pkg/ib"
	"ibboot.dev/ibboot/pkg/log"
	"ibboot.dev/ibboot/pkg/metric"
	"ibboot.dev/ibboot/pkg/mmio"
	"ibboot.dev/ibboot/pkg/prm"
)

// Hardware constants.
const (
	// HCRBase is the offset of the command register bank in the
	// configuration space.
	HCRBase = 0x80680

	// HCRMaxWait is the longest the driver waits for the "go" bit to
	// clear.
	HCRMaxWait = 2000 * time.Millisecond

	// MaxCQs and MaxQPs bound the number of queues the driver hands out.
	MaxCQs = 8
	MaxQPs = 8

	// QPNBase is added to every queue pair number.
	QPNBase = 0x550000

	// GlobalPD is the protection domain of every queue.
	GlobalPD = 0x123456

	// MaxDoorbellRecords is the size of the doorbell record array.
	MaxDoorbellRecords = 512

	// PostSendOffset is the offset of the send doorbell within the UAR.
	PostSendOffset = 0x10

	// Port is the single port the driver brings up.
	Port = 1

	// InvalidLKey marks unused scatter entries.
	InvalidLKey = 0x100
)

// Work queue opcodes.
const (
	opcodeSend      = 0x0a
	opcodeRecvError = 0xfe
	opcodeSendError = 0xff
)

// QP context constants.
const (
	stUD       = 3
	mtu2048    = 4
	msgMax2048 = 11
	pmStateUD  = 3
)

// Doorbell record resource types.
const (
	uarResNone  = 0
	uarResCQCI  = 1
	uarResCQArm = 2
	uarResSQ    = 3
	uarResRQ    = 4
)

// ErrResourceLeaked is matched by the errors returned when hardware refuses
// to give back a queue. The queue's memory is intentionally abandoned since
// the device may still write to it; callers must not retry the destroy.
var ErrResourceLeaked = errors.New(unix.EIO, "queue abandoned after failed hand-back")

// LeakError reports a queue abandoned by DestroyCQ or DestroyQP.
type LeakError struct {
	// Resource is "CQN" or "QPN".
	Resource string
	// Number is the queue number.
	Number uint32
	// Err is the command failure.
	Err error
}

// Error implements error.Error.
func (e *LeakError) Error() string {
	return fmt.Sprintf("%s %#x abandoned: %v", e.Resource, e.Number, e.Err)
}

// Unwrap returns the command failure.
func (e *LeakError) Unwrap() error { return e.Err }

// Is makes LeakError match ErrResourceLeaked.
func (e *LeakError) Is(target error) bool { return target == ErrResourceLeaked }

// Resources are the pieces of an already initialised HCA that the driver
// consumes. They are set up by firmware initialisation, which is outside
// this package.
type Resources struct {
	// Config is the device configuration space; the command registers
	// live at HCRBase.
	Config mmio.Registers

	// UAR is the user access region used for doorbells.
	UAR mmio.Registers

	// MailboxIn and MailboxOut are the command mailboxes. Each must be at
	// least prm.MADSize bytes and hold the largest command structure.
	MailboxIn  *mmio.Buffer
	MailboxOut *mmio.Buffer

	// DoorbellRecords is the doorbell record array, MaxDoorbellRecords
	// entries of prm.DoorbellRecordSize bytes.
	DoorbellRecords *mmio.Buffer

	// Allocator provides DMA memory for queue rings.
	Allocator mmio.Allocator

	// ReservedLKey is the memory key covering all of memory.
	ReservedLKey uint32

	// EQN is the event queue completions are reported to.
	EQN uint32
}

// Options tune the driver. The zero value uses the hardware defaults.
type Options struct {
	// CommandTimeout overrides HCRMaxWait.
	CommandTimeout time.Duration

	// Sleep is called between polls of the "go" bit. It defaults to
	// time.Sleep.
	Sleep func(time.Duration)
}

// Limits are the device limits read at attach time.
type Limits struct {
	ReservedUARs uint32
	ReservedCQs  uint32
	ReservedQPs  uint32
}

// Device is an attached Arbel HCA.
type Device struct {
	res  Resources
	opts Options

	limits Limits

	cqInUse bitmap.Bitmap
	qpInUse bitmap.Bitmap

	smLID        uint16
	portGID      ib.GID
	broadcastGID ib.GID
}

var _ ib.Device = (*Device)(nil)

var (
	commandsMetric = metric.MustCreateNewUint64Metric("/arbel/commands", "Number of HCA commands issued, by outcome.",
		metric.NewField("result", []string{"ok", "busy", "status"}))
	completionsMetric = metric.MustCreateNewUint64Metric("/arbel/completions", "Number of completion queue entries consumed, by direction and outcome.",
		metric.NewField("direction", []string{"send", "recv"}),
		metric.NewField("result", []string{"ok", "error"}))
	leaksMetric = metric.MustCreateNewUint64Metric("/arbel/leaked_queues", "Number of queues abandoned after a failed hand-back.")
)

// New returns a driver instance over res without talking to the hardware.
// Attach is the usual entry point.
func New(res Resources, opts Options) (*Device, error) {
	switch {
	case res.Config == nil || res.UAR == nil:
		return nil, fmt.Errorf("arbel: missing register windows")
	case res.MailboxIn == nil || res.MailboxOut == nil:
		return nil, fmt.Errorf("arbel: missing command mailboxes")
	case len(res.MailboxIn.Mem) < prm.QPContextSize || len(res.MailboxOut.Mem) < prm.MADSize:
		return nil, fmt.Errorf("arbel: command mailboxes too small")
	case res.DoorbellRecords == nil || len(res.DoorbellRecords.Mem) < MaxDoorbellRecords*prm.DoorbellRecordSize:
		return nil, fmt.Errorf("arbel: doorbell record array too small")
	case res.Allocator == nil:
		return nil, fmt.Errorf("arbel: missing DMA allocator")
	}
	if opts.CommandTimeout == 0 {
		opts.CommandTimeout = HCRMaxWait
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	return &Device{
		res:     res,
		opts:    opts,
		cqInUse: bitmap.New(MaxCQs),
		qpInUse: bitmap.New(MaxQPs),
	}, nil
}

// Attach creates a driver instance, reads the device limits and learns
// the port's addressing from the subnet manager agent.
func Attach(res Resources, opts Options) (*Device, error) {
	d, err := New(res, opts)
	if err != nil {
		return nil, err
	}
	if err := d.queryLimits(); err != nil {
		return nil, fmt.Errorf("could not get device limits: %w", err)
	}
	if d.smLID, err = d.getSMLID(); err != nil {
		return nil, fmt.Errorf("could not determine subnet manager LID: %w", err)
	}
	if d.portGID, err = d.getPortGID(); err != nil {
		return nil, fmt.Errorf("could not determine port GID: %w", err)
	}
	if d.broadcastGID, err = d.getBroadcastGID(); err != nil {
		return nil, fmt.Errorf("could not determine broadcast GID: %w", err)
	}
	log.Infof("Arbel attached: port GID %v, SM LID %#x, broadcast GID %v", d.portGID, d.smLID, d.broadcastGID)
	return d, nil
}

func (d *Device) queryLimits() error {
	var devLim [prm.DevLimSize]byte
	if err := d.cmd(cmdQueryDevLim, 0, nil, 0, devLim[:]); err != nil {
		return err
	}
	d.limits = Limits{
		ReservedUARs: prm.Get(devLim[:], prm.DevLim.NumRsvdUARs),
		ReservedCQs:  1 << prm.Get(devLim[:], prm.DevLim.Log2RsvdCQs),
		ReservedQPs:  1 << prm.Get(devLim[:], prm.DevLim.Log2RsvdQPs),
	}
	log.Debugf("Arbel limits: %+v", d.limits)
	return nil
}

// Limits returns the device limits.
func (d *Device) Limits() Limits { return d.limits }

// SMLID returns the subnet manager's LID.
func (d *Device) SMLID() uint16 { return d.smLID }

// PortGID returns the GID of the port.
func (d *Device) PortGID() ib.GID { return d.portGID }

// BroadcastGID returns the IPv4 broadcast GID of the port's partition.
func (d *Device) BroadcastGID() ib.GID { return d.broadcastGID }

// doorbellRecord returns doorbell record idx.
func (d *Device) doorbellRecord(idx uint32) []byte {
	off := idx * prm.DoorbellRecordSize
	return d.res.DoorbellRecords.Mem[off : off+prm.DoorbellRecordSize]
}

// Doorbell record indices. Send records grow up from MaxCQs; receive
// records grow down from the top, below the CQ consumer index records.
func cqArmDoorbellIdx(cqnOffset uint32) uint32 { return cqnOffset }
func cqCIDoorbellIdx(cqnOffset uint32) uint32  { return MaxDoorbellRecords - cqnOffset - 1 }
func sendDoorbellIdx(qpnOffset uint32) uint32  { return MaxCQs + qpnOffset }
func recvDoorbellIdx(qpnOffset uint32) uint32 {
	return MaxDoorbellRecords - MaxCQs - qpnOffset - 1
}
