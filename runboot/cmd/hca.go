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

package cmd

import (
	"fmt"

	"github.com/gofrs/flock"

	"ibboot.dev/ibboot/pkg/arbel"
	"ibboot.dev/ibboot/pkg/arbel/hwsim"
	"ibboot.dev/ibboot/pkg/cleanup"
	"ibboot.dev/ibboot/pkg/log"
	"ibboot.dev/ibboot/pkg/mmio"
	"ibboot.dev/ibboot/pkg/prm"
	"ibboot.dev/ibboot/runboot/config"
)

const (
	// configSpaceSize is the size of the configuration space resource
	// mapped for the command registers.
	configSpaceSize = 1 << 20

	// uarPageSize is the size of the doorbell page mapped from the user
	// access region resource.
	uarPageSize = 4096
)

// fabric moves datagrams from posted sends to the receive queues they are
// addressed to. Real hardware does this on its own.
type fabric interface {
	Transfer(qpn uint32) error
}

// wire is the fabric of real hardware.
type wire struct{}

// Transfer implements fabric.Transfer.
func (wire) Transfer(uint32) error { return nil }

// simFabric loops every processed send back into the simulated device.
type simFabric struct {
	hca *hwsim.HCA
}

// Transfer implements fabric.Transfer.
func (f simFabric) Transfer(qpn uint32) error {
	pkts, err := f.hca.ProcessSends(qpn)
	if err != nil {
		return err
	}
	for _, p := range pkts {
		if err := f.hca.Deliver(p.DestQPN, p); err != nil {
			return fmt.Errorf("delivering to QPN %#x: %w", p.DestQPN, err)
		}
	}
	return nil
}

// hca is an attached device together with the memory and fabric it uses.
type hca struct {
	dev    *arbel.Device
	alloc  mmio.Allocator
	fabric fabric

	// release undoes what open set up.
	release func()
}

// Close releases the device resources.
func (h *hca) Close() {
	h.release()
}

// openHCA attaches to the simulated device or to the hardware named by
// conf.
func openHCA(conf *config.Config) (*hca, error) {
	if conf.Sim {
		return openSimHCA(conf, hwsim.DefaultProperties())
	}
	return openHardwareHCA(conf)
}

func openSimHCA(conf *config.Config, props hwsim.Properties) (*hca, error) {
	mem := mmio.NewHeapAllocator(0)
	sim, err := hwsim.New(mem, props)
	if err != nil {
		return nil, fmt.Errorf("creating simulated HCA: %w", err)
	}
	dev, err := arbel.Attach(arbel.Resources{
		Config:          sim.Config(),
		UAR:             sim.UAR(),
		MailboxIn:       sim.MailboxIn,
		MailboxOut:      sim.MailboxOut,
		DoorbellRecords: sim.DoorbellRecords,
		Allocator:       mem,
		ReservedLKey:    uint32(conf.LKey),
	}, conf.ArbelOptions())
	if err != nil {
		return nil, err
	}
	log.Infof("Attached simulated HCA")
	return &hca{
		dev:     dev,
		alloc:   mem,
		fabric:  simFabric{hca: sim},
		release: func() {},
	}, nil
}

func openHardwareHCA(conf *config.Config) (*hca, error) {
	if conf.HCRPath == "" || conf.UARPath == "" {
		return nil, fmt.Errorf("--hcr-path and --uar-path are required without --sim")
	}
	cu := cleanup.Make(func() {})
	defer cu.Clean()

	// The command interface has no lock of its own; keep other runboot
	// processes off this device while it is attached.
	lock := flock.New(conf.HCRPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", conf.HCRPath, err)
	}
	if !locked {
		return nil, fmt.Errorf("%s is in use by another process", conf.HCRPath)
	}
	cu.Add(func() { lock.Unlock() })

	cfg, err := mmio.MapRegisters(conf.HCRPath, 0, configSpaceSize)
	if err != nil {
		return nil, fmt.Errorf("mapping configuration space: %w", err)
	}
	cu.Add(func() { cfg.Close() })
	uar, err := mmio.MapRegisters(conf.UARPath, 0, uarPageSize)
	if err != nil {
		return nil, fmt.Errorf("mapping user access region: %w", err)
	}
	cu.Add(func() { uar.Close() })

	var alloc mmio.MmapAllocator
	buffers := make([]*mmio.Buffer, 3)
	for i, size := range []int{prm.QPContextSize, prm.QPContextSize, arbel.MaxDoorbellRecords * prm.DoorbellRecordSize} {
		b, err := alloc.Alloc(size, 4096)
		if err != nil {
			return nil, err
		}
		cu.Add(func() { alloc.Free(b) })
		buffers[i] = b
	}

	dev, err := arbel.Attach(arbel.Resources{
		Config:          cfg,
		UAR:             uar,
		MailboxIn:       buffers[0],
		MailboxOut:      buffers[1],
		DoorbellRecords: buffers[2],
		Allocator:       alloc,
		ReservedLKey:    uint32(conf.LKey),
	}, conf.ArbelOptions())
	if err != nil {
		return nil, err
	}
	log.Infof("Attached HCA at %s", conf.HCRPath)
	return &hca{
		dev:     dev,
		alloc:   alloc,
		fabric:  wire{},
		release: cu.Release(),
	}, nil
}
