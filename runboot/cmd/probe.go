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
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
	"ibboot.dev/ibboot/pkg/arbel"
	"ibboot.dev/ibboot/pkg/ib"
	"ibboot.dev/ibboot/pkg/log"
	"ibboot.dev/ibboot/pkg/mmio"
	"ibboot.dev/ibboot/runboot/config"
)

// recvBufferSize holds the largest datagram at the 2048 byte MTU.
const recvBufferSize = 2048

// errIncomplete is returned by a completion poll that is still waiting.
var errIncomplete = errors.New("completions outstanding")

// Probe implements subcommands.Command for the "probe" command.
type Probe struct {
	count int
}

// Name implements subcommands.Command.Name.
func (*Probe) Name() string {
	return "probe"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Probe) Synopsis() string {
	return "attach to the HCA and loop datagrams through a queue pair"
}

// Usage implements subcommands.Command.Usage.
func (*Probe) Usage() string {
	return `probe [-count=<n>] - attaches to the HCA, creates a completion queue and
a queue pair, joins the broadcast group and sends datagrams to itself.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *Probe) SetFlags(f *flag.FlagSet) {
	f.IntVar(&p.count, "count", 4, "number of datagrams looped back.")
}

// Execute implements subcommands.Command.Execute.
func (p *Probe) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	h, err := openHCA(conf)
	if err != nil {
		Fatalf("attaching HCA: %v", err)
	}
	defer h.Close()

	rep, err := runProbe(h, conf, p.count)
	rep.write(os.Stdout)
	if err != nil {
		Errorf("probe failed: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// probeReport is what a probe learned about the device.
type probeReport struct {
	PortGID      ib.GID
	BroadcastGID ib.GID
	SMLID        uint16
	Limits       arbel.Limits
	CQN          uint32
	QPN          uint32

	// Sent and Received count successful completions; Errors counts
	// completions with a nonzero syndrome.
	Sent     int
	Received int
	Errors   int
}

func (r *probeReport) write(w io.Writer) {
	fmt.Fprintf(w, "port GID:      %v\n", r.PortGID)
	fmt.Fprintf(w, "broadcast GID: %v\n", r.BroadcastGID)
	fmt.Fprintf(w, "SM LID:        %#04x\n", r.SMLID)
	fmt.Fprintf(w, "reserved:      %d UARs, %d CQs, %d QPs\n", r.Limits.ReservedUARs, r.Limits.ReservedCQs, r.Limits.ReservedQPs)
	fmt.Fprintf(w, "CQN %#x, QPN %#x: %d sent, %d received, %d errors\n", r.CQN, r.QPN, r.Sent, r.Received, r.Errors)
}

// runProbe exercises every device operation once and loops count
// datagrams from the queue pair back to itself.
func runProbe(h *hca, conf *config.Config, count int) (rep probeReport, retErr error) {
	dev := h.dev
	rep = probeReport{
		PortGID:      dev.PortGID(),
		BroadcastGID: dev.BroadcastGID(),
		SMLID:        dev.SMLID(),
		Limits:       dev.Limits(),
	}

	cq, err := ib.CreateCQ(dev, uint32(conf.CQEntries))
	if err != nil {
		return rep, fmt.Errorf("creating completion queue: %w", err)
	}
	defer func() {
		if err := ib.DestroyCQ(dev, cq); err != nil && retErr == nil {
			retErr = fmt.Errorf("destroying completion queue: %w", err)
		}
	}()
	qp, err := ib.CreateQP(dev, uint32(conf.SendWQEs), cq, uint32(conf.RecvWQEs), cq, uint32(conf.QKey))
	if err != nil {
		return rep, fmt.Errorf("creating queue pair: %w", err)
	}
	// Posted buffers belong to the hardware until the queue pair is gone.
	// A leaked queue pair keeps them.
	var bufs []*mmio.Buffer
	defer func() {
		if err := ib.DestroyQP(dev, qp); err != nil {
			if retErr == nil {
				retErr = fmt.Errorf("destroying queue pair: %w", err)
			}
			return
		}
		for _, b := range bufs {
			h.alloc.Free(b)
		}
	}()
	rep.CQN, rep.QPN = cq.CQN, qp.QPN

	if err := dev.MulticastAttach(qp, rep.BroadcastGID); err != nil {
		return rep, fmt.Errorf("joining broadcast group: %w", err)
	}
	defer func() {
		if err := dev.MulticastDetach(qp, rep.BroadcastGID); err != nil && retErr == nil {
			retErr = fmt.Errorf("leaving broadcast group: %w", err)
		}
	}()

	alloc := func(size int) (*mmio.Buffer, error) {
		b, err := h.alloc.Alloc(size, 16)
		if err != nil {
			return nil, err
		}
		bufs = append(bufs, b)
		return b, nil
	}
	for i := uint(0); i < conf.RecvWQEs; i++ {
		b, err := alloc(recvBufferSize)
		if err != nil {
			return rep, err
		}
		if err := dev.PostRecv(qp, b); err != nil {
			return rep, fmt.Errorf("posting receive: %w", err)
		}
	}

	av := ib.AddressVector{
		DestQPN:    qp.QPN,
		QKey:       qp.QKey,
		GIDPresent: true,
		GID:        rep.PortGID,
	}
	var (
		sendDone int
		received [][]byte
		reposts  []*mmio.Buffer
	)
	onSend := func(_ *ib.QueuePair, c ib.Completion, _ *mmio.Buffer) {
		if c.Syndrome != 0 {
			rep.Errors++
		} else {
			rep.Sent++
		}
		sendDone++
	}
	onRecv := func(_ *ib.QueuePair, c ib.Completion, buf *mmio.Buffer) {
		if c.Syndrome != 0 {
			rep.Errors++
		} else {
			rep.Received++
			received = append(received, append([]byte(nil), buf.Mem[buf.Len:buf.Len+int(c.Len)]...))
		}
		reposts = append(reposts, buf)
	}

	for i := 0; i < count; i++ {
		msg := []byte(fmt.Sprintf("%s#%d", conf.Payload, i))
		b, err := alloc(len(msg))
		if err != nil {
			return rep, err
		}
		b.Len = copy(b.Mem, msg)
		if err := dev.PostSend(qp, &av, b); err != nil {
			return rep, fmt.Errorf("posting send %d: %w", i, err)
		}
		if err := h.fabric.Transfer(qp.QPN); err != nil {
			return rep, err
		}

		want := i + 1
		if err := pollUntil(conf.Timeout, func() bool {
			dev.PollCQ(cq, onSend, onRecv)
			for _, rb := range reposts {
				rb.Zero()
				if err := dev.PostRecv(qp, rb); err != nil {
					log.Warningf("Reposting receive buffer: %v", err)
				}
			}
			reposts = reposts[:0]
			return sendDone >= want && rep.Received+rep.Errors >= want
		}); err != nil {
			return rep, fmt.Errorf("datagram %d: %w", i, err)
		}
		if rep.Errors != 0 {
			return rep, fmt.Errorf("datagram %d: %d error completions", i, rep.Errors)
		}
		if got := received[len(received)-1]; !bytes.Equal(got, msg) {
			return rep, fmt.Errorf("datagram %d: received %q, want %q", i, got, msg)
		}
		log.Debugf("Probe datagram %d looped back", i)
	}
	return rep, nil
}

// pollUntil calls done with exponentially growing pauses until it returns
// true or timeout passes.
func pollUntil(timeout time.Duration, done func() bool) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = timeout
	err := backoff.Retry(func() error {
		if done() {
			return nil
		}
		return errIncomplete
	}, b)
	if err != nil {
		return fmt.Errorf("no completion within %v: %w", timeout, err)
	}
	return nil
}
