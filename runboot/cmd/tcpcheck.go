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
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"ibboot.dev/ibboot/pkg/eventloop"
	"ibboot.dev/ibboot/pkg/log"
	"ibboot.dev/ibboot/pkg/tcpip"
	"ibboot.dev/ibboot/pkg/tcpip/link/channel"
	"ibboot.dev/ibboot/pkg/tcpip/transport/tcp"
	"ibboot.dev/ibboot/runboot/config"
)

// linkQueueLen is the number of outbound segments a check's link buffers
// between polls.
const linkQueueLen = 64

// TCPCheck implements subcommands.Command for the "tcpcheck" command.
type TCPCheck struct {
	drop int
}

// Name implements subcommands.Command.Name.
func (*TCPCheck) Name() string {
	return "tcpcheck"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*TCPCheck) Synopsis() string {
	return "run TCP connections against a scripted echo peer"
}

// Usage implements subcommands.Command.Usage.
func (*TCPCheck) Usage() string {
	return `tcpcheck [-drop=<n>] - opens --connections TCP connections to --peer, each
over its own link to a scripted peer that echoes --payload and closes.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *TCPCheck) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.drop, "drop", 0, "number of data segments the peer discards, forcing retransmission.")
}

// Execute implements subcommands.Command.Execute.
func (c *TCPCheck) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	results, err := runTCPChecks(ctx, conf, checkOptions{drop: c.drop})
	writeResults(os.Stdout, results)
	if err != nil {
		Errorf("tcpcheck failed: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// checkOptions adjust a check beyond what Config covers.
type checkOptions struct {
	// drop is passed to the echo peer.
	drop int

	// now, if set, is the clock of every check's event loop.
	now func() time.Time
}

// checkResult describes one finished connection.
type checkResult struct {
	Local   tcpip.FullAddress
	Remote  tcpip.FullAddress
	Echoed  int
	State   tcp.EndpointState
	Elapsed time.Duration
}

func writeResults(w io.Writer, results []checkResult) {
	for i, r := range results {
		if r.Local.Port == 0 {
			fmt.Fprintf(w, "connection %d: not opened\n", i)
			continue
		}
		fmt.Fprintf(w, "connection %d: %v->%v echoed %d bytes in %v, ended %v\n", i, r.Local, r.Remote, r.Echoed, r.Elapsed, r.State)
	}
}

// runTCPChecks runs conf.Connections checks side by side. The first
// failure cancels the others.
func runTCPChecks(ctx context.Context, conf *config.Config, opts checkOptions) ([]checkResult, error) {
	ctx, cancel := context.WithTimeout(ctx, conf.Timeout)
	defer cancel()

	results := make([]checkResult, conf.Connections)
	g, ctx := errgroup.WithContext(ctx)
	for i := range results {
		i := i
		g.Go(func() error {
			r, err := runTCPCheck(ctx, conf, opts)
			results[i] = r
			if err != nil {
				return fmt.Errorf("connection %d: %w", i, err)
			}
			return nil
		})
	}
	return results, g.Wait()
}

// checkApp is the application end of a checked connection. It records
// what the stack hands it.
type checkApp struct {
	received []byte
	closed   bool
	err      error
}

// Deliver implements tcp.Application.Deliver.
func (a *checkApp) Deliver(b []byte) error {
	a.received = append(a.received, b...)
	return nil
}

// Window implements tcp.Application.Window.
func (a *checkApp) Window() int {
	return tcp.MaxWindow
}

// WindowChanged implements tcp.Application.WindowChanged.
func (a *checkApp) WindowChanged() {}

// Closed implements tcp.Application.Closed.
func (a *checkApp) Closed(err error) {
	a.closed = true
	a.err = err
}

// runTCPCheck opens one connection on a private stack, writes the payload
// and waits for the peer to echo it and close. The connection must reach
// TIME_WAIT; the stack is then torn down rather than waiting out 2*MSL.
func runTCPCheck(ctx context.Context, conf *config.Config, opts checkOptions) (checkResult, error) {
	payload := []byte(conf.Payload)
	loop := eventloop.New(eventloop.Options{Now: opts.now})
	link := channel.New(linkQueueLen)
	stack := tcp.NewStack(tcp.Options{
		Clock:        loop,
		Network:      link,
		LocalAddress: conf.LocalFullAddress().Addr,
		Retransmit:   conf.RetransmitOptions(),
		MSL:          conf.MSL,
	})
	defer stack.Close()
	link.Attach(stack)
	peer := newEchoPeer(link, len(payload), opts.drop)

	app := &checkApp{}
	start := time.Now()
	ep, err := stack.Open(app, conf.PeerAddress(), conf.LocalFullAddress())
	if err != nil {
		return checkResult{}, err
	}
	res := checkResult{Local: ep.LocalAddress(), Remote: ep.RemoteAddress()}
	if err := ep.Write(payload); err != nil {
		return res, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	finished := false
	loop.AddPoller("echo-peer", peer.poll)
	loop.AddPoller("check", func() {
		if s := ep.State(); app.err != nil || peer.reset || s == tcp.StateTimeWait || s == tcp.StateClosed {
			finished = true
			cancel()
		}
	})
	err = loop.Run(ctx)
	res.Echoed = len(app.received)
	res.State = ep.State()
	res.Elapsed = time.Since(start)
	if !finished {
		return res, fmt.Errorf("%v stalled in %v: %w", ep, res.State, err)
	}

	switch {
	case app.err != nil:
		return res, fmt.Errorf("%v closed: %w", ep, app.err)
	case peer.reset:
		return res, fmt.Errorf("%v reset by the stack", ep)
	case !bytes.Equal(app.received, payload):
		return res, fmt.Errorf("%v echoed %q, want %q", ep, app.received, payload)
	case res.State != tcp.StateTimeWait:
		return res, fmt.Errorf("%v ended in %v, want %v", ep, res.State, tcp.StateTimeWait)
	}
	log.Infof("TCP check %v complete in %v", ep, res.Elapsed)
	return res, nil
}
