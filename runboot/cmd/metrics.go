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
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/subcommands"
	"ibboot.dev/ibboot/pkg/metric"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	values bool
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "list the counters runboot maintains"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [-values] - lists every registered counter with its fields; with
-values, prints the current values in Prometheus text format instead.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&m.values, "values", false, "print current values in Prometheus text format.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if m.values {
		if err := metric.WriteText(os.Stdout); err != nil {
			Fatalf("writing metrics: %v", err)
		}
		return subcommands.ExitSuccess
	}
	writeMetadata(os.Stdout)
	return subcommands.ExitSuccess
}

func writeMetadata(w io.Writer) {
	for _, md := range metric.AllMetadata() {
		fields := ""
		if len(md.Fields) > 0 {
			fields = " {" + strings.Join(md.Fields, ", ") + "}"
		}
		fmt.Fprintf(w, "%s%s: %s\n", md.Name, fields, md.Description)
	}
}
