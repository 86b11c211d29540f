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

package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/subcommands"
	"ibboot.dev/ibboot/pkg/log"
)

func TestNewEmitter(t *testing.T) {
	for _, tc := range []struct {
		format string
		want   string
	}{
		{"text", "hello 42"},
		{"json", `"msg":"hello 42"`},
		{"logrus", `"msg":"hello 42"`},
	} {
		t.Run(tc.format, func(t *testing.T) {
			var buf bytes.Buffer
			e := newEmitter(tc.format, &buf)
			e.Emit(0, log.Info, time.Now(), "hello %d", 42)
			if !strings.Contains(buf.String(), tc.want) {
				t.Errorf("%s output %q does not contain %q", tc.format, buf.String(), tc.want)
			}
		})
	}
}

func TestCommands(t *testing.T) {
	names := map[string]bool{}
	forEachCmd(func(c subcommands.Command, _ string) {
		names[c.Name()] = true
	})
	for _, want := range []string{"help", "flags", "probe", "tcpcheck", "metrics"} {
		if !names[want] {
			t.Errorf("command %q not registered", want)
		}
	}
}
