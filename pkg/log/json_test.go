// Copyright 2018 The gVisor Authors.
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

package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLevelJSON(t *testing.T) {
	for _, tc := range []struct {
		level Level
		want  string
	}{
		{Warning, `"warning"`},
		{Info, `"info"`},
		{Debug, `"debug"`},
	} {
		b, err := json.Marshal(tc.level)
		if err != nil {
			t.Fatalf("json.Marshal(%v): %v", tc.level, err)
		}
		if string(b) != tc.want {
			t.Errorf("json.Marshal(%v) = %s, want %s", tc.level, b, tc.want)
		}
		var got Level
		if err := json.Unmarshal(b, &got); err != nil {
			t.Fatalf("json.Unmarshal(%s): %v", b, err)
		}
		if got != tc.level {
			t.Errorf("json.Unmarshal(%s) = %v, want %v", b, got, tc.level)
		}
	}
}

func TestLevelJSONInvalid(t *testing.T) {
	if _, err := json.Marshal(Level(7)); err == nil {
		t.Errorf("json.Marshal(Level(7)) succeeded")
	}
	for _, in := range []string{`1`, `"verbose"`, `null`} {
		var l Level
		if err := json.Unmarshal([]byte(in), &l); err == nil {
			t.Errorf("json.Unmarshal(%s) succeeded with %v", in, l)
		}
	}
}

func TestJSONEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := JSONEmitter{&Writer{Next: &buf}}
	ts := time.Date(2024, time.May, 7, 13, 4, 5, 0, time.UTC)
	e.Emit(0, Debug, ts, "qp %#x ready", 0x402)

	if !strings.HasSuffix(buf.String(), "}\n") {
		t.Errorf("output %q is not newline terminated", buf.String())
	}
	var got jsonLog
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output %q is not JSON: %v", buf.String(), err)
	}
	if !strings.HasPrefix(got.Caller, "json_test.go:") {
		t.Errorf("caller = %q, want json_test.go:<line>", got.Caller)
	}
	got.Caller = ""
	want := jsonLog{Time: ts, Level: Debug, Msg: "qp 0x402 ready"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("log line mismatch (-want +got):\n%s", diff)
	}
}
