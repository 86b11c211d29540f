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

package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) Debugf(format string, v ...any) {
	r.lines = append(r.lines, fmt.Sprintf(format, v...))
}

func (r *recordingLogger) Infof(format string, v ...any) {
	r.lines = append(r.lines, fmt.Sprintf(format, v...))
}

func (r *recordingLogger) Warningf(format string, v ...any) {
	r.lines = append(r.lines, fmt.Sprintf(format, v...))
}

func (r *recordingLogger) IsLogging(Level) bool { return true }

func TestRateLimitedLogger(t *testing.T) {
	r := &recordingLogger{}
	l := RateLimitedLogger(r, time.Hour)
	for i := 0; i < 10; i++ {
		l.Warningf("bad segment")
	}
	if got := len(r.lines); got != 1 {
		t.Errorf("rate limited logger emitted %d lines, want 1", got)
	}
}

func TestRateLimitedLoggerReportsSuppressed(t *testing.T) {
	r := &recordingLogger{}
	l := RateLimitedLogger(r, 50*time.Millisecond)
	for i := 0; i < 4; i++ {
		l.Debugf("bad checksum on port %d", 80)
	}
	time.Sleep(100 * time.Millisecond)
	l.Debugf("bad checksum on port %d", 81)
	want := []string{
		"bad checksum on port 80",
		"bad checksum on port 81 (3 similar messages suppressed)",
	}
	if diff := cmp.Diff(want, r.lines); diff != "" {
		t.Errorf("logged lines mismatch (-want +got):\n%s", diff)
	}
}

func TestBasicRateLimitedLoggerFollowsTarget(t *testing.T) {
	old := Log()
	defer func() {
		SetTarget(old.Emitter)
		SetLevel(old.Level)
	}()

	l := BasicRateLimitedLogger(time.Hour)
	var buf bytes.Buffer
	SetTarget(&Writer{Next: &buf})
	SetLevel(Debug)
	l.Debugf("after retarget")
	if got := buf.String(); got != "after retarget\n" {
		t.Errorf("output = %q, want %q", got, "after retarget\n")
	}
}

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "warning", want: Warning},
		{in: "warn", want: Warning},
		{in: "info", want: Info},
		{in: "debug", want: Debug},
		{in: "verbose", wantErr: true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseLevel(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseLevel(%q) err = %v, wantErr %t", tc.in, err, tc.wantErr)
			}
			if err == nil && got != tc.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestBasicLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: &buf}}
	l.Debugf("hidden")
	l.Infof("shown %d", 1)
	if got := buf.String(); got != "shown 1\n" {
		t.Errorf("output = %q, want %q", got, "shown 1\n")
	}
	l.SetLevel(Debug)
	l.Debugf("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Errorf("debug message missing after SetLevel(Debug): %q", buf.String())
	}
}

func TestGoogleEmitterHeader(t *testing.T) {
	var buf bytes.Buffer
	e := GoogleEmitter{&Writer{Next: &buf}}
	ts := time.Date(2024, time.May, 7, 13, 4, 5, 123456000, time.UTC)
	e.Emit(0, Info, ts, "hello %s", "world")
	got := buf.String()
	if !strings.HasPrefix(got, "I0507 13:04:05.123456 ") {
		t.Errorf("header = %q, want prefix %q", got, "I0507 13:04:05.123456 ")
	}
	if !strings.HasSuffix(got, "] hello world\n") {
		t.Errorf("line = %q, want suffix %q", got, "] hello world\n")
	}
}

func TestLogrusEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogrusEmitter(&Writer{Next: &buf})
	e.Emit(0, Warning, time.Now(), "port %d busy", 80)

	var got map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &got); err != nil {
		t.Fatalf("output %q is not JSON: %v", buf.String(), err)
	}
	if got["msg"] != "port 80 busy" {
		t.Errorf("msg = %v, want %q", got["msg"], "port 80 busy")
	}
	if got["level"] != "warning" {
		t.Errorf("level = %v, want %q", got["level"], "warning")
	}
}
