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

package errors_test

import (
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
	"ibboot.dev/ibboot/pkg/errors/linuxerr"
)

func TestIs(t *testing.T) {
	wrapped := fmt.Errorf("opening connection: %w", linuxerr.ETIMEDOUT)
	for _, tc := range []struct {
		name   string
		target error
		want   bool
	}{
		{"same value", linuxerr.ETIMEDOUT, true},
		{"matching errno", unix.ETIMEDOUT, true},
		{"other value", linuxerr.ECONNRESET, false},
		{"other errno", unix.ECONNRESET, false},
		{"unrelated", errors.New("connection timed out"), false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := errors.Is(wrapped, tc.target); got != tc.want {
				t.Errorf("errors.Is(%v, %v) = %t, want %t", wrapped, tc.target, got, tc.want)
			}
		})
	}
}

func TestErrno(t *testing.T) {
	if got := linuxerr.ENOSPC.Errno(); got != unix.ENOSPC {
		t.Errorf("ENOSPC.Errno() = %v, want %v", got, unix.ENOSPC)
	}
}
