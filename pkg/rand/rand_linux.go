// Copyright 2018 Google Inc.
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

// Package rand supplies the randomness the network stack draws on: initial
// sequence numbers and ephemeral port scan starts. Bytes come from
// getrandom(2).
package rand

import (
	"encoding/binary"
	"io"

	"golang.org/x/sys/unix"
)

// getrandom is an io.Reader over getrandom(2).
type getrandom struct{}

// Read implements io.Reader.Read. Large requests may be satisfied in several
// calls; interrupted calls are retried.
func (getrandom) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		m, err := unix.Getrandom(p[n:], 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return n, err
		}
		n += m
	}
	return n, nil
}

// Reader is the default source.
var Reader io.Reader = getrandom{}

// Read fills b from Reader.
func Read(b []byte) (int, error) {
	return io.ReadFull(Reader, b)
}

// Uint32 reads a uniformly distributed 32-bit value from r.
func Uint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}
