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

// Package ports provides PortManager that manages allocating, reserving and
// releasing ports.
package ports

import (
	"io"
	"sync"

	"ibboot.dev/ibboot/pkg/errors/linuxerr"
	"ibboot.dev/ibboot/pkg/rand"
)

const (
	// FirstEphemeral is the first ephemeral port.
	FirstEphemeral = 1024

	// numEphemeralPorts is the number of ports an ephemeral scan covers.
	numEphemeralPorts = 65536 - FirstEphemeral
)

// PortManager manages allocating, reserving and releasing local ports. A
// port is in use for as long as the connection bound to it is live.
type PortManager struct {
	// rand supplies the starting offset of ephemeral scans.
	rand io.Reader

	mu sync.Mutex
	// +checklocks:mu
	allocatedPorts map[uint16]struct{}
}

// NewPortManager creates new PortManager. A nil r uses the system's
// cryptographic random source.
func NewPortManager(r io.Reader) *PortManager {
	if r == nil {
		r = rand.Reader
	}
	return &PortManager{
		rand:           r,
		allocatedPorts: make(map[uint16]struct{}),
	}
}

// PickEphemeralPort randomly chooses a starting point and iterates over all
// possible ephemeral ports, allowing the caller to decide whether a given port
// is suitable for its needs, and stopping when a port is found or an error
// occurs.
func (s *PortManager) PickEphemeralPort(testPort func(p uint16) (bool, error)) (port uint16, err error) {
	r, err := rand.Uint32(s.rand)
	if err != nil {
		return 0, err
	}
	return s.pickEphemeralPort(r%numEphemeralPorts, numEphemeralPorts, testPort)
}

// pickEphemeralPort starts at the offset specified from the FirstEphemeral port
// and iterates over the number of ports specified by count and allows the
// caller to decide whether a given port is suitable for its needs, and stopping
// when a port is found or an error occurs.
func (s *PortManager) pickEphemeralPort(offset, count uint32, testPort func(p uint16) (bool, error)) (port uint16, err error) {
	for i := uint32(0); i < count; i++ {
		port = uint16(FirstEphemeral + (offset+i)%count)
		ok, err := testPort(port)
		if err != nil {
			return 0, err
		}

		if ok {
			return port, nil
		}
	}

	return 0, linuxerr.EADDRINUSE
}

// IsPortAvailable tests if the given port is available.
func (s *PortManager) IsPortAvailable(port uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isPortAvailableLocked(port)
}

// +checklocks:s.mu
func (s *PortManager) isPortAvailableLocked(port uint16) bool {
	_, ok := s.allocatedPorts[port]
	return !ok
}

// ReservePort marks a port as in use. If port is zero, an ephemeral port is
// picked by scanning from a random start. An explicit port that is already
// in use fails with EADDRINUSE, as does a scan that finds nothing free.
func (s *PortManager) ReservePort(port uint16) (reservedPort uint16, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if port != 0 {
		if !s.isPortAvailableLocked(port) {
			return 0, linuxerr.EADDRINUSE
		}
		s.allocatedPorts[port] = struct{}{}
		return port, nil
	}

	return s.PickEphemeralPort(func(p uint16) (bool, error) {
		if !s.isPortAvailableLocked(p) {
			return false, nil
		}
		s.allocatedPorts[p] = struct{}{}
		return true, nil
	})
}

// ReleasePort releases the reservation on a port so that it can be reserved
// by other endpoints.
func (s *PortManager) ReleasePort(port uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.allocatedPorts, port)
}
