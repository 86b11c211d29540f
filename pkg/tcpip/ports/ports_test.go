// Copyright 2018 Google LLC
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

package ports

import (
	"bytes"
	"errors"
	"testing"

	"ibboot.dev/ibboot/pkg/errors/linuxerr"
)

// zeroRand makes every scan start at FirstEphemeral.
func zeroRand() *bytes.Reader {
	return bytes.NewReader(make([]byte, 1<<20))
}

func TestReserveExplicitPort(t *testing.T) {
	pm := NewPortManager(zeroRand())
	if got, err := pm.ReservePort(80); err != nil || got != 80 {
		t.Fatalf("ReservePort(80) = %d, %v; want 80, nil", got, err)
	}
	if _, err := pm.ReservePort(80); err != linuxerr.EADDRINUSE {
		t.Errorf("second ReservePort(80) = %v, want EADDRINUSE", err)
	}
	pm.ReleasePort(80)
	if !pm.IsPortAvailable(80) {
		t.Errorf("port 80 still in use after release")
	}
	// Reserved ports below the ephemeral range are allowed explicitly.
	if _, err := pm.ReservePort(80); err != nil {
		t.Errorf("ReservePort(80) after release: %v", err)
	}
}

func TestPickEphemeralPortSkipsUsed(t *testing.T) {
	pm := NewPortManager(zeroRand())
	for _, p := range []uint16{FirstEphemeral, FirstEphemeral + 1} {
		if _, err := pm.ReservePort(p); err != nil {
			t.Fatalf("ReservePort(%d): %v", p, err)
		}
	}
	got, err := pm.ReservePort(0)
	if err != nil {
		t.Fatalf("ReservePort(0): %v", err)
	}
	if want := uint16(FirstEphemeral + 2); got != want {
		t.Errorf("ReservePort(0) = %d, want %d", got, want)
	}
}

func TestPickEphemeralPortWraps(t *testing.T) {
	pm := NewPortManager(zeroRand())
	// Start the scan at the last port so the next candidate wraps around.
	got, err := pm.pickEphemeralPort(numEphemeralPorts-1, numEphemeralPorts, func(p uint16) (bool, error) {
		return p != 65535, nil
	})
	if err != nil || got != FirstEphemeral {
		t.Errorf("pickEphemeralPort = %d, %v; want %d, nil", got, err, FirstEphemeral)
	}
}

func TestPickEphemeralPortExhausted(t *testing.T) {
	pm := NewPortManager(zeroRand())
	for p := FirstEphemeral; p <= 65535; p++ {
		if _, err := pm.ReservePort(uint16(p)); err != nil {
			t.Fatalf("ReservePort(%d): %v", p, err)
		}
	}
	if _, err := pm.ReservePort(0); err != linuxerr.EADDRINUSE {
		t.Errorf("ReservePort(0) with no free ports = %v, want EADDRINUSE", err)
	}
}

func TestPickEphemeralPortError(t *testing.T) {
	pm := NewPortManager(zeroRand())
	errStop := errors.New("stop")
	if _, err := pm.PickEphemeralPort(func(uint16) (bool, error) { return false, errStop }); err != errStop {
		t.Errorf("PickEphemeralPort = %v, want %v", err, errStop)
	}
}
