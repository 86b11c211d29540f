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

package tcp

import (
	"ibboot.dev/ibboot/pkg/tcpip/header"
	"ibboot.dev/ibboot/pkg/tcpip/seqnum"
)

// segment is a received segment waiting in the reassembly queue. Only the
// parts needed after the header has been consumed are kept: the payload, the
// sequence number of its first byte and whether a FIN follows it.
type segment struct {
	sequenceNumber seqnum.Value
	flags          header.TCPFlags
	data           []byte

	// serial orders segments by arrival, for discarding under memory
	// pressure.
	serial uint64
}

// logicalLen is the sequence space the segment occupies.
func (s *segment) logicalLen() seqnum.Size {
	l := seqnum.Size(len(s.data))
	if s.flags.Contains(header.TCPFlagFin) {
		l++
	}
	return l
}
