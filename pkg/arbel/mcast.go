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

package arbel

import (
	"fmt"

	"ibboot.dev/ibboot/pkg/errors/linuxerr"
	"ibboot.dev/ibboot/pkg/ib"
	"ibboot.dev/ibboot/pkg/log"
	"ibboot.dev/ibboot/pkg/prm"
)

// mgmIndex returns the multicast group table index gid hashes to.
func (d *Device) mgmIndex(gid ib.GID) (uint32, error) {
	var hash [prm.MGMHashSize]byte
	if err := d.cmd(cmdMGIDHash, 0, gid[:], 0, hash[:]); err != nil {
		return 0, fmt.Errorf("could not hash GID %v: %w", gid, err)
	}
	return prm.Get(hash[:], prm.MGMHash.Hash), nil
}

// MulticastAttach implements ib.Device.MulticastAttach.
//
// Only the first entry of each hash chain is used: a group whose hash
// slot is already occupied cannot be attached, and each group holds a
// single queue pair.
func (d *Device) MulticastAttach(qp *ib.QueuePair, gid ib.GID) error {
	index, err := d.mgmIndex(gid)
	if err != nil {
		return err
	}

	var mgm [prm.MGMEntrySize]byte
	if err := d.cmd(cmdReadMGM, 0, nil, index, mgm[:]); err != nil {
		return fmt.Errorf("could not read MGM %#x: %w", index, err)
	}
	if prm.Get(mgm[:], prm.MGMEntry.QI) != 0 {
		log.Warningf("Arbel: MGID hash chaining not supported, MGM %#x in use", index)
		return fmt.Errorf("MGM %#x already in use: %w", index, linuxerr.EBUSY)
	}

	prm.Fill(mgm[:],
		prm.MGMEntry.QPN.Val(qp.QPN),
		prm.MGMEntry.QI.Val(1))
	copy(mgm[4*prm.MGMEntryGIDDword:], gid[:])
	if err := d.cmd(cmdWriteMGM, 0, mgm[:], index, nil); err != nil {
		return fmt.Errorf("could not write MGM %#x: %w", index, err)
	}
	log.Debugf("Arbel: attached QPN %#x to %v at MGM %#x", qp.QPN, gid, index)
	return nil
}

// MulticastDetach implements ib.Device.MulticastDetach. The hash slot is
// cleared without checking that it belongs to gid.
func (d *Device) MulticastDetach(qp *ib.QueuePair, gid ib.GID) error {
	index, err := d.mgmIndex(gid)
	if err != nil {
		return err
	}

	var mgm [prm.MGMEntrySize]byte
	if err := d.cmd(cmdWriteMGM, 0, mgm[:], index, nil); err != nil {
		return fmt.Errorf("could not write MGM %#x: %w", index, err)
	}
	log.Debugf("Arbel: detached %v from MGM %#x", gid, index)
	return nil
}
