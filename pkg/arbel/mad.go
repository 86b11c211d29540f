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
	"encoding/binary"
	"fmt"

	"ibboot.dev/ibboot/pkg/errors/linuxerr"
	"ibboot.dev/ibboot/pkg/ib"
	"ibboot.dev/ibboot/pkg/prm"
)

// Subnet management constants.
const (
	madBaseVersion    = 1
	madClassVersion   = 1
	madMgmtClassSubn  = 0x01
	madMethodGet      = 0x01
	madAttrGUIDInfo   = 0x14
	madAttrPortInfo   = 0x15
	madAttrPKeyTable  = 0x16
	broadcastGIDPKeyI = 4
)

// broadcastGIDTemplate is the IPv4 broadcast group with the partition key
// left zero.
var broadcastGIDTemplate = ib.GID{
	0xff, 0x12, 0x40, 0x1b, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0xff,
}

// mad is a 256 byte management datagram.
type mad [prm.MADSize]byte

// madIFC passes m to the embedded subnet management agent and replaces it
// with the response.
func (d *Device) madIFC(m *mad) error {
	if err := d.cmd(cmdMADIFC, madIFCNoMKey, m[:], Port, m[:]); err != nil {
		return fmt.Errorf("MAD_IFC failed: %w", err)
	}
	if status := binary.BigEndian.Uint16(m[prm.MADStatus:]); status != 0 {
		return fmt.Errorf("MAD attribute %#04x returned status %#04x: %w",
			binary.BigEndian.Uint16(m[prm.MADAttrID:]), status, linuxerr.EIO)
	}
	return nil
}

// subnGet fetches a subnet management attribute from the local agent.
func (d *Device) subnGet(attrID uint16, attrMod uint32) (*mad, error) {
	var m mad
	m[prm.MADBaseVersion] = madBaseVersion
	m[prm.MADMgmtClass] = madMgmtClassSubn
	m[prm.MADClassVersion] = madClassVersion
	m[prm.MADMethod] = madMethodGet
	binary.BigEndian.PutUint16(m[prm.MADAttrID:], attrID)
	binary.BigEndian.PutUint32(m[prm.MADAttrMod:], attrMod)
	if err := d.madIFC(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (d *Device) getSMLID() (uint16, error) {
	m, err := d.subnGet(madAttrPortInfo, Port)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(m[prm.PortInfoMasterSMLID:]), nil
}

func (d *Device) getPortGID() (ib.GID, error) {
	var gid ib.GID
	m, err := d.subnGet(madAttrPortInfo, Port)
	if err != nil {
		return gid, err
	}
	copy(gid[:8], m[prm.PortInfoGIDPrefix:prm.PortInfoGIDPrefix+8])
	if m, err = d.subnGet(madAttrGUIDInfo, 0); err != nil {
		return gid, err
	}
	copy(gid[8:], m[prm.GUIDInfoGIDLocal:prm.GUIDInfoGIDLocal+8])
	return gid, nil
}

func (d *Device) getBroadcastGID() (ib.GID, error) {
	gid := broadcastGIDTemplate
	m, err := d.subnGet(madAttrPKeyTable, 0)
	if err != nil {
		return gid, err
	}
	copy(gid[broadcastGIDPKeyI:broadcastGIDPKeyI+2], m[prm.PKeyTableFirst:prm.PKeyTableFirst+2])
	return gid, nil
}
