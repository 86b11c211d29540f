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

package prm

// Structure sizes in bytes.
const (
	HCRSize              = 28
	CQContextSize        = 64
	QPContextSize        = 0x208
	CQESize              = 32
	DoorbellRecordSize   = 8
	DoorbellRegisterSize = 8
	MGMEntrySize         = 64
	MGMHashSize          = 8
	DevLimSize           = 0x100
	MADSize              = 0x100
	GIDSize              = 16
)

// Work queue entry geometry. Each ring slot is padded to its stride; the
// "nds" descriptor size counts 16-byte chunks of the populated prefix.
const (
	// UD send WQE: next, ctrl, UD address vector, one gather entry.
	SendWQENextOffset = 0
	SendWQECtrlOffset = 16
	SendWQEUDOffset   = 32
	SendWQEDataOffset = 80
	SendWQESize       = 96
	SendWQEStride     = 128
	SendWQENDS        = SendWQESize / 16

	// Receive WQE: next, one scatter entry.
	RecvWQENextOffset = 0
	RecvWQEDataOffset = 16
	RecvWQESize       = 32
	RecvWQEStride     = 64
	RecvWQENDS        = RecvWQESize / 16
	RecvWQEScatter    = (RecvWQESize - RecvWQEDataOffset) / DataSegSize

	// DataSegSize is the size of one scatter/gather entry.
	DataSegSize = 16
)

// HCR is the HCA command register bank.
var HCR = struct {
	InParamH, InParamL   Field
	InputModifier        Field
	OutParamH, OutParamL Field
	Token                Field
	Opcode               Field
	OpcodeModifier       Field
	E, Go, Status        Field
}{
	InParamH:       Field{0, 0, 32},
	InParamL:       Field{1, 0, 32},
	InputModifier:  Field{2, 0, 32},
	OutParamH:      Field{3, 0, 32},
	OutParamL:      Field{4, 0, 32},
	Token:          Field{5, 16, 16},
	Opcode:         Field{6, 0, 12},
	OpcodeModifier: Field{6, 12, 4},
	E:              Field{6, 22, 1},
	Go:             Field{6, 23, 1},
	Status:         Field{6, 24, 8},
}

// HCRInlineIn and HCRInlineOut are the dwords used for inline command
// parameters.
const (
	HCRInlineIn  = 0
	HCRInlineOut = 3
)

// CQContext is the completion queue context passed to SW2HW_CQ.
var CQContext = struct {
	St                           Field
	StartAddressH, StartAddressL Field
	UsrPage, LogCQSize           Field
	CEQN, PD, LKey               Field
	CQN, CIDoorbell, ArmDoorbell Field
}{
	St:            Field{0, 8, 4},
	StartAddressH: Field{1, 0, 32},
	StartAddressL: Field{2, 0, 32},
	UsrPage:       Field{3, 0, 24},
	LogCQSize:     Field{3, 24, 5},
	CEQN:          Field{5, 0, 8},
	PD:            Field{6, 0, 24},
	LKey:          Field{7, 0, 32},
	CQN:           Field{12, 0, 24},
	CIDoorbell:    Field{13, 0, 32},
	ArmDoorbell:   Field{14, 0, 32},
}

// QPContext is the QP/EE state transition structure. Dword indices include
// the two leading option-mask dwords.
var QPContext = struct {
	OptParamMask                   Field
	DE, PMState, ST                Field
	LogRQStride, LogRQSize         Field
	LogSQStride, LogSQSize         Field
	MsgMax, MTU                    Field
	UsrPage, PortNumber            Field
	PD, WQELKey, SSC               Field
	CQNSnd, SndWQEBase, SndDBIndex Field
	RSC                            Field
	CQNRcv, RcvWQEBase, RcvDBIndex Field
	QKey                           Field
}{
	OptParamMask: Field{0, 0, 32},
	DE:           Field{2, 8, 1},
	PMState:      Field{2, 11, 2},
	ST:           Field{2, 16, 3},
	LogRQStride:  Field{4, 0, 3},
	LogRQSize:    Field{4, 3, 4},
	LogSQStride:  Field{4, 8, 3},
	LogSQSize:    Field{4, 11, 4},
	MsgMax:       Field{4, 24, 5},
	MTU:          Field{4, 29, 3},
	UsrPage:      Field{5, 0, 24},
	PortNumber:   Field{10, 24, 8},
	PD:           Field{27, 0, 24},
	WQELKey:      Field{29, 0, 32},
	SSC:          Field{30, 14, 1},
	CQNSnd:       Field{33, 0, 24},
	SndWQEBase:   Field{34, 6, 26},
	SndDBIndex:   Field{35, 0, 32},
	RSC:          Field{38, 14, 1},
	CQNRcv:       Field{41, 0, 24},
	RcvWQEBase:   Field{42, 6, 26},
	RcvDBIndex:   Field{43, 0, 32},
	QKey:         Field{44, 0, 32},
}

// CQE is a completion queue entry. Error completions share the layout of
// normal ones except for the syndrome dword.
var CQE = struct {
	MyQPN, RLID, SL, RQPN Field
	ByteCnt               Field
	Syndrome, VendorCode  Field
	WQEAdr                Field
	Owner, S, Opcode      Field
}{
	MyQPN:      Field{0, 0, 24},
	RLID:       Field{2, 0, 16},
	SL:         Field{2, 28, 4},
	RQPN:       Field{3, 0, 24},
	ByteCnt:    Field{4, 0, 32},
	Syndrome:   Field{5, 0, 8},
	VendorCode: Field{5, 8, 8},
	WQEAdr:     Field{6, 6, 26},
	Owner:      Field{7, 7, 1},
	S:          Field{7, 22, 1},
	Opcode:     Field{7, 24, 8},
}

// WQENext is the "next" segment at the head of every work queue entry.
var WQENext = struct {
	NOpcode, NDA    Field
	NDS, F, Always1 Field
}{
	NOpcode: Field{0, 0, 5},
	NDA:     Field{0, 6, 26},
	NDS:     Field{1, 0, 6},
	F:       Field{1, 6, 1},
	Always1: Field{1, 7, 1},
}

// WQECtrl is the control segment of a send work queue entry.
var WQECtrl = struct {
	Always1 Field
}{
	Always1: Field{0, 0, 1},
}

// UDAV is the unreliable-datagram address vector segment of a send WQE.
// The destination GID occupies dwords 4 through 7.
var UDAV = struct {
	PD, PortNumber      Field
	RLID, G             Field
	MaxStatRate, Msg    Field
	SL                  Field
	DestinationQP, QKey Field
}{
	PD:            Field{0, 0, 24},
	PortNumber:    Field{0, 24, 8},
	RLID:          Field{1, 0, 16},
	G:             Field{1, 23, 1},
	MaxStatRate:   Field{2, 16, 3},
	Msg:           Field{2, 28, 2},
	SL:            Field{3, 28, 4},
	DestinationQP: Field{8, 0, 24},
	QKey:          Field{9, 0, 32},
}

// UDAVGIDDword is the first dword of the GID within UDAV.
const UDAVGIDDword = 4

// DataSeg is a scatter/gather entry.
var DataSeg = struct {
	ByteCount, LKey              Field
	LocalAddressH, LocalAddressL Field
}{
	ByteCount:     Field{0, 0, 31},
	LKey:          Field{1, 0, 32},
	LocalAddressH: Field{2, 0, 32},
	LocalAddressL: Field{3, 0, 32},
}

// DoorbellRecord is an entry of the doorbell record array. QP records use
// the low 16 bits of Counter.
var DoorbellRecord = struct {
	Counter     Field
	Number, Res Field
}{
	Counter: Field{0, 0, 32},
	Number:  Field{1, 0, 24},
	Res:     Field{1, 29, 3},
}

// SendDoorbell is the send doorbell register written to the UAR.
var SendDoorbell = struct {
	NOpcode, F, WQECnt, WQECounter Field
	NDS, QPN                       Field
}{
	NOpcode:    Field{0, 0, 5},
	F:          Field{0, 5, 1},
	WQECnt:     Field{0, 8, 8},
	WQECounter: Field{0, 16, 16},
	NDS:        Field{1, 0, 6},
	QPN:        Field{1, 8, 24},
}

// MGMEntry is a multicast group table entry. The group GID occupies dwords
// 4 through 7; dword 8 is the first attached QP.
var MGMEntry = struct {
	NextGIDIndex Field
	QPN, QI      Field
}{
	NextGIDIndex: Field{0, 6, 26},
	QPN:          Field{8, 0, 24},
	QI:           Field{8, 31, 1},
}

// MGMEntryGIDDword is the first dword of the GID within MGMEntry.
const MGMEntryGIDDword = 4

// MGMHash is the output of MGID_HASH.
var MGMHash = struct {
	Hash Field
}{
	Hash: Field{1, 0, 16},
}

// DevLim is the output of QUERY_DEV_LIM.
var DevLim = struct {
	Log2RsvdQPs, Log2RsvdCQs, NumRsvdUARs Field
}{
	Log2RsvdQPs: Field{2, 0, 4},
	Log2RsvdCQs: Field{6, 0, 4},
	NumRsvdUARs: Field{18, 28, 4},
}

// MAD header and subnet management attribute layout, in byte offsets.
const (
	MADBaseVersion  = 0
	MADMgmtClass    = 1
	MADClassVersion = 2
	MADMethod       = 3
	MADStatus       = 4
	MADAttrID       = 16
	MADAttrMod      = 20
	MADData         = 64

	// PortInfo attribute.
	PortInfoGIDPrefix   = MADData + 8
	PortInfoLID         = MADData + 16
	PortInfoMasterSMLID = MADData + 18

	// GUIDInfo attribute: the first GUID is the port's local GID half.
	GUIDInfoGIDLocal = MADData

	// P_Key table attribute: the first partition key.
	PKeyTableFirst = MADData
)
