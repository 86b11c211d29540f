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

// Package ib is the device-independent InfiniBand layer. It owns the generic
// queue bookkeeping (work queues, completion queues, queue pairs) and drives
// a hardware driver through the Device interface.
package ib

import (
	"encoding/hex"
	"fmt"

	"ibboot.dev/ibboot/pkg/errors/linuxerr"
	"ibboot.dev/ibboot/pkg/mmio"
)

// GID is a 128-bit InfiniBand global identifier.
type GID [16]byte

// String implements fmt.Stringer.
func (g GID) String() string {
	s := hex.EncodeToString(g[:])
	return s[0:4] + ":" + s[4:8] + ":" + s[8:12] + ":" + s[12:16] + ":" +
		s[16:20] + ":" + s[20:24] + ":" + s[24:28] + ":" + s[28:32]
}

// AddressVector is the destination of an unreliable-datagram send.
type AddressVector struct {
	// DestQPN is the destination queue pair number.
	DestQPN uint32
	// QKey is the destination queue key.
	QKey uint32
	// DLID is the destination local identifier.
	DLID uint16
	// Rate is the static rate class.
	Rate uint8
	// SL is the service level.
	SL uint8
	// GIDPresent is set when GID is valid.
	GIDPresent bool
	// GID is the destination GID.
	GID GID
}

// Completion describes a finished work request.
type Completion struct {
	// Len is the number of bytes transferred. Zero on error.
	Len uint32
	// Syndrome is the hardware error syndrome, or zero.
	Syndrome uint8
}

// CompletionFunc is called for each completed work request with the
// buffer that was posted for it.
type CompletionFunc func(qp *QueuePair, c Completion, buf *mmio.Buffer)

// WorkQueue is one direction of a queue pair.
type WorkQueue struct {
	// QP is the owning queue pair.
	QP *QueuePair
	// IsSend is set for the send direction.
	IsSend bool
	// CQ receives completions for this work queue.
	CQ *CompletionQueue
	// NumWQEs is the ring size; always a power of two.
	NumWQEs uint32
	// NextIdx is the producer index. It is never masked.
	NextIdx uint32
	// Bufs maps ring slot to the buffer in flight there.
	Bufs []*mmio.Buffer
	// DriverData is owned by the driver.
	DriverData any
}

// Mask returns the ring index mask.
func (wq *WorkQueue) Mask() uint32 {
	return wq.NumWQEs - 1
}

// QueuePair is a send and a receive work queue.
type QueuePair struct {
	// QPN is the queue pair number, assigned by the driver.
	QPN uint32
	// QKey is the queue key.
	QKey uint32
	Send WorkQueue
	Recv WorkQueue
	// DriverData is owned by the driver.
	DriverData any
}

// CompletionQueue collects completions of one or more work queues.
type CompletionQueue struct {
	// CQN is the completion queue number, assigned by the driver.
	CQN uint32
	// NumCQEs is the ring size; always a power of two.
	NumCQEs uint32
	// NextIdx is the consumer index. It is never masked.
	NextIdx uint32
	// WorkQueues lists the work queues completing to this CQ.
	WorkQueues []*WorkQueue
	// DriverData is owned by the driver.
	DriverData any
}

// FindWQ returns the work queue of cq belonging to qpn in the given
// direction, or nil.
func (cq *CompletionQueue) FindWQ(qpn uint32, isSend bool) *WorkQueue {
	for _, wq := range cq.WorkQueues {
		if wq.QP.QPN == qpn && wq.IsSend == isSend {
			return wq
		}
	}
	return nil
}

func (cq *CompletionQueue) unlink(wq *WorkQueue) {
	for i, w := range cq.WorkQueues {
		if w == wq {
			cq.WorkQueues = append(cq.WorkQueues[:i], cq.WorkQueues[i+1:]...)
			return
		}
	}
}

// Device is implemented by HCA drivers. Calls are never concurrent.
type Device interface {
	// CreateCQ brings up cq in hardware and assigns cq.CQN.
	CreateCQ(cq *CompletionQueue) error
	// DestroyCQ hands cq back from hardware and frees its resources.
	DestroyCQ(cq *CompletionQueue) error
	// CreateQP brings qp to the ready-to-send state and assigns qp.QPN.
	CreateQP(qp *QueuePair) error
	// DestroyQP returns qp to reset and frees its resources.
	DestroyQP(qp *QueuePair) error
	// PostSend queues buf for transmission to av.
	PostSend(qp *QueuePair, av *AddressVector, buf *mmio.Buffer) error
	// PostRecv queues buf for reception.
	PostRecv(qp *QueuePair, buf *mmio.Buffer) error
	// PollCQ dispatches all available completions of cq.
	PollCQ(cq *CompletionQueue, send, recv CompletionFunc)
	// MulticastAttach attaches qp to the multicast group gid.
	MulticastAttach(qp *QueuePair, gid GID) error
	// MulticastDetach detaches the multicast group gid.
	MulticastDetach(qp *QueuePair, gid GID) error
}

func isPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}

// CreateCQ allocates a completion queue of numCQEs entries on dev.
func CreateCQ(dev Device, numCQEs uint32) (*CompletionQueue, error) {
	if !isPowerOfTwo(numCQEs) {
		return nil, fmt.Errorf("completion queue size %d is not a power of two: %w", numCQEs, linuxerr.EINVAL)
	}
	cq := &CompletionQueue{NumCQEs: numCQEs}
	if err := dev.CreateCQ(cq); err != nil {
		return nil, err
	}
	return cq, nil
}

// DestroyCQ destroys cq. The queue must have no work queues attached.
func DestroyCQ(dev Device, cq *CompletionQueue) error {
	if len(cq.WorkQueues) != 0 {
		return fmt.Errorf("completion queue %#x still has %d work queues: %w", cq.CQN, len(cq.WorkQueues), linuxerr.EBUSY)
	}
	return dev.DestroyCQ(cq)
}

// CreateQP allocates a queue pair on dev and links its work queues to the
// given completion queues.
func CreateQP(dev Device, numSendWQEs uint32, sendCQ *CompletionQueue, numRecvWQEs uint32, recvCQ *CompletionQueue, qkey uint32) (*QueuePair, error) {
	if !isPowerOfTwo(numSendWQEs) || !isPowerOfTwo(numRecvWQEs) {
		return nil, fmt.Errorf("work queue sizes %d/%d must be powers of two: %w", numSendWQEs, numRecvWQEs, linuxerr.EINVAL)
	}
	qp := &QueuePair{QKey: qkey}
	qp.Send = WorkQueue{
		QP:      qp,
		IsSend:  true,
		CQ:      sendCQ,
		NumWQEs: numSendWQEs,
		Bufs:    make([]*mmio.Buffer, numSendWQEs),
	}
	qp.Recv = WorkQueue{
		QP:      qp,
		CQ:      recvCQ,
		NumWQEs: numRecvWQEs,
		Bufs:    make([]*mmio.Buffer, numRecvWQEs),
	}
	sendCQ.WorkQueues = append(sendCQ.WorkQueues, &qp.Send)
	recvCQ.WorkQueues = append(recvCQ.WorkQueues, &qp.Recv)
	if err := dev.CreateQP(qp); err != nil {
		sendCQ.unlink(&qp.Send)
		recvCQ.unlink(&qp.Recv)
		return nil, err
	}
	return qp, nil
}

// DestroyQP destroys qp and unlinks it from its completion queues. The
// queue pair is unlinked even when the driver reports that its memory was
// abandoned, since it can no longer be used either way.
func DestroyQP(dev Device, qp *QueuePair) error {
	err := dev.DestroyQP(qp)
	qp.Send.CQ.unlink(&qp.Send)
	qp.Recv.CQ.unlink(&qp.Recv)
	return err
}
