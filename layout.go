// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvring

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// PageSize is the size of the shared ring page and of every payload buffer.
const PageSize = 4096

// Shared ring layout. The byte layout is the wire format: both sides
// address the same page and must agree on every offset.
const (
	// HeaderSize is the ring header, padded to one cache line.
	HeaderSize = 64

	// RequestSlotSize is the size of one request slot:
	// id u64 | op u8 | pad[3] | ref u32 | offset u32 | length u32.
	RequestSlotSize = 24

	// ResponseSlotSize is the size of one response slot:
	// id u64 | op u8 | pad | status i16 | pad[4].
	ResponseSlotSize = 16
)

// Header field offsets.
const (
	offReqProd  = 0x00
	offReqEvent = 0x04
	offRspProd  = 0x08
	offRspEvent = 0x0C
)

// Request slot field offsets.
const (
	reqOffID     = 0x00
	reqOffOp     = 0x08
	reqOffRef    = 0x0C
	reqOffOffset = 0x10
	reqOffLength = 0x14
)

// Response slot field offsets.
const (
	rspOffID     = 0x00
	rspOffOp     = 0x08
	rspOffStatus = 0x0A
)

// Op is a request operation code.
type Op uint8

const (
	// OpRead asks the responder to fill the granted range.
	OpRead Op = 0
	// OpWrite hands the granted range to the responder.
	OpWrite Op = 1
)

func (op Op) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// Status is the result code carried in a response slot.
type Status int16

const (
	StatusOK           Status = 0
	StatusError        Status = -1
	StatusBadHandle    Status = -2
	StatusNotSupported Status = -3

	// StatusClosed is local only. It completes requests that were still
	// in flight when their channel went away and never appears on the ring.
	StatusClosed Status = -128
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusBadHandle:
		return "bad handle"
	case StatusNotSupported:
		return "not supported"
	case StatusClosed:
		return "closed"
	}
	return fmt.Sprintf("status(%d)", int16(s))
}

// Err converts s into an error, nil for StatusOK.
func (s Status) Err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusBadHandle:
		return ErrInvalidHandle
	case StatusClosed:
		return ErrChannelClosed
	}
	return &ResponseError{Status: s}
}

// GrantRef is an opaque cross-domain handle to one page.
// Zero is never a valid reference.
type GrantRef uint32

// RequestRecord is the decoded content of a request slot.
type RequestRecord struct {
	ID     uint64
	Op     Op
	Ref    GrantRef
	Offset uint32
	Length uint32
}

// ResponseRecord is the decoded content of a response slot.
type ResponseRecord struct {
	ID     uint64
	Op     Op
	Status Status
}

func (r *RequestRecord) encode(b []byte) {
	_ = b[RequestSlotSize-1]
	binary.LittleEndian.PutUint64(b[reqOffID:], r.ID)
	b[reqOffOp] = byte(r.Op)
	b[reqOffOp+1], b[reqOffOp+2], b[reqOffOp+3] = 0, 0, 0
	binary.LittleEndian.PutUint32(b[reqOffRef:], uint32(r.Ref))
	binary.LittleEndian.PutUint32(b[reqOffOffset:], r.Offset)
	binary.LittleEndian.PutUint32(b[reqOffLength:], r.Length)
}

func (r *RequestRecord) decode(b []byte) {
	_ = b[RequestSlotSize-1]
	r.ID = binary.LittleEndian.Uint64(b[reqOffID:])
	r.Op = Op(b[reqOffOp])
	r.Ref = GrantRef(binary.LittleEndian.Uint32(b[reqOffRef:]))
	r.Offset = binary.LittleEndian.Uint32(b[reqOffOffset:])
	r.Length = binary.LittleEndian.Uint32(b[reqOffLength:])
}

func (r *ResponseRecord) encode(b []byte) {
	_ = b[ResponseSlotSize-1]
	binary.LittleEndian.PutUint64(b[rspOffID:], r.ID)
	b[rspOffOp] = byte(r.Op)
	b[rspOffOp+1] = 0
	binary.LittleEndian.PutUint16(b[rspOffStatus:], uint16(r.Status))
	clear(b[rspOffStatus+2 : ResponseSlotSize])
}

func (r *ResponseRecord) decode(b []byte) {
	_ = b[ResponseSlotSize-1]
	r.ID = binary.LittleEndian.Uint64(b[rspOffID:])
	r.Op = Op(b[rspOffOp])
	r.Status = Status(int16(binary.LittleEndian.Uint16(b[rspOffStatus:])))
}

// MaxRingCapacity returns the largest power-of-two slot count whose
// request and response arrays fit in size bytes after the header.
func MaxRingCapacity(size int) uint32 {
	if size <= HeaderSize {
		return 0
	}
	n := uint32((size - HeaderSize) / (RequestSlotSize + ResponseSlotSize))
	if n == 0 {
		return 0
	}
	return 1 << (bits.Len32(n) - 1)
}

// RingSize returns the number of bytes a ring of capacity slots occupies.
func RingSize(capacity uint32) int {
	return HeaderSize + int(capacity)*(RequestSlotSize+ResponseSlotSize)
}

func validCapacity(capacity uint32, size int) error {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return fmt.Errorf("pvring: ring capacity %d is not a power of two", capacity)
	}
	if RingSize(capacity) > size {
		return fmt.Errorf("pvring: ring capacity %d does not fit in %d bytes", capacity, size)
	}
	return nil
}
