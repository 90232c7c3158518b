// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvring

import (
	"fmt"
	"math/bits"
)

// PendingRequest is the multiplexer's record of one in-flight request.
// It never appears on the wire.
type PendingRequest struct {
	// ID is the ring-level correlation value and the free-list index.
	ID uint64
	// Tag is the caller-level correlation key.
	Tag uint64
	Op  Op

	// Payload location.
	Ref    GrantRef
	Offset uint32
	Length uint32
	buf    []byte
	page   int

	// Future is completed when the response arrives.
	Future *Future
	req    Request
}

// Multiplexer maps ring ids to pending requests. Ids are drawn lowest
// first from a bitset sized to the ring capacity, so at most capacity
// requests are ever in flight and an id is never reused while pending.
// Not safe for concurrent use; callers serialise access.
type Multiplexer struct {
	slots []PendingRequest
	used  []uint64
	n     int
}

// NewMultiplexer returns a multiplexer with capacity ids.
func NewMultiplexer(capacity int) *Multiplexer {
	return &Multiplexer{
		slots: make([]PendingRequest, capacity),
		used:  make([]uint64, (capacity+63)/64),
	}
}

// Capacity returns the number of ids.
func (m *Multiplexer) Capacity() int { return len(m.slots) }

// Outstanding returns the number of ids in flight.
func (m *Multiplexer) Outstanding() int { return m.n }

// Allocate records p under the lowest free id and returns that id.
// It fails with ErrBusy when every id is in flight.
func (m *Multiplexer) Allocate(p PendingRequest) (uint64, error) {
	for w, word := range m.used {
		if word == ^uint64(0) {
			continue
		}
		b := bits.TrailingZeros64(^word)
		id := w*64 + b
		if id >= len(m.slots) {
			break
		}
		m.used[w] |= 1 << b
		p.ID = uint64(id)
		m.slots[id] = p
		m.n++
		return p.ID, nil
	}
	return 0, ErrBusy
}

func (m *Multiplexer) inFlight(id uint64) bool {
	if id >= uint64(len(m.slots)) {
		return false
	}
	return m.used[id/64]&(1<<(id%64)) != 0
}

// Lookup returns the pending request for id without removing it.
func (m *Multiplexer) Lookup(id uint64) (PendingRequest, bool) {
	if !m.inFlight(id) {
		return PendingRequest{}, false
	}
	return m.slots[id], true
}

// Complete removes and returns the pending request for id, freeing the
// id. A response carrying an id that is not in flight is a protocol
// violation reported as ErrUnknownID.
func (m *Multiplexer) Complete(id uint64) (PendingRequest, error) {
	if !m.inFlight(id) {
		return PendingRequest{}, fmt.Errorf("%w: %d", ErrUnknownID, id)
	}
	p := m.slots[id]
	m.slots[id] = PendingRequest{}
	m.used[id/64] &^= 1 << (id % 64)
	m.n--
	return p, nil
}

// Drain removes every pending request, lowest id first.
func (m *Multiplexer) Drain() []PendingRequest {
	if m.n == 0 {
		return nil
	}
	out := make([]PendingRequest, 0, m.n)
	for id := range m.slots {
		if m.inFlight(uint64(id)) {
			p, _ := m.Complete(uint64(id))
			out = append(out, p)
		}
	}
	return out
}
