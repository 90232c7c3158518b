// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvring

import (
	"fmt"

	"code.hybscloud.com/lfq"
)

// DomID identifies an isolation domain.
type DomID uint16

// GrantTable is the capability mechanism that lets a peer domain address
// a local page. Implementations validate every inbound reference.
type GrantTable interface {
	// Grant exposes page to peer and returns the handle the peer maps.
	Grant(peer DomID, page []byte, readOnly bool) (GrantRef, error)
	// End revokes a handle created by Grant. It fails while the peer
	// still holds a mapping.
	End(ref GrantRef) error
	// Map resolves a handle granted by peer into local memory.
	Map(peer DomID, ref GrantRef, writable bool) ([]byte, error)
	// Unmap releases a mapping obtained from Map.
	Unmap(peer DomID, ref GrantRef) error
}

// DefaultMaxGrants bounds outstanding handles when neither side sets a
// limit: two per slot of the largest single-page ring.
const DefaultMaxGrants = 2 * 64

// GrantPool tracks the handles one side holds against its peer: the
// local buffers it shared and the peer buffers it mapped.
// Not safe for concurrent use; callers serialise access.
type GrantPool struct {
	table  GrantTable
	peer   DomID
	limit  int
	shared map[GrantRef]struct{}
	mapped map[GrantRef]int
}

// NewGrantPool returns a pool sharing with peer through table, allowing
// at most limit outstanding shared handles.
func NewGrantPool(table GrantTable, peer DomID, limit int) *GrantPool {
	if limit <= 0 {
		limit = DefaultMaxGrants
	}
	return &GrantPool{
		table:  table,
		peer:   peer,
		limit:  limit,
		shared: make(map[GrantRef]struct{}),
		mapped: make(map[GrantRef]int),
	}
}

// Limit returns the maximum number of outstanding shared handles.
func (p *GrantPool) Limit() int { return p.limit }

// Outstanding returns the number of shared handles not yet revoked.
func (p *GrantPool) Outstanding() int { return len(p.shared) }

// Share grants the peer access to buf.
func (p *GrantPool) Share(buf []byte, readOnly bool) (GrantRef, error) {
	if len(p.shared) >= p.limit {
		return 0, ErrGrantsExhausted
	}
	ref, err := p.table.Grant(p.peer, buf, readOnly)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}
	p.shared[ref] = struct{}{}
	return ref, nil
}

// Resolve maps a handle received from the peer. Any rejection by the
// grant table is reported as ErrInvalidHandle.
func (p *GrantPool) Resolve(ref GrantRef, writable bool) ([]byte, error) {
	if ref == 0 {
		return nil, ErrInvalidHandle
	}
	buf, err := p.table.Map(p.peer, ref, writable)
	if err != nil {
		return nil, fmt.Errorf("%w: ref %d: %w", ErrInvalidHandle, ref, err)
	}
	p.mapped[ref]++
	return buf, nil
}

// Revoke ends a shared handle or drops one mapping of a resolved one.
// A shared handle must only be revoked once the peer's response for it
// has been observed.
func (p *GrantPool) Revoke(ref GrantRef) error {
	if _, ok := p.shared[ref]; ok {
		if err := p.table.End(ref); err != nil {
			return fmt.Errorf("pvring: end grant %d: %w", ref, err)
		}
		delete(p.shared, ref)
		return nil
	}
	if n, ok := p.mapped[ref]; ok {
		if err := p.table.Unmap(p.peer, ref); err != nil {
			return fmt.Errorf("pvring: unmap grant %d: %w", ref, err)
		}
		if n == 1 {
			delete(p.mapped, ref)
		} else {
			p.mapped[ref] = n - 1
		}
		return nil
	}
	return fmt.Errorf("%w: ref %d not held", ErrInvalidHandle, ref)
}

// RevokeAll drops every mapping and ends every shared handle. Handles
// the grant table refuses to end are kept and counted in the result.
func (p *GrantPool) RevokeAll() (leaked int) {
	for ref, n := range p.mapped {
		for range n {
			_ = p.table.Unmap(p.peer, ref)
		}
		delete(p.mapped, ref)
	}
	for ref := range p.shared {
		if err := p.table.End(ref); err != nil {
			leaked++
			continue
		}
		delete(p.shared, ref)
	}
	return leaked
}

// bufferArena hands out page-sized payload buffers carved from one
// page allocation. Free buffer indices live in a bounded FIFO.
// Not safe for concurrent use; callers serialise access.
type bufferArena struct {
	mem  []byte
	n    int
	free lfq.SPSC[int]
}

func newBufferArena(n int) (*bufferArena, error) {
	mem, err := allocPages(n)
	if err != nil {
		return nil, err
	}
	a := &bufferArena{mem: mem, n: n}
	a.free.Init(2 * max(n, 1))
	for i := range n {
		idx := i
		if err := a.free.Enqueue(&idx); err != nil {
			freePages(mem)
			return nil, fmt.Errorf("pvring: arena free list: %w", err)
		}
	}
	return a, nil
}

// get returns a free buffer and its index.
func (a *bufferArena) get() ([]byte, int, error) {
	idx, err := a.free.Dequeue()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: no free payload buffer", ErrResourceExhausted)
	}
	return a.buf(idx), idx, nil
}

func (a *bufferArena) buf(idx int) []byte {
	o := idx * PageSize
	return a.mem[o : o+PageSize : o+PageSize]
}

// put returns buffer idx to the free list.
func (a *bufferArena) put(idx int) {
	clear(a.buf(idx))
	_ = a.free.Enqueue(&idx)
}

func (a *bufferArena) release() error {
	mem := a.mem
	a.mem = nil
	return freePages(mem)
}
