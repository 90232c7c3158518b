// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvring

import (
	"errors"
	"fmt"
	"sync"
)

var (
	errGrantInUse = errors.New("pvring: grant still mapped by peer")
	errPortState  = errors.New("pvring: event port not connected")
)

// Loopback hosts grant tables, event channels and a store for domains
// that live in one process. Each domain gets its own view through
// Grants and Events; the host enforces grantee, permission and
// ownership checks the way a hypervisor would.
type Loopback struct {
	mu       sync.Mutex
	grants   map[grantKey]*grantEntry
	nextRef  map[DomID]GrantRef
	ports    map[Port]*portEntry
	nextPort Port
	store    *MemStore
}

type grantKey struct {
	owner DomID
	ref   GrantRef
}

type grantEntry struct {
	grantee  DomID
	page     []byte
	readOnly bool
	maps     int
}

type portEntry struct {
	owner  DomID
	peer   DomID
	remote Port
	upcall func()
}

// NewLoopback returns an empty host.
func NewLoopback() *Loopback {
	return &Loopback{
		grants:  make(map[grantKey]*grantEntry),
		nextRef: make(map[DomID]GrantRef),
		ports:   make(map[Port]*portEntry),
		store:   NewMemStore(),
	}
}

// Store returns the host's control-plane store.
func (l *Loopback) Store() *MemStore { return l.store }

// Grants returns dom's grant table.
func (l *Loopback) Grants(dom DomID) GrantTable { return &loopGrants{host: l, dom: dom} }

// Events returns dom's event channel.
func (l *Loopback) Events(dom DomID) EventChannel { return &loopEvents{host: l, dom: dom} }

// Granted returns how many grants owned by dom are still live.
func (l *Loopback) Granted(dom DomID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k := range l.grants {
		if k.owner == dom {
			n++
		}
	}
	return n
}

type loopGrants struct {
	host *Loopback
	dom  DomID
}

func (g *loopGrants) Grant(peer DomID, page []byte, readOnly bool) (GrantRef, error) {
	l := g.host
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextRef[g.dom]++
	ref := l.nextRef[g.dom]
	if ref == 0 {
		// wrapped; zero is reserved
		l.nextRef[g.dom]++
		ref = l.nextRef[g.dom]
	}
	l.grants[grantKey{g.dom, ref}] = &grantEntry{grantee: peer, page: page, readOnly: readOnly}
	return ref, nil
}

func (g *loopGrants) End(ref GrantRef) error {
	l := g.host
	l.mu.Lock()
	defer l.mu.Unlock()
	k := grantKey{g.dom, ref}
	e, ok := l.grants[k]
	if !ok {
		return fmt.Errorf("%w: ref %d", ErrInvalidHandle, ref)
	}
	if e.maps > 0 {
		return errGrantInUse
	}
	delete(l.grants, k)
	return nil
}

func (g *loopGrants) Map(peer DomID, ref GrantRef, writable bool) ([]byte, error) {
	l := g.host
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.grants[grantKey{peer, ref}]
	switch {
	case !ok:
		return nil, fmt.Errorf("no grant %d from domain %d", ref, peer)
	case e.grantee != g.dom:
		return nil, fmt.Errorf("grant %d not issued to domain %d", ref, g.dom)
	case writable && e.readOnly:
		return nil, fmt.Errorf("grant %d is read-only", ref)
	}
	e.maps++
	return e.page, nil
}

func (g *loopGrants) Unmap(peer DomID, ref GrantRef) error {
	l := g.host
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.grants[grantKey{peer, ref}]
	if !ok || e.grantee != g.dom || e.maps == 0 {
		return fmt.Errorf("%w: ref %d not mapped", ErrInvalidHandle, ref)
	}
	e.maps--
	return nil
}

type loopEvents struct {
	host *Loopback
	dom  DomID
}

func (ev *loopEvents) owned(port Port) (*portEntry, error) {
	p, ok := ev.host.ports[port]
	if !ok || p.owner != ev.dom {
		return nil, fmt.Errorf("%w: port %d", errPortState, port)
	}
	return p, nil
}

func (ev *loopEvents) AllocUnbound(peer DomID) (Port, error) {
	l := ev.host
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextPort++
	l.ports[l.nextPort] = &portEntry{owner: ev.dom, peer: peer}
	return l.nextPort, nil
}

func (ev *loopEvents) BindInterdomain(peer DomID, remotePort Port) (Port, error) {
	l := ev.host
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.ports[remotePort]
	if !ok || r.owner != peer || r.peer != ev.dom || r.remote != 0 {
		return 0, fmt.Errorf("%w: cannot bind to port %d of domain %d", errPortState, remotePort, peer)
	}
	l.nextPort++
	local := l.nextPort
	l.ports[local] = &portEntry{owner: ev.dom, peer: peer, remote: remotePort}
	r.remote = local
	return local, nil
}

func (ev *loopEvents) Bind(port Port, upcall func()) error {
	l := ev.host
	l.mu.Lock()
	defer l.mu.Unlock()
	p, err := ev.owned(port)
	if err != nil {
		return err
	}
	p.upcall = upcall
	return nil
}

func (ev *loopEvents) Notify(port Port) error {
	l := ev.host
	l.mu.Lock()
	p, err := ev.owned(port)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	var upcall func()
	if r, ok := l.ports[p.remote]; ok && p.remote != 0 {
		upcall = r.upcall
	}
	l.mu.Unlock()
	if upcall == nil {
		return fmt.Errorf("%w: port %d has no bound peer", errPortState, port)
	}
	upcall()
	return nil
}

func (ev *loopEvents) Close(port Port) error {
	l := ev.host
	l.mu.Lock()
	defer l.mu.Unlock()
	p, err := ev.owned(port)
	if err != nil {
		return err
	}
	if r, ok := l.ports[p.remote]; ok && p.remote != 0 {
		r.remote = 0
		// the peer's port stays allocated but can never fire again
		r.peer = ^DomID(0)
	}
	delete(l.ports, port)
	return nil
}
