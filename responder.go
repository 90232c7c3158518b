// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvring

import (
	"context"
	"sync"

	"code.hybscloud.com/atomix"
	"github.com/sirupsen/logrus"
)

// Handler serves one request. data is the granted range: for OpRead the
// handler fills it, for OpWrite it only reads it. data is valid only
// until Serve returns. The returned status is echoed to the initiator.
type Handler interface {
	Serve(req RequestRecord, data []byte) Status
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req RequestRecord, data []byte) Status

func (f HandlerFunc) Serve(req RequestRecord, data []byte) Status { return f(req, data) }

// Responder is the backend role. It maps the initiator's ring, serves
// each request through its Handler and produces the responses.
type Responder struct {
	cfg    Config
	log    *logrus.Entry
	serial Serial
	state  atomix.Uint32
	stats  counters

	ctl sync.Mutex

	mu      sync.Mutex
	handler Handler
	ring    *BackRing
	ringRef GrantRef
	port    Port
	bound   bool
	pool    *GrantPool
	bell    *doorbell
}

// NewResponder returns a disconnected responder.
func NewResponder(cfg Config) (*Responder, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	s := nextSerial()
	return &Responder{
		cfg:    cfg,
		log:    cfg.entry("responder", s),
		serial: s,
	}, nil
}

// OnRequest registers h. Requests served while no handler is registered
// complete with StatusNotSupported.
func (r *Responder) OnRequest(h Handler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

// Serial returns the channel serial assigned at construction.
func (r *Responder) Serial() Serial { return r.serial }

// State returns the current connection state. It waits for the request
// being served, if any.
func (r *Responder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

func (r *Responder) stateLocked() State { return State(r.state.Load()) }

// Stats returns a snapshot of the responder's counters.
func (r *Responder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats.snapshot()
}

// Connect waits for the initiator to publish a ring, maps it, binds the
// doorbell and starts the bottom half.
func (r *Responder) Connect(ctx context.Context) error {
	r.ctl.Lock()
	defer r.ctl.Unlock()

	switch r.State() {
	case StateConnected:
		return nil
	case StateSuspended:
		r.mu.Lock()
		r.teardownLocked(nil)
		r.mu.Unlock()
	}

	c := &r.cfg
	fe, be := c.FrontendPath, c.BackendPath
	pool := NewGrantPool(c.Grants, c.Peer, c.MaxGrants)
	if err := writeUint(c.Store, be, KeyMaxGrants, uint64(pool.Limit())); err != nil {
		return &ConnectError{Key: KeyMaxGrants, Err: err}
	}
	if err := writeState(c.Store, be, BusInitWait); err != nil {
		return err
	}
	if _, err := waitState(ctx, c.Store, fe, func(s BusState) bool { return s == BusInitialised }); err != nil {
		_ = writeState(c.Store, be, BusClosed)
		return err
	}

	fail := func(err error) error {
		pool.RevokeAll()
		_ = writeState(c.Store, be, BusClosed)
		return err
	}
	ref, err := readUint(c.Store, fe, KeyRingRef, 32)
	if err != nil {
		return fail(err)
	}
	remote, err := readUint(c.Store, fe, KeyEventChannel, 32)
	if err != nil {
		return fail(err)
	}
	capacity, err := readUint(c.Store, fe, KeyRingCapacity, 32)
	if err != nil {
		return fail(err)
	}
	page, err := pool.Resolve(GrantRef(ref), true)
	if err != nil {
		return fail(&ConnectError{Key: KeyRingRef, Err: err})
	}
	ring, err := AttachBackRing(page, uint32(capacity))
	if err != nil {
		return fail(&ConnectError{Key: KeyRingCapacity, Err: err})
	}
	port, err := c.Events.BindInterdomain(c.Peer, Port(remote))
	if err != nil {
		return fail(&ConnectError{Key: KeyEventChannel, Err: err})
	}
	bell := newDoorbell()
	if err := c.Events.Bind(port, bell.schedule); err != nil {
		_ = c.Events.Close(port)
		return fail(&ConnectError{Key: KeyEventChannel, Err: err})
	}

	r.mu.Lock()
	r.ring, r.ringRef = ring, GrantRef(ref)
	r.port, r.bound = port, true
	r.pool, r.bell = pool, bell
	r.state.Store(uint32(StateConnected))
	r.mu.Unlock()

	go bell.run(r.process)
	bell.schedule()
	if err := writeState(c.Store, be, BusConnected); err != nil {
		r.log.WithError(err).Warn("publish connected state")
	}
	r.log.WithFields(logrus.Fields{
		"capacity": capacity,
		"ring_ref": ref,
		"port":     port,
	}).Debug("connected")
	return nil
}

// process is one bottom-half pass: serve every request published so far,
// answering each as soon as it is served, then re-arm the request event.
// Requests that arrive after the final check schedule another pass.
func (r *Responder) process() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stateLocked() != StateConnected {
		return
	}
	for req, err := range r.ring.Requests() {
		if err != nil {
			r.teardownLocked(err)
			return
		}
		st := r.serve(req)
		if err := r.ring.EnqueueResponse(ResponseRecord{ID: req.ID, Op: req.Op, Status: st}); err != nil {
			r.teardownLocked(err)
			return
		}
		r.signal(r.ring.Publish())
	}
	if r.ring.FinalCheckForRequests() {
		r.bell.schedule()
	}
}

func (r *Responder) serve(req RequestRecord) Status {
	r.stats.request(req.Op)
	st := r.dispatch(req)
	r.stats.response(st)
	return st
}

func (r *Responder) dispatch(req RequestRecord) Status {
	if r.handler == nil || (req.Op != OpRead && req.Op != OpWrite) {
		return StatusNotSupported
	}
	log := r.log.WithFields(logrus.Fields{"id": req.ID, "op": req.Op, "ref": req.Ref})
	buf, err := r.pool.Resolve(req.Ref, req.Op == OpRead)
	if err != nil {
		log.WithError(err).Debug("rejected request")
		return StatusBadHandle
	}
	defer func() {
		if err := r.pool.Revoke(req.Ref); err != nil {
			log.WithError(err).Warn("unmap payload")
		}
	}()
	end := uint64(req.Offset) + uint64(req.Length)
	if end > uint64(len(buf)) {
		log.WithField("end", end).Debug("range outside granted page")
		return StatusBadHandle
	}
	st := r.handler.Serve(req, buf[req.Offset:end:end])
	if st == StatusClosed {
		st = StatusError
	}
	return st
}

func (r *Responder) signal(notify bool) {
	r.stats.publish(notify)
	if !notify {
		return
	}
	if err := r.cfg.Events.Notify(r.port); err != nil {
		r.log.WithError(err).Debug("notify")
	}
}

// Suspend quiesces a connected responder: the bottom half stops, the
// doorbell is unbound and the ring is unmapped.
func (r *Responder) Suspend() error {
	r.ctl.Lock()
	defer r.ctl.Unlock()
	r.mu.Lock()
	if r.stateLocked() != StateConnected {
		r.mu.Unlock()
		return ErrNotConnected
	}
	r.state.Store(uint32(StateSuspended))
	bell := r.bell
	bell.halt()
	r.release()
	r.mu.Unlock()
	<-bell.done
	r.log.Debug("suspended")
	return nil
}

// Teardown unmaps the ring and unbinds the doorbell. It is safe to call
// in any state and more than once.
func (r *Responder) Teardown() error {
	r.ctl.Lock()
	defer r.ctl.Unlock()
	r.mu.Lock()
	bell := r.bell
	r.teardownLocked(nil)
	r.mu.Unlock()
	if bell != nil {
		<-bell.done
	}
	return nil
}

func (r *Responder) teardownLocked(cause error) {
	if cause != nil {
		r.log.WithError(cause).Error("channel fault, tearing down")
	}
	wasUp := r.stateLocked() != StateDisconnected
	r.state.Store(uint32(StateDisconnected))
	if r.bell != nil {
		r.bell.halt()
	}
	r.release()
	if wasUp {
		_ = writeState(r.cfg.Store, r.cfg.BackendPath, BusClosed)
		r.log.Debug("disconnected")
	}
}

// release drops the ring mapping and the doorbell binding.
func (r *Responder) release() {
	if r.bound {
		if err := r.cfg.Events.Close(r.port); err != nil {
			r.log.WithError(err).Debug("close event port")
		}
		r.bound = false
	}
	if r.pool != nil {
		r.pool.RevokeAll()
	}
	r.ring, r.ringRef = nil, 0
}
