// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvring

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"code.hybscloud.com/atomix"
	"github.com/sirupsen/logrus"
)

// Initiator is the frontend role. It owns the ring page, submits
// requests and matches responses back to their futures.
type Initiator struct {
	cfg    Config
	log    *logrus.Entry
	serial Serial
	state  atomix.Uint32
	stats  counters

	// ctl serialises Connect, Suspend and Teardown.
	ctl sync.Mutex

	// mu guards everything below.
	mu       sync.Mutex
	capacity uint32
	page     []byte
	ring     *FrontRing
	ringRef  GrantRef
	port     Port
	bound    bool
	pool     *GrantPool
	arena    *bufferArena
	mux      *Multiplexer
	bell     *doorbell
	waitCh   chan struct{}
}

// NewInitiator returns a disconnected initiator.
func NewInitiator(cfg Config) (*Initiator, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	s := nextSerial()
	return &Initiator{
		cfg:    cfg,
		log:    cfg.entry("initiator", s),
		serial: s,
	}, nil
}

// Serial returns the channel serial assigned at construction.
func (i *Initiator) Serial() Serial { return i.serial }

// State returns the current connection state. It waits for a running
// bottom-half pass to finish.
func (i *Initiator) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stateLocked()
}

// stateLocked reads the state; the caller holds mu. Every transition is
// stored under mu as well.
func (i *Initiator) stateLocked() State { return State(i.state.Load()) }

// Stats returns a snapshot of the initiator's counters.
func (i *Initiator) Stats() Stats {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stats.snapshot()
}

// Capacity returns the ring slot count of the last connection, or zero
// before the first one.
func (i *Initiator) Capacity() uint32 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.capacity
}

// Outstanding returns the number of requests awaiting a response.
func (i *Initiator) Outstanding() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.mux == nil {
		return 0
	}
	return i.mux.Outstanding()
}

// Connect negotiates a ring with the responder and starts the bottom
// half. Connecting a suspended initiator first tears the old ring down,
// completing its pending requests with StatusClosed.
func (i *Initiator) Connect(ctx context.Context) error {
	i.ctl.Lock()
	defer i.ctl.Unlock()

	switch i.State() {
	case StateConnected:
		return nil
	case StateSuspended:
		i.mu.Lock()
		i.teardownLocked(nil)
		i.mu.Unlock()
	}

	c := &i.cfg
	fe, be := c.FrontendPath, c.BackendPath
	if err := writeState(c.Store, fe, BusInitialising); err != nil {
		return err
	}
	if _, err := waitState(ctx, c.Store, be, func(s BusState) bool { return s == BusInitWait }); err != nil {
		_ = writeState(c.Store, fe, BusClosed)
		return err
	}

	limit := c.MaxGrants
	peerMax, err := readUint(c.Store, be, KeyMaxGrants, 31)
	switch {
	case err == nil:
		limit = min(limit, max(int(peerMax), 1))
	case !errors.Is(err, ErrNotFound):
		_ = writeState(c.Store, fe, BusClosed)
		return err
	}

	res, err := i.allocate(limit)
	if err != nil {
		_ = writeState(c.Store, fe, BusClosed)
		return err
	}
	err = i.publish(res)
	if err == nil {
		var st BusState
		st, err = waitState(ctx, c.Store, be, func(s BusState) bool { return s == BusConnected || s >= BusClosing })
		if err == nil && st != BusConnected {
			err = &ConnectError{Key: KeyState, Err: fmt.Errorf("backend is %s", st)}
		}
	}
	if err != nil {
		res.release(c, i.log)
		_ = writeState(c.Store, fe, BusClosed)
		return err
	}

	i.mu.Lock()
	i.capacity = c.RingCapacity
	i.page, i.ring, i.ringRef = res.page, res.ring, res.ringRef
	i.port, i.bound = res.port, true
	i.pool, i.arena, i.bell = res.pool, res.arena, res.bell
	i.mux = NewMultiplexer(int(c.RingCapacity))
	i.waitCh = make(chan struct{})
	i.state.Store(uint32(StateConnected))
	i.mu.Unlock()

	go res.bell.run(i.process)
	res.bell.schedule()
	if err := writeState(c.Store, fe, BusConnected); err != nil {
		i.log.WithError(err).Warn("publish connected state")
	}
	i.log.WithFields(logrus.Fields{
		"capacity":   c.RingCapacity,
		"max_grants": limit,
		"ring_ref":   res.ringRef,
		"port":       res.port,
	}).Debug("connected")
	return nil
}

// frontResources is a ring under construction, not yet installed.
type frontResources struct {
	page    []byte
	ring    *FrontRing
	ringRef GrantRef
	port    Port
	pool    *GrantPool
	arena   *bufferArena
	bell    *doorbell
}

func (i *Initiator) allocate(limit int) (*frontResources, error) {
	c := &i.cfg
	res := &frontResources{}
	var err error
	if res.page, err = allocPages(1); err != nil {
		return nil, err
	}
	if res.ring, err = NewFrontRing(res.page, c.RingCapacity); err != nil {
		res.release(c, i.log)
		return nil, err
	}
	if res.arena, err = newBufferArena(int(c.RingCapacity)); err != nil {
		res.release(c, i.log)
		return nil, err
	}
	res.pool = NewGrantPool(c.Grants, c.Peer, limit)
	if res.ringRef, err = c.Grants.Grant(c.Peer, res.page, false); err != nil {
		res.release(c, i.log)
		return nil, &ConnectError{Key: KeyRingRef, Err: err}
	}
	if res.port, err = c.Events.AllocUnbound(c.Peer); err != nil {
		res.release(c, i.log)
		return nil, &ConnectError{Key: KeyEventChannel, Err: err}
	}
	res.bell = newDoorbell()
	if err = c.Events.Bind(res.port, res.bell.schedule); err != nil {
		res.release(c, i.log)
		return nil, &ConnectError{Key: KeyEventChannel, Err: err}
	}
	return res, nil
}

func (i *Initiator) publish(res *frontResources) error {
	c := &i.cfg
	fe := c.FrontendPath
	for _, kv := range []struct {
		key string
		v   uint64
	}{
		{KeyRingRef, uint64(res.ringRef)},
		{KeyEventChannel, uint64(res.port)},
		{KeyRingCapacity, uint64(c.RingCapacity)},
	} {
		if err := writeUint(c.Store, fe, kv.key, kv.v); err != nil {
			return &ConnectError{Key: kv.key, Err: err}
		}
	}
	return writeState(c.Store, fe, BusInitialised)
}

// release undoes allocate. Safe on a partially built value.
func (r *frontResources) release(c *Config, log *logrus.Entry) {
	if r.port != 0 {
		_ = c.Events.Close(r.port)
	}
	pageFree := true
	if r.ringRef != 0 {
		if err := c.Grants.End(r.ringRef); err != nil {
			log.WithError(err).Warn("ring grant still in use, leaking ring page")
			pageFree = false
		}
	}
	if r.arena != nil {
		_ = r.arena.release()
	}
	if r.page != nil && pageFree {
		_ = freePages(r.page)
	}
}

// TrySubmit submits req without blocking. Backpressure is reported as
// an error wrapping ErrResourceExhausted, or ErrRingFull.
func (i *Initiator) TrySubmit(req Request) (*Future, error) {
	f, _, err := i.trySubmit(req)
	return f, err
}

// Submit submits req, waiting for a completion to free resources while
// the channel is saturated.
func (i *Initiator) Submit(ctx context.Context, req Request) (*Future, error) {
	for {
		f, wait, err := i.trySubmit(req)
		if err == nil || !isBackpressure(err) {
			return f, err
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func isBackpressure(err error) bool {
	return errors.Is(err, ErrResourceExhausted) || errors.Is(err, ErrRingFull)
}

// trySubmit returns, on backpressure, a channel closed by the next
// completion batch or teardown.
func (i *Initiator) trySubmit(req Request) (*Future, <-chan struct{}, error) {
	if len(req.Payload) > PageSize {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(req.Payload))
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stateLocked() != StateConnected {
		return nil, nil, ErrNotConnected
	}
	f, err := i.submitLocked(req)
	if err != nil {
		if isBackpressure(err) {
			i.stats.busy.Add(1)
		}
		return nil, i.waitCh, err
	}
	return f, nil, nil
}

func (i *Initiator) submitLocked(req Request) (*Future, error) {
	// Cheap refusal before any page or grant is touched.
	if i.mux.Outstanding() >= i.mux.Capacity() {
		return nil, ErrBusy
	}
	buf, page, err := i.arena.get()
	if err != nil {
		return nil, err
	}
	n := len(req.Payload)
	if req.Op == OpWrite {
		copy(buf, req.Payload)
	}
	ref, err := i.pool.Share(buf, req.Op == OpWrite)
	if err != nil {
		i.arena.put(page)
		return nil, err
	}
	f := newFuture()
	id, err := i.mux.Allocate(PendingRequest{
		Tag:    req.Tag,
		Op:     req.Op,
		Ref:    ref,
		Length: uint32(n),
		buf:    buf,
		page:   page,
		Future: f,
		req:    req,
	})
	if err != nil {
		_ = i.pool.Revoke(ref)
		i.arena.put(page)
		return nil, err
	}
	rec := RequestRecord{ID: id, Op: req.Op, Ref: ref, Length: uint32(n)}
	if err := i.ring.EnqueueRequest(rec); err != nil {
		_, _ = i.mux.Complete(id)
		_ = i.pool.Revoke(ref)
		i.arena.put(page)
		return nil, err
	}
	i.stats.request(req.Op)
	i.signal(i.ring.Publish())
	return f, nil
}

func (i *Initiator) signal(notify bool) {
	i.stats.publish(notify)
	if !notify {
		return
	}
	if err := i.cfg.Events.Notify(i.port); err != nil {
		i.log.WithError(err).Debug("notify")
	}
}

// Read asks the responder for n bytes and waits for them.
func (i *Initiator) Read(ctx context.Context, tag uint64, n int) (Completion, error) {
	switch {
	case n < 0:
		return Completion{}, fmt.Errorf("%w: %d", ErrInvalidLength, n)
	case n > PageSize:
		return Completion{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
	}
	return i.roundTrip(ctx, Request{Tag: tag, Op: OpRead, Payload: make([]byte, n)})
}

// Write hands p to the responder and waits for its status.
func (i *Initiator) Write(ctx context.Context, tag uint64, p []byte) (Completion, error) {
	return i.roundTrip(ctx, Request{Tag: tag, Op: OpWrite, Payload: p})
}

func (i *Initiator) roundTrip(ctx context.Context, req Request) (Completion, error) {
	f, err := i.Submit(ctx, req)
	if err != nil {
		return Completion{}, err
	}
	return f.Wait(ctx)
}

// process is one bottom-half pass: drain responses, complete their
// futures, then re-arm the response event.
func (i *Initiator) process() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stateLocked() != StateConnected {
		return
	}
	freed := false
	for rsp, err := range i.ring.Responses() {
		if err != nil {
			i.teardownLocked(err)
			return
		}
		p, err := i.mux.Complete(rsp.ID)
		if err != nil {
			i.teardownLocked(err)
			return
		}
		i.finish(p, rsp.Status)
		freed = true
	}
	if freed {
		close(i.waitCh)
		i.waitCh = make(chan struct{})
	}
	if i.ring.FinalCheckForResponses() {
		i.bell.schedule()
	}
}

// finish releases the payload resources of p and completes its future.
func (i *Initiator) finish(p PendingRequest, st Status) {
	c := Completion{
		Tag:     p.Tag,
		ID:      p.ID,
		Op:      p.Op,
		Status:  st,
		Err:     st.Err(),
		Request: p.req,
	}
	if p.Op == OpRead && st == StatusOK {
		c.Payload = bytes.Clone(p.buf[p.Offset : p.Offset+p.Length])
	}
	if err := i.pool.Revoke(p.Ref); err != nil {
		// the peer still maps the page; it cannot be reused
		i.log.WithError(err).WithField("id", p.ID).Warn("payload grant leaked")
	} else {
		i.arena.put(p.page)
	}
	i.stats.response(st)
	p.Future.complete(c)
}

// Suspend quiesces a connected initiator: the bottom half stops, the
// doorbell is unbound and the ring grant is ended. Pending requests are
// kept until the next Connect or Teardown.
func (i *Initiator) Suspend() error {
	i.ctl.Lock()
	defer i.ctl.Unlock()
	i.mu.Lock()
	if i.stateLocked() != StateConnected {
		i.mu.Unlock()
		return ErrNotConnected
	}
	i.state.Store(uint32(StateSuspended))
	bell := i.bell
	bell.halt()
	if err := i.cfg.Events.Close(i.port); err != nil {
		i.log.WithError(err).Debug("close event port")
	}
	i.bound = false
	if err := i.cfg.Grants.End(i.ringRef); err == nil {
		i.ringRef = 0
	}
	n := i.mux.Outstanding()
	i.mu.Unlock()
	<-bell.done
	i.log.WithField("pending", n).Debug("suspended")
	return nil
}

// Teardown releases every resource and completes pending requests with
// StatusClosed. It is safe to call in any state and more than once.
func (i *Initiator) Teardown() error {
	i.ctl.Lock()
	defer i.ctl.Unlock()
	i.mu.Lock()
	bell := i.bell
	i.teardownLocked(nil)
	i.mu.Unlock()
	if bell != nil {
		<-bell.done
	}
	return nil
}

// teardownLocked moves to StateDisconnected. A non-nil cause is a
// channel-fatal fault. It never waits for the bottom half, which may be
// the caller.
func (i *Initiator) teardownLocked(cause error) {
	if i.ring == nil {
		i.state.Store(uint32(StateDisconnected))
		return
	}
	if cause != nil {
		i.log.WithError(cause).Error("channel fault, tearing down")
	}
	i.state.Store(uint32(StateDisconnected))
	i.bell.halt()

	pending := i.mux.Drain()
	for _, p := range pending {
		i.finish(p, StatusClosed)
	}
	if leaked := i.pool.RevokeAll(); leaked > 0 {
		i.log.WithField("grants", leaked).Warn("grants still mapped by peer at teardown")
	} else {
		_ = i.arena.release()
	}
	if i.bound {
		_ = i.cfg.Events.Close(i.port)
	}
	res := frontResources{page: i.page, ringRef: i.ringRef}
	res.release(&i.cfg, i.log)
	close(i.waitCh)
	_ = writeState(i.cfg.Store, i.cfg.FrontendPath, BusClosed)

	i.page, i.ring, i.ringRef = nil, nil, 0
	i.port, i.bound = 0, false
	i.pool, i.arena, i.mux, i.waitCh = nil, nil, nil, nil
	i.log.WithField("pending", len(pending)).Debug("disconnected")
}
