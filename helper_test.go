// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvring_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"code.hybscloud.com/pvring"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

const testTimeout = 5 * time.Second

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func nullLogger() *logrus.Logger {
	l, _ := test.NewNullLogger()
	return l
}

// newPair connects a loopback pair and closes it at cleanup.
func newPair(t *testing.T, h pvring.Handler, opts pvring.PairOptions) *pvring.Pair {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = nullLogger()
	}
	p, err := pvring.NewLoopbackPair(testContext(t), h, opts)
	if err != nil {
		t.Fatalf("NewLoopbackPair: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// disk is a one-page backing store: writes land at offset zero, reads
// return its leading bytes.
type disk struct {
	mu   sync.Mutex
	data [pvring.PageSize]byte
}

func (d *disk) Serve(req pvring.RequestRecord, data []byte) pvring.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch req.Op {
	case pvring.OpWrite:
		copy(d.data[:], data)
	case pvring.OpRead:
		copy(data, d.data[:])
	}
	return pvring.StatusOK
}

// gate serves each request only after a token is released.
type gate struct {
	tokens chan struct{}
	inner  pvring.Handler
}

func newGate(inner pvring.Handler) *gate {
	return &gate{tokens: make(chan struct{}, 64), inner: inner}
}

func (g *gate) Serve(req pvring.RequestRecord, data []byte) pvring.Status {
	<-g.tokens
	return g.inner.Serve(req, data)
}

func (g *gate) release(n int) {
	for range n {
		g.tokens <- struct{}{}
	}
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func storeKey(dir, key string) string { return dir + "/" + key }

func readStoreUint(t *testing.T, s pvring.Store, dir, key string) uint64 {
	t.Helper()
	raw, err := s.Read(storeKey(dir, key))
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		t.Fatalf("parse %s=%q: %v", key, raw, err)
	}
	return v
}

func writeStoreUint(t *testing.T, s pvring.Store, dir, key string, v uint64) {
	t.Helper()
	if err := s.Write(storeKey(dir, key), strconv.FormatUint(v, 10)); err != nil {
		t.Fatalf("write %s: %v", key, err)
	}
}

func kicker(ch chan struct{}) func() {
	return func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// rawBackend is a hand-driven backend for exercising the initiator
// against misbehaving peers.
type rawBackend struct {
	t      *testing.T
	grants pvring.GrantTable
	events pvring.EventChannel
	ring   *pvring.BackRing
	page   []byte
	port   pvring.Port
	kick   chan struct{}
}

// acceptRaw performs the backend half of the handshake. The initiator
// must be connecting concurrently.
func acceptRaw(t *testing.T, host *pvring.Loopback) *rawBackend {
	t.Helper()
	s := host.Store()
	be, fe := pvring.DefaultBackendPath, pvring.DefaultFrontendPath
	writeStoreUint(t, s, be, pvring.KeyMaxGrants, pvring.DefaultMaxGrants)
	writeStoreUint(t, s, be, pvring.KeyState, uint64(pvring.BusInitWait))
	waitFor(t, "frontend initialised", func() bool {
		v, err := s.Read(storeKey(fe, pvring.KeyState))
		return err == nil && v == strconv.Itoa(int(pvring.BusInitialised))
	})

	b := &rawBackend{
		t:      t,
		grants: host.Grants(pvring.LoopbackBackend),
		events: host.Events(pvring.LoopbackBackend),
		kick:   make(chan struct{}, 1),
	}
	ref := pvring.GrantRef(readStoreUint(t, s, fe, pvring.KeyRingRef))
	page, err := b.grants.Map(pvring.LoopbackFrontend, ref, true)
	if err != nil {
		t.Fatalf("map ring: %v", err)
	}
	b.page = page
	capacity := uint32(readStoreUint(t, s, fe, pvring.KeyRingCapacity))
	if b.ring, err = pvring.AttachBackRing(page, capacity); err != nil {
		t.Fatalf("AttachBackRing: %v", err)
	}
	remote := pvring.Port(readStoreUint(t, s, fe, pvring.KeyEventChannel))
	if b.port, err = b.events.BindInterdomain(pvring.LoopbackFrontend, remote); err != nil {
		t.Fatalf("BindInterdomain: %v", err)
	}
	if err := b.events.Bind(b.port, kicker(b.kick)); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	t.Cleanup(func() {
		_ = b.events.Close(b.port)
		_ = b.grants.Unmap(pvring.LoopbackFrontend, ref)
	})
	writeStoreUint(t, s, be, pvring.KeyState, uint64(pvring.BusConnected))
	return b
}

// next returns the next published request.
func (b *rawBackend) next() pvring.RequestRecord {
	b.t.Helper()
	var rec pvring.RequestRecord
	waitFor(b.t, "request", func() bool {
		for r, err := range b.ring.Requests() {
			if err != nil {
				b.t.Fatalf("Requests: %v", err)
			}
			rec = r
			return true
		}
		return false
	})
	return rec
}

func (b *rawBackend) respond(rec pvring.ResponseRecord) {
	b.t.Helper()
	if err := b.ring.EnqueueResponse(rec); err != nil {
		b.t.Fatalf("EnqueueResponse: %v", err)
	}
	b.ring.Publish()
	_ = b.events.Notify(b.port)
}

// rawFrontend is a hand-driven frontend for exercising the responder
// with arbitrary ids, handles and ranges.
type rawFrontend struct {
	t      *testing.T
	grants pvring.GrantTable
	events pvring.EventChannel
	ring   *pvring.FrontRing
	port   pvring.Port
	kick   chan struct{}
}

// dialRaw publishes a ring for rsp and connects it.
func dialRaw(t *testing.T, host *pvring.Loopback, rsp *pvring.Responder, capacity uint32) *rawFrontend {
	t.Helper()
	f := &rawFrontend{
		t:      t,
		grants: host.Grants(pvring.LoopbackFrontend),
		events: host.Events(pvring.LoopbackFrontend),
		kick:   make(chan struct{}, 1),
	}
	page := make([]byte, pvring.PageSize)
	var err error
	if f.ring, err = pvring.NewFrontRing(page, capacity); err != nil {
		t.Fatalf("NewFrontRing: %v", err)
	}
	ref, err := f.grants.Grant(pvring.LoopbackBackend, page, false)
	if err != nil {
		t.Fatalf("grant ring: %v", err)
	}
	if f.port, err = f.events.AllocUnbound(pvring.LoopbackBackend); err != nil {
		t.Fatalf("AllocUnbound: %v", err)
	}
	if err := f.events.Bind(f.port, kicker(f.kick)); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	s, fe := host.Store(), pvring.DefaultFrontendPath
	writeStoreUint(t, s, fe, pvring.KeyRingRef, uint64(ref))
	writeStoreUint(t, s, fe, pvring.KeyEventChannel, uint64(f.port))
	writeStoreUint(t, s, fe, pvring.KeyRingCapacity, uint64(capacity))
	writeStoreUint(t, s, fe, pvring.KeyState, uint64(pvring.BusInitialised))
	if err := rsp.Connect(testContext(t)); err != nil {
		t.Fatalf("responder Connect: %v", err)
	}
	t.Cleanup(func() {
		_ = rsp.Teardown()
		_ = f.events.Close(f.port)
	})
	return f
}

func (f *rawFrontend) send(rec pvring.RequestRecord) {
	f.t.Helper()
	if err := f.ring.EnqueueRequest(rec); err != nil {
		f.t.Fatalf("EnqueueRequest: %v", err)
	}
	if f.ring.Publish() {
		if err := f.events.Notify(f.port); err != nil {
			f.t.Fatalf("Notify: %v", err)
		}
	}
}

func (f *rawFrontend) recv() pvring.ResponseRecord {
	f.t.Helper()
	var rec pvring.ResponseRecord
	waitFor(f.t, "response", func() bool {
		for r, err := range f.ring.Responses() {
			if err != nil {
				f.t.Fatalf("Responses: %v", err)
			}
			rec = r
			return true
		}
		return false
	})
	return rec
}

func frontConfig(host *pvring.Loopback, l *logrus.Logger) pvring.Config {
	return pvring.Config{
		Domain: pvring.LoopbackFrontend,
		Peer:   pvring.LoopbackBackend,
		Grants: host.Grants(pvring.LoopbackFrontend),
		Events: host.Events(pvring.LoopbackFrontend),
		Store:  host.Store(),
		Logger: l,
	}
}

func backConfig(host *pvring.Loopback, l *logrus.Logger) pvring.Config {
	return pvring.Config{
		Domain: pvring.LoopbackBackend,
		Peer:   pvring.LoopbackFrontend,
		Grants: host.Grants(pvring.LoopbackBackend),
		Events: host.Events(pvring.LoopbackBackend),
		Store:  host.Store(),
		Logger: l,
	}
}

// connectRaw connects ini against a hand-driven backend.
func connectRaw(t *testing.T, host *pvring.Loopback, ini *pvring.Initiator) *rawBackend {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- ini.Connect(testContext(t)) }()
	b := acceptRaw(t, host)
	if err := <-errCh; err != nil {
		t.Fatalf("initiator Connect: %v", err)
	}
	return b
}

// loggedError reports whether hook captured an error-level entry whose
// error matches target.
func loggedError(hook *test.Hook, target error) bool {
	for _, e := range hook.AllEntries() {
		if e.Level != logrus.ErrorLevel {
			continue
		}
		if err, ok := e.Data[logrus.ErrorKey].(error); ok && errors.Is(err, target) {
			return true
		}
	}
	return false
}
