// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvring

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Domains used by NewLoopbackPair.
const (
	LoopbackFrontend DomID = 1
	LoopbackBackend  DomID = 0
)

// PairOptions tunes NewLoopbackPair. The zero value is usable.
type PairOptions struct {
	RingCapacity uint32
	MaxGrants    int
	Logger       *logrus.Logger
}

// Pair is a connected initiator and responder sharing one Loopback.
type Pair struct {
	Host      *Loopback
	Initiator *Initiator
	Responder *Responder
}

// NewLoopbackPair builds both roles on a fresh Loopback, registers h
// with the responder and connects the two sides concurrently.
func NewLoopbackPair(ctx context.Context, h Handler, opts PairOptions) (*Pair, error) {
	host := NewLoopback()
	front := Config{
		Domain:       LoopbackFrontend,
		Peer:         LoopbackBackend,
		RingCapacity: opts.RingCapacity,
		MaxGrants:    opts.MaxGrants,
		Grants:       host.Grants(LoopbackFrontend),
		Events:       host.Events(LoopbackFrontend),
		Store:        host.Store(),
		Logger:       opts.Logger,
	}
	back := front
	back.Domain, back.Peer = LoopbackBackend, LoopbackFrontend
	back.Grants = host.Grants(LoopbackBackend)
	back.Events = host.Events(LoopbackBackend)

	ini, err := NewInitiator(front)
	if err != nil {
		return nil, err
	}
	rsp, err := NewResponder(back)
	if err != nil {
		return nil, err
	}
	rsp.OnRequest(h)

	p := &Pair{Host: host, Initiator: ini, Responder: rsp}
	if err := p.Connect(ctx); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// Connect (re)connects both sides concurrently.
func (p *Pair) Connect(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Responder.Connect(ctx) })
	g.Go(func() error { return p.Initiator.Connect(ctx) })
	return g.Wait()
}

// Suspend suspends both sides, responder first.
func (p *Pair) Suspend() error {
	return errors.Join(p.Responder.Suspend(), p.Initiator.Suspend())
}

// Close tears both sides down. The responder goes first so the
// initiator can end its ring grant.
func (p *Pair) Close() error {
	return errors.Join(p.Responder.Teardown(), p.Initiator.Teardown())
}
