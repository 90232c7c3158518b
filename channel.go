// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvring

import (
	"context"
	"errors"
	"strconv"

	"code.hybscloud.com/iox"
	"github.com/sirupsen/logrus"
)

// State is the connection state of one side of a channel.
type State uint32

const (
	StateDisconnected State = iota
	StateConnected
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateSuspended:
		return "suspended"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Default control-plane directories.
const (
	DefaultFrontendPath = "device/pvring/0"
	DefaultBackendPath  = "backend/pvring/0"
)

// Config carries what either side needs to connect.
type Config struct {
	// Domain is the local domain, Peer the remote one.
	Domain DomID
	Peer   DomID

	// FrontendPath and BackendPath are the store directories each role
	// publishes under.
	FrontendPath string
	BackendPath  string

	// RingCapacity is the slot count the initiator creates the ring
	// with. Zero selects MaxRingCapacity(PageSize). Ignored by the
	// responder, which uses what the initiator publishes.
	RingCapacity uint32

	// MaxGrants bounds outstanding payload grants. The responder
	// publishes its value; the initiator uses the smaller of the two.
	MaxGrants int

	Grants GrantTable
	Events EventChannel
	Store  Store

	// Logger defaults to logrus.StandardLogger().
	Logger *logrus.Logger
}

func (c Config) withDefaults() (Config, error) {
	switch {
	case c.Grants == nil:
		return c, errors.New("pvring: config: nil grant table")
	case c.Events == nil:
		return c, errors.New("pvring: config: nil event channel")
	case c.Store == nil:
		return c, errors.New("pvring: config: nil store")
	}
	if c.FrontendPath == "" {
		c.FrontendPath = DefaultFrontendPath
	}
	if c.BackendPath == "" {
		c.BackendPath = DefaultBackendPath
	}
	if c.RingCapacity == 0 {
		c.RingCapacity = MaxRingCapacity(PageSize)
	}
	if err := validCapacity(c.RingCapacity, PageSize); err != nil {
		return c, err
	}
	if c.MaxGrants <= 0 {
		c.MaxGrants = DefaultMaxGrants
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c, nil
}

func (c Config) entry(role string, serial Serial) *logrus.Entry {
	return c.Logger.WithFields(logrus.Fields{
		"role":   role,
		"serial": serial,
		"domain": c.Domain,
		"peer":   c.Peer,
	})
}

// waitState polls the store until the peer's state under dir satisfies
// ok, backing off between reads. It returns the state that matched.
func waitState(ctx context.Context, s Store, dir string, ok func(BusState) bool) (BusState, error) {
	var bo iox.Backoff
	for {
		st, err := readState(s, dir)
		if err != nil {
			return st, err
		}
		if ok(st) {
			return st, nil
		}
		if err := ctx.Err(); err != nil {
			return st, &ConnectError{Key: KeyState, Err: err}
		}
		bo.Wait()
	}
}
