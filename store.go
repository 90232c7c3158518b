// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvring

import (
	"errors"
	"fmt"
	"maps"
	"strconv"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrNotFound reports a missing store key.
var ErrNotFound = errors.New("pvring: store key not found")

// Store is the control-plane key/value store both sides negotiate
// through. Keys are slash-separated paths.
type Store interface {
	Read(key string) (string, error)
	Write(key, value string) error
	Remove(key string) error
}

// Store keys under a role's directory.
const (
	KeyRingRef      = "ring-ref"
	KeyEventChannel = "event-channel"
	KeyRingCapacity = "ring-capacity"
	KeyMaxGrants    = "max-grants"
	KeyState        = "state"
)

// BusState is the negotiation state each side publishes under KeyState.
type BusState uint8

const (
	BusUnknown BusState = iota
	BusInitialising
	BusInitWait
	BusInitialised
	BusConnected
	BusClosing
	BusClosed
)

func (s BusState) String() string {
	switch s {
	case BusUnknown:
		return "Unknown"
	case BusInitialising:
		return "Initialising"
	case BusInitWait:
		return "InitWait"
	case BusInitialised:
		return "Initialised"
	case BusConnected:
		return "Connected"
	case BusClosing:
		return "Closing"
	case BusClosed:
		return "Closed"
	}
	return "BusState(" + strconv.Itoa(int(s)) + ")"
}

func storePath(dir, key string) string { return dir + "/" + key }

func writeUint(s Store, dir, key string, v uint64) error {
	return s.Write(storePath(dir, key), strconv.FormatUint(v, 10))
}

// readUint reads an unsigned decimal. Missing and malformed values are
// reported as *ConnectError.
func readUint(s Store, dir, key string, bitSize int) (uint64, error) {
	raw, err := s.Read(storePath(dir, key))
	if err != nil {
		return 0, &ConnectError{Key: key, Err: err}
	}
	v, err := strconv.ParseUint(raw, 10, bitSize)
	if err != nil {
		return 0, &ConnectError{Key: key, Err: err}
	}
	return v, nil
}

// readState reads a peer's BusState. A missing key reads as BusUnknown.
func readState(s Store, dir string) (BusState, error) {
	raw, err := s.Read(storePath(dir, KeyState))
	if errors.Is(err, ErrNotFound) {
		return BusUnknown, nil
	}
	if err != nil {
		return BusUnknown, err
	}
	v, err := strconv.ParseUint(raw, 10, 8)
	if err != nil || v > uint64(BusClosed) {
		return BusUnknown, &ConnectError{Key: KeyState, Err: fmt.Errorf("bad state %q", raw)}
	}
	return BusState(v), nil
}

func writeState(s Store, dir string, st BusState) error {
	return writeUint(s, dir, KeyState, uint64(st))
}

// MemStore is an in-process Store. Safe for concurrent use.
type MemStore struct {
	mu sync.RWMutex
	kv map[string]string
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{kv: make(map[string]string)}
}

func (m *MemStore) Read(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.kv[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v, nil
}

func (m *MemStore) Write(key, value string) error {
	m.mu.Lock()
	m.kv[key] = value
	m.mu.Unlock()
	return nil
}

func (m *MemStore) Remove(key string) error {
	m.mu.Lock()
	delete(m.kv, key)
	m.mu.Unlock()
	return nil
}

// Snapshot encodes the store contents with msgpack.
func (m *MemStore) Snapshot() ([]byte, error) {
	m.mu.RLock()
	kv := maps.Clone(m.kv)
	m.mu.RUnlock()
	return msgpack.Marshal(kv)
}

// RestoreMemStore decodes a Snapshot into a new store.
func RestoreMemStore(b []byte) (*MemStore, error) {
	var kv map[string]string
	if err := msgpack.Unmarshal(b, &kv); err != nil {
		return nil, fmt.Errorf("pvring: restore store: %w", err)
	}
	if kv == nil {
		kv = make(map[string]string)
	}
	return &MemStore{kv: kv}, nil
}
