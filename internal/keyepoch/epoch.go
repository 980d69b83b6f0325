// Package keyepoch tracks the active key material of a session and the
// monotonically increasing identifier that tags each distinct key.
package keyepoch

import (
	"bytes"
	"sync"
)

// DefaultHistory is how many recent keys stay resolvable by identifier
const DefaultHistory = 8

// Epoch is a point-in-time view of the key state
type Epoch struct {
	Key       []byte // nil when no key is set
	ID        uint32
	UseOffset bool
}

// HasKey returns true if key material is present
func (e Epoch) HasKey() bool {
	return len(e.Key) > 0
}

// State holds the current key, its identifier and the crypto offset flag.
// Writes come from a single control path; frames read snapshots concurrently.
type State struct {
	mu        sync.RWMutex
	key       []byte
	id        uint32
	useOffset bool

	// recent keys by identifier, oldest first
	history    []Epoch
	maxHistory int
}

// New creates a state with no key and the crypto offset enabled
func New(historySize int) *State {
	if historySize <= 0 {
		historySize = DefaultHistory
	}
	return &State{
		useOffset:  true,
		maxHistory: historySize,
	}
}

// SetKey stores key and bumps the identifier if it differs from the current key.
// Returns the identifier in effect after the call.
func (s *State) SetKey(key []byte) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setKeyLocked(key)
}

// SetUseOffset stores the crypto offset flag
func (s *State) SetUseOffset(useOffset bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.useOffset = useOffset
}

// Update applies a key-change notification atomically
func (s *State) Update(key []byte, useOffset bool) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.setKeyLocked(key)
	s.useOffset = useOffset
	return id
}

func (s *State) setKeyLocked(key []byte) uint32 {
	// empty and nil both mean "no key"
	if bytes.Equal(key, s.key) {
		return s.id
	}

	if len(key) > 0 {
		key = append([]byte(nil), key...)
	} else {
		key = nil
	}
	s.key = key
	s.id++

	s.history = append(s.history, Epoch{Key: key, ID: s.id})
	if len(s.history) > s.maxHistory {
		s.history = s.history[len(s.history)-s.maxHistory:]
	}
	return s.id
}

// CurrentKey returns the active key material (nil if unset)
func (s *State) CurrentKey() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key
}

// KeyIdentifier returns the identifier of the active key
func (s *State) KeyIdentifier() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// UseOffset returns the crypto offset flag
func (s *State) UseOffset() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.useOffset
}

// Snapshot returns the state as one consistent view
func (s *State) Snapshot() Epoch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Epoch{Key: s.key, ID: s.id, UseOffset: s.useOffset}
}

// KeyFor returns the key that was tagged with id, if still in history
func (s *State) KeyFor(id uint32) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.history) - 1; i >= 0; i-- {
		e := s.history[i]
		if e.ID == id {
			return e.Key, e.Key != nil
		}
	}
	return nil, false
}
