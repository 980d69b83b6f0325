// Package framestore holds the access units of the most recently loaded
// stream and hands them out cyclically for frame substitution.
package framestore

import (
	"sync"

	"github.com/BorderBoy/WebRTC-encoded-video-injection/pkg/types"
)

// Store is an ordered set of access units with a wrapping read cursor.
// An empty store is inactive: Next reports false and callers pass frames through.
type Store struct {
	mu     sync.Mutex
	units  []types.AccessUnit
	cursor int
}

// New creates an empty (inactive) store
func New() *Store {
	return &Store{}
}

// Load replaces the store contents and resets the cursor.
// The store keeps its own copy of the slice.
func (s *Store) Load(units []types.AccessUnit) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.units = append([]types.AccessUnit(nil), units...)
	s.cursor = 0
}

// Reset discards all access units
func (s *Store) Reset() {
	s.Load(nil)
}

// Next returns the access unit at the cursor and advances it.
// Returns false when the store is inactive.
func (s *Store) Next() (types.AccessUnit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.units) == 0 {
		return types.AccessUnit{}, false
	}

	unit := s.units[s.cursor]
	s.cursor = (s.cursor + 1) % len(s.units)
	return unit, true
}

// Len returns the number of stored access units
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.units)
}

// Active returns true if substitution is available
func (s *Store) Active() bool {
	return s.Len() > 0
}

// Cursor returns the index Next will return
func (s *Store) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Keyframes returns how many stored access units are keyframes
func (s *Store) Keyframes() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, u := range s.units {
		if u.IsKeyframe {
			n++
		}
	}
	return n
}
