package engine

import (
	"sync"

	"github.com/sweeney/lightsync/internal/logic"
)

// Store is the authoritative channel → state mapping. Reads are safe from
// any goroutine; writes happen only inside the Engine while it holds the
// channel's lock.
type Store struct {
	mu     sync.RWMutex
	states map[int]logic.State
}

func newStore() *Store {
	return &Store{states: make(map[int]logic.State)}
}

// Get returns the state of a channel and whether it is known.
func (s *Store) Get(index int) (logic.State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[index]
	return st, ok
}

// All returns a copy of every channel state.
func (s *Store) All() map[int]logic.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]logic.State, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}

func (s *Store) set(index int, st logic.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[index] = st
}
