package dashboard

import (
	"sync"
)

// Store serializes reducer application so the API poller and the push
// subscriber can update the same State concurrently.
type Store struct {
	mu        sync.RWMutex
	state     State
	listeners []func(State)
}

func NewStore() *Store {
	return &Store{}
}

// Dispatch applies reduce to the current state and notifies listeners with
// the result. Listeners run outside the lock.
func (s *Store) Dispatch(reduce func(State) State) State {
	s.mu.Lock()
	s.state = reduce(s.state)
	next := s.state
	listeners := append([]func(State){}, s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l(next)
	}
	return next
}

// Snapshot returns the current state. Reducers never mutate shared slices,
// so the snapshot stays valid after later dispatches.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// OnChange registers a listener called after every dispatch.
func (s *Store) OnChange(l func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}
