// Package connection holds the shared "is the data source reachable and
// authorized" flag. One State is created by the caller and injected into
// every consumer; there is no package-level state.
package connection

import (
	"log/slog"
	"sync"

	"github.com/atmx/operations-engine/internal/dispatch"
)

// State is a concurrency-safe connected flag with change subscriptions.
type State struct {
	mu        sync.RWMutex
	connected bool
	subs      map[int]func(bool)
	nextID    int
	dispatch  dispatch.Dispatcher
}

// NewState creates a disconnected state. Subscribers are notified through d;
// pass nil to notify inline.
func NewState(d dispatch.Dispatcher) *State {
	if d == nil {
		d = dispatch.Inline{}
	}
	return &State{
		subs:     make(map[int]func(bool)),
		dispatch: d,
	}
}

// Connected returns the current value.
func (s *State) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Set updates the flag. Subscribers are notified only on an actual change.
func (s *State) Set(connected bool) {
	s.mu.Lock()
	if s.connected == connected {
		s.mu.Unlock()
		return
	}
	s.connected = connected
	handlers := make([]func(bool), 0, len(s.subs))
	for _, fn := range s.subs {
		handlers = append(handlers, fn)
	}
	s.mu.Unlock()

	slog.Info("connection state changed", "connected", connected)

	for _, fn := range handlers {
		fn := fn
		s.dispatch.Dispatch(func() { fn(connected) })
	}
}

// Subscribe registers fn for change notifications and returns a function
// that removes it. The returned function is safe to call more than once.
func (s *State) Subscribe(fn func(connected bool)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}
