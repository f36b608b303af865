package chatclient

import "sync"

// Scope collects disposers for subscriptions owned by one component and releases them
// together when the component is torn down.
type Scope struct {
	mu        sync.Mutex
	disposers []func()
	closed    bool
}

// Add registers a disposer. Adding to a closed scope disposes immediately.
func (s *Scope) Add(dispose func()) {
	if dispose == nil {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		dispose()
		return
	}
	s.disposers = append(s.disposers, dispose)
	s.mu.Unlock()
}

// Close runs every disposer in reverse registration order. It is safe to call more than once.
func (s *Scope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	disposers := s.disposers
	s.disposers = nil
	s.mu.Unlock()

	for i := len(disposers) - 1; i >= 0; i-- {
		disposers[i]()
	}
}
