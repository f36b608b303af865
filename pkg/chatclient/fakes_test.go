package chatclient

import (
	"context"
	"sync"

	"github.com/noah-isme/gema-chat/pkg/protocol"
)

type fakeLink struct {
	mu           sync.Mutex
	connected    bool
	dialable     bool
	conn         *Connection
	connectCalls int
	emitted      []protocol.Event
	handlers     map[string]map[int]Handler
	nextHandler  int
	entered      chan struct{}
	release      chan struct{}
	// scripted answers returned by IsConnected before the real state.
	connectedAnswers []bool
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		dialable: true,
		conn:     &Connection{generation: 1},
		handlers: make(map[string]map[int]Handler),
	}
}

func (f *fakeLink) Connect(ctx context.Context) *Connection {
	f.mu.Lock()
	f.connectCalls++
	entered, release := f.entered, f.release
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dialable {
		f.connected = true
	}
	return f.conn
}

func (f *fakeLink) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.connectedAnswers) > 0 {
		answer := f.connectedAnswers[0]
		f.connectedAnswers = f.connectedAnswers[1:]
		return answer
	}
	return f.connected
}

func (f *fakeLink) Emit(event protocol.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	f.emitted = append(f.emitted, event)
	return nil
}

func (f *fakeLink) On(name string, handler Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextHandler++
	id := f.nextHandler
	if f.handlers[name] == nil {
		f.handlers[name] = make(map[int]Handler)
	}
	f.handlers[name][id] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers[name], id)
	}
}

func (f *fakeLink) fire(event protocol.Event) {
	f.mu.Lock()
	handlers := make([]Handler, 0)
	for _, h := range f.handlers[event.EventName()] {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}

func (f *fakeLink) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.emitted {
		if e.EventName() == name {
			n++
		}
	}
	return n
}

func (f *fakeLink) subscribers(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[name])
}

func authenticatedSession(userID string) *Session {
	s := NewSession()
	s.Authenticate(userID, "User "+userID, "token-"+userID)
	return s
}

func u64(v uint64) *uint64 { return &v }
