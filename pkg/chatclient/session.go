package chatclient

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrNoIdentity is returned when an operation needs an authenticated user and none is known.
var ErrNoIdentity = errors.New("no authenticated identity")

// TokenSource supplies the bearer token attached to REST and realtime requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Session holds the single active identity of an app session. It is shared by reference
// between the transport, the presence tracker and the REST client and is cleared on logout.
type Session struct {
	mu       sync.RWMutex
	userID   string
	userName string
	token    string
}

// NewSession returns an unauthenticated session.
func NewSession() *Session {
	return &Session{}
}

// Authenticate records the identity obtained from the credential store.
func (s *Session) Authenticate(userID, userName, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.userID = strings.TrimSpace(userID)
	s.userName = strings.TrimSpace(userName)
	s.token = strings.TrimSpace(token)
}

// UserID returns the last authenticated user id or an empty string.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// UserName returns the display name of the authenticated user.
func (s *Session) UserName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userName
}

// Token implements TokenSource.
func (s *Session) Token(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", ErrNoIdentity
	}
	return s.token, nil
}

// Reset forgets the identity so nothing leaks into the next session.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.userID = ""
	s.userName = ""
	s.token = ""
}
