package chatclient

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrNotPending is returned when an optimistic insert carries a durable key.
	ErrNotPending = errors.New("message is not pending")
	// ErrMissingRoom is returned for messages without a room id.
	ErrMissingRoom = errors.New("message has no room")
)

// Store keeps the ordered, deduplicated message list of every room. A room never holds
// the pending and confirmed form of the same logical message at the same time.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*roomLog

	listenersMu  sync.RWMutex
	listeners    map[uint64]func(roomID string)
	nextListener uint64
}

type roomLog struct {
	entries []Message
	durable map[uint64]struct{}
}

// NewStore returns an empty message store.
func NewStore() *Store {
	return &Store{
		rooms:     make(map[string]*roomLog),
		listeners: make(map[uint64]func(string)),
	}
}

// AddOptimistic inserts a locally created message so the sender sees it immediately.
func (s *Store) AddOptimistic(msg Message) error {
	if !msg.Key.IsPending() || msg.Key.LocalID == "" {
		return ErrNotPending
	}
	if strings.TrimSpace(msg.RoomID) == "" {
		return ErrMissingRoom
	}

	s.mu.Lock()
	log := s.room(msg.RoomID)
	for i, existing := range log.entries {
		if existing.Key == msg.Key {
			log.entries = append(log.entries[:i], log.entries[i+1:]...)
			break
		}
	}
	log.insert(msg)
	s.mu.Unlock()

	s.notify(msg.RoomID)
	return nil
}

// Reconcile retires every pending entry of the room and inserts the confirmed results of
// the send that resolved them. Confirmed entries already present are replaced.
func (s *Store) Reconcile(roomID string, confirmed []Message) {
	s.mu.Lock()
	log := s.room(roomID)
	log.removeWhere(func(m Message) bool { return m.Key.IsPending() })
	for _, msg := range confirmed {
		if msg.Key.State != Confirmed {
			continue
		}
		msg.RoomID = roomID
		log.upsert(msg)
	}
	s.mu.Unlock()

	s.notify(roomID)
}

// IngestRemote adds a message delivered by a peer broadcast. A durable id that is
// already present makes this a no-op; it reports whether the message was added.
func (s *Store) IngestRemote(msg Message) bool {
	if msg.Key.State != Confirmed || msg.RoomID == "" {
		return false
	}

	s.mu.Lock()
	log := s.room(msg.RoomID)
	if _, exists := log.durable[msg.Key.ID]; exists {
		s.mu.Unlock()
		return false
	}
	log.insert(msg)
	s.mu.Unlock()

	s.notify(msg.RoomID)
	return true
}

// MergeFetched folds a history page or full refetch into the room, replacing confirmed
// entries with the same id. It returns the number of newly added messages.
func (s *Store) MergeFetched(roomID string, fetched []Message) int {
	added := 0

	s.mu.Lock()
	log := s.room(roomID)
	for _, msg := range fetched {
		if msg.Key.State != Confirmed {
			continue
		}
		msg.RoomID = roomID
		if !log.upsert(msg) {
			added++
		}
	}
	s.mu.Unlock()

	s.notify(roomID)
	return added
}

// RetirePending removes the given pending entries without replacement. It serves both the
// failure rollback and the scheduled acknowledgment.
func (s *Store) RetirePending(roomID string, localIDs ...string) int {
	targets := make(map[string]struct{}, len(localIDs))
	for _, id := range localIDs {
		targets[id] = struct{}{}
	}

	s.mu.Lock()
	log, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return 0
	}
	removed := log.removeWhere(func(m Message) bool {
		if !m.Key.IsPending() {
			return false
		}
		_, hit := targets[m.Key.LocalID]
		return hit
	})
	s.mu.Unlock()

	if removed > 0 {
		s.notify(roomID)
	}
	return removed
}

// RemoveDurable drops confirmed entries by id.
func (s *Store) RemoveDurable(roomID string, ids []uint64) int {
	targets := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		targets[id] = struct{}{}
	}

	s.mu.Lock()
	log, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return 0
	}
	removed := log.removeWhere(func(m Message) bool {
		if m.Key.State != Confirmed {
			return false
		}
		_, hit := targets[m.Key.ID]
		return hit
	})
	s.mu.Unlock()

	if removed > 0 {
		s.notify(roomID)
	}
	return removed
}

// Messages returns the canonical ascending-by-createdAt sequence of the room.
func (s *Store) Messages(roomID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]Message, len(log.entries))
	copy(out, log.entries)
	return out
}

// NewestFirst returns the room's messages in display order, newest on top.
func (s *Store) NewestFirst(roomID string) []Message {
	out := s.Messages(roomID)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Contains reports whether the durable id is present in the room.
func (s *Store) Contains(roomID string, id uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	_, exists := log.durable[id]
	return exists
}

// PendingCount returns the number of unconfirmed entries in the room.
func (s *Store) PendingCount(roomID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.rooms[roomID]
	if !ok {
		return 0
	}
	count := 0
	for _, m := range log.entries {
		if m.Key.IsPending() {
			count++
		}
	}
	return count
}

// Clear drops every room.
func (s *Store) Clear() {
	s.mu.Lock()
	s.rooms = make(map[string]*roomLog)
	s.mu.Unlock()
}

// OnChange registers a listener invoked with the room id after every mutation.
func (s *Store) OnChange(fn func(roomID string)) func() {
	s.listenersMu.Lock()
	s.nextListener++
	id := s.nextListener
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			delete(s.listeners, id)
			s.listenersMu.Unlock()
		})
	}
}

func (s *Store) notify(roomID string) {
	s.listenersMu.RLock()
	listeners := make([]func(string), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(roomID)
	}
}

func (s *Store) room(roomID string) *roomLog {
	log, ok := s.rooms[roomID]
	if !ok {
		log = &roomLog{durable: make(map[uint64]struct{})}
		s.rooms[roomID] = log
	}
	return log
}

// insert keeps entries sorted by createdAt; equal timestamps keep arrival order.
func (l *roomLog) insert(msg Message) {
	idx := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].CreatedAt.After(msg.CreatedAt)
	})
	l.entries = append(l.entries, Message{})
	copy(l.entries[idx+1:], l.entries[idx:])
	l.entries[idx] = msg
	if msg.Key.State == Confirmed {
		l.durable[msg.Key.ID] = struct{}{}
	}
}

// upsert replaces a confirmed entry with the same id, or inserts it. It reports whether
// an entry was replaced.
func (l *roomLog) upsert(msg Message) bool {
	replaced := false
	if _, exists := l.durable[msg.Key.ID]; exists {
		l.removeWhere(func(m Message) bool { return m.Key == msg.Key })
		replaced = true
	}
	l.insert(msg)
	return replaced
}

func (l *roomLog) removeWhere(match func(Message) bool) int {
	kept := l.entries[:0]
	removed := 0
	for _, m := range l.entries {
		if match(m) {
			if m.Key.State == Confirmed {
				delete(l.durable, m.Key.ID)
			}
			removed++
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(l.entries); i++ {
		l.entries[i] = Message{}
	}
	l.entries = kept
	return removed
}
