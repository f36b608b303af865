package chatclient

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/pkg/protocol"
)

// Member is a cached room member with its live online flag.
type Member struct {
	UserID   string
	FullName string
	IsAdmin  bool
	IsOnline bool
}

// Subscriber is the subscription half of the transport.
type Subscriber interface {
	On(name string, handler Handler) func()
}

// MemberFetcher loads the initial membership snapshot of a room.
type MemberFetcher interface {
	ListMembers(ctx context.Context, roomID string) (protocol.RoomMembers, error)
}

// MemberCache holds the server-authoritative member list of each room. Lists are replaced
// by snapshots and only online flags are ever patched in place.
type MemberCache struct {
	mu        sync.RWMutex
	rooms     map[string][]Member
	adminOnly map[string]bool
	logger    zerolog.Logger
}

// NewMemberCache returns an empty cache.
func NewMemberCache(logger zerolog.Logger) *MemberCache {
	return &MemberCache{
		rooms:     make(map[string][]Member),
		adminOnly: make(map[string]bool),
		logger:    logger.With().Str("component", "member_cache").Logger(),
	}
}

// Bind subscribes the cache to membership and presence events.
func (c *MemberCache) Bind(sub Subscriber) func() {
	var scope Scope
	scope.Add(sub.On(protocol.EventRoomMembers, func(event protocol.Event) {
		if snapshot, ok := event.(*protocol.RoomMembers); ok {
			c.applySnapshot(snapshot.RoomID, snapshot.AdminOnly, snapshot.Members)
		}
	}))
	scope.Add(sub.On(protocol.EventUserOnlineStatusUpdate, func(event protocol.Event) {
		if update, ok := event.(*protocol.UserOnlineStatusUpdate); ok {
			c.applyStatus(update.UserID, update.IsOnline)
		}
	}))
	scope.Add(sub.On(protocol.EventOnlineUsers, func(event protocol.Event) {
		if online, ok := event.(*protocol.OnlineUsers); ok {
			c.applyOnlineUsers(online.RoomID, online.OnlineUsers)
		}
	}))
	scope.Add(sub.On(protocol.EventUserOffline, func(event protocol.Event) {
		if offline, ok := event.(*protocol.UserOffline); ok {
			c.applyRoomOffline(offline.RoomID, offline.UserID)
		}
	}))
	return scope.Close
}

// Load fetches the room's member list and installs it as a snapshot.
func (c *MemberCache) Load(ctx context.Context, roomID string, fetcher MemberFetcher) error {
	snapshot, err := fetcher.ListMembers(ctx, roomID)
	if err != nil {
		return err
	}
	c.applySnapshot(roomID, snapshot.AdminOnly, snapshot.Members)
	return nil
}

// Members returns the room's members with admins first; the order is otherwise stable.
func (c *MemberCache) Members(roomID string) []Member {
	c.mu.RLock()
	out := make([]Member, len(c.rooms[roomID]))
	copy(out, c.rooms[roomID])
	c.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].IsAdmin && !out[j].IsAdmin
	})
	return out
}

// IsAdmin reports whether the user is an admin of the room according to the last snapshot.
func (c *MemberCache) IsAdmin(roomID, userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, m := range c.rooms[roomID] {
		if m.UserID == userID {
			return m.IsAdmin
		}
	}
	return false
}

// AdminOnly reports whether the last snapshot marked the room as admin-only.
func (c *MemberCache) AdminOnly(roomID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.adminOnly[roomID]
}

// CanPost reports whether the user may send or delete in the room. Rooms without a snapshot
// are left to the server to decide.
func (c *MemberCache) CanPost(roomID, userID string) bool {
	if !c.AdminOnly(roomID) {
		return true
	}
	return c.IsAdmin(roomID, userID)
}

// Clear drops all cached rooms.
func (c *MemberCache) Clear() {
	c.mu.Lock()
	c.rooms = make(map[string][]Member)
	c.adminOnly = make(map[string]bool)
	c.mu.Unlock()
}

func (c *MemberCache) applySnapshot(roomID string, adminOnly bool, members []protocol.Member) {
	list := make([]Member, 0, len(members))
	for _, m := range members {
		list = append(list, Member{
			UserID:   m.UserID,
			FullName: m.FullName,
			IsAdmin:  m.IsAdmin,
			IsOnline: m.IsOnline,
		})
	}

	c.mu.Lock()
	c.rooms[roomID] = list
	c.adminOnly[roomID] = adminOnly
	c.mu.Unlock()

	c.logger.Debug().Str("room_id", roomID).Int("members", len(list)).Bool("admin_only", adminOnly).Msg("membership snapshot applied")
}

func (c *MemberCache) applyStatus(userID string, online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, list := range c.rooms {
		for i := range list {
			if list[i].UserID == userID {
				list[i].IsOnline = online
			}
		}
	}
}

func (c *MemberCache) applyOnlineUsers(roomID string, online []string) {
	set := make(map[string]struct{}, len(online))
	for _, id := range online {
		set[id] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.rooms[roomID]
	for i := range list {
		_, ok := set[list[i].UserID]
		list[i].IsOnline = ok
	}
}

func (c *MemberCache) applyRoomOffline(roomID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.rooms[roomID]
	for i := range list {
		if list[i].UserID == userID {
			list[i].IsOnline = false
		}
	}
}
