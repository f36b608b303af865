package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPresenceTTL = 2 * time.Minute

// PresenceRecord is the last-writer-wins presence state of a user.
type PresenceRecord struct {
	UserID       string
	IsOnline     bool
	ConnectionID string
	UpdatedAt    time.Time
}

// PresenceStore keeps one presence record per user. The most recent transition wins;
// connection-scoped releases only apply while the releasing connection is the last writer.
type PresenceStore interface {
	// SetOnline records the user online through connectionID and reports whether the
	// visible state changed.
	SetOnline(ctx context.Context, userID, connectionID string) (bool, error)
	// SetOffline records an explicit offline transition from connectionID.
	SetOffline(ctx context.Context, userID, connectionID string) (bool, error)
	// Release marks the user offline only if connectionID wrote the current record.
	Release(ctx context.Context, userID, connectionID string) (bool, error)
	// Refresh extends an online record written by connectionID.
	Refresh(ctx context.Context, userID, connectionID string) error
	Get(ctx context.Context, userID string) (PresenceRecord, error)
	OnlineUsers(ctx context.Context, userIDs []string) (map[string]bool, error)
}

type memoryPresenceStore struct {
	mu      sync.Mutex
	records map[string]PresenceRecord
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryPresenceStore keeps presence in process memory for single-node deployments.
func NewMemoryPresenceStore(ttl time.Duration) PresenceStore {
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}
	return &memoryPresenceStore{
		records: make(map[string]PresenceRecord),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *memoryPresenceStore) SetOnline(_ context.Context, userID, connectionID string) (bool, error) {
	return s.write(userID, connectionID, true, false), nil
}

func (s *memoryPresenceStore) SetOffline(_ context.Context, userID, connectionID string) (bool, error) {
	return s.write(userID, connectionID, false, false), nil
}

func (s *memoryPresenceStore) Release(_ context.Context, userID, connectionID string) (bool, error) {
	return s.write(userID, connectionID, false, true), nil
}

func (s *memoryPresenceStore) write(userID, connectionID string, online, ownerOnly bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.records[userID]
	if exists && s.expired(current) {
		current.IsOnline = false
	}
	if ownerOnly && (!exists || current.ConnectionID != connectionID) {
		return false
	}

	s.records[userID] = PresenceRecord{
		UserID:       userID,
		IsOnline:     online,
		ConnectionID: connectionID,
		UpdatedAt:    s.now(),
	}
	return current.IsOnline != online
}

func (s *memoryPresenceStore) Refresh(_ context.Context, userID, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[userID]
	if !ok || current.ConnectionID != connectionID || !current.IsOnline {
		return nil
	}
	current.UpdatedAt = s.now()
	s.records[userID] = current
	return nil
}

func (s *memoryPresenceStore) Get(_ context.Context, userID string) (PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[userID]
	if !ok {
		return PresenceRecord{UserID: userID}, nil
	}
	if s.expired(record) {
		record.IsOnline = false
	}
	return record, nil
}

func (s *memoryPresenceStore) OnlineUsers(ctx context.Context, userIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		record, _ := s.Get(ctx, id)
		if record.IsOnline {
			out[id] = true
		}
	}
	return out, nil
}

func (s *memoryPresenceStore) expired(record PresenceRecord) bool {
	return s.now().Sub(record.UpdatedAt) > s.ttl
}

// Presence records live in redis hashes; the scripts keep read-compare-write atomic across
// nodes.
var (
	presenceWriteScript = redis.NewScript(`
local prev = redis.call('HGET', KEYS[1], 'isOnline')
redis.call('HSET', KEYS[1], 'userId', ARGV[1], 'isOnline', ARGV[2], 'connectionId', ARGV[3], 'updatedAt', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
if prev == ARGV[2] then return 0 end
if (not prev) and ARGV[2] == '0' then return 0 end
return 1
`)

	presenceReleaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'connectionId') ~= ARGV[1] then return 0 end
local prev = redis.call('HGET', KEYS[1], 'isOnline')
redis.call('HSET', KEYS[1], 'isOnline', '0', 'updatedAt', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
if prev == '1' then return 1 end
return 0
`)

	presenceRefreshScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'connectionId') ~= ARGV[1] then return 0 end
if redis.call('HGET', KEYS[1], 'isOnline') ~= '1' then return 0 end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)
)

type redisPresenceStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisPresenceStore shares presence across nodes through redis. Records expire after ttl
// unless refreshed, so a crashed node cannot leave users online forever.
func NewRedisPresenceStore(client *redis.Client, channelBase string, ttl time.Duration) PresenceStore {
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}
	prefix := "presence:"
	if channelBase != "" {
		prefix = channelBase + ":presence:"
	}
	return &redisPresenceStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		now:    time.Now,
	}
}

func (s *redisPresenceStore) key(userID string) string {
	return s.prefix + userID
}

func (s *redisPresenceStore) SetOnline(ctx context.Context, userID, connectionID string) (bool, error) {
	return s.write(ctx, userID, connectionID, true)
}

func (s *redisPresenceStore) SetOffline(ctx context.Context, userID, connectionID string) (bool, error) {
	return s.write(ctx, userID, connectionID, false)
}

func (s *redisPresenceStore) write(ctx context.Context, userID, connectionID string, online bool) (bool, error) {
	flag := "0"
	if online {
		flag = "1"
	}
	changed, err := presenceWriteScript.Run(ctx, s.client, []string{s.key(userID)},
		userID, flag, connectionID, s.stamp(), s.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return changed == 1, nil
}

func (s *redisPresenceStore) Release(ctx context.Context, userID, connectionID string) (bool, error) {
	changed, err := presenceReleaseScript.Run(ctx, s.client, []string{s.key(userID)},
		connectionID, s.stamp(), s.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return changed == 1, nil
}

func (s *redisPresenceStore) Refresh(ctx context.Context, userID, connectionID string) error {
	return presenceRefreshScript.Run(ctx, s.client, []string{s.key(userID)},
		connectionID, s.ttl.Milliseconds()).Err()
}

func (s *redisPresenceStore) Get(ctx context.Context, userID string) (PresenceRecord, error) {
	values, err := s.client.HGetAll(ctx, s.key(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return PresenceRecord{}, err
	}

	record := PresenceRecord{
		UserID:       userID,
		IsOnline:     values["isOnline"] == "1",
		ConnectionID: values["connectionId"],
	}
	if stamp, err := strconv.ParseInt(values["updatedAt"], 10, 64); err == nil {
		record.UpdatedAt = time.UnixMilli(stamp).UTC()
	}
	return record, nil
}

func (s *redisPresenceStore) OnlineUsers(ctx context.Context, userIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.HGet(ctx, s.key(id), "isOnline")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	for i, cmd := range cmds {
		if cmd.Val() == "1" {
			out[userIDs[i]] = true
		}
	}
	return out, nil
}

func (s *redisPresenceStore) stamp() string {
	return strconv.FormatInt(s.now().UnixMilli(), 10)
}
