package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/middleware"
	"github.com/noah-isme/gema-chat/internal/observability"
	"github.com/noah-isme/gema-chat/internal/repository"
	"github.com/noah-isme/gema-chat/pkg/protocol"
)

const (
	realtimeSendBuffer   = 64
	realtimePingInterval = 30 * time.Second
	realtimeReadLimit    = 64 * 1024
	realtimeCleanupGrace = 5 * time.Second
)

// Socket is the part of a websocket connection the realtime hub drives.
type Socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type readLimiter interface {
	SetReadLimit(limit int64)
}

// ConnectionOptions wraps metadata extracted during the HTTP upgrade.
type ConnectionOptions struct {
	UserID        string
	UserName      string
	CorrelationID string
}

// RealtimeConfig wires the realtime service.
type RealtimeConfig struct {
	Rooms        RoomService
	Messages     repository.MessageRepository
	Presence     PresenceStore
	Redis        *redis.Client
	NATS         *nats.Conn
	ChannelBase  string
	PingInterval time.Duration
	Logger       zerolog.Logger
}

// RealtimeService runs the websocket side of chat: room broadcast groups, presence and
// cross-node fan-out.
type RealtimeService interface {
	ServeConnection(conn Socket, opts ConnectionOptions)
	Start(ctx context.Context)
	PublishDeleted(ctx context.Context, roomID string, ids []uint64)
	BroadcastMessage(ctx context.Context, message protocol.Message, sender protocol.Sender)
	ActiveConnections() int
}

type realtimeService struct {
	rooms        RoomService
	messages     repository.MessageRepository
	presence     PresenceStore
	codec        *protocol.Codec
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	pingInterval time.Duration
	logger       zerolog.Logger
	tracer       trace.Tracer
	hub          *realtimeHub
	nodeID       string
}

// deliveryScope selects the local connections a frame goes to.
type deliveryScope struct {
	Room    string `json:"room,omitempty"`
	All     bool   `json:"all,omitempty"`
	Exclude string `json:"exclude,omitempty"`
}

type fanoutEvent struct {
	Source string          `json:"source"`
	Scope  deliveryScope   `json:"scope"`
	Event  string          `json:"event"`
	Frame  json.RawMessage `json:"frame"`
	SentAt time.Time       `json:"sent_at"`
}

type realtimeHub struct {
	mu    sync.RWMutex
	conns map[*realtimeConn]struct{}
	rooms map[string]map[*realtimeConn]struct{}
	log   zerolog.Logger
}

type realtimeConn struct {
	id       string
	socket   Socket
	userID   string
	userName string
	send     chan []byte
	closed   chan struct{}
	once     sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	logger   zerolog.Logger
	service  *realtimeService

	mu     sync.Mutex
	rooms  map[string]struct{}
	online bool
}

// NewRealtimeService creates the realtime service.
func NewRealtimeService(cfg RealtimeConfig) (RealtimeService, error) {
	codec, err := protocol.DefaultCodec()
	if err != nil {
		return nil, err
	}

	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = realtimePingInterval
	}

	presence := cfg.Presence
	if presence == nil {
		presence = NewMemoryPresenceStore(0)
	}

	redisChannel := ""
	natsSubject := ""
	if cfg.ChannelBase != "" {
		redisChannel = cfg.ChannelBase + ":realtime"
		natsSubject = strings.ReplaceAll(cfg.ChannelBase, ":", ".") + ".realtime"
	}

	return &realtimeService{
		rooms:        cfg.Rooms,
		messages:     cfg.Messages,
		presence:     presence,
		codec:        codec,
		redis:        cfg.Redis,
		redisChannel: redisChannel,
		nats:         cfg.NATS,
		natsSubject:  natsSubject,
		pingInterval: pingInterval,
		logger:       cfg.Logger.With().Str("component", "realtime_service").Logger(),
		tracer:       otel.Tracer("github.com/noah-isme/gema-chat/internal/service/realtime"),
		hub: &realtimeHub{
			conns: make(map[*realtimeConn]struct{}),
			rooms: make(map[string]map[*realtimeConn]struct{}),
			log:   cfg.Logger.With().Str("component", "realtime_hub").Logger(),
		},
		nodeID: uuid.NewString(),
	}, nil
}

func (s *realtimeService) Start(ctx context.Context) {
	if s.redis != nil && s.redisChannel != "" {
		go s.consumeRedis(ctx)
	}
	if s.nats != nil && s.natsSubject != "" {
		go s.consumeNATS(ctx)
	}
}

func (s *realtimeService) ActiveConnections() int {
	return s.hub.count()
}

// ServeConnection blocks until the connection closes.
func (s *realtimeService) ServeConnection(socket Socket, opts ConnectionOptions) {
	if limiter, ok := socket.(readLimiter); ok {
		limiter.SetReadLimit(realtimeReadLimit)
	}

	ctx := middleware.ContextWithCorrelation(context.Background(), opts.CorrelationID)
	ctx, cancel := context.WithCancel(ctx)

	id := uuid.NewString()
	conn := &realtimeConn{
		id:       id,
		socket:   socket,
		userID:   opts.UserID,
		userName: opts.UserName,
		send:     make(chan []byte, realtimeSendBuffer),
		closed:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		service:  s,
		rooms:    make(map[string]struct{}),
		logger: middleware.LoggerWithCorrelation(s.logger, ctx).With().
			Str("connection_id", id).
			Str("user_id", opts.UserID).
			Logger(),
	}

	s.hub.register(conn)
	observability.RealtimeConnections().Inc()
	defer observability.RealtimeConnections().Dec()

	conn.emit(protocol.Connected{ConnectionID: id})

	go conn.writer()
	conn.reader()
}

func (s *realtimeService) PublishDeleted(ctx context.Context, roomID string, ids []uint64) {
	s.deliver(ctx, deliveryScope{Room: roomID}, protocol.MessagesDeleted{RoomID: roomID, MessageIDs: ids})
}

func (s *realtimeService) BroadcastMessage(ctx context.Context, message protocol.Message, sender protocol.Sender) {
	s.deliver(ctx, deliveryScope{Room: message.RoomID}, protocol.NewMessage{Message: message, Sender: sender})
}

func (s *realtimeService) handle(c *realtimeConn, raw []byte) {
	event, err := s.codec.Decode(raw)
	if err != nil {
		observability.RealtimeEvents().WithLabelValues("unknown", "invalid").Inc()
		c.logger.Debug().Err(err).Msg("rejected realtime frame")
		c.emit(protocol.Error{Message: err.Error()})
		return
	}

	name := event.EventName()
	if !protocol.IsClientEvent(name) {
		observability.RealtimeEvents().WithLabelValues(name, "invalid").Inc()
		c.emit(protocol.Error{Event: name, Message: "event not accepted from clients"})
		return
	}

	switch e := event.(type) {
	case *protocol.Identify:
		err = s.handleIdentify(c, e)
	case *protocol.SetUserOnline:
		err = s.handleSetOnline(c, e)
	case *protocol.SetUserOffline:
		err = s.handleSetOffline(c, e)
	case *protocol.JoinRoom:
		err = s.handleJoin(c, e)
	case *protocol.LeaveRoom:
		err = s.handleLeave(c, e)
	case *protocol.SendMessage:
		err = s.handleSend(c, e)
	}

	if err != nil {
		observability.RealtimeEvents().WithLabelValues(name, "rejected").Inc()
		c.logger.Warn().Err(err).Str("event", name).Msg("realtime event rejected")
		c.emit(protocol.Error{Event: name, Message: err.Error()})
		return
	}
	observability.RealtimeEvents().WithLabelValues(name, "ok").Inc()
}

func (s *realtimeService) handleIdentify(c *realtimeConn, e *protocol.Identify) error {
	if e.UserID != c.userID {
		return ErrIdentityMismatch
	}
	c.logger.Debug().Msg("connection identified")
	return nil
}

func (s *realtimeService) handleSetOnline(c *realtimeConn, e *protocol.SetUserOnline) error {
	if e.UserID != c.userID {
		return ErrIdentityMismatch
	}

	changed, err := s.presence.SetOnline(c.ctx, c.userID, c.id)
	if err != nil {
		return err
	}
	c.setOnline(true)
	if changed {
		s.presenceChanged(c.ctx, c.userID, true, c.joinedRooms())
	}
	return nil
}

func (s *realtimeService) handleSetOffline(c *realtimeConn, e *protocol.SetUserOffline) error {
	if e.UserID != c.userID {
		return ErrIdentityMismatch
	}

	changed, err := s.presence.SetOffline(c.ctx, c.userID, c.id)
	if err != nil {
		return err
	}
	c.setOnline(false)
	if changed {
		s.presenceChanged(c.ctx, c.userID, false, c.joinedRooms())
	}
	return nil
}

func (s *realtimeService) handleJoin(c *realtimeConn, e *protocol.JoinRoom) error {
	if e.UserID != c.userID {
		return ErrIdentityMismatch
	}
	if _, err := s.rooms.Authorize(c.ctx, e.RoomID, c.userID); err != nil {
		return err
	}

	s.hub.join(c, e.RoomID)

	snapshot, err := s.rooms.Snapshot(c.ctx, e.RoomID)
	if err != nil {
		return err
	}
	c.emit(snapshot)
	s.publishOnlineUsers(c.ctx, e.RoomID)
	return nil
}

func (s *realtimeService) handleLeave(c *realtimeConn, e *protocol.LeaveRoom) error {
	if e.UserID != c.userID {
		return ErrIdentityMismatch
	}
	if !s.hub.leave(c, e.RoomID) {
		return nil
	}
	s.departed(c.ctx, c.userID, e.RoomID)
	return nil
}

func (s *realtimeService) handleSend(c *realtimeConn, e *protocol.SendMessage) error {
	if e.Sender.UserID != c.userID {
		return ErrIdentityMismatch
	}
	if !c.inRoom(e.RoomID) {
		return ErrRoomNotJoined
	}

	ctx, span := s.tracer.Start(c.ctx, "chat.realtime.broadcast", trace.WithAttributes(
		attribute.String("chat.room_id", e.RoomID),
		attribute.Int64("chat.message_id", int64(e.Message.ID)),
	))
	defer span.End()

	stored, err := s.messages.Get(ctx, e.Message.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrMessageNotFound
		}
		span.RecordError(err)
		return err
	}
	if stored.RoomID != e.RoomID || stored.SenderID != c.userID {
		return ErrMessageNotFound
	}

	sender := protocol.Sender{UserID: c.userID, UserName: e.Sender.UserName}
	if sender.UserName == "" {
		sender.UserName = stored.SenderName
	}

	s.deliver(ctx, deliveryScope{Room: e.RoomID, Exclude: c.id}, protocol.NewMessage{
		Message: dto.NewMessageResponse(stored),
		Sender:  sender,
	})
	return nil
}

// presenceChanged notifies every connection of the new state and refreshes the online
// snapshot of the rooms the user is attending.
func (s *realtimeService) presenceChanged(ctx context.Context, userID string, online bool, rooms []string) {
	state := "offline"
	if online {
		state = "online"
	}
	observability.PresenceTransitions().WithLabelValues(state).Inc()

	s.deliver(ctx, deliveryScope{All: true}, protocol.UserOnlineStatusUpdate{UserID: userID, IsOnline: online})
	for _, room := range rooms {
		if !online {
			s.deliver(ctx, deliveryScope{Room: room}, protocol.UserOffline{RoomID: room, UserID: userID})
		}
		s.publishOnlineUsers(ctx, room)
	}
}

// departed announces a user leaving a room once none of their local connections attend it.
func (s *realtimeService) departed(ctx context.Context, userID, roomID string) {
	if s.hub.userInRoom(userID, roomID) {
		return
	}
	s.deliver(ctx, deliveryScope{Room: roomID}, protocol.UserOffline{RoomID: roomID, UserID: userID})
	s.publishOnlineUsers(ctx, roomID)
}

func (s *realtimeService) publishOnlineUsers(ctx context.Context, roomID string) {
	online, total, err := s.rooms.OnlineMembers(ctx, roomID)
	if err != nil {
		s.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to compute online users")
		return
	}
	s.deliver(ctx, deliveryScope{Room: roomID}, protocol.OnlineUsers{RoomID: roomID, OnlineUsers: online, TotalMembers: &total})
}

// disconnected runs once when a connection ends.
func (s *realtimeService) disconnected(c *realtimeConn) {
	rooms := s.hub.unregister(c)

	ctx, cancel := context.WithTimeout(context.Background(), realtimeCleanupGrace)
	defer cancel()
	ctx = middleware.ContextWithCorrelation(ctx, middleware.CorrelationIDFromContext(c.ctx))

	changed, err := s.presence.Release(ctx, c.userID, c.id)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to release presence")
	}

	if changed {
		s.presenceChanged(ctx, c.userID, false, nil)
	}
	for _, room := range rooms {
		s.departed(ctx, c.userID, room)
	}
}

// deliver encodes the event, sends it to matching local connections and fans it out to
// other nodes.
func (s *realtimeService) deliver(ctx context.Context, scope deliveryScope, event protocol.Event) {
	frame, err := s.codec.Encode(event)
	if err != nil {
		s.logger.Error().Err(err).Str("event", event.EventName()).Msg("failed to encode realtime event")
		return
	}

	s.hub.deliver(scope, event.EventName(), frame)
	if err := s.publish(ctx, scope, event.EventName(), frame); err != nil {
		s.logger.Warn().Err(err).Str("event", event.EventName()).Msg("failed to publish realtime event")
	}
}

func (s *realtimeService) publish(ctx context.Context, scope deliveryScope, name string, frame []byte) error {
	if (s.redis == nil || s.redisChannel == "") && (s.nats == nil || s.natsSubject == "") {
		return nil
	}

	payload, err := json.Marshal(fanoutEvent{
		Source: s.nodeID,
		Scope:  scope,
		Event:  name,
		Frame:  frame,
		SentAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	if s.redis != nil && s.redisChannel != "" {
		if err := s.redis.Publish(ctx, s.redisChannel, payload).Err(); err != nil {
			return err
		}
	}

	if s.nats != nil && s.natsSubject != "" {
		if err := s.nats.Publish(s.natsSubject, payload); err != nil {
			return err
		}
	}

	return nil
}

func (s *realtimeService) consumeRedis(ctx context.Context) {
	pubsub := s.redis.Subscribe(ctx, s.redisChannel)
	defer func() {
		_ = pubsub.Close()
	}()
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
				return
			}
			s.logger.Error().Err(err).Msg("realtime redis subscription closed")
			return
		}
		s.handleFanout([]byte(msg.Payload))
	}
}

func (s *realtimeService) consumeNATS(ctx context.Context) {
	// Plain subscription: every node needs every event.
	sub, err := s.nats.Subscribe(s.natsSubject, func(msg *nats.Msg) {
		s.handleFanout(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to nats realtime subject")
		return
	}
	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain realtime nats subscription")
		}
	}()
}

func (s *realtimeService) handleFanout(data []byte) {
	var event fanoutEvent
	if err := json.Unmarshal(data, &event); err != nil {
		s.logger.Warn().Err(err).Msg("invalid realtime fan-out event")
		return
	}

	if event.Source == s.nodeID {
		return
	}

	s.hub.deliver(event.Scope, event.Event, event.Frame)
}

func (h *realtimeHub) register(c *realtimeConn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.conns[c] = struct{}{}
	h.log.Debug().Str("connection_id", c.id).Str("user_id", c.userID).Msg("realtime client connected")
}

// unregister removes the connection and returns the rooms it had joined.
func (h *realtimeHub) unregister(c *realtimeConn) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.conns, c)
	rooms := c.joinedRooms()
	for _, room := range rooms {
		h.removeFromRoom(c, room)
	}
	c.clearRooms()

	h.log.Debug().Str("connection_id", c.id).Str("user_id", c.userID).Msg("realtime client disconnected")
	return rooms
}

func (h *realtimeHub) join(c *realtimeConn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; !ok {
		return
	}
	if _, exists := h.rooms[room]; !exists {
		h.rooms[room] = make(map[*realtimeConn]struct{})
	}
	h.rooms[room][c] = struct{}{}
	c.addRoom(room)
}

func (h *realtimeHub) leave(c *realtimeConn, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !c.removeRoom(room) {
		return false
	}
	h.removeFromRoom(c, room)
	return true
}

func (h *realtimeHub) removeFromRoom(c *realtimeConn, room string) {
	if clients, ok := h.rooms[room]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *realtimeHub) userInRoom(userID, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.rooms[room] {
		if c.userID == userID {
			return true
		}
	}
	return false
}

func (h *realtimeHub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *realtimeHub) deliver(scope deliveryScope, name string, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := h.conns
	if !scope.All {
		targets = h.rooms[scope.Room]
	}
	for c := range targets {
		if c.id == scope.Exclude {
			continue
		}
		c.enqueue(name, frame)
	}
}

func (c *realtimeConn) emit(event protocol.Event) {
	frame, err := c.service.codec.Encode(event)
	if err != nil {
		c.logger.Error().Err(err).Str("event", event.EventName()).Msg("failed to encode realtime event")
		return
	}
	c.enqueue(event.EventName(), frame)
}

func (c *realtimeConn) enqueue(name string, frame []byte) {
	select {
	case <-c.closed:
		return
	default:
	}

	select {
	case c.send <- frame:
	default:
		observability.RealtimeDropped().WithLabelValues(name).Inc()
		c.logger.Warn().Str("event", name).Msg("dropping realtime frame for slow client")
	}
}

func (c *realtimeConn) reader() {
	defer c.close()

	for {
		_, raw, err := c.socket.ReadMessage()
		if err != nil {
			c.logger.Debug().Err(err).Msg("realtime read loop ended")
			return
		}
		c.service.handle(c, raw)
	}
}

func (c *realtimeConn) writer() {
	defer c.close()

	ticker := time.NewTicker(c.service.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			if err := c.socket.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug().Err(err).Msg("realtime write loop terminated")
				return
			}
		case <-ticker.C:
			if err := c.socket.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				c.logger.Debug().Err(err).Msg("realtime ping failed")
				return
			}
			if c.isOnline() {
				if err := c.service.presence.Refresh(c.ctx, c.userID, c.id); err != nil {
					c.logger.Warn().Err(err).Msg("failed to refresh presence")
				}
			}
		case <-c.closed:
			return
		}
	}
}

func (c *realtimeConn) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.socket.Close()
		c.service.disconnected(c)
		c.cancel()
	})
}

func (c *realtimeConn) addRoom(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[room] = struct{}{}
}

func (c *realtimeConn) removeRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[room]; !ok {
		return false
	}
	delete(c.rooms, room)
	return true
}

func (c *realtimeConn) clearRooms() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms = make(map[string]struct{})
}

func (c *realtimeConn) inRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

func (c *realtimeConn) joinedRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	return out
}

func (c *realtimeConn) setOnline(online bool) {
	c.mu.Lock()
	c.online = online
	c.mu.Unlock()
}

func (c *realtimeConn) isOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}
