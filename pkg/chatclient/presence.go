package chatclient

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/pkg/protocol"
)

// Link is the slice of the transport the presence tracker depends on.
type Link interface {
	Connect(ctx context.Context) *Connection
	IsConnected() bool
	Emit(event protocol.Event) error
	On(name string, handler Handler) func()
}

// AppState is the foreground/background state reported by the host application.
type AppState int

const (
	AppForeground AppState = iota + 1
	AppBackground
)

type presencePhase int

const (
	phaseIdle presencePhase = iota
	phaseSettingOnline
	phaseSettingOffline
)

func (p presencePhase) String() string {
	switch p {
	case phaseSettingOnline:
		return "settingOnline"
	case phaseSettingOffline:
		return "settingOffline"
	default:
		return "idle"
	}
}

type announcement struct {
	userID     string
	online     bool
	generation uint64
}

// PresenceTracker turns app lifecycle transitions into online/offline announcements and
// owns the connection's room attendance.
type PresenceTracker struct {
	link    Link
	session *Session
	logger  zerolog.Logger
	scope   Scope

	mu         sync.Mutex
	phase      presencePhase
	wantOnline bool
	announced  announcement
	identified announcement
	rooms      map[string]uint64
	// missed is the generation of a connect that arrived mid-transition, zero if none.
	missed uint64
}

// NewPresenceTracker creates a tracker bound to the link's connection lifecycle.
func NewPresenceTracker(link Link, session *Session, logger zerolog.Logger) *PresenceTracker {
	p := &PresenceTracker{
		link:    link,
		session: session,
		logger:  logger.With().Str("component", "presence_tracker").Logger(),
		rooms:   make(map[string]uint64),
	}
	p.scope.Add(link.On(EventConnect, p.handleConnect))
	p.scope.Add(link.On(EventDisconnect, p.handleDisconnect))
	return p
}

// Close releases the tracker's subscriptions.
func (p *PresenceTracker) Close() {
	p.scope.Close()
}

// AppStateChanged maps foreground to online and background to offline.
func (p *PresenceTracker) AppStateChanged(ctx context.Context, state AppState) error {
	switch state {
	case AppForeground:
		return p.SetOnline(ctx, "")
	case AppBackground:
		return p.SetOffline(ctx, "")
	default:
		return nil
	}
}

// SetOnline announces the user as online. Without a resolvable identity it does nothing.
// Requests arriving while another transition is in flight are dropped.
func (p *PresenceTracker) SetOnline(ctx context.Context, userID string) error {
	target := p.resolve(userID)
	if target == "" {
		p.logger.Debug().Msg("skipping online announcement without identity")
		return nil
	}

	if !p.begin(phaseSettingOnline, true) {
		return nil
	}
	defer p.end()

	conn := p.link.Connect(ctx)
	if conn == nil || !p.link.IsConnected() {
		p.logger.Info().Str("user_id", target).Msg("online announcement deferred until connected")
		return nil
	}

	return p.announceOnline(target, conn.Generation())
}

// SetOffline announces the user as offline. When disconnected the server already treats the
// user as gone, so nothing is sent.
func (p *PresenceTracker) SetOffline(_ context.Context, userID string) error {
	target := p.resolve(userID)
	if target == "" {
		return nil
	}

	if !p.begin(phaseSettingOffline, false) {
		return nil
	}
	defer p.end()

	if !p.link.IsConnected() {
		p.mu.Lock()
		p.announced = announcement{userID: target, online: false}
		p.mu.Unlock()
		return nil
	}

	if err := p.link.Emit(protocol.SetUserOffline{UserID: target}); err != nil {
		p.logger.Warn().Err(err).Str("user_id", target).Msg("failed to announce offline")
		return err
	}

	p.mu.Lock()
	p.announced = announcement{userID: target, online: false}
	p.mu.Unlock()
	return nil
}

// JoinRoom attaches the connection to a room. The room is re-joined after reconnects until
// LeaveRoom is called.
func (p *PresenceTracker) JoinRoom(ctx context.Context, roomID string) error {
	userID := p.session.UserID()
	if userID == "" {
		return ErrNoIdentity
	}

	p.mu.Lock()
	if _, ok := p.rooms[roomID]; !ok {
		p.rooms[roomID] = 0
	}
	p.mu.Unlock()

	conn := p.link.Connect(ctx)
	if conn == nil || !p.link.IsConnected() {
		return ErrNotConnected
	}
	return p.joinRoom(roomID, userID, conn.Generation())
}

// LeaveRoom detaches the connection from a room.
func (p *PresenceTracker) LeaveRoom(_ context.Context, roomID string) error {
	p.mu.Lock()
	_, joined := p.rooms[roomID]
	delete(p.rooms, roomID)
	p.mu.Unlock()

	userID := p.session.UserID()
	if !joined || userID == "" || !p.link.IsConnected() {
		return nil
	}
	return p.link.Emit(protocol.LeaveRoom{RoomID: roomID, UserID: userID})
}

// JoinedRooms lists rooms the tracker keeps attended.
func (p *PresenceTracker) JoinedRooms() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.rooms))
	for id := range p.rooms {
		out = append(out, id)
	}
	return out
}

func (p *PresenceTracker) resolve(userID string) string {
	if userID != "" {
		return userID
	}
	if p.session == nil {
		return ""
	}
	return p.session.UserID()
}

func (p *PresenceTracker) begin(phase presencePhase, wantOnline bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.phase != phaseIdle {
		p.logger.Debug().Str("phase", p.phase.String()).Str("requested", phase.String()).Msg("presence transition dropped")
		return false
	}
	p.phase = phase
	p.wantOnline = wantOnline
	return true
}

// end returns to idle and replays the online announcement for a connect that completed
// while the transition was in flight.
func (p *PresenceTracker) end() {
	p.mu.Lock()
	p.phase = phaseIdle
	missed := p.missed
	p.missed = 0
	replay := missed != 0 && p.wantOnline
	p.mu.Unlock()

	if !replay || !p.link.IsConnected() {
		return
	}
	userID := p.session.UserID()
	if userID == "" {
		return
	}
	if err := p.announceOnline(userID, missed); err != nil {
		p.logger.Warn().Err(err).Uint64("generation", missed).Msg("failed to announce presence for connect during transition")
	}
}

func (p *PresenceTracker) announceOnline(userID string, generation uint64) error {
	p.mu.Lock()
	current := announcement{userID: userID, online: true, generation: generation}
	if p.announced == current {
		p.mu.Unlock()
		return nil
	}
	needsIdentify := p.identified != announcement{userID: userID, generation: generation}
	p.mu.Unlock()

	if needsIdentify {
		if err := p.link.Emit(protocol.Identify{UserID: userID}); err != nil {
			p.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to identify connection")
			return err
		}
		p.mu.Lock()
		p.identified = announcement{userID: userID, generation: generation}
		p.mu.Unlock()
	}

	if err := p.link.Emit(protocol.SetUserOnline{UserID: userID}); err != nil {
		p.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to announce online")
		return err
	}

	p.mu.Lock()
	p.announced = current
	p.mu.Unlock()
	return nil
}

func (p *PresenceTracker) joinRoom(roomID, userID string, generation uint64) error {
	err := p.link.Emit(protocol.JoinRoom{RoomID: roomID, UserID: userID, UserName: p.session.UserName()})
	if err != nil {
		p.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to join room")
		return err
	}

	p.mu.Lock()
	if _, ok := p.rooms[roomID]; ok {
		p.rooms[roomID] = generation
	}
	p.mu.Unlock()
	return nil
}

func (p *PresenceTracker) handleConnect(event protocol.Event) {
	lifecycle, ok := event.(LifecycleEvent)
	if !ok {
		return
	}

	userID := p.session.UserID()
	if userID == "" {
		return
	}

	p.mu.Lock()
	online := p.wantOnline && p.phase == phaseIdle
	if p.phase != phaseIdle {
		p.missed = lifecycle.Generation
	}
	stale := make([]string, 0, len(p.rooms))
	for roomID, generation := range p.rooms {
		if generation != lifecycle.Generation {
			stale = append(stale, roomID)
		}
	}
	p.mu.Unlock()

	if online {
		if err := p.announceOnline(userID, lifecycle.Generation); err != nil {
			p.logger.Warn().Err(err).Msg("failed to re-announce presence after reconnect")
		}
	}
	for _, roomID := range stale {
		_ = p.joinRoom(roomID, userID, lifecycle.Generation)
	}
}

func (p *PresenceTracker) handleDisconnect(protocol.Event) {
	p.mu.Lock()
	p.identified = announcement{}
	p.mu.Unlock()
}
