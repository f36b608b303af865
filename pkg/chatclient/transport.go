package chatclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/pkg/protocol"
)

// Local lifecycle events delivered to subscribers alongside protocol events.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

var (
	// ErrNotConnected is returned when emitting without a live connection.
	ErrNotConnected = errors.New("realtime connection not established")
	// ErrSendQueueFull is returned when the outbound buffer cannot take another frame.
	ErrSendQueueFull = errors.New("realtime send queue full")
)

// Handler receives decoded events. Handlers run on the connection's read goroutine, one
// at a time, in arrival order.
type Handler func(event protocol.Event)

// LifecycleEvent reports a connection coming up or going down.
type LifecycleEvent struct {
	Name         string
	ConnectionID string
	Generation   uint64
}

// EventName implements protocol.Event.
func (e LifecycleEvent) EventName() string { return e.Name }

// TransportConfig configures the realtime transport.
type TransportConfig struct {
	URL          string
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
	Dialer       *websocket.Dialer
}

func (c TransportConfig) withDefaults() TransportConfig {
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 500 * time.Millisecond
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = 30 * time.Second
		if c.ReconnectMax < c.ReconnectMin {
			c.ReconnectMax = c.ReconnectMin
		}
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 32
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return c
}

// Connection is the single realtime connection of an app session. It survives reconnects;
// the server-assigned id and the generation change every time the link comes back up.
type Connection struct {
	mu         sync.RWMutex
	id         string
	userID     string
	connected  bool
	generation uint64
	send       chan []byte

	cancel    context.CancelFunc
	done      chan struct{}
	firstOnce sync.Once
	first     chan struct{}
}

// ID returns the server-assigned connection id of the current link.
func (c *Connection) ID() string {
	if c == nil {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Connected reports liveness of the current link.
func (c *Connection) Connected() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// UserID returns the identity announced on this connection, if any.
func (c *Connection) UserID() string {
	if c == nil {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Generation counts successful handshakes; it is zero until the first one.
func (c *Connection) Generation() uint64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

func (c *Connection) markFirstAttempt() {
	c.firstOnce.Do(func() { close(c.first) })
}

func (c *Connection) attach(send chan []byte) {
	c.mu.Lock()
	c.send = send
	c.mu.Unlock()
}

func (c *Connection) markConnected(id string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
	c.connected = true
	c.userID = ""
	c.generation++
	return c.generation
}

func (c *Connection) markDisconnected() (bool, string, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.connected
	c.connected = false
	c.send = nil
	return was, c.id, c.generation
}

func (c *Connection) bindUser(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

func (c *Connection) enqueue(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected || c.send == nil {
		return ErrNotConnected
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Transport owns the realtime connection lifecycle and event subscriptions.
type Transport struct {
	cfg    TransportConfig
	tokens TokenSource
	codec  *protocol.Codec
	logger zerolog.Logger

	mu   sync.Mutex
	conn *Connection

	subsMu  sync.RWMutex
	subs    map[string]map[uint64]Handler
	nextSub uint64
}

// NewTransport builds a transport. No connection is made until Connect is called.
func NewTransport(cfg TransportConfig, tokens TokenSource, logger zerolog.Logger) (*Transport, error) {
	codec, err := protocol.DefaultCodec()
	if err != nil {
		return nil, err
	}

	return &Transport{
		cfg:    cfg.withDefaults(),
		tokens: tokens,
		codec:  codec,
		logger: logger.With().Str("component", "realtime_transport").Logger(),
		subs:   make(map[string]map[uint64]Handler),
	}, nil
}

// Connect returns the session's connection, creating it on first use. It waits for the
// first handshake attempt to finish or ctx to expire. Construction failures are logged and
// yield nil so callers degrade to REST-only operation.
func (t *Transport) Connect(ctx context.Context) *Connection {
	t.mu.Lock()
	conn := t.conn
	if conn == nil {
		if err := validateRealtimeURL(t.cfg.URL); err != nil {
			t.mu.Unlock()
			t.logger.Error().Err(err).Msg("cannot create realtime connection")
			return nil
		}

		runCtx, cancel := context.WithCancel(context.Background())
		conn = &Connection{
			cancel: cancel,
			done:   make(chan struct{}),
			first:  make(chan struct{}),
		}
		t.conn = conn
		go t.run(runCtx, conn)
	}
	t.mu.Unlock()

	select {
	case <-conn.first:
	case <-ctx.Done():
	}
	return conn
}

// Disconnect tears the connection down and waits for its goroutines to stop.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return
	}
	conn.cancel()
	<-conn.done
}

// IsConnected reports whether a live link exists.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	return conn.Connected()
}

// Connection returns the current connection, or nil before Connect.
func (t *Transport) Connection() *Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// Emit sends an event over the live link.
func (t *Transport) Emit(event protocol.Event) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	frame, err := t.codec.Encode(event)
	if err != nil {
		return err
	}
	if err := conn.enqueue(frame); err != nil {
		return err
	}

	switch ev := event.(type) {
	case protocol.Identify:
		conn.bindUser(ev.UserID)
	case *protocol.Identify:
		conn.bindUser(ev.UserID)
	}
	return nil
}

// On subscribes to an event by name and returns its disposer.
func (t *Transport) On(name string, handler Handler) func() {
	t.subsMu.Lock()
	t.nextSub++
	id := t.nextSub
	if t.subs[name] == nil {
		t.subs[name] = make(map[uint64]Handler)
	}
	t.subs[name][id] = handler
	t.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.subsMu.Lock()
			delete(t.subs[name], id)
			if len(t.subs[name]) == 0 {
				delete(t.subs, name)
			}
			t.subsMu.Unlock()
		})
	}
}

func (t *Transport) dispatch(event protocol.Event) {
	t.subsMu.RLock()
	handlers := make([]Handler, 0, len(t.subs[event.EventName()]))
	for _, h := range t.subs[event.EventName()] {
		handlers = append(handlers, h)
	}
	t.subsMu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

func (t *Transport) run(ctx context.Context, conn *Connection) {
	defer close(conn.done)
	defer conn.markFirstAttempt()

	backoff := t.cfg.ReconnectMin
	for {
		established, err := t.serve(ctx, conn)
		conn.markFirstAttempt()
		if ctx.Err() != nil {
			return
		}
		if established {
			backoff = t.cfg.ReconnectMin
		}
		t.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("realtime connection lost")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > t.cfg.ReconnectMax {
			backoff = t.cfg.ReconnectMax
		}
	}
}

// serve runs one link from dial to drop. It reports whether the handshake completed.
func (t *Transport) serve(ctx context.Context, conn *Connection) (bool, error) {
	header := http.Header{}
	if t.tokens != nil {
		if token, err := t.tokens.Token(ctx); err == nil && token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	ws, resp, err := t.cfg.Dialer.DialContext(ctx, t.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dial realtime server: %w", err)
	}

	send := make(chan []byte, t.cfg.SendBuffer)
	conn.attach(send)

	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go t.writer(ctx, ws, send, stop, writerDone)

	established := false
	var readErr error
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			readErr = err
			break
		}

		event, err := t.codec.Decode(raw)
		if err != nil {
			t.logger.Warn().Err(err).Msg("discarding invalid realtime frame")
			continue
		}

		if connected, ok := event.(*protocol.Connected); ok {
			generation := conn.markConnected(connected.ConnectionID)
			established = true
			conn.markFirstAttempt()
			t.logger.Info().Str("connection_id", connected.ConnectionID).Uint64("generation", generation).Msg("realtime connected")
			t.dispatch(LifecycleEvent{Name: EventConnect, ConnectionID: connected.ConnectionID, Generation: generation})
			continue
		}

		t.dispatch(event)
	}

	close(stop)
	<-writerDone
	_ = ws.Close()

	if was, id, generation := conn.markDisconnected(); was {
		t.dispatch(LifecycleEvent{Name: EventDisconnect, ConnectionID: id, Generation: generation})
	}
	return established, readErr
}

func (t *Transport) writer(ctx context.Context, ws *websocket.Conn, send <-chan []byte, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-send:
			_ = ws.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				t.logger.Debug().Err(err).Msg("realtime write failed")
				_ = ws.Close()
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(t.cfg.WriteTimeout)); err != nil {
				t.logger.Debug().Err(err).Msg("realtime ping failed")
				_ = ws.Close()
				return
			}
		case <-ctx.Done():
			flushQueued(ws, send, t.cfg.WriteTimeout)
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout"), time.Now().Add(time.Second))
			_ = ws.Close()
			return
		case <-stop:
			return
		}
	}
}

// flushQueued writes frames already queued before a local close, such as the offline
// announcement sent during logout.
func flushQueued(ws *websocket.Conn, send <-chan []byte, timeout time.Duration) {
	for {
		select {
		case frame := <-send:
			_ = ws.SetWriteDeadline(time.Now().Add(timeout))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func validateRealtimeURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid realtime url: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return fmt.Errorf("invalid realtime url scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("realtime url has no host")
	}
	return nil
}
