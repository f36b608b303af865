// Package chatclient is the device-side realtime delivery core: one realtime connection per
// session, presence announcements, room membership, the ordered message store and the
// send dispatcher that keeps them consistent under intermittent connectivity.
package chatclient

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/pkg/protocol"
)

// Config configures a Client.
type Config struct {
	APIBaseURL   string
	RealtimeURL  string
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	HTTPClient   *http.Client
	Hooks        DispatcherHooks
	Logger       zerolog.Logger
}

// Client wires the delivery core for a single app session. After Logout the client is
// spent; build a new one for the next session.
type Client struct {
	Session    *Session
	Transport  *Transport
	Presence   *PresenceTracker
	Members    *MemberCache
	Store      *Store
	Dispatcher *Dispatcher
	API        *APIClient

	logger zerolog.Logger
	scope  Scope
}

// New builds a client around an existing session.
func New(cfg Config, session *Session) (*Client, error) {
	if session == nil {
		session = NewSession()
	}

	transport, err := NewTransport(TransportConfig{
		URL:          cfg.RealtimeURL,
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
	}, session, cfg.Logger)
	if err != nil {
		return nil, err
	}

	api := NewAPIClient(cfg.APIBaseURL, session, cfg.HTTPClient)
	store := NewStore()
	members := NewMemberCache(cfg.Logger)

	c := &Client{
		Session:    session,
		Transport:  transport,
		Presence:   NewPresenceTracker(transport, session, cfg.Logger),
		Members:    members,
		Store:      store,
		Dispatcher: NewDispatcher(api, store, transport, members, session, cfg.Hooks, cfg.Logger),
		API:        api,
		logger:     cfg.Logger.With().Str("component", "chat_client").Logger(),
	}

	c.scope.Add(members.Bind(transport))
	c.scope.Add(BindStore(store, transport))
	c.scope.Add(c.Presence.Close)
	return c, nil
}

// BindStore feeds peer broadcasts and server-side deletions into the store.
func BindStore(store *Store, sub Subscriber) func() {
	var scope Scope
	scope.Add(sub.On(protocol.EventNewMessage, func(event protocol.Event) {
		if incoming, ok := event.(*protocol.NewMessage); ok {
			msg := MessageFromWire(incoming.Message)
			if msg.SenderID == "" {
				msg.SenderID = incoming.Sender.UserID
			}
			if msg.SenderName == "" {
				msg.SenderName = incoming.Sender.UserName
			}
			store.IngestRemote(msg)
		}
	}))
	scope.Add(sub.On(protocol.EventMessagesDeleted, func(event protocol.Event) {
		if deleted, ok := event.(*protocol.MessagesDeleted); ok {
			store.RemoveDurable(deleted.RoomID, deleted.MessageIDs)
		}
	}))
	return scope.Close
}

// Start connects and announces the user online. A failed connection leaves the client in
// REST-only mode; the transport keeps retrying in the background.
func (c *Client) Start(ctx context.Context) error {
	if c.Session.UserID() == "" {
		return ErrNoIdentity
	}
	if c.Transport.Connect(ctx) == nil {
		c.logger.Warn().Msg("realtime unavailable, continuing without live updates")
	}
	return c.Presence.SetOnline(ctx, "")
}

// OpenRoom joins the room, loads its members and its latest history.
func (c *Client) OpenRoom(ctx context.Context, roomID string, historyLimit int) error {
	if err := c.Presence.JoinRoom(ctx, roomID); err != nil {
		c.logger.Warn().Err(err).Str("room_id", roomID).Msg("joined room without realtime")
	}
	if err := c.Members.Load(ctx, roomID, c.API); err != nil {
		return err
	}
	_, err := c.LoadHistory(ctx, roomID, time.Time{}, historyLimit)
	return err
}

// CloseRoom leaves the room's broadcast group. Cached messages stay available.
func (c *Client) CloseRoom(ctx context.Context, roomID string) error {
	return c.Presence.LeaveRoom(ctx, roomID)
}

// LoadHistory fetches messages created after the instant and merges them into the store.
func (c *Client) LoadHistory(ctx context.Context, roomID string, after time.Time, limit int) (int, error) {
	page, err := c.API.ListMessages(ctx, roomID, after, limit)
	if err != nil {
		return 0, err
	}
	return c.Store.MergeFetched(roomID, messagesFromWire(page)), nil
}

// ScheduledMessages lists the user's pending scheduled messages for the room.
func (c *Client) ScheduledMessages(ctx context.Context, roomID string) ([]ScheduledMessage, error) {
	return c.API.ListScheduled(ctx, roomID)
}

// Logout announces offline, drops every subscription and connection, clears cached state
// and forgets the identity.
func (c *Client) Logout(ctx context.Context) {
	if err := c.Presence.SetOffline(ctx, ""); err != nil {
		c.logger.Debug().Err(err).Msg("offline announcement failed during logout")
	}
	c.scope.Close()
	c.Transport.Disconnect()
	c.Store.Clear()
	c.Members.Clear()
	c.Session.Reset()
}
