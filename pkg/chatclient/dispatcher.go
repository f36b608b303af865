package chatclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/pkg/protocol"
)

var (
	// ErrPermissionDenied is returned when the user may not act in an admin-only room.
	ErrPermissionDenied = errors.New("only room admins can do this")
	// ErrEmptyPayload is returned when a send carries no text and no reference.
	ErrEmptyPayload = errors.New("message has no content")
	// ErrSendFailed wraps the persistence error of a failed send.
	ErrSendFailed = errors.New("message could not be sent")
)

// MessageAPI is the REST surface the dispatcher persists through.
type MessageAPI interface {
	CreateMessage(ctx context.Context, roomID string, req CreateMessageRequest) (CreateMessageResult, error)
	DeleteMessages(ctx context.Context, roomID string, ids []uint64) error
	MarkRead(ctx context.Context, messageID uint64) error
}

// Emitter is the sending half of the transport.
type Emitter interface {
	Emit(event protocol.Event) error
	IsConnected() bool
}

// PostingPolicy answers whether a user may post into a room.
type PostingPolicy interface {
	CanPost(roomID, userID string) bool
}

// DispatcherHooks lets the UI react to send outcomes. Nil hooks are skipped.
type DispatcherHooks struct {
	SendFailed       func(roomID, restoreText string, err error)
	PermissionDenied func(roomID string, err error)
	ScheduledChanged func(roomID string)
}

// SendRequest is a composed message.
type SendRequest struct {
	RoomID       string
	Text         string
	Type         string
	MediaFilesID *uint64
	PollID       *uint64
	TableID      *uint64
	Reply        *ReplyPreview
	ScheduledAt  *time.Time
}

func (r SendRequest) hasContent() bool {
	return strings.TrimSpace(r.Text) != "" || r.MediaFilesID != nil || r.PollID != nil || r.TableID != nil
}

func (r SendRequest) messageType() string {
	switch {
	case r.Type != "":
		return r.Type
	case r.MediaFilesID != nil:
		return protocol.MessageTypeMedia
	case r.PollID != nil:
		return protocol.MessageTypePoll
	case r.TableID != nil:
		return protocol.MessageTypeTable
	default:
		return protocol.MessageTypeText
	}
}

// SendState is the terminal state of a send attempt.
type SendState int

const (
	SendComposing SendState = iota
	SendOptimisticInserted
	SendPersisting
	SendConfirmed
	SendScheduled
	SendFailed
)

func (s SendState) String() string {
	switch s {
	case SendComposing:
		return "composing"
	case SendOptimisticInserted:
		return "optimistic-inserted"
	case SendPersisting:
		return "persisting"
	case SendConfirmed:
		return "confirmed"
	case SendScheduled:
		return "scheduled"
	case SendFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SendResult describes how a send ended.
type SendResult struct {
	State       SendState
	LocalID     string
	Messages    []Message
	Scheduled   *ScheduledMessage
	RestoreText string
}

// Dispatcher orchestrates sends, deletes and read receipts across the store, the REST API
// and the realtime link.
type Dispatcher struct {
	api     MessageAPI
	store   *Store
	link    Emitter
	policy  PostingPolicy
	session *Session
	hooks   DispatcherHooks
	logger  zerolog.Logger
	now     func() time.Time
	localID func() string
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(api MessageAPI, store *Store, link Emitter, policy PostingPolicy, session *Session, hooks DispatcherHooks, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		api:     api,
		store:   store,
		link:    link,
		policy:  policy,
		session: session,
		hooks:   hooks,
		logger:  logger.With().Str("component", "message_dispatcher").Logger(),
		now:     time.Now,
		localID: func() string { return "temp-" + uuid.NewString() },
	}
}

// Send runs a send from optimistic insert to its terminal state. Failures are terminal for
// the attempt; retrying is up to the user.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	userID := d.session.UserID()
	if userID == "" {
		return SendResult{State: SendComposing, RestoreText: req.Text}, ErrNoIdentity
	}
	if err := d.authorise(req.RoomID, userID); err != nil {
		return SendResult{State: SendComposing, RestoreText: req.Text}, err
	}
	if !req.hasContent() {
		return SendResult{State: SendComposing, RestoreText: req.Text}, ErrEmptyPayload
	}

	localID := d.localID()
	log := d.logger.With().Str("room_id", req.RoomID).Str("local_id", localID).Logger()

	optimistic := Message{
		Key:          PendingKey(localID),
		RoomID:       req.RoomID,
		SenderID:     userID,
		SenderName:   d.session.UserName(),
		Text:         strings.TrimSpace(req.Text),
		Type:         req.messageType(),
		CreatedAt:    d.now(),
		MediaFilesID: req.MediaFilesID,
		PollID:       req.PollID,
		TableID:      req.TableID,
		Reply:        req.Reply,
	}
	if err := d.store.AddOptimistic(optimistic); err != nil {
		return SendResult{State: SendComposing, RestoreText: req.Text}, err
	}
	log.Debug().Stringer("state", SendOptimisticInserted).Msg("send progressed")

	create := CreateMessageRequest{
		ClientID:     localID,
		MessageText:  optimistic.Text,
		MessageType:  optimistic.Type,
		MediaFilesID: req.MediaFilesID,
		PollID:       req.PollID,
		TableID:      req.TableID,
		ScheduledAt:  req.ScheduledAt,
	}
	if req.Reply != nil {
		id := req.Reply.MessageID
		create.ReplyMessageID = &id
	}

	log.Debug().Stringer("state", SendPersisting).Msg("send progressed")
	result, err := d.api.CreateMessage(ctx, req.RoomID, create)
	if err != nil {
		d.store.RetirePending(req.RoomID, localID)
		log.Warn().Err(err).Stringer("state", SendFailed).Msg("send failed")
		if d.hooks.SendFailed != nil {
			d.hooks.SendFailed(req.RoomID, req.Text, err)
		}
		return SendResult{State: SendFailed, LocalID: localID, RestoreText: req.Text}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	if result.ScheduledMessage != nil {
		d.store.RetirePending(req.RoomID, localID)
		log.Debug().Stringer("state", SendScheduled).Msg("send progressed")
		if d.hooks.ScheduledChanged != nil {
			d.hooks.ScheduledChanged(req.RoomID)
		}
		return SendResult{State: SendScheduled, LocalID: localID, Scheduled: result.ScheduledMessage}, nil
	}

	confirmed := messagesFromWire(result.Messages)
	d.store.Reconcile(req.RoomID, confirmed)
	log.Debug().Stringer("state", SendConfirmed).Int("messages", len(confirmed)).Msg("send progressed")

	sender := protocol.Sender{UserID: userID, UserName: d.session.UserName()}
	for _, msg := range result.Messages {
		if msg.RoomID == "" {
			msg.RoomID = req.RoomID
		}
		if err := d.link.Emit(protocol.SendMessage{RoomID: req.RoomID, Message: msg, Sender: sender}); err != nil {
			log.Warn().Err(err).Uint64("message_id", msg.ID).Msg("message persisted but not broadcast")
		}
	}

	return SendResult{State: SendConfirmed, LocalID: localID, Messages: confirmed}, nil
}

// Delete removes messages on the server and, only after it succeeds, from the store.
func (d *Dispatcher) Delete(ctx context.Context, roomID string, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	userID := d.session.UserID()
	if userID == "" {
		return ErrNoIdentity
	}
	if err := d.authorise(roomID, userID); err != nil {
		return err
	}

	if err := d.api.DeleteMessages(ctx, roomID, ids); err != nil {
		d.logger.Warn().Err(err).Str("room_id", roomID).Msg("delete failed")
		return err
	}

	d.store.RemoveDurable(roomID, ids)
	return nil
}

// MarkRead records a read receipt for a confirmed message.
func (d *Dispatcher) MarkRead(ctx context.Context, messageID uint64) error {
	if err := d.api.MarkRead(ctx, messageID); err != nil {
		d.logger.Warn().Err(err).Uint64("message_id", messageID).Msg("mark read failed")
		return err
	}
	return nil
}

// authorise rejects the action locally, before any network call, when the room's last
// snapshot says the user may not post there.
func (d *Dispatcher) authorise(roomID, userID string) error {
	if d.policy == nil || d.policy.CanPost(roomID, userID) {
		return nil
	}
	if d.hooks.PermissionDenied != nil {
		d.hooks.PermissionDenied(roomID, ErrPermissionDenied)
	}
	return ErrPermissionDenied
}
