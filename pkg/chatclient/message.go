package chatclient

import (
	"fmt"
	"time"

	"github.com/noah-isme/gema-chat/pkg/protocol"
)

// MessageState tells whether a message has been confirmed by the server.
type MessageState int

const (
	// Pending messages exist only on this device and carry a local id.
	Pending MessageState = iota + 1
	// Confirmed messages carry the durable id assigned by the server.
	Confirmed
)

func (s MessageState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// MessageKey identifies a message. Exactly one of LocalID and ID is meaningful,
// selected by State.
type MessageKey struct {
	State   MessageState
	LocalID string
	ID      uint64
}

// PendingKey builds the key of an optimistic message.
func PendingKey(localID string) MessageKey {
	return MessageKey{State: Pending, LocalID: localID}
}

// ConfirmedKey builds the key of a server-confirmed message.
func ConfirmedKey(id uint64) MessageKey {
	return MessageKey{State: Confirmed, ID: id}
}

// IsPending reports whether the key refers to an unconfirmed message.
func (k MessageKey) IsPending() bool {
	return k.State == Pending
}

func (k MessageKey) String() string {
	if k.State == Pending {
		return "pending:" + k.LocalID
	}
	return fmt.Sprintf("confirmed:%d", k.ID)
}

// ReplyPreview is the denormalised excerpt of the message being replied to.
type ReplyPreview struct {
	MessageID  uint64
	Text       string
	SenderName string
}

// Message is the client-side representation of a chat message.
type Message struct {
	Key          MessageKey
	RoomID       string
	SenderID     string
	SenderName   string
	Text         string
	Type         string
	CreatedAt    time.Time
	MediaFilesID *uint64
	PollID       *uint64
	TableID      *uint64
	Reply        *ReplyPreview
}

// MessageFromWire converts a durable wire message into a confirmed client message.
func MessageFromWire(m protocol.Message) Message {
	msg := Message{
		Key:          ConfirmedKey(m.ID),
		RoomID:       m.RoomID,
		SenderID:     m.SenderID,
		SenderName:   m.SenderName,
		Text:         m.MessageText,
		Type:         m.MessageType,
		CreatedAt:    m.CreatedAt,
		MediaFilesID: m.MediaFilesID,
		PollID:       m.PollID,
		TableID:      m.TableID,
	}
	if msg.Type == "" {
		msg.Type = protocol.MessageTypeText
	}
	if m.ReplyMessageID != nil {
		msg.Reply = &ReplyPreview{
			MessageID:  *m.ReplyMessageID,
			Text:       m.ReplyMessageText,
			SenderName: m.ReplySenderName,
		}
	}
	return msg
}

// Wire converts a confirmed message back into its wire form.
func (m Message) Wire() (protocol.Message, error) {
	if m.Key.State != Confirmed {
		return protocol.Message{}, fmt.Errorf("message %s is not confirmed", m.Key)
	}

	out := protocol.Message{
		ID:           m.Key.ID,
		RoomID:       m.RoomID,
		SenderID:     m.SenderID,
		SenderName:   m.SenderName,
		MessageText:  m.Text,
		MessageType:  m.Type,
		CreatedAt:    m.CreatedAt,
		MediaFilesID: m.MediaFilesID,
		PollID:       m.PollID,
		TableID:      m.TableID,
	}
	if m.Reply != nil {
		id := m.Reply.MessageID
		out.ReplyMessageID = &id
		out.ReplyMessageText = m.Reply.Text
		out.ReplySenderName = m.Reply.SenderName
	}
	return out, nil
}

func messagesFromWire(in []protocol.Message) []Message {
	out := make([]Message, 0, len(in))
	for _, m := range in {
		out = append(out, MessageFromWire(m))
	}
	return out
}
