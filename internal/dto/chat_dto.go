package dto

import (
	"time"

	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/pkg/protocol"
)

// MessageListQuery filters room history.
type MessageListQuery struct {
	RoomID         string     `validate:"required,max=128"`
	AfterTimestamp *time.Time `validate:"omitempty"`
	Limit          int        `validate:"omitempty,min=1,max=200"`
}

// MessageCreateRequest is the body of POST rooms/:roomId/messages.
type MessageCreateRequest struct {
	ClientID       string     `json:"clientId" validate:"omitempty,max=64"`
	MessageText    string     `json:"messageText" validate:"max=4000,required_without_all=MediaFilesID PollID TableID"`
	MessageType    string     `json:"messageType" validate:"omitempty,oneof=text media poll table announcement"`
	MediaFilesID   *uint64    `json:"mediaFilesId" validate:"omitempty,gt=0"`
	PollID         *uint64    `json:"pollId" validate:"omitempty,gt=0"`
	TableID        *uint64    `json:"tableId" validate:"omitempty,gt=0"`
	ReplyMessageID *uint64    `json:"replyMessageId" validate:"omitempty,gt=0"`
	ScheduledAt    *time.Time `json:"scheduledAt"`
}

// MessageDeleteRequest is the body of DELETE rooms/:roomId/messages.
type MessageDeleteRequest struct {
	MessageIDs []uint64 `json:"messageIds" validate:"required,min=1,max=100,dive,gt=0"`
}

// MessageDeleteResponse lists the ids that were removed.
type MessageDeleteResponse struct {
	DeletedIDs []uint64 `json:"deletedIds"`
}

// ScheduledMessageResponse describes a pending scheduled message.
type ScheduledMessageResponse struct {
	ID          uint64    `json:"id"`
	RoomID      string    `json:"roomId"`
	SenderID    string    `json:"senderId"`
	MessageText string    `json:"messageText"`
	MessageType string    `json:"messageType"`
	ScheduledAt time.Time `json:"scheduledAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

// MessageCreateResponse carries either persisted messages or a scheduled acknowledgment.
type MessageCreateResponse struct {
	Messages         []protocol.Message        `json:"messages"`
	ScheduledMessage *ScheduledMessageResponse `json:"scheduledMessage,omitempty"`
}

// MediaUploadResponse describes a stored attachment.
type MediaUploadResponse struct {
	MediaFilesID uint64 `json:"mediaFilesId"`
	URL          string `json:"url"`
	MimeType     string `json:"mimeType"`
	SizeBytes    int64  `json:"sizeBytes"`
	FileName     string `json:"fileName"`
}

// NewMessageResponse maps a model into its wire form.
func NewMessageResponse(m models.Message) protocol.Message {
	return protocol.Message{
		ID:               m.ID,
		RoomID:           m.RoomID,
		SenderID:         m.SenderID,
		SenderName:       m.SenderName,
		MessageText:      m.MessageText,
		MessageType:      m.MessageType,
		CreatedAt:        m.CreatedAt.UTC(),
		MediaFilesID:     m.MediaFilesID,
		PollID:           m.PollID,
		TableID:          m.TableID,
		ReplyMessageID:   m.ReplyMessageID,
		ReplyMessageText: m.ReplyMessageText,
		ReplySenderName:  m.ReplySenderName,
	}
}

// NewMessageResponseSlice maps a slice of models.
func NewMessageResponseSlice(items []models.Message) []protocol.Message {
	out := make([]protocol.Message, 0, len(items))
	for _, item := range items {
		out = append(out, NewMessageResponse(item))
	}
	return out
}

// NewScheduledMessageResponse maps a scheduled model. Undecodable payloads yield empty content.
func NewScheduledMessageResponse(s models.ScheduledMessage) ScheduledMessageResponse {
	draft, _ := s.Draft()
	return ScheduledMessageResponse{
		ID:          s.ID,
		RoomID:      s.RoomID,
		SenderID:    s.SenderID,
		MessageText: draft.MessageText,
		MessageType: draft.MessageType,
		ScheduledAt: s.ScheduledAt.UTC(),
		CreatedAt:   s.CreatedAt.UTC(),
	}
}

// NewMemberResponse maps a membership row plus its presence flag.
func NewMemberResponse(m models.RoomMember, online bool) protocol.Member {
	return protocol.Member{
		UserID:   m.UserID,
		FullName: m.FullName,
		IsAdmin:  m.IsAdmin,
		IsOnline: online,
	}
}
