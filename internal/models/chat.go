package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Message types accepted by the chat service.
const (
	MessageTypeText         = "text"
	MessageTypeMedia        = "media"
	MessageTypePoll         = "poll"
	MessageTypeTable        = "table"
	MessageTypeAnnouncement = "announcement"
)

// Scheduled message lifecycle states.
const (
	ScheduledStatusPending = "pending"
	ScheduledStatusSent    = "sent"
	ScheduledStatusFailed  = "failed"
)

// Room is a chat room. Admin-only rooms accept posts from room admins only.
type Room struct {
	ID        string       `gorm:"primaryKey;size:128" json:"id"`
	Name      string       `gorm:"size:255;not null" json:"name"`
	AdminOnly bool         `gorm:"not null;default:false" json:"admin_only"`
	Members   []RoomMember `gorm:"foreignKey:RoomID" json:"members,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// RoomMember links a user to a room.
type RoomMember struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	RoomID    string    `gorm:"size:128;not null;uniqueIndex:idx_room_member" json:"room_id"`
	UserID    string    `gorm:"size:64;not null;uniqueIndex:idx_room_member;index" json:"user_id"`
	FullName  string    `gorm:"size:128" json:"full_name"`
	IsAdmin   bool      `gorm:"not null;default:false" json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a durable chat message.
type Message struct {
	ID               uint64    `gorm:"primaryKey" json:"id"`
	RoomID           string    `gorm:"size:128;not null;index:idx_message_room_created" json:"room_id"`
	SenderID         string    `gorm:"size:64;index" json:"sender_id"`
	SenderName       string    `gorm:"size:128" json:"sender_name"`
	MessageText      string    `gorm:"type:text" json:"message_text"`
	MessageType      string    `gorm:"size:32;default:text" json:"message_type"`
	MediaFilesID     *uint64   `json:"media_files_id,omitempty"`
	PollID           *uint64   `json:"poll_id,omitempty"`
	TableID          *uint64   `json:"table_id,omitempty"`
	ReplyMessageID   *uint64   `json:"reply_message_id,omitempty"`
	ReplyMessageText string    `gorm:"type:text" json:"reply_message_text,omitempty"`
	ReplySenderName  string    `gorm:"size:128" json:"reply_sender_name,omitempty"`
	CreatedAt        time.Time `gorm:"index:idx_message_room_created" json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// MessageDraft is the content of a message that has not been persisted yet.
type MessageDraft struct {
	MessageText      string  `json:"messageText"`
	MessageType      string  `json:"messageType"`
	MediaFilesID     *uint64 `json:"mediaFilesId,omitempty"`
	PollID           *uint64 `json:"pollId,omitempty"`
	TableID          *uint64 `json:"tableId,omitempty"`
	ReplyMessageID   *uint64 `json:"replyMessageId,omitempty"`
	ReplyMessageText string  `json:"replyMessageText,omitempty"`
	ReplySenderName  string  `json:"replySenderName,omitempty"`
}

// ScheduledMessage holds a draft until its send time.
type ScheduledMessage struct {
	ID            uint64         `gorm:"primaryKey" json:"id"`
	RoomID        string         `gorm:"size:128;not null;index" json:"room_id"`
	SenderID      string         `gorm:"size:64;not null;index" json:"sender_id"`
	SenderName    string         `gorm:"size:128" json:"sender_name"`
	Payload       datatypes.JSON `gorm:"type:json" json:"payload"`
	ScheduledAt   time.Time      `gorm:"index;not null" json:"scheduled_at"`
	Status        string         `gorm:"size:16;not null;default:pending;index" json:"status"`
	SentMessageID *uint64        `json:"sent_message_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// SetDraft stores the draft as the JSON payload.
func (s *ScheduledMessage) SetDraft(draft MessageDraft) error {
	raw, err := json.Marshal(draft)
	if err != nil {
		return err
	}
	s.Payload = datatypes.JSON(raw)
	return nil
}

// Draft decodes the JSON payload.
func (s ScheduledMessage) Draft() (MessageDraft, error) {
	var draft MessageDraft
	if len(s.Payload) == 0 {
		return draft, nil
	}
	err := json.Unmarshal(s.Payload, &draft)
	return draft, err
}

// MessageRead is a read receipt, unique per message and user.
type MessageRead struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	MessageID uint64    `gorm:"not null;uniqueIndex:idx_message_read" json:"message_id"`
	UserID    string    `gorm:"size:64;not null;uniqueIndex:idx_message_read" json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}

// MediaFile is an uploaded attachment referenced by media messages.
type MediaFile struct {
	ID         uint64    `gorm:"primaryKey" json:"id"`
	RoomID     string    `gorm:"size:128;not null;index" json:"room_id"`
	UploaderID string    `gorm:"size:64;not null" json:"uploader_id"`
	FileName   string    `gorm:"size:255" json:"file_name"`
	URL        string    `gorm:"size:1024;not null" json:"url"`
	MimeType   string    `gorm:"size:128" json:"mime_type"`
	SizeBytes  int64     `json:"size_bytes"`
	Checksum   string    `gorm:"size:64" json:"checksum"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChatModels lists every model that needs migrating.
func ChatModels() []interface{} {
	return []interface{}{
		&Room{},
		&RoomMember{},
		&Message{},
		&ScheduledMessage{},
		&MessageRead{},
		&MediaFile{},
	}
}
