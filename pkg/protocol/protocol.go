// Package protocol defines the realtime wire format shared by the chat server and its clients.
//
// Every frame is a JSON envelope {"event": name, "data": payload}. Payloads are decoded into
// one concrete type per event so the rest of the system never handles untyped maps.
package protocol

import "time"

// Event names exchanged over the realtime connection.
const (
	EventJoinRoom       = "joinRoom"
	EventLeaveRoom      = "leaveRoom"
	EventSendMessage    = "sendMessage"
	EventIdentify       = "identify"
	EventSetUserOnline  = "setUserOnline"
	EventSetUserOffline = "setUserOffline"

	EventConnected              = "connected"
	EventOnlineUsers            = "onlineUsers"
	EventRoomMembers            = "roomMembers"
	EventNewMessage             = "newMessage"
	EventUserOnlineStatusUpdate = "userOnlineStatusUpdate"
	EventUserOffline            = "userOffline"
	EventMessagesDeleted        = "messagesDeleted"
	EventError                  = "error"
)

// Message types carried by chat messages.
const (
	MessageTypeText         = "text"
	MessageTypeMedia        = "media"
	MessageTypePoll         = "poll"
	MessageTypeTable        = "table"
	MessageTypeAnnouncement = "announcement"
)

// Event is implemented by every payload that can travel inside an envelope.
type Event interface {
	EventName() string
}

// Sender identifies the author of a broadcast message.
type Sender struct {
	UserID   string `json:"userId" validate:"required,max=64"`
	UserName string `json:"userName" validate:"max=128"`
}

// Message is the durable representation of a chat message on the wire.
// Temporary client ids never appear here.
type Message struct {
	ID               uint64    `json:"id" validate:"required"`
	RoomID           string    `json:"roomId" validate:"required,max=128"`
	SenderID         string    `json:"senderId" validate:"max=64"`
	SenderName       string    `json:"senderName" validate:"max=128"`
	MessageText      string    `json:"messageText" validate:"max=4000"`
	MessageType      string    `json:"messageType" validate:"omitempty,oneof=text media poll table announcement"`
	CreatedAt        time.Time `json:"createdAt" validate:"required"`
	MediaFilesID     *uint64   `json:"mediaFilesId,omitempty"`
	PollID           *uint64   `json:"pollId,omitempty"`
	TableID          *uint64   `json:"tableId,omitempty"`
	ReplyMessageID   *uint64   `json:"replyMessageId,omitempty"`
	ReplyMessageText string    `json:"replyMessageText,omitempty"`
	ReplySenderName  string    `json:"replySenderName,omitempty"`
}

// Member is a single entry of a room membership snapshot.
type Member struct {
	UserID   string `json:"userId" validate:"required,max=64"`
	FullName string `json:"fullName" validate:"max=128"`
	IsAdmin  bool   `json:"isAdmin"`
	IsOnline bool   `json:"isOnline"`
}

// JoinRoom attaches the connection to a room's broadcast group.
type JoinRoom struct {
	RoomID   string `json:"roomId" validate:"required,max=128"`
	UserID   string `json:"userId" validate:"required,max=64"`
	UserName string `json:"userName" validate:"max=128"`
}

// LeaveRoom detaches the connection from a room.
type LeaveRoom struct {
	RoomID string `json:"roomId" validate:"required,max=128"`
	UserID string `json:"userId" validate:"required,max=64"`
}

// SendMessage asks the server to fan a persisted message out to the room.
type SendMessage struct {
	RoomID  string  `json:"roomId" validate:"required,max=128"`
	Message Message `json:"message"`
	Sender  Sender  `json:"sender"`
}

// Identify binds an authenticated user to the connection.
type Identify struct {
	UserID string `json:"userId" validate:"required,max=64"`
}

// SetUserOnline announces the user as online.
type SetUserOnline struct {
	UserID string `json:"userId" validate:"required,max=64"`
}

// SetUserOffline announces the user as offline.
type SetUserOffline struct {
	UserID string `json:"userId" validate:"required,max=64"`
}

// Connected is the first frame sent by the server and carries the connection id.
type Connected struct {
	ConnectionID string `json:"connectionId" validate:"required"`
}

// OnlineUsers is a room-scoped presence snapshot.
type OnlineUsers struct {
	RoomID       string   `json:"roomId" validate:"required,max=128"`
	OnlineUsers  []string `json:"onlineUsers"`
	TotalMembers *int     `json:"totalMembers,omitempty"`
}

// RoomMembers is the authoritative membership snapshot for a room. AdminOnly rooms accept
// posts from admins only.
type RoomMembers struct {
	RoomID    string   `json:"roomId" validate:"required,max=128"`
	AdminOnly bool     `json:"adminOnly"`
	Members   []Member `json:"members" validate:"dive"`
}

// NewMessage delivers a confirmed message to room peers.
type NewMessage struct {
	Message
	Sender Sender `json:"sender"`
}

// UserOnlineStatusUpdate patches a single user's presence.
type UserOnlineStatusUpdate struct {
	UserID   string `json:"userId" validate:"required,max=64"`
	IsOnline bool   `json:"isOnline"`
}

// UserOffline reports a user leaving a room's online set.
type UserOffline struct {
	RoomID string `json:"roomId" validate:"required,max=128"`
	UserID string `json:"userId" validate:"required,max=64"`
}

// MessagesDeleted reports durable ids removed from a room.
type MessagesDeleted struct {
	RoomID     string   `json:"roomId" validate:"required,max=128"`
	MessageIDs []uint64 `json:"messageIds" validate:"required,min=1"`
}

// Error reports a rejected client event.
type Error struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

func (JoinRoom) EventName() string               { return EventJoinRoom }
func (LeaveRoom) EventName() string              { return EventLeaveRoom }
func (SendMessage) EventName() string            { return EventSendMessage }
func (Identify) EventName() string               { return EventIdentify }
func (SetUserOnline) EventName() string          { return EventSetUserOnline }
func (SetUserOffline) EventName() string         { return EventSetUserOffline }
func (Connected) EventName() string              { return EventConnected }
func (OnlineUsers) EventName() string            { return EventOnlineUsers }
func (RoomMembers) EventName() string            { return EventRoomMembers }
func (NewMessage) EventName() string             { return EventNewMessage }
func (UserOnlineStatusUpdate) EventName() string { return EventUserOnlineStatusUpdate }
func (UserOffline) EventName() string            { return EventUserOffline }
func (MessagesDeleted) EventName() string        { return EventMessagesDeleted }
func (Error) EventName() string                  { return EventError }

var clientEvents = map[string]struct{}{
	EventJoinRoom:       {},
	EventLeaveRoom:      {},
	EventSendMessage:    {},
	EventIdentify:       {},
	EventSetUserOnline:  {},
	EventSetUserOffline: {},
}

// IsClientEvent reports whether name may be sent from a client to the server.
func IsClientEvent(name string) bool {
	_, ok := clientEvents[name]
	return ok
}
