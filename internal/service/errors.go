package service

import "errors"

var (
	// ErrRoomNotFound indicates the room does not exist.
	ErrRoomNotFound = errors.New("room not found")
	// ErrNotRoomMember indicates the caller is not a member of the room.
	ErrNotRoomMember = errors.New("not a member of this room")
	// ErrAdminOnlyRoom indicates a non-admin tried to post into an admin-only room.
	ErrAdminOnlyRoom = errors.New("only room admins can post in this room")
	// ErrMessageNotFound indicates the referenced message does not exist in the room.
	ErrMessageNotFound = errors.New("message not found")
	// ErrNotMessageAuthor indicates a non-admin tried to delete someone else's message.
	ErrNotMessageAuthor = errors.New("only the author or a room admin can delete this message")
	// ErrEmptyMessage indicates the message has no content after sanitisation.
	ErrEmptyMessage = errors.New("message content empty after sanitization")
	// ErrMediaNotFound indicates the referenced attachment does not exist in the room.
	ErrMediaNotFound = errors.New("media file not found")
	// ErrMediaDisabled indicates no storage backend is configured for uploads.
	ErrMediaDisabled = errors.New("media uploads are disabled")
	// ErrUploadTooLarge indicates the payload exceeded the configured limit.
	ErrUploadTooLarge = errors.New("file exceeds maximum allowed size")
	// ErrUploadTypeNotAllowed indicates the MIME type is not permitted.
	ErrUploadTypeNotAllowed = errors.New("file type not allowed")
	// ErrIdentityMismatch indicates a realtime event named a user other than the authenticated one.
	ErrIdentityMismatch = errors.New("event user does not match the authenticated user")
	// ErrRoomNotJoined indicates a realtime event targeted a room the connection has not joined.
	ErrRoomNotJoined = errors.New("room not joined on this connection")
)

// Actor identifies the authenticated caller of a service operation.
type Actor struct {
	UserID string
	Name   string
}
