package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/noah-isme/gema-chat/pkg/protocol"
)

// APIError is returned for non-2xx REST responses.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api: status %d: %s", e.Status, e.Message)
}

// CreateMessageRequest is the body of POST rooms/:roomId/messages.
type CreateMessageRequest struct {
	ClientID       string     `json:"clientId,omitempty"`
	MessageText    string     `json:"messageText,omitempty"`
	MessageType    string     `json:"messageType,omitempty"`
	MediaFilesID   *uint64    `json:"mediaFilesId,omitempty"`
	PollID         *uint64    `json:"pollId,omitempty"`
	TableID        *uint64    `json:"tableId,omitempty"`
	ReplyMessageID *uint64    `json:"replyMessageId,omitempty"`
	ScheduledAt    *time.Time `json:"scheduledAt,omitempty"`
}

// ScheduledMessage is a message held by the server until its send time.
type ScheduledMessage struct {
	ID          uint64    `json:"id"`
	RoomID      string    `json:"roomId"`
	SenderID    string    `json:"senderId"`
	MessageText string    `json:"messageText"`
	MessageType string    `json:"messageType"`
	ScheduledAt time.Time `json:"scheduledAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CreateMessageResult carries either persisted messages or a scheduled acknowledgment.
type CreateMessageResult struct {
	Messages         []protocol.Message `json:"messages"`
	ScheduledMessage *ScheduledMessage  `json:"scheduledMessage,omitempty"`
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// APIClient calls the chat REST boundary with the session's bearer token.
type APIClient struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

// NewAPIClient builds a REST client rooted at baseURL (for example http://host/api/v1).
func NewAPIClient(baseURL string, tokens TokenSource, httpClient *http.Client) *APIClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		tokens:  tokens,
	}
}

// ListMessages fetches a page of room history created after the given instant.
func (c *APIClient) ListMessages(ctx context.Context, roomID string, after time.Time, limit int) ([]protocol.Message, error) {
	query := url.Values{}
	if !after.IsZero() {
		query.Set("afterTimestamp", after.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var out []protocol.Message
	err := c.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID)+"/messages", query, nil, &out)
	return out, err
}

// CreateMessage persists a message or schedules it.
func (c *APIClient) CreateMessage(ctx context.Context, roomID string, req CreateMessageRequest) (CreateMessageResult, error) {
	var out CreateMessageResult
	err := c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/messages", nil, req, &out)
	return out, err
}

// ListScheduled returns the caller's pending scheduled messages for the room.
func (c *APIClient) ListScheduled(ctx context.Context, roomID string) ([]ScheduledMessage, error) {
	var out []ScheduledMessage
	err := c.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID)+"/scheduled-messages", nil, nil, &out)
	return out, err
}

// DeleteMessages removes messages by durable id.
func (c *APIClient) DeleteMessages(ctx context.Context, roomID string, ids []uint64) error {
	body := struct {
		MessageIDs []uint64 `json:"messageIds"`
	}{MessageIDs: ids}
	return c.do(ctx, http.MethodDelete, "/rooms/"+url.PathEscape(roomID)+"/messages", nil, body, nil)
}

// MarkRead records a read receipt.
func (c *APIClient) MarkRead(ctx context.Context, messageID uint64) error {
	return c.do(ctx, http.MethodPost, "/messages/"+strconv.FormatUint(messageID, 10)+"/mark-read", nil, nil, nil)
}

// ListMembers returns the room's membership snapshot.
func (c *APIClient) ListMembers(ctx context.Context, roomID string) (protocol.RoomMembers, error) {
	var out protocol.RoomMembers
	err := c.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID)+"/members", nil, nil, &out)
	if out.RoomID == "" {
		out.RoomID = roomID
	}
	return out, err
}

func (c *APIClient) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("decode chat api response: %w", err)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !env.Success {
		message := env.Message
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: message}
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode chat api data: %w", err)
		}
	}
	return nil
}
