package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/handler"
	"github.com/noah-isme/gema-chat/internal/service"
	"github.com/noah-isme/gema-chat/pkg/protocol"
)

type mockMessageService struct {
	lastActor  service.Actor
	lastQuery  dto.MessageListQuery
	lastRoom   string
	lastCreate dto.MessageCreateRequest
	lastDelete dto.MessageDeleteRequest
	lastRead   uint64
	list       []protocol.Message
	create     dto.MessageCreateResponse
	err        error
}

func (m *mockMessageService) List(_ context.Context, actor service.Actor, query dto.MessageListQuery) ([]protocol.Message, error) {
	m.lastActor, m.lastQuery = actor, query
	return m.list, m.err
}

func (m *mockMessageService) Create(_ context.Context, actor service.Actor, roomID string, req dto.MessageCreateRequest) (dto.MessageCreateResponse, error) {
	m.lastActor, m.lastRoom, m.lastCreate = actor, roomID, req
	return m.create, m.err
}

func (m *mockMessageService) Scheduled(_ context.Context, actor service.Actor, roomID string) ([]dto.ScheduledMessageResponse, error) {
	m.lastActor, m.lastRoom = actor, roomID
	return []dto.ScheduledMessageResponse{}, m.err
}

func (m *mockMessageService) Delete(_ context.Context, actor service.Actor, roomID string, req dto.MessageDeleteRequest) (dto.MessageDeleteResponse, error) {
	m.lastActor, m.lastRoom, m.lastDelete = actor, roomID, req
	if m.err != nil {
		return dto.MessageDeleteResponse{}, m.err
	}
	return dto.MessageDeleteResponse{DeletedIDs: req.MessageIDs}, nil
}

func (m *mockMessageService) MarkRead(_ context.Context, actor service.Actor, messageID uint64) error {
	m.lastActor, m.lastRead = actor, messageID
	return m.err
}

type mockRoomService struct {
	service.RoomService
	members protocol.RoomMembers
	err     error
}

func (m *mockRoomService) Members(_ context.Context, _ service.Actor, _ string) (protocol.RoomMembers, error) {
	return m.members, m.err
}

type mockMediaService struct {
	fileName string
	err      error
}

func (m *mockMediaService) Upload(_ context.Context, _ service.Actor, _ string, file *multipart.FileHeader) (dto.MediaUploadResponse, error) {
	if m.err != nil {
		return dto.MediaUploadResponse{}, m.err
	}
	m.fileName = file.Filename
	return dto.MediaUploadResponse{MediaFilesID: 5, URL: "https://cdn.example.com/" + file.Filename}, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Meta    json.RawMessage `json:"meta"`
	Details json.RawMessage `json:"details"`
}

func chatApp(messages service.MessageService, rooms service.RoomService, media service.MediaService) *fiber.App {
	logger := zerolog.New(io.Discard)
	app := fiber.New()
	group := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Locals("user_id", "bob")
		c.Locals("user_name", "Bob")
		return c.Next()
	})
	handler.NewMessageHandler(messages, rooms, logger).Register(group, nil)
	handler.NewMediaHandler(media, logger).Register(group)
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, target string, body interface{}) (*http.Response, envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req)
	require.NoError(t, err)

	var out envelope
	decodeResponse(t, resp, &out)
	return resp, out
}

func decodeResponse(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(target))
}

func TestMessageHandler_ListParsesQuery(t *testing.T) {
	svc := &mockMessageService{list: []protocol.Message{{ID: 1, RoomID: "r1", MessageText: "hi"}}}
	app := chatApp(svc, &mockRoomService{}, &mockMediaService{})

	resp, body := doJSON(t, app, http.MethodGet, "/api/v1/rooms/r1/messages?afterTimestamp=2024-05-01T09:00:00.5Z&limit=20", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.True(t, body.Success)
	require.Equal(t, "r1", svc.lastQuery.RoomID)
	require.Equal(t, 20, svc.lastQuery.Limit)
	require.NotNil(t, svc.lastQuery.AfterTimestamp)
	require.Equal(t, time.Date(2024, 5, 1, 9, 0, 0, 500_000_000, time.UTC), svc.lastQuery.AfterTimestamp.UTC())
	require.Equal(t, service.Actor{UserID: "bob", Name: "Bob"}, svc.lastActor)

	var messages []protocol.Message
	require.NoError(t, json.Unmarshal(body.Data, &messages))
	require.Len(t, messages, 1)

	resp, _ = doJSON(t, app, http.MethodGet, "/api/v1/rooms/r1/messages?afterTimestamp=yesterday", nil)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestMessageHandler_CreateStatuses(t *testing.T) {
	svc := &mockMessageService{create: dto.MessageCreateResponse{Messages: []protocol.Message{{ID: 9, RoomID: "r1"}}}}
	app := chatApp(svc, &mockRoomService{}, &mockMediaService{})

	resp, body := doJSON(t, app, http.MethodPost, "/api/v1/rooms/r1/messages", map[string]interface{}{"messageText": "hello", "clientId": "tmp-1"})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	require.Equal(t, "hello", svc.lastCreate.MessageText)
	require.Equal(t, "r1", svc.lastRoom)

	var created dto.MessageCreateResponse
	require.NoError(t, json.Unmarshal(body.Data, &created))
	require.Equal(t, uint64(9), created.Messages[0].ID)

	svc.create = dto.MessageCreateResponse{Messages: []protocol.Message{}, ScheduledMessage: &dto.ScheduledMessageResponse{ID: 3}}
	resp, _ = doJSON(t, app, http.MethodPost, "/api/v1/rooms/r1/messages", map[string]interface{}{"messageText": "later"})
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
}

func TestMessageHandler_MapsServiceErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"not member", service.ErrNotRoomMember, fiber.StatusForbidden},
		{"admin only", service.ErrAdminOnlyRoom, fiber.StatusForbidden},
		{"room missing", service.ErrRoomNotFound, fiber.StatusNotFound},
		{"empty", service.ErrEmptyMessage, fiber.StatusBadRequest},
		{"internal", context.DeadlineExceeded, fiber.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &mockMessageService{err: tc.err}
			app := chatApp(svc, &mockRoomService{}, &mockMediaService{})

			resp, body := doJSON(t, app, http.MethodPost, "/api/v1/rooms/r1/messages", map[string]interface{}{"messageText": "x"})
			require.Equal(t, tc.status, resp.StatusCode)
			require.False(t, body.Success)
		})
	}
}

func TestMessageHandler_ValidationDetails(t *testing.T) {
	validationErr := validator.New().Struct(dto.MessageDeleteRequest{})
	require.Error(t, validationErr)

	svc := &mockMessageService{err: validationErr}
	app := chatApp(svc, &mockRoomService{}, &mockMediaService{})

	resp, body := doJSON(t, app, http.MethodDelete, "/api/v1/rooms/r1/messages", map[string]interface{}{"messageIds": []uint64{}})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	var details map[string]string
	require.NoError(t, json.Unmarshal(body.Details, &details))
	require.Equal(t, "required", details["MessageIDs"])
}

func TestMessageHandler_DeleteMarkReadMembersScheduled(t *testing.T) {
	svc := &mockMessageService{}
	rooms := &mockRoomService{members: protocol.RoomMembers{RoomID: "r1", AdminOnly: true, Members: []protocol.Member{{UserID: "alice", IsAdmin: true}}}}
	app := chatApp(svc, rooms, &mockMediaService{})

	resp, body := doJSON(t, app, http.MethodDelete, "/api/v1/rooms/r1/messages", map[string]interface{}{"messageIds": []uint64{4, 5}})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, []uint64{4, 5}, svc.lastDelete.MessageIDs)
	var deleted dto.MessageDeleteResponse
	require.NoError(t, json.Unmarshal(body.Data, &deleted))
	require.Equal(t, []uint64{4, 5}, deleted.DeletedIDs)

	resp, _ = doJSON(t, app, http.MethodPost, "/api/v1/messages/12/mark-read", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, uint64(12), svc.lastRead)

	resp, _ = doJSON(t, app, http.MethodPost, "/api/v1/messages/abc/mark-read", nil)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, body = doJSON(t, app, http.MethodGet, "/api/v1/rooms/r1/members", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var members protocol.RoomMembers
	require.NoError(t, json.Unmarshal(body.Data, &members))
	require.Equal(t, rooms.members, members)
	require.True(t, members.AdminOnly)

	resp, _ = doJSON(t, app, http.MethodGet, "/api/v1/rooms/r1/scheduled-messages", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "r1", svc.lastRoom)
}

func TestMediaHandler_Upload(t *testing.T) {
	media := &mockMediaService{}
	app := chatApp(&mockMessageService{}, &mockRoomService{}, media)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "photo.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("png"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/rooms/r1/media", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	require.Equal(t, "photo.png", media.fileName)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/rooms/r1/media", nil)
	resp, err = app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestMediaHandler_MapsErrors(t *testing.T) {
	cases := map[error]int{
		service.ErrUploadTooLarge:       fiber.StatusRequestEntityTooLarge,
		service.ErrUploadTypeNotAllowed: fiber.StatusUnsupportedMediaType,
		service.ErrMediaDisabled:        fiber.StatusServiceUnavailable,
	}

	for err, status := range cases {
		app := chatApp(&mockMessageService{}, &mockRoomService{}, &mockMediaService{err: err})

		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		part, createErr := writer.CreateFormFile("file", "file.bin")
		require.NoError(t, createErr)
		_, _ = part.Write([]byte("data"))
		require.NoError(t, writer.Close())

		req := httptest.NewRequest(http.MethodPost, "/api/v1/rooms/r1/media", body)
		req.Header.Set("Content-Type", writer.FormDataContentType())

		resp, testErr := app.Test(req)
		require.NoError(t, testErr)
		require.Equal(t, status, resp.StatusCode, err.Error())
	}
}
