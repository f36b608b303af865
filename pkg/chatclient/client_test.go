package chatclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-chat/pkg/protocol"
)

func TestBindStoreRoutesBroadcastsAndDeletions(t *testing.T) {
	link := newFakeLink()
	store := NewStore()
	dispose := BindStore(store, link)

	msg := protocol.NewMessage{
		Message: protocol.Message{ID: 100, RoomID: "7", MessageText: "hi", CreatedAt: time.Now()},
		Sender:  protocol.Sender{UserID: "peer", UserName: "Peer"},
	}
	link.fire(&msg)
	link.fire(&msg)

	msgs := store.Messages("7")
	require.Len(t, msgs, 1)
	require.Equal(t, "peer", msgs[0].SenderID)
	require.Equal(t, "Peer", msgs[0].SenderName)

	link.fire(&protocol.MessagesDeleted{RoomID: "7", MessageIDs: []uint64{100}})
	require.Empty(t, store.Messages("7"))

	dispose()
	link.fire(&msg)
	require.Empty(t, store.Messages("7"))
}

func TestClientSessionLifecycle(t *testing.T) {
	codec, err := protocol.NewCodec()
	require.NoError(t, err)

	received := make(chan string, 16)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		frame, _ := codec.Encode(protocol.Connected{ConnectionID: "c1"})
		_ = conn.WriteMessage(websocket.TextMessage, frame)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if event, err := codec.Decode(raw); err == nil {
				received <- event.EventName()
			}
		}
	})
	mux.HandleFunc("/api/v1/rooms/7/members", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, true, "members", map[string]interface{}{
			"roomId": "7",
			"members": []map[string]interface{}{
				{"userId": "u1", "fullName": "User u1", "isAdmin": true},
				{"userId": "u2", "fullName": "User u2"},
			},
		})
	})
	mux.HandleFunc("/api/v1/rooms/7/messages", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, true, "messages", []map[string]interface{}{
			{"id": 1, "roomId": "7", "messageText": "first", "messageType": "text", "createdAt": "2024-05-01T09:00:00Z"},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	session := authenticatedSession("u1")
	client, err := New(Config{
		APIBaseURL:  server.URL + "/api/v1",
		RealtimeURL: "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
		Logger:      zerolog.Nop(),
	}, session)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, client.Start(ctx))
	require.NoError(t, client.OpenRoom(ctx, "7", 50))

	awaitEvent(t, received, protocol.EventIdentify)
	awaitEvent(t, received, protocol.EventSetUserOnline)
	awaitEvent(t, received, protocol.EventJoinRoom)
	require.True(t, client.Members.IsAdmin("7", "u1"))
	require.True(t, client.Members.CanPost("7", "u2"))
	require.True(t, client.Store.Contains("7", 1))

	client.Logout(ctx)

	awaitEvent(t, received, protocol.EventSetUserOffline)
	require.False(t, client.Transport.IsConnected())
	require.Empty(t, client.Store.Messages("7"))
	require.Empty(t, session.UserID())
}

func awaitEvent(t *testing.T, received <-chan string, name string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-received:
			if got == name {
				return
			}
		case <-deadline:
			t.Fatalf("event %s not received", name)
		}
	}
}

func TestClientRejectsSendInPushedAdminOnlyRoom(t *testing.T) {
	codec, err := protocol.NewCodec()
	require.NoError(t, err)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	var restCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		frame, _ := codec.Encode(protocol.Connected{ConnectionID: "c1"})
		_ = conn.WriteMessage(websocket.TextMessage, frame)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			event, err := codec.Decode(raw)
			if err != nil || event.EventName() != protocol.EventJoinRoom {
				continue
			}
			snapshot, _ := codec.Encode(protocol.RoomMembers{RoomID: "7", AdminOnly: true, Members: []protocol.Member{
				{UserID: "alice", FullName: "Alice", IsAdmin: true},
				{UserID: "bob", FullName: "Bob"},
			}})
			_ = conn.WriteMessage(websocket.TextMessage, snapshot)
		}
	})
	mux.HandleFunc("/api/v1/rooms/7/messages", func(w http.ResponseWriter, r *http.Request) {
		restCalls.Add(1)
		writeEnvelope(w, http.StatusForbidden, false, "only room admins can post in this room", nil)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	denied := 0
	client, err := New(Config{
		APIBaseURL:  server.URL + "/api/v1",
		RealtimeURL: "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
		Hooks: DispatcherHooks{
			PermissionDenied: func(string, error) { denied++ },
		},
		Logger: zerolog.Nop(),
	}, authenticatedSession("bob"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	defer client.Logout(ctx)

	require.NoError(t, client.Start(ctx))
	require.NoError(t, client.Presence.JoinRoom(ctx, "7"))
	require.Eventually(t, func() bool { return client.Members.AdminOnly("7") }, 2*time.Second, 10*time.Millisecond)
	require.False(t, client.Members.CanPost("7", "bob"))
	require.True(t, client.Members.CanPost("7", "alice"))

	result, err := client.Dispatcher.Send(ctx, SendRequest{RoomID: "7", Text: "hello"})
	require.ErrorIs(t, err, ErrPermissionDenied)
	require.Equal(t, SendComposing, result.State)
	require.Equal(t, "hello", result.RestoreText)
	require.Equal(t, 1, denied)
	require.Zero(t, restCalls.Load())
	require.Empty(t, client.Store.Messages("7"))
}

func TestClientLoadHistoryMergesPagesWithoutDuplicates(t *testing.T) {
	pages := [][]map[string]interface{}{
		{
			{"id": 1, "roomId": "7", "messageText": "first", "messageType": "text", "createdAt": "2024-05-01T09:00:00Z"},
			{"id": 2, "roomId": "7", "messageText": "second", "messageType": "text", "createdAt": "2024-05-01T09:01:00Z"},
		},
		{
			{"id": 2, "roomId": "7", "messageText": "second", "messageType": "text", "createdAt": "2024-05-01T09:01:00Z"},
			{"id": 3, "roomId": "7", "messageText": "third", "messageType": "text", "createdAt": "2024-05-01T09:02:00Z"},
		},
	}
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/rooms/7/messages", r.URL.Path)
		page := pages[int(calls.Add(1))-1]
		writeEnvelope(w, http.StatusOK, true, "messages", page)
	}))
	defer server.Close()

	client, err := New(Config{
		APIBaseURL:  server.URL + "/api/v1",
		RealtimeURL: "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
		Logger:      zerolog.Nop(),
	}, authenticatedSession("u1"))
	require.NoError(t, err)

	ctx := context.Background()
	added, err := client.LoadHistory(ctx, "7", time.Time{}, 2)
	require.NoError(t, err)
	require.Equal(t, 2, added)

	client.Store.IngestRemote(Message{Key: ConfirmedKey(3), RoomID: "7", Text: "third", CreatedAt: time.Date(2024, 5, 1, 9, 2, 0, 0, time.UTC)})

	added, err = client.LoadHistory(ctx, "7", time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), 2)
	require.NoError(t, err)
	require.Zero(t, added)

	ids := []uint64{}
	for _, msg := range client.Store.Messages("7") {
		ids = append(ids, msg.Key.ID)
	}
	require.Equal(t, []uint64{1, 2, 3}, ids)
}

func TestClientScheduledMessagesListsPendingRows(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/rooms/7/scheduled-messages" || r.Header.Get("Authorization") != "Bearer token-u1" {
			writeEnvelope(w, http.StatusNotFound, false, "not found", nil)
			return
		}
		writeEnvelope(w, http.StatusOK, true, "scheduled messages", []map[string]interface{}{
			{"id": 3, "roomId": "7", "senderId": "u1", "messageText": "later", "messageType": "text", "scheduledAt": "2030-01-01T08:00:00Z"},
		})
	}))
	defer server.Close()

	client, err := New(Config{
		APIBaseURL:  server.URL + "/api/v1",
		RealtimeURL: "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
		Logger:      zerolog.Nop(),
	}, authenticatedSession("u1"))
	require.NoError(t, err)

	scheduled, err := client.ScheduledMessages(context.Background(), "7")
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	require.Equal(t, uint64(3), scheduled[0].ID)
	require.Equal(t, "later", scheduled[0].MessageText)
	require.True(t, scheduled[0].ScheduledAt.Equal(time.Date(2030, 1, 1, 8, 0, 0, 0, time.UTC)))
}
