package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	codec, err := NewCodec()
	require.NoError(t, err)
	return codec
}

func TestCodecRoundTripsNewMessage(t *testing.T) {
	codec := newTestCodec(t)
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	raw, err := codec.Encode(NewMessage{
		Message: Message{ID: 100, RoomID: "7", MessageText: "hi", MessageType: MessageTypeText, CreatedAt: created},
		Sender:  Sender{UserID: "u1", UserName: "Ada"},
	})
	require.NoError(t, err)

	event, err := codec.Decode(raw)
	require.NoError(t, err)

	msg, ok := event.(*NewMessage)
	require.True(t, ok)
	require.Equal(t, uint64(100), msg.ID)
	require.Equal(t, "7", msg.RoomID)
	require.Equal(t, "u1", msg.Sender.UserID)
	require.True(t, created.Equal(msg.CreatedAt))
}

func TestCodecRejectsUnknownEvent(t *testing.T) {
	codec := newTestCodec(t)

	_, err := codec.Decode([]byte(`{"event":"explode","data":{}}`))
	require.True(t, errors.Is(err, ErrInvalidEvent))
}

func TestCodecRejectsMissingData(t *testing.T) {
	codec := newTestCodec(t)

	_, err := codec.Decode([]byte(`{"event":"joinRoom"}`))
	require.True(t, errors.Is(err, ErrInvalidEvent))
}

func TestCodecRejectsPayloadFailingValidation(t *testing.T) {
	codec := newTestCodec(t)

	_, err := codec.Decode([]byte(`{"event":"joinRoom","data":{"roomId":"","userId":"u1"}}`))
	require.True(t, errors.Is(err, ErrInvalidEvent))

	_, err = codec.Decode([]byte(`{"event":"newMessage","data":{"roomId":"7","messageText":"x","createdAt":"2024-03-01T10:00:00Z","sender":{"userId":"u1"}}}`))
	require.True(t, errors.Is(err, ErrInvalidEvent), "durable id is mandatory on broadcasts")

	_, err = codec.Decode([]byte(`{"event":"userOnlineStatusUpdate","data":{"userId":7,"isOnline":true}}`))
	require.True(t, errors.Is(err, ErrInvalidEvent))
}

func TestCodecDecodesMembershipSnapshot(t *testing.T) {
	codec := newTestCodec(t)

	event, err := codec.Decode([]byte(`{"event":"roomMembers","data":{"roomId":"7","members":[{"userId":"a","fullName":"A","isAdmin":true,"isOnline":false}]}}`))
	require.NoError(t, err)

	snapshot, ok := event.(*RoomMembers)
	require.True(t, ok)
	require.Len(t, snapshot.Members, 1)
	require.True(t, snapshot.Members[0].IsAdmin)
}

func TestIsClientEvent(t *testing.T) {
	require.True(t, IsClientEvent(EventSendMessage))
	require.True(t, IsClientEvent(EventSetUserOffline))
	require.False(t, IsClientEvent(EventNewMessage))
	require.False(t, IsClientEvent(EventRoomMembers))
}
