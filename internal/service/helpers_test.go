package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/repository"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type chatFixture struct {
	db        *gorm.DB
	rooms     repository.RoomRepository
	messages  repository.MessageRepository
	scheduled repository.ScheduledMessageRepository
	media     repository.MediaRepository
	presence  PresenceStore
	roomSvc   RoomService
	validate  *validator.Validate
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.ChatModels()...))

	f := &chatFixture{
		db:        db,
		rooms:     repository.NewRoomRepository(db),
		messages:  repository.NewMessageRepository(db),
		scheduled: repository.NewScheduledMessageRepository(db),
		media:     repository.NewMediaRepository(db),
		presence:  NewMemoryPresenceStore(0),
		validate:  validator.New(),
	}
	f.roomSvc = NewRoomService(f.rooms, f.presence, testLogger())
	return f
}

// seedRoom creates a room with alice (admin) and bob as members.
func (f *chatFixture) seedRoom(t *testing.T, roomID string, adminOnly bool) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.rooms.Upsert(ctx, &models.Room{ID: roomID, Name: "Room " + roomID, AdminOnly: adminOnly}))
	require.NoError(t, f.rooms.AddMember(ctx, &models.RoomMember{RoomID: roomID, UserID: "alice", FullName: "Alice", IsAdmin: true}))
	require.NoError(t, f.rooms.AddMember(ctx, &models.RoomMember{RoomID: roomID, UserID: "bob", FullName: "Bob"}))
}

func (f *chatFixture) messageService(publisher DeletionPublisher) MessageService {
	return NewMessageService(f.messages, f.scheduled, f.media, f.roomSvc, publisher, f.validate, testLogger())
}

type publisherStub struct {
	mu      sync.Mutex
	roomID  string
	deleted []uint64
}

func (p *publisherStub) PublishDeleted(_ context.Context, roomID string, ids []uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roomID = roomID
	p.deleted = append(p.deleted, ids...)
}
