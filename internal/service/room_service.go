package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/repository"
	"github.com/noah-isme/gema-chat/pkg/protocol"
)

// RoomAccess is the caller's resolved room and membership.
type RoomAccess struct {
	Room   models.Room
	Member models.RoomMember
}

// CanPost reports whether the member may post into the room.
func (a RoomAccess) CanPost() bool {
	return !a.Room.AdminOnly || a.Member.IsAdmin
}

// RoomService resolves room membership and the presence-annotated member list.
type RoomService interface {
	Authorize(ctx context.Context, roomID, userID string) (RoomAccess, error)
	Members(ctx context.Context, actor Actor, roomID string) (protocol.RoomMembers, error)
	Snapshot(ctx context.Context, roomID string) (protocol.RoomMembers, error)
	OnlineMembers(ctx context.Context, roomID string) ([]string, int, error)
}

type roomService struct {
	rooms    repository.RoomRepository
	presence PresenceStore
	logger   zerolog.Logger
}

// NewRoomService constructs a room service.
func NewRoomService(rooms repository.RoomRepository, presence PresenceStore, logger zerolog.Logger) RoomService {
	return &roomService{
		rooms:    rooms,
		presence: presence,
		logger:   logger.With().Str("component", "room_service").Logger(),
	}
}

func (s *roomService) Authorize(ctx context.Context, roomID, userID string) (RoomAccess, error) {
	room, err := s.rooms.Get(ctx, roomID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return RoomAccess{}, ErrRoomNotFound
		}
		return RoomAccess{}, err
	}

	member, err := s.rooms.Member(ctx, roomID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return RoomAccess{}, ErrNotRoomMember
		}
		return RoomAccess{}, err
	}

	return RoomAccess{Room: room, Member: member}, nil
}

func (s *roomService) Members(ctx context.Context, actor Actor, roomID string) (protocol.RoomMembers, error) {
	access, err := s.Authorize(ctx, roomID, actor.UserID)
	if err != nil {
		return protocol.RoomMembers{}, err
	}
	return s.snapshot(ctx, access.Room)
}

// Snapshot returns the authoritative member list with presence flags, admins first, and the
// room's posting restriction.
func (s *roomService) Snapshot(ctx context.Context, roomID string) (protocol.RoomMembers, error) {
	room, err := s.rooms.Get(ctx, roomID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return protocol.RoomMembers{}, ErrRoomNotFound
		}
		return protocol.RoomMembers{}, err
	}
	return s.snapshot(ctx, room)
}

func (s *roomService) snapshot(ctx context.Context, room models.Room) (protocol.RoomMembers, error) {
	members, err := s.rooms.ListMembers(ctx, room.ID)
	if err != nil {
		return protocol.RoomMembers{}, err
	}

	online := s.onlineSet(ctx, members)
	out := make([]protocol.Member, 0, len(members))
	for _, member := range members {
		out = append(out, dto.NewMemberResponse(member, online[member.UserID]))
	}
	return protocol.RoomMembers{RoomID: room.ID, AdminOnly: room.AdminOnly, Members: out}, nil
}

// OnlineMembers returns the online member ids of the room and its total member count.
func (s *roomService) OnlineMembers(ctx context.Context, roomID string) ([]string, int, error) {
	members, err := s.rooms.ListMembers(ctx, roomID)
	if err != nil {
		return nil, 0, err
	}

	online := s.onlineSet(ctx, members)
	ids := make([]string, 0, len(online))
	for _, member := range members {
		if online[member.UserID] {
			ids = append(ids, member.UserID)
		}
	}
	return ids, len(members), nil
}

func (s *roomService) onlineSet(ctx context.Context, members []models.RoomMember) map[string]bool {
	ids := make([]string, 0, len(members))
	for _, member := range members {
		ids = append(ids, member.UserID)
	}

	online, err := s.presence.OnlineUsers(ctx, ids)
	if err != nil {
		s.logger.Warn().Err(err).Msg("presence lookup failed, reporting members offline")
		return map[string]bool{}
	}
	return online
}
