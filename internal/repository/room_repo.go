package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-chat/internal/models"
)

// RoomRepository reads rooms and their membership.
type RoomRepository interface {
	Get(ctx context.Context, roomID string) (models.Room, error)
	Member(ctx context.Context, roomID, userID string) (models.RoomMember, error)
	ListMembers(ctx context.Context, roomID string) ([]models.RoomMember, error)
	Upsert(ctx context.Context, room *models.Room) error
	AddMember(ctx context.Context, member *models.RoomMember) error
}

type roomRepository struct {
	db *gorm.DB
}

// NewRoomRepository constructs a room repository backed by GORM.
func NewRoomRepository(db *gorm.DB) RoomRepository {
	return &roomRepository{db: db}
}

func (r *roomRepository) Get(ctx context.Context, roomID string) (models.Room, error) {
	var room models.Room
	if err := r.db.WithContext(ctx).First(&room, "id = ?", roomID).Error; err != nil {
		return models.Room{}, err
	}
	return room, nil
}

func (r *roomRepository) Member(ctx context.Context, roomID, userID string) (models.RoomMember, error) {
	var member models.RoomMember
	err := r.db.WithContext(ctx).Where("room_id = ? AND user_id = ?", roomID, userID).First(&member).Error
	if err != nil {
		return models.RoomMember{}, err
	}
	return member, nil
}

// ListMembers returns admins first, then members by name.
func (r *roomRepository) ListMembers(ctx context.Context, roomID string) ([]models.RoomMember, error) {
	var members []models.RoomMember
	err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("is_admin DESC").
		Order("full_name ASC").
		Order("user_id ASC").
		Find(&members).Error
	return members, err
}

func (r *roomRepository) Upsert(ctx context.Context, room *models.Room) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "admin_only", "updated_at"}),
	}).Create(room).Error
}

func (r *roomRepository) AddMember(ctx context.Context, member *models.RoomMember) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"full_name", "is_admin", "updated_at"}),
	}).Create(member).Error
}
