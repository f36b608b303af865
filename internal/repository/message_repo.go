package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-chat/internal/models"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// MessageRepository persists durable chat messages and read receipts.
type MessageRepository interface {
	Create(ctx context.Context, message *models.Message) error
	Get(ctx context.Context, id uint64) (models.Message, error)
	ListByRoom(ctx context.Context, roomID string, after time.Time, limit int) ([]models.Message, error)
	ExistsInRoom(ctx context.Context, roomID string, id uint64) (bool, error)
	FindInRoom(ctx context.Context, roomID string, ids []uint64) ([]models.Message, error)
	DeleteInRoom(ctx context.Context, roomID string, ids []uint64) (int64, error)
	MarkRead(ctx context.Context, messageID uint64, userID string, at time.Time) (bool, error)
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository constructs a message repository backed by GORM.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) Create(ctx context.Context, message *models.Message) error {
	return r.db.WithContext(ctx).Create(message).Error
}

func (r *messageRepository) Get(ctx context.Context, id uint64) (models.Message, error) {
	var message models.Message
	if err := r.db.WithContext(ctx).First(&message, id).Error; err != nil {
		return models.Message{}, err
	}
	return message, nil
}

// ListByRoom returns messages in ascending creation order. With a zero after it returns the
// latest page; otherwise the page immediately following after.
func (r *messageRepository) ListByRoom(ctx context.Context, roomID string, after time.Time, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	query := r.db.WithContext(ctx).Where("room_id = ?", roomID)
	if !after.IsZero() {
		var messages []models.Message
		err := query.Where("created_at > ?", after).Order("created_at ASC").Order("id ASC").Limit(limit).Find(&messages).Error
		return messages, err
	}

	var messages []models.Message
	if err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (r *messageRepository) ExistsInRoom(ctx context.Context, roomID string, id uint64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Message{}).Where("id = ? AND room_id = ?", id, roomID).Count(&count).Error
	return count > 0, err
}

func (r *messageRepository) FindInRoom(ctx context.Context, roomID string, ids []uint64) ([]models.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var messages []models.Message
	err := r.db.WithContext(ctx).Where("room_id = ? AND id IN ?", roomID, ids).Order("id ASC").Find(&messages).Error
	return messages, err
}

func (r *messageRepository) DeleteInRoom(ctx context.Context, roomID string, ids []uint64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var affected int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id IN ?", ids).Delete(&models.MessageRead{}).Error; err != nil {
			return err
		}
		result := tx.Where("room_id = ? AND id IN ?", roomID, ids).Delete(&models.Message{})
		affected = result.RowsAffected
		return result.Error
	})
	return affected, err
}

// MarkRead records a receipt and reports whether it was new.
func (r *messageRepository) MarkRead(ctx context.Context, messageID uint64, userID string, at time.Time) (bool, error) {
	receipt := models.MessageRead{MessageID: messageID, UserID: userID, ReadAt: at}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&receipt)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
