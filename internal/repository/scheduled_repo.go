package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat/internal/models"
)

// ErrScheduledAlreadyHandled indicates another worker already fired or failed the record.
var ErrScheduledAlreadyHandled = errors.New("scheduled message already handled")

// ScheduledMessageRepository stores messages waiting for their send time.
type ScheduledMessageRepository interface {
	Create(ctx context.Context, scheduled *models.ScheduledMessage) error
	ListPending(ctx context.Context, roomID, senderID string) ([]models.ScheduledMessage, error)
	Due(ctx context.Context, now time.Time, limit int) ([]models.ScheduledMessage, error)
	Fire(ctx context.Context, scheduled models.ScheduledMessage, message *models.Message) error
	MarkFailed(ctx context.Context, id uint64) error
}

type scheduledMessageRepository struct {
	db *gorm.DB
}

// NewScheduledMessageRepository constructs a scheduled message repository backed by GORM.
func NewScheduledMessageRepository(db *gorm.DB) ScheduledMessageRepository {
	return &scheduledMessageRepository{db: db}
}

func (r *scheduledMessageRepository) Create(ctx context.Context, scheduled *models.ScheduledMessage) error {
	if scheduled.Status == "" {
		scheduled.Status = models.ScheduledStatusPending
	}
	return r.db.WithContext(ctx).Create(scheduled).Error
}

func (r *scheduledMessageRepository) ListPending(ctx context.Context, roomID, senderID string) ([]models.ScheduledMessage, error) {
	var items []models.ScheduledMessage
	err := r.db.WithContext(ctx).
		Where("room_id = ? AND sender_id = ? AND status = ?", roomID, senderID, models.ScheduledStatusPending).
		Order("scheduled_at ASC").
		Find(&items).Error
	return items, err
}

func (r *scheduledMessageRepository) Due(ctx context.Context, now time.Time, limit int) ([]models.ScheduledMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	var items []models.ScheduledMessage
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", models.ScheduledStatusPending, now).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

// Fire claims the scheduled record and persists its message in one transaction.
func (r *scheduledMessageRepository) Fire(ctx context.Context, scheduled models.ScheduledMessage, message *models.Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claim := tx.Model(&models.ScheduledMessage{}).
			Where("id = ? AND status = ?", scheduled.ID, models.ScheduledStatusPending).
			Update("status", models.ScheduledStatusSent)
		if claim.Error != nil {
			return claim.Error
		}
		if claim.RowsAffected == 0 {
			return ErrScheduledAlreadyHandled
		}

		if err := tx.Create(message).Error; err != nil {
			return err
		}

		return tx.Model(&models.ScheduledMessage{}).
			Where("id = ?", scheduled.ID).
			Update("sent_message_id", message.ID).Error
	})
}

func (r *scheduledMessageRepository) MarkFailed(ctx context.Context, id uint64) error {
	return r.db.WithContext(ctx).Model(&models.ScheduledMessage{}).
		Where("id = ? AND status = ?", id, models.ScheduledStatusPending).
		Update("status", models.ScheduledStatusFailed).Error
}
