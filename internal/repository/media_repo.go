package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat/internal/models"
)

// MediaRepository persists metadata about uploaded attachments.
type MediaRepository interface {
	Create(ctx context.Context, file *models.MediaFile) error
	Get(ctx context.Context, id uint64) (models.MediaFile, error)
}

type mediaRepository struct {
	db *gorm.DB
}

// NewMediaRepository constructs a repository for media records.
func NewMediaRepository(db *gorm.DB) MediaRepository {
	return &mediaRepository{db: db}
}

func (r *mediaRepository) Create(ctx context.Context, file *models.MediaFile) error {
	return r.db.WithContext(ctx).Create(file).Error
}

func (r *mediaRepository) Get(ctx context.Context, id uint64) (models.MediaFile, error) {
	var file models.MediaFile
	if err := r.db.WithContext(ctx).First(&file, id).Error; err != nil {
		return models.MediaFile{}, err
	}
	return file, nil
}
