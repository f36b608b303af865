package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/observability"
	"github.com/noah-isme/gema-chat/internal/repository"
)

// FileStorage abstracts attachment destinations.
type FileStorage interface {
	Upload(ctx context.Context, name string, reader io.Reader) (string, error)
}

// MediaService validates attachments and records them against a room.
type MediaService interface {
	Upload(ctx context.Context, actor Actor, roomID string, file *multipart.FileHeader) (dto.MediaUploadResponse, error)
}

type mediaService struct {
	storage FileStorage
	media   repository.MediaRepository
	rooms   RoomService
	logger  zerolog.Logger
	maxSize int64
	tracer  trace.Tracer
}

// NewMediaService constructs a media service. A nil storage disables uploads.
func NewMediaService(storage FileStorage, media repository.MediaRepository, rooms RoomService, maxSizeMB int, logger zerolog.Logger) MediaService {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	return &mediaService{
		storage: storage,
		media:   media,
		rooms:   rooms,
		logger:  logger.With().Str("component", "media_service").Logger(),
		maxSize: int64(maxSizeMB) * 1024 * 1024,
		tracer:  otel.Tracer("github.com/noah-isme/gema-chat/internal/service/media"),
	}
}

func (s *mediaService) Upload(ctx context.Context, actor Actor, roomID string, file *multipart.FileHeader) (dto.MediaUploadResponse, error) {
	ctx, span := s.tracer.Start(ctx, "chat.media.upload", trace.WithAttributes(
		attribute.String("chat.room_id", roomID),
		attribute.Int64("media.max_bytes", s.maxSize),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		observability.MediaLatency().Observe(time.Since(start).Seconds())
	}()

	reject := func(reason string, err error) (dto.MediaUploadResponse, error) {
		if reason != "" {
			observability.MediaRejected().WithLabelValues(reason).Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload rejected")
		return dto.MediaUploadResponse{}, err
	}

	if s.storage == nil {
		return reject("disabled", ErrMediaDisabled)
	}
	if _, err := s.rooms.Authorize(ctx, roomID, actor.UserID); err != nil {
		return reject("", err)
	}
	if file == nil {
		return reject("", errors.New("file is required"))
	}
	span.SetAttributes(
		attribute.String("media.original_name", strings.TrimSpace(file.Filename)),
		attribute.Int64("media.request_size", file.Size),
	)

	if file.Size > s.maxSize {
		return reject("size", ErrUploadTooLarge)
	}

	handle, err := file.Open()
	if err != nil {
		return reject("", err)
	}
	defer handle.Close()

	buf := bytes.NewBuffer(nil)
	if _, err := io.Copy(buf, io.LimitReader(handle, s.maxSize+1)); err != nil {
		return reject("", err)
	}
	if int64(buf.Len()) > s.maxSize {
		return reject("size", ErrUploadTooLarge)
	}

	detected := mimetype.Detect(buf.Bytes())
	mime := strings.ToLower(detected.String())
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	span.SetAttributes(attribute.String("media.detected_mime", mime))
	if !isAllowedMedia(mime) {
		return reject("type", ErrUploadTypeNotAllowed)
	}

	checksum := sha256.Sum256(buf.Bytes())
	name := sanitizeFileName(file.Filename, detected.Extension())

	url, err := s.storage.Upload(ctx, roomID+"/"+name, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return reject("storage", err)
	}

	record := models.MediaFile{
		RoomID:     roomID,
		UploaderID: actor.UserID,
		FileName:   name,
		URL:        url,
		MimeType:   mime,
		SizeBytes:  int64(buf.Len()),
		Checksum:   hex.EncodeToString(checksum[:]),
	}
	if err := s.media.Create(ctx, &record); err != nil {
		return reject("", err)
	}

	observability.MediaUploads().WithLabelValues(mediaFamily(mime)).Inc()
	span.SetStatus(codes.Ok, "stored")
	s.logger.Info().Str("room_id", roomID).Uint64("media_id", record.ID).Str("mime", mime).Msg("media stored")

	return dto.MediaUploadResponse{
		MediaFilesID: record.ID,
		URL:          record.URL,
		MimeType:     record.MimeType,
		SizeBytes:    record.SizeBytes,
		FileName:     record.FileName,
	}, nil
}

func sanitizeFileName(name, fallbackExt string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	base = strings.ToLower(base)
	base = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return '-'
	}, base)
	base = strings.Trim(base, "-")
	if base == "" {
		base = fmt.Sprintf("media-%d", time.Now().Unix())
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		ext = fallbackExt
	}
	if ext == "" {
		ext = ".bin"
	}
	return base + ext
}

func mediaFamily(mime string) string {
	if i := strings.Index(mime, "/"); i > 0 && mime != "application/pdf" {
		return mime[:i]
	}
	return mime
}

func isAllowedMedia(mime string) bool {
	switch {
	case strings.HasPrefix(mime, "image/"), strings.HasPrefix(mime, "video/"), strings.HasPrefix(mime, "audio/"):
		return true
	case mime == "application/pdf":
		return true
	default:
		return false
	}
}
