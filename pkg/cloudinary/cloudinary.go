package cloudinary

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/rs/zerolog"
)

// Config contains credentials required to talk to Cloudinary.
type Config struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

// Store keeps chat attachments in Cloudinary, one folder per room.
type Store struct {
	client *cloudinary.Cloudinary
	folder string
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Cloudinary store.
func New(cfg Config, logger zerolog.Logger) (*Store, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("cloudinary credentials must be provided")
	}

	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cloudinary: %w", err)
	}

	return &Store{
		client: cld,
		folder: strings.Trim(cfg.Folder, "/"),
		logger: logger.With().Str("component", "cloudinary").Logger(),
		now:    time.Now,
	}, nil
}

// Upload stores the attachment and returns its secure URL. A name of the form
// "<room>/<file>" lands in the room's sub-folder.
func (s *Store) Upload(ctx context.Context, name string, reader io.Reader) (string, error) {
	folder, publicID := s.placement(name)

	result, err := s.client.Upload.Upload(ctx, reader, uploader.UploadParams{
		Folder:       folder,
		PublicID:     publicID,
		ResourceType: "auto",
		Tags:         api.CldAPIArray{"chat"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload attachment: %w", err)
	}

	s.logger.Info().Str("public_id", result.PublicID).Str("folder", folder).Msg("attachment uploaded to cloudinary")

	return result.SecureURL, nil
}

func (s *Store) placement(name string) (string, string) {
	dir, file := path.Split(strings.TrimPrefix(name, "/"))

	folder := s.folder
	if room := slug(strings.Trim(dir, "/")); room != "" {
		folder = strings.Trim(folder+"/"+room, "/")
	}

	base := slug(strings.TrimSuffix(file, filepath.Ext(file)))
	if base == "" {
		base = "attachment"
	}
	return folder, fmt.Sprintf("%s-%d", base, s.now().UnixNano())
}

func slug(value string) string {
	value = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '-'
	}, value)
	return strings.Trim(value, "-")
}
