package service

import (
	"context"
	"errors"
	"html"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/observability"
	"github.com/noah-isme/gema-chat/internal/repository"
	"github.com/noah-isme/gema-chat/pkg/protocol"
)

const replyPreviewLength = 200

// DeletionPublisher pushes bulk deletions to connected clients.
type DeletionPublisher interface {
	PublishDeleted(ctx context.Context, roomID string, ids []uint64)
}

// MessageService implements the REST side of message delivery.
type MessageService interface {
	List(ctx context.Context, actor Actor, query dto.MessageListQuery) ([]protocol.Message, error)
	Create(ctx context.Context, actor Actor, roomID string, req dto.MessageCreateRequest) (dto.MessageCreateResponse, error)
	Scheduled(ctx context.Context, actor Actor, roomID string) ([]dto.ScheduledMessageResponse, error)
	Delete(ctx context.Context, actor Actor, roomID string, req dto.MessageDeleteRequest) (dto.MessageDeleteResponse, error)
	MarkRead(ctx context.Context, actor Actor, messageID uint64) error
}

type messageService struct {
	messages  repository.MessageRepository
	scheduled repository.ScheduledMessageRepository
	media     repository.MediaRepository
	rooms     RoomService
	publisher DeletionPublisher
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewMessageService constructs the message service. publisher may be nil when no realtime
// server runs in the process.
func NewMessageService(
	messages repository.MessageRepository,
	scheduled repository.ScheduledMessageRepository,
	media repository.MediaRepository,
	rooms RoomService,
	publisher DeletionPublisher,
	validate *validator.Validate,
	logger zerolog.Logger,
) MessageService {
	return &messageService{
		messages:  messages,
		scheduled: scheduled,
		media:     media,
		rooms:     rooms,
		publisher: publisher,
		validator: validate,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "message_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-chat/internal/service/message"),
		now:       time.Now,
	}
}

func (s *messageService) List(ctx context.Context, actor Actor, query dto.MessageListQuery) ([]protocol.Message, error) {
	if err := s.validator.Struct(query); err != nil {
		return nil, err
	}
	if _, err := s.rooms.Authorize(ctx, query.RoomID, actor.UserID); err != nil {
		return nil, err
	}

	after := time.Time{}
	if query.AfterTimestamp != nil {
		after = query.AfterTimestamp.UTC()
	}

	messages, err := s.messages.ListByRoom(ctx, query.RoomID, after, query.Limit)
	if err != nil {
		return nil, err
	}
	return dto.NewMessageResponseSlice(messages), nil
}

func (s *messageService) Create(ctx context.Context, actor Actor, roomID string, req dto.MessageCreateRequest) (dto.MessageCreateResponse, error) {
	ctx, span := s.tracer.Start(ctx, "chat.message.create", trace.WithAttributes(
		attribute.String("chat.room_id", roomID),
		attribute.String("chat.sender_id", actor.UserID),
	))
	defer span.End()

	fail := func(err error) (dto.MessageCreateResponse, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		return dto.MessageCreateResponse{}, err
	}

	if err := s.validator.Struct(req); err != nil {
		return fail(err)
	}

	access, err := s.rooms.Authorize(ctx, roomID, actor.UserID)
	if err != nil {
		return fail(err)
	}
	if !access.CanPost() {
		return fail(ErrAdminOnlyRoom)
	}

	draft, err := s.buildDraft(ctx, roomID, req)
	if err != nil {
		return fail(err)
	}
	span.SetAttributes(attribute.String("chat.type", draft.MessageType))

	senderName := access.Member.FullName
	if senderName == "" {
		senderName = actor.Name
	}

	now := s.now().UTC()
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		record := models.ScheduledMessage{
			RoomID:      roomID,
			SenderID:    actor.UserID,
			SenderName:  senderName,
			ScheduledAt: req.ScheduledAt.UTC(),
			Status:      models.ScheduledStatusPending,
		}
		if err := record.SetDraft(draft); err != nil {
			return fail(err)
		}
		if err := s.scheduled.Create(ctx, &record); err != nil {
			return fail(err)
		}

		span.SetAttributes(attribute.Bool("chat.scheduled", true))
		s.logger.Info().Str("room_id", roomID).Uint64("scheduled_id", record.ID).Time("scheduled_at", record.ScheduledAt).Msg("message scheduled")

		response := dto.NewScheduledMessageResponse(record)
		return dto.MessageCreateResponse{Messages: []protocol.Message{}, ScheduledMessage: &response}, nil
	}

	message := messageFromDraft(roomID, actor.UserID, senderName, draft, now)
	if err := s.messages.Create(ctx, &message); err != nil {
		return fail(err)
	}

	observability.MessagesCreated().WithLabelValues(message.MessageType).Inc()
	span.SetAttributes(attribute.Int64("chat.message_id", int64(message.ID)))

	return dto.MessageCreateResponse{Messages: []protocol.Message{dto.NewMessageResponse(message)}}, nil
}

// markupTag matches a complete tag or comment. Text outside such a match is literal.
var markupTag = regexp.MustCompile(`<(?:/?[A-Za-z][^<>]*|!--[\s\S]*?--)>`)

var literalText = strings.NewReplacer("&", "&amp;", "<", "&lt;")

// plainText strips markup and returns the remaining text unescaped, so comparisons and
// ampersands survive as typed.
func (s *messageService) plainText(raw string) string {
	var b strings.Builder
	last := 0
	for _, loc := range markupTag.FindAllStringIndex(raw, -1) {
		b.WriteString(literalText.Replace(raw[last:loc[0]]))
		b.WriteString(raw[loc[0]:loc[1]])
		last = loc[1]
	}
	b.WriteString(literalText.Replace(raw[last:]))
	return html.UnescapeString(s.sanitizer.Sanitize(b.String()))
}

func (s *messageService) buildDraft(ctx context.Context, roomID string, req dto.MessageCreateRequest) (models.MessageDraft, error) {
	text := strings.TrimSpace(s.plainText(req.MessageText))
	hasAttachment := req.MediaFilesID != nil || req.PollID != nil || req.TableID != nil
	if text == "" && !hasAttachment {
		return models.MessageDraft{}, ErrEmptyMessage
	}

	draft := models.MessageDraft{
		MessageText:  text,
		MessageType:  inferMessageType(req),
		MediaFilesID: req.MediaFilesID,
		PollID:       req.PollID,
		TableID:      req.TableID,
	}

	if req.MediaFilesID != nil {
		file, err := s.media.Get(ctx, *req.MediaFilesID)
		if err != nil || file.RoomID != roomID {
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return models.MessageDraft{}, err
			}
			return models.MessageDraft{}, ErrMediaNotFound
		}
	}

	if req.ReplyMessageID != nil {
		replied, err := s.messages.Get(ctx, *req.ReplyMessageID)
		if err != nil || replied.RoomID != roomID {
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return models.MessageDraft{}, err
			}
			return models.MessageDraft{}, ErrMessageNotFound
		}
		draft.ReplyMessageID = req.ReplyMessageID
		draft.ReplyMessageText = truncateRunes(replied.MessageText, replyPreviewLength)
		draft.ReplySenderName = replied.SenderName
	}

	return draft, nil
}

func (s *messageService) Scheduled(ctx context.Context, actor Actor, roomID string) ([]dto.ScheduledMessageResponse, error) {
	if _, err := s.rooms.Authorize(ctx, roomID, actor.UserID); err != nil {
		return nil, err
	}

	items, err := s.scheduled.ListPending(ctx, roomID, actor.UserID)
	if err != nil {
		return nil, err
	}

	out := make([]dto.ScheduledMessageResponse, 0, len(items))
	for _, item := range items {
		out = append(out, dto.NewScheduledMessageResponse(item))
	}
	return out, nil
}

func (s *messageService) Delete(ctx context.Context, actor Actor, roomID string, req dto.MessageDeleteRequest) (dto.MessageDeleteResponse, error) {
	ctx, span := s.tracer.Start(ctx, "chat.message.delete", trace.WithAttributes(
		attribute.String("chat.room_id", roomID),
		attribute.Int("chat.requested", len(req.MessageIDs)),
	))
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		span.RecordError(err)
		return dto.MessageDeleteResponse{}, err
	}

	access, err := s.rooms.Authorize(ctx, roomID, actor.UserID)
	if err != nil {
		span.RecordError(err)
		return dto.MessageDeleteResponse{}, err
	}

	found, err := s.messages.FindInRoom(ctx, roomID, req.MessageIDs)
	if err != nil {
		span.RecordError(err)
		return dto.MessageDeleteResponse{}, err
	}
	if len(found) == 0 {
		return dto.MessageDeleteResponse{}, ErrMessageNotFound
	}

	ids := make([]uint64, 0, len(found))
	for _, message := range found {
		if !access.Member.IsAdmin && message.SenderID != actor.UserID {
			span.RecordError(ErrNotMessageAuthor)
			return dto.MessageDeleteResponse{}, ErrNotMessageAuthor
		}
		ids = append(ids, message.ID)
	}

	if _, err := s.messages.DeleteInRoom(ctx, roomID, ids); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		return dto.MessageDeleteResponse{}, err
	}

	observability.MessagesDeleted().Add(float64(len(ids)))
	if s.publisher != nil {
		s.publisher.PublishDeleted(ctx, roomID, ids)
	}

	return dto.MessageDeleteResponse{DeletedIDs: ids}, nil
}

func (s *messageService) MarkRead(ctx context.Context, actor Actor, messageID uint64) error {
	message, err := s.messages.Get(ctx, messageID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrMessageNotFound
		}
		return err
	}

	if _, err := s.rooms.Authorize(ctx, message.RoomID, actor.UserID); err != nil {
		return err
	}

	created, err := s.messages.MarkRead(ctx, messageID, actor.UserID, s.now().UTC())
	if err != nil {
		return err
	}
	if created {
		s.logger.Debug().Uint64("message_id", messageID).Str("user_id", actor.UserID).Msg("message marked read")
	}
	return nil
}

func messageFromDraft(roomID, senderID, senderName string, draft models.MessageDraft, at time.Time) models.Message {
	return models.Message{
		RoomID:           roomID,
		SenderID:         senderID,
		SenderName:       senderName,
		MessageText:      draft.MessageText,
		MessageType:      draft.MessageType,
		MediaFilesID:     draft.MediaFilesID,
		PollID:           draft.PollID,
		TableID:          draft.TableID,
		ReplyMessageID:   draft.ReplyMessageID,
		ReplyMessageText: draft.ReplyMessageText,
		ReplySenderName:  draft.ReplySenderName,
		CreatedAt:        at,
	}
}

func inferMessageType(req dto.MessageCreateRequest) string {
	if req.MessageType != "" {
		return req.MessageType
	}
	switch {
	case req.MediaFilesID != nil:
		return models.MessageTypeMedia
	case req.PollID != nil:
		return models.MessageTypePoll
	case req.TableID != nil:
		return models.MessageTypeTable
	default:
		return models.MessageTypeText
	}
}

func truncateRunes(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit]) + "…"
}
