package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/observability"
	"github.com/noah-isme/gema-chat/internal/repository"
	"github.com/noah-isme/gema-chat/pkg/protocol"
)

// MessageBroadcaster delivers a persisted message to a room's connections.
type MessageBroadcaster interface {
	BroadcastMessage(ctx context.Context, message protocol.Message, sender protocol.Sender)
}

// Scheduler turns due scheduled messages into durable messages and broadcasts them.
type Scheduler struct {
	scheduled   repository.ScheduledMessageRepository
	broadcaster MessageBroadcaster
	interval    time.Duration
	batchSize   int
	logger      zerolog.Logger
	tracer      trace.Tracer
}

// NewScheduler constructs a scheduler. broadcaster may be nil.
func NewScheduler(scheduled repository.ScheduledMessageRepository, broadcaster MessageBroadcaster, interval time.Duration, batchSize int, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Scheduler{
		scheduled:   scheduled,
		broadcaster: broadcaster,
		interval:    interval,
		batchSize:   batchSize,
		logger:      logger.With().Str("component", "scheduler").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-chat/internal/service/scheduler"),
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopped")
			return
		case now := <-ticker.C:
			if _, err := s.Tick(ctx, now); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("scheduler tick failed")
			}
		}
	}
}

// Tick fires every message due at now and returns how many were sent.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	ctx, span := s.tracer.Start(ctx, "chat.scheduler.tick")
	defer span.End()

	due, err := s.scheduled.Due(ctx, now.UTC(), s.batchSize)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("chat.scheduled_due", len(due)))

	fired := 0
	for _, item := range due {
		if err := ctx.Err(); err != nil {
			return fired, err
		}
		if s.fire(ctx, item, now) {
			fired++
		}
	}
	return fired, nil
}

func (s *Scheduler) fire(ctx context.Context, item models.ScheduledMessage, now time.Time) bool {
	log := s.logger.With().Uint64("scheduled_id", item.ID).Str("room_id", item.RoomID).Logger()

	draft, err := item.Draft()
	if err != nil {
		log.Warn().Err(err).Msg("scheduled payload unreadable")
		observability.ScheduledFired().WithLabelValues("failed").Inc()
		if markErr := s.scheduled.MarkFailed(ctx, item.ID); markErr != nil {
			log.Error().Err(markErr).Msg("failed to mark scheduled message failed")
		}
		return false
	}

	message := messageFromDraft(item.RoomID, item.SenderID, item.SenderName, draft, now.UTC())
	if err := s.scheduled.Fire(ctx, item, &message); err != nil {
		if errors.Is(err, repository.ErrScheduledAlreadyHandled) {
			observability.ScheduledFired().WithLabelValues("skipped").Inc()
			return false
		}
		log.Error().Err(err).Msg("failed to fire scheduled message")
		observability.ScheduledFired().WithLabelValues("failed").Inc()
		if markErr := s.scheduled.MarkFailed(ctx, item.ID); markErr != nil {
			log.Error().Err(markErr).Msg("failed to mark scheduled message failed")
		}
		return false
	}

	observability.ScheduledFired().WithLabelValues("sent").Inc()
	observability.MessagesCreated().WithLabelValues(message.MessageType).Inc()
	log.Info().Uint64("message_id", message.ID).Msg("scheduled message sent")

	if s.broadcaster != nil {
		s.broadcaster.BroadcastMessage(ctx, dto.NewMessageResponse(message), protocol.Sender{
			UserID:   message.SenderID,
			UserName: message.SenderName,
		})
	}
	return true
}
