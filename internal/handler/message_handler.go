package handler

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/service"
	"github.com/noah-isme/gema-chat/internal/utils"
)

// MessageHandler serves room history, message creation, deletion and read receipts.
type MessageHandler struct {
	messages service.MessageService
	rooms    service.RoomService
	logger   zerolog.Logger
}

// NewMessageHandler constructs a message handler.
func NewMessageHandler(messages service.MessageService, rooms service.RoomService, logger zerolog.Logger) *MessageHandler {
	return &MessageHandler{
		messages: messages,
		rooms:    rooms,
		logger:   logger.With().Str("component", "message_handler").Logger(),
	}
}

// Register wires message routes. postLimiter, when set, guards message creation.
func (h *MessageHandler) Register(router fiber.Router, postLimiter fiber.Handler) {
	create := []fiber.Handler{h.create}
	if postLimiter != nil {
		create = append([]fiber.Handler{postLimiter}, create...)
	}

	router.Get("/rooms/:roomId/messages", h.list)
	router.Post("/rooms/:roomId/messages", create...)
	router.Delete("/rooms/:roomId/messages", h.delete)
	router.Get("/rooms/:roomId/scheduled-messages", h.scheduled)
	router.Get("/rooms/:roomId/members", h.members)
	router.Post("/messages/:id/mark-read", h.markRead)
}

func (h *MessageHandler) list(c *fiber.Ctx) error {
	query := dto.MessageListQuery{RoomID: strings.TrimSpace(c.Params("roomId"))}

	if raw := strings.TrimSpace(c.Query("afterTimestamp")); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid afterTimestamp")
		}
		query.AfterTimestamp = &parsed
	}

	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}
	query.Limit = limit

	messages, err := h.messages.List(requestContext(c), actorFromContext(c), query)
	if err != nil {
		return respondServiceError(c, h.logger, err, "failed to load messages")
	}

	return utils.OK(c, messages, "messages retrieved", fiber.Map{"count": len(messages), "limit": limit})
}

func (h *MessageHandler) create(c *fiber.Ctx) error {
	var payload dto.MessageCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	result, err := h.messages.Create(requestContext(c), actorFromContext(c), c.Params("roomId"), payload)
	if err != nil {
		return respondServiceError(c, h.logger, err, "failed to create message")
	}

	if result.ScheduledMessage != nil {
		return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "message scheduled", result)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "message created", result)
}

func (h *MessageHandler) delete(c *fiber.Ctx) error {
	var payload dto.MessageDeleteRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	result, err := h.messages.Delete(requestContext(c), actorFromContext(c), c.Params("roomId"), payload)
	if err != nil {
		return respondServiceError(c, h.logger, err, "failed to delete messages")
	}

	return utils.SendSuccess(c, "messages deleted", result)
}

func (h *MessageHandler) scheduled(c *fiber.Ctx) error {
	items, err := h.messages.Scheduled(requestContext(c), actorFromContext(c), c.Params("roomId"))
	if err != nil {
		return respondServiceError(c, h.logger, err, "failed to load scheduled messages")
	}

	return utils.SendSuccess(c, "scheduled messages retrieved", items)
}

func (h *MessageHandler) members(c *fiber.Ctx) error {
	members, err := h.rooms.Members(requestContext(c), actorFromContext(c), c.Params("roomId"))
	if err != nil {
		return respondServiceError(c, h.logger, err, "failed to load members")
	}

	return utils.SendSuccess(c, "members retrieved", members)
}

func (h *MessageHandler) markRead(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid message id")
	}

	if err := h.messages.MarkRead(requestContext(c), actorFromContext(c), id); err != nil {
		return respondServiceError(c, h.logger, err, "failed to mark message read")
	}

	return utils.SendSuccess(c, "message marked as read", fiber.Map{"messageId": id})
}
