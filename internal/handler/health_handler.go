package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-chat/internal/config"
	"github.com/noah-isme/gema-chat/internal/utils"
)

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status            string    `json:"status"`
	Timestamp         time.Time `json:"timestamp"`
	Service           string    `json:"service"`
	Environment       string    `json:"environment"`
	ActiveConnections int       `json:"active_connections"`
	MediaEnabled      bool      `json:"media_enabled"`
}

// ConnectionCounter reports live realtime connections.
type ConnectionCounter interface {
	ActiveConnections() int
}

// HealthCheck returns a handler that reports application health information.
func HealthCheck(cfg config.Config, counter ConnectionCounter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:       "ok",
			Timestamp:    time.Now().UTC(),
			Service:      cfg.AppName,
			Environment:  cfg.AppEnv,
			MediaEnabled: cfg.MediaEnabled(),
		}
		if counter != nil {
			payload.ActiveConnections = counter.ActiveConnections()
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}
