package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-chat/internal/config"
	"github.com/noah-isme/gema-chat/internal/handler"
	"github.com/noah-isme/gema-chat/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	MessageHandler  *handler.MessageHandler
	MediaHandler    *handler.MediaHandler
	RealtimeHandler *handler.RealtimeHandler
	Connections     handler.ConnectionCounter
	JWTMiddleware   fiber.Handler
	PostLimiter     fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.Connections))

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.RealtimeHandler != nil {
		realtime := api.Group("/realtime", jwtMiddleware)
		deps.RealtimeHandler.Register(realtime)
	}

	// Registered after the public routes: the group middleware covers the whole /api/v1 prefix.
	chat := api.Group("", jwtMiddleware)
	if deps.MessageHandler != nil {
		deps.MessageHandler.Register(chat, deps.PostLimiter)
	}
	if deps.MediaHandler != nil {
		deps.MediaHandler.Register(chat)
	}
}
