package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/amoryn/amoryn-realtime-api/internal/config"
	"github.com/amoryn/amoryn-realtime-api/internal/handler"
	"github.com/amoryn/amoryn-realtime-api/internal/middleware"
	"github.com/amoryn/amoryn-realtime-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ChatHandler   *handler.ChatHandler
	CallHandler   *handler.CallHandler
	JWTMiddleware fiber.Handler
	TransportName string
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	// Common v1 group for health & headers
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.TransportName))

	app.Get("/metrics", observability.MetricsHandler())

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.ChatHandler != nil {
		chat := app.Group("/api/v1/chat", jwtMiddleware,
			middleware.RateLimit("chat", 120, time.Minute))
		deps.ChatHandler.Register(chat)
	}

	if deps.CallHandler != nil {
		calls := app.Group("/api/v1/calls", jwtMiddleware)
		deps.CallHandler.Register(calls)
	}
}
