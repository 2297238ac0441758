package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/amoryn/amoryn-realtime-api/internal/config"
	"github.com/amoryn/amoryn-realtime-api/internal/utils"
)

var serviceStart = time.Now()

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	Service       string    `json:"service"`
	Environment   string    `json:"environment"`
	Transport     string    `json:"transport"`
	UptimeSeconds int64     `json:"uptime_seconds"`
}

// HealthCheck returns a handler that reports application health information,
// including which pub/sub backend the realtime layer is riding on.
func HealthCheck(cfg config.Config, transportName string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:        "ok",
			Timestamp:     time.Now().UTC(),
			Service:       cfg.AppName,
			Environment:   cfg.AppEnv,
			Transport:     transportName,
			UptimeSeconds: int64(time.Since(serviceStart).Seconds()),
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}
