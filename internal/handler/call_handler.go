package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/amoryn/amoryn-realtime-api/internal/dto"
	"github.com/amoryn/amoryn-realtime-api/internal/middleware"
	"github.com/amoryn/amoryn-realtime-api/internal/repository"
	"github.com/amoryn/amoryn-realtime-api/internal/service"
	"github.com/amoryn/amoryn-realtime-api/internal/transport"
)

// CallHandler exposes the call signaling websocket. Each connection gets
// a relay bound to the authenticated user; frames in both directions are
// signal envelopes.
type CallHandler struct {
	channel  transport.Channel
	callLogs repository.CallLogRepository
	relayCfg service.RelayConfig
	logger   zerolog.Logger
}

// NewCallHandler creates a call signaling handler.
func NewCallHandler(channel transport.Channel, callLogs repository.CallLogRepository, relayCfg service.RelayConfig, logger zerolog.Logger) *CallHandler {
	return &CallHandler{
		channel:  channel,
		callLogs: callLogs,
		relayCfg: relayCfg,
		logger:   logger.With().Str("component", "call_handler").Logger(),
	}
}

// Register binds the signaling websocket under the provided router group.
func (h *CallHandler) Register(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			ctx := c.UserContext()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx = middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
			c.Locals("request_ctx", ctx)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	router.Get("/ws", websocket.New(h.handleConnection))
}

func (h *CallHandler) handleConnection(conn *websocket.Conn) {
	userID := websocketUserID(conn)
	if userID == "" {
		closeWithReason(conn, fiber.StatusUnauthorized, "user id missing")
		return
	}

	baseCtx, _ := conn.Locals("request_ctx").(context.Context)
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	relay := service.NewSignalRelay(userID, h.channel, h.callLogs, h.relayCfg, h.logger)
	if err := relay.Start(baseCtx); err != nil {
		h.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to start signal relay")
		closeWithReason(conn, fiber.StatusInternalServerError, "failed to join signaling")
		return
	}
	defer relay.Close()

	h.logger.Info().Str("user_id", userID).Msg("signaling websocket connected")

	ws := &wsConn{Conn: conn}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for signal := range relay.Signals() {
			payload, err := dto.EncodeSignal(signal)
			if err != nil {
				h.logger.Warn().Err(err).Msg("failed to encode outbound signal")
				continue
			}
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.logger.Debug().Err(err).Msg("signaling write failed")
				return
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			h.logger.Debug().Err(err).Msg("signaling read loop ended")
			break
		}

		signal, err := dto.DecodeSignal(data)
		if err != nil {
			h.logger.Debug().Err(err).Msg("ignoring undecodable client signal")
			continue
		}

		if err := relay.Send(baseCtx, signal); err != nil {
			h.logger.Warn().Err(err).Str("kind", string(signal.SignalKind())).Msg("failed to relay signal")
		}
	}

	relay.Close()
	<-done

	h.logger.Info().Str("user_id", userID).Msg("signaling websocket disconnected")
}
