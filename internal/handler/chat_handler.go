package handler

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/amoryn/amoryn-realtime-api/internal/dto"
	"github.com/amoryn/amoryn-realtime-api/internal/middleware"
	"github.com/amoryn/amoryn-realtime-api/internal/service"
	"github.com/amoryn/amoryn-realtime-api/internal/utils"
)

// Client actions accepted on the chat websocket.
const (
	chatActionSend       = "send"
	chatActionRetry      = "retry"
	chatActionMarkRead   = "mark_read"
	chatActionRetract    = "retract"
	chatActionReact      = "react"
	chatActionTyping     = "typing"
	chatActionStopTyping = "stop_typing"
)

// chatClientFrame is one inbound websocket frame.
type chatClientFrame struct {
	Action    string `json:"action"`
	Content   string `json:"content,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Handle    string `json:"handle,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Scope     string `json:"scope,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
}

// chatServerFrame is one outbound websocket frame. Exactly one payload
// field is populated per frame type.
type chatServerFrame struct {
	Type      string                           `json:"type"`
	Entries   []service.Entry                  `json:"entries,omitempty"`
	Typing    []dto.TypingState                `json:"typing,omitempty"`
	Reactions map[string][]dto.ReactionSummary `json:"reactions,omitempty"`
	Error     string                           `json:"error,omitempty"`
}

// ChatHandler wires conversation endpoints including the websocket upgrade.
type ChatHandler struct {
	conversations *service.ConversationService
	validator     *validator.Validate
	logger        zerolog.Logger
}

// NewChatHandler creates a chat handler instance.
func NewChatHandler(conversations *service.ConversationService, validate *validator.Validate, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		conversations: conversations,
		validator:     validate,
		logger:        logger.With().Str("component", "chat_handler").Logger(),
	}
}

// Register binds chat routes under the provided router group.
func (h *ChatHandler) Register(router fiber.Router) {
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
	router.Get("/history", h.history)
}

func (h *ChatHandler) handleConnection(conn *websocket.Conn) {
	userID := websocketUserID(conn)
	if userID == "" {
		closeWithReason(conn, fiber.StatusUnauthorized, "user id missing")
		return
	}

	conversationID := strings.TrimSpace(conn.Query("conversation_id"))
	peerID := strings.TrimSpace(conn.Query("peer_id"))
	if conversationID == "" || peerID == "" {
		closeWithReason(conn, fiber.StatusBadRequest, "conversation_id and peer_id required")
		return
	}

	profile := service.Profile{
		Name:   strings.TrimSpace(conn.Query("name")),
		Avatar: strings.TrimSpace(conn.Query("avatar")),
	}

	baseCtx, _ := conn.Locals("request_ctx").(context.Context)
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	ws := &wsConn{Conn: conn}

	session, err := h.conversations.Open(baseCtx, conversationID, userID, peerID, profile)
	if err != nil {
		h.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to open conversation session")
		closeWithReason(conn, fiber.StatusInternalServerError, "failed to open conversation")
		return
	}
	defer session.Close()

	h.logger.Info().Str("user_id", userID).Str("conversation_id", conversationID).Msg("chat websocket connected")

	// Initial snapshot so the client renders without waiting for a change.
	h.writeLog(ws, session)
	h.writeReactions(ws, session)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for kind := range session.Updates() {
			switch kind {
			case service.UpdateLog:
				h.writeLog(ws, session)
			case service.UpdateTyping:
				h.writeTyping(ws, session)
			case service.UpdateReactions:
				h.writeReactions(ws, session)
			}
		}
	}()

	h.readLoop(baseCtx, ws, session)
	session.Close()
	<-done

	h.logger.Info().Str("user_id", userID).Str("conversation_id", conversationID).Msg("chat websocket disconnected")
}

func (h *ChatHandler) readLoop(ctx context.Context, conn *wsConn, session *service.ConversationSession) {
	for {
		var frame chatClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			h.logger.Debug().Err(err).Msg("chat read loop ended")
			return
		}

		var err error
		switch frame.Action {
		case chatActionSend:
			_, err = session.Send(ctx, frame.Content, frame.Kind)
		case chatActionRetry:
			err = session.Retry(frame.Handle)
		case chatActionMarkRead:
			err = session.MarkRead(ctx)
		case chatActionRetract:
			err = session.Retract(ctx, frame.MessageID, frame.Scope)
		case chatActionReact:
			err = session.ToggleReaction(ctx, frame.MessageID, frame.Emoji)
		case chatActionTyping:
			session.NotifyTyping(ctx)
		case chatActionStopTyping:
			session.StopTyping(ctx)
		default:
			h.logger.Debug().Str("action", frame.Action).Msg("ignoring unknown chat action")
		}

		if err != nil {
			h.logger.Warn().Err(err).Str("action", frame.Action).Msg("chat action failed")
			h.writeFrame(conn, chatServerFrame{Type: "error", Error: err.Error()})
		}
	}
}

func (h *ChatHandler) writeLog(conn *wsConn, session *service.ConversationSession) {
	h.writeFrame(conn, chatServerFrame{Type: "log", Entries: session.Log()})
}

func (h *ChatHandler) writeTyping(conn *wsConn, session *service.ConversationSession) {
	h.writeFrame(conn, chatServerFrame{Type: "typing", Typing: session.TypingUsers()})
}

func (h *ChatHandler) writeReactions(conn *wsConn, session *service.ConversationSession) {
	reactions := make(map[string][]dto.ReactionSummary)
	for _, entry := range session.Log() {
		if summaries := session.ReactionsFor(entry.Message.ID); len(summaries) > 0 {
			reactions[entry.Message.ID] = summaries
		}
	}
	h.writeFrame(conn, chatServerFrame{Type: "reactions", Reactions: reactions})
}

func (h *ChatHandler) writeFrame(conn *wsConn, frame chatServerFrame) {
	if err := conn.WriteJSON(frame); err != nil {
		h.logger.Debug().Err(err).Msg("chat write failed")
	}
}

func (h *ChatHandler) history(c *fiber.Ctx) error {
	conversationID := c.Query("conversation_id")
	if conversationID == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "conversation_id required")
	}

	var beforePtr *time.Time
	if before := c.Query("before"); before != "" {
		parsed, err := time.Parse(time.RFC3339, before)
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid before timestamp")
		}
		beforePtr = &parsed
	}

	limit := 0
	if limitRaw := c.Query("limit"); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
		}
		limit = parsed
	}

	query := dto.HistoryQuery{
		ConversationID: conversationID,
		Before:         beforePtr,
		Limit:          limit,
	}

	if err := h.validator.Struct(query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))

	messages, err := h.conversations.History(ctx, query)
	if err != nil {
		return utils.SendError(c, fiber.StatusInternalServerError, err.Error())
	}

	return utils.SendSuccess(c, "conversation history", messages)
}

func closeWithReason(conn *websocket.Conn, status int, reason string) {
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(status, reason))
	_ = conn.Close()
}
