package handlers

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/pelusa-v/pelusa-chat/internal/chat"
	"github.com/pelusa-v/pelusa-chat/internal/store"
)

const maxHistoryDays = 30

// HistoryStore is the read path into the message store.
type HistoryStore interface {
	ListMessagesSince(ctx context.Context, since time.Time) ([]store.Message, error)
	ExistingMessageIDs(ctx context.Context, ids []uint) (map[uint]bool, error)
	Ping(ctx context.Context) error
}

type Handlers struct {
	ctx         context.Context
	manager     *chat.ChatManager
	store       HistoryStore
	historyDays int
	log         *slog.Logger
	now         func() time.Time
}

// New creates the handlers. ctx bounds every websocket session.
func New(ctx context.Context, manager *chat.ChatManager, st HistoryStore, historyDays int, log *slog.Logger) *Handlers {
	if historyDays <= 0 {
		historyDays = 3
	}
	return &Handlers{
		ctx:         ctx,
		manager:     manager,
		store:       st,
		historyDays: historyDays,
		log:         log.With("component", "handlers"),
		now:         time.Now,
	}
}

type HistoryResponse struct {
	Messages []chat.ChatMessagePayload `json:"messages"`
	Since    string                    `json:"since"`
}

type OnlineResponse struct {
	Users []chat.OnlineUser `json:"users"`
	Count int               `json:"count"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	Database    string `json:"database"`
	Connections int    `json:"connections"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WebSocketHandler GET /ws
func (h *Handlers) WebSocketHandler(c *websocket.Conn) {
	h.manager.Serve(h.ctx, c)
}

// HistoryHandler GET /api/chat/messages?days=N
func (h *Handlers) HistoryHandler(c *fiber.Ctx) error {
	days := h.historyDays
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
				Error:   "invalid_days",
				Message: "days must be an integer",
			})
		}
		days = n
	}
	days = min(max(days, 1), maxHistoryDays)

	ctx := c.UserContext()
	since := h.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	msgs, err := h.store.ListMessagesSince(ctx, since)
	if err != nil {
		h.log.Error("handlers: Failed to load history", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "history_failed",
			Message: "Failed to load chat history",
		})
	}

	var replyIDs []uint
	for _, m := range msgs {
		if m.ReplyToMessageID != nil {
			replyIDs = append(replyIDs, *m.ReplyToMessageID)
		}
	}
	existing, err := h.store.ExistingMessageIDs(ctx, replyIDs)
	if err != nil {
		h.log.Warn("handlers: Failed to resolve reply targets", "error", err)
		existing = nil
	}

	out := make([]chat.ChatMessagePayload, 0, len(msgs))
	for i := range msgs {
		p := chat.NewChatMessagePayload(&msgs[i], nil)
		if p.ReplyToMessageID != nil && existing != nil && !existing[*p.ReplyToMessageID] {
			p.ReplyTargetMissing = true
		}
		out = append(out, p)
	}

	return c.JSON(HistoryResponse{Messages: out, Since: chat.FormatTime(since)})
}

// OnlineHandler GET /api/chat/online
func (h *Handlers) OnlineHandler(c *fiber.Ctx) error {
	users := h.manager.Presence.ComputeOnline(c.UserContext())
	return c.JSON(OnlineResponse{Users: users, Count: len(users)})
}

// HealthHandler GET /health
func (h *Handlers) HealthHandler(c *fiber.Ctx) error {
	resp := HealthResponse{
		Status:      "healthy",
		Database:    "ok",
		Connections: h.manager.Registry.Len(),
	}
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.log.Warn("handlers: Database ping failed", "error", err)
		resp.Status = "degraded"
		resp.Database = "unavailable"
		return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
	}
	return c.JSON(resp)
}
