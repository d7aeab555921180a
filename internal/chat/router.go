package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pelusa-v/pelusa-chat/internal/metrics"
	"github.com/pelusa-v/pelusa-chat/internal/store"
)

// MessageStore persists chat messages.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *store.Message) error
	MessageExists(ctx context.Context, id uint) (bool, error)
}

// Stage is how far a message got through the router.
type Stage int

const (
	StageReceived Stage = iota
	StageValidated
	StageReplyResolved
	StagePersisted
	StageEnriched
	StageDispatched
)

func (s Stage) String() string {
	switch s {
	case StageReceived:
		return "received"
	case StageValidated:
		return "validated"
	case StageReplyResolved:
		return "reply_resolved"
	case StagePersisted:
		return "persisted"
	case StageEnriched:
		return "enriched"
	case StageDispatched:
		return "dispatched"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Router takes one chat message from a raw request to a persisted, broadcast
// event. A failure stops the pipeline; the caller answers the sender only.
type Router struct {
	store          MessageStore
	broadcaster    *Broadcaster
	persistTimeout time.Duration
	metrics        *metrics.Metrics
	log            *slog.Logger
}

func NewRouter(st MessageStore, b *Broadcaster, persistTimeout time.Duration, m *metrics.Metrics, log *slog.Logger) *Router {
	if persistTimeout <= 0 {
		persistTimeout = 5 * time.Second
	}
	return &Router{store: st, broadcaster: b, persistTimeout: persistTimeout, metrics: m, log: log}
}

// Route runs the pipeline for req sent by c. It returns the dispatched
// message and the last stage reached.
func (r *Router) Route(ctx context.Context, c *Client, req ChatMessageRequest) (*ChatMessagePayload, Stage, error) {
	stage := StageReceived

	sender, ok := c.Identity()
	if !ok {
		return nil, stage, ErrUnauthenticated
	}
	content := strings.TrimSpace(req.Content)
	if content == "" && req.Media.Empty() {
		return nil, stage, ErrEmptyMessage
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return nil, stage, ErrMessageTooLong
	}
	stage = StageValidated

	replyTo := r.resolveReply(ctx, c, req.ReplyToMessageID)
	mentions := ExtractMentions(content, req.Mentions)
	stage = StageReplyResolved

	msg := &store.Message{
		UserID:           &sender.ID,
		Content:          content,
		Media:            req.Media.storeJSON(),
		Mentions:         encodeMentions(mentions),
		ReplyToMessageID: replyTo,
	}
	if err := r.persist(ctx, msg); err != nil {
		r.log.Error("chat: Failed to persist message",
			"conn_id", c.Id, "user_id", sender.ID, "error", err)
		return nil, stage, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	r.metrics.MessagesPersisted.Inc()
	stage = StagePersisted

	payload := NewChatMessagePayload(msg, &sender)
	payload.Media = req.Media
	payload.Mentions = mentions
	stage = StageEnriched

	if _, err := r.broadcaster.Broadcast(EventChatMessage, payload, nil); err != nil {
		return &payload, stage, err
	}
	r.broadcaster.notifyMentions(payload)
	stage = StageDispatched

	r.log.Debug("chat: Message dispatched", "message_id", payload.ID, "user_id", sender.ID)
	return &payload, stage, nil
}

// resolveReply returns the reply target if it still exists. A missing target
// or a failed lookup drops the reference; the message is still sent.
func (r *Router) resolveReply(ctx context.Context, c *Client, ref ReplyRef) *uint {
	id, ok := ref.ID()
	if !ok {
		return nil
	}
	lookupCtx, cancel := context.WithTimeout(ctx, r.persistTimeout)
	defer cancel()

	exists, err := r.store.MessageExists(lookupCtx, id)
	if err != nil {
		r.log.Warn("chat: Reply lookup failed, dropping reference",
			"conn_id", c.Id, "reply_to", id, "error", err)
		return nil
	}
	if !exists {
		r.log.Debug("chat: Reply target missing, dropping reference", "conn_id", c.Id, "reply_to", id)
		return nil
	}
	return &id
}

func (r *Router) persist(ctx context.Context, msg *store.Message) error {
	ctx, cancel := context.WithTimeout(ctx, r.persistTimeout)
	defer cancel()

	return r.store.CreateMessage(ctx, msg)
}
