package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pelusa-v/pelusa-chat/internal/metrics"
	"github.com/pelusa-v/pelusa-chat/internal/store"
)

// Store is everything the chat core needs from persistence.
type Store interface {
	ClaimUsername(ctx context.Context, username string) (*store.User, bool, error)
	ActivityStore
	MessageStore
}

type Options struct {
	SendBuffer     int
	MessageRate    float64 // messages per second; <= 0 disables the limit
	MessageBurst   int
	PersistTimeout time.Duration
}

// ChatManager wires the registry, fanout, presence, router and liveness
// supervisor together and drives each connection.
type ChatManager struct {
	Registry    *Registry
	Broadcaster *Broadcaster
	Presence    *Presence
	Router      *Router
	Supervisor  *Supervisor

	store   Store
	opts    Options
	metrics *metrics.Metrics
	log     *slog.Logger

	// transitions serializes registry changes with the enqueueing of the
	// USER_JOINED/USER_LEFT events they cause, so every connection receives
	// them in transition order.
	transitions sync.Mutex
}

func NewManager(st Store, m *metrics.Metrics, log *slog.Logger, opts Options) *ChatManager {
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 5 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	log = log.With("component", "chat")

	registry := NewRegistry()
	broadcaster := NewBroadcaster(registry, m, log)
	manager := &ChatManager{
		Registry:    registry,
		Broadcaster: broadcaster,
		Presence:    NewPresence(registry, st, broadcaster, m, log),
		Router:      NewRouter(st, broadcaster, opts.PersistTimeout, m, log),
		store:       st,
		opts:        opts,
		metrics:     m,
		log:         log,
	}
	manager.Supervisor = NewSupervisor(registry, manager.Detach, m, log)
	return manager
}

// NewClient wraps conn with the manager's queue size and rate limit.
func (m *ChatManager) NewClient(conn ConnLike) *Client {
	var limiter *rate.Limiter
	if m.opts.MessageRate > 0 {
		burst := m.opts.MessageBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(m.opts.MessageRate), burst)
	}
	return NewClient(conn, m.opts.SendBuffer, limiter)
}

// Serve admits conn, processes its events in receipt order and detaches it
// when the transport fails. It blocks until the writer has stopped.
func (m *ChatManager) Serve(ctx context.Context, conn ConnLike) {
	c := m.NewClient(conn)
	m.Attach(c)
	go c.WritePump(m.log)

	err := c.ReadPump(func(data []byte) { m.HandleRaw(ctx, c, data) })
	m.log.Debug("chat: Read loop ended", "conn_id", c.Id, "error", err)

	m.Detach(ctx, c)
	<-c.writerDone
}

// Attach admits an unidentified client.
func (m *ChatManager) Attach(c *Client) {
	m.Registry.Admit(c)
	m.metrics.Connections.Set(float64(m.Registry.Len()))
	m.log.Info("chat: Connection admitted", "conn_id", c.Id)
}

// Detach removes c and closes it. When c held the last connection of its
// identity, USER_LEFT is broadcast and presence recomputed. Idempotent.
func (m *ChatManager) Detach(ctx context.Context, c *Client) {
	m.transitions.Lock()
	removed, id, last := m.Registry.Remove(c)
	if removed && id != nil && last {
		m.announce(EventUserLeft, id.Username)
	}
	m.transitions.Unlock()

	c.Close()
	if !removed {
		return
	}
	m.metrics.Connections.Set(float64(m.Registry.Len()))

	if id == nil {
		m.log.Info("chat: Connection closed", "conn_id", c.Id)
		return
	}
	m.log.Info("chat: Connection closed", "conn_id", c.Id, "user_id", id.ID, "username", id.Username)
	if last {
		m.broadcastPresence(context.WithoutCancel(ctx))
	}
}

// HandleRaw decodes one inbound frame and dispatches it. Malformed frames
// are logged and dropped without a response.
func (m *ChatManager) HandleRaw(ctx context.Context, c *Client, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		m.dropMalformed(c, "", err)
		return
	}

	switch env.Type {
	case EventSetUsername:
		var req SetUsernameRequest
		if err := decodePayload(env.Payload, &req); err != nil {
			m.dropMalformed(c, env.Type, err)
			return
		}
		_, _ = m.SetUsername(ctx, c, req.Username)

	case EventChatMessage:
		var req ChatMessageRequest
		if err := decodePayload(env.Payload, &req); err != nil {
			m.dropMalformed(c, env.Type, err)
			return
		}
		_, _ = m.SendMessage(ctx, c, req)

	case EventUserStatus:
		m.broadcastPresence(ctx)

	default:
		m.dropMalformed(c, env.Type, fmt.Errorf("unknown event type %q", env.Type))
	}
}

// SetUsername claims username for c and answers SET_USERNAME to c. Joins and
// departures caused by the claim are announced to everyone.
func (m *ChatManager) SetUsername(ctx context.Context, c *Client, username string) (Identity, error) {
	user, err := m.lookupUser(ctx, c, username)
	if err != nil {
		m.rejectClaim(c, err)
		return Identity{}, err
	}
	id := identityFromUser(user)

	m.transitions.Lock()
	res, ok := m.Registry.Claim(c, id)
	if ok {
		if err := m.Broadcaster.SendTo(c, EventSetUsername, SetUsernameResponse{Success: true, User: &id}); err != nil {
			m.log.Debug("chat: Failed to answer claim", "conn_id", c.Id, "error", err)
		}
		if res.PreviousLeft {
			m.announce(EventUserLeft, res.Previous.Username)
		}
		if res.Joined {
			m.announce(EventUserJoined, id.Username)
		}
	}
	m.transitions.Unlock()

	if !ok {
		err := fmt.Errorf("%w: connection already closed", ErrTransportFailure)
		m.rejectClaim(c, err)
		return Identity{}, err
	}

	m.Presence.Seen(id.ID, user.LastActiveAt)
	m.log.Info("chat: Username claimed", "conn_id", c.Id, "user_id", id.ID, "username", id.Username)
	if res.Joined || res.PreviousLeft {
		m.broadcastPresence(ctx)
	}
	return id, nil
}

func (m *ChatManager) lookupUser(ctx context.Context, c *Client, username string) (*store.User, error) {
	name, err := NormalizeUsername(username)
	if err != nil {
		return nil, err
	}

	claimCtx, cancel := context.WithTimeout(ctx, m.opts.PersistTimeout)
	defer cancel()
	user, created, err := m.store.ClaimUsername(claimCtx, name)
	if err != nil {
		m.log.Error("chat: Failed to claim username", "conn_id", c.Id, "username", name, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if created {
		m.log.Debug("chat: Temporary user created", "user_id", user.ID, "username", user.Username)
	}
	return user, nil
}

func (m *ChatManager) rejectClaim(c *Client, err error) {
	m.reject(c, EventSetUsername, err, SetUsernameResponse{
		Success: false,
		Error:   publicMessage(err),
		Code:    ErrorCode(err),
	})
}

// SendMessage routes req from c. Errors are answered to c only.
func (m *ChatManager) SendMessage(ctx context.Context, c *Client, req ChatMessageRequest) (*ChatMessagePayload, error) {
	// Unclaimed connections are answered Unauthenticated by the router
	// regardless of their rate.
	if _, claimed := c.Identity(); claimed && !c.Allow() {
		m.reject(c, EventChatMessage, ErrRateLimited, newErrorPayload(ErrRateLimited))
		return nil, ErrRateLimited
	}
	msg, stage, err := m.Router.Route(ctx, c, req)
	if err != nil {
		if stage < StagePersisted {
			m.reject(c, EventChatMessage, err, newErrorPayload(err))
		} else {
			m.log.Error("chat: Message persisted but not dispatched", "conn_id", c.Id, "stage", stage, "error", err)
		}
		return msg, err
	}
	return msg, nil
}

// Shutdown closes every connection; their Serve loops detach them.
func (m *ChatManager) Shutdown() {
	for _, c := range m.Registry.Snapshot() {
		c.Close()
	}
}

func (m *ChatManager) reject(c *Client, eventType string, err error, payload any) {
	m.metrics.Rejections.WithLabelValues(ErrorCode(err)).Inc()
	if isClientError(err) {
		m.log.Debug("chat: Event rejected", "conn_id", c.Id, "type", eventType, "code", ErrorCode(err))
	}
	if sendErr := m.Broadcaster.SendTo(c, eventType, payload); sendErr != nil {
		m.log.Debug("chat: Failed to answer rejection", "conn_id", c.Id, "error", sendErr)
	}
}

func (m *ChatManager) dropMalformed(c *Client, eventType string, err error) {
	m.metrics.Rejections.WithLabelValues(CodeMalformedEvent).Inc()
	m.log.Warn("chat: Malformed event dropped", "conn_id", c.Id, "type", eventType, "error", err)
}

func (m *ChatManager) announce(eventType, username string) {
	if _, err := m.Broadcaster.Broadcast(eventType, MembershipPayload{Username: username}, nil); err != nil {
		m.log.Error("chat: Failed to announce", "type", eventType, "username", username, "error", err)
	}
}

func (m *ChatManager) broadcastPresence(ctx context.Context) {
	if err := m.Presence.Broadcast(ctx); err != nil {
		m.log.Error("chat: Failed to broadcast presence", "error", err)
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Join(ErrMalformedEvent, err)
	}
	return nil
}
