package chat

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pelusa-v/pelusa-chat/internal/metrics"
)

// ActivityStore records user activity.
type ActivityStore interface {
	TouchUser(ctx context.Context, id uint) (time.Time, error)
}

// Presence derives the online set from the registry.
type Presence struct {
	registry    *Registry
	store       ActivityStore
	broadcaster *Broadcaster
	metrics     *metrics.Metrics
	log         *slog.Logger

	mu         sync.Mutex
	lastActive map[uint]time.Time
}

func NewPresence(registry *Registry, st ActivityStore, b *Broadcaster, m *metrics.Metrics, log *slog.Logger) *Presence {
	return &Presence{
		registry:    registry,
		store:       st,
		broadcaster: b,
		metrics:     m,
		log:         log,
		lastActive:  make(map[uint]time.Time),
	}
}

// Seen records a last-active time learned elsewhere, e.g. from a claim.
func (p *Presence) Seen(id uint, at time.Time) {
	p.mu.Lock()
	if at.After(p.lastActive[id]) {
		p.lastActive[id] = at
	}
	p.mu.Unlock()
}

// ComputeOnline refreshes last-active for every online identity and returns
// the distinct online users. A failed refresh is logged and skipped.
func (p *Presence) ComputeOnline(ctx context.Context) []OnlineUser {
	p.refresh(ctx)
	return p.online()
}

// Broadcast pushes USER_STATUS to every connection. The list is built when the
// event is sent, not when Broadcast is called.
func (p *Presence) Broadcast(ctx context.Context) error {
	p.refresh(ctx)
	_, err := p.broadcaster.BroadcastFunc(EventUserStatus, func() (any, error) {
		return UserStatusPayload{Users: p.online()}, nil
	}, nil)
	return err
}

// Run is the periodic presence job.
func (p *Presence) Run(ctx context.Context) error {
	return p.Broadcast(ctx)
}

func (p *Presence) refresh(ctx context.Context) {
	ids := make(map[uint]bool)
	for _, c := range p.registry.Snapshot() {
		if !c.Alive() {
			continue
		}
		if id, ok := c.Identity(); ok {
			ids[id.ID] = true
		}
	}

	for id := range ids {
		at, err := p.store.TouchUser(ctx, id)
		if err != nil {
			p.log.Warn("chat: Failed to refresh last active", "user_id", id, "error", err)
			continue
		}
		p.Seen(id, at)
	}

	p.mu.Lock()
	for id := range p.lastActive {
		if !ids[id] {
			delete(p.lastActive, id)
		}
	}
	p.mu.Unlock()
}

// online lists distinct identities backing at least one alive connection,
// sorted by username.
func (p *Presence) online() []OnlineUser {
	byID := make(map[uint]OnlineUser)
	for _, c := range p.registry.Snapshot() {
		if !c.Alive() {
			continue
		}
		id, ok := c.Identity()
		if !ok {
			continue
		}
		if _, dup := byID[id.ID]; dup {
			continue
		}
		byID[id.ID] = OnlineUser{ID: id.ID, Username: id.Username, Avatar: id.Avatar}
	}

	now := time.Now()
	users := make([]OnlineUser, 0, len(byID))
	p.mu.Lock()
	for id, u := range byID {
		at, ok := p.lastActive[id]
		if !ok {
			at = now
		}
		u.LastActive = FormatTime(at)
		users = append(users, u)
	}
	p.mu.Unlock()

	sort.Slice(users, func(i, j int) bool {
		a, b := strings.ToLower(users[i].Username), strings.ToLower(users[j].Username)
		if a == b {
			return users[i].ID < users[j].ID
		}
		return a < b
	})
	p.metrics.OnlineUsers.Set(float64(len(users)))
	return users
}
