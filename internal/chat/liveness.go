package chat

import (
	"context"
	"log/slog"

	"github.com/pelusa-v/pelusa-chat/internal/metrics"
)

// Supervisor evicts half-open connections. Each Probe pings every connection;
// one that has not answered by the next Probe, or that was marked suspect in
// between, is evicted.
type Supervisor struct {
	registry *Registry
	evict    func(ctx context.Context, c *Client)
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func NewSupervisor(registry *Registry, evict func(ctx context.Context, c *Client), m *metrics.Metrics, log *slog.Logger) *Supervisor {
	return &Supervisor{registry: registry, evict: evict, metrics: m, log: log}
}

// Probe runs one heartbeat round and returns how many connections it evicted.
func (s *Supervisor) Probe(ctx context.Context) int {
	evicted := 0
	for _, c := range s.registry.Snapshot() {
		if ctx.Err() != nil {
			break
		}
		if c.beginProbe() {
			s.terminate(ctx, c, "no pong since last probe")
			evicted++
			continue
		}
		if err := c.ping(); err != nil {
			s.log.Debug("chat: Ping failed", "conn_id", c.Id, "error", err)
			s.terminate(ctx, c, "ping failed")
			evicted++
		}
	}
	return evicted
}

// Run is the periodic liveness job.
func (s *Supervisor) Run(ctx context.Context) error {
	s.Probe(ctx)
	return nil
}

func (s *Supervisor) terminate(ctx context.Context, c *Client, reason string) {
	attrs := []any{"conn_id", c.Id, "reason", reason}
	if id, ok := c.Identity(); ok {
		attrs = append(attrs, "user_id", id.ID, "username", id.Username)
	}
	s.log.Info("chat: Evicting connection", attrs...)
	s.metrics.Evictions.Inc()
	s.evict(ctx, c)
}
