package chat

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pelusa-v/pelusa-chat/internal/metrics"
)

// Broadcaster fans one event out to every live connection.
type Broadcaster struct {
	registry *Registry
	metrics  *metrics.Metrics
	log      *slog.Logger

	// mu orders broadcasts: each one is snapshotted and queued before the next.
	mu sync.Mutex
}

func NewBroadcaster(registry *Registry, m *metrics.Metrics, log *slog.Logger) *Broadcaster {
	return &Broadcaster{registry: registry, metrics: m, log: log}
}

// Broadcast serialises the event once and queues it on every registered
// connection except exclude. A connection whose queue is full is marked
// suspect and skipped.
func (b *Broadcaster) Broadcast(eventType string, payload any, exclude *Client) (int, error) {
	return b.BroadcastFunc(eventType, func() (any, error) { return payload, nil }, exclude)
}

// BroadcastFunc builds the payload at send time, after the previous broadcast
// has been queued, from the same snapshot it is delivered to.
func (b *Broadcaster) BroadcastFunc(eventType string, build func() (any, error), exclude *Client) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	payload, err := build()
	if err != nil {
		return 0, fmt.Errorf("failed to build %s: %w", eventType, err)
	}
	data, err := encodeEvent(eventType, payload)
	if err != nil {
		return 0, fmt.Errorf("failed to encode %s: %w", eventType, err)
	}

	delivered := b.deliver(b.registry.Snapshot(), data, exclude)
	b.metrics.Broadcasts.WithLabelValues(eventType).Inc()
	return delivered, nil
}

// SendTo queues one event on c only.
func (b *Broadcaster) SendTo(c *Client, eventType string, payload any) error {
	data, err := encodeEvent(eventType, payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", eventType, err)
	}
	if err := c.Enqueue(data); err != nil {
		if errors.Is(err, ErrTransportFailure) {
			b.markFailed(c, err)
		}
		return err
	}
	return nil
}

func (b *Broadcaster) deliver(targets []*Client, data []byte, exclude *Client) int {
	delivered := 0
	for _, c := range targets {
		if c == exclude {
			continue
		}
		if err := c.Enqueue(data); err != nil {
			if errors.Is(err, ErrTransportFailure) {
				b.markFailed(c, err)
			}
			continue
		}
		delivered++
	}
	return delivered
}

func (b *Broadcaster) markFailed(c *Client, err error) {
	c.MarkSuspect()
	b.metrics.SendFailures.Inc()
	attrs := []any{"conn_id", c.Id, "error", err}
	if id, ok := c.Identity(); ok {
		attrs = append(attrs, "user_id", id.ID)
	}
	b.log.Warn("chat: Delivery failed, connection marked suspect", attrs...)
}
