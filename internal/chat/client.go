package chat

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ConnLike is the transport a Client drives. *websocket.Conn satisfies it.
type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

var errClientClosed = errors.New("client closed")

const writeWait = 10 * time.Second

// Client is one live connection. Outbound frames are queued on Send and
// written by WritePump; inbound frames are read by ReadPump.
type Client struct {
	Id   string
	Conn ConnLike
	Send chan []byte

	limiter     *rate.Limiter
	connectedAt time.Time
	writerDone  chan struct{}

	mu           sync.Mutex
	identity     *Identity
	alive        bool
	awaitingPong bool
	lastPong     time.Time
	closed       bool
}

// NewClient wraps conn with a send queue of sendBuffer frames. limiter may be
// nil for no inbound rate limit.
func NewClient(conn ConnLike, sendBuffer int, limiter *rate.Limiter) *Client {
	if sendBuffer <= 0 {
		sendBuffer = 16
	}
	now := time.Now()
	c := &Client{
		Id:          uuid.NewString(),
		Conn:        conn,
		Send:        make(chan []byte, sendBuffer),
		limiter:     limiter,
		connectedAt: now,
		writerDone:  make(chan struct{}),
		alive:       true,
		lastPong:    now,
	}
	conn.SetPongHandler(c.handlePong)
	return c
}

// Identity returns the claimed identity, if any.
func (c *Client) Identity() (Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return Identity{}, false
	}
	return *c.identity, true
}

// setIdentity replaces the claim and returns the previous one.
func (c *Client) setIdentity(id Identity) *Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.identity
	c.identity = &id
	return prev
}

// Alive reports whether the connection has not been marked suspect.
func (c *Client) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive && !c.closed
}

// MarkSuspect flags the connection for eviction by the next liveness probe.
func (c *Client) MarkSuspect() {
	c.mu.Lock()
	c.alive = false
	c.mu.Unlock()
}

// LastPong returns when the peer last answered a ping.
func (c *Client) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

func (c *Client) handlePong(string) error {
	c.mu.Lock()
	c.awaitingPong = false
	c.lastPong = time.Now()
	c.mu.Unlock()
	return nil
}

// beginProbe reports whether the connection must be evicted: it was marked
// suspect or never answered the previous ping. Otherwise it starts a new round.
func (c *Client) beginProbe() (evict bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.alive || c.awaitingPong {
		return true
	}
	c.awaitingPong = true
	return false
}

func (c *Client) ping() error {
	return c.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Allow consumes one inbound message token.
func (c *Client) Allow() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

// Enqueue queues data without blocking. A full queue is a transport failure.
func (c *Client) Enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.Send <- data:
		return nil
	default:
		return ErrTransportFailure
	}
}

// Close stops the writer and closes the transport. Safe to call repeatedly.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.alive = false
	close(c.Send)
	c.mu.Unlock()
	_ = c.Conn.Close()
}

// ReadPump delivers inbound frames to handle in receipt order until the
// transport fails.
func (c *Client) ReadPump(handle func(data []byte)) error {
	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			return err
		}
		handle(data)
	}
}

// WritePump writes queued frames until Send is closed. After the first write
// error the connection is marked suspect and the rest of the queue is dropped.
func (c *Client) WritePump(log *slog.Logger) {
	defer close(c.writerDone)
	failed := false
	for data := range c.Send {
		if failed {
			continue
		}
		if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
			failed = true
			c.MarkSuspect()
			log.Warn("chat: Write failed", "conn_id", c.Id, "error", err)
		}
	}
}
