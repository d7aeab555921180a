// Package reconnect keeps a client websocket connected, re-dialing with
// exponential backoff for as long as its context lives.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	BackingOff
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case BackingOff:
		return "backing_off"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var ErrNotConnected = errors.New("not connected")

// Backoff returns base * 2^attempt, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Conn is the client side of a websocket.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with fasthttp/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type Config struct {
	URL       string
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Controller owns one logical connection and drives it through
// Disconnected → Connecting → Connected → BackingOff → Connecting ...
type Controller struct {
	cfg    Config
	dialer Dialer
	log    *slog.Logger

	// OnConnect runs on every new connection before it is reported Connected
	// and before Send accepts traffic. An error drops the connection.
	OnConnect func(ctx context.Context, conn Conn) error
	// OnMessage receives every inbound frame.
	OnMessage func(data []byte)
	// OnStateChange observes transitions.
	OnStateChange func(State)

	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	state   State
	attempt int
	conn    Conn
	writeMu sync.Mutex
}

func New(cfg Config, dialer Dialer, log *slog.Logger) *Controller {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	return &Controller{cfg: cfg, dialer: dialer, log: log.With("component", "reconnect"), sleep: sleepContext}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run connects and reconnects until ctx is done. It never gives up.
func (c *Controller) Run(ctx context.Context) error {
	defer c.setState(Disconnected)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.setState(Connecting)
		conn, err := c.connect(ctx)
		if err == nil {
			c.serve(ctx, conn)
		} else {
			c.log.Warn("reconnect: Connect failed", "url", c.cfg.URL, "error", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		c.mu.Lock()
		delay := Backoff(c.attempt, c.cfg.BaseDelay, c.cfg.MaxDelay)
		c.attempt++
		c.mu.Unlock()

		c.setState(BackingOff)
		c.log.Info("reconnect: Backing off", "delay", delay)
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Send writes one text frame on the current connection.
func (c *Controller) Send(data []byte) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if conn == nil || state != Connected {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Controller) connect(ctx context.Context) (Conn, error) {
	conn, err := c.dialer.Dial(ctx, c.cfg.URL)
	if err != nil {
		return nil, err
	}
	if c.OnConnect != nil {
		c.writeMu.Lock()
		err := c.OnConnect(ctx, conn)
		c.writeMu.Unlock()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("on connect: %w", err)
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.attempt = 0
	c.mu.Unlock()
	c.setState(Connected)
	c.log.Info("reconnect: Connected", "url", c.cfg.URL)
	return conn, nil
}

// serve reads until the connection fails or ctx ends.
func (c *Controller) serve(ctx context.Context, conn Conn) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("reconnect: Connection lost", "error", err)
			}
			break
		}
		if c.OnMessage != nil {
			c.OnMessage(data)
		}
	}

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.OnStateChange != nil {
		c.OnStateChange(s)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
