package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-chat/internal/metrics"
	"github.com/pelusa-v/pelusa-chat/internal/store"
)

var errConnClosed = errors.New("use of closed connection")

// fakeConn is an in-memory transport. Frames pushed with deliver are returned
// by ReadMessage; written frames are recorded.
type fakeConn struct {
	inbound chan []byte
	done    chan struct{}
	once    sync.Once

	mu       sync.Mutex
	written  [][]byte
	pings    int
	autoPong bool
	pingErr  error
	pong     func(string) error
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 64), done: make(chan struct{}), autoPong: true}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.inbound:
		return 1, data, nil
	case <-f.done:
		return 0, nil, errConnClosed
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-f.done:
		return errConnClosed
	default:
	}
	f.mu.Lock()
	f.written = append(f.written, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) WriteControl(int, []byte, time.Time) error {
	f.mu.Lock()
	f.pings++
	err, auto, pong := f.pingErr, f.autoPong, f.pong
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if auto && pong != nil {
		return pong("")
	}
	return nil
}

func (f *fakeConn) SetPongHandler(h func(string) error) {
	f.mu.Lock()
	f.pong = h
	f.mu.Unlock()
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// goSilent stops answering pings, like a peer that vanished without a close frame.
func (f *fakeConn) goSilent() {
	f.mu.Lock()
	f.autoPong = false
	f.mu.Unlock()
}

func (f *fakeConn) deliver(t *testing.T, eventType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(Envelope{Type: eventType, Payload: raw})
	require.NoError(t, err)
	f.inbound <- data
}

func (f *fakeConn) frames() []frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]frame, 0, len(f.written))
	for _, data := range f.written {
		out = append(out, decodeFrame(data))
	}
	return out
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func decodeFrame(data []byte) frame {
	var fr frame
	_ = json.Unmarshal(data, &fr)
	return fr
}

func (fr frame) decode(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(fr.Payload, v))
}

// drain returns the frames queued on c without a writer running.
func drain(c *Client) []frame {
	var out []frame
	for {
		select {
		case data, ok := <-c.Send:
			if !ok {
				return out
			}
			out = append(out, decodeFrame(data))
		default:
			return out
		}
	}
}

func framesOfType(frames []frame, eventType string) []frame {
	var out []frame
	for _, fr := range frames {
		if fr.Type == eventType {
			out = append(out, fr)
		}
	}
	return out
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func setupTestManager(t *testing.T, st Store) *ChatManager {
	t.Helper()
	if st == nil {
		st = setupTestStore(t)
	}
	return NewManager(st, metrics.NewNop(), silentLogger(), Options{
		SendBuffer:     64,
		PersistTimeout: time.Second,
	})
}

// connect attaches a client without a writer so tests read its queue directly.
func connect(m *ChatManager) (*Client, *fakeConn) {
	conn := newFakeConn()
	c := m.NewClient(conn)
	m.Attach(c)
	return c, conn
}

func claim(t *testing.T, m *ChatManager, c *Client, username string) Identity {
	t.Helper()
	id, err := m.SetUsername(context.Background(), c, username)
	require.NoError(t, err)
	return id
}

// flakyStore wraps a real store and injects failures.
type flakyStore struct {
	*store.Store

	mu        sync.Mutex
	createErr error
	existsErr error
	touchErr  map[uint]error
	block     bool
}

func (f *flakyStore) CreateMessage(ctx context.Context, msg *store.Message) error {
	f.mu.Lock()
	err, block := f.createErr, f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	return f.Store.CreateMessage(ctx, msg)
}

func (f *flakyStore) MessageExists(ctx context.Context, id uint) (bool, error) {
	f.mu.Lock()
	err := f.existsErr
	f.mu.Unlock()
	if err != nil {
		return false, err
	}
	return f.Store.MessageExists(ctx, id)
}

func (f *flakyStore) TouchUser(ctx context.Context, id uint) (time.Time, error) {
	f.mu.Lock()
	err := f.touchErr[id]
	f.mu.Unlock()
	if err != nil {
		return time.Time{}, err
	}
	return f.Store.TouchUser(ctx, id)
}
