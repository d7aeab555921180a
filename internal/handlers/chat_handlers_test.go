package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-chat/internal/chat"
	"github.com/pelusa-v/pelusa-chat/internal/metrics"
	"github.com/pelusa-v/pelusa-chat/internal/store"
)

// idleConn is a transport that never receives anything.
type idleConn struct{}

func (idleConn) ReadMessage() (int, []byte, error) { return 0, nil, io.EOF }
func (idleConn) WriteMessage(int, []byte) error { return nil }
func (idleConn) WriteControl(int, []byte, time.Time) error { return nil }
func (idleConn) SetPongHandler(func(string) error) {}
func (idleConn) Close() error { return nil }

type testEnv struct {
	store    *store.Store
	manager  *chat.ChatManager
	handlers *Handlers
	registry *prometheus.Registry
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	m := chat.NewManager(st, metrics.New(reg), log, chat.Options{})
	return &testEnv{
		store:    st,
		manager:  m,
		handlers: New(context.Background(), m, st, 3, log),
		registry: reg,
	}
}

func (e *testEnv) do(t *testing.T, target string) (*http.Response, []byte) {
	t.Helper()
	app := NewApp(e.handlers, AppConfig{CORSOrigins: "*", Gatherer: e.registry})
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, target, nil), -1)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestHistoryHandler(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnv(t)
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	env.handlers.now = func() time.Time { return now }

	alice, _, err := env.store.ClaimUsername(ctx, "alice")
	require.NoError(t, err)

	old := &store.Message{UserID: &alice.ID, Content: "ten days ago", CreatedAt: now.Add(-10 * 24 * time.Hour)}
	require.NoError(t, env.store.CreateMessage(ctx, old))
	target := &store.Message{UserID: &alice.ID, Content: "soon deleted", CreatedAt: now.Add(-2 * 24 * time.Hour)}
	require.NoError(t, env.store.CreateMessage(ctx, target))
	reply := &store.Message{UserID: &alice.ID, Content: "replying", ReplyToMessageID: &target.ID, CreatedAt: now.Add(-47 * time.Hour)}
	require.NoError(t, env.store.CreateMessage(ctx, reply))
	require.NoError(t, env.store.DeleteMessage(ctx, target.ID))

	t.Run("default window", func(t *testing.T) {
		resp, body := env.do(t, "/api/chat/messages")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var got HistoryResponse
		require.NoError(t, json.Unmarshal(body, &got))
		require.Len(t, got.Messages, 1)
		msg := got.Messages[0]
		assert.Equal(t, "replying", msg.Content)
		assert.True(t, msg.ReplyTargetMissing)
		require.NotNil(t, msg.ReplyToMessageID)
		assert.Equal(t, target.ID, *msg.ReplyToMessageID)
		require.NotNil(t, msg.User)
		assert.Equal(t, "alice", msg.User.Username)
		assert.Equal(t, "2026-06-08T13:00:00.000Z", msg.CreatedAt)
		assert.Equal(t, "2026-06-07T12:00:00.000Z", got.Since)
	})

	t.Run("days clamped", func(t *testing.T) {
		tests := []struct {
			query string
			want  int
		}{
			{query: "?days=40", want: 2},
			{query: "?days=9", want: 1},
			{query: "?days=10", want: 2},
			{query: "?days=0", want: 0},
			{query: "?days=-5", want: 0},
		}
		for _, tt := range tests {
			resp, body := env.do(t, "/api/chat/messages"+tt.query)
			require.Equal(t, http.StatusOK, resp.StatusCode, tt.query)
			var got HistoryResponse
			require.NoError(t, json.Unmarshal(body, &got))
			assert.Len(t, got.Messages, tt.want, tt.query)
		}
	})

	t.Run("invalid days", func(t *testing.T) {
		resp, body := env.do(t, "/api/chat/messages?days=lots")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		var got ErrorResponse
		require.NoError(t, json.Unmarshal(body, &got))
		assert.Equal(t, "invalid_days", got.Error)
	})
}

func TestOnlineHandler(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnv(t)

	for _, name := range []string{"bob", "alice", "bob"} {
		c := env.manager.NewClient(idleConn{})
		env.manager.Attach(c)
		_, err := env.manager.SetUsername(ctx, c, name)
		require.NoError(t, err)
	}
	env.manager.Attach(env.manager.NewClient(idleConn{}))

	resp, body := env.do(t, "/api/chat/online")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got OnlineResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, 2, got.Count)
	require.Len(t, got.Users, 2)
	assert.Equal(t, "alice", got.Users[0].Username)
	assert.Equal(t, "bob", got.Users[1].Username)
}

func TestHealthHandler(t *testing.T) {
	env := setupTestEnv(t)

	resp, body := env.do(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got HealthResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "healthy", got.Status)

	env.handlers.store = downStore{env.store}
	resp, _ = env.do(t, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

type downStore struct{ HistoryStore }

func (downStore) Ping(context.Context) error { return errors.New("database is closed") }

func TestMetricsAndUpgradeRoutes(t *testing.T) {
	env := setupTestEnv(t)

	resp, body := env.do(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "pelusa_chat_connections")

	resp, _ = env.do(t, "/ws")
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}
