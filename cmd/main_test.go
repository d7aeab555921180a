package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-chat/internal/config"
	"github.com/pelusa-v/pelusa-chat/internal/logging"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// stoppedComponents returns the components logged as stopped, in log order.
func (b *syncBuffer) stoppedComponents(t *testing.T) []string {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []string
	scanner := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for scanner.Scan() {
		var line struct {
			Msg       string `json:"msg"`
			Component string `json:"component"`
		}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		if line.Msg == "main: Component stopped" {
			out = append(out, line.Component)
		}
	}
	return out
}

func testConfig(t *testing.T, addr string, shutdownTimeout string) *config.Config {
	t.Helper()
	t.Setenv("CHAT_ADDR", addr)
	t.Setenv("DATABASE_PATH", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	t.Setenv("UPLOAD_DIR", t.TempDir())
	t.Setenv("SHUTDOWN_TIMEOUT", shutdownTimeout)
	return config.FromEnv()
}

func healthy(addr string) bool {
	client := http.Client{
		Timeout:   500 * time.Millisecond,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
	resp, err := client.Get("http://" + addr + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func TestServe_RunsUntilTriggeredThenStopsInOrder(t *testing.T) {
	logs := &syncBuffer{}
	cfg := testConfig(t, "127.0.0.1:0", "500ms")
	srv, err := newServer(cfg, logging.New(logs, "info", "json"))
	require.NoError(t, err)
	addr := srv.ln.Addr().String()

	trigger, cancel := context.WithCancel(context.Background())
	defer cancel()
	exit := make(chan int, 1)
	go func() { exit <- serve(trigger, srv) }()

	require.Eventually(t, func() bool { return healthy(addr) }, 2*time.Second, 20*time.Millisecond)

	// Well past SHUTDOWN_TIMEOUT with no signal: still serving.
	time.Sleep(3 * cfg.ShutdownTimeout)
	select {
	case code := <-exit:
		t.Fatalf("server exited with code %d without being asked to", code)
	default:
	}
	assert.True(t, healthy(addr))

	cancel()
	select {
	case code := <-exit:
		assert.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after the trigger was cancelled")
	}

	assert.Equal(t, []string{"scheduler", "chat", "http", "database"}, logs.stoppedComponents(t))
	assert.Error(t, srv.store.Ping(context.Background()), "database is closed")
	assert.False(t, healthy(addr))
}

func TestNewServer_AddressInUse(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := testConfig(t, taken.Addr().String(), "1s")
	_, err = newServer(cfg, logging.New(&syncBuffer{}, "error", "json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen on")
}

func TestServe_HTTPFailureExitsNonZero(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1:0", "1s")
	srv, err := newServer(cfg, logging.New(&syncBuffer{}, "error", "json"))
	require.NoError(t, err)
	// The listener is gone before the HTTP server can accept on it.
	require.NoError(t, srv.ln.Close())

	exit := make(chan int, 1)
	go func() { exit <- serve(context.Background(), srv) }()

	select {
	case code := <-exit:
		assert.Equal(t, 1, code)
	case <-time.After(5 * time.Second):
		t.Fatal("server kept running after the HTTP server failed")
	}
}
