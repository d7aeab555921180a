// Package config reads the chat server settings from the environment, with
// an optional .env file loaded first.
package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr         string
	DatabasePath string
	UploadDir    string
	LogLevel     string
	LogFormat    string
	CORSOrigins  string

	PresenceInterval  time.Duration
	PingInterval      time.Duration
	PersistTimeout    time.Duration
	RetentionInterval time.Duration
	MessageRetention  time.Duration
	TempUserRetention time.Duration
	ShutdownTimeout   time.Duration

	HistoryDays  int
	SendBuffer   int
	MessageRate  float64
	MessageBurst int
}

// Load reads files (default ".env") into the environment, without overriding
// variables already set, then builds the Config. A missing file is not an error.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				slog.Debug("config: No env file", "path", f)
				continue
			}
			return nil, err
		}
		slog.Debug("config: Environment loaded from file", "path", f)
	}
	return FromEnv(), nil
}

// FromEnv builds the Config from environment variables and defaults.
func FromEnv() *Config {
	return &Config{
		Addr:         getEnv("CHAT_ADDR", ":3000"),
		DatabasePath: getEnv("DATABASE_PATH", "chat.sqlite"),
		UploadDir:    getEnv("UPLOAD_DIR", "./public/uploads"),
		LogLevel:     strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:    strings.ToLower(getEnv("LOG_FORMAT", "json")),
		CORSOrigins:  getEnv("CORS_ALLOWED_ORIGINS", "*"),

		PresenceInterval:  getDuration("PRESENCE_INTERVAL", 12*time.Second),
		PingInterval:      getDuration("PING_INTERVAL", 30*time.Second),
		PersistTimeout:    getDuration("PERSIST_TIMEOUT", 5*time.Second),
		RetentionInterval: getDuration("RETENTION_INTERVAL", time.Hour),
		MessageRetention:  getDuration("MESSAGE_RETENTION", 96*time.Hour),
		TempUserRetention: getDuration("TEMP_USER_RETENTION", 336*time.Hour),
		ShutdownTimeout:   getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		HistoryDays:  getInt("HISTORY_DAYS", 3),
		SendBuffer:   getInt("SEND_BUFFER", 64),
		MessageRate:  getFloat("MESSAGE_RATE", 10),
		MessageBurst: getInt("MESSAGE_BURST", 20),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		slog.Warn("config: Invalid duration, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return d
}

func getInt(key string, fallback int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		slog.Warn("config: Invalid integer, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 {
		slog.Warn("config: Invalid number, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return f
}
