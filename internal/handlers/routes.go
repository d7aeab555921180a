package handlers

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type AppConfig struct {
	CORSOrigins string
	// StaticDir is served at "/" when set.
	StaticDir string
	// Gatherer backs GET /metrics when set.
	Gatherer prometheus.Gatherer
}

// NewApp builds the fiber application with middleware and every route.
func NewApp(h *Handlers, cfg AppConfig) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          60 * time.Second,
		IdleTimeout:           120 * time.Second,
	})

	app.Use(recover.New())
	app.Use(requestLogger(h.log))
	if cfg.CORSOrigins != "" {
		app.Use(cors.New(cors.Config{AllowOrigins: cfg.CORSOrigins}))
	}

	app.Get("/health", h.HealthHandler)
	if cfg.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(h.WebSocketHandler))

	api := app.Group("/api/chat")
	api.Get("/messages", h.HistoryHandler)
	api.Get("/online", h.OnlineHandler)

	if cfg.StaticDir != "" {
		app.Static("/", cfg.StaticDir)
	}
	return app
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}
	return c.Status(code).JSON(ErrorResponse{
		Error:   "server_error",
		Message: message,
	})
}

func requestLogger(log *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Websocket sessions are logged by the chat core.
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		start := time.Now()
		err := c.Next()
		log.Debug("handlers: Request served",
			"method", c.Method(),
			"path", c.Path(),
			"status", c.Response().StatusCode(),
			"duration", time.Since(start))
		return err
	}
}
