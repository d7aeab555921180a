package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/pelusa-v/pelusa-chat/internal/chat"
	"github.com/pelusa-v/pelusa-chat/internal/config"
	"github.com/pelusa-v/pelusa-chat/internal/handlers"
	"github.com/pelusa-v/pelusa-chat/internal/logging"
	"github.com/pelusa-v/pelusa-chat/internal/metrics"
	"github.com/pelusa-v/pelusa-chat/internal/retention"
	"github.com/pelusa-v/pelusa-chat/internal/scheduler"
	"github.com/pelusa-v/pelusa-chat/internal/store"
)

func main() {
	envFile := flag.String("env", ".env", "env file to load before reading the environment")
	cleanup := flag.Bool("cleanup", false, "run the retention cleanup once and exit")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		slog.Error("main: Failed to load config", "error", err)
		os.Exit(1)
	}
	log := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	if *cleanup {
		os.Exit(runCleanup(cfg, log))
	}

	srv, err := newServer(cfg, log)
	if err != nil {
		log.Error("main: Failed to start", "error", err)
		os.Exit(1)
	}
	exitCode := serve(context.Background(), srv)
	if exitCode != 0 {
		log.Warn("main: Shutdown completed with errors", "exit_code", exitCode)
		os.Exit(exitCode)
	}
	log.Info("main: Shutdown completed")
}

func runCleanup(cfg *config.Config, log *slog.Logger) int {
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Error("main: Failed to open database", "path", cfg.DatabasePath, "error", err)
		return 1
	}
	defer st.Close()

	report, err := newCleaner(cfg, st, metrics.NewNop(), log).Run(context.Background())
	fmt.Println(report.String())
	if err != nil {
		log.Error("main: Cleanup finished with errors", "error", err)
		return 1
	}
	return 0
}

func newCleaner(cfg *config.Config, st *store.Store, m *metrics.Metrics, log *slog.Logger) *retention.Cleaner {
	return retention.NewCleaner(st, retention.Config{
		MessageRetention:  cfg.MessageRetention,
		TempUserRetention: cfg.TempUserRetention,
		UploadDir:         cfg.UploadDir,
	}, m, log)
}

type server struct {
	cfg     *config.Config
	log     *slog.Logger
	store   *store.Store
	manager *chat.ChatManager
	sched   *scheduler.Scheduler
	app     *fiber.App
	ln      net.Listener

	// ctx bounds websocket sessions and scheduled jobs.
	ctx    context.Context
	cancel context.CancelFunc
}

// newServer wires every component and binds the listen address. Nothing runs
// until serve.
func newServer(cfg *config.Config, log *slog.Logger) (*server, error) {
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.DatabasePath, err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	manager := chat.NewManager(st, m, log, chat.Options{
		SendBuffer:     cfg.SendBuffer,
		MessageRate:    cfg.MessageRate,
		MessageBurst:   cfg.MessageBurst,
		PersistTimeout: cfg.PersistTimeout,
	})

	sched := scheduler.New(nil, log)
	for _, job := range []scheduler.Job{
		{Name: "presence", Interval: cfg.PresenceInterval, Run: manager.Presence.Run},
		{Name: "liveness", Interval: cfg.PingInterval, Run: manager.Supervisor.Run},
		{Name: "retention", Interval: cfg.RetentionInterval, RunOnStart: true, Run: newCleaner(cfg, st, m, log).Job},
	} {
		if err := sched.Add(job); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("add job %s: %w", job.Name, err)
		}
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := handlers.New(ctx, manager, st, cfg.HistoryDays, log)
	app := handlers.NewApp(h, handlers.AppConfig{
		CORSOrigins: cfg.CORSOrigins,
		StaticDir:   "./public",
		Gatherer:    reg,
	})

	return &server{
		cfg:     cfg,
		log:     log,
		store:   st,
		manager: manager,
		sched:   sched,
		app:     app,
		ln:      ln,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// serve runs srv until a shutdown signal arrives, trigger is cancelled or the
// HTTP server fails, then shuts everything down and returns the exit code.
func serve(trigger context.Context, srv *server) int {
	trigger, stop := context.WithCancel(trigger)
	defer stop()

	if err := srv.sched.Start(srv.ctx); err != nil {
		srv.log.Error("main: Failed to start scheduler", "error", err)
		_ = srv.ln.Close()
		_ = srv.shutdown(context.Background())
		return 1
	}

	serveErr := make(chan error, 1)
	go func() {
		srv.log.Info("main: Chat server listening", "addr", srv.ln.Addr().String())
		err := srv.app.Listener(srv.ln)
		if err == nil {
			err = errors.New("http server stopped")
		}
		serveErr <- err
	}()

	failed := make(chan struct{})
	go func() {
		select {
		case err := <-serveErr:
			srv.log.Error("main: HTTP server failed", "error", err)
			close(failed)
			stop()
		case <-trigger.Done():
		}
	}()

	exitCode := <-gfshutdown.GracefulShutdown(trigger, srv.cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		"chat": srv.shutdown,
	})
	select {
	case <-failed:
		return 1
	default:
		return exitCode
	}
}

// shutdown stops the components one after another: sessions end before the
// database closes under them.
func (s *server) shutdown(ctx context.Context) error {
	steps := []struct {
		name string
		stop func(context.Context) error
	}{
		{"scheduler", s.sched.Stop},
		{"chat", func(context.Context) error {
			s.manager.Shutdown()
			return nil
		}},
		{"http", s.app.ShutdownWithContext},
		{"database", func(context.Context) error {
			s.cancel()
			return s.store.Close()
		}},
	}

	var errs []error
	for _, step := range steps {
		if err := step.stop(ctx); err != nil {
			s.log.Warn("main: Component stop failed", "component", step.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
			continue
		}
		s.log.Info("main: Component stopped", "component", step.name)
	}
	return errors.Join(errs...)
}
