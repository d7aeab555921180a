// Package retention deletes aged chat messages and inactive temporary users,
// along with the uploaded files they referenced.
package retention

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelusa-v/pelusa-chat/internal/metrics"
	"github.com/pelusa-v/pelusa-chat/internal/store"
)

// Store is the retention contract of the message store.
type Store interface {
	DeleteMessagesBefore(ctx context.Context, cutoff time.Time) ([]string, int64, error)
	PurgeInactiveTemporaryUsers(ctx context.Context, cutoff time.Time) (store.PurgeResult, error)
}

type Config struct {
	MessageRetention  time.Duration
	TempUserRetention time.Duration
	// UploadDir is the local directory public "/uploads/..." paths map to.
	UploadDir string
}

// Report summarises one cleanup run.
type Report struct {
	Messages     int64
	Users        int64
	UserMessages int64
	Files        int
	FileErrors   int
}

type Cleaner struct {
	store   Store
	cfg     Config
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
}

func NewCleaner(st Store, cfg Config, m *metrics.Metrics, log *slog.Logger) *Cleaner {
	if cfg.MessageRetention <= 0 {
		cfg.MessageRetention = 4 * 24 * time.Hour
	}
	if cfg.TempUserRetention <= 0 {
		cfg.TempUserRetention = 14 * 24 * time.Hour
	}
	return &Cleaner{store: st, cfg: cfg, metrics: m, log: log.With("component", "retention"), now: time.Now}
}

// Run performs one cleanup pass. A failed step is logged and the next one
// still runs; the returned error joins every step failure.
func (c *Cleaner) Run(ctx context.Context) (Report, error) {
	var report Report
	var errs []error
	now := c.now()

	media, n, err := c.store.DeleteMessagesBefore(ctx, now.Add(-c.cfg.MessageRetention))
	if err != nil {
		c.log.Error("retention: Failed to delete aged messages", "error", err)
		errs = append(errs, err)
	} else {
		report.Messages = n
		c.removeFiles(media, &report)
	}

	purged, err := c.store.PurgeInactiveTemporaryUsers(ctx, now.Add(-c.cfg.TempUserRetention))
	if err != nil {
		c.log.Error("retention: Failed to purge temporary users", "error", err)
		errs = append(errs, err)
	} else {
		report.Users = purged.Users
		report.UserMessages = purged.Messages
		c.removeFiles(purged.Media, &report)
		c.removeFiles(purged.Avatars, &report)
	}

	c.metrics.RetentionDeleted.WithLabelValues("messages").Add(float64(report.Messages + report.UserMessages))
	c.metrics.RetentionDeleted.WithLabelValues("users").Add(float64(report.Users))
	c.metrics.RetentionDeleted.WithLabelValues("files").Add(float64(report.Files))

	c.log.Info("retention: Cleanup finished",
		"messages", report.Messages,
		"users", report.Users,
		"user_messages", report.UserMessages,
		"files", report.Files,
		"file_errors", report.FileErrors)
	return report, errors.Join(errs...)
}

// Job adapts Run to the scheduler's job signature.
func (c *Cleaner) Job(ctx context.Context) error {
	_, err := c.Run(ctx)
	return err
}

func (c *Cleaner) removeFiles(refs []string, report *Report) {
	for _, ref := range refs {
		path, ok := c.localPath(ref)
		if !ok {
			continue
		}
		if err := os.Remove(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			report.FileErrors++
			c.log.Warn("retention: Failed to remove file", "path", path, "error", err)
			continue
		}
		report.Files++
	}
}

// localPath maps a stored media reference to a file inside UploadDir. Remote
// URLs and anything that would escape the directory are ignored.
func (c *Cleaner) localPath(ref string) (string, bool) {
	if c.cfg.UploadDir == "" {
		return "", false
	}
	ref = strings.TrimSpace(ref)
	if u, err := url.Parse(ref); err != nil || u.Scheme != "" || u.Host != "" {
		return "", false
	}
	rel := strings.TrimPrefix(ref, "/")
	rel = strings.TrimPrefix(rel, "uploads/")
	rel = filepath.Clean(filepath.FromSlash(rel))
	if rel == "." || rel == "" || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return "", false
	}

	root, err := filepath.Abs(c.cfg.UploadDir)
	if err != nil {
		return "", false
	}
	full := filepath.Join(root, rel)
	if !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", false
	}
	return full, true
}

func (r Report) String() string {
	return fmt.Sprintf("messages=%d users=%d user_messages=%d files=%d file_errors=%d",
		r.Messages, r.Users, r.UserMessages, r.Files, r.FileErrors)
}
