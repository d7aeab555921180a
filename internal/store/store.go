// Package store persists chat users and messages in SQLite through gorm.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a user or message does not exist.
var ErrNotFound = errors.New("record not found")

type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to the SQLite database at path and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Warn),
		TranslateError:                           true,
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		slog.Error("storage: Failed to connect to database", "error", err, "path", path)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return New(db)
}

// New wraps an opened gorm connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql handle: %w", err)
	}
	// SQLite allows a single writer; one connection avoids "database is locked".
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&User{}, &Message{}); err != nil {
		slog.Error("storage: Failed to migrate database", "error", err)
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// ClaimUsername returns the user owning username (case-insensitive) and marks it
// active, creating a temporary user when none exists. created reports whether a
// new row was inserted.
func (s *Store) ClaimUsername(ctx context.Context, username string) (user *User, created bool, err error) {
	key := strings.ToLower(username)
	now := s.now().UTC()

	user, err = s.findByKey(ctx, key)
	if err == nil {
		return s.reactivate(ctx, user, now)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	user = &User{
		Username:     username,
		UsernameKey:  key,
		IsTemporary:  true,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		// A concurrent claim may have inserted the same key first; reuse it.
		if existing, findErr := s.findByKey(ctx, key); findErr == nil {
			return s.reactivate(ctx, existing, now)
		}
		slog.Error("storage: Failed to create user", "error", err, "username", username)
		return nil, false, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Debug("storage: Temporary user created", "user_id", user.ID, "username", username)
	return user, true, nil
}

func (s *Store) reactivate(ctx context.Context, user *User, now time.Time) (*User, bool, error) {
	if err := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", user.ID).
		Update("last_active_at", now).Error; err != nil {
		return nil, false, fmt.Errorf("failed to reactivate user: %w", err)
	}
	user.LastActiveAt = now
	return user, false, nil
}

func (s *Store) findByKey(ctx context.Context, key string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, "username_key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return &user, nil
}

// FindUserByUsername looks a user up by username, ignoring case.
func (s *Store) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.findByKey(ctx, strings.ToLower(strings.TrimSpace(username)))
}

// CountUsersByUsername returns how many rows carry username, ignoring case.
func (s *Store) CountUsersByUsername(ctx context.Context, username string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&User{}).
		Where("username_key = ?", strings.ToLower(username)).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(ctx context.Context, id uint) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// TouchUser sets the user's last-active time to now and returns it.
func (s *Store) TouchUser(ctx context.Context, id uint) (time.Time, error) {
	now := s.now().UTC()
	result := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).Update("last_active_at", now)
	if result.Error != nil {
		return time.Time{}, fmt.Errorf("failed to touch user: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return time.Time{}, ErrNotFound
	}
	return now, nil
}

// CreateMessage inserts msg and fills in its id and creation time.
func (s *Store) CreateMessage(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

// GetMessage retrieves a message with its author.
func (s *Store) GetMessage(ctx context.Context, id uint) (*Message, error) {
	var msg Message
	if err := s.db.WithContext(ctx).Preload("User").First(&msg, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}

// MessageExists reports whether a message with id is stored.
func (s *Store) MessageExists(ctx context.Context, id uint) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Message{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check message: %w", err)
	}
	return count > 0, nil
}

// ExistingMessageIDs returns the subset of ids that are still stored.
func (s *Store) ExistingMessageIDs(ctx context.Context, ids []uint) (map[uint]bool, error) {
	found := make(map[uint]bool, len(ids))
	if len(ids) == 0 {
		return found, nil
	}
	var existing []uint
	if err := s.db.WithContext(ctx).Model(&Message{}).Where("id IN ?", ids).Pluck("id", &existing).Error; err != nil {
		return nil, fmt.Errorf("failed to look up messages: %w", err)
	}
	for _, id := range existing {
		found[id] = true
	}
	return found, nil
}

// DeleteMessage removes a message. Replies pointing at it keep their reference.
func (s *Store) DeleteMessage(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Delete(&Message{}, id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete message: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMessagesSince returns messages created at or after since, oldest first,
// ties broken by id, with authors preloaded.
func (s *Store) ListMessagesSince(ctx context.Context, since time.Time) ([]Message, error) {
	var msgs []Message
	err := s.db.WithContext(ctx).Preload("User").
		Where("created_at >= ?", since.UTC()).
		Order("created_at ASC").Order("id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

// DeleteMessagesBefore removes messages created before cutoff and returns the
// media references they carried.
func (s *Store) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) ([]string, int64, error) {
	var media []string
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var aged []Message
		if err := tx.Select("id", "media").Where("created_at < ? AND media IS NOT NULL", cutoff.UTC()).
			Find(&aged).Error; err != nil {
			return err
		}
		for _, m := range aged {
			media = append(media, mediaPaths(m.Media)...)
		}
		result := tx.Where("created_at < ?", cutoff.UTC()).Delete(&Message{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to delete aged messages: %w", err)
	}
	return media, deleted, nil
}

// PurgeInactiveTemporaryUsers deletes temporary users inactive since before
// cutoff together with every message they authored.
func (s *Store) PurgeInactiveTemporaryUsers(ctx context.Context, cutoff time.Time) (PurgeResult, error) {
	var res PurgeResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var users []User
		if err := tx.Where("is_temporary = ? AND last_active_at < ?", true, cutoff.UTC()).
			Find(&users).Error; err != nil {
			return err
		}
		if len(users) == 0 {
			return nil
		}

		ids := make([]uint, 0, len(users))
		for _, u := range users {
			ids = append(ids, u.ID)
			if u.Avatar != nil && *u.Avatar != "" {
				res.Avatars = append(res.Avatars, *u.Avatar)
			}
		}

		var authored []Message
		if err := tx.Select("id", "media").Where("user_id IN ? AND media IS NOT NULL", ids).
			Find(&authored).Error; err != nil {
			return err
		}
		for _, m := range authored {
			res.Media = append(res.Media, mediaPaths(m.Media)...)
		}

		msgs := tx.Where("user_id IN ?", ids).Delete(&Message{})
		if msgs.Error != nil {
			return msgs.Error
		}
		res.Messages = msgs.RowsAffected

		usrs := tx.Where("id IN ?", ids).Delete(&User{})
		if usrs.Error != nil {
			return usrs.Error
		}
		res.Users = usrs.RowsAffected
		return nil
	})
	if err != nil {
		return PurgeResult{}, fmt.Errorf("failed to purge temporary users: %w", err)
	}
	return res, nil
}

// mediaPaths extracts the string values of a stored media object.
func mediaPaths(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	out := make([]string, 0, len(m))
	for _, v := range m {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
