package store

import (
	"time"

	"gorm.io/datatypes"
)

// User is a chat identity. Temporary users are created on first username claim
// and purged by the retention job once inactive.
type User struct {
	ID           uint      `gorm:"primarykey" json:"id"`
	Username     string    `gorm:"size:32;not null" json:"username"`
	UsernameKey  string    `gorm:"size:32;not null;uniqueIndex" json:"-"` // lower-cased username
	Avatar       *string   `gorm:"size:512" json:"avatar"`
	IsTemporary  bool      `gorm:"not null;default:true;index:idx_users_temp_active,priority:1" json:"isTemporary"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `gorm:"not null;index:idx_users_temp_active,priority:2" json:"lastActive"`
}

// TableName returns the table name for User model.
func (User) TableName() string {
	return "users"
}

// Message is a persisted chat message. It is never updated after creation.
type Message struct {
	ID               uint           `gorm:"primarykey"`
	UserID           *uint          `gorm:"index"`
	User             *User          `gorm:"foreignKey:UserID"`
	Content          string         `gorm:"size:5000;not null;default:''"`
	Media            datatypes.JSON // ordered slot -> url object, NULL when absent
	Mentions         datatypes.JSON // array of usernames
	ReplyToMessageID *uint          `gorm:"index"`
	CreatedAt        time.Time      `gorm:"index"`
}

// TableName returns the table name for Message model.
func (Message) TableName() string {
	return "chat_messages"
}

// PurgeResult describes what PurgeInactiveTemporaryUsers removed.
type PurgeResult struct {
	Users    int64
	Messages int64
	Media    []string
	Avatars  []string
}
