package chat

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/pelusa-v/pelusa-chat/internal/store"
)

// Event types carried in the envelope.
const (
	EventSetUsername = "SET_USERNAME"
	EventChatMessage = "CHAT_MESSAGE"
	EventUserStatus  = "USER_STATUS"
	EventUserJoined  = "USER_JOINED"
	EventUserLeft    = "USER_LEFT"
	EventMention     = "MENTION"
)

// MaxContentLength is the longest accepted message body, in runes.
const MaxContentLength = 5000

const wireTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders t as UTC ISO-8601 with millisecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format(wireTimeLayout)
}

// Envelope is the inbound frame: a type tag and its raw payload.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

func encodeEvent(eventType string, payload any) ([]byte, error) {
	return json.Marshal(outbound{Type: eventType, Payload: payload})
}

// Identity is the public view of a user, cached on the connection that claimed it.
type Identity struct {
	ID       uint    `json:"id"`
	Username string  `json:"username"`
	Avatar   *string `json:"avatar"`
}

func identityFromUser(u *store.User) Identity {
	return Identity{ID: u.ID, Username: u.Username, Avatar: u.Avatar}
}

type SetUsernameRequest struct {
	Username string `json:"username"`
}

type SetUsernameResponse struct {
	Success bool      `json:"success"`
	User    *Identity `json:"user,omitempty"`
	Error   string    `json:"error,omitempty"`
	Code    string    `json:"code,omitempty"`
}

// ChatMessageRequest is the inbound CHAT_MESSAGE payload. Media and the reply
// reference normalise themselves while decoding.
type ChatMessageRequest struct {
	Content          string   `json:"content"`
	Media            Media    `json:"media"`
	Mentions         []string `json:"mentions"`
	ReplyToMessageID ReplyRef `json:"replyToMessageId"`
}

// ChatMessagePayload is a persisted message as it goes out on the wire.
type ChatMessagePayload struct {
	ID                 uint      `json:"id"`
	UserID             *uint     `json:"userId"`
	Content            string    `json:"content"`
	Media              Media     `json:"media"`
	Mentions           []string  `json:"mentions"`
	ReplyToMessageID   *uint     `json:"replyToMessageId"`
	ReplyTargetMissing bool      `json:"replyTargetMissing,omitempty"`
	CreatedAt          string    `json:"createdAt"`
	User               *Identity `json:"user"`
}

// NewChatMessagePayload converts a stored message. author overrides the
// preloaded user when set.
func NewChatMessagePayload(msg *store.Message, author *Identity) ChatMessagePayload {
	p := ChatMessagePayload{
		ID:               msg.ID,
		UserID:           msg.UserID,
		Content:          msg.Content,
		Media:            ParseMedia(msg.Media),
		Mentions:         decodeMentions(msg.Mentions),
		ReplyToMessageID: msg.ReplyToMessageID,
		CreatedAt:        FormatTime(msg.CreatedAt),
	}
	switch {
	case author != nil:
		a := *author
		p.User = &a
	case msg.User != nil:
		a := identityFromUser(msg.User)
		p.User = &a
	}
	return p
}

type OnlineUser struct {
	ID         uint    `json:"id"`
	Username   string  `json:"username"`
	Avatar     *string `json:"avatar"`
	LastActive string  `json:"lastActive"`
}

type UserStatusPayload struct {
	Users []OnlineUser `json:"users"`
}

// MembershipPayload announces USER_JOINED and USER_LEFT.
type MembershipPayload struct {
	Username string `json:"username"`
}

type MentionPayload struct {
	MessageID uint   `json:"messageId"`
	From      string `json:"from"`
	Content   string `json:"content"`
}

// ErrorPayload answers a rejected event to its originator.
type ErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func newErrorPayload(err error) ErrorPayload {
	return ErrorPayload{Error: publicMessage(err), Code: ErrorCode(err)}
}

// publicMessage hides wrapped infrastructure detail from clients.
func publicMessage(err error) string {
	for _, sentinel := range []error{
		ErrUnauthenticated, ErrEmptyMessage, ErrMessageTooLong, ErrInvalidUsername,
		ErrPersistence, ErrRateLimited, ErrMalformedEvent,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "internal error"
}
