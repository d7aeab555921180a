package chat

import "errors"

// Errors answered to the originating connection only.
var (
	ErrUnauthenticated  = errors.New("set a username before sending messages")
	ErrEmptyMessage     = errors.New("message needs content or media")
	ErrMessageTooLong   = errors.New("message exceeds maximum length")
	ErrInvalidUsername  = errors.New("username must be 2-32 letters, digits, '_' or '-'")
	ErrPersistence      = errors.New("message could not be saved, please retry")
	ErrRateLimited      = errors.New("too many messages, slow down")
	ErrMalformedEvent   = errors.New("malformed event")
	ErrTransportFailure = errors.New("transport failure")
)

// Wire error codes.
const (
	CodeUnauthenticated = "Unauthenticated"
	CodeEmptyMessage    = "EmptyMessage"
	CodeInvalidMessage  = "InvalidMessage"
	CodeInvalidUsername = "InvalidUsername"
	CodePersistence     = "PersistenceError"
	CodeRateLimited     = "RateLimited"
	CodeMalformedEvent  = "MalformedEvent"
	CodeInternal        = "InternalError"
)

// ErrorCode maps err to the code sent on the wire.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrEmptyMessage):
		return CodeEmptyMessage
	case errors.Is(err, ErrMessageTooLong):
		return CodeInvalidMessage
	case errors.Is(err, ErrInvalidUsername):
		return CodeInvalidUsername
	case errors.Is(err, ErrPersistence):
		return CodePersistence
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrMalformedEvent):
		return CodeMalformedEvent
	default:
		return CodeInternal
	}
}

// isClientError reports whether err is caused by client input rather than
// infrastructure. Client errors are never logged above debug.
func isClientError(err error) bool {
	switch ErrorCode(err) {
	case CodeUnauthenticated, CodeEmptyMessage, CodeInvalidMessage, CodeInvalidUsername, CodeRateLimited:
		return true
	}
	return false
}
