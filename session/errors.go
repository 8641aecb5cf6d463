package session

import (
	"fmt"

	"github.com/pkg/errors"
)

// Category of a sync protocol Error.
type Category string

const (
	CategoryClient     Category = "client"
	CategoryConnection Category = "connection"
	CategorySession    Category = "session"
	CategoryService    Category = "service"
	CategorySystem     Category = "system"
)

// Action the server asks of a client in response to an Error.
type Action string

const (
	ActionNone        Action = ""
	ActionRetry       Action = "retry"
	ActionClientReset Action = "client_reset"
	ActionFatal       Action = "fatal"
)

// Well-known Error codes.
const (
	CodeAuthFailed   = "auth_failed"
	CodeInvalidToken = "invalid_token"
	CodeBadRequest   = "bad_request"
	CodeBadQuery     = "bad_query"
	CodeClientReset  = "client_reset"
	CodeTransport    = "transport"
	CodeInternal     = "internal"
)

// Error is a sync protocol error, as returned by the service or raised
// by the session's transport.
type Error struct {
	Category Category `json:"category"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Action   Action   `json:"action,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error %s: %s", e.Category, e.Code, e.Message)
}

// IsAuth returns whether the Error is an authentication failure.
func (e *Error) IsAuth() bool {
	return e.Code == CodeAuthFailed || e.Code == CodeInvalidToken
}

// IsBadRequest returns whether the Error rejects a malformed or disallowed
// request of the client.
func (e *Error) IsBadRequest() bool {
	return e.Code == CodeBadRequest || e.Code == CodeBadQuery
}

// IsUnrecoverable returns whether the session cannot continue without
// intervention.
func (e *Error) IsUnrecoverable() bool {
	return e.Action == ActionFatal || e.Action == ActionClientReset
}

// AsError returns the *Error of |err|, if there is one.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ErrorHandler is notified of errors of a Session. Handlers are invoked
// from the session's goroutine, and must not block.
type ErrorHandler func(s *Session, err error)

var (
	// ErrInvalidTimeout is returned by waits given a non-positive timeout.
	ErrInvalidTimeout = errors.New("timeout must be positive")
	// ErrClosed is returned by operations of a closed Session.
	ErrClosed = errors.New("session is closed")
)
