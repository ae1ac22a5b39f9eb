package mediamtx

import (
	"errors"
	"fmt"
)

// Error is a typed failure from the media server API, carrying the HTTP
// status and the operation that produced it.
type Error struct {
	Code    int    // HTTP status, 0 for transport failures
	Op      string
	Message string
}

func (e *Error) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("mediamtx %s: status %d: %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("mediamtx %s: %s", e.Op, e.Message)
}

// ErrNotFound marks 404 responses on lookups.
var ErrNotFound = errors.New("path not found")

// ErrConnection marks transport-level failures reaching the media server.
var ErrConnection = errors.New("media server unreachable")

// newHTTPError builds an Error from a response status.
func newHTTPError(op string, status int, body []byte) *Error {
	msg := string(body)
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return &Error{Code: status, Op: op, Message: msg}
}

// IsNotFound reports whether err is a 404 from the media server.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var e *Error
	return errors.As(err, &e) && e.Code == 404
}
