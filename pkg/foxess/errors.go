package foxess

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotSupported is returned for operations the configured protocol
// generation does not expose (e.g. scheduler calls on the v0 API).
var ErrNotSupported = errors.New("operation not supported by this protocol generation")

// AuthError means the API key was rejected. The cloud has no dedicated
// status for this beyond 401/403; inside the envelope it is only
// recognizable by the error message text.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return "foxess authentication failed: " + e.Message
}

// CommunicationError is a transport-level failure: timeout, DNS, reset.
// Safe to retry on the next poll cycle.
type CommunicationError struct {
	Cause error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("foxess communication error: %v", e.Cause)
}

func (e *CommunicationError) Unwrap() error {
	return e.Cause
}

// APIError is a logical failure reported inside the response envelope
// (errno != 0) that is not an authentication problem.
type APIError struct {
	Errno   int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("foxess api error %d: %s", e.Errno, e.Message)
}

// classifyErrno maps a non-zero envelope errno to the error taxonomy. The
// cloud reuses generic errnos for expired or invalid tokens, so the message
// text is the only signal that re-authentication is needed.
func classifyErrno(errno int, msg string) error {
	if msg == "" {
		msg = "unknown error"
	}
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "token") || strings.Contains(lower, "auth") {
		return &AuthError{Message: msg}
	}
	return &APIError{Errno: errno, Message: msg}
}
