package api

import (
	"errors"
	"fmt"
	"time"
)

// ErrAuthExpired reports that the remote rejected the access token. The
// coordinator reacts with a single refresh-and-retry per cycle.
var ErrAuthExpired = errors.New("api: access token expired")

// AuthErrorKind classifies authentication failures.
type AuthErrorKind string

const (
	AuthInvalidCredentials AuthErrorKind = "invalid_credentials"
	AuthServiceUnavailable AuthErrorKind = "service_unavailable"
)

// AuthError is returned by the session manager when authentication fails.
// InvalidCredentials is user-actionable and must not be retried forever.
type AuthError struct {
	Kind AuthErrorKind
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("api: auth failed (%s): %v", e.Kind, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransportErrorKind classifies transport-level failures.
type TransportErrorKind string

const (
	TransportTimeout          TransportErrorKind = "timeout"
	TransportConnectionFailed TransportErrorKind = "connection_failed"
)

// TransportError wraps network-level failures, including timeouts and
// upstream 5xx responses.
type TransportError struct {
	Kind TransportErrorKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("api: transport error (%s): %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RateLimitedError carries the remote's retry-after hint. The client never
// retries internally; the coordinator folds the hint into its schedule.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("api: rate limited, retry after %s", e.RetryAfter)
}

// MalformedResponseError reports a response body that could not be decoded
// into the expected shape.
type MalformedResponseError struct {
	Op  string
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("api: %s: malformed response: %v", e.Op, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// APIError is a non-200 status code inside the RPC envelope that is not an
// auth or rate-limit condition.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: rpc status %d: %s", e.Code, e.Message)
}
