package chatsync

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrDuplicateDelivery marks a push or ack that was already reconciled.
	// It is logged and never surfaced to the user.
	ErrDuplicateDelivery = errors.New("duplicate delivery")

	// ErrReconnectExhausted is reported once the reconnect ceiling is hit.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrNotConnected is returned by Send while no authenticated connection exists.
	ErrNotConnected = errors.New("not connected")

	// ErrStaleOptimistic marks an optimistic message discarded by a resync.
	ErrStaleOptimistic = errors.New("optimistic message superseded by resync")
)

// AuthenticationError is a terminal handshake failure. The session does not
// retry; the user has to log in again.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "authentication failed: " + e.Reason
}

// TransportError is a transient channel failure. It triggers reconnection and
// never fails in-flight sends directly.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SendTimeoutError reports one optimistic message that was not confirmed in time.
type SendTimeoutError struct {
	LocalID string
	Timeout time.Duration
}

func (e *SendTimeoutError) Error() string {
	return fmt.Sprintf("message %s not confirmed within %s", e.LocalID, e.Timeout)
}

// ServerRejection reports a send refused by the router.
type ServerRejection struct {
	LocalID string
	Reason  string
}

func (e *ServerRejection) Error() string {
	return fmt.Sprintf("message %s rejected: %s", e.LocalID, e.Reason)
}

// IsAuthError reports whether err is, or wraps, an AuthenticationError.
func IsAuthError(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}
