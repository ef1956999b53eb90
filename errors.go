package agentlink

import (
	"errors"
	"fmt"
)

// Sentinel errors for client operations.
var (
	// ErrNotConnected indicates an operation was attempted before Start
	// (with auto-start disabled) or after Stop.
	ErrNotConnected = errors.New("agentlink: client not connected")

	// ErrConnectionLost indicates the server process exited or the
	// connection dropped while requests were pending. All outstanding calls
	// are rejected with this error.
	ErrConnectionLost = errors.New("agentlink: connection lost")

	// ErrAlreadyStarted indicates Start was called on a supervisor that
	// already owns a live process.
	ErrAlreadyStarted = errors.New("agentlink: already started")

	// ErrProtocol indicates the server violated the session event contract,
	// such as reporting an idle turn with no assistant output and no error.
	ErrProtocol = errors.New("agentlink: protocol violation")
)

// ConfigError is a construction-time configuration error: contradictory
// options, a malformed endpoint, or an out-of-range port. It is returned
// synchronously by [New], before any connection attempt.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "agentlink: invalid configuration: " + e.Reason
}

// UnsupportedOperationError indicates an operation that the active wire
// dialect does not support. It is raised client-side; no request reaches
// the server.
type UnsupportedOperationError struct {
	Dialect string
	Method  string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("agentlink: %s is not supported under the %s dialect", e.Method, e.Dialect)
}

// SessionError is a server-reported failure inside a turn. It terminates
// the turn; the session itself stays usable.
type SessionError struct {
	SessionID string
	Message   string
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("agentlink: session %s error: %s", e.SessionID, e.Message)
}

// configErrorf builds a *ConfigError with a formatted reason.
func configErrorf(format string, args ...any) error {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}
