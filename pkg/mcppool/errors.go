package mcppool

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCapacity is matched by every *CapacityError.
	ErrCapacity = errors.New("mcppool: connection capacity exhausted")
	// ErrRegistryClosed is returned by GetConnection after Close.
	ErrRegistryClosed = errors.New("mcppool: registry is closed")
	// ErrConnectionClosed is returned by Connection helpers once the
	// connection has been closed.
	ErrConnectionClosed = errors.New("mcppool: connection is closed")
)

// ConfigurationError reports a malformed or unsupported server configuration
// or consumer identity. It is never worth retrying.
type ConfigurationError struct {
	Server string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Server == "" {
		return fmt.Sprintf("mcppool: invalid configuration: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("mcppool: invalid configuration for %q: %s %s", e.Server, e.Field, e.Reason)
}

// Establishment phases.
const (
	PhaseCredentials = "credentials"
	PhaseTransport   = "transport"
	PhaseHandshake   = "handshake"
	PhaseRegister    = "register"
)

// EstablishmentError wraps a failure to spawn, dial or initialize a backend.
type EstablishmentError struct {
	Key   PoolKey
	Phase string
	Err   error
}

func (e *EstablishmentError) Error() string {
	return fmt.Sprintf("mcppool: establish %s (%s): %v", e.Key, e.Phase, e.Err)
}

func (e *EstablishmentError) Unwrap() error { return e.Err }

// CapacityError reports that the global ceiling was reached and every live
// connection is checked out.
type CapacityError struct {
	Max int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("mcppool: %d connections in use and none idle", e.Max)
}

func (e *CapacityError) Is(target error) bool { return target == ErrCapacity }

// CloseError collects teardown failures of a connection. It is logged by the
// registry and never returned from ReleaseConnection or Cleanup.
type CloseError struct {
	Key  PoolKey
	Errs []error
}

func (e *CloseError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("mcppool: close %s: %s", e.Key, strings.Join(msgs, "; "))
}

func (e *CloseError) Unwrap() []error { return e.Errs }

// IsRetryable reports whether err is an establishment failure that a caller
// may retry after a backoff.
func IsRetryable(err error) bool {
	var est *EstablishmentError
	return errors.As(err, &est)
}
