package protocol

import (
	"errors"
	"fmt"
)

// Transport and dispatch errors.
var (
	// ErrNotConnected is returned when a transport is not ready to carry a request.
	ErrNotConnected = errors.New("bridge: not connected")

	// ErrTimeout is returned when no correlated reply arrived within the window.
	ErrTimeout = errors.New("bridge: request timed out")

	// ErrConnectionLost is returned for in-flight requests invalidated by a reconnect.
	ErrConnectionLost = errors.New("bridge: connection lost")

	// ErrAuthExpired is returned for 401-class failures from the hub or an auth service.
	ErrAuthExpired = errors.New("bridge: authentication expired")

	// ErrInvalidCommand matches a Response carrying an invalid-command code.
	ErrInvalidCommand = errors.New("bridge: invalid command")

	// ErrCollaboratorFailure matches every *CollaboratorError.
	ErrCollaboratorFailure = errors.New("bridge: collaborator failure")
)

// Response error codes.
const (
	// CodeCollaboratorFailure marks a collaborator error or an unexpected failure.
	CodeCollaboratorFailure = "-1"

	// CodeAccountFailure marks a failed account deletion or a malformed
	// account request. A failed account creation uses CodeCollaboratorFailure.
	CodeAccountFailure = "-0"

	// CodeInvalidCommand marks an unrouted command whose caller awaits a result.
	CodeInvalidCommand = "-2"

	// CodeInvalidCommandNoResult marks an unrouted fire-and-forget command.
	CodeInvalidCommandNoResult = "-3"

	// CodeTransportFailure marks a relay failure on the broker path.
	CodeTransportFailure = "0101"
)

// CollaboratorError wraps a failure reported by an external service.
type CollaboratorError struct {
	// Service names the collaborator, for example "control-plane" or "login-flow".
	Service string

	// Message is the collaborator's own description of the failure.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// NewCollaboratorError builds a CollaboratorError from a service name and cause.
func NewCollaboratorError(service string, err error) *CollaboratorError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &CollaboratorError{Service: service, Message: msg, Err: err}
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %s", e.Service, e.Message)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

// Is reports ErrCollaboratorFailure as a match so callers need not type-assert.
func (e *CollaboratorError) Is(target error) bool {
	return target == ErrCollaboratorFailure
}

// IsTransportError reports whether err is one of the transport-level failures
// a caller may see instead of a Response.
func IsTransportError(err error) bool {
	return errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionLost)
}
