package hub

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nerrad567/apollo-bridge/internal/protocol"
)

// Domain-specific errors for the hub package.
var (
	// ErrHandshakeFailed is returned when the hub rejects the protocol handshake.
	ErrHandshakeFailed = errors.New("hub: handshake failed")

	// ErrNoCredential is returned when no token is available to connect with.
	ErrNoCredential = errors.New("hub: no credential")

	// ErrRetriesExhausted is logged when MaxRetries consecutive attempts fail.
	ErrRetriesExhausted = errors.New("hub: connection retries exhausted")

	// ErrInvalidURL is returned when the hub URL is empty or malformed.
	ErrInvalidURL = errors.New("hub: invalid url")

	// ErrClosed is the cause recorded when a connection is closed locally.
	ErrClosed = errors.New("hub: connection closed")
)

// HTTPStatusError is a non-2xx answer from negotiate, the WebSocket upgrade
// or the login endpoint.
type HTTPStatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("hub: %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("hub: %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Is reports 401 and 403 answers as protocol.ErrAuthExpired.
func (e *HTTPStatusError) Is(target error) bool {
	return target == protocol.ErrAuthExpired &&
		(e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

// CloseError is a close record sent by the hub.
type CloseError struct {
	Message        string
	AllowReconnect bool
}

func (e *CloseError) Error() string {
	if e.Message == "" {
		return "hub: connection closed by server"
	}
	return "hub: connection closed by server: " + e.Message
}

// Is reports closes that mention 401 or a token as protocol.ErrAuthExpired.
func (e *CloseError) Is(target error) bool {
	if target != protocol.ErrAuthExpired {
		return false
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "401") || strings.Contains(msg, "token")
}

// InvocationError is a completion that carried an error string.
type InvocationError struct {
	Method  string
	Message string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("hub: %s failed: %s", e.Method, e.Message)
}

// Is makes hub method failures match protocol.ErrCollaboratorFailure.
func (e *InvocationError) Is(target error) bool {
	return target == protocol.ErrCollaboratorFailure
}

// isAuthFailure reports whether err calls for a fresh login.
func isAuthFailure(err error) bool {
	return errors.Is(err, protocol.ErrAuthExpired)
}
