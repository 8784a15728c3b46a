package dispatch

import (
	"context"
	"time"

	"github.com/nerrad567/apollo-bridge/internal/protocol"
)

// ControlPlane proxies a request to the local control plane. A transport
// error is reported as err; a control-plane level failure comes back as a
// failed Response.
type ControlPlane interface {
	Request(ctx context.Context, method, path string) (protocol.Response, error)
}

// Accounts manages controller user accounts.
type Accounts interface {
	CreateUser(ctx context.Context, username, password, roleType string) error
	DeleteUser(ctx context.Context, username string) error
}

// CredentialExchange trades a username and password for a short-lived access token.
type CredentialExchange interface {
	AccessToken(ctx context.Context, username, password string) (string, error)
}

// TokenMinter creates a long-lived token from a short-lived access token.
type TokenMinter interface {
	MintLongLived(ctx context.Context, clientName, accessToken string) (string, error)
}

// Recorder receives per-request metrics. Optional.
type Recorder interface {
	RecordRequest(transport, operation, outcome string, latency time.Duration)
}

// Logger is the logging surface the dispatcher uses.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// TokenResult is the result of CREATE_USER and UPDATE_TOKEN.
type TokenResult struct {
	Token string `json:"token"`
}
