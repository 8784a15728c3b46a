package homeassistant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/apollo-bridge/internal/socket"
)

// On-demand socket defaults.
const (
	DefaultOnDemandTimeout = 5 * time.Second

	// tokenLifespanDays is the lifespan requested for long-lived tokens.
	tokenLifespanDays = 3650

	tokenTypeLongLived = "long_lived_access_token"
)

// MinterOptions configures a LongLivedMinter.
type MinterOptions struct {
	// URL is the controller WebSocket endpoint. Required.
	URL string

	RequestTimeout  time.Duration
	ConnectAttempts int
	ConnectInterval time.Duration
	Dialer          *websocket.Dialer
	Logger          Logger
}

// LongLivedMinter mints long-lived tokens on a short-lived socket opened with
// the caller's access token. Each call uses its own socket.
type LongLivedMinter struct {
	opts   MinterOptions
	logger Logger
}

// NewLongLivedMinter creates a LongLivedMinter.
func NewLongLivedMinter(opts MinterOptions) (*LongLivedMinter, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("homeassistant: on-demand socket URL is required")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultOnDemandTimeout
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = DefaultConnectAttempts
	}
	if opts.ConnectInterval <= 0 {
		opts.ConnectInterval = DefaultConnectInterval
	}

	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}
	return &LongLivedMinter{opts: opts, logger: logger}, nil
}

type refreshToken struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	ClientName string `json:"client_name"`
}

// MintLongLived replaces any long-lived token named clientName with a new one.
//
// Parameters:
//   - ctx: Bounds the whole exchange
//   - clientName: Token name; an existing token with this name is deleted first
//   - accessToken: Short-lived token that authenticates the socket
//
// Returns:
//   - string: The new long-lived token
//   - error: ErrNotConnected when the socket never authenticates, otherwise
//     the failing step as *protocol.CollaboratorError
func (m *LongLivedMinter) MintLongLived(ctx context.Context, clientName, accessToken string) (string, error) {
	sock, err := socket.Dial(ctx, socket.Options{
		Name:        "on-demand",
		URL:         m.opts.URL,
		Token:       accessToken,
		RequireAuth: true,
		Timeout:     m.opts.RequestTimeout,
		Dialer:      m.opts.Dialer,
		Logger:      m.logger,
	})
	if err != nil {
		return "", collaboratorError(serviceMinter, err.Error(), err)
	}
	defer sock.Close() //nolint:errcheck // socket is discarded after minting

	if !sock.WaitForConnection(ctx, m.opts.ConnectAttempts, m.opts.ConnectInterval) {
		cause := ErrNotConnected
		if sockErr := sock.Err(); sockErr != nil {
			cause = errors.Join(ErrNotConnected, sockErr)
		}
		return "", collaboratorError(serviceMinter, "OnDemand connection could not be established", cause)
	}

	var tokens []refreshToken
	if err := m.call(ctx, sock, socket.Message{"type": "auth/refresh_tokens"}, &tokens); err != nil {
		return "", err
	}

	for _, t := range tokens {
		if t.Type != tokenTypeLongLived || t.ClientName != clientName {
			continue
		}
		if err := m.call(ctx, sock, socket.Message{
			"type":             "auth/delete_refresh_token",
			"refresh_token_id": t.ID,
		}, nil); err != nil {
			return "", err
		}
		m.logger.Debug("replaced long-lived token", "client_name", clientName)
		break
	}

	var token string
	if err := m.call(ctx, sock, socket.Message{
		"type":        "auth/long_lived_access_token",
		"lifespan":    tokenLifespanDays,
		"client_name": clientName,
	}, &token); err != nil {
		return "", err
	}
	if token == "" {
		return "", collaboratorError(serviceMinter, "empty long-lived token", nil)
	}
	return token, nil
}

func (m *LongLivedMinter) call(ctx context.Context, sock *socket.Socket, msg socket.Message, out any) error {
	reply, err := sock.SendMessage(ctx, msg, 0)
	if err != nil {
		return collaboratorError(serviceMinter, err.Error(), err)
	}
	if err := reply.Err(serviceMinter); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := reply.Decode(out); err != nil {
		return collaboratorError(serviceMinter, err.Error(), err)
	}
	return nil
}
