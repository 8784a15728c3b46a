package apollo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nerrad567/apollo-bridge/internal/hub"
)

const (
	defaultLoginTimeout = 15 * time.Second
	maxLoginErrorBody   = 512
)

// AuthenticatorOptions configures a PasswordAuthenticator.
type AuthenticatorOptions struct {
	LoginURL   string // Required
	Username   string // Required
	Password   string
	HTTPClient *http.Client
}

// PasswordAuthenticator logs in to the hub with a username and password.
// It implements hub.Authenticator.
type PasswordAuthenticator struct {
	opts   AuthenticatorOptions
	client *http.Client
}

// NewPasswordAuthenticator creates a PasswordAuthenticator.
func NewPasswordAuthenticator(opts AuthenticatorOptions) (*PasswordAuthenticator, error) {
	if opts.LoginURL == "" {
		return nil, fmt.Errorf("apollo: login url is required")
	}
	if opts.Username == "" {
		return nil, fmt.Errorf("apollo: hub username is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultLoginTimeout}
	}
	return &PasswordAuthenticator{opts: opts, client: client}, nil
}

// Authenticate posts the credentials to the login endpoint.
//
// Returns:
//   - hub.Credential: Access and refresh token
//   - error: *hub.HTTPStatusError for non-2xx answers (matching
//     protocol.ErrAuthExpired for 401/403), ErrLoginRejected when no token
//     came back, or the transport failure
func (a *PasswordAuthenticator) Authenticate(ctx context.Context) (hub.Credential, error) {
	body, err := json.Marshal(map[string]string{
		"username": a.opts.Username,
		"password": a.opts.Password,
	})
	if err != nil {
		return hub.Credential{}, fmt.Errorf("encoding login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.opts.LoginURL, bytes.NewReader(body))
	if err != nil {
		return hub.Credential{}, fmt.Errorf("creating login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return hub.Credential{}, fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxLoginErrorBody))
		return hub.Credential{}, &hub.HTTPStatusError{
			Op:         "login",
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	var cred hub.Credential
	if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
		return hub.Credential{}, fmt.Errorf("decoding login response: %w", err)
	}
	if cred.AccessToken == "" {
		return hub.Credential{}, ErrLoginRejected
	}
	return cred, nil
}
