package apollo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/apollo-bridge/internal/protocol"
	"github.com/nerrad567/apollo-bridge/internal/state"
)

// SetupMethod is the hub method that registers a controller.
const SetupMethod = "setupApollo"

// Setup defaults.
const (
	DefaultHubWaitAttempts = 30
	DefaultHubWaitInterval = time.Second
)

// MACResolver returns the controller's ethernet MAC address.
type MACResolver interface {
	MAC(ctx context.Context) (string, error)
}

// CredentialExchange trades a username and password for a short-lived access token.
type CredentialExchange interface {
	AccessToken(ctx context.Context, username, password string) (string, error)
}

// TokenMinter creates a long-lived token from a short-lived access token.
type TokenMinter interface {
	MintLongLived(ctx context.Context, clientName, accessToken string) (string, error)
}

// Hub is the part of the hub connection setup needs.
type Hub interface {
	WaitForConnection(ctx context.Context, maxAttempts int, interval time.Duration) bool
	Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error)
}

// Logger is the logging surface of this package.
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

// SetupOptions configures a SetupProcess.
type SetupOptions struct {
	MAC         MACResolver        // Required
	Credentials CredentialExchange // Required
	Minter      TokenMinter        // Required
	Hub         Hub                // Required
	Store       state.Store        // Required

	// Username and Password are the controller account the admin token is
	// minted for; the token is named after Username.
	Username string
	Password string

	HubWaitAttempts int
	HubWaitInterval time.Duration
	Logger          Logger
}

// SetupProcess registers this controller with the hub once and records the
// result in the state store.
type SetupProcess struct {
	opts   SetupOptions
	logger Logger
}

// NewSetupProcess creates a SetupProcess.
func NewSetupProcess(opts SetupOptions) (*SetupProcess, error) {
	switch {
	case opts.MAC == nil:
		return nil, errors.New("apollo: MAC resolver is required")
	case opts.Credentials == nil:
		return nil, errors.New("apollo: credential exchange is required")
	case opts.Minter == nil:
		return nil, errors.New("apollo: token minter is required")
	case opts.Hub == nil:
		return nil, errors.New("apollo: hub is required")
	case opts.Store == nil:
		return nil, errors.New("apollo: state store is required")
	}
	if opts.HubWaitAttempts <= 0 {
		opts.HubWaitAttempts = DefaultHubWaitAttempts
	}
	if opts.HubWaitInterval <= 0 {
		opts.HubWaitInterval = DefaultHubWaitInterval
	}

	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}
	return &SetupProcess{opts: opts, logger: logger}, nil
}

// Run performs first-time setup unless the store says it already happened.
//
// Steps:
//  1. Resolve the ethernet MAC
//  2. Exchange the configured credentials for an access token
//  3. Mint a long-lived admin token named after the account
//  4. Wait for the hub and invoke setupApollo({macAddress, adminToken})
//  5. Persist {isSetup: true, superadminToken}
//
// Nothing is persisted on failure, so the next start tries again.
//
// Returns:
//   - bool: true when setup ran and succeeded during this call
//   - error: The first failing step
func (p *SetupProcess) Run(ctx context.Context) (bool, error) {
	st, err := p.opts.Store.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("loading state: %w", err)
	}
	if st.IsSetup {
		p.logger.Info("controller already set up")
		return false, nil
	}

	p.logger.Warn("setting up for the first time")

	mac, err := p.opts.MAC.MAC(ctx)
	if err != nil {
		return false, fmt.Errorf("resolving MAC address: %w", err)
	}
	p.logger.Info("MAC address resolved", "mac", mac)

	access, err := p.opts.Credentials.AccessToken(ctx, p.opts.Username, p.opts.Password)
	if err != nil {
		return false, fmt.Errorf("obtaining access token: %w", err)
	}

	adminToken, err := p.opts.Minter.MintLongLived(ctx, p.opts.Username, access)
	if err != nil {
		return false, fmt.Errorf("minting long-lived token: %w", err)
	}

	if err := p.register(ctx, mac, adminToken); err != nil {
		return false, err
	}

	if err := p.opts.Store.Save(ctx, state.State{IsSetup: true, SuperadminToken: adminToken}); err != nil {
		return false, fmt.Errorf("saving state: %w", err)
	}
	p.logger.Warn("setup complete")
	return true, nil
}

// register invokes setupApollo and checks the hub's Response.
func (p *SetupProcess) register(ctx context.Context, mac, adminToken string) error {
	if !p.opts.Hub.WaitForConnection(ctx, p.opts.HubWaitAttempts, p.opts.HubWaitInterval) {
		return ErrHubUnavailable
	}

	raw, err := p.opts.Hub.Invoke(ctx, SetupMethod, map[string]string{
		"macAddress": mac,
		"adminToken": adminToken,
	})
	if err != nil {
		return fmt.Errorf("invoking %s: %w", SetupMethod, err)
	}

	resp, err := protocol.DecodeResponse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", SetupMethod, err)
	}
	if err := resp.Err("hub"); err != nil {
		return fmt.Errorf("%w: %w", ErrSetupRejected, err)
	}
	return nil
}
