package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/apollo-bridge/internal/protocol"
)

// Manager defaults.
const (
	DefaultRetryInterval = 5 * time.Second

	// RequestMethod is the server-to-client method carrying bridge requests.
	RequestMethod = "Request"

	defaultRequestBuffer = 64
)

// Logger is the logging surface the hub package uses.
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

// Options holds configuration for the connection manager.
type Options struct {
	// URL is the hub endpoint. Required.
	URL string

	// TokenParam is the query parameter carrying the bearer token.
	TokenParam string

	// Authenticator logs in. When nil the manager waits for UseToken.
	Authenticator Authenticator

	// Credentials caches the credential between connections. Required.
	Credentials CredentialStore

	// RetryInterval is the delay after a failed connection attempt.
	RetryInterval time.Duration

	// MaxRetries caps consecutive failed attempts; 0 retries forever.
	MaxRetries int

	// RequestTimeout bounds Invoke and the wait for a reply to a hub request.
	RequestTimeout time.Duration

	KeepAliveInterval time.Duration
	ServerTimeout     time.Duration

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     Logger
}

// Manager keeps the hub connection alive and exposes hub requests as a
// channel of protocol.Exchange values.
//
// Thread Safety: All methods are safe for concurrent use.
type Manager struct {
	opts   Options
	logger Logger

	state atomic.Int32

	mu            sync.RWMutex
	conn          *Conn
	onStateChange func(State)

	// forceAuth skips the cached credential on the next attempt.
	forceAuth atomic.Bool

	requests chan protocol.Exchange
	wake     chan struct{}
}

// NewManager creates a manager. Call Run to start it.
func NewManager(opts Options) (*Manager, error) {
	if opts.URL == "" {
		return nil, ErrInvalidURL
	}
	if opts.Credentials == nil {
		return nil, errors.New("hub: credential store is required")
	}
	if opts.MaxRetries < 0 {
		return nil, errors.New("hub: max retries must not be negative")
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	return &Manager{
		opts:     opts,
		logger:   opts.Logger,
		requests: make(chan protocol.Exchange, defaultRequestBuffer),
		wake:     make(chan struct{}, 1),
	}, nil
}

// Run connects and keeps the connection alive until ctx is cancelled.
//
// Failed attempts are retried every RetryInterval. A 401-class rejection
// triggers one fresh login and an immediate retry. When MaxRetries
// consecutive attempts fail, or no credential is available, the manager
// parks in StateDisconnected until Reconnect or UseToken is called.
//
// Returns:
//   - error: nil once ctx is cancelled
func (m *Manager) Run(ctx context.Context) error {
	failures := 0

	for {
		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return nil
		}

		conn, err := m.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				m.setState(StateDisconnected)
				return nil
			}

			if errors.Is(err, ErrNoCredential) {
				m.logger.Warn("hub credential unavailable, waiting for a token")
				if !m.park(ctx) {
					return nil
				}
				failures = 0
				continue
			}

			failures++
			if m.opts.MaxRetries > 0 && failures >= m.opts.MaxRetries {
				m.logger.Error("hub connection parked",
					"attempts", failures,
					"error", fmt.Errorf("%w: %w", ErrRetriesExhausted, err),
				)
				if !m.park(ctx) {
					return nil
				}
				failures = 0
				continue
			}

			m.logger.Warn("hub connection failed, retrying",
				"error", err,
				"attempt", failures,
				"retry_in", m.opts.RetryInterval,
			)
			if !m.sleep(ctx, m.opts.RetryInterval) {
				return nil
			}
			continue
		}

		failures = 0
		opened := time.Now()
		m.setConn(conn)
		m.setState(StateConnected)
		m.logger.Info("hub connected", "url", m.opts.URL)

		select {
		case <-ctx.Done():
			m.dropConn(conn)
			return nil

		case <-m.wake:
			m.logger.Info("hub reconnect requested")
			m.dropConn(conn)

		case <-conn.Done():
			cause := conn.Err()
			m.dropConn(conn)
			if isAuthFailure(cause) {
				m.forceAuth.Store(true)
			}
			m.logger.Warn("hub connection closed, restarting", "error", cause)

			// A connection that dropped right after opening waits out the
			// retry interval before the next attempt.
			if time.Since(opened) < m.opts.RetryInterval {
				if !m.sleep(ctx, m.opts.RetryInterval) {
					return nil
				}
			}
		}
	}
}

// connect runs one attempt: credential, dial, and on a 401-class rejection a
// single re-authentication and retry.
func (m *Manager) connect(ctx context.Context) (*Conn, error) {
	m.setState(StateConnecting)

	cred, err := m.credential(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := m.dial(ctx, cred.AccessToken)
	if err == nil || !isAuthFailure(err) {
		return conn, err
	}

	m.logger.Warn("hub rejected credential, re-authenticating", "error", err)
	if m.opts.Authenticator == nil {
		m.forceAuth.Store(true)
		return nil, fmt.Errorf("%w: %v", ErrNoCredential, err)
	}

	m.setState(StateReauthenticating)
	cred, err = m.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	m.setState(StateConnecting)
	return m.dial(ctx, cred.AccessToken)
}

// credential returns the cached credential unless it is missing, expired or
// known bad, in which case it logs in.
func (m *Manager) credential(ctx context.Context) (Credential, error) {
	if !m.forceAuth.Load() {
		if cred, ok := m.opts.Credentials.Load(); ok {
			return cred, nil
		}
	}

	if m.opts.Authenticator == nil {
		return Credential{}, ErrNoCredential
	}
	return m.authenticate(ctx)
}

func (m *Manager) authenticate(ctx context.Context) (Credential, error) {
	cred, err := m.opts.Authenticator.Authenticate(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("hub: authenticating: %w", err)
	}
	m.opts.Credentials.Save(cred)
	m.forceAuth.Store(false)
	m.logger.Info("hub authenticated")
	return cred, nil
}

func (m *Manager) dial(ctx context.Context, token string) (*Conn, error) {
	return Dial(ctx, ConnOptions{
		URL:               m.opts.URL,
		TokenParam:        m.opts.TokenParam,
		Token:             token,
		OnInvocation:      m.handleInvocation,
		KeepAliveInterval: m.opts.KeepAliveInterval,
		ServerTimeout:     m.opts.ServerTimeout,
		RequestTimeout:    m.opts.RequestTimeout,
		HTTPClient:        m.opts.HTTPClient,
		Dialer:            m.opts.Dialer,
		Logger:            m.logger,
	})
}

// handleInvocation turns a server "Request" into an Exchange and waits for its reply.
func (m *Manager) handleInvocation(ctx context.Context, target string, args []json.RawMessage) (any, error) {
	if !strings.EqualFold(target, RequestMethod) {
		return nil, fmt.Errorf("unknown method %q", target)
	}
	if len(args) == 0 {
		return protocol.Failure(protocol.CodeCollaboratorFailure, "request has no arguments"), nil
	}

	req, err := protocol.DecodeRequest(args[0])
	if err != nil {
		return protocol.Failure(protocol.CodeCollaboratorFailure, err.Error()), nil
	}

	m.logger.Debug("hub request received", "command", req.Command, "has_result", req.HasResult)

	ctx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
	defer cancel()

	sink := protocol.NewReplySink()
	select {
	case m.requests <- protocol.Exchange{Request: req, Reply: sink}:
	case <-ctx.Done():
		return protocol.Failure(protocol.CodeCollaboratorFailure, "request was not accepted"), nil
	}

	resp, err := sink.Wait(ctx)
	if err != nil {
		m.logger.Warn("hub request unanswered", "command", req.Command, "error", err)
		return protocol.Failure(protocol.CodeCollaboratorFailure, "request timed out"), nil
	}
	return resp, nil
}

// Invoke calls a hub method on the live connection.
func (m *Manager) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	conn := m.current()
	if conn == nil || m.State() != StateConnected {
		return nil, fmt.Errorf("%w: hub", protocol.ErrNotConnected)
	}
	return conn.Invoke(ctx, method, args...)
}

// Requests delivers hub requests. Every Exchange must be answered through
// its Reply sink.
func (m *Manager) Requests() <-chan protocol.Exchange {
	return m.requests
}

// UseToken stores an externally supplied access token and reconnects with it.
func (m *Manager) UseToken(token string) {
	m.opts.Credentials.Save(Credential{AccessToken: token})
	m.forceAuth.Store(false)
	m.Reconnect()
}

// Reconnect drops the current connection, or ends a parked wait, so the
// next attempt starts immediately.
func (m *Manager) Reconnect() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// SetOnStateChange registers a callback for state transitions.
// The callback must not block.
func (m *Manager) SetOnStateChange(fn func(State)) {
	m.mu.Lock()
	m.onStateChange = fn
	m.mu.Unlock()
}

// WaitForConnection polls until the manager is Connected.
//
// Returns:
//   - bool: false when attempts ran out or ctx ended
func (m *Manager) WaitForConnection(ctx context.Context, maxAttempts int, interval time.Duration) bool {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if m.State() == StateConnected {
			return true
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
	return false
}

// park waits in StateDisconnected for Reconnect, UseToken or cancellation.
func (m *Manager) park(ctx context.Context) bool {
	m.setState(StateDisconnected)
	select {
	case <-m.wake:
		return true
	case <-ctx.Done():
		return false
	}
}

// sleep waits d, returning early (true) on Reconnect and false on cancellation.
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-m.wake:
		return true
	case <-ctx.Done():
		m.setState(StateDisconnected)
		return false
	}
}

func (m *Manager) current() *Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

func (m *Manager) setConn(c *Conn) {
	m.mu.Lock()
	m.conn = c
	m.mu.Unlock()
}

// dropConn closes c and clears it as the current connection.
func (m *Manager) dropConn(c *Conn) {
	m.setConn(nil)
	m.setState(StateDisconnected)
	c.Close() //nolint:errcheck // always nil
}

func (m *Manager) setState(s State) {
	prev := State(m.state.Swap(int32(s)))
	if prev == s {
		return
	}

	m.mu.RLock()
	fn := m.onStateChange
	m.mu.RUnlock()

	m.logger.Debug("hub state changed", "from", prev.String(), "to", s.String())
	if fn != nil {
		fn(s)
	}
}
