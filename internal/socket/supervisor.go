package socket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/apollo-bridge/internal/protocol"
)

// Reconnect backoff defaults.
const (
	DefaultReconnectInterval    = 5 * time.Second
	DefaultMaxReconnectInterval = time.Minute

	backoffMultiplier = 1.5
)

// SupervisorOptions holds configuration for a supervised socket.
type SupervisorOptions struct {
	// Socket configures every dial. Its OnStateChange is replaced; use
	// Supervisor.SetOnStateChange instead.
	Socket Options

	// ReconnectInterval is the first delay after a failure.
	ReconnectInterval time.Duration

	// MaxReconnectInterval caps the backoff.
	MaxReconnectInterval time.Duration

	// Logger is optional; defaults to Socket.Logger.
	Logger Logger
}

// Supervisor keeps a socket open, dialling a fresh one whenever the current
// connection ends. Delays grow by 1.5x per consecutive failure and reset once
// a socket authenticates.
//
// Thread Safety: All methods are safe for concurrent use.
type Supervisor struct {
	opts   SupervisorOptions
	logger Logger

	mu            sync.RWMutex
	current       *Socket
	onStateChange func(State)
}

// NewSupervisor creates a supervisor. Call Run to start it.
func NewSupervisor(opts SupervisorOptions) (*Supervisor, error) {
	if opts.Socket.URL == "" {
		return nil, ErrInvalidURL
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.MaxReconnectInterval < opts.ReconnectInterval {
		opts.MaxReconnectInterval = max(DefaultMaxReconnectInterval, opts.ReconnectInterval)
	}

	logger := opts.Logger
	if logger == nil {
		logger = opts.Socket.Logger
	}
	if logger == nil {
		logger = noopLogger{}
	}
	opts.Socket.Logger = logger

	return &Supervisor{opts: opts, logger: logger}, nil
}

// Run dials and redials until ctx is cancelled. It always returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	name := s.opts.Socket.Name
	backoff := s.opts.ReconnectInterval

	for {
		sockOpts := s.opts.Socket
		sockOpts.OnStateChange = s.emitState

		s.logger.Info("connecting socket", "socket", name, "url", sockOpts.URL)
		sock, err := Dial(ctx, sockOpts)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("socket dial failed", "socket", name, "error", err)
		} else {
			s.setCurrent(sock)

			select {
			case <-ctx.Done():
				sock.Close() //nolint:errcheck // shutting down
				s.setCurrent(nil)
				return nil
			case <-sock.Done():
			}

			s.setCurrent(nil)
			if sock.authenticated.Load() {
				backoff = s.opts.ReconnectInterval
			}
			s.logger.Warn("socket closed", "socket", name, "error", sock.Err())
		}

		s.logger.Info("reconnecting socket", "socket", name, "delay", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, s.opts.MaxReconnectInterval)
	}
}

// SendMessage sends msg on the current socket.
func (s *Supervisor) SendMessage(ctx context.Context, msg Message, timeout time.Duration) (Reply, error) {
	sock := s.Current()
	if sock == nil {
		return Reply{}, fmt.Errorf("%w: %s", protocol.ErrNotConnected, s.opts.Socket.Name)
	}
	return sock.SendMessage(ctx, msg, timeout)
}

// Current returns the live socket, or nil between connections.
func (s *Supervisor) Current() *Socket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// State returns the state of the current socket.
func (s *Supervisor) State() State {
	if sock := s.Current(); sock != nil {
		return sock.State()
	}
	return StateDisconnected
}

// WaitForConnection polls until a socket is Connected.
func (s *Supervisor) WaitForConnection(ctx context.Context, maxAttempts int, interval time.Duration) bool {
	return poll(ctx, maxAttempts, interval, func() bool {
		return s.State() == StateConnected
	})
}

// SetOnStateChange registers a callback for state transitions of every
// socket the supervisor dials.
func (s *Supervisor) SetOnStateChange(fn func(State)) {
	s.mu.Lock()
	s.onStateChange = fn
	s.mu.Unlock()
}

func (s *Supervisor) emitState(st State) {
	s.mu.RLock()
	fn := s.onStateChange
	s.mu.RUnlock()
	if fn != nil {
		fn(st)
	}
}

func (s *Supervisor) setCurrent(sock *Socket) {
	s.mu.Lock()
	s.current = sock
	s.mu.Unlock()
}

// nextBackoff grows d by the backoff multiplier, capped at limit.
func nextBackoff(d, limit time.Duration) time.Duration {
	next := time.Duration(float64(d) * backoffMultiplier)
	if next > limit {
		return limit
	}
	return next
}
