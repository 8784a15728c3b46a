package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/apollo-bridge/internal/correlation"
	"github.com/nerrad567/apollo-bridge/internal/protocol"
)

// Socket defaults.
const (
	// DefaultTimeout is the reply window when neither the call nor the
	// socket sets one.
	DefaultTimeout = 20 * time.Second

	defaultHandshakeTimeout = 10 * time.Second
	writeWait               = 10 * time.Second
)

// Logger is the logging surface the socket uses.
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

// Options holds configuration for dialling a socket.
type Options struct {
	// Name labels the socket in logs and errors (e.g. "control-plane").
	Name string

	// URL is the WebSocket endpoint. Required.
	URL string

	// Token answers the server's auth_required challenge.
	Token string

	// RequireAuth keeps the socket Connecting until the server sends auth_ok.
	// Without it the socket is usable as soon as it opens.
	RequireAuth bool

	// Timeout is the default reply window for SendMessage.
	Timeout time.Duration

	// Dialer overrides the WebSocket dialer.
	Dialer *websocket.Dialer

	// Logger is optional.
	Logger Logger

	// OnStateChange is called on every state transition. It runs on the
	// socket's read goroutine and must not block.
	OnStateChange func(State)
}

// Socket is one WebSocket connection with id-correlated requests.
//
// Thread Safety: All methods are safe for concurrent use.
type Socket struct {
	name          string
	token         string
	conn          *websocket.Conn
	logger        Logger
	onStateChange func(State)

	pending *correlation.Table[int64, Reply]
	nextID  atomic.Int64
	state   atomic.Int32

	// authenticated records that the socket reached StateConnected at least once.
	authenticated atomic.Bool

	writeMu sync.Mutex

	failOnce sync.Once
	errMu    sync.Mutex
	err      error
	done     chan struct{}
}

// Dial opens a socket and starts its read loop.
//
// Parameters:
//   - ctx: Bounds the dial only; the socket outlives it
//   - opts: Endpoint, credentials and timeouts
//
// Returns:
//   - *Socket: Open socket, Connecting or Connected depending on opts.RequireAuth
//   - error: ErrInvalidURL or the dial failure
func Dial(ctx context.Context, opts Options) (*Socket, error) {
	if opts.URL == "" {
		return nil, ErrInvalidURL
	}

	dialer := opts.Dialer
	if dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = defaultHandshakeTimeout
		dialer = &d
	}

	conn, resp, err := dialer.DialContext(ctx, opts.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck // handshake body is not used
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", opts.URL, err)
	}

	s := newSocket(conn, opts)
	initial := StateConnected
	if opts.RequireAuth {
		initial = StateConnecting
	}
	s.setState(initial)

	go s.readLoop()
	return s, nil
}

func newSocket(conn *websocket.Conn, opts Options) *Socket {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	name := opts.Name
	if name == "" {
		name = "socket"
	}
	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}

	return &Socket{
		name:          name,
		token:         opts.Token,
		conn:          conn,
		logger:        logger,
		onStateChange: opts.OnStateChange,
		pending:       correlation.NewTable[int64, Reply](timeout),
		done:          make(chan struct{}),
	}
}

// SendMessage sends msg with the next message id and waits for the reply
// carrying that id.
//
// Parameters:
//   - ctx: Cancels the wait (the id stays reserved until reply or timeout)
//   - msg: JSON object to send; its "id" field is overwritten
//   - timeout: Reply window; zero uses the socket default
//
// Returns:
//   - Reply: The frame whose id matched
//   - error: protocol.ErrNotConnected, protocol.ErrTimeout or protocol.ErrConnectionLost
func (s *Socket) SendMessage(ctx context.Context, msg Message, timeout time.Duration) (Reply, error) {
	if s.State() != StateConnected {
		return Reply{}, fmt.Errorf("%w: %s", protocol.ErrNotConnected, s.name)
	}

	id := s.nextID.Add(1)
	p, err := s.pending.Register(id, timeout)
	if err != nil {
		return Reply{}, err
	}

	// A close that raced the state check has already swept the table.
	select {
	case <-s.done:
		s.pending.Reject(id, s.lostError())
	default:
		if err := s.write(withID(msg, id)); err != nil {
			werr := fmt.Errorf("%w: sending message %d: %v", protocol.ErrConnectionLost, id, err)
			s.pending.Reject(id, werr)
			return Reply{}, werr
		}
	}

	return p.Wait(ctx)
}

// State returns the current connection state.
func (s *Socket) State() State {
	return State(s.state.Load())
}

// Pending returns the number of calls awaiting a reply.
func (s *Socket) Pending() int {
	return s.pending.Len()
}

// Done is closed when the connection has ended.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// Err returns why the connection ended, or nil while it is open.
func (s *Socket) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// WaitForConnection polls until the socket is Connected.
//
// Returns:
//   - bool: false when attempts ran out, the socket closed, or ctx ended
func (s *Socket) WaitForConnection(ctx context.Context, maxAttempts int, interval time.Duration) bool {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	return poll(ctx, maxAttempts, interval, func() bool {
		return s.State() == StateConnected
	})
}

// Close ends the connection and waits for the read loop to exit.
func (s *Socket) Close() error {
	s.fail(ErrClosed)
	<-s.done
	return nil
}

// readLoop owns the read side until the connection ends.
func (s *Socket) readLoop() {
	var readErr error
	defer func() {
		s.finish(readErr)
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			readErr = err
			return
		}
		s.handleFrame(data)
	}
}

// handleFrame answers the auth handshake and resolves replies.
func (s *Socket) handleFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		s.logger.Debug("ignoring undecodable frame", "socket", s.name, "error", err)
		return
	}

	switch f.Type {
	case TypeAuthRequired:
		if err := s.write(Message{"type": TypeAuth, "access_token": s.token}); err != nil {
			s.logger.Warn("sending auth failed", "socket", s.name, "error", err)
		}
	case TypeAuthOK:
		s.setState(StateConnected)
		s.logger.Info("socket authenticated", "socket", s.name)
	case TypeAuthInvalid:
		s.logger.Error("socket authentication rejected", "socket", s.name)
		s.fail(protocol.ErrAuthExpired)
		return
	}

	if f.ID <= 0 {
		return
	}

	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		if s.pending.Reject(f.ID, fmt.Errorf("socket: decoding reply %d: %w", f.ID, err)) {
			s.logger.Warn("undecodable reply", "socket", s.name, "id", f.ID, "error", err)
		}
		return
	}
	reply.Raw = data

	if !s.pending.Resolve(f.ID, reply) {
		s.logger.Debug("dropping uncorrelated frame", "socket", s.name, "id", f.ID, "type", f.Type)
	}
}

func (s *Socket) write(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	//nolint:errcheck // Best-effort deadline; write error caught below
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// fail records cause and closes the connection, unblocking the read loop.
func (s *Socket) fail(cause error) {
	s.failOnce.Do(func() {
		s.setErr(cause)

		s.writeMu.Lock()
		//nolint:errcheck // Best-effort close message
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()

		s.conn.Close() //nolint:errcheck // read loop reports the outcome
	})
}

// finish runs once when the read loop exits.
func (s *Socket) finish(readErr error) {
	s.fail(readErr)
	s.setErr(readErr)

	s.setState(StateDisconnected)
	close(s.done)

	if n := s.pending.RejectAll(s.lostError()); n > 0 {
		s.logger.Warn("socket closed with pending requests",
			"socket", s.name,
			"pending", n,
			"error", s.Err(),
		)
	} else {
		s.logger.Debug("socket closed", "socket", s.name, "error", s.Err())
	}
}

// setErr keeps the first non-nil cause.
func (s *Socket) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func (s *Socket) lostError() error {
	cause := s.Err()
	if cause == nil || errors.Is(cause, protocol.ErrConnectionLost) {
		return protocol.ErrConnectionLost
	}
	return fmt.Errorf("%w: %v", protocol.ErrConnectionLost, cause)
}

func (s *Socket) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if st == StateConnected {
		s.authenticated.Store(true)
	}
	if prev != st && s.onStateChange != nil {
		s.onStateChange(st)
	}
}

// poll checks ready up to maxAttempts times, interval apart.
func poll(ctx context.Context, maxAttempts int, interval time.Duration, ready func() bool) bool {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ready() {
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
