package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/apollo-bridge/internal/correlation"
	"github.com/nerrad567/apollo-bridge/internal/protocol"
)

// Connection defaults.
const (
	DefaultTokenParam        = "access-token"
	DefaultKeepAliveInterval = 15 * time.Second
	DefaultServerTimeout     = 30 * time.Second
	DefaultRequestTimeout    = 60 * time.Second

	handshakeTimeout = 15 * time.Second
	writeWait        = 10 * time.Second
)

// InvocationHandler answers a server-to-client invocation. The returned value
// becomes the completion result; an error becomes the completion error.
type InvocationHandler func(ctx context.Context, target string, args []json.RawMessage) (any, error)

// ConnOptions holds configuration for a single hub connection.
type ConnOptions struct {
	// URL is the hub endpoint, e.g. https://example.com/apollo-hub. Required.
	URL string

	// TokenParam is the query parameter carrying the bearer token.
	TokenParam string

	// Token is the bearer token.
	Token string

	// OnInvocation handles server invocations. Invocations arriving without a
	// handler are answered with an error.
	OnInvocation InvocationHandler

	KeepAliveInterval time.Duration
	ServerTimeout     time.Duration

	// RequestTimeout bounds Invoke when the caller sets no deadline.
	RequestTimeout time.Duration

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     Logger
}

// Conn is one negotiated hub connection. It never reconnects.
//
// Thread Safety: All methods are safe for concurrent use.
type Conn struct {
	conn         *websocket.Conn
	logger       Logger
	onInvocation InvocationHandler

	keepAlive     time.Duration
	serverTimeout time.Duration

	pending *correlation.Table[string, record]
	nextID  atomic.Uint64

	writeMu sync.Mutex

	// ctx is handed to invocation handlers and ends with the connection.
	ctx       context.Context
	ctxCancel context.CancelFunc
	handlers  sync.WaitGroup

	failOnce sync.Once
	errMu    sync.Mutex
	err      error
	done     chan struct{}
}

// Dial negotiates, upgrades and completes the protocol handshake.
//
// Returns:
//   - *Conn: A connection ready for Invoke
//   - error: *HTTPStatusError for rejected negotiate or upgrade, ErrHandshakeFailed,
//     or the transport error
func Dial(ctx context.Context, opts ConnOptions) (*Conn, error) {
	if opts.URL == "" {
		return nil, ErrInvalidURL
	}
	opts = withConnDefaults(opts)

	n, err := negotiate(ctx, opts.HTTPClient, opts.URL, opts.TokenParam, opts.Token)
	if err != nil {
		return nil, err
	}
	wsURL, err := websocketURL(n, opts.TokenParam)
	if err != nil {
		return nil, err
	}

	ws, resp, err := opts.Dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
			defer resp.Body.Close()
			return nil, statusError("upgrade", resp)
		}
		return nil, fmt.Errorf("hub: upgrade: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck // handshake body is not used
	}

	leftover, err := handshake(ctx, ws)
	if err != nil {
		ws.Close() //nolint:errcheck // handshake failed
		return nil, err
	}

	c := newConn(ws, opts)
	for _, rec := range leftover {
		if c.handleRecord(rec) {
			break
		}
	}

	go c.readLoop()
	go c.keepAliveLoop()
	return c, nil
}

func withConnDefaults(opts ConnOptions) ConnOptions {
	if opts.TokenParam == "" {
		opts.TokenParam = DefaultTokenParam
	}
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if opts.ServerTimeout <= 0 {
		opts.ServerTimeout = DefaultServerTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: handshakeTimeout}
	}
	if opts.Dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = handshakeTimeout
		opts.Dialer = &d
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return opts
}

// handshake selects the JSON protocol and returns any records that arrived
// in the same frame as the server's answer.
func handshake(ctx context.Context, ws *websocket.Conn) ([][]byte, error) {
	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	//nolint:errcheck // Best-effort deadline; write error caught below
	ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.TextMessage, handshakeRequest); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	//nolint:errcheck // Best-effort deadline; read error caught below
	ws.SetReadDeadline(deadline)
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	records := splitRecords(data)
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrHandshakeFailed)
	}

	var hr handshakeResponse
	if err := json.Unmarshal(records[0], &hr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if hr.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrHandshakeFailed, hr.Error)
	}
	return records[1:], nil
}

func newConn(ws *websocket.Conn, opts ConnOptions) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		conn:          ws,
		logger:        opts.Logger,
		onInvocation:  opts.OnInvocation,
		keepAlive:     opts.KeepAliveInterval,
		serverTimeout: opts.ServerTimeout,
		pending:       correlation.NewTable[string, record](opts.RequestTimeout),
		ctx:           ctx,
		ctxCancel:     cancel,
		done:          make(chan struct{}),
	}
}

// Invoke calls a hub method and waits for its completion.
//
// Parameters:
//   - ctx: Cancels the wait
//   - method: Hub method name
//   - args: Arguments, each JSON-encoded
//
// Returns:
//   - json.RawMessage: The completion result (may be "null")
//   - error: protocol.ErrNotConnected, protocol.ErrTimeout, protocol.ErrConnectionLost,
//     or *InvocationError
func (c *Conn) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	select {
	case <-c.done:
		return nil, fmt.Errorf("%w: hub", protocol.ErrNotConnected)
	default:
	}

	id := strconv.FormatUint(c.nextID.Add(1), 10)
	rec, err := invocation(id, method, args)
	if err != nil {
		return nil, err
	}

	p, err := c.pending.Register(id, 0)
	if err != nil {
		return nil, err
	}
	if err := c.writeRecord(rec); err != nil {
		werr := fmt.Errorf("%w: invoking %s: %v", protocol.ErrConnectionLost, method, err)
		c.pending.Reject(id, werr)
		return nil, werr
	}

	// A close that raced the write has already swept the table.
	select {
	case <-c.done:
		c.pending.Reject(id, c.lostError())
	default:
	}

	res, err := p.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if res.Error != "" {
		return nil, &InvocationError{Method: method, Message: res.Error}
	}
	if len(res.Result) == 0 {
		return json.RawMessage("null"), nil
	}
	return res.Result, nil
}

// Done is closed when the connection has ended.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is open.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Pending returns the number of invocations awaiting completion.
func (c *Conn) Pending() int {
	return c.pending.Len()
}

// Close sends a close record, ends the connection and waits for in-flight
// invocation handlers to return.
func (c *Conn) Close() error {
	if rec, err := encodeRecord(record{Type: typeClose}); err == nil {
		c.writeRaw(rec) //nolint:errcheck // best-effort close record
	}
	c.fail(ErrClosed)
	<-c.done
	c.handlers.Wait()
	return nil
}

func (c *Conn) readLoop() {
	var readErr error
	defer func() {
		c.finish(readErr)
	}()

	for {
		//nolint:errcheck // Best-effort deadline; read error caught below
		c.conn.SetReadDeadline(time.Now().Add(c.serverTimeout))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			readErr = err
			return
		}
		for _, rec := range splitRecords(data) {
			if c.handleRecord(rec) {
				return
			}
		}
	}
}

// handleRecord processes one record and reports whether the connection is done.
func (c *Conn) handleRecord(raw []byte) bool {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		c.logger.Debug("ignoring undecodable hub record", "error", err)
		return false
	}

	switch rec.Type {
	case typeInvocation:
		c.handlers.Add(1)
		go func() {
			defer c.handlers.Done()
			c.serveInvocation(rec)
		}()
	case typeCompletion:
		if !c.pending.Resolve(rec.InvocationID, rec) {
			c.logger.Debug("dropping uncorrelated completion", "invocation_id", rec.InvocationID)
		}
	case typePing:
	case typeClose:
		c.fail(&CloseError{Message: rec.Error, AllowReconnect: rec.AllowReconnect})
		return true
	default:
		c.logger.Debug("ignoring hub record", "type", rec.Type)
	}
	return false
}

// serveInvocation runs the handler and answers blocking invocations.
func (c *Conn) serveInvocation(rec record) {
	var (
		result any
		err    error
	)
	if c.onInvocation == nil {
		err = fmt.Errorf("client has no handler for %q", rec.Target)
	} else {
		result, err = c.safeInvoke(rec)
	}

	if rec.InvocationID == "" {
		if err != nil {
			c.logger.Warn("non-blocking hub invocation failed", "target", rec.Target, "error", err)
		}
		return
	}

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	reply, cerr := completion(rec.InvocationID, result, errMsg)
	if cerr != nil {
		reply, _ = completion(rec.InvocationID, nil, cerr.Error()) //nolint:errcheck // error-only completion cannot fail
	}
	if werr := c.writeRecord(reply); werr != nil {
		c.logger.Warn("sending completion failed", "invocation_id", rec.InvocationID, "error", werr)
	}
}

func (c *Conn) safeInvoke(rec record) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.onInvocation(c.ctx, rec.Target, rec.Arguments)
}

func (c *Conn) keepAliveLoop() {
	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.writeRaw(pingRecord); err != nil {
				c.logger.Debug("hub keep-alive failed", "error", err)
				return
			}
		}
	}
}

func (c *Conn) writeRecord(rec record) error {
	b, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return c.writeRaw(b)
}

func (c *Conn) writeRaw(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	//nolint:errcheck // Best-effort deadline; write error caught below
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// fail records cause and closes the socket, unblocking the read loop.
func (c *Conn) fail(cause error) {
	c.failOnce.Do(func() {
		c.setErr(cause)
		c.conn.Close() //nolint:errcheck // read loop reports the outcome
	})
}

// finish runs once when the read loop exits.
func (c *Conn) finish(readErr error) {
	c.fail(readErr)
	c.setErr(readErr)
	c.ctxCancel()
	close(c.done)

	if n := c.pending.RejectAll(c.lostError()); n > 0 {
		c.logger.Warn("hub connection closed with pending invocations",
			"pending", n,
			"error", c.Err(),
		)
	}
}

func (c *Conn) setErr(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

func (c *Conn) lostError() error {
	cause := c.Err()
	if cause == nil {
		return protocol.ErrConnectionLost
	}
	return fmt.Errorf("%w: %v", protocol.ErrConnectionLost, cause)
}
