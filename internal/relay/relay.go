package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/apollo-bridge/internal/hub"
	"github.com/nerrad567/apollo-bridge/internal/protocol"
	"github.com/nerrad567/apollo-bridge/internal/pubsub"
)

// ResultConnected acknowledges a hub token received on the auth topic.
const ResultConnected = "Connected to hub"

const transportName = "relay"

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Defaults.
const (
	DefaultConnectAttempts = 30
	DefaultConnectInterval = time.Second
)

// Hub is the hub connection the relay drives. *hub.Manager satisfies it.
type Hub interface {
	Requests() <-chan protocol.Exchange
	Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error)
	UseToken(token string)
	State() hub.State
	WaitForConnection(ctx context.Context, maxAttempts int, interval time.Duration) bool
}

// Broker is the broker side. *pubsub.Bridge satisfies it.
type Broker interface {
	Request(ctx context.Context, topic string, req protocol.Request, replyTopic string) (protocol.Response, error)
	Publish(ctx context.Context, topic string, payload any) error
	Handle(topic string, h pubsub.Handler) error
	Reply(ctx context.Context, in pubsub.Inbound, payload any) error
}

// Notifier announces readiness. *readiness.Announcer satisfies it.
type Notifier interface {
	Notify(ctx context.Context) error
}

// Recorder receives per-request metrics.
type Recorder interface {
	RecordRequest(transport, operation, outcome string, latency time.Duration)
}

// Logger is the logging surface the relay uses.
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

// Topics names the broker topics the relay uses.
type Topics struct {
	NodeRequest         string // hub requests are forwarded here
	NodeResponse        string // awaited replies arrive here
	NodeResponseNoAwait string // advertised on fire-and-forget requests
	HubInvoke           string // node -> hub method invocation
	HubAuth             string // node -> hub access token
	Setup               string // node -> hub setup invocation
}

// Options configures a Relay.
type Options struct {
	Hub    Hub    // Required
	Broker Broker // Required
	Topics Topics

	// Ready is nudged when the hub is unavailable so the node resends its
	// token. Optional.
	Ready Notifier

	// ConnectAttempts and ConnectInterval bound the wait for the hub after
	// a token arrives.
	ConnectAttempts int
	ConnectInterval time.Duration

	Recorder Recorder
	Logger   Logger
}

// Relay forwards traffic between the hub and the broker.
//
// Thread Safety: All methods are safe for concurrent use.
type Relay struct {
	opts   Options
	logger Logger

	inflight sync.WaitGroup
}

// New creates a Relay.
func New(opts Options) (*Relay, error) {
	switch {
	case opts.Hub == nil:
		return nil, errors.New("relay: hub is required")
	case opts.Broker == nil:
		return nil, errors.New("relay: broker is required")
	case opts.Topics.NodeRequest == "":
		return nil, errors.New("relay: node request topic is required")
	case opts.Topics.NodeResponse == "":
		return nil, errors.New("relay: node response topic is required")
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

	return &Relay{opts: opts, logger: logger}, nil
}

// SetReady sets the readiness notifier. Call it before Subscribe.
func (r *Relay) SetReady(n Notifier) {
	r.opts.Ready = n
}

// Subscribe registers the node -> hub handlers on the broker.
func (r *Relay) Subscribe() error {
	if t := r.opts.Topics.HubAuth; t != "" {
		if err := r.opts.Broker.Handle(t, r.handleAuth); err != nil {
			return fmt.Errorf("subscribing to %s: %w", t, err)
		}
	}
	for _, t := range []string{r.opts.Topics.HubInvoke, r.opts.Topics.Setup} {
		if t == "" {
			continue
		}
		if err := r.opts.Broker.Handle(t, r.handleInvoke); err != nil {
			return fmt.Errorf("subscribing to %s: %w", t, err)
		}
	}
	return nil
}

// Serve forwards hub requests to the node until ctx ends or the channel
// closes. Each exchange runs in its own goroutine.
func (r *Relay) Serve(ctx context.Context) error {
	requests := r.opts.Hub.Requests()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ex, ok := <-requests:
			if !ok {
				return nil
			}
			r.inflight.Add(1)
			go func() {
				defer r.inflight.Done()
				ex.Reply.Respond(r.Forward(ctx, ex.Request))
			}()
		}
	}
}

// Wait blocks until every in-flight forward is done.
func (r *Relay) Wait() {
	r.inflight.Wait()
}

// Forward sends one hub request to the node.
//
// Returns:
//   - protocol.Response: the node's reply for awaited requests,
//     {success:true, result:null} for fire-and-forget, or a "0101" failure
func (r *Relay) Forward(ctx context.Context, req protocol.Request) protocol.Response {
	start := time.Now()
	op := string(req.Command.Normalize())

	var (
		resp protocol.Response
		err  error
	)
	if req.HasResult {
		resp, err = r.opts.Broker.Request(ctx, r.opts.Topics.NodeRequest, req, r.opts.Topics.NodeResponse)
	} else {
		req.ResponseTopicNoAwait = r.opts.Topics.NodeResponseNoAwait
		err = r.opts.Broker.Publish(ctx, r.opts.Topics.NodeRequest, req)
		resp = protocol.Success(nil)
	}

	if err != nil {
		r.logger.Error("forwarding hub request failed", "command", op, "has_result", req.HasResult, "error", err)
		r.record(op, outcomeFailure, time.Since(start))
		return protocol.FromError(err, protocol.CodeTransportFailure)
	}

	r.logger.Debug("hub request forwarded", "command", op, "has_result", req.HasResult)
	r.record(op, outcomeSuccess, time.Since(start))
	return resp
}

// handleAuth applies a token from the node and reports when the hub is up.
func (r *Relay) handleAuth(ctx context.Context, in pubsub.Inbound) error {
	if !in.CanReply() {
		r.logger.Warn("missing response topic or correlation data", "topic", in.Topic)
		return nil
	}
	if r.opts.Hub.State() == hub.StateConnected {
		r.logger.Debug("hub already connected, ignoring token")
		return nil
	}

	token := decodeToken(in.Payload)
	if token == "" {
		r.logger.Warn("empty hub token received", "topic", in.Topic)
		return nil
	}

	r.opts.Hub.UseToken(token)
	if !r.opts.Hub.WaitForConnection(ctx, r.opts.ConnectAttempts, r.opts.ConnectInterval) {
		r.logger.Warn("hub did not connect with the supplied token")
		r.nudge(ctx)
		return nil
	}

	r.logger.Info("hub connected with node token")
	return r.opts.Broker.Reply(ctx, in, protocol.Success(ResultConnected))
}

// invocation is the node's {command, data} body.
type invocation struct {
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// handleInvoke calls a hub method on behalf of the node.
func (r *Relay) handleInvoke(ctx context.Context, in pubsub.Inbound) error {
	if !in.CanReply() {
		r.logger.Warn("missing response topic or correlation data", "topic", in.Topic)
		return nil
	}

	if r.opts.Hub.State() != hub.StateConnected {
		r.logger.Warn("hub is not connected, sending ready", "topic", in.Topic)
		return r.opts.Broker.Reply(ctx, in, protocol.Success("ready"))
	}

	start := time.Now()
	var inv invocation
	if err := json.Unmarshal(in.Payload, &inv); err != nil || inv.Command == "" {
		if err == nil {
			err = errors.New("missing command")
		}
		r.logger.Warn("undecodable invocation", "topic", in.Topic, "error", err)
		return r.opts.Broker.Reply(ctx, in, protocol.FromError(err, protocol.CodeTransportFailure))
	}

	var args []any
	if len(inv.Data) > 0 {
		args = append(args, inv.Data)
	}

	result, err := r.opts.Hub.Invoke(ctx, inv.Command, args...)
	if err != nil {
		r.logger.Error("hub invocation failed", "method", inv.Command, "error", err)
		r.record(inv.Command, outcomeFailure, time.Since(start))
		return r.opts.Broker.Reply(ctx, in, protocol.FromError(err, protocol.CodeTransportFailure))
	}

	r.logger.Info("hub invocation answered", "method", inv.Command)
	r.record(inv.Command, outcomeSuccess, time.Since(start))
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return r.opts.Broker.Reply(ctx, in, result)
}

func (r *Relay) nudge(ctx context.Context) {
	if r.opts.Ready == nil {
		return
	}
	r.opts.Ready.Notify(ctx) //nolint:errcheck // the announcer logs its own failures
}

func (r *Relay) record(operation, outcome string, latency time.Duration) {
	if r.opts.Recorder != nil {
		r.opts.Recorder.RecordRequest(transportName, operation, outcome, latency)
	}
}

// decodeToken accepts the token as raw text or as a JSON string.
func decodeToken(payload []byte) string {
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(payload))
}
