package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/apollo-bridge/internal/correlation"
	"github.com/nerrad567/apollo-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/apollo-bridge/internal/protocol"
)

// defaultRequestTimeout applies when neither the call nor the bridge sets one.
const defaultRequestTimeout = 30 * time.Second

// transportName tags metrics and logs.
const transportName = "mqtt"

// Broker is the subset of the broker client the bridge needs.
// Satisfied by *mqtt.Client and *mqtt.LegacyClient.
type Broker interface {
	Publish(ctx context.Context, msg mqtt.Message) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// Dispatcher handles a decoded Request.
type Dispatcher interface {
	Dispatch(ctx context.Context, req protocol.Request) protocol.Response
}

// Recorder receives per-request metrics. Optional.
type Recorder interface {
	RecordRequest(transport, operation, outcome string, latency time.Duration)
}

// Logger is the logging surface the bridge uses.
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

// replyKey identifies one awaited reply.
type replyKey struct {
	topic string
	token string
}

// Options holds configuration for creating a bridge.
type Options struct {
	// Broker is the connected broker client. Required.
	Broker Broker

	// QoS is used for requests, replies and subscriptions.
	QoS byte

	// ReplyPrefix roots synthesized per-call reply topics.
	ReplyPrefix string

	// Timeout is the default reply window.
	Timeout time.Duration

	// Logger is optional.
	Logger Logger

	// Recorder is optional.
	Recorder Recorder
}

// Bridge correlates requests and replies over a broker.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	broker      Broker
	qos         byte
	replyPrefix string
	timeout     time.Duration
	logger      Logger
	recorder    Recorder

	pending *correlation.Table[replyKey, mqtt.Message]

	// replyRefs counts waiters per reply topic. replyMu is held across the
	// broker round trip so a second waiter never publishes before the
	// subscription is active.
	replyRefs map[string]int
	replyMu   sync.Mutex

	// Shutdown coordination. closed is guarded by closeMu so no handler is
	// added to wg once Close has started waiting.
	wg        sync.WaitGroup
	closeMu   sync.RWMutex
	closed    bool
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc
}

// New creates a bridge over opts.Broker.
func New(opts Options) (*Bridge, error) {
	if opts.Broker == nil {
		return nil, errors.New("pubsub: broker is required")
	}
	if opts.QoS > 2 {
		return nil, mqtt.ErrInvalidQoS
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	replyPrefix := opts.ReplyPrefix
	if replyPrefix == "" {
		replyPrefix = mqtt.DefaultTopicPrefix + "/reply"
	}
	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		broker:      opts.Broker,
		qos:         opts.QoS,
		replyPrefix: replyPrefix,
		timeout:     timeout,
		logger:      logger,
		recorder:    opts.Recorder,
		pending:     correlation.NewTable[replyKey, mqtt.Message](timeout),
		replyRefs:   make(map[string]int),
		ctx:         ctx,
		ctxCancel:   cancel,
	}, nil
}

// Outbound describes one request to publish.
type Outbound struct {
	// Topic is the destination request topic. Required.
	Topic string

	// Payload is sent as-is when it is []byte, string or json.RawMessage,
	// and JSON-encoded otherwise.
	Payload any

	// CorrelationToken is echoed by the replier. A uuid is generated when empty.
	CorrelationToken string

	// ReplyTopic is where the reply is expected. When empty and AwaitReply is
	// set, a unique topic under the bridge's reply prefix is used.
	ReplyTopic string

	// AwaitReply makes SendRequest wait for the correlated reply. Setting
	// ReplyTopic implies it.
	AwaitReply bool

	// Timeout overrides the bridge default reply window.
	Timeout time.Duration
}

// SendRequest publishes out and, when a reply is expected, waits for it.
//
// Parameters:
//   - ctx: Cancels the wait (the correlation slot is released by reply or timeout)
//   - out: Destination, payload and correlation settings
//
// Returns:
//   - mqtt.Message: The reply; zero when no reply was expected
//   - error: Publish failure, protocol.ErrTimeout, or protocol.ErrConnectionLost
func (b *Bridge) SendRequest(ctx context.Context, out Outbound) (mqtt.Message, error) {
	start := time.Now()
	reply, err := b.sendRequest(ctx, out)
	b.record(out.Topic, err, time.Since(start))
	return reply, err
}

func (b *Bridge) sendRequest(ctx context.Context, out Outbound) (mqtt.Message, error) {
	if out.Topic == "" {
		return mqtt.Message{}, mqtt.ErrInvalidTopic
	}
	if !b.broker.IsConnected() {
		return mqtt.Message{}, fmt.Errorf("%w: broker", protocol.ErrNotConnected)
	}

	body, err := encodePayload(out.Payload)
	if err != nil {
		return mqtt.Message{}, err
	}

	token := out.CorrelationToken
	if token == "" {
		token = uuid.NewString()
	}

	msg := mqtt.Message{
		Topic:           out.Topic,
		Payload:         body,
		QoS:             b.qos,
		CorrelationData: []byte(token),
	}

	awaiting := out.AwaitReply || out.ReplyTopic != ""
	if !awaiting {
		if err := b.broker.Publish(ctx, msg); err != nil {
			return mqtt.Message{}, err
		}
		return mqtt.Message{}, nil
	}

	replyTopic := out.ReplyTopic
	if replyTopic == "" {
		replyTopic = mqtt.Reply(b.replyPrefix, uuid.NewString())
	}
	msg.ResponseTopic = replyTopic

	timeout := out.Timeout
	if timeout <= 0 {
		timeout = b.timeout
	}

	key := replyKey{topic: replyTopic, token: token}
	pending, err := b.pending.Register(key, timeout)
	if err != nil {
		return mqtt.Message{}, err
	}

	if err := b.acquireReplyTopic(replyTopic); err != nil {
		b.pending.Reject(key, err)
		return mqtt.Message{}, err
	}
	defer b.releaseReplyTopic(replyTopic)

	if err := b.broker.Publish(ctx, msg); err != nil {
		b.pending.Reject(key, err)
		return mqtt.Message{}, err
	}

	b.logger.Debug("request published, awaiting reply",
		"topic", out.Topic,
		"reply_topic", replyTopic,
		"correlation", token,
	)

	return pending.Wait(ctx)
}

// Request sends req to topic and decodes the reply as a Response.
func (b *Bridge) Request(ctx context.Context, topic string, req protocol.Request, replyTopic string) (protocol.Response, error) {
	reply, err := b.SendRequest(ctx, Outbound{
		Topic:      topic,
		Payload:    req,
		ReplyTopic: replyTopic,
		AwaitReply: true,
	})
	if err != nil {
		return protocol.Response{}, err
	}
	return protocol.DecodeResponse(reply.Payload)
}

// Publish sends payload to topic without reply metadata.
func (b *Bridge) Publish(ctx context.Context, topic string, payload any) error {
	body, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return b.broker.Publish(ctx, mqtt.Message{Topic: topic, Payload: body, QoS: b.qos})
}

// acquireReplyTopic subscribes to topic for the first waiter.
func (b *Bridge) acquireReplyTopic(topic string) error {
	b.replyMu.Lock()
	defer b.replyMu.Unlock()

	if b.replyRefs[topic] > 0 {
		b.replyRefs[topic]++
		return nil
	}

	if err := b.broker.Subscribe(topic, b.qos, b.handleReply); err != nil {
		return fmt.Errorf("subscribing to reply topic %s: %w", topic, err)
	}
	b.replyRefs[topic] = 1
	return nil
}

// releaseReplyTopic unsubscribes from topic once its last waiter is done.
func (b *Bridge) releaseReplyTopic(topic string) {
	b.replyMu.Lock()
	defer b.replyMu.Unlock()

	b.replyRefs[topic]--
	if b.replyRefs[topic] > 0 {
		return
	}
	delete(b.replyRefs, topic)

	if err := b.broker.Unsubscribe(topic); err != nil {
		b.logger.Debug("reply topic unsubscribe failed", "topic", topic, "error", err)
	}
}

// handleReply resolves the waiter matching the message's topic and token.
// Unmatched replies are dropped.
func (b *Bridge) handleReply(msg mqtt.Message) error {
	key := replyKey{topic: msg.Topic, token: string(msg.CorrelationData)}
	if !b.pending.Resolve(key, msg) {
		b.logger.Debug("dropping uncorrelated reply",
			"topic", msg.Topic,
			"correlation", string(msg.CorrelationData),
		)
	}
	return nil
}

// HandleDisconnect fails every in-flight request. Wire it to the broker's
// disconnect callback.
func (b *Bridge) HandleDisconnect(err error) {
	n := b.pending.RejectAll(protocol.ErrConnectionLost)
	if n > 0 {
		b.logger.Warn("broker connection lost, failed pending requests",
			"pending", n,
			"error", err,
		)
	}
}

// Pending returns the number of requests awaiting a reply.
func (b *Bridge) Pending() int {
	return b.pending.Len()
}

// Close fails in-flight requests and waits for inbound handlers to finish.
func (b *Bridge) Close() {
	b.stopOnce.Do(func() {
		b.closeMu.Lock()
		b.closed = true
		b.closeMu.Unlock()

		b.ctxCancel()
		b.pending.RejectAll(protocol.ErrConnectionLost)
		b.wg.Wait()
	})
}

// track registers an inbound handler run, refusing once the bridge is closed.
func (b *Bridge) track() bool {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return false
	}
	b.wg.Add(1)
	return true
}

func (b *Bridge) record(topic string, err error, latency time.Duration) {
	if b.recorder == nil {
		return
	}
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, protocol.ErrTimeout):
		outcome = "timeout"
	case errors.Is(err, protocol.ErrConnectionLost):
		outcome = "connection_lost"
	default:
		outcome = "error"
	}
	b.recorder.RecordRequest(transportName, topic, outcome, latency)
}

// encodePayload turns a payload into a wire body.
func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte{}, nil
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	case json.RawMessage:
		return p, nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encoding payload: %w", err)
		}
		return b, nil
	}
}
