package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/apollo-bridge/internal/infrastructure/config"
)

// envelope carries v5 request/response metadata over MQTT 3.1.1, which has no
// message properties. Both ends of a 3.1.1 deployment must speak it.
type envelope struct {
	ResponseTopic   string `json:"response_topic,omitempty"`
	CorrelationData []byte `json:"correlation_data,omitempty"`
	Payload         []byte `json:"payload"`
}

// encodeEnvelope wraps msg's payload when it carries reply metadata.
// Messages without metadata are sent untouched.
func encodeEnvelope(msg Message) ([]byte, error) {
	if msg.ResponseTopic == "" && len(msg.CorrelationData) == 0 {
		return msg.Payload, nil
	}
	b, err := json.Marshal(envelope{
		ResponseTopic:   msg.ResponseTopic,
		CorrelationData: msg.CorrelationData,
		Payload:         msg.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding envelope: %w", ErrPublishFailed, err)
	}
	return b, nil
}

// decodeEnvelope unwraps a received payload. Payloads that are not an
// envelope are returned as the message body unchanged.
func decodeEnvelope(topic string, raw []byte) Message {
	msg := Message{Topic: topic, Payload: raw}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Payload == nil {
		return msg
	}
	if env.ResponseTopic == "" && len(env.CorrelationData) == 0 {
		return msg
	}

	msg.Payload = env.Payload
	msg.ResponseTopic = env.ResponseTopic
	msg.CorrelationData = env.CorrelationData
	return msg
}

// LegacyClient is an MQTT 3.1.1 client for brokers without v5 support.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Subscriptions are automatically restored on reconnection.
type LegacyClient struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	topics Topics

	subscriptions map[string]subscription
	subMu         sync.RWMutex

	connected bool
	connMu    sync.RWMutex

	onConnect    func()
	onDisconnect func(err error)
	callbackMu   sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// ConnectLegacy establishes an MQTT 3.1.1 connection.
//
// Parameters:
//   - cfg: MQTT configuration
//
// Returns:
//   - *LegacyClient: Connected client ready for use
//   - error: ErrConnectionFailed if the initial connection fails within timeout
func ConnectLegacy(cfg config.MQTTConfig) (*LegacyClient, error) {
	opts := buildLegacyOptions(cfg)

	c := &LegacyClient{
		cfg:           cfg,
		topics:        Topics{Prefix: cfg.TopicPrefix},
		subscriptions: make(map[string]subscription),
	}

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	return c, nil
}

func (c *LegacyClient) handleConnect() {
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	c.subMu.RLock()
	for _, sub := range c.subscriptions {
		c.client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))
	}
	c.subMu.RUnlock()

	c.client.Publish(c.topics.SystemStatus(), byte(c.cfg.QoS), true, //nolint:gosec // validated 0-2
		buildStatusPayload(c.cfg.Broker.ClientID, "online", ""))

	c.callbackMu.RLock()
	callback := c.onConnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}
}

func (c *LegacyClient) handleDisconnect(err error) {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	c.callbackMu.RLock()
	callback := c.onDisconnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

// Publish sends msg, wrapping reply metadata in an envelope.
func (c *LegacyClient) Publish(ctx context.Context, msg Message) error {
	if err := validatePublish(msg); err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	body, err := encodeEnvelope(msg)
	if err != nil {
		return err
	}

	token := c.client.Publish(msg.Topic, msg.QoS, msg.Retained, body)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrPublishFailed, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Subscribe registers handler for topic; see Client.Subscribe.
func (c *LegacyClient) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := validateSubscribe(topic, qos, handler); err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	c.subscriptions[topic] = subscription{topic: topic, qos: qos, handler: handler}
	c.subMu.Unlock()

	token := c.client.Subscribe(topic, qos, c.wrapHandler(handler))
	if !token.WaitTimeout(defaultPublishTimeout) {
		c.forget(topic)
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		c.forget(topic)
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

// Unsubscribe removes the subscription for topic.
func (c *LegacyClient) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	c.forget(topic)

	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Unsubscribe(topic)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrUnsubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err)
	}
	return nil
}

func (c *LegacyClient) forget(topic string) {
	c.subMu.Lock()
	delete(c.subscriptions, topic)
	c.subMu.Unlock()
}

// Close publishes a graceful offline status and disconnects.
func (c *LegacyClient) Close() error {
	if c == nil || c.client == nil {
		return nil
	}

	if c.IsConnected() {
		token := c.client.Publish(c.topics.SystemStatus(), byte(c.cfg.QoS), true, //nolint:gosec // validated 0-2
			buildStatusPayload(c.cfg.Broker.ClientID, "offline", "graceful_shutdown"))
		token.WaitTimeout(defaultPublishTimeout)
	}

	c.client.Disconnect(defaultDisconnectQuiesce)

	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()
	return nil
}

// HealthCheck verifies the connection is alive.
func (c *LegacyClient) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected returns the current connection state.
func (c *LegacyClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// SetOnConnect sets a callback invoked on initial connect and on every reconnect.
func (c *LegacyClient) SetOnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = callback
	c.callbackMu.Unlock()
}

// SetOnDisconnect sets a callback invoked when the connection is lost.
func (c *LegacyClient) SetOnDisconnect(callback func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = callback
	c.callbackMu.Unlock()
}

// SetLogger sets a logger for error and panic logging.
func (c *LegacyClient) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *LegacyClient) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// wrapHandler adapts a MessageHandler to paho's callback, unwrapping the
// envelope and recovering panics.
func (c *LegacyClient) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, m pahomqtt.Message) {
		msg := decodeEnvelope(m.Topic(), m.Payload())
		msg.QoS = m.Qos()
		msg.Retained = m.Retained()
		// paho may reuse its router goroutine; waiting handlers must not block it.
		go invokeHandler(c.getLogger(), handler, msg)
	}
}

var (
	_ Broker = (*Client)(nil)
	_ Broker = (*LegacyClient)(nil)
)
