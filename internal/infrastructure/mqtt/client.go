package mqtt

import (
	"context"
	"fmt"
	"sync"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nerrad567/apollo-bridge/internal/infrastructure/config"
)

// Client is an MQTT v5 client built on paho.golang's autopaho connection manager.
//
// v5 is required for request/response: ResponseTopic and CorrelationData
// travel as message properties rather than inside the payload.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Subscriptions are automatically restored on reconnection.
type Client struct {
	cm     *autopaho.ConnectionManager
	cancel context.CancelFunc
	cfg    config.MQTTConfig
	topics Topics

	// subscriptions tracks active subscriptions for routing and re-subscription.
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

// Connect establishes an MQTT v5 connection to the broker.
//
// It performs the following setup:
//  1. Builds the autopaho configuration (broker URL, auth, TLS, LWT)
//  2. Starts the connection manager, which reconnects on its own afterwards
//  3. Waits up to defaultConnectTimeout for the first CONNACK
//  4. Publishes the retained online status
//
// Parameters:
//   - ctx: Bounds the initial connection attempt
//   - cfg: MQTT configuration
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: ErrConnectionFailed if the broker is unreachable within the timeout
func Connect(ctx context.Context, cfg config.MQTTConfig) (*Client, error) {
	ac, err := buildAutopahoConfig(cfg)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:           cfg,
		topics:        Topics{Prefix: cfg.TopicPrefix},
		subscriptions: make(map[string]subscription),
	}

	ac.OnConnectionUp = func(_ *autopaho.ConnectionManager, _ *paho.Connack) {
		// Runs on the manager's goroutine; subscribing from it would block.
		go c.handleConnect()
	}
	ac.OnConnectError = func(err error) {
		if logger := c.getLogger(); logger != nil {
			logger.Warn("MQTT connection attempt failed", "error", err)
		}
	}
	ac.ClientConfig.OnClientError = func(err error) {
		c.handleDisconnect(err)
	}
	ac.ClientConfig.OnServerDisconnect = func(d *paho.Disconnect) {
		c.handleDisconnect(fmt.Errorf("server disconnect: reason code %d", d.ReasonCode))
	}
	ac.ClientConfig.OnPublishReceived = []func(paho.PublishReceived) (bool, error){
		func(pr paho.PublishReceived) (bool, error) {
			c.route(pr.Packet)
			return true, nil
		},
	}

	// The manager lives until Close cancels this context.
	runCtx, cancel := context.WithCancel(context.Background())
	cm, err := autopaho.NewConnection(runCtx, ac)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	awaitCtx, awaitCancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer awaitCancel()
	if err := cm.AwaitConnection(awaitCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// OnConnectionUp may not have run yet; IsConnected must already be true.
	c.connMu.Lock()
	c.cm = cm
	c.cancel = cancel
	c.connected = true
	c.connMu.Unlock()

	c.publishStatus("online", "")

	return c, nil
}

// handleConnect is called when the connection is (re)established.
func (c *Client) handleConnect() {
	c.connMu.Lock()
	c.connected = true
	ready := c.cm != nil
	c.connMu.Unlock()

	if ready {
		c.restoreSubscriptions()
		c.publishStatus("online", "")
	}

	c.callbackMu.RLock()
	callback := c.onConnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}
}

// handleDisconnect is called when the connection is lost.
func (c *Client) handleDisconnect(err error) {
	c.connMu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.connMu.Unlock()

	if !wasConnected {
		return
	}

	c.callbackMu.RLock()
	callback := c.onDisconnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

// restoreSubscriptions re-subscribes to all tracked topics after reconnect.
func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	subs := make([]paho.SubscribeOptions, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		subs = append(subs, paho.SubscribeOptions{Topic: sub.topic, QoS: sub.qos})
	}
	c.subMu.RUnlock()

	if len(subs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
	defer cancel()
	if _, err := c.cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		if logger := c.getLogger(); logger != nil {
			logger.Error("MQTT subscription restore failed", "count", len(subs), "error", err)
		}
	}
}

// publishStatus publishes the retained online/offline status.
func (c *Client) publishStatus(status, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
	defer cancel()
	_, _ = c.cm.Publish(ctx, &paho.Publish{ //nolint:errcheck // best effort status
		Topic:   c.topics.SystemStatus(),
		QoS:     byte(c.cfg.QoS), //nolint:gosec // validated 0-2
		Retain:  true,
		Payload: []byte(buildStatusPayload(c.cfg.Broker.ClientID, status, reason)),
	})
}

// route hands an inbound publish to every subscription whose filter matches.
func (c *Client) route(p *paho.Publish) {
	if p == nil {
		return
	}

	msg := Message{
		Topic:    p.Topic,
		Payload:  p.Payload,
		QoS:      p.QoS,
		Retained: p.Retain,
	}
	if p.Properties != nil {
		msg.ResponseTopic = p.Properties.ResponseTopic
		msg.CorrelationData = p.Properties.CorrelationData
	}

	c.subMu.RLock()
	var handlers []MessageHandler
	for filter, sub := range c.subscriptions {
		if TopicMatches(filter, p.Topic) {
			handlers = append(handlers, sub.handler)
		}
	}
	c.subMu.RUnlock()

	logger := c.getLogger()
	for _, h := range handlers {
		go invokeHandler(logger, h, msg)
	}
}

// Close publishes a graceful offline status and disconnects.
//
// Returns:
//   - error: If disconnect fails (connection already closed is not an error)
func (c *Client) Close() error {
	if c == nil || c.cm == nil {
		return nil
	}

	if c.IsConnected() {
		c.publishStatus("offline", "graceful_shutdown")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
	defer cancel()
	err := c.cm.Disconnect(ctx)
	c.cancel()

	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("mqtt disconnect: %w", err)
	}
	return nil
}

// HealthCheck verifies the MQTT connection is alive.
func (c *Client) HealthCheck(ctx context.Context) error {
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

// IsConnected returns the last known connection state.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// SetOnConnect sets a callback invoked on initial connect and on every reconnect.
func (c *Client) SetOnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = callback
	c.callbackMu.Unlock()
}

// SetOnDisconnect sets a callback invoked when the connection is lost.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = callback
	c.callbackMu.Unlock()
}

// SetLogger sets a logger for error and panic logging.
// If not set, errors in handlers are silently ignored.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// Dial connects with the client matching cfg.ProtocolVersion.
//
// Returns:
//   - Broker: *Client for version 5 (or 0), *LegacyClient for version 3
//   - error: ErrUnsupportedVersion or a connection failure
func Dial(ctx context.Context, cfg config.MQTTConfig) (Broker, error) {
	switch cfg.ProtocolVersion {
	case 0, 5:
		return Connect(ctx, cfg)
	case 3:
		return ConnectLegacy(cfg)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, cfg.ProtocolVersion)
	}
}
