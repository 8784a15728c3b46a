package mqtt

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/apollo-bridge/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout bounds publish, subscribe and unsubscribe round trips.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// defaultKeepAlive is used when the config leaves keep_alive unset.
	defaultKeepAlive = 30

	// defaultRetryDelay is the pause between reconnect attempts.
	defaultRetryDelay = 5 * time.Second

	// sessionExpiry keeps broker-side session state briefly across reconnects (seconds).
	sessionExpiry = 60

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// maxPayloadSize caps outbound payloads (1MB), aligned with typical broker limits.
	maxPayloadSize = 1 << 20

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// buildAutopahoConfig creates the v5 connection manager configuration.
//
// This configures:
//   - Broker URL (tcp:// or ssl:// based on TLS setting)
//   - Client ID, credentials and keepalive
//   - Last Will and Testament on the system status topic
//   - TLS configuration (if enabled)
//
// Connection callbacks are attached by the caller.
func buildAutopahoConfig(cfg config.MQTTConfig) (autopaho.ClientConfig, error) {
	serverURL, err := url.Parse(cfg.Broker.URL())
	if err != nil {
		return autopaho.ClientConfig{}, fmt.Errorf("%w: parsing broker url: %w", ErrConnectionFailed, err)
	}

	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}

	topics := Topics{Prefix: cfg.TopicPrefix}
	ac := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{serverURL},
		KeepAlive:                     uint16(keepAlive), //nolint:gosec // validated range
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         sessionExpiry,
		ConnectRetryDelay:             defaultRetryDelay,
		ConnectTimeout:                defaultConnectTimeout,
		WillMessage: &paho.WillMessage{
			Retain:  true,
			QoS:     1,
			Topic:   topics.SystemStatus(),
			Payload: []byte(buildStatusPayload(cfg.Broker.ClientID, "offline", "unexpected_disconnect")),
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.Broker.ClientID,
		},
	}

	if cfg.Auth.Username != "" {
		ac.ConnectUsername = cfg.Auth.Username
		ac.ConnectPassword = []byte(cfg.Auth.Password)
	}

	if cfg.Broker.TLS {
		ac.TlsCfg = &tls.Config{MinVersion: tlsMinVersion}
	}

	return ac, nil
}

// buildLegacyOptions creates paho.mqtt.golang options for 3.1.1 brokers.
func buildLegacyOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker.URL())
	opts.SetClientID(cfg.Broker.ClientID)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(defaultRetryDelay)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(time.Duration(keepAlive) * time.Second)

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	opts.SetWill(Topics{Prefix: cfg.TopicPrefix}.SystemStatus(),
		buildStatusPayload(cfg.Broker.ClientID, "offline", "unexpected_disconnect"), 1, true)

	return opts
}

// buildStatusPayload creates the JSON payload for the retained status topic.
func buildStatusPayload(clientID, status, reason string) string {
	if reason == "" {
		return fmt.Sprintf(`{"status":"%s","client_id":"%s","timestamp":"%s"}`,
			status, clientID, time.Now().UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf(`{"status":"%s","client_id":"%s","reason":"%s","timestamp":"%s"}`,
		status, clientID, reason, time.Now().UTC().Format(time.RFC3339))
}
