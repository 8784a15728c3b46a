package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Bridge modes.
const (
	// ModeDirect dispatches hub requests to the local command dispatcher.
	ModeDirect = "direct"

	// ModeRelay forwards hub requests over the MQTT broker to a remote node.
	ModeRelay = "relay"
)

// State backends.
const (
	StateBackendFile   = "file"
	StateBackendSQLite = "sqlite"
)

// Config is the root configuration structure for the Apollo bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge       BridgeConfig       `yaml:"bridge"`
	Hub          HubConfig          `yaml:"hub"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	OnDemand     OnDemandConfig     `yaml:"on_demand"`
	Auth         HomeAssistantAuth  `yaml:"home_assistant_auth"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Readiness    ReadinessConfig    `yaml:"readiness"`
	State        StateConfig        `yaml:"state"`
	InfluxDB     InfluxDBConfig     `yaml:"influxdb"`
	Health       HealthConfig       `yaml:"health"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// BridgeConfig selects how hub traffic is handled.
type BridgeConfig struct {
	Mode         string `yaml:"mode"`
	SetupOnStart bool   `yaml:"setup_on_start"`
}

// HubConfig contains the cloud hub connection settings.
type HubConfig struct {
	BaseURL           string        `yaml:"base_url"`
	HubPath           string        `yaml:"hub_path"`
	TokenParam        string        `yaml:"token_param"`
	LoginPath         string        `yaml:"login_path"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	MaxRetries        int           `yaml:"max_retries"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
	ServerTimeout     time.Duration `yaml:"server_timeout"`
}

// URL returns the hub endpoint (base URL joined with the hub path).
func (h HubConfig) URL() string {
	return strings.TrimRight(h.BaseURL, "/") + h.HubPath
}

// LoginURL returns the credential endpoint used to obtain hub tokens.
func (h HubConfig) LoginURL() string {
	return strings.TrimRight(h.BaseURL, "/") + h.LoginPath
}

// ControlPlaneConfig contains the supervisor WebSocket settings.
type ControlPlaneConfig struct {
	SocketURL            string        `yaml:"socket_url"`
	Token                string        `yaml:"token"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
	ConnectAttempts      int           `yaml:"connect_attempts"`
	ConnectInterval      time.Duration `yaml:"connect_interval"`
}

// OnDemandConfig contains settings for short-lived sockets opened with a user token.
type OnDemandConfig struct {
	SocketURL      string        `yaml:"socket_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// HomeAssistantAuth contains the login flow endpoints and the setup credentials.
type HomeAssistantAuth struct {
	ClientID     string `yaml:"client_id"`
	RedirectURI  string `yaml:"redirect_uri"`
	ProvidersURI string `yaml:"providers_uri"`
	LoginFlowURI string `yaml:"login_flow_uri"`
	TokenURI     string `yaml:"token_uri"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled         bool             `yaml:"enabled"`
	ProtocolVersion int              `yaml:"protocol_version"`
	Broker          MQTTBrokerConfig `yaml:"broker"`
	Auth            MQTTAuthConfig   `yaml:"auth"`
	QoS             int              `yaml:"qos"`
	KeepAlive       int              `yaml:"keep_alive"`
	RequestTimeout  time.Duration    `yaml:"request_timeout"`
	TopicPrefix     string           `yaml:"topic_prefix"`
	ReplyPrefix     string           `yaml:"reply_prefix"`
	Topics          MQTTTopics       `yaml:"topics"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// URL returns the broker URL in scheme://host:port form.
func (b MQTTBrokerConfig) URL() string {
	scheme := "tcp"
	if b.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTTopics names every topic the bridge publishes or subscribes to.
type MQTTTopics struct {
	// NodeRequest carries hub requests to the node that dispatches them.
	NodeRequest string `yaml:"node_request"`
	// NodeResponse is the reply topic for awaited node requests.
	NodeResponse string `yaml:"node_response"`
	// NodeResponseNoAwait receives settlements nobody waits for.
	NodeResponseNoAwait string `yaml:"node_response_no_await"`
	// HubInvoke carries {command, data} method calls from the node to the hub.
	HubInvoke string `yaml:"hub_invoke"`
	// HubAuth carries a hub access token from the node.
	HubAuth string `yaml:"hub_auth"`
	// Setup carries the setupApollo invocation from the node.
	Setup string `yaml:"setup"`
	// Ping is the liveness check topic.
	Ping string `yaml:"ping"`
	// Ready receives the readiness signal.
	Ready string `yaml:"ready"`
}

// ReadinessConfig controls the ready announcer.
type ReadinessConfig struct {
	Interval           time.Duration `yaml:"interval"`
	NudgeWhileDegraded bool          `yaml:"nudge_while_degraded"`
}

// StateConfig selects where the durable setup state lives.
type StateConfig struct {
	Backend  string         `yaml:"backend"`
	Path     string         `yaml:"path"`
	Database DatabaseConfig `yaml:"database"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// HealthConfig contains the HTTP health endpoint settings.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Addr returns host:port for the listener.
func (h HealthConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern APOLLO_BRIDGE_SECTION_KEY, plus
// SUPERVISOR_TOKEN which the supervisor injects into add-on containers.
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with the deployment defaults of the add-on.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			Mode:         ModeDirect,
			SetupOnStart: true,
		},
		Hub: HubConfig{
			HubPath:           "/apollo-hub",
			TokenParam:        "access-token",
			LoginPath:         "/api/auth/login",
			RetryInterval:     5 * time.Second,
			RequestTimeout:    60 * time.Second,
			KeepAliveInterval: 15 * time.Second,
			ServerTimeout:     30 * time.Second,
		},
		ControlPlane: ControlPlaneConfig{
			SocketURL:            "ws://supervisor/core/websocket",
			RequestTimeout:       20 * time.Second,
			ReconnectInterval:    5 * time.Second,
			MaxReconnectInterval: time.Minute,
			ConnectAttempts:      30,
			ConnectInterval:      time.Second,
		},
		OnDemand: OnDemandConfig{
			SocketURL:      "ws://homeassistant:8123/api/websocket",
			RequestTimeout: 5 * time.Second,
		},
		Auth: HomeAssistantAuth{
			ClientID:     "http://homeassistant:8123/",
			RedirectURI:  "http://homeassistant:8123/?auth_callback=1",
			ProvidersURI: "http://homeassistant:8123/auth/providers",
			LoginFlowURI: "http://homeassistant:8123/auth/login_flow",
			TokenURI:     "http://homeassistant:8123/auth/token",
		},
		MQTT: MQTTConfig{
			ProtocolVersion: 5,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "apollo-bridge",
			},
			QoS:            1,
			KeepAlive:      30,
			RequestTimeout: 30 * time.Second,
			TopicPrefix:    "apollo",
			ReplyPrefix:    "apollo/reply",
			Topics: MQTTTopics{
				NodeRequest:         "apollo/node/request",
				NodeResponse:        "apollo/node/response",
				NodeResponseNoAwait: "apollo/node/response/no-await",
				HubInvoke:           "apollo/hub/request",
				HubAuth:             "apollo/hub/auth",
				Setup:               "apollo/hub/setup",
				Ping:                "apollo/ping",
				Ready:               "apollo/ready",
			},
		},
		Readiness: ReadinessConfig{
			Interval: 10 * time.Second,
		},
		State: StateConfig{
			Backend: StateBackendFile,
			Path:    "/homeassistant/persistent_data.json",
			Database: DatabaseConfig{
				Path:        "./data/apollo-bridge.db",
				WALMode:     true,
				BusyTimeout: 5,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Health: HealthConfig{
			Host: "0.0.0.0",
			Port: 8099,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	// Hub
	if v := os.Getenv("APOLLO_BRIDGE_HUB_BASE_URL"); v != "" {
		cfg.Hub.BaseURL = v
	}
	if v := os.Getenv("APOLLO_BRIDGE_HUB_USERNAME"); v != "" {
		cfg.Hub.Username = v
	}
	if v := os.Getenv("APOLLO_BRIDGE_HUB_PASSWORD"); v != "" {
		cfg.Hub.Password = v
	}
	if v := os.Getenv("APOLLO_BRIDGE_HUB_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Hub.MaxRetries = n
		}
	}

	// Control plane (the supervisor injects SUPERVISOR_TOKEN into add-ons)
	if v := os.Getenv("SUPERVISOR_TOKEN"); v != "" {
		cfg.ControlPlane.Token = v
	}
	if v := os.Getenv("APOLLO_BRIDGE_CONTROL_PLANE_TOKEN"); v != "" {
		cfg.ControlPlane.Token = v
	}

	// Home Assistant setup credentials
	if v := os.Getenv("APOLLO_BRIDGE_AUTH_USERNAME"); v != "" {
		cfg.Auth.Username = v
	}
	if v := os.Getenv("APOLLO_BRIDGE_AUTH_PASSWORD"); v != "" {
		cfg.Auth.Password = v
	}

	// MQTT
	if v := os.Getenv("APOLLO_BRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("APOLLO_BRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("APOLLO_BRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// State
	if v := os.Getenv("APOLLO_BRIDGE_STATE_PATH"); v != "" {
		cfg.State.Path = v
	}

	// InfluxDB
	if v := os.Getenv("APOLLO_BRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Every validation failure joined into one message, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	switch c.Bridge.Mode {
	case ModeDirect:
	case ModeRelay:
		if !c.MQTT.Enabled {
			errs = append(errs, "bridge.mode relay requires mqtt.enabled")
		}
	default:
		errs = append(errs, fmt.Sprintf("bridge.mode must be %q or %q", ModeDirect, ModeRelay))
	}

	if c.Hub.BaseURL == "" {
		errs = append(errs, "hub.base_url is required")
	}
	if c.Hub.RetryInterval <= 0 {
		errs = append(errs, "hub.retry_interval must be positive")
	}
	if c.Hub.MaxRetries < 0 {
		errs = append(errs, "hub.max_retries must not be negative")
	}

	if c.Bridge.Mode == ModeDirect {
		if c.ControlPlane.SocketURL == "" {
			errs = append(errs, "control_plane.socket_url is required in direct mode")
		}
		if c.ControlPlane.RequestTimeout <= 0 {
			errs = append(errs, "control_plane.request_timeout must be positive")
		}
		if c.OnDemand.RequestTimeout <= 0 {
			errs = append(errs, "on_demand.request_timeout must be positive")
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
		if c.MQTT.ProtocolVersion != 3 && c.MQTT.ProtocolVersion != 5 {
			errs = append(errs, "mqtt.protocol_version must be 3 or 5")
		}
		if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
			errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
		}
		if c.MQTT.Topics.Ready == "" {
			errs = append(errs, "mqtt.topics.ready is required")
		}
	}

	switch c.State.Backend {
	case StateBackendFile:
		if c.State.Path == "" {
			errs = append(errs, "state.path is required for the file backend")
		}
	case StateBackendSQLite:
		if c.State.Database.Path == "" {
			errs = append(errs, "state.database.path is required for the sqlite backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("state.backend must be %q or %q", StateBackendFile, StateBackendSQLite))
	}

	if c.Health.Enabled && (c.Health.Port < 1 || c.Health.Port > 65535) {
		errs = append(errs, "health.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
