package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/apollo-bridge/internal/apollo"
	"github.com/nerrad567/apollo-bridge/internal/dispatch"
	"github.com/nerrad567/apollo-bridge/internal/homeassistant"
	"github.com/nerrad567/apollo-bridge/internal/hub"
	"github.com/nerrad567/apollo-bridge/internal/infrastructure/config"
	"github.com/nerrad567/apollo-bridge/internal/infrastructure/database"
	"github.com/nerrad567/apollo-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/apollo-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/apollo-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/apollo-bridge/internal/pubsub"
	"github.com/nerrad567/apollo-bridge/internal/readiness"
	"github.com/nerrad567/apollo-bridge/internal/relay"
	"github.com/nerrad567/apollo-bridge/internal/socket"
	"github.com/nerrad567/apollo-bridge/internal/state"
)

// metrics is satisfied by *influxdb.Client. It stays a nil interface when
// InfluxDB is disabled so collaborators see no recorder at all.
type metrics interface {
	RecordRequest(transport, operation, outcome string, latency time.Duration)
	RecordConnectionState(transport, state string)
}

// application holds every long-lived component. Fields are nil when the
// configuration does not call for them.
type application struct {
	cfg *config.Config
	log *logging.Logger

	store    state.Store
	closers  []func() error
	recorder metrics

	broker     mqtt.Broker
	bridge     *pubsub.Bridge
	hubManager *hub.Manager
	plane      *socket.Supervisor
	dispatcher *dispatch.Dispatcher
	relayer    *relay.Relay
	setup      *apollo.SetupProcess
	health     *readiness.HealthServer

	// announcer is set after the transports whose callbacks read it.
	announcer atomic.Pointer[readiness.Announcer]
}

// build constructs the components for cfg. On error the partially built
// application is returned so the caller can close it.
func build(ctx context.Context, cfg *config.Config, log *logging.Logger) (*application, error) {
	app := &application{cfg: cfg, log: log}

	if err := app.buildStore(ctx); err != nil {
		return app, err
	}
	if err := app.buildMetrics(); err != nil {
		return app, err
	}
	if err := app.buildHub(); err != nil {
		return app, err
	}
	if cfg.MQTT.Enabled {
		if err := app.buildBroker(ctx); err != nil {
			return app, err
		}
	}

	switch cfg.Bridge.Mode {
	case config.ModeRelay:
		if err := app.buildRelay(); err != nil {
			return app, err
		}
	default:
		if err := app.buildDirect(); err != nil {
			return app, err
		}
	}

	if err := app.buildReadiness(); err != nil {
		return app, err
	}
	return app, nil
}

func (a *application) buildStore(ctx context.Context) error {
	storeLog := a.log.Component("state")

	switch a.cfg.State.Backend {
	case config.StateBackendSQLite:
		s, err := state.OpenSQLiteStore(ctx, database.Config{
			Path:        a.cfg.State.Database.Path,
			WALMode:     a.cfg.State.Database.WALMode,
			BusyTimeout: a.cfg.State.Database.BusyTimeout,
		}, storeLog)
		if err != nil {
			return fmt.Errorf("opening state database: %w", err)
		}
		a.store = s
		a.closers = append(a.closers, s.Close)
		a.log.Info("state store ready", "backend", "sqlite", "path", a.cfg.State.Database.Path)
	default:
		s, err := state.NewFileStore(a.cfg.State.Path, storeLog)
		if err != nil {
			return fmt.Errorf("opening state file: %w", err)
		}
		a.store = s
		a.log.Info("state store ready", "backend", "file", "path", s.Path())
	}
	return nil
}

func (a *application) buildMetrics() error {
	if !a.cfg.InfluxDB.Enabled {
		a.log.Info("InfluxDB disabled")
		return nil
	}

	client, err := influxdb.Connect(a.cfg.InfluxDB)
	if err != nil {
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		a.log.Error("InfluxDB write error", "error", err)
	})
	a.recorder = client
	a.closers = append(a.closers, client.Close)
	a.log.Info("InfluxDB connected",
		"url", a.cfg.InfluxDB.URL,
		"org", a.cfg.InfluxDB.Org,
		"bucket", a.cfg.InfluxDB.Bucket,
	)
	return nil
}

func (a *application) buildHub() error {
	hubLog := a.log.Component("hub")

	// In relay mode the node supplies the token on the auth topic.
	var authenticator hub.Authenticator
	if a.cfg.Bridge.Mode != config.ModeRelay && a.cfg.Hub.Username != "" {
		pa, err := apollo.NewPasswordAuthenticator(apollo.AuthenticatorOptions{
			LoginURL: a.cfg.Hub.LoginURL(),
			Username: a.cfg.Hub.Username,
			Password: a.cfg.Hub.Password,
		})
		if err != nil {
			return fmt.Errorf("creating hub authenticator: %w", err)
		}
		authenticator = pa
	}

	m, err := hub.NewManager(hub.Options{
		URL:               a.cfg.Hub.URL(),
		TokenParam:        a.cfg.Hub.TokenParam,
		Authenticator:     authenticator,
		Credentials:       apollo.NewMemoryCredentials(),
		RetryInterval:     a.cfg.Hub.RetryInterval,
		MaxRetries:        a.cfg.Hub.MaxRetries,
		RequestTimeout:    a.cfg.Hub.RequestTimeout,
		KeepAliveInterval: a.cfg.Hub.KeepAliveInterval,
		ServerTimeout:     a.cfg.Hub.ServerTimeout,
		Logger:            hubLog,
	})
	if err != nil {
		return fmt.Errorf("creating hub manager: %w", err)
	}

	m.SetOnStateChange(func(s hub.State) {
		hubLog.Info("hub state changed", "state", s.String())
		if a.recorder != nil {
			a.recorder.RecordConnectionState("hub", s.String())
		}
		if s == hub.StateConnected {
			a.notifyReady()
		}
	})
	a.hubManager = m
	return nil
}

func (a *application) buildBroker(ctx context.Context) error {
	brokerLog := a.log.Component("mqtt")

	b, err := mqtt.Dial(ctx, a.cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	b.SetLogger(brokerLog)
	a.broker = b
	a.closers = append(a.closers, b.Close)
	a.log.Info("MQTT connected",
		"broker", a.cfg.MQTT.Broker.URL(),
		"client_id", a.cfg.MQTT.Broker.ClientID,
		"protocol_version", a.cfg.MQTT.ProtocolVersion,
	)

	opts := pubsub.Options{
		Broker:      b,
		QoS:         byte(a.cfg.MQTT.QoS), //nolint:gosec // validated 0-2
		ReplyPrefix: a.cfg.MQTT.ReplyPrefix,
		Timeout:     a.cfg.MQTT.RequestTimeout,
		Logger:      brokerLog,
	}
	if a.recorder != nil {
		opts.Recorder = a.recorder
	}
	bridge, err := pubsub.New(opts)
	if err != nil {
		return fmt.Errorf("creating broker bridge: %w", err)
	}
	a.bridge = bridge

	b.SetOnConnect(func() {
		brokerLog.Info("MQTT reconnected")
		if a.recorder != nil {
			a.recorder.RecordConnectionState("mqtt", "connected")
		}
		a.notifyReady()
	})
	b.SetOnDisconnect(func(err error) {
		brokerLog.Warn("MQTT disconnected", "error", err)
		bridge.HandleDisconnect(err)
		if a.recorder != nil {
			a.recorder.RecordConnectionState("mqtt", "disconnected")
		}
	})
	return nil
}

// buildDirect wires the local dispatcher and its controller collaborators.
func (a *application) buildDirect() error {
	planeLog := a.log.Component("control-plane")

	plane, err := socket.NewSupervisor(socket.SupervisorOptions{
		Socket: socket.Options{
			Name:        "control-plane",
			URL:         a.cfg.ControlPlane.SocketURL,
			Token:       a.cfg.ControlPlane.Token,
			RequireAuth: true,
			Timeout:     a.cfg.ControlPlane.RequestTimeout,
			Logger:      planeLog,
		},
		ReconnectInterval:    a.cfg.ControlPlane.ReconnectInterval,
		MaxReconnectInterval: a.cfg.ControlPlane.MaxReconnectInterval,
		Logger:               planeLog,
	})
	if err != nil {
		return fmt.Errorf("creating control-plane socket: %w", err)
	}
	plane.SetOnStateChange(func(s socket.State) {
		if a.recorder != nil {
			a.recorder.RecordConnectionState("control-plane", s.String())
		}
		if s == socket.StateConnected {
			a.notifyReady()
		}
	})
	a.plane = plane

	controlPlane, err := homeassistant.NewControlPlane(homeassistant.ControlPlaneOptions{
		Sender:          plane,
		RequestTimeout:  a.cfg.ControlPlane.RequestTimeout,
		ConnectAttempts: a.cfg.ControlPlane.ConnectAttempts,
		ConnectInterval: a.cfg.ControlPlane.ConnectInterval,
		Logger:          planeLog,
	})
	if err != nil {
		return fmt.Errorf("creating control plane: %w", err)
	}

	loginFlow, err := homeassistant.NewLoginFlow(homeassistant.LoginFlowOptions{
		ClientID:     a.cfg.Auth.ClientID,
		RedirectURI:  a.cfg.Auth.RedirectURI,
		ProvidersURI: a.cfg.Auth.ProvidersURI,
		LoginFlowURI: a.cfg.Auth.LoginFlowURI,
		TokenURI:     a.cfg.Auth.TokenURI,
	})
	if err != nil {
		return fmt.Errorf("creating login flow: %w", err)
	}

	minter, err := homeassistant.NewLongLivedMinter(homeassistant.MinterOptions{
		URL:             a.cfg.OnDemand.SocketURL,
		RequestTimeout:  a.cfg.OnDemand.RequestTimeout,
		ConnectAttempts: a.cfg.ControlPlane.ConnectAttempts,
		ConnectInterval: a.cfg.ControlPlane.ConnectInterval,
		Logger:          a.log.Component("on-demand"),
	})
	if err != nil {
		return fmt.Errorf("creating token minter: %w", err)
	}

	dopts := dispatch.Options{
		ControlPlane: controlPlane,
		Accounts:     controlPlane,
		Credentials:  loginFlow,
		Minter:       minter,
		Logger:       a.log.Component("dispatch"),
	}
	if a.recorder != nil {
		dopts.Recorder = a.recorder
	}
	d, err := dispatch.New(dopts)
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}
	a.dispatcher = d

	if a.bridge != nil && a.cfg.MQTT.Topics.NodeRequest != "" {
		if err := a.bridge.ServeRequests(a.cfg.MQTT.Topics.NodeRequest, d); err != nil {
			return fmt.Errorf("serving %s: %w", a.cfg.MQTT.Topics.NodeRequest, err)
		}
	}

	if a.cfg.Bridge.SetupOnStart {
		setup, err := apollo.NewSetupProcess(apollo.SetupOptions{
			MAC:         controlPlane,
			Credentials: loginFlow,
			Minter:      minter,
			Hub:         a.hubManager,
			Store:       a.store,
			Username:    a.cfg.Auth.Username,
			Password:    a.cfg.Auth.Password,
			Logger:      a.log.Component("setup"),
		})
		if err != nil {
			return fmt.Errorf("creating setup process: %w", err)
		}
		a.setup = setup
	}
	return nil
}

// buildRelay wires hub traffic to the broker.
func (a *application) buildRelay() error {
	if a.bridge == nil {
		return fmt.Errorf("relay mode requires mqtt.enabled")
	}

	topics := a.cfg.MQTT.Topics
	ropts := relay.Options{
		Hub:    a.hubManager,
		Broker: a.bridge,
		Topics: relay.Topics{
			NodeRequest:         topics.NodeRequest,
			NodeResponse:        topics.NodeResponse,
			NodeResponseNoAwait: topics.NodeResponseNoAwait,
			HubInvoke:           topics.HubInvoke,
			HubAuth:             topics.HubAuth,
			Setup:               topics.Setup,
		},
		Logger: a.log.Component("relay"),
	}
	if a.recorder != nil {
		ropts.Recorder = a.recorder
	}
	r, err := relay.New(ropts)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}
	a.relayer = r
	return nil
}

func (a *application) buildReadiness() error {
	hubState := func() string { return a.hubManager.State().String() }

	checks := []readiness.Check{
		{Name: "hub", Healthy: func() bool { return a.hubManager.State() == hub.StateConnected }},
	}
	if a.broker != nil {
		checks = append(checks, readiness.Check{Name: "mqtt", Healthy: a.broker.IsConnected})
	}
	if a.plane != nil {
		checks = append(checks, readiness.Check{
			Name:    "control-plane",
			Healthy: func() bool { return a.plane.State() == socket.StateConnected },
		})
	}

	readyLog := a.log.Component("readiness")

	if a.bridge != nil {
		announcer, err := readiness.NewAnnouncer(readiness.AnnouncerOptions{
			Publisher:          a.bridge,
			Topic:              a.cfg.MQTT.Topics.Ready,
			Interval:           a.cfg.Readiness.Interval,
			Checks:             checks,
			BrokerUp:           a.broker.IsConnected,
			NudgeWhileDegraded: a.cfg.Readiness.NudgeWhileDegraded || a.cfg.Bridge.Mode == config.ModeRelay,
			Logger:             readyLog,
		})
		if err != nil {
			return fmt.Errorf("creating ready announcer: %w", err)
		}
		a.announcer.Store(announcer)

		liveness, err := readiness.NewLivenessResponder(a.bridge, hubState, readyLog)
		if err != nil {
			return fmt.Errorf("creating liveness responder: %w", err)
		}
		if err := liveness.Serve(a.cfg.MQTT.Topics.Ping); err != nil {
			return fmt.Errorf("serving %s: %w", a.cfg.MQTT.Topics.Ping, err)
		}
	}

	// The relay nudges through the announcer, so it subscribes last.
	if a.relayer != nil {
		if announcer := a.announcer.Load(); announcer != nil {
			a.relayer.SetReady(announcer)
		}
		if err := a.relayer.Subscribe(); err != nil {
			return err
		}
	}

	if a.cfg.Health.Enabled {
		health, err := readiness.NewHealthServer(readiness.HealthOptions{
			Addr:     a.cfg.Health.Addr(),
			Checks:   checks,
			HubState: hubState,
			Logger:   readyLog,
		})
		if err != nil {
			return fmt.Errorf("creating health server: %w", err)
		}
		a.health = health
	}
	return nil
}

// start launches every background loop on g.
func (a *application) start(ctx context.Context, g *errgroup.Group) {
	if a.health != nil {
		if err := a.health.Start(ctx); err != nil {
			a.log.Error("health server failed to start", "error", err)
		}
	}

	g.Go(func() error { return a.hubManager.Run(ctx) })

	if a.plane != nil {
		g.Go(func() error { return a.plane.Run(ctx) })
	}
	if a.dispatcher != nil {
		g.Go(func() error { return a.dispatcher.Serve(ctx, a.hubManager.Requests()) })
	}
	if a.relayer != nil {
		g.Go(func() error { return a.relayer.Serve(ctx) })
	}
	if announcer := a.announcer.Load(); announcer != nil {
		announcer.Notify(ctx) //nolint:errcheck // logged by the announcer
		g.Go(func() error { return announcer.Run(ctx) })
	}
	if a.setup != nil {
		g.Go(func() error {
			done, err := a.setup.Run(ctx)
			if err != nil {
				// Setup is retried on the next start; it never stops the bridge.
				a.log.Error("apollo setup failed", "error", err)
				return nil
			}
			if done {
				a.log.Info("apollo setup complete")
			}
			return nil
		})
	}
}

// notifyReady announces readiness without blocking the calling callback.
func (a *application) notifyReady() {
	announcer := a.announcer.Load()
	if announcer == nil {
		return
	}
	go announcer.Notify(context.Background()) //nolint:errcheck // logged by the announcer
}

// drain waits for in-flight work after the loops have stopped.
func (a *application) drain() {
	if a.dispatcher != nil {
		a.dispatcher.Wait()
	}
	if a.relayer != nil {
		a.relayer.Wait()
	}
}

// close releases resources in reverse order of creation. Safe on a
// partially built application.
func (a *application) close() {
	if a == nil {
		return
	}
	if a.health != nil {
		if err := a.health.Close(); err != nil {
			a.log.Error("error closing health server", "error", err)
		}
	}
	if a.bridge != nil {
		a.bridge.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Error("error during shutdown", "error", err)
		}
	}
	a.closers = nil
}
