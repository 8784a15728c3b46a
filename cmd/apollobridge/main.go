// Apollo bridge
//
// apollobridge connects a home controller to the Apollo cloud hub. In direct
// mode hub requests are dispatched locally against the controller's control
// plane; in relay mode they are forwarded to a node over an MQTT broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/apollo-bridge/internal/infrastructure/config"
	"github.com/nerrad567/apollo-bridge/internal/infrastructure/logging"
)

// Version information, set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"
	configEnvVar      = "APOLLO_BRIDGE_CONFIG"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application, separated from main for testability.
//
// Parameters:
//   - ctx: Cancelled on shutdown signals
//   - args: Command-line arguments without the program name
//
// Returns:
//   - error: nil on clean shutdown
func run(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("apollobridge", pflag.ContinueOnError)
	configFlag := flags.StringP("config", "c", "", "path to the configuration file (env "+configEnvVar+")")
	showVersion := flags.Bool("version", false, "print the version and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if *showVersion {
		fmt.Printf("apollobridge %s (%s, %s)\n", version, commit, date)
		return nil
	}

	log := logging.Default()
	log.Info("starting apollo bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath(*configFlag)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"mode", cfg.Bridge.Mode,
		"mqtt", cfg.MQTT.Enabled,
	)

	app, err := build(ctx, cfg, log)
	if err != nil {
		app.close()
		return err
	}
	defer app.close()

	g, gctx := errgroup.WithContext(ctx)
	app.start(gctx, g)

	log.Info("initialisation complete, waiting for shutdown signal")
	<-gctx.Done()
	log.Info("shutdown signal received, cleaning up")

	err = g.Wait()
	app.drain()

	log.Info("apollo bridge stopped")
	return err
}

// getConfigPath picks the flag, then the environment, then the default.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv(configEnvVar); path != "" {
		return path
	}
	return defaultConfigPath
}
