package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestGetConfigPath(t *testing.T) {
	tests := []struct {
		name string
		flag string
		env  string
		want string
	}{
		{name: "default", want: defaultConfigPath},
		{name: "environment", env: "/etc/apollo/env.yaml", want: "/etc/apollo/env.yaml"},
		{name: "flag wins", flag: "/etc/apollo/flag.yaml", env: "/etc/apollo/env.yaml", want: "/etc/apollo/flag.yaml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(configEnvVar, tt.env)
			if got := getConfigPath(tt.flag); got != tt.want {
				t.Errorf("getConfigPath(%q) = %q, want %q", tt.flag, got, tt.want)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	if err := run(context.Background(), []string{"--version"}); err != nil {
		t.Errorf("run(--version) error = %v", err)
	}
}

func TestRun_Help(t *testing.T) {
	err := run(context.Background(), []string{"--help"})
	if !errors.Is(err, pflag.ErrHelp) {
		t.Errorf("run(--help) error = %v, want pflag.ErrHelp", err)
	}
}

func TestRun_UnknownFlag(t *testing.T) {
	if err := run(context.Background(), []string{"--no-such-flag"}); err == nil {
		t.Error("run() should fail on an unknown flag")
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, []string{"--config", "/nonexistent/path/config.yaml"})
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("run() error = %v, want loading config failure", err)
	}
}

func TestRun_InvalidMode(t *testing.T) {
	path := writeConfig(t, `
bridge:
  mode: mirror
hub:
  base_url: "http://127.0.0.1:1"
`)

	err := run(context.Background(), []string{"-c", path})
	if err == nil || !strings.Contains(err.Error(), "bridge.mode") {
		t.Errorf("run() error = %v, want bridge.mode validation failure", err)
	}
}

func TestRun_RelayWithoutBrokerRejected(t *testing.T) {
	path := writeConfig(t, `
bridge:
  mode: relay
hub:
  base_url: "http://127.0.0.1:1"
`)

	err := run(context.Background(), []string{"-c", path})
	if err == nil || !strings.Contains(err.Error(), "mqtt.enabled") {
		t.Errorf("run() error = %v, want mqtt.enabled validation failure", err)
	}
}

func TestRun_SQLiteStateUnwritable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0600); err != nil {
		t.Fatal(err)
	}

	path := writeConfig(t, `
hub:
  base_url: "http://127.0.0.1:1"
state:
  backend: sqlite
  database:
    path: "`+filepath.Join(blocker, "state.db")+`"
logging:
  level: error
`)

	err := run(context.Background(), []string{"-c", path})
	if err == nil || !strings.Contains(err.Error(), "opening state database") {
		t.Errorf("run() error = %v, want state database failure", err)
	}
}

// TestRun_DirectModeShutdown starts the bridge against unreachable
// endpoints and checks that a cancelled context stops it cleanly.
func TestRun_DirectModeShutdown(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
bridge:
  mode: direct
  setup_on_start: false
hub:
  base_url: "http://127.0.0.1:1"
control_plane:
  socket_url: "ws://127.0.0.1:1/core/websocket"
state:
  backend: file
  path: "`+filepath.Join(dir, "state.json")+`"
logging:
  level: error
`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, []string{"--config", path}) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() error = %v, want nil on shutdown", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run() did not return after cancel")
	}
}
