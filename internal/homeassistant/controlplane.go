package homeassistant

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/apollo-bridge/internal/protocol"
	"github.com/nerrad567/apollo-bridge/internal/socket"
)

// Control-plane defaults.
const (
	// DefaultRequestTimeout bounds each control-plane call.
	DefaultRequestTimeout = 20 * time.Second

	// DefaultConnectAttempts and DefaultConnectInterval bound the wait for
	// the control-plane socket before calls that need it.
	DefaultConnectAttempts = 30
	DefaultConnectInterval = time.Second
)

// Sender is the request surface of the control-plane socket.
// *socket.Supervisor satisfies it.
type Sender interface {
	SendMessage(ctx context.Context, msg socket.Message, timeout time.Duration) (socket.Reply, error)
	WaitForConnection(ctx context.Context, maxAttempts int, interval time.Duration) bool
}

// Logger is the logging surface the collaborators use.
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

// ControlPlaneOptions configures a ControlPlane.
type ControlPlaneOptions struct {
	Sender          Sender // Required
	RequestTimeout  time.Duration
	ConnectAttempts int
	ConnectInterval time.Duration
	Logger          Logger
}

// ControlPlane proxies supervisor API calls and manages user accounts over
// the control-plane socket.
//
// Thread Safety: All methods are safe for concurrent use.
type ControlPlane struct {
	sender          Sender
	timeout         time.Duration
	connectAttempts int
	connectInterval time.Duration
	logger          Logger
}

// NewControlPlane creates a ControlPlane over sender.
func NewControlPlane(opts ControlPlaneOptions) (*ControlPlane, error) {
	if opts.Sender == nil {
		return nil, fmt.Errorf("homeassistant: sender is required")
	}

	cp := &ControlPlane{
		sender:          opts.Sender,
		timeout:         opts.RequestTimeout,
		connectAttempts: opts.ConnectAttempts,
		connectInterval: opts.ConnectInterval,
		logger:          opts.Logger,
	}
	if cp.timeout <= 0 {
		cp.timeout = DefaultRequestTimeout
	}
	if cp.connectAttempts <= 0 {
		cp.connectAttempts = DefaultConnectAttempts
	}
	if cp.connectInterval <= 0 {
		cp.connectInterval = DefaultConnectInterval
	}
	if cp.logger == nil {
		cp.logger = noopLogger{}
	}
	return cp, nil
}

// Request proxies method and path to the supervisor REST API.
//
// Parameters:
//   - ctx: Bounds the call
//   - method: "GET" or "POST"
//   - path: Supervisor API endpoint, e.g. "/core/api/states"
//
// Returns:
//   - protocol.Response: The supervisor's answer, success or failure, unchanged
//   - error: Transport failure (not connected, timeout, connection lost)
func (c *ControlPlane) Request(ctx context.Context, method, path string) (protocol.Response, error) {
	reply, err := c.sender.SendMessage(ctx, socket.Message{
		"type":     "supervisor/api",
		"method":   method,
		"endpoint": path,
	}, c.timeout)
	if err != nil {
		return protocol.Response{}, err
	}

	if reply.Success {
		return protocol.Success(rawResult(reply.Result)), nil
	}

	code, message := protocol.CodeCollaboratorFailure, "request failed"
	if reply.Error != nil {
		if reply.Error.Code != "" {
			code = reply.Error.Code
		}
		if reply.Error.Message != "" {
			message = reply.Error.Message
		}
	}
	return protocol.Failure(code, message), nil
}

// MAC returns the MAC address of the controller's ethernet interface.
// It waits for the control-plane socket first.
func (c *ControlPlane) MAC(ctx context.Context) (string, error) {
	if !c.sender.WaitForConnection(ctx, c.connectAttempts, c.connectInterval) {
		return "", collaboratorError(serviceControlPlane, "Supervisor connection could not be established", ErrNotConnected)
	}

	var info struct {
		Interfaces []struct {
			Type string `json:"type"`
			MAC  string `json:"mac"`
		} `json:"interfaces"`
	}
	if err := c.call(ctx, serviceControlPlane, socket.Message{
		"type":     "supervisor/api",
		"endpoint": "/network/info",
		"method":   "get",
	}, &info); err != nil {
		return "", err
	}

	var mac string
	for _, iface := range info.Interfaces {
		if iface.Type == "ethernet" {
			mac = iface.MAC
		}
	}
	if mac == "" {
		return "", collaboratorError(serviceControlPlane, "no ethernet interface found", ErrNoEthernet)
	}
	return mac, nil
}

// call sends msg and decodes a successful result into out (which may be nil).
func (c *ControlPlane) call(ctx context.Context, service string, msg socket.Message, out any) error {
	reply, err := c.sender.SendMessage(ctx, msg, c.timeout)
	if err != nil {
		return err
	}
	if reply.Type != socket.TypeResult {
		return collaboratorError(service, fmt.Sprintf("unexpected reply type %q", reply.Type), nil)
	}
	if err := reply.Err(service); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := reply.Decode(out); err != nil {
		return collaboratorError(service, err.Error(), err)
	}
	return nil
}

// rawResult returns nil for an absent or null result so it encodes as null.
func rawResult(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}
