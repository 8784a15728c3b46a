package readiness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	gracefulShutdownTimeout = 10 * time.Second
	readHeaderTimeout       = 5 * time.Second
	writeTimeout            = 10 * time.Second
	idleTimeout             = 60 * time.Second
)

// HealthOptions configures a HealthServer.
type HealthOptions struct {
	// Addr is the listen address, e.g. "0.0.0.0:8099". Required.
	Addr string

	// Checks decide /readyz.
	Checks []Check

	// HubState reports the hub connection state for /healthz. Nil reports
	// NoHub.
	HubState func() string

	Logger Logger
}

// HealthServer serves /healthz and /readyz.
type HealthServer struct {
	opts   HealthOptions
	logger Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// healthResponse is the body of /healthz.
type healthResponse struct {
	Status string `json:"status"`
	Hub    string `json:"hub"`
}

// readyResponse is the body of /readyz.
type readyResponse struct {
	Ready   bool     `json:"ready"`
	Failing []string `json:"failing,omitempty"`
}

// NewHealthServer creates a HealthServer. Call Start to listen.
func NewHealthServer(opts HealthOptions) (*HealthServer, error) {
	if opts.Addr == "" {
		return nil, errors.New("readiness: health server address is required")
	}
	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}
	return &HealthServer{opts: opts, logger: logger}, nil
}

// Handler returns the router. Exposed so tests can drive it through
// httptest without a listener.
func (s *HealthServer) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)

	return r
}

// Start binds the listen address and serves in the background.
//
// Parameters:
//   - ctx: Context for cancellation (not used for listener lifetime)
//
// Returns:
//   - error: If the address cannot be bound
func (s *HealthServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.New("readiness: health server already started")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.opts.Addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	srv := s.server
	go func() {
		s.logger.Info("health server starting", "address", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *HealthServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the server, waiting up to 10 seconds for
// in-flight requests.
func (s *HealthServer) Close() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("health server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down health server: %w", err)
	}
	return nil
}

func (s *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	hub := NoHub
	if s.opts.HubState != nil {
		hub = s.opts.HubState()
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Hub: hub})
}

func (s *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	down := failing(s.opts.Checks)
	if len(down) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, readyResponse{Ready: false, Failing: down})
		return
	}
	writeJSON(w, http.StatusOK, readyResponse{Ready: true})
}

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}
