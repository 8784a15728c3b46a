package readiness

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/apollo-bridge/internal/protocol"
	"github.com/nerrad567/apollo-bridge/internal/pubsub"
)

// ============================================================================
// Fakes
// ============================================================================

type published struct {
	topic   string
	payload any
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, topic string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic: topic, payload: payload})
	return f.err
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type fakeResponder struct {
	handlers map[string]pubsub.Handler
	replies  []any
}

func (f *fakeResponder) Handle(topic string, h pubsub.Handler) error {
	if f.handlers == nil {
		f.handlers = make(map[string]pubsub.Handler)
	}
	f.handlers[topic] = h
	return nil
}

func (f *fakeResponder) Reply(_ context.Context, _ pubsub.Inbound, payload any) error {
	f.replies = append(f.replies, payload)
	return nil
}

func toggle(v bool) (*atomic.Bool, Check) {
	b := &atomic.Bool{}
	b.Store(v)
	return b, Check{Name: "hub", Healthy: b.Load}
}

// ============================================================================
// Announcer
// ============================================================================

func TestAnnouncer_NotifyPublishesReady(t *testing.T) {
	pub := &fakePublisher{}
	a, err := NewAnnouncer(AnnouncerOptions{Publisher: pub, Topic: "apollo/ready"})
	if err != nil {
		t.Fatalf("NewAnnouncer() error = %v", err)
	}

	if err := a.Notify(context.Background()); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	if len(pub.msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.msgs))
	}
	if pub.msgs[0].topic != "apollo/ready" {
		t.Errorf("topic = %q", pub.msgs[0].topic)
	}
	resp, ok := pub.msgs[0].payload.(protocol.Response)
	if !ok || !resp.Success || resp.Result != ReadyResult {
		t.Errorf("payload = %#v, want success ready", pub.msgs[0].payload)
	}
}

func TestAnnouncer_NotifySkippedWhileBrokerDown(t *testing.T) {
	pub := &fakePublisher{}
	a, _ := NewAnnouncer(AnnouncerOptions{
		Publisher: pub,
		Topic:     "apollo/ready",
		BrokerUp:  func() bool { return false },
	})

	if err := a.Notify(context.Background()); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if pub.count() != 0 {
		t.Errorf("published %d messages while broker down", pub.count())
	}
}

func TestAnnouncer_TickReannouncesOnRecovery(t *testing.T) {
	pub := &fakePublisher{}
	healthy, check := toggle(false)
	a, _ := NewAnnouncer(AnnouncerOptions{Publisher: pub, Topic: "r", Checks: []Check{check}})
	ctx := context.Background()

	a.tick(ctx)
	if !a.Degraded() {
		t.Fatal("Degraded() = false after failing tick")
	}
	if pub.count() != 0 {
		t.Fatalf("published %d while degraded without nudging", pub.count())
	}

	healthy.Store(true)
	a.tick(ctx)
	if a.Degraded() {
		t.Error("Degraded() = true after recovery")
	}
	if pub.count() != 1 {
		t.Errorf("published %d on recovery, want 1", pub.count())
	}

	// Steady healthy state stays quiet.
	a.tick(ctx)
	if pub.count() != 1 {
		t.Errorf("published %d on steady state, want 1", pub.count())
	}
}

func TestAnnouncer_NudgesWhileDegraded(t *testing.T) {
	pub := &fakePublisher{}
	_, check := toggle(false)
	a, _ := NewAnnouncer(AnnouncerOptions{
		Publisher:          pub,
		Topic:              "r",
		Checks:             []Check{check},
		NudgeWhileDegraded: true,
	})

	for range 3 {
		a.tick(context.Background())
	}
	if pub.count() != 3 {
		t.Errorf("published %d nudges, want 3", pub.count())
	}
}

func TestAnnouncer_RunStopsOnCancel(t *testing.T) {
	pub := &fakePublisher{}
	_, check := toggle(false)
	a, _ := NewAnnouncer(AnnouncerOptions{
		Publisher:          pub,
		Topic:              "r",
		Interval:           5 * time.Millisecond,
		Checks:             []Check{check},
		NudgeWhileDegraded: true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for pub.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("no nudge published")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestNewAnnouncer_Validation(t *testing.T) {
	if _, err := NewAnnouncer(AnnouncerOptions{Topic: "r"}); err == nil {
		t.Error("expected error without publisher")
	}
	if _, err := NewAnnouncer(AnnouncerOptions{Publisher: &fakePublisher{}}); err == nil {
		t.Error("expected error without topic")
	}
	a, err := NewAnnouncer(AnnouncerOptions{Publisher: &fakePublisher{}, Topic: "r"})
	if err != nil {
		t.Fatalf("NewAnnouncer() error = %v", err)
	}
	if a.opts.Interval != DefaultInterval {
		t.Errorf("Interval = %v, want %v", a.opts.Interval, DefaultInterval)
	}
}

// ============================================================================
// LivenessResponder
// ============================================================================

func TestLivenessResponder(t *testing.T) {
	tests := []struct {
		name     string
		hubState func() string
		in       pubsub.Inbound
		want     []any
	}{
		{
			name:     "connected hub",
			hubState: func() string { return "Connected" },
			in:       pubsub.Inbound{Topic: "apollo/ping", ReplyTopic: "r", CorrelationData: []byte("1")},
			want:     []any{"Connected"},
		},
		{
			name: "no hub manager",
			in:   pubsub.Inbound{Topic: "apollo/ping", ReplyTopic: "r", CorrelationData: []byte("1")},
			want: []any{NoHub},
		},
		{
			name:     "no reply path",
			hubState: func() string { return "Connected" },
			in:       pubsub.Inbound{Topic: "apollo/ping"},
			want:     nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &fakeResponder{}
			l, err := NewLivenessResponder(resp, tt.hubState, nil)
			if err != nil {
				t.Fatalf("NewLivenessResponder() error = %v", err)
			}
			if err := l.Serve("apollo/ping"); err != nil {
				t.Fatalf("Serve() error = %v", err)
			}

			h := resp.handlers["apollo/ping"]
			if h == nil {
				t.Fatal("no handler registered on ping topic")
			}
			if err := h(context.Background(), tt.in); err != nil {
				t.Fatalf("handler error = %v", err)
			}

			if len(resp.replies) != len(tt.want) {
				t.Fatalf("replies = %v, want %v", resp.replies, tt.want)
			}
			for i := range tt.want {
				if resp.replies[i] != tt.want[i] {
					t.Errorf("reply[%d] = %v, want %v", i, resp.replies[i], tt.want[i])
				}
			}
		})
	}
}

// ============================================================================
// HealthServer
// ============================================================================

func TestHealthServer_Healthz(t *testing.T) {
	s, err := NewHealthServer(HealthOptions{
		Addr:     "127.0.0.1:0",
		HubState: func() string { return "Reauthenticating" },
	})
	if err != nil {
		t.Fatalf("NewHealthServer() error = %v", err)
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
	var body healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Hub != "Reauthenticating" {
		t.Errorf("body = %+v", body)
	}
}

func TestHealthServer_Readyz(t *testing.T) {
	hub, hubCheck := toggle(false)
	s, _ := NewHealthServer(HealthOptions{
		Addr: "127.0.0.1:0",
		Checks: []Check{
			hubCheck,
			{Name: "broker", Healthy: func() bool { return true }},
		},
	})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body readyResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Ready || len(body.Failing) != 1 || body.Failing[0] != "hub" {
		t.Errorf("body = %+v, want failing [hub]", body)
	}

	hub.Store(true)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 once healthy", rec.Code)
	}
}

func TestHealthServer_StartClose(t *testing.T) {
	s, _ := NewHealthServer(HealthOptions{Addr: "127.0.0.1:0"})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	if err := s.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestHealthServer_CloseBeforeStart(t *testing.T) {
	s, _ := NewHealthServer(HealthOptions{Addr: "127.0.0.1:0"})
	if err := s.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if s.Addr() != "" {
		t.Errorf("Addr() = %q before Start", s.Addr())
	}
}

func TestNewHealthServer_RequiresAddr(t *testing.T) {
	if _, err := NewHealthServer(HealthOptions{}); err == nil {
		t.Error("expected error without address")
	}
}
