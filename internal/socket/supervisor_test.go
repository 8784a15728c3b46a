package socket

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/apollo-bridge/internal/protocol"
)

func TestSupervisor_ReconnectsAfterClose(t *testing.T) {
	f := newFakeServer(t, func(f *fakeServer) {
		f.onAuthed = func(conn *websocket.Conn, n int32) {
			if n == 1 {
				conn.Close()
			}
		}
		f.onMessage = func(conn *websocket.Conn, msg map[string]any) {
			conn.WriteJSON(result(msg, "ok")) //nolint:errcheck // test server
		}
	})

	sup, err := NewSupervisor(SupervisorOptions{
		Socket:               Options{Name: "control-plane", URL: f.URL(), Token: "good-token", RequireAuth: true},
		ReconnectInterval:    10 * time.Millisecond,
		MaxReconnectInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewSupervisor() error = %v", err)
	}

	var mu sync.Mutex
	var states []State
	sup.SetOnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for f.conns.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("supervisor did not redial")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !sup.WaitForConnection(ctx, 100, 10*time.Millisecond) {
		t.Fatal("supervisor never reconnected")
	}

	reply, err := sup.SendMessage(ctx, Message{"type": "ping"}, time.Second)
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if reply.ID != 1 {
		t.Errorf("reply.ID = %d, want 1 (ids restart per connection)", reply.ID)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	var sawDisconnect bool
	for _, s := range states {
		if s == StateDisconnected {
			sawDisconnect = true
		}
	}
	if !sawDisconnect {
		t.Errorf("states = %v, want a disconnect", states)
	}
}

func TestSupervisor_SendMessageWithoutSocket(t *testing.T) {
	sup, err := NewSupervisor(SupervisorOptions{Socket: Options{Name: "control-plane", URL: "ws://unused"}})
	if err != nil {
		t.Fatalf("NewSupervisor() error = %v", err)
	}

	_, err = sup.SendMessage(context.Background(), Message{"type": "ping"}, 0)
	if !errors.Is(err, protocol.ErrNotConnected) {
		t.Errorf("SendMessage() error = %v, want ErrNotConnected", err)
	}
	if sup.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", sup.State())
	}
}

func TestSupervisor_RunStopsWhileDialFails(t *testing.T) {
	sup, err := NewSupervisor(SupervisorOptions{
		Socket:            Options{URL: "ws://127.0.0.1:1/api/websocket"},
		ReconnectInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewSupervisor() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sup.Run(ctx) //nolint:errcheck // always nil
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop")
	}
}

func TestNewSupervisor_RequiresURL(t *testing.T) {
	if _, err := NewSupervisor(SupervisorOptions{}); !errors.Is(err, ErrInvalidURL) {
		t.Errorf("NewSupervisor() error = %v, want ErrInvalidURL", err)
	}
}

func TestNextBackoff(t *testing.T) {
	tests := []struct {
		in, want time.Duration
	}{
		{5 * time.Second, 7500 * time.Millisecond},
		{7500 * time.Millisecond, 11250 * time.Millisecond},
		{50 * time.Second, time.Minute},
		{time.Minute, time.Minute},
	}
	for _, tt := range tests {
		if got := nextBackoff(tt.in, time.Minute); got != tt.want {
			t.Errorf("nextBackoff(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
