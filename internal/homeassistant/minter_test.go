package homeassistant

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeController speaks the controller socket handshake and answers the
// refresh-token commands from an in-memory list.
type fakeController struct {
	mu      sync.Mutex
	token   string
	tokens  []map[string]any
	deleted []string
	created []string
	failOn  string
}

func (f *fakeController) start(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := conn.WriteJSON(map[string]any{"type": "auth_required"}); err != nil {
			return
		}
		var auth map[string]any
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		if auth["access_token"] != f.token {
			conn.WriteJSON(map[string]any{"type": "auth_invalid", "message": "Invalid access token"}) //nolint:errcheck // test server
			return
		}
		if err := conn.WriteJSON(map[string]any{"type": "auth_ok"}); err != nil {
			return
		}

		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if err := conn.WriteJSON(f.answer(msg)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (f *fakeController) answer(msg map[string]any) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()

	typ, _ := msg["type"].(string)
	if typ == f.failOn {
		return map[string]any{
			"id": msg["id"], "type": "result", "success": false,
			"error": map[string]string{"code": "unknown_error", "message": "mint refused"},
		}
	}

	var result any
	switch typ {
	case "auth/refresh_tokens":
		result = f.tokens
	case "auth/delete_refresh_token":
		f.deleted = append(f.deleted, msg["refresh_token_id"].(string))
	case "auth/long_lived_access_token":
		name, _ := msg["client_name"].(string)
		f.created = append(f.created, name)
		result = "llat-" + name
	}
	return map[string]any{"id": msg["id"], "type": "result", "success": true, "result": result}
}

func newTestMinter(t *testing.T, url string) *LongLivedMinter {
	t.Helper()
	m, err := NewLongLivedMinter(MinterOptions{
		URL:             url,
		RequestTimeout:  time.Second,
		ConnectAttempts: 50,
		ConnectInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewLongLivedMinter() error = %v", err)
	}
	return m
}

func TestLongLivedMinter_ReplacesExistingToken(t *testing.T) {
	f := &fakeController{
		token: "short-lived",
		tokens: []map[string]any{
			{"id": "rt-1", "type": "normal", "client_name": "alice"},
			{"id": "rt-2", "type": "long_lived_access_token", "client_name": "bob"},
			{"id": "rt-3", "type": "long_lived_access_token", "client_name": "alice"},
		},
	}
	m := newTestMinter(t, f.start(t))

	token, err := m.MintLongLived(context.Background(), "alice", "short-lived")
	if err != nil {
		t.Fatalf("MintLongLived() error = %v", err)
	}
	if token != "llat-alice" {
		t.Errorf("token = %q, want llat-alice", token)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.deleted) != 1 || f.deleted[0] != "rt-3" {
		t.Errorf("deleted = %v, want [rt-3]", f.deleted)
	}
	if len(f.created) != 1 || f.created[0] != "alice" {
		t.Errorf("created = %v, want [alice]", f.created)
	}
}

func TestLongLivedMinter_NoExistingToken(t *testing.T) {
	f := &fakeController{token: "short-lived", tokens: []map[string]any{}}
	m := newTestMinter(t, f.start(t))

	if _, err := m.MintLongLived(context.Background(), "carol", "short-lived"); err != nil {
		t.Fatalf("MintLongLived() error = %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.deleted) != 0 {
		t.Errorf("deleted = %v, want none", f.deleted)
	}
}

func TestLongLivedMinter_InvalidAccessToken(t *testing.T) {
	f := &fakeController{token: "short-lived"}
	m := newTestMinter(t, f.start(t))

	_, err := m.MintLongLived(context.Background(), "alice", "stale")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("MintLongLived() error = %v, want ErrNotConnected", err)
	}
}

func TestLongLivedMinter_MintRefused(t *testing.T) {
	f := &fakeController{token: "short-lived", failOn: "auth/long_lived_access_token"}
	m := newTestMinter(t, f.start(t))

	_, err := m.MintLongLived(context.Background(), "alice", "short-lived")
	if err == nil || !strings.Contains(err.Error(), "mint refused") {
		t.Fatalf("MintLongLived() error = %v, want mint refused", err)
	}
}

func TestNewLongLivedMinter_RequiresURL(t *testing.T) {
	if _, err := NewLongLivedMinter(MinterOptions{}); err == nil {
		t.Error("NewLongLivedMinter() error = nil, want error")
	}
}
