package socket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// fakeServer speaks the auth handshake and hands every later frame to onMessage.
// onMessage runs on the connection's goroutine, so it may write freely.
type fakeServer struct {
	srv       *httptest.Server
	token     string
	holdAuth  bool
	onAuthed  func(conn *websocket.Conn, n int32)
	onMessage func(conn *websocket.Conn, msg map[string]any)
	conns     atomic.Int32
}

func newFakeServer(t *testing.T, configure func(f *fakeServer)) *fakeServer {
	t.Helper()
	f := &fakeServer{token: "good-token"}
	if configure != nil {
		configure(f)
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) URL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	n := f.conns.Add(1)

	if err := conn.WriteJSON(map[string]any{"type": TypeAuthRequired}); err != nil {
		return
	}
	var auth map[string]any
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}

	switch {
	case auth["access_token"] != f.token:
		conn.WriteJSON(map[string]any{"type": TypeAuthInvalid}) //nolint:errcheck // test server
	case !f.holdAuth:
		conn.WriteJSON(map[string]any{"type": TypeAuthOK}) //nolint:errcheck // test server
		if f.onAuthed != nil {
			f.onAuthed(conn, n)
		}
	}

	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if f.onMessage != nil {
			f.onMessage(conn, msg)
		}
	}
}

// result builds a successful result frame answering msg.
func result(msg map[string]any, res any) map[string]any {
	return map[string]any{
		"id":      msg["id"],
		"type":    TypeResult,
		"success": true,
		"result":  res,
	}
}
