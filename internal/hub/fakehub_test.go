package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const (
	testHubPath         = "/apollo-hub"
	testConnectionToken = "conn-token-1"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// fakeHub is a minimal JSON hub protocol server.
//
// Client invocations of "Echo" complete with their first argument, "Fail"
// completes with an error, and anything else is left unanswered.
type fakeHub struct {
	srv *httptest.Server

	mu         sync.Mutex
	validToken string
	failStatus int
	conn       *websocket.Conn

	writeMu sync.Mutex

	negotiations atomic.Int32
	connections  atomic.Int32
	completions  chan record
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	f := &fakeHub{
		validToken:  "good-token",
		completions: make(chan record, 8),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(testHubPath+"/negotiate", f.negotiate)
	mux.HandleFunc(testHubPath, f.upgrade)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeHub) URL() string {
	return f.srv.URL + testHubPath
}

func (f *fakeHub) setFailStatus(code int) {
	f.mu.Lock()
	f.failStatus = code
	f.mu.Unlock()
}

func (f *fakeHub) setValidToken(token string) {
	f.mu.Lock()
	f.validToken = token
	f.mu.Unlock()
}

func (f *fakeHub) authorized(r *http.Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return r.URL.Query().Get(DefaultTokenParam) == f.validToken
}

func (f *fakeHub) negotiate(w http.ResponseWriter, r *http.Request) {
	f.negotiations.Add(1)
	if r.Method != http.MethodPost || r.URL.Query().Get("negotiateVersion") != "1" {
		http.Error(w, "bad negotiate", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	status := f.failStatus
	f.mu.Unlock()
	if status != 0 {
		http.Error(w, "unavailable", status)
		return
	}
	if !f.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	//nolint:errcheck // test server
	json.NewEncoder(w).Encode(map[string]any{
		"connectionId":     "conn-1",
		"connectionToken":  testConnectionToken,
		"negotiateVersion": 1,
		"availableTransports": []map[string]any{
			{"transport": "WebSockets", "transferFormats": []string{"Text"}},
		},
	})
}

func (f *fakeHub) upgrade(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("id") != testConnectionToken || !f.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	_, hs, err := ws.ReadMessage()
	if err != nil || !strings.Contains(string(hs), `"protocol":"json"`) {
		return
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte("{}\x1e")); err != nil {
		return
	}

	f.mu.Lock()
	f.conn = ws
	f.mu.Unlock()
	f.connections.Add(1)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		for _, raw := range splitRecords(data) {
			var rec record
			if err := json.Unmarshal(raw, &rec); err != nil {
				continue
			}
			f.handle(ws, rec)
		}
	}
}

func (f *fakeHub) handle(ws *websocket.Conn, rec record) {
	switch rec.Type {
	case typeInvocation:
		switch rec.Target {
		case "Echo":
			var arg any
			if len(rec.Arguments) > 0 {
				arg = rec.Arguments[0]
			}
			out, _ := completion(rec.InvocationID, arg, "") //nolint:errcheck // test server
			f.write(ws, out)
		case "Fail":
			out, _ := completion(rec.InvocationID, nil, "boom") //nolint:errcheck // test server
			f.write(ws, out)
		}
	case typeCompletion:
		f.completions <- rec
	}
}

func (f *fakeHub) write(ws *websocket.Conn, rec record) {
	b, err := encodeRecord(rec)
	if err != nil {
		return
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	ws.WriteMessage(websocket.TextMessage, b) //nolint:errcheck // test server
}

func (f *fakeHub) current(t *testing.T) *websocket.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.mu.Lock()
		ws := f.conn
		f.mu.Unlock()
		if ws != nil {
			return ws
		}
		if time.Now().After(deadline) {
			t.Fatal("no client connected to fake hub")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// invokeClient sends a blocking invocation to the client and returns its completion.
func (f *fakeHub) invokeClient(t *testing.T, target string, args ...any) record {
	t.Helper()
	rec, err := invocation("srv-1", target, args)
	if err != nil {
		t.Fatalf("invocation() error = %v", err)
	}
	f.write(f.current(t), rec)

	select {
	case c := <-f.completions:
		return c
	case <-time.After(3 * time.Second):
		t.Fatalf("no completion for %s", target)
		return record{}
	}
}

// closeWith sends a close record carrying errMsg.
func (f *fakeHub) closeWith(t *testing.T, errMsg string) {
	t.Helper()
	f.write(f.current(t), record{Type: typeClose, Error: errMsg})
}

// forget drops the remembered connection so current waits for the next one.
func (f *fakeHub) forget() {
	f.mu.Lock()
	f.conn = nil
	f.mu.Unlock()
}
