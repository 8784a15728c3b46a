package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/apollo-bridge/internal/protocol"
)

// ============================================================================
// Mocks
// ============================================================================

type mockControlPlane struct {
	mu     sync.Mutex
	calls  []string
	resp   protocol.Response
	err    error
	panics bool
}

func (m *mockControlPlane) Request(_ context.Context, method, path string) (protocol.Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, method+" "+path)
	m.mu.Unlock()
	if m.panics {
		panic("control plane exploded")
	}
	return m.resp, m.err
}

type mockAccounts struct {
	mu        sync.Mutex
	created   []string
	deleted   []string
	roles     []string
	createErr error
	deleteErr error
}

func (m *mockAccounts) CreateUser(_ context.Context, username, _, roleType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, username)
	m.roles = append(m.roles, roleType)
	return m.createErr
}

func (m *mockAccounts) DeleteUser(_ context.Context, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, username)
	return m.deleteErr
}

type mockExchange struct {
	mu    sync.Mutex
	calls int
	token string
	err   error
}

func (m *mockExchange) AccessToken(context.Context, string, string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.token, m.err
}

type mockMinter struct {
	mu      sync.Mutex
	calls   int
	names   []string
	access  []string
	token   string
	err     error
	release chan struct{}
}

func (m *mockMinter) MintLongLived(ctx context.Context, clientName, accessToken string) (string, error) {
	if m.release != nil {
		select {
		case <-m.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.names = append(m.names, clientName)
	m.access = append(m.access, accessToken)
	return m.token, m.err
}

func (m *mockMinter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockRecorder struct {
	mu       sync.Mutex
	outcomes map[string]string
}

func (r *mockRecorder) RecordRequest(_, operation, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = make(map[string]string)
	}
	r.outcomes[operation] = outcome
}

func (r *mockRecorder) outcome(op string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[op]
}

type fixture struct {
	cp       *mockControlPlane
	accounts *mockAccounts
	exchange *mockExchange
	minter   *mockMinter
	recorder *mockRecorder
	d        *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		cp:       &mockControlPlane{resp: protocol.Success(json.RawMessage(`{"state":"on"}`))},
		accounts: &mockAccounts{},
		exchange: &mockExchange{token: "short-lived"},
		minter:   &mockMinter{token: "long-lived"},
		recorder: &mockRecorder{},
	}
	d, err := New(Options{
		ControlPlane: f.cp,
		Accounts:     f.accounts,
		Credentials:  f.exchange,
		Minter:       f.minter,
		Recorder:     f.recorder,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.d = d
	return f
}

func request(t *testing.T, cmd string, data any, hasResult bool) protocol.Request {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	return protocol.Request{Command: protocol.Command(cmd), Data: raw, HasResult: hasResult}
}

func wantFailure(t *testing.T, resp protocol.Response, code string) {
	t.Helper()
	if resp.Success {
		t.Fatalf("response = %+v, want failure %s", resp, code)
	}
	if resp.Error == nil || resp.Error.Code != code {
		t.Fatalf("error = %+v, want code %s", resp.Error, code)
	}
}

// ============================================================================
// Routing
// ============================================================================

func TestDispatch_GetReturnsCollaboratorResponseUnchanged(t *testing.T) {
	f := newFixture(t)
	f.cp.resp = protocol.Failure("not_found", "no such entity")

	resp := f.d.Dispatch(context.Background(), request(t, "GET", protocol.PathData{Data: "/core/api/states/x"}, true))

	if resp.Success || resp.Error.Code != "not_found" || resp.Error.Message != "no such entity" {
		t.Errorf("response = %+v, want collaborator response unchanged", resp)
	}
	if len(f.cp.calls) != 1 || f.cp.calls[0] != "GET /core/api/states/x" {
		t.Errorf("control plane calls = %v", f.cp.calls)
	}
}

func TestDispatch_PostProxies(t *testing.T) {
	f := newFixture(t)

	resp := f.d.Dispatch(context.Background(), request(t, "post", protocol.PathData{Data: "/core/api/services/light/turn_on"}, true))

	if !resp.Success {
		t.Fatalf("response = %+v, want success", resp)
	}
	if f.cp.calls[0] != "POST /core/api/services/light/turn_on" {
		t.Errorf("control plane calls = %v", f.cp.calls)
	}
	if f.recorder.outcome("POST") != outcomeSuccess {
		t.Errorf("recorded outcome = %q, want success", f.recorder.outcome("POST"))
	}
}

func TestDispatch_ProxyTransportError(t *testing.T) {
	f := newFixture(t)
	f.cp.err = protocol.ErrNotConnected

	resp := f.d.Dispatch(context.Background(), request(t, "GET", protocol.PathData{Data: "/x"}, true))
	wantFailure(t, resp, protocol.CodeCollaboratorFailure)
}

func TestDispatch_CreateUserChain(t *testing.T) {
	f := newFixture(t)

	resp := f.d.Dispatch(context.Background(), request(t, "create_user", protocol.UserData{
		Username: "alice", Password: "pw", RoleType: "Owner",
	}, true))

	if !resp.Success {
		t.Fatalf("response = %+v, want success", resp)
	}
	tr, ok := resp.Result.(TokenResult)
	if !ok || tr.Token != "long-lived" {
		t.Errorf("result = %#v, want token long-lived", resp.Result)
	}
	if f.accounts.roles[0] != "Owner" {
		t.Errorf("role = %q, want Owner", f.accounts.roles[0])
	}
	if f.minter.names[0] != "alice" || f.minter.access[0] != "short-lived" {
		t.Errorf("mint called with %v / %v", f.minter.names, f.minter.access)
	}
}

func TestDispatch_CreateUserFailingExchangeNeverMints(t *testing.T) {
	f := newFixture(t)
	f.exchange.err = protocol.NewCollaboratorError("login-flow", errors.New("invalid credentials"))

	resp := f.d.Dispatch(context.Background(), request(t, "CREATE_USER", protocol.UserData{Username: "bob"}, true))

	wantFailure(t, resp, protocol.CodeCollaboratorFailure)
	if resp.Error.Message != "invalid credentials" {
		t.Errorf("message = %q, want invalid credentials", resp.Error.Message)
	}
	if f.minter.count() != 0 {
		t.Errorf("minter called %d times, want 0", f.minter.count())
	}
}

func TestDispatch_CreateUserAccountFailure(t *testing.T) {
	f := newFixture(t)
	f.accounts.createErr = errors.New("User already exists")

	resp := f.d.Dispatch(context.Background(), request(t, "CREATE_USER", protocol.UserData{Username: "bob"}, true))

	wantFailure(t, resp, protocol.CodeCollaboratorFailure)
	if resp.ErrorMessage() != "User already exists" {
		t.Errorf("message = %q, want the account service's message", resp.ErrorMessage())
	}
	if f.exchange.calls != 0 {
		t.Error("credential exchange should not run after account failure")
	}
}

func TestDispatch_DeleteUser(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{name: "deleted"},
		{name: "not found", err: errors.New("User not found"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.accounts.deleteErr = tt.err

			resp := f.d.Dispatch(context.Background(), request(t, "delete_user", protocol.DeleteUserData{Username: "carol"}, true))

			if tt.wantErr {
				wantFailure(t, resp, protocol.CodeAccountFailure)
				return
			}
			if !resp.Success || resp.Result != nil {
				t.Errorf("response = %+v, want success with null result", resp)
			}
			if f.accounts.deleted[0] != "carol" {
				t.Errorf("deleted = %v", f.accounts.deleted)
			}
		})
	}
}

func TestDispatch_UpdateToken(t *testing.T) {
	f := newFixture(t)

	resp := f.d.Dispatch(context.Background(), request(t, "UPDATE_TOKEN", protocol.CredentialsData{Username: "dave", Password: "pw"}, true))

	if !resp.Success {
		t.Fatalf("response = %+v, want success", resp)
	}
	if len(f.accounts.created) != 0 {
		t.Error("UPDATE_TOKEN must not create accounts")
	}
	if f.minter.count() != 1 {
		t.Errorf("minter calls = %d, want 1", f.minter.count())
	}
}

func TestDispatch_InvalidCommand(t *testing.T) {
	f := newFixture(t)

	awaited := f.d.Dispatch(context.Background(), protocol.Request{Command: "REBOOT", HasResult: true})
	wantFailure(t, awaited, protocol.CodeInvalidCommand)
	wantFailure(t, f.d.Dispatch(context.Background(), protocol.Request{Command: "REBOOT"}), protocol.CodeInvalidCommandNoResult)

	if err := awaited.Err("dispatch"); !errors.Is(err, protocol.ErrInvalidCommand) {
		t.Errorf("Err() = %v, want ErrInvalidCommand", err)
	}
	if awaited.ErrorMessage() != "Invalid command" {
		t.Errorf("message = %q, want %q", awaited.ErrorMessage(), "Invalid command")
	}

	if f.recorder.outcome("REBOOT") != outcomeInvalid {
		t.Errorf("recorded outcome = %q, want invalid", f.recorder.outcome("REBOOT"))
	}
}

func TestDispatch_MissingData(t *testing.T) {
	tests := []struct {
		command  protocol.Command
		wantCode string
	}{
		{protocol.CommandGet, protocol.CodeCollaboratorFailure},
		{protocol.CommandPost, protocol.CodeCollaboratorFailure},
		{protocol.CommandCreateUser, protocol.CodeAccountFailure},
		{protocol.CommandDeleteUser, protocol.CodeAccountFailure},
		{protocol.CommandUpdateToken, protocol.CodeAccountFailure},
	}

	for _, tt := range tests {
		t.Run(string(tt.command), func(t *testing.T) {
			f := newFixture(t)

			resp := f.d.Dispatch(context.Background(), protocol.Request{Command: tt.command, HasResult: true})
			wantFailure(t, resp, tt.wantCode)
			if len(f.cp.calls) != 0 || len(f.accounts.created) != 0 || f.exchange.calls != 0 {
				t.Error("collaborators should not be called without data")
			}
		})
	}
}

func TestDispatch_PanicBecomesFailure(t *testing.T) {
	f := newFixture(t)
	f.cp.panics = true

	resp := f.d.Dispatch(context.Background(), request(t, "GET", protocol.PathData{Data: "/x"}, true))

	wantFailure(t, resp, protocol.CodeCollaboratorFailure)
	if f.recorder.outcome("GET") != outcomePanic {
		t.Errorf("recorded outcome = %q, want panic", f.recorder.outcome("GET"))
	}
}

// ============================================================================
// Fire-and-forget
// ============================================================================

func TestDispatch_FireAndForgetReturnsImmediately(t *testing.T) {
	f := newFixture(t)
	f.minter.release = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	resp := f.d.Dispatch(ctx, request(t, "UPDATE_TOKEN", protocol.CredentialsData{Username: "eve"}, false))
	cancel()

	if !resp.Success || resp.Result != ResultProcessed {
		t.Fatalf("response = %+v, want %q", resp, ResultProcessed)
	}
	if f.minter.count() != 0 {
		t.Fatal("chain should still be blocked")
	}

	// The chain survives the caller's cancellation.
	close(f.minter.release)
	f.d.Wait()

	if f.minter.count() != 1 {
		t.Errorf("minter calls = %d, want 1", f.minter.count())
	}
}

// ============================================================================
// Serve
// ============================================================================

func TestServe_AnswersExchanges(t *testing.T) {
	f := newFixture(t)
	ch := make(chan protocol.Exchange)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- f.d.Serve(ctx, ch) }()

	sinks := make([]*protocol.ReplySink, 3)
	for i := range sinks {
		sinks[i] = protocol.NewReplySink()
		ch <- protocol.Exchange{
			Request: request(t, "GET", protocol.PathData{Data: "/x"}, true),
			Reply:   sinks[i],
		}
	}

	for i, s := range sinks {
		wctx, wcancel := context.WithTimeout(context.Background(), time.Second)
		resp, err := s.Wait(wctx)
		wcancel()
		if err != nil {
			t.Fatalf("exchange %d unanswered: %v", i, err)
		}
		if !resp.Success {
			t.Errorf("exchange %d response = %+v", i, resp)
		}
	}

	close(ch)
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve() did not return after channel close")
	}
	f.d.Wait()
}

func TestNew_RequiresCollaborators(t *testing.T) {
	full := Options{
		ControlPlane: &mockControlPlane{},
		Accounts:     &mockAccounts{},
		Credentials:  &mockExchange{},
		Minter:       &mockMinter{},
	}
	tests := []struct {
		name   string
		mutate func(o *Options)
	}{
		{"control plane", func(o *Options) { o.ControlPlane = nil }},
		{"accounts", func(o *Options) { o.Accounts = nil }},
		{"credentials", func(o *Options) { o.Credentials = nil }},
		{"minter", func(o *Options) { o.Minter = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := full
			tt.mutate(&opts)
			if _, err := New(opts); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}
