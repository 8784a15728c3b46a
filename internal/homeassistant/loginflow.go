package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// defaultHTTPTimeout bounds each login-flow HTTP call when no client is supplied.
const defaultHTTPTimeout = 10 * time.Second

// maxErrorBody caps how much of a failed response body is kept in errors.
const maxErrorBody = 512

// LoginFlowOptions configures a LoginFlow.
type LoginFlowOptions struct {
	ClientID     string // Required
	RedirectURI  string
	ProvidersURI string // Required
	LoginFlowURI string // Required
	TokenURI     string // Required
	HTTPClient   *http.Client
}

// LoginFlow trades a username and password for a short-lived access token
// through the controller's HTTP login flow.
type LoginFlow struct {
	opts   LoginFlowOptions
	client *http.Client
}

// NewLoginFlow creates a LoginFlow.
func NewLoginFlow(opts LoginFlowOptions) (*LoginFlow, error) {
	switch {
	case opts.ClientID == "":
		return nil, fmt.Errorf("homeassistant: login flow client id is required")
	case opts.ProvidersURI == "", opts.LoginFlowURI == "", opts.TokenURI == "":
		return nil, fmt.Errorf("homeassistant: login flow URIs are required")
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &LoginFlow{opts: opts, client: client}, nil
}

// AccessToken runs the four-step login flow.
//
// Steps:
//  1. List auth providers; at least one must exist
//  2. Start a flow for the homeassistant provider; expect a form
//  3. Submit the credentials; expect create_entry carrying an auth code
//  4. Exchange the code for an access token
//
// Returns:
//   - string: Short-lived access token
//   - error: *protocol.CollaboratorError describing the failing step
func (l *LoginFlow) AccessToken(ctx context.Context, username, password string) (string, error) {
	var providers struct {
		Providers []json.RawMessage `json:"providers"`
	}
	if err := l.do(ctx, http.MethodGet, l.opts.ProvidersURI, nil, "", &providers); err != nil {
		return "", err
	}
	if len(providers.Providers) == 0 {
		return "", collaboratorError(serviceLoginFlow, "No authentication providers available.", ErrNoProviders)
	}

	var flow struct {
		Type   string `json:"type"`
		FlowID string `json:"flow_id"`
	}
	if err := l.postJSON(ctx, l.opts.LoginFlowURI, map[string]any{
		"client_id":    l.opts.ClientID,
		"handler":      []any{"homeassistant", nil},
		"redirect_uri": l.opts.RedirectURI,
	}, &flow); err != nil {
		return "", err
	}
	if flow.Type != "form" || flow.FlowID == "" {
		return "", collaboratorError(serviceLoginFlow, "Unexpected response type during login flow initiation.", ErrLoginFlow)
	}

	var entry struct {
		Type   string `json:"type"`
		Result string `json:"result"`
	}
	flowURL := strings.TrimRight(l.opts.LoginFlowURI, "/") + "/" + url.PathEscape(flow.FlowID)
	if err := l.postJSON(ctx, flowURL, map[string]any{
		"username":  username,
		"password":  password,
		"client_id": l.opts.ClientID,
	}, &entry); err != nil {
		return "", err
	}
	if entry.Type != "create_entry" || entry.Result == "" {
		return "", collaboratorError(serviceLoginFlow, "Failed to create entry, please check your credentials.", ErrLoginFlow)
	}

	form := url.Values{
		"grant_type": {"authorization_code"},
		"code":       {entry.Result},
		"client_id":  {l.opts.ClientID},
	}
	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := l.do(ctx, http.MethodPost, l.opts.TokenURI,
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", &token); err != nil {
		return "", err
	}
	if token.AccessToken == "" {
		return "", collaboratorError(serviceLoginFlow, "Failed to exchange authorization code for access token.", ErrLoginFlow)
	}
	return token.AccessToken, nil
}

func (l *LoginFlow) postJSON(ctx context.Context, target string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding login flow request: %w", err)
	}
	return l.do(ctx, http.MethodPost, target, bytes.NewReader(payload), "application/json", out)
}

// do performs one HTTP call and decodes a 2xx JSON body into out.
func (l *LoginFlow) do(ctx context.Context, method, target string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("creating login flow request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return collaboratorError(serviceLoginFlow, err.Error(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := fmt.Sprintf("%s %s: status %d", method, target, resp.StatusCode)
		if s := strings.TrimSpace(string(snippet)); s != "" {
			msg += ": " + s
		}
		return collaboratorError(serviceLoginFlow, msg, nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return collaboratorError(serviceLoginFlow, fmt.Sprintf("decoding %s response: %v", target, err), err)
	}
	return nil
}
