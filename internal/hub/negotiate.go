package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	negotiateVersion = "1"

	// maxNegotiateRedirects bounds redirect chains from a fronting service.
	maxNegotiateRedirects = 100

	// maxErrorBody caps how much of an error body is kept.
	maxErrorBody = 512
)

// negotiateResponse is the body of POST <hub>/negotiate.
type negotiateResponse struct {
	ConnectionID     string `json:"connectionId"`
	ConnectionToken  string `json:"connectionToken"`
	NegotiateVersion int    `json:"negotiateVersion"`

	// URL and AccessToken redirect the client to another endpoint.
	URL         string `json:"url"`
	AccessToken string `json:"accessToken"`

	Error string `json:"error"`
}

// negotiated is where and how to open the WebSocket.
type negotiated struct {
	hubURL string
	token  string
	id     string
}

// negotiate performs the negotiate round trip, following redirects.
func negotiate(ctx context.Context, client *http.Client, hubURL, tokenParam, token string) (negotiated, error) {
	for range maxNegotiateRedirects {
		resp, err := negotiateOnce(ctx, client, hubURL, tokenParam, token)
		if err != nil {
			return negotiated{}, err
		}
		if resp.Error != "" {
			return negotiated{}, fmt.Errorf("hub: negotiate: %s", resp.Error)
		}
		if resp.URL != "" {
			hubURL = resp.URL
			if resp.AccessToken != "" {
				token = resp.AccessToken
			}
			continue
		}

		id := resp.ConnectionToken
		if resp.NegotiateVersion < 1 || id == "" {
			id = resp.ConnectionID
		}
		return negotiated{hubURL: hubURL, token: token, id: id}, nil
	}
	return negotiated{}, fmt.Errorf("hub: negotiate: more than %d redirects", maxNegotiateRedirects)
}

func negotiateOnce(ctx context.Context, client *http.Client, hubURL, tokenParam, token string) (negotiateResponse, error) {
	u, err := url.Parse(hubURL)
	if err != nil || u.Host == "" {
		return negotiateResponse{}, fmt.Errorf("%w: %q", ErrInvalidURL, hubURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/negotiate"
	q := u.Query()
	q.Set("negotiateVersion", negotiateVersion)
	if token != "" {
		q.Set(tokenParam, token)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return negotiateResponse{}, fmt.Errorf("hub: building negotiate request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return negotiateResponse{}, fmt.Errorf("hub: negotiate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return negotiateResponse{}, statusError("negotiate", resp)
	}

	var out negotiateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return negotiateResponse{}, fmt.Errorf("hub: decoding negotiate response: %w", err)
	}
	return out, nil
}

// websocketURL builds the upgrade URL for a negotiated connection.
func websocketURL(n negotiated, tokenParam string) (string, error) {
	u, err := url.Parse(n.hubURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, n.hubURL)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}

	q := u.Query()
	if n.token != "" {
		q.Set(tokenParam, n.token)
	}
	if n.id != "" {
		q.Set("id", n.id)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// statusError reads a bounded body excerpt into an HTTPStatusError.
func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody)) //nolint:errcheck // excerpt only
	return &HTTPStatusError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}
