package bluesky

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"socialrelay/internal/upstream"
)

const maxBody = 5 * 1024 * 1024

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type session struct {
	DID        string `json:"did"`
	Handle     string `json:"handle"`
	AccessJWT  string `json:"accessJwt"`
	RefreshJWT string `json:"refreshJwt"`
}

type xrpcError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// xrpc is a minimal AT Protocol XRPC client with optional app-password login.
type xrpc struct {
	baseURL    string
	http       HTTPClient
	identifier string
	password   string

	mu      sync.Mutex
	session *session
}

func (x *xrpc) loggedIn() bool {
	return x.identifier != "" && x.password != ""
}

func (x *xrpc) accessToken() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.session == nil {
		return ""
	}
	return x.session.AccessJWT
}

// reinit refreshes the session, falling back to a fresh login. Without
// credentials it is a no-op.
func (x *xrpc) reinit(ctx context.Context) error {
	if !x.loggedIn() {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.session != nil && x.session.RefreshJWT != "" {
		var s session
		err := x.do(ctx, http.MethodPost, "com.atproto.server.refreshSession", nil, nil, x.session.RefreshJWT, &s)
		if err == nil {
			x.session = &s
			return nil
		}
	}

	var s session
	body := map[string]string{"identifier": x.identifier, "password": x.password}
	if err := x.do(ctx, http.MethodPost, "com.atproto.server.createSession", nil, body, "", &s); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	x.session = &s
	return nil
}

// ensureSession logs in once if credentials are configured.
func (x *xrpc) ensureSession(ctx context.Context) error {
	if !x.loggedIn() || x.accessToken() != "" {
		return nil
	}
	return x.reinit(ctx)
}

func (x *xrpc) query(ctx context.Context, method string, params url.Values, out any) error {
	if err := x.ensureSession(ctx); err != nil {
		return err
	}
	return x.do(ctx, http.MethodGet, method, params, nil, x.accessToken(), out)
}

func (x *xrpc) do(ctx context.Context, httpMethod, method string, params url.Values, body any, token string, out any) error {
	u := x.baseURL + "/xrpc/" + method
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, u, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "SocialRelay/1.0")
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := x.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", method, upstream.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("%s: read body: %w: %w", method, upstream.ErrTransient, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var xe xrpcError
		_ = json.Unmarshal(data, &xe)
		return fmt.Errorf("%s: %w", method, &upstream.StatusError{
			Code:   resp.StatusCode,
			Reason: xe.Error,
			Body:   xe.Message,
		})
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: %w", method, upstream.Malformed("decode response: %v", err))
	}
	return nil
}
