package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tec-labs/pi-payments/internal/domain"
)

// refreshCall is the shared handle for an in-flight token refresh. Callers
// that hit a 401 while a refresh is running wait on done instead of issuing
// their own; err carries the single outcome to all of them.
type refreshCall struct {
	done chan struct{}
	err  error
}

// Client is an authenticated HTTP client with transparent session renewal.
// On a 401 it refreshes the token pair once and replays the request; a
// second 401, or a failed refresh, surfaces ErrSessionExpired. Concurrent
// 401s coalesce into a single refresh request.
type Client struct {
	baseURL    string
	httpClient *http.Client
	store      TokenStore

	// onSessionExpired fires once per expiry, e.g. to route the caller
	// back to login. May be nil.
	onSessionExpired func()

	mu      sync.Mutex
	refresh *refreshCall
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithSessionExpiredHandler(fn func()) Option {
	return func(c *Client) { c.onSessionExpired = fn }
}

func New(baseURL string, store TokenStore, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		store:      store,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends an authenticated request and decodes the JSON response into out.
// body is marshalled to JSON when non-nil.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("Do: marshal: %w", err)
		}
	}

	usedToken := c.store.AccessToken()
	resp, err := c.send(ctx, method, path, payload, usedToken)
	if err != nil {
		return fmt.Errorf("Do: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		if err := c.refreshTokens(ctx, usedToken); err != nil {
			c.expire()
			return fmt.Errorf("Do: %w", err)
		}
		resp, err = c.send(ctx, method, path, payload, c.store.AccessToken())
		if err != nil {
			return fmt.Errorf("Do: retry: %w", err)
		}
		if resp.StatusCode == http.StatusUnauthorized {
			drain(resp)
			c.expire()
			return fmt.Errorf("Do: unauthorized after refresh: %w", domain.ErrSessionExpired)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("Do: %s %s: status %d: %s", method, path, resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("Do: decode: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, token string) (*http.Response, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

// refreshTokens renews the token pair, coalescing concurrent callers onto
// one in-flight refresh. A caller whose rejected token has already been
// replaced skips the refresh entirely; the handle is cleared before done is
// closed so a later 401 starts a fresh refresh instead of observing a stale
// result.
func (c *Client) refreshTokens(ctx context.Context, rejectedToken string) error {
	c.mu.Lock()
	if current := c.store.AccessToken(); current != "" && current != rejectedToken {
		c.mu.Unlock()
		return nil
	}
	if c.refresh != nil {
		call := c.refresh
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	c.refresh = call
	c.mu.Unlock()

	call.err = c.doRefresh(ctx)

	c.mu.Lock()
	c.refresh = nil
	c.mu.Unlock()
	close(call.done)

	return call.err
}

func (c *Client) doRefresh(ctx context.Context) error {
	refresh := c.store.RefreshToken()
	if refresh == "" {
		return fmt.Errorf("doRefresh: no refresh token: %w", domain.ErrSessionExpired)
	}

	payload, err := json.Marshal(map[string]string{"refresh_token": refresh})
	if err != nil {
		return fmt.Errorf("doRefresh: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/auth/refresh", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("doRefresh: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("doRefresh: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("doRefresh: status %d: %w", resp.StatusCode, domain.ErrSessionExpired)
	}

	var body struct {
		Data struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("doRefresh: decode: %w", err)
	}
	if body.Data.AccessToken == "" {
		return fmt.Errorf("doRefresh: empty access token: %w", domain.ErrSessionExpired)
	}

	c.store.SetTokens(body.Data.AccessToken, body.Data.RefreshToken)
	return nil
}

func (c *Client) expire() {
	c.store.Clear()
	if c.onSessionExpired != nil {
		c.onSessionExpired()
	}
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
