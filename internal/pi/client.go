package pi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tec-labs/pi-payments/internal/domain"
	"github.com/tec-labs/pi-payments/internal/logging"
)

// Payment is the platform's view of a payment instance.
type Payment struct {
	Identifier  string               `json:"identifier"`
	UserUID     string               `json:"user_uid"`
	Amount      decimal.Decimal      `json:"amount"`
	Memo        string               `json:"memo"`
	Metadata    json.RawMessage      `json:"metadata"`
	Status      domain.PlatformFlags `json:"status"`
	Transaction *Transaction         `json:"transaction"`
}

type Transaction struct {
	TxID     string `json:"txid"`
	Verified bool   `json:"verified"`
}

type CreateRequest struct {
	UID      string          `json:"uid"`
	Amount   decimal.Decimal `json:"amount"`
	Memo     string          `json:"memo"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Client is the platform API surface the coordinator depends on.
type Client interface {
	CreatePayment(ctx context.Context, req CreateRequest) (*Payment, error)
	GetPayment(ctx context.Context, externalID string) (*Payment, error)
	Approve(ctx context.Context, externalID string) (*Payment, error)
	Complete(ctx context.Context, externalID, txid string) (*Payment, error)
}

// HTTPClient talks to the live platform REST API. Every call is wrapped by
// the retry policy and authenticated with the server API key.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	policy     *RetryPolicy
}

func NewHTTPClient(baseURL, apiKey string, policy *RetryPolicy) *HTTPClient {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: policy.Timeout,
		},
		policy: policy,
	}
}

func (c *HTTPClient) CreatePayment(ctx context.Context, req CreateRequest) (*Payment, error) {
	body := map[string]CreateRequest{"payment": req}
	var out Payment
	if err := c.do(ctx, "CreatePayment", http.MethodPost, "/v2/payments", body, &out); err != nil {
		return nil, err
	}
	if out.Identifier == "" {
		return nil, fmt.Errorf("CreatePayment: response missing identifier: %w", domain.ErrPlatformRejected)
	}
	return &out, nil
}

func (c *HTTPClient) GetPayment(ctx context.Context, externalID string) (*Payment, error) {
	if err := domain.ValidateIdentifier(externalID); err != nil {
		return nil, fmt.Errorf("GetPayment: %w", err)
	}
	var out Payment
	if err := c.do(ctx, "GetPayment", http.MethodGet, "/v2/payments/"+externalID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Approve(ctx context.Context, externalID string) (*Payment, error) {
	if err := domain.ValidateIdentifier(externalID); err != nil {
		return nil, fmt.Errorf("Approve: %w", err)
	}
	var out Payment
	if err := c.do(ctx, "Approve", http.MethodPost, "/v2/payments/"+externalID+"/approve", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Complete(ctx context.Context, externalID, txid string) (*Payment, error) {
	if err := domain.ValidateIdentifier(externalID); err != nil {
		return nil, fmt.Errorf("Complete: %w", err)
	}
	if err := domain.ValidateIdentifier(txid); err != nil {
		return nil, fmt.Errorf("Complete: %w", err)
	}
	body := map[string]string{"txid": txid}
	var out Payment
	if err := c.do(ctx, "Complete", http.MethodPost, "/v2/payments/"+externalID+"/complete", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Detect probes platform reachability with its own short timeout. Used at
// startup in live mode; a failure is reported, not fatal.
func (c *HTTPClient) Detect(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/me", nil)
	if err != nil {
		return fmt.Errorf("Detect: build request: %w", err)
	}
	req.Header.Set("Authorization", "Key "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Detect: %v: %w", err, domain.ErrPlatformUnavailable)
	}
	resp.Body.Close()
	return nil
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal: %w", op, err)
		}
	}

	return c.policy.Do(ctx, op, func(ctx context.Context) error {
		return c.attempt(ctx, op, method, path, payload, out)
	})
}

func (c *HTTPClient) attempt(ctx context.Context, op, method, path string, payload []byte, out any) error {
	log := logging.FromContext(ctx)

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Key "+c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, context.DeadlineExceeded)
		}
		// Connection-level failures are transient from our side.
		return Transient(fmt.Errorf("%s: send: %w", op, err))
	}
	defer resp.Body.Close()

	log.Debug("platform response",
		"op", op,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s: decode: %w", op, err)
		}
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if RetriableStatus(resp.StatusCode) {
		return Transient(fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, string(respBody)))
	}
	return fmt.Errorf("%s: status %d: %s: %w", op, resp.StatusCode, string(respBody), domain.ErrPlatformRejected)
}
