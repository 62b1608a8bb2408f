package pi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tec-labs/pi-payments/internal/domain"
)

func testPolicy() *RetryPolicy {
	return &RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, Timeout: 2 * time.Second}
}

func TestHTTPClientApprove(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/v2/payments/pay123/approve", r.URL.Path)
		json.NewEncoder(w).Encode(Payment{
			Identifier: "pay123",
			Status:     domain.PlatformFlags{DeveloperApproved: true},
		})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "secret-key", testPolicy())
	p, err := client.Approve(context.Background(), "pay123")
	require.NoError(t, err)

	assert.Equal(t, "Key secret-key", gotAuth)
	assert.True(t, p.Status.DeveloperApproved)
}

func TestHTTPClientCompleteSendsTxid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "tx_abc", body["txid"])
		json.NewEncoder(w).Encode(Payment{
			Identifier:  "pay123",
			Status:      domain.PlatformFlags{DeveloperApproved: true, DeveloperCompleted: true},
			Transaction: &Transaction{TxID: "tx_abc", Verified: true},
		})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "secret-key", testPolicy())
	p, err := client.Complete(context.Background(), "pay123", "tx_abc")
	require.NoError(t, err)
	require.NotNil(t, p.Transaction)
	assert.Equal(t, "tx_abc", p.Transaction.TxID)
}

func TestHTTPClientRejectsUnsafeIdentifiers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request must not reach the server")
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "secret-key", testPolicy())

	_, err := client.GetPayment(context.Background(), "../admin")
	assert.ErrorIs(t, err, domain.ErrInvalidExternalID)

	_, err = client.Approve(context.Background(), "pay/123")
	assert.ErrorIs(t, err, domain.ErrInvalidExternalID)

	_, err = client.Complete(context.Background(), "pay123", "tx with spaces")
	assert.ErrorIs(t, err, domain.ErrInvalidExternalID)
}

func TestHTTPClientRetriesRetriableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(Payment{Identifier: "pay123"})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "secret-key", testPolicy())
	p, err := client.GetPayment(context.Background(), "pay123")
	require.NoError(t, err)
	assert.Equal(t, "pay123", p.Identifier)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPClientDoesNotRetryTerminalStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "bad-key", testPolicy())
	_, err := client.Approve(context.Background(), "pay123")

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPlatformRejected)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPClientExhaustedRetriesMapToUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "secret-key", testPolicy())
	_, err := client.GetPayment(context.Background(), "pay123")

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPlatformUnavailable)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPClientCreatePayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Payment CreateRequest `json:"payment"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "user-uid-1", body.Payment.UID)
		json.NewEncoder(w).Encode(Payment{Identifier: "a2u_001", UserUID: body.Payment.UID, Amount: body.Payment.Amount})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "secret-key", testPolicy())
	p, err := client.CreatePayment(context.Background(), CreateRequest{
		UID:    "user-uid-1",
		Amount: decimal.NewFromFloat(2.5),
		Memo:   "payout",
	})
	require.NoError(t, err)
	assert.Equal(t, "a2u_001", p.Identifier)
}
