package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tec-labs/pi-payments/internal/domain"
	"github.com/tec-labs/pi-payments/internal/logging"
)

// pi-sim is a standalone stand-in for the platform payments API, useful
// when testing the live HTTP client without sandbox mode. It keeps state
// in memory and implements the subset of endpoints the service calls.

type simPayment struct {
	Identifier  string               `json:"identifier"`
	UserUID     string               `json:"user_uid"`
	Amount      decimal.Decimal      `json:"amount"`
	Memo        string               `json:"memo"`
	Metadata    json.RawMessage      `json:"metadata"`
	Status      domain.PlatformFlags `json:"status"`
	Transaction *simTransaction      `json:"transaction"`
}

type simTransaction struct {
	TxID     string `json:"txid"`
	Verified bool   `json:"verified"`
}

type simStore struct {
	mu       sync.Mutex
	payments map[string]*simPayment
}

func main() {
	logging.Init("pi-sim", "info", os.Getenv("APP_ENV"))

	store := &simStore{payments: make(map[string]*simPayment)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /v2/me", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"uid": "sim-app"})
	})
	mux.HandleFunc("POST /v2/payments", store.createPayment)
	mux.HandleFunc("GET /v2/payments/{id}", store.getPayment)
	mux.HandleFunc("POST /v2/payments/{id}/approve", store.approvePayment)
	mux.HandleFunc("POST /v2/payments/{id}/complete", store.completePayment)

	addr := ":8081"
	if p := os.Getenv("PORT"); p != "" {
		addr = ":" + p
	}

	slog.Info("platform simulator started", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func (s *simStore) createPayment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Payment struct {
			UID      string          `json:"uid"`
			Amount   decimal.Decimal `json:"amount"`
			Memo     string          `json:"memo"`
			Metadata json.RawMessage `json:"metadata"`
		} `json:"payment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	p := &simPayment{
		Identifier: uuid.NewString(),
		UserUID:    body.Payment.UID,
		Amount:     body.Payment.Amount,
		Memo:       body.Payment.Memo,
		Metadata:   body.Payment.Metadata,
	}

	s.mu.Lock()
	s.payments[p.Identifier] = p
	s.mu.Unlock()

	slog.Info("payment created", "identifier", p.Identifier, "amount", p.Amount)
	writeJSON(w, http.StatusOK, p)
}

func (s *simStore) getPayment(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	p, ok := s.payments[r.PathValue("id")]
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "payment not found"})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *simStore) approvePayment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	s.mu.Lock()
	p, ok := s.payments[id]
	if !ok {
		p = &simPayment{Identifier: id, Amount: decimal.NewFromInt(1)}
		s.payments[id] = p
	}
	p.Status.DeveloperApproved = true
	s.mu.Unlock()

	slog.Info("payment approved", "identifier", id)
	writeJSON(w, http.StatusOK, p)
}

func (s *simStore) completePayment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		TxID string `json:"txid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TxID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "txid required"})
		return
	}

	s.mu.Lock()
	p, ok := s.payments[id]
	if !ok {
		p = &simPayment{Identifier: id, Amount: decimal.NewFromInt(1)}
		s.payments[id] = p
	}
	if !p.Status.DeveloperApproved {
		s.mu.Unlock()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payment not approved"})
		return
	}
	p.Status.DeveloperCompleted = true
	p.Status.TransactionVerified = true
	p.Transaction = &simTransaction{TxID: body.TxID, Verified: true}
	s.mu.Unlock()

	slog.Info("payment completed", "identifier", id, "txid", body.TxID)
	writeJSON(w, http.StatusOK, p)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", "error", fmt.Errorf("writeJSON: %w", err))
	}
}
