package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tec-labs/pi-payments/internal/coordinator"
	"github.com/tec-labs/pi-payments/internal/domain"
	"github.com/tec-labs/pi-payments/internal/logging"
)

type paymentCoordinator interface {
	Initiate(ctx context.Context, req coordinator.InitiateRequest) (*domain.Payment, error)
	OnApprovalRequested(ctx context.Context, paymentID uuid.UUID, externalID string) error
	OnCompletionRequested(ctx context.Context, paymentID uuid.UUID, externalID, settlementRef string) error
	OnCancelled(ctx context.Context, paymentID uuid.UUID) error
	OnError(ctx context.Context, paymentID uuid.UUID, cause error) error
	GetStatus(ctx context.Context, paymentID uuid.UUID) (*coordinator.StatusProjection, error)
	ReconcileIncomplete(ctx context.Context, externalID string) (coordinator.ReconcileAction, error)
}

// Simulator drives the sandbox callback sequence for a new payment.
type Simulator interface {
	Simulate(paymentID uuid.UUID)
}

// PaymentHandler exposes the payment lifecycle over HTTP. The approve,
// complete, cancel and error endpoints are the server half of the platform
// SDK callbacks; sim is non-nil only in sandbox mode.
type PaymentHandler struct {
	coord paymentCoordinator
	sim   Simulator
}

func NewPaymentHandler(coord paymentCoordinator, sim Simulator) *PaymentHandler {
	return &PaymentHandler{coord: coord, sim: sim}
}

type createPaymentRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Memo     string          `json:"memo"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Simulate bool            `json:"simulate,omitempty"`
}

type createA2UPaymentRequest struct {
	RecipientUID string          `json:"recipient_uid"`
	Amount       decimal.Decimal `json:"amount"`
	Memo         string          `json:"memo"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

type paymentResponse struct {
	ID            uuid.UUID            `json:"id"`
	Direction     domain.Direction     `json:"direction"`
	Amount        decimal.Decimal      `json:"amount"`
	Currency      string               `json:"currency"`
	Memo          string               `json:"memo"`
	Status        domain.PaymentStatus `json:"status"`
	ExternalRef   *string              `json:"external_ref,omitempty"`
	SettlementRef *string              `json:"settlement_ref,omitempty"`
	FailureReason *string              `json:"failure_reason,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	ApprovedAt    *time.Time           `json:"approved_at,omitempty"`
	CompletedAt   *time.Time           `json:"completed_at,omitempty"`
}

func toPaymentResponse(p *domain.Payment) paymentResponse {
	return paymentResponse{
		ID:            p.ID,
		Direction:     p.Direction,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Memo:          p.Memo,
		Status:        p.Status,
		ExternalRef:   p.ExternalRef,
		SettlementRef: p.SettlementRef,
		FailureReason: p.FailureReason,
		CreatedAt:     p.CreatedAt,
		ApprovedAt:    p.ApprovedAt,
		CompletedAt:   p.CompletedAt,
	}
}

// Create starts a user-to-app payment. With simulate set in sandbox mode
// the full callback sequence is driven automatically.
func (h *PaymentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	if fields := validateCreate(req.Amount, req.Memo); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	p, err := h.coord.Initiate(r.Context(), coordinator.InitiateRequest{
		Direction: domain.DirectionUserToApp,
		Amount:    req.Amount,
		Memo:      req.Memo,
		Metadata:  req.Metadata,
	})
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	if req.Simulate {
		if h.sim == nil {
			RespondAppError(w, ErrMisconfigured, nil)
			return
		}
		h.sim.Simulate(p.ID)
	}

	RespondSuccess(w, http.StatusCreated, toPaymentResponse(p))
}

// CreateA2U starts an app-to-user payout.
func (h *PaymentHandler) CreateA2U(w http.ResponseWriter, r *http.Request) {
	var req createA2UPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	fields := validateCreate(req.Amount, req.Memo)
	if req.RecipientUID == "" {
		fields = append(fields, FieldError{Field: "recipient_uid", Message: "recipient_uid is required"})
	}
	if len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	p, err := h.coord.Initiate(r.Context(), coordinator.InitiateRequest{
		Direction:    domain.DirectionAppToUser,
		Amount:       req.Amount,
		Memo:         req.Memo,
		Metadata:     req.Metadata,
		RecipientUID: req.RecipientUID,
	})
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusCreated, toPaymentResponse(p))
}

type approveRequest struct {
	ExternalID string `json:"external_id"`
}

// Approve handles the approval-ready callback.
func (h *PaymentHandler) Approve(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := parsePaymentID(w, r)
	if !ok {
		return
	}

	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if req.ExternalID == "" {
		RespondValidationError(w, []FieldError{{Field: "external_id", Message: "external_id is required"}})
		return
	}

	if err := h.coord.OnApprovalRequested(r.Context(), paymentID, req.ExternalID); err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, map[string]string{"payment_id": paymentID.String(), "status": "approved"})
}

type completeRequest struct {
	ExternalID    string `json:"external_id"`
	SettlementRef string `json:"settlement_ref"`
}

// Complete handles the completion-ready callback.
func (h *PaymentHandler) Complete(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := parsePaymentID(w, r)
	if !ok {
		return
	}

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	var fields []FieldError
	if req.ExternalID == "" {
		fields = append(fields, FieldError{Field: "external_id", Message: "external_id is required"})
	}
	if req.SettlementRef == "" {
		fields = append(fields, FieldError{Field: "settlement_ref", Message: "settlement_ref is required"})
	}
	if len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	if err := h.coord.OnCompletionRequested(r.Context(), paymentID, req.ExternalID, req.SettlementRef); err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, map[string]string{"payment_id": paymentID.String(), "status": "completed"})
}

// Cancel handles the user-abandoned callback.
func (h *PaymentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := parsePaymentID(w, r)
	if !ok {
		return
	}

	if err := h.coord.OnCancelled(r.Context(), paymentID); err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, map[string]string{"payment_id": paymentID.String(), "status": "cancelled"})
}

type failRequest struct {
	Reason string `json:"reason"`
}

// Fail handles the error callback.
func (h *PaymentHandler) Fail(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := parsePaymentID(w, r)
	if !ok {
		return
	}

	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	var cause error
	if req.Reason != "" {
		cause = errors.New(req.Reason)
	}
	if err := h.coord.OnError(r.Context(), paymentID, cause); err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, map[string]string{"payment_id": paymentID.String(), "status": "failed"})
}

type statusResponse struct {
	PaymentID     uuid.UUID            `json:"payment_id"`
	Status        domain.PaymentStatus `json:"status"`
	Amount        decimal.Decimal      `json:"amount"`
	Currency      string               `json:"currency"`
	Memo          string               `json:"memo"`
	ExternalRef   *string              `json:"external_ref,omitempty"`
	SettlementRef *string              `json:"settlement_ref,omitempty"`
}

// Status projects the payment status, consulting the platform for linked
// in-flight payments.
func (h *PaymentHandler) Status(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := parsePaymentID(w, r)
	if !ok {
		return
	}

	proj, err := h.coord.GetStatus(r.Context(), paymentID)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, statusResponse{
		PaymentID:     proj.PaymentID,
		Status:        proj.Status,
		Amount:        proj.Amount,
		Currency:      proj.Currency,
		Memo:          proj.Memo,
		ExternalRef:   proj.ExternalRef,
		SettlementRef: proj.SettlementRef,
	})
}

type incompleteRequest struct {
	ExternalID string `json:"external_id"`
}

// Incomplete reconciles a payment the client reports as stuck.
func (h *PaymentHandler) Incomplete(w http.ResponseWriter, r *http.Request) {
	var req incompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if req.ExternalID == "" {
		RespondValidationError(w, []FieldError{{Field: "external_id", Message: "external_id is required"}})
		return
	}

	action, err := h.coord.ReconcileIncomplete(r.Context(), req.ExternalID)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	logging.FromContext(r.Context()).Info("incomplete payment handled",
		"external_ref", req.ExternalID, "action", action)
	RespondSuccess(w, http.StatusOK, map[string]string{"external_id": req.ExternalID, "action": string(action)})
}

func validateCreate(amount decimal.Decimal, memo string) []FieldError {
	var fields []FieldError
	if !amount.IsPositive() {
		fields = append(fields, FieldError{Field: "amount", Message: "amount must be greater than zero"})
	}
	if len(memo) > domain.MaxMemoLength {
		fields = append(fields, FieldError{Field: "memo", Message: "memo exceeds the maximum length"})
	}
	return fields
}

func parsePaymentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		RespondAppError(w, ErrInvalidRequest, []FieldError{{Field: "id", Message: "must be a valid UUID"}})
		return uuid.Nil, false
	}
	return id, true
}
