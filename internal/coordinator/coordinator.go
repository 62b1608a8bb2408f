package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tec-labs/pi-payments/internal/config"
	"github.com/tec-labs/pi-payments/internal/domain"
	"github.com/tec-labs/pi-payments/internal/logging"
	"github.com/tec-labs/pi-payments/internal/pi"
)

type paymentRepo interface {
	Create(ctx context.Context, p *domain.Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	GetByExternalRef(ctx context.Context, ref string) (*domain.Payment, error)
	SetExternalRef(ctx context.Context, id uuid.UUID, ref string) error
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to domain.PaymentStatus, settlementRef, failureReason *string, approvedAt, completedAt *time.Time) (bool, error)
}

type eventRepo interface {
	Create(ctx context.Context, event *domain.PaymentEvent) error
}

// Coordinator advances payments through pending -> approved -> completed.
// Every transition is a compare-and-set against the stored status, so
// re-delivered or racing callbacks either no-op (when they match the stored
// outcome) or fail with ErrInvalidStatusTransition, never double-advance.
type Coordinator struct {
	payments paymentRepo
	events   eventRepo
	platform pi.Client
	cfg      *config.Config
}

func New(payments paymentRepo, events eventRepo, platform pi.Client, cfg *config.Config) *Coordinator {
	return &Coordinator{
		payments: payments,
		events:   events,
		platform: platform,
		cfg:      cfg,
	}
}

type InitiateRequest struct {
	Direction    domain.Direction
	Amount       decimal.Decimal
	Currency     string
	Memo         string
	Metadata     json.RawMessage
	RecipientUID string
}

func (r InitiateRequest) validate() error {
	if !r.Direction.IsValid() {
		return fmt.Errorf("validate: direction %q: %w", r.Direction, domain.ErrValidation)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("validate: %w", domain.ErrInvalidAmount)
	}
	if len(r.Memo) > domain.MaxMemoLength {
		return fmt.Errorf("validate: %w", domain.ErrMemoTooLong)
	}
	if r.Direction == domain.DirectionAppToUser && r.RecipientUID == "" {
		return fmt.Errorf("validate: recipient required for app-to-user payment: %w", domain.ErrValidation)
	}
	return nil
}

// Initiate creates a payment in pending. For app-to-user the platform
// assigns the external id up front; for user-to-app the external id arrives
// later with the approval callback.
func (c *Coordinator) Initiate(ctx context.Context, req InitiateRequest) (*domain.Payment, error) {
	log := logging.FromContext(ctx)

	if err := req.validate(); err != nil {
		return nil, fmt.Errorf("Initiate: %w", err)
	}

	currency := req.Currency
	if currency == "" {
		currency = "PI"
	}

	now := time.Now().UTC()
	p := &domain.Payment{
		ID:        uuid.New(),
		Direction: req.Direction,
		Amount:    req.Amount,
		Currency:  currency,
		Memo:      req.Memo,
		Metadata:  req.Metadata,
		Status:    domain.PaymentStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if req.Direction == domain.DirectionAppToUser {
		p.RecipientUID = &req.RecipientUID
		remote, err := c.platform.CreatePayment(ctx, pi.CreateRequest{
			UID:      req.RecipientUID,
			Amount:   req.Amount,
			Memo:     req.Memo,
			Metadata: req.Metadata,
		})
		if err != nil {
			return nil, fmt.Errorf("Initiate: %w", err)
		}
		if err := domain.ValidateIdentifier(remote.Identifier); err != nil {
			return nil, fmt.Errorf("Initiate: platform identifier: %w", err)
		}
		p.ExternalRef = &remote.Identifier
	}

	if err := c.payments.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("Initiate: %w", err)
	}
	c.writeEvent(ctx, p.ID, domain.PaymentEventTypeCreated, nil)

	log.Info("payment initiated",
		"payment_id", p.ID,
		"direction", p.Direction,
		"amount", p.Amount,
		"external_ref", refVal(p.ExternalRef),
	)
	return p, nil
}

// OnApprovalRequested handles the platform's approval-ready callback: link
// the external id, approve server-side on the platform, then advance the
// local record from pending to approved.
func (c *Coordinator) OnApprovalRequested(ctx context.Context, paymentID uuid.UUID, externalID string) error {
	log := logging.FromContext(ctx)

	if err := domain.ValidateIdentifier(externalID); err != nil {
		return fmt.Errorf("OnApprovalRequested: %w", err)
	}

	p, err := c.payments.GetByID(ctx, paymentID)
	if err != nil {
		return fmt.Errorf("OnApprovalRequested: %w", err)
	}

	if p.Status == domain.PaymentStatusApproved && refMatches(p.ExternalRef, externalID) {
		log.Info("duplicate approval callback, no-op", "payment_id", paymentID, "external_ref", externalID)
		return nil
	}
	if p.Status != domain.PaymentStatusPending {
		return fmt.Errorf("OnApprovalRequested: status %s: %w", p.Status, domain.ErrInvalidStatusTransition)
	}

	if err := c.payments.SetExternalRef(ctx, p.ID, externalID); err != nil {
		return fmt.Errorf("OnApprovalRequested: %w", err)
	}

	if _, err := c.platform.Approve(ctx, externalID); err != nil {
		// Payment stays pending; transient errors were already retried.
		return fmt.Errorf("OnApprovalRequested: %w", err)
	}

	now := time.Now().UTC()
	swapped, err := c.payments.TransitionStatus(ctx, p.ID,
		domain.PaymentStatusPending, domain.PaymentStatusApproved, nil, nil, &now, nil)
	if err != nil {
		return fmt.Errorf("OnApprovalRequested: %w", err)
	}
	if !swapped {
		return c.resolveLostRace(ctx, p.ID, domain.PaymentStatusApproved, externalID)
	}

	c.writeEvent(ctx, p.ID, domain.PaymentEventTypeApproved, map[string]string{"external_ref": externalID})
	log.Info("payment approved", "payment_id", p.ID, "external_ref", externalID)
	return nil
}

// OnCompletionRequested handles the completion-ready callback: confirm the
// settlement with the platform, then advance approved to completed. The
// settlement reference is immutable once stored.
func (c *Coordinator) OnCompletionRequested(ctx context.Context, paymentID uuid.UUID, externalID, settlementRef string) error {
	log := logging.FromContext(ctx)

	if err := domain.ValidateIdentifier(externalID); err != nil {
		return fmt.Errorf("OnCompletionRequested: %w", err)
	}
	if err := domain.ValidateIdentifier(settlementRef); err != nil {
		return fmt.Errorf("OnCompletionRequested: %w", err)
	}

	p, err := c.payments.GetByID(ctx, paymentID)
	if err != nil {
		return fmt.Errorf("OnCompletionRequested: %w", err)
	}

	if p.Status == domain.PaymentStatusCompleted {
		if refMatches(p.SettlementRef, settlementRef) {
			log.Info("duplicate completion callback, no-op", "payment_id", paymentID)
			return nil
		}
		return fmt.Errorf("OnCompletionRequested: settlement ref conflict: %w", domain.ErrInvalidStatusTransition)
	}
	if p.Status != domain.PaymentStatusApproved {
		return fmt.Errorf("OnCompletionRequested: status %s: %w", p.Status, domain.ErrInvalidStatusTransition)
	}
	if !refMatches(p.ExternalRef, externalID) {
		return fmt.Errorf("OnCompletionRequested: external ref mismatch: %w", domain.ErrValidation)
	}

	if _, err := c.platform.Complete(ctx, externalID, settlementRef); err != nil {
		return fmt.Errorf("OnCompletionRequested: %w", err)
	}

	now := time.Now().UTC()
	swapped, err := c.payments.TransitionStatus(ctx, p.ID,
		domain.PaymentStatusApproved, domain.PaymentStatusCompleted, &settlementRef, nil, nil, &now)
	if err != nil {
		return fmt.Errorf("OnCompletionRequested: %w", err)
	}
	if !swapped {
		return c.resolveLostRace(ctx, p.ID, domain.PaymentStatusCompleted, settlementRef)
	}

	c.writeEvent(ctx, p.ID, domain.PaymentEventTypeCompleted, map[string]string{"settlement_ref": settlementRef})
	log.Info("payment completed", "payment_id", p.ID, "settlement_ref", settlementRef)
	return nil
}

// OnCancelled terminalizes a payment after the user or platform abandoned
// it. Cancellation is never forwarded to the platform and never retried.
func (c *Coordinator) OnCancelled(ctx context.Context, paymentID uuid.UUID) error {
	return c.terminalize(ctx, paymentID, domain.PaymentStatusCancelled, nil)
}

// OnError terminalizes a payment as failed, recording the cause.
func (c *Coordinator) OnError(ctx context.Context, paymentID uuid.UUID, cause error) error {
	var reason *string
	if cause != nil {
		r := cause.Error()
		reason = &r
	}
	return c.terminalize(ctx, paymentID, domain.PaymentStatusFailed, reason)
}

func (c *Coordinator) terminalize(ctx context.Context, paymentID uuid.UUID, to domain.PaymentStatus, reason *string) error {
	log := logging.FromContext(ctx)

	p, err := c.payments.GetByID(ctx, paymentID)
	if err != nil {
		return fmt.Errorf("terminalize: %w", err)
	}

	if p.Status == to {
		log.Info("duplicate terminal callback, no-op", "payment_id", paymentID, "status", to)
		return nil
	}
	if p.Status.Terminal() {
		return fmt.Errorf("terminalize: status %s: %w", p.Status, domain.ErrInvalidStatusTransition)
	}

	swapped, err := c.payments.TransitionStatus(ctx, p.ID, p.Status, to, nil, reason, nil, nil)
	if err != nil {
		return fmt.Errorf("terminalize: %w", err)
	}
	if !swapped {
		return c.resolveLostRace(ctx, p.ID, to, "")
	}

	eventType := domain.PaymentEventTypeCancelled
	if to == domain.PaymentStatusFailed {
		eventType = domain.PaymentEventTypeFailed
	}
	c.writeEvent(ctx, p.ID, eventType, nil)
	log.Info("payment terminalized", "payment_id", p.ID, "status", to, "reason", refVal(reason))
	return nil
}

// resolveLostRace re-reads after a failed compare-and-set: a concurrent
// delivery that landed the same outcome is an idempotent success, anything
// else is a conflict.
func (c *Coordinator) resolveLostRace(ctx context.Context, paymentID uuid.UUID, want domain.PaymentStatus, ref string) error {
	p, err := c.payments.GetByID(ctx, paymentID)
	if err != nil {
		return fmt.Errorf("resolveLostRace: %w", err)
	}
	if p.Status == want {
		if want == domain.PaymentStatusCompleted && ref != "" && !refMatches(p.SettlementRef, ref) {
			return fmt.Errorf("resolveLostRace: settlement ref conflict: %w", domain.ErrInvalidStatusTransition)
		}
		return nil
	}
	return fmt.Errorf("resolveLostRace: status %s, wanted %s: %w", p.Status, want, domain.ErrInvalidStatusTransition)
}

// StatusProjection is the read-only view served to clients.
type StatusProjection struct {
	PaymentID     uuid.UUID
	ExternalRef   *string
	Status        domain.PaymentStatus
	Amount        decimal.Decimal
	Currency      string
	Memo          string
	SettlementRef *string
}

// GetStatus projects the current status. For payments linked to the
// platform and not yet terminal locally, the platform's flags win, mapped
// through the documented precedence; the projection never mutates state.
func (c *Coordinator) GetStatus(ctx context.Context, paymentID uuid.UUID) (*StatusProjection, error) {
	p, err := c.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("GetStatus: %w", err)
	}

	proj := &StatusProjection{
		PaymentID:     p.ID,
		ExternalRef:   p.ExternalRef,
		Status:        p.Status,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Memo:          p.Memo,
		SettlementRef: p.SettlementRef,
	}

	if p.ExternalRef == nil || p.Status.Terminal() {
		return proj, nil
	}

	remote, err := c.platform.GetPayment(ctx, *p.ExternalRef)
	if err != nil {
		return nil, fmt.Errorf("GetStatus: %w", err)
	}
	proj.Status = domain.StatusFromFlags(remote.Status)
	if remote.Transaction != nil && remote.Transaction.TxID != "" {
		txid := remote.Transaction.TxID
		proj.SettlementRef = &txid
	}
	return proj, nil
}

type ReconcileAction string

const (
	ReconcileCompleted ReconcileAction = "completed"
	ReconcileApproved  ReconcileAction = "approved"
	ReconcileNone      ReconcileAction = "no_action_needed"
)

// ReconcileIncomplete repairs an orphaned payment reported by a client,
// e.g. after a restart mid-flow. It applies exactly one of complete,
// approve, or no-op, in that priority, and is safe to re-run: a second
// pass observes the repaired remote state and does nothing.
func (c *Coordinator) ReconcileIncomplete(ctx context.Context, externalID string) (ReconcileAction, error) {
	log := logging.FromContext(ctx)

	if err := domain.ValidateIdentifier(externalID); err != nil {
		return ReconcileNone, fmt.Errorf("ReconcileIncomplete: %w", err)
	}

	remote, err := c.platform.GetPayment(ctx, externalID)
	if err != nil {
		return ReconcileNone, fmt.Errorf("ReconcileIncomplete: %w", err)
	}

	local, err := c.payments.GetByExternalRef(ctx, externalID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return ReconcileNone, fmt.Errorf("ReconcileIncomplete: %w", err)
	}

	if remote.Transaction != nil && remote.Transaction.TxID != "" && !remote.Status.DeveloperCompleted {
		txid := remote.Transaction.TxID
		if _, err := c.platform.Complete(ctx, externalID, txid); err != nil {
			return ReconcileNone, fmt.Errorf("ReconcileIncomplete: %w", err)
		}
		c.reflectCompletion(ctx, local, txid)
		log.Info("reconciled incomplete payment", "external_ref", externalID, "action", ReconcileCompleted)
		return ReconcileCompleted, nil
	}

	if !remote.Status.DeveloperApproved {
		if _, err := c.platform.Approve(ctx, externalID); err != nil {
			return ReconcileNone, fmt.Errorf("ReconcileIncomplete: %w", err)
		}
		if local != nil && local.Status == domain.PaymentStatusPending {
			now := time.Now().UTC()
			if _, err := c.payments.TransitionStatus(ctx, local.ID,
				domain.PaymentStatusPending, domain.PaymentStatusApproved, nil, nil, &now, nil); err != nil {
				return ReconcileNone, fmt.Errorf("ReconcileIncomplete: %w", err)
			}
			c.writeEvent(ctx, local.ID, domain.PaymentEventTypeReconciled, map[string]string{"action": string(ReconcileApproved)})
		}
		log.Info("reconciled incomplete payment", "external_ref", externalID, "action", ReconcileApproved)
		return ReconcileApproved, nil
	}

	return ReconcileNone, nil
}

// reflectCompletion catches the local record up to a remotely confirmed
// settlement, stepping through approved when the approval transition was
// lost. Best-effort: the remote side is already settled.
func (c *Coordinator) reflectCompletion(ctx context.Context, local *domain.Payment, txid string) {
	if local == nil || local.Status == domain.PaymentStatusCompleted {
		return
	}
	log := logging.FromContext(ctx)
	now := time.Now().UTC()

	if local.Status == domain.PaymentStatusPending {
		if _, err := c.payments.TransitionStatus(ctx, local.ID,
			domain.PaymentStatusPending, domain.PaymentStatusApproved, nil, nil, &now, nil); err != nil {
			log.Warn("reconcile: local approve failed", "payment_id", local.ID, "error", err)
			return
		}
	}
	if _, err := c.payments.TransitionStatus(ctx, local.ID,
		domain.PaymentStatusApproved, domain.PaymentStatusCompleted, &txid, nil, nil, &now); err != nil {
		log.Warn("reconcile: local complete failed", "payment_id", local.ID, "error", err)
		return
	}
	c.writeEvent(ctx, local.ID, domain.PaymentEventTypeReconciled, map[string]string{"action": string(ReconcileCompleted)})
}

// AwaitApproval polls until the payment leaves pending, bounded by the
// approval timeout.
func (c *Coordinator) AwaitApproval(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	p, err := c.await(ctx, paymentID, c.cfg.ApprovalTimeout(), func(p *domain.Payment) bool {
		return p.Status != domain.PaymentStatusPending
	})
	if err != nil {
		return nil, fmt.Errorf("AwaitApproval: %w", err)
	}
	return p, nil
}

// AwaitCompletion polls until the payment reaches a terminal status. The
// wait is bounded by the completion timeout, which is distinct from the
// per-call network timeout; expiry surfaces ErrTimeout without touching
// persisted state.
func (c *Coordinator) AwaitCompletion(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	p, err := c.await(ctx, paymentID, c.cfg.CompletionTimeout(), func(p *domain.Payment) bool {
		return p.Status.Terminal()
	})
	if err != nil {
		return nil, fmt.Errorf("AwaitCompletion: %w", err)
	}
	return p, nil
}

func (c *Coordinator) await(ctx context.Context, paymentID uuid.UUID, bound time.Duration, done func(*domain.Payment) bool) (*domain.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		p, err := c.payments.GetByID(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		if done(p) {
			return p, nil
		}

		select {
		case <-ctx.Done():
			return nil, domain.ErrTimeout
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) writeEvent(ctx context.Context, paymentID uuid.UUID, eventType domain.PaymentEventType, payload map[string]string) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	event := &domain.PaymentEvent{
		ID:        uuid.New(),
		PaymentID: paymentID,
		EventType: eventType,
		Actor:     "coordinator",
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.events.Create(ctx, event); err != nil {
		logging.FromContext(ctx).Warn("failed to write payment event",
			"payment_id", paymentID,
			"event_type", eventType,
			"error", err,
		)
	}
}

func refMatches(stored *string, candidate string) bool {
	return stored != nil && *stored == candidate
}

func refVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
