package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tec-labs/pi-payments/internal/domain"
)

const paymentColumns = `id, direction, amount, currency, memo, metadata,
	recipient_uid, external_ref, settlement_ref, failure_reason, status,
	created_at, updated_at, approved_at, completed_at`

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, payment *domain.Payment) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO payments (
			id, direction, amount, currency, memo, metadata,
			recipient_uid, external_ref, settlement_ref, failure_reason, status,
			created_at, updated_at, approved_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)`,
		payment.ID, payment.Direction, payment.Amount, payment.Currency, payment.Memo, payment.Metadata,
		payment.RecipientUID, payment.ExternalRef, payment.SettlementRef, payment.FailureReason, payment.Status,
		payment.CreatedAt, payment.UpdatedAt, payment.ApprovedAt, payment.CompletedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("Create: %w", domain.ErrDuplicatePayment)
		}
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id,
	)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return p, nil
}

func (r *PaymentRepository) GetByExternalRef(ctx context.Context, ref string) (*domain.Payment, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE external_ref = $1`, ref,
	)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByExternalRef: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByExternalRef: %w", err)
	}
	return p, nil
}

// SetExternalRef links the platform identifier. The ref is write-once: a
// second call with the same ref is a no-op, a different ref does not match
// the guard and reports a transition conflict.
func (r *PaymentRepository) SetExternalRef(ctx context.Context, id uuid.UUID, ref string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE payments SET external_ref = $2, updated_at = now()
		WHERE id = $1 AND (external_ref IS NULL OR external_ref = $2)`,
		id, ref,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("SetExternalRef: %w", domain.ErrDuplicatePayment)
		}
		return fmt.Errorf("SetExternalRef: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("SetExternalRef: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("SetExternalRef: ref already set: %w", domain.ErrInvalidStatusTransition)
	}
	return nil
}

// TransitionStatus performs a compare-and-set from one status to another.
// Returns false without error when the stored status no longer matches
// from; the caller decides whether the lost race was benign.
func (r *PaymentRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to domain.PaymentStatus, settlementRef, failureReason *string, approvedAt, completedAt *time.Time) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("TransitionStatus: %s -> %s: %w", from, to, domain.ErrInvalidStatusTransition)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE payments SET status = $1,
			settlement_ref = COALESCE($2, settlement_ref),
			failure_reason = COALESCE($3, failure_reason),
			approved_at = COALESCE($4, approved_at),
			completed_at = COALESCE($5, completed_at),
			updated_at = now()
		WHERE id = $6 AND status = $7`,
		to, settlementRef, failureReason, approvedAt, completedAt, id, from,
	)
	if err != nil {
		return false, fmt.Errorf("TransitionStatus: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("TransitionStatus: rows affected: %w", err)
	}
	return rows == 1, nil
}

func scanPayment(s scanner) (*domain.Payment, error) {
	var p domain.Payment
	var metadata *[]byte

	err := s.Scan(
		&p.ID, &p.Direction, &p.Amount, &p.Currency, &p.Memo, &metadata,
		&p.RecipientUID, &p.ExternalRef, &p.SettlementRef, &p.FailureReason, &p.Status,
		&p.CreatedAt, &p.UpdatedAt, &p.ApprovedAt, &p.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if metadata != nil {
		p.Metadata = *metadata
	}

	return &p, nil
}
