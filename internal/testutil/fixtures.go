package testutil

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tec-labs/pi-payments/internal/domain"
)

// SeedPayment inserts a payment in the given status and returns it.
func SeedPayment(t *testing.T, db *sql.DB, direction domain.Direction, status domain.PaymentStatus) *domain.Payment {
	t.Helper()

	now := time.Now().UTC()
	p := &domain.Payment{
		ID:        uuid.New(),
		Direction: direction,
		Amount:    decimal.NewFromInt(1),
		Currency:  "PI",
		Memo:      "test payment",
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := db.Exec(
		`INSERT INTO payments (id, direction, amount, currency, memo, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.Direction, p.Amount, p.Currency, p.Memo, p.Status, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		t.Fatalf("seed payment: %v", err)
	}
	return p
}

// SeedLinkedPayment inserts a payment already linked to a platform
// identifier.
func SeedLinkedPayment(t *testing.T, db *sql.DB, externalRef string, status domain.PaymentStatus) *domain.Payment {
	t.Helper()

	p := SeedPayment(t, db, domain.DirectionUserToApp, status)
	_, err := db.Exec(
		`UPDATE payments SET external_ref = $2 WHERE id = $1`,
		p.ID, externalRef,
	)
	if err != nil {
		t.Fatalf("link payment: %v", err)
	}
	p.ExternalRef = &externalRef
	return p
}

// GetPaymentStatus reads the stored status directly.
func GetPaymentStatus(t *testing.T, db *sql.DB, paymentID uuid.UUID) domain.PaymentStatus {
	t.Helper()

	var status domain.PaymentStatus
	err := db.QueryRow(`SELECT status FROM payments WHERE id = $1`, paymentID).Scan(&status)
	if err != nil {
		t.Fatalf("get payment status %s: %v", paymentID, err)
	}
	return status
}

// CountPaymentEvents counts audit events recorded for a payment.
func CountPaymentEvents(t *testing.T, db *sql.DB, paymentID uuid.UUID) int {
	t.Helper()

	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM payment_events WHERE payment_id = $1`, paymentID).Scan(&count)
	if err != nil {
		t.Fatalf("count payment events for %s: %v", paymentID, err)
	}
	return count
}
