package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tec-labs/pi-payments/internal/domain"
	"github.com/tec-labs/pi-payments/internal/testutil"
)

func newPayment(direction domain.Direction) *domain.Payment {
	now := time.Now().UTC()
	return &domain.Payment{
		ID:        uuid.New(),
		Direction: direction,
		Amount:    decimal.NewFromInt(1),
		Currency:  "PI",
		Memo:      "demo",
		Status:    domain.PaymentStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPaymentRepository_CreateAndGet(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := NewPaymentRepository(db)
	ctx := context.Background()

	p := newPayment(domain.DirectionUserToApp)
	require.NoError(t, repo.Create(ctx, p))

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, domain.PaymentStatusPending, got.Status)
	assert.True(t, p.Amount.Equal(got.Amount))
	assert.Nil(t, got.ExternalRef)

	_, err = repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPaymentRepository_DuplicateExternalRef(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := NewPaymentRepository(db)
	ctx := context.Background()

	ref := "pi_pay_001"
	p1 := newPayment(domain.DirectionAppToUser)
	p1.ExternalRef = &ref
	require.NoError(t, repo.Create(ctx, p1))

	p2 := newPayment(domain.DirectionAppToUser)
	p2.ExternalRef = &ref
	err := repo.Create(ctx, p2)
	assert.ErrorIs(t, err, domain.ErrDuplicatePayment)
}

func TestPaymentRepository_SetExternalRefIsWriteOnce(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := NewPaymentRepository(db)
	ctx := context.Background()

	p := newPayment(domain.DirectionUserToApp)
	require.NoError(t, repo.Create(ctx, p))

	require.NoError(t, repo.SetExternalRef(ctx, p.ID, "X123"))
	// Same ref again is a no-op.
	require.NoError(t, repo.SetExternalRef(ctx, p.ID, "X123"))

	err := repo.SetExternalRef(ctx, p.ID, "Y456")
	assert.ErrorIs(t, err, domain.ErrInvalidStatusTransition)

	got, err := repo.GetByExternalRef(ctx, "X123")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
}

func TestPaymentRepository_TransitionStatusCAS(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := NewPaymentRepository(db)
	ctx := context.Background()

	p := newPayment(domain.DirectionUserToApp)
	require.NoError(t, repo.Create(ctx, p))

	now := time.Now().UTC()
	swapped, err := repo.TransitionStatus(ctx, p.ID,
		domain.PaymentStatusPending, domain.PaymentStatusApproved, nil, nil, &now, nil)
	require.NoError(t, err)
	assert.True(t, swapped)

	// Second CAS from pending loses: the stored status moved on.
	swapped, err = repo.TransitionStatus(ctx, p.ID,
		domain.PaymentStatusPending, domain.PaymentStatusApproved, nil, nil, &now, nil)
	require.NoError(t, err)
	assert.False(t, swapped)

	ref := "abc123"
	swapped, err = repo.TransitionStatus(ctx, p.ID,
		domain.PaymentStatusApproved, domain.PaymentStatusCompleted, &ref, nil, nil, &now)
	require.NoError(t, err)
	assert.True(t, swapped)

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCompleted, got.Status)
	require.NotNil(t, got.SettlementRef)
	assert.Equal(t, "abc123", *got.SettlementRef)
	assert.NotNil(t, got.ApprovedAt)
	assert.NotNil(t, got.CompletedAt)
}

func TestPaymentRepository_TransitionStatusRejectsIllegalEdge(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := NewPaymentRepository(db)
	ctx := context.Background()

	p := newPayment(domain.DirectionUserToApp)
	require.NoError(t, repo.Create(ctx, p))

	_, err := repo.TransitionStatus(ctx, p.ID,
		domain.PaymentStatusPending, domain.PaymentStatusCompleted, nil, nil, nil, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidStatusTransition)

	status := testutil.GetPaymentStatus(t, db, p.ID)
	assert.Equal(t, domain.PaymentStatusPending, status)
}

func TestPaymentEventRepository(t *testing.T) {
	db := testutil.SetupTestDB(t)
	payments := NewPaymentRepository(db)
	events := NewPaymentEventRepository(db)
	ctx := context.Background()

	p := newPayment(domain.DirectionUserToApp)
	require.NoError(t, payments.Create(ctx, p))

	for _, et := range []domain.PaymentEventType{
		domain.PaymentEventTypeCreated,
		domain.PaymentEventTypeApproved,
	} {
		require.NoError(t, events.Create(ctx, &domain.PaymentEvent{
			ID:        uuid.New(),
			PaymentID: p.ID,
			EventType: et,
			Actor:     "coordinator",
			CreatedAt: time.Now().UTC(),
		}))
	}

	got, err := events.GetByPaymentID(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.PaymentEventTypeCreated, got[0].EventType)
	assert.Equal(t, domain.PaymentEventTypeApproved, got[1].EventType)
}
