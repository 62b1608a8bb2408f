package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tec-labs/pi-payments/internal/config"
	"github.com/tec-labs/pi-payments/internal/domain"
	"github.com/tec-labs/pi-payments/internal/pi"
)

type fakePaymentRepo struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*domain.Payment
}

func newFakePaymentRepo() *fakePaymentRepo {
	return &fakePaymentRepo{payments: make(map[uuid.UUID]*domain.Payment)}
}

func (r *fakePaymentRepo) Create(_ context.Context, p *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ExternalRef != nil {
		for _, existing := range r.payments {
			if existing.ExternalRef != nil && *existing.ExternalRef == *p.ExternalRef {
				return domain.ErrDuplicatePayment
			}
		}
	}
	cp := *p
	r.payments[p.ID] = &cp
	return nil
}

func (r *fakePaymentRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *fakePaymentRepo) GetByExternalRef(_ context.Context, ref string) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.ExternalRef != nil && *p.ExternalRef == ref {
			cp := *p
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *fakePaymentRepo) SetExternalRef(_ context.Context, id uuid.UUID, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.ExternalRef != nil && *p.ExternalRef != ref {
		return domain.ErrInvalidStatusTransition
	}
	p.ExternalRef = &ref
	return nil
}

func (r *fakePaymentRepo) TransitionStatus(_ context.Context, id uuid.UUID, from, to domain.PaymentStatus, settlementRef, failureReason *string, approvedAt, completedAt *time.Time) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("TransitionStatus: %s -> %s: %w", from, to, domain.ErrInvalidStatusTransition)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	if settlementRef != nil {
		p.SettlementRef = settlementRef
	}
	if failureReason != nil {
		p.FailureReason = failureReason
	}
	if approvedAt != nil {
		p.ApprovedAt = approvedAt
	}
	if completedAt != nil {
		p.CompletedAt = completedAt
	}
	p.UpdatedAt = time.Now().UTC()
	return true, nil
}

type fakeEventRepo struct {
	mu     sync.Mutex
	events []domain.PaymentEvent
}

func (r *fakeEventRepo) Create(_ context.Context, e *domain.PaymentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *e)
	return nil
}

func (r *fakeEventRepo) types() []domain.PaymentEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.PaymentEventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventType
	}
	return out
}

// flakyPlatform wraps another client and fails Approve a configured number
// of times before delegating.
type flakyPlatform struct {
	pi.Client
	mu           sync.Mutex
	approveFails int
	approveErr   error
}

func (f *flakyPlatform) Approve(ctx context.Context, externalID string) (*pi.Payment, error) {
	f.mu.Lock()
	if f.approveFails > 0 {
		f.approveFails--
		err := f.approveErr
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()
	return f.Client.Approve(ctx, externalID)
}

func testConfig() *config.Config {
	return &config.Config{
		CompletionTimeoutS: 1,
		ApprovalTimeoutS:   1,
	}
}

func setup(t *testing.T) (*Coordinator, *fakePaymentRepo, *fakeEventRepo, *pi.SandboxClient) {
	t.Helper()
	payments := newFakePaymentRepo()
	events := &fakeEventRepo{}
	platform := pi.NewSandboxClient()
	coord := New(payments, events, platform, testConfig())
	return coord, payments, events, platform
}

func initiate(t *testing.T, coord *Coordinator) *domain.Payment {
	t.Helper()
	p, err := coord.Initiate(context.Background(), InitiateRequest{
		Direction: domain.DirectionUserToApp,
		Amount:    decimal.NewFromInt(1),
		Memo:      "demo",
	})
	require.NoError(t, err)
	return p
}

func TestUserToAppHappyFlow(t *testing.T) {
	coord, payments, events, platform := setup(t)
	ctx := context.Background()

	p := initiate(t, coord)
	assert.Equal(t, domain.PaymentStatusPending, p.Status)
	assert.Nil(t, p.ExternalRef)

	require.NoError(t, coord.OnApprovalRequested(ctx, p.ID, "X123"))

	stored, err := payments.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusApproved, stored.Status)
	require.NotNil(t, stored.ExternalRef)
	assert.Equal(t, "X123", *stored.ExternalRef)
	assert.NotNil(t, stored.ApprovedAt)

	require.NoError(t, coord.OnCompletionRequested(ctx, p.ID, "X123", "abc123"))

	stored, err = payments.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCompleted, stored.Status)
	require.NotNil(t, stored.SettlementRef)
	assert.Equal(t, "abc123", *stored.SettlementRef)
	assert.NotNil(t, stored.CompletedAt)

	approves, completes := platform.Calls()
	assert.Equal(t, 1, approves)
	assert.Equal(t, 1, completes)

	assert.Equal(t, []domain.PaymentEventType{
		domain.PaymentEventTypeCreated,
		domain.PaymentEventTypeApproved,
		domain.PaymentEventTypeCompleted,
	}, events.types())
}

func TestAppToUserInitiateLinksPlatformID(t *testing.T) {
	coord, _, _, _ := setup(t)

	p, err := coord.Initiate(context.Background(), InitiateRequest{
		Direction:    domain.DirectionAppToUser,
		Amount:       decimal.NewFromFloat(2.5),
		Memo:         "payout",
		RecipientUID: "user-uid-1",
	})
	require.NoError(t, err)

	require.NotNil(t, p.ExternalRef)
	assert.Equal(t, "sandbox_000001", *p.ExternalRef)
	assert.Equal(t, domain.PaymentStatusPending, p.Status)
}

func TestInitiateValidation(t *testing.T) {
	coord, _, _, _ := setup(t)
	ctx := context.Background()

	_, err := coord.Initiate(ctx, InitiateRequest{
		Direction: domain.DirectionUserToApp,
		Amount:    decimal.Zero,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = coord.Initiate(ctx, InitiateRequest{
		Direction: domain.DirectionUserToApp,
		Amount:    decimal.NewFromInt(-1),
	})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = coord.Initiate(ctx, InitiateRequest{
		Direction: domain.DirectionUserToApp,
		Amount:    decimal.NewFromInt(1),
		Memo:      string(make([]byte, domain.MaxMemoLength+1)),
	})
	assert.ErrorIs(t, err, domain.ErrMemoTooLong)

	_, err = coord.Initiate(ctx, InitiateRequest{
		Direction: "sideways",
		Amount:    decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = coord.Initiate(ctx, InitiateRequest{
		Direction: domain.DirectionAppToUser,
		Amount:    decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestDuplicateApprovalIsIdempotent(t *testing.T) {
	coord, payments, _, platform := setup(t)
	ctx := context.Background()

	p := initiate(t, coord)
	require.NoError(t, coord.OnApprovalRequested(ctx, p.ID, "X123"))
	require.NoError(t, coord.OnApprovalRequested(ctx, p.ID, "X123"))

	stored, err := payments.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusApproved, stored.Status)

	approves, _ := platform.Calls()
	assert.Equal(t, 1, approves)
}

func TestDuplicateCompletionIsIdempotent(t *testing.T) {
	coord, _, _, platform := setup(t)
	ctx := context.Background()

	p := initiate(t, coord)
	require.NoError(t, coord.OnApprovalRequested(ctx, p.ID, "X123"))
	require.NoError(t, coord.OnCompletionRequested(ctx, p.ID, "X123", "abc123"))
	require.NoError(t, coord.OnCompletionRequested(ctx, p.ID, "X123", "abc123"))

	_, completes := platform.Calls()
	assert.Equal(t, 1, completes)
}

func TestCompletionWithDifferentSettlementRefConflicts(t *testing.T) {
	coord, _, _, _ := setup(t)
	ctx := context.Background()

	p := initiate(t, coord)
	require.NoError(t, coord.OnApprovalRequested(ctx, p.ID, "X123"))
	require.NoError(t, coord.OnCompletionRequested(ctx, p.ID, "X123", "abc123"))

	err := coord.OnCompletionRequested(ctx, p.ID, "X123", "other999")
	assert.ErrorIs(t, err, domain.ErrInvalidStatusTransition)
}

func TestCompletionFromPendingIsRejected(t *testing.T) {
	coord, payments, _, platform := setup(t)
	ctx := context.Background()

	p := initiate(t, coord)

	err := coord.OnCompletionRequested(ctx, p.ID, "X123", "abc123")
	assert.ErrorIs(t, err, domain.ErrInvalidStatusTransition)

	stored, err := payments.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, stored.Status)

	_, completes := platform.Calls()
	assert.Equal(t, 0, completes)
}

func TestCancelFlow(t *testing.T) {
	coord, payments, events, platform := setup(t)
	ctx := context.Background()

	p := initiate(t, coord)
	require.NoError(t, coord.OnCancelled(ctx, p.ID))

	stored, err := payments.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCancelled, stored.Status)

	// Callbacks after a terminal state are absorbed or rejected, never applied.
	require.NoError(t, coord.OnCancelled(ctx, p.ID))
	err = coord.OnCompletionRequested(ctx, p.ID, "X123", "abc123")
	assert.ErrorIs(t, err, domain.ErrInvalidStatusTransition)

	_, completes := platform.Calls()
	assert.Equal(t, 0, completes)

	assert.Equal(t, []domain.PaymentEventType{
		domain.PaymentEventTypeCreated,
		domain.PaymentEventTypeCancelled,
	}, events.types())
}

func TestErrorCallbackRecordsReason(t *testing.T) {
	coord, payments, _, _ := setup(t)
	ctx := context.Background()

	p := initiate(t, coord)
	require.NoError(t, coord.OnApprovalRequested(ctx, p.ID, "X123"))
	require.NoError(t, coord.OnError(ctx, p.ID, fmt.Errorf("wallet closed mid flow")))

	stored, err := payments.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, stored.Status)
	require.NotNil(t, stored.FailureReason)
	assert.Equal(t, "wallet closed mid flow", *stored.FailureReason)
}

func TestApprovalRejectsInvalidIdentifier(t *testing.T) {
	coord, payments, _, _ := setup(t)
	ctx := context.Background()

	p := initiate(t, coord)

	err := coord.OnApprovalRequested(ctx, p.ID, "../evil")
	assert.ErrorIs(t, err, domain.ErrInvalidExternalID)

	stored, err := payments.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, stored.Status)
	assert.Nil(t, stored.ExternalRef)
}

func TestFailedApproveLeavesPaymentPendingThenReconcileRepairs(t *testing.T) {
	payments := newFakePaymentRepo()
	events := &fakeEventRepo{}
	sandbox := pi.NewSandboxClient()
	platform := &flakyPlatform{
		Client:       sandbox,
		approveFails: 1,
		approveErr:   domain.ErrTimeout,
	}
	coord := New(payments, events, platform, testConfig())
	ctx := context.Background()

	p := initiate(t, coord)

	err := coord.OnApprovalRequested(ctx, p.ID, "X123")
	assert.ErrorIs(t, err, domain.ErrTimeout)

	stored, err := payments.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, stored.Status)

	action, err := coord.ReconcileIncomplete(ctx, "X123")
	require.NoError(t, err)
	assert.Equal(t, ReconcileApproved, action)

	stored, err = payments.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusApproved, stored.Status)

	approves, _ := sandbox.Calls()
	assert.Equal(t, 1, approves)

	// A second reconcile observes the repaired remote state and does nothing.
	action, err = coord.ReconcileIncomplete(ctx, "X123")
	require.NoError(t, err)
	assert.Equal(t, ReconcileNone, action)

	approves, _ = sandbox.Calls()
	assert.Equal(t, 1, approves)
}

func TestReconcileCompletesWhenSettlementExists(t *testing.T) {
	ctx := context.Background()

	// Remote shape: txid present, completion never acknowledged.
	payments := newFakePaymentRepo()
	coord := New(payments, &fakeEventRepo{}, &incompletePlatform{pi.NewSandboxClient()}, testConfig())

	p, err := coord.Initiate(ctx, InitiateRequest{
		Direction: domain.DirectionUserToApp,
		Amount:    decimal.NewFromInt(1),
		Memo:      "demo",
	})
	require.NoError(t, err)
	require.NoError(t, payments.SetExternalRef(ctx, p.ID, "Y456"))

	action, err := coord.ReconcileIncomplete(ctx, "Y456")
	require.NoError(t, err)
	assert.Equal(t, ReconcileCompleted, action)

	stored, err := payments.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCompleted, stored.Status)
	require.NotNil(t, stored.SettlementRef)
	assert.Equal(t, "tx_onchain", *stored.SettlementRef)
}

func TestReconcileAlreadySettledIsNoOp(t *testing.T) {
	coord, _, _, platform := setup(t)
	ctx := context.Background()

	p := initiate(t, coord)
	require.NoError(t, coord.OnApprovalRequested(ctx, p.ID, "X123"))
	require.NoError(t, coord.OnCompletionRequested(ctx, p.ID, "X123", "abc123"))

	action, err := coord.ReconcileIncomplete(ctx, "X123")
	require.NoError(t, err)
	assert.Equal(t, ReconcileNone, action)

	approves, completes := platform.Calls()
	assert.Equal(t, 1, approves)
	assert.Equal(t, 1, completes)
}

// incompletePlatform reports a payment with a settlement transaction whose
// completion was never acknowledged.
type incompletePlatform struct {
	*pi.SandboxClient
}

func (f *incompletePlatform) GetPayment(ctx context.Context, externalID string) (*pi.Payment, error) {
	p, err := f.SandboxClient.GetPayment(ctx, externalID)
	if err != nil {
		return nil, err
	}
	p.Status = domain.PlatformFlags{DeveloperApproved: true, TransactionVerified: true}
	p.Transaction = &pi.Transaction{TxID: "tx_onchain", Verified: true}
	return p, nil
}

func TestGetStatusProjectsPlatformFlags(t *testing.T) {
	coord, _, _, platform := setup(t)
	ctx := context.Background()

	p := initiate(t, coord)
	require.NoError(t, coord.OnApprovalRequested(ctx, p.ID, "X123"))

	// Remote cancellation observed on projection without local mutation.
	platform.Cancel("X123")

	proj, err := coord.GetStatus(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCancelled, proj.Status)
}

func TestGetStatusTerminalPaymentSkipsPlatform(t *testing.T) {
	coord, _, _, _ := setup(t)
	ctx := context.Background()

	p := initiate(t, coord)
	require.NoError(t, coord.OnApprovalRequested(ctx, p.ID, "X123"))
	require.NoError(t, coord.OnCompletionRequested(ctx, p.ID, "X123", "abc123"))

	proj, err := coord.GetStatus(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCompleted, proj.Status)
	require.NotNil(t, proj.SettlementRef)
	assert.Equal(t, "abc123", *proj.SettlementRef)
}

func TestAwaitCompletionReturnsTerminalPayment(t *testing.T) {
	coord, _, _, _ := setup(t)
	ctx := context.Background()

	p := initiate(t, coord)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = coord.OnApprovalRequested(ctx, p.ID, "X123")
		_ = coord.OnCompletionRequested(ctx, p.ID, "X123", "abc123")
	}()

	got, err := coord.AwaitCompletion(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCompleted, got.Status)
}

func TestAwaitApprovalReturnsOnceApproved(t *testing.T) {
	coord, _, _, _ := setup(t)
	ctx := context.Background()

	p := initiate(t, coord)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = coord.OnApprovalRequested(ctx, p.ID, "X123")
	}()

	got, err := coord.AwaitApproval(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusApproved, got.Status)
}

func TestAwaitCompletionTimesOutWithoutStateChange(t *testing.T) {
	coord, payments, _, _ := setup(t)
	ctx := context.Background()

	p := initiate(t, coord)

	_, err := coord.AwaitCompletion(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrTimeout)

	stored, err := payments.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, stored.Status)
}
