package coordinator

import (
	"context"

	"github.com/google/uuid"

	"github.com/tec-labs/pi-payments/internal/logging"
)

// EventKind discriminates the four platform callbacks.
type EventKind string

const (
	EventApprovalReady   EventKind = "approval_ready"
	EventCompletionReady EventKind = "completion_ready"
	EventCancelled       EventKind = "cancelled"
	EventErrored         EventKind = "errored"
)

// PaymentEvent is one platform callback. Only the fields for its kind are
// set: ExternalID for approval and completion, SettlementRef for completion,
// Err for errored.
type PaymentEvent struct {
	Kind          EventKind
	PaymentID     uuid.UUID
	ExternalID    string
	SettlementRef string
	Err           error
}

type coordinatorAPI interface {
	OnApprovalRequested(ctx context.Context, paymentID uuid.UUID, externalID string) error
	OnCompletionRequested(ctx context.Context, paymentID uuid.UUID, externalID, settlementRef string) error
	OnCancelled(ctx context.Context, paymentID uuid.UUID) error
	OnError(ctx context.Context, paymentID uuid.UUID, cause error) error
}

// Bridge serializes platform callbacks into the coordinator. Events arrive
// from the frontend callback endpoints (or the simulator) and are dispatched
// in order on a single goroutine, so callbacks for the same payment never
// race each other through the bridge.
type Bridge struct {
	coord  coordinatorAPI
	events chan PaymentEvent
}

func NewBridge(coord coordinatorAPI) *Bridge {
	return &Bridge{
		coord:  coord,
		events: make(chan PaymentEvent, 64),
	}
}

// Deliver enqueues an event for dispatch. Blocks only when the buffer is
// full.
func (b *Bridge) Deliver(event PaymentEvent) {
	b.events <- event
}

// Run dispatches events until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	log := logging.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-b.events:
			if err := b.dispatch(ctx, event); err != nil {
				log.Warn("bridge dispatch failed",
					"kind", event.Kind,
					"payment_id", event.PaymentID,
					"error", err,
				)
			}
		}
	}
}

func (b *Bridge) dispatch(ctx context.Context, event PaymentEvent) error {
	switch event.Kind {
	case EventApprovalReady:
		return b.coord.OnApprovalRequested(ctx, event.PaymentID, event.ExternalID)
	case EventCompletionReady:
		return b.coord.OnCompletionRequested(ctx, event.PaymentID, event.ExternalID, event.SettlementRef)
	case EventCancelled:
		return b.coord.OnCancelled(ctx, event.PaymentID)
	case EventErrored:
		return b.coord.OnError(ctx, event.PaymentID, event.Err)
	default:
		logging.FromContext(ctx).Warn("unknown bridge event kind", "kind", event.Kind)
		return nil
	}
}

// Simulate drives the full callback sequence for a payment without a real
// frontend: approval ready, then completion ready with a synthesized
// settlement reference. Identifiers follow the sandbox convention so the
// flow is reproducible.
func (b *Bridge) Simulate(paymentID uuid.UUID) {
	externalID := "sandbox_" + paymentID.String()
	b.Deliver(PaymentEvent{
		Kind:       EventApprovalReady,
		PaymentID:  paymentID,
		ExternalID: externalID,
	})
	b.Deliver(PaymentEvent{
		Kind:          EventCompletionReady,
		PaymentID:     paymentID,
		ExternalID:    externalID,
		SettlementRef: "tx_" + paymentID.String(),
	})
}
