package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type PaymentEventType string

const (
	PaymentEventTypeCreated    PaymentEventType = "created"
	PaymentEventTypeApproved   PaymentEventType = "approved"
	PaymentEventTypeCompleted  PaymentEventType = "completed"
	PaymentEventTypeCancelled  PaymentEventType = "cancelled"
	PaymentEventTypeFailed     PaymentEventType = "failed"
	PaymentEventTypeReconciled PaymentEventType = "reconciled"
)

// PaymentEvent is one row of the lifecycle audit trail, written alongside
// each persisted transition.
type PaymentEvent struct {
	ID        uuid.UUID
	PaymentID uuid.UUID
	EventType PaymentEventType
	Actor     string
	Payload   json.RawMessage
	CreatedAt time.Time
}
