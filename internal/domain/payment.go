package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Direction string

const (
	DirectionUserToApp Direction = "user_to_app"
	DirectionAppToUser Direction = "app_to_user"
)

func (d Direction) IsValid() bool {
	return d == DirectionUserToApp || d == DirectionAppToUser
}

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusApproved  PaymentStatus = "approved"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusCancelled PaymentStatus = "cancelled"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// Terminal statuses absorb all further callbacks.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusCancelled || s == PaymentStatusFailed
}

var transitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:  {PaymentStatusApproved, PaymentStatusCancelled, PaymentStatusFailed},
	PaymentStatusApproved: {PaymentStatusCompleted, PaymentStatusCancelled, PaymentStatusFailed},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
// The machine is pending -> approved -> completed, with cancelled and
// failed reachable from any non-terminal state.
func CanTransition(from, to PaymentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MaxMemoLength bounds the user-supplied memo forwarded to the platform.
const MaxMemoLength = 256

type Payment struct {
	ID            uuid.UUID
	Direction     Direction
	Amount        decimal.Decimal
	Currency      string
	Memo          string
	Metadata      json.RawMessage
	RecipientUID  *string
	ExternalRef   *string
	SettlementRef *string
	Status        PaymentStatus
	FailureReason *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ApprovedAt    *time.Time
	CompletedAt   *time.Time
}

// PlatformFlags is the raw status block the platform reports for a payment.
type PlatformFlags struct {
	DeveloperApproved   bool `json:"developer_approved"`
	TransactionVerified bool `json:"transaction_verified"`
	DeveloperCompleted  bool `json:"developer_completed"`
	Cancelled           bool `json:"cancelled"`
	UserCancelled       bool `json:"user_cancelled"`
}

// StatusFromFlags collapses the platform's booleans into the status enum.
// Precedence is cancelled > completed > approved > pending: the stronger
// guarantee wins when flags race.
func StatusFromFlags(f PlatformFlags) PaymentStatus {
	switch {
	case f.Cancelled || f.UserCancelled:
		return PaymentStatusCancelled
	case f.DeveloperCompleted:
		return PaymentStatusCompleted
	case f.DeveloperApproved:
		return PaymentStatusApproved
	default:
		return PaymentStatusPending
	}
}
