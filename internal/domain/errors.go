package domain

import "errors"

var (
	ErrNotFound                = errors.New("not found")
	ErrValidation              = errors.New("validation failed")
	ErrInvalidAmount           = errors.New("amount must be greater than zero")
	ErrMemoTooLong             = errors.New("memo exceeds maximum length")
	ErrInvalidExternalID       = errors.New("invalid external identifier")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrDuplicatePayment        = errors.New("duplicate payment")
	ErrPlatformUnavailable     = errors.New("payment platform unavailable")
	ErrPlatformRejected        = errors.New("payment platform rejected request")
	ErrSessionExpired          = errors.New("session expired")
	ErrConfiguration           = errors.New("missing or invalid platform configuration")
	ErrTimeout                 = errors.New("operation timed out")
)
