package handler

import "net/http"

type AppError struct {
	Status  int
	Code    string
	Message string
}

func (e *AppError) Error() string { return e.Message }

var (
	ErrMissingToken     = &AppError{http.StatusUnauthorized, "MISSING_TOKEN", "Authorization header required"}
	ErrInvalidToken     = &AppError{http.StatusUnauthorized, "INVALID_TOKEN", "Token is invalid or expired"}
	ErrSessionExpired   = &AppError{http.StatusUnauthorized, "SESSION_EXPIRED", "Session expired, please sign in again"}
	ErrInvalidRequest   = &AppError{http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body"}
	ErrValidationFailed = &AppError{http.StatusBadRequest, "VALIDATION_FAILED", "Validation failed"}
	ErrResourceNotFound = &AppError{http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found"}
	ErrInternalError    = &AppError{http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred"}

	ErrInvalidAmount       = &AppError{http.StatusBadRequest, "INVALID_AMOUNT", "Amount must be greater than zero"}
	ErrInvalidIdentifier   = &AppError{http.StatusBadRequest, "INVALID_IDENTIFIER", "Identifier contains disallowed characters"}
	ErrMemoTooLong         = &AppError{http.StatusBadRequest, "MEMO_TOO_LONG", "Memo exceeds the maximum length"}
	ErrInvalidTransition   = &AppError{http.StatusConflict, "INVALID_STATUS_TRANSITION", "Payment is not in a state that allows this operation"}
	ErrDuplicatePayment    = &AppError{http.StatusConflict, "DUPLICATE_PAYMENT", "A payment with this platform reference already exists"}
	ErrPlatformUnavailable = &AppError{http.StatusBadGateway, "PLATFORM_UNAVAILABLE", "Payment platform is unreachable"}
	ErrPlatformRejected    = &AppError{http.StatusUnprocessableEntity, "PLATFORM_REJECTED", "Payment platform rejected the request"}
	ErrPlatformTimeout     = &AppError{http.StatusGatewayTimeout, "PLATFORM_TIMEOUT", "Payment platform did not respond in time"}
	ErrMisconfigured       = &AppError{http.StatusServiceUnavailable, "CONFIGURATION_ERROR", "Service is not configured for this operation"}

	ErrMissingIdempotencyKey = &AppError{http.StatusBadRequest, "MISSING_IDEMPOTENCY_KEY", "Idempotency-Key header is required"}
	ErrIdempotencyConflict   = &AppError{http.StatusConflict, "IDEMPOTENCY_CONFLICT", "Idempotency key already used with a different request"}
)
