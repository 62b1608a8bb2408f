package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tec-labs/pi-payments/internal/domain"
)

type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data"`
	Error   *APIError `json:"error"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func RespondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func RespondSuccess(w http.ResponseWriter, status int, data any) {
	RespondJSON(w, status, APIResponse{
		Success: true,
		Data:    data,
		Error:   nil,
	})
}

func RespondAppError(w http.ResponseWriter, appErr *AppError, details any) {
	RespondJSON(w, appErr.Status, APIResponse{
		Success: false,
		Data:    nil,
		Error: &APIError{
			Code:    appErr.Code,
			Message: appErr.Message,
			Details: details,
		},
	})
}

func RespondValidationError(w http.ResponseWriter, fields []FieldError) {
	RespondAppError(w, ErrValidationFailed, fields)
}

func RespondDomainError(w http.ResponseWriter, err error) {
	var appErr *AppError

	switch {
	case errors.Is(err, domain.ErrNotFound):
		appErr = ErrResourceNotFound
	case errors.Is(err, domain.ErrInvalidAmount):
		appErr = ErrInvalidAmount
	case errors.Is(err, domain.ErrMemoTooLong):
		appErr = ErrMemoTooLong
	case errors.Is(err, domain.ErrInvalidExternalID):
		appErr = ErrInvalidIdentifier
	case errors.Is(err, domain.ErrValidation):
		appErr = ErrValidationFailed
	case errors.Is(err, domain.ErrInvalidStatusTransition):
		appErr = ErrInvalidTransition
	case errors.Is(err, domain.ErrDuplicatePayment):
		appErr = ErrDuplicatePayment
	case errors.Is(err, domain.ErrTimeout):
		appErr = ErrPlatformTimeout
	case errors.Is(err, domain.ErrPlatformUnavailable):
		appErr = ErrPlatformUnavailable
	case errors.Is(err, domain.ErrPlatformRejected):
		appErr = ErrPlatformRejected
	case errors.Is(err, domain.ErrSessionExpired):
		appErr = ErrSessionExpired
	case errors.Is(err, domain.ErrConfiguration):
		appErr = ErrMisconfigured
	default:
		slog.Error("unhandled domain error", "error", err)
		appErr = ErrInternalError
	}

	RespondAppError(w, appErr, nil)
}
