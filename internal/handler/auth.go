package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tec-labs/pi-payments/internal/auth"
	"github.com/tec-labs/pi-payments/internal/logging"
)

// AuthHandler rotates session token pairs. Sign-in happens on the platform
// side; this service only refreshes the pair it issued.
type AuthHandler struct {
	secret     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewAuthHandler(secret string, accessTTL, refreshTTL time.Duration) *AuthHandler {
	return &AuthHandler{secret: secret, accessTTL: accessTTL, refreshTTL: refreshTTL}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if req.RefreshToken == "" {
		RespondValidationError(w, []FieldError{{Field: "refresh_token", Message: "refresh_token is required"}})
		return
	}

	claims, err := auth.ValidateRefreshToken(req.RefreshToken, h.secret)
	if err != nil {
		RespondAppError(w, ErrSessionExpired, nil)
		return
	}

	pair, err := auth.GenerateTokenPair(claims.UserID, h.secret, h.accessTTL, h.refreshTTL)
	if err != nil {
		logging.FromContext(r.Context()).Error("failed to generate token pair", "error", err)
		RespondAppError(w, ErrInternalError, nil)
		return
	}

	RespondSuccess(w, http.StatusOK, pair)
}
