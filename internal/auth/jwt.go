package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	kindAccess  = "access"
	kindRefresh = "refresh"
)

type Claims struct {
	UserID uuid.UUID
}

type tokenClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Kind   string `json:"kind"`
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// GenerateTokenPair issues a short-lived access token and a long-lived
// refresh token. The kind claim keeps the two from being swapped: a refresh
// token never authenticates a request and an access token never mints a new
// pair.
func GenerateTokenPair(userID uuid.UUID, secret string, accessTTL, refreshTTL time.Duration) (*TokenPair, error) {
	access, err := generateToken(userID, kindAccess, secret, accessTTL)
	if err != nil {
		return nil, fmt.Errorf("GenerateTokenPair: %w", err)
	}
	refresh, err := generateToken(userID, kindRefresh, secret, refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("GenerateTokenPair: %w", err)
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func generateToken(userID uuid.UUID, kind, secret string, expiry time.Duration) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		UserID: userID.String(),
		Kind:   kind,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("generateToken: %w", err)
	}
	return signed, nil
}

func ValidateAccessToken(tokenString, secret string) (*Claims, error) {
	return validateToken(tokenString, kindAccess, secret)
}

func ValidateRefreshToken(tokenString, secret string) (*Claims, error) {
	return validateToken(tokenString, kindRefresh, secret)
}

func validateToken(tokenString, kind, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("validateToken: %w", err)
	}

	tc, ok := token.Claims.(*tokenClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("validateToken: invalid token claims")
	}
	if tc.Kind != kind {
		return nil, fmt.Errorf("validateToken: token kind %q, want %q", tc.Kind, kind)
	}

	userID, err := uuid.Parse(tc.UserID)
	if err != nil {
		return nil, fmt.Errorf("validateToken: invalid user_id in token: %w", err)
	}

	return &Claims{UserID: userID}, nil
}
