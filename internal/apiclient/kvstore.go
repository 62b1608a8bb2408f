package apiclient

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tec-labs/pi-payments/internal/domain"
)

const (
	accessTokenKey  = "session.access_token"
	refreshTokenKey = "session.refresh_token"

	kvTimeout = 2 * time.Second
)

// KV is the persisted string store the token store writes through to.
// *repository.KVRepository satisfies it.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// KVStore keeps the token pair in memory and writes it through to a
// persisted store, so sessions survive restarts. Reads are served from
// memory; persistence failures are logged and do not fail the caller.
type KVStore struct {
	kv KV

	mu      sync.RWMutex
	access  string
	refresh string
}

// NewKVStore loads any previously persisted token pair. A missing pair is
// not an error, the store just starts empty.
func NewKVStore(ctx context.Context, kv KV) (*KVStore, error) {
	s := &KVStore{kv: kv}

	access, err := kv.Get(ctx, accessTokenKey)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	refresh, err := kv.Get(ctx, refreshTokenKey)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	s.access = access
	s.refresh = refresh
	return s, nil
}

func (s *KVStore) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

func (s *KVStore) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refresh
}

func (s *KVStore) SetTokens(access, refresh string) {
	s.mu.Lock()
	s.access = access
	s.refresh = refresh
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), kvTimeout)
	defer cancel()
	if err := s.kv.Set(ctx, accessTokenKey, access); err != nil {
		slog.Warn("failed to persist access token", "error", err)
	}
	if err := s.kv.Set(ctx, refreshTokenKey, refresh); err != nil {
		slog.Warn("failed to persist refresh token", "error", err)
	}
}

func (s *KVStore) Clear() {
	s.mu.Lock()
	s.access = ""
	s.refresh = ""
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), kvTimeout)
	defer cancel()
	if err := s.kv.Delete(ctx, accessTokenKey); err != nil {
		slog.Warn("failed to clear access token", "error", err)
	}
	if err := s.kv.Delete(ctx, refreshTokenKey); err != nil {
		slog.Warn("failed to clear refresh token", "error", err)
	}
}
