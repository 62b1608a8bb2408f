package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tec-labs/pi-payments/internal/domain"
)

// KVRepository is a small persisted string store, used for device-scoped
// state such as client session tokens.
type KVRepository struct {
	db *sql.DB
}

func NewKVRepository(db *sql.DB) *KVRepository {
	return &KVRepository{db: db}
}

func (r *KVRepository) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM kv_store WHERE key = $1`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("Get: %q: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("Get: %w", err)
	}
	return value, nil
}

func (r *KVRepository) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO kv_store (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("Set: %w", err)
	}
	return nil
}

func (r *KVRepository) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM kv_store WHERE key = $1`, key,
	)
	if err != nil {
		return fmt.Errorf("Delete: %w", err)
	}
	return nil
}
