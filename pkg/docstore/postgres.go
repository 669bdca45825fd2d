package docstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps documents in the documents table (see pkg/database/migrations).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps a migrated pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Load selects the document body for key.
func (s *PostgresStore) Load(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	const q = `SELECT body FROM documents WHERE key = $1`
	var body []byte
	if err := s.pool.QueryRow(ctx, q, key).Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, loadErr(key, err)
	}
	return body, nil
}

// Save upserts the document body for key.
func (s *PostgresStore) Save(ctx context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	const q = `INSERT INTO documents (key, body, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET body = EXCLUDED.body, updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, q, key, data); err != nil {
		return saveErr(key, err)
	}
	return nil
}
