package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps capture objects in a single table; Put is an upsert.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Put(ctx context.Context, key, contentType string, body []byte) (UploadInfo, error) {
	if err := validateKey(key); err != nil {
		return UploadInfo{}, err
	}
	info := describe(contentType, body)
	_, err := s.pool.Exec(ctx, `
INSERT INTO capture_objects (key, content_type, body, size, sha256, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (key) DO UPDATE SET
	content_type = EXCLUDED.content_type,
	body = EXCLUDED.body,
	size = EXCLUDED.size,
	sha256 = EXCLUDED.sha256,
	updated_at = EXCLUDED.updated_at
`, key, contentType, body, info.Size, info.SHA256, time.Now().UTC())
	if err != nil {
		return UploadInfo{}, fmt.Errorf("put capture %s: %w", key, err)
	}
	return info, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM capture_objects WHERE key = $1`, key).Scan(&body)
	if err == nil {
		return body, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return nil, fmt.Errorf("get capture %s: %w", key, err)
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS capture_objects (
	key TEXT PRIMARY KEY,
	content_type TEXT NOT NULL,
	body BYTEA NOT NULL,
	size BIGINT NOT NULL,
	sha256 TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`)
	if err != nil {
		return fmt.Errorf("initialize capture schema: %w", err)
	}
	return nil
}
