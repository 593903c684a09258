// Package store persists terminated extraction sessions and their
// record sets in Postgres.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// EnsureSchema creates the extraction tables if they do not exist yet.
// Idempotent, run once at startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS extraction_sessions (
			id              UUID PRIMARY KEY,
			target_ref      TEXT NOT NULL,
			source_used     TEXT NOT NULL,
			completeness    TEXT NOT NULL,
			collected_count INTEGER NOT NULL,
			expected_total  INTEGER,
			missing_ids     TEXT[],
			started_at      TIMESTAMPTZ NOT NULL,
			finished_at     TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_records (
			extraction_id UUID NOT NULL REFERENCES extraction_sessions(id) ON DELETE CASCADE,
			position      INTEGER NOT NULL,
			canonical_id  TEXT NOT NULL,
			kind          TEXT NOT NULL,
			display_name  TEXT NOT NULL DEFAULT '',
			avatar_ref    TEXT NOT NULL DEFAULT '',
			unread_count  INTEGER NOT NULL DEFAULT 0,
			source        TEXT NOT NULL,
			integrity     TEXT NOT NULL,
			PRIMARY KEY (extraction_id, canonical_id)
		)`,
		`CREATE TABLE IF NOT EXISTS extraction_anomalies (
			id            BIGSERIAL PRIMARY KEY,
			extraction_id UUID NOT NULL REFERENCES extraction_sessions(id) ON DELETE CASCADE,
			kind          TEXT NOT NULL,
			details       JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_extraction_sessions_target
			ON extraction_sessions (target_ref, finished_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
