package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/atakhan/whatsapp-to-tg/internal/orchestrator"
	"github.com/atakhan/whatsapp-to-tg/internal/record"
)

// ErrNotFound is returned when no extraction exists under the given id.
var ErrNotFound = errors.New("extraction not found")

// StoredExtraction is one persisted session with its final result.
type StoredExtraction struct {
	Meta   orchestrator.Meta
	Result record.Result
}

// SaveExtraction writes a terminated session, its record set and its
// anomalies in one transaction. Satisfies orchestrator.Store.
func (s *Store) SaveExtraction(ctx context.Context, meta orchestrator.Meta, final record.Result) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO extraction_sessions (id, target_ref, source_used, completeness, collected_count, expected_total, missing_ids, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		meta.ID, meta.TargetRef, final.SourceUsed, final.Completeness,
		final.CollectedCount, final.ExpectedTotal, final.MissingIDs,
		meta.StartedAt, meta.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	for i, rec := range final.Records {
		_, err = tx.Exec(ctx, `
			INSERT INTO conversation_records (extraction_id, position, canonical_id, kind, display_name, avatar_ref, unread_count, source, integrity)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			meta.ID, i, rec.ID, rec.Kind, rec.DisplayName, rec.AvatarRef,
			rec.UnreadCount, rec.Source, rec.Integrity,
		)
		if err != nil {
			return fmt.Errorf("insert record %s: %w", rec.ID, err)
		}
	}

	for _, a := range final.Anomalies {
		_, err = tx.Exec(ctx, `
			INSERT INTO extraction_anomalies (extraction_id, kind, details)
			VALUES ($1, $2, $3)`,
			meta.ID, a.Kind, a.Details,
		)
		if err != nil {
			return fmt.Errorf("insert anomaly: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetExtraction loads one persisted session with its records and
// anomalies, in original publish order.
func (s *Store) GetExtraction(ctx context.Context, id uuid.UUID) (StoredExtraction, error) {
	var out StoredExtraction
	out.Meta.ID = id
	out.Result.IsFinal = true

	err := s.pool.QueryRow(ctx, `
		SELECT target_ref, source_used, completeness, collected_count, expected_total, missing_ids, started_at, finished_at
		FROM extraction_sessions WHERE id = $1`, id,
	).Scan(
		&out.Meta.TargetRef, &out.Result.SourceUsed, &out.Result.Completeness,
		&out.Result.CollectedCount, &out.Result.ExpectedTotal, &out.Result.MissingIDs,
		&out.Meta.StartedAt, &out.Meta.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return StoredExtraction{}, ErrNotFound
	}
	if err != nil {
		return StoredExtraction{}, fmt.Errorf("select session: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT canonical_id, kind, display_name, avatar_ref, unread_count, source, integrity
		FROM conversation_records WHERE extraction_id = $1 ORDER BY position`, id)
	if err != nil {
		return StoredExtraction{}, fmt.Errorf("select records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rec record.ConversationRecord
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.DisplayName, &rec.AvatarRef, &rec.UnreadCount, &rec.Source, &rec.Integrity); err != nil {
			return StoredExtraction{}, fmt.Errorf("scan record: %w", err)
		}
		out.Result.Records = append(out.Result.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return StoredExtraction{}, fmt.Errorf("iterate records: %w", err)
	}

	arows, err := s.pool.Query(ctx, `
		SELECT kind, details FROM extraction_anomalies WHERE extraction_id = $1 ORDER BY id`, id)
	if err != nil {
		return StoredExtraction{}, fmt.Errorf("select anomalies: %w", err)
	}
	defer arows.Close()
	for arows.Next() {
		var a record.Anomaly
		if err := arows.Scan(&a.Kind, &a.Details); err != nil {
			return StoredExtraction{}, fmt.Errorf("scan anomaly: %w", err)
		}
		out.Result.Anomalies = append(out.Result.Anomalies, a)
	}
	if err := arows.Err(); err != nil {
		return StoredExtraction{}, fmt.Errorf("iterate anomalies: %w", err)
	}

	return out, nil
}

// ListExtractions returns session summaries for a target, newest first.
// Records and anomalies are not loaded.
func (s *Store) ListExtractions(ctx context.Context, targetRef string, limit int) ([]StoredExtraction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, target_ref, source_used, completeness, collected_count, expected_total, started_at, finished_at
		FROM extraction_sessions WHERE target_ref = $1
		ORDER BY finished_at DESC LIMIT $2`, targetRef, limit)
	if err != nil {
		return nil, fmt.Errorf("select sessions: %w", err)
	}
	defer rows.Close()

	var out []StoredExtraction
	for rows.Next() {
		var se StoredExtraction
		se.Result.IsFinal = true
		if err := rows.Scan(&se.Meta.ID, &se.Meta.TargetRef, &se.Result.SourceUsed, &se.Result.Completeness,
			&se.Result.CollectedCount, &se.Result.ExpectedTotal, &se.Meta.StartedAt, &se.Meta.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, se)
	}
	return out, rows.Err()
}
