//go:build integration

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/atakhan/whatsapp-to-tg/internal/orchestrator"
	"github.com/atakhan/whatsapp-to-tg/internal/record"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func TestIntegration_SaveAndGetExtraction(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	total := 3
	meta := orchestrator.Meta{
		ID:         uuid.New(),
		TargetRef:  "integration-test-" + uuid.New().String()[:8],
		StartedAt:  time.Now().UTC().Add(-time.Minute),
		FinishedAt: time.Now().UTC(),
	}
	final := record.Result{
		IsFinal:        true,
		Completeness:   record.Partial,
		SourceUsed:     record.SourceIntercept,
		CollectedCount: 2,
		ExpectedTotal:  &total,
		MissingIDs:     []string{"333@c.us"},
		Records: []record.ConversationRecord{
			{ID: "111@c.us", Kind: record.KindPersonal, DisplayName: "Alice", UnreadCount: 2, Source: record.SourceIntercept, Integrity: record.IntegrityFallback},
			{ID: "222@g.us", Kind: record.KindGroup, DisplayName: "Team", Source: record.SourceIntercept, Integrity: record.IntegrityFallback},
		},
		Anomalies: []record.Anomaly{
			{Kind: record.AnomalyMissingExpectedID, Details: map[string]any{"id": "333@c.us"}},
		},
	}

	if err := s.SaveExtraction(ctx, meta, final); err != nil {
		t.Fatalf("SaveExtraction failed: %v", err)
	}

	got, err := s.GetExtraction(ctx, meta.ID)
	if err != nil {
		t.Fatalf("GetExtraction failed: %v", err)
	}
	if got.Meta.TargetRef != meta.TargetRef {
		t.Errorf("target_ref = %q, want %q", got.Meta.TargetRef, meta.TargetRef)
	}
	if got.Result.Completeness != record.Partial {
		t.Errorf("completeness = %q, want partial", got.Result.Completeness)
	}
	if len(got.Result.Records) != 2 {
		t.Fatalf("records = %d, want 2", len(got.Result.Records))
	}
	if got.Result.Records[0].ID != "111@c.us" || got.Result.Records[1].ID != "222@g.us" {
		t.Errorf("record order not preserved: %v", got.Result.Records)
	}
	if got.Result.ExpectedTotal == nil || *got.Result.ExpectedTotal != 3 {
		t.Errorf("expected_total not round-tripped: %v", got.Result.ExpectedTotal)
	}
	if len(got.Result.Anomalies) != 1 || got.Result.Anomalies[0].Kind != record.AnomalyMissingExpectedID {
		t.Errorf("anomalies not round-tripped: %v", got.Result.Anomalies)
	}

	list, err := s.ListExtractions(ctx, meta.TargetRef, 10)
	if err != nil {
		t.Fatalf("ListExtractions failed: %v", err)
	}
	if len(list) != 1 || list[0].Meta.ID != meta.ID {
		t.Errorf("ListExtractions = %v, want the saved session", list)
	}
}

func TestIntegration_GetExtractionNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetExtraction(context.Background(), uuid.New())
	if err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
