package record

import (
	"time"

	"github.com/google/uuid"
)

// SourceTag identifies which extraction strategy produced a record.
type SourceTag string

const (
	SourcePrimary   SourceTag = "primary"   // host application's in-memory model
	SourceIntercept SourceTag = "intercept" // low-level network interception
	SourceView      SourceTag = "view"      // rendered view (last-resort fallback)
)

// Kind is the conversation type.
type Kind string

const (
	KindPersonal  Kind = "personal"
	KindGroup     Kind = "group"
	KindBroadcast Kind = "broadcast"
)

// Integrity is the confidence tier of a record, derived from which source
// produced it and which identity rule matched.
type Integrity string

const (
	IntegrityVerified  Integrity = "verified"
	IntegrityFallback  Integrity = "fallback"
	IntegrityAmbiguous Integrity = "ambiguous"
)

// RawRecord is the source-specific, pre-normalization unit of extracted data.
// Payload is the opaque per-source shape; the normalizer and identity
// resolver dispatch on Source through per-source field-mapping tables.
type RawRecord struct {
	Source  SourceTag
	Payload map[string]any
}

// Str returns a string payload field, or "" if absent or not a string.
func (r RawRecord) Str(key string) string {
	v, _ := r.Payload[key].(string)
	return v
}

// Bool returns a bool payload field, or false if absent or not a bool.
func (r RawRecord) Bool(key string) bool {
	v, _ := r.Payload[key].(bool)
	return v
}

// Int returns an integer payload field. JSON decoding yields float64, so
// both int and float64 are accepted.
func (r RawRecord) Int(key string) int {
	switch v := r.Payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// ConversationRecord is the canonical, cross-source DTO for one conversation
// entity. Immutable once created.
type ConversationRecord struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	DisplayName string         `json:"display_name,omitempty"`
	AvatarRef   string         `json:"avatar_ref,omitempty"`
	UnreadCount int            `json:"unread_count"`
	Source      SourceTag      `json:"source"`
	Integrity   Integrity      `json:"integrity"`
	RawPayload  map[string]any `json:"raw_payload,omitempty"`
}

// AnomalyKind classifies irregularities detected during extraction.
type AnomalyKind string

const (
	AnomalyDuplicateIDConflict  AnomalyKind = "duplicate-id-conflicting-fields"
	AnomalyMissingExpectedID    AnomalyKind = "missing-expected-id"
	AnomalyUnresolvableIdentity AnomalyKind = "unresolvable-identity"
	AnomalyGapSizeKnown         AnomalyKind = "gap-size-known-ids-unknown"
	AnomalyFallbackExhausted    AnomalyKind = "fallback-exhausted"
)

// Anomaly records a single irregularity with enough detail to diagnose it.
type Anomaly struct {
	Kind    AnomalyKind    `json:"kind"`
	Details map[string]any `json:"details,omitempty"`
}

// Completeness of an extraction session.
const (
	Complete = "complete"
	Partial  = "partial"
)

// ExtractionSession is the bookkeeping for one end-to-end orchestrator run
// against one target. Created at orchestrator start, mutated only by the
// owning orchestrator, frozen at termination.
type ExtractionSession struct {
	ID            uuid.UUID
	TargetRef     string
	SourceUsed    SourceTag
	ExpectedTotal *int
	CollectedIDs  map[string]struct{}
	MissingIDs    []string
	Anomalies     []Anomaly
	StartedAt     time.Time
	FinishedAt    time.Time
}

// NewSession creates a fresh session for the given target.
func NewSession(id uuid.UUID, targetRef string) *ExtractionSession {
	return &ExtractionSession{
		ID:           id,
		TargetRef:    targetRef,
		CollectedIDs: make(map[string]struct{}),
		StartedAt:    time.Now().UTC(),
	}
}

// Reset clears all per-source state for a clean handoff after a source
// downgrade. Already-collected ids are not seeded into the next source:
// carrying state across an integrity-tier boundary would blur the
// verified/fallback/ambiguous guarantees, at the cost of some redundant
// refetching.
func (s *ExtractionSession) Reset() {
	s.CollectedIDs = make(map[string]struct{})
	s.MissingIDs = nil
	s.Anomalies = nil
	s.ExpectedTotal = nil
}

// Freeze marks the session terminated. No mutation happens afterwards.
func (s *ExtractionSession) Freeze() {
	s.FinishedAt = time.Now().UTC()
}

// AddAnomaly appends an anomaly to the session.
func (s *ExtractionSession) AddAnomaly(a Anomaly) {
	s.Anomalies = append(s.Anomalies, a)
}

// Collected returns the number of distinct ids collected so far.
func (s *ExtractionSession) Collected() int {
	return len(s.CollectedIDs)
}

// Result is one element of the incremental sequence returned by
// streamExtract. Intermediate results carry the batch that produced them;
// the terminal result carries the full record set and IsFinal=true.
type Result struct {
	Records        []ConversationRecord `json:"records"`
	IsFinal        bool                 `json:"is_final"`
	Completeness   string               `json:"completeness"`
	CollectedCount int                  `json:"collected_count"`
	ExpectedTotal  *int                 `json:"expected_total,omitempty"`
	MissingIDs     []string             `json:"missing_ids,omitempty"`
	Anomalies      []Anomaly            `json:"anomalies,omitempty"`
	SourceUsed     SourceTag            `json:"source_used"`
}
