// Package identity derives stable conversation ids from raw records and
// flags ambiguity. Identity is never derived from display text, formatted
// labels, or any locale-dependent rendering: those values truncate,
// localize, and collide. A record with no identity-bearing structured
// field is dropped rather than given a synthesized id, which would cause
// false merges downstream.
package identity

import (
	"log/slog"
	"strings"

	"github.com/atakhan/whatsapp-to-tg/internal/record"
)

// Rule is the chain link that produced an id, in descending trust order.
type Rule int

const (
	RulePrimaryField Rule = iota // canonical id field (jid)
	RuleAliasField               // secondary alias field (wid)
	RuleServerField              // payload-embedded server id
	RuleDerivedKey               // last-resort key derived from a structural ref
)

func (r Rule) String() string {
	switch r {
	case RulePrimaryField:
		return "primary-field"
	case RuleAliasField:
		return "alias-field"
	case RuleServerField:
		return "server-field"
	default:
		return "derived-key"
	}
}

// Resolution is the outcome of id extraction for one raw record.
type Resolution struct {
	ID   string
	Rule Rule

	// Ambiguous is set when a higher-priority candidate existed but was
	// invalid, so a lower-priority rule decided the identity.
	Ambiguous bool
}

// Resolver extracts canonical ids through source-specific priority chains
// of structured fields.
type Resolver struct {
	logger *slog.Logger
}

// NewResolver creates a resolver.
func NewResolver(logger *slog.Logger) *Resolver {
	return &Resolver{logger: logger}
}

// Resolve extracts the canonical id for a raw record. The second return
// is false when no field in the chain yields a value; such records must
// be dropped with an unresolvable-identity anomaly, never given an id.
func (r *Resolver) Resolve(raw record.RawRecord) (Resolution, bool) {
	switch raw.Source {
	case record.SourcePrimary, record.SourceIntercept:
		return r.resolveAddressed(raw)
	case record.SourceView:
		return r.resolveView(raw)
	}
	return Resolution{}, false
}

// resolveAddressed handles the primary and intercept chains:
// jid → wid → server id → user id.
func (r *Resolver) resolveAddressed(raw record.RawRecord) (Resolution, bool) {
	skippedHigher := false

	if jid := raw.Str("jid"); jid != "" {
		if validAddress(jid) {
			return Resolution{ID: jid, Rule: RulePrimaryField, Ambiguous: false}, true
		}
		r.logger.Warn("invalid jid, trying alias chain", "jid", jid, "source", raw.Source)
		skippedHigher = true
	}

	if wid := raw.Str("wid"); wid != "" {
		return Resolution{ID: wid, Rule: RuleAliasField, Ambiguous: skippedHigher}, true
	}

	if raw.Source == record.SourceIntercept {
		if sid := raw.Str("serverId"); sid != "" {
			return Resolution{ID: sid, Rule: RuleServerField, Ambiguous: skippedHigher}, true
		}
		if user := raw.Str("userId"); user != "" {
			return Resolution{ID: user, Rule: RuleServerField, Ambiguous: skippedHigher}, true
		}
	}

	return Resolution{}, false
}

// resolveView handles the rendered-view chain: the row's data-id
// attribute, then a key derived from its structural ref. Display titles
// are never consulted.
func (r *Resolver) resolveView(raw record.RawRecord) (Resolution, bool) {
	if dataID := raw.Str("dataId"); dataID != "" {
		return Resolution{ID: dataID, Rule: RulePrimaryField}, true
	}
	if ref := raw.Str("ref"); ref != "" {
		if key := derivedKey(ref); key != "" {
			return Resolution{ID: key, Rule: RuleDerivedKey, Ambiguous: true}, true
		}
	}
	return Resolution{}, false
}

// derivedKey extracts the trailing path segment of a row ref, e.g.
// "/chat/4915...@c.us" → "4915...@c.us".
func derivedKey(ref string) string {
	ref = strings.TrimRight(ref, "/")
	if i := strings.LastIndexByte(ref, '/'); i >= 0 {
		ref = ref[i+1:]
	}
	return strings.TrimSpace(ref)
}

// validAddress reports whether an id looks like a proper chat address
// (user@server).
func validAddress(id string) bool {
	i := strings.IndexByte(id, '@')
	return i > 0 && i < len(id)-1
}

// Unresolvable builds the anomaly recorded when a raw record carries no
// identity-bearing field.
func Unresolvable(raw record.RawRecord) record.Anomaly {
	return record.Anomaly{
		Kind: record.AnomalyUnresolvableIdentity,
		Details: map[string]any{
			"source":  string(raw.Source),
			"payload": raw.Payload,
		},
	}
}

// Conflicting reports whether two records with the same id disagree on
// canonical fields.
func Conflicting(a, b record.ConversationRecord) bool {
	if a.DisplayName != b.DisplayName && a.DisplayName != "" && b.DisplayName != "" {
		return true
	}
	return a.Kind != b.Kind
}

// DuplicateConflict builds the anomaly for a conflicting duplicate,
// recording both candidates. The survivor is always the first record seen.
func DuplicateConflict(survivor, dropped record.ConversationRecord) record.Anomaly {
	return record.Anomaly{
		Kind: record.AnomalyDuplicateIDConflict,
		Details: map[string]any{
			"id":       survivor.ID,
			"survivor": candidate(survivor),
			"dropped":  candidate(dropped),
		},
	}
}

func candidate(rec record.ConversationRecord) map[string]any {
	return map[string]any{
		"display_name": rec.DisplayName,
		"kind":         string(rec.Kind),
		"source":       string(rec.Source),
		"integrity":    string(rec.Integrity),
	}
}

// DetectAmbiguities scans a final record set for duplicate ids with
// conflicting canonical fields, and, when a reference enumeration is
// available, for expected ids absent from the collected output.
func (r *Resolver) DetectAmbiguities(records []record.ConversationRecord, expectedIDs []string) []record.Anomaly {
	var anomalies []record.Anomaly

	byID := make(map[string]record.ConversationRecord, len(records))
	for _, rec := range records {
		prev, seen := byID[rec.ID]
		if !seen {
			byID[rec.ID] = rec
			continue
		}
		if Conflicting(prev, rec) {
			anomalies = append(anomalies, DuplicateConflict(prev, rec))
		}
	}

	for _, id := range MissingExpected(expectedIDs, byID) {
		anomalies = append(anomalies, record.Anomaly{
			Kind:    record.AnomalyMissingExpectedID,
			Details: map[string]any{"id": id},
		})
	}

	return anomalies
}

// MissingExpected returns the ids present in the reference enumeration but
// absent from the collected set, preserving enumeration order.
func MissingExpected[V any](expected []string, collected map[string]V) []string {
	var missing []string
	for _, id := range expected {
		if _, ok := collected[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}
