// Package normalize maps raw per-source payloads into the canonical
// ConversationRecord shape. Each source has its own field-mapping table;
// the output shape is uniform regardless of source.
package normalize

import (
	"log/slog"
	"strings"

	"github.com/atakhan/whatsapp-to-tg/internal/identity"
	"github.com/atakhan/whatsapp-to-tg/internal/record"
)

// fieldMap names the payload keys one source uses for each canonical
// field.
type fieldMap struct {
	name      string
	group     string
	broadcast string
	unread    string
	avatar    string
}

var fieldMaps = map[record.SourceTag]fieldMap{
	record.SourcePrimary: {
		name:      "name",
		group:     "isGroup",
		broadcast: "isBroadcast",
		unread:    "unreadCount",
		avatar:    "avatarUrl",
	},
	record.SourceIntercept: {
		name:      "name",
		group:     "isGroup",
		broadcast: "isBroadcast",
		unread:    "unread",
		avatar:    "avatar",
	},
	record.SourceView: {
		name:      "title",
		group:     "group",
		broadcast: "broadcast",
		unread:    "unread",
		avatar:    "avatar",
	},
}

// Normalizer converts raw records into conversation records.
type Normalizer struct {
	resolver *identity.Resolver
	logger   *slog.Logger
}

// New creates a normalizer backed by the given identity resolver.
func New(resolver *identity.Resolver, logger *slog.Logger) *Normalizer {
	return &Normalizer{resolver: resolver, logger: logger}
}

// Normalize maps one raw record using the already-extracted resolution.
func (n *Normalizer) Normalize(raw record.RawRecord, res identity.Resolution) record.ConversationRecord {
	fm := fieldMaps[raw.Source]

	return record.ConversationRecord{
		ID:          res.ID,
		Kind:        inferKind(raw, fm),
		DisplayName: strings.TrimSpace(raw.Str(fm.name)),
		AvatarRef:   strings.TrimSpace(raw.Str(fm.avatar)),
		UnreadCount: raw.Int(fm.unread),
		Source:      raw.Source,
		Integrity:   integrityFor(raw.Source, res),
		RawPayload:  raw.Payload,
	}
}

// NormalizeBatch normalizes a batch, preserving input order. Raw records
// whose identity cannot be resolved are dropped and reported as anomalies
// rather than given a synthesized id.
func (n *Normalizer) NormalizeBatch(raws []record.RawRecord) ([]record.ConversationRecord, []record.Anomaly) {
	records := make([]record.ConversationRecord, 0, len(raws))
	var anomalies []record.Anomaly

	for _, raw := range raws {
		res, ok := n.resolver.Resolve(raw)
		if !ok {
			n.logger.Warn("dropping record with unresolvable identity", "source", raw.Source)
			anomalies = append(anomalies, identity.Unresolvable(raw))
			continue
		}
		records = append(records, n.Normalize(raw, res))
	}
	return records, anomalies
}

// inferKind applies the explicit kind priority: group flag, then broadcast
// flag, then personal.
func inferKind(raw record.RawRecord, fm fieldMap) record.Kind {
	if raw.Bool(fm.group) {
		return record.KindGroup
	}
	if raw.Bool(fm.broadcast) {
		return record.KindBroadcast
	}
	return record.KindPersonal
}

// integrityFor assigns the confidence tier. Verified is reserved for the
// primary-state strategy; intercept and view records with a trusted id
// field are fallback; anything resolved through a lower-priority rule or
// past an invalid higher-priority candidate is ambiguous.
func integrityFor(source record.SourceTag, res identity.Resolution) record.Integrity {
	if source == record.SourcePrimary {
		return record.IntegrityVerified
	}
	if res.Ambiguous || res.Rule == identity.RuleDerivedKey {
		return record.IntegrityAmbiguous
	}
	return record.IntegrityFallback
}
