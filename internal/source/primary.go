package source

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/atakhan/whatsapp-to-tg/internal/record"
)

// PrimaryStateSource reads the already-complete chat collection from the
// host application's own in-memory model in one shot. It is the only
// strategy whose records earn integrity "verified".
//
// The model shape drifts across application versions, so Init verifies the
// expected keys before any field is trusted. On shape mismatch or an
// unreachable model the source fails with ErrSourceUnavailable; it never
// returns partial or garbled data.
type PrimaryStateSource struct {
	target TargetSession
	cfg    Config
	logger *slog.Logger

	snapshot []byte
	total    int
	hasTotal bool
	fetched  bool
	knownIDs []string
}

// NewPrimaryStateSource creates the primary source for one session.
func NewPrimaryStateSource(target TargetSession, cfg Config, logger *slog.Logger) *PrimaryStateSource {
	return &PrimaryStateSource{
		target: target,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Name implements Source.
func (p *PrimaryStateSource) Name() record.SourceTag { return record.SourcePrimary }

// Init reads a state snapshot and runs the schema-drift guard.
func (p *PrimaryStateSource) Init(ctx context.Context) error {
	snap, err := p.target.StateModel(ctx)
	if err != nil {
		return fmt.Errorf("%w: read state model: %v", ErrSourceUnavailable, err)
	}

	if !gjson.ValidBytes(snap) {
		return fmt.Errorf("%w: state snapshot is not valid JSON", ErrSourceUnavailable)
	}

	chats := gjson.GetBytes(snap, "chats")
	if !chats.Exists() {
		return fmt.Errorf("%w: state model has no chats collection", ErrSourceUnavailable)
	}
	if !chats.IsArray() {
		return fmt.Errorf("%w: chats collection is %s, expected array", ErrSourceUnavailable, chats.Type)
	}

	p.snapshot = snap

	if count := gjson.GetBytes(snap, "chatCount"); count.Exists() {
		if count.Type != gjson.Number {
			return fmt.Errorf("%w: chatCount is %s, expected number", ErrSourceUnavailable, count.Type)
		}
		p.total = int(count.Int())
	} else {
		p.total = len(chats.Array())
	}
	p.hasTotal = true

	p.logger.Info("primary state source initialized", "total", p.total)
	return nil
}

// FetchBatch decodes the whole snapshot into raw records in one batch.
func (p *PrimaryStateSource) FetchBatch(ctx context.Context) ([]record.RawRecord, error) {
	if p.fetched {
		return nil, nil
	}

	entries := gjson.GetBytes(p.snapshot, "chats").Array()
	raws := make([]record.RawRecord, 0, len(entries))
	decodeErrs := 0

	for i, entry := range entries {
		if !entry.IsObject() {
			decodeErrs++
			p.logger.Warn("skipping malformed state entry", "index", i, "type", entry.Type.String())
			if decodeErrs > p.cfg.DecodeBudget {
				return nil, fmt.Errorf("%w: %d malformed state entries", ErrDecodeBudget, decodeErrs)
			}
			continue
		}
		raw := record.RawRecord{Source: record.SourcePrimary, Payload: primaryPayload(entry)}
		if jid := raw.Str("jid"); jid != "" {
			p.knownIDs = append(p.knownIDs, jid)
		}
		raws = append(raws, raw)
	}

	p.fetched = true
	p.logger.Info("fetched chats from state model", "count", len(raws), "skipped", decodeErrs)
	return raws, nil
}

// primaryPayload maps one state-model entry into the primary raw shape.
// The model stores ids in several layouts depending on version; each form
// is tried in turn, the same way the host application's own accessors do.
func primaryPayload(entry gjson.Result) map[string]any {
	payload := map[string]any{}

	jid := entry.Get("id._serialized").String()
	if jid == "" && entry.Get("id").Type == gjson.String {
		jid = entry.Get("id").String()
	}
	if jid != "" {
		payload["jid"] = jid
	}

	wid := entry.Get("wid._serialized").String()
	if wid == "" && entry.Get("wid").Type == gjson.String {
		wid = entry.Get("wid").String()
	}
	if wid != "" {
		payload["wid"] = wid
	}

	name := entry.Get("name").String()
	if name == "" {
		name = entry.Get("contact.name").String()
	}
	if name == "" {
		name = entry.Get("formattedTitle").String()
	}
	if name != "" {
		payload["name"] = name
	}

	ref := jid
	if ref == "" {
		ref = wid
	}
	if g := entry.Get("isGroup"); g.Exists() {
		payload["isGroup"] = g.Bool()
	} else if strings.HasSuffix(ref, "@g.us") {
		payload["isGroup"] = true
	}
	if strings.HasSuffix(ref, "@broadcast") {
		payload["isBroadcast"] = true
	}

	if u := entry.Get("unreadCount"); u.Exists() {
		payload["unreadCount"] = int(u.Int())
	}

	avatar := entry.Get("avatar.url").String()
	if avatar == "" {
		avatar = entry.Get("profilePicUrl").String()
	}
	if avatar != "" {
		payload["avatarUrl"] = avatar
	}

	return payload
}

// IsComplete is true immediately after the first successful fetch.
func (p *PrimaryStateSource) IsComplete() bool { return p.fetched }

// Exhausted implements Source; the primary source completes instead of
// exhausting.
func (p *PrimaryStateSource) Exhausted() bool { return false }

// TotalExpected returns the model's own count.
func (p *PrimaryStateSource) TotalExpected() (int, bool) { return p.total, p.hasTotal }

// KnownIDs implements Enumerator with the ids seen in the snapshot.
func (p *PrimaryStateSource) KnownIDs() []string { return p.knownIDs }

// Close implements Source. The snapshot holds no external resources.
func (p *PrimaryStateSource) Close() error { return nil }
