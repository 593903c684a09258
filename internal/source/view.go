package source

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/atakhan/whatsapp-to-tg/internal/record"
)

// RenderedViewSource scrapes the rendered chat list. It is the last-resort
// fallback: the view is virtualized, renders only a window of rows, and
// evicts rows that may later re-appear at a new offset. Every fetch
// therefore re-queries by current position instead of holding references
// across calls, and emits only rows not yet seen this session.
//
// Completeness is a heuristic: a run of NoNewStreak consecutive fetches
// with zero new rows, with the scroll position at or near the end of the
// list. The same streak away from the end means the view has stalled and
// the source reports exhaustion instead.
type RenderedViewSource struct {
	target TargetSession
	cfg    Config
	logger *slog.Logger

	view     ViewPort
	seen     map[string]struct{}
	noNew    int
	pos      ScrollPos
	advanced bool
}

// NewRenderedViewSource creates the view source for one session.
func NewRenderedViewSource(target TargetSession, cfg Config, logger *slog.Logger) *RenderedViewSource {
	return &RenderedViewSource{
		target: target,
		cfg:    cfg.withDefaults(),
		logger: logger,
		seen:   make(map[string]struct{}),
	}
}

// Name implements Source.
func (v *RenderedViewSource) Name() record.SourceTag { return record.SourceView }

// Init attaches to the view. The view source is the floor of the fallback
// chain: as long as the view answers at all, init succeeds.
func (v *RenderedViewSource) Init(ctx context.Context) error {
	v.view = v.target.View()
	if v.view == nil {
		return fmt.Errorf("%w: target exposes no view", ErrSourceUnavailable)
	}
	return nil
}

// FetchBatch advances the scroll position one step and reads the
// currently-rendered rows, emitting only rows whose structural key has not
// been seen this session.
func (v *RenderedViewSource) FetchBatch(ctx context.Context) ([]record.RawRecord, error) {
	pos, err := v.view.Advance(ctx)
	if err != nil {
		return nil, fmt.Errorf("advance view: %w", err)
	}
	v.pos = pos
	v.advanced = true

	items, err := v.view.Items(ctx)
	if err != nil {
		return nil, fmt.Errorf("query view items: %w", err)
	}

	var raws []record.RawRecord
	keyless := 0
	for _, item := range items {
		key := item.DataID
		if key == "" {
			key = item.Ref
		}
		if key == "" {
			// A row with no structural key cannot be deduplicated across
			// fetches. It is not forwarded; identity is never synthesized
			// from display text.
			keyless++
			continue
		}
		if _, dup := v.seen[key]; dup {
			continue
		}
		v.seen[key] = struct{}{}
		raws = append(raws, record.RawRecord{Source: record.SourceView, Payload: viewPayload(item)})
	}

	if len(raws) == 0 {
		v.noNew++
	} else {
		v.noNew = 0
	}

	v.logger.Info("scanned rendered view",
		"rendered", len(items),
		"new", len(raws),
		"keyless", keyless,
		"seen_total", len(v.seen),
		"no_new_streak", v.noNew,
		"offset", pos.Offset,
		"extent", pos.Extent,
	)
	return raws, nil
}

// viewPayload maps one rendered row into the view raw shape.
func viewPayload(item ViewItem) map[string]any {
	payload := map[string]any{}
	if item.DataID != "" {
		payload["dataId"] = item.DataID
	}
	if item.Ref != "" {
		payload["ref"] = item.Ref
	}
	if item.Title != "" {
		payload["title"] = item.Title
	}
	if item.Group {
		payload["group"] = true
	}
	if item.Broadcast {
		payload["broadcast"] = true
	}
	if item.Unread != 0 {
		payload["unread"] = item.Unread
	}
	if item.Avatar != "" {
		payload["avatar"] = item.Avatar
	}
	return payload
}

// IsComplete is true only after NoNewStreak consecutive zero-new fetches
// with the scroll position at or near the end of the list.
func (v *RenderedViewSource) IsComplete() bool {
	return v.advanced && v.noNew >= v.cfg.NoNewStreak && v.pos.NearEnd(v.cfg.EndMargin)
}

// Exhausted reports a zero-new streak away from the end: the view has
// stalled and further scrolling is not producing rows.
func (v *RenderedViewSource) Exhausted() bool {
	return v.advanced && v.noNew >= v.cfg.NoNewStreak && !v.pos.NearEnd(v.cfg.EndMargin)
}

// TotalExpected is unknown for the rendered view.
func (v *RenderedViewSource) TotalExpected() (int, bool) { return 0, false }

// Close detaches from the view. Idempotent.
func (v *RenderedViewSource) Close() error {
	if v.view == nil {
		return nil
	}
	if err := v.view.Detach(); err != nil {
		return fmt.Errorf("detach view: %w", err)
	}
	return nil
}
