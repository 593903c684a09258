// Package completion decides deterministically when an extraction session
// has collected everything.
package completion

import (
	"log/slog"

	"github.com/atakhan/whatsapp-to-tg/internal/identity"
	"github.com/atakhan/whatsapp-to-tg/internal/record"
	"github.com/atakhan/whatsapp-to-tg/internal/source"
)

// Decision is the completion verdict for one check.
type Decision struct {
	Complete      bool
	ExpectedTotal *int
	MissingIDs    []string

	// GapUnknown is set when the session is short of expectations but no
	// reference enumeration exists to name the missing ids.
	GapUnknown bool
}

// Controller applies the completion decision priority:
//
//  1. A source that declares itself complete is authoritative, regardless
//     of count comparisons.
//  2. A known expected total that the collected count has reached means
//     complete.
//  3. A known expected total with an exhausted source and a shortfall
//     means partial; missing ids are computed only when the source can
//     enumerate its expected ids.
//  4. Otherwise (unknown total) the source's own heuristic is all there
//     is.
type Controller struct {
	logger *slog.Logger
}

// NewController creates a completion controller.
func NewController(logger *slog.Logger) *Controller {
	return &Controller{logger: logger}
}

// Check evaluates the session against the active source.
func (c *Controller) Check(session *record.ExtractionSession, src source.Source) Decision {
	d := Decision{}
	if total, ok := src.TotalExpected(); ok {
		d.ExpectedTotal = &total
	}

	collected := session.Collected()

	// Source-declared completeness is authoritative.
	if src.IsComplete() {
		d.Complete = true
		if d.ExpectedTotal != nil && collected < *d.ExpectedTotal {
			// Complete by declaration but short of the embedded count;
			// surface the gap without overriding the source.
			c.noteGap(&d, session, src, collected)
		}
		return d
	}

	if d.ExpectedTotal != nil && collected >= *d.ExpectedTotal {
		d.Complete = true
		return d
	}

	if src.Exhausted() {
		if d.ExpectedTotal != nil {
			c.logger.Warn("source exhausted short of expected total",
				"source", src.Name(),
				"collected", collected,
				"expected", *d.ExpectedTotal,
			)
		} else {
			c.logger.Warn("source exhausted with unknown total",
				"source", src.Name(),
				"collected", collected,
			)
		}
		c.noteGap(&d, session, src, collected)
	}

	return d
}

// noteGap fills in missing ids when the source can enumerate what it
// expected, and flags an unknown gap otherwise.
func (c *Controller) noteGap(d *Decision, session *record.ExtractionSession, src source.Source, collected int) {
	enum, ok := src.(source.Enumerator)
	if !ok {
		d.GapUnknown = true
		return
	}
	missing := identity.MissingExpected(enum.KnownIDs(), session.CollectedIDs)
	if len(missing) == 0 {
		d.GapUnknown = true
		return
	}
	d.MissingIDs = missing
	c.logger.Warn("missing expected ids", "count", len(missing), "collected", collected)
}

// GapAnomaly builds the anomaly recorded when a gap exists but the missing
// ids cannot be named.
func GapAnomaly(collected int, expected *int) record.Anomaly {
	details := map[string]any{"collected": collected}
	if expected != nil {
		details["expected"] = *expected
		details["gap"] = *expected - collected
	}
	return record.Anomaly{Kind: record.AnomalyGapSizeKnown, Details: details}
}
