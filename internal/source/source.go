// Package source implements the extraction strategies for pulling raw
// conversation data out of a live WhatsApp Web session, and the selector
// that picks between them.
//
// Three strategies exist, in strict priority order: the host application's
// own in-memory state model (primary), low-level network interception
// (intercept), and scraping the rendered chat list (view). Exactly one
// source is active per extraction session; they are never blended, so
// identity and integrity semantics stay auditable.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/atakhan/whatsapp-to-tg/internal/record"
)

// Sentinel errors for the source taxonomy. Unavailable and Timeout trigger
// a fallback to the next-priority source; DecodeBudget means a source
// produced too many unparsable payloads in one batch and should be
// abandoned the same way.
var (
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrSourceTimeout     = errors.New("source feasibility probe timed out")
	ErrDecodeBudget      = errors.New("decode error budget exceeded")
)

// Source is one extraction strategy. Implementations are single-session
// and not safe for concurrent use; the owning orchestrator is the only
// caller.
type Source interface {
	// Name identifies the strategy for logging and integrity tagging.
	Name() record.SourceTag

	// Init prepares the source and verifies it can provide data. A shape
	// mismatch or unreachable backing store fails with ErrSourceUnavailable;
	// Init never leaves the source half-usable.
	Init(ctx context.Context) error

	// FetchBatch returns the next batch of raw records. An empty batch is
	// not an error. Per-record decode problems are skipped locally up to
	// the configured budget; past the budget the batch fails with
	// ErrDecodeBudget.
	FetchBatch(ctx context.Context) ([]record.RawRecord, error)

	// IsComplete reports whether the source has authoritatively delivered
	// everything it can enumerate.
	IsComplete() bool

	// Exhausted reports that the source can make no further progress even
	// though it has not declared completeness. For the view source this is
	// the no-new-items heuristic giving up away from the end of the list.
	Exhausted() bool

	// TotalExpected returns the source's own count of available
	// conversations, when it knows one.
	TotalExpected() (int, bool)

	// Close releases per-source resources (wire unsubscribe, view detach).
	// Called exactly once, on both normal completion and cancellation.
	Close() error
}

// Enumerator is implemented by sources that can list every id they expect
// to deliver. The completion controller uses it to compute missing ids for
// partial sessions.
type Enumerator interface {
	KnownIDs() []string
}

// Config tunes source behavior. Zero values are replaced by defaults.
type Config struct {
	// ProbeWindow bounds the intercept feasibility probe: at least one
	// decodable wire frame must be observed within this window.
	ProbeWindow time.Duration

	// DecodeBudget is the per-batch limit on skipped unparsable payloads.
	DecodeBudget int

	// NoNewStreak is how many consecutive zero-new fetches the view source
	// needs before it concludes there is nothing left to find.
	NoNewStreak int

	// EndMargin is how close (in scroll units) the view position must be
	// to the end for the zero-new streak to count as completion rather
	// than a stall.
	EndMargin int

	// DrainWait is how long one intercept fetch waits for buffered frames
	// before returning an empty batch.
	DrainWait time.Duration
}

// DefaultConfig returns the tuning used in production.
func DefaultConfig() Config {
	return Config{
		ProbeWindow:  5 * time.Second,
		DecodeBudget: 10,
		NoNewStreak:  3,
		EndMargin:    2,
		DrainWait:    2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ProbeWindow <= 0 {
		c.ProbeWindow = d.ProbeWindow
	}
	if c.DecodeBudget <= 0 {
		c.DecodeBudget = d.DecodeBudget
	}
	if c.NoNewStreak <= 0 {
		c.NoNewStreak = d.NoNewStreak
	}
	if c.EndMargin <= 0 {
		c.EndMargin = d.EndMargin
	}
	if c.DrainWait <= 0 {
		c.DrainWait = d.DrainWait
	}
	return c
}
