package source

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/atakhan/whatsapp-to-tg/internal/record"
)

// priority is the strict source order. Exactly one source is active per
// session; on failure the selector moves down this list, never back up.
var priority = []record.SourceTag{record.SourcePrimary, record.SourceIntercept, record.SourceView}

// Selector picks the highest-priority feasible source for a target
// session. A source is selected once Init succeeds and its feasibility
// signal is observed: a confirmed schema for primary, at least one
// decodable frame within the probe window for intercept, and
// unconditionally for the view, which is the floor.
type Selector struct {
	target TargetSession
	cfg    Config
	logger *slog.Logger
}

// NewSelector creates a selector for one target session.
func NewSelector(target TargetSession, cfg Config, logger *slog.Logger) *Selector {
	return &Selector{target: target, cfg: cfg.withDefaults(), logger: logger}
}

// Select returns the best feasible source, trying strictly in priority
// order and logging why each rejected candidate lost.
func (s *Selector) Select(ctx context.Context) (Source, error) {
	return s.selectFrom(ctx, 0)
}

// Downgrade returns the next-priority source after the one that failed.
// It powers the orchestrator's single automatic downgrade; the selector
// itself imposes no retry policy.
func (s *Selector) Downgrade(ctx context.Context, failed record.SourceTag) (Source, error) {
	for i, tag := range priority {
		if tag == failed {
			return s.selectFrom(ctx, i+1)
		}
	}
	return nil, fmt.Errorf("unknown source %q", failed)
}

func (s *Selector) selectFrom(ctx context.Context, start int) (Source, error) {
	for _, tag := range priority[start:] {
		src := s.build(tag)
		if err := s.establish(ctx, src); err != nil {
			s.logger.Warn("source rejected", "source", tag, "reason", err)
			continue
		}
		s.logger.Info("source selected", "source", tag, "priority", tagPriority(tag))
		return src, nil
	}
	return nil, fmt.Errorf("no feasible source: %w", ErrSourceUnavailable)
}

func (s *Selector) build(tag record.SourceTag) Source {
	switch tag {
	case record.SourcePrimary:
		return NewPrimaryStateSource(s.target, s.cfg, s.logger)
	case record.SourceIntercept:
		return NewNetworkInterceptSource(s.target, s.cfg, s.logger)
	default:
		return NewRenderedViewSource(s.target, s.cfg, s.logger)
	}
}

// establish runs Init plus the per-source feasibility signal. On failure
// the candidate is closed before the error is returned, so a rejected
// source never holds a wire tap or view attachment.
func (s *Selector) establish(ctx context.Context, src Source) error {
	if err := src.Init(ctx); err != nil {
		return err
	}

	intercept, ok := src.(*NetworkInterceptSource)
	if !ok {
		return nil
	}

	// Bounded probe: the intercept source is only feasible if the wire is
	// actually producing decodable frames.
	deadline := time.NewTimer(s.cfg.ProbeWindow)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = src.Close()
			return ctx.Err()
		case <-deadline.C:
			_ = src.Close()
			return fmt.Errorf("%w: no decodable frame within %s", ErrSourceTimeout, s.cfg.ProbeWindow)
		case <-tick.C:
			if intercept.FrameSeen() {
				return nil
			}
		}
	}
}

func tagPriority(tag record.SourceTag) int {
	for i, t := range priority {
		if t == tag {
			return i + 1
		}
	}
	return len(priority)
}
