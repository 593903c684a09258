// Package orchestrator owns the extraction pull loop: it selects a
// source, pumps batches through normalization and identity resolution,
// streams incremental results, and decides when the session is done.
package orchestrator

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/atakhan/whatsapp-to-tg/internal/completion"
	"github.com/atakhan/whatsapp-to-tg/internal/identity"
	"github.com/atakhan/whatsapp-to-tg/internal/normalize"
	"github.com/atakhan/whatsapp-to-tg/internal/publish"
	"github.com/atakhan/whatsapp-to-tg/internal/record"
	"github.com/atakhan/whatsapp-to-tg/internal/source"
)

// maxBatches is a safety limit on the pull loop, mirroring the bound on
// the view's scroll progress. No healthy source needs anywhere near it.
const maxBatches = 200

// Picker hands the orchestrator a feasible source, and the next-priority
// one after a failure. The production implementation is source.Selector.
type Picker interface {
	Select(ctx context.Context) (source.Source, error)
	Downgrade(ctx context.Context, failed record.SourceTag) (source.Source, error)
}

// Orchestrator runs extraction sessions. One instance is safe for
// concurrent use; all mutable state is per-session and owned by the
// session's own run loop.
type Orchestrator struct {
	cfg        source.Config
	normalizer *normalize.Normalizer
	completion *completion.Controller
	publisher  publish.Publisher
	logger     *slog.Logger
}

// New wires up an orchestrator with all pipeline components.
func New(cfg source.Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		normalizer: normalize.New(identity.NewResolver(logger), logger),
		completion: completion.NewController(logger),
		publisher:  publish.New(),
		logger:     logger,
	}
}

// StreamExtract runs one extraction session against a live target and
// returns the incremental sequence of Results. The channel always ends
// with exactly one terminal Result (IsFinal=true) and is then closed.
// Cancelling ctx stops the session between batches with a Partial result
// for whatever was already collected.
func (o *Orchestrator) StreamExtract(ctx context.Context, target source.TargetSession) <-chan record.Result {
	return o.Run(ctx, uuid.New(), target.Ref(), source.NewSelector(target, o.cfg, o.logger))
}

// Run is StreamExtract with a caller-chosen session id and source picker.
func (o *Orchestrator) Run(ctx context.Context, id uuid.UUID, targetRef string, picker Picker) <-chan record.Result {
	out := make(chan record.Result, 16)
	go o.run(ctx, id, targetRef, picker, out)
	return out
}

// run is the per-session state machine:
// SelectingSource → Extracting {fetch → normalize → resolve → publish →
// check} → Terminated. A source error from primary or intercept while
// extracting allows one automatic downgrade; a view failure is terminal.
func (o *Orchestrator) run(ctx context.Context, id uuid.UUID, targetRef string, picker Picker, out chan<- record.Result) {
	defer close(out)

	session := record.NewSession(id, targetRef)
	log := o.logger.With("extraction_id", session.ID, "target", targetRef)
	log.Info("extraction session starting")

	src, err := picker.Select(ctx)
	if err != nil {
		log.Error("no source could be selected", "error", err)
		session.AddAnomaly(fallbackExhausted(err))
		o.finish(out, session, nil, nil, record.Partial, completion.Decision{})
		return
	}
	defer func() {
		if src != nil {
			_ = src.Close()
		}
	}()
	session.SourceUsed = src.Name()

	byID := make(map[string]record.ConversationRecord)
	var order []string
	downgraded := false
	batches := 0

	for {
		select {
		case <-ctx.Done():
			log.Info("extraction cancelled between batches", "collected", session.Collected())
			o.finish(out, session, byID, order, record.Partial, completion.Decision{})
			return
		default:
		}

		raws, err := src.FetchBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("extraction cancelled during fetch", "collected", session.Collected())
				o.finish(out, session, byID, order, record.Partial, completion.Decision{})
				return
			}

			log.Warn("source failed while extracting", "source", src.Name(), "error", err)
			if src.Name() == record.SourceView || downgraded {
				// No further fallback exists.
				session.AddAnomaly(fallbackExhausted(err))
				o.finish(out, session, byID, order, record.Partial, completion.Decision{})
				return
			}

			failed := src.Name()
			_ = src.Close()
			src = nil
			next, derr := picker.Downgrade(ctx, failed)
			if derr != nil {
				log.Error("downgrade failed, session exhausted", "failed", failed, "error", derr)
				session.AddAnomaly(fallbackExhausted(derr))
				o.finish(out, session, byID, order, record.Partial, completion.Decision{})
				return
			}

			// Clean handoff: no seeding of seen ids across the integrity
			// boundary. The new source refetches from scratch.
			log.Info("downgraded to fallback source", "failed", failed, "source", next.Name())
			src = next
			downgraded = true
			session.Reset()
			session.SourceUsed = src.Name()
			byID = make(map[string]record.ConversationRecord)
			order = nil
			continue
		}

		fresh := o.absorb(session, byID, &order, raws)

		decision := o.completion.Check(session, src)
		session.ExpectedTotal = decision.ExpectedTotal

		if len(fresh) > 0 {
			select {
			case out <- o.publisher.Stream(fresh, session, decision.Complete):
			case <-ctx.Done():
				o.finish(out, session, byID, order, record.Partial, completion.Decision{})
				return
			}
		}

		if decision.Complete {
			log.Info("extraction complete",
				"source", src.Name(),
				"collected", session.Collected(),
				"batches", batches+1,
			)
			o.finish(out, session, byID, order, record.Complete, decision)
			return
		}

		if src.Exhausted() {
			log.Warn("source exhausted, session partial",
				"source", src.Name(),
				"collected", session.Collected(),
			)
			o.finish(out, session, byID, order, record.Partial, decision)
			return
		}

		batches++
		if batches >= maxBatches {
			log.Error("batch limit reached, aborting session", "batches", batches)
			o.finish(out, session, byID, order, record.Partial, completion.Decision{GapUnknown: true})
			return
		}
	}
}

// absorb folds a batch of raw records into the session, deduplicating by
// id. The first record for an id survives; a conflicting later duplicate
// is dropped with an anomaly recording both candidates.
func (o *Orchestrator) absorb(session *record.ExtractionSession, byID map[string]record.ConversationRecord, order *[]string, raws []record.RawRecord) []record.ConversationRecord {
	records, anomalies := o.normalizer.NormalizeBatch(raws)
	for _, a := range anomalies {
		session.AddAnomaly(a)
	}

	var fresh []record.ConversationRecord
	for _, rec := range records {
		if prev, dup := byID[rec.ID]; dup {
			if identity.Conflicting(prev, rec) {
				session.AddAnomaly(identity.DuplicateConflict(prev, rec))
			}
			continue
		}
		byID[rec.ID] = rec
		*order = append(*order, rec.ID)
		session.CollectedIDs[rec.ID] = struct{}{}
		fresh = append(fresh, rec)
	}
	return fresh
}

// finish freezes the session and emits the terminal Result. The final
// record set is the deduplicated survivors in first-seen order.
func (o *Orchestrator) finish(out chan<- record.Result, session *record.ExtractionSession, byID map[string]record.ConversationRecord, order []string, completeness string, decision completion.Decision) {
	records := make([]record.ConversationRecord, 0, len(order))
	for _, id := range order {
		records = append(records, byID[id])
	}

	session.MissingIDs = decision.MissingIDs
	for _, id := range decision.MissingIDs {
		session.AddAnomaly(record.Anomaly{
			Kind:    record.AnomalyMissingExpectedID,
			Details: map[string]any{"id": id},
		})
	}
	if decision.GapUnknown {
		session.AddAnomaly(completion.GapAnomaly(session.Collected(), session.ExpectedTotal))
	}
	session.Freeze()

	// The channel is buffered and the manager drains it until close, so
	// the terminal result is delivered even after cancellation.
	out <- o.publisher.Final(records, completeness, session)
}

func fallbackExhausted(err error) record.Anomaly {
	return record.Anomaly{
		Kind:    record.AnomalyFallbackExhausted,
		Details: map[string]any{"error": err.Error()},
	}
}
