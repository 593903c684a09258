package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atakhan/whatsapp-to-tg/internal/record"
	"github.com/atakhan/whatsapp-to-tg/internal/source"
)

// Store persists terminated extraction sessions. Implementations must be
// safe for concurrent use.
type Store interface {
	SaveExtraction(ctx context.Context, meta Meta, final record.Result) error
}

// Events receives session lifecycle notifications, typically bridged
// onto the message bus.
type Events interface {
	ExtractionStarted(id uuid.UUID, targetRef string)
	ExtractionFinished(id uuid.UUID, targetRef string, final record.Result)
}

// Meta is the durable envelope around a session's final result.
type Meta struct {
	ID         uuid.UUID
	TargetRef  string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Manager runs extraction sessions concurrently and keeps a registry of
// live and finished ones so API callers can attach after the fact.
type Manager struct {
	orch   *Orchestrator
	store  Store  // may be nil
	events Events // may be nil
	logger *slog.Logger

	mu   sync.Mutex
	runs map[uuid.UUID]*Extraction
}

// NewManager wires a Manager. store and events may be nil when
// persistence or bus notifications are not configured.
func NewManager(orch *Orchestrator, store Store, events Events, logger *slog.Logger) *Manager {
	return &Manager{
		orch:   orch,
		store:  store,
		events: events,
		logger: logger,
		runs:   make(map[uuid.UUID]*Extraction),
	}
}

// Start launches an extraction session against target and returns its
// handle immediately. The session outlives the caller's request context;
// stop it through Cancel.
func (m *Manager) Start(target source.TargetSession) *Extraction {
	runCtx, cancel := context.WithCancel(context.Background())

	ex := &Extraction{
		ID:        uuid.New(),
		TargetRef: target.Ref(),
		StartedAt: time.Now().UTC(),
		cancel:    cancel,
		done:      make(chan struct{}),
		subs:      make(map[int]chan record.Result),
	}

	m.mu.Lock()
	m.runs[ex.ID] = ex
	m.mu.Unlock()

	if m.events != nil {
		m.events.ExtractionStarted(ex.ID, ex.TargetRef)
	}

	results := m.orch.Run(runCtx, ex.ID, ex.TargetRef, source.NewSelector(target, m.orch.cfg, m.orch.logger))
	go m.consume(ex, results)
	return ex
}

// Get returns the handle for a known session.
func (m *Manager) Get(id uuid.UUID) (*Extraction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.runs[id]
	return ex, ok
}

// Cancel requests a stop for a running session. The session still
// terminates with a Partial final result; reports whether id was known.
func (m *Manager) Cancel(id uuid.UUID) bool {
	ex, ok := m.Get(id)
	if !ok {
		return false
	}
	ex.cancel()
	return true
}

// consume drains one session's result stream, fanning each result out to
// subscribers and retaining it for late joiners. Runs until the
// orchestrator closes the stream.
func (m *Manager) consume(ex *Extraction, results <-chan record.Result) {
	for res := range results {
		ex.push(res)
	}
	ex.finish()

	final, ok := ex.Final()
	if !ok {
		// Stream closed without a terminal result; only reachable if the
		// orchestrator panicked, so just log it.
		m.logger.Error("extraction stream ended without final result", "extraction_id", ex.ID)
		return
	}

	if m.store != nil {
		meta := Meta{ID: ex.ID, TargetRef: ex.TargetRef, StartedAt: ex.StartedAt, FinishedAt: ex.FinishedAtOrNow()}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := m.store.SaveExtraction(ctx, meta, final); err != nil {
			m.logger.Error("persisting extraction failed", "extraction_id", ex.ID, "error", err)
		}
		cancel()
	}
	if m.events != nil {
		m.events.ExtractionFinished(ex.ID, ex.TargetRef, final)
	}
}

// Extraction is the handle for one session: live fan-out plus retained
// history so a subscriber attaching mid-flight sees every result.
type Extraction struct {
	ID        uuid.UUID
	TargetRef string
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	history  []record.Result
	final    *record.Result
	finished time.Time
	nextSub  int
	subs     map[int]chan record.Result
}

// Done is closed once the session has terminated and its final result is
// available.
func (e *Extraction) Done() <-chan struct{} { return e.done }

// Final returns the terminal result if the session has ended.
func (e *Extraction) Final() (record.Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.final == nil {
		return record.Result{}, false
	}
	return *e.final, true
}

// FinishedAtOrNow returns the termination time, or the current time if
// the session is still running.
func (e *Extraction) FinishedAtOrNow() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished.IsZero() {
		return time.Now().UTC()
	}
	return e.finished
}

// Subscribe returns a channel that replays every result published so far
// and then follows the live stream. The channel is closed after the
// terminal result. The returned func detaches; it must be called when
// the subscriber is done, and is safe to call more than once.
func (e *Extraction) Subscribe() (<-chan record.Result, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan record.Result, len(e.history)+32)
	for _, res := range e.history {
		ch <- res
	}
	if e.final != nil {
		close(ch)
		return ch, func() {}
	}

	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch

	var once sync.Once
	detach := func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if _, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(ch)
			}
		})
	}
	return ch, detach
}

// push records a result and forwards it to live subscribers. A
// subscriber that stopped draining loses results rather than stalling
// the session.
func (e *Extraction) push(res record.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.history = append(e.history, res)
	if res.IsFinal {
		e.final = &res
		e.finished = time.Now().UTC()
	}
	for _, ch := range e.subs {
		select {
		case ch <- res:
		default:
		}
	}
}

// finish closes all live subscriber channels and signals Done.
func (e *Extraction) finish() {
	e.mu.Lock()
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
	e.mu.Unlock()
	close(e.done)
}
