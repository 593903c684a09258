package completion

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/atakhan/whatsapp-to-tg/internal/record"
)

// stubSource scripts the completion-relevant signals of a source.
type stubSource struct {
	tag       record.SourceTag
	complete  bool
	exhausted bool
	total     int
	hasTotal  bool
	knownIDs  []string // nil means the source is not an Enumerator
}

func (s *stubSource) Name() record.SourceTag { return s.tag }
func (s *stubSource) Init(ctx context.Context) error {
	return nil
}
func (s *stubSource) FetchBatch(ctx context.Context) ([]record.RawRecord, error) {
	return nil, nil
}
func (s *stubSource) IsComplete() bool           { return s.complete }
func (s *stubSource) Exhausted() bool            { return s.exhausted }
func (s *stubSource) TotalExpected() (int, bool) { return s.total, s.hasTotal }
func (s *stubSource) Close() error               { return nil }

// enumSource adds KnownIDs to stubSource.
type enumSource struct {
	stubSource
}

func (s *enumSource) KnownIDs() []string { return s.knownIDs }

func sessionWith(ids ...string) *record.ExtractionSession {
	s := record.NewSession(uuid.New(), "test-target")
	for _, id := range ids {
		s.CollectedIDs[id] = struct{}{}
	}
	return s
}

func testController() *Controller {
	return NewController(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSourceDeclaredCompletenessIsAuthoritative(t *testing.T) {
	// The source says complete even though the count disagrees upward.
	src := &stubSource{tag: record.SourcePrimary, complete: true, total: 2, hasTotal: true}
	d := testController().Check(sessionWith("1@c.us", "2@c.us", "3@c.us"), src)
	if !d.Complete {
		t.Error("source-declared completeness must be honored")
	}
}

func TestDeclaredCompleteButShortSurfacesGap(t *testing.T) {
	src := &stubSource{tag: record.SourceIntercept, complete: true, total: 3, hasTotal: true}
	d := testController().Check(sessionWith("1@c.us"), src)
	if !d.Complete {
		t.Error("declaration still wins")
	}
	if !d.GapUnknown {
		t.Error("shortfall under a declared completion must surface as an unknown gap")
	}
}

func TestCountReachedMeansComplete(t *testing.T) {
	src := &stubSource{tag: record.SourceIntercept, total: 2, hasTotal: true}
	d := testController().Check(sessionWith("1@c.us", "2@c.us"), src)
	if !d.Complete {
		t.Error("collected >= expected total must be complete")
	}
	if d.ExpectedTotal == nil || *d.ExpectedTotal != 2 {
		t.Errorf("ExpectedTotal = %v", d.ExpectedTotal)
	}
}

func TestShortfallWithoutExhaustionKeepsGoing(t *testing.T) {
	src := &stubSource{tag: record.SourceIntercept, total: 5, hasTotal: true}
	d := testController().Check(sessionWith("1@c.us"), src)
	if d.Complete || d.GapUnknown || d.MissingIDs != nil {
		t.Errorf("mid-session shortfall must not decide anything: %+v", d)
	}
}

func TestExhaustedEnumeratorNamesMissingIDs(t *testing.T) {
	src := &enumSource{stubSource{
		tag: record.SourceIntercept, exhausted: true, total: 3, hasTotal: true,
		knownIDs: []string{"1@c.us", "2@c.us", "3@c.us"},
	}}
	d := testController().Check(sessionWith("2@c.us"), src)
	if d.Complete {
		t.Error("exhausted short session is not complete")
	}
	if len(d.MissingIDs) != 2 || d.MissingIDs[0] != "1@c.us" || d.MissingIDs[1] != "3@c.us" {
		t.Errorf("MissingIDs = %v", d.MissingIDs)
	}
	if d.GapUnknown {
		t.Error("gap is known when ids are enumerable")
	}
}

func TestExhaustedWithoutEnumerationFlagsUnknownGap(t *testing.T) {
	src := &stubSource{tag: record.SourceView, exhausted: true}
	d := testController().Check(sessionWith("1@c.us"), src)
	if d.Complete {
		t.Error("stalled source is not complete")
	}
	if !d.GapUnknown {
		t.Error("no enumeration means the gap ids are unknown")
	}
}

func TestGapAnomaly(t *testing.T) {
	expected := 10
	a := GapAnomaly(4, &expected)
	if a.Kind != record.AnomalyGapSizeKnown {
		t.Errorf("kind = %q", a.Kind)
	}
	if a.Details["collected"] != 4 || a.Details["expected"] != 10 || a.Details["gap"] != 6 {
		t.Errorf("details = %v", a.Details)
	}

	unknown := GapAnomaly(4, nil)
	if _, ok := unknown.Details["expected"]; ok {
		t.Error("unknown total must not fabricate an expected count")
	}
}
