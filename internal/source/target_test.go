package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

// fakeTarget implements TargetSession for tests.
type fakeTarget struct {
	ref      string
	state    []byte
	stateErr error
	wire     *fakeWire
	view     *fakeView
}

func (f *fakeTarget) Ref() string { return f.ref }

func (f *fakeTarget) StateModel(ctx context.Context) ([]byte, error) {
	if f.stateErr != nil {
		return nil, f.stateErr
	}
	return f.state, nil
}

func (f *fakeTarget) Wire() WireTap { return f.wire }

func (f *fakeTarget) View() ViewPort { return f.view }

// fakeWire delivers autoFrames to the handler as soon as Tap is called,
// then lets tests emit further frames by hand.
type fakeWire struct {
	tapErr     error
	autoFrames []string
	handler    func([]byte)
	detached   int
}

func (w *fakeWire) Tap(handler func(frame []byte)) (func(), error) {
	if w.tapErr != nil {
		return nil, w.tapErr
	}
	w.handler = handler
	for _, f := range w.autoFrames {
		handler([]byte(f))
	}
	return func() { w.detached++ }, nil
}

func (w *fakeWire) emit(frame string) {
	w.handler([]byte(frame))
}

// fakeView replays a scripted sequence of scroll steps. Each step pairs
// the position after Advance with the rows rendered there; the last step
// repeats once the script runs out.
type fakeView struct {
	steps    []viewStep
	i        int
	advErr   error
	detached int
}

type viewStep struct {
	pos   ScrollPos
	items []ViewItem
}

func (v *fakeView) Advance(ctx context.Context) (ScrollPos, error) {
	if v.advErr != nil {
		return ScrollPos{}, v.advErr
	}
	if v.i < len(v.steps) {
		v.i++
	}
	return v.cur().pos, nil
}

func (v *fakeView) Items(ctx context.Context) ([]ViewItem, error) {
	return v.cur().items, nil
}

func (v *fakeView) cur() viewStep {
	idx := v.i - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(v.steps) {
		idx = len(v.steps) - 1
	}
	return v.steps[idx]
}

func (v *fakeView) Detach() error {
	v.detached++
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errBoom = errors.New("boom")

func mustInit(t *testing.T, src Source) {
	t.Helper()
	if err := src.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
}
