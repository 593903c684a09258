package source

import (
	"context"
	"testing"
)

func TestViewEmitsOnlyUnseenRows(t *testing.T) {
	view := &fakeView{steps: []viewStep{
		{
			pos: ScrollPos{Offset: 0, Viewport: 3, Extent: 10},
			items: []ViewItem{
				{DataID: "1@c.us", Title: "Alice"},
				{DataID: "2@g.us", Title: "Team", Group: true},
				{Ref: "/chat/3@c.us", Title: "Bob"},
			},
		},
		{
			// Overlapping window after one scroll step.
			pos: ScrollPos{Offset: 2, Viewport: 3, Extent: 10},
			items: []ViewItem{
				{Ref: "/chat/3@c.us", Title: "Bob"},
				{DataID: "4@c.us", Title: "Carol"},
			},
		},
	}}
	src := NewRenderedViewSource(&fakeTarget{view: view}, Config{}, testLogger())
	mustInit(t, src)

	first, err := src.FetchBatch(context.Background())
	if err != nil {
		t.Fatalf("FetchBatch failed: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("first fetch = %d records, want 3", len(first))
	}

	second, err := src.FetchBatch(context.Background())
	if err != nil {
		t.Fatalf("FetchBatch failed: %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("second fetch = %d records, want 1 (overlap deduped)", len(second))
	}
	if second[0].Str("dataId") != "4@c.us" {
		t.Errorf("unexpected new row: %v", second[0].Payload)
	}
}

func TestViewSkipsKeylessRows(t *testing.T) {
	view := &fakeView{steps: []viewStep{
		{
			pos: ScrollPos{Offset: 0, Viewport: 2, Extent: 5},
			items: []ViewItem{
				{Title: "No structural key"},
				{DataID: "1@c.us", Title: "Alice"},
			},
		},
	}}
	src := NewRenderedViewSource(&fakeTarget{view: view}, Config{}, testLogger())
	mustInit(t, src)

	raws, err := src.FetchBatch(context.Background())
	if err != nil {
		t.Fatalf("FetchBatch failed: %v", err)
	}
	if len(raws) != 1 {
		t.Fatalf("got %d records, want 1; keyless rows must not be forwarded", len(raws))
	}
	if raws[0].Str("dataId") != "1@c.us" {
		t.Errorf("unexpected record: %v", raws[0].Payload)
	}
}

func TestViewCompletesAtEndOfList(t *testing.T) {
	view := &fakeView{steps: []viewStep{
		{
			pos:   ScrollPos{Offset: 7, Viewport: 3, Extent: 10},
			items: []ViewItem{{DataID: "1@c.us"}},
		},
	}}
	cfg := Config{NoNewStreak: 3, EndMargin: 2}
	src := NewRenderedViewSource(&fakeTarget{view: view}, cfg, testLogger())
	mustInit(t, src)

	// First fetch finds the row; the next three find nothing new.
	for i := 0; i < 4; i++ {
		if _, err := src.FetchBatch(context.Background()); err != nil {
			t.Fatalf("fetch %d failed: %v", i, err)
		}
	}

	if !src.IsComplete() {
		t.Error("expected completion: zero-new streak at end of list")
	}
	if src.Exhausted() {
		t.Error("a complete view source must not also be exhausted")
	}
}

func TestViewStallAwayFromEndIsExhaustion(t *testing.T) {
	view := &fakeView{steps: []viewStep{
		{
			pos:   ScrollPos{Offset: 2, Viewport: 3, Extent: 50},
			items: []ViewItem{{DataID: "1@c.us"}},
		},
	}}
	cfg := Config{NoNewStreak: 3, EndMargin: 2}
	src := NewRenderedViewSource(&fakeTarget{view: view}, cfg, testLogger())
	mustInit(t, src)

	for i := 0; i < 4; i++ {
		if _, err := src.FetchBatch(context.Background()); err != nil {
			t.Fatalf("fetch %d failed: %v", i, err)
		}
	}

	if src.IsComplete() {
		t.Error("a stalled view must not claim completion")
	}
	if !src.Exhausted() {
		t.Error("expected exhaustion: zero-new streak away from end")
	}
}

func TestViewStreakResetsOnNewRows(t *testing.T) {
	view := &fakeView{steps: []viewStep{
		{pos: ScrollPos{Offset: 0, Viewport: 2, Extent: 50}, items: []ViewItem{{DataID: "1@c.us"}}},
		{pos: ScrollPos{Offset: 1, Viewport: 2, Extent: 50}, items: []ViewItem{{DataID: "1@c.us"}}},
		{pos: ScrollPos{Offset: 2, Viewport: 2, Extent: 50}, items: []ViewItem{{DataID: "2@c.us"}}},
	}}
	cfg := Config{NoNewStreak: 3, EndMargin: 2}
	src := NewRenderedViewSource(&fakeTarget{view: view}, cfg, testLogger())
	mustInit(t, src)

	for i := 0; i < 3; i++ {
		if _, err := src.FetchBatch(context.Background()); err != nil {
			t.Fatalf("fetch %d failed: %v", i, err)
		}
	}
	if src.Exhausted() || src.IsComplete() {
		t.Error("streak must reset when a fetch finds new rows")
	}
}

func TestViewPayloadMapping(t *testing.T) {
	view := &fakeView{steps: []viewStep{
		{
			pos: ScrollPos{Offset: 0, Viewport: 1, Extent: 5},
			items: []ViewItem{{
				DataID: "1@g.us",
				Ref:    "/chat/1@g.us",
				Title:  "Team",
				Group:  true,
				Unread: 5,
				Avatar: "http://a/1.jpg",
			}},
		},
	}}
	src := NewRenderedViewSource(&fakeTarget{view: view}, Config{}, testLogger())
	mustInit(t, src)

	raws, err := src.FetchBatch(context.Background())
	if err != nil || len(raws) != 1 {
		t.Fatalf("FetchBatch = %v, %v", raws, err)
	}
	raw := raws[0]
	if raw.Str("dataId") != "1@g.us" || raw.Str("ref") != "/chat/1@g.us" {
		t.Errorf("structural keys not mapped: %v", raw.Payload)
	}
	if raw.Str("title") != "Team" || !raw.Bool("group") || raw.Int("unread") != 5 || raw.Str("avatar") != "http://a/1.jpg" {
		t.Errorf("display fields not mapped: %v", raw.Payload)
	}
}

func TestViewCloseDetaches(t *testing.T) {
	view := &fakeView{steps: []viewStep{{pos: ScrollPos{}, items: nil}}}
	src := NewRenderedViewSource(&fakeTarget{view: view}, Config{}, testLogger())
	mustInit(t, src)

	if err := src.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if view.detached != 1 {
		t.Errorf("detached = %d, want 1", view.detached)
	}
}
