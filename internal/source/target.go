package source

import "context"

// TargetSession is the opaque handle to a live WhatsApp Web session. The
// browser driver that owns the actual page sits behind this interface;
// this package only uses the operations each extraction strategy needs.
// Session lifecycle, QR auth and on-disk profiles are the driver's problem.
type TargetSession interface {
	// Ref is a stable label for the target, used in logs and persistence.
	Ref() string

	// StateModel reads a JSON snapshot of the host application's in-memory
	// chat model. The shape is not guaranteed; callers must verify expected
	// keys before trusting any field.
	StateModel(ctx context.Context) ([]byte, error)

	// Wire returns the low-level network-interception channel.
	Wire() WireTap

	// View returns scroll and item-query primitives for the rendered
	// chat list.
	View() ViewPort
}

// WireTap is a subscribe/unsubscribe API for observed network frames.
// Frames arrive on the handler's goroutine, possibly out of order or
// duplicated.
type WireTap interface {
	// Tap starts delivering frames to handler and returns the detach
	// function. Detach must be idempotent.
	Tap(handler func(frame []byte)) (detach func(), err error)
}

// ScrollPos describes the view's current scroll position.
type ScrollPos struct {
	Offset   int `json:"offset"`   // index of the first rendered item
	Viewport int `json:"viewport"` // number of items the window renders
	Extent   int `json:"extent"`   // total scrollable extent, in items, as far as the view knows
}

// NearEnd reports whether the position is within margin items of the end.
func (p ScrollPos) NearEnd(margin int) bool {
	return p.Offset+p.Viewport >= p.Extent-margin
}

// ViewItem is one currently-rendered chat row. Only structural attributes
// are identity-bearing; Title is display text and never used for identity.
type ViewItem struct {
	DataID    string `json:"data_id"` // data-id attribute, when the row carries one
	Ref       string `json:"ref"`     // href-style row reference, e.g. "/chat/4915...@c.us"
	Title     string `json:"title"`
	Group     bool   `json:"group"`
	Broadcast bool   `json:"broadcast"`
	Unread    int    `json:"unread"`
	Avatar    string `json:"avatar"`
}

// ViewPort abstracts the virtualized chat list. Items are re-queried by
// current position on every call; handles are never retained across calls
// because virtualization evicts and re-creates rows.
type ViewPort interface {
	// Advance moves the scroll position forward one step and reports the
	// settled position.
	Advance(ctx context.Context) (ScrollPos, error)

	// Items returns the currently rendered rows.
	Items(ctx context.Context) ([]ViewItem, error)

	// Detach releases the view attachment. Idempotent.
	Detach() error
}
