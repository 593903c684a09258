package wiretap

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/atakhan/whatsapp-to-tg/internal/source"
)

// detachTimeout bounds the fire-and-forget view release on Close.
const detachTimeout = 2 * time.Second

// Session adapts one driver-attached client app to source.TargetSession.
// State and view calls are request/reply; the wire tap is a plain
// subscription on the driver's frame relay subject.
type Session struct {
	client *Client
	ref    string
}

var _ source.TargetSession = (*Session)(nil)

func (s *Session) Ref() string { return s.ref }

// StateModel asks the driver for a snapshot of the app's in-memory
// conversation model.
func (s *Session) StateModel(ctx context.Context) ([]byte, error) {
	return s.client.request(ctx, fmt.Sprintf(subjectState, s.ref), nil)
}

// Wire returns the tap over the driver's relayed network frames.
func (s *Session) Wire() source.WireTap {
	return &wireTap{client: s.client, ref: s.ref}
}

// View returns the driver's rendered-list handle.
func (s *Session) View() source.ViewPort {
	return &viewPort{client: s.client, ref: s.ref}
}

type wireTap struct {
	client *Client
	ref    string
}

// Tap subscribes to the driver's frame relay. Each message carries one
// raw sync-protocol frame. The returned detach unsubscribes; it is safe
// to call more than once.
func (w *wireTap) Tap(handler func(frame []byte)) (func(), error) {
	subject := fmt.Sprintf(subjectWire, w.ref)
	sub, err := w.client.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	w.client.logger.Info("wire tap attached", "subject", subject)

	return func() {
		_ = sub.Unsubscribe()
	}, nil
}

type viewPort struct {
	client *Client
	ref    string
}

// Advance tells the driver to scroll the rendered list one step and
// returns the resulting position.
func (v *viewPort) Advance(ctx context.Context) (source.ScrollPos, error) {
	data, err := v.client.request(ctx, fmt.Sprintf(subjectViewAdvance, v.ref), nil)
	if err != nil {
		return source.ScrollPos{}, err
	}
	var pos source.ScrollPos
	if err := json.Unmarshal(data, &pos); err != nil {
		return source.ScrollPos{}, fmt.Errorf("decode scroll position: %w", err)
	}
	return pos, nil
}

// Items returns the rows currently materialised in the driver's render
// window.
func (v *viewPort) Items(ctx context.Context) ([]source.ViewItem, error) {
	data, err := v.client.request(ctx, fmt.Sprintf(subjectViewItems, v.ref), nil)
	if err != nil {
		return nil, err
	}
	var items []source.ViewItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode view items: %w", err)
	}
	return items, nil
}

// Detach releases the driver's scroll lock on the rendered list.
func (v *viewPort) Detach() error {
	ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
	defer cancel()
	_, err := v.client.request(ctx, fmt.Sprintf(subjectViewDetach, v.ref), nil)
	return err
}
