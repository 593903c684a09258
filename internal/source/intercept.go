package source

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/atakhan/whatsapp-to-tg/internal/record"
)

// interceptIdleLimit is how many consecutive empty fetches the intercept
// source tolerates before reporting exhaustion.
const interceptIdleLimit = 3

// NetworkInterceptSource buffers wire frames observed on the interception
// channel before the host application would normally request the data.
// Frames may arrive out of order or duplicated, so they are deduplicated
// by sequence number (or frame hash when no sequence is present) before
// decode. FetchBatch drains and decodes the buffer.
//
// Completeness is declared on an explicit end-of-list marker frame, or
// when the running decoded count reaches the total embedded in a frame.
type NetworkInterceptSource struct {
	target TargetSession
	cfg    Config
	logger *slog.Logger

	detach func()

	mu        sync.Mutex
	frames    [][]byte
	seenKeys  map[string]struct{}
	total     int
	hasTotal  bool
	endMarker bool
	tapped    bool

	decoded    int
	knownIDs   []string
	emptyFetch int
}

// NewNetworkInterceptSource creates the intercept source for one session.
func NewNetworkInterceptSource(target TargetSession, cfg Config, logger *slog.Logger) *NetworkInterceptSource {
	return &NetworkInterceptSource{
		target:   target,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		seenKeys: make(map[string]struct{}),
	}
}

// Name implements Source.
func (n *NetworkInterceptSource) Name() record.SourceTag { return record.SourceIntercept }

// Init subscribes to the interception channel. Subscription happens here,
// ahead of any fetch, so frames fired during application startup are not
// lost.
func (n *NetworkInterceptSource) Init(ctx context.Context) error {
	detach, err := n.target.Wire().Tap(n.handleFrame)
	if err != nil {
		return fmt.Errorf("%w: tap wire: %v", ErrSourceUnavailable, err)
	}
	n.detach = detach
	n.mu.Lock()
	n.tapped = true
	n.mu.Unlock()
	n.logger.Info("network intercept source initialized, buffering wire frames")
	return nil
}

// handleFrame runs on the wire channel's goroutine. It buffers frames that
// match known wire shapes, deduplicating before decode.
func (n *NetworkInterceptSource) handleFrame(frame []byte) {
	if !gjson.ValidBytes(frame) {
		return
	}
	kind := gjson.GetBytes(frame, "kind").String()
	if kind != "chat_page" && kind != "end_of_list" {
		return
	}

	key := frameKey(frame)

	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.tapped {
		return
	}
	if _, dup := n.seenKeys[key]; dup {
		return
	}
	n.seenKeys[key] = struct{}{}

	buf := make([]byte, len(frame))
	copy(buf, frame)
	n.frames = append(n.frames, buf)
}

// frameKey dedupes by the payload-level sequence number when present,
// falling back to a content hash for unsequenced frames.
func frameKey(frame []byte) string {
	if seq := gjson.GetBytes(frame, "seq"); seq.Exists() {
		return "seq:" + seq.Raw
	}
	h := fnv.New64a()
	h.Write(frame)
	return fmt.Sprintf("fnv:%x", h.Sum64())
}

// FrameSeen reports whether at least one decodable frame has been
// buffered. The selector polls this during the feasibility probe.
func (n *NetworkInterceptSource) FrameSeen() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.frames) > 0 || n.endMarker || n.decoded > 0
}

// FetchBatch drains the buffer and decodes each frame. When the buffer is
// empty it waits up to DrainWait for frames to arrive before returning an
// empty batch.
func (n *NetworkInterceptSource) FetchBatch(ctx context.Context) ([]record.RawRecord, error) {
	frames := n.drain()
	if len(frames) == 0 {
		deadline := time.NewTimer(n.cfg.DrainWait)
		defer deadline.Stop()
		tick := time.NewTicker(100 * time.Millisecond)
		defer tick.Stop()
	wait:
		for {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-deadline.C:
				break wait
			case <-tick.C:
				if frames = n.drain(); len(frames) > 0 {
					break wait
				}
			}
		}
	}

	if len(frames) == 0 {
		n.emptyFetch++
		return nil, nil
	}
	n.emptyFetch = 0

	var raws []record.RawRecord
	decodeErrs := 0
	for _, frame := range frames {
		switch gjson.GetBytes(frame, "kind").String() {
		case "end_of_list":
			n.setEndMarker(frame)
		case "chat_page":
			batch, errs := n.decodePage(frame)
			raws = append(raws, batch...)
			decodeErrs += errs
			if decodeErrs > n.cfg.DecodeBudget {
				return nil, fmt.Errorf("%w: %d unparsable wire entries", ErrDecodeBudget, decodeErrs)
			}
		}
	}

	n.decoded += len(raws)
	n.logger.Info("drained wire frames", "frames", len(frames), "records", len(raws), "skipped", decodeErrs)
	return raws, nil
}

func (n *NetworkInterceptSource) drain() [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	frames := n.frames
	n.frames = nil
	return frames
}

func (n *NetworkInterceptSource) setEndMarker(frame []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.endMarker = true
	if total := gjson.GetBytes(frame, "total"); total.Exists() {
		n.total = int(total.Int())
		n.hasTotal = true
	}
}

// decodePage maps one chat_page frame into raw records, counting entries
// that do not decode.
func (n *NetworkInterceptSource) decodePage(frame []byte) ([]record.RawRecord, int) {
	if total := gjson.GetBytes(frame, "total"); total.Exists() {
		n.mu.Lock()
		n.total = int(total.Int())
		n.hasTotal = true
		n.mu.Unlock()
	}

	entries := gjson.GetBytes(frame, "chats").Array()
	raws := make([]record.RawRecord, 0, len(entries))
	errs := 0
	for _, entry := range entries {
		if !entry.IsObject() {
			errs++
			continue
		}
		raw := record.RawRecord{Source: record.SourceIntercept, Payload: interceptPayload(entry)}
		if id := raw.Str("jid"); id != "" {
			n.knownIDs = append(n.knownIDs, id)
		}
		raws = append(raws, raw)
	}
	return raws, errs
}

// interceptPayload maps one wire entry into the intercept raw shape.
func interceptPayload(entry gjson.Result) map[string]any {
	payload := map[string]any{}

	if jid := entry.Get("jid").String(); jid != "" {
		payload["jid"] = jid
	} else if id := entry.Get("id._serialized").String(); id != "" {
		payload["jid"] = id
	}
	if wid := entry.Get("wid").String(); wid != "" {
		payload["wid"] = wid
	}
	if sid := entry.Get("id.server_id").String(); sid != "" {
		payload["serverId"] = sid
	} else if sid := entry.Get("serverId").String(); sid != "" {
		payload["serverId"] = sid
	}
	if user := entry.Get("id.user").String(); user != "" {
		payload["userId"] = user
	}

	if name := entry.Get("name").String(); name != "" {
		payload["name"] = name
	} else if name := entry.Get("contact.name").String(); name != "" {
		payload["name"] = name
	}

	ref, _ := payload["jid"].(string)
	if g := entry.Get("isGroup"); g.Exists() {
		payload["isGroup"] = g.Bool()
	} else if strings.HasSuffix(ref, "@g.us") {
		payload["isGroup"] = true
	}
	if strings.HasSuffix(ref, "@broadcast") {
		payload["isBroadcast"] = true
	}

	if u := entry.Get("unread"); u.Exists() {
		payload["unread"] = int(u.Int())
	} else if u := entry.Get("unreadCount"); u.Exists() {
		payload["unread"] = int(u.Int())
	}
	if avatar := entry.Get("avatar").String(); avatar != "" {
		payload["avatar"] = avatar
	}

	return payload
}

// IsComplete is true on the explicit end-of-list marker, or when the
// running decoded count reaches the embedded total.
func (n *NetworkInterceptSource) IsComplete() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.endMarker && len(n.frames) == 0 {
		return true
	}
	return n.hasTotal && n.decoded >= n.total
}

// Exhausted reports that the wire has gone quiet without a completion
// signal.
func (n *NetworkInterceptSource) Exhausted() bool {
	return n.emptyFetch >= interceptIdleLimit
}

// TotalExpected returns the count embedded in a wire frame, when seen.
func (n *NetworkInterceptSource) TotalExpected() (int, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.total, n.hasTotal
}

// KnownIDs implements Enumerator with ids decoded off the wire.
func (n *NetworkInterceptSource) KnownIDs() []string { return n.knownIDs }

// Close detaches from the interception channel. Idempotent.
func (n *NetworkInterceptSource) Close() error {
	n.mu.Lock()
	n.tapped = false
	n.mu.Unlock()
	if n.detach != nil {
		n.detach()
		n.detach = nil
	}
	return nil
}
