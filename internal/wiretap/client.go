// Package wiretap bridges the extractor to the browser driver over NATS.
// The driver owns the live client app; this package exposes its state
// model, network tap and rendered view as source.TargetSession, and
// publishes extraction lifecycle events for downstream consumers.
package wiretap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/atakhan/whatsapp-to-tg/internal/record"
)

// Driver request subjects, parameterised by target ref.
const (
	subjectState       = "wa.driver.%s.state"
	subjectWire        = "wa.driver.%s.wire"
	subjectViewAdvance = "wa.driver.%s.view.advance"
	subjectViewItems   = "wa.driver.%s.view.items"
	subjectViewDetach  = "wa.driver.%s.view.detach"
)

// Lifecycle event subjects.
const (
	SubjectExtractionStarted   = "wa.extraction.started"
	SubjectExtractionCompleted = "wa.extraction.completed"
)

// StartedEvent announces a new extraction session on the bus.
type StartedEvent struct {
	ExtractionID string    `json:"extraction_id"`
	TargetRef    string    `json:"target_ref"`
	StartedAt    time.Time `json:"started_at"`
}

// CompletedEvent announces a terminated session together with its
// outcome summary.
type CompletedEvent struct {
	ExtractionID   string           `json:"extraction_id"`
	TargetRef      string           `json:"target_ref"`
	Completeness   string           `json:"completeness"`
	SourceUsed     record.SourceTag `json:"source_used"`
	CollectedCount int              `json:"collected_count"`
	AnomalyCount   int              `json:"anomaly_count"`
	FinishedAt     time.Time        `json:"finished_at"`
}

// Client holds the NATS connection shared by all target sessions.
type Client struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewClient connects to the bus. The connection retries in the
// background, so a driver that comes up later is picked up without a
// restart.
func NewClient(url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc, logger: logger}, nil
}

// Target returns a session handle for one driver-attached client app.
func (c *Client) Target(ref string) *Session {
	return &Session{client: c, ref: ref}
}

// ExtractionStarted publishes the session-started lifecycle event.
func (c *Client) ExtractionStarted(id uuid.UUID, targetRef string) {
	c.publish(SubjectExtractionStarted, StartedEvent{
		ExtractionID: id.String(),
		TargetRef:    targetRef,
		StartedAt:    time.Now().UTC(),
	})
}

// ExtractionFinished publishes the session-completed lifecycle event.
func (c *Client) ExtractionFinished(id uuid.UUID, targetRef string, final record.Result) {
	c.publish(SubjectExtractionCompleted, CompletedEvent{
		ExtractionID:   id.String(),
		TargetRef:      targetRef,
		Completeness:   final.Completeness,
		SourceUsed:     final.SourceUsed,
		CollectedCount: final.CollectedCount,
		AnomalyCount:   len(final.Anomalies),
		FinishedAt:     time.Now().UTC(),
	})
}

func (c *Client) publish(subject string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("marshal lifecycle event", "subject", subject, "error", err)
		return
	}
	if err := c.conn.Publish(subject, payload); err != nil {
		c.logger.Warn("publish lifecycle event", "subject", subject, "error", err)
	}
}

func (c *Client) request(ctx context.Context, subject string, body []byte) ([]byte, error) {
	msg, err := c.conn.RequestWithContext(ctx, subject, body)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}
	return msg.Data, nil
}

// Close drops the bus connection. Sessions handed out by Target must not
// be used afterwards.
func (c *Client) Close() {
	c.conn.Close()
}
