// Package audit records an append-only trail of pipeline transitions.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/zen-systems/pixelgate/pkg/broker"
	"github.com/zen-systems/pixelgate/pkg/evidence"
	"github.com/zen-systems/pixelgate/pkg/metrics"
)

// Kind is an audit event kind.
type Kind string

const (
	KindAttempt           Kind = "attempt"
	KindBlocked           Kind = "blocked"
	KindInsufficientFunds Kind = "insufficient-funds"
	KindRateLimited       Kind = "rate-limited"
	KindSucceeded         Kind = "succeeded"
	KindFailed            Kind = "failed"
	KindRefunded          Kind = "refunded"
	KindInvalid           Kind = "invalid"
)

// Event is an immutable audit record.
type Event struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	RequestID string         `json:"request_id"`
	Kind      Kind           `json:"kind"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store is the primary, durable event store. EventsForRequest returns events
// in append order.
type Store interface {
	AppendEvent(ctx context.Context, e *Event) error
	CountEvents(ctx context.Context, userID string, kind Kind, since time.Time) (int, error)
	EventsForRequest(ctx context.Context, requestID string) ([]Event, error)
	EventsForUser(ctx context.Context, userID string, limit int) ([]Event, error)
}

// Sink is a best-effort secondary destination.
type Sink interface {
	Name() string
	Publish(ctx context.Context, e Event) error
}

// Trail writes events to the primary store, then fans out to sinks.
type Trail struct {
	store   Store
	sinks   []Sink
	log     *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewTrail creates a Trail.
func NewTrail(store Store, log *logrus.Logger, m *metrics.Metrics, sinks ...Sink) *Trail {
	return &Trail{
		store:   store,
		sinks:   sinks,
		log:     log,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Record appends an event. Only a primary store failure is returned.
func (t *Trail) Record(ctx context.Context, userID, requestID string, kind Kind, detail map[string]any) (*Event, error) {
	e := &Event{
		ID:        uuid.NewString(),
		UserID:    userID,
		RequestID: requestID,
		Kind:      kind,
		Detail:    detail,
		CreatedAt: t.now(),
	}
	if err := t.store.AppendEvent(ctx, e); err != nil {
		t.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"user_id":    userID,
			"kind":       kind,
			"error":      err,
		}).Error("audit append failed")
		return nil, fmt.Errorf("append audit event: %w", err)
	}

	for _, sink := range t.sinks {
		if err := sink.Publish(ctx, *e); err != nil {
			t.metrics.AuditSinkError(sink.Name())
			t.log.WithFields(logrus.Fields{
				"request_id": requestID,
				"sink":       sink.Name(),
				"kind":       kind,
				"error":      err,
			}).Warn("audit sink write failed")
		}
	}
	return e, nil
}

// CountSince counts the user's events of kind created at or after since.
func (t *Trail) CountSince(ctx context.Context, userID string, kind Kind, since time.Time) (int, error) {
	return t.store.CountEvents(ctx, userID, kind, since)
}

// ForRequest returns a request's events in the order they were recorded.
func (t *Trail) ForRequest(ctx context.Context, requestID string) ([]Event, error) {
	return t.store.EventsForRequest(ctx, requestID)
}

// ForUser returns the user's most recent events, newest first.
func (t *Trail) ForUser(ctx context.Context, userID string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return t.store.EventsForUser(ctx, userID, limit)
}

// EvidenceSink writes events to per-request JSON-lines files.
type EvidenceSink struct {
	Writer *evidence.Writer
}

// Name implements Sink.
func (s EvidenceSink) Name() string { return "evidence" }

// Publish implements Sink.
func (s EvidenceSink) Publish(_ context.Context, e Event) error {
	return s.Writer.Append(evidence.Record{
		EventID:   e.ID,
		RequestID: e.RequestID,
		UserID:    e.UserID,
		Kind:      string(e.Kind),
		Detail:    e.Detail,
		Timestamp: e.CreatedAt,
	})
}

// BrokerSink publishes events to RabbitMQ with routing key audit.<kind>.
type BrokerSink struct {
	Publisher *broker.Publisher
}

// Name implements Sink.
func (s BrokerSink) Name() string { return "amqp" }

// Publish implements Sink.
func (s BrokerSink) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.Publisher.Publish(ctx, "audit."+string(e.Kind), e.ID, body)
}
