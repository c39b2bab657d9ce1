// Package events publishes domain events (session lifecycle, feedback,
// bucket assignments) to interested downstream systems.
//
// Delivery is best effort. Use cases hand events to an [Emitter], which never
// fails the operation that produced them: undeliverable events are logged
// and counted.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tan-res-space/rag-interface/internal/observe"
	"github.com/tan-res-space/rag-interface/internal/resilience"
)

// Type names an event kind.
type Type string

const (
	SessionStarted    Type = "session.started"
	SessionCompleted  Type = "session.completed"
	SessionCancelled  Type = "session.cancelled"
	FeedbackSubmitted Type = "feedback.submitted"
	BucketAssigned    Type = "bucket.assigned"
	ReportRecorded    Type = "error_report.recorded"
	MetricsUpdated    Type = "performance.updated"
)

// Event is the envelope published for every domain event.
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	SpeakerID  string         `json:"speaker_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data,omitempty"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// ── log ─────────────────────────────────────────────────────────────────────

// LogPublisher writes every event to slog at Info level.
type LogPublisher struct{}

var _ Publisher = LogPublisher{}

// Publish implements [Publisher].
func (LogPublisher) Publish(ctx context.Context, e Event) error {
	observe.Logger(ctx).LogAttrs(ctx, slog.LevelInfo, "domain event",
		slog.String("event_id", e.ID),
		slog.String("type", string(e.Type)),
		slog.String("speaker_id", e.SpeakerID),
		slog.String("session_id", e.SessionID),
		slog.Any("data", e.Data),
	)
	return nil
}

// ── redis ───────────────────────────────────────────────────────────────────

// RedisClient is the subset of the go-redis API used by [RedisPublisher].
type RedisClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisPublisher PUBLISHes events as JSON on a Redis channel.
type RedisPublisher struct {
	client  RedisClient
	channel string
}

var _ Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher creates a [RedisPublisher]. An empty channel defaults to
// "raginterface.events".
func NewRedisPublisher(client RedisClient, channel string) *RedisPublisher {
	if channel == "" {
		channel = "raginterface.events"
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Publish implements [Publisher].
func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", e.Type, err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("events: publish %s: %w", e.Type, err)
	}
	return nil
}

// ── composition ─────────────────────────────────────────────────────────────

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

var _ Publisher = Multi(nil)

// Publish implements [Publisher].
func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Failover delivers an event to the first healthy publisher of a
// [resilience.FallbackGroup], typically Redis with a log fallback.
type Failover struct {
	group *resilience.FallbackGroup[Publisher]
}

var _ Publisher = (*Failover)(nil)

// Named labels a publisher inside a [Failover].
type Named struct {
	Name      string
	Publisher Publisher
}

// NewFailover creates a [Failover] trying primary first, then fallbacks in
// order. Each gets its own circuit breaker configured by cb.
func NewFailover(cb resilience.CircuitBreakerConfig, primary Named, fallbacks ...Named) *Failover {
	g := resilience.NewFallbackGroup(primary.Publisher, primary.Name, resilience.FallbackConfig{CircuitBreaker: cb})
	for _, f := range fallbacks {
		g.AddFallback(f.Name, f.Publisher)
	}
	return &Failover{group: g}
}

// Backends lists the publisher names in the order they are tried.
func (f *Failover) Backends() []string { return f.group.Names() }

// Publish implements [Publisher].
func (f *Failover) Publish(ctx context.Context, e Event) error {
	return f.group.Do(ctx, func(ctx context.Context, p Publisher) error {
		return p.Publish(ctx, e)
	})
}

// ── memory ──────────────────────────────────────────────────────────────────

// Memory records published events. It is used by tests and by deployments
// that want to inspect recent events without a broker.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

var _ Publisher = (*Memory)(nil)

// Publish implements [Publisher].
func (m *Memory) Publish(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

// Events returns a copy of everything published so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.events)
}

// OfType returns the recorded events of type t.
func (m *Memory) OfType(t Type) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// ── emitter ─────────────────────────────────────────────────────────────────

// ErrorRecorder counts undeliverable events. *observe.Metrics satisfies it.
type ErrorRecorder interface {
	RecordEventError(ctx context.Context, event string)
}

// Emitter stamps and publishes events on behalf of use cases.
type Emitter struct {
	pub Publisher
	rec ErrorRecorder
	now func() time.Time
}

// NewEmitter creates an [Emitter]. A nil publisher drops every event; a nil
// recorder skips counting.
func NewEmitter(pub Publisher, rec ErrorRecorder) *Emitter {
	return &Emitter{pub: pub, rec: rec, now: func() time.Time { return time.Now().UTC() }}
}

// Emit fills in ID and OccurredAt when missing and publishes e. Errors are
// logged and counted, never returned.
func (em *Emitter) Emit(ctx context.Context, e Event) {
	if em == nil || em.pub == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = em.now()
	}
	if err := em.pub.Publish(ctx, e); err != nil {
		observe.Logger(ctx).Warn("event not delivered",
			"type", string(e.Type), "event_id", e.ID, "error", err)
		if em.rec != nil {
			em.rec.RecordEventError(ctx, string(e.Type))
		}
	}
}
