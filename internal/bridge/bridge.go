// Package bridge provides request/response over the async broker. A request
// carries a correlation id; the matching response resolves the in-flight
// slot, and slots that never resolve are evicted by a janitor so the table
// cannot grow without bound.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/chat-core/internal/broker"
)

// ErrTimeout is returned when no correlated response arrives in time.
// Callers are expected to fall back to a default outcome.
var ErrTimeout = errors.New("bridge: request timed out")

// ResponseSuffix is appended to a request topic to form its response topic.
const ResponseSuffix = ".response"

// TopicCheckEmail asks the user directory whether an email is registered.
const TopicCheckEmail = "check-email"

type slot struct {
	ch        chan json.RawMessage
	createdAt time.Time
}

// Bridge correlates requests published on a topic with responses consumed
// from topic + ResponseSuffix.
type Bridge struct {
	broker         broker.Broker
	defaultTimeout time.Duration
	slotTTL        time.Duration

	mu      sync.Mutex
	pending map[string]*slot

	requestCounter metric.Int64Counter
	timeoutCounter metric.Int64Counter
	evictCounter   metric.Int64Counter
}

// New builds a bridge. defaultTimeout applies when a caller passes a
// non-positive timeout; slotTTL bounds how long an unresolved slot survives.
func New(b broker.Broker, defaultTimeout, slotTTL time.Duration) *Bridge {
	meter := otel.Meter("bridge")
	requestCounter, _ := meter.Int64Counter("bridge_requests_total",
		metric.WithDescription("Total correlated requests issued"))
	timeoutCounter, _ := meter.Int64Counter("bridge_timeouts_total",
		metric.WithDescription("Total correlated requests that timed out"))
	evictCounter, _ := meter.Int64Counter("bridge_slot_evictions_total",
		metric.WithDescription("Total stale correlation slots evicted"))

	return &Bridge{
		broker:         b,
		defaultTimeout: defaultTimeout,
		slotTTL:        slotTTL,
		pending:        make(map[string]*slot),
		requestCounter: requestCounter,
		timeoutCounter: timeoutCounter,
		evictCounter:   evictCounter,
	}
}

// Bind subscribes the bridge to the response topic for a request topic. Must
// be called once per topic before Request is used with it.
func (b *Bridge) Bind(topic string) error {
	return b.broker.Subscribe(topic+ResponseSuffix, func(ctx context.Context, _ string, data []byte) {
		b.resolve(data)
	})
}

// Request publishes payload on topic with an injected correlationId field
// and blocks until the correlated response arrives, the timeout elapses, or
// ctx is cancelled. The raw response is returned for the caller to decode.
func (b *Bridge) Request(ctx context.Context, topic string, payload map[string]any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	correlationID := uuid.NewString()
	wire := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		wire[k] = v
	}
	wire["correlationId"] = correlationID
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	s := &slot{ch: make(chan json.RawMessage, 1), createdAt: time.Now()}
	b.mu.Lock()
	b.pending[correlationID] = s
	b.mu.Unlock()
	defer b.forget(correlationID)

	b.requestCounter.Add(ctx, 1)
	if err := b.broker.Publish(ctx, topic, correlationID, data); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case response := <-s.ch:
		return response, nil
	case <-timer.C:
		b.timeoutCounter.Add(ctx, 1)
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, topic, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CheckEmail asks the user directory whether an email belongs to a
// registered user. A timeout resolves to false, the safe default.
func (b *Bridge) CheckEmail(ctx context.Context, email string) (bool, error) {
	raw, err := b.Request(ctx, TopicCheckEmail, map[string]any{"email": email}, 0)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			slog.Warn("Email check timed out, assuming not registered", "email", email)
			return false, nil
		}
		return false, err
	}

	var response struct {
		Exists bool `json:"exists"`
	}
	if err := json.Unmarshal(raw, &response); err != nil {
		return false, fmt.Errorf("decode email check response: %w", err)
	}
	return response.Exists, nil
}

func (b *Bridge) resolve(data []byte) {
	var envelope struct {
		CorrelationID string `json:"correlationId"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.CorrelationID == "" {
		slog.Warn("Dropping response without correlation id")
		return
	}

	b.mu.Lock()
	s, ok := b.pending[envelope.CorrelationID]
	if ok {
		delete(b.pending, envelope.CorrelationID)
	}
	b.mu.Unlock()
	if !ok {
		// Late response for a slot that timed out or was evicted.
		return
	}
	s.ch <- json.RawMessage(data)
}

func (b *Bridge) forget(correlationID string) {
	b.mu.Lock()
	delete(b.pending, correlationID)
	b.mu.Unlock()
}

// evictStale drops slots older than the TTL and reports how many went.
func (b *Bridge) evictStale(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	evicted := 0
	for id, s := range b.pending {
		if now.Sub(s.createdAt) >= b.slotTTL {
			delete(b.pending, id)
			evicted++
		}
	}
	return evicted
}

// Run evicts stale slots on a fixed cadence until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	ticker := time.NewTicker(b.slotTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := b.evictStale(time.Now()); n > 0 {
				b.evictCounter.Add(ctx, int64(n))
				slog.Info("Evicted stale correlation slots", "count", n)
			}
		}
	}
}
