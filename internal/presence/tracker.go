// Package presence tracks per-user online state. The shared expiring store
// is authoritative; each instance keeps a local registry purely as the
// sweep's working set and never serves reads from it.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/chat-core/internal/broker"
	"github.com/example/chat-core/internal/kvstore"
	"github.com/example/chat-core/internal/model"
)

// TopicEvents carries presence-changed events, keyed by user id.
const TopicEvents = "presence-events"

// Event is published on TopicEvents whenever a user's status changes.
type Event struct {
	UserID string               `json:"userId"`
	Status model.PresenceStatus `json:"status"`
}

type localEntry struct {
	status       model.PresenceStatus
	lastActiveAt time.Time
}

// Tracker maintains presence records with lease expiry and heartbeat-driven
// liveness.
type Tracker struct {
	store  kvstore.Store
	broker broker.Broker

	lease       time.Duration
	idleTimeout time.Duration

	mu    sync.RWMutex
	local map[string]localEntry

	updateCounter metric.Int64Counter
	demoteCounter metric.Int64Counter
}

// NewTracker builds a tracker over the shared store and event broker. lease
// bounds how long an ONLINE record is trusted without a heartbeat;
// idleTimeout is the inactivity window after which the sweep demotes a user.
func NewTracker(store kvstore.Store, b broker.Broker, lease, idleTimeout time.Duration) *Tracker {
	meter := otel.Meter("presence")
	updateCounter, _ := meter.Int64Counter("presence_updates_total",
		metric.WithDescription("Total presence status writes"))
	demoteCounter, _ := meter.Int64Counter("presence_sweep_demotions_total",
		metric.WithDescription("Total users demoted to OFFLINE by the idle sweep"))

	return &Tracker{
		store:         store,
		broker:        b,
		lease:         lease,
		idleTimeout:   idleTimeout,
		local:         make(map[string]localEntry),
		updateCounter: updateCounter,
		demoteCounter: demoteCounter,
	}
}

// SetOnline writes an ONLINE record with a fresh lease and publishes a
// presence-changed event.
func (t *Tracker) SetOnline(ctx context.Context, userID string) error {
	now := time.Now()
	record := model.PresenceRecord{
		UserID:       userID,
		Status:       model.StatusOnline,
		LastActiveAt: now,
		LeaseExpiry:  now.Add(t.lease),
	}
	data, _ := json.Marshal(record)
	if _, err := t.store.Put(userID, data); err != nil {
		return fmt.Errorf("write presence record: %w", err)
	}

	t.mu.Lock()
	t.local[userID] = localEntry{status: model.StatusOnline, lastActiveAt: now}
	t.mu.Unlock()

	t.updateCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(model.StatusOnline))))
	slog.Info("User online", "user", userID)
	return t.publishEvent(ctx, userID, model.StatusOnline)
}

// SetOffline demotes a user to OFFLINE and clears the lease. Calling it for
// a user who is already offline is a no-op. The demotion is CAS-guarded so
// that across concurrent instances only one emits the OFFLINE event.
func (t *Tracker) SetOffline(ctx context.Context, userID string) error {
	t.mu.Lock()
	delete(t.local, userID)
	t.mu.Unlock()

	record := model.PresenceRecord{
		UserID:       userID,
		Status:       model.StatusOffline,
		LastActiveAt: time.Now(),
	}
	data, _ := json.Marshal(record)

	entry, err := t.store.Get(userID)
	if err != nil {
		if !errors.Is(err, kvstore.ErrKeyNotFound) {
			return fmt.Errorf("read presence record: %w", err)
		}
		if _, err := t.store.Put(userID, data); err != nil {
			return fmt.Errorf("write presence record: %w", err)
		}
		return t.publishEvent(ctx, userID, model.StatusOffline)
	}

	var current model.PresenceRecord
	if json.Unmarshal(entry.Value, &current) == nil && current.Status == model.StatusOffline {
		return nil
	}

	if _, err := t.store.Update(userID, data, entry.Revision); err != nil {
		if errors.Is(err, kvstore.ErrRevisionMismatch) {
			slog.Debug("Offline CAS lost, another instance won", "user", userID)
			return nil
		}
		return fmt.Errorf("demote presence record: %w", err)
	}

	t.updateCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(model.StatusOffline))))
	slog.Info("User offline", "user", userID)
	return t.publishEvent(ctx, userID, model.StatusOffline)
}

// Heartbeat refreshes the user's lease and last-activity time without
// changing status. A heartbeat from a user with no record creates one as
// ONLINE.
func (t *Tracker) Heartbeat(ctx context.Context, userID string) error {
	now := time.Now()

	record := model.PresenceRecord{
		UserID:       userID,
		Status:       model.StatusOnline,
		LastActiveAt: now,
		LeaseExpiry:  now.Add(t.lease),
	}
	if entry, err := t.store.Get(userID); err == nil {
		var current model.PresenceRecord
		if json.Unmarshal(entry.Value, &current) == nil && current.Status == model.StatusOffline {
			record.Status = model.StatusOffline
			record.LeaseExpiry = time.Time{}
		}
	}

	data, _ := json.Marshal(record)
	if _, err := t.store.Put(userID, data); err != nil {
		return fmt.Errorf("refresh presence record: %w", err)
	}

	t.mu.Lock()
	t.local[userID] = localEntry{status: record.Status, lastActiveAt: now}
	t.mu.Unlock()
	return nil
}

// GetStatus reads the authoritative store, defaulting to OFFLINE for users
// with no record or an expired lease.
func (t *Tracker) GetStatus(userID string) model.PresenceStatus {
	entry, err := t.store.Get(userID)
	if err != nil {
		return model.StatusOffline
	}
	var record model.PresenceRecord
	if err := json.Unmarshal(entry.Value, &record); err != nil {
		return model.StatusOffline
	}
	if record.Expired(time.Now()) {
		return model.StatusOffline
	}
	return record.Status
}

// Snapshot returns the status of every user known to the shared store.
func (t *Tracker) Snapshot() map[string]model.PresenceStatus {
	statuses := make(map[string]model.PresenceStatus)
	keys, err := t.store.Keys()
	if err != nil {
		slog.Warn("Presence snapshot failed to list keys", "error", err)
		return statuses
	}
	for _, userID := range keys {
		statuses[userID] = t.GetStatus(userID)
	}
	return statuses
}

// Sweep demotes every locally known ONLINE user whose last activity is at
// least the idle timeout ago. Leader-less: each instance sweeps only its own
// registry, the store's CAS keeps concurrent demotions single-winner.
func (t *Tracker) Sweep(ctx context.Context) {
	now := time.Now()

	t.mu.RLock()
	stale := make([]string, 0)
	for userID, entry := range t.local {
		if entry.status == model.StatusOnline && now.Sub(entry.lastActiveAt) >= t.idleTimeout {
			stale = append(stale, userID)
		}
	}
	t.mu.RUnlock()

	for _, userID := range stale {
		if err := t.SetOffline(ctx, userID); err != nil {
			slog.Warn("Sweep failed to demote user", "user", userID, "error", err)
			continue
		}
		t.demoteCounter.Add(ctx, 1)
		slog.Info("User marked offline due to inactivity", "user", userID)
	}
}

// Run executes the sweep at the given interval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

func (t *Tracker) publishEvent(ctx context.Context, userID string, status model.PresenceStatus) error {
	data, _ := json.Marshal(Event{UserID: userID, Status: status})
	if err := t.broker.Publish(ctx, TopicEvents, userID, data); err != nil {
		return err
	}
	return nil
}
