// Package calls owns the audio/video call lifecycle. Each call session lives
// in the memory of the instance that created it; lifecycle outcomes reach
// the parties as events on the broker, so their sessions may live anywhere.
package calls

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/chat-core/internal/broker"
	"github.com/example/chat-core/internal/model"
)

// Broker topics. Events are keyed by the notified user, signals by the
// addressee, so each user's stream stays ordered.
const (
	TopicEvents  = "call-events"
	TopicSignals = "call-signals"
)

// Event types delivered to call parties.
const (
	EventIncomingCall = "incoming-call"
	EventCallAccepted = "call-accepted"
	EventCallRejected = "call-rejected"
	EventCallEnded    = "call-ended"
	EventCallMissed   = "call-missed"
)

// Event is one call lifecycle notification addressed to a single user.
type Event struct {
	Type   string            `json:"type"`
	UserID string            `json:"userId"`
	Call   model.CallSession `json:"call"`
}

// StatusReader answers presence queries for the callee-availability check.
type StatusReader interface {
	GetStatus(userID string) model.PresenceStatus
}

type entry struct {
	session model.CallSession
	timer   *time.Timer
}

// Manager drives call sessions through their state machine. Transitions are
// guarded under one lock so that of a concurrent accept, reject, and ring
// timeout exactly one wins.
type Manager struct {
	broker      broker.Broker
	presence    StatusReader
	ringTimeout time.Duration

	mu     sync.Mutex
	active map[string]*entry

	callCounter    metric.Int64Counter
	outcomeCounter metric.Int64Counter
}

// NewManager builds a call manager. ringTimeout bounds how long an
// unanswered call keeps ringing before it is marked MISSED.
func NewManager(b broker.Broker, presence StatusReader, ringTimeout time.Duration) *Manager {
	meter := otel.Meter("calls")
	callCounter, _ := meter.Int64Counter("calls_initiated_total",
		metric.WithDescription("Total calls initiated"))
	outcomeCounter, _ := meter.Int64Counter("calls_outcomes_total",
		metric.WithDescription("Total call outcomes by final status"))

	return &Manager{
		broker:         b,
		presence:       presence,
		ringTimeout:    ringTimeout,
		active:         make(map[string]*entry),
		callCounter:    callCounter,
		outcomeCounter: outcomeCounter,
	}
}

// InitiateCall creates a RINGING session and notifies the receiver. The
// receiver must be ONLINE; otherwise model.ErrReceiverUnavailable.
func (m *Manager) InitiateCall(ctx context.Context, callerID, receiverID string, callType model.CallType) (model.CallSession, error) {
	if m.presence.GetStatus(receiverID) != model.StatusOnline {
		return model.CallSession{}, fmt.Errorf("%w: user %s is not online", model.ErrReceiverUnavailable, receiverID)
	}

	session := model.CallSession{
		CallID:     uuid.NewString(),
		CallerID:   callerID,
		ReceiverID: receiverID,
		CallType:   callType,
		Status:     model.CallRinging,
		StartTime:  time.Now(),
	}

	m.mu.Lock()
	e := &entry{session: session}
	e.timer = time.AfterFunc(m.ringTimeout, func() { m.timeoutCall(session.CallID) })
	m.active[session.CallID] = e
	m.mu.Unlock()

	m.callCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(callType))))
	slog.Info("Call initiated", "call", session.CallID, "caller", callerID, "receiver", receiverID, "type", callType)

	if err := m.notify(ctx, EventIncomingCall, receiverID, session); err != nil {
		// The caller is told the call failed; the entry must not linger and
		// ring into a MISSED outcome.
		m.mu.Lock()
		if e, ok := m.active[session.CallID]; ok {
			e.timer.Stop()
			delete(m.active, session.CallID)
		}
		m.mu.Unlock()
		return model.CallSession{}, err
	}
	return session, nil
}

// AcceptCall moves a RINGING call to ONGOING. Only the receiver may accept.
func (m *Manager) AcceptCall(ctx context.Context, callID, userID string) (model.CallSession, error) {
	m.mu.Lock()
	e, ok := m.active[callID]
	if !ok {
		m.mu.Unlock()
		return model.CallSession{}, fmt.Errorf("%w: call %s", model.ErrNotFound, callID)
	}
	if e.session.ReceiverID != userID {
		m.mu.Unlock()
		return model.CallSession{}, fmt.Errorf("%w: only the receiver may accept", model.ErrForbidden)
	}
	if e.session.Status != model.CallRinging {
		m.mu.Unlock()
		return model.CallSession{}, fmt.Errorf("%w: call %s is %s", model.ErrInvalidTransition, callID, e.session.Status)
	}
	e.timer.Stop()
	e.session.Status = model.CallOngoing
	session := e.session
	m.mu.Unlock()

	slog.Info("Call accepted", "call", callID, "receiver", userID)
	if err := m.notify(ctx, EventCallAccepted, session.CallerID, session); err != nil {
		return model.CallSession{}, err
	}
	return session, nil
}

// RejectCall moves a RINGING call to REJECTED. Only the receiver may reject.
func (m *Manager) RejectCall(ctx context.Context, callID, userID string) (model.CallSession, error) {
	m.mu.Lock()
	e, ok := m.active[callID]
	if !ok {
		m.mu.Unlock()
		return model.CallSession{}, fmt.Errorf("%w: call %s", model.ErrNotFound, callID)
	}
	if e.session.ReceiverID != userID {
		m.mu.Unlock()
		return model.CallSession{}, fmt.Errorf("%w: only the receiver may reject", model.ErrForbidden)
	}
	if e.session.Status != model.CallRinging {
		m.mu.Unlock()
		return model.CallSession{}, fmt.Errorf("%w: call %s is %s", model.ErrInvalidTransition, callID, e.session.Status)
	}
	e.timer.Stop()
	session := m.finishLocked(e, model.CallRejected)
	m.mu.Unlock()

	m.outcomeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(model.CallRejected))))
	slog.Info("Call rejected", "call", callID, "receiver", userID)
	if err := m.notifyParties(ctx, EventCallRejected, session); err != nil {
		return model.CallSession{}, err
	}
	return session, nil
}

// EndCall terminates a RINGING or ONGOING call. Either party may end it; the
// other party is notified.
func (m *Manager) EndCall(ctx context.Context, callID, userID string) (model.CallSession, error) {
	m.mu.Lock()
	e, ok := m.active[callID]
	if !ok {
		m.mu.Unlock()
		return model.CallSession{}, fmt.Errorf("%w: call %s", model.ErrNotFound, callID)
	}
	if e.session.CallerID != userID && e.session.ReceiverID != userID {
		m.mu.Unlock()
		return model.CallSession{}, fmt.Errorf("%w: not a party to call %s", model.ErrForbidden, callID)
	}
	if e.session.Status.Terminal() {
		m.mu.Unlock()
		return model.CallSession{}, fmt.Errorf("%w: call %s is %s", model.ErrInvalidTransition, callID, e.session.Status)
	}
	e.timer.Stop()
	session := m.finishLocked(e, model.CallEnded)
	m.mu.Unlock()

	m.outcomeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(model.CallEnded))))
	slog.Info("Call ended", "call", callID, "by", userID)
	if err := m.notifyParties(ctx, EventCallEnded, session); err != nil {
		return model.CallSession{}, err
	}
	return session, nil
}

// ActiveCall returns a snapshot of a live call session.
func (m *Manager) ActiveCall(callID string) (model.CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.active[callID]
	if !ok {
		return model.CallSession{}, false
	}
	return e.session, true
}

// timeoutCall fires when the ring timer elapses. A call that is no longer
// RINGING was already resolved and is left alone.
func (m *Manager) timeoutCall(callID string) {
	m.mu.Lock()
	e, ok := m.active[callID]
	if !ok || e.session.Status != model.CallRinging {
		m.mu.Unlock()
		return
	}
	session := m.finishLocked(e, model.CallMissed)
	m.mu.Unlock()

	ctx := context.Background()
	m.outcomeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(model.CallMissed))))
	slog.Info("Call missed, ring timeout elapsed", "call", callID)
	if err := m.notifyParties(ctx, EventCallMissed, session); err != nil {
		slog.Warn("Failed to notify parties of missed call", "call", callID, "error", err)
	}
}

// finishLocked applies a terminal status and drops the entry. Caller holds
// the lock.
func (m *Manager) finishLocked(e *entry, status model.CallStatus) model.CallSession {
	now := time.Now()
	e.session.Status = status
	e.session.EndTime = &now
	delete(m.active, e.session.CallID)
	return e.session
}

// HandleSignal forwards a WebRTC signal to its addressee. No call state is
// consulted; signaling is pass-through.
func (m *Manager) HandleSignal(ctx context.Context, sig model.Signal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	return m.broker.Publish(ctx, TopicSignals, sig.To, data)
}

// notifyParties delivers a terminal-status event to caller and receiver
// alike, so every session either party holds observes the outcome.
func (m *Manager) notifyParties(ctx context.Context, eventType string, session model.CallSession) error {
	if err := m.notify(ctx, eventType, session.CallerID, session); err != nil {
		return err
	}
	return m.notify(ctx, eventType, session.ReceiverID, session)
}

func (m *Manager) notify(ctx context.Context, eventType, userID string, session model.CallSession) error {
	data, err := json.Marshal(Event{Type: eventType, UserID: userID, Call: session})
	if err != nil {
		return fmt.Errorf("encode call event: %w", err)
	}
	return m.broker.Publish(ctx, TopicEvents, userID, data)
}
