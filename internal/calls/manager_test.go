package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/chat-core/internal/broker"
	"github.com/example/chat-core/internal/model"
)

type staticPresence map[string]model.PresenceStatus

func (p staticPresence) GetStatus(userID string) model.PresenceStatus {
	if s, ok := p[userID]; ok {
		return s
	}
	return model.StatusOffline
}

type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) waitFor(t *testing.T, match func(Event) bool) Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for _, e := range s.events {
			if match(e) {
				s.mu.Unlock()
				return e
			}
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for call event")
	return Event{}
}

func newTestManager(t *testing.T, presence StatusReader, ringTimeout time.Duration) (*Manager, *eventSink) {
	t.Helper()
	b := broker.NewMemory()
	t.Cleanup(b.Close)

	sink := &eventSink{}
	err := b.Subscribe(TopicEvents, func(_ context.Context, _ string, data []byte) {
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			t.Errorf("malformed call event: %v", err)
			return
		}
		sink.mu.Lock()
		sink.events = append(sink.events, event)
		sink.mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	return NewManager(b, presence, ringTimeout), sink
}

func onlinePair() staticPresence {
	return staticPresence{"alice": model.StatusOnline, "bob": model.StatusOnline}
}

func TestInitiateCallReceiverOffline(t *testing.T) {
	m, _ := newTestManager(t, staticPresence{"alice": model.StatusOnline}, time.Minute)
	_, err := m.InitiateCall(context.Background(), "alice", "bob", model.CallVideo)
	if !errors.Is(err, model.ErrReceiverUnavailable) {
		t.Fatalf("err = %v, want ErrReceiverUnavailable", err)
	}
}

func TestInitiateCallNotifiesReceiver(t *testing.T) {
	m, sink := newTestManager(t, onlinePair(), time.Minute)

	session, err := m.InitiateCall(context.Background(), "alice", "bob", model.CallVideo)
	if err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}
	if session.Status != model.CallRinging {
		t.Errorf("status = %s, want RINGING", session.Status)
	}

	event := sink.waitFor(t, func(e Event) bool { return e.Type == EventIncomingCall })
	if event.UserID != "bob" {
		t.Errorf("incoming-call addressed to %s, want bob", event.UserID)
	}
	if event.Call.CallID != session.CallID {
		t.Errorf("event call id = %s, want %s", event.Call.CallID, session.CallID)
	}
}

func TestAcceptCall(t *testing.T) {
	m, sink := newTestManager(t, onlinePair(), time.Minute)
	ctx := context.Background()

	session, err := m.InitiateCall(ctx, "alice", "bob", model.CallAudio)
	if err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}

	accepted, err := m.AcceptCall(ctx, session.CallID, "bob")
	if err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	if accepted.Status != model.CallOngoing {
		t.Errorf("status = %s, want ONGOING", accepted.Status)
	}

	event := sink.waitFor(t, func(e Event) bool { return e.Type == EventCallAccepted })
	if event.UserID != "alice" {
		t.Errorf("call-accepted addressed to %s, want alice", event.UserID)
	}
}

func TestAcceptCallAuthorization(t *testing.T) {
	m, _ := newTestManager(t, onlinePair(), time.Minute)
	ctx := context.Background()

	session, err := m.InitiateCall(ctx, "alice", "bob", model.CallAudio)
	if err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}

	// The caller cannot accept their own call.
	if _, err := m.AcceptCall(ctx, session.CallID, "alice"); !errors.Is(err, model.ErrForbidden) {
		t.Errorf("caller accept err = %v, want ErrForbidden", err)
	}
	// Unknown call.
	if _, err := m.AcceptCall(ctx, "no-such-call", "bob"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown call err = %v, want ErrNotFound", err)
	}
}

func TestAcceptAfterAcceptIsInvalid(t *testing.T) {
	m, _ := newTestManager(t, onlinePair(), time.Minute)
	ctx := context.Background()

	session, _ := m.InitiateCall(ctx, "alice", "bob", model.CallAudio)
	if _, err := m.AcceptCall(ctx, session.CallID, "bob"); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	if _, err := m.AcceptCall(ctx, session.CallID, "bob"); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("second accept err = %v, want ErrInvalidTransition", err)
	}
}

func TestRejectCall(t *testing.T) {
	m, sink := newTestManager(t, onlinePair(), time.Minute)
	ctx := context.Background()

	session, _ := m.InitiateCall(ctx, "alice", "bob", model.CallAudio)
	rejected, err := m.RejectCall(ctx, session.CallID, "bob")
	if err != nil {
		t.Fatalf("RejectCall: %v", err)
	}
	if rejected.Status != model.CallRejected {
		t.Errorf("status = %s, want REJECTED", rejected.Status)
	}
	if rejected.EndTime == nil {
		t.Error("EndTime not set on terminal call")
	}

	// Both parties observe the terminal status.
	for _, party := range []string{"alice", "bob"} {
		event := sink.waitFor(t, func(e Event) bool { return e.Type == EventCallRejected && e.UserID == party })
		if event.Call.Status != model.CallRejected {
			t.Errorf("event to %s status = %s, want REJECTED", party, event.Call.Status)
		}
	}

	// Terminal sessions are dropped.
	if _, ok := m.ActiveCall(session.CallID); ok {
		t.Error("rejected call still active")
	}
}

func TestEndCallByEitherParty(t *testing.T) {
	tests := []struct {
		name    string
		endedBy string
	}{
		{"caller ends", "alice"},
		{"receiver ends", "bob"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, sink := newTestManager(t, onlinePair(), time.Minute)
			ctx := context.Background()

			session, _ := m.InitiateCall(ctx, "alice", "bob", model.CallVideo)
			if _, err := m.AcceptCall(ctx, session.CallID, "bob"); err != nil {
				t.Fatalf("AcceptCall: %v", err)
			}

			ended, err := m.EndCall(ctx, session.CallID, tt.endedBy)
			if err != nil {
				t.Fatalf("EndCall: %v", err)
			}
			if ended.Status != model.CallEnded {
				t.Errorf("status = %s, want ENDED", ended.Status)
			}

			// Whoever ends the call, both parties observe the terminal
			// status, so the acting user's other sessions stay in sync.
			for _, party := range []string{"alice", "bob"} {
				event := sink.waitFor(t, func(e Event) bool { return e.Type == EventCallEnded && e.UserID == party })
				if event.Call.Status != model.CallEnded {
					t.Errorf("event to %s status = %s, want ENDED", party, event.Call.Status)
				}
			}
		})
	}
}

func TestEndCallByStranger(t *testing.T) {
	m, _ := newTestManager(t, onlinePair(), time.Minute)
	ctx := context.Background()

	session, _ := m.InitiateCall(ctx, "alice", "bob", model.CallAudio)
	if _, err := m.EndCall(ctx, session.CallID, "mallory"); !errors.Is(err, model.ErrForbidden) {
		t.Errorf("stranger end err = %v, want ErrForbidden", err)
	}
}

func TestRingTimeoutMarksMissed(t *testing.T) {
	m, sink := newTestManager(t, onlinePair(), 20*time.Millisecond)
	ctx := context.Background()

	session, err := m.InitiateCall(ctx, "alice", "bob", model.CallAudio)
	if err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}

	missed := sink.waitFor(t, func(e Event) bool { return e.Type == EventCallMissed && e.UserID == "alice" })
	if missed.Call.Status != model.CallMissed {
		t.Errorf("status = %s, want MISSED", missed.Call.Status)
	}
	sink.waitFor(t, func(e Event) bool { return e.Type == EventCallMissed && e.UserID == "bob" })

	if _, ok := m.ActiveCall(session.CallID); ok {
		t.Error("missed call still active")
	}
	// The timed-out call can no longer be accepted.
	if _, err := m.AcceptCall(ctx, session.CallID, "bob"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("accept after timeout err = %v, want ErrNotFound", err)
	}
}

func TestAcceptBeatsTimeout(t *testing.T) {
	m, sink := newTestManager(t, onlinePair(), 50*time.Millisecond)
	ctx := context.Background()

	session, _ := m.InitiateCall(ctx, "alice", "bob", model.CallAudio)
	if _, err := m.AcceptCall(ctx, session.CallID, "bob"); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}

	// The ring deadline passing must not demote an accepted call.
	time.Sleep(80 * time.Millisecond)
	active, ok := m.ActiveCall(session.CallID)
	if !ok || active.Status != model.CallOngoing {
		t.Errorf("call = %+v ok=%v, want ONGOING", active, ok)
	}
	sink.mu.Lock()
	for _, e := range sink.events {
		if e.Type == EventCallMissed {
			t.Error("missed event emitted for accepted call")
		}
	}
	sink.mu.Unlock()
}

func TestConcurrentResolutionSingleWinner(t *testing.T) {
	m, _ := newTestManager(t, onlinePair(), time.Minute)
	ctx := context.Background()

	session, _ := m.InitiateCall(ctx, "alice", "bob", model.CallAudio)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := m.AcceptCall(ctx, session.CallID, "bob")
		results <- err
	}()
	go func() {
		defer wg.Done()
		_, err := m.RejectCall(ctx, session.CallID, "bob")
		results <- err
	}()
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Errorf("winners = %d, want exactly 1", succeeded)
	}
}

type failingBroker struct{}

func (failingBroker) Publish(context.Context, string, string, []byte) error {
	return fmt.Errorf("%w: publish failed", model.ErrBrokerUnavailable)
}

func (failingBroker) Subscribe(string, broker.Handler) error { return nil }

func TestInitiateCallNotifyFailureCleansUp(t *testing.T) {
	m := NewManager(failingBroker{}, onlinePair(), 20*time.Millisecond)
	ctx := context.Background()

	_, err := m.InitiateCall(ctx, "alice", "bob", model.CallAudio)
	if !errors.Is(err, model.ErrBrokerUnavailable) {
		t.Fatalf("err = %v, want ErrBrokerUnavailable", err)
	}

	// No orphaned RINGING entry may survive a failed initiate, and the ring
	// timer must not fire a MISSED outcome for it.
	m.mu.Lock()
	pending := len(m.active)
	m.mu.Unlock()
	if pending != 0 {
		t.Errorf("active calls = %d after failed initiate, want 0", pending)
	}

	time.Sleep(50 * time.Millisecond)
	m.mu.Lock()
	pending = len(m.active)
	m.mu.Unlock()
	if pending != 0 {
		t.Errorf("active calls = %d after ring deadline, want 0", pending)
	}
}

func TestHandleSignalForwardsToAddressee(t *testing.T) {
	b := broker.NewMemory()
	t.Cleanup(b.Close)

	received := make(chan model.Signal, 1)
	keys := make(chan string, 1)
	err := b.Subscribe(TopicSignals, func(_ context.Context, key string, data []byte) {
		var sig model.Signal
		if err := json.Unmarshal(data, &sig); err != nil {
			t.Errorf("malformed signal: %v", err)
			return
		}
		keys <- key
		received <- sig
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	m := NewManager(b, onlinePair(), time.Minute)
	sig := model.Signal{
		Type:    model.SignalOffer,
		CallID:  "c1",
		From:    "alice",
		To:      "bob",
		Payload: model.Offer{SDP: "v=0"},
	}
	if err := m.HandleSignal(context.Background(), sig); err != nil {
		t.Fatalf("HandleSignal: %v", err)
	}

	select {
	case got := <-received:
		if got != sig {
			t.Errorf("forwarded = %+v, want %+v", got, sig)
		}
		if key := <-keys; key != "bob" {
			t.Errorf("partition key = %s, want bob", key)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for signal")
	}
}
