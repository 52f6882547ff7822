package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/example/chat-core/internal/broker"
)

// bindEchoResponder answers every request on topic by echoing the
// correlation id plus the given extra fields.
func bindEchoResponder(t *testing.T, b broker.Broker, topic string, extra map[string]any) {
	t.Helper()
	err := b.Subscribe(topic, func(ctx context.Context, key string, data []byte) {
		var request map[string]any
		if err := json.Unmarshal(data, &request); err != nil {
			t.Errorf("malformed request: %v", err)
			return
		}
		response := map[string]any{"correlationId": request["correlationId"]}
		for k, v := range extra {
			response[k] = v
		}
		payload, _ := json.Marshal(response)
		if err := b.Publish(ctx, topic+ResponseSuffix, key, payload); err != nil {
			t.Errorf("publish response: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("subscribe responder: %v", err)
	}
}

func TestRequestResolvesOnResponse(t *testing.T) {
	b := broker.NewMemory()
	t.Cleanup(b.Close)
	bindEchoResponder(t, b, "check-email", map[string]any{"exists": true})

	bridge := New(b, time.Second, time.Minute)
	if err := bridge.Bind("check-email"); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	raw, err := bridge.Request(context.Background(), "check-email", map[string]any{"email": "a@b.c"}, 0)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	var response struct {
		Exists bool `json:"exists"`
	}
	if err := json.Unmarshal(raw, &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !response.Exists {
		t.Error("exists = false, want true")
	}
}

func TestRequestTimesOutWithoutResponder(t *testing.T) {
	b := broker.NewMemory()
	t.Cleanup(b.Close)

	bridge := New(b, 30*time.Millisecond, time.Minute)
	if err := bridge.Bind("check-email"); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	start := time.Now()
	_, err := bridge.Request(context.Background(), "check-email", map[string]any{"email": "a@b.c"}, 0)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("returned after %s, before the timeout", elapsed)
	}

	// The slot must not leak after a timeout.
	bridge.mu.Lock()
	pending := len(bridge.pending)
	bridge.mu.Unlock()
	if pending != 0 {
		t.Errorf("pending slots = %d, want 0", pending)
	}
}

func TestRequestHonorsContextCancel(t *testing.T) {
	b := broker.NewMemory()
	t.Cleanup(b.Close)

	bridge := New(b, time.Minute, time.Minute)
	if err := bridge.Bind("check-email"); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := bridge.Request(ctx, "check-email", map[string]any{"email": "a@b.c"}, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestLateResponseIsDropped(t *testing.T) {
	b := broker.NewMemory()
	t.Cleanup(b.Close)

	bridge := New(b, time.Second, time.Minute)
	if err := bridge.Bind("check-email"); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	// A response for a correlation id nobody is waiting on must not panic
	// or leak.
	payload, _ := json.Marshal(map[string]any{"correlationId": "long-gone", "exists": true})
	if err := b.Publish(context.Background(), "check-email"+ResponseSuffix, "long-gone", payload); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	bridge.mu.Lock()
	pending := len(bridge.pending)
	bridge.mu.Unlock()
	if pending != 0 {
		t.Errorf("pending slots = %d, want 0", pending)
	}
}

func TestEvictStale(t *testing.T) {
	b := broker.NewMemory()
	t.Cleanup(b.Close)

	bridge := New(b, time.Second, 50*time.Millisecond)

	now := time.Now()
	bridge.mu.Lock()
	bridge.pending["old"] = &slot{ch: make(chan json.RawMessage, 1), createdAt: now.Add(-time.Second)}
	bridge.pending["fresh"] = &slot{ch: make(chan json.RawMessage, 1), createdAt: now}
	bridge.mu.Unlock()

	if evicted := bridge.evictStale(now); evicted != 1 {
		t.Errorf("evicted = %d, want 1", evicted)
	}

	bridge.mu.Lock()
	_, oldThere := bridge.pending["old"]
	_, freshThere := bridge.pending["fresh"]
	bridge.mu.Unlock()
	if oldThere {
		t.Error("stale slot survived eviction")
	}
	if !freshThere {
		t.Error("fresh slot was evicted")
	}
}

func TestCheckEmail(t *testing.T) {
	tests := []struct {
		name   string
		exists bool
	}{
		{"registered", true},
		{"unknown", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := broker.NewMemory()
			t.Cleanup(b.Close)
			bindEchoResponder(t, b, TopicCheckEmail, map[string]any{"exists": tt.exists})

			bridge := New(b, time.Second, time.Minute)
			if err := bridge.Bind(TopicCheckEmail); err != nil {
				t.Fatalf("Bind: %v", err)
			}

			exists, err := bridge.CheckEmail(context.Background(), "user@example.com")
			if err != nil {
				t.Fatalf("CheckEmail: %v", err)
			}
			if exists != tt.exists {
				t.Errorf("exists = %v, want %v", exists, tt.exists)
			}
		})
	}
}

func TestCheckEmailDefaultsToFalseOnTimeout(t *testing.T) {
	b := broker.NewMemory()
	t.Cleanup(b.Close)

	bridge := New(b, 20*time.Millisecond, time.Minute)
	if err := bridge.Bind(TopicCheckEmail); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	exists, err := bridge.CheckEmail(context.Background(), "user@example.com")
	if err != nil {
		t.Fatalf("CheckEmail: %v", err)
	}
	if exists {
		t.Error("exists = true on timeout, want the false default")
	}
}
