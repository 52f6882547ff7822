package broker

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSubjectFor(t *testing.T) {
	tests := []struct {
		topic string
		key   string
		want  string
	}{
		{"direct-messages", "bob", "direct-messages.bob"},
		{"group-messages", "conv-1", "group-messages.conv-1"},
		{"presence-events", "", "presence-events._"},
	}
	for _, tt := range tests {
		if got := subjectFor(tt.topic, tt.key); got != tt.want {
			t.Errorf("subjectFor(%q, %q) = %q, want %q", tt.topic, tt.key, got, tt.want)
		}
	}
}

func TestMemoryDeliversInOrder(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	err := b.Subscribe("direct-messages", func(_ context.Context, key string, data []byte) {
		mu.Lock()
		got = append(got, key+":"+string(data))
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx := context.Background()
	for _, payload := range []string{"one", "two", "three"} {
		if err := b.Publish(ctx, "direct-messages", "bob", []byte(payload)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"bob:one", "bob:two", "bob:three"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivery %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMemoryFanOutToAllSubscribers(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	received := make(chan string, 2)
	for i := 0; i < 2; i++ {
		err := b.Subscribe("presence-events", func(_ context.Context, _ string, data []byte) {
			received <- string(data)
		})
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	if err := b.Publish(context.Background(), "presence-events", "alice", []byte("ONLINE")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case got := <-received:
			if got != "ONLINE" {
				t.Errorf("delivery = %q, want ONLINE", got)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out")
		}
	}
}

func TestMemoryTopicIsolation(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	received := make(chan string, 1)
	err := b.Subscribe("group-messages", func(_ context.Context, _ string, data []byte) {
		received <- string(data)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx := context.Background()
	b.Publish(ctx, "direct-messages", "bob", []byte("direct"))  //nolint:errcheck
	b.Publish(ctx, "group-messages", "conv-1", []byte("group")) //nolint:errcheck

	select {
	case got := <-received:
		if got != "group" {
			t.Errorf("delivery = %q, want group", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}
