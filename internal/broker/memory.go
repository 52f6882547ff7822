package broker

import (
	"context"
	"sync"
)

// Memory is an in-process Broker used by unit tests and single-node
// development. Each subscription drains its own queue on one goroutine, so
// per-subscription delivery order matches publish order.
type Memory struct {
	mu   sync.RWMutex
	subs map[string][]chan memoryMsg
	done chan struct{}
	once sync.Once
}

type memoryMsg struct {
	key  string
	data []byte
}

// NewMemory creates an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{
		subs: make(map[string][]chan memoryMsg),
		done: make(chan struct{}),
	}
}

// Publish enqueues data for every subscriber of topic.
func (b *Memory) Publish(_ context.Context, topic, key string, data []byte) error {
	// Copy so a consumer cannot observe later mutation by the producer.
	buf := make([]byte, len(data))
	copy(buf, data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- memoryMsg{key: key, data: buf}:
		case <-b.done:
			return nil
		}
	}
	return nil
}

// Subscribe registers h for every message published on topic.
func (b *Memory) Subscribe(topic string, h Handler) error {
	ch := make(chan memoryMsg, 256)

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-b.done:
				return
			case msg := <-ch:
				h(context.Background(), msg.key, msg.data)
			}
		}
	}()
	return nil
}

// Close stops all subscription goroutines.
func (b *Memory) Close() {
	b.once.Do(func() { close(b.done) })
}
