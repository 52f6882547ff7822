package kvstore

import "sync"

// MemoryKV is an in-memory Store with the same CAS semantics as the
// JetStream bucket. Used in tests.
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string]Entry
	rev     uint64
}

// NewMemoryKV creates an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string]Entry)}
}

func (s *MemoryKV) Get(key string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return Entry{}, ErrKeyNotFound
	}
	return entry, nil
}

func (s *MemoryKV) Put(key string, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rev++
	s.entries[key] = Entry{Value: value, Revision: s.rev}
	return s.rev, nil
}

func (s *MemoryKV) Update(key string, value []byte, rev uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.entries[key]
	if !ok || current.Revision != rev {
		return 0, ErrRevisionMismatch
	}
	s.rev++
	s.entries[key] = Entry{Value: value, Revision: s.rev}
	return s.rev, nil
}

func (s *MemoryKV) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryKV) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys, nil
}
