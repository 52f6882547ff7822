package kvstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSKV is a Store over a JetStream KeyValue bucket.
type NATSKV struct {
	kv nats.KeyValue
}

// EnsureBucket creates the bucket if it does not exist and binds to it. TTL
// is a backstop: records carry their own lease, the bucket TTL only reclaims
// entries from instances that died without cleaning up.
func EnsureBucket(js nats.JetStreamContext, bucket string, ttl time.Duration) (*NATSKV, error) {
	kv, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  bucket,
		History: 1,
		TTL:     ttl,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		// Another instance may have created it first.
		kv, err = js.KeyValue(bucket)
		if err != nil {
			return nil, fmt.Errorf("bind KV bucket %s: %w", bucket, err)
		}
	}
	return &NATSKV{kv: kv}, nil
}

func (s *NATSKV) Get(key string) (Entry, error) {
	entry, err := s.kv.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return Entry{}, ErrKeyNotFound
		}
		return Entry{}, err
	}
	return Entry{Value: entry.Value(), Revision: entry.Revision()}, nil
}

func (s *NATSKV) Put(key string, value []byte) (uint64, error) {
	return s.kv.Put(key, value)
}

func (s *NATSKV) Update(key string, value []byte, rev uint64) (uint64, error) {
	newRev, err := s.kv.Update(key, value, rev)
	if err != nil {
		// JetStream reports a CAS loss as a wrong-last-sequence error.
		return 0, fmt.Errorf("%w: %v", ErrRevisionMismatch, err)
	}
	return newRev, nil
}

func (s *NATSKV) Delete(key string) error {
	err := s.kv.Delete(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (s *NATSKV) Keys() ([]string, error) {
	keys, err := s.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	return keys, nil
}
