// Package kvstore abstracts the shared record store backing presence. The
// production implementation is a NATS JetStream KeyValue bucket; tests use
// the in-memory one. Both expose revision-based compare-and-swap so exactly
// one instance wins a concurrent transition.
package kvstore

import "errors"

var (
	// ErrKeyNotFound means the key has no entry (or it expired).
	ErrKeyNotFound = errors.New("key not found")

	// ErrRevisionMismatch means a compare-and-swap lost the race: the entry
	// changed since the revision was read.
	ErrRevisionMismatch = errors.New("revision mismatch")
)

// Entry is a stored value with the revision to CAS against.
type Entry struct {
	Value    []byte
	Revision uint64
}

// Store is a shared key-value store with check-and-set semantics.
type Store interface {
	Get(key string) (Entry, error)
	// Put writes unconditionally and returns the new revision.
	Put(key string, value []byte) (uint64, error)
	// Update writes only if the entry is still at rev, returning the new
	// revision or ErrRevisionMismatch.
	Update(key string, value []byte, rev uint64) (uint64, error)
	Delete(key string) error
	// Keys lists the live keys. Used by snapshot reads; not a consistent
	// iteration.
	Keys() ([]string, error)
}
