// Package kvtest provides an in-memory jetstream.KeyValue for tests of the
// KV-backed stores. Only the single-key operations are implemented; calling
// anything else panics.
package kvtest

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

type KV struct {
	jetstream.KeyValue

	mu      sync.Mutex
	rev     uint64
	entries map[string]*entry

	// BeforeCreate, when set, runs before each Create outside the lock, so
	// a test can interleave another writer.
	BeforeCreate func(key string)
}

func New() *KV {
	return &KV{entries: make(map[string]*entry)}
}

// LiveKeys returns the live keys.
func (k *KV) LiveKeys() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, 0, len(k.entries))
	for key := range k.entries {
		out = append(out, key)
	}
	return out
}

// Value returns the stored value of key, or nil.
func (k *KV) Value(key string) []byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	if e, ok := k.entries[key]; ok {
		return append([]byte(nil), e.value...)
	}
	return nil
}

func (k *KV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	c := *e
	c.value = append([]byte(nil), e.value...)
	return &c, nil
}

func (k *KV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.setLocked(key, value), nil
}

func (k *KV) Create(_ context.Context, key string, value []byte, _ ...jetstream.KVCreateOpt) (uint64, error) {
	if k.BeforeCreate != nil {
		k.BeforeCreate(key)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.entries[key]; ok {
		return 0, jetstream.ErrKeyExists
	}
	return k.setLocked(key, value), nil
}

func (k *KV) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok || e.revision != revision {
		return 0, jetstream.ErrKeyExists
	}
	return k.setLocked(key, value), nil
}

// Delete removes key. Revision preconditions are not checked.
func (k *KV) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.entries, key)
	return nil
}

func (k *KV) setLocked(key string, value []byte) uint64 {
	k.rev++
	k.entries[key] = &entry{
		key:      key,
		value:    append([]byte(nil), value...),
		revision: k.rev,
		created:  time.Now(),
	}
	return k.rev
}

type entry struct {
	key      string
	value    []byte
	revision uint64
	created  time.Time
}

func (e *entry) Bucket() string { return "kvtest" }
func (e *entry) Key() string { return e.key }
func (e *entry) Value() []byte { return e.value }
func (e *entry) Revision() uint64 { return e.revision }
func (e *entry) Created() time.Time { return e.created }
func (e *entry) Delta() uint64 { return 0 }
func (e *entry) Operation() jetstream.KeyValueOp { return jetstream.KeyValuePut }
