// Package cache holds completed artifacts keyed by request fingerprint so
// equivalent requests skip the prover.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/tendant/simple-prover/internal/process"
)

// Cache maps a fingerprint to a completed artifact. The TTL is fixed when the
// entry is written; reads never extend it.
type Cache interface {
	Get(ctx context.Context, fp process.Fingerprint) (*process.Artifact, error)
	Put(ctx context.Context, fp process.Fingerprint, a *process.Artifact, ttl time.Duration) error
}

type entry struct {
	artifact  process.Artifact
	expiresAt time.Time
}

// Memory is an in-process Cache.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]entry), now: time.Now}
}

// WithClock replaces the time source, for tests.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Get(_ context.Context, fp process.Fingerprint) (*process.Artifact, error) {
	key := fp.Hash()
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if !m.now().Before(e.expiresAt) {
		m.mu.Lock()
		if cur, ok := m.entries[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, nil
	}
	a := e.artifact
	return &a, nil
}

func (m *Memory) Put(_ context.Context, fp process.Fingerprint, a *process.Artifact, ttl time.Duration) error {
	if a == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[fp.Hash()] = entry{artifact: *a, expiresAt: m.now().Add(ttl)}
	return nil
}

// Len counts entries, expired ones included until they are next read.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
