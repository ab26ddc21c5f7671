package jobstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tendant/simple-prover/internal/process"
)

type memRecord struct {
	job       *process.Job
	expiresAt time.Time
}

// Memory is an in-process Store. A single mutex serializes all writes.
type Memory struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	jobs     map[string]memRecord
	inflight map[string]string
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		ttl:      ttl,
		now:      time.Now,
		jobs:     make(map[string]memRecord),
		inflight: make(map[string]string),
	}
}

// WithClock replaces the time source, for tests.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) lookup(id string) (*process.Job, bool) {
	rec, ok := m.jobs[id]
	if !ok {
		return nil, false
	}
	if !m.now().Before(rec.expiresAt) {
		delete(m.jobs, id)
		return nil, false
	}
	return rec.job, true
}

func (m *Memory) put(j *process.Job) {
	m.jobs[j.ID] = memRecord{job: j, expiresAt: m.now().Add(m.ttl)}
}

func (m *Memory) Create(_ context.Context, job *process.Job) (*process.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := inflightKey(job.Fingerprint)
	if id, ok := m.inflight[key]; ok {
		if existing, ok := m.lookup(id); ok && !existing.Status.Terminal() {
			return clone(existing), false, nil
		}
		delete(m.inflight, key)
	}
	stored := clone(job)
	m.put(stored)
	m.inflight[key] = job.ID
	return clone(stored), true, nil
}

func (m *Memory) Get(_ context.Context, id string) (*process.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.lookup(id)
	if !ok {
		return nil, process.NotFound("jobstore.get", "job "+id)
	}
	return clone(j), nil
}

func (m *Memory) FindInflight(_ context.Context, fp process.Fingerprint) (*process.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fp.InflightKey()
	id, ok := m.inflight[key]
	if !ok {
		return nil, process.NotFound("jobstore.inflight", "inflight job")
	}
	j, ok := m.lookup(id)
	if !ok || j.Status.Terminal() {
		delete(m.inflight, key)
		return nil, process.NotFound("jobstore.inflight", "inflight job")
	}
	return clone(j), nil
}

// mutate applies fn to a copy of the job and stores it when fn succeeds.
func (m *Memory) mutate(op, id string, fn func(j *process.Job) (bool, error)) (*process.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.lookup(id)
	if !ok {
		return nil, false, process.NotFound(op, "job "+id)
	}
	next := clone(cur)
	changed, err := fn(next)
	if err != nil {
		return clone(cur), false, err
	}
	if changed {
		m.put(next)
		if next.Status.Terminal() {
			key := inflightKey(next.Fingerprint)
			if m.inflight[key] == next.ID {
				delete(m.inflight, key)
			}
		}
	}
	return clone(next), changed, nil
}

func (m *Memory) Claim(_ context.Context, id string) (*process.Job, error) {
	j, _, err := m.mutate("jobstore.claim", id, func(j *process.Job) (bool, error) {
		if err := process.MarkProcessing(j); err != nil {
			return false, fmt.Errorf("%w: %v", process.ErrNotClaimable, err)
		}
		return true, nil
	})
	return j, err
}

func (m *Memory) UpdateProgress(_ context.Context, id string, progress int, stage string) (*process.Job, bool, error) {
	return m.mutate("jobstore.progress", id, func(j *process.Job) (bool, error) {
		return process.SetProgress(j, progress, stage)
	})
}

func (m *Memory) Complete(_ context.Context, id string, a *process.Artifact) (*process.Job, error) {
	j, _, err := m.mutate("jobstore.complete", id, func(j *process.Job) (bool, error) {
		return true, process.MarkComplete(j, a, m.now())
	})
	return j, err
}

func (m *Memory) Fail(_ context.Context, id string, msg, code string) (*process.Job, error) {
	j, _, err := m.mutate("jobstore.fail", id, func(j *process.Job) (bool, error) {
		return true, process.MarkFailed(j, failErr(msg), code, m.now())
	})
	return j, err
}

func (m *Memory) Save(_ context.Context, job *process.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(clone(job))
	return nil
}
