package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tendant/simple-prover/internal/cache"
	"github.com/tendant/simple-prover/internal/process"
)

const maxCASAttempts = 8

// KV stores jobs in a JetStream key-value bucket. Every update is a
// compare-and-set on the entry revision, so concurrent workers never lose a
// transition. The bucket TTL expires records that stop being written.
type KV struct {
	kv  jetstream.KeyValue
	now func() time.Time
}

func OpenKV(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration) (*KV, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "proof jobs",
		TTL:         ttl,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("open job bucket %s: %w", bucket, err)
	}
	return &KV{kv: kv, now: time.Now}, nil
}

func jobKey(id string) string { return cache.KVKey(process.JobKey(id)) }

func indexKey(hash string) string { return cache.KVKey(inflightKey(hash)) }

func (s *KV) load(ctx context.Context, op, id string) (*process.Job, uint64, error) {
	entry, err := s.kv.Get(ctx, jobKey(id))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, process.NotFound(op, "job "+id)
	}
	if err != nil {
		return nil, 0, process.Transient(op, err)
	}
	var j process.Job
	if err := json.Unmarshal(entry.Value(), &j); err != nil {
		return nil, 0, fmt.Errorf("%s: decode job %s: %w", op, id, err)
	}
	return &j, entry.Revision(), nil
}

// Create writes the job record before the in-flight index, so an index
// entry always names a readable job. The loser of an index race deletes its
// own record and returns the winner's job.
func (s *KV) Create(ctx context.Context, job *process.Job) (*process.Job, bool, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, false, err
	}
	if _, err := s.kv.Create(ctx, jobKey(job.ID), data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return nil, false, fmt.Errorf("jobstore.create: job %s already exists", job.ID)
		}
		return nil, false, process.Transient("jobstore.create", err)
	}
	discard := func() { _ = s.kv.Delete(ctx, jobKey(job.ID)) }

	key := indexKey(job.Fingerprint)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		_, err := s.kv.Create(ctx, key, []byte(job.ID))
		if err == nil {
			return clone(job), true, nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) {
			discard()
			return nil, false, process.Transient("jobstore.create", err)
		}

		entry, err := s.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			discard()
			return nil, false, process.Transient("jobstore.create", err)
		}
		existing, _, err := s.load(ctx, "jobstore.create", string(entry.Value()))
		switch {
		case err == nil && !existing.Status.Terminal():
			discard()
			return existing, false, nil
		case err == nil, errors.Is(err, process.ErrNotFound):
			// The indexed job finished or expired; drop the entry unless it
			// was replaced meanwhile.
			_ = s.kv.Delete(ctx, key, jetstream.LastRevision(entry.Revision()))
		default:
			discard()
			return nil, false, err
		}
	}
	discard()
	return nil, false, process.Transient("jobstore.create", errors.New("index contention"))
}

func (s *KV) Get(ctx context.Context, id string) (*process.Job, error) {
	j, _, err := s.load(ctx, "jobstore.get", id)
	return j, err
}

func (s *KV) FindInflight(ctx context.Context, fp process.Fingerprint) (*process.Job, error) {
	entry, err := s.kv.Get(ctx, indexKey(fp.Hash()))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, process.NotFound("jobstore.inflight", "inflight job")
	}
	if err != nil {
		return nil, process.Transient("jobstore.inflight", err)
	}
	j, _, err := s.load(ctx, "jobstore.inflight", string(entry.Value()))
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		return nil, process.NotFound("jobstore.inflight", "inflight job")
	}
	return j, nil
}

func (s *KV) update(ctx context.Context, op, id string, fn func(j *process.Job) (bool, error)) (*process.Job, bool, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, rev, err := s.load(ctx, op, id)
		if err != nil {
			return nil, false, err
		}
		next := clone(cur)
		changed, err := fn(next)
		if err != nil {
			return cur, false, err
		}
		if !changed {
			return next, false, nil
		}
		data, err := json.Marshal(next)
		if err != nil {
			return nil, false, err
		}
		if _, err := s.kv.Update(ctx, jobKey(id), data, rev); err != nil {
			if errors.Is(err, jetstream.ErrKeyExists) {
				continue
			}
			return nil, false, process.Transient(op, err)
		}
		if next.Status.Terminal() {
			s.release(ctx, next)
		}
		return next, true, nil
	}
	return nil, false, process.Transient(op, fmt.Errorf("job %s: revision contention", id))
}

// release drops the in-flight entry if it still points at j.
func (s *KV) release(ctx context.Context, j *process.Job) {
	key := indexKey(j.Fingerprint)
	entry, err := s.kv.Get(ctx, key)
	if err != nil || string(entry.Value()) != j.ID {
		return
	}
	_ = s.kv.Delete(ctx, key, jetstream.LastRevision(entry.Revision()))
}

func (s *KV) Claim(ctx context.Context, id string) (*process.Job, error) {
	j, _, err := s.update(ctx, "jobstore.claim", id, func(j *process.Job) (bool, error) {
		if err := process.MarkProcessing(j); err != nil {
			return false, fmt.Errorf("%w: %v", process.ErrNotClaimable, err)
		}
		return true, nil
	})
	return j, err
}

func (s *KV) UpdateProgress(ctx context.Context, id string, progress int, stage string) (*process.Job, bool, error) {
	return s.update(ctx, "jobstore.progress", id, func(j *process.Job) (bool, error) {
		return process.SetProgress(j, progress, stage)
	})
}

func (s *KV) Complete(ctx context.Context, id string, a *process.Artifact) (*process.Job, error) {
	j, _, err := s.update(ctx, "jobstore.complete", id, func(j *process.Job) (bool, error) {
		return true, process.MarkComplete(j, a, s.now())
	})
	return j, err
}

func (s *KV) Fail(ctx context.Context, id string, msg, code string) (*process.Job, error) {
	j, _, err := s.update(ctx, "jobstore.fail", id, func(j *process.Job) (bool, error) {
		return true, process.MarkFailed(j, failErr(msg), code, s.now())
	})
	return j, err
}

func (s *KV) Save(ctx context.Context, job *process.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if _, err := s.kv.Put(ctx, jobKey(job.ID), data); err != nil {
		return process.Transient("jobstore.save", err)
	}
	return nil
}
