// Package submit accepts proof requests. Equivalent requests share one job:
// an in-flight job or a cached result is returned instead of new work.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-prover/internal/cache"
	"github.com/tendant/simple-prover/internal/jobstore"
	"github.com/tendant/simple-prover/internal/metrics"
	"github.com/tendant/simple-prover/internal/process"
	"github.com/tendant/simple-prover/internal/prover"
	"github.com/tendant/simple-prover/internal/queue"
	"github.com/tendant/simple-prover/internal/ratelimiter"
	"github.com/tendant/simple-prover/pkg/schema"
)

type Request struct {
	SubjectID string
	TraitType string
	Threshold *float64
}

type Config struct {
	// RatePerMinute limits submissions per subject; 0 disables the limit.
	RatePerMinute int
}

type Submitter struct {
	jobs    jobstore.Store
	cache   cache.Cache
	queue   queue.Queue
	limiter *ratelimiter.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

func New(jobs jobstore.Store, c cache.Cache, q queue.Queue, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Submitter{
		jobs:    jobs,
		cache:   c,
		queue:   q,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	s.limiter = ratelimiter.PerMinute(cfg.RatePerMinute).WithClock(func() time.Time { return s.now() })
	return s
}

// Submit validates req and returns the job that will produce, or already
// holds, its result.
func (s *Submitter) Submit(ctx context.Context, req Request) (*process.Job, error) {
	if strings.TrimSpace(req.SubjectID) == "" {
		return nil, process.Validation("submit", "subject id is required")
	}
	trait, err := prover.Lookup(req.TraitType)
	if err != nil {
		return nil, err
	}
	if err := trait.ValidateThreshold(req.Threshold); err != nil {
		return nil, err
	}

	fp := process.NewFingerprint(req.SubjectID, trait.Name, req.Threshold)
	logger := s.logger.With("subject_id", fp.SubjectID, "trait", fp.TraitType)

	if ok, wait := s.limiter.Allow(fp.SubjectID); !ok {
		s.metrics.Submitted(fp.TraitType, "rate_limited")
		return nil, process.RateLimited("submit", fp.SubjectID, wait)
	}

	existing, err := s.jobs.FindInflight(ctx, fp)
	switch {
	case err == nil:
		logger.Info("joined in-flight job", "job_id", existing.ID)
		s.metrics.Submitted(fp.TraitType, metrics.StatusDeduped)
		return existing, nil
	case !errors.Is(err, process.ErrNotFound):
		return nil, fmt.Errorf("inflight lookup: %w", err)
	}

	if s.cache != nil {
		a, err := s.cache.Get(ctx, fp)
		if err != nil {
			logger.Warn("cache lookup failed", "error", err)
		}
		if a != nil {
			return s.fromCache(ctx, fp, a, logger)
		}
	}

	job, created, err := s.jobs.Create(ctx, process.NewJob(s.newID(), fp, s.now()))
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if !created {
		logger.Info("joined in-flight job", "job_id", job.ID)
		s.metrics.Submitted(fp.TraitType, metrics.StatusDeduped)
		return job, nil
	}

	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		if _, ferr := s.jobs.Fail(ctx, job.ID, "enqueue failed: "+err.Error(), schema.CodeInternal); ferr != nil {
			logger.Error("fail unqueued job", "job_id", job.ID, "error", ferr)
		}
		s.metrics.Submitted(fp.TraitType, metrics.StatusFailure)
		return nil, process.Transient("submit.enqueue", err)
	}

	logger.Info("job queued", "job_id", job.ID)
	s.metrics.Submitted(fp.TraitType, metrics.StatusSuccess)
	return job, nil
}

// fromCache records a completed job for a cached result so Status can serve it.
func (s *Submitter) fromCache(ctx context.Context, fp process.Fingerprint, a *process.Artifact, logger *slog.Logger) (*process.Job, error) {
	now := s.now()
	job := process.NewJob(s.newID(), fp, now)
	if err := process.MarkComplete(job, a, now); err != nil {
		return nil, err
	}
	if err := s.jobs.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("save cached job: %w", err)
	}
	logger.Info("served from cache", "job_id", job.ID, "content_hash", a.ContentHash)
	s.metrics.Submitted(fp.TraitType, metrics.StatusCached)
	return job, nil
}

func (s *Submitter) Status(ctx context.Context, jobID string) (*process.Job, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, process.Validation("status", "job id is required")
	}
	return s.jobs.Get(ctx, jobID)
}

// QueuePosition reports where job sits in the queue, or 0 once it has left
// it. Lookup failures are logged and reported as 0.
func (s *Submitter) QueuePosition(ctx context.Context, job *process.Job) int {
	if job == nil || job.Status.Terminal() {
		return 0
	}
	pos, err := s.queue.Position(ctx, job.ID)
	if err != nil {
		s.logger.Warn("queue position lookup failed", "job_id", job.ID, "error", err)
		return 0
	}
	return pos
}

// EstimatedSeconds is the expected proving time for trait.
func EstimatedSeconds(trait string) int {
	return int(prover.Expected(trait) / time.Second)
}
