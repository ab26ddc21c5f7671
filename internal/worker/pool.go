// Package worker runs proof jobs from the queue on a fixed number of workers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-prover/internal/cache"
	"github.com/tendant/simple-prover/internal/jobstore"
	"github.com/tendant/simple-prover/internal/metrics"
	"github.com/tendant/simple-prover/internal/notify"
	"github.com/tendant/simple-prover/internal/process"
	"github.com/tendant/simple-prover/internal/prover"
	"github.com/tendant/simple-prover/internal/queue"
	"github.com/tendant/simple-prover/internal/retry"
)

// ErrDrainTimeout is returned by Run when in-flight jobs outlive the
// shutdown timeout and are cancelled.
var ErrDrainTimeout = errors.New("worker drain timed out")

type Config struct {
	Concurrency int
	// ProgressInterval bounds progress pushes per job. Zero disables throttling.
	ProgressInterval time.Duration
	// TickInterval is how often progress is interpolated while proving.
	TickInterval    time.Duration
	ProverTimeout   time.Duration
	InputTimeout    time.Duration
	StoreTimeout    time.Duration
	ShutdownTimeout time.Duration
	ResultTTL       time.Duration
	PersistAttempts int
	PersistDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 500 * time.Millisecond
	}
	if c.ProverTimeout <= 0 {
		c.ProverTimeout = 2 * time.Minute
	}
	if c.InputTimeout <= 0 {
		c.InputTimeout = 30 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = time.Hour
	}
	if c.PersistAttempts <= 0 {
		c.PersistAttempts = 3
	}
	if c.PersistDelay <= 0 {
		c.PersistDelay = 500 * time.Millisecond
	}
	return c
}

// InputSource returns a subject's latest pinned genome.
type InputSource interface {
	LatestFor(ctx context.Context, ownerID string) (process.PinRecord, []byte, error)
}

// ArtifactStore persists produced artifacts.
type ArtifactStore interface {
	InsertArtifact(ctx context.Context, a *process.Artifact) (bool, error)
	GetArtifactByHash(ctx context.Context, contentHash string) (*process.Artifact, error)
}

type Deps struct {
	Queue     queue.Queue
	Jobs      jobstore.Store
	Cache     cache.Cache
	Inputs    InputSource
	Artifacts ArtifactStore
	Prover    prover.Prover
	Publisher notify.Publisher
	Metrics   *metrics.Metrics
}

type Stats struct {
	Active    int64  `json:"active"`
	Capacity  int    `json:"capacity"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
}

type Pool struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
	sleep  retry.SleepFunc

	active    atomic.Int64
	processed atomic.Uint64
	failed    atomic.Uint64
}

func New(deps Deps, cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Publisher == nil {
		deps.Publisher = notify.Discard
	}
	return &Pool{cfg: cfg.withDefaults(), deps: deps, logger: logger, now: time.Now, sleep: retry.Sleep}
}

func (p *Pool) Stats() Stats {
	return Stats{
		Active:    p.active.Load(),
		Capacity:  p.cfg.Concurrency,
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
	}
}

// Run starts the workers and blocks until ctx is cancelled. It then stops
// dequeuing and waits for in-flight jobs, cancelling them if they are still
// running after ShutdownTimeout.
func (p *Pool) Run(ctx context.Context) error {
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	p.logger.Info("worker pool starting", "concurrency", p.cfg.Concurrency)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, jobCtx, id)
		}(i)
	}

	<-ctx.Done()
	p.logger.Info("worker pool draining", "active", p.active.Load())

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-timer.C:
		p.logger.Warn("drain timeout exceeded, cancelling in-flight jobs", "active", p.active.Load())
		cancelJobs()
		<-done
		return ErrDrainTimeout
	}
}

func (p *Pool) loop(ctx, jobCtx context.Context, id int) {
	logger := p.logger.With("worker", id)
	for {
		d, err := p.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			logger.Error("dequeue failed", "error", err)
			if p.sleep(ctx, time.Second) != nil {
				return
			}
			continue
		}
		p.handle(jobCtx, d, logger)
	}
}

func (p *Pool) handle(ctx context.Context, d queue.Delivery, logger *slog.Logger) {
	logger = logger.With("job_id", d.JobID)

	claimCtx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	job, err := p.deps.Jobs.Claim(claimCtx, d.JobID)
	cancel()
	switch {
	case errors.Is(err, process.ErrNotClaimable), errors.Is(err, process.ErrNotFound):
		// Already taken, finished, or expired: a duplicate delivery.
		logger.Debug("skipping job", "reason", err)
		ack(d, logger)
		return
	case err != nil:
		logger.Error("claim failed", "error", err)
		if nerr := d.Nak(); nerr != nil {
			logger.Warn("nak failed", "error", nerr)
		}
		return
	}

	p.active.Add(1)
	p.deps.Metrics.JobStarted()
	started := p.now()
	status := p.runJob(ctx, job, logger)
	p.active.Add(-1)
	p.deps.Metrics.JobFinished(job.TraitType, status, p.now().Sub(started))
	ack(d, logger)
}

func ack(d queue.Delivery, logger *slog.Logger) {
	if err := d.Ack(); err != nil {
		logger.Warn("ack failed", "error", err)
	}
}

// runJob executes the pipeline and converts a panic into a job failure.
func (p *Pool) runJob(ctx context.Context, job *process.Job, logger *slog.Logger) (status string) {
	r := newRun(p, job, logger)
	defer r.throttle.Stop()
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("job panicked", "panic", rec)
			r.fail(ctx, fmt.Errorf("panic: %v", rec), "")
			status = metrics.StatusFailure
		}
	}()
	if err := r.execute(ctx); err != nil {
		r.fail(ctx, err, "")
		return metrics.StatusFailure
	}
	return metrics.StatusSuccess
}

func newArtifactID() string { return uuid.NewString() }
