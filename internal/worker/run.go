package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tendant/simple-prover/internal/notify"
	"github.com/tendant/simple-prover/internal/process"
	"github.com/tendant/simple-prover/internal/prover"
	"github.com/tendant/simple-prover/internal/retry"
	"github.com/tendant/simple-prover/pkg/schema"
)

// Progress checkpoints of the pipeline. Values between proveStart and
// proveCeiling are interpolated while the prover runs.
const (
	progressInput      = 10
	progressValidating = 20
	progressValidated  = 30
	proveStart         = 30
	proveCeiling       = 79
	progressProved     = 80
	progressVerified   = 90
)

// stepError tags a pipeline failure with the code reported to subscribers.
type stepError struct {
	code string
	err  error
}

func (e *stepError) Error() string { return e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

func step(code string, err error) error { return &stepError{code: code, err: err} }

// run is the state of one claimed job.
type run struct {
	p        *Pool
	job      *process.Job
	fp       process.Fingerprint
	logger   *slog.Logger
	throttle *notify.Throttle

	mu       sync.Mutex
	finished bool
}

func newRun(p *Pool, job *process.Job, logger *slog.Logger) *run {
	return &run{
		p:        p,
		job:      job,
		fp:       process.NewFingerprint(job.SubjectID, job.TraitType, job.Threshold),
		logger:   logger,
		throttle: notify.NewThrottle(p.deps.Publisher, p.cfg.ProgressInterval),
	}
}

func (r *run) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.p.cfg.StoreTimeout)
}

// report records progress and pushes it when it rose. Calls are serialized
// so pushes leave in the order the store accepted them.
func (r *run) report(ctx context.Context, progress int, stage schema.ProcessingStage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	sctx, cancel := r.storeCtx(ctx)
	j, changed, err := r.p.deps.Jobs.UpdateProgress(sctx, r.job.ID, progress, string(stage))
	cancel()
	if err != nil {
		r.logger.Warn("progress update failed", "progress", progress, "error", err)
		return
	}
	if !changed {
		return
	}
	r.throttle.Publish(ctx, r.progressEvent(j.Progress, schema.ProcessingStage(j.Stage)))
}

func (r *run) progressEvent(progress int, stage schema.ProcessingStage) notify.Event {
	now := r.p.now()
	return notify.Event{
		Kind:      notify.KindProgress,
		SubjectID: r.job.SubjectID,
		At:        now,
		Payload: schema.ProgressUpdate{
			JobID:      r.job.ID,
			SubjectID:  r.job.SubjectID,
			Progress:   progress,
			Stage:      stage,
			HappenedAt: now.UnixMilli(),
		},
	}
}

func (r *run) execute(ctx context.Context) error {
	ictx, cancel := context.WithTimeout(ctx, r.p.cfg.InputTimeout)
	pin, payload, err := r.p.deps.Inputs.LatestFor(ictx, r.job.SubjectID)
	cancel()
	if err != nil {
		return step(schema.CodeInputUnavailable, fmt.Errorf("retrieve input: %w", err))
	}
	r.report(ctx, progressInput, schema.StageRetrieving)

	r.report(ctx, progressValidating, schema.StageValidation)
	trait, marker, err := validate(r.job, payload)
	if err != nil {
		return step(schema.CodeValidationFailed, err)
	}
	r.report(ctx, progressValidated, schema.StageValidation)

	// Another job may have produced the same result while this one waited.
	if a := r.cached(ctx); a != nil {
		r.logger.Info("result served from cache", "content_hash", a.ContentHash)
		return r.complete(ctx, a)
	}

	out, err := r.prove(ctx, trait, prover.Input{
		JobID:          r.job.ID,
		SubjectID:      r.job.SubjectID,
		Trait:          trait.Name,
		Threshold:      r.job.Threshold,
		Marker:         marker,
		CommitmentHash: pin.CommitmentHash,
	})
	if err != nil {
		if errors.Is(err, process.ErrValidation) {
			return step(schema.CodeValidationFailed, err)
		}
		return step(schema.CodeProofGenerationFailed, err)
	}
	r.report(ctx, progressProved, schema.StageProving)

	vctx, cancel := context.WithTimeout(ctx, r.p.cfg.ProverTimeout)
	ok, err := r.p.deps.Prover.Verify(vctx, out)
	cancel()
	if err != nil {
		return step(schema.CodeProofGenerationFailed, process.Prover("worker.verify", err))
	}
	if !ok {
		return step(schema.CodeProofGenerationFailed, process.Prover("worker.verify", errors.New("proof verification failed")))
	}
	r.report(ctx, progressVerified, schema.StageVerifying)

	now := r.p.now()
	return r.persist(ctx, &process.Artifact{
		ID:              newArtifactID(),
		SubjectID:       r.job.SubjectID,
		TraitType:       trait.Name,
		ContentHash:     out.ContentHash,
		PublicInputs:    out.PublicInputs,
		VerificationKey: out.VerificationKey,
		CommitmentHash:  pin.CommitmentHash,
		Status:          out.Status,
		CreatedAt:       now,
		ExpiresAt:       now.Add(r.p.cfg.ResultTTL),
	})
}

func validate(job *process.Job, payload []byte) (prover.Trait, prover.Marker, error) {
	trait, err := prover.Lookup(job.TraitType)
	if err != nil {
		return prover.Trait{}, prover.Marker{}, err
	}
	if err := trait.ValidateThreshold(job.Threshold); err != nil {
		return prover.Trait{}, prover.Marker{}, err
	}
	genome, err := prover.DecodeGenome(payload)
	if err != nil {
		return prover.Trait{}, prover.Marker{}, err
	}
	marker, err := prover.ExtractMarker(genome, trait.Name)
	if err != nil {
		return prover.Trait{}, prover.Marker{}, err
	}
	return trait, marker, nil
}

func (r *run) cached(ctx context.Context) *process.Artifact {
	if r.p.deps.Cache == nil {
		return nil
	}
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()
	a, err := r.p.deps.Cache.Get(sctx, r.fp)
	if err != nil {
		r.logger.Warn("cache lookup failed", "error", err)
		return nil
	}
	return a
}

// prove calls the prover while a ticker interpolates progress from elapsed
// time. Progress the prover reports itself is mapped into the same band.
func (r *run) prove(ctx context.Context, trait prover.Trait, in prover.Input) (prover.Output, error) {
	pctx, cancel := context.WithTimeout(ctx, r.p.cfg.ProverTimeout)
	defer cancel()
	r.p.deps.Metrics.ProverCalled(trait.Name)

	started := r.p.now()
	tickCtx, stopTicker := context.WithCancel(pctx)
	var (
		wg      sync.WaitGroup
		tickErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("progress ticker panicked", "panic", rec)
				tickErr = fmt.Errorf("progress ticker panic: %v", rec)
				cancel()
			}
		}()
		t := time.NewTicker(r.p.cfg.TickInterval)
		defer t.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-t.C:
				r.report(ctx, interpolate(r.p.now().Sub(started), trait.Expected), schema.StageProving)
			}
		}
	}()

	out, err := r.p.deps.Prover.Prove(pctx, in, func(pct int) {
		r.report(ctx, proveStart+clampInt(pct, 0, 100)*(proveCeiling-proveStart)/100, schema.StageProving)
	})
	stopTicker()
	wg.Wait()
	if tickErr != nil {
		return prover.Output{}, tickErr
	}
	return out, err
}

func interpolate(elapsed, expected time.Duration) int {
	if expected <= 0 {
		return proveStart
	}
	p := proveStart + int(float64(elapsed)/float64(expected)*float64(progressProved-proveStart))
	return clampInt(p, proveStart, proveCeiling)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (r *run) runner() retry.Runner {
	return retry.Runner{
		Policy:    retry.Policy{Attempts: r.p.cfg.PersistAttempts, Initial: r.p.cfg.PersistDelay, Multiplier: 2},
		Sleep:     r.p.sleep,
		Retryable: process.IsRetryable,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			r.logger.Warn("store write failed", "attempt", attempt, "error", err, "retry_in", delay)
		},
	}
}

// persist stores the artifact row, the cache entry and the terminal job
// state. Artifact rows are content-addressed, so an existing row with the
// same hash is reused.
func (r *run) persist(ctx context.Context, a *process.Artifact) error {
	var stored *process.Artifact
	_, err := r.runner().Do(ctx, func(ctx context.Context, _ int) error {
		sctx, cancel := r.storeCtx(ctx)
		defer cancel()
		inserted, err := r.p.deps.Artifacts.InsertArtifact(sctx, a)
		if err != nil {
			return err
		}
		if inserted {
			stored = a
			return nil
		}
		existing, err := r.p.deps.Artifacts.GetArtifactByHash(sctx, a.ContentHash)
		if err != nil {
			return err
		}
		stored = existing
		return nil
	})
	if err != nil {
		return step(schema.CodePersistenceFailed, fmt.Errorf("store artifact: %w", err))
	}

	if r.p.deps.Cache != nil {
		sctx, cancel := r.storeCtx(ctx)
		if err := r.p.deps.Cache.Put(sctx, r.fp, stored, r.p.cfg.ResultTTL); err != nil {
			r.logger.Warn("cache put failed", "error", err)
		}
		cancel()
	}
	return r.complete(ctx, stored)
}

// complete and fail write terminal state even after the job context was
// cancelled by a drain timeout.
func (r *run) complete(ctx context.Context, a *process.Artifact) error {
	ctx = context.WithoutCancel(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return nil
	}

	_, err := r.runner().Do(ctx, func(ctx context.Context, _ int) error {
		sctx, cancel := r.storeCtx(ctx)
		defer cancel()
		_, err := r.p.deps.Jobs.Complete(sctx, r.job.ID, a)
		return err
	})
	if err != nil {
		return step(schema.CodePersistenceFailed, fmt.Errorf("complete job: %w", err))
	}
	r.finished = true
	r.p.processed.Add(1)
	r.throttle.Flush(ctx, r.progressEvent(100, schema.StageCompleted))
	r.logger.Info("job complete", "content_hash", a.ContentHash)
	return nil
}

func (r *run) fail(ctx context.Context, err error, code string) {
	ctx = context.WithoutCancel(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	r.finished = true

	var se *stepError
	if code == "" && errors.As(err, &se) {
		code = se.code
	}
	if code == "" {
		code = schema.CodeInternal
	}

	msg := err.Error()
	_, ferr := r.runner().Do(ctx, func(ctx context.Context, _ int) error {
		sctx, cancel := r.storeCtx(ctx)
		defer cancel()
		_, err := r.p.deps.Jobs.Fail(sctx, r.job.ID, msg, code)
		return err
	})
	if ferr != nil {
		r.logger.Error("record failure failed", "error", ferr)
	}

	r.p.failed.Add(1)
	now := r.p.now()
	r.throttle.Flush(ctx, notify.Event{
		Kind:      notify.KindJobError,
		SubjectID: r.job.SubjectID,
		At:        now,
		Payload: schema.JobError{
			JobID:       r.job.ID,
			SubjectID:   r.job.SubjectID,
			Error:       err.Error(),
			Code:        code,
			FailureType: process.Classify(err),
			HappenedAt:  now.UnixMilli(),
		},
	})
	r.logger.Error("job failed", "code", code, "error", err)
}
