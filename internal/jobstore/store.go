// Package jobstore persists proof jobs and the in-flight index that makes
// equivalent submissions share one job.
package jobstore

import (
	"context"
	"time"

	"github.com/tendant/simple-prover/internal/process"
)

const DefaultTTL = time.Hour

// Store is the job state store. Every write re-applies the record TTL.
type Store interface {
	// Create registers job and its in-flight index entry atomically. If a
	// non-terminal job with the same fingerprint exists it is returned with
	// created == false and job is discarded.
	Create(ctx context.Context, job *process.Job) (existing *process.Job, created bool, err error)
	Get(ctx context.Context, id string) (*process.Job, error)
	FindInflight(ctx context.Context, fp process.Fingerprint) (*process.Job, error)
	// Claim moves a queued job to processing. Any other state returns
	// process.ErrNotClaimable.
	Claim(ctx context.Context, id string) (*process.Job, error)
	// UpdateProgress ignores values below the current progress; changed
	// reports whether anything was written.
	UpdateProgress(ctx context.Context, id string, progress int, stage string) (job *process.Job, changed bool, err error)
	Complete(ctx context.Context, id string, a *process.Artifact) (*process.Job, error)
	Fail(ctx context.Context, id string, msg, code string) (*process.Job, error)
	// Save writes job as is, without touching the in-flight index.
	Save(ctx context.Context, job *process.Job) error
}

func clone(j *process.Job) *process.Job {
	c := *j
	if j.Threshold != nil {
		t := *j.Threshold
		c.Threshold = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Result != nil {
		a := *j.Result
		c.Result = &a
	}
	return &c
}

type failure struct{ msg string }

func (f failure) Error() string { return f.msg }

func failErr(msg string) error {
	if msg == "" {
		return nil
	}
	return failure{msg}
}

func inflightKey(hash string) string { return "inflight:" + hash }
