// internal/process/job.go
package process

import (
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of a proof job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusComplete   JobStatus = "complete"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusComplete || s == JobStatusFailed
}

// Job is the durable record of one proof request.
type Job struct {
	ID          string     `json:"id"`
	SubjectID   string     `json:"subject_id"`
	TraitType   string     `json:"trait_type"`
	Threshold   *float64   `json:"threshold,omitempty"`
	Fingerprint string     `json:"fingerprint"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	Stage       string     `json:"stage,omitempty"`
	Result      *Artifact  `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	ErrorCode   string     `json:"error_code,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func NewJob(id string, fp Fingerprint, now time.Time) *Job {
	return &Job{
		ID:          id,
		SubjectID:   fp.SubjectID,
		TraitType:   fp.TraitType,
		Threshold:   fp.Threshold,
		Fingerprint: fp.Hash(),
		Status:      JobStatusQueued,
		CreatedAt:   now,
	}
}

// MarkProcessing moves a queued job to processing.
func MarkProcessing(j *Job) error {
	if j.Status != JobStatusQueued {
		return fmt.Errorf("job %s: %w: %s -> %s", j.ID, ErrInvalidTransition, j.Status, JobStatusProcessing)
	}
	j.Status = JobStatusProcessing
	j.Progress = 0
	return nil
}

// SetProgress records progress for a processing job. Values lower than the
// current progress are ignored so observers only ever see it rise.
func SetProgress(j *Job, progress int, stage string) (changed bool, err error) {
	if j.Status != JobStatusProcessing {
		return false, fmt.Errorf("job %s: %w: progress while %s", j.ID, ErrInvalidTransition, j.Status)
	}
	progress = clamp(progress)
	if progress < j.Progress {
		return false, nil
	}
	if progress == j.Progress && stage == j.Stage {
		return false, nil
	}
	j.Progress = progress
	if stage != "" {
		j.Stage = stage
	}
	return true, nil
}

// MarkComplete finalizes a job with its artifact. Queued jobs may complete
// directly when the result is served from cache.
func MarkComplete(j *Job, a *Artifact, now time.Time) error {
	if j.Status.Terminal() {
		return fmt.Errorf("job %s: %w: %s -> %s", j.ID, ErrInvalidTransition, j.Status, JobStatusComplete)
	}
	j.Status = JobStatusComplete
	j.Progress = 100
	j.Stage = "completed"
	j.Result = a
	j.CompletedAt = &now
	return nil
}

func MarkFailed(j *Job, err error, code string, now time.Time) error {
	if j.Status.Terminal() {
		return fmt.Errorf("job %s: %w: %s -> %s", j.ID, ErrInvalidTransition, j.Status, JobStatusFailed)
	}
	j.Status = JobStatusFailed
	j.Stage = "failed"
	if err != nil {
		j.Error = err.Error()
	}
	j.ErrorCode = code
	j.CompletedAt = &now
	return nil
}

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
