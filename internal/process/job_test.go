package process

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tendant/simple-prover/pkg/schema"
)

func TestNewJobCapturesFingerprint(t *testing.T) {
	threshold := 0.5
	fp := NewFingerprint(" u1 ", "brca1", &threshold)
	job := NewJob("job-1", fp, time.Unix(100, 0))

	if job.SubjectID != "u1" || job.TraitType != "BRCA1" {
		t.Fatalf("unexpected job identity: %+v", job)
	}
	if job.Status != JobStatusQueued || job.Progress != 0 {
		t.Fatalf("new job not queued: %+v", job)
	}
	if job.Fingerprint != fp.Hash() {
		t.Fatalf("fingerprint mismatch: %s != %s", job.Fingerprint, fp.Hash())
	}
}

func TestTransitionsAreForwardOnly(t *testing.T) {
	now := time.Unix(100, 0)
	job := NewJob("job-2", NewFingerprint("u1", "BRCA1", nil), now)

	if _, err := SetProgress(job, 10, "x"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("progress on queued job should fail, got %v", err)
	}
	if err := MarkProcessing(job); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := MarkProcessing(job); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second MarkProcessing should fail, got %v", err)
	}
	if err := MarkComplete(job, &Artifact{ContentHash: "0xabc"}, now); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}
	if err := MarkFailed(job, errors.New("late"), "X", now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("terminal job must stay immutable, got %v", err)
	}
	if job.Status != JobStatusComplete || job.Progress != 100 || job.Error != "" {
		t.Fatalf("terminal job mutated: %+v", job)
	}
}

func TestSetProgressNeverDecreases(t *testing.T) {
	job := NewJob("job-3", NewFingerprint("u1", "BRCA1", nil), time.Now())
	_ = MarkProcessing(job)

	steps := []struct {
		in      int
		want    int
		changed bool
	}{
		{10, 10, true},
		{5, 10, false},
		{30, 30, true},
		{150, 100, true},
		{-3, 100, false},
	}
	for _, s := range steps {
		changed, err := SetProgress(job, s.in, "")
		if err != nil {
			t.Fatalf("SetProgress(%d): %v", s.in, err)
		}
		if changed != s.changed || job.Progress != s.want {
			t.Fatalf("SetProgress(%d) = changed %v progress %d, want %v %d", s.in, changed, job.Progress, s.changed, s.want)
		}
	}
}

func TestMarkFailedDoesNotOverwriteErrorWhenNil(t *testing.T) {
	job := NewJob("job-4", NewFingerprint("u1", "BRCA1", nil), time.Now())
	if err := MarkFailed(job, nil, schema.CodeInternal, time.Now()); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if job.Status != JobStatusFailed {
		t.Fatalf("job status not failed: %v", job.Status)
	}
	if job.Error != "" {
		t.Fatalf("expected empty error string, got %q", job.Error)
	}
}

func TestFingerprintKeys(t *testing.T) {
	threshold := 0.25
	plain := NewFingerprint("u1", "BRCA1", nil)
	withThreshold := NewFingerprint("u1", "BRCA1", &threshold)

	if plain.CacheKey() != "artifact:u1:BRCA1" {
		t.Fatalf("unexpected cache key: %s", plain.CacheKey())
	}
	if withThreshold.CacheKey() != "artifact:u1:BRCA1:0.25" {
		t.Fatalf("unexpected cache key: %s", withThreshold.CacheKey())
	}
	if plain.Hash() == withThreshold.Hash() {
		t.Fatal("threshold must change the fingerprint")
	}
	if plain.Hash() != NewFingerprint("u1", "brca1", nil).Hash() {
		t.Fatal("trait type should be case-insensitive")
	}
	if JobKey("abc") != "job:abc" {
		t.Fatalf("unexpected job key: %s", JobKey("abc"))
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want schema.FailureType
	}{
		{"nil", nil, ""},
		{"validation", Validation("submit", "bad trait %s", "X"), schema.FailureTypeValidation},
		{"transient", Transient("pin", errors.New("boom")), schema.FailureTypeRetryable},
		{"prover", Prover("prove", errors.New("bad")), schema.FailureTypePermanent},
		{"wrapped transient", fmt.Errorf("persist: %w", Transient("db", errors.New("x"))), schema.FailureTypeRetryable},
		{"connection refused", errors.New("dial tcp: connection refused"), schema.FailureTypeRetryable},
		{"unknown", errors.New("something odd"), schema.FailureTypePermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("status: %w", NotFound("jobstore.get", "job"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound match for %v", err)
	}
	if errors.Is(err, ErrValidation) {
		t.Fatal("kinds must not cross-match")
	}
}
