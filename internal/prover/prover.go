// Package prover is the proof generation capability the worker pool drives.
// The proof construction itself is opaque; implementations are selected once
// at startup by New.
package prover

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Input is what a prover needs for one job.
type Input struct {
	JobID          string
	SubjectID      string
	Trait          string
	Threshold      *float64
	Marker         Marker
	CommitmentHash string
}

type Output struct {
	ContentHash     string         `json:"content_hash"`
	PublicInputs    map[string]any `json:"public_inputs"`
	VerificationKey string         `json:"verification_key"`
	Status          string         `json:"status"`
}

// ProgressFunc receives the prover's own completion percentage, 0 to 100.
type ProgressFunc func(percent int)

type Prover interface {
	Prove(ctx context.Context, in Input, progress ProgressFunc) (Output, error)
	Verify(ctx context.Context, out Output) (bool, error)
}

const (
	ModeSimulated = "simulated"
	ModeRemote    = "remote"
)

type Config struct {
	Mode string
	// URL is the base URL of the remote prover service.
	URL     string
	Timeout time.Duration
	// Scale multiplies the simulated proving time; 0 means 1.
	Scale float64
}

func New(cfg Config) (Prover, error) {
	switch cfg.Mode {
	case "", ModeSimulated:
		return NewSimulated(cfg.Scale), nil
	case ModeRemote:
		if cfg.URL == "" {
			return nil, fmt.Errorf("remote prover requires a URL")
		}
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		return NewRemote(cfg.URL, &http.Client{Timeout: timeout}), nil
	default:
		return nil, fmt.Errorf("unknown prover mode %q", cfg.Mode)
	}
}
