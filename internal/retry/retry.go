// Package retry runs an operation a bounded number of times with exponential
// backoff between attempts.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop. Delays grow by Multiplier after each failed
// attempt, without jitter, so consecutive delays strictly increase until Max.
type Policy struct {
	Attempts   int
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Initial <= 0 {
		p.Initial = time.Second
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2
	}
	if p.Max <= 0 {
		p.Max = time.Minute
	}
	return p
}

// BackOff returns the cenkalti backoff sequence for p. It yields exactly
// Attempts-1 delays and then backoff.Stop.
func (p Policy) BackOff() backoff.BackOff {
	p = p.withDefaults()
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Initial
	exp.RandomizationFactor = 0
	exp.Multiplier = p.Multiplier
	exp.MaxInterval = p.Max
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(p.Attempts-1))
}

// Delays lists the waits Do would perform between attempts.
func (p Policy) Delays() []time.Duration {
	b := p.BackOff()
	var out []time.Duration
	for {
		d := b.NextBackOff()
		if d == backoff.Stop {
			return out
		}
		out = append(out, d)
	}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Runner executes operations under a Policy.
type Runner struct {
	Policy Policy
	Sleep  SleepFunc
	// Retryable decides whether a failed attempt is retried. Nil retries all.
	Retryable func(error) bool
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Do calls op until it succeeds, returns a non-retryable error, the policy is
// exhausted, or ctx is done. attempt counts from 1. The returned int is the
// number of attempts made.
func (r Runner) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) (int, error) {
	sleep := r.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	b := r.Policy.BackOff()

	attempt := 0
	for {
		attempt++
		err := op(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if r.Retryable != nil && !r.Retryable(err) {
			return attempt, err
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return attempt, err
		}
		if r.OnRetry != nil {
			r.OnRetry(attempt, err, delay)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return attempt, err
		}
	}
}
