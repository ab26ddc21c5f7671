package process

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tendant/simple-prover/pkg/schema"
)

// Kind groups errors by how callers must react to them.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not_found"
	KindTransient      Kind = "transient"
	KindProver         Kind = "prover"
	KindReconciliation Kind = "reconciliation"
	KindRateLimited    Kind = "rate_limited"
)

var (
	ErrValidation     = &Error{Kind: KindValidation}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrTransient      = &Error{Kind: KindTransient}
	ErrProver         = &Error{Kind: KindProver}
	ErrReconciliation = &Error{Kind: KindReconciliation}
	ErrRateLimited    = &Error{Kind: KindRateLimited}

	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotClaimable      = errors.New("job not claimable")
)

// Error is a classified error. Two errors match with errors.Is when their
// kinds are equal, so callers can test against the sentinel values above.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

func Validation(op string, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

func NotFound(op string, what string) error {
	return &Error{Kind: KindNotFound, Op: op, Err: fmt.Errorf("%s not found", what)}
}

func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

func Prover(op string, err error) error {
	return &Error{Kind: KindProver, Op: op, Err: err}
}

func RateLimited(op string, key string, retryAfter time.Duration) error {
	return &Error{Kind: KindRateLimited, Op: op, Err: fmt.Errorf("rate limit exceeded for %s, retry in %s", key, retryAfter.Round(time.Second))}
}

func Reconciliation(op string, err error) error {
	return &Error{Kind: KindReconciliation, Op: op, Err: err}
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return Classify(err) == schema.FailureTypeRetryable
}

// Classify maps an error to the failure type reported on the progress stream.
func Classify(err error) schema.FailureType {
	if err == nil {
		return ""
	}

	var classified *Error
	if errors.As(err, &classified) {
		switch classified.Kind {
		case KindValidation, KindRateLimited:
			return schema.FailureTypeValidation
		case KindTransient:
			return schema.FailureTypeRetryable
		default:
			return schema.FailureTypePermanent
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return schema.FailureTypeRetryable
	}
	if errors.Is(err, context.Canceled) {
		return schema.FailureTypePermanent
	}

	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "database is locked") {
		return schema.FailureTypeRetryable
	}

	return schema.FailureTypePermanent
}
