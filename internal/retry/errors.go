package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Class partitions operation errors into the handling buckets the
// executor understands.
type Class string

const (
	ClassTransient   Class = "transient"
	ClassPermanent   Class = "permanent"
	ClassUnavailable Class = "dependency_unavailable"
)

// ErrDependencyUnavailable is returned without consuming any attempt
// budget when the circuit for the target dependency is open. Callers
// should requeue the work instead of burning retries.
var ErrDependencyUnavailable = errors.New("dependency unavailable (circuit open)")

// TransientError marks an error as retryable (timeouts, rate limits,
// 5xx-equivalents from collaborators).
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks an error as non-retryable (validation failures,
// content-policy rejections, malformed input).
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err so the executor retries it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err so the executor fails immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// ExhaustedError is the permanent-style error returned after the
// attempt budget is spent on transient failures.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry budget exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// YieldError reports that the executor returned between attempts
// rather than hold its caller through a backoff longer than
// Policy.YieldAfter. Attempts is the budget consumed by this call;
// Delay is how long the work should wait before it is dispatched
// again.
type YieldError struct {
	Delay    time.Duration
	Attempts int
	Last     error
}

func (e *YieldError) Error() string {
	return fmt.Sprintf("yielded after %d attempts, next backoff %s: %v", e.Attempts, e.Delay, e.Last)
}

func (e *YieldError) Unwrap() error { return e.Last }

// Classify maps err to its handling class. Unmarked errors are treated
// as permanent so unknown failure modes never loop silently; collaborator
// clients are expected to mark retryable conditions explicitly.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDependencyUnavailable):
		return ClassUnavailable
	// Exhaustion wraps its last transient cause, so it must be checked
	// before the transient marker.
	case errors.As(err, new(*ExhaustedError)):
		return ClassPermanent
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	case errors.As(err, new(*TransientError)):
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// IsTransient reports whether err would be retried by the executor.
func IsTransient(err error) bool { return Classify(err) == ClassTransient }

// IsPermanent reports whether err fails the stage immediately.
func IsPermanent(err error) bool { return Classify(err) == ClassPermanent }

// FromStatusCode wraps err according to the HTTP status code semantics
// shared by the platform and rendering collaborators: 429 and 5xx are
// transient, every other 4xx is permanent.
func FromStatusCode(status int, err error) error {
	if err == nil {
		return nil
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return Transient(err)
	}
	if status >= 400 {
		return Permanent(err)
	}
	return err
}
