// Package retry provides the single reusable backoff-and-retry executor
// used by every pipeline stage that calls an external collaborator.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Policy governs delay growth between retry attempts.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	Multiplier     float64
	MaxDelay       time.Duration
	JitterFraction float64
	// YieldAfter caps how long Execute sleeps in-call. A backoff longer
	// than this is returned as a YieldError so the caller can release
	// its worker slot and reschedule the work instead of blocking
	// through the wait. Zero disables yielding.
	YieldAfter time.Duration
}

// DefaultPolicy matches the cadence used for collaborator API calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    4,
		BaseDelay:      500 * time.Millisecond,
		Multiplier:     2.0,
		MaxDelay:       30 * time.Second,
		JitterFraction: 0.2,
		YieldAfter:     5 * time.Second,
	}
}

// Delay returns the raw backoff delay for attempt n (1-indexed),
// before jitter: min(MaxDelay, BaseDelay × Multiplier^(n-1)).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// jittered perturbs d by ± JitterFraction to avoid synchronized retry
// storms across items.
func (p Policy) jittered(d time.Duration, rnd *rand.Rand) time.Duration {
	if p.JitterFraction <= 0 {
		return d
	}
	spread := (rnd.Float64()*2 - 1) * p.JitterFraction // [-jf, +jf)
	return time.Duration(float64(d) * (1 + spread))
}

// Status mirrors health.Status without importing the health package, so
// the dependency points the other way (the monitor implements this view).
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
)

// HealthSource is the read-only view of dependency health the executor
// consults for circuit-breaking decisions.
type HealthSource interface {
	Status(dependency string) Status
}

// Executor runs operations under a retry policy with circuit breaking.
// The zero value is not usable; construct with New.
type Executor struct {
	health HealthSource
	log    *slog.Logger

	// sleep is swapped out in tests; it must honor ctx cancellation.
	sleep func(ctx context.Context, d time.Duration) error

	mu  sync.Mutex
	rnd *rand.Rand
}

// New creates an executor. health may be nil, which disables
// circuit-breaking (every dependency is assumed reachable).
func New(health HealthSource, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		health: health,
		log:    log,
		sleep:  sleepCtx,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Executor) nextDelay(p Policy, attempt int) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return p.jittered(p.Delay(attempt), e.rnd)
}

// circuitOpen returns the first dependency whose circuit is open.
func (e *Executor) circuitOpen(deps []string) (string, bool) {
	if e.health == nil {
		return "", false
	}
	for _, dep := range deps {
		if dep != "" && e.health.Status(dep) == StatusUnavailable {
			return dep, true
		}
	}
	return "", false
}

// Execute runs op under the policy. deps names the external services
// the operation targets; when any circuit is open the call fails fast
// with ErrDependencyUnavailable without consuming budget. Transient
// failures are retried with jittered exponential backoff. Cancellation
// lands at the attempt boundaries and the backoff wait, never inside a
// running attempt. A backoff longer than YieldAfter stops the loop
// with a YieldError instead of sleeping. Budget exhaustion is
// converted into a permanent ExhaustedError carrying the last cause.
func (e *Executor) Execute(ctx context.Context, deps []string, p Policy, op func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if dep, open := e.circuitOpen(deps); open {
			return fmt.Errorf("%s: %w", dep, ErrDependencyUnavailable)
		}

		err := op(ctx)
		if err == nil {
			return nil
		}

		switch Classify(err) {
		case ClassUnavailable:
			return err
		case ClassPermanent:
			return err
		}

		lastErr = err
		if attempt == p.MaxAttempts {
			break
		}

		delay := e.nextDelay(p, attempt)
		if p.YieldAfter > 0 && delay > p.YieldAfter {
			e.log.Debug("backoff exceeds in-call budget, yielding",
				"dependencies", deps,
				"attempt", attempt,
				"delay", delay)
			return &YieldError{Delay: delay, Attempts: attempt, Last: lastErr}
		}
		e.log.Debug("transient failure, backing off",
			"dependencies", deps,
			"attempt", attempt,
			"delay", delay,
			"error", err)
		if serr := e.sleep(ctx, delay); serr != nil {
			return serr
		}
	}

	return &ExhaustedError{Attempts: p.MaxAttempts, Last: lastErr}
}

// Do runs op under the policy and returns its result. It is the typed
// convenience wrapper over Execute.
func Do[T any](ctx context.Context, e *Executor, deps []string, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Execute(ctx, deps, p, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
