package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSleeper captures backoff delays instead of sleeping.
type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.delays = append(r.delays, d)
	return nil
}

func newTestExecutor(health HealthSource) (*Executor, *recordingSleeper) {
	e := New(health, nil)
	rec := &recordingSleeper{}
	e.sleep = rec.sleep
	return e, rec
}

type staticHealth map[string]Status

func (h staticHealth) Status(dep string) Status {
	if s, ok := h[dep]; ok {
		return s
	}
	return StatusHealthy
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 2 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{6, 2 * time.Second}, // capped
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, expected %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExecuteBackoffSequence(t *testing.T) {
	e, rec := newTestExecutor(nil)
	p := Policy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 2 * time.Second, JitterFraction: 0.1}

	calls := 0
	err := e.Execute(context.Background(), []string{"gemini"}, p, func(ctx context.Context) error {
		calls++
		return Transient(errors.New("rate limited"))
	})

	require.Error(t, err)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 4, exhausted.Attempts)
	assert.Equal(t, 4, calls)
	assert.Equal(t, ClassPermanent, Classify(err), "budget exhaustion must read as permanent")

	// Three waits between four attempts, each within ±10% of the raw delay.
	require.Len(t, rec.delays, 3)
	for i, raw := range []time.Duration{100, 200, 400} {
		base := raw * time.Millisecond
		lo := time.Duration(float64(base) * 0.9)
		hi := time.Duration(float64(base) * 1.1)
		assert.GreaterOrEqual(t, rec.delays[i], lo, "delay %d below jitter band", i)
		assert.LessOrEqual(t, rec.delays[i], hi, "delay %d above jitter band", i)
	}
}

func TestExecuteYieldsOnLongBackoff(t *testing.T) {
	e, rec := newTestExecutor(nil)
	p := Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, Multiplier: 10, MaxDelay: time.Minute, YieldAfter: 500 * time.Millisecond}

	calls := 0
	err := e.Execute(context.Background(), []string{"gemini"}, p, func(ctx context.Context) error {
		calls++
		return Transient(errors.New("rate limited"))
	})

	var yield *YieldError
	require.ErrorAs(t, err, &yield)
	// The first backoff (100ms) is slept in-call; the second (1s)
	// exceeds the budget and is handed back to the caller.
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, yield.Attempts)
	assert.Equal(t, time.Second, yield.Delay)
	assert.Len(t, rec.delays, 1)
}

func TestExecuteCancelCheckpoints(t *testing.T) {
	t.Run("before first attempt", func(t *testing.T) {
		e, _ := newTestExecutor(nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		calls := 0
		err := e.Execute(ctx, []string{"gemini"}, DefaultPolicy(), func(context.Context) error {
			calls++
			return nil
		})
		require.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, calls)
	})

	t.Run("mid attempt waits for completion", func(t *testing.T) {
		e, _ := newTestExecutor(nil)
		ctx, cancel := context.WithCancel(context.Background())

		calls := 0
		err := e.Execute(ctx, []string{"gemini"}, DefaultPolicy(), func(context.Context) error {
			calls++
			cancel()
			return Transient(errors.New("timeout"))
		})
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls, "the running attempt completes, no new attempt starts")
	})
}

func TestExecutePermanentNoRetry(t *testing.T) {
	e, rec := newTestExecutor(nil)

	calls := 0
	err := e.Execute(context.Background(), []string{"youtube"}, DefaultPolicy(), func(ctx context.Context) error {
		calls++
		return Permanent(errors.New("content policy rejection"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
	assert.True(t, IsPermanent(err))
}

func TestExecuteRecoversAfterTransients(t *testing.T) {
	e, _ := newTestExecutor(nil)

	calls := 0
	err := e.Execute(context.Background(), []string{"render"}, DefaultPolicy(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("timeout"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecuteCircuitOpenFailsFast(t *testing.T) {
	e, rec := newTestExecutor(staticHealth{"instagram": StatusUnavailable})

	calls := 0
	err := e.Execute(context.Background(), []string{"instagram"}, DefaultPolicy(), func(ctx context.Context) error {
		calls++
		return nil
	})

	require.ErrorIs(t, err, ErrDependencyUnavailable)
	assert.Zero(t, calls, "operation must not run while circuit is open")
	assert.Empty(t, rec.delays)
}

func TestExecuteAnyOpenCircuitFailsFast(t *testing.T) {
	e, _ := newTestExecutor(staticHealth{"render": StatusUnavailable})

	calls := 0
	err := e.Execute(context.Background(), []string{"gemini", "render"}, DefaultPolicy(), func(ctx context.Context) error {
		calls++
		return nil
	})

	require.ErrorIs(t, err, ErrDependencyUnavailable)
	assert.Zero(t, calls)
}

func TestExecuteDegradedStillCalls(t *testing.T) {
	e, _ := newTestExecutor(staticHealth{"instagram": StatusDegraded})

	calls := 0
	err := e.Execute(context.Background(), []string{"instagram"}, DefaultPolicy(), func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecuteCancelledAtBackoffCheckpoint(t *testing.T) {
	e := New(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	e.sleep = func(ctx context.Context, d time.Duration) error {
		cancel() // operator cancellation arrives mid-backoff
		return ctx.Err()
	}

	calls := 0
	err := e.Execute(ctx, []string{"gemini"}, DefaultPolicy(), func(ctx context.Context) error {
		calls++
		return Transient(errors.New("flaky"))
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls, "in-flight call completes, next attempt never starts")
}

func TestDoReturnsValue(t *testing.T) {
	e, _ := newTestExecutor(nil)

	got, err := Do(context.Background(), e, []string{"gemini"}, DefaultPolicy(), func(ctx context.Context) (string, error) {
		return "blueprint", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "blueprint", got)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"transient wrapper", Transient(errors.New("x")), ClassTransient},
		{"permanent wrapper", Permanent(errors.New("x")), ClassPermanent},
		{"plain error defaults permanent", errors.New("x"), ClassPermanent},
		{"deadline is transient", context.DeadlineExceeded, ClassTransient},
		{"wrapped deadline is transient", fmt.Errorf("call: %w", context.DeadlineExceeded), ClassTransient},
		{"circuit open", ErrDependencyUnavailable, ClassUnavailable},
		{"exhausted is permanent", &ExhaustedError{Attempts: 3, Last: errors.New("x")}, ClassPermanent},
		{"exhausted transient cause still permanent", &ExhaustedError{Attempts: 3, Last: Transient(errors.New("x"))}, ClassPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %q, expected %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestFromStatusCode(t *testing.T) {
	base := errors.New("api error")
	tests := []struct {
		status int
		want   Class
	}{
		{429, ClassTransient},
		{500, ClassTransient},
		{503, ClassTransient},
		{400, ClassPermanent},
		{403, ClassPermanent},
		{422, ClassPermanent},
	}
	for _, tt := range tests {
		if got := Classify(FromStatusCode(tt.status, base)); got != tt.want {
			t.Errorf("FromStatusCode(%d) classified %q, expected %q", tt.status, got, tt.want)
		}
	}
	if FromStatusCode(200, nil) != nil {
		t.Error("nil error must stay nil")
	}
}
