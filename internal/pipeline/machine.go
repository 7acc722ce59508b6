// Package pipeline implements the lifecycle state machine that drives
// each content item from discovery through analysis, publishing a
// transition event on every state change.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/contentforge/orchestrator/internal/bus"
	"github.com/contentforge/orchestrator/internal/cache"
	"github.com/contentforge/orchestrator/internal/item"
	"github.com/contentforge/orchestrator/internal/retry"
	"github.com/contentforge/orchestrator/internal/store"
)

// Config tunes the machine's timing behavior.
type Config struct {
	// Policy is the retry policy applied to every stage handler.
	Policy retry.Policy
	// StageTimeout bounds one handler attempt.
	StageTimeout time.Duration
	// LeaseTTL bounds how long a crashed worker can strand an item.
	LeaseTTL time.Duration
	// ApprovalPollInterval is the slow re-poll cadence for items parked
	// at the approval gate.
	ApprovalPollInterval time.Duration
	// RequeueDelay is how long an item waits after a circuit-open
	// dispatch before workers pick it up again.
	RequeueDelay time.Duration
	// CacheTTL bounds cached stage outputs.
	CacheTTL time.Duration
}

// DefaultConfig returns production timing defaults.
func DefaultConfig() Config {
	return Config{
		Policy:               retry.DefaultPolicy(),
		StageTimeout:         2 * time.Minute,
		LeaseTTL:             5 * time.Minute,
		ApprovalPollInterval: 5 * time.Minute,
		RequeueDelay:         30 * time.Second,
		CacheTTL:             cache.DefaultTTL,
	}
}

// Machine is the sole writer of content item state. All transitions go
// through it; collaborators and observers only ever read.
type Machine struct {
	store    store.Store
	bus      *bus.Bus
	cache    *cache.Cache
	exec     *retry.Executor
	handlers map[item.Stage]Handler
	cfg      Config
	log      *slog.Logger

	leases *leaseTable

	mu        sync.Mutex
	inflight  map[uuid.UUID]context.CancelFunc
	cancelReq map[uuid.UUID]bool
}

// NewMachine assembles the state machine.
func NewMachine(st store.Store, b *bus.Bus, ch *cache.Cache, exec *retry.Executor, collabs Collaborators, cfg Config, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = DefaultConfig().StageTimeout
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultConfig().LeaseTTL
	}
	if cfg.ApprovalPollInterval <= 0 {
		cfg.ApprovalPollInterval = DefaultConfig().ApprovalPollInterval
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = DefaultConfig().RequeueDelay
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = retry.DefaultPolicy()
	}
	return &Machine{
		store:     st,
		bus:       b,
		cache:     ch,
		exec:      exec,
		handlers:  buildHandlers(collabs, ch, cfg.CacheTTL),
		cfg:       cfg,
		log:       log.With("component", "pipeline"),
		leases:    newLeaseTable(cfg.LeaseTTL),
		inflight:  make(map[uuid.UUID]context.CancelFunc),
		cancelReq: make(map[uuid.UUID]bool),
	}
}

// StageDependencies reports which external services each stage calls,
// for the runner's dependency-down pausing.
func (m *Machine) StageDependencies() map[item.Stage][]string {
	out := make(map[item.Stage][]string, len(m.handlers))
	for stage, h := range m.handlers {
		out[stage] = h.Dependencies()
	}
	return out
}

// Enqueue creates a new item at Discovered and publishes its first
// transition event. This event counts toward the item's event stream,
// so a full lifecycle emits one event per version.
func (m *Machine) Enqueue(ctx context.Context, topic, fingerprintSeed string) (*item.ContentItem, error) {
	it := item.New(topic, fingerprintSeed)
	if err := m.store.Create(ctx, it); err != nil {
		return nil, fmt.Errorf("enqueue %q: %w", topic, err)
	}
	m.publishTransition(it, "", item.StageDiscovered, nil)
	m.log.Info("item enqueued", "item", it.ID, "topic", topic)
	return it, nil
}

// Advance drives one stage execution for the item. Exactly one advance
// may be in flight per item; concurrent callers get ErrItemBusy. On
// success the returned item carries the next stage and an incremented
// version. Transient exhaustion and permanent failures transition the
// item to Failed. A circuit-open dependency parks the item for requeue
// without consuming retry budget, and a backoff too long to hold the
// caller through parks the item with the remaining budget carried in
// Attempts. An operator cancel takes effect at the executor's next
// checkpoint, so a running attempt always completes first.
func (m *Machine) Advance(ctx context.Context, id uuid.UUID) (*item.ContentItem, error) {
	if !m.leases.Acquire(id) {
		return nil, ErrItemBusy
	}
	defer m.leases.Release(id)

	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	m.inflight[id] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.inflight, id)
		m.mu.Unlock()
	}()

	it, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if it.Stage.IsTerminal() {
		return nil, &ErrTerminalStage{ID: id, Stage: it.Stage}
	}
	if m.takeCancelRequest(id) {
		return m.cancelItem(ctx, it)
	}

	handler, ok := m.handlers[it.Stage]
	if !ok {
		return nil, fmt.Errorf("no handler registered for stage %q", it.Stage)
	}

	work := it.Clone()
	// Attempts burned by earlier yielded dispatches count against the
	// same stage budget.
	pol := m.cfg.Policy
	pol.MaxAttempts -= work.Attempts
	if pol.MaxAttempts < 1 {
		pol.MaxAttempts = 1
	}
	execErr := m.exec.Execute(actx, handler.Dependencies(), pol, func(context.Context) error {
		// The attempt runs on the dispatch context, not the
		// operator-cancellable one, so a cancel never aborts an
		// external call mid-request.
		attemptCtx, done := context.WithTimeout(ctx, m.cfg.StageTimeout)
		defer done()
		return handler.Run(attemptCtx, work)
	})

	var yield *retry.YieldError
	switch {
	case execErr == nil:
		if m.takeCancelRequest(id) {
			// The cancel arrived during the final attempt; the attempt's
			// outputs are kept on the cancelled item.
			return m.cancelItem(ctx, work)
		}
		next, err := it.Stage.Next()
		if err != nil {
			return nil, err
		}
		work.Attempts = 0
		work.IdleUntil = nil
		return m.commit(ctx, work, it.Stage, next, nil)

	case errors.Is(execErr, ErrAwaitingApproval):
		parked, err := m.park(ctx, work, m.cfg.ApprovalPollInterval)
		if err != nil {
			return nil, err
		}
		return parked, ErrAwaitingApproval

	case errors.Is(execErr, retry.ErrDependencyUnavailable):
		m.log.Warn("stage dispatch blocked by open circuit", "item", id, "stage", it.Stage, "error", execErr)
		parked, err := m.park(ctx, work, m.cfg.RequeueDelay)
		if err != nil {
			return nil, err
		}
		return parked, execErr

	case errors.As(execErr, &yield):
		work.Attempts += yield.Attempts
		m.log.Info("backoff too long to hold a worker, parking item",
			"item", id, "stage", it.Stage, "attempts", work.Attempts, "delay", yield.Delay)
		parked, err := m.park(ctx, work, yield.Delay)
		if err != nil {
			return nil, err
		}
		return parked, execErr

	case errors.Is(execErr, context.Canceled):
		if m.takeCancelRequest(id) {
			return m.cancelItem(ctx, work)
		}
		// Shutdown, not an operator cancel: leave the item untouched.
		return nil, execErr

	default:
		// Permanent failure or exhausted retry budget.
		next, _ := it.Stage.Next()
		work.IdleUntil = nil
		work.RecordFailure(next, string(retry.Classify(execErr)), execErr.Error(), work.Attempts+failureAttempts(execErr))
		m.log.Error("stage failed", "item", id, "stage", it.Stage, "error", execErr)
		failed, err := m.commit(ctx, work, it.Stage, item.StageFailed, map[string]any{"reason": execErr.Error()})
		if err != nil {
			return nil, err
		}
		return failed, execErr
	}
}

// failureAttempts extracts how many attempts were burned before the
// failure; permanent errors fail on the first call.
func failureAttempts(err error) int {
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted.Attempts
	}
	return 1
}

// park leaves the stage and version unchanged and schedules a later
// re-poll. The version only counts transitions, so a park is not a
// version bump. Callers that burned retry budget bump work.Attempts
// themselves before parking.
func (m *Machine) park(ctx context.Context, work *item.ContentItem, wait time.Duration) (*item.ContentItem, error) {
	until := time.Now().UTC().Add(wait)
	work.IdleUntil = &until
	if err := m.store.Save(ctx, work, work.Version); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			// Another writer moved the item; the park is moot.
			return work, nil
		}
		return nil, err
	}
	return work, nil
}

// commit applies a stage transition, persists it with the optimistic
// version check, and publishes exactly one event.
func (m *Machine) commit(ctx context.Context, work *item.ContentItem, from, to item.Stage, payload map[string]any) (*item.ContentItem, error) {
	if !from.CanTransition(to) {
		return nil, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	work.Stage = to
	expected := work.Version
	work.Version++
	work.UpdatedAt = time.Now().UTC()
	if err := m.saveWithConflictRetry(ctx, work, from, expected); err != nil {
		return nil, err
	}
	m.publishTransition(work, from, to, payload)
	return work, nil
}

// saveWithConflictRetry handles an optimistic-concurrency conflict by
// reloading once and re-applying this write on top of the fresh
// version. The transition is only re-applied while the fresh row still
// sits at its from-stage; anything else means another writer already
// moved the item and this write is stale. A second conflict is
// surfaced as a transient error.
func (m *Machine) saveWithConflictRetry(ctx context.Context, work *item.ContentItem, from item.Stage, expected int) error {
	err := m.store.Save(ctx, work, expected)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrVersionConflict) {
		return err
	}

	fresh, lerr := m.store.Load(ctx, work.ID)
	if lerr != nil {
		return lerr
	}
	if fresh.Stage != from {
		if fresh.Stage.IsTerminal() {
			// An operator action won the race; do not overwrite it.
			return &ErrTerminalStage{ID: work.ID, Stage: fresh.Stage}
		}
		// Another writer advanced the item past this transition's
		// starting point; re-applying it would rewind the lifecycle.
		return retry.Transient(fmt.Errorf("item %s moved to %s during save: %w", work.ID, fresh.Stage, err))
	}
	work.Version = fresh.Version + 1
	if rerr := m.store.Save(ctx, work, fresh.Version); rerr != nil {
		if errors.Is(rerr, store.ErrVersionConflict) {
			return retry.Transient(rerr)
		}
		return rerr
	}
	return nil
}

func (m *Machine) publishTransition(it *item.ContentItem, from, to item.Stage, payload map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{
		Topic:    bus.TopicItemTransitioned,
		ItemID:   it.ID,
		OldStage: from,
		NewStage: to,
		Payload:  payload,
	})
}

func (m *Machine) takeCancelRequest(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelReq[id] {
		delete(m.cancelReq, id)
		return true
	}
	return false
}

// cancelItem transitions work to Cancelled and publishes the terminal
// event. The caller must hold the item's lease.
func (m *Machine) cancelItem(ctx context.Context, work *item.ContentItem) (*item.ContentItem, error) {
	work.IdleUntil = nil
	return m.commit(ctx, work, work.Stage, item.StageCancelled, map[string]any{"reason": "operator cancel"})
}

// Busy reports whether an advance is currently in flight for the item.
func (m *Machine) Busy(id uuid.UUID) bool {
	return m.leases.Held(id)
}
