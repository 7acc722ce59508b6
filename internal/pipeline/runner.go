package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/contentforge/orchestrator/internal/bus"
	"github.com/contentforge/orchestrator/internal/item"
	"github.com/contentforge/orchestrator/internal/retry"
	"github.com/contentforge/orchestrator/internal/store"
)

// RunnerConfig tunes the polling worker pool.
type RunnerConfig struct {
	// Workers caps concurrent stage executions.
	Workers int
	// PollInterval is the cadence for scanning ready items.
	PollInterval time.Duration
	// BatchSize caps how many items one scan dispatches.
	BatchSize int
}

// DefaultRunnerConfig returns production defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{Workers: 4, PollInterval: 5 * time.Second, BatchSize: 32}
}

// Runner polls the store for ready items and advances them through the
// machine with a bounded worker pool. It listens for dependency outage
// events and stops dispatching stages whose dependencies are down, so
// retry budgets are not burned against a known-dead service.
type Runner struct {
	machine *Machine
	store   store.Store
	bus     *bus.Bus
	cfg     RunnerConfig
	log     *slog.Logger

	stageDeps map[item.Stage][]string

	mu   sync.Mutex
	down map[string]bool
}

// NewRunner builds a runner over the machine's store and bus.
func NewRunner(m *Machine, st store.Store, b *bus.Bus, cfg RunnerConfig, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	def := DefaultRunnerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Runner{
		machine:   m,
		store:     st,
		bus:       b,
		cfg:       cfg,
		log:       log.With("component", "runner"),
		stageDeps: m.StageDependencies(),
		down:      make(map[string]bool),
	}
}

// Run blocks until ctx is cancelled, polling and dispatching. The
// supervisor goroutine tracks dependency outages off the event bus.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if r.bus != nil {
		g.Go(func() error { return r.superviseDependencies(gctx) })
	}
	g.Go(func() error { return r.pollLoop(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	workers, _ := errgroup.WithContext(ctx)
	workers.SetLimit(r.cfg.Workers)

	for {
		select {
		case <-ctx.Done():
			_ = workers.Wait()
			return ctx.Err()
		case <-ticker.C:
			r.dispatchReady(ctx, workers)
		}
	}
}

func (r *Runner) dispatchReady(ctx context.Context, workers *errgroup.Group) {
	stages := r.dispatchableStages()
	if len(stages) == 0 {
		return
	}
	items, err := r.store.ListReady(ctx, store.ReadyFilter{
		Stages: stages,
		Now:    time.Now().UTC(),
		Limit:  r.cfg.BatchSize,
	})
	if err != nil {
		r.log.Error("ready scan failed", "error", err)
		return
	}
	for _, it := range items {
		id := it.ID
		workers.Go(func() error {
			r.advanceOne(ctx, id)
			return nil
		})
	}
}

func (r *Runner) advanceOne(ctx context.Context, id uuid.UUID) {
	_, err := r.machine.Advance(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, ErrItemBusy):
		// Another worker holds the lease.
	case errors.Is(err, ErrAwaitingApproval):
		// Parked at the gate; nothing to do until an operator acts.
	case errors.Is(err, retry.ErrDependencyUnavailable):
		// Requeued by the machine; the supervisor will pause the stage
		// once the monitor confirms the outage.
	case errors.As(err, new(*retry.YieldError)):
		// Parked rather than sleeping through a long backoff; a later
		// scan picks the item up once its idle window passes.
	case errors.Is(err, context.Canceled):
	default:
		r.log.Error("advance failed", "item", id, "error", err)
	}
}

// dispatchableStages returns the non-terminal stages whose
// dependencies are all up.
func (r *Runner) dispatchableStages() []item.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stages []item.Stage
	for stage, deps := range r.stageDeps {
		blocked := false
		for _, d := range deps {
			if r.down[d] {
				blocked = true
				break
			}
		}
		if !blocked {
			stages = append(stages, stage)
		}
	}
	return stages
}

func (r *Runner) superviseDependencies(ctx context.Context) error {
	downSub := r.bus.Subscribe(bus.TopicDependencyDown)
	upSub := r.bus.Subscribe(bus.TopicDependencyUp)
	defer r.bus.Unsubscribe(downSub)
	defer r.bus.Unsubscribe(upSub)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-downSub.C():
			if !ok {
				return nil
			}
			r.setDown(dependencyName(ev), true)
		case ev, ok := <-upSub.C():
			if !ok {
				return nil
			}
			r.setDown(dependencyName(ev), false)
		}
	}
}

func (r *Runner) setDown(name string, down bool) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.down[name] = down
	r.mu.Unlock()
	if down {
		r.log.Warn("pausing stages for downed dependency", "dependency", name)
	} else {
		r.log.Info("resuming stages for recovered dependency", "dependency", name)
	}
}

func dependencyName(ev bus.Event) string {
	if s, ok := ev.Payload["dependency"].(string); ok {
		return s
	}
	return ""
}
