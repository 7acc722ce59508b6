// Package notify fans pipeline events out to registered observers.
// Each observer gets its own bounded queue and worker, so one slow
// webhook never blocks the bus, the pipeline, or its peers.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/contentforge/orchestrator/internal/bus"
)

// Notifier receives pipeline events. Notify errors are logged, not
// retried; notifications are best-effort by contract.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, ev bus.Event) error
}

// DefaultQueueSize bounds each observer's backlog.
const DefaultQueueSize = 128

// Hub subscribes to the event bus and forwards every event to each
// registered notifier. When an observer's queue is full the oldest
// event is dropped, matching the bus's overflow behavior.
type Hub struct {
	bus       *bus.Bus
	queueSize int
	log       *slog.Logger

	mu        sync.Mutex
	observers []*observer
	dropped   uint64
}

type observer struct {
	n  Notifier
	ch chan bus.Event
}

// NewHub creates a hub over the bus. queueSize <= 0 uses the default.
func NewHub(b *bus.Bus, queueSize int, log *slog.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{bus: b, queueSize: queueSize, log: log.With("component", "notify")}
}

// Register adds an observer. Call before Run.
func (h *Hub) Register(n Notifier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, &observer{n: n, ch: make(chan bus.Event, h.queueSize)})
}

// Dropped reports how many events were discarded across all observers.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Run blocks until ctx is cancelled, pumping bus events to every
// observer worker.
func (h *Hub) Run(ctx context.Context) error {
	sub := h.bus.Subscribe(bus.TopicAll)
	defer h.bus.Unsubscribe(sub)

	h.mu.Lock()
	observers := append([]*observer(nil), h.observers...)
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, obs := range observers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.drain(ctx, obs)
		}()
	}
	defer func() {
		for _, obs := range observers {
			close(obs.ch)
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			for _, obs := range observers {
				h.enqueue(obs, ev)
			}
		}
	}
}

// enqueue adds ev to the observer's queue, evicting the oldest entry
// when full.
func (h *Hub) enqueue(obs *observer, ev bus.Event) {
	for {
		select {
		case obs.ch <- ev:
			return
		default:
		}
		select {
		case <-obs.ch:
			h.mu.Lock()
			h.dropped++
			h.mu.Unlock()
			h.log.Warn("observer queue full, dropping oldest event", "observer", obs.n.Name())
		default:
		}
	}
}

func (h *Hub) drain(ctx context.Context, obs *observer) {
	for ev := range obs.ch {
		if err := obs.n.Notify(ctx, ev); err != nil {
			h.log.Warn("notify failed", "observer", obs.n.Name(), "topic", ev.Topic, "error", err)
		}
	}
}

// LogNotifier writes every event to the structured log.
type LogNotifier struct {
	Log *slog.Logger
}

func (l *LogNotifier) Name() string { return "log" }

func (l *LogNotifier) Notify(ctx context.Context, ev bus.Event) error {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("pipeline event",
		"topic", ev.Topic,
		"item", ev.ItemID,
		"from", ev.OldStage,
		"to", ev.NewStage,
	)
	return nil
}
