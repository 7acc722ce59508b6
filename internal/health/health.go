// Package health monitors dependent services with periodic probes and
// feeds circuit-breaking decisions into the retry executor.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/contentforge/orchestrator/internal/bus"
	"github.com/contentforge/orchestrator/internal/retry"
)

// Status is the live state of one dependency.
type Status = retry.Status

const (
	StatusHealthy     = retry.StatusHealthy
	StatusDegraded    = retry.StatusDegraded
	StatusUnavailable = retry.StatusUnavailable
)

// Prober performs one lightweight check against a dependency.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a function to the Prober interface.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Probe(ctx context.Context) error { return f(ctx) }

// DependencyHealth is the read-only snapshot row for one dependency.
type DependencyHealth struct {
	Name                string    `json:"name"`
	Status              Status    `json:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastChecked         time.Time `json:"last_checked"`
	NextProbeDue        time.Time `json:"next_probe_due"`
	LastError           string    `json:"last_error,omitempty"`
}

// Config tunes probe cadence and demotion thresholds.
type Config struct {
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
	DegradedAfter    int // consecutive failures: healthy -> degraded
	UnavailableAfter int // further consecutive failures: degraded -> unavailable
}

// DefaultConfig matches the cadence the dashboards expect.
func DefaultConfig() Config {
	return Config{
		ProbeInterval:    30 * time.Second,
		ProbeTimeout:     5 * time.Second,
		DegradedAfter:    2,
		UnavailableAfter: 3,
	}
}

type dependency struct {
	name   string
	prober Prober
	state  DependencyHealth
}

// Monitor owns the DependencyHealth table. It is the only writer;
// everyone else reads through Snapshot or Status.
type Monitor struct {
	cfg Config
	bus *bus.Bus
	log *slog.Logger

	mu   sync.RWMutex
	deps map[string]*dependency

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor publishing status events to b.
func NewMonitor(cfg Config, b *bus.Bus, log *slog.Logger) *Monitor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultConfig().ProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	if cfg.DegradedAfter < 1 {
		cfg.DegradedAfter = 1
	}
	if cfg.UnavailableAfter < 1 {
		cfg.UnavailableAfter = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		cfg:  cfg,
		bus:  b,
		log:  log.With("component", "health"),
		deps: make(map[string]*dependency),
	}
}

// Register adds a dependency to the probe set. Registering an existing
// name replaces its prober but keeps its state.
func (m *Monitor) Register(name string, p Prober) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.deps[name]; ok {
		d.prober = p
		return
	}
	m.deps[name] = &dependency{
		name:   name,
		prober: p,
		state: DependencyHealth{
			Name:         name,
			Status:       StatusHealthy,
			NextProbeDue: time.Now().UTC(),
		},
	}
}

// Start launches the probe loop. Stop with Stop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop terminates the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	t := time.NewTicker(m.cfg.ProbeInterval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.probeDue(ctx)
		}
	}
}

func (m *Monitor) probeDue(ctx context.Context) {
	now := time.Now().UTC()
	m.mu.RLock()
	var due []string
	for name, d := range m.deps {
		if !now.Before(d.state.NextProbeDue) {
			due = append(due, name)
		}
	}
	m.mu.RUnlock()
	for _, name := range due {
		m.ProbeNow(ctx, name)
	}
}

// ProbeNow performs one probe immediately and applies the transition
// rules. It is exported for the operator API's forced health check.
func (m *Monitor) ProbeNow(ctx context.Context, name string) {
	m.mu.RLock()
	d, ok := m.deps[name]
	prober := Prober(nil)
	if ok {
		prober = d.prober
	}
	m.mu.RUnlock()
	if !ok {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := prober.Probe(pctx)
	cancel()

	m.apply(name, err)
}

// apply updates one dependency's state from a probe outcome and
// publishes the resulting events.
func (m *Monitor) apply(name string, probeErr error) {
	m.mu.Lock()
	d, ok := m.deps[name]
	if !ok {
		m.mu.Unlock()
		return
	}

	prev := d.state.Status
	now := time.Now().UTC()
	d.state.LastChecked = now
	d.state.NextProbeDue = now.Add(m.cfg.ProbeInterval)

	if probeErr != nil {
		d.state.ConsecutiveFailures++
		d.state.LastError = probeErr.Error()
		switch {
		case prev == StatusHealthy && d.state.ConsecutiveFailures >= m.cfg.DegradedAfter:
			d.state.Status = StatusDegraded
			d.state.ConsecutiveFailures = 0
		case prev == StatusDegraded && d.state.ConsecutiveFailures >= m.cfg.UnavailableAfter:
			d.state.Status = StatusUnavailable
			d.state.ConsecutiveFailures = 0
		}
	} else {
		d.state.ConsecutiveFailures = 0
		d.state.LastError = ""
		// Recovery is gradual: a single success moves one step toward
		// healthy, so a flapping dependency cannot oscillate between
		// unavailable and healthy in one probe interval.
		switch prev {
		case StatusUnavailable:
			d.state.Status = StatusDegraded
		case StatusDegraded:
			d.state.Status = StatusHealthy
		}
	}
	cur := d.state.Status
	m.mu.Unlock()

	if cur == prev {
		return
	}

	m.log.Info("dependency status changed", "dependency", name, "from", string(prev), "to", string(cur))
	if m.bus == nil {
		return
	}
	payload := map[string]any{"dependency": name, "from": string(prev), "to": string(cur)}
	m.bus.Publish(bus.Event{Topic: bus.TopicDependencyStatus, Payload: payload})
	if cur == StatusUnavailable {
		m.bus.Publish(bus.Event{Topic: bus.TopicDependencyDown, Payload: payload})
	}
	if prev == StatusUnavailable {
		m.bus.Publish(bus.Event{Topic: bus.TopicDependencyUp, Payload: payload})
	}
}

// Status implements retry.HealthSource. Unknown dependencies read as
// healthy so the executor never blocks on an unregistered name.
func (m *Monitor) Status(name string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.deps[name]; ok {
		return d.state.Status
	}
	return StatusHealthy
}

// Snapshot returns a copy of the whole health table.
func (m *Monitor) Snapshot() map[string]DependencyHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]DependencyHealth, len(m.deps))
	for name, d := range m.deps {
		out[name] = d.state
	}
	return out
}
