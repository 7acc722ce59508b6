// Package discover feeds the pipeline: sources yield candidate topics
// and the intake loop enqueues them as content items, deduplicating by
// fingerprint.
package discover

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/contentforge/orchestrator/internal/item"
)

// Topic is a candidate content idea from a source.
type Topic struct {
	// Title is the human topic, fed to the generator.
	Title string
	// Seed disambiguates the topic for fingerprinting; sources use
	// their own identity (URL, feed entry id) so the same title from
	// two sources stays two items.
	Seed string
}

// Source yields candidate topics. Implementations are polled by the
// intake loop and must be safe for repeated calls.
type Source interface {
	Name() string
	NextTopics(ctx context.Context) ([]Topic, error)
}

// Enqueuer is the pipeline boundary the intake pushes into.
type Enqueuer interface {
	Enqueue(ctx context.Context, topic, fingerprintSeed string) (*item.ContentItem, error)
}

// Intake polls sources on an interval and enqueues every topic not
// already seen this process lifetime. Cross-restart dedup is handled
// downstream by the fingerprint cache.
type Intake struct {
	sources  []Source
	enqueuer Enqueuer
	interval time.Duration
	log      *slog.Logger

	mu   sync.Mutex
	seen map[string]bool
}

// NewIntake builds the intake loop.
func NewIntake(enqueuer Enqueuer, interval time.Duration, log *slog.Logger, sources ...Source) *Intake {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Intake{
		sources:  sources,
		enqueuer: enqueuer,
		interval: interval,
		log:      log.With("component", "discover"),
		seen:     make(map[string]bool),
	}
}

// Run blocks until ctx is cancelled, polling every interval. The first
// poll happens immediately.
func (i *Intake) Run(ctx context.Context) error {
	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()

	i.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			i.PollOnce(ctx)
		}
	}
}

// PollOnce queries every source and enqueues unseen topics. Source
// failures are logged and skipped; one bad source never starves the
// rest.
func (i *Intake) PollOnce(ctx context.Context) {
	for _, src := range i.sources {
		topics, err := src.NextTopics(ctx)
		if err != nil {
			i.log.Warn("source poll failed", "source", src.Name(), "error", err)
			continue
		}
		for _, topic := range topics {
			if topic.Title == "" {
				continue
			}
			key := item.Fingerprint(topic.Title, topic.Seed)
			i.mu.Lock()
			dup := i.seen[key]
			if !dup {
				i.seen[key] = true
			}
			i.mu.Unlock()
			if dup {
				continue
			}
			if _, err := i.enqueuer.Enqueue(ctx, topic.Title, topic.Seed); err != nil {
				i.log.Error("enqueue failed", "source", src.Name(), "topic", topic.Title, "error", err)
				continue
			}
			i.log.Info("topic enqueued", "source", src.Name(), "topic", topic.Title)
		}
	}
}

// StaticSource yields a fixed topic list, for configuration-driven
// runs and tests.
type StaticSource struct {
	SourceName string
	Topics     []Topic
}

func (s *StaticSource) Name() string {
	if s.SourceName == "" {
		return "static"
	}
	return s.SourceName
}

func (s *StaticSource) NextTopics(ctx context.Context) ([]Topic, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("static source: %w", err)
	}
	return s.Topics, nil
}
