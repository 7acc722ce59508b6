package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/contentforge/orchestrator/internal/cache"
	"github.com/contentforge/orchestrator/internal/item"
)

// Handler executes the work that moves an item out of one stage. Run
// mutates the working copy's outputs; the machine owns the transition
// itself. Handlers must be idempotent with respect to the item's
// fingerprint: results are cached under (fingerprint, stage) before the
// transition persists, so a crash-and-restart replays from cache
// instead of re-invoking the external service.
type Handler interface {
	// Dependencies names the external services Run calls, for
	// circuit-breaking and stage pausing.
	Dependencies() []string
	Run(ctx context.Context, it *item.ContentItem) error
}

// cache key segments per stage output.
const (
	cacheBlueprint = "blueprint"
	cacheCaption   = "caption"
	cacheMedia     = "media"
	cachePost      = "post" // suffixed with the platform name
)

// buildHandlers wires the closed stage -> handler lookup table. Every
// non-terminal stage except the last has a handler; dispatch is by map
// lookup, never reflection.
func buildHandlers(c Collaborators, store *cache.Cache, ttl time.Duration) map[item.Stage]Handler {
	return map[item.Stage]Handler{
		item.StageDiscovered:         &blueprintHandler{c: c, cache: store, ttl: ttl},
		item.StageBlueprintGenerated: &approvalGate{},
		item.StageApproved:           &scheduleHandler{c: c, cache: store, ttl: ttl},
		item.StageScheduled:          &publishHandler{c: c, cache: store, ttl: ttl},
		item.StagePublished:          &analyzeHandler{c: c},
	}
}

// blueprintHandler drives Discovered -> BlueprintGenerated: generate
// the content blueprint for the item's topic.
type blueprintHandler struct {
	c     Collaborators
	cache *cache.Cache
	ttl   time.Duration
}

func (h *blueprintHandler) Dependencies() []string { return []string{h.c.GeneratorName} }

func (h *blueprintHandler) Run(ctx context.Context, it *item.ContentItem) error {
	key := cache.Key(it.Fingerprint, cacheBlueprint)
	if v, ok := h.cache.Get(key); ok {
		it.Outputs.Blueprint = v.(string)
		return nil
	}
	text, err := h.c.Generator.GenerateBlueprint(ctx, it.Topic)
	if err != nil {
		return fmt.Errorf("generate blueprint: %w", err)
	}
	h.cache.Put(key, text, h.ttl)
	it.Outputs.Blueprint = text
	return nil
}

// approvalGate holds items at BlueprintGenerated until an operator
// confirms. It performs no external work.
type approvalGate struct{}

func (h *approvalGate) Dependencies() []string { return nil }

func (h *approvalGate) Run(ctx context.Context, it *item.ContentItem) error {
	if it.ApprovedAt == nil {
		return ErrAwaitingApproval
	}
	return nil
}

// scheduleHandler drives Approved -> Scheduled: generate the caption,
// render the media, and pick the publish slot.
type scheduleHandler struct {
	c     Collaborators
	cache *cache.Cache
	ttl   time.Duration
}

func (h *scheduleHandler) Dependencies() []string {
	return []string{h.c.GeneratorName, h.c.RendererName}
}

func (h *scheduleHandler) Run(ctx context.Context, it *item.ContentItem) error {
	capKey := cache.Key(it.Fingerprint, cacheCaption)
	if v, ok := h.cache.Get(capKey); ok {
		c := v.(Caption)
		it.Outputs.Caption = c.Text
		it.Outputs.Hashtags = c.Hashtags
	} else {
		c, err := h.c.Generator.GenerateCaption(ctx, it.Outputs.Blueprint)
		if err != nil {
			return fmt.Errorf("generate caption: %w", err)
		}
		h.cache.Put(capKey, c, h.ttl)
		it.Outputs.Caption = c.Text
		it.Outputs.Hashtags = c.Hashtags
	}

	mediaKey := cache.Key(it.Fingerprint, cacheMedia)
	if v, ok := h.cache.Get(mediaKey); ok {
		it.Outputs.MediaRef = v.(string)
	} else {
		ref, err := h.c.Renderer.Render(ctx, it.Outputs.Blueprint)
		if err != nil {
			return fmt.Errorf("render media: %w", err)
		}
		h.cache.Put(mediaKey, ref, h.ttl)
		it.Outputs.MediaRef = ref
	}

	planner := h.c.Planner
	if planner == nil {
		planner = FixedDelayPlanner(5 * time.Minute)
	}
	slot := planner.NextSlot(time.Now().UTC()).UTC()
	it.Outputs.ScheduledAt = &slot
	return nil
}

// publishHandler drives Scheduled -> Published: post to every platform.
// Per-platform results are cached individually so a partial failure
// never double-posts the platforms that already succeeded.
type publishHandler struct {
	c     Collaborators
	cache *cache.Cache
	ttl   time.Duration
}

func (h *publishHandler) Dependencies() []string {
	deps := make([]string, 0, len(h.c.Publishers))
	for _, p := range h.c.Publishers {
		deps = append(deps, p.Name())
	}
	return deps
}

func (h *publishHandler) Run(ctx context.Context, it *item.ContentItem) error {
	if it.Outputs.PostIDs == nil {
		it.Outputs.PostIDs = make(map[string]string, len(h.c.Publishers))
	}
	post := Post{
		Blueprint: it.Outputs.Blueprint,
		Caption:   it.Outputs.Caption,
		Hashtags:  it.Outputs.Hashtags,
		MediaRef:  it.Outputs.MediaRef,
	}
	if it.Outputs.ScheduledAt != nil {
		post.ScheduledAt = *it.Outputs.ScheduledAt
	}

	for _, p := range h.c.Publishers {
		key := cache.Key(it.Fingerprint, cachePost+":"+p.Name())
		if v, ok := h.cache.Get(key); ok {
			it.Outputs.PostIDs[p.Name()] = v.(string)
			continue
		}
		id, err := p.Publish(ctx, post)
		if err != nil {
			return fmt.Errorf("publish to %s: %w", p.Name(), err)
		}
		h.cache.Put(key, id, h.ttl)
		it.Outputs.PostIDs[p.Name()] = id
	}
	return nil
}

// analyzeHandler drives Published -> Analyzed: pull the performance
// snapshot for every platform post.
type analyzeHandler struct {
	c Collaborators
}

func (h *analyzeHandler) Dependencies() []string {
	deps := make([]string, 0, len(h.c.Publishers))
	for _, p := range h.c.Publishers {
		deps = append(deps, p.Name())
	}
	return deps
}

func (h *analyzeHandler) Run(ctx context.Context, it *item.ContentItem) error {
	metrics, err := h.c.Analytics.Fetch(ctx, it.Outputs.PostIDs)
	if err != nil {
		return fmt.Errorf("fetch analytics: %w", err)
	}
	it.Outputs.Analytics = metrics
	return nil
}
