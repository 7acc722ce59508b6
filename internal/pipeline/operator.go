package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/contentforge/orchestrator/internal/bus"
	"github.com/contentforge/orchestrator/internal/cache"
	"github.com/contentforge/orchestrator/internal/item"
	"github.com/contentforge/orchestrator/internal/store"
)

// Approve records operator sign-off and moves the item past the
// approval gate in a single atomic write: one version bump, one event.
func (m *Machine) Approve(ctx context.Context, id uuid.UUID) (*item.ContentItem, error) {
	if !m.leases.Acquire(id) {
		return nil, ErrItemBusy
	}
	defer m.leases.Release(id)

	it, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if it.Stage.IsTerminal() {
		return nil, &ErrTerminalStage{ID: id, Stage: it.Stage}
	}
	if it.Stage != item.StageBlueprintGenerated {
		return nil, &ErrNotAwaitingApproval{ID: id, Stage: it.Stage}
	}

	now := time.Now().UTC()
	it.ApprovedAt = &now
	it.IdleUntil = nil
	approved, err := m.commit(ctx, it, item.StageBlueprintGenerated, item.StageApproved, map[string]any{"approved_at": now})
	if err != nil {
		return nil, err
	}
	m.log.Info("item approved", "item", id)
	return approved, nil
}

// Cancel terminates the item's lifecycle. If an advance is in flight
// its context is cancelled so the interrupt lands at the next retry
// checkpoint, and that advance performs the transition; otherwise
// Cancel transitions the item directly.
func (m *Machine) Cancel(ctx context.Context, id uuid.UUID) (*item.ContentItem, error) {
	m.mu.Lock()
	cancel, inflight := m.inflight[id]
	if inflight {
		m.cancelReq[id] = true
	}
	m.mu.Unlock()

	if inflight {
		cancel()
		m.log.Info("cancel requested for in-flight item", "item", id)
		return nil, nil
	}

	if !m.leases.Acquire(id) {
		// Lost a race with a worker; flag it for the in-flight advance.
		m.mu.Lock()
		m.cancelReq[id] = true
		m.mu.Unlock()
		return nil, nil
	}
	defer m.leases.Release(id)

	it, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if it.Stage.IsTerminal() {
		return nil, &ErrTerminalStage{ID: id, Stage: it.Stage}
	}
	cancelled, err := m.cancelItem(ctx, it)
	if err != nil {
		return nil, err
	}
	m.log.Info("item cancelled", "item", id)
	return cancelled, nil
}

// RetryFromStage resets a failed item back to an earlier stage with a
// clean retry budget. Cached outputs from the retried-from stage
// onward are invalidated so the rerun regenerates them. The rewind is
// audited on its own topic rather than the transition stream, since it
// is a regression rather than lifecycle progress.
func (m *Machine) RetryFromStage(ctx context.Context, id uuid.UUID, stage item.Stage) (*item.ContentItem, error) {
	if stage.IsTerminal() || !stage.Valid() {
		return nil, &ErrBadRetryStage{Stage: stage}
	}
	if !m.leases.Acquire(id) {
		return nil, ErrItemBusy
	}
	defer m.leases.Release(id)

	it, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if it.Stage != item.StageFailed {
		return nil, &ErrNotFailed{ID: id, Stage: it.Stage}
	}

	from := it.Stage
	it.Stage = stage
	it.Attempts = 0
	it.IdleUntil = nil
	if stage.Index() < item.StageApproved.Index() {
		// Rewinding past the gate requires fresh sign-off.
		it.ApprovedAt = nil
	}
	m.invalidateFrom(it, stage)

	expected := it.Version
	it.Version++
	it.UpdatedAt = time.Now().UTC()
	if err := m.saveWithConflictRetry(ctx, it, from, expected); err != nil {
		return nil, err
	}

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Topic:    bus.TopicItemRetried,
			ItemID:   id,
			OldStage: from,
			NewStage: stage,
			Payload:  map[string]any{"failures": len(it.Failures)},
		})
	}
	m.log.Info("item reset for retry", "item", id, "stage", stage)
	return it, nil
}

// invalidateFrom drops cached outputs produced at or after the rewind
// point so the rerun does not replay stale work.
func (m *Machine) invalidateFrom(it *item.ContentItem, stage item.Stage) {
	if m.cache == nil {
		return
	}
	// Retrying the publish step keeps the per-platform post keys:
	// they are the guard against double-posting to a platform that
	// already succeeded.
	segments := map[item.Stage][]string{
		item.StageDiscovered:         {cacheBlueprint, cacheCaption, cacheMedia},
		item.StageBlueprintGenerated: {cacheCaption, cacheMedia},
		item.StageApproved:           {cacheCaption, cacheMedia},
	}
	for _, seg := range segments[stage] {
		m.cache.Invalidate(cache.Key(it.Fingerprint, seg))
	}
}

// Get returns the current persisted state of an item.
func (m *Machine) Get(ctx context.Context, id uuid.UUID) (*item.ContentItem, error) {
	it, err := m.store.Load(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return it, err
}
