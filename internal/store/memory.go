package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/contentforge/orchestrator/internal/item"
)

// Memory is the in-process Store used by tests and single-instance
// deployments. All items are deep-copied across the boundary so callers
// never share mutable state with the store.
type Memory struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*item.ContentItem
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{items: make(map[uuid.UUID]*item.ContentItem)}
}

// Create stores a new item. The ID must be unused.
func (m *Memory) Create(ctx context.Context, it *item.ContentItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[it.ID]; ok {
		return ErrVersionConflict
	}
	m.items[it.ID] = it.Clone()
	return nil
}

// Load returns a copy of the item.
func (m *Memory) Load(ctx context.Context, id uuid.UUID) (*item.ContentItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return it.Clone(), nil
}

// Save replaces the stored item when versions match.
func (m *Memory) Save(ctx context.Context, it *item.ContentItem, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[it.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	cp := it.Clone()
	cp.UpdatedAt = time.Now().UTC()
	m.items[it.ID] = cp
	return nil
}

// ListReady returns non-terminal items eligible for advancement,
// oldest first.
func (m *Memory) ListReady(ctx context.Context, f ReadyFilter) ([]*item.ContentItem, error) {
	now := f.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	m.mu.RLock()
	var out []*item.ContentItem
	for _, it := range m.items {
		if !ready(it, f, now) {
			continue
		}
		out = append(out, it.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func ready(it *item.ContentItem, f ReadyFilter, now time.Time) bool {
	if it.Stage.IsTerminal() {
		return false
	}
	if len(f.Stages) > 0 {
		match := false
		for _, s := range f.Stages {
			if it.Stage == s {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if it.IdleUntil != nil && now.Before(*it.IdleUntil) {
		return false
	}
	if it.Stage == item.StageScheduled && it.Outputs.ScheduledAt != nil && now.Before(*it.Outputs.ScheduledAt) {
		return false
	}
	return true
}
