// Package store persists content items with optimistic concurrency.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/contentforge/orchestrator/internal/item"
)

// ErrNotFound is returned when no item exists for the given ID.
var ErrNotFound = errors.New("item not found")

// ErrVersionConflict is returned by Save when the stored version does
// not match the caller's expectation. Callers reload and recompute.
var ErrVersionConflict = errors.New("item version conflict")

// ReadyFilter narrows ListReady results.
type ReadyFilter struct {
	// Stages restricts results to items currently in one of these
	// stages. Empty means every non-terminal stage.
	Stages []item.Stage
	// Now is the scheduling clock; items idle-parked past Now or
	// scheduled for a later publish time are excluded.
	Now time.Time
	// Limit caps the result size. Zero means no cap.
	Limit int
}

// Store is the durable boundary the state machine drives. Save must be
// atomic with respect to the version check.
type Store interface {
	Create(ctx context.Context, it *item.ContentItem) error
	Load(ctx context.Context, id uuid.UUID) (*item.ContentItem, error)
	// Save persists it when the stored version equals expectedVersion,
	// otherwise fails with ErrVersionConflict.
	Save(ctx context.Context, it *item.ContentItem, expectedVersion int) error
	// ListReady returns items eligible for an Advance call.
	ListReady(ctx context.Context, f ReadyFilter) ([]*item.ContentItem, error)
}
