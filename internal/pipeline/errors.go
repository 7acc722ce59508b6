package pipeline

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/contentforge/orchestrator/internal/item"
)

// ErrAwaitingApproval is returned by the approval gate while an item
// waits for operator confirmation. It is neither success nor failure:
// the machine parks the item on the slow re-poll cadence instead of
// retrying or failing.
var ErrAwaitingApproval = errors.New("awaiting operator approval")

// ErrItemBusy indicates another worker currently holds the item's lease.
var ErrItemBusy = errors.New("item is leased by another worker")

// ErrTerminalStage indicates the requested operation is not legal on an
// item that already reached a terminal stage.
type ErrTerminalStage struct {
	ID    uuid.UUID
	Stage item.Stage
}

func (e *ErrTerminalStage) Error() string {
	return fmt.Sprintf("item %s is terminal (%s)", e.ID, e.Stage)
}

// ErrNotAwaitingApproval indicates Approve was called on an item that
// is not at the approval gate.
type ErrNotAwaitingApproval struct {
	ID    uuid.UUID
	Stage item.Stage
}

func (e *ErrNotAwaitingApproval) Error() string {
	return fmt.Sprintf("item %s is at %s, not awaiting approval", e.ID, e.Stage)
}

// ErrNotFailed indicates RetryFromStage was called on an item that has
// not failed.
type ErrNotFailed struct {
	ID    uuid.UUID
	Stage item.Stage
}

func (e *ErrNotFailed) Error() string {
	return fmt.Sprintf("item %s is %s, only failed items can be retried", e.ID, e.Stage)
}

// ErrBadRetryStage indicates RetryFromStage targeted an invalid stage.
type ErrBadRetryStage struct {
	Stage item.Stage
}

func (e *ErrBadRetryStage) Error() string {
	return fmt.Sprintf("cannot retry from %q: not a lifecycle stage", e.Stage)
}
