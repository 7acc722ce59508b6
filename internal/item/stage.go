package item

import "fmt"

// Stage is one named step in a content item's lifecycle.
type Stage string

const (
	StageDiscovered         Stage = "discovered"
	StageBlueprintGenerated Stage = "blueprint_generated"
	StageApproved           Stage = "approved"
	StageScheduled          Stage = "scheduled"
	StagePublished          Stage = "published"
	StageAnalyzed           Stage = "analyzed"

	// Terminal side states, reachable from any non-terminal stage.
	StageFailed    Stage = "failed"
	StageCancelled Stage = "cancelled"
)

// stageOrder defines the forward progression of the lifecycle.
var stageOrder = []Stage{
	StageDiscovered,
	StageBlueprintGenerated,
	StageApproved,
	StageScheduled,
	StagePublished,
	StageAnalyzed,
}

// Order returns the lifecycle stages in forward order.
func Order() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// Index returns the position of s in the forward order, or -1 for
// terminal side states and unknown values.
func (s Stage) Index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the stage that follows s in the forward order.
// It returns an error for terminal stages and unknown values.
func (s Stage) Next() (Stage, error) {
	idx := s.Index()
	if idx < 0 {
		return "", fmt.Errorf("stage %q has no successor", s)
	}
	if idx == len(stageOrder)-1 {
		return "", fmt.Errorf("stage %q is terminal", s)
	}
	return stageOrder[idx+1], nil
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s Stage) IsTerminal() bool {
	return s == StageAnalyzed || s == StageFailed || s == StageCancelled
}

// CanTransition reports whether moving from s to next is a legal
// transition: one step forward in the order, or to Failed/Cancelled
// from any non-terminal stage. Backward moves are only performed by
// the audited operator retry path, which bypasses this check on purpose.
func (s Stage) CanTransition(next Stage) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StageFailed || next == StageCancelled {
		return true
	}
	n, err := s.Next()
	if err != nil {
		return false
	}
	return n == next
}

// Valid reports whether s is a known stage value.
func (s Stage) Valid() bool {
	return s.Index() >= 0 || s == StageFailed || s == StageCancelled
}

// Progress returns a rough completion percentage for dashboards.
func (s Stage) Progress() int {
	switch s {
	case StageAnalyzed:
		return 100
	case StageFailed, StageCancelled:
		return 0
	}
	idx := s.Index()
	if idx < 0 {
		return 0
	}
	return idx * 100 / (len(stageOrder) - 1)
}
