package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// leaseTable enforces per-item mutual exclusion. Leases expire so a
// crashed worker never permanently strands an item.
type leaseTable struct {
	mu   sync.Mutex
	held map[uuid.UUID]time.Time // id -> lease expiry
	ttl  time.Duration
	now  func() time.Time
}

func newLeaseTable(ttl time.Duration) *leaseTable {
	return &leaseTable{
		held: make(map[uuid.UUID]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Acquire claims the item, failing if a live lease exists. Expired
// leases are reclaimed.
func (l *leaseTable) Acquire(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if exp, ok := l.held[id]; ok && now.Before(exp) {
		return false
	}
	l.held[id] = now.Add(l.ttl)
	return true
}

// Release frees the item's lease.
func (l *leaseTable) Release(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
}

// Held reports whether a live lease exists for the item.
func (l *leaseTable) Held(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	exp, ok := l.held[id]
	return ok && l.now().Before(exp)
}
