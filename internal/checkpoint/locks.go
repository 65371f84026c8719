package checkpoint

import (
	"fmt"
	"maps"
	"sync"

	"github.com/raphaelgruber/graphkeeper/internal/jobs"
	"github.com/raphaelgruber/graphkeeper/internal/models"
)

// Locks reserves graph scopes for destructive jobs. Overlapping scopes
// (the full graph overlaps everything) cannot be held by two jobs.
type Locks struct {
	mu   sync.Mutex
	held map[string]models.Scope
}

// NewLocks creates an empty lock table.
func NewLocks() *Locks {
	return &Locks{held: make(map[string]models.Scope)}
}

// Reserve takes scope for jobID or fails with jobs.ErrScopeBusy.
func (l *Locks) Reserve(scope models.Scope, jobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for holder, s := range l.held {
		if holder != jobID && s.Overlaps(scope) {
			return fmt.Errorf("%w: %s overlaps %s held by job %s", jobs.ErrScopeBusy, scope, s, holder)
		}
	}
	l.held[jobID] = scope
	return nil
}

// Release frees whatever jobID holds.
func (l *Locks) Release(jobID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, jobID)
}

// Held returns a copy of the current reservations keyed by job ID.
func (l *Locks) Held() map[string]models.Scope {
	l.mu.Lock()
	defer l.mu.Unlock()
	return maps.Clone(l.held)
}
