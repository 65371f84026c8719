package jobs

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Filter selects jobs in List. Empty fields match everything.
type Filter struct {
	Statuses []Status
	Kinds    []Kind
	Limit    int
}

// Match reports whether job passes the filter (ignoring Limit).
func (f Filter) Match(job Job) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, job.Status) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, job.Kind) {
		return false
	}
	return true
}

// Repository persists jobs. Implementations return ErrNotFound for
// unknown IDs and order List newest first.
type Repository interface {
	Insert(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	Save(ctx context.Context, job Job) error
	List(ctx context.Context, filter Filter) ([]Job, error)
	Delete(ctx context.Context, id string) error
}

// MemoryRepository is a Repository backed by a map.
type MemoryRepository struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{jobs: make(map[string]Job)}
}

func (r *MemoryRepository) Insert(_ context.Context, job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job.Clone(), nil
}

func (r *MemoryRepository) Save(_ context.Context, job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, job.ID)
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryRepository) List(_ context.Context, filter Filter) ([]Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		if filter.Match(job) {
			out = append(out, job.Clone())
		}
	}
	sortNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.jobs, id)
	return nil
}

func sortNewestFirst(jobs []Job) {
	slices.SortFunc(jobs, func(a, b Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
}
