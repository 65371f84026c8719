package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/graphkeeper/internal/models"
)

// DefaultPersistInterval bounds how long a progress update may live only
// in memory before it is written to the repository.
const DefaultPersistInterval = 2 * time.Second

// Clock returns the current time. Tests substitute a fake.
type Clock func() time.Time

// CreateParams describes a new job. An empty ID is generated.
type CreateParams struct {
	ID      string
	Kind    Kind
	Scope   models.Scope
	Request map[string]any
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the time source.
func WithClock(c Clock) StoreOption {
	return func(s *Store) { s.now = c }
}

// WithPersistInterval sets the progress debounce window. Zero persists
// every update.
func WithPersistInterval(d time.Duration) StoreOption {
	return func(s *Store) { s.persistEvery = d }
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store owns job state. Every mutation goes through the state machine,
// bumps Seq, and is published before the call returns. Status changes are
// written through to the repository; progress within a stage is debounced
// and served from the in-memory cache in the meantime.
type Store struct {
	repo         Repository
	pub          *Publisher
	now          Clock
	persistEvery time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	active map[string]*activeJob
	hooks  []func(Job)
}

type activeJob struct {
	job       Job
	persisted time.Time
	dirty     bool
}

// NewStore creates a store over repo publishing to pub.
func NewStore(repo Repository, pub *Publisher, opts ...StoreOption) *Store {
	s := &Store{
		repo:         repo,
		pub:          pub,
		now:          time.Now,
		persistEvery: DefaultPersistInterval,
		logger:       slog.Default(),
		active:       make(map[string]*activeJob),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnTerminal registers fn to run after a job reaches a terminal status.
func (s *Store) OnTerminal(fn func(Job)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// NewID returns a fresh job identifier.
func NewID() string {
	return uuid.New().String()
}

// Create inserts a pending job.
func (s *Store) Create(ctx context.Context, p CreateParams) (Job, error) {
	if !p.Kind.Valid() {
		return Job{}, fmt.Errorf("%w: %q", ErrUnknownKind, p.Kind)
	}
	if p.ID == "" {
		p.ID = NewID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	job := Job{
		ID:        p.ID,
		Kind:      p.Kind,
		Status:    StatusPending,
		Scope:     p.Scope,
		Request:   p.Request,
		Seq:       1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Insert(ctx, job); err != nil {
		return Job{}, fmt.Errorf("insert job: %w", err)
	}
	s.active[job.ID] = &activeJob{job: job, persisted: now}
	s.pub.Publish(EventFor(job.Clone()))

	s.logger.Info("job created", "job_id", job.ID, "type", job.Kind, "scope", job.Scope.String())
	return job.Clone(), nil
}

// Get returns the current state of a job.
func (s *Store) Get(ctx context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.loadLocked(ctx, id)
	if err != nil {
		return Job{}, err
	}
	return a.job.Clone(), nil
}

// List returns jobs matching filter, newest first.
func (s *Store) List(ctx context.Context, filter Filter) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The repository may lag behind debounced progress; overlay the cache.
	// Status filtering happens on the cached state, which is authoritative.
	base := filter
	base.Limit = 0
	base.Statuses = nil
	stored, err := s.repo.List(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	out := make([]Job, 0, len(stored))
	for _, job := range stored {
		if a, ok := s.active[job.ID]; ok {
			job = a.job.Clone()
		}
		if filter.Match(job) {
			out = append(out, job)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CountByStatus returns the number of jobs in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	all, err := s.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	counts := make(map[Status]int, len(AllStatuses))
	for _, st := range AllStatuses {
		counts[st] = 0
	}
	for _, job := range all {
		counts[job.Status]++
	}
	return counts, nil
}

// UpdateProgress records progress of a running job. Stages must not move
// backwards; a stale update is rejected and leaves the job unchanged.
func (s *Store) UpdateProgress(ctx context.Context, id, stage string, processed, total int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.loadLocked(ctx, id)
	if err != nil {
		return err
	}
	job := a.job
	if job.Status != StatusRunning {
		return fmt.Errorf("%w: %s is %s", ErrJobNotRunning, id, job.Status)
	}
	idx := job.Kind.stageIndex(stage)
	if idx < 0 {
		return fmt.Errorf("%w: %q for %s job", ErrUnknownStage, stage, job.Kind)
	}
	if processed < 0 || total < 0 || (total > 0 && processed > total) {
		return fmt.Errorf("%w: %d/%d", ErrInvalidProgress, processed, total)
	}
	if cur := job.Kind.stageIndex(job.Progress.Stage); idx < cur {
		return fmt.Errorf("%w: %s precedes %s", ErrStaleProgress, stage, job.Progress.Stage)
	}

	now := s.now()
	stageChanged := job.Progress.Stage != stage
	job.Progress = Progress{Stage: stage, ItemsProcessed: processed, ItemsTotal: total, Message: message}
	job.Seq++
	job.UpdatedAt = now

	if stageChanged || now.Sub(a.persisted) >= s.persistEvery {
		if err := s.repo.Save(ctx, job); err != nil {
			return fmt.Errorf("persist progress: %w", err)
		}
		a.persisted = now
		a.dirty = false
	} else {
		a.dirty = true
	}
	a.job = job
	s.pub.Publish(EventFor(job.Clone()))
	return nil
}

// Transition moves a job along a legal edge of the state machine.
func (s *Store) Transition(ctx context.Context, id string, to Status, out Outcome) (Job, error) {
	job, hooks, err := s.transition(ctx, id, to, out)
	if err != nil {
		return Job{}, err
	}
	if to.IsTerminal() {
		for _, fn := range hooks {
			fn(job.Clone())
		}
	}
	return job, nil
}

func (s *Store) transition(ctx context.Context, id string, to Status, out Outcome) (Job, []func(Job), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.loadLocked(ctx, id)
	if err != nil {
		return Job{}, nil, err
	}
	job := a.job
	if !CanTransition(job.Status, to) {
		return Job{}, nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, to)
	}
	if err := out.validate(to); err != nil {
		return Job{}, nil, err
	}

	now := s.now()
	job.Status = to
	job.Seq++
	job.UpdatedAt = now
	switch {
	case to == StatusRunning && job.StartedAt == nil:
		job.StartedAt = &now
	case to.IsTerminal():
		job.CompletedAt = &now
		job.Result = out.Result
		job.Error = out.Error
		job.ErrorCode = out.Code
		if to == StatusCompleted {
			job.Progress.Stage = StageCompleted
			job.Progress.Message = ""
		}
	}
	if out.Note != "" {
		job.Progress.Message = out.Note
	}

	if err := s.repo.Save(ctx, job); err != nil {
		return Job{}, nil, fmt.Errorf("persist transition: %w", err)
	}
	if to.IsTerminal() {
		delete(s.active, id)
	} else {
		a.job = job
		a.persisted = now
		a.dirty = false
	}
	s.pub.Publish(EventFor(job.Clone()))

	attrs := []any{"job_id", id, "type", job.Kind, "status", to}
	switch to {
	case StatusFailed:
		s.logger.Error("job failed", append(attrs, "code", job.ErrorCode, "error", job.Error)...)
	case StatusCancelled:
		s.logger.Warn("job cancelled", append(attrs, "code", job.ErrorCode, "error", job.Error)...)
	default:
		s.logger.Info("job transition", attrs...)
	}

	var hooks []func(Job)
	if to.IsTerminal() {
		hooks = append(hooks, s.hooks...)
	}
	return job.Clone(), hooks, nil
}

// Delete removes a terminal job.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.active[id]; ok && !a.job.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobActive, id, a.job.Status)
	}
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobActive, id, job.Status)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	delete(s.active, id)
	return nil
}

// Flush writes debounced progress of every cached job to the repository.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for id, a := range s.active {
		if !a.dirty {
			continue
		}
		if err := s.repo.Save(ctx, a.job); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", id, err))
			continue
		}
		a.dirty = false
		a.persisted = s.now()
	}
	return errors.Join(errs...)
}

func (s *Store) loadLocked(ctx context.Context, id string) (*activeJob, error) {
	if a, ok := s.active[id]; ok {
		return a, nil
	}
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	a := &activeJob{job: job, persisted: job.UpdatedAt}
	if !job.Status.IsTerminal() {
		s.active[id] = a
	}
	return a, nil
}
