package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/raphaelgruber/graphkeeper/internal/models"
	"golang.org/x/sync/errgroup"
)

// Handler executes one kind of job. A nil error completes the job with
// the returned result; an error wrapping ErrCancelled cancels it; any
// other error fails it. Errors implementing CodedError set the error code.
type Handler interface {
	Run(ctx context.Context, job Job, rep *Reporter) (map[string]any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job, rep *Reporter) (map[string]any, error)

func (f HandlerFunc) Run(ctx context.Context, job Job, rep *Reporter) (map[string]any, error) {
	return f(ctx, job, rep)
}

// Recoverer is implemented by handlers that must undo the partial work
// of a job interrupted by a restart. Recover runs before the job is
// failed, while no worker runs; note is appended to the job error.
type Recoverer interface {
	Recover(ctx context.Context, job Job) (note string, err error)
}

// ScopeGuard serializes destructive jobs over overlapping scopes.
type ScopeGuard interface {
	Reserve(scope models.Scope, jobID string) error
	Release(jobID string)
}

// Observer receives execution metrics.
type Observer interface {
	ObserveStage(kind, stage string, d time.Duration)
	ObserveOutcome(kind, status string)
}

// Submission is a request to run a job.
type Submission struct {
	Kind    Kind
	Scope   models.Scope
	Request map[string]any
}

// ManagerConfig sizes the worker pool.
type ManagerConfig struct {
	Workers int
}

// Manager dispatches jobs to handlers on a fixed pool of workers.
type Manager struct {
	store    *Store
	handlers map[Kind]Handler
	guard    ScopeGuard
	observer Observer
	logger   *slog.Logger
	workers  int

	mu        sync.Mutex
	queue     []string
	cancelReq map[string]bool
	started   bool
	stopping  bool

	wake       chan struct{}
	loopCancel context.CancelFunc
	jobCtx     context.Context
	jobCancel  context.CancelFunc
	group      *errgroup.Group
}

// NewManager creates a manager. guard and observer may be nil.
func NewManager(store *Store, cfg ManagerConfig, guard ScopeGuard, observer Observer, logger *slog.Logger) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:     store,
		handlers:  make(map[Kind]Handler),
		guard:     guard,
		observer:  observer,
		logger:    logger,
		workers:   cfg.Workers,
		cancelReq: make(map[string]bool),
		wake:      make(chan struct{}, 1),
	}
	if guard != nil {
		store.OnTerminal(func(job Job) { guard.Release(job.ID) })
	}
	store.OnTerminal(func(job Job) {
		m.mu.Lock()
		delete(m.cancelReq, job.ID)
		m.mu.Unlock()
		if m.observer != nil {
			m.observer.ObserveOutcome(string(job.Kind), string(job.Status))
		}
	})
	return m
}

// Register installs the handler for kind.
func (m *Manager) Register(kind Kind, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = h
}

// Store returns the underlying job store.
func (m *Manager) Store() *Store {
	return m.store
}

// Submit creates a job. Destructive kinds reserve their scope and wait in
// awaiting_approval; others are queued immediately.
func (m *Manager) Submit(ctx context.Context, sub Submission) (Job, error) {
	m.mu.Lock()
	_, ok := m.handlers[sub.Kind]
	stopping := m.stopping
	m.mu.Unlock()
	if stopping {
		return Job{}, ErrManagerStopped
	}
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNoHandler, sub.Kind)
	}

	id := NewID()
	if sub.Kind.Destructive() && m.guard != nil {
		if err := m.guard.Reserve(sub.Scope, id); err != nil {
			return Job{}, err
		}
	}

	job, err := m.store.Create(ctx, CreateParams{ID: id, Kind: sub.Kind, Scope: sub.Scope, Request: sub.Request})
	if err != nil {
		if m.guard != nil {
			m.guard.Release(id)
		}
		return Job{}, err
	}

	if sub.Kind.Destructive() {
		return m.store.Transition(ctx, id, StatusAwaitingApproval, Outcome{Note: "awaiting approval"})
	}
	m.enqueue(id)
	return job, nil
}

// Approve starts a job that is awaiting approval.
func (m *Manager) Approve(ctx context.Context, id, actor string) (Job, error) {
	job, err := m.store.Get(ctx, id)
	if err != nil {
		return Job{}, err
	}
	if job.Status != StatusAwaitingApproval {
		return Job{}, fmt.Errorf("%w: %s is %s, not awaiting approval", ErrInvalidTransition, id, job.Status)
	}
	note := "approved"
	if actor != "" {
		note = "approved by " + actor
	}
	job, err = m.store.Transition(ctx, id, StatusRunning, Outcome{Note: note})
	if err != nil {
		return Job{}, err
	}
	m.logger.Info("job approved", "job_id", id, "actor", actor)
	m.enqueue(id)
	return job, nil
}

// Cancel stops a job. Jobs that have not started are cancelled at once;
// running jobs are flagged and stop at their next cancellation check.
func (m *Manager) Cancel(ctx context.Context, id string) (Job, error) {
	for range 2 {
		job, err := m.store.Get(ctx, id)
		if err != nil {
			return Job{}, err
		}
		switch job.Status {
		case StatusPending, StatusAwaitingApproval:
			job, err = m.store.Transition(ctx, id, StatusCancelled, Outcome{
				Error: "cancelled by user before it started",
				Code:  CodeCancelledByUser,
			})
			if errors.Is(err, ErrInvalidTransition) {
				// A worker picked it up in the meantime.
				continue
			}
			return job, err
		case StatusRunning:
			m.mu.Lock()
			m.cancelReq[id] = true
			m.mu.Unlock()
			m.logger.Info("cancellation requested", "job_id", id, "stage", job.Progress.Stage)
			return job, nil
		default:
			return job, fmt.Errorf("%w: %s already %s", ErrInvalidTransition, id, job.Status)
		}
	}
	return m.store.Get(ctx, id)
}

func (m *Manager) cancelRequested(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelReq[id]
}

// Start recovers jobs left over from a previous process and launches the
// workers. Jobs that were running are failed as interrupted, after their
// handler undid partial work if it is a Recoverer; pending and approved
// jobs are queued again.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("job manager already started")
	}
	m.started = true
	m.mu.Unlock()

	if err := m.recover(ctx); err != nil {
		return err
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	jobCtx, jobCancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(loopCtx)

	m.mu.Lock()
	m.loopCancel = loopCancel
	m.jobCtx = jobCtx
	m.jobCancel = jobCancel
	m.group = g
	m.mu.Unlock()

	for i := range m.workers {
		g.Go(func() error {
			m.worker(gctx, i)
			return nil
		})
	}
	m.logger.Info("job manager started", "workers", m.workers)
	return nil
}

// Stop stops accepting work and waits for in-flight jobs. If ctx expires
// first the running handlers are cancelled and Stop returns ctx.Err().
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.stopping {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	g := m.group
	loopCancel, jobCancel := m.loopCancel, m.jobCancel
	m.mu.Unlock()

	loopCancel()
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		jobCancel()
		m.logger.Info("job manager stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("job manager stop deadline exceeded, cancelling running jobs")
		jobCancel()
		<-done
		return ctx.Err()
	}
}

func (m *Manager) recover(ctx context.Context) error {
	running, err := m.store.List(ctx, Filter{Statuses: []Status{StatusRunning}})
	if err != nil {
		return fmt.Errorf("list running jobs: %w", err)
	}
	for _, job := range running {
		m.logger.Warn("failing interrupted job", "job_id", job.ID, "type", job.Kind, "stage", job.Progress.Stage)
		if _, err := m.store.Transition(ctx, job.ID, StatusFailed, m.recoverJob(ctx, job)); err != nil {
			return fmt.Errorf("fail interrupted job %s: %w", job.ID, err)
		}
	}

	waiting, err := m.store.List(ctx, Filter{Statuses: []Status{StatusPending, StatusAwaitingApproval}})
	if err != nil {
		return fmt.Errorf("list waiting jobs: %w", err)
	}
	// List is newest first; queue oldest first.
	for i := len(waiting) - 1; i >= 0; i-- {
		job := waiting[i]
		if job.Kind.Destructive() && m.guard != nil {
			if err := m.guard.Reserve(job.Scope, job.ID); err != nil {
				m.logger.Warn("could not re-reserve scope for recovered job", "job_id", job.ID, "error", err)
			}
		}
		if job.Status == StatusPending {
			m.enqueue(job.ID)
		}
	}
	if len(running)+len(waiting) > 0 {
		m.logger.Info("recovered jobs", "interrupted", len(running), "waiting", len(waiting))
	}
	return nil
}

// recoverJob gives the job's handler a chance to undo partial work and
// returns the outcome the interrupted job ends with.
func (m *Manager) recoverJob(ctx context.Context, job Job) Outcome {
	out := Outcome{
		Error: fmt.Sprintf("interrupted at %s: server stopped while the job was running", stageOrStatus(job)),
		Code:  CodeInterrupted,
	}
	m.mu.Lock()
	h := m.handlers[job.Kind]
	m.mu.Unlock()
	r, ok := h.(Recoverer)
	if !ok {
		return out
	}
	note, err := r.Recover(ctx, job)
	if err != nil {
		m.logger.Error("recovery of interrupted job failed", "job_id", job.ID, "type", job.Kind, "error", err)
		out.Error = fmt.Sprintf("%s; recovery failed: %v", out.Error, err)
		out.Code = CodeRollbackFailed
		return out
	}
	if note != "" {
		out.Error += "; " + note
	}
	return out
}

func (m *Manager) enqueue(id string) {
	m.mu.Lock()
	m.queue = append(m.queue, id)
	m.mu.Unlock()
	m.signal()
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) next(ctx context.Context) (string, bool) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			id := m.queue[0]
			m.queue = m.queue[1:]
			more := len(m.queue) > 0
			m.mu.Unlock()
			if more {
				m.signal()
			}
			return id, true
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", false
		case <-m.wake:
		}
	}
}

func (m *Manager) worker(ctx context.Context, n int) {
	for {
		id, ok := m.next(ctx)
		if !ok {
			return
		}
		m.execute(id, n)
	}
}

func (m *Manager) execute(id string, worker int) {
	m.mu.Lock()
	ctx := m.jobCtx
	m.mu.Unlock()
	bg := context.WithoutCancel(ctx)

	job, err := m.store.Get(bg, id)
	if err != nil {
		m.logger.Error("dequeued unknown job", "job_id", id, "error", err)
		return
	}
	switch job.Status {
	case StatusPending:
		if job, err = m.store.Transition(bg, id, StatusRunning, Outcome{}); err != nil {
			m.logger.Warn("could not start job", "job_id", id, "error", err)
			return
		}
	case StatusRunning:
	default:
		return
	}

	m.mu.Lock()
	h := m.handlers[job.Kind]
	m.mu.Unlock()

	rep := &Reporter{m: m, job: job}
	if m.cancelRequested(id) {
		m.finish(bg, job, nil, ErrCancelled)
		return
	}

	m.logger.Info("job started", "job_id", id, "type", job.Kind, "worker", worker)
	result, runErr := m.run(ctx, h, job, rep)
	rep.closeStage()
	m.finish(bg, job, result, runErr)
}

func (m *Manager) run(ctx context.Context, h Handler, job Job, rep *Reporter) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("job handler panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = &panicError{value: r}
		}
	}()
	return h.Run(ctx, job, rep)
}

func (m *Manager) finish(ctx context.Context, job Job, result map[string]any, runErr error) {
	var err error
	switch {
	case runErr == nil:
		if result == nil {
			result = map[string]any{}
		}
		_, err = m.store.Transition(ctx, job.ID, StatusCompleted, Outcome{Result: result})
	case errors.Is(runErr, ErrCancelled):
		_, err = m.store.Transition(ctx, job.ID, StatusCancelled, Outcome{
			Error: runErr.Error(),
			Code:  CodeOf(runErr, CodeCancelledByUser),
		})
	default:
		_, err = m.store.Transition(ctx, job.ID, StatusFailed, Outcome{
			Error: runErr.Error(),
			Code:  CodeOf(runErr, CodeStageFailed),
		})
	}
	if err != nil {
		m.logger.Error("failed to record job outcome", "job_id", job.ID, "run_error", runErr, "error", err)
	}
}

type panicError struct {
	value any
}

func (e *panicError) Error() string          { return fmt.Sprintf("internal error: %v", e.value) }
func (e *panicError) JobErrorCode() ErrorCode { return CodeInternal }

func stageOrStatus(job Job) string {
	if job.Progress.Stage != "" {
		return job.Progress.Stage
	}
	return string(job.Status)
}

// Reporter is handed to a Handler to report progress and poll for
// cancellation.
type Reporter struct {
	m          *Manager
	job        Job
	stage      string
	stageStart time.Time
}

// JobID returns the ID of the job being executed.
func (r *Reporter) JobID() string { return r.job.ID }

// Progress records progress of the current job.
func (r *Reporter) Progress(ctx context.Context, stage string, processed, total int, message string) error {
	if err := r.m.store.UpdateProgress(ctx, r.job.ID, stage, processed, total, message); err != nil {
		return err
	}
	if stage != r.stage {
		r.closeStage()
		r.stage = stage
		r.stageStart = time.Now()
	}
	return nil
}

// Cancelled reports whether the user asked to cancel the job.
func (r *Reporter) Cancelled() bool {
	return r.m.cancelRequested(r.job.ID)
}

// CheckCancelled returns ErrCancelled once cancellation was requested.
func (r *Reporter) CheckCancelled() error {
	if r.Cancelled() {
		return ErrCancelled
	}
	return nil
}

func (r *Reporter) closeStage() {
	if r.stage == "" || r.m.observer == nil {
		return
	}
	r.m.observer.ObserveStage(string(r.job.Kind), r.stage, time.Since(r.stageStart))
	r.stage = ""
}
