// Package scheduler runs the periodic cleanup sweep: approval expiry,
// retention purge and orphaned checkpoint reclaim.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/raphaelgruber/graphkeeper/internal/checkpoint"
	"github.com/raphaelgruber/graphkeeper/internal/jobs"
	"github.com/robfig/cron/v3"
)

// Config controls the cleanup sweep. Zero retentions or timeout disable
// the corresponding step.
type Config struct {
	Interval           time.Duration
	ApprovalTimeout    time.Duration
	CompletedRetention time.Duration
	FailedRetention    time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:           5 * time.Minute,
		ApprovalTimeout:    10 * time.Minute,
		CompletedRetention: 24 * time.Hour,
		FailedRetention:    7 * 24 * time.Hour,
	}
}

// retention returns how long a terminal job of status is kept.
func (c Config) retention(status jobs.Status) time.Duration {
	if status == jobs.StatusCompleted {
		return c.CompletedRetention
	}
	return c.FailedRetention
}

// Observer receives sweep timings.
type Observer interface {
	ObserveSweep(trigger string, d time.Duration, errs int)
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Trigger   string    `json:"trigger"`
	StartedAt time.Time `json:"started_at"`
	Expired   []string  `json:"expired"`
	Purged    []string  `json:"purged"`
	Reclaimed []string  `json:"reclaimed"`
	Errors    []string  `json:"errors,omitempty"`
}

// Status is the operational view of the scheduler.
type Status struct {
	Running bool        `json:"running"`
	Config  ConfigView  `json:"config"`
	Stats   StatusStats `json:"stats"`
}

// ConfigView renders durations as strings.
type ConfigView struct {
	CleanupInterval    string `json:"cleanup_interval"`
	ApprovalTimeout    string `json:"approval_timeout"`
	CompletedRetention string `json:"completed_retention"`
	FailedRetention    string `json:"failed_retention"`
}

type StatusStats struct {
	JobsByStatus map[jobs.Status]int `json:"jobs_by_status"`
	LastCleanup  *time.Time          `json:"last_cleanup"`
	NextCleanup  *time.Time          `json:"next_cleanup"`
	LastReport   *SweepReport        `json:"last_report,omitempty"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source used for age calculations.
func WithClock(c jobs.Clock) Option {
	return func(s *Scheduler) { s.now = c }
}

// WithObserver reports sweep durations.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithScopeGuard makes checkpoint reclaim reserve the checkpoint scope, so
// a rollback never races a job working on the same data.
func WithScopeGuard(g jobs.ScopeGuard) Option {
	return func(s *Scheduler) { s.guard = g }
}

// Scheduler owns the cleanup loop.
type Scheduler struct {
	cfg         Config
	store       *jobs.Store
	checkpoints *checkpoint.Manager
	guard       jobs.ScopeGuard
	observer    Observer
	now         jobs.Clock
	logger      *slog.Logger

	sweepMu sync.Mutex

	mu         sync.Mutex
	cron       *cron.Cron
	entry      cron.EntryID
	lastRun    time.Time
	lastReport *SweepReport
}

// New creates a stopped scheduler.
func New(cfg Config, store *jobs.Store, checkpoints *checkpoint.Manager, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cfg:         cfg,
		store:       store,
		checkpoints: checkpoints,
		now:         time.Now,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules the sweep every Interval.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	if s.cfg.Interval <= 0 {
		return fmt.Errorf("cleanup interval must be positive, got %s", s.cfg.Interval)
	}

	cronLog := cron.PrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug))
	c := cron.New(cron.WithLogger(cronLog), cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)))
	id, err := c.AddFunc("@every "+s.cfg.Interval.String(), func() {
		s.Sweep(context.Background(), "schedule")
	})
	if err != nil {
		return fmt.Errorf("schedule cleanup: %w", err)
	}
	c.Start()
	s.cron, s.entry = c, id

	s.logger.Info("cleanup scheduler started", "interval", s.cfg.Interval,
		"approval_timeout", s.cfg.ApprovalTimeout,
		"completed_retention", s.cfg.CompletedRetention,
		"failed_retention", s.cfg.FailedRetention)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	done := c.Stop()
	select {
	case <-done.Done():
		s.logger.Info("cleanup scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger runs a sweep now.
func (s *Scheduler) Trigger(ctx context.Context) SweepReport {
	return s.Sweep(ctx, "manual")
}

// Status reports configuration, job counts and sweep times.
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return Status{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Running: s.cron != nil,
		Config: ConfigView{
			CleanupInterval:    s.cfg.Interval.String(),
			ApprovalTimeout:    s.cfg.ApprovalTimeout.String(),
			CompletedRetention: s.cfg.CompletedRetention.String(),
			FailedRetention:    s.cfg.FailedRetention.String(),
		},
		Stats: StatusStats{JobsByStatus: counts, LastReport: s.lastReport},
	}
	if !s.lastRun.IsZero() {
		last := s.lastRun
		st.Stats.LastCleanup = &last
	}
	if s.cron != nil {
		if next := s.cron.Entry(s.entry).Next; !next.IsZero() {
			st.Stats.NextCleanup = &next
		}
	}
	return st, nil
}

// Sweep runs the three cleanup steps once. Sweeps never overlap; errors
// of individual items are collected and do not stop the sweep.
func (s *Scheduler) Sweep(ctx context.Context, trigger string) SweepReport {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	started := time.Now()
	report := SweepReport{
		Trigger:   trigger,
		StartedAt: s.now(),
		Expired:   []string{},
		Purged:    []string{},
		Reclaimed: []string{},
	}

	s.expireApprovals(ctx, &report)
	s.reclaimCheckpoints(ctx, &report)
	s.purge(ctx, &report)

	s.mu.Lock()
	s.lastRun = report.StartedAt
	s.lastReport = &report
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.ObserveSweep(trigger, time.Since(started), len(report.Errors))
	}
	level := slog.LevelDebug
	if len(report.Expired)+len(report.Purged)+len(report.Reclaimed)+len(report.Errors) > 0 {
		level = slog.LevelInfo
	}
	s.logger.Log(ctx, level, "cleanup sweep finished", "trigger", trigger,
		"expired", len(report.Expired), "purged", len(report.Purged),
		"reclaimed", len(report.Reclaimed), "errors", len(report.Errors),
		"duration", time.Since(started))
	return report
}

func (r *SweepReport) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (s *Scheduler) expireApprovals(ctx context.Context, report *SweepReport) {
	if s.cfg.ApprovalTimeout <= 0 {
		return
	}
	waiting, err := s.store.List(ctx, jobs.Filter{Statuses: []jobs.Status{jobs.StatusAwaitingApproval}})
	if err != nil {
		report.fail("list awaiting jobs: %v", err)
		return
	}
	now := report.StartedAt
	for _, job := range waiting {
		if now.Sub(job.UpdatedAt) < s.cfg.ApprovalTimeout {
			continue
		}
		_, err := s.store.Transition(ctx, job.ID, jobs.StatusCancelled, jobs.Outcome{
			Error: fmt.Sprintf("approval timed out after %s", s.cfg.ApprovalTimeout),
			Code:  jobs.CodeApprovalExpired,
		})
		switch {
		case errors.Is(err, jobs.ErrInvalidTransition):
			// approved or cancelled since the listing
			continue
		case err != nil:
			report.fail("expire %s: %v", job.ID, err)
			continue
		}
		s.logger.Info("approval expired", "job_id", job.ID, "type", job.Kind, "waited", now.Sub(job.UpdatedAt))
		report.Expired = append(report.Expired, job.ID)
	}
}

func (s *Scheduler) purge(ctx context.Context, report *SweepReport) {
	done, err := s.store.List(ctx, jobs.Filter{Statuses: []jobs.Status{jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusCancelled}})
	if err != nil {
		report.fail("list terminal jobs: %v", err)
		return
	}
	owners, err := s.checkpointOwners(ctx)
	if err != nil {
		report.fail("list checkpoints: %v", err)
		return
	}
	now := report.StartedAt
	for _, job := range done {
		keep := s.cfg.retention(job.Status)
		if keep <= 0 || now.Sub(job.UpdatedAt) <= keep {
			continue
		}
		if owners[job.ID] {
			// kept until its checkpoint is reclaimed
			continue
		}
		if err := s.store.Delete(ctx, job.ID); err != nil {
			if !errors.Is(err, jobs.ErrNotFound) {
				report.fail("purge %s: %v", job.ID, err)
			}
			continue
		}
		s.logger.Debug("job purged", "job_id", job.ID, "status", job.Status, "age", now.Sub(job.UpdatedAt))
		report.Purged = append(report.Purged, job.ID)
	}
}

func (s *Scheduler) checkpointOwners(ctx context.Context) (map[string]bool, error) {
	owners := make(map[string]bool)
	if s.checkpoints == nil {
		return owners, nil
	}
	cps, err := s.checkpoints.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, cp := range cps {
		owners[cp.OwningJobID] = true
	}
	return owners, nil
}

// reclaimCheckpoints removes checkpoints whose owner is no longer running.
// A checkpoint of a failed, cancelled or missing owner means the job never
// got to roll back (crash or failed rollback), so it is rolled back first.
// A completed owner already committed its data; its checkpoint is only
// deleted. Restores refuse scopes with a live checkpoint, so the rollback
// cannot undo later work.
func (s *Scheduler) reclaimCheckpoints(ctx context.Context, report *SweepReport) {
	if s.checkpoints == nil {
		return
	}
	cps, err := s.checkpoints.List(ctx)
	if err != nil {
		report.fail("list checkpoints: %v", err)
		return
	}
	for _, cp := range cps {
		owner, err := s.store.Get(ctx, cp.OwningJobID)
		missing := errors.Is(err, jobs.ErrNotFound)
		switch {
		case missing:
			s.logger.Warn("checkpoint owner no longer exists", "checkpoint_id", cp.ID, "job_id", cp.OwningJobID)
		case err != nil:
			report.fail("load owner of %s: %v", cp.ID, err)
			continue
		case !owner.Status.IsTerminal():
			continue
		}

		if err := s.reclaim(ctx, cp, missing || owner.Status != jobs.StatusCompleted); err != nil {
			report.fail("reclaim %s: %v", cp.ID, err)
			continue
		}
		report.Reclaimed = append(report.Reclaimed, cp.ID)
	}
}

func (s *Scheduler) reclaim(ctx context.Context, cp checkpoint.Checkpoint, rollback bool) error {
	if s.guard != nil {
		holder := "cleanup-" + cp.ID
		if err := s.guard.Reserve(cp.Scope, holder); err != nil {
			return err
		}
		defer s.guard.Release(holder)
	}
	if rollback {
		if err := s.checkpoints.Rollback(ctx, cp.ID); err != nil {
			return err
		}
		s.logger.Warn("orphaned checkpoint rolled back", "checkpoint_id", cp.ID, "job_id", cp.OwningJobID, "scope", cp.Scope.String())
	}
	return s.checkpoints.Delete(ctx, cp.ID)
}
