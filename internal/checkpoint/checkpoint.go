// Package checkpoint snapshots a graph scope before a destructive restore
// so the restore can be undone, and serializes restores over overlapping
// scopes.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/graphkeeper/internal/graph"
	"github.com/raphaelgruber/graphkeeper/internal/jobs"
	"github.com/raphaelgruber/graphkeeper/internal/models"
)

var (
	// ErrNotFound is returned for unknown checkpoint IDs.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrPendingCheckpoint is returned while a scope still holds another
	// job's checkpoint. Writing the scope now would be undone when the
	// checkpoint is reclaimed.
	ErrPendingCheckpoint = fmt.Errorf("%w: unreclaimed checkpoint", jobs.ErrScopeBusy)
)

// Checkpoint describes a stored snapshot of a scope.
type Checkpoint struct {
	ID          string            `json:"id"`
	Scope       models.Scope      `json:"scope"`
	OwningJobID string            `json:"owning_job_id"`
	CreatedAt   time.Time         `json:"created_at"`
	Stats       models.GraphStats `json:"stats"`
}

// Repository stores checkpoint snapshots.
type Repository interface {
	Save(ctx context.Context, cp Checkpoint, snap *models.Snapshot) error
	Get(ctx context.Context, id string) (Checkpoint, error)
	Load(ctx context.Context, id string) (*models.Snapshot, error)
	List(ctx context.Context) ([]Checkpoint, error)
	Delete(ctx context.Context, id string) error
}

// Manager creates, rolls back and deletes checkpoints.
type Manager struct {
	graph  graph.Store
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a checkpoint manager over a graph store.
func NewManager(g graph.Store, repo Repository, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{graph: g, repo: repo, logger: logger, now: time.Now}
}

// Create snapshots scope on behalf of jobID.
func (m *Manager) Create(ctx context.Context, jobID string, scope models.Scope) (Checkpoint, error) {
	snap, err := m.graph.Export(ctx, scope)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("export %s: %w", scope, err)
	}
	cp := Checkpoint{
		ID:          "cp-" + uuid.New().String()[:8],
		Scope:       scope,
		OwningJobID: jobID,
		CreatedAt:   m.now(),
		Stats:       snap.Stats(),
	}
	if err := m.repo.Save(ctx, cp, snap); err != nil {
		return Checkpoint{}, fmt.Errorf("save checkpoint: %w", err)
	}
	m.logger.Info("checkpoint created", "checkpoint_id", cp.ID, "job_id", jobID, "scope", scope.String(),
		"concepts", cp.Stats.Concepts, "sources", cp.Stats.Sources)
	return cp, nil
}

// Rollback restores the checkpointed scope exactly as it was.
func (m *Manager) Rollback(ctx context.Context, id string) error {
	cp, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	snap, err := m.repo.Load(ctx, id)
	if err != nil {
		return fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	if err := m.graph.ReplaceScope(ctx, cp.Scope, snap); err != nil {
		return fmt.Errorf("replace %s: %w", cp.Scope, err)
	}
	m.logger.Warn("rolled back to checkpoint", "checkpoint_id", id, "job_id", cp.OwningJobID, "scope", cp.Scope.String())
	return nil
}

// Delete discards a checkpoint.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.repo.Delete(ctx, id); err != nil {
		return err
	}
	m.logger.Debug("checkpoint deleted", "checkpoint_id", id)
	return nil
}

// List returns all stored checkpoints, oldest first.
func (m *Manager) List(ctx context.Context) ([]Checkpoint, error) {
	return m.repo.List(ctx)
}

// ForJob returns the checkpoints owned by jobID.
func (m *Manager) ForJob(ctx context.Context, jobID string) ([]Checkpoint, error) {
	all, err := m.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Checkpoint
	for _, cp := range all {
		if cp.OwningJobID == jobID {
			out = append(out, cp)
		}
	}
	return out, nil
}

// CheckClear fails with ErrPendingCheckpoint if a checkpoint overlapping
// scope exists that jobID does not own.
func (m *Manager) CheckClear(ctx context.Context, scope models.Scope, jobID string) error {
	all, err := m.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}
	for _, cp := range all {
		if cp.OwningJobID != jobID && cp.Scope.Overlaps(scope) {
			return fmt.Errorf("%w: %s of job %s covers %s until cleanup reclaims it",
				ErrPendingCheckpoint, cp.ID, cp.OwningJobID, cp.Scope)
		}
	}
	return nil
}
