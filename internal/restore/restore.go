// Package restore applies backup artifacts to the graph as approved,
// checkpointed, stage-by-stage jobs.
package restore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/go-playground/validator/v10"
	"github.com/raphaelgruber/graphkeeper/internal/backup"
	"github.com/raphaelgruber/graphkeeper/internal/checkpoint"
	"github.com/raphaelgruber/graphkeeper/internal/graph"
	"github.com/raphaelgruber/graphkeeper/internal/jobs"
	"github.com/raphaelgruber/graphkeeper/internal/models"
)

// DefaultBatchSize is the number of entities written per store call.
const DefaultBatchSize = 100

var validate = validator.New()

// Request is a restore submission. Credentials are checked by the caller
// and never stored.
type Request struct {
	ArtifactPath string           `json:"artifact_path" validate:"required"`
	Overwrite    bool             `json:"overwrite"`
	Deps         DependencyAction `json:"deps" validate:"required,oneof=prune stitch defer"`
	Actor        string           `json:"actor,omitempty"`
	// Uploaded marks artifacts the server received for this job only;
	// they are deleted once the job ends.
	Uploaded bool `json:"uploaded,omitempty"`
}

// Preparation is what validation learned about the artifact.
type Preparation struct {
	Scope             models.Scope          `json:"scope"`
	Manifest          models.BackupManifest `json:"manifest"`
	BackupStats       models.GraphStats     `json:"backup_stats"`
	IntegrityWarnings []string              `json:"integrity_warnings"`
}

// Result is stored on completed restore jobs.
type Result struct {
	RestoreStats      models.GraphStats `json:"restore_stats"`
	BackupStats       models.GraphStats `json:"backup_stats"`
	IntegrityWarnings int               `json:"integrity_warnings"`
	InstancesSkipped  int               `json:"instances_skipped,omitempty"`
	CheckpointCreated bool              `json:"checkpoint_created"`
	DependencyAction  DependencyAction  `json:"dependency_action"`
	Dependencies      DependencyReport  `json:"dependencies"`
	DeferredResolved  int               `json:"deferred_resolved,omitempty"`
}

// Orchestrator runs restore jobs.
type Orchestrator struct {
	graph       graph.Store
	checkpoints *checkpoint.Manager
	batchSize   int
	logger      *slog.Logger
}

var _ jobs.Recoverer = (*Orchestrator)(nil)

// NewOrchestrator creates a restore orchestrator.
func NewOrchestrator(g graph.Store, checkpoints *checkpoint.Manager, batchSize int, logger *slog.Logger) *Orchestrator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{graph: g, checkpoints: checkpoints, batchSize: batchSize, logger: logger}
}

// Prepare validates a request before any job exists: the artifact must
// be readable and restorable, the target must not collide unless
// overwrite (merge) was requested, and an ontology backup must not reuse
// IDs owned by another ontology.
func (o *Orchestrator) Prepare(ctx context.Context, req Request) (*Preparation, error) {
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	art, err := backup.ReadArtifact(req.ArtifactPath)
	if err != nil {
		return nil, err
	}
	scope := art.Manifest.Scope()

	if !req.Overwrite {
		if scope.IsFull() {
			st, err := o.graph.Stats(ctx, scope)
			if err != nil {
				return nil, fmt.Errorf("check graph: %w", err)
			}
			if st.Total() > 0 {
				return nil, fmt.Errorf("%w: use overwrite to merge a full backup into it", ErrGraphNotEmpty)
			}
		} else {
			exists, err := o.graph.OntologyExists(ctx, scope.Ontology)
			if err != nil {
				return nil, fmt.Errorf("check ontology: %w", err)
			}
			if exists {
				return nil, fmt.Errorf("%w: %s", ErrOntologyExists, scope.Ontology)
			}
		}
	}

	if err := o.checkForeign(ctx, scope, art.Graph); err != nil {
		return nil, err
	}
	if err := o.checkpoints.CheckClear(ctx, scope, ""); err != nil {
		return nil, err
	}

	return &Preparation{
		Scope:             scope,
		Manifest:          art.Manifest,
		BackupStats:       art.Graph.Stats(),
		IntegrityWarnings: art.IntegrityWarnings(),
	}, nil
}

// Submission turns a prepared request into a job submission.
func (o *Orchestrator) Submission(req Request, prep *Preparation) (jobs.Submission, error) {
	m, err := jobs.ToMap(req)
	if err != nil {
		return jobs.Submission{}, err
	}
	return jobs.Submission{Kind: jobs.KindRestore, Scope: prep.Scope, Request: m}, nil
}

// ReleaseArtifact deletes an uploaded artifact after its job ended.
// Registered as a job store terminal hook.
func (o *Orchestrator) ReleaseArtifact(job jobs.Job) {
	if job.Kind != jobs.KindRestore {
		return
	}
	var req Request
	if err := jobs.FromMap(job.Request, &req); err != nil || !req.Uploaded {
		return
	}
	if err := os.Remove(req.ArtifactPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		o.logger.Warn("failed to remove uploaded artifact", "job_id", job.ID, "path", req.ArtifactPath, "error", err)
	}
}

// Run executes a restore job. Every failure after the checkpoint exists
// rolls the scope back before the job ends.
func (o *Orchestrator) Run(ctx context.Context, job jobs.Job, rep *jobs.Reporter) (map[string]any, error) {
	var req Request
	if err := jobs.FromMap(job.Request, &req); err != nil {
		return nil, &StageError{Stage: jobs.StageCreatingCheckpoint, Err: fmt.Errorf("decode request: %w", err)}
	}
	scope := job.Scope

	if err := rep.Progress(ctx, jobs.StageCreatingCheckpoint, 0, 1, "snapshotting "+scope.String()); err != nil {
		return nil, &StageError{Stage: jobs.StageCreatingCheckpoint, Err: err}
	}
	if err := rep.CheckCancelled(); err != nil {
		return nil, err
	}
	// Another job's checkpoint would roll this restore back when reclaimed.
	if err := o.checkpoints.CheckClear(ctx, scope, job.ID); err != nil {
		return nil, &StageError{Stage: jobs.StageCreatingCheckpoint, Err: err}
	}
	cp, err := o.checkpoints.Create(ctx, job.ID, scope)
	if err != nil {
		return nil, &StageError{Stage: jobs.StageCreatingCheckpoint, Err: err}
	}

	run := &restoreRun{o: o, job: job, req: req, rep: rep, stage: jobs.StageCreatingCheckpoint}
	result, err := run.apply(ctx, cp)
	if err != nil {
		return nil, o.rollback(ctx, cp, run.stage, err)
	}

	resolved, err := o.graph.ResolveDeferred(ctx)
	if err != nil {
		o.logger.Warn("deferred edge resolution failed", "job_id", job.ID, "error", err)
	}
	result.DeferredResolved = resolved

	if err := o.checkpoints.Delete(context.WithoutCancel(ctx), cp.ID); err != nil {
		o.logger.Warn("failed to delete checkpoint after restore", "job_id", job.ID, "checkpoint_id", cp.ID, "error", err)
	}
	result.CheckpointCreated = false

	o.logger.Info("restore completed", "job_id", job.ID, "scope", scope.String(),
		"concepts", result.RestoreStats.Concepts, "relationships", result.RestoreStats.Relationships,
		"deps", req.Deps, "pruned", result.Dependencies.Pruned)
	return jobs.ToMap(result)
}

// Recover undoes a restore interrupted by a restart. Its checkpoints are
// rolled back and deleted before the job is failed and its scope freed;
// a checkpoint whose rollback fails stays for the cleanup sweep.
func (o *Orchestrator) Recover(ctx context.Context, job jobs.Job) (string, error) {
	cps, err := o.checkpoints.ForJob(ctx, job.ID)
	if err != nil {
		return "", fmt.Errorf("list checkpoints: %w", err)
	}
	if len(cps) == 0 {
		return "no changes were made", nil
	}
	for _, cp := range slices.Backward(cps) {
		if err := o.checkpoints.Rollback(ctx, cp.ID); err != nil {
			return "", fmt.Errorf("roll back %s: %w; checkpoint retained for cleanup", cp.ID, err)
		}
		if err := o.checkpoints.Delete(ctx, cp.ID); err != nil {
			o.logger.Warn("failed to delete checkpoint after recovery", "job_id", job.ID, "checkpoint_id", cp.ID, "error", err)
		}
	}
	o.logger.Warn("interrupted restore rolled back", "job_id", job.ID, "scope", job.Scope.String(), "checkpoints", len(cps))
	return "rolled back to checkpoint — no data loss", nil
}

// checkForeign rejects snapshots whose upserts would pull entities of
// other ontologies into scope, where the scope's checkpoint cannot
// restore them.
func (o *Orchestrator) checkForeign(ctx context.Context, scope models.Scope, snap *models.Snapshot) error {
	refs, err := o.graph.ForeignEntities(ctx, scope, snap)
	if err != nil {
		return fmt.Errorf("check entity ownership: %w", err)
	}
	if len(refs) > 0 {
		return foreignEntitiesError(refs)
	}
	return nil
}

func (o *Orchestrator) rollback(ctx context.Context, cp checkpoint.Checkpoint, stage string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if err := o.checkpoints.Rollback(ctx, cp.ID); err != nil {
		o.logger.Error("ROLLBACK FAILED", "job_id", cp.OwningJobID, "checkpoint_id", cp.ID, "stage", stage, "cause", cause, "error", err)
		return &RollbackError{Stage: stage, Cause: cause, RollbackErr: err, CheckpointID: cp.ID}
	}
	if err := o.checkpoints.Delete(ctx, cp.ID); err != nil {
		o.logger.Warn("failed to delete checkpoint after rollback", "checkpoint_id", cp.ID, "error", err)
	}
	if errors.Is(cause, jobs.ErrCancelled) {
		return &CancelledError{Stage: stage}
	}
	return &StageError{Stage: stage, Err: cause, RolledBack: true}
}

// restoreRun carries the state of one job through its stages.
type restoreRun struct {
	o     *Orchestrator
	job   jobs.Job
	req   Request
	rep   *jobs.Reporter
	stage string
}

func (r *restoreRun) enter(ctx context.Context, stage string, total int, message string) error {
	if err := r.rep.CheckCancelled(); err != nil {
		return err
	}
	r.stage = stage
	return r.rep.Progress(ctx, stage, 0, total, message)
}

func (r *restoreRun) apply(ctx context.Context, cp checkpoint.Checkpoint) (*Result, error) {
	if err := r.rep.Progress(ctx, jobs.StageCreatingCheckpoint, 1, 1, "checkpoint "+cp.ID); err != nil {
		return nil, err
	}

	if err := r.enter(ctx, jobs.StageLoadingBackup, 1, "reading "+filepath.Base(r.req.ArtifactPath)); err != nil {
		return nil, err
	}
	art, err := backup.ReadArtifact(r.req.ArtifactPath)
	if err != nil {
		return nil, err
	}
	if got := art.Manifest.Scope(); got != r.job.Scope {
		return nil, fmt.Errorf("artifact scope %s does not match job scope %s", got, r.job.Scope)
	}
	warnings := art.IntegrityWarnings()
	if err := r.rep.Progress(ctx, jobs.StageLoadingBackup, 1, 1, fmt.Sprintf("%d integrity warnings", len(warnings))); err != nil {
		return nil, err
	}

	snap := art.Graph
	// The graph may have changed since submission.
	if err := r.o.checkForeign(ctx, r.job.Scope, snap); err != nil {
		return nil, err
	}
	r.normalize(snap)
	result := &Result{
		BackupStats:       snap.Stats(),
		IntegrityWarnings: len(warnings),
		DependencyAction:  r.req.Deps,
	}

	if err := r.enter(ctx, jobs.StageRestoringConcepts, len(snap.Concepts), ""); err != nil {
		return nil, err
	}
	if err := applyBatches(ctx, r, snap.Concepts, r.o.graph.UpsertConcepts); err != nil {
		return nil, err
	}
	result.RestoreStats.Concepts = len(snap.Concepts)

	if err := r.enter(ctx, jobs.StageRestoringSources, len(snap.Sources), ""); err != nil {
		return nil, err
	}
	if err := applyBatches(ctx, r, snap.Sources, r.o.graph.UpsertSources); err != nil {
		return nil, err
	}
	result.RestoreStats.Sources = len(snap.Sources)

	instances := r.restorableInstances(snap)
	result.InstancesSkipped = len(snap.Instances) - len(instances)
	if err := r.enter(ctx, jobs.StageRestoringInstances, len(instances), ""); err != nil {
		return nil, err
	}
	if err := applyBatches(ctx, r, instances, r.o.graph.UpsertInstances); err != nil {
		return nil, err
	}
	result.RestoreStats.Instances = len(instances)

	if err := r.enter(ctx, jobs.StageRestoringRelationships, len(snap.Relationships), "resolving dependencies"); err != nil {
		return nil, err
	}
	rels, deps, err := NewResolver(r.o.graph, r.req.Deps).Resolve(ctx, snap.Relationships, snap.ConceptIDs(), snap.ExternalRef)
	if err != nil {
		return nil, err
	}
	result.Dependencies = deps
	if err := r.rep.Progress(ctx, jobs.StageRestoringRelationships, 0, len(rels),
		fmt.Sprintf("%d pruned, %d stitched, %d deferred", deps.Pruned, deps.Stitched, deps.Deferred)); err != nil {
		return nil, err
	}
	if err := applyBatches(ctx, r, rels, r.o.graph.UpsertRelationships); err != nil {
		return nil, err
	}
	result.RestoreStats.Relationships = len(rels)

	// Last chance to cancel before the job is reported as done.
	if err := r.rep.CheckCancelled(); err != nil {
		return nil, err
	}
	return result, nil
}

// normalize pins every entity of an ontology backup to that ontology so the
// restored data stays inside the locked scope.
func (r *restoreRun) normalize(snap *models.Snapshot) {
	if r.job.Scope.IsFull() {
		return
	}
	name := r.job.Scope.Ontology
	for i := range snap.Concepts {
		snap.Concepts[i].Ontology = name
	}
	for i := range snap.Sources {
		snap.Sources[i].Ontology = name
	}
	for i := range snap.Instances {
		snap.Instances[i].Ontology = name
	}
	for i := range snap.Relationships {
		snap.Relationships[i].Ontology = name
	}
}

// restorableInstances drops instances whose concept or source is not part
// of the backup.
func (r *restoreRun) restorableInstances(snap *models.Snapshot) []models.Instance {
	concepts := snap.ConceptIDs()
	sources := make(map[string]bool, len(snap.Sources))
	for _, s := range snap.Sources {
		sources[s.ID] = true
	}
	out := make([]models.Instance, 0, len(snap.Instances))
	for _, inst := range snap.Instances {
		if concepts[inst.ConceptID] && sources[inst.SourceID] {
			out = append(out, inst)
		}
	}
	return out
}

func applyBatches[T any](ctx context.Context, r *restoreRun, items []T, upsert func(context.Context, []T) error) error {
	total := len(items)
	for start := 0; start < total; start += r.o.batchSize {
		end := min(start+r.o.batchSize, total)
		if err := upsert(ctx, items[start:end]); err != nil {
			return err
		}
		if err := r.rep.Progress(ctx, r.stage, end, total, fmt.Sprintf("%d/%d", end, total)); err != nil {
			return err
		}
	}
	return nil
}
