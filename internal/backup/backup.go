package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/raphaelgruber/graphkeeper/internal/graph"
	"github.com/raphaelgruber/graphkeeper/internal/jobs"
	"github.com/raphaelgruber/graphkeeper/internal/models"
)

// ErrOntologyNotFound is returned when an ontology backup names an
// ontology with no data.
var ErrOntologyNotFound = errors.New("ontology not found")

var validate = validator.New()

// Request is a backup submission.
type Request struct {
	BackupType   models.BackupType `json:"backup_type" validate:"required,oneof=full ontology"`
	OntologyName string            `json:"ontology_name,omitempty" validate:"required_if=BackupType ontology,excluded_if=BackupType full"`
	Format       models.Format     `json:"format" validate:"required,oneof=archive json gexf"`
	Filename     string            `json:"filename,omitempty" validate:"omitempty,max=200,excludesall=/\\"`
}

// Scope returns the graph scope the request covers.
func (r Request) Scope() models.Scope {
	if r.BackupType == models.BackupOntology {
		return models.OntologyScope(r.OntologyName)
	}
	return models.FullScope()
}

// Result is stored on completed backup jobs.
type Result struct {
	Filename     string            `json:"filename"`
	Path         string            `json:"path"`
	Size         int64             `json:"size"`
	Format       models.Format     `json:"format"`
	BackupType   models.BackupType `json:"backup_type"`
	OntologyName string            `json:"ontology_name,omitempty"`
	Stats        models.GraphStats `json:"stats"`
	RemoteURL    string            `json:"remote_url,omitempty"`
}

// Orchestrator runs backup jobs.
type Orchestrator struct {
	graph  graph.Store
	local  *LocalDestination
	remote Uploader
	logger *slog.Logger
	now    func() time.Time
}

// NewOrchestrator creates a backup orchestrator. remote may be nil.
func NewOrchestrator(g graph.Store, local *LocalDestination, remote Uploader, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{graph: g, local: local, remote: remote, logger: logger, now: time.Now}
}

// Local returns the local artifact store.
func (o *Orchestrator) Local() *LocalDestination { return o.local }

// Validate checks a request before a job is created.
func (o *Orchestrator) Validate(ctx context.Context, req Request) error {
	if err := validate.Struct(req); err != nil {
		return err
	}
	if req.BackupType == models.BackupOntology {
		ok, err := o.graph.OntologyExists(ctx, req.OntologyName)
		if err != nil {
			return fmt.Errorf("check ontology: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrOntologyNotFound, req.OntologyName)
		}
	}
	return nil
}

// Submission validates req and turns it into a job submission.
func (o *Orchestrator) Submission(ctx context.Context, req Request) (jobs.Submission, error) {
	if err := o.Validate(ctx, req); err != nil {
		return jobs.Submission{}, err
	}
	m, err := jobs.ToMap(req)
	if err != nil {
		return jobs.Submission{}, err
	}
	return jobs.Submission{Kind: jobs.KindBackup, Scope: req.Scope(), Request: m}, nil
}

// Run executes a backup job.
func (o *Orchestrator) Run(ctx context.Context, job jobs.Job, rep *jobs.Reporter) (map[string]any, error) {
	var req Request
	if err := jobs.FromMap(job.Request, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	scope := req.Scope()

	if err := rep.Progress(ctx, jobs.StageCollectingGraph, 0, 0, "exporting "+scope.String()); err != nil {
		return nil, err
	}
	snap, err := o.graph.Export(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", scope, err)
	}
	if !scope.IsFull() && snap.IsEmpty() {
		return nil, fmt.Errorf("%w: %s", ErrOntologyNotFound, scope.Ontology)
	}
	stats := snap.Stats()
	if err := rep.Progress(ctx, jobs.StageCollectingGraph, stats.Total(), stats.Total(),
		fmt.Sprintf("%d concepts, %d sources, %d instances, %d relationships",
			stats.Concepts, stats.Sources, stats.Instances, stats.Relationships)); err != nil {
		return nil, err
	}
	if err := rep.CheckCancelled(); err != nil {
		return nil, err
	}

	now := o.now()
	artifact := &Artifact{
		Manifest: models.BackupManifest{
			Version:      models.ManifestVersion,
			BackupType:   req.BackupType,
			OntologyName: req.OntologyName,
			Format:       req.Format,
			CreatedAt:    now.UTC(),
			Stats:        stats,
		},
		Graph: snap,
	}
	name := ArtifactName(req.Filename, scope, req.Format, now)
	if err := rep.Progress(ctx, jobs.StageWritingArtifact, 0, 1, "writing "+name); err != nil {
		return nil, err
	}
	path, size, err := o.local.Write(name, func(w io.Writer) error { return WriteArtifact(w, artifact) })
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", name, err)
	}
	if err := rep.Progress(ctx, jobs.StageWritingArtifact, 1, 1, fmt.Sprintf("wrote %d bytes", size)); err != nil {
		return nil, o.discard(name, err)
	}

	result := Result{
		Filename:     name,
		Path:         path,
		Size:         size,
		Format:       req.Format,
		BackupType:   req.BackupType,
		OntologyName: req.OntologyName,
		Stats:        stats,
	}

	if o.remote != nil {
		if err := rep.CheckCancelled(); err != nil {
			return nil, o.discard(name, err)
		}
		if err := rep.Progress(ctx, jobs.StageUploadingArtifact, 0, 1, "uploading "+name); err != nil {
			return nil, o.discard(name, err)
		}
		url, err := o.remote.Upload(ctx, path, name)
		if err != nil {
			return nil, o.discard(name, fmt.Errorf("upload %s: %w", name, err))
		}
		result.RemoteURL = url
		if err := rep.Progress(ctx, jobs.StageUploadingArtifact, 1, 1, url); err != nil {
			return nil, err
		}
	}

	o.logger.Info("backup written", "job_id", job.ID, "file", name, "size", size, "format", req.Format)
	return jobs.ToMap(result)
}

// discard removes an artifact of a job that did not finish.
func (o *Orchestrator) discard(name string, cause error) error {
	if err := o.local.Remove(name); err != nil {
		o.logger.Warn("failed to remove partial backup", "file", name, "error", err)
	}
	return cause
}
