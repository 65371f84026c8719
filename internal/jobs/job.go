// Package jobs tracks long-running backup, restore and extraction work:
// the persisted job state machine, the in-process progress publisher and
// the worker pool that executes jobs.
package jobs

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/raphaelgruber/graphkeeper/internal/models"
)

// Kind identifies what a job does.
type Kind string

const (
	KindBackup     Kind = "backup"
	KindRestore    Kind = "restore"
	KindExtraction Kind = "extraction"
)

// Stage labels reported through progress updates.
const (
	StageCreatingCheckpoint     = "creating_checkpoint"
	StageLoadingBackup          = "loading_backup"
	StageRestoringConcepts      = "restoring_concepts"
	StageRestoringSources       = "restoring_sources"
	StageRestoringInstances     = "restoring_instances"
	StageRestoringRelationships = "restoring_relationships"
	StageCollectingGraph        = "collecting_graph"
	StageWritingArtifact        = "writing_artifact"
	StageUploadingArtifact      = "uploading_artifact"
	StageExtracting             = "extracting"
	StageCompleted              = "completed"
)

// Stage order per kind. Progress may only move forward through this list.
var kindStages = map[Kind][]string{
	KindRestore: {
		StageCreatingCheckpoint,
		StageLoadingBackup,
		StageRestoringConcepts,
		StageRestoringSources,
		StageRestoringInstances,
		StageRestoringRelationships,
		StageCompleted,
	},
	KindBackup: {
		StageCollectingGraph,
		StageWritingArtifact,
		StageUploadingArtifact,
		StageCompleted,
	},
	KindExtraction: {
		StageExtracting,
		StageCompleted,
	},
}

// Valid reports whether k is a known job kind.
func (k Kind) Valid() bool {
	_, ok := kindStages[k]
	return ok
}

// Destructive kinds overwrite graph data and must be approved before they run.
func (k Kind) Destructive() bool {
	return k == KindRestore
}

// Stages returns the ordered stage labels for the kind.
func (k Kind) Stages() []string {
	return slices.Clone(kindStages[k])
}

// stageIndex returns the position of stage in the kind's order, or -1.
// The empty stage (no progress reported yet) sorts before everything.
func (k Kind) stageIndex(stage string) int {
	if stage == "" {
		return -1
	}
	return slices.Index(kindStages[k], stage)
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending          Status = "pending"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusRunning          Status = "running"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusAwaitingApproval,
	StatusRunning,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !slices.Contains(AllStatuses, st) {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// ErrorCode classifies why a job ended in failed or cancelled.
type ErrorCode string

const (
	CodeValidation      ErrorCode = "validation"
	CodeStageFailed     ErrorCode = "stage_failed"
	CodeRolledBack      ErrorCode = "rolled_back"
	CodeRollbackFailed  ErrorCode = "rollback_failed"
	CodeCancelledByUser ErrorCode = "cancelled_by_user"
	CodeApprovalExpired ErrorCode = "approval_expired"
	CodeInterrupted     ErrorCode = "interrupted"
	CodeInternal        ErrorCode = "internal"
)

// Progress is the last reported position of a running job.
type Progress struct {
	Stage          string `json:"stage"`
	ItemsProcessed int    `json:"items_processed"`
	ItemsTotal     int    `json:"items_total"`
	Message        string `json:"message,omitempty"`
}

// Job is a unit of long-running work.
type Job struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"job_type"`
	Status      Status         `json:"status"`
	Scope       models.Scope   `json:"scope"`
	Request     map[string]any `json:"request,omitempty"`
	Progress    Progress       `json:"progress"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorCode   ErrorCode      `json:"error_code,omitempty"`
	Seq         int64          `json:"seq"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Clone returns a copy that shares no maps or pointers with j.
func (j Job) Clone() Job {
	c := j
	c.Request = maps.Clone(j.Request)
	c.Result = maps.Clone(j.Result)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// Percent returns stage progress in [0,1], or -1 when the total is unknown.
func (p Progress) Percent() float64 {
	if p.ItemsTotal <= 0 {
		return -1
	}
	return float64(p.ItemsProcessed) / float64(p.ItemsTotal)
}

// ToMap converts a typed request or result into the JSON-shaped map stored
// on a job.
func ToMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// FromMap decodes a stored request or result map into v.
func FromMap(m map[string]any, v any) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
