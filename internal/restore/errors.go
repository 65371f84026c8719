package restore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/raphaelgruber/graphkeeper/internal/jobs"
	"github.com/raphaelgruber/graphkeeper/internal/models"
)

var (
	// ErrOntologyExists is returned when restoring over an existing
	// ontology without overwrite.
	ErrOntologyExists = errors.New("ontology already exists")
	// ErrGraphNotEmpty is returned when restoring a full backup into a
	// non-empty graph without overwrite.
	ErrGraphNotEmpty = errors.New("graph is not empty")
	// ErrForeignEntities is returned when an ontology backup holds IDs
	// that belong to another ontology in the graph.
	ErrForeignEntities = errors.New("backup contains entities owned by other ontologies")
)

// maxListedRefs caps how many conflicting entities an error names.
const maxListedRefs = 5

func foreignEntitiesError(refs []models.EntityRef) error {
	names := make([]string, 0, min(len(refs), maxListedRefs))
	for _, r := range refs[:min(len(refs), maxListedRefs)] {
		names = append(names, r.String())
	}
	if extra := len(refs) - len(names); extra > 0 {
		names = append(names, fmt.Sprintf("and %d more", extra))
	}
	return fmt.Errorf("%w: %s", ErrForeignEntities, strings.Join(names, ", "))
}

// StageError reports a restore that failed at stage. RolledBack tells
// whether the checkpoint was applied.
type StageError struct {
	Stage      string
	Err        error
	RolledBack bool
}

func (e *StageError) Error() string {
	if e.RolledBack {
		return fmt.Sprintf("restore failed at %s: %v; rolled back to checkpoint — no data loss", e.Stage, e.Err)
	}
	return fmt.Sprintf("restore failed at %s: %v; no changes were made", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func (e *StageError) JobErrorCode() jobs.ErrorCode {
	if e.RolledBack {
		return jobs.CodeRolledBack
	}
	return jobs.CodeStageFailed
}

// CancelledError reports a restore stopped by the user and rolled back.
type CancelledError struct {
	Stage string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("restore cancelled at %s; rolled back to checkpoint — no data loss", e.Stage)
}

func (e *CancelledError) Unwrap() error { return jobs.ErrCancelled }

func (e *CancelledError) JobErrorCode() jobs.ErrorCode { return jobs.CodeCancelledByUser }

// RollbackError reports that both the restore and its rollback failed.
// The checkpoint is kept for manual recovery.
type RollbackError struct {
	Stage        string
	Cause        error
	RollbackErr  error
	CheckpointID string
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("ROLLBACK FAILED: restore failed at %s (%v) and rollback failed (%v); graph may be inconsistent, checkpoint %s retained for manual recovery",
		e.Stage, e.Cause, e.RollbackErr, e.CheckpointID)
}

func (e *RollbackError) Unwrap() error { return e.RollbackErr }

func (e *RollbackError) JobErrorCode() jobs.ErrorCode { return jobs.CodeRollbackFailed }
