package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// JobRecord is the persisted row of a job.
type JobRecord struct {
	ID             surrealmodels.RecordID `json:"id"`
	Kind           string                 `json:"kind"`
	Status         string                 `json:"status"`
	Scope          string                 `json:"scope"`
	Request        map[string]any         `json:"request,omitempty"`
	Stage          string                 `json:"stage"`
	ItemsProcessed int                    `json:"items_processed"`
	ItemsTotal     int                    `json:"items_total"`
	Message        string                 `json:"message"`
	Result         map[string]any         `json:"result,omitempty"`
	Error          string                 `json:"error"`
	ErrorCode      string                 `json:"error_code"`
	Seq            int64                  `json:"seq"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}
