package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/raphaelgruber/graphkeeper/internal/jobs"
	"github.com/raphaelgruber/graphkeeper/internal/models"
)

// JobRepository persists jobs in the job table. It implements
// jobs.Repository.
type JobRepository struct {
	client *Client
}

// NewJobRepository creates a job repository on an open client.
func NewJobRepository(c *Client) *JobRepository {
	return &JobRepository{client: c}
}

// jobContent builds the record body. Unset optional fields are left out
// because option<> fields reject NULL.
func jobContent(job jobs.Job) map[string]any {
	m := map[string]any{
		"kind":            string(job.Kind),
		"status":          string(job.Status),
		"scope":           job.Scope.String(),
		"stage":           job.Progress.Stage,
		"items_processed": job.Progress.ItemsProcessed,
		"items_total":     job.Progress.ItemsTotal,
		"message":         job.Progress.Message,
		"error":           job.Error,
		"error_code":      string(job.ErrorCode),
		"seq":             job.Seq,
		"created_at":      job.CreatedAt.UTC(),
		"updated_at":      job.UpdatedAt.UTC(),
	}
	if job.Request != nil {
		m["request"] = job.Request
	}
	if job.Result != nil {
		m["result"] = job.Result
	}
	if job.StartedAt != nil {
		m["started_at"] = job.StartedAt.UTC()
	}
	if job.CompletedAt != nil {
		m["completed_at"] = job.CompletedAt.UTC()
	}
	return m
}

func jobFromRecord(r models.JobRecord) (jobs.Job, error) {
	id, err := models.RecordIDString(r.ID)
	if err != nil {
		return jobs.Job{}, err
	}
	scope, err := models.ParseScope(r.Scope)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("job %s: %w", id, err)
	}
	// Nested values come back with CBOR number types; normalize them to
	// the JSON shapes the rest of the code expects.
	request, err := normalize(r.Request)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("job %s request: %w", id, err)
	}
	result, err := normalize(r.Result)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("job %s result: %w", id, err)
	}
	return jobs.Job{
		ID:      id,
		Kind:    jobs.Kind(r.Kind),
		Status:  jobs.Status(r.Status),
		Scope:   scope,
		Request: request,
		Progress: jobs.Progress{
			Stage:          r.Stage,
			ItemsProcessed: r.ItemsProcessed,
			ItemsTotal:     r.ItemsTotal,
			Message:        r.Message,
		},
		Result:      result,
		Error:       r.Error,
		ErrorCode:   jobs.ErrorCode(r.ErrorCode),
		Seq:         r.Seq,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}, nil
}

func normalize(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	return jobs.ToMap(m)
}

func (r *JobRepository) Insert(ctx context.Context, job jobs.Job) error {
	_, err := queryRows[models.JobRecord](ctx, r.client, `CREATE type::record("job", $id) CONTENT $data`, map[string]any{
		"id":   job.ID,
		"data": jobContent(job),
	})
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (r *JobRepository) Get(ctx context.Context, id string) (jobs.Job, error) {
	rows, err := queryRows[models.JobRecord](ctx, r.client, `SELECT * FROM type::record("job", $id)`, map[string]any{"id": id})
	if err != nil {
		return jobs.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(rows) == 0 {
		return jobs.Job{}, fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
	}
	return jobFromRecord(rows[0])
}

func (r *JobRepository) Save(ctx context.Context, job jobs.Job) error {
	_, err := queryRows[models.JobRecord](ctx, r.client, `UPSERT type::record("job", $id) CONTENT $data`, map[string]any{
		"id":   job.ID,
		"data": jobContent(job),
	})
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

func (r *JobRepository) List(ctx context.Context, filter jobs.Filter) ([]jobs.Job, error) {
	var conds []string
	vars := map[string]any{}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		conds = append(conds, "status IN $statuses")
		vars["statuses"] = statuses
	}
	if len(filter.Kinds) > 0 {
		kinds := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			kinds[i] = string(k)
		}
		conds = append(conds, "kind IN $kinds")
		vars["kinds"] = kinds
	}

	sql := "SELECT * FROM job"
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}
	sql += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		sql += " LIMIT $limit"
		vars["limit"] = filter.Limit
	}

	rows, err := queryRows[models.JobRecord](ctx, r.client, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]jobs.Job, 0, len(rows))
	for _, row := range rows {
		job, err := jobFromRecord(row)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (r *JobRepository) Delete(ctx context.Context, id string) error {
	rows, err := queryRows[models.JobRecord](ctx, r.client, `DELETE type::record("job", $id) RETURN BEFORE`, map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
	}
	return nil
}
