// Package client provides an HTTP client for the graphkeeper server and a
// progress tracker that follows jobs over SSE with a polling fallback.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/raphaelgruber/graphkeeper/internal/extract"
	"github.com/raphaelgruber/graphkeeper/internal/jobs"
	"github.com/raphaelgruber/graphkeeper/internal/models"
)

// DefaultURL is used when neither an explicit URL nor GRAPHKEEPER_URL is set.
const DefaultURL = "http://localhost:8484"

// Client talks to the graphkeeper REST API.
type Client struct {
	baseURL string
	// httpClient serves short requests; stream has no overall timeout
	// because event streams and uploads outlive any sensible deadline.
	httpClient *http.Client
	stream     *http.Client
}

// New creates a client for baseURL.
// If baseURL is empty, uses GRAPHKEEPER_URL or defaults to localhost:8484.
// Timeout can be configured via GRAPHKEEPER_CLIENT_TIMEOUT (default 30s).
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("GRAPHKEEPER_URL")
	}
	if baseURL == "" {
		baseURL = DefaultURL
	}

	timeout := 30 * time.Second
	if t := os.Getenv("GRAPHKEEPER_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		stream:     &http.Client{},
	}
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string { return c.baseURL }

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return fmt.Sprintf("server error: %d %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// HasCode reports whether err is an API error with the given code.
func HasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// =============================================================================
// TYPES (matching the REST API)
// =============================================================================

// Accepted is returned when the server created a job.
type Accepted struct {
	JobID  string      `json:"job_id"`
	Status jobs.Status `json:"status"`
}

// RestoreAccepted describes a restore waiting for approval.
type RestoreAccepted struct {
	Accepted
	Scope             models.Scope          `json:"scope"`
	Manifest          models.BackupManifest `json:"manifest"`
	BackupStats       models.GraphStats     `json:"backup_stats"`
	IntegrityWarnings []string              `json:"integrity_warnings"`
}

// BackupRequest is the body of a backup submission.
type BackupRequest struct {
	BackupType   models.BackupType `json:"backup_type"`
	OntologyName string            `json:"ontology_name,omitempty"`
	Format       models.Format     `json:"format"`
	Filename     string            `json:"filename,omitempty"`
}

// BackupFile describes an artifact stored on the server.
type BackupFile struct {
	Filename  string        `json:"filename"`
	Size      int64         `json:"size"`
	Format    models.Format `json:"format"`
	CreatedAt time.Time     `json:"created_at"`
}

// RestoreRequest selects an artifact and restore options. Path uploads a
// local file; Filename names a backup already stored on the server.
type RestoreRequest struct {
	Path      string
	Filename  string
	Username  string
	Password  string
	Overwrite bool
	Deps      string
}

// ListJobsOptions filters ListJobs.
type ListJobsOptions struct {
	Statuses []jobs.Status
	Kinds    []jobs.Kind
	Limit    int
}

// SchedulerStatus is the cleanup scheduler's operational view.
type SchedulerStatus struct {
	Running bool `json:"running"`
	Config  struct {
		CleanupInterval    string `json:"cleanup_interval"`
		ApprovalTimeout    string `json:"approval_timeout"`
		CompletedRetention string `json:"completed_retention"`
		FailedRetention    string `json:"failed_retention"`
	} `json:"config"`
	Stats struct {
		JobsByStatus map[jobs.Status]int `json:"jobs_by_status"`
		LastCleanup  *time.Time          `json:"last_cleanup"`
		NextCleanup  *time.Time          `json:"next_cleanup"`
		LastReport   *SweepReport        `json:"last_report,omitempty"`
	} `json:"stats"`
}

// SweepReport summarizes one cleanup sweep.
type SweepReport struct {
	Trigger   string    `json:"trigger"`
	StartedAt time.Time `json:"started_at"`
	Expired   []string  `json:"expired"`
	Purged    []string  `json:"purged"`
	Reclaimed []string  `json:"reclaimed"`
	Errors    []string  `json:"errors,omitempty"`
}

// =============================================================================
// REQUESTS
// =============================================================================

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

// do sends req and decodes a JSON body into result (if non-nil).
func (c *Client) do(hc *http.Client, req *http.Request, result any) error {
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if result == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		apiErr.Message, apiErr.Code = payload.Error, payload.Code
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

func (c *Client) getJSON(ctx context.Context, path string, result any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(c.httpClient, req, result)
}

func (c *Client) postJSON(ctx context.Context, path string, body any, result any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(c.httpClient, req, result)
}

// Health checks the server and its storage.
func (c *Client) Health(ctx context.Context) error {
	return c.getJSON(ctx, "/health", nil)
}

// GetJob fetches the current state of a job.
func (c *Client) GetJob(ctx context.Context, id string) (jobs.Job, error) {
	var job jobs.Job
	err := c.getJSON(ctx, "/api/jobs/"+url.PathEscape(id), &job)
	return job, err
}

// ListJobs returns jobs newest first.
func (c *Client) ListJobs(ctx context.Context, opts ListJobsOptions) ([]jobs.Job, error) {
	q := url.Values{}
	if len(opts.Statuses) > 0 {
		parts := make([]string, len(opts.Statuses))
		for i, s := range opts.Statuses {
			parts[i] = string(s)
		}
		q.Set("status", strings.Join(parts, ","))
	}
	if len(opts.Kinds) > 0 {
		parts := make([]string, len(opts.Kinds))
		for i, k := range opts.Kinds {
			parts[i] = string(k)
		}
		q.Set("kind", strings.Join(parts, ","))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/api/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp struct {
		Jobs []jobs.Job `json:"jobs"`
	}
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// ApproveJob starts a job that is awaiting approval.
func (c *Client) ApproveJob(ctx context.Context, id, actor string) (jobs.Job, error) {
	var job jobs.Job
	err := c.postJSON(ctx, "/api/jobs/"+url.PathEscape(id)+"/approve", map[string]string{"actor": actor}, &job)
	return job, err
}

// CancelJob cancels a job. Running jobs stop at their next stage boundary.
func (c *Client) CancelJob(ctx context.Context, id string) (jobs.Job, error) {
	var job jobs.Job
	err := c.postJSON(ctx, "/api/jobs/"+url.PathEscape(id)+"/cancel", nil, &job)
	return job, err
}

// CreateBackup submits a backup job.
func (c *Client) CreateBackup(ctx context.Context, req BackupRequest) (*Accepted, error) {
	var out Accepted
	if err := c.postJSON(ctx, "/api/backups", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Extract submits Markdown documents for extraction into an ontology.
func (c *Client) Extract(ctx context.Context, req extract.Request) (*Accepted, error) {
	var out Accepted
	if err := c.postJSON(ctx, "/api/extractions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListBackups lists artifacts stored on the server, newest first.
func (c *Client) ListBackups(ctx context.Context) ([]BackupFile, error) {
	var resp struct {
		Backups []BackupFile `json:"backups"`
	}
	if err := c.getJSON(ctx, "/api/backups", &resp); err != nil {
		return nil, err
	}
	return resp.Backups, nil
}

// DownloadBackup copies a stored artifact into w.
func (c *Client) DownloadBackup(ctx context.Context, filename string, w io.Writer) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/backups/"+url.PathEscape(filename), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return 0, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, decodeError(resp)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("download %s: %w", filename, err)
	}
	return n, nil
}

// SubmitRestore uploads (or names) an artifact and creates a restore job
// that waits for approval.
func (c *Client) SubmitRestore(ctx context.Context, r RestoreRequest) (*RestoreAccepted, error) {
	if (r.Path == "") == (r.Filename == "") {
		return nil, errors.New("exactly one of path or filename is required")
	}

	var file *os.File
	if r.Path != "" {
		f, err := os.Open(r.Path)
		if err != nil {
			return nil, fmt.Errorf("open backup: %w", err)
		}
		defer f.Close()
		file = f
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeRestoreForm(mw, r, file))
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/api/restores", pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out RestoreAccepted
	if err := c.do(c.stream, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func writeRestoreForm(mw *multipart.Writer, r RestoreRequest, file *os.File) error {
	fields := [][2]string{
		{"username", r.Username},
		{"password", r.Password},
		{"overwrite", strconv.FormatBool(r.Overwrite)},
		{"deps", r.Deps},
		{"filename", r.Filename},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}
	if file != nil {
		part, err := mw.CreateFormFile("file", filepath.Base(file.Name()))
		if err != nil {
			return err
		}
		if _, err := io.Copy(part, file); err != nil {
			return fmt.Errorf("upload %s: %w", file.Name(), err)
		}
	}
	return mw.Close()
}

// SchedulerStatus returns the cleanup scheduler state.
func (c *Client) SchedulerStatus(ctx context.Context) (*SchedulerStatus, error) {
	var st SchedulerStatus
	if err := c.getJSON(ctx, "/api/scheduler/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// TriggerCleanup runs a cleanup sweep now.
func (c *Client) TriggerCleanup(ctx context.Context) (*SweepReport, error) {
	var report SweepReport
	if err := c.postJSON(ctx, "/api/scheduler/cleanup", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}
