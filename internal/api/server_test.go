package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/raphaelgruber/graphkeeper/internal/api"
	"github.com/raphaelgruber/graphkeeper/internal/backup"
	"github.com/raphaelgruber/graphkeeper/internal/checkpoint"
	"github.com/raphaelgruber/graphkeeper/internal/extract"
	"github.com/raphaelgruber/graphkeeper/internal/graph"
	"github.com/raphaelgruber/graphkeeper/internal/graph/graphtest"
	"github.com/raphaelgruber/graphkeeper/internal/jobs"
	"github.com/raphaelgruber/graphkeeper/internal/metrics"
	"github.com/raphaelgruber/graphkeeper/internal/models"
	"github.com/raphaelgruber/graphkeeper/internal/restore"
	"github.com/raphaelgruber/graphkeeper/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	adminUser = "admin"
	adminPass = "s3cret"
)

type fixture struct {
	graph     *graph.MemoryStore
	store     *jobs.Store
	manager   *jobs.Manager
	uploadDir string
	handler   http.Handler
}

func newFixture(t *testing.T, ping func(context.Context) error) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	g := graph.NewMemoryStore()
	pub := jobs.NewPublisher(64, logger)
	store := jobs.NewStore(jobs.NewMemoryRepository(), pub, jobs.WithLogger(logger))
	cps := checkpoint.NewManager(g, checkpoint.NewMemoryRepository(), logger)
	locks := checkpoint.NewLocks()
	collector := metrics.NewCollector()

	local, err := backup.NewLocalDestination(t.TempDir())
	require.NoError(t, err)
	backups := backup.NewOrchestrator(g, local, nil, logger)
	restores := restore.NewOrchestrator(g, cps, 0, logger)
	store.OnTerminal(restores.ReleaseArtifact)
	extractions := extract.New(g, logger)

	m := jobs.NewManager(store, jobs.ManagerConfig{Workers: 1}, locks, collector, logger)
	m.Register(jobs.KindBackup, backups)
	m.Register(jobs.KindRestore, restores)
	m.Register(jobs.KindExtraction, extractions)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop(context.Background()) })

	sched := scheduler.New(scheduler.DefaultConfig(), store, cps, logger,
		scheduler.WithObserver(collector), scheduler.WithScopeGuard(locks))

	hash, err := bcrypt.GenerateFromPassword([]byte(adminPass), bcrypt.MinCost)
	require.NoError(t, err)

	uploads := t.TempDir()
	srv, err := api.New(api.Deps{
		Jobs:        m,
		Events:      pub,
		Backups:     backups,
		Restores:    restores,
		Scheduler:   sched,
		Extractions: extractions,
		Auth:        api.NewPasswordAuth(adminUser, string(hash)),
		Ping:        ping,
		Metrics:     collector.Registry(),
		UploadDir:   uploads,
		Heartbeat:   50 * time.Millisecond,
	}, logger)
	require.NoError(t, err)

	return &fixture{graph: g, store: store, manager: m, uploadDir: uploads, handler: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func (f *fixture) postJSON(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(t, http.MethodPost, path, strings.NewReader(body), "application/json")
}

func (f *fixture) waitTerminal(t *testing.T, id string) jobs.Job {
	t.Helper()
	var job jobs.Job
	require.Eventually(t, func() bool {
		w := f.do(t, http.MethodGet, "/api/jobs/"+id, nil, "")
		if w.Code != http.StatusOK {
			return false
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
		return job.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// artifact encodes snap as a JSON backup of ontology.
func artifact(t *testing.T, ontology string, snap *models.Snapshot) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, backup.WriteArtifact(&buf, &backup.Artifact{
		Manifest: models.BackupManifest{
			Version:      models.ManifestVersion,
			BackupType:   models.BackupOntology,
			OntologyName: ontology,
			Format:       models.FormatJSON,
			CreatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			Stats:        snap.Stats(),
		},
		Graph: snap,
	}))
	return buf.Bytes()
}

func restoreForm(t *testing.T, fields map[string]string, filename string, content []byte) (io.Reader, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func (f *fixture) submitRestore(t *testing.T, fields map[string]string, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := restoreForm(t, fields, filename, content)
	return f.do(t, http.MethodPost, "/api/restores", body, ct)
}

func credentials(extra map[string]string) map[string]string {
	fields := map[string]string{"username": adminUser, "password": adminPass}
	for k, v := range extra {
		fields[k] = v
	}
	return fields
}

func uploads(t *testing.T, dir string) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return entries
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	down := newFixture(t, func(context.Context) error { return errors.New("connection refused") })
	w = down.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestBackupLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, graphtest.Load(context.Background(), f.graph, graphtest.Ontology("bio", 3, 2)))

	w := f.postJSON(t, "/api/backups", `{"backup_type":"ontology","ontology_name":"bio","format":"archive","filename":"nightly"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	accepted := decode[api.JobAccepted](t, w)
	require.NotEmpty(t, accepted.JobID)

	job := f.waitTerminal(t, accepted.JobID)
	require.Equal(t, jobs.StatusCompleted, job.Status, job.Error)
	assert.Equal(t, "nightly.tar.gz", job.Result["filename"])

	w = f.do(t, http.MethodGet, "/api/backups", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[api.BackupList](t, w)
	require.Len(t, list.Backups, 1)
	assert.Equal(t, "nightly.tar.gz", list.Backups[0].Filename)
	assert.Equal(t, models.FormatArchive, list.Backups[0].Format)

	w = f.do(t, http.MethodGet, "/api/backups/nightly.tar.gz", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, list.Backups[0].Size, int64(w.Body.Len()))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "nightly.tar.gz")

	w = f.do(t, http.MethodGet, "/api/backups/missing.json", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBackupRejections(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"malformed json", `{`, http.StatusBadRequest, api.CodeValidation},
		{"missing format", `{"backup_type":"full"}`, http.StatusBadRequest, api.CodeValidation},
		{"unknown format", `{"backup_type":"full","format":"zip"}`, http.StatusBadRequest, api.CodeValidation},
		{"ontology without name", `{"backup_type":"ontology","format":"json"}`, http.StatusBadRequest, api.CodeValidation},
		{"unknown ontology", `{"backup_type":"ontology","ontology_name":"nope","format":"json"}`, http.StatusNotFound, api.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.postJSON(t, "/api/backups", tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decode[api.ErrorResponse](t, w).Code)
		})
	}
}

func TestExtraction(t *testing.T) {
	f := newFixture(t, nil)

	body := `{"ontology":"bio","documents":[{"name":"cell.md","content":"# Cell\n\nHolds [[DNA]] and [[Membrane]]."}]}`
	w := f.postJSON(t, "/api/extractions", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	accepted := decode[api.JobAccepted](t, w)
	assert.Equal(t, jobs.StatusPending, accepted.Status)

	job := f.waitTerminal(t, accepted.JobID)
	require.Equal(t, jobs.StatusCompleted, job.Status, job.Error)
	assert.Equal(t, jobs.KindExtraction, job.Kind)
	assert.EqualValues(t, 3, job.Result["concepts"])

	stats, err := f.graph.Stats(context.Background(), models.OntologyScope("bio"))
	require.NoError(t, err)
	assert.Equal(t, models.GraphStats{Concepts: 3, Sources: 1, Instances: 2, Relationships: 2}, stats)
}

func TestExtractionRejections(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"ontology":`},
		{"missing ontology", `{"documents":[{"name":"a.md","content":"x"}]}`},
		{"no documents", `{"ontology":"bio","documents":[]}`},
		{"empty document", `{"ontology":"bio","documents":[{"name":"a.md","content":""}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.postJSON(t, "/api/extractions", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, api.CodeValidation, decode[api.ErrorResponse](t, w).Code)
		})
	}
}

func TestRestoreFlow(t *testing.T) {
	f := newFixture(t, nil)
	data := artifact(t, "bio", graphtest.Ontology("bio", 4, 2))

	w := f.submitRestore(t, credentials(map[string]string{"deps": "stitch"}), "bio.json", data)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	accepted := decode[api.RestoreAccepted](t, w)
	assert.Equal(t, jobs.StatusAwaitingApproval, accepted.Status)
	assert.Equal(t, models.GraphStats{Concepts: 4, Sources: 2, Instances: 2, Relationships: 3}, accepted.BackupStats)
	assert.Empty(t, accepted.IntegrityWarnings)
	assert.Equal(t, models.OntologyScope("bio"), accepted.Scope)
	assert.Len(t, uploads(t, f.uploadDir), 1)

	// Nothing touches the graph before approval.
	ok, err := f.graph.OntologyExists(context.Background(), "bio")
	require.NoError(t, err)
	assert.False(t, ok)

	// A second restore over the same scope waits for the lock.
	w = f.submitRestore(t, credentials(nil), "bio.json", data)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, api.CodeScopeBusy, decode[api.ErrorResponse](t, w).Code)
	assert.Len(t, uploads(t, f.uploadDir), 1, "rejected upload is removed")

	w = f.postJSON(t, "/api/jobs/"+accepted.JobID+"/approve", `{"actor":"alice"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	job := f.waitTerminal(t, accepted.JobID)
	require.Equal(t, jobs.StatusCompleted, job.Status, job.Error)
	assert.Equal(t, "stitch", job.Result["dependency_action"])
	assert.Equal(t, false, job.Result["checkpoint_created"])
	assert.Empty(t, uploads(t, f.uploadDir))

	stats, err := f.graph.Stats(context.Background(), models.OntologyScope("bio"))
	require.NoError(t, err)
	assert.Equal(t, accepted.BackupStats, stats)

	w = f.submitRestore(t, credentials(nil), "bio.json", data)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, api.CodeOntologyExists, decode[api.ErrorResponse](t, w).Code)

	w = f.submitRestore(t, credentials(map[string]string{"overwrite": "true"}), "bio.json", data)
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
}

func TestRestoreRejections(t *testing.T) {
	f := newFixture(t, nil)
	data := artifact(t, "bio", graphtest.Ontology("bio", 2, 1))

	tests := []struct {
		name     string
		fields   map[string]string
		filename string
		content  []byte
		status   int
		code     string
	}{
		{"wrong password", map[string]string{"username": adminUser, "password": "guess"}, "bio.json", data, http.StatusUnauthorized, api.CodeUnauthorized},
		{"unknown user", map[string]string{"username": "mallory", "password": adminPass}, "bio.json", data, http.StatusUnauthorized, api.CodeUnauthorized},
		{"no artifact", credentials(nil), "", nil, http.StatusBadRequest, api.CodeValidation},
		{"bad deps", credentials(map[string]string{"deps": "merge"}), "bio.json", data, http.StatusBadRequest, api.CodeValidation},
		{"gexf", credentials(nil), "bio.gexf", []byte("<gexf/>"), http.StatusBadRequest, api.CodeValidation},
		{"unknown extension", credentials(nil), "bio.zip", data, http.StatusBadRequest, api.CodeValidation},
		{"corrupt archive", credentials(nil), "bio.tar.gz", []byte("not gzip"), http.StatusBadRequest, api.CodeValidation},
		{"missing stored backup", credentials(map[string]string{"filename": "gone.json"}), "", nil, http.StatusBadRequest, api.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.submitRestore(t, tt.fields, tt.filename, tt.content)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decode[api.ErrorResponse](t, w).Code)
			assert.Empty(t, uploads(t, f.uploadDir))
		})
	}
}

func TestRestoreFromStoredBackup(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, graphtest.Load(context.Background(), f.graph, graphtest.Ontology("bio", 2, 1)))

	w := f.postJSON(t, "/api/backups", `{"backup_type":"ontology","ontology_name":"bio","format":"json","filename":"bio"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	job := f.waitTerminal(t, decode[api.JobAccepted](t, w).JobID)
	require.Equal(t, jobs.StatusCompleted, job.Status)

	w = f.submitRestore(t, credentials(map[string]string{"filename": "bio.json", "overwrite": "true"}), "", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	accepted := decode[api.RestoreAccepted](t, w)

	w = f.postJSON(t, "/api/jobs/"+accepted.JobID+"/approve", "")
	require.Equal(t, http.StatusOK, w.Code)
	job = f.waitTerminal(t, accepted.JobID)
	assert.Equal(t, jobs.StatusCompleted, job.Status, job.Error)

	// Stored backups survive restores made from them.
	w = f.do(t, http.MethodGet, "/api/backups/bio.json", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestJobsEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	data := artifact(t, "bio", graphtest.Ontology("bio", 2, 1))

	w := f.submitRestore(t, credentials(nil), "bio.json", data)
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode[api.RestoreAccepted](t, w).JobID

	w = f.do(t, http.MethodGet, "/api/jobs?status=awaiting_approval&kind=restore", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[api.JobList](t, w)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, id, list.Jobs[0].ID)

	w = f.do(t, http.MethodGet, "/api/jobs?kind=backup", nil, "")
	assert.Equal(t, 0, decode[api.JobList](t, w).Count)

	for _, q := range []string{"status=done", "kind=import", "limit=-1", "limit=x"} {
		w = f.do(t, http.MethodGet, "/api/jobs?"+q, nil, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}

	w = f.do(t, http.MethodGet, "/api/jobs/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, api.CodeNotFound, decode[api.ErrorResponse](t, w).Code)

	w = f.postJSON(t, "/api/jobs/"+id+"/cancel", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	job := decode[jobs.Job](t, w)
	assert.Equal(t, jobs.StatusCancelled, job.Status)
	assert.Equal(t, jobs.CodeCancelledByUser, job.ErrorCode)
	assert.Empty(t, uploads(t, f.uploadDir))

	w = f.postJSON(t, "/api/jobs/"+id+"/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	w = f.postJSON(t, "/api/jobs/"+id+"/approve", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, api.CodeInvalidTransition, decode[api.ErrorResponse](t, w).Code)
}

type sseEvent struct {
	id, event, data string
}

// readEvents parses an SSE body until EOF. Comment lines are counted.
func readEvents(r io.Reader, out chan<- sseEvent) (comments int) {
	defer close(out)
	var ev sseEvent
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if ev.event != "" {
				out <- ev
			}
			ev = sseEvent{}
		case strings.HasPrefix(line, ":"):
			comments++
		case strings.HasPrefix(line, "id:"):
			ev.id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "event:"):
			ev.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			ev.data += strings.TrimPrefix(line, "data:")
		}
	}
	return comments
}

func TestJobEventsStream(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	data := artifact(t, "bio", graphtest.Ontology("bio", 5, 2))
	w := f.submitRestore(t, credentials(nil), "bio.json", data)
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode[api.RestoreAccepted](t, w).JobID

	resp, err := http.Get(ts.URL + "/api/jobs/" + id + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan sseEvent, 64)
	comments := make(chan int, 1)
	go func() { comments <- readEvents(resp.Body, events) }()

	first := <-events
	assert.Equal(t, "progress", first.event)
	var initial jobs.Job
	require.NoError(t, json.Unmarshal([]byte(first.data), &initial))
	assert.Equal(t, jobs.StatusAwaitingApproval, initial.Status)

	// Let at least one heartbeat through before approving.
	time.Sleep(120 * time.Millisecond)
	_, err = f.manager.Approve(context.Background(), id, "alice")
	require.NoError(t, err)

	var (
		last    jobs.Job
		lastSeq = initial.Seq
		final   sseEvent
	)
	for ev := range events {
		require.NoError(t, json.Unmarshal([]byte(ev.data), &last))
		assert.Greater(t, last.Seq, lastSeq, "events arrive in order without duplicates")
		lastSeq = last.Seq
		final = ev
	}
	assert.Equal(t, "completed", final.event)
	assert.Equal(t, jobs.StatusCompleted, last.Status)
	assert.GreaterOrEqual(t, <-comments, 1)
}

func TestJobEventsForFinishedJob(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	w := f.postJSON(t, "/api/backups", `{"backup_type":"full","format":"json"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode[api.JobAccepted](t, w).JobID
	f.waitTerminal(t, id)

	resp, err := http.Get(ts.URL + "/api/jobs/" + id + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	events := make(chan sseEvent, 8)
	readEvents(resp.Body, events)
	var got []sseEvent
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	assert.Equal(t, "completed", got[0].event)

	resp404, err := http.Get(ts.URL + "/api/jobs/nope/events")
	require.NoError(t, err)
	resp404.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp404.StatusCode)
}

func TestSchedulerEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/api/scheduler/status", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[scheduler.Status](t, w)
	assert.False(t, st.Running)
	assert.Equal(t, "5m0s", st.Config.CleanupInterval)
	assert.Nil(t, st.Stats.LastCleanup)

	w = f.postJSON(t, "/api/scheduler/cleanup", "")
	require.Equal(t, http.StatusOK, w.Code)
	report := decode[scheduler.SweepReport](t, w)
	assert.Equal(t, "manual", report.Trigger)
	assert.Empty(t, report.Errors)

	w = f.do(t, http.MethodGet, "/api/scheduler/status", nil, "")
	st = decode[scheduler.Status](t, w)
	assert.NotNil(t, st.Stats.LastCleanup)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.postJSON(t, "/api/scheduler/cleanup", "")

	w := f.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `graphkeeper_cleanup_runs_total{result="ok",trigger="manual"} 1`)
}
