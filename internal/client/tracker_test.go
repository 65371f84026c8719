package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/graphkeeper/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer scripts the job endpoints. GET returns polls in order and
// repeats the last one; events runs stream.
type fakeServer struct {
	mu        sync.Mutex
	polls     []jobs.Job
	pollCount int
	getStatus int
	stream    func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/jobs/job-1/events":
		if f.stream == nil {
			writeAPIError(w, http.StatusServiceUnavailable, "no streams", "internal")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		f.stream(w, r)
	case "/api/jobs/job-1":
		f.mu.Lock()
		defer f.mu.Unlock()
		f.pollCount++
		if f.getStatus != 0 {
			writeAPIError(w, f.getStatus, "unavailable", "internal")
			return
		}
		if len(f.polls) == 0 {
			writeAPIError(w, http.StatusNotFound, "job not found", "not_found")
			return
		}
		job := f.polls[0]
		if len(f.polls) > 1 {
			f.polls = f.polls[1:]
		}
		_ = json.NewEncoder(w).Encode(job)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeServer) polled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pollCount
}

func writeAPIError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}

func writeEvent(w http.ResponseWriter, job jobs.Job) {
	b, _ := json.Marshal(job)
	fmt.Fprintf(w, "event:%s\nid:%d\ndata:%s\n\n", jobs.EventFor(job).Type, job.Seq, b)
	w.(http.Flusher).Flush()
}

func jobAt(seq int64, status jobs.Status) jobs.Job {
	job := jobs.Job{ID: "job-1", Kind: jobs.KindRestore, Status: status, Seq: seq}
	switch status {
	case jobs.StatusCompleted:
		job.Result = map[string]any{"checkpoint_created": false}
	case jobs.StatusFailed, jobs.StatusCancelled:
		job.Error = "boom"
	}
	return job
}

func newTracker(t *testing.T, f *fakeServer, opts ...TrackerOption) *Tracker {
	t.Helper()
	ts := httptest.NewServer(f)
	t.Cleanup(ts.Close)
	base := []TrackerOption{
		WithPollInterval(5 * time.Millisecond),
		WithWatchdogInterval(time.Hour),
		WithTrackerLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return NewTracker(New(ts.URL), append(base, opts...)...)
}

func collect(t *testing.T, ch <-chan Update) []Update {
	t.Helper()
	var out []Update
	timeout := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, u)
		case <-timeout:
			t.Fatal("tracker did not settle")
		}
	}
}

func seqs(updates []Update) []int64 {
	out := make([]int64, len(updates))
	for i, u := range updates {
		out[i] = u.Job.Seq
	}
	return out
}

func sources(updates []Update) []string {
	out := make([]string, len(updates))
	for i, u := range updates {
		out[i] = u.Source
	}
	return out
}

func assertSettledOnce(t *testing.T, updates []Update) {
	t.Helper()
	require.NotEmpty(t, updates)
	for _, u := range updates[:len(updates)-1] {
		assert.False(t, u.Terminal, "only the last update may be terminal")
	}
	assert.True(t, updates[len(updates)-1].Terminal)
}

func TestTrackerFollowsStream(t *testing.T) {
	f := &fakeServer{
		polls: []jobs.Job{jobAt(3, jobs.StatusCompleted)},
		stream: func(w http.ResponseWriter, r *http.Request) {
			writeEvent(w, jobAt(1, jobs.StatusRunning))
			writeEvent(w, jobAt(2, jobs.StatusRunning))
			writeEvent(w, jobAt(3, jobs.StatusCompleted))
		},
	}
	updates := collect(t, newTracker(t, f).Track(context.Background(), "job-1"))

	assert.Equal(t, []int64{1, 2, 3}, seqs(updates))
	assert.Equal(t, []string{"sse", "sse", "sse"}, sources(updates))
	assertSettledOnce(t, updates)
}

func TestTrackerFallsBackWhenStreamUnavailable(t *testing.T) {
	f := &fakeServer{polls: []jobs.Job{
		jobAt(1, jobs.StatusRunning),
		jobAt(2, jobs.StatusRunning),
		jobAt(2, jobs.StatusRunning),
		jobAt(3, jobs.StatusCompleted),
	}}
	updates := collect(t, newTracker(t, f).Track(context.Background(), "job-1"))

	assert.Equal(t, []int64{1, 2, 3}, seqs(updates), "repeated polls are deduplicated")
	assert.Equal(t, []string{"poll", "poll", "poll"}, sources(updates))
	assertSettledOnce(t, updates)
}

func TestTrackerFallsBackWhenStreamBreaks(t *testing.T) {
	f := &fakeServer{
		polls: []jobs.Job{
			jobAt(2, jobs.StatusRunning),
			jobAt(3, jobs.StatusRunning),
			jobAt(4, jobs.StatusFailed),
		},
		stream: func(w http.ResponseWriter, r *http.Request) {
			writeEvent(w, jobAt(1, jobs.StatusRunning))
			writeEvent(w, jobAt(2, jobs.StatusRunning))
		},
	}
	updates := collect(t, newTracker(t, f).Track(context.Background(), "job-1"))

	assert.Equal(t, []int64{1, 2, 3, 4}, seqs(updates))
	assert.Equal(t, []string{"sse", "sse", "poll", "poll"}, sources(updates))
	assertSettledOnce(t, updates)
	assert.Equal(t, jobs.StatusFailed, updates[3].Job.Status)
}

func TestTrackerWatchdogCatchesQuietStream(t *testing.T) {
	f := &fakeServer{
		polls: []jobs.Job{jobAt(1, jobs.StatusRunning), jobAt(2, jobs.StatusCompleted)},
		stream: func(w http.ResponseWriter, r *http.Request) {
			writeEvent(w, jobAt(1, jobs.StatusRunning))
			<-r.Context().Done()
		},
	}
	updates := collect(t, newTracker(t, f, WithWatchdogInterval(20*time.Millisecond)).Track(context.Background(), "job-1"))

	assert.Equal(t, []int64{1, 2}, seqs(updates))
	assert.Equal(t, "poll", updates[1].Source)
	assertSettledOnce(t, updates)
}

func TestTrackerSettlesOnceWhenBothTransportsFinish(t *testing.T) {
	for range 20 {
		f := &fakeServer{
			polls: []jobs.Job{jobAt(2, jobs.StatusCompleted)},
			stream: func(w http.ResponseWriter, r *http.Request) {
				writeEvent(w, jobAt(1, jobs.StatusRunning))
				time.Sleep(2 * time.Millisecond)
				writeEvent(w, jobAt(2, jobs.StatusCompleted))
			},
		}
		updates := collect(t, newTracker(t, f, WithWatchdogInterval(time.Millisecond)).Track(context.Background(), "job-1"))
		assertSettledOnce(t, updates)
		assert.Equal(t, int64(2), updates[len(updates)-1].Job.Seq)
	}
}

func TestTrackerJobNotFound(t *testing.T) {
	f := &fakeServer{}
	updates := collect(t, newTracker(t, f).Track(context.Background(), "job-1"))

	require.Len(t, updates, 1)
	assert.True(t, updates[0].Terminal)
	assert.True(t, IsNotFound(updates[0].Err))
}

func TestTrackerGivesUpAfterRepeatedPollFailures(t *testing.T) {
	f := &fakeServer{getStatus: http.StatusBadGateway}
	updates := collect(t, newTracker(t, f, WithMaxPollFailures(3)).Track(context.Background(), "job-1"))

	require.Len(t, updates, 1)
	assert.ErrorContains(t, updates[0].Err, "after 3 failed polls")
	assert.Equal(t, 3, f.polled())
}

func TestTrackerPollingOnly(t *testing.T) {
	streamed := false
	f := &fakeServer{
		polls: []jobs.Job{jobAt(7, jobs.StatusCompleted)},
		stream: func(w http.ResponseWriter, r *http.Request) {
			streamed = true
		},
	}
	updates := collect(t, newTracker(t, f, WithPollingOnly()).Track(context.Background(), "job-1"))

	assert.Equal(t, []int64{7}, seqs(updates))
	assert.False(t, streamed)
}

func TestTrackerStopsOnCancel(t *testing.T) {
	f := &fakeServer{
		polls: []jobs.Job{jobAt(1, jobs.StatusRunning)},
		stream: func(w http.ResponseWriter, r *http.Request) {
			writeEvent(w, jobAt(1, jobs.StatusRunning))
			<-r.Context().Done()
		},
	}
	tr := newTracker(t, f)
	ctx, cancel := context.WithCancel(context.Background())
	ch := tr.Track(ctx, "job-1")

	first := <-ch
	assert.Equal(t, int64(1), first.Job.Seq)
	cancel()

	rest := collect(t, ch)
	assert.Empty(t, rest)
}

func TestWait(t *testing.T) {
	const stored = "restore failed at restoring_concepts: disk full; rolled back to checkpoint — no data loss"

	tests := []struct {
		name    string
		final   jobs.Job
		wantErr string
		code    jobs.ErrorCode
	}{
		{name: "completed", final: jobAt(2, jobs.StatusCompleted)},
		{
			name:    "failed",
			final:   jobs.Job{ID: "job-1", Status: jobs.StatusFailed, Seq: 2, Error: stored, ErrorCode: jobs.CodeRolledBack},
			wantErr: stored,
			code:    jobs.CodeRolledBack,
		},
		{
			name:    "cancelled",
			final:   jobs.Job{ID: "job-1", Status: jobs.StatusCancelled, Seq: 2, Error: "approval timed out after 10m0s", ErrorCode: jobs.CodeApprovalExpired},
			wantErr: "approval timed out after 10m0s",
			code:    jobs.CodeApprovalExpired,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeServer{polls: []jobs.Job{jobAt(1, jobs.StatusRunning), tt.final}}
			job, err := newTracker(t, f).Wait(context.Background(), "job-1")
			assert.Equal(t, tt.final.Status, job.Status)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error(), "stored error is surfaced verbatim")
			var failed *JobFailedError
			require.True(t, errors.As(err, &failed))
			assert.Equal(t, tt.code, failed.Code())
		})
	}
}

func TestWaitHonoursContext(t *testing.T) {
	f := &fakeServer{
		polls: []jobs.Job{jobAt(1, jobs.StatusRunning)},
		stream: func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newTracker(t, f).Wait(ctx, "job-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
