//go:build integration

package db

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/raphaelgruber/graphkeeper/internal/jobs"
	"github.com/raphaelgruber/graphkeeper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobRepositoryRoundTrip(t *testing.T) {
	repo := NewJobRepository(freshDB(t))
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	job := jobs.Job{
		ID:        "job-1",
		Kind:      jobs.KindRestore,
		Status:    jobs.StatusRunning,
		Scope:     models.OntologyScope("bio"),
		Request:   map[string]any{"deps": "stitch", "overwrite": true},
		Progress:  jobs.Progress{Stage: jobs.StageRestoringConcepts, ItemsProcessed: 40, ItemsTotal: 100, Message: "40/100"},
		Seq:       7,
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		UpdatedAt: started,
		StartedAt: &started,
	}
	require.NoError(t, repo.Insert(ctx, job))
	assert.ErrorIs(t, repo.Insert(ctx, job), ErrRecordExists)

	got, err := repo.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.Kind, got.Kind)
	assert.Equal(t, job.Status, got.Status)
	assert.Equal(t, job.Scope, got.Scope)
	assert.Equal(t, job.Request, got.Request)
	assert.Equal(t, job.Progress, got.Progress)
	assert.Equal(t, job.Seq, got.Seq)
	assert.True(t, job.CreatedAt.Equal(got.CreatedAt))
	require.NotNil(t, got.StartedAt)
	assert.True(t, started.Equal(*got.StartedAt))
	assert.Nil(t, got.CompletedAt)

	done := started.Add(time.Minute)
	job.Status = jobs.StatusCompleted
	job.Result = map[string]any{"restore_stats": map[string]any{"concepts": float64(10)}}
	job.CompletedAt = &done
	job.UpdatedAt = done
	require.NoError(t, repo.Save(ctx, job))

	got, err = repo.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
	assert.Equal(t, job.Result, got.Result)

	require.NoError(t, repo.Delete(ctx, "job-1"))
	_, err = repo.Get(ctx, "job-1")
	assert.ErrorIs(t, err, jobs.ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, "job-1"), jobs.ErrNotFound)
}

func TestJobRepositoryList(t *testing.T) {
	repo := NewJobRepository(freshDB(t))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, st := range []jobs.Status{jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusPending} {
		require.NoError(t, repo.Insert(ctx, jobs.Job{
			ID:        []string{"a", "b", "c"}[i],
			Kind:      jobs.KindBackup,
			Status:    st,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := repo.List(ctx, jobs.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID, "newest first")

	done, err := repo.List(ctx, jobs.Filter{Statuses: []jobs.Status{jobs.StatusCompleted, jobs.StatusFailed}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "b", done[0].ID)

	none, err := repo.List(ctx, jobs.Filter{Kinds: []jobs.Kind{jobs.KindRestore}})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestJobStoreOnSurreal(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := jobs.NewStore(NewJobRepository(freshDB(t)), jobs.NewPublisher(8, logger), jobs.WithLogger(logger))
	ctx := context.Background()

	job, err := store.Create(ctx, jobs.CreateParams{Kind: jobs.KindBackup, Scope: models.FullScope()})
	require.NoError(t, err)
	_, err = store.Transition(ctx, job.ID, jobs.StatusRunning, jobs.Outcome{})
	require.NoError(t, err)
	require.NoError(t, store.UpdateProgress(ctx, job.ID, jobs.StageCollectingGraph, 1, 2, "collecting"))
	_, err = store.Transition(ctx, job.ID, jobs.StatusCompleted, jobs.Outcome{Result: map[string]any{"filename": "full.tar.gz"}})
	require.NoError(t, err)

	reloaded := jobs.NewStore(NewJobRepository(testDB), jobs.NewPublisher(8, logger), jobs.WithLogger(logger))
	got, err := reloaded.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
	assert.Equal(t, "full.tar.gz", got.Result["filename"])
	assert.NotNil(t, got.CompletedAt)
}
