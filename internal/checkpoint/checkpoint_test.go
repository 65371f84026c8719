package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/raphaelgruber/graphkeeper/internal/graph"
	"github.com/raphaelgruber/graphkeeper/internal/graph/graphtest"
	"github.com/raphaelgruber/graphkeeper/internal/jobs"
	"github.com/raphaelgruber/graphkeeper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func repositories(t *testing.T) map[string]Repository {
	fileRepo, err := NewFileRepository(t.TempDir())
	require.NoError(t, err)
	return map[string]Repository{
		"memory": NewMemoryRepository(),
		"file":   fileRepo,
	}
}

func TestCheckpointLifecycle(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			g := graph.NewMemoryStore()
			require.NoError(t, graphtest.Load(ctx, g, graphtest.Ontology("bio", 4, 2)))
			require.NoError(t, graphtest.Load(ctx, g, graphtest.Ontology("chem", 2, 1)))
			m := NewManager(g, repo, quietLogger())

			before, err := g.Export(ctx, models.FullScope())
			require.NoError(t, err)

			cp, err := m.Create(ctx, "job-1", models.OntologyScope("bio"))
			require.NoError(t, err)
			assert.Equal(t, models.GraphStats{Concepts: 4, Sources: 2, Instances: 2, Relationships: 3}, cp.Stats)

			owned, err := m.ForJob(ctx, "job-1")
			require.NoError(t, err)
			require.Len(t, owned, 1)
			assert.Equal(t, cp.ID, owned[0].ID)

			// Clobber bio and touch nothing else.
			require.NoError(t, g.ReplaceScope(ctx, models.OntologyScope("bio"), graphtest.Nodes("bio", 1, 0)))
			require.NoError(t, m.Rollback(ctx, cp.ID))

			after, err := g.Export(ctx, models.FullScope())
			require.NoError(t, err)
			assert.Equal(t, before, after)

			require.NoError(t, m.Delete(ctx, cp.ID))
			all, err := m.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, all)
			assert.ErrorIs(t, m.Delete(ctx, cp.ID), ErrNotFound)
			assert.ErrorIs(t, m.Rollback(ctx, cp.ID), ErrNotFound)
		})
	}
}

func TestFileRepositoryPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	g := graph.NewMemoryStore()
	require.NoError(t, graphtest.Load(ctx, g, graphtest.Ontology("bio", 2, 1)))

	repo, err := NewFileRepository(dir)
	require.NoError(t, err)
	cp, err := NewManager(g, repo, quietLogger()).Create(ctx, "job-9", models.FullScope())
	require.NoError(t, err)

	reopened, err := NewFileRepository(dir)
	require.NoError(t, err)
	list, err := reopened.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, cp.ID, list[0].ID)
	assert.Equal(t, "job-9", list[0].OwningJobID)

	snap, err := reopened.Load(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Stats().Concepts)
	assert.Equal(t, "# Document 0\n\nText about bio.", snap.Sources[0].Content)
}

type brokenGraph struct {
	*graph.MemoryStore
}

func (brokenGraph) ReplaceScope(context.Context, models.Scope, *models.Snapshot) error {
	return errors.New("connection reset")
}

func TestRollbackFailureKeepsCheckpoint(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	m := NewManager(brokenGraph{graph.NewMemoryStore()}, repo, quietLogger())

	cp, err := m.Create(ctx, "job-1", models.FullScope())
	require.NoError(t, err)
	require.Error(t, m.Rollback(ctx, cp.ID))

	_, err = repo.Get(ctx, cp.ID)
	assert.NoError(t, err)
}

func TestLocks(t *testing.T) {
	l := NewLocks()

	require.NoError(t, l.Reserve(models.OntologyScope("bio"), "a"))
	require.NoError(t, l.Reserve(models.OntologyScope("bio"), "a"), "re-reserving your own scope is fine")
	require.NoError(t, l.Reserve(models.OntologyScope("chem"), "b"))

	assert.ErrorIs(t, l.Reserve(models.OntologyScope("bio"), "c"), jobs.ErrScopeBusy)
	assert.ErrorIs(t, l.Reserve(models.FullScope(), "c"), jobs.ErrScopeBusy)

	l.Release("a")
	l.Release("b")
	require.NoError(t, l.Reserve(models.FullScope(), "c"))
	assert.ErrorIs(t, l.Reserve(models.OntologyScope("physics"), "d"), jobs.ErrScopeBusy)
	assert.Len(t, l.Held(), 1)
}

func TestLocksConcurrentReserve(t *testing.T) {
	l := NewLocks()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("job-%d", i)
			if err := l.Reserve(models.OntologyScope("bio"), id); err == nil {
				mu.Lock()
				winners = append(winners, id)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, winners, 1)
}

func TestCheckClear(t *testing.T) {
	ctx := context.Background()
	m := NewManager(graph.NewMemoryStore(), NewMemoryRepository(), quietLogger())
	_, err := m.Create(ctx, "job-1", models.OntologyScope("bio"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		scope   models.Scope
		jobID   string
		wantErr bool
	}{
		{"same ontology", models.OntologyScope("bio"), "job-2", true},
		{"full graph", models.FullScope(), "job-2", true},
		{"other ontology", models.OntologyScope("chem"), "job-2", false},
		{"owner itself", models.OntologyScope("bio"), "job-1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.CheckClear(ctx, tt.scope, tt.jobID)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrPendingCheckpoint)
			assert.ErrorIs(t, err, jobs.ErrScopeBusy)
			assert.Contains(t, err.Error(), "job-1")
		})
	}
}
