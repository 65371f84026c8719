package restore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/graphkeeper/internal/backup"
	"github.com/raphaelgruber/graphkeeper/internal/checkpoint"
	"github.com/raphaelgruber/graphkeeper/internal/graph"
	"github.com/raphaelgruber/graphkeeper/internal/graph/graphtest"
	"github.com/raphaelgruber/graphkeeper/internal/jobs"
	"github.com/raphaelgruber/graphkeeper/internal/models"
	"github.com/raphaelgruber/graphkeeper/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// faultyGraph fails writes of one entity kind after a number of
// successful batches, and optionally breaks rollback.
type faultyGraph struct {
	*graph.MemoryStore

	mu           sync.Mutex
	failOn       string
	failAfter    int
	calls        int
	rollbackFail bool
	block        chan struct{}
	blocked      chan struct{}
}

func (g *faultyGraph) hit(kind string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if kind != g.failOn {
		return nil
	}
	g.calls++
	if g.calls > g.failAfter {
		return errors.New("write timeout")
	}
	return nil
}

func (g *faultyGraph) UpsertConcepts(ctx context.Context, v []models.Concept) error {
	if err := g.hit("concepts"); err != nil {
		return err
	}
	return g.MemoryStore.UpsertConcepts(ctx, v)
}

func (g *faultyGraph) UpsertSources(ctx context.Context, v []models.Source) error {
	if g.block != nil {
		close(g.blocked)
		<-g.block
		g.block = nil
	}
	if err := g.hit("sources"); err != nil {
		return err
	}
	return g.MemoryStore.UpsertSources(ctx, v)
}

func (g *faultyGraph) UpsertInstances(ctx context.Context, v []models.Instance) error {
	if err := g.hit("instances"); err != nil {
		return err
	}
	return g.MemoryStore.UpsertInstances(ctx, v)
}

func (g *faultyGraph) UpsertRelationships(ctx context.Context, v []models.Relationship) error {
	if err := g.hit("relationships"); err != nil {
		return err
	}
	return g.MemoryStore.UpsertRelationships(ctx, v)
}

func (g *faultyGraph) ReplaceScope(ctx context.Context, scope models.Scope, snap *models.Snapshot) error {
	if g.rollbackFail {
		return errors.New("connection reset")
	}
	return g.MemoryStore.ReplaceScope(ctx, scope, snap)
}

type harness struct {
	graph       *faultyGraph
	orch        *Orchestrator
	store       *jobs.Store
	manager     *jobs.Manager
	checkpoints *checkpoint.Manager
	locks       *checkpoint.Locks
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := quietLogger()
	g := &faultyGraph{MemoryStore: graph.NewMemoryStore()}
	cps := checkpoint.NewManager(g, checkpoint.NewMemoryRepository(), logger)
	orch := NewOrchestrator(g, cps, 2, logger)

	store := jobs.NewStore(jobs.NewMemoryRepository(), jobs.NewPublisher(64, logger), jobs.WithLogger(logger))
	store.OnTerminal(orch.ReleaseArtifact)
	locks := checkpoint.NewLocks()
	m := jobs.NewManager(store, jobs.ManagerConfig{Workers: 1}, locks, nil, logger)
	m.Register(jobs.KindRestore, orch)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop(context.Background()) })

	return &harness{graph: g, orch: orch, store: store, manager: m, checkpoints: cps, locks: locks}
}

func (h *harness) submit(t *testing.T, req Request) jobs.Job {
	t.Helper()
	ctx := context.Background()
	prep, err := h.orch.Prepare(ctx, req)
	require.NoError(t, err)
	sub, err := h.orch.Submission(req, prep)
	require.NoError(t, err)
	job, err := h.manager.Submit(ctx, sub)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusAwaitingApproval, job.Status)
	return job
}

func (h *harness) wait(t *testing.T, id string) jobs.Job {
	t.Helper()
	var job jobs.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = h.store.Get(context.Background(), id)
		return err == nil && job.Status.IsTerminal()
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

func (h *harness) restore(t *testing.T, req Request) jobs.Job {
	t.Helper()
	job := h.submit(t, req)
	_, err := h.manager.Approve(context.Background(), job.ID, "alice")
	require.NoError(t, err)
	return h.wait(t, job.ID)
}

func (h *harness) assertNoCheckpoints(t *testing.T) {
	t.Helper()
	cps, err := h.checkpoints.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cps)
}

// writeBackup exports scope from src into an artifact file.
func writeBackup(t *testing.T, src graph.Store, scope models.Scope, format models.Format) string {
	t.Helper()
	ctx := context.Background()
	snap, err := src.Export(ctx, scope)
	require.NoError(t, err)

	manifest := models.BackupManifest{
		Version:    models.ManifestVersion,
		BackupType: models.BackupFull,
		Format:     format,
		CreatedAt:  time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
		Stats:      snap.Stats(),
	}
	if !scope.IsFull() {
		manifest.BackupType = models.BackupOntology
		manifest.OntologyName = scope.Ontology
	}
	path := filepath.Join(t.TempDir(), "backup"+format.Extension())
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, backup.WriteArtifact(f, &backup.Artifact{Manifest: manifest, Graph: snap}))
	return path
}

func sourceGraph(t *testing.T, snaps ...*models.Snapshot) *graph.MemoryStore {
	t.Helper()
	g := graph.NewMemoryStore()
	for _, s := range snaps {
		require.NoError(t, graphtest.Load(context.Background(), g, s))
	}
	return g
}

func result(t *testing.T, job jobs.Job) Result {
	t.Helper()
	var res Result
	require.NoError(t, jobs.FromMap(job.Result, &res))
	return res
}

func TestFullRoundTrip(t *testing.T) {
	for _, format := range []models.Format{models.FormatArchive, models.FormatJSON} {
		t.Run(string(format), func(t *testing.T) {
			src := sourceGraph(t, graphtest.Ontology("bio", 10, 3))
			path := writeBackup(t, src, models.FullScope(), format)

			h := newHarness(t)
			job := h.restore(t, Request{ArtifactPath: path, Deps: DepsPrune, Actor: "alice"})
			require.Equal(t, jobs.StatusCompleted, job.Status, job.Error)
			assert.Equal(t, jobs.StageCompleted, job.Progress.Stage)

			res := result(t, job)
			want := models.GraphStats{Concepts: 10, Sources: 3, Instances: 3, Relationships: 9}
			assert.Equal(t, want, res.RestoreStats)
			assert.Equal(t, want, res.BackupStats)
			assert.False(t, res.CheckpointCreated)
			assert.Equal(t, DepsPrune, res.DependencyAction)

			ctx := context.Background()
			before, err := src.Export(ctx, models.FullScope())
			require.NoError(t, err)
			after, err := h.graph.Export(ctx, models.FullScope())
			require.NoError(t, err)
			if format == models.FormatJSON {
				// JSON exports carry no document text.
				for i := range before.Sources {
					before.Sources[i].Content = ""
				}
			}
			assert.Equal(t, before, after)

			h.assertNoCheckpoints(t)
			assert.Eventually(t, func() bool { return len(h.locks.Held()) == 0 }, time.Second, 5*time.Millisecond)
		})
	}
}

// crossOntology builds bio (3 concepts) with an edge into chem.
func crossOntology(t *testing.T) *graph.MemoryStore {
	t.Helper()
	chem := &models.Snapshot{Concepts: []models.Concept{
		{ID: "chem-x", Ontology: "chem", Label: "Enzyme", EquivalenceKey: "enzyme"},
	}}
	src := sourceGraph(t, graphtest.Ontology("bio", 3, 1), chem)
	require.NoError(t, src.UpsertRelationships(context.Background(), []models.Relationship{
		graphtest.Link("bio-x", "bio", "bio-c2", "chem-x"),
	}))
	return src
}

func TestDependencyActions(t *testing.T) {
	ctx := context.Background()
	path := writeBackup(t, crossOntology(t), models.OntologyScope("bio"), models.FormatArchive)

	t.Run("prune", func(t *testing.T) {
		h := newHarness(t)
		job := h.restore(t, Request{ArtifactPath: path, Deps: DepsPrune})
		require.Equal(t, jobs.StatusCompleted, job.Status, job.Error)

		res := result(t, job)
		assert.Equal(t, DependencyReport{Pruned: 1}, res.Dependencies)
		assert.Equal(t, 2, res.RestoreStats.Relationships)
		assert.Equal(t, 3, res.BackupStats.Relationships)
	})

	t.Run("stitch", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.graph.UpsertConcepts(ctx, []models.Concept{
			{ID: "t-enzyme", Ontology: "chem", Label: "Enzyme", EquivalenceKey: "enzyme"},
		}))
		job := h.restore(t, Request{ArtifactPath: path, Deps: DepsStitch})
		require.Equal(t, jobs.StatusCompleted, job.Status, job.Error)

		assert.Equal(t, DependencyReport{Stitched: 1}, result(t, job).Dependencies)
		neighbors, err := h.graph.Neighbors(ctx, "bio-c2")
		require.NoError(t, err)
		var ids []string
		for _, c := range neighbors {
			ids = append(ids, c.ID)
		}
		assert.Contains(t, ids, "t-enzyme")
	})

	t.Run("defer", func(t *testing.T) {
		h := newHarness(t)
		job := h.restore(t, Request{ArtifactPath: path, Deps: DepsDefer})
		require.Equal(t, jobs.StatusCompleted, job.Status, job.Error)
		assert.Equal(t, DependencyReport{Deferred: 1}, result(t, job).Dependencies)

		snap, err := h.graph.Export(ctx, models.OntologyScope("bio"))
		require.NoError(t, err)
		var unresolved int
		for _, rel := range snap.Relationships {
			if rel.Unresolved {
				unresolved++
			}
		}
		assert.Equal(t, 1, unresolved)

		require.NoError(t, h.graph.UpsertConcepts(ctx, []models.Concept{{ID: "chem-x", Ontology: "chem", EquivalenceKey: "enzyme"}}))
		n, err := h.graph.ResolveDeferred(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestPrepare(t *testing.T) {
	ctx := context.Background()
	src := sourceGraph(t, graphtest.Ontology("bio", 2, 1))
	full := writeBackup(t, src, models.FullScope(), models.FormatJSON)
	bio := writeBackup(t, src, models.OntologyScope("bio"), models.FormatArchive)
	gexf := filepath.Join(t.TempDir(), "graph.gexf")
	require.NoError(t, os.WriteFile(gexf, []byte("<gexf/>"), 0o644))

	chem := sourceGraph(t, &models.Snapshot{Concepts: []models.Concept{{ID: "chem-c0", Ontology: "chem"}}})
	foreign := writeBackup(t, chem, models.OntologyScope("chem"), models.FormatJSON)

	h := newHarness(t)
	require.NoError(t, graphtest.Load(ctx, h.graph, graphtest.Ontology("bio", 1, 0)))
	require.NoError(t, h.graph.UpsertConcepts(ctx, []models.Concept{{ID: "chem-c0", Ontology: "physics"}}))

	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{"existing ontology", Request{ArtifactPath: bio, Deps: DepsPrune}, ErrOntologyExists},
		{"non-empty graph", Request{ArtifactPath: full, Deps: DepsPrune}, ErrGraphNotEmpty},
		{"foreign IDs", Request{ArtifactPath: foreign, Overwrite: true, Deps: DepsPrune}, ErrForeignEntities},
		{"visualization export", Request{ArtifactPath: gexf, Deps: DepsPrune}, backup.ErrFormatNotRestorable},
		{"missing file", Request{ArtifactPath: filepath.Join(t.TempDir(), "gone.json"), Deps: DepsPrune}, backup.ErrArtifactInvalid},
		{"merge ontology", Request{ArtifactPath: bio, Overwrite: true, Deps: DepsPrune}, nil},
		{"merge full", Request{ArtifactPath: full, Overwrite: true, Deps: DepsStitch}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prep, err := h.orch.Prepare(ctx, tt.req)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 2, prep.BackupStats.Concepts)
			assert.Empty(t, prep.IntegrityWarnings)
		})
	}

	t.Run("invalid dependency action", func(t *testing.T) {
		_, err := h.orch.Prepare(ctx, Request{ArtifactPath: bio, Deps: "ignore"})
		assert.Error(t, err)
	})
}

func TestRollbackRestoresGraphAtEveryStage(t *testing.T) {
	ctx := context.Background()
	src := sourceGraph(t, graphtest.Ontology("bio", 7, 4))
	path := writeBackup(t, src, models.OntologyScope("bio"), models.FormatArchive)

	for _, stage := range []string{"concepts", "sources", "instances", "relationships"} {
		t.Run(stage, func(t *testing.T) {
			h := newHarness(t)
			existing := graphtest.Ontology("bio", 3, 1)
			existing.Concepts[0].Label = "Original"
			require.NoError(t, graphtest.Load(ctx, h.graph, existing))
			require.NoError(t, graphtest.Load(ctx, h.graph, graphtest.Ontology("chem", 2, 1)))
			before, err := h.graph.Export(ctx, models.FullScope())
			require.NoError(t, err)

			h.graph.failOn = stage
			h.graph.failAfter = 1

			job := h.restore(t, Request{ArtifactPath: path, Overwrite: true, Deps: DepsPrune})
			require.Equal(t, jobs.StatusFailed, job.Status)
			assert.Equal(t, jobs.CodeRolledBack, job.ErrorCode)
			assert.Contains(t, job.Error, "restoring_"+stage)
			assert.Contains(t, job.Error, "no data loss")

			after, err := h.graph.Export(ctx, models.FullScope())
			require.NoError(t, err)
			assert.Equal(t, before, after)
			h.assertNoCheckpoints(t)
		})
	}
}

// sharedBackup writes a bio backup that also holds concept "shared".
func sharedBackup(t *testing.T) string {
	t.Helper()
	bio := graphtest.Ontology("bio", 3, 2)
	bio.Concepts = append(bio.Concepts, models.Concept{ID: "shared", Ontology: "bio", Label: "Shared"})
	return writeBackup(t, sourceGraph(t, bio), models.OntologyScope("bio"), models.FormatArchive)
}

func TestForeignEntitiesRejected(t *testing.T) {
	ctx := context.Background()
	path := sharedBackup(t)
	chem := models.Concept{ID: "shared", Ontology: "chem", Label: "Shared"}

	t.Run("at submission", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.graph.UpsertConcepts(ctx, []models.Concept{chem}))

		_, err := h.orch.Prepare(ctx, Request{ArtifactPath: path, Overwrite: true, Deps: DepsPrune})
		require.ErrorIs(t, err, ErrForeignEntities)
		assert.Contains(t, err.Error(), "concept shared (chem)")
	})

	t.Run("appearing after submission", func(t *testing.T) {
		h := newHarness(t)
		job := h.submit(t, Request{ArtifactPath: path, Deps: DepsPrune})

		require.NoError(t, h.graph.UpsertConcepts(ctx, []models.Concept{chem}))
		before, err := h.graph.Export(ctx, models.FullScope())
		require.NoError(t, err)
		h.graph.failOn = "sources"

		_, err = h.manager.Approve(ctx, job.ID, "alice")
		require.NoError(t, err)
		job = h.wait(t, job.ID)
		require.Equal(t, jobs.StatusFailed, job.Status)
		assert.Equal(t, jobs.CodeRolledBack, job.ErrorCode)
		assert.Contains(t, job.Error, jobs.StageLoadingBackup)
		assert.Contains(t, job.Error, "concept shared (chem)")

		after, err := h.graph.Export(ctx, models.FullScope())
		require.NoError(t, err)
		assert.Equal(t, before, after)
		c, err := h.graph.FindConcept(ctx, "shared", "")
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, "chem", c.Ontology)
		h.assertNoCheckpoints(t)
	})
}

func TestArtifactVanishingRollsBack(t *testing.T) {
	src := sourceGraph(t, graphtest.Ontology("bio", 2, 0))
	path := writeBackup(t, src, models.FullScope(), models.FormatJSON)

	h := newHarness(t)
	job := h.submit(t, Request{ArtifactPath: path, Deps: DepsPrune})
	require.NoError(t, os.Remove(path))
	_, err := h.manager.Approve(context.Background(), job.ID, "")
	require.NoError(t, err)

	job = h.wait(t, job.ID)
	require.Equal(t, jobs.StatusFailed, job.Status)
	assert.Equal(t, jobs.CodeRolledBack, job.ErrorCode)
	assert.Contains(t, job.Error, jobs.StageLoadingBackup)
	h.assertNoCheckpoints(t)
}

func TestRollbackFailureRetainsCheckpoint(t *testing.T) {
	src := sourceGraph(t, graphtest.Ontology("bio", 4, 0))
	path := writeBackup(t, src, models.FullScope(), models.FormatJSON)

	h := newHarness(t)
	h.graph.failOn = "concepts"
	h.graph.rollbackFail = true

	job := h.restore(t, Request{ArtifactPath: path, Deps: DepsPrune})
	require.Equal(t, jobs.StatusFailed, job.Status)
	assert.Equal(t, jobs.CodeRollbackFailed, job.ErrorCode)
	assert.Contains(t, job.Error, "ROLLBACK FAILED")

	cps, err := h.checkpoints.ForJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Contains(t, job.Error, cps[0].ID)
}

func TestCancelRunningRestoreRollsBack(t *testing.T) {
	ctx := context.Background()
	src := sourceGraph(t, graphtest.Ontology("bio", 4, 2))
	path := writeBackup(t, src, models.FullScope(), models.FormatArchive)

	h := newHarness(t)
	h.graph.block = make(chan struct{})
	h.graph.blocked = make(chan struct{})

	job := h.submit(t, Request{ArtifactPath: path, Deps: DepsPrune})
	_, err := h.manager.Approve(ctx, job.ID, "alice")
	require.NoError(t, err)

	<-h.graph.blocked
	_, err = h.manager.Cancel(ctx, job.ID)
	require.NoError(t, err)
	close(h.graph.block)

	job = h.wait(t, job.ID)
	require.Equal(t, jobs.StatusCancelled, job.Status, job.Error)
	assert.Equal(t, jobs.CodeCancelledByUser, job.ErrorCode)
	assert.Contains(t, job.Error, "rolled back to checkpoint")

	st, err := h.graph.Stats(ctx, models.FullScope())
	require.NoError(t, err)
	assert.Zero(t, st.Total())
	h.assertNoCheckpoints(t)
}

func TestUnapprovedRestoreLeavesGraphAlone(t *testing.T) {
	ctx := context.Background()
	src := sourceGraph(t, graphtest.Ontology("bio", 2, 0))
	path := writeBackup(t, src, models.OntologyScope("bio"), models.FormatJSON)

	h := newHarness(t)
	job := h.submit(t, Request{ArtifactPath: path, Deps: DepsPrune})

	req := Request{ArtifactPath: path, Deps: DepsPrune}
	prep, err := h.orch.Prepare(ctx, req)
	require.NoError(t, err)
	sub, err := h.orch.Submission(req, prep)
	require.NoError(t, err)
	_, err = h.manager.Submit(ctx, sub)
	assert.ErrorIs(t, err, jobs.ErrScopeBusy)

	job, err = h.manager.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, job.Status)

	st, err := h.graph.Stats(ctx, models.FullScope())
	require.NoError(t, err)
	assert.Zero(t, st.Total())
	h.assertNoCheckpoints(t)
}

func TestUploadedArtifactRemovedAfterJob(t *testing.T) {
	src := sourceGraph(t, graphtest.Ontology("bio", 2, 0))
	path := writeBackup(t, src, models.FullScope(), models.FormatJSON)

	h := newHarness(t)
	job := h.restore(t, Request{ArtifactPath: path, Deps: DepsPrune, Uploaded: true})
	require.Equal(t, jobs.StatusCompleted, job.Status, job.Error)

	assert.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return errors.Is(err, os.ErrNotExist)
	}, time.Second, 5*time.Millisecond)
}

func TestRestartRecoversInterruptedRestore(t *testing.T) {
	bio := models.OntologyScope("bio")
	newer := writeBackup(t, sourceGraph(t, graphtest.Ontology("bio", 6, 0)), bio, models.FormatJSON)

	tests := []struct {
		name          string
		rollbackFails bool
	}{
		{name: "rolled back at startup"},
		{name: "rollback fails at startup", rollbackFails: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			logger := quietLogger()
			g := &faultyGraph{MemoryStore: graph.NewMemoryStore()}
			require.NoError(t, graphtest.Load(ctx, g, graphtest.Ontology("bio", 2, 0)))
			cps := checkpoint.NewManager(g, checkpoint.NewMemoryRepository(), logger)
			store := jobs.NewStore(jobs.NewMemoryRepository(), jobs.NewPublisher(64, logger), jobs.WithLogger(logger))

			// A restore that was halfway through when the process died.
			crashed, err := store.Create(ctx, jobs.CreateParams{Kind: jobs.KindRestore, Scope: bio})
			require.NoError(t, err)
			_, err = store.Transition(ctx, crashed.ID, jobs.StatusRunning, jobs.Outcome{})
			require.NoError(t, err)
			_, err = cps.Create(ctx, crashed.ID, bio)
			require.NoError(t, err)
			require.NoError(t, graphtest.Load(ctx, g, graphtest.Nodes("bio", 4, 0)))

			g.rollbackFail = tt.rollbackFails
			orch := NewOrchestrator(g, cps, 2, logger)
			locks := checkpoint.NewLocks()
			m := jobs.NewManager(store, jobs.ManagerConfig{Workers: 1}, locks, nil, logger)
			m.Register(jobs.KindRestore, orch)
			require.NoError(t, m.Start(ctx))
			t.Cleanup(func() { _ = m.Stop(context.Background()) })
			h := &harness{graph: g, orch: orch, store: store, manager: m, checkpoints: cps, locks: locks}
			sched := scheduler.New(scheduler.DefaultConfig(), store, cps, logger, scheduler.WithScopeGuard(locks))

			failed, err := store.Get(ctx, crashed.ID)
			require.NoError(t, err)
			require.Equal(t, jobs.StatusFailed, failed.Status)

			if tt.rollbackFails {
				assert.Equal(t, jobs.CodeRollbackFailed, failed.ErrorCode)
				_, err := orch.Prepare(ctx, Request{ArtifactPath: newer, Overwrite: true, Deps: DepsPrune})
				require.ErrorIs(t, err, checkpoint.ErrPendingCheckpoint)
				assert.ErrorIs(t, err, jobs.ErrScopeBusy)

				g.rollbackFail = false
				report := sched.Sweep(ctx, "test")
				require.Len(t, report.Reclaimed, 1)
			} else {
				assert.Equal(t, jobs.CodeInterrupted, failed.ErrorCode)
				assert.Contains(t, failed.Error, "no data loss")
			}
			h.assertNoCheckpoints(t)
			st, err := g.Stats(ctx, bio)
			require.NoError(t, err)
			assert.Equal(t, 2, st.Concepts, "partial writes undone")

			job := h.restore(t, Request{ArtifactPath: newer, Overwrite: true, Deps: DepsPrune})
			require.Equal(t, jobs.StatusCompleted, job.Status, job.Error)

			report := sched.Sweep(ctx, "test")
			assert.Empty(t, report.Reclaimed)
			assert.Empty(t, report.Errors)
			st, err = g.Stats(ctx, bio)
			require.NoError(t, err)
			assert.Equal(t, 6, st.Concepts, "a later sweep never undoes the newer restore")
		})
	}
}

func TestRestoreRefusesScopeWithLiveCheckpoint(t *testing.T) {
	ctx := context.Background()
	src := sourceGraph(t, graphtest.Ontology("bio", 3, 0))
	path := writeBackup(t, src, models.OntologyScope("bio"), models.FormatJSON)

	h := newHarness(t)
	job := h.submit(t, Request{ArtifactPath: path, Deps: DepsPrune})

	// A checkpoint of another job lands on the scope after submission.
	_, err := h.checkpoints.Create(ctx, "job-earlier", models.FullScope())
	require.NoError(t, err)

	_, err = h.manager.Approve(ctx, job.ID, "alice")
	require.NoError(t, err)
	job = h.wait(t, job.ID)
	require.Equal(t, jobs.StatusFailed, job.Status)
	assert.Equal(t, jobs.CodeStageFailed, job.ErrorCode)
	assert.Contains(t, job.Error, "unreclaimed checkpoint")
	assert.Contains(t, job.Error, "no changes were made")

	st, err := h.graph.Stats(ctx, models.FullScope())
	require.NoError(t, err)
	assert.Zero(t, st.Total())
}
