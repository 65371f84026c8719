package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorStages(t *testing.T) {
	c := NewCollector()
	c.ObserveStage("restore", "restoring_concepts", 100*time.Millisecond)
	c.ObserveStage("restore", "restoring_concepts", 300*time.Millisecond)
	c.ObserveStage("backup", "writing_artifact", 50*time.Millisecond)

	snap := c.Snapshot()
	require.Len(t, snap.Stages, 2)
	assert.Equal(t, "backup", snap.Stages[0].Kind)

	restore := snap.Stages[1]
	assert.Equal(t, "restoring_concepts", restore.Stage)
	assert.Equal(t, int64(2), restore.Count)
	assert.Equal(t, int64(400), restore.TotalTimeMs)
	assert.InDelta(t, 200, restore.AvgTimeMs, 0.001)
	assert.Equal(t, int64(100), restore.MinTimeMs)
	assert.Equal(t, int64(300), restore.MaxTimeMs)

	assert.Equal(t, 2, testutil.CollectAndCount(c.stageDuration))
}

func TestCollectorOutcomesAndSweeps(t *testing.T) {
	c := NewCollector()
	c.ObserveOutcome("restore", "failed")
	c.ObserveOutcome("restore", "failed")
	c.ObserveOutcome("backup", "completed")
	c.ObserveSweep("schedule", time.Millisecond, 0)
	c.ObserveSweep("manual", time.Millisecond, 2)

	snap := c.Snapshot()
	assert.Equal(t, 2, snap.Outcomes["restore"]["failed"])
	assert.Equal(t, 1, snap.Outcomes["backup"]["completed"])
	assert.Equal(t, int64(2), snap.Sweeps)

	assert.InDelta(t, 2, testutil.ToFloat64(c.jobsTotal.WithLabelValues("restore", "failed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.cleanupRuns.WithLabelValues("manual", "error")), 0)

	n, err := testutil.GatherAndCount(c.Registry(), "graphkeeper_jobs_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEmptySnapshot(t *testing.T) {
	snap := NewCollector().Snapshot()
	assert.Empty(t, snap.Stages)
	assert.Empty(t, snap.Outcomes)
	assert.GreaterOrEqual(t, snap.UptimeSeconds, 0.0)
}
