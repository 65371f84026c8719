// Package metrics provides in-memory runtime statistics collection and
// the Prometheus instruments exposed on /metrics.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OperationMetrics holds aggregated timings for one job stage.
type OperationMetrics struct {
	Count     int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Kind        string  `json:"kind"`
	Stage       string  `json:"stage"`
	Count       int64   `json:"count"`
	TotalTimeMs int64   `json:"total_time_ms"`
	AvgTimeMs   float64 `json:"avg_time_ms"`
	MinTimeMs   int64   `json:"min_time_ms"`
	MaxTimeMs   int64   `json:"max_time_ms"`
}

// Snapshot represents the full server statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64                   `json:"uptime_seconds"`
	Stages        []OperationSnapshot       `json:"stages"`
	Outcomes      map[string]map[string]int `json:"outcomes"`
	Sweeps        int64                     `json:"sweeps"`
}

type stageKey struct {
	kind, stage string
}

// Collector aggregates in-memory runtime statistics and mirrors them into
// a Prometheus registry. All methods are thread-safe.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[stageKey]*OperationMetrics
	outcomes  map[string]map[string]int
	sweeps    int64

	registry      *prometheus.Registry
	jobsTotal     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	cleanupRuns   *prometheus.CounterVec
	cleanupTime   prometheus.Histogram
}

// NewCollector creates a new metrics collector with its own registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Collector{
		startTime: time.Now(),
		ops:       make(map[stageKey]*OperationMetrics),
		outcomes:  make(map[string]map[string]int),
		registry:  reg,
		jobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "graphkeeper_jobs_total",
			Help: "Jobs that reached a terminal status, by kind and status.",
		}, []string{"kind", "status"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "graphkeeper_stage_duration_seconds",
			Help:    "Time spent in each job stage.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"kind", "stage"}),
		cleanupRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "graphkeeper_cleanup_runs_total",
			Help: "Cleanup sweeps, by trigger and result.",
		}, []string{"trigger", "result"}),
		cleanupTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "graphkeeper_cleanup_duration_seconds",
			Help:    "Duration of cleanup sweeps.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Registry returns the Prometheus registry holding the instruments.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// getOrCreate returns existing metrics or creates new ones for a stage.
// Caller must hold write lock.
func (c *Collector) getOrCreate(key stageKey) *OperationMetrics {
	m, ok := c.ops[key]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[key] = m
	}
	return m
}

// ObserveStage records the time a job of kind spent in stage.
func (c *Collector) ObserveStage(kind, stage string, duration time.Duration) {
	c.stageDuration.WithLabelValues(kind, stage).Observe(duration.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(stageKey{kind, stage})
	m.Count++
	m.TotalTime += duration

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// ObserveOutcome counts a job reaching a terminal status.
func (c *Collector) ObserveOutcome(kind, status string) {
	c.jobsTotal.WithLabelValues(kind, status).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcomes[kind] == nil {
		c.outcomes[kind] = make(map[string]int)
	}
	c.outcomes[kind][status]++
}

// ObserveSweep records a cleanup sweep.
func (c *Collector) ObserveSweep(trigger string, d time.Duration, errs int) {
	result := "ok"
	if errs > 0 {
		result = "error"
	}
	c.cleanupRuns.WithLabelValues(trigger, result).Inc()
	c.cleanupTime.Observe(d.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweeps++
}

// snapshotOp creates a snapshot for a stage, returning nil if no data.
func snapshotOp(key stageKey, m *OperationMetrics) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}
	return &OperationSnapshot{
		Kind:        key.kind,
		Stage:       key.stage,
		Count:       m.Count,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Stages:        make([]OperationSnapshot, 0, len(c.ops)),
		Outcomes:      make(map[string]map[string]int, len(c.outcomes)),
		Sweeps:        c.sweeps,
	}
	for key, m := range c.ops {
		if s := snapshotOp(key, m); s != nil {
			snap.Stages = append(snap.Stages, *s)
		}
	}
	sort.Slice(snap.Stages, func(i, j int) bool {
		if snap.Stages[i].Kind != snap.Stages[j].Kind {
			return snap.Stages[i].Kind < snap.Stages[j].Kind
		}
		return snap.Stages[i].Stage < snap.Stages[j].Stage
	})
	for kind, byStatus := range c.outcomes {
		cp := make(map[string]int, len(byStatus))
		for status, n := range byStatus {
			cp[status] = n
		}
		snap.Outcomes[kind] = cp
	}
	return snap
}
