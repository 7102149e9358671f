// Package metrics exposes run and node counters for Prometheus.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "workflow_engine"

// Recorder turns engine lifecycle callbacks into Prometheus metrics.
// It is safe for concurrent use by many runs.
type Recorder struct {
	runsStarted     prometheus.Counter
	runsClosed      *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	activeRuns      prometheus.Gauge
	nodeTransitions *prometheus.CounterVec
	nodeDuration    *prometheus.HistogramVec
	runningNodes    prometheus.Gauge

	mu         sync.Mutex
	runStarts  map[string]time.Time
	nodeStarts map[string]time.Time
}

// New registers the engine metrics with reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		runsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Runs opened by the engine.",
		}),
		runsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_closed_total",
			Help:      "Runs closed by the engine, by final status.",
		}, []string{"status"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time from the first scheduling event to run close.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"status"}),
		activeRuns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Runs not yet closed.",
		}),
		nodeTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_transitions_total",
			Help:      "Node status transitions, by node type and new status.",
		}, []string{"type", "status"}),
		nodeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Handler wall time, by node type and terminal status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type", "status"}),
		runningNodes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_nodes",
			Help:      "Handlers currently executing.",
		}),
		runStarts:  make(map[string]time.Time),
		nodeStarts: make(map[string]time.Time),
	}
}

// NodeTransition records a node moving to status at the given time. The first
// transition seen for a run marks the run as started.
func (r *Recorder) NodeTransition(runID, nodeID, nodeType, status string, at time.Time) {
	r.nodeTransitions.WithLabelValues(nodeType, status).Inc()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.markStarted(runID, at)

	key := runID + "/" + nodeID
	switch status {
	case "running":
		r.nodeStarts[key] = at
		r.runningNodes.Inc()
	case "succeeded", "failed":
		if started, ok := r.nodeStarts[key]; ok {
			delete(r.nodeStarts, key)
			r.runningNodes.Dec()
			r.nodeDuration.WithLabelValues(nodeType, status).Observe(at.Sub(started).Seconds())
		}
	}
}

// RunClosed records the close of a run.
func (r *Recorder) RunClosed(runID, status string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.markStarted(runID, at)
	started := r.runStarts[runID]
	delete(r.runStarts, runID)

	r.activeRuns.Dec()
	r.runsClosed.WithLabelValues(status).Inc()
	r.runDuration.WithLabelValues(status).Observe(at.Sub(started).Seconds())
}

func (r *Recorder) markStarted(runID string, at time.Time) {
	if _, ok := r.runStarts[runID]; ok {
		return
	}
	r.runStarts[runID] = at
	r.runsStarted.Inc()
	r.activeRuns.Inc()
}
