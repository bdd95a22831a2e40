// Package metrics covers both directions of Prometheus text: nodekeeper's own
// collectors served on /metrics, and a light parser plus time-series tracker
// for the exposition payload scraped from the supervised node.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nodekeeper"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	nodeStarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "node",
		Name:      "starts_total",
		Help:      "Number of successful node starts.",
	})
	nodeStartFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "node",
		Name:      "start_failures_total",
		Help:      "Number of node spawns that failed.",
	})
	nodeKills = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "node",
		Name:      "kills_total",
		Help:      "Number of stops that escalated to SIGKILL.",
	})
	nodeRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "node",
		Name:      "running",
		Help:      "1 while a supervised node process is alive.",
	})
	nodeCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "node",
		Name:      "cpu_percent",
		Help:      "CPU usage of the node process as sampled by the host.",
	})
	nodeMemoryMB = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "node",
		Name:      "memory_mb",
		Help:      "Resident memory of the node process in MB.",
	})
	nodeThreads = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "node",
		Name:      "threads",
		Help:      "Thread count of the node process.",
	})

	logLines = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "log",
		Name:      "lines_total",
		Help:      "Captured node output lines by classified level.",
	}, []string{"level"})
	logDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "log",
		Name:      "lines_dropped_total",
		Help:      "Lines evicted from the capture queue before being drained.",
	})

	stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "Accepted lifecycle state transitions.",
	}, []string{"from", "to"})
	currentState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "current_state",
		Help:      "Current lifecycle state (1 = active, 0 = inactive).",
	}, []string{"state"})
	installProgress = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "install",
		Name:      "progress_percent",
		Help:      "Download progress of the current install.",
	})

	scrapeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scrape",
		Name:      "errors_total",
		Help:      "Failed scrapes of the node metrics endpoint.",
	})
	scrapeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scrape",
		Name:      "duration_seconds",
		Help:      "Duration of successful scrapes of the node metrics endpoint.",
		Buckets:   prometheus.DefBuckets,
	})

	historyErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "history",
		Name:      "send_errors_total",
		Help:      "Lifecycle events a history sink failed to store.",
	}, []string{"sink"})
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		nodeStarts, nodeStartFailures, nodeKills, nodeRunning, nodeCPUPercent, nodeMemoryMB, nodeThreads,
		logLines, logDropped, stateTransitions, currentState, installProgress,
		scrapeErrors, scrapeDuration, historyErrors,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// The helpers below no-op until Register has succeeded.

func IncNodeStart() {
	if regOK.Load() {
		nodeStarts.Inc()
	}
}

func IncNodeStartFailure() {
	if regOK.Load() {
		nodeStartFailures.Inc()
	}
}

func IncNodeKill() {
	if regOK.Load() {
		nodeKills.Inc()
	}
}

func SetNodeRunning(running bool) {
	if regOK.Load() {
		nodeRunning.Set(boolFloat(running))
	}
}

// SetNodeResources publishes the latest host-side resource sample.
func SetNodeResources(u ResourceUsage) {
	if regOK.Load() {
		nodeCPUPercent.Set(u.CPUPercent)
		nodeMemoryMB.Set(u.MemoryMB)
		nodeThreads.Set(float64(u.NumThreads))
	}
}

func IncLogLine(level string) {
	if regOK.Load() {
		logLines.WithLabelValues(level).Inc()
	}
}

func IncLogDropped() {
	if regOK.Load() {
		logDropped.Inc()
	}
}

// RecordStateTransition counts from → to and flips the current-state gauge.
func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
		if from != to {
			currentState.WithLabelValues(from).Set(0)
		}
		currentState.WithLabelValues(to).Set(1)
	}
}

func SetInstallProgress(pct float64) {
	if regOK.Load() {
		installProgress.Set(pct)
	}
}

func IncScrapeError() {
	if regOK.Load() {
		scrapeErrors.Inc()
	}
}

func ObserveScrapeDuration(seconds float64) {
	if regOK.Load() {
		scrapeDuration.Observe(seconds)
	}
}

func IncHistoryError(sink string) {
	if regOK.Load() {
		historyErrors.WithLabelValues(sink).Inc()
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
