// Package monitor exposes Prometheus metrics for the orchestrator.
package monitor

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the orchestrator's Prometheus collectors
type Metrics struct {
	// StagesTotal counts stage executions by stage name and outcome
	StagesTotal *prometheus.CounterVec

	// StageDuration observes wall-clock stage execution time
	StageDuration *prometheus.HistogramVec

	// RetriesTotal counts scheduled task retries
	RetriesTotal prometheus.Counter

	// EventsAppended counts events written to the per-process logs
	EventsAppended prometheus.Counter

	// CheckpointRequests counts checkpoint requests by kind
	CheckpointRequests *prometheus.CounterVec

	// ActiveProcesses tracks processes in a non-terminal status
	ActiveProcesses prometheus.Gauge

	// AttachedObservers tracks currently attached observer connections
	AttachedObservers prometheus.Gauge
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process-wide metrics, registering the collectors with
// the default Prometheus registry exactly once.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = newMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewWithRegistry creates an independent metrics set on the given registry,
// for tests that need isolation from the default registry
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "draftflow",
			Name:      "stages_total",
			Help:      "Stage executions by stage and outcome",
		}, []string{"stage", "outcome"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "draftflow",
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock stage execution time",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stage"}),
		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "draftflow",
			Name:      "task_retries_total",
			Help:      "Scheduled background task retries",
		}),
		EventsAppended: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "draftflow",
			Name:      "events_appended_total",
			Help:      "Events appended to per-process logs",
		}),
		CheckpointRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "draftflow",
			Name:      "checkpoint_requests_total",
			Help:      "Checkpoint requests by kind",
		}, []string{"kind"}),
		ActiveProcesses: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "draftflow",
			Name:      "active_processes",
			Help:      "Processes in a non-terminal status",
		}),
		AttachedObservers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "draftflow",
			Name:      "attached_observers",
			Help:      "Currently attached observer connections",
		}),
	}
}
