package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
)

// PipelineMetrics implements ports.PipelineMetrics on top of a Registry.
type PipelineMetrics struct {
	service string

	outcomeTotal      *prometheus.CounterVec
	outcomeDuration   *prometheus.HistogramVec
	stageDuration     *prometheus.HistogramVec
	extractionTotal   *prometheus.CounterVec
	tagChangesTotal   *prometheus.CounterVec
	resyncInserted    prometheus.Counter
	lastSuccessfulRun prometheus.Gauge
	breakerState      *prometheus.GaugeVec
}

func NewPipelineMetrics(registry *Registry, service string) *PipelineMetrics {
	outcomeTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "files_total",
			Help:      "Total processed files by final stage and failure point.",
		},
		[]string{"service", "stage", "failed_at"},
	)
	outcomeDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "file_duration_seconds",
			Help:      "End-to-end processing duration per file.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"service", "stage"},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual pipeline stages.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "stage"},
	)
	extractionTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extraction",
			Name:      "attempts_total",
			Help:      "Extraction stage attempts by result.",
		},
		[]string{"service", "stage", "result"},
	)
	tagChangesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dms",
			Name:      "tag_changes_total",
			Help:      "Tag ids added to or removed from DMS documents.",
		},
		[]string{"service", "direction"},
	)
	resyncInserted := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "index",
			Name:        "resync_inserted_total",
			Help:        "Records synthesized from the DMS during resync.",
			ConstLabels: prometheus.Labels{"service": service},
		},
	)
	lastSuccessfulRun := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "pipeline",
			Name:        "last_recorded_timestamp_seconds",
			Help:        "Unix time of the last file that reached the recorded stage.",
			ConstLabels: prometheus.Labels{"service": service},
		},
	)

	breakerState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per remote operation: 0 closed, 1 half-open, 2 open.",
		},
		[]string{"service", "operation"},
	)

	registry.MustRegister(outcomeTotal, outcomeDuration, stageDuration, extractionTotal, tagChangesTotal, resyncInserted, lastSuccessfulRun, breakerState)

	return &PipelineMetrics{
		service:           service,
		outcomeTotal:      outcomeTotal,
		outcomeDuration:   outcomeDuration,
		stageDuration:     stageDuration,
		extractionTotal:   extractionTotal,
		tagChangesTotal:   tagChangesTotal,
		resyncInserted:    resyncInserted,
		lastSuccessfulRun: lastSuccessfulRun,
		breakerState:      breakerState,
	}
}

func (m *PipelineMetrics) ObserveOutcome(outcome domain.Outcome) {
	failedAt := string(outcome.FailedAt)
	if failedAt == "" {
		failedAt = "none"
	}
	m.outcomeTotal.WithLabelValues(m.service, string(outcome.Stage), failedAt).Inc()
	m.outcomeDuration.WithLabelValues(m.service, string(outcome.Stage)).Observe(outcome.Duration.Seconds())
	if outcome.Stage == domain.StageRecorded && outcome.Err == nil {
		m.lastSuccessfulRun.SetToCurrentTime()
	}
}

func (m *PipelineMetrics) ObserveStage(stage domain.Stage, duration time.Duration) {
	if duration < 0 {
		return
	}
	m.stageDuration.WithLabelValues(m.service, string(stage)).Observe(duration.Seconds())
}

func (m *PipelineMetrics) ObserveExtraction(stage string, accepted bool) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	m.extractionTotal.WithLabelValues(m.service, stage, result).Inc()
}

func (m *PipelineMetrics) ObserveTagChanges(added, removed int) {
	if added > 0 {
		m.tagChangesTotal.WithLabelValues(m.service, "added").Add(float64(added))
	}
	if removed > 0 {
		m.tagChangesTotal.WithLabelValues(m.service, "removed").Add(float64(removed))
	}
}

func (m *PipelineMetrics) ObserveResync(inserted int) {
	if inserted > 0 {
		m.resyncInserted.Add(float64(inserted))
	}
}

// ObserveBreakerState takes the numeric value of a gobreaker.State.
func (m *PipelineMetrics) ObserveBreakerState(operation string, state int) {
	m.breakerState.WithLabelValues(m.service, operation).Set(float64(state))
}
