package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
	initialized  bool

	// Ingest metrics
	RecordsIngested  *prometheus.CounterVec
	RecordsMalformed prometheus.Counter

	// Classification metrics
	EventsClassified *prometheus.CounterVec

	// Turn metrics
	TurnsSealed  prometheus.Counter
	TurnLatency  *prometheus.HistogramVec
	TurnsCurrent prometheus.Gauge

	// Barge-in metrics
	BargeInAttempts  prometheus.Counter
	BargeInConfirmed prometheus.Counter
	BargeInLatency   prometheus.Histogram

	// Stream health metrics
	StreamErrors   prometheus.Counter
	QueueOverflows prometheus.Counter
	ScheduleResets prometheus.Counter

	// Messaging metrics
	VerdictsPublished *prometheus.CounterVec
	PublishErrors     prometheus.Counter
)

// Init initializes all metrics and registers them with Prometheus. Callers
// that never Init (unit tests, library embedding) get no-op recording.
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		RecordsIngested = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicegate_records_ingested_total",
				Help: "Total number of raw records fed into the engine",
			},
			[]string{"source"},
		)

		RecordsMalformed = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicegate_records_malformed_total",
				Help: "Total number of malformed structured records skipped",
			},
		)

		EventsClassified = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicegate_events_classified_total",
				Help: "Total number of domain events produced by classification",
			},
			[]string{"kind"},
		)

		TurnsSealed = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicegate_turns_sealed_total",
				Help: "Total number of conversation turns sealed",
			},
		)

		TurnLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voicegate_turn_latency_seconds",
				Help:    "Latency of sealed conversation turns",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~200s
			},
			[]string{"metric"},
		)

		TurnsCurrent = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "voicegate_turn_index_current",
				Help: "Index of the currently open turn",
			},
		)

		BargeInAttempts = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicegate_barge_in_attempts_total",
				Help: "Total number of interruption attempts observed",
			},
		)

		BargeInConfirmed = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicegate_barge_in_confirmed_total",
				Help: "Total number of explicitly confirmed barge-ins",
			},
		)

		BargeInLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "voicegate_barge_in_latency_seconds",
				Help:    "Latency from interrupting speech to the nearest stop event",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
		)

		StreamErrors = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicegate_stream_errors_total",
				Help: "Total number of error events observed in the stream",
			},
		)

		QueueOverflows = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicegate_queue_overflows_total",
				Help: "Total number of queue overflow events observed",
			},
		)

		ScheduleResets = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicegate_schedule_resets_total",
				Help: "Total number of schedule reset events observed",
			},
		)

		VerdictsPublished = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicegate_verdicts_published_total",
				Help: "Total number of messages published to AMQP",
			},
			[]string{"kind"},
		)

		PublishErrors = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicegate_publish_errors_total",
				Help: "Total number of AMQP publish failures",
			},
		)

		registry.MustRegister(
			RecordsIngested,
			RecordsMalformed,
			EventsClassified,
			TurnsSealed,
			TurnLatency,
			TurnsCurrent,
			BargeInAttempts,
			BargeInConfirmed,
			BargeInLatency,
			StreamErrors,
			QueueOverflows,
			ScheduleResets,
			VerdictsPublished,
			PublishErrors,
		)

		initialized = true
		logger.Info("Prometheus metrics initialized")
	})
}

// Initialized reports whether Init has run.
func Initialized() bool {
	return initialized
}

// Handler returns the HTTP handler for the metrics endpoint.
func Handler() http.Handler {
	if registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncCounter increments a counter when metrics are initialized.
func IncCounter(c prometheus.Counter) {
	if initialized && c != nil {
		c.Inc()
	}
}

// IncCounterVec increments a labeled counter when metrics are initialized.
func IncCounterVec(c *prometheus.CounterVec, labels ...string) {
	if initialized && c != nil {
		c.WithLabelValues(labels...).Inc()
	}
}

// ObserveHistogram records a histogram observation when metrics are
// initialized.
func ObserveHistogram(h prometheus.Histogram, v float64) {
	if initialized && h != nil {
		h.Observe(v)
	}
}

// ObserveHistogramVec records a labeled histogram observation when metrics
// are initialized.
func ObserveHistogramVec(h *prometheus.HistogramVec, v float64, labels ...string) {
	if initialized && h != nil {
		h.WithLabelValues(labels...).Observe(v)
	}
}

// SetGauge sets a gauge value when metrics are initialized.
func SetGauge(g prometheus.Gauge, v float64) {
	if initialized && g != nil {
		g.Set(v)
	}
}
