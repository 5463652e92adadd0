package engine

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voicegate/pkg/bargein"
	"voicegate/pkg/classifier"
	"voicegate/pkg/latency"
	"voicegate/pkg/metrics"
	"voicegate/pkg/quality"
	"voicegate/pkg/session"
	"voicegate/pkg/telemetry"
)

// Engine is the telemetry reconstruction pipeline for one test execution:
// raw records in, reconstructed turns, interruption classification, and
// quality verdicts out. Every operation completes synchronously; waiting
// for a condition is the caller's job, against the pure read surface here.
//
// One engine belongs to one logical thread of control. The mutex only
// protects against a driver that feeds and reads from different goroutines;
// it is not a licence to share an engine across test executions.
type Engine struct {
	logger *logrus.Logger

	mu         sync.Mutex
	classifier *classifier.Classifier
	session    *session.Session
	detector   *bargein.Detector
	aggregator *quality.Aggregator
}

// New creates an engine with a fresh session and zeroed counters.
func New(logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &Engine{
		logger:     logger,
		classifier: classifier.New(logger),
		session:    session.New(logger),
		detector:   bargein.New(logger),
		aggregator: quality.NewAggregator(logger),
	}
}

// RecordEvent feeds one raw record through classification and every
// consumer. Malformed structured records are counted and skipped, never
// fatal.
func (e *Engine) RecordEvent(record telemetry.RawRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()

	metrics.IncCounterVec(metrics.RecordsIngested, string(record.Source))

	events, err := e.classifier.Classify(record)
	if err != nil {
		e.aggregator.ObserveMalformed()
		metrics.IncCounter(metrics.RecordsMalformed)
		e.logger.WithError(err).Debug("Skipping malformed record")
		return
	}

	for _, ev := range events {
		e.dispatch(ev)
	}

	if len(events) > 0 {
		e.aggregator.ObserveBargeIn(e.detector.Stats(), e.detector.Latencies())
	}
}

// dispatch routes one classified event to the session, the detector, and
// the aggregator.
func (e *Engine) dispatch(ev telemetry.Event) {
	metrics.IncCounterVec(metrics.EventsClassified, string(ev.Kind))

	prevStats := e.detector.Stats()
	prevSamples := len(e.detector.Latencies())
	e.detector.Observe(ev)
	newStats := e.detector.Stats()
	if newStats.Attempts > prevStats.Attempts {
		metrics.IncCounter(metrics.BargeInAttempts)
	}
	if newStats.Confirmed > prevStats.Confirmed {
		metrics.IncCounter(metrics.BargeInConfirmed)
	}
	for _, d := range e.detector.Latencies()[prevSamples:] {
		metrics.ObserveHistogram(metrics.BargeInLatency, d.Seconds())
	}

	e.aggregator.ObserveEvent(ev)
	switch ev.Kind {
	case telemetry.KindError:
		metrics.IncCounter(metrics.StreamErrors)
	case telemetry.KindQueueOverflow:
		metrics.IncCounter(metrics.QueueOverflows)
	case telemetry.KindScheduleReset:
		metrics.IncCounter(metrics.ScheduleResets)
	}

	if sealed := e.session.Apply(ev); sealed != nil {
		e.aggregator.ObserveTurnSealed(*sealed)
		metrics.IncCounter(metrics.TurnsSealed)
		metrics.SetGauge(metrics.TurnsCurrent, float64(sealed.Index+1))
		if d := sealed.Latency(); d > 0 {
			metrics.ObserveHistogramVec(metrics.TurnLatency, d.Seconds(), quality.MetricTurn)
		}
		if d := sealed.ResponseLatency(); d > 0 {
			metrics.ObserveHistogramVec(metrics.TurnLatency, d.Seconds(), quality.MetricResponse)
		}
	}
}

// AddSample records an ad-hoc latency sample under a caller-chosen metric.
func (e *Engine) AddSample(metric string, valueMs float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aggregator.Histogram().AddSample(metric, valueMs)
	metrics.ObserveHistogramVec(metrics.TurnLatency, valueMs/1000, metric)
}

// Turns returns the sealed turns in seal order.
func (e *Engine) Turns() []session.Turn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.CompletedTurns()
}

// CurrentTurn returns a snapshot of the open turn.
func (e *Engine) CurrentTurn() session.Turn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.CurrentTurn()
}

// CompletedCount returns the number of sealed turns. Callers polling for
// "turn N has sealed" check this.
func (e *Engine) CompletedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.CompletedCount()
}

// BargeInOutcome returns the latest interruption classification.
func (e *Engine) BargeInOutcome() bargein.Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detector.Outcome()
}

// Stats returns the derived statistics for a latency metric. Callers
// polling for "M samples collected" check Stats(metric).Count.
func (e *Engine) Stats(metric string) latency.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aggregator.Histogram().Stats(metric)
}

// Counters returns the aggregator's running counters.
func (e *Engine) Counters() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aggregator.Counters()
}

// Diagnose reports which event the open turn is stuck waiting on. The
// result is informational; a late event is still processed normally.
func (e *Engine) Diagnose() session.Diagnosis {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Diagnose(time.Now())
}

// AssertTargets evaluates latency targets for one metric.
func (e *Engine) AssertTargets(metric string, targets map[string]float64) latency.Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aggregator.Histogram().AssertTargets(metric, targets)
}

// AssertQualityThresholds evaluates the counter/average threshold policy.
func (e *Engine) AssertQualityThresholds(thresholds quality.Thresholds) latency.Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aggregator.AssertQualityThresholds(thresholds)
}

// Summary renders the deterministic diagnostic report.
func (e *Engine) Summary() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aggregator.Summary()
}

// SessionID returns the identifier of the underlying session.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.ID
}

// Reset discards all reconstructed state and opens a fresh session, for
// drivers that retry a scenario within one process.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session = session.New(e.logger)
	e.detector = bargein.New(e.logger)
	e.aggregator = quality.NewAggregator(e.logger)
	e.logger.WithField("session_id", e.session.ID).Info("Engine reset")
}
