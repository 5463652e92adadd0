package quality

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"voicegate/pkg/bargein"
	"voicegate/pkg/latency"
	"voicegate/pkg/session"
	"voicegate/pkg/telemetry"
)

// Counter names understood by AssertQualityThresholds. Threshold maps use
// these keys as maxima; appending "_min" to any key turns it into a minimum.
const (
	CounterErrors             = "errors"
	CounterQueueOverflows     = "queue_overflows"
	CounterScheduleResets     = "schedule_resets"
	CounterFalseBargeIns      = "false_barge_ins"
	CounterBargeInAttempts    = "barge_in_attempts"
	CounterSuccessfulBargeIns = "successful_barge_ins"
	CounterUserUtterances     = "user_utterances"
	CounterAIResponses        = "ai_responses"
	CounterTotalTurns         = "total_turns"
	CounterMalformedRecords   = "malformed_records"
)

// Derived average keys, computed from histogram means.
const (
	AvgTurnLatencyMs     = "avg_turn_latency_ms"
	AvgResponseLatencyMs = "avg_response_latency_ms"
	AvgBargeInLatencyMs  = "avg_barge_in_latency_ms"
)

// Histogram metric names the engine feeds for built-in latency tracking.
const (
	MetricTurn     = "turn"
	MetricResponse = "response"
	MetricBargeIn  = "barge_in"
)

// Thresholds maps counter or derived-average names to acceptable limits.
// Partial maps are legal; an unspecified name is unconstrained.
type Thresholds map[string]float64

// Aggregator owns the running counters and the latency histogram for one
// test execution, and evaluates caller-supplied threshold policies.
type Aggregator struct {
	logger *logrus.Entry

	counters map[string]int
	hist     *latency.Histogram
	turns    []session.Turn

	bargeInSampled int
}

// NewAggregator creates an aggregator with all counters at zero.
func NewAggregator(logger *logrus.Logger) *Aggregator {
	return &Aggregator{
		logger:   logger.WithField("component", "quality"),
		counters: make(map[string]int),
		hist:     latency.NewHistogram(),
	}
}

// Histogram exposes the underlying latency histogram.
func (a *Aggregator) Histogram() *latency.Histogram {
	return a.hist
}

// ObserveEvent updates counters from one classified event.
func (a *Aggregator) ObserveEvent(ev telemetry.Event) {
	switch ev.Kind {
	case telemetry.KindError:
		a.counters[CounterErrors]++
	case telemetry.KindQueueOverflow:
		a.counters[CounterQueueOverflows]++
	case telemetry.KindScheduleReset:
		a.counters[CounterScheduleResets]++
	case telemetry.KindTranscriptComplete:
		a.counters[CounterUserUtterances]++
	}
}

// ObserveMalformed counts one malformed structured record that was skipped.
func (a *Aggregator) ObserveMalformed() {
	a.counters[CounterMalformedRecords]++
}

// ObserveTurnSealed records a sealed turn, its latency samples, and the
// turn/response counters.
func (a *Aggregator) ObserveTurnSealed(turn session.Turn) {
	a.turns = append(a.turns, turn)
	a.counters[CounterTotalTurns]++
	a.counters[CounterAIResponses]++

	if d := turn.Latency(); d > 0 {
		a.hist.AddSample(MetricTurn, float64(d.Milliseconds()))
	}
	if d := turn.ResponseLatency(); d > 0 {
		a.hist.AddSample(MetricResponse, float64(d.Milliseconds()))
	}
}

// ObserveBargeIn reconciles the counters with the detector's view. Called
// after every event batch so the counters track the latest classification.
// Latencies not yet sampled are appended to the barge_in histogram metric.
func (a *Aggregator) ObserveBargeIn(stats bargein.Stats, latencies []time.Duration) {
	a.counters[CounterBargeInAttempts] = stats.Attempts
	a.counters[CounterSuccessfulBargeIns] = stats.Confirmed
	a.counters[CounterFalseBargeIns] = stats.False

	for i := a.bargeInSampled; i < len(latencies); i++ {
		a.hist.AddSample(MetricBargeIn, float64(latencies[i].Milliseconds()))
	}
	if len(latencies) > a.bargeInSampled {
		a.bargeInSampled = len(latencies)
	}
}

// Counter returns the current value of a named counter.
func (a *Aggregator) Counter(name string) int {
	return a.counters[name]
}

// Counters returns a copy of all counters, including zero-valued known ones.
func (a *Aggregator) Counters() map[string]int {
	out := make(map[string]int, len(knownCounters))
	for _, name := range knownCounters {
		out[name] = a.counters[name]
	}
	return out
}

var knownCounters = []string{
	CounterAIResponses,
	CounterBargeInAttempts,
	CounterErrors,
	CounterFalseBargeIns,
	CounterMalformedRecords,
	CounterQueueOverflows,
	CounterScheduleResets,
	CounterSuccessfulBargeIns,
	CounterTotalTurns,
	CounterUserUtterances,
}

// observedValues collects every counter and derived average that a
// threshold can constrain.
func (a *Aggregator) observedValues() map[string]float64 {
	values := make(map[string]float64, len(knownCounters)+3)
	for _, name := range knownCounters {
		values[name] = float64(a.counters[name])
	}
	values[AvgTurnLatencyMs] = a.hist.Stats(MetricTurn).Mean
	values[AvgResponseLatencyMs] = a.hist.Stats(MetricResponse).Mean
	values[AvgBargeInLatencyMs] = a.hist.Stats(MetricBargeIn).Mean
	return values
}

// AssertQualityThresholds evaluates the threshold policy against counters
// and derived averages. It returns a verdict, never an error; policy on
// whether a failure is fatal belongs to the caller.
func (a *Aggregator) AssertQualityThresholds(thresholds Thresholds) latency.Verdict {
	verdict := latency.Verdict{Pass: true, Samples: len(a.turns)}
	values := a.observedValues()

	keys := make([]string, 0, len(thresholds))
	for k := range thresholds {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		limit := thresholds[key]
		name, isMin := strings.CutSuffix(key, "_min")
		value, ok := values[name]
		if !ok {
			verdict.Pass = false
			verdict.Failures = append(verdict.Failures,
				fmt.Sprintf("unknown threshold %q", key))
			continue
		}
		if isMin && value < limit {
			verdict.Pass = false
			verdict.Failures = append(verdict.Failures,
				fmt.Sprintf("%s=%s below minimum %s", name, formatValue(value), formatValue(limit)))
		}
		if !isMin && value > limit {
			verdict.Pass = false
			verdict.Failures = append(verdict.Failures,
				fmt.Sprintf("%s=%s exceeds maximum %s", name, formatValue(value), formatValue(limit)))
		}
	}

	if !verdict.Pass {
		a.logger.WithField("failures", len(verdict.Failures)).Warn("Quality thresholds breached")
	}

	return verdict
}

// Summary renders a deterministic, human-readable multi-line report for
// failure diagnostics. Ordering is fixed so repeated runs compare cleanly.
func (a *Aggregator) Summary() string {
	var b strings.Builder

	b.WriteString("=== Quality Summary ===\n")

	b.WriteString("Counters:\n")
	for _, name := range knownCounters {
		fmt.Fprintf(&b, "  %-22s %d\n", name, a.counters[name])
	}

	metrics := a.hist.Metrics()
	if len(metrics) > 0 {
		b.WriteString("Latency (ms):\n")
		for _, metric := range metrics {
			s := a.hist.Stats(metric)
			fmt.Fprintf(&b, "  %-12s n=%d min=%.0f max=%.0f mean=%.1f p50=%.0f p90=%.0f p99=%.0f\n",
				metric, s.Count, s.Min, s.Max, s.Mean, s.P50, s.P90, s.P99)
		}
	}

	if len(a.turns) > 0 {
		b.WriteString("Turns:\n")
		for _, turn := range a.turns {
			fmt.Fprintf(&b, "  #%d %q latency=%s\n",
				turn.Index, turn.TranscriptText, formatDuration(turn.Latency()))
		}
	}

	return b.String()
}

func formatValue(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.1f", v)
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "unknown"
	}
	return fmt.Sprintf("%dms", d.Milliseconds())
}
