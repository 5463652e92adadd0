package latency

import (
	"fmt"
	"math"
	"sort"
)

// Stats are the derived statistics for one metric, computed lazily from the
// sample collection and never cached.
type Stats struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P99   float64 `json:"p99"`
}

// Verdict is the structured pass/fail result shared by the latency and
// quality gates. An empty sample set passes with Samples==0 and a note, so
// callers can tell "no evidence" apart from "met target".
type Verdict struct {
	Pass     bool     `json:"pass"`
	Failures []string `json:"failures"`
	Samples  int      `json:"samples"`
	Note     string   `json:"note,omitempty"`
}

// Histogram accumulates latency samples per named metric. Insertion keeps
// each collection sorted; expected sample counts are tens to low hundreds
// per run, so no tree structure is needed.
type Histogram struct {
	samples map[string][]float64
}

// NewHistogram creates an empty histogram.
func NewHistogram() *Histogram {
	return &Histogram{samples: make(map[string][]float64)}
}

// AddSample records one latency sample in milliseconds for the metric.
func (h *Histogram) AddSample(metric string, valueMs float64) {
	s := h.samples[metric]
	i := sort.SearchFloat64s(s, valueMs)
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = valueMs
	h.samples[metric] = s
}

// Count returns the number of samples recorded for the metric.
func (h *Histogram) Count(metric string) int {
	return len(h.samples[metric])
}

// Metrics returns the names of all metrics with samples, sorted.
func (h *Histogram) Metrics() []string {
	names := make([]string, 0, len(h.samples))
	for name := range h.samples {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats computes count/min/max/mean and nearest-rank percentiles for the
// metric. A metric with no samples returns the zero Stats.
func (h *Histogram) Stats(metric string) Stats {
	s := h.samples[metric]
	if len(s) == 0 {
		return Stats{}
	}

	sum := 0.0
	for _, v := range s {
		sum += v
	}

	return Stats{
		Count: len(s),
		Min:   s[0],
		Max:   s[len(s)-1],
		Mean:  sum / float64(len(s)),
		P50:   percentile(s, 50),
		P90:   percentile(s, 90),
		P99:   percentile(s, 99),
	}
}

// percentile computes the standard nearest-rank percentile over a sorted
// sample slice: index = ceil(p/100*n)-1, clamped into [0, n-1].
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}

// Target keys accepted by AssertTargets. Each maps to a maximum acceptable
// value in milliseconds.
const (
	TargetP50  = "p50"
	TargetP90  = "p90"
	TargetP99  = "p99"
	TargetMean = "mean"
	TargetMax  = "max"
)

// AssertTargets compares the metric's computed statistics against a target
// map of maximum acceptable values. It never panics and never treats an
// empty sample set as a silent success: the verdict passes but reports zero
// samples. Unknown target keys are reported as failures rather than ignored.
func (h *Histogram) AssertTargets(metric string, targets map[string]float64) Verdict {
	verdict := Verdict{Pass: true, Samples: h.Count(metric)}

	if verdict.Samples == 0 {
		verdict.Note = fmt.Sprintf("no samples collected for metric %q", metric)
		return verdict
	}

	stats := h.Stats(metric)
	actual := map[string]float64{
		TargetP50:  stats.P50,
		TargetP90:  stats.P90,
		TargetP99:  stats.P99,
		TargetMean: stats.Mean,
		TargetMax:  stats.Max,
	}

	for _, key := range sortedTargetKeys(targets) {
		limit := targets[key]
		value, ok := actual[key]
		if !ok {
			verdict.Pass = false
			verdict.Failures = append(verdict.Failures,
				fmt.Sprintf("%s: unknown target %q", metric, key))
			continue
		}
		if value > limit {
			verdict.Pass = false
			verdict.Failures = append(verdict.Failures,
				fmt.Sprintf("%s %s=%.1fms exceeds target %.1fms", metric, key, value, limit))
		}
	}

	return verdict
}

func sortedTargetKeys(targets map[string]float64) []string {
	keys := make([]string, 0, len(targets))
	for k := range targets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
