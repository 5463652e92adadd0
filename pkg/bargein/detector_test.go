package bargein

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicegate/pkg/telemetry"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(ms int) time.Time {
	return base.Add(time.Duration(ms) * time.Millisecond)
}

func newTestDetector() *Detector {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return New(logger)
}

func TestSpeechDuringResponseIsAttemptOnly(t *testing.T) {
	d := newTestDetector()

	d.Observe(telemetry.Event{Kind: telemetry.KindResponseStarted, Timestamp: at(0)})
	d.Observe(telemetry.Event{Kind: telemetry.KindSpeechStarted, Timestamp: at(500)})

	out := d.Outcome()
	assert.True(t, out.Attempted)
	assert.False(t, out.Confirmed, "heuristic evidence must never confirm")
}

func TestSpeechOutsideResponseIsNotAnAttempt(t *testing.T) {
	d := newTestDetector()

	d.Observe(telemetry.Event{Kind: telemetry.KindSpeechStarted, Timestamp: at(0)})

	out := d.Outcome()
	assert.False(t, out.Attempted)
	assert.False(t, out.Confirmed)
	assert.Zero(t, d.Stats().Attempts)
}

func TestExplicitReasonConfirms(t *testing.T) {
	d := newTestDetector()

	d.Observe(telemetry.Event{Kind: telemetry.KindResponseStarted, Timestamp: at(0)})
	d.Observe(telemetry.Event{Kind: telemetry.KindSpeechStarted, Timestamp: at(500)})
	d.Observe(telemetry.Event{
		Kind:      telemetry.KindStateTransition,
		Timestamp: at(620),
		From:      "speaking",
		To:        "interrupted",
		Reason:    telemetry.ReasonBargeIn,
	})

	out := d.Outcome()
	assert.True(t, out.Confirmed)
	assert.True(t, out.Attempted)

	stats := d.Stats()
	assert.Equal(t, 1, stats.Attempts)
	assert.Equal(t, 1, stats.Confirmed)
	assert.Equal(t, 0, stats.False)
}

func TestNaturalReasonNeverConfirms(t *testing.T) {
	d := newTestDetector()

	d.Observe(telemetry.Event{Kind: telemetry.KindResponseStarted, Timestamp: at(0)})
	d.Observe(telemetry.Event{Kind: telemetry.KindSpeechStarted, Timestamp: at(500)})
	d.Observe(telemetry.Event{
		Kind:      telemetry.KindStateTransition,
		Timestamp: at(4000),
		From:      "speaking",
		To:        "listening",
		Reason:    telemetry.ReasonNatural,
	})

	out := d.Outcome()
	assert.True(t, out.Attempted)
	assert.False(t, out.Confirmed)

	stats := d.Stats()
	assert.Equal(t, 1, stats.Attempts)
	assert.Equal(t, 0, stats.Confirmed)
	assert.Equal(t, 1, stats.False, "unconfirmed attempt resolves as false positive")
}

func TestProbeWillTriggerIsAttempt(t *testing.T) {
	d := newTestDetector()

	d.Observe(telemetry.Event{
		Kind:      telemetry.KindBargeInProbe,
		Timestamp: at(100),
		Probe:     &telemetry.ProbeInfo{IsActiveRef: true, ActiveSourceCount: 2, WillTrigger: true},
	})

	assert.True(t, d.Outcome().Attempted)
	assert.Equal(t, 1, d.Stats().Attempts)
}

func TestProbeSequenceThenExplicitConfirmation(t *testing.T) {
	d := newTestDetector()

	d.Observe(telemetry.Event{
		Kind:      telemetry.KindBargeInProbe,
		Timestamp: at(100),
		Probe:     &telemetry.ProbeInfo{IsActiveRef: true, ActiveSourceCount: 1, WillTrigger: false},
	})
	d.Observe(telemetry.Event{
		Kind:      telemetry.KindBargeInProbe,
		Timestamp: at(200),
		Probe:     &telemetry.ProbeInfo{IsActiveRef: true, ActiveSourceCount: 2, WillTrigger: true},
	})
	d.Observe(telemetry.Event{
		Kind:      telemetry.KindStateTransition,
		Timestamp: at(350),
		Reason:    telemetry.ReasonBargeIn,
	})

	out := d.Outcome()
	assert.True(t, out.Confirmed)
	assert.True(t, out.Attempted)

	stats := d.Stats()
	assert.Equal(t, 1, stats.Attempts)
	assert.Equal(t, 1, stats.Confirmed)
	assert.Equal(t, 0, stats.False)
}

func TestProbeWithoutTriggerIsIgnored(t *testing.T) {
	d := newTestDetector()

	d.Observe(telemetry.Event{
		Kind:      telemetry.KindBargeInProbe,
		Timestamp: at(100),
		Probe:     &telemetry.ProbeInfo{IsActiveRef: true, ActiveSourceCount: 1, WillTrigger: false},
	})

	assert.False(t, d.Outcome().Attempted)
	assert.Zero(t, d.Stats().Attempts)
}

func TestLatencyBindsToNearestFollowingStop(t *testing.T) {
	d := newTestDetector()

	d.Observe(telemetry.Event{Kind: telemetry.KindResponseStarted, Timestamp: at(0)})
	d.Observe(telemetry.Event{Kind: telemetry.KindSpeechStarted, Timestamp: at(1000)})
	d.Observe(telemetry.Event{
		Kind:      telemetry.KindStateTransition,
		Timestamp: at(1150),
		Reason:    telemetry.ReasonBargeIn,
	})
	// A later stop must not replace the already-settled measurement.
	d.Observe(telemetry.Event{Kind: telemetry.KindResponseComplete, Timestamp: at(9000)})

	out := d.Outcome()
	require.True(t, out.HasLatency)
	assert.Equal(t, 150*time.Millisecond, out.Latency)

	latencies := d.Latencies()
	require.Len(t, latencies, 1)
	assert.Equal(t, 150*time.Millisecond, latencies[0])
}

func TestLatencySettledByResponseComplete(t *testing.T) {
	d := newTestDetector()

	d.Observe(telemetry.Event{Kind: telemetry.KindResponseStarted, Timestamp: at(0)})
	d.Observe(telemetry.Event{Kind: telemetry.KindSpeechStarted, Timestamp: at(2000)})
	d.Observe(telemetry.Event{Kind: telemetry.KindResponseComplete, Timestamp: at(2300)})

	out := d.Outcome()
	require.True(t, out.HasLatency)
	assert.Equal(t, 300*time.Millisecond, out.Latency)
}

func TestNoQualifyingSpeechMeansNoLatency(t *testing.T) {
	d := newTestDetector()

	d.Observe(telemetry.Event{Kind: telemetry.KindResponseStarted, Timestamp: at(0)})
	d.Observe(telemetry.Event{
		Kind:      telemetry.KindStateTransition,
		Timestamp: at(500),
		Reason:    telemetry.ReasonBargeIn,
	})

	out := d.Outcome()
	assert.True(t, out.Confirmed)
	assert.False(t, out.HasLatency)
	assert.Empty(t, d.Latencies())
}

func TestConfirmationWithoutHeuristicCountsAttempt(t *testing.T) {
	d := newTestDetector()

	d.Observe(telemetry.Event{
		Kind:      telemetry.KindStateTransition,
		Timestamp: at(100),
		Reason:    telemetry.ReasonBargeIn,
	})

	stats := d.Stats()
	assert.Equal(t, 1, stats.Attempts)
	assert.Equal(t, 1, stats.Confirmed)
	assert.Equal(t, 0, stats.False)
}

func TestRepeatedCyclesAccumulateCounters(t *testing.T) {
	d := newTestDetector()

	// Cycle one: confirmed interruption.
	d.Observe(telemetry.Event{Kind: telemetry.KindResponseStarted, Timestamp: at(0)})
	d.Observe(telemetry.Event{Kind: telemetry.KindSpeechStarted, Timestamp: at(200)})
	d.Observe(telemetry.Event{Kind: telemetry.KindStateTransition, Timestamp: at(320), Reason: telemetry.ReasonBargeIn})
	d.Observe(telemetry.Event{Kind: telemetry.KindResponseComplete, Timestamp: at(400)})

	// Cycle two: attempt that the response outlives.
	d.Observe(telemetry.Event{Kind: telemetry.KindResponseStarted, Timestamp: at(5000)})
	d.Observe(telemetry.Event{Kind: telemetry.KindSpeechStarted, Timestamp: at(5200)})
	d.Observe(telemetry.Event{Kind: telemetry.KindResponseComplete, Timestamp: at(9000)})

	stats := d.Stats()
	assert.Equal(t, 2, stats.Attempts)
	assert.Equal(t, 1, stats.Confirmed)
	assert.Equal(t, 1, stats.False)
	assert.Len(t, d.Latencies(), 2)
}
