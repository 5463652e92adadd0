package classifier

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicegate/pkg/errors"
	"voicegate/pkg/telemetry"
)

func newTestClassifier() *Classifier {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return New(logger)
}

func TestClassifyFreeTextSpeechStarted(t *testing.T) {
	c := newTestClassifier()
	ts := time.Unix(1000, 0)

	events, err := c.Classify(telemetry.LogRecord(ts, "vad: user speech detected on mic channel"))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, telemetry.KindSpeechStarted, events[0].Kind)
	assert.Equal(t, ts, events[0].Timestamp)
}

func TestClassifyKeywordWithoutMarkerProducesNothing(t *testing.T) {
	c := newTestClassifier()
	ts := time.Now()

	// Bare keywords without their co-occurring markers must not classify.
	for _, line := range []string{
		"speech",
		"initializing speech pipeline",
		"transcript",
		"waiting for transcript",
		"0 errors reported",
		"state: idle -> listening", // no reason token
	} {
		events, err := c.Classify(telemetry.LogRecord(ts, line))
		require.NoError(t, err)
		assert.Empty(t, events, "line %q should not classify", line)
	}
}

func TestClassifyTranscriptComplete(t *testing.T) {
	c := newTestClassifier()

	events, err := c.Classify(telemetry.LogRecord(time.Now(), `final transcript: "turn on the lights"`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, telemetry.KindTranscriptComplete, events[0].Kind)
	assert.Equal(t, "turn on the lights", events[0].Transcript)
}

func TestClassifyStateTransitionRequiresReason(t *testing.T) {
	c := newTestClassifier()

	events, err := c.Classify(telemetry.LogRecord(time.Now(), "state: speaking -> listening reason=barge_in"))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, telemetry.KindStateTransition, events[0].Kind)
	assert.Equal(t, "speaking", events[0].From)
	assert.Equal(t, "listening", events[0].To)
	assert.Equal(t, telemetry.ReasonBargeIn, events[0].Reason)
}

func TestClassifyBargeInProbe(t *testing.T) {
	c := newTestClassifier()

	events, err := c.Classify(telemetry.LogRecord(time.Now(), "barge-in probe: active_ref=true sources=2 will_trigger=false"))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, telemetry.KindBargeInProbe, events[0].Kind)
	require.NotNil(t, events[0].Probe)
	assert.True(t, events[0].Probe.IsActiveRef)
	assert.Equal(t, 2, events[0].Probe.ActiveSourceCount)
	assert.False(t, events[0].Probe.WillTrigger)
}

func TestClassifyMultipleCategoriesOneRecord(t *testing.T) {
	c := newTestClassifier()

	events, err := c.Classify(telemetry.LogRecord(time.Now(),
		"response complete; state: speaking -> listening reason=natural"))
	require.NoError(t, err)
	require.Len(t, events, 2)

	kinds := map[telemetry.EventKind]bool{}
	for _, ev := range events {
		kinds[ev.Kind] = true
	}
	assert.True(t, kinds[telemetry.KindResponseComplete])
	assert.True(t, kinds[telemetry.KindStateTransition])
}

func TestClassifyFirstRulePerCategoryWins(t *testing.T) {
	c := newTestClassifier()

	// Two phrasings that both match the response-complete category must
	// still yield exactly one event.
	events, err := c.Classify(telemetry.LogRecord(time.Now(), "response complete, playback finished"))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, telemetry.KindResponseComplete, events[0].Kind)
}

func TestClassifyErrorLine(t *testing.T) {
	c := newTestClassifier()

	events, err := c.Classify(telemetry.LogRecord(time.Now(), "[error] worklet crashed"))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, telemetry.KindError, events[0].Kind)
	assert.Equal(t, "worklet crashed", events[0].Detail)
}

func TestClassifyStructuredBypassesTextRules(t *testing.T) {
	c := newTestClassifier()
	ts := time.Unix(2000, 0)

	payload, _ := json.Marshal(map[string]string{"text": "hello"})
	events, err := c.Classify(telemetry.MessageRecord(time.Now(), &telemetry.StructuredMessage{
		Type:      TypeTranscriptComplete,
		Timestamp: ts,
		Payload:   payload,
	}))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, telemetry.KindTranscriptComplete, events[0].Kind)
	assert.Equal(t, "hello", events[0].Transcript)
	assert.Equal(t, ts, events[0].Timestamp, "structured timestamp should win over receipt time")
}

func TestClassifyStructuredTransition(t *testing.T) {
	c := newTestClassifier()

	payload, _ := json.Marshal(map[string]string{"from": "speaking", "to": "listening", "reason": "barge_in"})
	events, err := c.Classify(telemetry.MessageRecord(time.Now(), &telemetry.StructuredMessage{
		Type:    TypeStateTransition,
		Payload: payload,
	}))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, telemetry.ReasonBargeIn, events[0].Reason)
}

func TestClassifyStructuredMalformed(t *testing.T) {
	c := newTestClassifier()

	cases := []*telemetry.StructuredMessage{
		{Type: TypeTranscriptComplete, Payload: json.RawMessage(`{"nope":1}`)},
		{Type: TypeTranscriptComplete, Payload: json.RawMessage(`not json`)},
		{Type: TypeStateTransition, Payload: json.RawMessage(`{}`)},
		{},
	}

	for i, msg := range cases {
		events, err := c.Classify(telemetry.MessageRecord(time.Now(), msg))
		assert.Empty(t, events, "case %d", i)
		assert.True(t, errors.Is(err, errors.ErrMalformedRecord), "case %d should report malformed", i)
	}
}

func TestClassifyStructuredUnknownTypeIgnored(t *testing.T) {
	c := newTestClassifier()

	events, err := c.Classify(telemetry.MessageRecord(time.Now(), &telemetry.StructuredMessage{
		Type: "debug.heartbeat",
	}))
	assert.NoError(t, err, "unknown types are ignored, not malformed")
	assert.Empty(t, events)
}

func TestClassifyEmptyRecord(t *testing.T) {
	c := newTestClassifier()

	events, err := c.Classify(telemetry.RawRecord{ReceivedAt: time.Now(), Source: telemetry.SourceLog})
	assert.NoError(t, err)
	assert.Empty(t, events)
}
