package session

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

func newTestSession() *Session {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return New(logger)
}

func ev(kind telemetry.EventKind, ms int) telemetry.Event {
	return telemetry.Event{Kind: kind, Timestamp: at(ms)}
}

func TestFullTurnLifecycle(t *testing.T) {
	s := newTestSession()

	assert.Nil(t, s.Apply(ev(telemetry.KindSpeechStarted, 0)))
	assert.Equal(t, StateSpeechDetected, s.State())

	assert.Nil(t, s.Apply(telemetry.Event{Kind: telemetry.KindTranscriptComplete, Timestamp: at(500), Transcript: "hello"}))
	assert.Equal(t, StateTranscriptReceived, s.State())

	assert.Nil(t, s.Apply(ev(telemetry.KindResponseStarted, 700)))
	assert.Equal(t, StateResponseStarted, s.State())

	sealed := s.Apply(ev(telemetry.KindResponseComplete, 4200))
	require.NotNil(t, sealed)

	assert.Equal(t, 0, sealed.Index)
	assert.Equal(t, "hello", sealed.TranscriptText)
	assert.Equal(t, 4200*time.Millisecond, sealed.Latency())
	assert.Equal(t, 1, s.CompletedCount())
	assert.Equal(t, 1, s.CurrentTurn().Index)
	assert.Equal(t, StateWaitingForSpeech, s.State())
}

func TestResponseEventsIgnoredWithoutTranscript(t *testing.T) {
	s := newTestSession()

	// A setup-phase handshake: response events with no transcript must not
	// produce a completed turn.
	assert.Nil(t, s.Apply(ev(telemetry.KindResponseStarted, 10)))
	assert.Nil(t, s.Apply(ev(telemetry.KindResponseComplete, 20)))

	assert.Equal(t, 0, s.CompletedCount())
	assert.Equal(t, StateWaitingForSpeech, s.State())

	// Same with speech but no transcript yet.
	s.Apply(ev(telemetry.KindSpeechStarted, 30))
	assert.Nil(t, s.Apply(ev(telemetry.KindResponseComplete, 40)))
	assert.Equal(t, 0, s.CompletedCount())
}

func TestTranscriptIgnoredBeforeSpeech(t *testing.T) {
	s := newTestSession()

	s.Apply(telemetry.Event{Kind: telemetry.KindTranscriptComplete, Timestamp: at(0), Transcript: "ghost"})
	assert.Equal(t, StateWaitingForSpeech, s.State())
	assert.Empty(t, s.CurrentTurn().TranscriptText)
}

func TestSpeechStartedIdempotentWithinTurn(t *testing.T) {
	s := newTestSession()

	s.Apply(ev(telemetry.KindSpeechStarted, 100))
	s.Apply(ev(telemetry.KindSpeechStarted, 900))

	assert.Equal(t, at(100), s.CurrentTurn().SpeechStartedAt, "first speech timestamp must stick")
}

func TestTurnIndexMonotonic(t *testing.T) {
	s := newTestSession()

	for i := 0; i < 3; i++ {
		offset := i * 10000
		s.Apply(ev(telemetry.KindSpeechStarted, offset))
		s.Apply(telemetry.Event{Kind: telemetry.KindTranscriptComplete, Timestamp: at(offset + 500), Transcript: "t"})
		s.Apply(ev(telemetry.KindResponseStarted, offset+700))
		sealed := s.Apply(ev(telemetry.KindResponseComplete, offset+2000))
		require.NotNil(t, sealed)
		assert.Equal(t, i, sealed.Index)
		assert.Equal(t, i+1, s.CompletedCount())
	}

	turns := s.CompletedTurns()
	require.Len(t, turns, 3)
	for i, turn := range turns {
		assert.Equal(t, i, turn.Index)
	}
}

func TestOutOfOrderTimestampClamped(t *testing.T) {
	s := newTestSession()

	s.Apply(ev(telemetry.KindSpeechStarted, 1000))
	// Transcript timestamped before the speech it follows: clamp forward.
	s.Apply(telemetry.Event{Kind: telemetry.KindTranscriptComplete, Timestamp: at(400), Transcript: "x"})

	turn := s.CurrentTurn()
	assert.Equal(t, at(1000), turn.TranscriptCompleteAt)
	assert.False(t, turn.TranscriptCompleteAt.Before(turn.SpeechStartedAt),
		"transcript must never precede speech after clamping")
}

func TestTransitionsRecordedOnTurn(t *testing.T) {
	s := newTestSession()

	s.Apply(ev(telemetry.KindSpeechStarted, 0))
	s.Apply(telemetry.Event{
		Kind:      telemetry.KindStateTransition,
		Timestamp: at(50),
		From:      "listening",
		To:        "thinking",
		Reason:    telemetry.ReasonNatural,
	})

	transitions := s.CurrentTurn().Transitions
	require.Len(t, transitions, 1)
	assert.Equal(t, "thinking", transitions[0].To)
	assert.Equal(t, telemetry.ReasonNatural, transitions[0].Reason)
}

func TestDiagnoseNamesMissingEvent(t *testing.T) {
	s := newTestSession()
	now := at(60000)

	assert.Equal(t, "speechStarted not observed", s.Diagnose(now).Missing)

	s.Apply(ev(telemetry.KindSpeechStarted, 0))
	assert.Equal(t, "transcriptComplete not observed", s.Diagnose(now).Missing)

	s.Apply(telemetry.Event{Kind: telemetry.KindTranscriptComplete, Timestamp: at(500), Transcript: "x"})
	assert.Equal(t, "responseStarted not observed", s.Diagnose(now).Missing)

	s.Apply(ev(telemetry.KindResponseStarted, 700))
	d := s.Diagnose(now)
	assert.Equal(t, "responseComplete not observed", d.Missing)
	assert.Equal(t, 60*time.Second, d.OpenFor)
	assert.Equal(t, 0, d.TurnIndex)
}

func TestLateEventAfterDiagnosisStillProcessed(t *testing.T) {
	s := newTestSession()

	s.Apply(ev(telemetry.KindSpeechStarted, 0))
	s.Apply(telemetry.Event{Kind: telemetry.KindTranscriptComplete, Timestamp: at(500), Transcript: "late"})
	s.Apply(ev(telemetry.KindResponseStarted, 700))

	// Caller timed out and diagnosed; the late completion still seals.
	_ = s.Diagnose(at(120000))
	sealed := s.Apply(ev(telemetry.KindResponseComplete, 130000))
	require.NotNil(t, sealed)
	assert.Equal(t, 1, s.CompletedCount())
}
