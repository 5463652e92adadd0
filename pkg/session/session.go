package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"voicegate/pkg/telemetry"
)

// State is the position of the current turn in its lifecycle.
type State int

const (
	StateWaitingForSpeech State = iota
	StateSpeechDetected
	StateTranscriptReceived
	StateResponseStarted
)

// String returns the state name used in diagnostics.
func (s State) String() string {
	switch s {
	case StateWaitingForSpeech:
		return "waiting_for_speech"
	case StateSpeechDetected:
		return "speech_detected"
	case StateTranscriptReceived:
		return "transcript_received"
	case StateResponseStarted:
		return "response_started"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Transition records one state transition observed within a turn.
type Transition struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Turn is one reconstructed user-utterance-to-AI-response cycle. Zero
// timestamps mean the corresponding event was never observed.
type Turn struct {
	Index                int          `json:"index"`
	SpeechStartedAt      time.Time    `json:"speech_started_at,omitempty"`
	TranscriptCompleteAt time.Time    `json:"transcript_complete_at,omitempty"`
	TranscriptText       string       `json:"transcript_text,omitempty"`
	ResponseStartedAt    time.Time    `json:"response_started_at,omitempty"`
	ResponseCompleteAt   time.Time    `json:"response_complete_at,omitempty"`
	Transitions          []Transition `json:"transitions,omitempty"`
}

// Latency is the full turn latency, speech start to response complete. Zero
// when either endpoint was not observed.
func (t Turn) Latency() time.Duration {
	if t.SpeechStartedAt.IsZero() || t.ResponseCompleteAt.IsZero() {
		return 0
	}
	return t.ResponseCompleteAt.Sub(t.SpeechStartedAt)
}

// ResponseLatency is the response generation latency, transcript complete to
// response start. Zero when either endpoint was not observed.
func (t Turn) ResponseLatency() time.Duration {
	if t.TranscriptCompleteAt.IsZero() || t.ResponseStartedAt.IsZero() {
		return 0
	}
	return t.ResponseStartedAt.Sub(t.TranscriptCompleteAt)
}

// Diagnosis names exactly which event the current turn is stuck waiting on,
// so a caller that timed out can render an actionable failure.
type Diagnosis struct {
	State     State         `json:"-"`
	Missing   string        `json:"missing"`
	TurnIndex int           `json:"turn_index"`
	OpenFor   time.Duration `json:"open_for"`
}

// Session reconstructs discrete conversation turns from classified events.
// It is owned by a single test execution and must not be shared across
// concurrent executions.
type Session struct {
	ID        string
	StartedAt time.Time

	logger *logrus.Entry

	state     State
	current   Turn
	completed []Turn

	// High-water timestamp; out-of-order event timestamps are clamped to it.
	lastSeen time.Time
}

// New creates an empty session with turn index 0 open.
func New(logger *logrus.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		ID:        id,
		StartedAt: time.Now(),
		logger:    logger.WithFields(logrus.Fields{"component": "session", "session_id": id}),
		state:     StateWaitingForSpeech,
		current:   Turn{Index: 0},
	}
}

// Apply consumes one classified event. It returns the sealed turn when the
// event completed a turn, nil otherwise. Events that do not belong to the
// turn lifecycle are ignored.
func (s *Session) Apply(ev telemetry.Event) *Turn {
	ts := s.clamp(ev.Timestamp)

	switch ev.Kind {
	case telemetry.KindSpeechStarted:
		// Idempotent within an open turn: only the first occurrence counts.
		if s.current.SpeechStartedAt.IsZero() {
			s.current.SpeechStartedAt = ts
		}
		if s.state == StateWaitingForSpeech {
			s.state = StateSpeechDetected
		}

	case telemetry.KindTranscriptComplete:
		if s.state < StateSpeechDetected {
			s.logger.WithField("turn", s.current.Index).Debug("Transcript before speech, ignoring")
			return nil
		}
		s.current.TranscriptCompleteAt = ts
		s.current.TranscriptText = ev.Transcript
		if s.state < StateTranscriptReceived {
			s.state = StateTranscriptReceived
		}

	case telemetry.KindResponseStarted:
		// The guard: response events without a received transcript are
		// setup-phase noise, not part of a conversational turn.
		if s.state < StateTranscriptReceived {
			s.logger.WithField("turn", s.current.Index).Debug("Response start without transcript, ignoring")
			return nil
		}
		if s.current.ResponseStartedAt.IsZero() {
			s.current.ResponseStartedAt = ts
		}
		s.state = StateResponseStarted

	case telemetry.KindResponseComplete:
		if s.state < StateTranscriptReceived {
			s.logger.WithField("turn", s.current.Index).Debug("Response complete without transcript, ignoring")
			return nil
		}
		s.current.ResponseCompleteAt = ts
		return s.seal()

	case telemetry.KindStateTransition:
		s.current.Transitions = append(s.current.Transitions, Transition{
			From:      ev.From,
			To:        ev.To,
			Reason:    ev.Reason,
			Timestamp: ts,
		})
	}

	return nil
}

// seal moves the current turn onto the completed list and opens the next one.
func (s *Session) seal() *Turn {
	sealed := s.current
	s.completed = append(s.completed, sealed)

	s.logger.WithFields(logrus.Fields{
		"turn":       sealed.Index,
		"latency_ms": sealed.Latency().Milliseconds(),
		"transcript": sealed.TranscriptText,
	}).Info("Turn sealed")

	s.current = Turn{Index: sealed.Index + 1}
	s.state = StateWaitingForSpeech

	return &sealed
}

// clamp tolerates out-of-order timestamps from the partially controlled
// source by taking the maximum of the new and last-seen timestamp.
func (s *Session) clamp(ts time.Time) time.Time {
	if ts.Before(s.lastSeen) {
		return s.lastSeen
	}
	s.lastSeen = ts
	return ts
}

// State returns the lifecycle position of the current turn.
func (s *Session) State() State {
	return s.state
}

// CompletedTurns returns a copy of the sealed turns in seal order.
func (s *Session) CompletedTurns() []Turn {
	out := make([]Turn, len(s.completed))
	copy(out, s.completed)
	return out
}

// CompletedCount returns the number of sealed turns.
func (s *Session) CompletedCount() int {
	return len(s.completed)
}

// CurrentTurn returns a snapshot of the open turn.
func (s *Session) CurrentTurn() Turn {
	return s.current
}

// Diagnose reports which event the open turn is waiting on. The caller owns
// timeout policy; a late event arriving after this is still processed
// normally by Apply.
func (s *Session) Diagnose(now time.Time) Diagnosis {
	d := Diagnosis{State: s.state, TurnIndex: s.current.Index}

	switch s.state {
	case StateWaitingForSpeech:
		d.Missing = "speechStarted not observed"
	case StateSpeechDetected:
		d.Missing = "transcriptComplete not observed"
	case StateTranscriptReceived:
		d.Missing = "responseStarted not observed"
	case StateResponseStarted:
		d.Missing = "responseComplete not observed"
	}

	openedAt := s.current.SpeechStartedAt
	if openedAt.IsZero() {
		openedAt = s.StartedAt
	}
	if now.After(openedAt) {
		d.OpenFor = now.Sub(openedAt)
	}

	return d
}
