package telemetry

import (
	"encoding/json"
	"time"
)

// Source identifies where a raw record came from.
type Source string

const (
	// SourceLog marks a free-text diagnostic line with no fixed schema.
	SourceLog Source = "log"
	// SourceMessage marks a structured message with an explicit type field.
	SourceMessage Source = "message"
)

// RawRecord is a single timestamped record from the external driver feed.
// Records arrive in receipt order but may describe logically out-of-order
// real-world events.
type RawRecord struct {
	ReceivedAt time.Time          `json:"received_at"`
	Source     Source             `json:"source"`
	Text       string             `json:"text,omitempty"`
	Structured *StructuredMessage `json:"structured,omitempty"`
}

// StructuredMessage is the fixed-schema input shape. Records carrying one
// bypass free-text pattern matching entirely; the Type field discriminates
// the event kind.
type StructuredMessage struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Direction string          `json:"direction,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventKind enumerates the typed domain events produced by classification.
type EventKind string

const (
	KindSpeechStarted      EventKind = "speech_started"
	KindTranscriptComplete EventKind = "transcript_complete"
	KindResponseStarted    EventKind = "response_started"
	KindResponseComplete   EventKind = "response_complete"
	KindStateTransition    EventKind = "state_transition"
	KindBargeInProbe       EventKind = "barge_in_probe"
	KindError              EventKind = "error"
	KindQueueOverflow      EventKind = "queue_overflow"
	KindScheduleReset      EventKind = "schedule_reset"
)

// Transition reason tags reported by the system under observation.
const (
	ReasonBargeIn = "barge_in"
	ReasonNatural = "natural"
)

// Event is one classified domain event. Kind-specific fields are zero for
// kinds that do not use them.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	// TranscriptComplete
	Transcript string `json:"transcript,omitempty"`

	// StateTransition
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Reason string `json:"reason,omitempty"`

	// BargeInProbe
	Probe *ProbeInfo `json:"probe,omitempty"`

	// Error
	Detail string `json:"detail,omitempty"`
}

// ProbeInfo carries the lower-confidence barge-in probe fields observed in
// the stream.
type ProbeInfo struct {
	IsActiveRef       bool `json:"is_active_ref"`
	ActiveSourceCount int  `json:"active_source_count"`
	WillTrigger       bool `json:"will_trigger"`
}

// LogRecord builds a free-text raw record received at the given time.
func LogRecord(receivedAt time.Time, text string) RawRecord {
	return RawRecord{ReceivedAt: receivedAt, Source: SourceLog, Text: text}
}

// MessageRecord builds a structured raw record received at the given time.
func MessageRecord(receivedAt time.Time, msg *StructuredMessage) RawRecord {
	return RawRecord{ReceivedAt: receivedAt, Source: SourceMessage, Structured: msg}
}
