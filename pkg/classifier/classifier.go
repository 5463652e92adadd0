package classifier

import (
	"encoding/json"
	"regexp"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"voicegate/pkg/errors"
	"voicegate/pkg/telemetry"
)

// rule pairs a compiled matcher with an extractor. Rules are evaluated
// top-to-bottom; the first matching rule per kind produces one event and
// later rules of the same kind are skipped for that record.
type rule struct {
	kind    telemetry.EventKind
	pattern *regexp.Regexp
	extract func(matches []string, ts time.Time) telemetry.Event
}

// Classifier maps raw records to typed domain events. It holds no mutable
// state beyond its rule table, so a single instance is safe to share across
// sequential record feeds.
type Classifier struct {
	logger *logrus.Entry
	rules  []rule
}

// New creates a classifier with the default rule table.
func New(logger *logrus.Logger) *Classifier {
	return &Classifier{
		logger: logger.WithField("component", "classifier"),
		rules:  defaultRules(),
	}
}

// Classify maps one raw record to zero or more domain events. Free-text
// records go through the rule table; structured records map directly via
// their type field. A malformed structured record yields ErrMalformedRecord
// so the caller can count and skip it.
func (c *Classifier) Classify(record telemetry.RawRecord) ([]telemetry.Event, error) {
	if record.Structured != nil {
		return c.classifyStructured(record)
	}
	return c.classifyText(record), nil
}

func (c *Classifier) classifyText(record telemetry.RawRecord) []telemetry.Event {
	if record.Text == "" {
		return nil
	}

	var events []telemetry.Event
	matched := make(map[telemetry.EventKind]bool, 4)

	for _, r := range c.rules {
		if matched[r.kind] {
			continue
		}
		m := r.pattern.FindStringSubmatch(record.Text)
		if m == nil {
			continue
		}
		events = append(events, r.extract(m, record.ReceivedAt))
		matched[r.kind] = true
	}

	return events
}

// Structured message types understood by the direct mapping path.
const (
	TypeSpeechStarted      = "speech.started"
	TypeTranscriptComplete = "transcript.complete"
	TypeResponseStarted    = "response.started"
	TypeResponseComplete   = "response.complete"
	TypeStateTransition    = "state.transition"
	TypeBargeInProbe       = "bargein.probe"
	TypeError              = "error"
	TypeQueueOverflow      = "queue.overflow"
	TypeScheduleReset      = "schedule.reset"
)

type transcriptPayload struct {
	Text string `json:"text"`
}

type transitionPayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

type probePayload struct {
	IsActiveRef       bool `json:"is_active_ref"`
	ActiveSourceCount int  `json:"active_source_count"`
	WillTrigger       bool `json:"will_trigger"`
}

type errorPayload struct {
	Message string `json:"message"`
}

func (c *Classifier) classifyStructured(record telemetry.RawRecord) ([]telemetry.Event, error) {
	msg := record.Structured

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = record.ReceivedAt
	}

	ev := telemetry.Event{Timestamp: ts}

	switch msg.Type {
	case TypeSpeechStarted:
		ev.Kind = telemetry.KindSpeechStarted
	case TypeTranscriptComplete:
		var p transcriptPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Text == "" {
			return nil, errors.Wrap(errors.ErrMalformedRecord, "transcript payload").WithField("type", msg.Type)
		}
		ev.Kind = telemetry.KindTranscriptComplete
		ev.Transcript = p.Text
	case TypeResponseStarted:
		ev.Kind = telemetry.KindResponseStarted
	case TypeResponseComplete:
		ev.Kind = telemetry.KindResponseComplete
	case TypeStateTransition:
		var p transitionPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.To == "" {
			return nil, errors.Wrap(errors.ErrMalformedRecord, "transition payload").WithField("type", msg.Type)
		}
		ev.Kind = telemetry.KindStateTransition
		ev.From = p.From
		ev.To = p.To
		ev.Reason = p.Reason
	case TypeBargeInProbe:
		var p probePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, errors.Wrap(errors.ErrMalformedRecord, "probe payload").WithField("type", msg.Type)
		}
		ev.Kind = telemetry.KindBargeInProbe
		ev.Probe = &telemetry.ProbeInfo{
			IsActiveRef:       p.IsActiveRef,
			ActiveSourceCount: p.ActiveSourceCount,
			WillTrigger:       p.WillTrigger,
		}
	case TypeError:
		var p errorPayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				return nil, errors.Wrap(errors.ErrMalformedRecord, "error payload").WithField("type", msg.Type)
			}
		}
		ev.Kind = telemetry.KindError
		ev.Detail = p.Message
	case TypeQueueOverflow:
		ev.Kind = telemetry.KindQueueOverflow
	case TypeScheduleReset:
		ev.Kind = telemetry.KindScheduleReset
	case "":
		return nil, errors.Wrap(errors.ErrMalformedRecord, "missing message type")
	default:
		c.logger.WithField("type", msg.Type).Debug("Ignoring unrecognized message type")
		return nil, nil
	}

	return []telemetry.Event{ev}, nil
}

// defaultRules builds the ordered rule table for free-text diagnostic lines.
// Every pattern requires a co-occurring marker beyond its bare keyword so a
// line that merely mentions "speech" or "transcript" produces nothing.
func defaultRules() []rule {
	return []rule{
		{
			kind:    telemetry.KindSpeechStarted,
			pattern: regexp.MustCompile(`(?i)(?:user\s+)?speech\s+(?:started|detected|onset)`),
			extract: func(_ []string, ts time.Time) telemetry.Event {
				return telemetry.Event{Kind: telemetry.KindSpeechStarted, Timestamp: ts}
			},
		},
		{
			kind:    telemetry.KindTranscriptComplete,
			pattern: regexp.MustCompile(`(?i)(?:final\s+transcript|transcript\s+(?:complete|final))\s*:\s*"([^"]*)"`),
			extract: func(m []string, ts time.Time) telemetry.Event {
				return telemetry.Event{Kind: telemetry.KindTranscriptComplete, Timestamp: ts, Transcript: m[1]}
			},
		},
		{
			kind:    telemetry.KindResponseStarted,
			pattern: regexp.MustCompile(`(?i)(?:response|playback|assistant\s+audio)\s+started`),
			extract: func(_ []string, ts time.Time) telemetry.Event {
				return telemetry.Event{Kind: telemetry.KindResponseStarted, Timestamp: ts}
			},
		},
		{
			kind:    telemetry.KindResponseComplete,
			pattern: regexp.MustCompile(`(?i)(?:response\s+complete|playback\s+(?:finished|complete))`),
			extract: func(_ []string, ts time.Time) telemetry.Event {
				return telemetry.Event{Kind: telemetry.KindResponseComplete, Timestamp: ts}
			},
		},
		{
			// Free-text transitions only count with an explicit reason token;
			// a bare "state: a -> b" line is too ambiguous to classify.
			kind:    telemetry.KindStateTransition,
			pattern: regexp.MustCompile(`(?i)state(?:\s+transition)?\s*:\s*(\w+)\s*->\s*(\w+).*\breason=(\w+)`),
			extract: func(m []string, ts time.Time) telemetry.Event {
				return telemetry.Event{
					Kind:      telemetry.KindStateTransition,
					Timestamp: ts,
					From:      m[1],
					To:        m[2],
					Reason:    m[3],
				}
			},
		},
		{
			kind:    telemetry.KindBargeInProbe,
			pattern: regexp.MustCompile(`(?i)barge-?in\s+probe\s*:\s*active_ref=(\w+)\s+sources=(\d+)\s+will_trigger=(\w+)`),
			extract: func(m []string, ts time.Time) telemetry.Event {
				count, _ := strconv.Atoi(m[2])
				return telemetry.Event{
					Kind:      telemetry.KindBargeInProbe,
					Timestamp: ts,
					Probe: &telemetry.ProbeInfo{
						IsActiveRef:       parseBool(m[1]),
						ActiveSourceCount: count,
						WillTrigger:       parseBool(m[3]),
					},
				}
			},
		},
		{
			kind:    telemetry.KindQueueOverflow,
			pattern: regexp.MustCompile(`(?i)(?:audio\s+)?queue\s+overflow`),
			extract: func(_ []string, ts time.Time) telemetry.Event {
				return telemetry.Event{Kind: telemetry.KindQueueOverflow, Timestamp: ts}
			},
		},
		{
			kind:    telemetry.KindScheduleReset,
			pattern: regexp.MustCompile(`(?i)(?:schedule\s+reset|resetting\s+playback\s+schedule)`),
			extract: func(_ []string, ts time.Time) telemetry.Event {
				return telemetry.Event{Kind: telemetry.KindScheduleReset, Timestamp: ts}
			},
		},
		{
			// Requires the level tag or trailing colon; "0 errors" style
			// status lines must not classify.
			kind:    telemetry.KindError,
			pattern: regexp.MustCompile(`(?i)(?:\[error\]|\berror:)\s*(.*)`),
			extract: func(m []string, ts time.Time) telemetry.Event {
				return telemetry.Event{Kind: telemetry.KindError, Timestamp: ts, Detail: m[1]}
			},
		},
	}
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}
