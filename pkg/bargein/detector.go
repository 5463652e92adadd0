package bargein

import (
	"time"

	"github.com/sirupsen/logrus"

	"voicegate/pkg/telemetry"
)

// Outcome is the interruption classification for the latest qualifying
// speech. Confirmed and Attempted are independent signals: Confirmed means
// the system explicitly reported a barge-in reason, Attempted means only
// circumstantial evidence was observed. Callers must not treat one as
// implying the other.
type Outcome struct {
	Confirmed  bool          `json:"confirmed"`
	Attempted  bool          `json:"attempted"`
	Latency    time.Duration `json:"latency,omitempty"`
	HasLatency bool          `json:"has_latency"`
}

// Detector classifies interruptions from the event stream. Like the session
// it is single-threaded and owned by one test execution.
type Detector struct {
	logger *logrus.Entry

	outcome Outcome

	// Response window tracking.
	responseInFlight bool

	// Pending qualifying speech awaiting its nearest following stop event.
	pendingSpeechAt time.Time
	speechPending   bool

	// An attempt is open when circumstantial evidence fired during the
	// current response and no explicit reason has arrived yet.
	attemptOpen bool

	attempts      int
	confirmed     int
	falseAttempts int

	latencies []time.Duration
}

// Stats are the interruption counters derived from the stream so far.
type Stats struct {
	// Attempts counts every interruption attempt observed, whether or not
	// it was later confirmed.
	Attempts int `json:"attempts"`
	// Confirmed counts attempts the system explicitly confirmed with a
	// barge_in reason.
	Confirmed int `json:"confirmed"`
	// False counts attempts that ended without confirmation.
	False int `json:"false"`
}

// New creates a detector with an empty outcome.
func New(logger *logrus.Logger) *Detector {
	return &Detector{
		logger: logger.WithField("component", "bargein"),
	}
}

// Observe consumes one classified event and updates the outcome.
func (d *Detector) Observe(ev telemetry.Event) {
	switch ev.Kind {
	case telemetry.KindResponseStarted:
		d.responseInFlight = true

	case telemetry.KindSpeechStarted:
		if d.responseInFlight {
			// Speech while a response is playing is the weak signal.
			d.outcome.Attempted = true
			d.openAttempt()
			d.pendingSpeechAt = ev.Timestamp
			d.speechPending = true
			d.logger.WithField("at", ev.Timestamp).Debug("Speech during active response")
		}

	case telemetry.KindBargeInProbe:
		if ev.Probe != nil && ev.Probe.WillTrigger {
			d.outcome.Attempted = true
			d.openAttempt()
		}

	case telemetry.KindStateTransition:
		d.settleLatency(ev.Timestamp)
		switch ev.Reason {
		case telemetry.ReasonBargeIn:
			// The only signal that confirms. Heuristics never promote.
			d.outcome.Confirmed = true
			d.confirmed++
			if d.attemptOpen {
				d.attemptOpen = false
			} else {
				// Confirmation without a prior heuristic still counts as
				// an attempt that happened.
				d.attempts++
			}
			d.logger.WithFields(logrus.Fields{
				"from": ev.From,
				"to":   ev.To,
			}).Info("Barge-in confirmed by explicit reason")
		case telemetry.ReasonNatural:
			d.closeAttempt("natural completion")
		}

	case telemetry.KindResponseComplete:
		d.settleLatency(ev.Timestamp)
		d.responseInFlight = false
		d.closeAttempt("response completed")
	}
}

// settleLatency binds the pending qualifying speech to its nearest following
// stop/transition event. Later events must not inflate the measurement.
func (d *Detector) settleLatency(at time.Time) {
	if !d.speechPending {
		return
	}
	d.speechPending = false
	if at.Before(d.pendingSpeechAt) {
		return
	}
	d.outcome.Latency = at.Sub(d.pendingSpeechAt)
	d.outcome.HasLatency = true
	d.latencies = append(d.latencies, d.outcome.Latency)
}

// openAttempt starts a new attempt unless one is already pending.
func (d *Detector) openAttempt() {
	if d.attemptOpen {
		return
	}
	d.attemptOpen = true
	d.attempts++
}

// closeAttempt resolves an open heuristic attempt that was never confirmed.
// That is the false-positive case the counters track.
func (d *Detector) closeAttempt(cause string) {
	if !d.attemptOpen {
		return
	}
	d.attemptOpen = false
	d.falseAttempts++
	d.logger.WithField("cause", cause).Debug("Interruption attempt ended without confirmation")
}

// Outcome returns the latest interruption classification.
func (d *Detector) Outcome() Outcome {
	return d.outcome
}

// Stats returns the interruption counters.
func (d *Detector) Stats() Stats {
	return Stats{Attempts: d.attempts, Confirmed: d.confirmed, False: d.falseAttempts}
}

// Latencies returns every interruption latency measured so far, in
// measurement order.
func (d *Detector) Latencies() []time.Duration {
	out := make([]time.Duration, len(d.latencies))
	copy(out, d.latencies)
	return out
}
