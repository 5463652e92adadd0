package messaging

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"voicegate/pkg/errors"
	"voicegate/pkg/latency"
	"voicegate/pkg/metrics"
	"voicegate/pkg/session"
)

// TurnMessage is the JSON shape published for each sealed turn.
type TurnMessage struct {
	SessionID  string       `json:"session_id"`
	Turn       session.Turn `json:"turn"`
	LatencyMs  int64        `json:"latency_ms"`
	ResponseMs int64        `json:"response_ms"`
	Timestamp  time.Time    `json:"timestamp"`
}

// VerdictMessage is the JSON shape published for each quality gate verdict.
type VerdictMessage struct {
	SessionID string          `json:"session_id"`
	Gate      string          `json:"gate"`
	Verdict   latency.Verdict `json:"verdict"`
	Summary   string          `json:"summary,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Config holds publisher configuration.
type Config struct {
	URL       string
	QueueName string
}

// Publisher delivers sealed turns and gate verdicts to an AMQP queue so
// downstream reporting can consume them without touching the engine.
type Publisher struct {
	logger *logrus.Entry
	config Config

	mu        sync.Mutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
}

// NewPublisher creates a publisher. Connect must be called before
// publishing.
func NewPublisher(logger *logrus.Logger, config Config) *Publisher {
	return &Publisher{
		logger: logger.WithField("component", "messaging"),
		config: config,
	}
}

// Connect dials the AMQP server, opens a channel, and declares the queue.
func (p *Publisher) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.connected {
		return nil
	}
	if p.config.URL == "" || p.config.QueueName == "" {
		return errors.Wrap(errors.ErrInvalidConfig, "AMQP URL and queue name are required")
	}

	conn, err := amqp.Dial(p.config.URL)
	if err != nil {
		return errors.Wrap(err, "failed to connect to AMQP server")
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "failed to open AMQP channel")
	}

	if _, err := channel.QueueDeclare(
		p.config.QueueName,
		true,  // Durable
		false, // Delete when unused
		false, // Exclusive
		false, // No-wait
		nil,   // Arguments
	); err != nil {
		channel.Close()
		conn.Close()
		return errors.Wrap(err, "failed to declare AMQP queue").WithField("queue", p.config.QueueName)
	}

	p.conn = conn
	p.channel = channel
	p.connected = true

	go p.monitorConnection(conn)

	p.logger.WithField("queue", p.config.QueueName).Info("Connected to AMQP server")
	return nil
}

// monitorConnection marks the publisher disconnected when the server drops
// the connection; the next publish reports ErrNotConnected instead of
// writing to a dead channel.
func (p *Publisher) monitorConnection(conn *amqp.Connection) {
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	err := <-closed

	p.mu.Lock()
	if p.conn == conn {
		p.connected = false
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.WithError(err).Warn("AMQP connection closed")
	}
}

// PublishTurn publishes one sealed turn.
func (p *Publisher) PublishTurn(sessionID string, turn session.Turn) error {
	msg := TurnMessage{
		SessionID:  sessionID,
		Turn:       turn,
		LatencyMs:  turn.Latency().Milliseconds(),
		ResponseMs: turn.ResponseLatency().Milliseconds(),
		Timestamp:  time.Now(),
	}
	return p.publish("turn", msg)
}

// PublishVerdict publishes one quality gate verdict.
func (p *Publisher) PublishVerdict(sessionID, gate string, verdict latency.Verdict, summary string) error {
	msg := VerdictMessage{
		SessionID: sessionID,
		Gate:      gate,
		Verdict:   verdict,
		Summary:   summary,
		Timestamp: time.Now(),
	}
	return p.publish("verdict", msg)
}

func (p *Publisher) publish(kind string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		metrics.IncCounter(metrics.PublishErrors)
		return errors.Wrap(errors.ErrNotConnected, "cannot publish").WithField("kind", kind)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		metrics.IncCounter(metrics.PublishErrors)
		return errors.Wrap(err, "failed to marshal message").WithField("kind", kind)
	}

	if err := p.channel.Publish(
		"",                 // Exchange
		p.config.QueueName, // Routing key
		false,              // Mandatory
		false,              // Immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	); err != nil {
		metrics.IncCounter(metrics.PublishErrors)
		return errors.Wrap(err, "failed to publish message").WithField("kind", kind)
	}

	metrics.IncCounterVec(metrics.VerdictsPublished, kind)
	return nil
}

// Connected reports whether the publisher currently holds a live
// connection.
func (p *Publisher) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Disconnect closes the channel and connection.
func (p *Publisher) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return
	}
	p.connected = false

	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}

	p.logger.Info("Disconnected from AMQP server")
}
