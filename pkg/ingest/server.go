package ingest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"voicegate/pkg/engine"
	"voicegate/pkg/telemetry"
)

// Control frame types understood by the feed beyond raw telemetry.
const (
	// TypeLog wraps a free-text diagnostic line: payload {"text": "..."}.
	TypeLog = "log"
	// TypeSummaryRequest asks for the current summary and counters.
	TypeSummaryRequest = "summary.request"
)

// Config holds feed server configuration.
type Config struct {
	Path            string
	MaxMessageBytes int64
	WriteTimeout    time.Duration
}

// summaryResponse is pushed back to the driver on request.
type summaryResponse struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Counters  map[string]int `json:"counters"`
	Summary   string         `json:"summary"`
	Timestamp time.Time      `json:"timestamp"`
}

type logPayload struct {
	Text string `json:"text"`
}

// Server accepts websocket connections from the external driver and pumps
// every frame into the engine. One connection at a time is expected; the
// engine serializes internally either way.
type Server struct {
	logger   *logrus.Entry
	engine   *engine.Engine
	config   Config
	upgrader websocket.Upgrader
}

// NewServer creates a feed server for the given engine.
func NewServer(logger *logrus.Logger, eng *engine.Engine, config Config) *Server {
	if config.Path == "" {
		config.Path = "/feed"
	}
	if config.MaxMessageBytes == 0 {
		config.MaxMessageBytes = 64 * 1024
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}
	return &Server{
		logger: logger.WithField("component", "ingest"),
		engine: eng,
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The driver runs on the same host during tests.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Register attaches the feed handler to the mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc(s.config.Path, s.handleFeed)
}

// handleFeed upgrades the connection and reads frames until the driver
// disconnects.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to upgrade feed connection")
		return
	}
	defer conn.Close()

	conn.SetReadLimit(s.config.MaxMessageBytes)
	remote := conn.RemoteAddr().String()
	s.logger.WithField("remote", remote).Info("Feed connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.WithError(err).WithField("remote", remote).Warn("Feed read failed")
			} else {
				s.logger.WithField("remote", remote).Info("Feed disconnected")
			}
			return
		}

		s.handleFrame(conn, data)
	}
}

// handleFrame routes one inbound frame. Unparseable frames are fed as
// malformed structured records so the engine counts them.
func (s *Server) handleFrame(conn *websocket.Conn, data []byte) {
	now := time.Now()

	var msg telemetry.StructuredMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.engine.RecordEvent(telemetry.MessageRecord(now, &telemetry.StructuredMessage{}))
		s.logger.WithError(err).Debug("Dropping unparseable feed frame")
		return
	}

	switch msg.Type {
	case TypeSummaryRequest:
		s.writeSummary(conn)

	case TypeLog:
		var p logPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Text == "" {
			s.engine.RecordEvent(telemetry.MessageRecord(now, &telemetry.StructuredMessage{}))
			return
		}
		ts := msg.Timestamp
		if ts.IsZero() {
			ts = now
		}
		s.engine.RecordEvent(telemetry.LogRecord(ts, p.Text))

	default:
		s.engine.RecordEvent(telemetry.MessageRecord(now, &msg))
	}
}

func (s *Server) writeSummary(conn *websocket.Conn) {
	resp := summaryResponse{
		Type:      "summary",
		SessionID: s.engine.SessionID(),
		Counters:  s.engine.Counters(),
		Summary:   s.engine.Summary(),
		Timestamp: time.Now(),
	}

	conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := conn.WriteJSON(resp); err != nil {
		s.logger.WithError(err).Warn("Failed to write summary frame")
	}
}
