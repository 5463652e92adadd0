package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"voicegate/pkg/errors"
	"voicegate/pkg/quality"
)

// Config is the complete application configuration, loaded from the
// environment with optional .env support.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Ingest    IngestConfig    `json:"ingest"`
	Metrics   MetricsConfig   `json:"metrics"`
	Messaging MessagingConfig `json:"messaging"`
	Gate      GateConfig      `json:"gate"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `json:"level"`  // LOG_LEVEL, default "info"
	Format string `json:"format"` // LOG_FORMAT, "text" or "json", default "text"
}

// IngestConfig controls the websocket feed server.
type IngestConfig struct {
	Enabled         bool          `json:"enabled"`           // INGEST_ENABLED
	ListenAddr      string        `json:"listen_addr"`       // INGEST_LISTEN_ADDR, default ":8085"
	Path            string        `json:"path"`              // INGEST_PATH, default "/feed"
	MaxMessageBytes int64         `json:"max_message_bytes"` // INGEST_MAX_MESSAGE_BYTES, default 65536
	WriteTimeout    time.Duration `json:"write_timeout"`     // INGEST_WRITE_TIMEOUT, default 10s
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `json:"enabled"`     // METRICS_ENABLED, default true
	ListenAddr string `json:"listen_addr"` // METRICS_LISTEN_ADDR, default ":9095"
	Path       string `json:"path"`        // METRICS_PATH, default "/metrics"
}

// MessagingConfig controls AMQP publication of turns and verdicts.
type MessagingConfig struct {
	Enabled   bool   `json:"enabled"`    // AMQP_ENABLED
	URL       string `json:"url"`        // AMQP_URL
	QueueName string `json:"queue_name"` // AMQP_QUEUE_NAME, default "voicegate_verdicts"
}

// GateConfig carries the default threshold policy evaluated by the CLI.
// Thresholds use quality counter names; LatencyTargets maps a histogram
// metric to its percentile targets.
type GateConfig struct {
	Thresholds     quality.Thresholds            `json:"thresholds"`
	LatencyTargets map[string]map[string]float64 `json:"latency_targets"`
}

// Load reads configuration from the environment. A missing .env file is
// fine; explicit environment variables always win.
func Load(logger *logrus.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.WithError(err).Debug("No .env file loaded, using environment only")
	}

	cfg := &Config{
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		Ingest: IngestConfig{
			Enabled:         getEnvBool("INGEST_ENABLED", false),
			ListenAddr:      getEnv("INGEST_LISTEN_ADDR", ":8085"),
			Path:            getEnv("INGEST_PATH", "/feed"),
			MaxMessageBytes: int64(getEnvInt("INGEST_MAX_MESSAGE_BYTES", 65536)),
			WriteTimeout:    getEnvDuration("INGEST_WRITE_TIMEOUT", 10*time.Second),
		},
		Metrics: MetricsConfig{
			Enabled:    getEnvBool("METRICS_ENABLED", true),
			ListenAddr: getEnv("METRICS_LISTEN_ADDR", ":9095"),
			Path:       getEnv("METRICS_PATH", "/metrics"),
		},
		Messaging: MessagingConfig{
			Enabled:   getEnvBool("AMQP_ENABLED", false),
			URL:       getEnv("AMQP_URL", ""),
			QueueName: getEnv("AMQP_QUEUE_NAME", "voicegate_verdicts"),
		},
		Gate: GateConfig{
			Thresholds:     parseThresholds(getEnv("GATE_THRESHOLDS", "")),
			LatencyTargets: parseLatencyTargets(getEnv("GATE_LATENCY_TARGETS", "")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Messaging.Enabled && c.Messaging.URL == "" {
		return errors.Wrap(errors.ErrInvalidConfig, "AMQP_ENABLED requires AMQP_URL")
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return errors.Wrap(errors.ErrInvalidConfig, "bad LOG_LEVEL").WithField("level", c.Logging.Level)
	}
	return nil
}

// LogLevel returns the parsed logrus level.
func (c *Config) LogLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// parseThresholds parses "errors=0,total_turns_min=1" style pairs. Bad
// pairs are dropped rather than fatal.
func parseThresholds(s string) quality.Thresholds {
	thresholds := make(quality.Thresholds)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, raw, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			continue
		}
		thresholds[strings.TrimSpace(key)] = value
	}
	return thresholds
}

// parseLatencyTargets parses "turn:p50=800 p99=2000;barge_in:p50=150"
// style specs into per-metric target maps.
func parseLatencyTargets(s string) map[string]map[string]float64 {
	targets := make(map[string]map[string]float64)
	for _, spec := range strings.Split(s, ";") {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		metric, rest, ok := strings.Cut(spec, ":")
		if !ok {
			continue
		}
		metric = strings.TrimSpace(metric)
		for _, pair := range strings.Fields(rest) {
			key, raw, ok := strings.Cut(pair, "=")
			if !ok {
				continue
			}
			value, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				continue
			}
			if targets[metric] == nil {
				targets[metric] = make(map[string]float64)
			}
			targets[metric][key] = value
		}
	}
	return targets
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
