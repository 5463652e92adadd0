package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"voicegate/pkg/config"
	"voicegate/pkg/engine"
	"voicegate/pkg/ingest"
	"voicegate/pkg/latency"
	"voicegate/pkg/messaging"
	"voicegate/pkg/metrics"
	"voicegate/pkg/telemetry"
)

var logger = logrus.New()

func main() {
	inputPath := flag.String("input", "", "Recorded event log to replay ('-' for stdin)")
	serve := flag.Bool("serve", false, "Serve the websocket feed instead of replaying a log")
	flag.Parse()

	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	logger.SetLevel(cfg.LogLevel())
	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	if cfg.Metrics.Enabled {
		metrics.Init(logger)
	}

	eng := engine.New(logger)

	var publisher *messaging.Publisher
	if cfg.Messaging.Enabled {
		publisher = messaging.NewPublisher(logger, messaging.Config{
			URL:       cfg.Messaging.URL,
			QueueName: cfg.Messaging.QueueName,
		})
		if err := publisher.Connect(); err != nil {
			logger.WithError(err).Warn("AMQP unavailable, verdicts will not be published")
			publisher = nil
		} else {
			defer publisher.Disconnect()
		}
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics)
	}

	switch {
	case *serve:
		runFeed(cfg, eng)
	case *inputPath != "":
		if err := replayLog(*inputPath, eng); err != nil {
			logger.WithError(err).Fatal("Replay failed")
		}
	default:
		logger.Fatal("Either -input or -serve is required")
	}

	report(cfg, eng, publisher)
}

// serveMetrics exposes the Prometheus endpoint.
func serveMetrics(cfg config.MetricsConfig) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, metrics.Handler())
	logger.WithField("addr", cfg.ListenAddr).Info("Metrics endpoint listening")
	if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
		logger.WithError(err).Error("Metrics endpoint failed")
	}
}

// runFeed serves the websocket feed until interrupted.
func runFeed(cfg *config.Config, eng *engine.Engine) {
	mux := http.NewServeMux()
	server := ingest.NewServer(logger, eng, ingest.Config{
		Path:            cfg.Ingest.Path,
		MaxMessageBytes: cfg.Ingest.MaxMessageBytes,
		WriteTimeout:    cfg.Ingest.WriteTimeout,
	})
	server.Register(mux)

	httpServer := &http.Server{Addr: cfg.Ingest.ListenAddr, Handler: mux}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.WithFields(logrus.Fields{
			"addr": cfg.Ingest.ListenAddr,
			"path": cfg.Ingest.Path,
		}).Info("Feed listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Feed server failed")
		}
	}()

	<-done
	logger.Info("Shutting down")
	httpServer.Close()
}

// replayLog feeds a recorded event log through the engine, one record per
// line. Lines starting with '{' are structured messages; anything else is
// a free-text diagnostic line, optionally prefixed with an RFC3339
// timestamp.
func replayLog(path string, eng *engine.Engine) error {
	var reader io.Reader
	if path == "-" {
		reader = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		reader = f
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lines := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		eng.RecordEvent(parseLine(line))
		lines++
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	logger.WithField("records", lines).Info("Replay complete")
	return nil
}

// parseLine turns one log line into a raw record.
func parseLine(line string) telemetry.RawRecord {
	now := time.Now()

	if strings.HasPrefix(line, "{") {
		var msg telemetry.StructuredMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			// Feed it through anyway so the malformed counter sees it.
			return telemetry.MessageRecord(now, &telemetry.StructuredMessage{})
		}
		return telemetry.MessageRecord(now, &msg)
	}

	// Optional leading timestamp: "2026-01-02T15:04:05.000Z text...".
	if fields := strings.SplitN(line, " ", 2); len(fields) == 2 {
		if ts, err := time.Parse(time.RFC3339Nano, fields[0]); err == nil {
			return telemetry.LogRecord(ts, fields[1])
		}
	}

	return telemetry.LogRecord(now, line)
}

// report prints the summary, evaluates the configured gates, publishes
// verdicts, and exits non-zero if any gate failed.
func report(cfg *config.Config, eng *engine.Engine, publisher *messaging.Publisher) {
	fmt.Print(eng.Summary())

	if publisher != nil {
		for _, turn := range eng.Turns() {
			if err := publisher.PublishTurn(eng.SessionID(), turn); err != nil {
				logger.WithError(err).Warn("Failed to publish turn")
			}
		}
	}

	failed := false

	if len(cfg.Gate.Thresholds) > 0 {
		verdict := eng.AssertQualityThresholds(cfg.Gate.Thresholds)
		printVerdict("quality", verdict)
		if publisher != nil {
			if err := publisher.PublishVerdict(eng.SessionID(), "quality", verdict, eng.Summary()); err != nil {
				logger.WithError(err).Warn("Failed to publish quality verdict")
			}
		}
		if !verdict.Pass {
			failed = true
		}
	}

	for _, metric := range sortedMetricNames(cfg.Gate.LatencyTargets) {
		verdict := eng.AssertTargets(metric, cfg.Gate.LatencyTargets[metric])
		printVerdict("latency/"+metric, verdict)
		if publisher != nil {
			if err := publisher.PublishVerdict(eng.SessionID(), "latency/"+metric, verdict, ""); err != nil {
				logger.WithError(err).Warn("Failed to publish latency verdict")
			}
		}
		if !verdict.Pass {
			failed = true
		}
	}

	if failed {
		os.Exit(1)
	}
}

func printVerdict(name string, verdict latency.Verdict) {
	status := "PASS"
	if !verdict.Pass {
		status = "FAIL"
	}
	fmt.Printf("Gate %-20s %s (samples=%d)\n", name, status, verdict.Samples)
	if verdict.Note != "" {
		fmt.Printf("  note: %s\n", verdict.Note)
	}
	for _, failure := range verdict.Failures {
		fmt.Printf("  - %s\n", failure)
	}
}

func sortedMetricNames(targets map[string]map[string]float64) []string {
	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
