package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"mqtt-http-bridge/config"
	"mqtt-http-bridge/internal/broker"
	"mqtt-http-bridge/internal/forward"
	"mqtt-http-bridge/internal/logger"
	"mqtt-http-bridge/internal/metrics"
	"mqtt-http-bridge/internal/shutdown"
	"mqtt-http-bridge/internal/stats"
)

func main() {
	// Command line flags for config files
	configPath := flag.String("config", "", "path to YAML config file (empty = environment only)")
	envPath := flag.String("env-file", config.DefaultEnvFile, "path to dotenv file, ignored if missing")

	// Optional override flags
	brokerOverride := flag.String("broker", "", "override MQTT broker URL (empty = use config)")
	topicOverride := flag.String("topic", "", "override MQTT topic (empty = use config)")
	apiURLOverride := flag.String("api-url", "", "override forward endpoint URL (empty = use config)")
	apiTimeoutOverride := flag.Duration("api-timeout", 0, "override forward request timeout (0 = use config)")
	workersOverride := flag.Int("workers", 0, "override number of forward workers (0 = use config)")
	queueSizeOverride := flag.Int("queue-size", 0, "override size of dispatch queue (0 = use config)")

	flag.Parse()

	if err := config.LoadEnvFile(*envPath); err != nil {
		log.Fatalf("failed to load env file: %v", err)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Apply any command line overrides
	if err := cfg.ApplyOverrides(
		*brokerOverride,
		*topicOverride,
		*apiURLOverride,
		*apiTimeoutOverride,
		*workersOverride,
		*queueSizeOverride,
	); err != nil {
		log.Fatalf("invalid command line override: %v", err)
	}

	// Initialize logger
	logger, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	broker.RouteClientLogs(logger)

	// Collectors stay in a private registry; they feed the shutdown report.
	metricsService, err := metrics.NewMetrics(prometheus.NewRegistry())
	if err != nil {
		logger.Fatal("failed to create metrics service", "error", err)
	}

	tracker := stats.NewTracker()

	processor, err := forward.NewProcessor(&cfg.API, tracker, metricsService, logger)
	if err != nil {
		logger.Fatal("failed to create processor", "error", err)
	}
	dispatcher := forward.NewDispatcher(processor, cfg.Processing, metricsService, logger)

	conn, err := broker.NewConnectionManager(&cfg.MQTT, logger, metricsService, dispatcher.Handle)
	if err != nil {
		logger.Fatal("failed to create connection manager", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := conn.Start(ctx); err != nil {
		logger.Fatal("failed to start connection manager", "error", err)
	}

	logger.Info("mqtt-http-bridge started",
		"broker", cfg.MQTT.Broker,
		"topic", cfg.MQTT.Topic,
		"endpoint", cfg.API.URL,
		"apiTimeout", cfg.API.Timeout(),
		"workers", cfg.Processing.Workers,
		"queueSize", cfg.Processing.QueueSize)

	coordinator := shutdown.NewCoordinator(logger, tracker, metricsService, cfg.Shutdown.Timeout(),
		shutdown.Step{Name: "mqtt", Fn: conn.Stop},
		shutdown.Step{Name: "dispatcher", Fn: dispatcher.Close},
	)
	coordinator.AddReportField("mqttState", func() interface{} { return conn.State() })
	coordinator.AddReportField("subscribed", func() interface{} { return conn.Subscribed() })
	coordinator.AddReportField("pending", func() interface{} { return dispatcher.Pending() })

	code := coordinator.Run(ctx)
	cancel()
	_ = logger.Sync()
	os.Exit(code)
}
