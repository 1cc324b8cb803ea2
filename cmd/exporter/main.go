package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/R167/g3_exporter/internal/client"
	"github.com/R167/g3_exporter/internal/collector"
	"github.com/R167/g3_exporter/internal/config"
	"github.com/R167/g3_exporter/internal/sink"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	listenAddr := flag.String("listen", cfg.ListenAddr, "Address to listen on for metrics")
	address := flag.String("address", cfg.Address, "Glasses address (host[:port]); discovered when empty")
	logLevel := flag.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	pollInterval := flag.Duration("poll-interval", cfg.PollInterval, "Battery poll interval")
	kafkaBrokers := flag.String("kafka-brokers", strings.Join(cfg.KafkaBrokers, ","), "Comma separated Kafka brokers for telemetry (optional)")
	kafkaTopic := flag.String("kafka-topic", cfg.KafkaTopic, "Kafka topic for telemetry")
	postgresURI := flag.String("postgres", cfg.PostgresURI, "PostgreSQL connection string for telemetry (optional)")
	mqttBroker := flag.String("mqtt-broker", cfg.MQTTBroker, "MQTT broker URL for telemetry (optional)")
	mqttPrefix := flag.String("mqtt-prefix", cfg.MQTTTopicPrefix, "MQTT topic prefix")
	sqlitePath := flag.String("sqlite", cfg.SQLitePath, "SQLite database file for telemetry (optional)")
	flag.Parse()

	// Setup structured logging
	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to the glasses, discovering them when no address is given
	opts := []client.Option{
		client.WithLogger(logger),
		client.WithDiscoveryTimeout(cfg.DiscoveryTimeout),
		client.WithRequestTimeout(cfg.RequestTimeout),
	}
	if *address != "" {
		opts = append(opts, client.WithAddress(*address))
	}
	g3, err := client.New(ctx, opts...)
	if err != nil {
		logger.Error("Failed to connect to glasses", "error", err)
		os.Exit(1)
	}
	defer g3.Close()

	serial, err := g3.HeadUnitSerial(ctx)
	if err != nil {
		logger.Warn("Failed to read head unit serial, using address as device id", "error", err)
		serial = g3.Address()
	}

	// Optional telemetry sinks
	var sinks sink.Multi
	if brokers := splitList(*kafkaBrokers); len(brokers) > 0 {
		sinks = append(sinks, sink.NewKafkaSink(brokers, *kafkaTopic, logger))
		logger.Info("Publishing telemetry to Kafka", "brokers", brokers, "topic", *kafkaTopic)
	}
	if *postgresURI != "" {
		pg, err := sink.NewPostgresSink(ctx, *postgresURI, logger)
		if err != nil {
			logger.Error("Failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, pg)
		logger.Info("Storing telemetry in PostgreSQL")
	}
	if *mqttBroker != "" {
		mq, err := sink.NewMQTTSink(*mqttBroker, "g3-exporter-"+serial, *mqttPrefix, logger)
		if err != nil {
			logger.Error("Failed to connect to MQTT broker", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, mq)
		logger.Info("Publishing telemetry to MQTT", "broker", *mqttBroker, "prefix", *mqttPrefix)
	}
	if *sqlitePath != "" {
		lite, err := sink.NewSQLiteSink(ctx, *sqlitePath, logger)
		if err != nil {
			logger.Error("Failed to open SQLite database", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, lite)
		logger.Info("Storing telemetry in SQLite", "path", *sqlitePath)
	}
	defer sinks.Close()

	var telemetry sink.Sink
	if len(sinks) > 0 {
		telemetry = sinks
	}

	// Keep the session alive across glasses reboots and Wi-Fi drops
	go superviseSession(ctx, g3, logger)

	// Create and start battery tracker
	batteryTracker := collector.NewBatteryTracker(g3, telemetry, serial, *pollInterval, logger)
	go batteryTracker.Start(ctx)

	// Create and register glasses collector
	g3Collector := collector.NewG3Collector(g3, batteryTracker, logger)
	prometheus.MustRegister(g3Collector)

	// Setup HTTP server with timeouts
	http.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:         *listenAddr,
		Handler:      nil,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start HTTP server in goroutine
	go func() {
		logger.Info("Starting G3 exporter", "address", *listenAddr, "glasses", g3.Address(), "serial", serial)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			cancel() // Cancel context before exit
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutdown signal received, stopping gracefully...")

	// Shutdown HTTP server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Stop battery tracker
	cancel()
	batteryTracker.Stop()

	logger.Info("Exporter stopped")
}

// superviseSession reconnects with exponential backoff whenever the session ends
func superviseSession(ctx context.Context, g3 *client.G3Client, logger *slog.Logger) {
	b := newReconnectBackOff()

	for {
		if s := g3.Session(); s != nil {
			select {
			case <-ctx.Done():
				return
			case <-s.Done():
				logger.Warn("Glasses session ended", "error", s.Err())
			}
		}

		err := backoff.RetryNotify(
			func() error { return g3.Connect(ctx) },
			backoff.WithContext(b, ctx),
			func(err error, next time.Duration) {
				logger.Warn("Reconnect failed", "error", err, "retry_in", next)
			},
		)
		if err != nil {
			// Only a cancelled context stops the retries
			return
		}
		logger.Info("Reconnected to glasses", "address", g3.Address())
	}
}

// newReconnectBackOff starts at one second, caps at one minute and never
// gives up.
func newReconnectBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	return b
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
