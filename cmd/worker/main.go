package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Pacies/2k-ims/internal/activity"
	"github.com/Pacies/2k-ims/internal/alerts"
	"github.com/Pacies/2k-ims/internal/config"
	"github.com/Pacies/2k-ims/internal/messaging"
	"github.com/Pacies/2k-ims/internal/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if !cfg.KafkaEnabled() {
		logger.Error("KAFKA_BROKERS environment variable is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := telemetry.Setup(ctx, telemetry.Settings{
		ServiceName:    "ims-worker",
		TracingEnabled: cfg.OTelEnabled,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() { _ = providers.Shutdown(context.Background()) }()

	db, err := telemetry.OpenPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	var notifier alerts.Notifier
	if cfg.AlertWebhookURL != "" {
		notifier = alerts.NewWebhookNotifier(cfg.AlertWebhookURL, &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		})
	}

	alertHandler := alerts.NewStockAlertHandler(activity.NewRepository(db), notifier, cfg.LowStockThreshold, logger)

	consumer := messaging.NewConsumer(cfg.KafkaBrokers, cfg.StockEventsTopic, cfg.AlertsGroupID)
	defer func() { _ = consumer.Close() }()

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		logger.Info("shutting down")
		cancel()
	}()

	logger.Info("starting stock alert worker", "brokers", cfg.KafkaBrokers, "topic", cfg.StockEventsTopic)

	err = consumer.Consume(ctx, func(ctx context.Context, msg messaging.Message) error {
		err := alertHandler.Handle(ctx, msg)
		if errors.Is(err, alerts.ErrMalformedEvent) {
			logger.Error("skipping malformed stock event", "error", err, "key", msg.Key)
			return nil
		}
		return err
	})
	if err != nil {
		logger.Error("consumer error", "error", err)
		os.Exit(1)
	}
	logger.Info("consumer stopped")
}
