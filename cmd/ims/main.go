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
	"github.com/Pacies/2k-ims/internal/config"
	"github.com/Pacies/2k-ims/internal/database"
	"github.com/Pacies/2k-ims/internal/inventory"
	"github.com/Pacies/2k-ims/internal/invoices"
	"github.com/Pacies/2k-ims/internal/messaging"
	"github.com/Pacies/2k-ims/internal/telemetry"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	providers, err := telemetry.Setup(ctx, telemetry.Settings{
		ServiceName:    "ims",
		TracingEnabled: cfg.OTelEnabled,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() { _ = providers.Shutdown(ctx) }()

	db, err := telemetry.OpenPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	var stockEvents, invoiceEvents invoices.EventPublisher
	if cfg.KafkaEnabled() {
		stockProducer := messaging.NewProducer(cfg.KafkaBrokers, cfg.StockEventsTopic)
		defer func() { _ = stockProducer.Close() }()
		invoiceProducer := messaging.NewProducer(cfg.KafkaBrokers, cfg.InvoiceEventsTopic)
		defer func() { _ = invoiceProducer.Close() }()

		stockEvents, invoiceEvents = stockProducer, invoiceProducer
	}

	activityRepo := activity.NewRepository(db)
	productRepo := inventory.NewProductRepository(db, cfg.LowStockThreshold)
	invoiceRepo := invoices.NewInvoiceRepository(db)
	numberer := invoices.NewNumberer(invoices.NewCounterRepository(db), logger)

	service := invoices.NewService(invoiceRepo, productRepo, database.NewTxManager(db), numberer, activityRepo, logger,
		invoices.WithStockEvents(stockEvents),
		invoices.WithInvoiceEvents(invoiceEvents),
	)

	productHandler := inventory.NewHandler(productRepo, activityRepo, stockEvents, logger)
	invoiceHandler := invoices.NewHandler(service, logger)
	activityHandler := activity.NewHandler(activityRepo, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /products", telemetry.WithHTTPRoute(productHandler.HandleListProducts))
	mux.HandleFunc("GET /products/{id}", telemetry.WithHTTPRoute(productHandler.HandleGetProduct))
	mux.HandleFunc("PUT /products/{id}/stock", telemetry.WithHTTPRoute(productHandler.HandleSetStock))
	mux.HandleFunc("GET /invoices", telemetry.WithHTTPRoute(invoiceHandler.HandleList))
	mux.HandleFunc("POST /invoices", telemetry.WithHTTPRoute(invoiceHandler.HandleCreate))
	mux.HandleFunc("GET /invoices/{id}", telemetry.WithHTTPRoute(invoiceHandler.HandleGet))
	mux.HandleFunc("POST /invoices/{id}/fulfill", telemetry.WithHTTPRoute(invoiceHandler.HandleFulfill))
	mux.HandleFunc("PATCH /invoices/{id}/status", telemetry.WithHTTPRoute(invoiceHandler.HandleUpdateStatus))
	mux.HandleFunc("DELETE /invoices/{id}", telemetry.WithHTTPRoute(invoiceHandler.HandleDelete))
	mux.HandleFunc("GET /activity", telemetry.WithHTTPRoute(activityHandler.HandleList))
	mux.Handle("GET /metrics", providers.MetricsHandler)

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: otelhttp.NewHandler(mux, "ims",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting ims service", "port", cfg.Port, "kafka", cfg.KafkaEnabled(), "tracing", cfg.OTelEnabled)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
