package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Pacies/2k-ims/internal/domain"
)

type Config struct {
	PostgresURL string
	Port        string

	KafkaBrokers       []string
	StockEventsTopic   string
	InvoiceEventsTopic string
	AlertsGroupID      string
	AlertWebhookURL    string

	LowStockThreshold int
	OTelEnabled       bool
	OTLPEndpoint      string
}

func Load() (*Config, error) {
	cfg := &Config{
		PostgresURL:        os.Getenv("POSTGRES_URL"),
		Port:               envOr("PORT", "8080"),
		StockEventsTopic:   envOr("STOCK_EVENTS_TOPIC", "inventory.stock-changed"),
		InvoiceEventsTopic: envOr("INVOICE_EVENTS_TOPIC", "invoice.events"),
		AlertsGroupID:      envOr("ALERTS_GROUP_ID", "stock-alerts-worker"),
		AlertWebhookURL:    os.Getenv("ALERT_WEBHOOK_URL"),
		LowStockThreshold:  domain.DefaultLowStockThreshold,
		OTelEnabled:        true,
		OTLPEndpoint:       envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}

	if cfg.PostgresURL == "" {
		return nil, fmt.Errorf("POSTGRES_URL environment variable is required")
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	if v := os.Getenv("LOW_STOCK_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid LOW_STOCK_THRESHOLD %q", v)
		}
		cfg.LowStockThreshold = n
	}

	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid OTEL_ENABLED %q", v)
		}
		cfg.OTelEnabled = enabled
	}

	return cfg, nil
}

// KafkaEnabled reports whether event publishing is configured.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
