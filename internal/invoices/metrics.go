package invoices

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/Pacies/2k-ims/internal/invoices"

var (
	tracer = otel.Tracer(instrumentationName)
	meter  = otel.Meter(instrumentationName)

	invoicesCreated    = counter("ims.invoices.created", "Invoices created")
	invoicesFulfilled  = counter("ims.invoices.fulfilled", "Invoices fulfilled against inventory")
	fulfillmentShort   = counter("ims.invoices.fulfillment_shortfalls", "Fulfillments rejected for insufficient stock")
	fulfillmentRetries = counter("ims.invoices.fulfillment_retries", "Fulfillments re-evaluated after a concurrent stock update")
	numberFallbacks    = counter("ims.invoices.number_fallbacks", "Invoice numbers issued from the timestamp fallback")
	restoreFailures    = counter("ims.invoices.restore_failures", "Invoice lines whose stock could not be restored")
)

func counter(name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}
