package invoices

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	InvoiceCounterName = "invoice"

	defaultNumberAttempts = 5
)

// CounterStore persists monotonic counters. CompareAndSwap succeeds only when
// the stored value still equals old.
type CounterStore interface {
	Current(ctx context.Context, name string) (int64, error)
	CompareAndSwap(ctx context.Context, name string, old, next int64) (bool, error)
}

// CounterIncrementer is implemented by stores that can advance a counter in a
// single atomic statement, returning the value it held before the increment.
type CounterIncrementer interface {
	Increment(ctx context.Context, name string) (int64, error)
}

// Numberer issues invoice numbers of the form INV-1001 from a durable
// counter. When the counter keeps losing races or cannot be reached it falls
// back to INV-<unix nanos>-<random>, which is unique but not sequential.
type Numberer struct {
	counters    CounterStore
	name        string
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
}

func NewNumberer(counters CounterStore, logger *slog.Logger) *Numberer {
	return &Numberer{
		counters:    counters,
		name:        InvoiceCounterName,
		maxAttempts: defaultNumberAttempts,
		logger:      logger,
		now:         time.Now,
	}
}

// Allocate returns the next invoice number. Stores that implement
// CounterIncrementer never lose a race; others go through a bounded
// read and compare-and-swap loop.
func (n *Numberer) Allocate(ctx context.Context) string {
	if inc, ok := n.counters.(CounterIncrementer); ok {
		current, err := inc.Increment(ctx, n.name)
		if err == nil {
			return FormatInvoiceNumber(current)
		}
		n.logger.Warn("invoice counter increment failed", "error", err)
		numberFallbacks.Add(ctx, 1)
		return n.fallback()
	}

	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		current, err := n.counters.Current(ctx, n.name)
		if err != nil {
			n.logger.Warn("invoice counter unavailable", "error", err)
			break
		}

		ok, err := n.counters.CompareAndSwap(ctx, n.name, current, current+1)
		if err != nil {
			n.logger.Warn("invoice counter update failed", "error", err)
			break
		}
		if ok {
			return FormatInvoiceNumber(current)
		}
	}

	numberFallbacks.Add(ctx, 1)
	return n.fallback()
}

func (n *Numberer) fallback() string {
	return fmt.Sprintf("INV-%d-%s", n.now().UnixNano(), uuid.NewString()[:8])
}

func FormatInvoiceNumber(seq int64) string {
	return fmt.Sprintf("INV-%04d", seq)
}
