package invoices

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pacies/2k-ims/internal/domain"
	"github.com/Pacies/2k-ims/internal/inventory"
)

var (
	issued = time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	due    = issued.AddDate(0, 0, 30)
)

func orderOf(lines ...CreateInvoiceItem) CreateInvoiceInput {
	return CreateInvoiceInput{
		CustomerName: "Corner Bakery",
		Items:        lines,
		IssueDate:    issued,
		DueDate:      due,
		TaxRate:      decimal.RequireFromString("0.12"),
	}
}

func line(productID int64, quantity int) CreateInvoiceItem {
	return CreateInvoiceItem{ProductID: productID, Quantity: quantity}
}

func priced(productID int64, quantity int, unitPrice string) CreateInvoiceItem {
	return CreateInvoiceItem{ProductID: productID, Quantity: quantity, UnitPrice: decimal.NewNullDecimal(decimal.RequireFromString(unitPrice))}
}

func mustCreate(t *testing.T, env *testEnv, in CreateInvoiceInput) *domain.Invoice {
	t.Helper()
	inv, err := env.service.Create(context.Background(), in)
	require.NoError(t, err)
	return inv
}

func TestService_Create(t *testing.T) {
	t.Run("snapshots products and computes totals", func(t *testing.T) {
		env := newTestEnv(flour, sugar)

		inv := mustCreate(t, env, orderOf(line(1, 3), line(2, 2)))

		assert.Equal(t, "INV-1001", inv.InvoiceNumber)
		assert.Equal(t, domain.InvoiceStatusPending, inv.Status)
		require.Len(t, inv.Items, 2)
		assert.Equal(t, "Flour 25kg", inv.Items[0].ProductName)
		assert.Equal(t, "FLR-25", inv.Items[0].SKU)
		assert.Equal(t, "55.5", inv.Items[0].TotalPrice.String())
		assert.Equal(t, "4.7", inv.Items[1].TotalPrice.String())
		assert.Equal(t, "60.20", inv.Subtotal.StringFixed(2))
		assert.Equal(t, "7.22", inv.TaxAmount.StringFixed(2))
		assert.Equal(t, "67.42", inv.TotalAmount.StringFixed(2))

		stored, err := env.service.Get(context.Background(), inv.ID)
		require.NoError(t, err)
		assert.Len(t, stored.Items, 2)
		assert.Equal(t, []domain.ActivityKind{domain.ActivityInvoiceCreated}, env.activity.kinds())
		require.Len(t, env.invoiceEvents.events, 1)
		assert.Equal(t, domain.InvoiceEventCreated, env.invoiceEvents.events[0].(domain.InvoiceEvent).Type)
	})

	t.Run("unit price override is kept", func(t *testing.T) {
		env := newTestEnv(flour)

		in := orderOf(CreateInvoiceItem{ProductID: 1, Quantity: 2, UnitPrice: decimal.NewNullDecimal(decimal.RequireFromString("15.555"))})
		inv := mustCreate(t, env, in)

		assert.Equal(t, "15.56", inv.Items[0].UnitPrice.StringFixed(2))
		assert.Equal(t, "31.12", inv.Items[0].TotalPrice.StringFixed(2))
	})

	t.Run("tax amount matches the four-decimal rate", func(t *testing.T) {
		env := newTestEnv(flour)

		in := orderOf(priced(1, 1, "1000"))
		in.TaxRate = decimal.RequireFromString("0.0888")
		inv := mustCreate(t, env, in)

		assert.Equal(t, "88.80", inv.TaxAmount.StringFixed(2))
		stored := inv.TaxRate.Round(domain.TaxRateScale)
		assert.True(t, inv.Subtotal.Mul(stored).Round(2).Equal(inv.TaxAmount))
	})

	t.Run("numbers are sequential", func(t *testing.T) {
		env := newTestEnv(flour)

		first := mustCreate(t, env, orderOf(line(1, 1)))
		second := mustCreate(t, env, orderOf(line(1, 1)))

		assert.Equal(t, "INV-1001", first.InvoiceNumber)
		assert.Equal(t, "INV-1002", second.InvoiceNumber)
	})

	tests := []struct {
		name  string
		in    CreateInvoiceInput
		field string
	}{
		{name: "blank customer", in: func() CreateInvoiceInput { in := orderOf(line(1, 1)); in.CustomerName = "   "; return in }(), field: "customer_name"},
		{name: "no items", in: orderOf(), field: "items"},
		{name: "missing issue date", in: func() CreateInvoiceInput { in := orderOf(line(1, 1)); in.IssueDate = time.Time{}; return in }(), field: "issue_date"},
		{name: "missing due date", in: func() CreateInvoiceInput { in := orderOf(line(1, 1)); in.DueDate = time.Time{}; return in }(), field: "due_date"},
		{name: "due before issue", in: func() CreateInvoiceInput { in := orderOf(line(1, 1)); in.DueDate = issued.AddDate(0, 0, -1); return in }(), field: "due_date"},
		{name: "tax rate above one", in: func() CreateInvoiceInput { in := orderOf(line(1, 1)); in.TaxRate = decimal.NewFromInt(2); return in }(), field: "tax_rate"},
		{name: "tax rate finer than the stored scale", in: func() CreateInvoiceInput {
			in := orderOf(line(1, 1))
			in.TaxRate = decimal.RequireFromString("0.08875")
			return in
		}(), field: "tax_rate"},
		{name: "zero quantity", in: orderOf(line(1, 0)), field: "items[0].quantity"},
		{name: "quantity beyond integer range", in: orderOf(line(1, domain.MaxQuantity+1)), field: "items[0].quantity"},
		{name: "unit price beyond column range", in: orderOf(priced(1, 1, "10000000000")), field: "items[0].unit_price"},
		{name: "line total beyond column range", in: orderOf(priced(1, 200, "9999999999")), field: "items[0]"},
		{name: "invoice total beyond column range", in: orderOf(priced(1, 100, "9000000000"), priced(1, 100, "9000000000")), field: "items"},
		{name: "unknown product", in: orderOf(line(1, 1), line(42, 1)), field: "items[1].product_id"},
	}
	for _, tt := range tests {
		t.Run("rejects "+tt.name, func(t *testing.T) {
			env := newTestEnv(flour)

			_, err := env.service.Create(context.Background(), tt.in)

			var validation *ValidationError
			require.ErrorAs(t, err, &validation)
			assert.Equal(t, tt.field, validation.Field)
			assert.Zero(t, env.db.invoiceCount())
		})
	}

	t.Run("failed line insert leaves no header behind", func(t *testing.T) {
		env := newTestEnv(flour)
		env.db.insertItemsErr = errors.New("disk full")

		_, err := env.service.Create(context.Background(), orderOf(line(1, 1)))

		var persistErr *PersistenceError
		require.ErrorAs(t, err, &persistErr)
		assert.Zero(t, env.db.invoiceCount())
		assert.Empty(t, env.activity.kinds())
	})

	t.Run("duplicate number is reallocated", func(t *testing.T) {
		env := newTestEnv(flour)
		numbers := &fixedNumbers{numbers: []string{"INV-1001", "INV-1001", "INV-1002"}}
		env.service = NewService(env.db, env.db, env.db, numbers, env.activity, discardLogger())

		first, err := env.service.Create(context.Background(), orderOf(line(1, 1)))
		require.NoError(t, err)
		second, err := env.service.Create(context.Background(), orderOf(line(1, 1)))
		require.NoError(t, err)

		assert.Equal(t, "INV-1001", first.InvoiceNumber)
		assert.Equal(t, "INV-1002", second.InvoiceNumber)
		assert.Equal(t, 3, numbers.calls)
	})

	t.Run("activity failure does not fail creation", func(t *testing.T) {
		env := newTestEnv(flour)
		env.activity.err = errors.New("activity table locked")

		_, err := env.service.Create(context.Background(), orderOf(line(1, 1)))

		assert.NoError(t, err)
	})
}

func TestService_TotalsProperty(t *testing.T) {
	env := newTestEnv(flour, sugar, yeast)
	rates := []string{"0", "0.05", "0.075", "0.12", "0.2", "1"}

	for i := range 60 {
		in := orderOf(line(1, i%7+1), line(2, i%5+1), line(3, i%3+1))
		in.TaxRate = decimal.RequireFromString(rates[i%len(rates)])
		inv := mustCreate(t, env, in)

		sum := decimal.Zero
		for _, item := range inv.Items {
			sum = sum.Add(item.TotalPrice)
		}
		assert.True(t, sum.Equal(inv.Subtotal))
		want := inv.Subtotal.Add(inv.Subtotal.Mul(inv.TaxRate)).Round(2)
		assert.True(t, want.Equal(inv.TotalAmount), "rate %s: want %s got %s", inv.TaxRate, want, inv.TotalAmount)
	}
}

func TestService_Fulfill(t *testing.T) {
	ctx := context.Background()

	t.Run("deducts every line and marks fulfilled", func(t *testing.T) {
		env := newTestEnv(flour, sugar)
		inv := mustCreate(t, env, orderOf(line(1, 4), line(2, 3)))

		fulfilled, err := env.service.Fulfill(ctx, inv.ID)
		require.NoError(t, err)

		assert.Equal(t, domain.InvoiceStatusFulfilled, fulfilled.Status)
		assert.Equal(t, 6, env.db.stock(1))
		assert.Equal(t, 0, env.db.stock(2))

		stored, err := env.service.Get(ctx, inv.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.InvoiceStatusFulfilled, stored.Status)

		require.Len(t, env.stockEvents.events, 2)
		event := env.stockEvents.events[0].(domain.StockChangedEvent)
		assert.Equal(t, int64(1), event.ProductID)
		assert.Equal(t, 10, event.Previous)
		assert.Equal(t, 6, event.Current)
		assert.Equal(t, domain.StockChangeFulfillment, event.Reason)
		assert.Equal(t, "1", env.stockEvents.keys[0])

		assert.Contains(t, env.activity.kinds(), domain.ActivityStockDeducted)
	})

	t.Run("second fulfill is rejected without touching stock", func(t *testing.T) {
		env := newTestEnv(flour)
		inv := mustCreate(t, env, orderOf(line(1, 4)))
		_, err := env.service.Fulfill(ctx, inv.ID)
		require.NoError(t, err)

		_, err = env.service.Fulfill(ctx, inv.ID)

		assert.ErrorIs(t, err, ErrAlreadyFulfilled)
		assert.Equal(t, 6, env.db.stock(1))
	})

	t.Run("shortfall reports every short line and changes nothing", func(t *testing.T) {
		env := newTestEnv(flour, sugar, yeast)
		inv := mustCreate(t, env, orderOf(line(1, 4), line(2, 5), line(3, 1)))

		_, err := env.service.Fulfill(ctx, inv.ID)

		var short *InsufficientStockError
		require.ErrorAs(t, err, &short)
		require.Len(t, short.Shortfalls, 2)
		assert.Equal(t, Shortfall{ProductID: 2, ProductName: "Sugar 1kg", SKU: "SUG-01", Requested: 5, Available: 3, Unit: "pack"}, short.Shortfalls[0])
		assert.Equal(t, "YST-05", short.Shortfalls[1].SKU)
		assert.Equal(t, 0, short.Shortfalls[1].Available)

		assert.Equal(t, 10, env.db.stock(1))
		assert.Equal(t, 3, env.db.stock(2))
		assert.Zero(t, env.db.deducts)
		stored, err := env.service.Get(ctx, inv.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.InvoiceStatusPending, stored.Status)
		assert.Empty(t, env.stockEvents.events)
	})

	t.Run("missing product counts as zero available", func(t *testing.T) {
		env := newTestEnv(flour)
		inv := mustCreate(t, env, orderOf(line(1, 2)))
		env.db.mu.Lock()
		delete(env.db.products, 1)
		env.db.mu.Unlock()

		_, err := env.service.Fulfill(ctx, inv.ID)

		var short *InsufficientStockError
		require.ErrorAs(t, err, &short)
		require.Len(t, short.Shortfalls, 1)
		assert.Equal(t, 0, short.Shortfalls[0].Available)
		assert.Equal(t, "bag", short.Shortfalls[0].Unit)
	})

	t.Run("lines for the same product draw from one balance", func(t *testing.T) {
		env := newTestEnv(flour)
		inv := mustCreate(t, env, orderOf(line(1, 6), line(1, 6)))

		_, err := env.service.Fulfill(ctx, inv.ID)

		var short *InsufficientStockError
		require.ErrorAs(t, err, &short)
		require.Len(t, short.Shortfalls, 1)
		assert.Equal(t, 4, short.Shortfalls[0].Available)
		assert.Equal(t, 10, env.db.stock(1))
	})

	t.Run("lost deduction race is re-evaluated", func(t *testing.T) {
		env := newTestEnv(flour, sugar)
		inv := mustCreate(t, env, orderOf(line(1, 4), line(2, 1)))
		env.db.deductErrs = []error{inventory.ErrInsufficientStock}

		fulfilled, err := env.service.Fulfill(ctx, inv.ID)

		require.NoError(t, err)
		assert.Equal(t, domain.InvoiceStatusFulfilled, fulfilled.Status)
		assert.Equal(t, 6, env.db.stock(1))
		assert.Equal(t, 2, env.db.stock(2))
	})

	t.Run("persistent deduction conflicts give up without partial deduction", func(t *testing.T) {
		env := newTestEnv(flour, sugar)
		inv := mustCreate(t, env, orderOf(line(1, 4), line(2, 1)))
		env.service.fulfillAttempts = 2
		// first line goes through, second loses the race, on every attempt
		env.db.deductErrs = []error{nil, inventory.ErrInsufficientStock, nil, inventory.ErrInsufficientStock}

		_, err := env.service.Fulfill(ctx, inv.ID)

		var persistErr *PersistenceError
		require.ErrorAs(t, err, &persistErr)
		assert.Equal(t, 10, env.db.stock(1))
		assert.Equal(t, 3, env.db.stock(2))
	})

	t.Run("cancelled invoice cannot be fulfilled", func(t *testing.T) {
		env := newTestEnv(flour)
		inv := mustCreate(t, env, orderOf(line(1, 1)))
		_, err := env.service.SetStatus(ctx, inv.ID, domain.InvoiceStatusCancelled)
		require.NoError(t, err)

		_, err = env.service.Fulfill(ctx, inv.ID)

		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, 10, env.db.stock(1))
	})

	t.Run("unknown invoice", func(t *testing.T) {
		env := newTestEnv(flour)

		_, err := env.service.Fulfill(ctx, "5f0c6a3e-6f3b-4c1a-9d55-0f0b8c1f2a11")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = env.service.Fulfill(ctx, "not-a-uuid")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("activity failure does not abort fulfillment", func(t *testing.T) {
		env := newTestEnv(flour)
		inv := mustCreate(t, env, orderOf(line(1, 4)))
		env.activity.err = errors.New("activity table locked")

		_, err := env.service.Fulfill(ctx, inv.ID)

		require.NoError(t, err)
		assert.Equal(t, 6, env.db.stock(1))
	})
}

func TestService_ConcurrentFulfillNeverOversells(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(flour)

	ids := make([]string, 8)
	for i := range ids {
		ids[i] = mustCreate(t, env, orderOf(line(1, 3))).ID
	}

	var (
		wg        sync.WaitGroup
		fulfilled atomic.Int32
		short     atomic.Int32
	)
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.service.Fulfill(ctx, id)
			var shortErr *InsufficientStockError
			switch {
			case err == nil:
				fulfilled.Add(1)
			case errors.As(err, &shortErr):
				short.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), fulfilled.Load())
	assert.Equal(t, int32(5), short.Load())
	assert.Equal(t, 1, env.db.stock(1))
}

func TestService_SetStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("revert restores stock", func(t *testing.T) {
		env := newTestEnv(flour)
		inv := mustCreate(t, env, orderOf(line(1, 4)))
		_, err := env.service.Fulfill(ctx, inv.ID)
		require.NoError(t, err)
		require.Equal(t, 6, env.db.stock(1))

		reverted, err := env.service.SetStatus(ctx, inv.ID, domain.InvoiceStatusPending)
		require.NoError(t, err)

		assert.Equal(t, domain.InvoiceStatusPending, reverted.Status)
		assert.Equal(t, 10, env.db.stock(1))
		assert.Contains(t, env.activity.kinds(), domain.ActivityStockRestored)

		last := env.invoiceEvents.events[len(env.invoiceEvents.events)-1].(domain.InvoiceEvent)
		assert.Equal(t, domain.InvoiceEventStatusChanged, last.Type)
		assert.Equal(t, domain.InvoiceStatusFulfilled, last.PreviousStatus)
		assert.Equal(t, domain.InvoiceStatusPending, last.Status)
	})

	t.Run("fulfill and revert round trip leaves stock unchanged", func(t *testing.T) {
		env := newTestEnv(flour, sugar)
		inv := mustCreate(t, env, orderOf(line(2, 1), line(1, 7), line(2, 2)))

		for range 3 {
			_, err := env.service.Fulfill(ctx, inv.ID)
			require.NoError(t, err)
			_, err = env.service.SetStatus(ctx, inv.ID, domain.InvoiceStatusPending)
			require.NoError(t, err)
		}

		assert.Equal(t, 10, env.db.stock(1))
		assert.Equal(t, 3, env.db.stock(2))
	})

	t.Run("cancel a fulfilled invoice restores stock", func(t *testing.T) {
		env := newTestEnv(flour)
		inv := mustCreate(t, env, orderOf(line(1, 4)))
		_, err := env.service.Fulfill(ctx, inv.ID)
		require.NoError(t, err)

		cancelled, err := env.service.SetStatus(ctx, inv.ID, domain.InvoiceStatusCancelled)
		require.NoError(t, err)

		assert.Equal(t, domain.InvoiceStatusCancelled, cancelled.Status)
		assert.Equal(t, 10, env.db.stock(1))
	})

	t.Run("restore continues past a failing line", func(t *testing.T) {
		env := newTestEnv(flour, sugar)
		inv := mustCreate(t, env, orderOf(line(1, 4), line(2, 2)))
		_, err := env.service.Fulfill(ctx, inv.ID)
		require.NoError(t, err)
		env.db.restoreErrs[1] = errors.New("row locked by maintenance job")

		reverted, err := env.service.SetStatus(ctx, inv.ID, domain.InvoiceStatusPending)
		require.NoError(t, err)

		assert.Equal(t, domain.InvoiceStatusPending, reverted.Status)
		assert.Equal(t, 6, env.db.stock(1))
		assert.Equal(t, 3, env.db.stock(2))
	})

	t.Run("pending and cancelled move freely without stock changes", func(t *testing.T) {
		env := newTestEnv(flour)
		inv := mustCreate(t, env, orderOf(line(1, 4)))

		_, err := env.service.SetStatus(ctx, inv.ID, domain.InvoiceStatusCancelled)
		require.NoError(t, err)
		back, err := env.service.SetStatus(ctx, inv.ID, domain.InvoiceStatusPending)
		require.NoError(t, err)

		assert.Equal(t, domain.InvoiceStatusPending, back.Status)
		assert.Equal(t, 10, env.db.stock(1))
		assert.Empty(t, env.stockEvents.events)
	})

	t.Run("fulfilled is only reachable through fulfillment", func(t *testing.T) {
		env := newTestEnv(flour)
		inv := mustCreate(t, env, orderOf(line(1, 4)))

		_, err := env.service.SetStatus(ctx, inv.ID, domain.InvoiceStatusFulfilled)

		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, 10, env.db.stock(1))
		stored, err := env.service.Get(ctx, inv.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.InvoiceStatusPending, stored.Status)
	})

	t.Run("same status is a no-op", func(t *testing.T) {
		env := newTestEnv(flour)
		inv := mustCreate(t, env, orderOf(line(1, 4)))
		events := len(env.invoiceEvents.events)

		same, err := env.service.SetStatus(ctx, inv.ID, domain.InvoiceStatusPending)

		require.NoError(t, err)
		assert.Equal(t, domain.InvoiceStatusPending, same.Status)
		assert.Len(t, env.invoiceEvents.events, events)
	})

	t.Run("unknown status", func(t *testing.T) {
		env := newTestEnv(flour)
		inv := mustCreate(t, env, orderOf(line(1, 4)))

		_, err := env.service.SetStatus(ctx, inv.ID, domain.InvoiceStatus("archived"))

		var validation *ValidationError
		assert.ErrorAs(t, err, &validation)
	})
}

func TestService_Delete(t *testing.T) {
	ctx := context.Background()

	t.Run("fulfilled invoice gives stock back", func(t *testing.T) {
		env := newTestEnv(flour, sugar)
		inv := mustCreate(t, env, orderOf(line(1, 4), line(2, 3)))
		_, err := env.service.Fulfill(ctx, inv.ID)
		require.NoError(t, err)

		require.NoError(t, env.service.Delete(ctx, inv.ID))

		assert.Equal(t, 10, env.db.stock(1))
		assert.Equal(t, 3, env.db.stock(2))
		_, err = env.service.Get(ctx, inv.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Contains(t, env.activity.kinds(), domain.ActivityInvoiceDeleted)
	})

	t.Run("pending invoice leaves stock alone", func(t *testing.T) {
		env := newTestEnv(flour)
		inv := mustCreate(t, env, orderOf(line(1, 4)))

		require.NoError(t, env.service.Delete(ctx, inv.ID))

		assert.Equal(t, 10, env.db.stock(1))
		assert.Zero(t, env.db.invoiceCount())
	})

	t.Run("deleted numbers are not reused", func(t *testing.T) {
		env := newTestEnv(flour)
		inv := mustCreate(t, env, orderOf(line(1, 1)))
		require.NoError(t, env.service.Delete(ctx, inv.ID))

		next := mustCreate(t, env, orderOf(line(1, 1)))

		assert.Equal(t, "INV-1002", next.InvoiceNumber)
	})

	t.Run("unknown invoice", func(t *testing.T) {
		env := newTestEnv(flour)

		err := env.service.Delete(ctx, "5f0c6a3e-6f3b-4c1a-9d55-0f0b8c1f2a11")

		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestShortfalls(t *testing.T) {
	products := map[int64]domain.Product{1: flour, 2: sugar}
	items := []domain.InvoiceItem{
		{ProductID: 1, SKU: "FLR-25", Quantity: 10},
		{ProductID: 2, SKU: "SUG-01", Quantity: 2},
		{ProductID: 2, SKU: "SUG-01", Quantity: 2},
		{ProductID: 9, SKU: "GONE", Quantity: 1},
	}

	short := shortfalls(items, products)

	require.Len(t, short, 2)
	assert.Equal(t, "SUG-01", short[0].SKU)
	assert.Equal(t, 1, short[0].Available)
	assert.Equal(t, "GONE", short[1].SKU)
	assert.Equal(t, 0, short[1].Available)
}

func TestByProduct(t *testing.T) {
	items := []domain.InvoiceItem{{ID: "a", ProductID: 3}, {ID: "b", ProductID: 1}, {ID: "c", ProductID: 3}, {ID: "d", ProductID: 2}}

	sorted := byProduct(items)

	ids := make([]string, 0, len(sorted))
	for _, item := range sorted {
		ids = append(ids, item.ID)
	}
	assert.Equal(t, []string{"b", "d", "a", "c"}, ids)
	assert.Equal(t, "a", items[0].ID, "input must not be reordered")
}
