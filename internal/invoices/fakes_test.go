package invoices

import (
	"cmp"
	"context"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Pacies/2k-ims/internal/domain"
	"github.com/Pacies/2k-ims/internal/inventory"
)

// memDB keeps invoices and products in memory. Transactions are serialized
// and roll back by restoring a snapshot taken when they started.
type memDB struct {
	txMu sync.Mutex
	mu   sync.Mutex

	products map[int64]domain.Product
	invoices map[string]domain.Invoice

	insertItemsErr error
	restoreErrs    map[int64]error
	// deductErrs is consumed one entry per Deduct call; nil proceeds.
	deductErrs []error
	deducts    int
}

type memTxKey struct{}

func newMemDB(products ...domain.Product) *memDB {
	db := &memDB{
		products:    make(map[int64]domain.Product),
		invoices:    make(map[string]domain.Invoice),
		restoreErrs: make(map[int64]error),
	}
	for _, p := range products {
		db.products[p.ID] = p
	}
	return db
}

type memSnapshot struct {
	products map[int64]domain.Product
	invoices map[string]domain.Invoice
}

func (m *memDB) snapshot() memSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memSnapshot{products: maps.Clone(m.products), invoices: maps.Clone(m.invoices)}
}

func (m *memDB) rollback(s memSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products = s.products
	m.invoices = s.invoices
}

func (m *memDB) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}

	m.txMu.Lock()
	defer m.txMu.Unlock()

	snap := m.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.rollback(snap)
		return err
	}
	return nil
}

func (m *memDB) WithSavepoint(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	snap := m.snapshot()
	if err := fn(ctx); err != nil {
		m.rollback(snap)
		return err
	}
	return nil
}

func (m *memDB) InsertHeader(_ context.Context, inv *domain.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.invoices {
		if existing.InvoiceNumber == inv.InvoiceNumber {
			return ErrDuplicateInvoiceNumber
		}
	}
	header := *inv
	header.Items = nil
	m.invoices[inv.ID] = header
	return nil
}

func (m *memDB) InsertItems(_ context.Context, invoiceID string, items []domain.InvoiceItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertItemsErr != nil {
		return m.insertItemsErr
	}
	inv := m.invoices[invoiceID]
	inv.Items = slices.Clone(items)
	m.invoices[invoiceID] = inv
	return nil
}

func (m *memDB) GetByID(_ context.Context, id string) (*domain.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, nil
	}
	inv.Items = slices.Clone(inv.Items)
	return &inv, nil
}

func (m *memDB) LockByID(ctx context.Context, id string) (*domain.Invoice, error) {
	return m.GetByID(ctx, id)
}

func (m *memDB) List(_ context.Context) ([]domain.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Collect(maps.Values(m.invoices))
	slices.SortFunc(out, func(a, b domain.Invoice) int {
		return cmp.Compare(a.InvoiceNumber, b.InvoiceNumber)
	})
	return out, nil
}

func (m *memDB) UpdateStatus(_ context.Context, id string, status domain.InvoiceStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return false, nil
	}
	inv.Status = status
	inv.UpdatedAt = at
	m.invoices[id] = inv
	return true, nil
}

func (m *memDB) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.invoices[id]; !ok {
		return false, nil
	}
	delete(m.invoices, id)
	return true, nil
}

func (m *memDB) ProductsByIDs(_ context.Context, ids []int64) (map[int64]domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *memDB) Deduct(_ context.Context, productID int64, quantity int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deducts++
	if len(m.deductErrs) > 0 {
		err := m.deductErrs[0]
		m.deductErrs = m.deductErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	p, ok := m.products[productID]
	if !ok || p.Stock < quantity {
		return 0, inventory.ErrInsufficientStock
	}
	p.Stock -= quantity
	m.products[productID] = p
	return p.Stock, nil
}

func (m *memDB) Restore(_ context.Context, productID int64, quantity int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.restoreErrs[productID]; err != nil {
		return 0, err
	}
	p, ok := m.products[productID]
	if !ok {
		return 0, inventory.ErrProductNotFound
	}
	p.Stock += quantity
	m.products[productID] = p
	return p.Stock, nil
}

func (m *memDB) stock(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[id].Stock
}

func (m *memDB) invoiceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.invoices)
}

type memCounters struct {
	mu     sync.Mutex
	values map[string]int64
	err    error
}

func newMemCounters(start int64) *memCounters {
	return &memCounters{values: map[string]int64{InvoiceCounterName: start}}
}

func (c *memCounters) Current(_ context.Context, name string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	return c.values[name], nil
}

func (c *memCounters) CompareAndSwap(_ context.Context, name string, old, next int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	if c.values[name] != old {
		return false, nil
	}
	c.values[name] = next
	return true, nil
}

func (c *memCounters) Increment(_ context.Context, name string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	current := c.values[name]
	c.values[name] = current + 1
	return current, nil
}

// casCounters hides Increment so the compare-and-swap path is exercised.
type casCounters struct {
	mem *memCounters
}

func (c casCounters) Current(ctx context.Context, name string) (int64, error) {
	return c.mem.Current(ctx, name)
}

func (c casCounters) CompareAndSwap(ctx context.Context, name string, old, next int64) (bool, error) {
	return c.mem.CompareAndSwap(ctx, name, old, next)
}

// fixedNumbers hands out the given numbers in order, then repeats the last.
type fixedNumbers struct {
	mu      sync.Mutex
	numbers []string
	calls   int
}

func (f *fixedNumbers) Allocate(_ context.Context) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.numbers[min(f.calls, len(f.numbers)-1)]
	f.calls++
	return n
}

type activityEntry struct {
	kind    domain.ActivityKind
	message string
}

type recordingActivity struct {
	mu      sync.Mutex
	entries []activityEntry
	err     error
}

func (a *recordingActivity) LogActivity(_ context.Context, kind domain.ActivityKind, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, activityEntry{kind: kind, message: message})
	return a.err
}

func (a *recordingActivity) kinds() []domain.ActivityKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.ActivityKind, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.kind)
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	keys   []string
	events []any
}

func (p *recordingPublisher) Publish(_ context.Context, key string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	p.events = append(p.events, event)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var (
	flour = domain.Product{ID: 1, Name: "Flour 25kg", SKU: "FLR-25", Unit: "bag", UnitPrice: decimal.RequireFromString("18.50"), Stock: 10}
	sugar = domain.Product{ID: 2, Name: "Sugar 1kg", SKU: "SUG-01", Unit: "pack", UnitPrice: decimal.RequireFromString("2.35"), Stock: 3}
	yeast = domain.Product{ID: 3, Name: "Dry Yeast", SKU: "YST-05", Unit: "tin", UnitPrice: decimal.RequireFromString("4.10"), Stock: 0}
)

type testEnv struct {
	db            *memDB
	activity      *recordingActivity
	stockEvents   *recordingPublisher
	invoiceEvents *recordingPublisher
	service       *Service
}

func newTestEnv(products ...domain.Product) *testEnv {
	db := newMemDB(products...)
	env := &testEnv{
		db:            db,
		activity:      &recordingActivity{},
		stockEvents:   &recordingPublisher{},
		invoiceEvents: &recordingPublisher{},
	}
	numbers := NewNumberer(newMemCounters(1001), discardLogger())
	env.service = NewService(db, db, db, numbers, env.activity, discardLogger(),
		WithStockEvents(env.stockEvents),
		WithInvoiceEvents(env.invoiceEvents),
		WithClock(func() time.Time { return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC) }),
	)
	return env
}
