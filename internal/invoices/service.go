package invoices

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Pacies/2k-ims/internal/database"
	"github.com/Pacies/2k-ims/internal/domain"
	"github.com/Pacies/2k-ims/internal/inventory"
)

const (
	defaultFulfillAttempts = 5

	restoreSavepoint = "restore_line"
)

type Service struct {
	invoices      InvoiceStore
	stock         StockStore
	tx            TxRunner
	numbers       NumberAllocator
	activity      ActivityLogger
	stockEvents   EventPublisher
	invoiceEvents EventPublisher
	logger        *slog.Logger

	now             func() time.Time
	fulfillAttempts int
}

type Option func(*Service)

// WithStockEvents publishes a StockChangedEvent for every deducted or
// restored line.
func WithStockEvents(p EventPublisher) Option {
	return func(s *Service) {
		s.stockEvents = p
	}
}

// WithInvoiceEvents publishes invoice lifecycle events.
func WithInvoiceEvents(p EventPublisher) Option {
	return func(s *Service) {
		s.invoiceEvents = p
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func WithFulfillAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.fulfillAttempts = n
		}
	}
}

func NewService(invoices InvoiceStore, stock StockStore, tx TxRunner, numbers NumberAllocator, activity ActivityLogger, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		invoices:        invoices,
		stock:           stock,
		tx:              tx,
		numbers:         numbers,
		activity:        activity,
		logger:          logger,
		now:             time.Now,
		fulfillAttempts: defaultFulfillAttempts,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

type CreateInvoiceItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
	// UnitPrice overrides the product's current price when set.
	UnitPrice decimal.NullDecimal `json:"unit_price"`
}

type CreateInvoiceInput struct {
	CustomerName    string
	CustomerContact string
	Items           []CreateInvoiceItem
	IssueDate       time.Time
	DueDate         time.Time
	TaxRate         decimal.Decimal
	Notes           string
}

func (in CreateInvoiceInput) validate() error {
	if strings.TrimSpace(in.CustomerName) == "" {
		return &ValidationError{Field: "customer_name", Reason: "is required"}
	}
	if len(in.Items) == 0 {
		return &ValidationError{Field: "items", Reason: "at least one item is required"}
	}
	if in.IssueDate.IsZero() {
		return &ValidationError{Field: "issue_date", Reason: "is required"}
	}
	if in.DueDate.IsZero() {
		return &ValidationError{Field: "due_date", Reason: "is required"}
	}
	if in.DueDate.Before(in.IssueDate) {
		return &ValidationError{Field: "due_date", Reason: "is before the issue date"}
	}
	if in.TaxRate.IsNegative() || in.TaxRate.GreaterThan(decimal.NewFromInt(1)) {
		return &ValidationError{Field: "tax_rate", Reason: "must be between 0 and 1"}
	}
	if !in.TaxRate.Equal(in.TaxRate.Round(domain.TaxRateScale)) {
		return &ValidationError{Field: "tax_rate", Reason: fmt.Sprintf("must have at most %d decimal places", domain.TaxRateScale)}
	}

	for i, item := range in.Items {
		if item.ProductID <= 0 {
			return &ValidationError{Field: fmt.Sprintf("items[%d].product_id", i), Reason: "is required"}
		}
		if item.Quantity <= 0 {
			return &ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Reason: "must be positive"}
		}
		if item.Quantity > domain.MaxQuantity {
			return &ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Reason: fmt.Sprintf("must not exceed %d", domain.MaxQuantity)}
		}
		if item.UnitPrice.Valid && item.UnitPrice.Decimal.IsNegative() {
			return &ValidationError{Field: fmt.Sprintf("items[%d].unit_price", i), Reason: "must not be negative"}
		}
		if item.UnitPrice.Valid && !item.UnitPrice.Decimal.Round(2).LessThan(domain.MaxUnitPrice) {
			return &ValidationError{Field: fmt.Sprintf("items[%d].unit_price", i), Reason: "is too large"}
		}
	}

	return nil
}

// Create validates the input, snapshots product name, SKU and price into the
// lines and stores header and lines together. The invoice starts pending.
func (s *Service) Create(ctx context.Context, in CreateInvoiceInput) (*domain.Invoice, error) {
	ctx, span := tracer.Start(ctx, "invoices.Create")
	defer span.End()

	if err := in.validate(); err != nil {
		return nil, s.fail(span, err)
	}

	ids := make([]int64, 0, len(in.Items))
	for _, item := range in.Items {
		ids = append(ids, item.ProductID)
	}

	products, err := s.stock.ProductsByIDs(ctx, ids)
	if err != nil {
		return nil, s.fail(span, persistence("load products", err))
	}

	now := s.now().UTC()
	inv := &domain.Invoice{
		ID:              uuid.NewString(),
		CustomerName:    strings.TrimSpace(in.CustomerName),
		CustomerContact: strings.TrimSpace(in.CustomerContact),
		Items:           make([]domain.InvoiceItem, 0, len(in.Items)),
		TaxRate:         in.TaxRate,
		Status:          domain.InvoiceStatusPending,
		IssueDate:       dateOnly(in.IssueDate),
		DueDate:         dateOnly(in.DueDate),
		Notes:           in.Notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	for i, item := range in.Items {
		product, ok := products[item.ProductID]
		if !ok {
			return nil, s.fail(span, &ValidationError{
				Field:  fmt.Sprintf("items[%d].product_id", i),
				Reason: fmt.Sprintf("product %d does not exist", item.ProductID),
			})
		}

		price := product.UnitPrice
		if item.UnitPrice.Valid {
			price = item.UnitPrice.Decimal
		}
		price = price.Round(2)

		total := domain.LineTotal(item.Quantity, price)
		if !total.LessThan(domain.MaxAmount) {
			return nil, s.fail(span, &ValidationError{Field: fmt.Sprintf("items[%d]", i), Reason: "line total is too large"})
		}

		inv.Items = append(inv.Items, domain.InvoiceItem{
			ID:          uuid.NewString(),
			ProductID:   product.ID,
			ProductName: product.Name,
			SKU:         product.SKU,
			Unit:        product.Unit,
			Quantity:    item.Quantity,
			UnitPrice:   price,
			TotalPrice:  total,
		})
	}
	inv.Subtotal, inv.TaxAmount, inv.TotalAmount = domain.Totals(inv.Items, inv.TaxRate)
	if !inv.TotalAmount.LessThan(domain.MaxAmount) {
		return nil, s.fail(span, &ValidationError{Field: "items", Reason: "invoice total is too large"})
	}

	for attempt := 1; ; attempt++ {
		inv.InvoiceNumber = s.numbers.Allocate(ctx)

		// Header and lines commit together; a failed line insert rolls the
		// header back so no invoice is left without items.
		err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
			if err := s.invoices.InsertHeader(ctx, inv); err != nil {
				return err
			}
			return s.invoices.InsertItems(ctx, inv.ID, inv.Items)
		})
		if errors.Is(err, ErrDuplicateInvoiceNumber) && attempt < defaultNumberAttempts {
			s.logger.Warn("invoice number already taken, allocating another", "invoice_number", inv.InvoiceNumber)
			continue
		}
		break
	}
	if err != nil {
		return nil, s.fail(span, persistence("create invoice", err))
	}

	span.SetAttributes(attribute.String("invoice.id", inv.ID), attribute.String("invoice.number", inv.InvoiceNumber))
	invoicesCreated.Add(ctx, 1)

	s.logActivity(ctx, domain.ActivityInvoiceCreated, fmt.Sprintf("invoice %s created for %s, total %s",
		inv.InvoiceNumber, inv.CustomerName, inv.TotalAmount.StringFixed(2)))
	s.publishInvoiceEvent(ctx, domain.InvoiceEventCreated, inv, "")

	return inv, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Invoice, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, &NotFoundError{Resource: "invoice", ID: id}
	}

	inv, err := s.invoices.GetByID(ctx, id)
	if err != nil {
		return nil, persistence("load invoice", err)
	}
	if inv == nil {
		return nil, &NotFoundError{Resource: "invoice", ID: id}
	}

	return inv, nil
}

func (s *Service) List(ctx context.Context) ([]domain.Invoice, error) {
	invoices, err := s.invoices.List(ctx)
	if err != nil {
		return nil, persistence("list invoices", err)
	}
	return invoices, nil
}

type stockChange struct {
	item     domain.InvoiceItem
	previous int
	current  int
	reason   string
}

// Fulfill commits a pending invoice against inventory. Either every line is
// deducted and the invoice becomes fulfilled, or nothing changes and an
// InsufficientStockError lists every short line.
func (s *Service) Fulfill(ctx context.Context, id string) (*domain.Invoice, error) {
	ctx, span := tracer.Start(ctx, "invoices.Fulfill", trace.WithAttributes(attribute.String("invoice.id", id)))
	defer span.End()

	if _, err := uuid.Parse(id); err != nil {
		return nil, s.fail(span, &NotFoundError{Resource: "invoice", ID: id})
	}

	var (
		inv     *domain.Invoice
		changes []stockChange
		err     error
	)
	for attempt := 1; attempt <= s.fulfillAttempts; attempt++ {
		inv, changes, err = s.fulfillOnce(ctx, id)
		if !errors.Is(err, errConcurrentUpdate) && !database.IsRetryable(err) {
			break
		}
		fulfillmentRetries.Add(ctx, 1)
		s.logger.Info("stock changed during fulfillment, re-evaluating", "invoice_id", id, "attempt", attempt)
	}

	if err != nil {
		var shortErr *InsufficientStockError
		if errors.As(err, &shortErr) {
			fulfillmentShort.Add(ctx, 1)
			s.logger.Info("invoice cannot be fulfilled", "invoice_id", id, "short_lines", len(shortErr.Shortfalls))
		}
		if errors.Is(err, errConcurrentUpdate) {
			err = persistence("fulfill invoice", err)
		}
		return nil, s.fail(span, err)
	}

	invoicesFulfilled.Add(ctx, 1)
	for _, change := range changes {
		s.recordStockChange(ctx, inv, change)
	}
	s.logActivity(ctx, domain.ActivityInvoiceStatus, fmt.Sprintf("invoice %s fulfilled", inv.InvoiceNumber))
	s.publishInvoiceEvent(ctx, domain.InvoiceEventFulfilled, inv, domain.InvoiceStatusPending)

	s.logger.Info("invoice fulfilled", "invoice_id", inv.ID, "invoice_number", inv.InvoiceNumber, "lines", len(inv.Items))
	return inv, nil
}

func (s *Service) fulfillOnce(ctx context.Context, id string) (*domain.Invoice, []stockChange, error) {
	var (
		inv     *domain.Invoice
		changes []stockChange
	)

	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		changes = nil

		loaded, err := s.invoices.LockByID(ctx, id)
		if err != nil {
			return persistence("load invoice", err)
		}
		if loaded == nil {
			return &NotFoundError{Resource: "invoice", ID: id}
		}

		switch loaded.Status {
		case domain.InvoiceStatusFulfilled:
			return ErrAlreadyFulfilled
		case domain.InvoiceStatusCancelled:
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, loaded.Status, domain.InvoiceStatusFulfilled)
		}

		products, err := s.stock.ProductsByIDs(ctx, loaded.ProductIDs())
		if err != nil {
			return persistence("load stock", err)
		}

		if short := shortfalls(loaded.Items, products); len(short) > 0 {
			return &InsufficientStockError{Shortfalls: short}
		}

		for _, line := range byProduct(loaded.Items) {
			remaining, err := s.stock.Deduct(ctx, line.ProductID, line.Quantity)
			if errors.Is(err, inventory.ErrInsufficientStock) {
				return errConcurrentUpdate
			}
			if err != nil {
				return persistence("deduct stock", err)
			}
			changes = append(changes, stockChange{
				item:     line,
				previous: remaining + line.Quantity,
				current:  remaining,
				reason:   domain.StockChangeFulfillment,
			})
		}

		now := s.now().UTC()
		ok, err := s.invoices.UpdateStatus(ctx, id, domain.InvoiceStatusFulfilled, now)
		if err != nil {
			return persistence("update invoice status", err)
		}
		if !ok {
			return &NotFoundError{Resource: "invoice", ID: id}
		}

		loaded.Status = domain.InvoiceStatusFulfilled
		loaded.UpdatedAt = now
		inv = loaded
		return nil
	})

	return inv, changes, err
}

// SetStatus moves an invoice between pending and cancelled, or reverts a
// fulfilled invoice. Leaving fulfilled gives every line's quantity back to
// inventory first. Entering fulfilled is only possible through Fulfill.
func (s *Service) SetStatus(ctx context.Context, id string, status domain.InvoiceStatus) (*domain.Invoice, error) {
	ctx, span := tracer.Start(ctx, "invoices.SetStatus", trace.WithAttributes(
		attribute.String("invoice.id", id),
		attribute.String("invoice.status", string(status)),
	))
	defer span.End()

	if !status.Valid() {
		return nil, s.fail(span, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)})
	}
	if status == domain.InvoiceStatusFulfilled {
		return nil, s.fail(span, fmt.Errorf("%w: invoices are fulfilled through the fulfillment operation", ErrInvalidTransition))
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, s.fail(span, &NotFoundError{Resource: "invoice", ID: id})
	}

	var (
		inv      *domain.Invoice
		previous domain.InvoiceStatus
		changes  []stockChange
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		changes = nil

		loaded, err := s.invoices.LockByID(ctx, id)
		if err != nil {
			return persistence("load invoice", err)
		}
		if loaded == nil {
			return &NotFoundError{Resource: "invoice", ID: id}
		}

		inv = loaded
		previous = loaded.Status
		if previous == status {
			return nil
		}
		if !previous.CanTransitionTo(status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, previous, status)
		}

		if previous == domain.InvoiceStatusFulfilled {
			changes = s.restoreLines(ctx, loaded)
		}

		now := s.now().UTC()
		ok, err := s.invoices.UpdateStatus(ctx, id, status, now)
		if err != nil {
			return persistence("update invoice status", err)
		}
		if !ok {
			return &NotFoundError{Resource: "invoice", ID: id}
		}

		loaded.Status = status
		loaded.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, s.fail(span, err)
	}

	if previous == status {
		return inv, nil
	}

	for _, change := range changes {
		s.recordStockChange(ctx, inv, change)
	}
	s.logActivity(ctx, domain.ActivityInvoiceStatus, fmt.Sprintf("invoice %s status changed from %s to %s",
		inv.InvoiceNumber, previous, status))
	s.publishInvoiceEvent(ctx, domain.InvoiceEventStatusChanged, inv, previous)

	s.logger.Info("invoice status updated", "invoice_id", inv.ID, "from", previous, "to", status)
	return inv, nil
}

// Delete removes an invoice and its lines. A fulfilled invoice gives its
// stock back before the record goes away.
func (s *Service) Delete(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "invoices.Delete", trace.WithAttributes(attribute.String("invoice.id", id)))
	defer span.End()

	if _, err := uuid.Parse(id); err != nil {
		return s.fail(span, &NotFoundError{Resource: "invoice", ID: id})
	}

	var (
		inv     *domain.Invoice
		changes []stockChange
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		changes = nil

		loaded, err := s.invoices.LockByID(ctx, id)
		if err != nil {
			return persistence("load invoice", err)
		}
		if loaded == nil {
			return &NotFoundError{Resource: "invoice", ID: id}
		}
		inv = loaded

		if loaded.Status == domain.InvoiceStatusFulfilled {
			changes = s.restoreLines(ctx, loaded)
		}

		ok, err := s.invoices.Delete(ctx, id)
		if err != nil {
			return persistence("delete invoice", err)
		}
		if !ok {
			return &NotFoundError{Resource: "invoice", ID: id}
		}
		return nil
	})
	if err != nil {
		return s.fail(span, err)
	}

	for _, change := range changes {
		s.recordStockChange(ctx, inv, change)
	}
	s.logActivity(ctx, domain.ActivityInvoiceDeleted, fmt.Sprintf("invoice %s deleted", inv.InvoiceNumber))
	s.publishInvoiceEvent(ctx, domain.InvoiceEventDeleted, inv, inv.Status)

	s.logger.Info("invoice deleted", "invoice_id", inv.ID, "invoice_number", inv.InvoiceNumber)
	return nil
}

// restoreLines gives each line's quantity back to its product. Every line is
// attempted; a failing line is logged and skipped.
func (s *Service) restoreLines(ctx context.Context, inv *domain.Invoice) []stockChange {
	var changes []stockChange

	for _, line := range byProduct(inv.Items) {
		var current int
		err := s.tx.WithSavepoint(ctx, restoreSavepoint, func(ctx context.Context) error {
			var err error
			current, err = s.stock.Restore(ctx, line.ProductID, line.Quantity)
			return err
		})
		if err != nil {
			restoreFailures.Add(ctx, 1)
			s.logger.Warn("failed to restore stock", "error", err,
				"invoice_id", inv.ID, "product_id", line.ProductID, "quantity", line.Quantity)
			continue
		}

		changes = append(changes, stockChange{
			item:     line,
			previous: current - line.Quantity,
			current:  current,
			reason:   domain.StockChangeRestoration,
		})
	}

	return changes
}

// shortfalls checks lines in order against available stock. Lines sharing a
// product draw from the same remaining quantity; a missing product has none.
func shortfalls(items []domain.InvoiceItem, products map[int64]domain.Product) []Shortfall {
	remaining := make(map[int64]int, len(products))
	for id, p := range products {
		remaining[id] = max(p.Stock, 0)
	}

	var short []Shortfall
	for _, item := range items {
		available := remaining[item.ProductID]
		if item.Quantity > available {
			unit := item.Unit
			if unit == "" {
				unit = products[item.ProductID].Unit
			}
			short = append(short, Shortfall{
				ProductID:   item.ProductID,
				ProductName: item.ProductName,
				SKU:         item.SKU,
				Requested:   item.Quantity,
				Available:   available,
				Unit:        unit,
			})
			continue
		}
		remaining[item.ProductID] = available - item.Quantity
	}

	return short
}

// byProduct orders lines by product id so concurrent fulfillments lock rows
// in the same order.
func byProduct(items []domain.InvoiceItem) []domain.InvoiceItem {
	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(a, b domain.InvoiceItem) int {
		return cmp.Compare(a.ProductID, b.ProductID)
	})
	return sorted
}

func (s *Service) recordStockChange(ctx context.Context, inv *domain.Invoice, change stockChange) {
	kind, verb := domain.ActivityStockDeducted, "deducted"
	if change.reason == domain.StockChangeRestoration {
		kind, verb = domain.ActivityStockRestored, "restored"
	}

	s.logActivity(ctx, kind, fmt.Sprintf("%s %d %s of %s (%s) for invoice %s, stock %d -> %d",
		verb, change.item.Quantity, change.item.Unit, change.item.ProductName, change.item.SKU,
		inv.InvoiceNumber, change.previous, change.current))

	if s.stockEvents == nil {
		return
	}

	event := domain.StockChangedEvent{
		ProductID: change.item.ProductID,
		SKU:       change.item.SKU,
		Name:      change.item.ProductName,
		Previous:  change.previous,
		Current:   change.current,
		Reason:    change.reason,
		Timestamp: s.now().UTC(),
	}
	if err := s.stockEvents.Publish(ctx, strconv.FormatInt(change.item.ProductID, 10), event); err != nil {
		s.logger.Warn("failed to publish stock changed event", "error", err, "product_id", change.item.ProductID)
	}
}

func (s *Service) logActivity(ctx context.Context, kind domain.ActivityKind, message string) {
	if err := s.activity.LogActivity(ctx, kind, message); err != nil {
		s.logger.Warn("failed to log activity", "error", err, "kind", kind)
	}
}

func (s *Service) publishInvoiceEvent(ctx context.Context, eventType string, inv *domain.Invoice, previous domain.InvoiceStatus) {
	if s.invoiceEvents == nil {
		return
	}

	event := domain.InvoiceEvent{
		Type:           eventType,
		InvoiceID:      inv.ID,
		InvoiceNumber:  inv.InvoiceNumber,
		PreviousStatus: previous,
		Status:         inv.Status,
		Timestamp:      s.now().UTC(),
	}
	if err := s.invoiceEvents.Publish(ctx, inv.ID, event); err != nil {
		s.logger.Warn("failed to publish invoice event", "error", err, "invoice_id", inv.ID, "type", eventType)
	}
}

func (s *Service) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
