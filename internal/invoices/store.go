package invoices

import (
	"context"
	"time"

	"github.com/Pacies/2k-ims/internal/domain"
)

type InvoiceStore interface {
	InsertHeader(ctx context.Context, inv *domain.Invoice) error
	InsertItems(ctx context.Context, invoiceID string, items []domain.InvoiceItem) error
	GetByID(ctx context.Context, id string) (*domain.Invoice, error)
	// LockByID loads the invoice and holds a row lock until the surrounding
	// transaction ends.
	LockByID(ctx context.Context, id string) (*domain.Invoice, error)
	List(ctx context.Context) ([]domain.Invoice, error)
	UpdateStatus(ctx context.Context, id string, status domain.InvoiceStatus, at time.Time) (bool, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// StockStore is the inventory surface used by the fulfillment engine.
// Deduct must fail with inventory.ErrInsufficientStock rather than drive
// stock below zero.
type StockStore interface {
	ProductsByIDs(ctx context.Context, ids []int64) (map[int64]domain.Product, error)
	Deduct(ctx context.Context, productID int64, quantity int) (int, error)
	Restore(ctx context.Context, productID int64, quantity int) (int, error)
}

type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	WithSavepoint(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

type ActivityLogger interface {
	LogActivity(ctx context.Context, kind domain.ActivityKind, message string) error
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event any) error
}

type NumberAllocator interface {
	Allocate(ctx context.Context) string
}
