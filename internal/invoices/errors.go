package invoices

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyFulfilled  = errors.New("invoice already fulfilled")
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDuplicateInvoiceNumber is returned by the store when an invoice
	// number is already taken.
	ErrDuplicateInvoiceNumber = errors.New("duplicate invoice number")

	errConcurrentUpdate = errors.New("concurrent stock update")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Shortfall describes one invoice line that cannot be covered by stock.
type Shortfall struct {
	ProductID   int64  `json:"product_id"`
	ProductName string `json:"product_name"`
	SKU         string `json:"sku"`
	Requested   int    `json:"requested"`
	Available   int    `json:"available"`
	Unit        string `json:"unit"`
}

// InsufficientStockError lists every short line of an invoice.
type InsufficientStockError struct {
	Shortfalls []Shortfall
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("%s (requested %d, available %d)", s.SKU, s.Requested, s.Available))
	}
	return fmt.Sprintf("insufficient stock for %d line(s): %s", len(e.Shortfalls), strings.Join(parts, ", "))
}

type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistence(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}
