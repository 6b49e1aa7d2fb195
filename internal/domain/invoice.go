package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type InvoiceStatus string

const (
	InvoiceStatusPending   InvoiceStatus = "pending"
	InvoiceStatusFulfilled InvoiceStatus = "fulfilled"
	InvoiceStatusCancelled InvoiceStatus = "cancelled"
)

func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceStatusPending, InvoiceStatusFulfilled, InvoiceStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine allows moving from s to
// next. Entering fulfilled is only possible from pending.
func (s InvoiceStatus) CanTransitionTo(next InvoiceStatus) bool {
	switch s {
	case InvoiceStatusPending:
		return next == InvoiceStatusFulfilled || next == InvoiceStatusCancelled
	case InvoiceStatusFulfilled:
		return next == InvoiceStatusPending || next == InvoiceStatusCancelled
	case InvoiceStatusCancelled:
		return next == InvoiceStatusPending
	}
	return false
}

// InvoiceItem is a line of an invoice. ProductName, SKU and UnitPrice are
// snapshots taken when the invoice was created and never follow later
// changes to the product.
type InvoiceItem struct {
	ID          string          `json:"id"`
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name"`
	SKU         string          `json:"sku"`
	Unit        string          `json:"unit"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TotalPrice  decimal.Decimal `json:"total_price"`
}

type Invoice struct {
	ID              string          `json:"id"`
	InvoiceNumber   string          `json:"invoice_number"`
	CustomerName    string          `json:"customer_name"`
	CustomerContact string          `json:"customer_contact,omitempty"`
	Items           []InvoiceItem   `json:"items"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	TaxRate         decimal.Decimal `json:"tax_rate"`
	TaxAmount       decimal.Decimal `json:"tax_amount"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	Status          InvoiceStatus   `json:"status"`
	IssueDate       time.Time       `json:"issue_date"`
	DueDate         time.Time       `json:"due_date"`
	Notes           string          `json:"notes,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ProductIDs returns the distinct product ids referenced by the invoice lines.
func (inv *Invoice) ProductIDs() []int64 {
	seen := make(map[int64]struct{}, len(inv.Items))
	ids := make([]int64, 0, len(inv.Items))
	for _, item := range inv.Items {
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		ids = append(ids, item.ProductID)
	}
	return ids
}

// LineTotal returns quantity x unit price rounded to cents.
func LineTotal(quantity int, unitPrice decimal.Decimal) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity))).Round(2)
}

// TaxRateScale is the number of decimal places a tax rate may carry.
const TaxRateScale = 4

// Monetary limits of the NUMERIC(12, 2) price and NUMERIC(14, 2) amount
// columns, exclusive.
var (
	MaxUnitPrice = decimal.New(1, 10)
	MaxAmount    = decimal.New(1, 12)
)

// Totals computes subtotal, tax amount and total for the given lines.
// subtotal = sum of line totals, tax = round(subtotal x rate, 2),
// total = subtotal + tax.
func Totals(items []InvoiceItem, taxRate decimal.Decimal) (subtotal, tax, total decimal.Decimal) {
	subtotal = decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(item.TotalPrice)
	}
	subtotal = subtotal.Round(2)
	tax = subtotal.Mul(taxRate).Round(2)
	total = subtotal.Add(tax)
	return subtotal, tax, total
}
