package domain

import "time"

type ActivityKind string

const (
	ActivityInvoiceCreated ActivityKind = "invoice_created"
	ActivityInvoiceStatus  ActivityKind = "invoice_status"
	ActivityInvoiceDeleted ActivityKind = "invoice_deleted"
	ActivityStockDeducted  ActivityKind = "stock_deducted"
	ActivityStockRestored  ActivityKind = "stock_restored"
	ActivityStockAdjusted  ActivityKind = "stock_adjusted"
	ActivityStockAlert     ActivityKind = "stock_alert"
)

type Activity struct {
	ID        int64        `json:"id"`
	Kind      ActivityKind `json:"kind"`
	Message   string       `json:"message"`
	CreatedAt time.Time    `json:"created_at"`
}
