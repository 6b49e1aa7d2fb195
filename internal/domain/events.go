package domain

import "time"

const (
	StockChangeFulfillment = "fulfillment"
	StockChangeRestoration = "restoration"
	StockChangeAdjustment  = "adjustment"
)

type StockChangedEvent struct {
	ProductID int64     `json:"product_id"`
	SKU       string    `json:"sku"`
	Name      string    `json:"name"`
	Previous  int       `json:"previous"`
	Current   int       `json:"current"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	InvoiceEventCreated       = "invoice.created"
	InvoiceEventFulfilled     = "invoice.fulfilled"
	InvoiceEventStatusChanged = "invoice.status_changed"
	InvoiceEventDeleted       = "invoice.deleted"
)

type InvoiceEvent struct {
	Type           string        `json:"type"`
	InvoiceID      string        `json:"invoice_id"`
	InvoiceNumber  string        `json:"invoice_number"`
	PreviousStatus InvoiceStatus `json:"previous_status,omitempty"`
	Status         InvoiceStatus `json:"status"`
	Timestamp      time.Time     `json:"timestamp"`
}
