package domain

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

type StockStatus string

const (
	StockStatusInStock    StockStatus = "in_stock"
	StockStatusLowStock   StockStatus = "low_stock"
	StockStatusOutOfStock StockStatus = "out_of_stock"
)

// DefaultLowStockThreshold is used when no threshold is configured.
const DefaultLowStockThreshold = 10

// MaxQuantity bounds stock levels and line quantities to the INTEGER columns
// they are stored in.
const MaxQuantity = math.MaxInt32

type Product struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	SKU       string          `json:"sku"`
	Unit      string          `json:"unit"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Stock     int             `json:"stock"`
	Status    StockStatus     `json:"status"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// StatusFor derives the stock status of a quantity against a low-stock threshold.
func StatusFor(stock, threshold int) StockStatus {
	switch {
	case stock <= 0:
		return StockStatusOutOfStock
	case stock <= threshold:
		return StockStatusLowStock
	default:
		return StockStatusInStock
	}
}
