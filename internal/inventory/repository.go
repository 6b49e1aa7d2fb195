package inventory

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/Pacies/2k-ims/internal/database"
	"github.com/Pacies/2k-ims/internal/domain"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrProductNotFound   = errors.New("product not found")
	ErrNegativeStock     = errors.New("stock cannot be negative")
)

const productColumns = `id, name, sku, unit, unit_price, stock, updated_at`

type ProductRepository struct {
	db        *sql.DB
	threshold int
}

func NewProductRepository(db *sql.DB, lowStockThreshold int) *ProductRepository {
	return &ProductRepository{db: db, threshold: lowStockThreshold}
}

func (r *ProductRepository) ListAll(ctx context.Context) ([]domain.Product, error) {
	rows, err := database.Conn(ctx, r.db).QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	products := []domain.Product{}
	for rows.Next() {
		p, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (r *ProductRepository) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	row := database.Conn(ctx, r.db).QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1
	`, id)

	p, err := r.scan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return p, nil
}

// ProductsByIDs loads the given products in one query. Missing ids are
// absent from the result.
func (r *ProductRepository) ProductsByIDs(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	products := make(map[int64]domain.Product, len(ids))
	if len(ids) == 0 {
		return products, nil
	}

	rows, err := database.Conn(ctx, r.db).QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		p, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		products[p.ID] = *p
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

// Deduct decrements stock only when enough is available and returns the
// remaining quantity. A product that is missing or short yields
// ErrInsufficientStock.
func (r *ProductRepository) Deduct(ctx context.Context, id int64, quantity int) (int, error) {
	var remaining int
	err := database.Conn(ctx, r.db).QueryRowContext(ctx, `
		UPDATE products
		SET stock = stock - $2, updated_at = NOW()
		WHERE id = $1 AND stock >= $2
		RETURNING stock
	`, id, quantity).Scan(&remaining)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrInsufficientStock
		}
		return 0, err
	}

	return remaining, nil
}

// Restore increments stock and returns the new quantity.
func (r *ProductRepository) Restore(ctx context.Context, id int64, quantity int) (int, error) {
	var current int
	err := database.Conn(ctx, r.db).QueryRowContext(ctx, `
		UPDATE products
		SET stock = stock + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING stock
	`, id, quantity).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrProductNotFound
		}
		return 0, err
	}

	return current, nil
}

// SetStock overwrites the stock of a product and returns the previous
// quantity along with the updated product.
func (r *ProductRepository) SetStock(ctx context.Context, id int64, quantity int) (int, *domain.Product, error) {
	if quantity < 0 {
		return 0, nil, ErrNegativeStock
	}

	var previous int
	row := database.Conn(ctx, r.db).QueryRowContext(ctx, `
		WITH old AS (
			SELECT stock FROM products WHERE id = $1 FOR UPDATE
		)
		UPDATE products p
		SET stock = $2, updated_at = NOW()
		FROM old
		WHERE p.id = $1
		RETURNING old.stock, p.id, p.name, p.sku, p.unit, p.unit_price, p.stock, p.updated_at
	`, id, quantity)

	p := &domain.Product{}
	err := row.Scan(&previous, &p.ID, &p.Name, &p.SKU, &p.Unit, &p.UnitPrice, &p.Stock, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil, nil
		}
		return 0, nil, err
	}
	p.Status = domain.StatusFor(p.Stock, r.threshold)

	return previous, p, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *ProductRepository) scan(s scanner) (*domain.Product, error) {
	p := &domain.Product{}
	if err := s.Scan(&p.ID, &p.Name, &p.SKU, &p.Unit, &p.UnitPrice, &p.Stock, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = domain.StatusFor(p.Stock, r.threshold)
	return p, nil
}
