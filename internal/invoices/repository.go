package invoices

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/Pacies/2k-ims/internal/database"
	"github.com/Pacies/2k-ims/internal/domain"
)

const invoiceNumberConstraint = "invoices_invoice_number_key"

const headerColumns = `id, invoice_number, customer_name, customer_contact, subtotal, tax_rate,
	tax_amount, total_amount, status, issue_date, due_date, notes, created_at, updated_at`

type InvoiceRepository struct {
	db *sql.DB
}

func NewInvoiceRepository(db *sql.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

func (r *InvoiceRepository) InsertHeader(ctx context.Context, inv *domain.Invoice) error {
	_, err := database.Conn(ctx, r.db).ExecContext(ctx, `
		INSERT INTO invoices (`+headerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, inv.ID, inv.InvoiceNumber, inv.CustomerName, inv.CustomerContact, inv.Subtotal, inv.TaxRate,
		inv.TaxAmount, inv.TotalAmount, inv.Status, inv.IssueDate, inv.DueDate, inv.Notes,
		inv.CreatedAt, inv.UpdatedAt)
	if err != nil {
		if database.IsConstraint(err, invoiceNumberConstraint) {
			return ErrDuplicateInvoiceNumber
		}
		return err
	}

	return nil
}

func (r *InvoiceRepository) InsertItems(ctx context.Context, invoiceID string, items []domain.InvoiceItem) error {
	for i, item := range items {
		_, err := database.Conn(ctx, r.db).ExecContext(ctx, `
			INSERT INTO invoice_items (id, invoice_id, position, product_id, product_name, sku, unit,
				quantity, unit_price, total_price)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, item.ID, invoiceID, i, item.ProductID, item.ProductName, item.SKU, item.Unit,
			item.Quantity, item.UnitPrice, item.TotalPrice)
		if err != nil {
			return err
		}
	}

	return nil
}

func (r *InvoiceRepository) GetByID(ctx context.Context, id string) (*domain.Invoice, error) {
	return r.get(ctx, id, false)
}

func (r *InvoiceRepository) LockByID(ctx context.Context, id string) (*domain.Invoice, error) {
	return r.get(ctx, id, true)
}

func (r *InvoiceRepository) get(ctx context.Context, id string, forUpdate bool) (*domain.Invoice, error) {
	query := `SELECT ` + headerColumns + ` FROM invoices WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	conn := database.Conn(ctx, r.db)
	inv, err := scanHeader(conn.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, `
		SELECT id, product_id, product_name, sku, unit, quantity, unit_price, total_price
		FROM invoice_items
		WHERE invoice_id = $1
		ORDER BY position
	`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var item domain.InvoiceItem
		if err := rows.Scan(&item.ID, &item.ProductID, &item.ProductName, &item.SKU, &item.Unit,
			&item.Quantity, &item.UnitPrice, &item.TotalPrice); err != nil {
			return nil, err
		}
		inv.Items = append(inv.Items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return inv, nil
}

func (r *InvoiceRepository) List(ctx context.Context) ([]domain.Invoice, error) {
	conn := database.Conn(ctx, r.db)
	rows, err := conn.QueryContext(ctx, `
		SELECT `+headerColumns+`
		FROM invoices
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	invoiceMap := make(map[string]*domain.Invoice)
	var invoiceIDs []string

	for rows.Next() {
		inv, err := scanHeader(rows)
		if err != nil {
			return nil, err
		}
		inv.Items = []domain.InvoiceItem{}
		invoiceMap[inv.ID] = inv
		invoiceIDs = append(invoiceIDs, inv.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(invoiceIDs) == 0 {
		return []domain.Invoice{}, nil
	}

	itemRows, err := conn.QueryContext(ctx, `
		SELECT invoice_id, id, product_id, product_name, sku, unit, quantity, unit_price, total_price
		FROM invoice_items
		WHERE invoice_id = ANY($1::uuid[])
		ORDER BY invoice_id, position
	`, pq.Array(invoiceIDs))
	if err != nil {
		return nil, err
	}
	defer func() { _ = itemRows.Close() }()

	for itemRows.Next() {
		var invoiceID string
		var item domain.InvoiceItem
		if err := itemRows.Scan(&invoiceID, &item.ID, &item.ProductID, &item.ProductName, &item.SKU,
			&item.Unit, &item.Quantity, &item.UnitPrice, &item.TotalPrice); err != nil {
			return nil, err
		}
		inv := invoiceMap[invoiceID]
		inv.Items = append(inv.Items, item)
	}

	if err := itemRows.Err(); err != nil {
		return nil, err
	}

	invoices := make([]domain.Invoice, 0, len(invoiceIDs))
	for _, id := range invoiceIDs {
		invoices = append(invoices, *invoiceMap[id])
	}

	return invoices, nil
}

func (r *InvoiceRepository) UpdateStatus(ctx context.Context, id string, status domain.InvoiceStatus, at time.Time) (bool, error) {
	result, err := database.Conn(ctx, r.db).ExecContext(ctx, `
		UPDATE invoices SET status = $1, updated_at = $2
		WHERE id = $3
	`, status, at, id)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rowsAffected > 0, nil
}

// Delete removes the invoice; its items go with it through ON DELETE CASCADE.
func (r *InvoiceRepository) Delete(ctx context.Context, id string) (bool, error) {
	result, err := database.Conn(ctx, r.db).ExecContext(ctx, `
		DELETE FROM invoices WHERE id = $1
	`, id)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rowsAffected > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHeader(s rowScanner) (*domain.Invoice, error) {
	inv := &domain.Invoice{}
	err := s.Scan(&inv.ID, &inv.InvoiceNumber, &inv.CustomerName, &inv.CustomerContact, &inv.Subtotal,
		&inv.TaxRate, &inv.TaxAmount, &inv.TotalAmount, &inv.Status, &inv.IssueDate, &inv.DueDate,
		&inv.Notes, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return inv, nil
}
