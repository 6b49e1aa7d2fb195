package invoices

import (
	"context"
	"database/sql"
)

// CounterRepository keeps counters in the invoice_counters table. It never
// joins a caller transaction: a number handed out stays consumed.
type CounterRepository struct {
	db *sql.DB
}

func NewCounterRepository(db *sql.DB) *CounterRepository {
	return &CounterRepository{db: db}
}

func (r *CounterRepository) Current(ctx context.Context, name string) (int64, error) {
	var value int64
	err := r.db.QueryRowContext(ctx, `
		SELECT next_value
		FROM invoice_counters
		WHERE name = $1
	`, name).Scan(&value)
	if err != nil {
		return 0, err
	}

	return value, nil
}

// Increment advances the counter by one and returns the value it replaced.
// The row lock taken by the UPDATE serializes concurrent callers.
func (r *CounterRepository) Increment(ctx context.Context, name string) (int64, error) {
	var value int64
	err := r.db.QueryRowContext(ctx, `
		UPDATE invoice_counters
		SET next_value = next_value + 1
		WHERE name = $1
		RETURNING next_value - 1
	`, name).Scan(&value)
	if err != nil {
		return 0, err
	}

	return value, nil
}

func (r *CounterRepository) CompareAndSwap(ctx context.Context, name string, old, next int64) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE invoice_counters
		SET next_value = $3
		WHERE name = $1 AND next_value = $2
	`, name, old, next)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rowsAffected == 1, nil
}
