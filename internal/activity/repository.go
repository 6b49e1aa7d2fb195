package activity

import (
	"context"
	"database/sql"

	"github.com/Pacies/2k-ims/internal/domain"
)

const defaultListLimit = 50

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// LogActivity appends an entry to the activity log. It always writes outside
// any caller transaction so entries survive a rollback.
func (r *Repository) LogActivity(ctx context.Context, kind domain.ActivityKind, message string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO activity_log (kind, message)
		VALUES ($1, $2)
	`, kind, message)
	return err
}

func (r *Repository) List(ctx context.Context, limit int) ([]domain.Activity, error) {
	if limit < 1 {
		limit = defaultListLimit
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, message, created_at
		FROM activity_log
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	entries := make([]domain.Activity, 0, limit)
	for rows.Next() {
		var a domain.Activity
		if err := rows.Scan(&a.ID, &a.Kind, &a.Message, &a.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}
