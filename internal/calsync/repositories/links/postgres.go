// Package links provides the PostgreSQL-backed event/category junction.
package links

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/calsync/internal/dbx"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) ByEvents(ctx context.Context, eventIDs []string) (map[string][]int64, error) {
	result := make(map[string][]int64, len(eventIDs))
	if len(eventIDs) == 0 {
		return result, nil
	}

	query := `
		SELECT event_id, category_id FROM calendar_event_calendar_category
		WHERE event_id = ANY($1)
		ORDER BY event_id, category_id
	`
	rows, err := r.db.QueryContext(ctx, query, eventIDs)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			eventID    string
			categoryID int64
		)
		if err := rows.Scan(&eventID, &categoryID); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		result[eventID] = append(result[eventID], categoryID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return result, nil
}

// Insert adds the given links; pairs that already exist are ignored.
func (r *PostgresRepository) Insert(ctx context.Context, eventID string, categoryIDs []int64) (int, error) {
	if len(categoryIDs) == 0 {
		return 0, nil
	}
	query := `
		INSERT INTO calendar_event_calendar_category (event_id, category_id)
		SELECT $1, UNNEST($2::bigint[])
		ON CONFLICT DO NOTHING
	`
	return r.exec(ctx, query, eventID, categoryIDs)
}

func (r *PostgresRepository) Delete(ctx context.Context, eventID string, categoryIDs []int64) (int, error) {
	if len(categoryIDs) == 0 {
		return 0, nil
	}
	query := `DELETE FROM calendar_event_calendar_category WHERE event_id = $1 AND category_id = ANY($2)`
	return r.exec(ctx, query, eventID, categoryIDs)
}

func (r *PostgresRepository) DeleteByEvent(ctx context.Context, eventID string) (int, error) {
	return r.exec(ctx, `DELETE FROM calendar_event_calendar_category WHERE event_id = $1`, eventID)
}

func (r *PostgresRepository) DeleteByCategory(ctx context.Context, categoryID int64) (int, error) {
	return r.exec(ctx, `DELETE FROM calendar_event_calendar_category WHERE category_id = $1`, categoryID)
}

func (r *PostgresRepository) exec(ctx context.Context, query string, args ...any) (int, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return int(n), nil
}
