// Package categories provides the PostgreSQL-backed category repository.
package categories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/calsync/internal/calsync/models"
	"github.com/dmitrijs2005/calsync/internal/common"
	"github.com/dmitrijs2005/calsync/internal/dbx"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) IDsByName(ctx context.Context, names []string) (map[string]int64, error) {
	result := make(map[string]int64, len(names))
	if len(names) == 0 {
		return result, nil
	}

	rows, err := r.db.QueryContext(ctx, `SELECT category_id, name FROM calendar_category WHERE name = ANY($1)`, names)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		result[name] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return result, nil
}

func (r *PostgresRepository) GetByName(ctx context.Context, name string) (*models.Category, error) {
	query := `
		SELECT category_id, name, is_project, is_activity, created_at, updated_at
		FROM calendar_category WHERE name = $1
	`
	var c models.Category
	err := r.db.QueryRowContext(ctx, query, name).
		Scan(&c.ID, &c.Name, &c.IsProject, &c.IsActivity, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &c, nil
}

// Insert relies on the unique name constraint: a concurrent pass that
// created the same name first makes this a no-op rather than an error.
func (r *PostgresRepository) Insert(ctx context.Context, name string) (int64, bool, error) {
	query := `
		INSERT INTO calendar_category (name, is_project, is_activity)
		VALUES ($1, FALSE, FALSE)
		ON CONFLICT (name) DO NOTHING
		RETURNING category_id
	`
	var id int64
	err := r.db.QueryRowContext(ctx, query, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("db error: %w", err)
	}
	return id, true, nil
}

func (r *PostgresRepository) List(ctx context.Context) ([]*models.Category, error) {
	query := `
		SELECT category_id, name, is_project, is_activity, created_at, updated_at
		FROM calendar_category ORDER BY name
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to select categories: %w", err)
	}
	defer rows.Close()

	var result []*models.Category
	for rows.Next() {
		var c models.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.IsProject, &c.IsActivity, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) SetRoles(ctx context.Context, id int64, isProject, isActivity bool) error {
	query := `
		UPDATE calendar_category
		SET is_project = $2, is_activity = $3, updated_at = now()
		WHERE category_id = $1
	`
	return r.execOne(ctx, query, id, isProject, isActivity)
}

// Delete removes the category row only; links must be gone already.
func (r *PostgresRepository) Delete(ctx context.Context, id int64) error {
	return r.execOne(ctx, `DELETE FROM calendar_category WHERE category_id = $1`, id)
}

func (r *PostgresRepository) execOne(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return common.ErrorNotFound
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}
