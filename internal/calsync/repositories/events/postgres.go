// Package events provides the PostgreSQL-backed event repository: the
// staging-table merge used by sync passes and the default read queries.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmitrijs2005/calsync/internal/calsync/models"
	"github.com/dmitrijs2005/calsync/internal/common"
	"github.com/dmitrijs2005/calsync/internal/dbx"
)

// PostgresRepository implements Repository over a dbx.DBTX (*sql.DB or *sql.Tx).
// Staging requires a *sql.Tx: the staging table lives until commit.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) CreateStaging(ctx context.Context) error {
	query := `
		CREATE TEMP TABLE IF NOT EXISTS calendar_event_staging
			(LIKE calendar_event INCLUDING DEFAULTS)
			ON COMMIT DROP
	`
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Stage(ctx context.Context, e *models.Event) error {
	query := `
		INSERT INTO calendar_event_staging
			(event_id, user_email, user_name, subject, start_date, end_date, description, last_modified, is_deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)
	`
	_, err := r.db.ExecContext(ctx, query,
		e.ID, e.UserEmail, e.UserName, e.Subject, e.StartDate.UTC(), e.EndDate.UTC(), e.Description, e.LastModified.UTC())
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// MergeStaged updates an existing row only when the staged copy is strictly
// newer. A soft-deleted row is revived the same way. xmax = 0 tells freshly
// inserted rows apart from updated ones.
func (r *PostgresRepository) MergeStaged(ctx context.Context) (int, int, error) {
	query := `
		INSERT INTO calendar_event AS ce
			(event_id, user_email, user_name, subject, start_date, end_date, description, last_modified, is_deleted, created_at, updated_at)
		SELECT event_id, user_email, user_name, subject, start_date, end_date, description, last_modified, is_deleted, now(), now()
		FROM calendar_event_staging
		ON CONFLICT (event_id) DO UPDATE SET
			user_email = EXCLUDED.user_email,
			user_name = EXCLUDED.user_name,
			subject = EXCLUDED.subject,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			description = EXCLUDED.description,
			last_modified = EXCLUDED.last_modified,
			is_deleted = EXCLUDED.is_deleted,
			updated_at = now()
		WHERE ce.last_modified < EXCLUDED.last_modified
		RETURNING (xmax = 0) AS inserted
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return 0, 0, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var inserted, updated int
	for rows.Next() {
		var isInsert bool
		if err := rows.Scan(&isInsert); err != nil {
			return 0, 0, fmt.Errorf("scan error: %w", err)
		}
		if isInsert {
			inserted++
		} else {
			updated++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("db error: %w", err)
	}
	return inserted, updated, nil
}

func (r *PostgresRepository) States(ctx context.Context, ids []string) (map[string]models.EventState, error) {
	result := make(map[string]models.EventState, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	query := `SELECT event_id, last_modified, is_deleted FROM calendar_event WHERE event_id = ANY($1)`
	rows, err := r.db.QueryContext(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id string
			st models.EventState
		)
		if err := rows.Scan(&id, &st.LastModified, &st.IsDeleted); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		st.LastModified = st.LastModified.UTC()
		result[id] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return result, nil
}

// SoftDelete never moves last_modified backwards, so an older replay of the
// event cannot revive it.
func (r *PostgresRepository) SoftDelete(ctx context.Context, id string, lastModified time.Time) (bool, error) {
	query := `
		UPDATE calendar_event
		SET is_deleted = TRUE, last_modified = GREATEST(last_modified, $2), updated_at = now()
		WHERE event_id = $1 AND NOT is_deleted
	`
	res, err := r.db.ExecContext(ctx, query, id, lastModified.UTC())
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresRepository) SoftDeleteMissing(ctx context.Context, owner string, w models.Window, seen []string) (int, error) {
	if seen == nil {
		seen = []string{}
	}
	query := `
		UPDATE calendar_event
		SET is_deleted = TRUE, updated_at = now()
		WHERE user_email = $1 AND NOT is_deleted
			AND start_date < $3 AND end_date > $2
			AND NOT (event_id = ANY($4))
	`
	res, err := r.db.ExecContext(ctx, query, owner, w.From.UTC(), w.To.UTC(), seen)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return int(n), nil
}

func (r *PostgresRepository) MarkDeleted(ctx context.Context, id string) error {
	query := `UPDATE calendar_event SET is_deleted = TRUE, updated_at = now() WHERE event_id = $1`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

const selectViews = `
	SELECT e.event_id, e.user_email, e.user_name, e.subject, e.start_date, e.end_date,
		e.description, e.last_modified, e.created_at, e.updated_at,
		COALESCE(json_agg(c.name ORDER BY c.name) FILTER (WHERE c.name IS NOT NULL), '[]'::json) AS categories
	FROM calendar_event e
	LEFT JOIN calendar_event_calendar_category l ON l.event_id = e.event_id
	LEFT JOIN calendar_category c ON c.category_id = l.category_id
`

func (r *PostgresRepository) ListByRange(ctx context.Context, from, to time.Time, userEmail string) ([]*models.EventView, error) {
	query := selectViews + `
		WHERE NOT e.is_deleted AND e.start_date >= $1 AND e.start_date < $2
			AND ($3::text = '' OR e.user_email = $3::text)
		GROUP BY e.event_id
		ORDER BY e.start_date, e.event_id
	`
	return r.selectViews(ctx, query, from.UTC(), to.UTC(), userEmail)
}

func (r *PostgresRepository) ListByCategory(ctx context.Context, category, userEmail string) ([]*models.EventView, error) {
	query := selectViews + `
		WHERE NOT e.is_deleted
			AND EXISTS (
				SELECT 1 FROM calendar_event_calendar_category l2
				JOIN calendar_category c2 ON c2.category_id = l2.category_id
				WHERE l2.event_id = e.event_id AND c2.name = $1
			)
			AND ($2::text = '' OR e.user_email = $2::text)
		GROUP BY e.event_id
		ORDER BY e.start_date, e.event_id
	`
	return r.selectViews(ctx, query, category, userEmail)
}

func (r *PostgresRepository) selectViews(ctx context.Context, query string, args ...any) ([]*models.EventView, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select events: %w", err)
	}
	defer rows.Close()

	var result []*models.EventView
	for rows.Next() {
		var (
			item models.EventView
			tags []byte
		)
		if err := rows.Scan(
			&item.ID, &item.UserEmail, &item.UserName, &item.Subject, &item.StartDate, &item.EndDate,
			&item.Description, &item.LastModified, &item.CreatedAt, &item.UpdatedAt, &tags,
		); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		if err := json.Unmarshal(tags, &item.CategoryNames); err != nil {
			return nil, fmt.Errorf("categories of %s: %w", item.ID, err)
		}
		item.StartDate = item.StartDate.UTC()
		item.EndDate = item.EndDate.UTC()
		result = append(result, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
