package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dmitrijs2005/calsync/internal/calsync/models"
	"github.com/dmitrijs2005/calsync/internal/calsync/repositories/repomanager"
	"github.com/dmitrijs2005/calsync/internal/dbx"
)

// QueryService serves default reads (non-deleted events only) and the
// administrative writes that are not part of a sync pass.
type QueryService struct {
	db    *sql.DB
	repos repomanager.RepositoryManager
}

func NewQueryService(db *sql.DB, repos repomanager.RepositoryManager) *QueryService {
	return &QueryService{db: db, repos: repos}
}

// ListRange returns events starting in [from, to). An empty userEmail
// matches every owner.
func (s *QueryService) ListRange(ctx context.Context, from, to time.Time, userEmail string) ([]*models.EventView, error) {
	if !from.Before(to) {
		return nil, fmt.Errorf("empty range %s..%s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	return s.repos.Events(s.db).ListByRange(ctx, from, to, userEmail)
}

func (s *QueryService) ListByCategory(ctx context.Context, category, userEmail string) ([]*models.EventView, error) {
	return s.repos.Events(s.db).ListByCategory(ctx, category, userEmail)
}

func (s *QueryService) ListCategories(ctx context.Context) ([]*models.Category, error) {
	return s.repos.Categories(s.db).List(ctx)
}

// MarkDeleted soft-deletes one event by hand and drops its links.
func (s *QueryService) MarkDeleted(ctx context.Context, eventID string) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.repos.Events(tx).MarkDeleted(ctx, eventID); err != nil {
			return fmt.Errorf("event %s: %w", eventID, err)
		}
		if _, err := s.repos.Links(tx).DeleteByEvent(ctx, eventID); err != nil {
			return err
		}
		return nil
	})
}

// SetCategoryRoles assigns the project and activity roles of a category.
func (s *QueryService) SetCategoryRoles(ctx context.Context, name string, isProject, isActivity bool) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repos.Categories(tx)
		c, err := repo.GetByName(ctx, name)
		if err != nil {
			return fmt.Errorf("category %q: %w", name, err)
		}
		return repo.SetRoles(ctx, c.ID, isProject, isActivity)
	})
}

// DeleteCategory removes a category and its links. It returns the number of
// links removed.
func (s *QueryService) DeleteCategory(ctx context.Context, name string) (int, error) {
	var n int
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repos.Categories(tx)
		c, err := repo.GetByName(ctx, name)
		if err != nil {
			return fmt.Errorf("category %q: %w", name, err)
		}
		if n, err = s.repos.Links(tx).DeleteByCategory(ctx, c.ID); err != nil {
			return err
		}
		return repo.Delete(ctx, c.ID)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
