package categories

import (
	"context"

	"github.com/dmitrijs2005/calsync/internal/calsync/models"
)

type Repository interface {
	// IDsByName returns the ids of the categories that already exist.
	IDsByName(ctx context.Context, names []string) (map[string]int64, error)
	GetByName(ctx context.Context, name string) (*models.Category, error)
	// Insert creates a category with both role flags off. created is false
	// when a row with that name already exists.
	Insert(ctx context.Context, name string) (id int64, created bool, err error)
	List(ctx context.Context) ([]*models.Category, error)
	SetRoles(ctx context.Context, id int64, isProject, isActivity bool) error
	Delete(ctx context.Context, id int64) error
}
