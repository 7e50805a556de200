package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/calsync/internal/calsync/repositories/categories"
	"github.com/dmitrijs2005/calsync/internal/calsync/repositories/events"
	"github.com/dmitrijs2005/calsync/internal/calsync/repositories/links"
	"github.com/dmitrijs2005/calsync/internal/dbx"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Events(db dbx.DBTX) events.Repository
	Categories(db dbx.DBTX) categories.Repository
	Links(db dbx.DBTX) links.Repository
}
