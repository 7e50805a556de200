// Package remote implements the calendar sources a pass reads from: the
// Microsoft Graph API and plain ICS feeds. Sources only read; they never
// touch the store.
package remote

import (
	"context"
	"iter"

	"github.com/dmitrijs2005/calsync/internal/calsync/models"
)

// Source lists calendar owners and yields the pages of one pass. Every owner
// ends with a page marked Last. The sequence stops after the first error.
type Source interface {
	Users(ctx context.Context) ([]models.Owner, error)
	Fetch(ctx context.Context, w models.Window) iter.Seq2[models.Page, error]
}
