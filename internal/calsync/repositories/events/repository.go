package events

import (
	"context"
	"time"

	"github.com/dmitrijs2005/calsync/internal/calsync/models"
)

// Repository persists calendar events. Writes of a sync pass go through the
// per-transaction staging table; reads exclude soft-deleted rows.
type Repository interface {
	// CreateStaging creates the transaction-scoped staging table.
	CreateStaging(ctx context.Context) error
	// Stage queues a full row for the next MergeStaged.
	Stage(ctx context.Context, e *models.Event) error
	// MergeStaged upserts every staged row into calendar_event in one
	// statement, keyed on event_id and guarded by last_modified.
	MergeStaged(ctx context.Context) (inserted, updated int, err error)
	// States returns the persisted state of the given ids; absent ids are
	// missing from the map.
	States(ctx context.Context, ids []string) (map[string]models.EventState, error)
	// SoftDelete marks an active event deleted. It reports false when the
	// row is missing or already deleted.
	SoftDelete(ctx context.Context, id string, lastModified time.Time) (bool, error)
	// SoftDeleteMissing marks deleted the active events of owner inside w
	// whose id is not in seen.
	SoftDeleteMissing(ctx context.Context, owner string, w models.Window, seen []string) (int, error)
	// MarkDeleted soft-deletes one event regardless of its state.
	MarkDeleted(ctx context.Context, id string) error

	ListByRange(ctx context.Context, from, to time.Time, userEmail string) ([]*models.EventView, error)
	ListByCategory(ctx context.Context, category, userEmail string) ([]*models.EventView, error)
}
