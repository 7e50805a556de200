package links

import "context"

// Repository maintains the event to category junction.
type Repository interface {
	// ByEvents returns the category ids currently linked to each event.
	ByEvents(ctx context.Context, eventIDs []string) (map[string][]int64, error)
	Insert(ctx context.Context, eventID string, categoryIDs []int64) (int, error)
	Delete(ctx context.Context, eventID string, categoryIDs []int64) (int, error)
	DeleteByEvent(ctx context.Context, eventID string) (int, error)
	DeleteByCategory(ctx context.Context, categoryID int64) (int, error)
}
