package models

import "time"

// Event is the normalized, persisted projection of a remote calendar event.
// Start and end are always UTC. Location is the canonical display zone of the
// event; it is derived, never stored.
type Event struct {
	ID           string    `db:"event_id"`
	UserEmail    string    `db:"user_email"`
	UserName     string    `db:"user_name"`
	Subject      string    `db:"subject"`
	Description  string    `db:"description"`
	StartDate    time.Time `db:"start_date"`
	EndDate      time.Time `db:"end_date"`
	LastModified time.Time `db:"last_modified"`
	IsDeleted    bool      `db:"is_deleted"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`

	Categories  []string
	IsCancelled bool
	Location    *time.Location
}

// LocalStart renders the start instant in the event's display zone.
func (e *Event) LocalStart() time.Time { return e.inLocation(e.StartDate) }

// LocalEnd renders the end instant in the event's display zone.
func (e *Event) LocalEnd() time.Time { return e.inLocation(e.EndDate) }

func (e *Event) inLocation(t time.Time) time.Time {
	if e.Location == nil {
		return t.UTC()
	}
	return t.In(e.Location)
}

// EventState is the part of a persisted row the diff needs.
type EventState struct {
	LastModified time.Time
	IsDeleted    bool
}

// EventView is a read-model row: a non-deleted event with its category names.
type EventView struct {
	Event
	CategoryNames []string
}
