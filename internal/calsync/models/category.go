package models

import "time"

// Category is a tag observed on remote events. The role flags are set by
// administration only.
type Category struct {
	ID         int64     `db:"category_id"`
	Name       string    `db:"name"`
	IsProject  bool      `db:"is_project"`
	IsActivity bool      `db:"is_activity"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// LinkDiff is the minimal change that makes an event's persisted links equal
// its remote tag set.
type LinkDiff struct {
	ToInsert []int64
	ToDelete []int64
}

// Empty reports whether applying the diff is a no-op.
func (d LinkDiff) Empty() bool {
	return len(d.ToInsert) == 0 && len(d.ToDelete) == 0
}
