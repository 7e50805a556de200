package models

import (
	"fmt"
	"time"
)

// Window is the [From, To) range a pass reconciles.
type Window struct {
	From time.Time
	To   time.Time
}

// NewWindow spans past before and future after now, truncated to the second.
func NewWindow(now time.Time, past, future time.Duration) Window {
	now = now.UTC().Truncate(time.Second)
	return Window{From: now.Add(-past), To: now.Add(future)}
}

// Overlaps reports whether an event spanning [start, end) intersects the
// window the way a calendar view does: it starts before To and ends after
// From. An event ending exactly at From is outside.
func (w Window) Overlaps(start, end time.Time) bool {
	return start.Before(w.To) && end.After(w.From)
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.From.Format(time.RFC3339), w.To.Format(time.RFC3339))
}

// PassStats counts what one pass did. Every non-fatal error lands in
// Invalid, Failed or FailedPages.
type PassStats struct {
	Pages       int
	Fetched     int
	Inserted    int
	Updated     int
	SoftDeleted int
	Skipped     int
	Stale       int
	Invalid     int
	Failed      int
	FailedPages int
	Swept       int
	LinksAdded  int
	LinksPruned int
}

// Add accumulates o into s.
func (s *PassStats) Add(o PassStats) {
	s.Pages += o.Pages
	s.Fetched += o.Fetched
	s.Inserted += o.Inserted
	s.Updated += o.Updated
	s.SoftDeleted += o.SoftDeleted
	s.Skipped += o.Skipped
	s.Stale += o.Stale
	s.Invalid += o.Invalid
	s.Failed += o.Failed
	s.FailedPages += o.FailedPages
	s.Swept += o.Swept
	s.LinksAdded += o.LinksAdded
	s.LinksPruned += o.LinksPruned
}

// Writes is the number of row-level mutations the pass performed.
func (s PassStats) Writes() int {
	return s.Inserted + s.Updated + s.SoftDeleted + s.Swept + s.LinksAdded + s.LinksPruned
}
