package services

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dmitrijs2005/calsync/internal/calsync/models"
	"github.com/dmitrijs2005/calsync/internal/calsync/timezone"
	"github.com/dmitrijs2005/calsync/internal/common"
	"github.com/dmitrijs2005/calsync/internal/logging"
)

// Normalizer validates raw remote records and turns them into UTC events.
type Normalizer struct {
	tz  *timezone.Resolver
	log logging.Logger
}

func NewNormalizer(tz *timezone.Resolver, log logging.Logger) *Normalizer {
	return &Normalizer{tz: tz, log: log}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", common.ErrInvalidEvent, fmt.Sprintf(format, args...))
}

// Normalize returns common.ErrInvalidEvent for records that must not be
// stored. An unknown zone is not an error: the fallback zone is used.
func (n *Normalizer) Normalize(ctx context.Context, raw models.RawEvent) (*models.Event, error) {
	id := strings.TrimSpace(raw.ID)
	owner := strings.TrimSpace(raw.OwnerEmail)

	switch {
	case id == "":
		return nil, invalid("missing event id")
	case owner == "":
		return nil, invalid("event %s has no owner", id)
	case raw.Incomplete:
		return nil, invalid("event %s: detail call failed", id)
	case raw.LastModified.IsZero():
		return nil, invalid("event %s has no last-modified", id)
	}

	for _, zone := range []string{raw.Start.TimeZone, raw.End.TimeZone, raw.DisplayZone} {
		if zone != "" && !n.tz.Known(zone) {
			n.log.Warn(ctx, "unknown timezone, using fallback",
				"event_id", id, "zone", zone, "fallback", n.tz.Fallback().String())
		}
	}

	start, err := n.tz.ToUTC(raw.Start.DateTime, raw.Start.TimeZone)
	if err != nil {
		return nil, invalid("event %s start: %v", id, err)
	}
	end, err := n.tz.ToUTC(raw.End.DateTime, raw.End.TimeZone)
	if err != nil {
		return nil, invalid("event %s end: %v", id, err)
	}
	if end.Before(start) {
		return nil, invalid("event %s ends before it starts", id)
	}

	display := raw.DisplayZone
	if display == "" {
		display = raw.Start.TimeZone
	}

	return &models.Event{
		ID:           id,
		UserEmail:    owner,
		UserName:     truncate(strings.TrimSpace(raw.OwnerName), common.MaxUserNameLength),
		Subject:      truncate(raw.Subject, common.MaxSubjectLength),
		Description:  truncate(raw.Description, common.MaxDescriptionLength),
		StartDate:    start,
		EndDate:      end,
		LastModified: raw.LastModified.UTC(),
		Categories:   NormalizeTags(raw.Categories),
		IsCancelled:  raw.IsCancelled,
		Location:     n.tz.Resolve(display),
	}, nil
}

// NormalizeTags trims names, drops empty ones and collapses duplicates
// (case-sensitive), keeping first-seen order.
func NormalizeTags(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = truncate(strings.TrimSpace(name), common.MaxCategoryNameLength)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
