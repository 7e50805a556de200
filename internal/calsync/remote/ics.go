package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/dmitrijs2005/calsync/internal/calsync/models"
	"github.com/dmitrijs2005/calsync/internal/calsync/timezone"
	"github.com/dmitrijs2005/calsync/internal/logging"
)

type ICSConfig struct {
	URL        string
	OwnerEmail string
	OwnerName  string
	PageSize   int
}

// ICSSource reads a single owner's calendar from an ICS feed. Recurrence
// rules are not expanded: a recurring series is one event.
type ICSSource struct {
	client *Client
	tz     *timezone.Resolver
	cfg    ICSConfig
	log    logging.Logger
}

func NewICSSource(client *Client, tz *timezone.Resolver, cfg ICSConfig, log logging.Logger) *ICSSource {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	return &ICSSource{client: client, tz: tz, cfg: cfg, log: log}
}

func (s *ICSSource) owner() models.Owner {
	return models.Owner{ID: s.cfg.OwnerEmail, Email: s.cfg.OwnerEmail, Name: s.cfg.OwnerName}
}

func (s *ICSSource) Users(context.Context) ([]models.Owner, error) {
	return []models.Owner{s.owner()}, nil
}

// Fetch downloads the feed once and pages the events overlapping w.
func (s *ICSSource) Fetch(ctx context.Context, w models.Window) iter.Seq2[models.Page, error] {
	return func(yield func(models.Page, error) bool) {
		body, err := s.client.GetBytes(ctx, s.cfg.URL)
		if err != nil {
			yield(models.Page{}, fmt.Errorf("fetch ics: %w", err))
			return
		}
		records, err := s.parse(ctx, body, w)
		if err != nil {
			yield(models.Page{}, err)
			return
		}
		s.log.Info(ctx, "ics feed parsed", "url", redactURL(s.cfg.URL), "events", len(records))

		owner := s.owner()
		index := 0
		for {
			n := min(s.cfg.PageSize, len(records))
			page := models.Page{Owner: owner, Index: index, Records: records[:n], Last: n == len(records)}
			if !yield(page, nil) || page.Last {
				return
			}
			records = records[n:]
			index++
		}
	}
}

func (s *ICSSource) parse(ctx context.Context, body []byte, w models.Window) ([]models.RawEvent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty ICS body")
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse ics: %w", err)
	}

	owner := s.owner()
	var out []models.RawEvent
	for _, ve := range cal.Events() {
		raw := s.toRawEvent(owner, ve)
		if !s.inWindow(raw, w) {
			continue
		}
		out = append(out, raw)
	}
	return out, nil
}

// inWindow keeps records whose times cannot be read; the normalizer rejects
// and counts them.
func (s *ICSSource) inWindow(raw models.RawEvent, w models.Window) bool {
	start, err := s.tz.ToUTC(raw.Start.DateTime, raw.Start.TimeZone)
	if err != nil {
		return true
	}
	end, err := s.tz.ToUTC(raw.End.DateTime, raw.End.TimeZone)
	if err != nil {
		return true
	}
	return w.Overlaps(start, end)
}

func (s *ICSSource) toRawEvent(owner models.Owner, ve *ical.VEvent) models.RawEvent {
	raw := models.RawEvent{OwnerEmail: owner.Email, OwnerName: owner.Name}

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		raw.ID = strings.TrimSpace(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		raw.Subject = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		raw.Description = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		raw.IsCancelled = strings.EqualFold(strings.TrimSpace(p.Value), string(ical.ObjectStatusCancelled))
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyCategories) {
		raw.Categories = append(raw.Categories, splitList(p.Value)...)
	}

	raw.Start = dateTimeZone(ve.GetProperty(ical.ComponentPropertyDtStart))
	raw.End = dateTimeZone(ve.GetProperty(ical.ComponentPropertyDtEnd))
	if raw.End.DateTime == "" {
		raw.End = raw.Start
	}
	raw.DisplayZone = raw.Start.TimeZone

	// DTSTAMP is the time the feed was generated and changes on every
	// download, so it never stands in for last-modified.
	raw.LastModified = unversioned
	for _, prop := range []ical.ComponentProperty{ical.ComponentPropertyLastModified, ical.ComponentPropertyCreated} {
		if p := ve.GetProperty(prop); p != nil {
			if t, err := time.Parse("20060102T150405Z", strings.TrimSpace(p.Value)); err == nil {
				raw.LastModified = t
				break
			}
		}
	}
	return raw
}

// unversioned is the last-modified of events that carry neither LAST-MODIFIED
// nor CREATED. Such an event is stored once and only updated after the feed
// starts versioning it.
var unversioned = time.Unix(0, 0).UTC()

func dateTimeZone(p *ical.IANAProperty) models.DateTimeZone {
	if p == nil {
		return models.DateTimeZone{}
	}
	dt := models.DateTimeZone{DateTime: strings.TrimSpace(p.Value)}
	if tz := p.ICalParameters["TZID"]; len(tz) > 0 {
		dt.TimeZone = strings.Trim(tz[0], `"`)
	}
	return dt
}

var textUnescaper = strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)

func unescapeText(s string) string {
	return textUnescaper.Replace(s)
}

// splitList splits a comma separated property value, honouring escaped commas.
func splitList(v string) []string {
	var (
		out []string
		cur strings.Builder
	)
	for i := 0; i < len(v); i++ {
		switch {
		case v[i] == '\\' && i+1 < len(v):
			cur.WriteByte(v[i])
			cur.WriteByte(v[i+1])
			i++
		case v[i] == ',':
			out = append(out, unescapeText(cur.String()))
			cur.Reset()
		default:
			cur.WriteByte(v[i])
		}
	}
	return append(out, unescapeText(cur.String()))
}
