package remote

import (
	"context"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/calsync/internal/calsync/models"
	"github.com/dmitrijs2005/calsync/internal/common"
	"github.com/dmitrijs2005/calsync/internal/logging"
)

const (
	DefaultGraphBaseURL = "https://graph.microsoft.com/v1.0"

	userFields  = "id,displayName,mail,userPrincipalName"
	eventFields = "id,subject,start,end,originalStartTimeZone,originalEndTimeZone,categories,isCancelled,lastModifiedDateTime"
)

type GraphConfig struct {
	BaseURL   string
	PageSize  int
	BatchSize int
}

// GraphSource reads every mailbox calendar of a tenant.
type GraphSource struct {
	client *Client
	cfg    GraphConfig
	log    logging.Logger
}

func NewGraphSource(client *Client, cfg GraphConfig, log logging.Logger) *GraphSource {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGraphBaseURL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > common.GraphMaxBatchSize {
		cfg.BatchSize = common.GraphMaxBatchSize
	}
	return &GraphSource{client: client, cfg: cfg, log: log}
}

type graphUser struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

type graphEvent struct {
	ID                    string              `json:"id"`
	Subject               string              `json:"subject"`
	Start                 models.DateTimeZone `json:"start"`
	End                   models.DateTimeZone `json:"end"`
	OriginalStartTimeZone string              `json:"originalStartTimeZone"`
	OriginalEndTimeZone   string              `json:"originalEndTimeZone"`
	Categories            []string            `json:"categories"`
	IsCancelled           bool                `json:"isCancelled"`
	LastModifiedDateTime  string              `json:"lastModifiedDateTime"`
}

type collection[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// Users lists the mailboxes of the tenant. Accounts without a mail address
// have no calendar to reconcile and are skipped.
func (g *GraphSource) Users(ctx context.Context) ([]models.Owner, error) {
	q := url.Values{}
	q.Set("$select", userFields)
	next := g.cfg.BaseURL + "/users?" + q.Encode()

	var owners []models.Owner
	for next != "" {
		var page collection[graphUser]
		if err := g.client.GetJSON(ctx, next, nil, &page); err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		for _, u := range page.Value {
			if strings.TrimSpace(u.Mail) == "" {
				g.log.Debug(ctx, "skipping user without mailbox", "user_id", u.ID, "upn", u.UserPrincipalName)
				continue
			}
			owners = append(owners, models.Owner{ID: u.ID, Email: u.Mail, Name: u.DisplayName})
		}
		next = page.NextLink
	}
	return owners, nil
}

// Fetch walks the calendar view of every owner over w. Each Graph page
// becomes one Page with its bodies filled in by batch calls.
func (g *GraphSource) Fetch(ctx context.Context, w models.Window) iter.Seq2[models.Page, error] {
	return func(yield func(models.Page, error) bool) {
		owners, err := g.Users(ctx)
		if err != nil {
			yield(models.Page{}, err)
			return
		}
		g.log.Info(ctx, "fetching calendars", "owners", len(owners), "window", w.String())

		for _, owner := range owners {
			if !g.fetchOwner(ctx, owner, w, yield) {
				return
			}
		}
	}
}

func (g *GraphSource) fetchOwner(ctx context.Context, owner models.Owner, w models.Window, yield func(models.Page, error) bool) bool {
	headers := map[string]string{"Prefer": `outlook.timezone="UTC"`}
	next := g.calendarViewURL(owner, w)

	for index := 0; ; index++ {
		var resp collection[graphEvent]
		if err := g.client.GetJSON(ctx, next, headers, &resp); err != nil {
			yield(models.Page{}, fmt.Errorf("calendar of %s: %w", owner.Email, err))
			return false
		}

		records := make([]models.RawEvent, 0, len(resp.Value))
		for _, ev := range resp.Value {
			records = append(records, toRawEvent(owner, ev))
		}
		if err := g.fillBodies(ctx, owner, records); err != nil {
			yield(models.Page{}, fmt.Errorf("event bodies of %s: %w", owner.Email, err))
			return false
		}

		next = resp.NextLink
		page := models.Page{Owner: owner, Index: index, Records: records, Last: next == ""}
		if !yield(page, nil) {
			return false
		}
		if page.Last {
			return true
		}
	}
}

func (g *GraphSource) calendarViewURL(owner models.Owner, w models.Window) string {
	q := url.Values{}
	q.Set("startDateTime", w.From.UTC().Format(time.RFC3339))
	q.Set("endDateTime", w.To.UTC().Format(time.RFC3339))
	q.Set("$select", eventFields)
	q.Set("$top", strconv.Itoa(g.cfg.PageSize))
	return g.cfg.BaseURL + "/users/" + url.PathEscape(ownerKey(owner)) + "/calendarView?" + q.Encode()
}

func ownerKey(owner models.Owner) string {
	if owner.ID != "" {
		return owner.ID
	}
	return owner.Email
}

// toRawEvent keeps the UTC start/end Graph returns under the Prefer header
// and carries the original zone for display.
func toRawEvent(owner models.Owner, ev graphEvent) models.RawEvent {
	raw := models.RawEvent{
		ID:          ev.ID,
		OwnerEmail:  owner.Email,
		OwnerName:   owner.Name,
		Subject:     ev.Subject,
		Start:       ev.Start,
		End:         ev.End,
		DisplayZone: ev.OriginalStartTimeZone,
		Categories:  ev.Categories,
		IsCancelled: ev.IsCancelled,
	}
	if lm, err := time.Parse(time.RFC3339Nano, ev.LastModifiedDateTime); err == nil {
		raw.LastModified = lm.UTC()
	}
	if raw.Start.TimeZone == "" {
		raw.Start.TimeZone = ev.OriginalStartTimeZone
	}
	if raw.End.TimeZone == "" {
		raw.End.TimeZone = ev.OriginalEndTimeZone
	}
	return raw
}
