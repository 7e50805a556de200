package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dmitrijs2005/calsync/internal/calsync/models"
	"github.com/dmitrijs2005/calsync/internal/common"
	"github.com/sethvargo/go-retry"
)

type batchRequest struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

type batchResponse struct {
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

type eventBody struct {
	Body struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
}

// fillBodies loads the plain-text body of every record, BatchSize records
// per $batch call.
func (g *GraphSource) fillBodies(ctx context.Context, owner models.Owner, records []models.RawEvent) error {
	for start := 0; start < len(records); start += g.cfg.BatchSize {
		end := min(start+g.cfg.BatchSize, len(records))
		if err := g.batchBodies(ctx, owner, records[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// batchBodies resends only the throttled items of a batch. Items that fail
// for any other reason are marked Incomplete and later skipped.
func (g *GraphSource) batchBodies(ctx context.Context, owner models.Owner, records []models.RawEvent) error {
	pending := make(map[string]int, len(records))
	for i := range records {
		if records[i].ID == "" {
			continue
		}
		pending[strconv.Itoa(i)] = i
	}
	if len(pending) == 0 {
		return nil
	}

	b := g.client.policy.backoff()
	return retry.Do(ctx, b, func(ctx context.Context) error {
		reqs := make([]batchRequest, 0, len(pending))
		for i := range records {
			id := strconv.Itoa(i)
			if _, ok := pending[id]; !ok {
				continue
			}
			reqs = append(reqs, batchRequest{
				ID:     id,
				Method: http.MethodGet,
				URL:    "/users/" + url.PathEscape(ownerKey(owner)) + "/events/" + url.PathEscape(records[i].ID) + "?$select=body",
				Headers: map[string]string{
					"Prefer": `outlook.body-content-type="text"`,
				},
			})
		}

		var out struct {
			Responses []batchResponse `json:"responses"`
		}
		if err := g.client.PostJSON(ctx, g.cfg.BaseURL+"/$batch", map[string]any{"requests": reqs}, &out); err != nil {
			return err
		}

		var throttled int
		for _, r := range out.Responses {
			i, ok := pending[r.ID]
			if !ok {
				continue
			}
			switch {
			case r.Status >= 200 && r.Status < 300:
				var body eventBody
				if err := json.Unmarshal(r.Body, &body); err != nil {
					records[i].Incomplete = true
					g.log.Warn(ctx, "undecodable event body", "event_id", records[i].ID, "owner", owner.Email, "error", err)
				} else {
					records[i].Description = body.Body.Content
				}
				delete(pending, r.ID)
			case retryableStatus(r.Status):
				throttled++
				b.Hint(parseRetryAfter(r.Headers["Retry-After"], time.Now()))
			default:
				records[i].Incomplete = true
				g.log.Warn(ctx, "event body request failed", "event_id", records[i].ID, "owner", owner.Email, "status", r.Status)
				delete(pending, r.ID)
			}
		}

		if len(pending) == 0 {
			return nil
		}
		if throttled == 0 {
			// the batch response omitted some items
			for id, i := range pending {
				records[i].Incomplete = true
				delete(pending, id)
			}
			return nil
		}
		g.log.Warn(ctx, "batch items throttled, backing off", "owner", owner.Email, "pending", len(pending))
		return retry.RetryableError(fmt.Errorf("%w: %d batch items throttled", common.ErrTransientRemote, len(pending)))
	})
}
