// Package services holds the sync engine and the read/administration
// operations over the calendar store.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/calsync/internal/calsync/models"
	"github.com/dmitrijs2005/calsync/internal/calsync/repositories/repomanager"
	"github.com/dmitrijs2005/calsync/internal/common"
	"github.com/dmitrijs2005/calsync/internal/dbx"
	"github.com/dmitrijs2005/calsync/internal/logging"
	"github.com/google/uuid"
)

// Fetcher yields the pages of one pass over a window.
type Fetcher interface {
	Fetch(ctx context.Context, w models.Window) iter.Seq2[models.Page, error]
}

type EngineOptions struct {
	// PipelineDepth is how many fetched pages may wait while one is applied.
	PipelineDepth int
	// SweepMissing soft-deletes stored events of an owner that the source
	// no longer reports inside the window.
	SweepMissing bool
}

// Engine applies passes: it diffs fetched events against the store and
// writes inserts, updates, soft-deletes and category links.
type Engine struct {
	db         *sql.DB
	repos      repomanager.RepositoryManager
	source     Fetcher
	normalizer *Normalizer
	reconciler *Reconciler
	metrics    *Metrics
	log        logging.Logger
	opts       EngineOptions

	running atomic.Bool
}

func NewEngine(db *sql.DB, repos repomanager.RepositoryManager, source Fetcher, normalizer *Normalizer,
	metrics *Metrics, log logging.Logger, opts EngineOptions) *Engine {
	if opts.PipelineDepth < 0 {
		opts.PipelineDepth = 0
	}
	return &Engine{
		db:         db,
		repos:      repos,
		source:     source,
		normalizer: normalizer,
		reconciler: NewReconciler(),
		metrics:    metrics,
		log:        log,
		opts:       opts,
	}
}

type action int

const (
	actionSkip action = iota
	actionUpsert
	actionSoftDelete
)

// decide compares a normalized event with its persisted state. Equal or
// older remote data never produces a write.
func decide(ev *models.Event, st models.EventState, found bool) action {
	switch {
	case !found && ev.IsCancelled:
		return actionSkip
	case !found:
		return actionUpsert
	case ev.IsCancelled:
		if st.IsDeleted || ev.LastModified.Before(st.LastModified) {
			return actionSkip
		}
		return actionSoftDelete
	case ev.LastModified.After(st.LastModified):
		// also revives a row that was cancelled, swept or deleted by hand
		return actionUpsert
	default:
		return actionSkip
	}
}

type fetched struct {
	page models.Page
	err  error
}

type ownerProgress struct {
	seen   []string
	failed bool
}

// ApplyPass reconciles the store against the source over w. Only one pass
// runs at a time; a concurrent call returns common.ErrPassInProgress.
//
// Each page is applied in its own transaction. A page that fails is rolled
// back and counted, and the pass goes on. A fetch error ends the pass;
// pages committed before it stay committed. Cancellation is honoured
// between pages only.
func (e *Engine) ApplyPass(ctx context.Context, w models.Window) (stats models.PassStats, err error) {
	if !e.running.CompareAndSwap(false, true) {
		return stats, common.ErrPassInProgress
	}
	defer e.running.Store(false)

	started := time.Now()
	ctx = logging.ContextWith(ctx, "pass_id", uuid.NewString())
	log := e.log.With("window_from", w.From, "window_to", w.To)
	log.Info(ctx, "sync pass started")

	defer func() {
		took := time.Since(started)
		e.metrics.ObservePass(stats, took, err)
		args := []any{
			"took", took.String(), "pages", stats.Pages, "fetched", stats.Fetched,
			"inserted", stats.Inserted, "updated", stats.Updated, "soft_deleted", stats.SoftDeleted,
			"swept", stats.Swept, "skipped", stats.Skipped, "stale", stats.Stale,
			"links_added", stats.LinksAdded, "links_pruned", stats.LinksPruned,
			"invalid", stats.Invalid, "failed", stats.Failed, "failed_pages", stats.FailedPages,
		}
		if err != nil {
			log.Error(ctx, "sync pass aborted", append(args, "error", err)...)
			return
		}
		log.Info(ctx, "sync pass finished", args...)
	}()

	fetchCtx, cancel := context.WithCancel(ctx)
	pages := make(chan fetched, e.opts.PipelineDepth)
	go func() {
		defer close(pages)
		for page, err := range e.source.Fetch(fetchCtx, w) {
			select {
			case pages <- fetched{page: page, err: err}:
			case <-fetchCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	defer func() {
		cancel()
		for range pages {
		}
	}()

	owners := make(map[string]*ownerProgress)

	for item := range pages {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if item.err != nil {
			return stats, fmt.Errorf("fetch: %w", item.err)
		}

		page := item.page
		progress, ok := owners[page.Owner.Email]
		if !ok {
			progress = &ownerProgress{}
			owners[page.Owner.Email] = progress
		}
		for _, r := range page.Records {
			if r.ID != "" {
				progress.seen = append(progress.seen, r.ID)
			}
		}

		pageLog := log.With("owner", page.Owner.Email, "page", page.Index)
		ps, err := e.applyPage(ctx, pageLog, w, page)
		stats.Add(ps)
		if err != nil {
			stats.FailedPages++
			progress.failed = true
			pageLog.Error(ctx, "page rolled back", "records", len(page.Records), "error", err)
		}

		if page.Last {
			if e.opts.SweepMissing && !progress.failed && page.Owner.Email != "" {
				n, err := e.sweep(ctx, page.Owner.Email, w, progress.seen)
				if err != nil {
					stats.FailedPages++
					pageLog.Error(ctx, "sweep failed", "error", err)
				} else {
					stats.Swept += n
				}
			}
			delete(owners, page.Owner.Email)
		}
	}

	if err := ctx.Err(); err != nil {
		return stats, err
	}
	return stats, nil
}

// applyPage normalizes the records of one page and applies them in a single
// transaction. The returned stats include the write counters only when the
// transaction committed.
func (e *Engine) applyPage(ctx context.Context, log logging.Logger, w models.Window, page models.Page) (models.PassStats, error) {
	stats := models.PassStats{Pages: 1, Fetched: len(page.Records)}

	events := make([]*models.Event, 0, len(page.Records))
	for _, raw := range page.Records {
		ev, err := e.normalizer.Normalize(ctx, raw)
		if err != nil {
			stats.Invalid++
			log.Warn(ctx, "skipping invalid record", "event_id", raw.ID, "error", err)
			continue
		}
		events = append(events, ev)
	}
	events = dedupeLatest(events)
	if len(events) == 0 {
		return stats, nil
	}

	var applied models.PassStats
	// The in-flight page finishes even when the pass is cancelled.
	txCtx := context.WithoutCancel(ctx)
	err := dbx.WithTx(txCtx, e.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		applied = models.PassStats{}
		eventRepo := e.repos.Events(tx)
		categoryRepo := e.repos.Categories(tx)
		linkRepo := e.repos.Links(tx)

		ids := make([]string, len(events))
		for i, ev := range events {
			ids[i] = ev.ID
		}
		states, err := eventRepo.States(ctx, ids)
		if err != nil {
			return fmt.Errorf("load states: %w", err)
		}
		current, err := linkRepo.ByEvents(ctx, ids)
		if err != nil {
			return fmt.Errorf("load links: %w", err)
		}

		staged := 0
		stagingReady := false
		for _, ev := range events {
			st, found := states[ev.ID]
			act := decide(ev, st, found)
			if act == actionSkip {
				applied.Skipped++
				continue
			}
			if act == actionUpsert && !stagingReady {
				if err := eventRepo.CreateStaging(ctx); err != nil {
					return fmt.Errorf("create staging: %w", err)
				}
				stagingReady = true
			}

			var added, pruned int
			deleted := false
			err := dbx.WithSavepoint(ctx, tx, "calsync_event", func(ctx context.Context) error {
				diff, err := e.reconciler.Reconcile(ctx, categoryRepo, ev.Categories, current[ev.ID])
				if err != nil {
					return fmt.Errorf("categories: %w", err)
				}
				if added, pruned, err = e.reconciler.Apply(ctx, linkRepo, ev.ID, diff); err != nil {
					return fmt.Errorf("links: %w", err)
				}
				switch act {
				case actionUpsert:
					return eventRepo.Stage(ctx, ev)
				case actionSoftDelete:
					deleted, err = eventRepo.SoftDelete(ctx, ev.ID, ev.LastModified)
					return err
				}
				return nil
			})
			if err != nil {
				if errors.Is(err, dbx.ErrSavepoint) {
					return err
				}
				applied.Failed++
				log.Error(ctx, "event rolled back", "event_id", ev.ID, "owner", ev.UserEmail,
					"window_from", w.From, "window_to", w.To, "error", err)
				continue
			}

			applied.LinksAdded += added
			applied.LinksPruned += pruned
			switch {
			case act == actionUpsert:
				staged++
			case deleted:
				applied.SoftDeleted++
			default:
				applied.Skipped++
			}
		}

		if staged > 0 {
			inserted, updated, err := eventRepo.MergeStaged(ctx)
			if err != nil {
				return fmt.Errorf("merge staged: %w", err)
			}
			applied.Inserted += inserted
			applied.Updated += updated
			applied.Stale += staged - inserted - updated
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	stats.Add(applied)
	log.Debug(ctx, "page applied", "inserted", applied.Inserted, "updated", applied.Updated,
		"soft_deleted", applied.SoftDeleted, "skipped", applied.Skipped, "failed", applied.Failed)
	return stats, nil
}

func (e *Engine) sweep(ctx context.Context, owner string, w models.Window, seen []string) (int, error) {
	var n int
	err := dbx.WithTx(context.WithoutCancel(ctx), e.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		n, err = e.repos.Events(tx).SoftDeleteMissing(ctx, owner, w, seen)
		return err
	})
	return n, err
}

// dedupeLatest keeps one event per id: the one with the latest last-modified,
// the later occurrence on a tie.
func dedupeLatest(events []*models.Event) []*models.Event {
	index := make(map[string]int, len(events))
	out := events[:0]
	for _, ev := range events {
		if i, ok := index[ev.ID]; ok {
			if !ev.LastModified.Before(out[i].LastModified) {
				out[i] = ev
			}
			continue
		}
		index[ev.ID] = len(out)
		out = append(out, ev)
	}
	return out
}
