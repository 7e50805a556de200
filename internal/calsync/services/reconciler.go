package services

import (
	"context"
	"fmt"
	"slices"

	"github.com/dmitrijs2005/calsync/internal/calsync/models"
	"github.com/dmitrijs2005/calsync/internal/calsync/repositories/categories"
	"github.com/dmitrijs2005/calsync/internal/calsync/repositories/links"
)

// Reconciler keeps an event's category links equal to its remote tag set.
// It creates categories on first sight and never deletes them.
type Reconciler struct{}

func NewReconciler() *Reconciler {
	return &Reconciler{}
}

// Resolve returns the category ids for names, creating the missing ones with
// both role flags off. Missing names are created in sorted order so that
// concurrent passes lock rows in the same order.
func (r *Reconciler) Resolve(ctx context.Context, repo categories.Repository, names []string) ([]int64, error) {
	if len(names) == 0 {
		return nil, nil
	}

	known, err := repo.IDsByName(ctx, names)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, name := range names {
		if _, ok := known[name]; !ok {
			missing = append(missing, name)
		}
	}
	slices.Sort(missing)
	missing = slices.Compact(missing)

	for _, name := range missing {
		id, created, err := repo.Insert(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("create category %q: %w", name, err)
		}
		if !created {
			// another pass won the insert
			c, err := repo.GetByName(ctx, name)
			if err != nil {
				return nil, fmt.Errorf("re-read category %q: %w", name, err)
			}
			id = c.ID
		}
		known[name] = id
	}

	ids := make([]int64, 0, len(names))
	for _, name := range names {
		ids = append(ids, known[name])
	}
	return ids, nil
}

// Reconcile resolves the desired tag names and diffs them against the
// event's current links.
func (r *Reconciler) Reconcile(ctx context.Context, repo categories.Repository, names []string, current []int64) (models.LinkDiff, error) {
	desired, err := r.Resolve(ctx, repo, names)
	if err != nil {
		return models.LinkDiff{}, err
	}
	return DiffLinks(desired, current), nil
}

// Apply deletes stale links before inserting new ones. Unchanged links are
// not touched.
func (r *Reconciler) Apply(ctx context.Context, repo links.Repository, eventID string, diff models.LinkDiff) (added, pruned int, err error) {
	if diff.Empty() {
		return 0, 0, nil
	}
	if pruned, err = repo.Delete(ctx, eventID, diff.ToDelete); err != nil {
		return 0, 0, err
	}
	if added, err = repo.Insert(ctx, eventID, diff.ToInsert); err != nil {
		return 0, 0, err
	}
	return added, pruned, nil
}

// DiffLinks computes desired − current and current − desired. Both results
// are sorted and free of duplicates.
func DiffLinks(desired, current []int64) models.LinkDiff {
	want := toSet(desired)
	have := toSet(current)

	var diff models.LinkDiff
	for id := range want {
		if _, ok := have[id]; !ok {
			diff.ToInsert = append(diff.ToInsert, id)
		}
	}
	for id := range have {
		if _, ok := want[id]; !ok {
			diff.ToDelete = append(diff.ToDelete, id)
		}
	}
	slices.Sort(diff.ToInsert)
	slices.Sort(diff.ToDelete)
	return diff
}

func toSet(ids []int64) map[int64]struct{} {
	s := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}
