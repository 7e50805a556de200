package services

import (
	"context"
	"database/sql"
	"iter"
	"slices"
	"sort"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/calsync/internal/calsync/models"
	"github.com/dmitrijs2005/calsync/internal/calsync/repositories/categories"
	"github.com/dmitrijs2005/calsync/internal/calsync/repositories/events"
	"github.com/dmitrijs2005/calsync/internal/calsync/repositories/links"
	"github.com/dmitrijs2005/calsync/internal/calsync/repositories/repomanager"
	"github.com/dmitrijs2005/calsync/internal/common"
	"github.com/dmitrijs2005/calsync/internal/dbx"
)

// -------- in-memory store --------

type link struct {
	seq int // creation order, stands in for created_at
}

type memStore struct {
	events     map[string]models.Event
	categories map[string]*models.Category
	links      map[string]map[int64]link

	nextCategory int64
	seq          int
	staged       []models.Event

	// fault injection
	failCategory map[string]error
	raceOnInsert map[string]bool
	failMerge    error
	onStates     func()
}

func newMemStore() *memStore {
	return &memStore{
		events:       map[string]models.Event{},
		categories:   map[string]*models.Category{},
		links:        map[string]map[int64]link{},
		failCategory: map[string]error{},
		raceOnInsert: map[string]bool{},
	}
}

func (s *memStore) next() int {
	s.seq++
	return s.seq
}

func (s *memStore) createCategory(name string) int64 {
	s.nextCategory++
	s.categories[name] = &models.Category{ID: s.nextCategory, Name: name}
	return s.nextCategory
}

func (s *memStore) categoryName(id int64) string {
	for name, c := range s.categories {
		if c.ID == id {
			return name
		}
	}
	return ""
}

// linkedNames returns the sorted category names linked to an event.
func (s *memStore) linkedNames(eventID string) []string {
	var names []string
	for id := range s.links[eventID] {
		names = append(names, s.categoryName(id))
	}
	sort.Strings(names)
	return names
}

type snapshot struct {
	Events     map[string]models.Event
	Categories map[string]models.Category
	Links      map[string]map[int64]int
}

func (s *memStore) snapshot() snapshot {
	snap := snapshot{
		Events:     map[string]models.Event{},
		Categories: map[string]models.Category{},
		Links:      map[string]map[int64]int{},
	}
	for id, e := range s.events {
		snap.Events[id] = e
	}
	for name, c := range s.categories {
		snap.Categories[name] = *c
	}
	for id, ls := range s.links {
		m := map[int64]int{}
		for cid, l := range ls {
			m[cid] = l.seq
		}
		snap.Links[id] = m
	}
	return snap
}

// -------- repository fakes --------

type fakeEventsRepo struct {
	events.Repository
	s *memStore
}

func (f *fakeEventsRepo) CreateStaging(ctx context.Context) error {
	f.s.staged = nil
	return nil
}

func (f *fakeEventsRepo) Stage(ctx context.Context, e *models.Event) error {
	row := *e
	row.Categories = nil
	row.Location = nil
	row.IsCancelled = false
	row.IsDeleted = false
	f.s.staged = append(f.s.staged, row)
	return nil
}

func (f *fakeEventsRepo) MergeStaged(ctx context.Context) (int, int, error) {
	if f.s.failMerge != nil {
		return 0, 0, f.s.failMerge
	}
	var inserted, updated int
	for _, st := range f.s.staged {
		cur, ok := f.s.events[st.ID]
		switch {
		case !ok:
			st.CreatedAt = time.Unix(int64(f.s.next()), 0).UTC()
			st.UpdatedAt = st.CreatedAt
			f.s.events[st.ID] = st
			inserted++
		case cur.LastModified.Before(st.LastModified):
			st.CreatedAt = cur.CreatedAt
			st.UpdatedAt = time.Unix(int64(f.s.next()), 0).UTC()
			f.s.events[st.ID] = st
			updated++
		}
	}
	f.s.staged = nil
	return inserted, updated, nil
}

func (f *fakeEventsRepo) States(ctx context.Context, ids []string) (map[string]models.EventState, error) {
	if f.s.onStates != nil {
		f.s.onStates()
	}
	out := map[string]models.EventState{}
	for _, id := range ids {
		if e, ok := f.s.events[id]; ok {
			out[id] = models.EventState{LastModified: e.LastModified, IsDeleted: e.IsDeleted}
		}
	}
	return out, nil
}

func (f *fakeEventsRepo) SoftDelete(ctx context.Context, id string, lm time.Time) (bool, error) {
	e, ok := f.s.events[id]
	if !ok || e.IsDeleted {
		return false, nil
	}
	e.IsDeleted = true
	if lm.After(e.LastModified) {
		e.LastModified = lm
	}
	e.UpdatedAt = time.Unix(int64(f.s.next()), 0).UTC()
	f.s.events[id] = e
	return true, nil
}

func (f *fakeEventsRepo) SoftDeleteMissing(ctx context.Context, owner string, w models.Window, seen []string) (int, error) {
	n := 0
	for id, e := range f.s.events {
		if e.UserEmail != owner || e.IsDeleted || !w.Overlaps(e.StartDate, e.EndDate) || slices.Contains(seen, id) {
			continue
		}
		e.IsDeleted = true
		f.s.events[id] = e
		n++
	}
	return n, nil
}

func (f *fakeEventsRepo) MarkDeleted(ctx context.Context, id string) error {
	e, ok := f.s.events[id]
	if !ok {
		return common.ErrorNotFound
	}
	e.IsDeleted = true
	f.s.events[id] = e
	return nil
}

func (f *fakeEventsRepo) views(match func(models.Event) bool) []*models.EventView {
	var out []*models.EventView
	for id, e := range f.s.events {
		if e.IsDeleted || !match(e) {
			continue
		}
		names := f.s.linkedNames(id)
		if names == nil {
			names = []string{}
		}
		out = append(out, &models.EventView{Event: e, CategoryNames: names})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartDate.Equal(out[j].StartDate) {
			return out[i].StartDate.Before(out[j].StartDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (f *fakeEventsRepo) ListByRange(ctx context.Context, from, to time.Time, userEmail string) ([]*models.EventView, error) {
	return f.views(func(e models.Event) bool {
		return !e.StartDate.Before(from) && e.StartDate.Before(to) && (userEmail == "" || e.UserEmail == userEmail)
	}), nil
}

func (f *fakeEventsRepo) ListByCategory(ctx context.Context, category, userEmail string) ([]*models.EventView, error) {
	return f.views(func(e models.Event) bool {
		return slices.Contains(f.s.linkedNames(e.ID), category) && (userEmail == "" || e.UserEmail == userEmail)
	}), nil
}

type fakeCategoriesRepo struct {
	categories.Repository
	s *memStore
}

func (f *fakeCategoriesRepo) IDsByName(ctx context.Context, names []string) (map[string]int64, error) {
	out := map[string]int64{}
	for _, name := range names {
		if err := f.s.failCategory[name]; err != nil {
			return nil, err
		}
		if c, ok := f.s.categories[name]; ok {
			out[name] = c.ID
		}
	}
	return out, nil
}

func (f *fakeCategoriesRepo) GetByName(ctx context.Context, name string) (*models.Category, error) {
	c, ok := f.s.categories[name]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCategoriesRepo) Insert(ctx context.Context, name string) (int64, bool, error) {
	if _, ok := f.s.categories[name]; ok {
		return 0, false, nil
	}
	if f.s.raceOnInsert[name] {
		// a concurrent pass commits the same name first
		f.s.createCategory(name)
		return 0, false, nil
	}
	return f.s.createCategory(name), true, nil
}

func (f *fakeCategoriesRepo) List(ctx context.Context) ([]*models.Category, error) {
	var out []*models.Category
	for _, c := range f.s.categories {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeCategoriesRepo) SetRoles(ctx context.Context, id int64, isProject, isActivity bool) error {
	name := f.s.categoryName(id)
	if name == "" {
		return common.ErrorNotFound
	}
	f.s.categories[name].IsProject = isProject
	f.s.categories[name].IsActivity = isActivity
	return nil
}

func (f *fakeCategoriesRepo) Delete(ctx context.Context, id int64) error {
	name := f.s.categoryName(id)
	if name == "" {
		return common.ErrorNotFound
	}
	delete(f.s.categories, name)
	return nil
}

type fakeLinksRepo struct {
	links.Repository
	s *memStore
}

func (f *fakeLinksRepo) ByEvents(ctx context.Context, ids []string) (map[string][]int64, error) {
	out := map[string][]int64{}
	for _, id := range ids {
		for cid := range f.s.links[id] {
			out[id] = append(out[id], cid)
		}
		slices.Sort(out[id])
	}
	return out, nil
}

func (f *fakeLinksRepo) Insert(ctx context.Context, eventID string, ids []int64) (int, error) {
	if f.s.links[eventID] == nil {
		f.s.links[eventID] = map[int64]link{}
	}
	n := 0
	for _, id := range ids {
		if _, ok := f.s.links[eventID][id]; ok {
			continue
		}
		f.s.links[eventID][id] = link{seq: f.s.next()}
		n++
	}
	return n, nil
}

func (f *fakeLinksRepo) Delete(ctx context.Context, eventID string, ids []int64) (int, error) {
	n := 0
	for _, id := range ids {
		if _, ok := f.s.links[eventID][id]; ok {
			delete(f.s.links[eventID], id)
			n++
		}
	}
	return n, nil
}

func (f *fakeLinksRepo) DeleteByEvent(ctx context.Context, eventID string) (int, error) {
	n := len(f.s.links[eventID])
	delete(f.s.links, eventID)
	return n, nil
}

func (f *fakeLinksRepo) DeleteByCategory(ctx context.Context, categoryID int64) (int, error) {
	n := 0
	for _, ls := range f.s.links {
		if _, ok := ls[categoryID]; ok {
			delete(ls, categoryID)
			n++
		}
	}
	return n, nil
}

type fakeRepoManager struct {
	repomanager.RepositoryManager
	s *memStore
}

func (m *fakeRepoManager) Events(db dbx.DBTX) events.Repository         { return &fakeEventsRepo{s: m.s} }
func (m *fakeRepoManager) Categories(db dbx.DBTX) categories.Repository { return &fakeCategoriesRepo{s: m.s} }
func (m *fakeRepoManager) Links(db dbx.DBTX) links.Repository           { return &fakeLinksRepo{s: m.s} }

// -------- source fake --------

type fakeSource struct {
	pages []models.Page
	err   error
}

func (f *fakeSource) Fetch(ctx context.Context, w models.Window) iter.Seq2[models.Page, error] {
	return func(yield func(models.Page, error) bool) {
		for _, p := range f.pages {
			if !yield(p, nil) {
				return
			}
		}
		if f.err != nil {
			yield(models.Page{}, f.err)
		}
	}
}

// -------- helpers --------

func newSQLMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return db, mock
}

// expectPage registers one page transaction. Each outcome is one event that
// reaches a savepoint: true releases it, false rolls back to it.
func expectPage(mock sqlmock.Sqlmock, outcomes ...bool) {
	mock.ExpectBegin()
	for _, ok := range outcomes {
		mock.ExpectExec(`^SAVEPOINT calsync_event$`).WillReturnResult(sqlmock.NewResult(0, 0))
		if ok {
			mock.ExpectExec(`^RELEASE SAVEPOINT calsync_event$`).WillReturnResult(sqlmock.NewResult(0, 0))
		} else {
			mock.ExpectExec(`^ROLLBACK TO SAVEPOINT calsync_event$`).WillReturnResult(sqlmock.NewResult(0, 0))
		}
	}
	mock.ExpectCommit()
}
