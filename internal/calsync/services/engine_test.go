package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/calsync/internal/calsync/models"
	"github.com/dmitrijs2005/calsync/internal/calsync/timezone"
	"github.com/dmitrijs2005/calsync/internal/common"
	"github.com/dmitrijs2005/calsync/internal/logging"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	window = models.Window{
		From: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	ann    = models.Owner{ID: "u1", Email: "ann@example.com", Name: "Ann"}
	lmBase = time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)
)

func rawEvent(id string, lm time.Time, tags ...string) models.RawEvent {
	return models.RawEvent{
		ID:           id,
		OwnerEmail:   ann.Email,
		OwnerName:    ann.Name,
		Subject:      "Standup " + id,
		Start:        models.DateTimeZone{DateTime: "2024-01-15T09:00:00", TimeZone: "Pacific Standard Time"},
		End:          models.DateTimeZone{DateTime: "2024-01-15T10:00:00", TimeZone: "Pacific Standard Time"},
		LastModified: lm,
		Categories:   tags,
	}
}

func onePage(records ...models.RawEvent) *fakeSource {
	return &fakeSource{pages: []models.Page{{Owner: ann, Records: records, Last: true}}}
}

func newEngine(t *testing.T, store *memStore, src Fetcher, sweep bool) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newSQLMockDB(t)
	t.Cleanup(func() { db.Close() })

	tz, err := timezone.NewResolver("UTC")
	require.NoError(t, err)

	log := logging.NewDiscard()
	e := NewEngine(db, &fakeRepoManager{s: store}, src, NewNormalizer(tz, log), nil, log,
		EngineOptions{PipelineDepth: 1, SweepMissing: sweep})
	return e, mock
}

func TestApplyPass_NewEventThenReplayThenTagRemoval(t *testing.T) {
	store := newMemStore()
	src := onePage(rawEvent("E1", lmBase, "ProjectA", "Coding"))
	e, mock := newEngine(t, store, src, false)

	// first pass: one insert, two categories, two links
	expectPage(mock, true)
	stats, err := e.ApplyPass(context.Background(), window)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Inserted)
	assert.Equal(t, 2, stats.LinksAdded)

	row, ok := store.events["E1"]
	require.True(t, ok)
	assert.False(t, row.IsDeleted)
	assert.Equal(t, time.Date(2024, 1, 15, 17, 0, 0, 0, time.UTC), row.StartDate)
	assert.Equal(t, time.Date(2024, 1, 15, 18, 0, 0, 0, time.UTC), row.EndDate)
	require.Len(t, store.categories, 2)
	for _, c := range store.categories {
		assert.False(t, c.IsProject)
		assert.False(t, c.IsActivity)
	}
	assert.Equal(t, []string{"Coding", "ProjectA"}, store.linkedNames("E1"))

	// replay: zero writes, identical state
	before := store.snapshot()
	expectPage(mock)
	stats, err = e.ApplyPass(context.Background(), window)
	require.NoError(t, err)
	assert.Zero(t, stats.Writes())
	assert.Equal(t, 1, stats.Skipped)
	if diff := cmp.Diff(before, store.snapshot()); diff != "" {
		t.Fatalf("replay changed the store (-before +after):\n%s", diff)
	}

	// tags reduced to ProjectA: exactly the Coding link goes away
	projectA := store.categories["ProjectA"].ID
	projectALink := store.links["E1"][projectA]
	src.pages[0].Records = []models.RawEvent{rawEvent("E1", lmBase.Add(time.Hour), "ProjectA")}

	expectPage(mock, true)
	stats, err = e.ApplyPass(context.Background(), window)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, 1, stats.LinksPruned)
	assert.Zero(t, stats.LinksAdded)
	assert.Equal(t, []string{"ProjectA"}, store.linkedNames("E1"))
	assert.Equal(t, projectALink, store.links["E1"][projectA])
	assert.Len(t, store.categories, 2, "categories are never deleted by sync")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPass_LinkSetFollowsRemoteTags(t *testing.T) {
	tests := []struct {
		name    string
		initial []string
		next    []string
	}{
		{"empty set removes all", []string{"A", "B"}, nil},
		{"disjoint replacement", []string{"A", "B"}, []string{"C", "D"}},
		{"superset adds", []string{"A"}, []string{"A", "B", "C"}},
		{"subset removes", []string{"A", "B", "C"}, []string{"B"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			src := onePage(rawEvent("E1", lmBase, tt.initial...))
			e, mock := newEngine(t, store, src, false)

			expectPage(mock, true)
			_, err := e.ApplyPass(context.Background(), window)
			require.NoError(t, err)

			src.pages[0].Records = []models.RawEvent{rawEvent("E1", lmBase.Add(time.Minute), tt.next...)}
			expectPage(mock, true)
			_, err = e.ApplyPass(context.Background(), window)
			require.NoError(t, err)

			want := append([]string(nil), tt.next...)
			got := store.linkedNames("E1")
			if len(want) == 0 {
				assert.Empty(t, got)
			} else {
				assert.ElementsMatch(t, want, got)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestApplyPass_OlderOrEqualLastModifiedIsSkipped(t *testing.T) {
	store := newMemStore()
	src := onePage(rawEvent("E1", lmBase, "A"))
	e, mock := newEngine(t, store, src, false)

	expectPage(mock, true)
	_, err := e.ApplyPass(context.Background(), window)
	require.NoError(t, err)
	before := store.snapshot()

	for _, lm := range []time.Time{lmBase, lmBase.Add(-time.Hour)} {
		r := rawEvent("E1", lm, "B")
		r.Subject = "changed"
		src.pages[0].Records = []models.RawEvent{r}

		expectPage(mock)
		stats, err := e.ApplyPass(context.Background(), window)
		require.NoError(t, err)
		assert.Zero(t, stats.Writes())
	}
	assert.Empty(t, cmp.Diff(before, store.snapshot()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPass_CancelSoftDeletesAndUncancelRevives(t *testing.T) {
	store := newMemStore()
	src := onePage(rawEvent("E1", lmBase, "A"))
	e, mock := newEngine(t, store, src, false)
	q := NewQueryService(nil, &fakeRepoManager{s: store})

	expectPage(mock, true)
	_, err := e.ApplyPass(context.Background(), window)
	require.NoError(t, err)

	cancelled := rawEvent("E1", lmBase.Add(time.Hour), "A")
	cancelled.IsCancelled = true
	src.pages[0].Records = []models.RawEvent{cancelled}

	expectPage(mock, true)
	stats, err := e.ApplyPass(context.Background(), window)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SoftDeleted)
	assert.True(t, store.events["E1"].IsDeleted)
	assert.Equal(t, lmBase.Add(time.Hour), store.events["E1"].LastModified)

	views, err := q.ListRange(context.Background(), window.From, window.To, "")
	require.NoError(t, err)
	assert.Empty(t, views, "soft-deleted events are excluded from default reads")

	// the same cancellation again is a no-op
	expectPage(mock)
	stats, err = e.ApplyPass(context.Background(), window)
	require.NoError(t, err)
	assert.Zero(t, stats.Writes())

	// un-cancelled without a newer last-modified stays deleted
	deletedAt := store.events["E1"].UpdatedAt
	src.pages[0].Records = []models.RawEvent{rawEvent("E1", lmBase.Add(time.Hour), "A")}
	expectPage(mock)
	stats, err = e.ApplyPass(context.Background(), window)
	require.NoError(t, err)
	assert.Zero(t, stats.Writes())
	assert.Equal(t, 1, stats.Skipped)
	assert.True(t, store.events["E1"].IsDeleted)
	assert.Equal(t, deletedAt, store.events["E1"].UpdatedAt)

	src.pages[0].Records = []models.RawEvent{rawEvent("E1", lmBase.Add(2*time.Hour), "A")}
	expectPage(mock, true)
	stats, err = e.ApplyPass(context.Background(), window)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)
	assert.False(t, store.events["E1"].IsDeleted)

	views, err = q.ListRange(context.Background(), window.From, window.To, "")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, []string{"A"}, views[0].CategoryNames)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPass_CancelledUnknownEventIsNotStored(t *testing.T) {
	store := newMemStore()
	r := rawEvent("E1", lmBase)
	r.IsCancelled = true
	e, mock := newEngine(t, store, onePage(r), false)

	expectPage(mock)
	stats, err := e.ApplyPass(context.Background(), window)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Empty(t, store.events)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPass_InvalidRecordsAreCountedNotStored(t *testing.T) {
	store := newMemStore()

	backwards := rawEvent("E2", lmBase)
	backwards.End.DateTime = "2024-01-15T08:00:00"
	noID := rawEvent("", lmBase)
	garbled := rawEvent("E3", lmBase)
	garbled.Start.DateTime = "yesterday"
	unknownZone := rawEvent("E4", lmBase)
	unknownZone.Start.TimeZone = "Mars Standard Time"
	unknownZone.End.TimeZone = "Mars Standard Time"

	e, mock := newEngine(t, store, onePage(rawEvent("E1", lmBase), backwards, noID, garbled, unknownZone), false)

	expectPage(mock, true, true)
	stats, err := e.ApplyPass(context.Background(), window)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Invalid)
	assert.Equal(t, 2, stats.Inserted)
	assert.Contains(t, store.events, "E1")
	assert.NotContains(t, store.events, "E2")
	assert.Equal(t, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC), store.events["E4"].StartDate,
		"unknown zones fall back to the default zone")
	for _, ev := range store.events {
		assert.False(t, ev.EndDate.Before(ev.StartDate))
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPass_FailingEventIsIsolated(t *testing.T) {
	store := newMemStore()
	store.failCategory["Broken"] = errors.New("connection reset")
	src := onePage(rawEvent("E1", lmBase, "A"), rawEvent("E2", lmBase, "Broken"), rawEvent("E3", lmBase, "B"))
	e, mock := newEngine(t, store, src, false)

	expectPage(mock, true, false, true)
	stats, err := e.ApplyPass(context.Background(), window)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 2, stats.Inserted)
	assert.Contains(t, store.events, "E1")
	assert.NotContains(t, store.events, "E2")
	assert.Contains(t, store.events, "E3")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPass_SavepointFailureRollsBackPage(t *testing.T) {
	store := newMemStore()
	e, mock := newEngine(t, store, onePage(rawEvent("E1", lmBase)), true)

	mock.ExpectBegin()
	mock.ExpectExec(`^SAVEPOINT calsync_event$`).WillReturnError(errors.New("current transaction is aborted"))
	mock.ExpectRollback()

	stats, err := e.ApplyPass(context.Background(), window)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FailedPages)
	assert.Zero(t, stats.Writes())
	require.NoError(t, mock.ExpectationsWereMet(), "a failed page disables the sweep")
}

func TestApplyPass_MergeFailureRollsBackPage(t *testing.T) {
	store := newMemStore()
	store.failMerge = errors.New("check violation")
	e, mock := newEngine(t, store, onePage(rawEvent("E1", lmBase, "A")), false)

	mock.ExpectBegin()
	mock.ExpectExec(`^SAVEPOINT calsync_event$`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`^RELEASE SAVEPOINT calsync_event$`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	stats, err := e.ApplyPass(context.Background(), window)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FailedPages)
	assert.Zero(t, stats.LinksAdded, "counters of a rolled back page are dropped")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPass_FetchErrorKeepsCommittedPages(t *testing.T) {
	store := newMemStore()
	src := &fakeSource{
		pages: []models.Page{{Owner: ann, Records: []models.RawEvent{rawEvent("E1", lmBase)}}},
		err:   fmt.Errorf("calendarView: %w", common.ErrTransientRemote),
	}
	e, mock := newEngine(t, store, src, true)

	expectPage(mock, true)
	stats, err := e.ApplyPass(context.Background(), window)
	require.ErrorIs(t, err, common.ErrTransientRemote)
	assert.Equal(t, 1, stats.Inserted)
	assert.Contains(t, store.events, "E1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPass_AuthErrorIsFatal(t *testing.T) {
	store := newMemStore()
	e, mock := newEngine(t, store, &fakeSource{err: common.ErrAuth}, true)

	_, err := e.ApplyPass(context.Background(), window)
	require.ErrorIs(t, err, common.ErrAuth)
	assert.Empty(t, store.events)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPass_CancellationBetweenPages(t *testing.T) {
	store := newMemStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakeSource{pages: []models.Page{
		{Owner: ann, Index: 0, Records: []models.RawEvent{rawEvent("E1", lmBase)}},
		{Owner: ann, Index: 1, Records: []models.RawEvent{rawEvent("E2", lmBase)}, Last: true},
	}}
	e, mock := newEngine(t, store, src, true)
	store.onStates = func() {
		store.onStates = nil
		cancel()
	}

	expectPage(mock, true)
	_, err := e.ApplyPass(ctx, window)
	require.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, store.events, "E1", "the in-flight page completes")
	assert.NotContains(t, store.events, "E2")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPass_RejectsOverlappingPass(t *testing.T) {
	e, _ := newEngine(t, newMemStore(), onePage(), false)
	e.running.Store(true)

	_, err := e.ApplyPass(context.Background(), window)
	require.ErrorIs(t, err, common.ErrPassInProgress)
}

func TestApplyPass_SweepsEventsMissingFromSource(t *testing.T) {
	store := newMemStore()
	inWindow := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	store.events["GONE"] = models.Event{ID: "GONE", UserEmail: ann.Email, StartDate: inWindow, EndDate: inWindow.Add(time.Hour), LastModified: lmBase}
	store.events["OTHER"] = models.Event{ID: "OTHER", UserEmail: "bob@example.com", StartDate: inWindow, EndDate: inWindow.Add(time.Hour), LastModified: lmBase}
	outside := time.Date(2020, 1, 1, 9, 0, 0, 0, time.UTC)
	store.events["OLD"] = models.Event{ID: "OLD", UserEmail: ann.Email, StartDate: outside, EndDate: outside.Add(time.Hour), LastModified: lmBase}
	store.events["EDGE"] = models.Event{ID: "EDGE", UserEmail: ann.Email, StartDate: window.From.Add(-time.Hour), EndDate: window.From, LastModified: lmBase}

	e, mock := newEngine(t, store, onePage(rawEvent("E1", lmBase)), true)

	expectPage(mock, true)
	mock.ExpectBegin()
	mock.ExpectCommit()

	stats, err := e.ApplyPass(context.Background(), window)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Swept)
	assert.True(t, store.events["GONE"].IsDeleted)
	assert.False(t, store.events["OTHER"].IsDeleted)
	assert.False(t, store.events["OLD"].IsDeleted)
	assert.False(t, store.events["EDGE"].IsDeleted, "an event ending at window start is not reported by the source")
	assert.False(t, store.events["E1"].IsDeleted)
	require.NoError(t, mock.ExpectationsWereMet())

	// a swept event that shows up unchanged stays deleted
	e.source = onePage(rawEvent("E1", lmBase), rawEvent("GONE", lmBase))
	expectPage(mock)
	mock.ExpectBegin()
	mock.ExpectCommit()

	stats, err = e.ApplyPass(context.Background(), window)
	require.NoError(t, err)
	assert.Zero(t, stats.Writes())
	assert.True(t, store.events["GONE"].IsDeleted)
	require.NoError(t, mock.ExpectationsWereMet())

	// and is revived once the source changes it
	e.source = onePage(rawEvent("E1", lmBase), rawEvent("GONE", lmBase.Add(time.Minute)))
	expectPage(mock, true)
	mock.ExpectBegin()
	mock.ExpectCommit()

	stats, err = e.ApplyPass(context.Background(), window)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)
	assert.False(t, store.events["GONE"].IsDeleted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPass_DuplicateRecordsKeepLatest(t *testing.T) {
	store := newMemStore()
	older := rawEvent("E1", lmBase)
	older.Subject = "old"
	newer := rawEvent("E1", lmBase.Add(time.Minute))
	newer.Subject = "new"
	e, mock := newEngine(t, store, onePage(newer, older), false)

	expectPage(mock, true)
	stats, err := e.ApplyPass(context.Background(), window)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Inserted)
	assert.Equal(t, "new", store.events["E1"].Subject)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPass_EmptyOwnerPageOpensNoTransaction(t *testing.T) {
	e, mock := newEngine(t, newMemStore(), onePage(), false)

	stats, err := e.ApplyPass(context.Background(), window)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pages)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDecide(t *testing.T) {
	at := func(h int) time.Time { return lmBase.Add(time.Duration(h) * time.Hour) }
	ev := func(h int, cancelled bool) *models.Event {
		return &models.Event{ID: "E", LastModified: at(h), IsCancelled: cancelled}
	}
	state := func(h int, deleted bool) models.EventState {
		return models.EventState{LastModified: at(h), IsDeleted: deleted}
	}

	tests := []struct {
		name  string
		ev    *models.Event
		st    models.EventState
		found bool
		want  action
	}{
		{"new", ev(0, false), models.EventState{}, false, actionUpsert},
		{"new cancelled", ev(0, true), models.EventState{}, false, actionSkip},
		{"newer", ev(1, false), state(0, false), true, actionUpsert},
		{"equal", ev(0, false), state(0, false), true, actionSkip},
		{"older", ev(0, false), state(1, false), true, actionSkip},
		{"cancelled", ev(1, true), state(0, false), true, actionSoftDelete},
		{"cancelled same lm", ev(0, true), state(0, false), true, actionSoftDelete},
		{"cancelled older", ev(0, true), state(1, false), true, actionSkip},
		{"cancelled again", ev(2, true), state(1, true), true, actionSkip},
		{"revived", ev(2, false), state(1, true), true, actionUpsert},
		{"revived same lm", ev(1, false), state(1, true), true, actionSkip},
		{"stale revive", ev(0, false), state(1, true), true, actionSkip},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decide(tt.ev, tt.st, tt.found))
		})
	}
}
