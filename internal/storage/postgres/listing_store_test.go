package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
	"github.com/JakeFAU/listing-harvester/internal/store"
)

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() (string, error) { return f.id, nil }

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *ListingStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewListingStore(mock, fixedIDs{id: "0192-session"})
	require.NoError(t, err)
	return mock, s
}

func TestUpsertManyWritesOneStatement(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	at := time.Unix(1700000000, 0).UTC()
	records := []crawler.Record{
		{ID: "a1", Source: "boats", Category: "sail", URL: "https://x/a1", Title: "Sloop", Fields: map[string]string{"price": "10"}, ScrapedAt: at},
		{ID: "b2", Source: "boats", Category: "sail", URL: "https://x/b2", Title: "Ketch", ScrapedAt: at},
	}

	mock.ExpectQuery("INSERT INTO listings").
		WithArgs(
			[]string{"boats", "boats"},
			[]string{"a1", "b2"},
			[]string{"sail", "sail"},
			[]string{"https://x/a1", "https://x/b2"},
			[]string{"Sloop", "Ketch"},
			[]string{`{"price":"10"}`, "{}"},
			[]time.Time{at, at},
		).
		WillReturnRows(mock.NewRows([]string{"inserted"}).AddRow(true).AddRow(false))

	// b2 was already stored, so only a1 counts.
	n, err := s.UpsertMany(context.Background(), records)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertManyEdgeCases(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)

	n, err := s.UpsertMany(context.Background(), nil)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = s.UpsertMany(context.Background(), []crawler.Record{{Source: "boats"}})
	require.ErrorContains(t, err, "no id")

	mock.ExpectQuery("INSERT INTO listings").WillReturnError(errors.New("deadlock"))
	_, err = s.UpsertMany(context.Background(), []crawler.Record{{ID: "a"}})
	require.ErrorContains(t, err, "deadlock")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSessionInsertsRunningRow(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	started := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("INSERT INTO crawl_sessions").
		WithArgs("0192-session", "boats", []string{"sail"}, started, "running", 0, 0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := s.CreateSession(context.Background(), crawler.CrawlSession{
		Source:     "boats",
		Categories: []string{"sail"},
		StartedAt:  started,
		Status:     crawler.SessionRunning,
	})
	require.NoError(t, err)
	require.Equal(t, "0192-session", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSession(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	done := time.Unix(1700000300, 0).UTC()
	update := crawler.SessionUpdate{PagesScraped: 8, ItemsFound: 30, Status: crawler.SessionCompleted, CompletedAt: &done}

	mock.ExpectExec("UPDATE crawl_sessions").
		WithArgs("s1", 8, 30, "completed", "", &done).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, s.UpdateSession(context.Background(), "s1", update))

	mock.ExpectExec("UPDATE crawl_sessions").
		WithArgs("missing", 8, 30, "completed", "", &done).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err := s.UpdateSession(context.Background(), "missing", update)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetExistingIDs(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	mock.ExpectQuery("SELECT id FROM listings").
		WithArgs("boats", []string{"a1", "b2", "c3"}).
		WillReturnRows(mock.NewRows([]string{"id"}).AddRow("a1").AddRow("c3"))

	got, err := s.GetExistingIDs(context.Background(), "boats", []string{"a1", "b2", "c3"})
	require.NoError(t, err)
	require.Equal(t, map[string]struct{}{"a1": {}, "c3": {}}, got)

	empty, err := s.GetExistingIDs(context.Background(), "boats", nil)
	require.NoError(t, err)
	require.Empty(t, empty)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSession(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	started := time.Unix(1700000000, 0).UTC()
	done := started.Add(time.Minute)
	mock.ExpectQuery("FROM crawl_sessions WHERE id").
		WithArgs("s1").
		WillReturnRows(mock.NewRows([]string{
			"id", "source", "categories", "started_at", "completed_at",
			"pages_scraped", "items_found", "status", "error_message",
		}).AddRow("s1", "boats", []string{"sail"}, started, &done, 8, 30, "completed", ""))

	session, err := s.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, crawler.SessionCompleted, session.Status)
	require.Equal(t, 30, session.ItemsFound)
	require.Equal(t, done, *session.CompletedAt)

	mock.ExpectQuery("FROM crawl_sessions WHERE id").
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)
	_, err = s.GetSession(context.Background(), "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListSessions(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	started := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("ORDER BY started_at DESC").
		WithArgs("", 20).
		WillReturnRows(mock.NewRows([]string{
			"id", "source", "categories", "started_at", "completed_at",
			"pages_scraped", "items_found", "status", "error_message",
		}).
			AddRow("s2", "homes", []string{"flats"}, started, (*time.Time)(nil), 2, 0, "running", "").
			AddRow("s1", "boats", []string{"sail"}, started, (*time.Time)(nil), 4, 1, "failed", "db down"))

	sessions, err := s.ListSessions(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, "s2", sessions[0].ID)
	require.Nil(t, sessions[0].CompletedAt)
	require.Equal(t, crawler.SessionFailed, sessions[1].Status)
	require.Equal(t, "db down", sessions[1].ErrorMessage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS listings").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, EnsureSchema(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewListingStoreRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := NewListingStore(nil, fixedIDs{})
	require.Error(t, err)
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewListingStore(mock, nil)
	require.Error(t, err)
}
