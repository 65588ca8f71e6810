package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-harvester/internal/store"
)

func TestAppendActivityCopiesRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewActivityStore(mock)
	require.NoError(t, err)

	mock.ExpectCopyFrom(pgx.Identifier{"activity_log"}, activityColumns).WillReturnResult(2)

	at := time.Unix(1700000000, 0).UTC()
	err = s.AppendActivity(context.Background(), []store.ActivityRecord{
		{At: at, Kind: "http_request", Source: "boats", URL: "https://x", Method: "GET", StatusCode: 200, Duration: 150 * time.Millisecond},
		{At: at, Kind: "parsing", Source: "boats", Category: "sail", Page: 3, Items: 12},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendActivitySkipsEmptyAndWrapsErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewActivityStore(mock)
	require.NoError(t, err)
	require.NoError(t, s.AppendActivity(context.Background(), nil))

	mock.ExpectCopyFrom(pgx.Identifier{"activity_log"}, activityColumns).WillReturnError(errors.New("disk full"))
	err = s.AppendActivity(context.Background(), []store.ActivityRecord{{Kind: "error", Message: "x"}})
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}
