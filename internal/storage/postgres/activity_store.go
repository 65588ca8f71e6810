package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/listing-harvester/internal/store"
)

var activityColumns = []string{
	"at", "kind", "source", "session_id", "category", "page", "url", "method",
	"status_code", "duration_ms", "used_proxy", "proxy_host", "attempts",
	"items", "operation", "message", "fields",
}

// ActivityStore appends activity rows with COPY.
type ActivityStore struct {
	pool Pool
}

var _ store.ActivityRepository = (*ActivityStore)(nil)

// NewActivityStore builds an ActivityStore over pool.
func NewActivityStore(pool Pool) (*ActivityStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ActivityStore{pool: pool}, nil
}

// AppendActivity copies rows into activity_log.
func (s *ActivityStore) AppendActivity(ctx context.Context, rows []store.ActivityRecord) error {
	if len(rows) == 0 {
		return nil
	}
	values := make([][]any, 0, len(rows))
	for _, r := range rows {
		fields, err := encodeFields(r.Fields)
		if err != nil {
			return fmt.Errorf("encode activity fields: %w", err)
		}
		values = append(values, []any{
			r.At,
			r.Kind,
			r.Source,
			r.SessionID,
			r.Category,
			r.Page,
			r.URL,
			r.Method,
			r.StatusCode,
			r.Duration.Milliseconds(),
			r.UsedProxy,
			r.ProxyHost,
			r.Attempts,
			r.Items,
			r.Operation,
			r.Message,
			fields,
		})
	}
	if _, err := s.pool.CopyFrom(ctx, pgx.Identifier{"activity_log"}, activityColumns, pgx.CopyFromRows(values)); err != nil {
		return fmt.Errorf("copy activity rows: %w", err)
	}
	return nil
}
