package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
	"github.com/JakeFAU/listing-harvester/internal/store"
)

// IDGenerator issues session ids.
type IDGenerator interface {
	NewID() (string, error)
}

// ListingStore implements crawler.Store on Postgres.
type ListingStore struct {
	pool Pool
	ids  IDGenerator
}

var _ crawler.Store = (*ListingStore)(nil)

// NewListingStore builds a ListingStore over pool.
func NewListingStore(pool Pool, ids IDGenerator) (*ListingStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	return &ListingStore{pool: pool, ids: ids}, nil
}

const upsertListings = `
INSERT INTO listings (source, id, category, url, title, fields, first_seen_at, scraped_at)
SELECT r.source, r.id, r.category, r.url, r.title, r.fields::jsonb, r.scraped_at, r.scraped_at
FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::text[], $6::text[], $7::timestamptz[])
	AS r(source, id, category, url, title, fields, scraped_at)
ON CONFLICT (source, id) DO UPDATE SET
	category   = EXCLUDED.category,
	url        = EXCLUDED.url,
	title      = EXCLUDED.title,
	fields     = listings.fields || EXCLUDED.fields,
	scraped_at = EXCLUDED.scraped_at
RETURNING (xmax = 0) AS inserted`

// UpsertMany writes records in one statement and returns how many rows were
// inserted. Rows that already existed are updated but not counted.
func (s *ListingStore) UpsertMany(ctx context.Context, records []crawler.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	n := len(records)
	var (
		sources    = make([]string, n)
		ids        = make([]string, n)
		categories = make([]string, n)
		urls       = make([]string, n)
		titles     = make([]string, n)
		fields     = make([]string, n)
		scrapedAt  = make([]time.Time, n)
	)
	for i, rec := range records {
		if rec.ID == "" {
			return 0, fmt.Errorf("record %d has no id", i)
		}
		encoded, err := encodeFields(rec.Fields)
		if err != nil {
			return 0, fmt.Errorf("encode fields for %s: %w", rec.ID, err)
		}
		sources[i] = rec.Source
		ids[i] = rec.ID
		categories[i] = rec.Category
		urls[i] = rec.URL
		titles[i] = rec.Title
		fields[i] = encoded
		scrapedAt[i] = rec.ScrapedAt
	}
	rows, err := s.pool.Query(ctx, upsertListings, sources, ids, categories, urls, titles, fields, scrapedAt)
	if err != nil {
		return 0, fmt.Errorf("upsert listings: %w", err)
	}
	defer rows.Close()

	inserted := 0
	for rows.Next() {
		var isNew bool
		if err := rows.Scan(&isNew); err != nil {
			return 0, fmt.Errorf("scan upsert result: %w", err)
		}
		if isNew {
			inserted++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("upsert listings: %w", err)
	}
	return inserted, nil
}

// CreateSession inserts a running session with a fresh id.
func (s *ListingStore) CreateSession(ctx context.Context, session crawler.CrawlSession) (string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return "", err
	}
	categories := session.Categories
	if categories == nil {
		categories = []string{}
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO crawl_sessions (id, source, categories, started_at, status, pages_scraped, items_found)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, session.Source, categories, session.StartedAt, string(session.Status), session.PagesScraped, session.ItemsFound,
	)
	if err != nil {
		return "", fmt.Errorf("insert crawl session: %w", err)
	}
	return id, nil
}

// UpdateSession writes counters and status. It returns store.ErrNotFound for
// an unknown id.
func (s *ListingStore) UpdateSession(ctx context.Context, id string, update crawler.SessionUpdate) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE crawl_sessions
SET pages_scraped = $2, items_found = $3, status = $4, error_message = $5, completed_at = $6
WHERE id = $1`,
		id, update.PagesScraped, update.ItemsFound, string(update.Status), update.ErrorMessage, update.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update crawl session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("crawl session %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// GetExistingIDs returns which of ids are already stored for source.
func (s *ListingStore) GetExistingIDs(ctx context.Context, source string, ids []string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT id FROM listings WHERE source = $1 AND id = ANY($2)`, source, ids)
	if err != nil {
		return nil, fmt.Errorf("query existing ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan existing id: %w", err)
		}
		out[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate existing ids: %w", err)
	}
	return out, nil
}

const sessionColumns = `id, source, categories, started_at, completed_at, pages_scraped, items_found, status, error_message`

// GetSession loads one session.
func (s *ListingStore) GetSession(ctx context.Context, id string) (crawler.CrawlSession, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM crawl_sessions WHERE id = $1`, id)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.CrawlSession{}, store.ErrNotFound
		}
		return crawler.CrawlSession{}, fmt.Errorf("get crawl session: %w", err)
	}
	return session, nil
}

// ListSessions returns the most recent sessions, newest first. An empty
// source lists every source.
func (s *ListingStore) ListSessions(ctx context.Context, source string, limit int) ([]crawler.CrawlSession, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+sessionColumns+`
FROM crawl_sessions
WHERE ($1 = '' OR source = $1)
ORDER BY started_at DESC
LIMIT $2`, source, limit)
	if err != nil {
		return nil, fmt.Errorf("list crawl sessions: %w", err)
	}
	defer rows.Close()

	var sessions []crawler.CrawlSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan crawl session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate crawl sessions: %w", err)
	}
	return sessions, nil
}

func scanSession(row pgx.Row) (crawler.CrawlSession, error) {
	var (
		session crawler.CrawlSession
		status  string
	)
	err := row.Scan(
		&session.ID,
		&session.Source,
		&session.Categories,
		&session.StartedAt,
		&session.CompletedAt,
		&session.PagesScraped,
		&session.ItemsFound,
		&status,
		&session.ErrorMessage,
	)
	session.Status = crawler.SessionStatus(status)
	return session, err
}

func encodeFields(fields map[string]string) (string, error) {
	if len(fields) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
