// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
	"github.com/JakeFAU/listing-harvester/internal/store"
)

type listingKey struct {
	source string
	id     string
}

// ListingStore implements crawler.Store in memory.
type ListingStore struct {
	mu       sync.RWMutex
	records  map[listingKey]crawler.Record
	sessions map[string]crawler.CrawlSession
	seq      int
}

var _ crawler.Store = (*ListingStore)(nil)

// NewListingStore constructs an empty ListingStore.
func NewListingStore() *ListingStore {
	return &ListingStore{
		records:  make(map[listingKey]crawler.Record),
		sessions: make(map[string]crawler.CrawlSession),
	}
}

// UpsertMany stores copies of records keyed by (source, id) and returns how
// many keys were not stored before. Known keys are updated in place.
func (s *ListingStore) UpsertMany(_ context.Context, records []crawler.Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for i, rec := range records {
		if rec.ID == "" {
			return inserted, fmt.Errorf("record %d has no id", i)
		}
		key := listingKey{source: rec.Source, id: rec.ID}
		prev, ok := s.records[key]
		switch {
		case !ok:
			inserted++
			rec.Fields = maps.Clone(rec.Fields)
		case len(prev.Fields) > 0:
			merged := maps.Clone(prev.Fields)
			maps.Copy(merged, rec.Fields)
			rec.Fields = merged
		default:
			rec.Fields = maps.Clone(rec.Fields)
		}
		s.records[key] = rec
	}
	return inserted, nil
}

// CreateSession stores a session under a sequential id.
func (s *ListingStore) CreateSession(_ context.Context, session crawler.CrawlSession) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	session.ID = fmt.Sprintf("session-%d", s.seq)
	session.Categories = append([]string(nil), session.Categories...)
	s.sessions[session.ID] = session
	return session.ID, nil
}

// UpdateSession applies counters and status to a stored session.
func (s *ListingStore) UpdateSession(_ context.Context, id string, update crawler.SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("crawl session %s: %w", id, store.ErrNotFound)
	}
	session.PagesScraped = update.PagesScraped
	session.ItemsFound = update.ItemsFound
	session.Status = update.Status
	session.ErrorMessage = update.ErrorMessage
	if update.CompletedAt != nil {
		done := *update.CompletedAt
		session.CompletedAt = &done
	}
	s.sessions[id] = session
	return nil
}

// GetExistingIDs returns the subset of ids stored for source.
func (s *ListingStore) GetExistingIDs(_ context.Context, source string, ids []string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{})
	for _, id := range ids {
		if _, ok := s.records[listingKey{source: source, id: id}]; ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

// GetSession returns one session.
func (s *ListingStore) GetSession(_ context.Context, id string) (crawler.CrawlSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return crawler.CrawlSession{}, store.ErrNotFound
	}
	return session, nil
}

// ListSessions returns sessions newest first. An empty source lists all.
func (s *ListingStore) ListSessions(_ context.Context, source string, limit int) ([]crawler.CrawlSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.CrawlSession
	for _, session := range s.sessions {
		if source == "" || session.Source == source {
			out = append(out, session)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Records returns every stored record for source, ordered by id.
func (s *ListingStore) Records(source string) []crawler.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Record
	for key, rec := range s.records {
		if key.source == source {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
