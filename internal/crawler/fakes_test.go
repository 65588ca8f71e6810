package crawler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/JakeFAU/listing-harvester/internal/detail"
	"github.com/JakeFAU/listing-harvester/internal/httpclient"
)

type fakeStore struct {
	mu        sync.Mutex
	records   map[string]Record
	upserted  []string
	sessions  map[string]CrawlSession
	updates   []SessionUpdate
	existing  map[string]struct{}
	createErr error
	updateErr error
	upsertErr error
	// failUpsertOn fails the nth UpsertMany call (1-based) with upsertErr.
	failUpsertOn int
	upsertCalls  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:  make(map[string]Record),
		sessions: make(map[string]CrawlSession),
	}
}

func (s *fakeStore) UpsertMany(_ context.Context, records []Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertCalls++
	if s.upsertErr != nil && (s.failUpsertOn == 0 || s.upsertCalls >= s.failUpsertOn) {
		return 0, s.upsertErr
	}
	inserted := 0
	for _, rec := range records {
		if _, ok := s.records[rec.ID]; !ok {
			inserted++
		}
		s.records[rec.ID] = rec
		s.upserted = append(s.upserted, rec.ID)
	}
	return inserted, nil
}

func (s *fakeStore) CreateSession(_ context.Context, session CrawlSession) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return "", s.createErr
	}
	session.ID = fmt.Sprintf("session-%d", len(s.sessions)+1)
	s.sessions[session.ID] = session
	return session.ID, nil
}

func (s *fakeStore) UpdateSession(ctx context.Context, id string, update SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.updateErr != nil {
		return s.updateErr
	}
	s.updates = append(s.updates, update)
	session := s.sessions[id]
	session.PagesScraped = update.PagesScraped
	session.ItemsFound = update.ItemsFound
	session.Status = update.Status
	session.ErrorMessage = update.ErrorMessage
	session.CompletedAt = update.CompletedAt
	s.sessions[id] = session
	return nil
}

func (s *fakeStore) GetExistingIDs(_ context.Context, _ string, ids []string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{})
	for _, id := range ids {
		if _, ok := s.existing[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (s *fakeStore) lastUpdate() SessionUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.updates) == 0 {
		return SessionUpdate{}
	}
	return s.updates[len(s.updates)-1]
}

func (s *fakeStore) recordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type pagerFunc func(category string, page int) (PageRequest, error)

func (f pagerFunc) PageRequest(category string, page int) (PageRequest, error) {
	return f(category, page)
}

func urlPager() Pager {
	return pagerFunc(func(category string, page int) (PageRequest, error) {
		return PageRequest{Method: "GET", URL: fmt.Sprintf("https://example.test/%s?page=%d", category, page)}, nil
	})
}

type parserFunc func(payload []byte, page PageContext) ([]Record, error)

func (f parserFunc) ParseListPage(payload []byte, page PageContext) ([]Record, error) {
	return f(payload, page)
}

// echoFetcher returns the request URL as the payload and counts calls.
type echoFetcher struct {
	mu    sync.Mutex
	calls int
	hook  func(calls int, req httpclient.Request) error
}

func (f *echoFetcher) Do(_ context.Context, req httpclient.Request) (*httpclient.Response, error) {
	f.mu.Lock()
	f.calls++
	calls := f.calls
	f.mu.Unlock()
	if f.hook != nil {
		if err := f.hook(calls, req); err != nil {
			return nil, err
		}
	}
	return &httpclient.Response{URL: req.URL, StatusCode: 200, Body: []byte(req.URL)}, nil
}

func (f *echoFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func makeRecords(prefix string, page, n int) []Record {
	out := make([]Record, n)
	for i := range n {
		id := fmt.Sprintf("%sp%d-%02d", prefix, page, i)
		out[i] = Record{ID: id, URL: "https://example.test/item/" + id, Title: "list " + id}
	}
	return out
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type stubDetailFetcher struct {
	fail map[string]bool
}

func (f stubDetailFetcher) FetchMany(_ context.Context, ids []string, urlFor func(string) string, _ detail.Options) []detail.Result {
	out := make([]detail.Result, len(ids))
	for i, id := range ids {
		if f.fail[id] {
			out[i] = detail.Result{ItemID: id, Err: detail.ErrTimeout}
			continue
		}
		out[i] = detail.Result{ItemID: id, Success: true, Payload: []byte(urlFor(id))}
	}
	return out
}

type detailParserFunc func(payload []byte, id string) (PartialRecord, error)

func (f detailParserFunc) ParseDetailPage(payload []byte, id string) (PartialRecord, error) {
	return f(payload, id)
}

type memBlobs struct {
	mu    sync.Mutex
	paths []string
	types []string
}

func (b *memBlobs) PutObject(_ context.Context, path, contentType string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paths = append(b.paths, path)
	b.types = append(b.types, contentType)
	return "memory://" + path, nil
}

type lenHasher struct{}

func (lenHasher) Hash(data []byte) (string, error) {
	return fmt.Sprintf("h%d", len(data)), nil
}
