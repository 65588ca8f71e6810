package crawler

import (
	"context"
	"io"
	"time"

	"github.com/JakeFAU/listing-harvester/internal/detail"
	"github.com/JakeFAU/listing-harvester/internal/httpclient"
)

// Parser extracts candidate records from a list page payload.
type Parser interface {
	ParseListPage(payload []byte, page PageContext) ([]Record, error)
}

// DetailParser extracts enrichment attributes from a detail page payload.
type DetailParser interface {
	ParseDetailPage(payload []byte, id string) (PartialRecord, error)
}

// Store persists records and crawl sessions.
type Store interface {
	// UpsertMany inserts or updates records and returns how many were newly
	// inserted. Records the store already held are updated but not counted.
	UpsertMany(ctx context.Context, records []Record) (int, error)
	// CreateSession stores a running session and returns its id.
	CreateSession(ctx context.Context, session CrawlSession) (string, error)
	UpdateSession(ctx context.Context, id string, update SessionUpdate) error
	// GetExistingIDs returns the subset of ids already stored for source.
	GetExistingIDs(ctx context.Context, source string, ids []string) (map[string]struct{}, error)
}

// PageFetcher performs one logical list page request.
type PageFetcher interface {
	Do(ctx context.Context, req httpclient.Request) (*httpclient.Response, error)
}

// DetailFetcher fetches detail pages with bounded concurrency.
type DetailFetcher interface {
	FetchMany(ctx context.Context, ids []string, urlFor func(string) string, opts detail.Options) []detail.Result
}

// Pager maps a category and page number to a request.
type Pager interface {
	PageRequest(category string, page int) (PageRequest, error)
}

// BlobStore archives raw payloads.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
}

// Hasher produces content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}
