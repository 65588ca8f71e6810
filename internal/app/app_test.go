package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/config"
	"github.com/JakeFAU/listing-harvester/internal/crawler"
	"github.com/JakeFAU/listing-harvester/internal/publisher"
	pubmemory "github.com/JakeFAU/listing-harvester/internal/publisher/memory"
	"github.com/JakeFAU/listing-harvester/internal/storage/memory"
)

const listingPages = 3

// newListingSite serves listingPages pages of five boats per category, then
// empty pages, plus one detail page per boat.
func newListingSite(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/list/{category}", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		category := r.PathValue("category")
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		var b strings.Builder
		b.WriteString("<html><body><ul>")
		if page >= 1 && page <= listingPages {
			for i := 0; i < 5; i++ {
				id := fmt.Sprintf("%s-%d-%d", category, page, i)
				fmt.Fprintf(&b, `<li class="listing" data-id="%s"><a href="/boat/%s"><h2> Boat %s </h2></a><span class="city">Brest</span></li>`, id, id, id)
			}
		}
		b.WriteString("</ul></body></html>")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(b.String()))
	})
	mux.HandleFunc("/boat/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<html><body><h1>Detail %s</h1><p class="price">42 000 EUR</p></body></html>`, r.PathValue("id"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &hits
}

func testConfig(baseURL string) config.Config {
	return config.Config{
		HTTP: config.HTTPConfig{
			Timeout:    5 * time.Second,
			MaxRetries: 1,
			RetryDelay: time.Millisecond,
			UserAgents: config.DefaultUserAgents,
		},
		Detail: config.DetailConfig{
			MaxConcurrency: 3,
			PerItemTimeout: 5 * time.Second,
			PerItemRetries: 0,
			RetryDelay:     time.Millisecond,
		},
		Crawl: config.CrawlConfig{
			EmptyPageThreshold:  2,
			CheckpointEvery:     1,
			CategoryConcurrency: 2,
		},
		Archive: config.ArchiveConfig{Provider: "memory", Prefix: "raw"},
		Sources: map[string]config.SourceConfig{
			"boats": {
				URLTemplate: baseURL + "/list/{category}?page={page}",
				Categories:  []string{"sail", "motor"},
				Headers:     map[string]string{"X-Client": "harvester"},
				Parser: config.ParserConfig{
					Item:   "li.listing",
					IDAttr: "data-id",
					Title:  "h2",
					Fields: map[string]string{"city": ".city"},
				},
				Detail: config.SourceDetail{
					Enabled:     true,
					URLTemplate: baseURL + "/boat/{id}",
					Title:       "h1",
					Fields:      map[string]string{"price": ".price"},
				},
			},
		},
	}
}

func TestCrawlEndToEnd(t *testing.T) {
	t.Parallel()

	site, hits := newListingSite(t)
	store := memory.NewListingStore()
	pub := pubmemory.New()
	reg := prometheus.NewRegistry()

	cfg := testConfig(site.URL)
	cfg.PubSub = config.PubSubConfig{ProjectID: "test", Topic: "crawl-runs"}
	a, err := New(context.Background(), cfg,
		WithLogger(zap.NewNop()),
		WithRegistry(reg),
		WithStore(store),
		WithPublisher(pub),
	)
	require.NoError(t, err)

	session, err := a.Crawl(context.Background(), "Boats", nil)
	require.NoError(t, err)
	require.NoError(t, a.Close(context.Background()))

	require.Equal(t, crawler.SessionCompleted, session.Status)
	require.Equal(t, 2*(listingPages+2), session.PagesScraped)
	require.Equal(t, 2*listingPages*5, session.ItemsFound)
	require.Equal(t, int64(2*(listingPages+2)), hits.Load())

	records := store.Records("boats")
	require.Len(t, records, 30)
	first := records[0]
	require.Equal(t, "motor-1-0", first.ID)
	require.Equal(t, "motor", first.Category)
	require.Equal(t, "Detail motor-1-0", first.Title)
	require.Equal(t, "42 000 EUR", first.Fields["price"])
	require.Equal(t, "Brest", first.Fields["city"])
	require.Equal(t, site.URL+"/boat/motor-1-0", first.URL)
	require.False(t, first.ScrapedAt.IsZero())

	stored, err := store.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.SessionCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "crawl-runs", msgs[0].Topic)
	var summary publisher.RunSummary
	require.NoError(t, json.Unmarshal(msgs[0].Data, &summary))
	require.Equal(t, session.ID, summary.SessionID)
	require.Equal(t, 30, summary.ItemsFound)
	require.Nil(t, summary.Proxy)

	require.InDelta(t, float64(2*(listingPages+2)), counterTotal(t, reg, "harvester_pages_parsed_total"), 0)
	require.InDelta(t, 30, counterTotal(t, reg, "harvester_items_parsed_total"), 0)
}

func TestCrawlArchivesPages(t *testing.T) {
	t.Parallel()

	site, _ := newListingSite(t)
	blobs := memory.NewBlobStore()
	cfg := testConfig(site.URL)
	src := cfg.Sources["boats"]
	src.Detail.Enabled = false
	cfg.Sources["boats"] = src

	a, err := New(context.Background(), cfg,
		WithLogger(zap.NewNop()),
		WithStore(memory.NewListingStore()),
		WithBlobStore(blobs),
		WithPublisher(pubmemory.New()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	session, err := a.Crawl(context.Background(), "boats", []string{"sail"})
	require.NoError(t, err)
	require.Equal(t, listingPages+2, session.PagesScraped)

	paths := blobs.Paths()
	// The two trailing empty pages share one payload.
	require.Len(t, paths, listingPages+1)
	for _, p := range paths {
		require.True(t, strings.HasPrefix(p, "raw/boats/"+session.ID+"/sail/"), p)
		require.True(t, strings.HasSuffix(p, ".html"), p)
	}
}

func TestCrawlUnknownSource(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), testConfig("http://unused.test"), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	_, err = a.Crawl(context.Background(), "cars", nil)
	require.ErrorContains(t, err, `unknown source "cars"`)
}

func TestNewDefaultsToMemoryBackends(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), testConfig("http://unused.test"), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	require.IsType(t, &memory.ListingStore{}, a.Store())
	require.IsType(t, &memory.BlobStore{}, a.blobs)
	require.ErrorContains(t, a.Migrate(context.Background()), "db.dsn")

	srv, err := a.OpsServer()
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestNewRejectsSharedRegistry(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	first, err := New(context.Background(), testConfig("http://unused.test"), WithLogger(zap.NewNop()), WithRegistry(reg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Close(context.Background()) })

	_, err = New(context.Background(), testConfig("http://unused.test"), WithLogger(zap.NewNop()), WithRegistry(reg))
	require.Error(t, err)
}

func TestDetailURL(t *testing.T) {
	t.Parallel()

	require.Nil(t, detailURL(""))
	fn := detailURL("https://example.test/item/{id}?full=1")
	require.Equal(t, "https://example.test/item/a%2Fb?full=1", fn("a/b"))
}

func counterTotal(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		var total float64
		for _, m := range fam.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
