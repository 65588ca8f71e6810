package crawler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/listing-harvester/internal/activity"
	"github.com/JakeFAU/listing-harvester/internal/detail"
	"github.com/JakeFAU/listing-harvester/internal/httpclient"
	"github.com/JakeFAU/listing-harvester/internal/logging"
)

const defaultEmptyPageThreshold = 30

// Config controls one Controller.
type Config struct {
	Source string
	// EmptyPageThreshold ends a category after this many consecutive pages
	// that persisted nothing new.
	EmptyPageThreshold int
	// CheckpointEvery writes session counters every K pages.
	CheckpointEvery int
	// CategoryConcurrency > 1 crawls that many categories at once.
	CategoryConcurrency int
	// MaxPages caps pages per category; 0 means unbounded.
	MaxPages int
	// PrefilterExisting drops ids the Store already holds before persisting.
	PrefilterExisting bool
	// ArchivePrefix is prepended to archived payload paths.
	ArchivePrefix string
}

// DetailStage enriches newly found records from their detail pages.
type DetailStage struct {
	Fetcher DetailFetcher
	Parser  DetailParser
	// URLFor maps an item id to its detail URL. When nil the record URL is used.
	URLFor  func(id string) string
	Options detail.Options
}

// Option customises a Controller.
type Option func(*Controller)

// WithDetail enables detail enrichment.
func WithDetail(stage *DetailStage) Option {
	return func(c *Controller) {
		if stage != nil && stage.Fetcher != nil && stage.Parser != nil {
			c.detail = stage
		}
	}
}

// WithArchive stores every fetched list payload under a content-addressed path.
func WithArchive(blobs BlobStore, hasher Hasher) Option {
	return func(c *Controller) {
		if blobs != nil && hasher != nil {
			c.archive = blobs
			c.hasher = hasher
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(clock Clock) Option {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithActivity routes activity events to events.
func WithActivity(events activity.Log) Option {
	return func(c *Controller) {
		if events != nil {
			c.events = events
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Controller runs paginated crawl sessions for one source.
type Controller struct {
	cfg     Config
	pager   Pager
	fetcher PageFetcher
	parser  Parser
	store   Store
	detail  *DetailStage
	archive BlobStore
	hasher  Hasher
	clock   Clock
	events  activity.Log
	logger  *zap.Logger
}

// NewController wires a Controller. pager, fetcher, parser and store are required.
func NewController(cfg Config, pager Pager, fetcher PageFetcher, parser Parser, store Store, opts ...Option) (*Controller, error) {
	switch {
	case cfg.Source == "":
		return nil, errors.New("source is required")
	case pager == nil:
		return nil, errors.New("pager is required")
	case fetcher == nil:
		return nil, errors.New("page fetcher is required")
	case parser == nil:
		return nil, errors.New("parser is required")
	case store == nil:
		return nil, errors.New("store is required")
	}
	if cfg.EmptyPageThreshold <= 0 {
		cfg.EmptyPageThreshold = defaultEmptyPageThreshold
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 1
	}
	if cfg.CategoryConcurrency <= 0 {
		cfg.CategoryConcurrency = 1
	}
	c := &Controller{
		cfg:     cfg,
		pager:   pager,
		fetcher: fetcher,
		parser:  parser,
		store:   store,
		clock:   wallClock{},
		events:  activity.Nop{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.ForSource(c.logger, cfg.Source)
	return c, nil
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Run crawls every category and returns the final session. The session is
// created before the first fetch; it ends completed when every category runs
// dry and failed on store errors, cancellation or panics.
func (c *Controller) Run(ctx context.Context, categories []string) (CrawlSession, error) {
	if len(categories) == 0 {
		return CrawlSession{}, errors.New("no categories to crawl")
	}

	started := c.clock.Now()
	draft := CrawlSession{
		Source:     c.cfg.Source,
		Categories: append([]string(nil), categories...),
		StartedAt:  started,
		Status:     SessionRunning,
	}
	id, err := c.store.CreateSession(ctx, draft)
	if err != nil {
		draft.Status = SessionFailed
		draft.ErrorMessage = err.Error()
		c.events.LogError(c.cfg.Source, "create session failed", map[string]string{"error": err.Error()})
		return draft, fmt.Errorf("create session: %w", err)
	}
	draft.ID = id
	tracker := &sessionTracker{session: draft}

	c.events.LogSessionStart(c.cfg.Source, id)
	c.logger.Info("crawl session started",
		zap.String("session_id", id),
		zap.Strings("categories", categories),
	)

	defer func() {
		if r := recover(); r != nil {
			_, _ = c.finish(ctx, tracker, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	runErr := c.runCategories(ctx, tracker, categories)
	if runErr == nil {
		runErr = ctx.Err()
	}
	final, finishErr := c.finish(ctx, tracker, runErr)
	return final, errors.Join(runErr, finishErr)
}

func (c *Controller) runCategories(ctx context.Context, t *sessionTracker, categories []string) error {
	if c.cfg.CategoryConcurrency <= 1 || len(categories) == 1 {
		for _, category := range categories {
			if err := c.crawlCategory(ctx, t, category); err != nil {
				return err
			}
		}
		return nil
	}

	// A panicking category cancels its siblings; the first panic is raised
	// again here once they have stopped.
	var (
		panicOnce sync.Once
		panicked  bool
		panicVal  any
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.CategoryConcurrency)
	for _, category := range categories {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					panicOnce.Do(func() {
						panicked = true
						panicVal = r
					})
					err = fmt.Errorf("category %s panicked: %v", category, r)
				}
			}()
			return c.crawlCategory(gctx, t, category)
		})
	}
	err := g.Wait()
	if panicked {
		panic(panicVal)
	}
	return err
}

// crawlCategory pages through one category until it runs dry. Only store
// failures and cancellation are returned; page-level problems count as empty
// pages.
func (c *Controller) crawlCategory(ctx context.Context, t *sessionTracker, category string) error {
	cur := newCursor(category)
	logger := c.logger.With(zap.String("category", category))
	sessionID := t.snapshot().ID

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.cfg.MaxPages > 0 && cur.page > c.cfg.MaxPages {
			logger.Info("page cap reached", zap.Int("max_pages", c.cfg.MaxPages))
			return nil
		}

		req, err := c.pager.PageRequest(category, cur.page)
		if err != nil {
			return fmt.Errorf("build request for %s page %d: %w", category, cur.page, err)
		}
		if !cur.markRequested(req) {
			logger.Info("page request repeats an earlier one, category done", zap.Int("page", cur.page))
			return nil
		}

		persisted, err := c.processPage(ctx, sessionID, cur, req, logger)
		if err != nil {
			return err
		}
		if persisted > 0 {
			cur.emptyStreak = 0
		} else {
			cur.emptyStreak++
		}
		if err := t.recordPage(ctx, c.store, c.cfg.CheckpointEvery, persisted); err != nil {
			c.events.LogError(c.cfg.Source, "checkpoint failed", map[string]string{"error": err.Error()})
			return err
		}
		if cur.emptyStreak >= c.cfg.EmptyPageThreshold {
			logger.Info("empty page threshold reached, category done",
				zap.Int("page", cur.page),
				zap.Int("threshold", c.cfg.EmptyPageThreshold),
			)
			return nil
		}
		cur.page++
	}
}

// processPage fetches, parses and persists one page and returns the number
// of records the store accepted.
func (c *Controller) processPage(ctx context.Context, sessionID string, cur *categoryCursor, req PageRequest, logger *zap.Logger) (int, error) {
	page := cur.page
	resp, err := c.fetcher.Do(ctx, httpclient.Request{
		Method: req.Method,
		URL:    req.URL,
		Body:   req.Body,
		Header: req.Header,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		logger.Warn("page fetch failed, counting as empty", zap.Int("page", page), zap.Error(err))
		c.events.LogError(c.cfg.Source, "page fetch failed", map[string]string{
			"category": cur.category,
			"page":     strconv.Itoa(page),
			"url":      req.URL,
			"error":    err.Error(),
		})
		return 0, nil
	}

	c.archivePage(ctx, sessionID, cur.category, resp)

	records, err := c.parser.ParseListPage(resp.Body, PageContext{
		Source:   c.cfg.Source,
		Category: cur.category,
		Page:     page,
		URL:      req.URL,
	})
	if err != nil {
		logger.Warn("list page parse failed", zap.Int("page", page), zap.Error(err))
		c.events.LogError(c.cfg.Source, "list page parse failed", map[string]string{
			"category": cur.category,
			"page":     strconv.Itoa(page),
			"error":    err.Error(),
		})
		records = nil
	}
	c.events.LogParsing(c.cfg.Source, cur.category, page, len(records))

	fresh, dropped := cur.fresh(records)
	if dropped > 0 {
		logger.Warn("dropped records without id", zap.Int("page", page), zap.Int("dropped", dropped))
	}
	if c.cfg.PrefilterExisting && len(fresh) > 0 {
		fresh = c.prefilter(ctx, fresh, logger)
	}
	if len(fresh) == 0 {
		logger.Debug("no new records on page", zap.Int("page", page), zap.Int("candidates", len(records)))
		return 0, nil
	}

	c.enrich(ctx, fresh, logger)

	now := c.clock.Now()
	for i := range fresh {
		fresh[i].Source = c.cfg.Source
		fresh[i].Category = cur.category
		if fresh[i].ScrapedAt.IsZero() {
			fresh[i].ScrapedAt = now
		}
	}

	persisted, err := c.store.UpsertMany(ctx, fresh)
	if err != nil {
		c.events.LogError(c.cfg.Source, "upsert failed", map[string]string{
			"category": cur.category,
			"page":     strconv.Itoa(page),
			"error":    err.Error(),
		})
		return 0, fmt.Errorf("upsert %s page %d: %w", cur.category, page, err)
	}
	c.events.LogDatabaseOp(c.cfg.Source, "upsert", persisted)
	logger.Debug("page persisted",
		zap.Int("page", page),
		zap.Int("candidates", len(records)),
		zap.Int("new", len(fresh)),
		zap.Int("persisted", persisted),
	)
	return persisted, nil
}

// prefilter removes records the store already holds. Lookup failures keep
// every record.
func (c *Controller) prefilter(ctx context.Context, records []Record, logger *zap.Logger) []Record {
	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	existing, err := c.store.GetExistingIDs(ctx, c.cfg.Source, ids)
	if err != nil {
		logger.Warn("existing id lookup failed, keeping all records", zap.Error(err))
		return records
	}
	c.events.LogDatabaseOp(c.cfg.Source, "lookup_existing", len(existing))
	if len(existing) == 0 {
		return records
	}
	out := records[:0]
	for _, rec := range records {
		if _, ok := existing[rec.ID]; !ok {
			out = append(out, rec)
		}
	}
	return out
}

// enrich merges detail page attributes into records in place. Items whose
// detail fetch or parse fails keep their list data.
func (c *Controller) enrich(ctx context.Context, records []Record, logger *zap.Logger) {
	if c.detail == nil {
		return
	}
	ids := make([]string, len(records))
	urls := make(map[string]string, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
		urls[rec.ID] = rec.URL
	}
	urlFor := c.detail.URLFor
	if urlFor == nil {
		urlFor = func(id string) string { return urls[id] }
	}

	results := c.detail.Fetcher.FetchMany(ctx, ids, urlFor, c.detail.Options)
	var fetchFailed, parseFailed int
	for i, res := range results {
		if !res.Success {
			fetchFailed++
			continue
		}
		partial, err := c.detail.Parser.ParseDetailPage(res.Payload, res.ItemID)
		if err != nil {
			parseFailed++
			logger.Debug("detail parse failed", zap.String("item_id", res.ItemID), zap.Error(err))
			continue
		}
		records[i].Merge(partial)
	}
	if fetchFailed > 0 || parseFailed > 0 {
		logger.Warn("detail enrichment incomplete",
			zap.Int("items", len(records)),
			zap.Int("fetch_failed", fetchFailed),
			zap.Int("parse_failed", parseFailed),
		)
	}
}

// finish writes the terminal session state. It runs even when ctx is
// cancelled so the failure is recorded.
func (c *Controller) finish(ctx context.Context, t *sessionTracker, runErr error) (CrawlSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	done := c.clock.Now()
	t.session.CompletedAt = &done
	t.session.Status = SessionCompleted
	if runErr != nil {
		t.session.Status = SessionFailed
		t.session.ErrorMessage = runErr.Error()
	}
	final := t.session

	var err error
	if updErr := c.store.UpdateSession(context.WithoutCancel(ctx), final.ID, final.update()); updErr != nil {
		err = fmt.Errorf("finalize session %s: %w", final.ID, updErr)
		c.logger.Error("failed to record final session state", zap.String("session_id", final.ID), zap.Error(updErr))
	}

	elapsed := done.Sub(final.StartedAt)
	c.events.LogSessionEnd(activity.SessionEnd{
		Source:       c.cfg.Source,
		SessionID:    final.ID,
		Failed:       final.Status == SessionFailed,
		PagesScraped: final.PagesScraped,
		ItemsFound:   final.ItemsFound,
		Elapsed:      elapsed,
		Err:          final.ErrorMessage,
	})
	fields := []zap.Field{
		zap.String("session_id", final.ID),
		zap.String("status", string(final.Status)),
		zap.Int("pages_scraped", final.PagesScraped),
		zap.Int("items_found", final.ItemsFound),
		zap.Duration("elapsed", elapsed),
	}
	if runErr != nil {
		c.logger.Error("crawl session failed", append(fields, zap.Error(runErr))...)
	} else {
		c.logger.Info("crawl session completed", fields...)
	}
	return final, err
}
