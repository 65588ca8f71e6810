// Package app builds the long-lived harvester services from configuration
// and runs crawls against configured sources.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gcstorage "cloud.google.com/go/storage"
	gpubsub "cloud.google.com/go/pubsub"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/activity"
	"github.com/JakeFAU/listing-harvester/internal/activity/sinks"
	"github.com/JakeFAU/listing-harvester/internal/api"
	"github.com/JakeFAU/listing-harvester/internal/clock/system"
	"github.com/JakeFAU/listing-harvester/internal/config"
	"github.com/JakeFAU/listing-harvester/internal/crawler"
	"github.com/JakeFAU/listing-harvester/internal/detail"
	"github.com/JakeFAU/listing-harvester/internal/hash/sha256"
	"github.com/JakeFAU/listing-harvester/internal/httpclient"
	"github.com/JakeFAU/listing-harvester/internal/id/uuid"
	"github.com/JakeFAU/listing-harvester/internal/logging"
	htmlparser "github.com/JakeFAU/listing-harvester/internal/parser/html"
	"github.com/JakeFAU/listing-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/listing-harvester/internal/proxy"
	"github.com/JakeFAU/listing-harvester/internal/publisher"
	pubsubpublisher "github.com/JakeFAU/listing-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/listing-harvester/internal/storage/gcs"
	"github.com/JakeFAU/listing-harvester/internal/storage/local"
	"github.com/JakeFAU/listing-harvester/internal/storage/memory"
	"github.com/JakeFAU/listing-harvester/internal/storage/postgres"
)

// ListingStore is a crawler store that can also answer session queries.
type ListingStore interface {
	crawler.Store
	api.SessionReader
}

// Option customises New.
type Option func(*App)

// WithLogger replaces the configured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *App) { a.registry = reg }
}

// WithStore bypasses db.dsn.
func WithStore(store ListingStore) Option {
	return func(a *App) { a.store = store }
}

// WithBlobStore bypasses archive.provider.
func WithBlobStore(blobs crawler.BlobStore) Option {
	return func(a *App) { a.blobs = blobs }
}

// WithPublisher bypasses the Pub/Sub client; summaries still go to pubsub.topic.
func WithPublisher(pub publisher.Publisher) Option {
	return func(a *App) { a.publisher = pub }
}

// WithHTTPOptions passes options to every HTTP client the app builds.
func WithHTTPOptions(opts ...httpclient.Option) Option {
	return func(a *App) { a.httpOpts = append(a.httpOpts, opts...) }
}

// App holds the services shared by every crawl in the process.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	registry  *prometheus.Registry
	hub       *activity.Hub
	events    *activity.Recorder
	limiter   *ratelimit.Limiter
	proxies   *proxy.Manager
	store     ListingStore
	blobs     crawler.BlobStore
	publisher publisher.Publisher
	httpOpts  []httpclient.Option

	pool   *pgxpool.Pool
	ready  map[string]api.ReadyCheck
	closer []func(context.Context) error
}

// New wires every service from cfg. Close must be called to flush activity
// and release clients.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, ready: map[string]api.ReadyCheck{}}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		logger, err := logging.New(cfg.Logging.Development)
		if err != nil {
			return nil, err
		}
		a.logger = logger
	}
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
	}

	if err := a.initStore(ctx); err != nil {
		return nil, err
	}
	if err := a.initActivity(); err != nil {
		_ = a.closeAll(ctx)
		return nil, err
	}
	if err := a.initArchive(ctx); err != nil {
		_ = a.closeAll(ctx)
		return nil, err
	}
	if err := a.initPublisher(ctx); err != nil {
		_ = a.closeAll(ctx)
		return nil, err
	}

	waits := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvester_rate_limit_wait_seconds",
		Help:    "Time spent waiting for a rate limiter turn.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})
	if err := a.registry.Register(waits); err != nil {
		_ = a.closeAll(ctx)
		return nil, fmt.Errorf("register rate limit metric: %w", err)
	}
	a.limiter = ratelimit.New(ratelimit.Config{
		MinInterval:  cfg.RateLimit.MinInterval,
		ObserveDelay: func(d time.Duration) { waits.Observe(d.Seconds()) },
	})
	a.proxies = proxy.NewManager(proxy.Config{
		Enabled:          cfg.Proxy.Enabled,
		Host:             cfg.Proxy.Host,
		Port:             cfg.Proxy.Port,
		Username:         cfg.Proxy.Username,
		Password:         cfg.Proxy.Password,
		UsernameTemplate: cfg.Proxy.UsernameTemplate,
		RotationInterval: cfg.Proxy.RotationInterval,
		HealthWindow:     cfg.Proxy.HealthWindow,
	}, a.logger.Named("proxy"), a.events)

	a.logger.Info("harvester services initialized",
		zap.Bool("postgres", a.pool != nil),
		zap.String("archive", cfg.Archive.Provider),
		zap.Bool("proxy", a.proxies.Enabled()),
		zap.Duration("min_interval", a.limiter.Interval()),
	)
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	if a.cfg.DB.DSN == "" {
		a.logger.Info("using in-memory listing store")
		a.store = memory.NewListingStore()
		return nil
	}
	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return err
	}
	store, err := postgres.NewListingStore(pool, uuid.New())
	if err != nil {
		pool.Close()
		return err
	}
	a.pool = pool
	a.store = store
	a.ready["postgres"] = pool.Ping
	a.closer = append(a.closer, func(context.Context) error {
		pool.Close()
		return nil
	})
	return nil
}

func (a *App) initActivity() error {
	promSink, err := sinks.NewPrometheusSink(a.registry)
	if err != nil {
		return err
	}
	list := []activity.Sink{sinks.NewLogSink(a.logger.Named("activity")), promSink}
	if a.pool != nil {
		repo, err := postgres.NewActivityStore(a.pool)
		if err != nil {
			return err
		}
		list = append(list, sinks.NewStoreSink(repo, a.logger.Named("activity")))
	}
	a.hub = activity.NewHub(activity.HubConfig{Logger: a.logger.Named("activity")}, list...)
	a.events = activity.NewRecorder(a.hub, system.New().Now)
	// The hub must flush before the pool closes, so it goes first on close.
	a.closer = append([]func(context.Context) error{a.hub.Close}, a.closer...)
	return nil
}

func (a *App) initArchive(ctx context.Context) error {
	if a.blobs != nil {
		return nil
	}
	switch a.cfg.Archive.Provider {
	case "", "none":
		return nil
	case "memory":
		a.blobs = memory.NewBlobStore()
	case "local":
		blobs, err := local.New(local.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return fmt.Errorf("init local archive: %w", err)
		}
		a.blobs = blobs
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create gcs client: %w", err)
		}
		blobs, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Archive.GCSBucket})
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("init gcs archive: %w", err)
		}
		a.blobs = blobs
		a.closer = append(a.closer, func(context.Context) error { return client.Close() })
	default:
		return fmt.Errorf("unknown archive provider %q", a.cfg.Archive.Provider)
	}
	return nil
}

func (a *App) initPublisher(ctx context.Context) error {
	if a.publisher != nil || a.cfg.PubSub.Topic == "" {
		return nil
	}
	client, err := gpubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("create pubsub client: %w", err)
	}
	pub := pubsubpublisher.New(client)
	a.publisher = pub
	a.closer = append(a.closer, func(context.Context) error { return pub.Close() })
	return nil
}

// Registry exposes the metrics registry.
func (a *App) Registry() *prometheus.Registry { return a.registry }

// Store exposes the listing store.
func (a *App) Store() ListingStore { return a.store }

// ProxyStats returns the current proxy health snapshot.
func (a *App) ProxyStats() proxy.Stats { return a.proxies.Stats() }

// Crawl runs one session over the named source. Empty categories fall back to
// the source's configured list.
func (a *App) Crawl(ctx context.Context, sourceName string, categories []string) (crawler.CrawlSession, error) {
	src, err := a.cfg.Source(sourceName)
	if err != nil {
		return crawler.CrawlSession{}, err
	}
	name := strings.ToLower(sourceName)
	if len(categories) == 0 {
		categories = src.Categories
	}
	logger := logging.ForSource(a.logger, name)

	controller, err := a.buildController(name, src, logger)
	if err != nil {
		return crawler.CrawlSession{}, err
	}

	session, runErr := controller.Run(ctx, categories)

	stats := a.proxies.Stats()
	if stats.Enabled {
		logger.Info("proxy health",
			zap.Int64("requests", stats.TotalRequests),
			zap.Int64("rotations", stats.Rotations),
			zap.Float64("success_rate", stats.SuccessRate),
			zap.Duration("avg_latency", stats.AverageLatency),
			zap.Int("recent_errors", len(stats.RecentErrors)),
		)
	}
	a.publishSummary(ctx, session, &stats, logger)
	return session, runErr
}

func (a *App) buildController(name string, src config.SourceConfig, logger *zap.Logger) (*crawler.Controller, error) {
	header := make(http.Header, len(src.Headers))
	for k, v := range src.Headers {
		header.Set(k, v)
	}
	pager, err := crawler.NewTemplatePager(src.Method, src.URLTemplate, src.BodyTemplate, src.PageSize, header)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", name, err)
	}
	parser, err := htmlparser.New(htmlparser.Config{
		Item:         src.Parser.Item,
		IDAttr:       src.Parser.IDAttr,
		IDSelector:   src.Parser.IDSelector,
		Link:         src.Parser.Link,
		Title:        src.Parser.Title,
		Fields:       src.Parser.Fields,
		DetailFields: src.Detail.Fields,
		DetailTitle:  src.Detail.Title,
	})
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", name, err)
	}

	client := httpclient.New(httpclient.Config{
		Source:               name,
		MaxRetries:           a.cfg.HTTP.MaxRetries,
		RetryDelay:           a.cfg.HTTP.RetryDelay,
		Timeout:              a.cfg.HTTP.Timeout,
		BlockDelayMultiplier: a.cfg.HTTP.BlockDelayMultiplier,
		MaxErrorBody:         a.cfg.HTTP.MaxErrorBody,
		AcceptLanguage:       a.cfg.HTTP.AcceptLanguage,
		UserAgents:           a.cfg.HTTP.UserAgents,
	}, a.limiter, a.proxies, a.events, logger.Named("http"), a.httpOpts...)

	opts := []crawler.Option{
		crawler.WithLogger(logger),
		crawler.WithActivity(a.events),
		crawler.WithClock(system.New()),
	}
	if a.blobs != nil {
		opts = append(opts, crawler.WithArchive(a.blobs, sha256.New()))
	}
	if src.Detail.Enabled {
		opts = append(opts, crawler.WithDetail(&crawler.DetailStage{
			Fetcher: detail.NewFetcher(client, logger.Named("detail"), nil),
			Parser:  parser,
			URLFor:  detailURL(src.Detail.URLTemplate),
			Options: detail.Options{
				MaxConcurrency: a.cfg.Detail.MaxConcurrency,
				PerItemTimeout: a.cfg.Detail.PerItemTimeout,
				PerItemRetries: a.cfg.Detail.PerItemRetries,
				RetryDelay:     a.cfg.Detail.RetryDelay,
				Header:         header,
			},
		}))
	}

	return crawler.NewController(crawler.Config{
		Source:              name,
		EmptyPageThreshold:  a.cfg.EmptyPageThreshold(src),
		CheckpointEvery:     a.cfg.Crawl.CheckpointEvery,
		CategoryConcurrency: a.cfg.Crawl.CategoryConcurrency,
		MaxPages:            a.cfg.Crawl.MaxPages,
		PrefilterExisting:   a.cfg.Crawl.PrefilterExisting,
		ArchivePrefix:       a.cfg.Archive.Prefix,
	}, pager, client, parser, a.store, opts...)
}

func detailURL(tmpl string) func(string) string {
	if tmpl == "" {
		return nil
	}
	return func(id string) string {
		return strings.ReplaceAll(tmpl, "{id}", url.PathEscape(id))
	}
}

func (a *App) publishSummary(ctx context.Context, session crawler.CrawlSession, stats *proxy.Stats, logger *zap.Logger) {
	if a.publisher == nil || a.cfg.PubSub.Topic == "" || session.ID == "" {
		return
	}
	summary := publisher.NewRunSummary(session, stats)
	msgID, err := a.publisher.Publish(context.WithoutCancel(ctx), a.cfg.PubSub.Topic, summary)
	if err != nil {
		logger.Warn("publish run summary failed", zap.String("session_id", session.ID), zap.Error(err))
		return
	}
	logger.Info("run summary published", zap.String("session_id", session.ID), zap.String("message_id", msgID))
}

// OpsServer builds the ops HTTP server over the app's services.
func (a *App) OpsServer() (*api.Server, error) {
	srv, err := api.NewServer(api.Options{
		Registry: a.registry,
		Sessions: a.store,
		Proxy:    a.proxies,
		Ready:    a.ready,
		APIKey:   a.cfg.Server.APIKey,
		Logger:   a.logger.Named("api"),
	})
	if err != nil {
		return nil, fmt.Errorf("build ops server: %w", err)
	}
	return srv, nil
}

// Migrate applies the embedded schema. It requires db.dsn.
func (a *App) Migrate(ctx context.Context) error {
	if a.pool == nil {
		return errors.New("db.dsn is required to migrate")
	}
	if err := postgres.EnsureSchema(ctx, a.pool); err != nil {
		return err
	}
	a.logger.Info("schema applied")
	return nil
}

// Close flushes activity and releases clients.
func (a *App) Close(ctx context.Context) error {
	err := a.closeAll(ctx)
	_ = a.logger.Sync()
	return err
}

func (a *App) closeAll(ctx context.Context) error {
	var errs []error
	for _, c := range a.closer {
		if err := c(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closer = nil
	return errors.Join(errs...)
}
