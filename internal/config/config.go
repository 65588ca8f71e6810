// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig           `mapstructure:"logging"`
	Server    ServerConfig            `mapstructure:"server"`
	HTTP      HTTPConfig              `mapstructure:"http"`
	RateLimit RateLimitConfig         `mapstructure:"rate_limit"`
	Proxy     ProxyConfig             `mapstructure:"proxy"`
	Detail    DetailConfig            `mapstructure:"detail"`
	Crawl     CrawlConfig             `mapstructure:"crawl"`
	DB        DBConfig                `mapstructure:"db"`
	Archive   ArchiveConfig           `mapstructure:"archive"`
	PubSub    PubSubConfig            `mapstructure:"pubsub"`
	Sources   map[string]SourceConfig `mapstructure:"sources"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// ServerConfig controls the ops HTTP server started alongside a crawl.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	APIKey  string `mapstructure:"api_key"`
}

// HTTPConfig configures the retrying HTTP client.
type HTTPConfig struct {
	Timeout              time.Duration `mapstructure:"timeout"`
	MaxRetries           int           `mapstructure:"max_retries"`
	RetryDelay           time.Duration `mapstructure:"retry_delay"`
	BlockDelayMultiplier int           `mapstructure:"block_delay_multiplier"`
	MaxErrorBody         int           `mapstructure:"max_error_body"`
	AcceptLanguage       string        `mapstructure:"accept_language"`
	UserAgents           []string      `mapstructure:"user_agents"`
}

// RateLimitConfig sets the minimum spacing between outgoing requests.
type RateLimitConfig struct {
	MinInterval time.Duration `mapstructure:"min_interval"`
}

// ProxyConfig describes the rotating upstream proxy.
type ProxyConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	Username         string `mapstructure:"username"`
	Password         string `mapstructure:"password"`
	UsernameTemplate string `mapstructure:"username_template"`
	RotationInterval int    `mapstructure:"rotation_interval"`
	HealthWindow     int    `mapstructure:"health_window"`
}

// DetailConfig bounds the per-item detail fetcher.
type DetailConfig struct {
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	PerItemTimeout time.Duration `mapstructure:"per_item_timeout"`
	PerItemRetries int           `mapstructure:"per_item_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
}

// CrawlConfig governs pagination termination and session bookkeeping.
type CrawlConfig struct {
	EmptyPageThreshold  int  `mapstructure:"empty_page_threshold"`
	CheckpointEvery     int  `mapstructure:"checkpoint_every"`
	CategoryConcurrency int  `mapstructure:"category_concurrency"`
	MaxPages            int  `mapstructure:"max_pages"`
	PrefilterExisting   bool `mapstructure:"prefilter_existing"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory store.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// ArchiveConfig selects where raw list-page payloads are archived.
type ArchiveConfig struct {
	Provider  string `mapstructure:"provider"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for run-summary notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// SourceConfig describes one harvesting source: how to page through it and
// how to pull records out of its payloads.
type SourceConfig struct {
	Method             string            `mapstructure:"method"`
	URLTemplate        string            `mapstructure:"url_template"`
	BodyTemplate       string            `mapstructure:"body_template"`
	PageSize           int               `mapstructure:"page_size"`
	Categories         []string          `mapstructure:"categories"`
	Headers            map[string]string `mapstructure:"headers"`
	EmptyPageThreshold int               `mapstructure:"empty_page_threshold"`
	Parser             ParserConfig      `mapstructure:"parser"`
	Detail             SourceDetail      `mapstructure:"detail"`
}

// ParserConfig holds the CSS selectors used by the HTML parser.
type ParserConfig struct {
	Item       string            `mapstructure:"item"`
	IDAttr     string            `mapstructure:"id_attr"`
	IDSelector string            `mapstructure:"id_selector"`
	Link       string            `mapstructure:"link"`
	Title      string            `mapstructure:"title"`
	Fields     map[string]string `mapstructure:"fields"`
}

// SourceDetail enables detail-page enrichment for a source.
type SourceDetail struct {
	Enabled     bool              `mapstructure:"enabled"`
	URLTemplate string            `mapstructure:"url_template"`
	Title       string            `mapstructure:"title"`
	Fields      map[string]string `mapstructure:"fields"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// DefaultUserAgents is the browser pool used when none is configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 9090)
	v.SetDefault("http.timeout", "30s")
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.retry_delay", "1s")
	v.SetDefault("http.block_delay_multiplier", 3)
	v.SetDefault("http.max_error_body", 1000)
	v.SetDefault("http.accept_language", "fr-FR,fr;q=0.9,en-US;q=0.8,en;q=0.7")
	v.SetDefault("http.user_agents", DefaultUserAgents)
	v.SetDefault("rate_limit.min_interval", "1s")
	v.SetDefault("proxy.enabled", false)
	v.SetDefault("proxy.username_template", "{username}-session-{session}")
	v.SetDefault("proxy.rotation_interval", 10)
	v.SetDefault("proxy.health_window", 100)
	v.SetDefault("detail.max_concurrency", 5)
	v.SetDefault("detail.per_item_timeout", "45s")
	v.SetDefault("detail.per_item_retries", 2)
	v.SetDefault("detail.retry_delay", "2s")
	v.SetDefault("crawl.empty_page_threshold", 30)
	v.SetDefault("crawl.checkpoint_every", 1)
	v.SetDefault("crawl.category_concurrency", 1)
	v.SetDefault("crawl.max_pages", 0)
	v.SetDefault("crawl.prefilter_existing", false)
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.prefix", "payloads")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when the server is enabled")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.HTTP.RetryDelay < 0 {
		return fmt.Errorf("http.retry_delay must be >= 0")
	}
	if len(c.HTTP.UserAgents) == 0 {
		return fmt.Errorf("http.user_agents must not be empty")
	}
	if c.RateLimit.MinInterval < 0 {
		return fmt.Errorf("rate_limit.min_interval must be >= 0")
	}
	if c.Proxy.Enabled {
		if c.Proxy.Host == "" || c.Proxy.Port <= 0 {
			return fmt.Errorf("proxy.host and proxy.port must be set when the proxy is enabled")
		}
		if c.Proxy.RotationInterval <= 0 {
			return fmt.Errorf("proxy.rotation_interval must be > 0")
		}
	}
	if c.Detail.MaxConcurrency <= 0 {
		return fmt.Errorf("detail.max_concurrency must be > 0")
	}
	if c.Detail.PerItemTimeout <= 0 {
		return fmt.Errorf("detail.per_item_timeout must be > 0")
	}
	if c.Detail.PerItemRetries < 0 {
		return fmt.Errorf("detail.per_item_retries must be >= 0")
	}
	if c.Crawl.EmptyPageThreshold <= 0 {
		return fmt.Errorf("crawl.empty_page_threshold must be > 0")
	}
	if c.Crawl.CheckpointEvery <= 0 {
		return fmt.Errorf("crawl.checkpoint_every must be > 0")
	}
	if c.Crawl.CategoryConcurrency <= 0 {
		return fmt.Errorf("crawl.category_concurrency must be > 0")
	}
	if c.Crawl.MaxPages < 0 {
		return fmt.Errorf("crawl.max_pages must be >= 0")
	}
	switch c.Archive.Provider {
	case "", "none", "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set for the local provider")
		}
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set for the gcs provider")
		}
	default:
		return fmt.Errorf("unknown archive.provider %q", c.Archive.Provider)
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	for name, src := range c.Sources {
		if err := src.validate(); err != nil {
			return fmt.Errorf("sources.%s: %w", name, err)
		}
	}
	return nil
}

func (s SourceConfig) validate() error {
	switch strings.ToUpper(s.Method) {
	case "", http.MethodGet:
	case http.MethodPost:
		if s.BodyTemplate == "" {
			return fmt.Errorf("body_template must be set for POST sources")
		}
	default:
		return fmt.Errorf("unsupported method %q", s.Method)
	}
	if s.URLTemplate == "" {
		return fmt.Errorf("url_template must be set")
	}
	if len(s.Categories) == 0 {
		return fmt.Errorf("categories must include at least one entry")
	}
	if s.EmptyPageThreshold < 0 {
		return fmt.Errorf("empty_page_threshold must be >= 0")
	}
	if s.Parser.Item == "" {
		return fmt.Errorf("parser.item must be set")
	}
	if s.Detail.Enabled && s.Detail.URLTemplate == "" {
		return fmt.Errorf("detail.url_template must be set when detail is enabled")
	}
	return nil
}

// Source returns the named source or an error listing the known ones.
func (c Config) Source(name string) (SourceConfig, error) {
	src, ok := c.Sources[strings.ToLower(name)]
	if !ok {
		return SourceConfig{}, fmt.Errorf("unknown source %q (known: %s)", name, strings.Join(c.SourceNames(), ", "))
	}
	return src, nil
}

// SourceNames lists configured sources in a stable order.
func (c Config) SourceNames() []string {
	names := make([]string, 0, len(c.Sources))
	for name := range c.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EmptyPageThreshold resolves the per-source override against the crawl default.
func (c Config) EmptyPageThreshold(src SourceConfig) int {
	if src.EmptyPageThreshold > 0 {
		return src.EmptyPageThreshold
	}
	return c.Crawl.EmptyPageThreshold
}
