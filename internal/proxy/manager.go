package proxy

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/activity"
)

const (
	defaultUsernameTemplate = "{username}-session-{session}"
	defaultRotationInterval = 10
	defaultHealthWindow     = 100
)

// Config describes the upstream proxy.
type Config struct {
	Enabled  bool
	Host     string
	Port     int
	Username string
	Password string
	// UsernameTemplate embeds the session token; supports {username} and {session}.
	UsernameTemplate string
	// RotationInterval is the number of requests served per proxy session.
	RotationInterval int
	// HealthWindow bounds the recent latency and error buffers.
	HealthWindow int
}

// Credentials are the connection parameters for one request.
type Credentials struct {
	Host      string
	Port      int
	Username  string
	Password  string
	SessionID int64
}

// Addr returns host:port.
func (c Credentials) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// URL renders the credentials as an http proxy URL.
func (c Credentials) URL() *url.URL {
	u := &url.URL{Scheme: "http", Host: c.Addr()}
	if c.Username != "" || c.Password != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	return u
}

// ErrorRecord is one entry of the recent error buffer.
type ErrorRecord struct {
	At      time.Time
	Message string
	URL     string
}

// Stats is a point-in-time health snapshot.
type Stats struct {
	Enabled            bool
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	Rotations          int64
	CurrentSession     int64
	LastHost           string
	LastPort           int
	// SuccessRate is in [0,1]; zero when nothing was recorded.
	SuccessRate    float64
	AverageLatency time.Duration
	RecentErrors   []ErrorRecord
}

// Manager hands out rotating proxy credentials and tracks proxy health. It is
// safe for concurrent use.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	events activity.Log
	now    func() time.Time

	mu        sync.Mutex
	counter   int64
	session   int64
	rotations int64
	lastHost  string
	lastPort  int
	total     int64
	succeeded int64
	failed    int64
	latencies *ring[time.Duration]
	errors    *ring[ErrorRecord]
}

// NewManager builds a Manager. A disabled config yields a manager that always
// signals a direct connection.
func NewManager(cfg Config, logger *zap.Logger, events activity.Log) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = activity.Nop{}
	}
	if cfg.UsernameTemplate == "" {
		cfg.UsernameTemplate = defaultUsernameTemplate
	}
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = defaultRotationInterval
	}
	if cfg.HealthWindow <= 0 {
		cfg.HealthWindow = defaultHealthWindow
	}
	if cfg.Enabled && (cfg.Host == "" || cfg.Port <= 0) {
		logger.Warn("proxy enabled without host/port; using direct connections")
		cfg.Enabled = false
	}
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		events:    events,
		now:       func() time.Time { return time.Now().UTC() },
		latencies: newRing[time.Duration](cfg.HealthWindow),
		errors:    newRing[ErrorRecord](cfg.HealthWindow),
	}
}

// Enabled reports whether requests should be proxied.
func (m *Manager) Enabled() bool {
	return m != nil && m.cfg.Enabled
}

// NextCredentials returns credentials for the next request, or ok=false when
// the request should go direct. Each call counts as one issued request.
func (m *Manager) NextCredentials() (Credentials, bool) {
	if !m.Enabled() {
		return Credentials{}, false
	}

	m.mu.Lock()
	m.counter++
	session := m.counter / int64(m.cfg.RotationInterval)
	rotated := session != m.session
	if rotated {
		m.session = session
		m.rotations++
		m.lastHost = m.cfg.Host
		m.lastPort = m.cfg.Port
	}
	m.mu.Unlock()

	if rotated {
		m.logger.Info("proxy session rotated",
			zap.Int64("session", session),
			zap.String("host", m.cfg.Host),
			zap.Int("port", m.cfg.Port),
		)
		m.events.LogProxyRotation(session, m.cfg.Host, m.cfg.Port)
	}

	return Credentials{
		Host:      m.cfg.Host,
		Port:      m.cfg.Port,
		Username:  m.username(session),
		Password:  m.cfg.Password,
		SessionID: session,
	}, true
}

func (m *Manager) username(session int64) string {
	return strings.NewReplacer(
		"{username}", m.cfg.Username,
		"{session}", strconv.FormatInt(session, 10),
	).Replace(m.cfg.UsernameTemplate)
}

// RecordOutcome feeds one proxied request's result into the health counters.
func (m *Manager) RecordOutcome(success bool, elapsed time.Duration) {
	if !m.Enabled() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total++
	if success {
		m.succeeded++
	} else {
		m.failed++
	}
	if elapsed >= 0 {
		m.latencies.push(elapsed)
	}
}

// RecordError appends to the recent error buffer.
func (m *Manager) RecordError(message, rawURL string) {
	if !m.Enabled() {
		return
	}
	at := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors.push(ErrorRecord{At: at, Message: message, URL: rawURL})
}

// Stats returns a snapshot of the health counters.
func (m *Manager) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{
		Enabled:            m.cfg.Enabled,
		TotalRequests:      m.total,
		SuccessfulRequests: m.succeeded,
		FailedRequests:     m.failed,
		Rotations:          m.rotations,
		CurrentSession:     m.session,
		LastHost:           m.lastHost,
		LastPort:           m.lastPort,
		RecentErrors:       m.errors.values(),
	}
	if m.total > 0 {
		st.SuccessRate = float64(m.succeeded) / float64(m.total)
	}
	if lat := m.latencies.values(); len(lat) > 0 {
		var sum time.Duration
		for _, d := range lat {
			sum += d
		}
		st.AverageLatency = sum / time.Duration(len(lat))
	}
	return st
}

// Reset clears the health counters. Rotation state is kept so session ids
// never move backwards.
func (m *Manager) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = 0
	m.succeeded = 0
	m.failed = 0
	m.latencies.reset()
	m.errors.reset()
}
