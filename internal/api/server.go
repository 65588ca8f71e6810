package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
	"github.com/JakeFAU/listing-harvester/internal/proxy"
	"github.com/JakeFAU/listing-harvester/internal/store"
)

// SessionReader reads persisted crawl sessions.
type SessionReader interface {
	GetSession(ctx context.Context, id string) (crawler.CrawlSession, error)
	ListSessions(ctx context.Context, source string, limit int) ([]crawler.CrawlSession, error)
}

// ProxyStatser exposes the proxy health snapshot.
type ProxyStatser interface {
	Stats() proxy.Stats
}

// ReadyCheck reports whether a dependency is usable.
type ReadyCheck func(ctx context.Context) error

// Options wires a Server. Registry is required; the rest may be nil.
type Options struct {
	Registry *prometheus.Registry
	Sessions SessionReader
	Proxy    ProxyStatser
	Ready    map[string]ReadyCheck
	// APIKey, when set, guards the /v1 routes via the X-API-Key header.
	APIKey string
	Logger *zap.Logger
}

// Server serves the ops endpoints.
type Server struct {
	router   chi.Router
	sessions SessionReader
	proxy    ProxyStatser
	ready    map[string]ReadyCheck
	logger   *zap.Logger
}

const (
	requestTimeout  = 30 * time.Second
	readyTimeout    = 3 * time.Second
	maxSessionLimit = 200
)

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, errors.New("metrics registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		sessions: opts.Sessions,
		proxy:    opts.Proxy,
		ready:    opts.Ready,
		logger:   logger,
	}
	metrics, err := newRouteMetrics(opts.Registry)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{Registry: opts.Registry}))

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Get("/sessions", s.listSessions)
		r.Get("/sessions/{session_id}", s.getSession)
		r.Get("/proxy", s.proxyStats)
	})

	s.router = r
	return s, nil
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ops server: %w", err)
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops server listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("ops server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("ops server shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.ready {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type sessionView struct {
	ID           string     `json:"id"`
	Source       string     `json:"source"`
	Categories   []string   `json:"categories"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	PagesScraped int        `json:"pages_scraped"`
	ItemsFound   int        `json:"items_found"`
	Error        string     `json:"error,omitempty"`
}

func toView(s crawler.CrawlSession) sessionView {
	return sessionView{
		ID:           s.ID,
		Source:       s.Source,
		Categories:   s.Categories,
		Status:       string(s.Status),
		StartedAt:    s.StartedAt,
		CompletedAt:  s.CompletedAt,
		PagesScraped: s.PagesScraped,
		ItemsFound:   s.ItemsFound,
		Error:        s.ErrorMessage,
	}
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusNotImplemented, "session store not configured")
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxSessionLimit {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxSessionLimit))
			return
		}
		limit = n
	}
	sessions, err := s.sessions.ListSessions(r.Context(), r.URL.Query().Get("source"), limit)
	if err != nil {
		s.logger.Error("list sessions failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	out := make([]sessionView, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, toView(session))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusNotImplemented, "session store not configured")
		return
	}
	id := chi.URLParam(r, "session_id")
	session, err := s.sessions.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("get session failed", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, toView(session))
}

type proxyView struct {
	Enabled          bool     `json:"enabled"`
	TotalRequests    int64    `json:"total_requests"`
	Successful       int64    `json:"successful_requests"`
	Failed           int64    `json:"failed_requests"`
	Rotations        int64    `json:"rotations"`
	CurrentSession   int64    `json:"current_session"`
	SuccessRate      float64  `json:"success_rate"`
	AverageLatencyMS int64    `json:"average_latency_ms"`
	RecentErrors     []string `json:"recent_errors"`
}

func (s *Server) proxyStats(w http.ResponseWriter, _ *http.Request) {
	if s.proxy == nil {
		writeJSON(w, http.StatusOK, proxyView{RecentErrors: []string{}})
		return
	}
	st := s.proxy.Stats()
	view := proxyView{
		Enabled:          st.Enabled,
		TotalRequests:    st.TotalRequests,
		Successful:       st.SuccessfulRequests,
		Failed:           st.FailedRequests,
		Rotations:        st.Rotations,
		CurrentSession:   st.CurrentSession,
		SuccessRate:      st.SuccessRate,
		AverageLatencyMS: st.AverageLatency.Milliseconds(),
		RecentErrors:     make([]string, 0, len(st.RecentErrors)),
	}
	for _, e := range st.RecentErrors {
		view.RecentErrors = append(view.RecentErrors, e.Message)
	}
	writeJSON(w, http.StatusOK, view)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
