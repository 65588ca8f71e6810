package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
	"github.com/JakeFAU/listing-harvester/internal/proxy"
	"github.com/JakeFAU/listing-harvester/internal/storage/memory"
)

type fakeProxy struct{ stats proxy.Stats }

func (f fakeProxy) Stats() proxy.Stats { return f.stats }

type failingSessions struct{}

func (failingSessions) GetSession(context.Context, string) (crawler.CrawlSession, error) {
	return crawler.CrawlSession{}, errors.New("db down")
}

func (failingSessions) ListSessions(context.Context, string, int) ([]crawler.CrawlSession, error) {
	return nil, errors.New("db down")
}

func newTestServer(t *testing.T, opts Options) (*Server, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	opts.Registry = reg
	opts.Logger = zap.NewNop()
	srv, err := NewServer(opts)
	require.NoError(t, err)
	return srv, reg
}

func serve(srv *Server, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func seedSessions(t *testing.T) *memory.ListingStore {
	t.Helper()
	st := memory.NewListingStore()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	for i, source := range []string{"boats", "jobs", "boats"} {
		id, err := st.CreateSession(ctx, crawler.CrawlSession{
			Source:    source,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
			Status:    crawler.SessionRunning,
		})
		require.NoError(t, err)
		done := base.Add(time.Duration(i)*time.Hour + time.Minute)
		require.NoError(t, st.UpdateSession(ctx, id, crawler.SessionUpdate{
			PagesScraped: 3,
			ItemsFound:   10 * (i + 1),
			Status:       crawler.SessionCompleted,
			CompletedAt:  &done,
		}))
	}
	return st
}

func TestNewServerRequiresRegistry(t *testing.T) {
	t.Parallel()

	_, err := NewServer(Options{})
	require.Error(t, err)
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Options{})
	rec := serve(srv, http.MethodGet, "/healthz", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Options{})
	rec := serve(srv, http.MethodGet, "/healthz", http.Header{"X-Request-Id": {"abc-123"}})

	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	ok, _ := newTestServer(t, Options{Ready: map[string]ReadyCheck{
		"db": func(context.Context) error { return nil },
	}})
	rec := serve(ok, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	failing, _ := newTestServer(t, Options{Ready: map[string]ReadyCheck{
		"db":    func(context.Context) error { return errors.New("connection refused") },
		"cache": func(context.Context) error { return nil },
	}})
	rec = serve(failing, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "unavailable", body.Status)
	require.Equal(t, map[string]string{"db": "connection refused"}, body.Checks)
}

func TestMetricsEndpointUsesInjectedRegistry(t *testing.T) {
	t.Parallel()

	srv, reg := newTestServer(t, Options{})
	sample := prometheus.NewCounter(prometheus.CounterOpts{Name: "harvester_sample_total", Help: "sample"})
	reg.MustRegister(sample)
	sample.Add(3)

	serve(srv, http.MethodGet, "/healthz", nil)
	rec := serve(srv, http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "harvester_sample_total 3")
	require.Contains(t, rec.Body.String(), `harvester_ops_http_requests_total{code="200",method="GET",route="/healthz"} 1`)
}

func TestRouteMetricsUsePattern(t *testing.T) {
	t.Parallel()

	srv, reg := newTestServer(t, Options{Sessions: seedSessions(t)})
	serve(srv, http.MethodGet, "/v1/sessions/session-1", nil)
	serve(srv, http.MethodGet, "/v1/sessions/session-2", nil)
	serve(srv, http.MethodGet, "/v1/sessions/missing", nil)

	expected := `
# HELP harvester_ops_http_requests_total Ops API requests by method, route and status code.
# TYPE harvester_ops_http_requests_total counter
harvester_ops_http_requests_total{code="200",method="GET",route="/v1/sessions/{session_id}"} 2
harvester_ops_http_requests_total{code="404",method="GET",route="/v1/sessions/{session_id}"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "harvester_ops_http_requests_total"))
}

func TestListSessions(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Options{Sessions: seedSessions(t)})

	rec := serve(srv, http.MethodGet, "/v1/sessions?source=boats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Sessions []sessionView `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 2)
	require.Equal(t, "session-3", body.Sessions[0].ID)
	require.Equal(t, "completed", body.Sessions[0].Status)
	require.Equal(t, 30, body.Sessions[0].ItemsFound)

	rec = serve(srv, http.MethodGet, "/v1/sessions?limit=1", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 1)
}

func TestListSessionsRejectsBadLimit(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Options{Sessions: seedSessions(t)})
	for _, limit := range []string{"0", "-1", "abc", "1000"} {
		rec := serve(srv, http.MethodGet, "/v1/sessions?limit="+limit, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", limit)
	}
}

func TestGetSession(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Options{Sessions: seedSessions(t)})

	rec := serve(srv, http.MethodGet, "/v1/sessions/session-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view sessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, "jobs", view.Source)
	require.NotNil(t, view.CompletedAt)

	rec = serve(srv, http.MethodGet, "/v1/sessions/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionStoreErrors(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Options{Sessions: failingSessions{}})
	require.Equal(t, http.StatusInternalServerError, serve(srv, http.MethodGet, "/v1/sessions", nil).Code)
	require.Equal(t, http.StatusInternalServerError, serve(srv, http.MethodGet, "/v1/sessions/x", nil).Code)

	bare, _ := newTestServer(t, Options{})
	require.Equal(t, http.StatusNotImplemented, serve(bare, http.MethodGet, "/v1/sessions", nil).Code)
}

func TestProxyStats(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Options{Proxy: fakeProxy{stats: proxy.Stats{
		Enabled:            true,
		TotalRequests:      10,
		SuccessfulRequests: 8,
		FailedRequests:     2,
		Rotations:          1,
		CurrentSession:     2,
		SuccessRate:        0.8,
		AverageLatency:     1500 * time.Millisecond,
		RecentErrors:       []proxy.ErrorRecord{{Message: "proxy refused", URL: "https://example.test"}},
	}}})

	rec := serve(srv, http.MethodGet, "/v1/proxy", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view proxyView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.True(t, view.Enabled)
	require.Equal(t, int64(1500), view.AverageLatencyMS)
	require.InDelta(t, 0.8, view.SuccessRate, 1e-9)
	require.Equal(t, []string{"proxy refused"}, view.RecentErrors)

	bare, _ := newTestServer(t, Options{})
	rec = serve(bare, http.MethodGet, "/v1/proxy", nil)
	require.JSONEq(t, `{"enabled":false,"total_requests":0,"successful_requests":0,"failed_requests":0,"rotations":0,"current_session":0,"success_rate":0,"average_latency_ms":0,"recent_errors":[]}`, rec.Body.String())
}

func TestAPIKeyGuardsV1Routes(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Options{APIKey: "secret", Sessions: seedSessions(t)})

	require.Equal(t, http.StatusForbidden, serve(srv, http.MethodGet, "/v1/sessions", nil).Code)
	require.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/v1/sessions", http.Header{"X-Api-Key": {"secret"}}).Code)
	require.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/healthz", nil).Code)
}

func TestListenAndServeReportsBusyPort(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	srv, _ := newTestServer(t, Options{})
	err = srv.ListenAndServe(context.Background(), ln.Addr().String())
	require.ErrorContains(t, err, "ops server")
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
