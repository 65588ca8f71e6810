package sinks

import (
	"context"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/listing-harvester/internal/activity"
)

// PrometheusSink exports harvester activity as Prometheus metrics.
type PrometheusSink struct {
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	httpRetries   *prometheus.CounterVec
	pagesParsed   *prometheus.CounterVec
	itemsParsed   *prometheus.CounterVec
	dbRows        *prometheus.CounterVec
	errors        *prometheus.CounterVec
	rotations     prometheus.Counter
	fallbacks     *prometheus.CounterVec
	sessionsStart *prometheus.CounterVec
	sessionsEnd   *prometheus.CounterVec
	sessionsLive  prometheus.Gauge
	sessionTime   *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_http_requests_total",
			Help: "Logical HTTP requests partitioned by source, status class and proxy use.",
		}, []string{"source", "method", "status_class", "proxy"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_http_request_duration_seconds",
			Help:    "Wall time per logical HTTP request including retries.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"source", "status_class"}),
		httpRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_http_retries_total",
			Help: "Attempts beyond the first per logical request.",
		}, []string{"source"}),
		pagesParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_pages_parsed_total",
			Help: "List pages handed to the parser.",
		}, []string{"source"}),
		itemsParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_items_parsed_total",
			Help: "Candidate records parsed from list pages.",
		}, []string{"source", "category"}),
		dbRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_db_rows_total",
			Help: "Rows touched by database operations.",
		}, []string{"source", "operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_errors_total",
			Help: "Recovered errors per source.",
		}, []string{"source"}),
		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_proxy_rotations_total",
			Help: "Proxy session rotations.",
		}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_proxy_fallbacks_total",
			Help: "Requests that fell back from proxy to direct connection.",
		}, []string{"source"}),
		sessionsStart: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_sessions_started_total",
			Help: "Crawl sessions started.",
		}, []string{"source"}),
		sessionsEnd: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_sessions_finished_total",
			Help: "Crawl sessions finished partitioned by result.",
		}, []string{"source", "result"}),
		sessionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_sessions_running",
			Help: "Crawl sessions currently running.",
		}),
		sessionTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_session_runtime_seconds",
			Help:    "Wall time per finished crawl session.",
			Buckets: []float64{10, 30, 60, 300, 600, 1800, 3600, 7200, 14400},
		}, []string{"source", "result"}),
	}
	for _, collector := range []prometheus.Collector{
		s.httpRequests,
		s.httpDuration,
		s.httpRetries,
		s.pagesParsed,
		s.itemsParsed,
		s.dbRows,
		s.errors,
		s.rotations,
		s.fallbacks,
		s.sessionsStart,
		s.sessionsEnd,
		s.sessionsLive,
		s.sessionTime,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register activity collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []activity.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt activity.Event) {
	source := evt.Source
	if source == "" {
		source = "unknown"
	}
	switch evt.Kind {
	case activity.KindHTTPRequest:
		class := string(evt.StatusClass)
		if class == "" {
			class = string(activity.StatusOther)
		}
		s.httpRequests.WithLabelValues(source, evt.Method, class, strconv.FormatBool(evt.UsedProxy)).Inc()
		if evt.Dur > 0 {
			s.httpDuration.WithLabelValues(source, class).Observe(evt.Dur.Seconds())
		}
		if evt.Attempts > 1 {
			s.httpRetries.WithLabelValues(source).Add(float64(evt.Attempts - 1))
		}
	case activity.KindParsing:
		s.pagesParsed.WithLabelValues(source).Inc()
		s.itemsParsed.WithLabelValues(source, evt.Category).Add(float64(evt.Items))
	case activity.KindDatabaseOp:
		s.dbRows.WithLabelValues(source, evt.Operation).Add(float64(evt.Items))
	case activity.KindError:
		s.errors.WithLabelValues(source).Inc()
	case activity.KindProxyRotation:
		s.rotations.Inc()
	case activity.KindProxyFallback:
		s.fallbacks.WithLabelValues(source).Inc()
	case activity.KindSessionStart:
		s.sessionsStart.WithLabelValues(source).Inc()
		s.sessionsLive.Inc()
	case activity.KindSessionDone, activity.KindSessionError:
		result := "completed"
		if evt.Kind == activity.KindSessionError {
			result = "failed"
		}
		s.sessionsEnd.WithLabelValues(source, result).Inc()
		s.sessionsLive.Dec()
		if evt.Dur > 0 {
			s.sessionTime.WithLabelValues(source, result).Observe(evt.Dur.Seconds())
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
