// Package publisher defines the run-summary message sent when a crawl ends.
// Transports live in the memory and pubsub subpackages.
package publisher

import (
	"context"
	"time"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
	"github.com/JakeFAU/listing-harvester/internal/proxy"
)

// Publisher delivers a payload to a topic and returns the message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RunSummary is the JSON body of a run notification.
type RunSummary struct {
	SessionID    string     `json:"session_id"`
	Source       string     `json:"source"`
	Categories   []string   `json:"categories"`
	Status       string     `json:"status"`
	PagesScraped int        `json:"pages_scraped"`
	ItemsFound   int        `json:"items_found"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Error        string     `json:"error,omitempty"`
	Proxy        *ProxyInfo `json:"proxy,omitempty"`
}

// ProxyInfo is the proxy health part of a summary.
type ProxyInfo struct {
	Requests       int64   `json:"requests"`
	Rotations      int64   `json:"rotations"`
	SuccessRate    float64 `json:"success_rate"`
	AverageLatency float64 `json:"average_latency_ms"`
	RecentErrors   int     `json:"recent_errors"`
}

// NewRunSummary builds a summary from a finished session and, when proxying
// was enabled, the proxy stats.
func NewRunSummary(session crawler.CrawlSession, stats *proxy.Stats) RunSummary {
	s := RunSummary{
		SessionID:    session.ID,
		Source:       session.Source,
		Categories:   session.Categories,
		Status:       string(session.Status),
		PagesScraped: session.PagesScraped,
		ItemsFound:   session.ItemsFound,
		StartedAt:    session.StartedAt,
		CompletedAt:  session.CompletedAt,
		Error:        session.ErrorMessage,
	}
	if stats != nil && stats.Enabled {
		s.Proxy = &ProxyInfo{
			Requests:       stats.TotalRequests,
			Rotations:      stats.Rotations,
			SuccessRate:    stats.SuccessRate,
			AverageLatency: float64(stats.AverageLatency) / float64(time.Millisecond),
			RecentErrors:   len(stats.RecentErrors),
		}
	}
	return s
}

// Attributes are set on the transport message for subscription filtering.
func (s RunSummary) Attributes() map[string]string {
	return map[string]string{
		"source": s.Source,
		"status": s.Status,
	}
}
