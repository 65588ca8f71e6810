package crawler

import (
	"net/http"
	"time"
)

// SessionStatus is the lifecycle state of a CrawlSession.
type SessionStatus string

// Session states.
const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Record is one harvested listing.
type Record struct {
	ID        string
	Source    string
	Category  string
	URL       string
	Title     string
	Fields    map[string]string
	ScrapedAt time.Time
}

// PartialRecord carries the attributes a detail page adds to a Record.
type PartialRecord struct {
	Title  string
	Fields map[string]string
}

// Merge overlays non-empty detail attributes onto the record.
func (r *Record) Merge(p PartialRecord) {
	if p.Title != "" {
		r.Title = p.Title
	}
	if len(p.Fields) == 0 {
		return
	}
	if r.Fields == nil {
		r.Fields = make(map[string]string, len(p.Fields))
	}
	for k, v := range p.Fields {
		r.Fields[k] = v
	}
}

// PageContext tells a Parser where a payload came from.
type PageContext struct {
	Source   string
	Category string
	Page     int
	URL      string
}

// PageRequest is a fully-qualified list page request.
type PageRequest struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
}

// CrawlSession is the persisted summary of one Run.
type CrawlSession struct {
	ID           string
	Source       string
	Categories   []string
	StartedAt    time.Time
	CompletedAt  *time.Time
	PagesScraped int
	ItemsFound   int
	Status       SessionStatus
	ErrorMessage string
}

// SessionUpdate is written on every checkpoint and on completion.
type SessionUpdate struct {
	PagesScraped int
	ItemsFound   int
	Status       SessionStatus
	ErrorMessage string
	CompletedAt  *time.Time
}

func (s CrawlSession) update() SessionUpdate {
	return SessionUpdate{
		PagesScraped: s.PagesScraped,
		ItemsFound:   s.ItemsFound,
		Status:       s.Status,
		ErrorMessage: s.ErrorMessage,
		CompletedAt:  s.CompletedAt,
	}
}
