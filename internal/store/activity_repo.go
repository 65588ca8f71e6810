package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ActivityRecord models one row of the activity_log table.
type ActivityRecord struct {
	At         time.Time
	Kind       string
	Source     string
	SessionID  string
	Category   string
	Page       int
	URL        string
	Method     string
	StatusCode int
	Duration   time.Duration
	UsedProxy  bool
	ProxyHost  string
	Attempts   int
	Items      int
	Operation  string
	Message    string
	Fields     map[string]string
}

// ActivityRepository persists activity rows.
type ActivityRepository interface {
	// AppendActivity writes the rows in one round trip.
	AppendActivity(ctx context.Context, rows []ActivityRecord) error
}
