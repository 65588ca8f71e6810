package activity

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies what an Event describes.
type Kind string

// Supported event kinds.
const (
	KindHTTPRequest   Kind = "http_request"
	KindParsing       Kind = "parsing"
	KindDatabaseOp    Kind = "db_op"
	KindError         Kind = "error"
	KindProxyRotation Kind = "proxy_rotation"
	KindProxyFallback Kind = "proxy_fallback"
	KindSessionStart  Kind = "session_start"
	KindSessionDone   Kind = "session_done"
	KindSessionError  Kind = "session_error"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Status classes tracked for HTTP request events.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event is a single activity record. Only the fields relevant to Kind are set.
type Event struct {
	TS        time.Time
	Kind      Kind
	Source    string
	SessionID string
	Category  string
	Page      int

	// HTTP request fields. URL must not carry credentials.
	URL         string
	Method      string
	StatusCode  int
	StatusClass StatusClass
	Dur         time.Duration
	UsedProxy   bool
	ProxyHost   string
	Attempts    int

	// Items counts parsed candidates or rows touched by a database operation.
	Items     int
	Operation string
	// Message holds error text or a short human note.
	Message string
	Fields  map[string]string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindHTTPRequest:
		if e.URL == "" || e.Method == "" {
			return errors.New("http request requires url and method")
		}
	case KindParsing:
		if e.Category == "" {
			return errors.New("parsing requires category")
		}
	case KindDatabaseOp:
		if e.Operation == "" {
			return errors.New("database op requires operation")
		}
	case KindError:
		if e.Message == "" {
			return errors.New("error requires message")
		}
	case KindProxyRotation, KindProxyFallback:
	case KindSessionStart, KindSessionDone, KindSessionError:
		if e.SessionID == "" {
			return errors.New("session event requires session id")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Items < 0 {
		return errors.New("items must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes. Zero means no response was received.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
