package activity

import (
	"strconv"
	"time"
)

// HTTPRequest describes one logical HTTP request as seen by the retrying client.
type HTTPRequest struct {
	Source     string
	URL        string
	Method     string
	StatusCode int
	Elapsed    time.Duration
	UsedProxy  bool
	ProxyHost  string
	Attempts   int
	// Err is empty on success.
	Err string
}

// SessionEnd summarises a finished crawl session.
type SessionEnd struct {
	Source       string
	SessionID    string
	Failed       bool
	PagesScraped int
	ItemsFound   int
	Elapsed      time.Duration
	Err          string
}

// Log is the observability hook every harvesting component reports through.
type Log interface {
	LogHTTPRequest(req HTTPRequest)
	LogParsing(source, category string, page, items int)
	LogDatabaseOp(source, operation string, items int)
	LogError(source, message string, fields map[string]string)
	LogProxyRotation(session int64, host string, port int)
	LogProxyFallback(source, url, reason string)
	LogSessionStart(source, sessionID string)
	LogSessionEnd(end SessionEnd)
}

// Recorder converts Log calls into Events.
type Recorder struct {
	emitter Emitter
	now     func() time.Time
}

var _ Log = (*Recorder)(nil)

// NewRecorder builds a Recorder emitting to em. A nil now uses time.Now in UTC.
func NewRecorder(em Emitter, now func() time.Time) *Recorder {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Recorder{emitter: em, now: now}
}

func (r *Recorder) emit(evt Event) {
	if r == nil || r.emitter == nil {
		return
	}
	evt.TS = r.now()
	r.emitter.Emit(evt)
}

// LogHTTPRequest records a completed or finally failed request.
func (r *Recorder) LogHTTPRequest(req HTTPRequest) {
	r.emit(Event{
		Kind:        KindHTTPRequest,
		Source:      req.Source,
		URL:         req.URL,
		Method:      req.Method,
		StatusCode:  req.StatusCode,
		StatusClass: ClassifyStatus(req.StatusCode),
		Dur:         req.Elapsed,
		UsedProxy:   req.UsedProxy,
		ProxyHost:   req.ProxyHost,
		Attempts:    req.Attempts,
		Message:     req.Err,
	})
}

// LogParsing records how many candidates a list page yielded.
func (r *Recorder) LogParsing(source, category string, page, items int) {
	r.emit(Event{Kind: KindParsing, Source: source, Category: category, Page: page, Items: items})
}

// LogDatabaseOp records a persistence call and the rows it touched.
func (r *Recorder) LogDatabaseOp(source, operation string, items int) {
	r.emit(Event{Kind: KindDatabaseOp, Source: source, Operation: operation, Items: items})
}

// LogError records a recovered error with free-form context.
func (r *Recorder) LogError(source, message string, fields map[string]string) {
	r.emit(Event{Kind: KindError, Source: source, Message: message, Fields: fields})
}

// LogProxyRotation records a proxy session change.
func (r *Recorder) LogProxyRotation(session int64, host string, port int) {
	r.emit(Event{
		Kind:      KindProxyRotation,
		ProxyHost: host,
		Fields: map[string]string{
			"session": strconv.FormatInt(session, 10),
			"port":    strconv.Itoa(port),
		},
	})
}

// LogProxyFallback records a request falling back from proxy to direct.
func (r *Recorder) LogProxyFallback(source, url, reason string) {
	r.emit(Event{Kind: KindProxyFallback, Source: source, URL: url, UsedProxy: true, Message: reason})
}

// LogSessionStart records a new crawl session.
func (r *Recorder) LogSessionStart(source, sessionID string) {
	r.emit(Event{Kind: KindSessionStart, Source: source, SessionID: sessionID})
}

// LogSessionEnd records the terminal state of a crawl session.
func (r *Recorder) LogSessionEnd(end SessionEnd) {
	kind := KindSessionDone
	if end.Failed {
		kind = KindSessionError
	}
	r.emit(Event{
		Kind:      kind,
		Source:    end.Source,
		SessionID: end.SessionID,
		Page:      end.PagesScraped,
		Items:     end.ItemsFound,
		Dur:       end.Elapsed,
		Message:   end.Err,
	})
}

// Nop discards every call.
type Nop struct{}

var _ Log = Nop{}

func (Nop) LogHTTPRequest(HTTPRequest) {}
func (Nop) LogParsing(string, string, int, int) {}
func (Nop) LogDatabaseOp(string, string, int) {}
func (Nop) LogError(string, string, map[string]string) {}
func (Nop) LogProxyRotation(int64, string, int) {}
func (Nop) LogProxyFallback(string, string, string) {}
func (Nop) LogSessionStart(string, string) {}
func (Nop) LogSessionEnd(SessionEnd) {}
