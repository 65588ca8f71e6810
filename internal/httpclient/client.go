package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/activity"
	"github.com/JakeFAU/listing-harvester/internal/proxy"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultBlockFactor    = 3
	defaultMaxErrorBody   = 1000
	maxBackoff            = 10 * time.Minute
	defaultAccept         = "text/html,application/xhtml+xml,application/xml;q=0.9,application/json;q=0.8,*/*;q=0.7"
	defaultAcceptLanguage = "fr-FR,fr;q=0.9,en-US;q=0.8,en;q=0.7"
	defaultContentType    = "application/json"
)

// Config controls retry, timeout and header behaviour.
type Config struct {
	// Source labels activity events.
	Source string
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// RetryDelay is the backoff base; attempt n waits RetryDelay*2^n.
	RetryDelay time.Duration
	// Timeout bounds a single attempt including reading the body.
	Timeout time.Duration
	// BlockDelayMultiplier scales the backoff base after a 403.
	BlockDelayMultiplier int
	// MaxErrorBody caps the response body kept on a StatusError.
	MaxErrorBody   int
	AcceptLanguage string
	UserAgents     []string
}

// Limiter spaces logical requests.
type Limiter interface {
	WaitTurn(ctx context.Context) error
}

// ProxySource issues per-attempt proxy credentials and collects proxy health.
type ProxySource interface {
	NextCredentials() (proxy.Credentials, bool)
	RecordOutcome(success bool, elapsed time.Duration)
	RecordError(message, rawURL string)
}

// Request is one logical request.
type Request struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
}

// Response is the successful outcome of a logical request.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	// Elapsed covers the whole logical request including backoff.
	Elapsed time.Duration
	// Attempts counts transport calls, including a fallback retry.
	Attempts  int
	UsedProxy bool
	ProxyHost string
	FellBack  bool
}

// Option customises a Client.
type Option func(*Client)

// WithTransport replaces the network transport.
func WithTransport(d Doer) Option {
	return func(c *Client) {
		if d != nil {
			c.transport = d
		}
	}
}

// WithPauser replaces the backoff sleeper.
func WithPauser(p Pauser) Option {
	return func(c *Client) {
		if p != nil {
			c.pauser = p
		}
	}
}

// Client performs logical requests with retries and proxy fallback. It is safe
// for concurrent use.
type Client struct {
	cfg       Config
	limiter   Limiter
	proxies   ProxySource
	events    activity.Log
	logger    *zap.Logger
	transport Doer
	pauser    Pauser
}

// New builds a Client. limiter and proxies may be nil.
func New(cfg Config, limiter Limiter, proxies ProxySource, events activity.Log, logger *zap.Logger, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BlockDelayMultiplier <= 0 {
		cfg.BlockDelayMultiplier = defaultBlockFactor
	}
	if cfg.MaxErrorBody <= 0 {
		cfg.MaxErrorBody = defaultMaxErrorBody
	}
	if cfg.AcceptLanguage == "" {
		cfg.AcceptLanguage = defaultAcceptLanguage
	}
	if events == nil {
		events = activity.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:       cfg,
		limiter:   limiter,
		proxies:   proxies,
		events:    events,
		logger:    logger,
		transport: NewTransport(),
		pauser:    TimerPauser{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get issues a logical GET.
func (c *Client) Get(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, URL: rawURL, Header: header})
}

// Post issues a logical POST.
func (c *Client) Post(ctx context.Context, rawURL string, body []byte, header http.Header) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPost, URL: rawURL, Body: body, Header: header})
}

// attemptState tracks one logical request across attempts.
type attemptState struct {
	calls     int
	fellBack  bool
	direct    bool
	usedProxy bool
	proxyHost string
}

// Do issues a logical request.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	start := time.Now()
	if c.limiter != nil {
		if err := c.limiter.WaitTurn(ctx); err != nil {
			return nil, &RequestError{Method: req.Method, URL: req.URL, Err: err}
		}
	}

	var (
		st        attemptState
		lastErr   error
		lastDelay time.Duration
	)
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		resp, err := c.try(ctx, req, &st)
		if err == nil {
			resp.Elapsed = time.Since(start)
			resp.Attempts = st.calls
			resp.FellBack = st.fellBack
			c.events.LogHTTPRequest(activity.HTTPRequest{
				Source:     c.cfg.Source,
				URL:        req.URL,
				Method:     req.Method,
				StatusCode: resp.StatusCode,
				Elapsed:    resp.Elapsed,
				UsedProxy:  resp.UsedProxy,
				ProxyHost:  resp.ProxyHost,
				Attempts:   st.calls,
			})
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		c.logger.Debug("request attempt failed",
			zap.String("method", req.Method),
			zap.String("url", req.URL),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if attempt == c.cfg.MaxRetries {
			break
		}
		delay := c.backoff(attempt, err)
		if delay < lastDelay {
			delay = lastDelay
		}
		lastDelay = delay
		c.pauser.Pause(ctx, delay)
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
	}

	return nil, c.fail(req, &st, start, lastErr)
}

// try runs one retry slot: a transport call, plus at most one immediate direct
// retry per logical request when a proxied call fails like a proxy problem.
func (c *Client) try(ctx context.Context, req Request, st *attemptState) (*Response, error) {
	var creds *proxy.Credentials
	if !st.direct && c.proxies != nil {
		if issued, ok := c.proxies.NextCredentials(); ok {
			creds = &issued
		}
	}

	resp, err := c.roundTrip(ctx, req, creds, st)
	if err == nil || creds == nil || st.fellBack || ctx.Err() != nil || !isProxyFailure(err) {
		return resp, err
	}

	st.fellBack = true
	st.direct = true
	c.proxies.RecordError(err.Error(), req.URL)
	c.events.LogProxyFallback(c.cfg.Source, req.URL, err.Error())
	c.logger.Warn("proxy failure, retrying direct",
		zap.String("url", req.URL),
		zap.String("proxy_host", creds.Host),
		zap.Error(err),
	)
	return c.roundTrip(ctx, req, nil, st)
}

// roundTrip performs one transport call under the per-attempt timeout and
// classifies the result.
func (c *Client) roundTrip(ctx context.Context, req Request, creds *proxy.Credentials, st *attemptState) (*Response, error) {
	st.calls++
	if creds != nil {
		st.usedProxy = true
		st.proxyHost = creds.Host
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := c.buildRequest(attemptCtx, req)
	if err != nil {
		return nil, err
	}

	began := time.Now()
	httpResp, err := c.transport.Do(httpReq, creds)
	if err != nil {
		c.recordProxy(creds, false, time.Since(began))
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	elapsed := time.Since(began)
	if err != nil {
		c.recordProxy(creds, false, elapsed)
		return nil, fmt.Errorf("read body %s: %w", req.URL, err)
	}

	if httpResp.StatusCode >= http.StatusBadRequest {
		c.recordProxy(creds, false, elapsed)
		return nil, &StatusError{
			Method:     req.Method,
			URL:        req.URL,
			StatusCode: httpResp.StatusCode,
			Body:       truncate(body, c.cfg.MaxErrorBody),
		}
	}

	c.recordProxy(creds, true, elapsed)
	resp := &Response{
		URL:        req.URL,
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Body:       body,
		UsedProxy:  creds != nil,
	}
	if creds != nil {
		resp.ProxyHost = creds.Host
	}
	return resp, nil
}

func (c *Client) recordProxy(creds *proxy.Credentials, success bool, elapsed time.Duration) {
	if creds == nil || c.proxies == nil {
		return
	}
	c.proxies.RecordOutcome(success, elapsed)
}

func (c *Client) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("User-Agent", c.userAgent())
	httpReq.Header.Set("Accept", defaultAccept)
	httpReq.Header.Set("Accept-Language", c.cfg.AcceptLanguage)
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", defaultContentType)
	}
	for key, values := range req.Header {
		httpReq.Header.Del(key)
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	return httpReq, nil
}

func (c *Client) userAgent() string {
	if len(c.cfg.UserAgents) == 0 {
		return "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	}
	return c.cfg.UserAgents[rand.IntN(len(c.cfg.UserAgents))]
}

// backoff returns RetryDelay*2^attempt, with the base scaled after a block.
// The result never exceeds maxBackoff.
func (c *Client) backoff(attempt int, err error) time.Duration {
	base := c.cfg.RetryDelay
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Blocked() {
		base *= time.Duration(c.cfg.BlockDelayMultiplier)
	}
	if base <= 0 {
		return 0
	}
	if base >= maxBackoff || attempt >= 63 || base > maxBackoff>>attempt {
		return maxBackoff
	}
	return base << attempt
}

func (c *Client) fail(req Request, st *attemptState, start time.Time, lastErr error) error {
	reqErr := &RequestError{Method: req.Method, URL: req.URL, Attempts: st.calls, Err: lastErr}
	if st.usedProxy && c.proxies != nil {
		c.proxies.RecordError(reqErr.Error(), req.URL)
	}
	c.events.LogHTTPRequest(activity.HTTPRequest{
		Source:     c.cfg.Source,
		URL:        req.URL,
		Method:     req.Method,
		StatusCode: reqErr.StatusCode(),
		Elapsed:    time.Since(start),
		UsedProxy:  st.usedProxy,
		ProxyHost:  st.proxyHost,
		Attempts:   st.calls,
		Err:        lastErr.Error(),
	})
	c.logger.Warn("request failed",
		zap.String("method", req.Method),
		zap.String("url", req.URL),
		zap.Int("attempts", st.calls),
		zap.Error(lastErr),
	)
	return reqErr
}

func truncate(body []byte, limit int) string {
	if len(body) > limit {
		body = body[:limit]
	}
	return strings.ToValidUTF8(string(body), "")
}
