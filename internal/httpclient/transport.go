package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/JakeFAU/listing-harvester/internal/proxy"
)

// Doer performs one HTTP exchange. A nil creds means a direct connection.
type Doer interface {
	Do(req *http.Request, creds *proxy.Credentials) (*http.Response, error)
}

// Pauser sleeps between attempts; implementations return early when ctx ends.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration)
}

type credentialsKey struct{}

// netTransport routes each request through the proxy named in its context.
// Connections are pooled per proxy URL, so a new session username gets a new
// upstream connection.
type netTransport struct {
	client *http.Client
}

// NewTransport builds the default Doer on a shared http.Transport.
func NewTransport() Doer {
	transport := &http.Transport{
		Proxy: func(r *http.Request) (*url.URL, error) {
			if creds, ok := r.Context().Value(credentialsKey{}).(*proxy.Credentials); ok && creds != nil {
				return creds.URL(), nil
			}
			return nil, nil
		},
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	return &netTransport{client: &http.Client{Transport: transport}}
}

func (t *netTransport) Do(req *http.Request, creds *proxy.Credentials) (*http.Response, error) {
	if creds != nil {
		req = req.WithContext(context.WithValue(req.Context(), credentialsKey{}, creds))
	}
	return t.client.Do(req)
}

// TimerPauser sleeps on a timer and wakes early when ctx ends.
type TimerPauser struct{}

func (TimerPauser) Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
