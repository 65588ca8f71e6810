// Package detail fetches many independent detail pages with bounded
// concurrency. Each item has its own timeout and retry budget, and failures
// stay isolated to that item's Result.
package detail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/listing-harvester/internal/httpclient"
)

// ErrTimeout marks an attempt that lost the race against the per-item timeout.
var ErrTimeout = errors.New("detail fetch timed out")

const (
	defaultMaxConcurrency = 5
	defaultPerItemTimeout = 45 * time.Second
)

// Getter is the subset of httpclient.Client the fetcher needs.
type Getter interface {
	Get(ctx context.Context, rawURL string, header http.Header) (*httpclient.Response, error)
}

// Options bounds one FetchMany call.
type Options struct {
	MaxConcurrency int
	PerItemTimeout time.Duration
	// PerItemRetries is the number of retries after the first attempt.
	PerItemRetries int
	// RetryDelay is the linear backoff step: retry n waits RetryDelay*n.
	RetryDelay time.Duration
	Header     http.Header
}

// Result is the outcome for one item id.
type Result struct {
	ItemID  string
	Payload []byte
	Success bool
	Err     error
}

// Fetcher runs bounded fan-out over a Getter.
type Fetcher struct {
	getter Getter
	logger *zap.Logger
	pauser httpclient.Pauser
}

// NewFetcher builds a Fetcher. A nil pauser uses a real timer.
func NewFetcher(getter Getter, logger *zap.Logger, pauser httpclient.Pauser) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pauser == nil {
		pauser = httpclient.TimerPauser{}
	}
	return &Fetcher{getter: getter, logger: logger, pauser: pauser}
}

// FetchMany fetches every id concurrently, never exceeding MaxConcurrency
// in-flight requests. It returns exactly one Result per id, index-aligned with
// ids, once all of them have finished.
func (f *Fetcher) FetchMany(ctx context.Context, ids []string, urlFor func(string) string, opts Options) []Result {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = defaultMaxConcurrency
	}
	if opts.PerItemTimeout <= 0 {
		opts.PerItemTimeout = defaultPerItemTimeout
	}
	if opts.PerItemRetries < 0 {
		opts.PerItemRetries = 0
	}

	results := make([]Result, len(ids))
	sem := semaphore.NewWeighted(int64(opts.MaxConcurrency))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = f.fetchOne(ctx, sem, id, urlFor(id), opts)
		}()
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	f.logger.Debug("detail batch finished",
		zap.Int("items", len(ids)),
		zap.Int("failed", failed),
		zap.Int("max_concurrency", opts.MaxConcurrency),
	)
	return results
}

func (f *Fetcher) fetchOne(ctx context.Context, sem *semaphore.Weighted, id, rawURL string, opts Options) Result {
	var lastErr error
	for attempt := 0; attempt <= opts.PerItemRetries; attempt++ {
		if attempt > 0 {
			f.pauser.Pause(ctx, opts.RetryDelay*time.Duration(attempt))
		}
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		payload, err := f.attempt(ctx, sem, rawURL, opts)
		if err == nil {
			return Result{ItemID: id, Payload: payload, Success: true}
		}
		lastErr = err
		f.logger.Debug("detail attempt failed",
			zap.String("item_id", id),
			zap.String("url", rawURL),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return Result{ItemID: id, Err: lastErr}
}

// attempt holds a semaphore slot only across one network call and races that
// call against the per-item timeout.
func (f *Fetcher) attempt(ctx context.Context, sem *semaphore.Weighted, rawURL string, opts Options) ([]byte, error) {
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire slot: %w", err)
	}
	defer sem.Release(1)

	attemptCtx, cancel := context.WithTimeout(ctx, opts.PerItemTimeout)
	defer cancel()

	type outcome struct {
		body []byte
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := f.getter.Get(attemptCtx, rawURL, opts.Header)
		if err != nil {
			done <- outcome{err: err}
			return
		}
		done <- outcome{body: resp.Body}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-attemptCtx.Done():
		out.err = attemptCtx.Err()
	}
	switch {
	case out.err == nil:
		return out.body, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return nil, fmt.Errorf("%s: %w", rawURL, ErrTimeout)
	default:
		return nil, out.err
	}
}
