package crawler

import (
	"context"
	"fmt"
	"sync"
)

// sessionTracker serializes counter updates and checkpoint writes across
// concurrently crawled categories.
type sessionTracker struct {
	mu              sync.Mutex
	session         CrawlSession
	sinceCheckpoint int
}

func (t *sessionTracker) snapshot() CrawlSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

// recordPage counts a fetched page and its persisted items, writing a
// checkpoint every `every` pages. The write happens under the lock so
// checkpoints reach the store in order.
func (t *sessionTracker) recordPage(ctx context.Context, store Store, every, persisted int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session.PagesScraped++
	t.session.ItemsFound += persisted
	t.sinceCheckpoint++
	if every <= 0 || t.sinceCheckpoint < every {
		return nil
	}
	t.sinceCheckpoint = 0
	if err := store.UpdateSession(ctx, t.session.ID, t.session.update()); err != nil {
		return fmt.Errorf("checkpoint session %s: %w", t.session.ID, err)
	}
	return nil
}
