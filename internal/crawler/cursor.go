package crawler

import (
	"github.com/cespare/xxhash/v2"
)

// categoryCursor is the per-category crawl position. It lives only for one Run.
type categoryCursor struct {
	category    string
	page        int
	emptyStreak int
	seen        map[string]struct{}
	requested   map[uint64]struct{}
}

func newCursor(category string) *categoryCursor {
	return &categoryCursor{
		category:  category,
		page:      1,
		seen:      make(map[string]struct{}),
		requested: make(map[uint64]struct{}),
	}
}

// markRequested reports false when an identical request was already issued
// for this category.
func (c *categoryCursor) markRequested(req PageRequest) bool {
	key := requestDigest(req)
	if _, dup := c.requested[key]; dup {
		return false
	}
	c.requested[key] = struct{}{}
	return true
}

// fresh returns the records whose ids have not been seen in this category and
// marks them seen. Records without an id are returned in dropped.
func (c *categoryCursor) fresh(records []Record) (out []Record, dropped int) {
	out = make([]Record, 0, len(records))
	for _, rec := range records {
		if rec.ID == "" {
			dropped++
			continue
		}
		if _, ok := c.seen[rec.ID]; ok {
			continue
		}
		c.seen[rec.ID] = struct{}{}
		out = append(out, rec)
	}
	return out, dropped
}

func requestDigest(req PageRequest) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(req.Method)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(req.URL)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(req.Body)
	return d.Sum64()
}
