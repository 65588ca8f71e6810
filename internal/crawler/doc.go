// Package crawler drives paginated list crawls. A Controller walks each
// category page by page, deduplicates records, optionally enriches them with
// detail pages, persists them in batches and keeps a CrawlSession up to date
// until the category runs dry.
package crawler
