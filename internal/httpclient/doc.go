// Package httpclient issues logical GET/POST requests against unreliable,
// rate-limited sources. Each logical request takes one rate-limiter turn, then
// runs a plain retry loop with exponential backoff. Proxy credentials are
// requested per attempt; a proxy-looking transport failure triggers a single
// immediate retry over a direct connection that does not use up a retry slot.
package httpclient
