package crawler

import (
	"bytes"
	"context"
	"path"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/httpclient"
)

const defaultArchiveContentType = "text/html; charset=utf-8"

// archivePage stores the raw payload at
// [prefix/]<source>/<session>/<category>/<sha256>.html. Failures are logged
// and never affect the crawl.
func (c *Controller) archivePage(ctx context.Context, sessionID, category string, resp *httpclient.Response) {
	if c.archive == nil || resp == nil {
		return
	}
	digest, err := c.hasher.Hash(resp.Body)
	if err != nil {
		c.logger.Warn("archive hash failed", zap.String("url", resp.URL), zap.Error(err))
		return
	}
	objectPath := buildArchivePath(c.cfg.ArchivePrefix, c.cfg.Source, sessionID, category, digest)
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultArchiveContentType
	}
	uri, err := c.archive.PutObject(ctx, objectPath, contentType, bytes.NewReader(resp.Body))
	if err != nil {
		c.logger.Warn("archive write failed", zap.String("path", objectPath), zap.Error(err))
		c.events.LogError(c.cfg.Source, "archive write failed", map[string]string{
			"path":  objectPath,
			"error": err.Error(),
		})
		return
	}
	c.logger.Debug("page archived", zap.String("uri", uri))
}

func buildArchivePath(prefix, source, sessionID, category, digest string) string {
	return path.Join(prefix, source, sessionID, category, digest+".html")
}
