package crawler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// TemplatePager builds page requests from URL and body templates. The
// placeholders {category}, {page} and {offset} are substituted; {offset} is
// (page-1)*PageSize. A non-empty BodyTemplate turns the request into a POST
// unless Method says otherwise.
type TemplatePager struct {
	Method       string
	URLTemplate  string
	BodyTemplate string
	PageSize     int
	Header       http.Header
}

// NewTemplatePager validates the templates. At least one of them has to vary
// with the page, otherwise every page would repeat the first one.
func NewTemplatePager(method, urlTemplate, bodyTemplate string, pageSize int, header http.Header) (*TemplatePager, error) {
	if strings.TrimSpace(urlTemplate) == "" {
		return nil, errors.New("url template is required")
	}
	if !varies(urlTemplate) && !varies(bodyTemplate) {
		return nil, errors.New("url or body template must contain {page} or {offset}")
	}
	if strings.Contains(urlTemplate+bodyTemplate, "{offset}") && pageSize <= 0 {
		return nil, errors.New("page size is required when {offset} is used")
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
		if bodyTemplate != "" {
			method = http.MethodPost
		}
	}
	return &TemplatePager{
		Method:       method,
		URLTemplate:  urlTemplate,
		BodyTemplate: bodyTemplate,
		PageSize:     pageSize,
		Header:       header,
	}, nil
}

func varies(tmpl string) bool {
	return strings.Contains(tmpl, "{page}") || strings.Contains(tmpl, "{offset}")
}

// PageRequest renders the request for page (1-based) of category.
func (p *TemplatePager) PageRequest(category string, page int) (PageRequest, error) {
	if page < 1 {
		return PageRequest{}, fmt.Errorf("page must be >= 1, got %d", page)
	}
	pageStr := strconv.Itoa(page)
	offsetStr := strconv.Itoa((page - 1) * p.PageSize)

	rawURL := strings.NewReplacer(
		"{category}", url.QueryEscape(category),
		"{page}", pageStr,
		"{offset}", offsetStr,
	).Replace(p.URLTemplate)
	if _, err := url.Parse(rawURL); err != nil {
		return PageRequest{}, fmt.Errorf("render url: %w", err)
	}

	req := PageRequest{Method: p.Method, URL: rawURL}
	if p.Header != nil {
		req.Header = p.Header.Clone()
	}
	if p.BodyTemplate != "" {
		req.Body = []byte(strings.NewReplacer(
			"{category}", jsonEscape(category),
			"{page}", pageStr,
			"{offset}", offsetStr,
		).Replace(p.BodyTemplate))
	}
	return req, nil
}

// jsonEscape returns s escaped for use inside a JSON string literal.
func jsonEscape(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return s
	}
	return string(b[1 : len(b)-1])
}
