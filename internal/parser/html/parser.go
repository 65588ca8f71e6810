// Package html is a selector-driven parser for HTML list and detail pages.
//
// Selectors use CSS syntax. A selector may end in "@attr" to read an
// attribute instead of the element text, e.g. "a.title@href".
package html

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
)

// Config holds the selectors for one source.
type Config struct {
	// Item matches one listing on a list page.
	Item string
	// IDAttr reads the id from an attribute of the item element.
	IDAttr string
	// IDSelector reads the id from within the item; used when IDAttr is empty
	// or missing on an element.
	IDSelector string
	// Link locates the detail link within the item. Defaults to "a@href".
	Link  string
	Title string
	// Fields maps field names to selectors evaluated within each item.
	Fields map[string]string
	// DetailFields maps field names to selectors evaluated on a detail page.
	DetailFields map[string]string
	// DetailTitle is the title selector on a detail page.
	DetailTitle string
}

// Parser implements crawler.Parser and crawler.DetailParser.
type Parser struct {
	cfg Config
}

var (
	_ crawler.Parser       = (*Parser)(nil)
	_ crawler.DetailParser = (*Parser)(nil)
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// New validates cfg and builds a Parser.
func New(cfg Config) (*Parser, error) {
	if strings.TrimSpace(cfg.Item) == "" {
		return nil, errors.New("item selector is required")
	}
	if cfg.Link == "" {
		cfg.Link = "a@href"
	}
	return &Parser{cfg: cfg}, nil
}

// ParseListPage returns one record per matched item. Items without a
// resolvable id are skipped.
func (p *Parser) ParseListPage(payload []byte, page crawler.PageContext) ([]crawler.Record, error) {
	doc, err := document(payload)
	if err != nil {
		return nil, err
	}
	base, _ := url.Parse(page.URL)

	var records []crawler.Record
	doc.Find(p.cfg.Item).Each(func(_ int, item *goquery.Selection) {
		link := resolve(base, extract(item, p.cfg.Link))
		id := p.itemID(item, link)
		if id == "" {
			return
		}
		rec := crawler.Record{
			ID:       id,
			Source:   page.Source,
			Category: page.Category,
			URL:      link,
			Title:    extract(item, p.cfg.Title),
		}
		if len(p.cfg.Fields) > 0 {
			rec.Fields = make(map[string]string, len(p.cfg.Fields))
			for name, sel := range p.cfg.Fields {
				if v := extract(item, sel); v != "" {
					rec.Fields[name] = v
				}
			}
		}
		records = append(records, rec)
	})
	return records, nil
}

// ParseDetailPage reads the detail title and fields from a whole document.
func (p *Parser) ParseDetailPage(payload []byte, id string) (crawler.PartialRecord, error) {
	doc, err := document(payload)
	if err != nil {
		return crawler.PartialRecord{}, fmt.Errorf("detail %s: %w", id, err)
	}
	root := doc.Selection
	out := crawler.PartialRecord{Title: extract(root, p.cfg.DetailTitle)}
	if len(p.cfg.DetailFields) > 0 {
		out.Fields = make(map[string]string, len(p.cfg.DetailFields))
		for name, sel := range p.cfg.DetailFields {
			if v := extract(root, sel); v != "" {
				out.Fields[name] = v
			}
		}
	}
	return out, nil
}

func (p *Parser) itemID(item *goquery.Selection, link string) string {
	if p.cfg.IDAttr != "" {
		if v, ok := item.Attr(p.cfg.IDAttr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	if p.cfg.IDSelector != "" {
		if v := extract(item, p.cfg.IDSelector); v != "" {
			return v
		}
	}
	if p.cfg.IDAttr == "" && p.cfg.IDSelector == "" && link != "" {
		return lastSegment(link)
	}
	return ""
}

// document decodes payload to UTF-8 and parses it.
func document(payload []byte) (*goquery.Document, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, errors.New("empty payload")
	}
	data := payload
	if !utf8.Valid(payload) {
		enc, _, _ := charset.DetermineEncoding(payload, "")
		decoded, err := enc.NewDecoder().Bytes(payload)
		if err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		data = decoded
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// extract evaluates "selector" or "selector@attr" within sel. An empty
// selector part means sel itself.
func extract(sel *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	css, attr, hasAttr := strings.Cut(selector, "@")
	target := sel
	if css = strings.TrimSpace(css); css != "" {
		target = sel.Find(css).First()
	}
	if target.Length() == 0 {
		return ""
	}
	if hasAttr {
		return strings.TrimSpace(target.AttrOr(strings.TrimSpace(attr), ""))
	}
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(target.Text(), " "))
}

func resolve(base *url.URL, href string) string {
	if href == "" || base == nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

func lastSegment(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	path := strings.TrimRight(u.Path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		path = path[i+1:]
	}
	return path
}
