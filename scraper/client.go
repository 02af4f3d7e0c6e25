package scraper

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"estate_importer/httputil"
	"estate_importer/models"
)

// ErrNoSoldLink is returned when a property has no sold-history link and
// none can be derived from its address.
var ErrNoSoldLink = errors.New("no sold-history link")

// Archiver keeps raw pages that failed to parse.
type Archiver interface {
	Save(ctx context.Context, key string, body []byte) error
}

// Client performs the page-level operations the importer needs on top of a
// Fetcher: probing result counts, scraping stubs and reading sold pages.
type Client struct {
	fetcher httputil.Fetcher
	archive Archiver
	log     zerolog.Logger
}

func NewClient(fetcher httputil.Fetcher, archive Archiver, log zerolog.Logger) *Client {
	return &Client{fetcher: fetcher, archive: archive, log: log}
}

// Probe returns the total result count reported for q.
func (c *Client) Probe(ctx context.Context, q Query) (int, error) {
	pageURL := q.PageURL(0)
	page, err := c.fetcher.Get(ctx, pageURL)
	if err != nil {
		return 0, fmt.Errorf("probe: %w", err)
	}
	sp, err := ParseSearchPage(page)
	if err != nil {
		c.Archive(ctx, "search", strconv.Itoa(q.MinPrice)+"-"+strconv.Itoa(q.MaxPrice), page)
		return 0, fmt.Errorf("probe parse: %w", err)
	}
	return sp.Total, nil
}

// ScrapeStubs collects listing stubs for pages start..end (0-based, capped
// at MaxPageIndex). It stops at the first page with no results.
func (c *Client) ScrapeStubs(ctx context.Context, q Query, start, end int) ([]Stub, error) {
	if end > MaxPageIndex {
		end = MaxPageIndex
	}

	var stubs []Stub
	seen := make(map[int64]bool)
	for page := start; page <= end; page++ {
		if err := ctx.Err(); err != nil {
			return stubs, err
		}

		pageURL := q.PageURL(page)
		html, err := c.fetcher.Get(ctx, pageURL)
		if err != nil {
			return stubs, fmt.Errorf("results page %d: %w", page, err)
		}
		sp, err := ParseSearchPage(html)
		if err != nil {
			c.Archive(ctx, "search", fmt.Sprintf("%d-%d-p%d", q.MinPrice, q.MaxPrice, page), html)
			return stubs, fmt.Errorf("results page %d: %w", page, err)
		}
		if len(sp.Stubs) == 0 {
			break
		}

		for _, s := range sp.Stubs {
			if seen[s.ID] {
				continue
			}
			seen[s.ID] = true
			stubs = append(stubs, s)
		}
	}
	return stubs, nil
}

// Detail fetches and parses one listing page.
func (c *Client) Detail(ctx context.Context, pageURL string) (*models.Property, error) {
	html, err := c.fetcher.Get(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	p, err := ParseProperty(html, pageURL)
	if err != nil {
		id := pageURL
		if n, ok := ListingIDFromURL(pageURL); ok {
			id = strconv.FormatInt(n, 10)
		}
		c.Archive(ctx, "detail", id, html)
		return nil, err
	}
	return p, nil
}

// SoldPage fetches and parses one page of a sold-history link.
func (c *Client) SoldPage(ctx context.Context, link string, page int) (*SoldResults, error) {
	html, err := c.fetcher.Get(ctx, SoldPageURL(link, page))
	if err != nil {
		return nil, err
	}
	res, err := ParseSoldPage(html)
	if err != nil {
		c.Archive(ctx, "sold", fmt.Sprintf("%s-p%d", link, page), html)
		return nil, err
	}
	return res, nil
}

// Archive stores a page that could not be parsed. Failures are logged only.
func (c *Client) Archive(ctx context.Context, kind, id, page string) {
	if c.archive == nil {
		return
	}
	key := "failed/" + kind + "/" + sanitizeKey(id) + ".html"
	if err := c.archive.Save(ctx, key, []byte(page)); err != nil && !errors.Is(err, context.Canceled) {
		c.log.Warn().Err(err).Str("key", key).Msg("archive failed page")
	}
}

func sanitizeKey(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-', ch == '_', ch == '.':
			out = append(out, ch)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
