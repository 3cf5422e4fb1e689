// Package source implements the upstream polling adapters. Each
// adapter turns one poll cycle into a finite batch of raw items plus a
// new cursor; it knows nothing about dedup or delivery.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"transit_relay/internal/model"
)

const maxBodyBytes = 5 * 1024 * 1024

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Adapter polls one upstream source. Poll must be safe to retry: a
// transient failure returns an error and the unchanged cursor, and the
// scheduler keeps the cadence.
type Adapter interface {
	Poll(ctx context.Context, src model.Source) (items []model.RawItem, next string, err error)
}

// ForKind returns the adapter for a source kind.
func ForKind(kind model.SourceKind, client HTTPClient) (Adapter, error) {
	switch kind {
	case model.SourceScrape:
		return &ScrapeAdapter{fetcher: newFetcher(client)}, nil
	case model.SourceFeed:
		return &FeedAdapter{fetcher: newFetcher(client)}, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", kind)
	}
}

type fetcher struct {
	client  HTTPClient
	timeout time.Duration
}

func newFetcher(client HTTPClient) *fetcher {
	return &fetcher{client: client, timeout: 30 * time.Second}
}

// fetch downloads and parses a feed document from the given URL.
func (f *fetcher) fetch(ctx context.Context, url string) (*gofeed.Feed, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "TransitRelay/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	parser := gofeed.NewParser()
	feed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}

// rawItems converts parsed feed entries into raw items, oldest first so
// downstream delivery preserves publication order.
func rawItems(sourceID int64, feed *gofeed.Feed) []model.RawItem {
	items := make([]model.RawItem, 0, len(feed.Items))
	for i := len(feed.Items) - 1; i >= 0; i-- {
		item := feed.Items[i]
		raw := model.RawItem{
			SourceID:   sourceID,
			ExternalID: item.GUID,
			Title:      item.Title,
			Content:    item.Description,
			Link:       item.Link,
		}
		if item.Author != nil {
			raw.Author = item.Author.Name
		}
		if item.PublishedParsed != nil {
			raw.PublishedAt = *item.PublishedParsed
		}
		items = append(items, raw)
	}
	return items
}

// newestExternalID picks the cursor value for the next cycle: the
// external id of the newest entry, or the previous cursor when the poll
// came back empty.
func newestExternalID(items []model.RawItem, prev string) string {
	if len(items) == 0 {
		return prev
	}
	last := items[len(items)-1]
	if id := strings.TrimSpace(last.ExternalID); id != "" {
		return id
	}
	if last.Link != "" {
		return last.Link
	}
	return prev
}

// ScrapeAdapter reads the rendered RSS endpoint of a scraped social
// timeline. The endpoint is the scraper base URL; the source name is
// the account whose timeline is rendered.
type ScrapeAdapter struct {
	fetcher *fetcher
}

// Poll fetches <endpoint>/<name>/rss and returns its entries.
func (a *ScrapeAdapter) Poll(ctx context.Context, src model.Source) ([]model.RawItem, string, error) {
	url := fmt.Sprintf("%s/%s/rss", strings.TrimRight(src.Endpoint, "/"), src.Name)
	feed, err := a.fetcher.fetch(ctx, url)
	if err != nil {
		return nil, src.Cursor, fmt.Errorf("poll scrape source %q: %w", src.Name, err)
	}
	items := rawItems(src.ID, feed)
	return items, newestExternalID(items, src.Cursor), nil
}

// FeedAdapter reads a plain syndication feed URL.
type FeedAdapter struct {
	fetcher *fetcher
}

// Poll fetches the source endpoint and returns its entries.
func (a *FeedAdapter) Poll(ctx context.Context, src model.Source) ([]model.RawItem, string, error) {
	feed, err := a.fetcher.fetch(ctx, src.Endpoint)
	if err != nil {
		return nil, src.Cursor, fmt.Errorf("poll feed source %q: %w", src.Name, err)
	}
	items := rawItems(src.ID, feed)
	return items, newestExternalID(items, src.Cursor), nil
}
