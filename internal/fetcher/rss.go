package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/arc-self/market-sentinel/internal/config"
	"github.com/arc-self/market-sentinel/internal/model"
)

// RSS fetches RSS 2.0 and Atom feeds. gofeed handles both formats and
// charset autodetection; the HTTP layer stays here so 429/5xx outcomes can
// feed the retry policy.
type RSS struct {
	client *http.Client
	logger *zap.Logger
}

// NewRSS builds the RSS fetcher with the configured HTTP timeout.
func NewRSS(timeout time.Duration, logger *zap.Logger) *RSS {
	return &RSS{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (f *RSS) Kind() model.SourceKind { return model.SourceKindRSS }

func (f *RSS) Validate(src config.Source) error {
	if src.FeedURL == "" {
		return fmt.Errorf("feed_url is required for rss sources")
	}
	if !model.ValidItemURL(src.FeedURL) {
		return fmt.Errorf("feed_url %q is not an absolute http(s) URL", src.FeedURL)
	}
	return nil
}

func (f *RSS) Fetch(ctx context.Context, src config.Source, windowHours int, hints Hints) ([]model.Item, model.CrawlResult) {
	var feed *gofeed.Feed

	err := retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.FeedURL, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("User-Agent", "market-sentinel/1.0")

		resp, err := f.client.Do(req)
		if err != nil {
			return &TransientError{Err: fmt.Errorf("fetch feed: %w", err)}
		}
		defer resp.Body.Close()

		if err := classifyStatus(resp); err != nil {
			return err
		}

		parsed, err := gofeed.NewParser().Parse(resp.Body)
		if err != nil {
			return fmt.Errorf("parse feed: %w", err)
		}
		feed = parsed
		return nil
	})
	if err != nil {
		return nil, errResult(src, err)
	}

	now := hints.Now
	var items []model.Item
	dropped := 0
	for _, entry := range feed.Items {
		published := entryTime(entry)
		if entry.Link == "" || published == nil {
			dropped++
			continue
		}
		body := entry.Content
		if body == "" {
			body = entry.Description
		}
		it, clamped := model.NewItem(src.Name, model.SourceKindRSS,
			entry.Title, body, entry.Link, *published, now)
		if clamped {
			f.logger.Warn("rss entry published in the future, clamped",
				zap.String("source", src.Name),
				zap.String("url", entry.Link),
			)
		}
		items = append(items, it)
	}
	if dropped > 0 {
		f.logger.Warn("rss entries dropped for missing link or publish time",
			zap.String("source", src.Name),
			zap.Int("dropped", dropped),
		)
	}

	items = filterWindow(items, now, windowHours)
	return items, okResult(src, len(items))
}

// entryTime picks the entry's publish instant, falling back to the update
// time for Atom feeds that only carry <updated>.
func entryTime(entry *gofeed.Item) *time.Time {
	if entry.PublishedParsed != nil {
		return entry.PublishedParsed
	}
	return entry.UpdatedParsed
}

// classifyStatus maps an HTTP response status onto the retry taxonomy.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("HTTP 429"),
		}
	case resp.StatusCode >= 500:
		return &TransientError{Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		// Auth and client errors are not retried.
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
