package fetcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/market-sentinel/internal/config"
	"github.com/arc-self/market-sentinel/internal/model"
)

// XRecord is one parsed post returned by the external X CLI.
type XRecord struct {
	Text     string
	URL      string
	PostedAt time.Time
}

// XRunner is the opaque capability wrapping the external CLI. The exec
// implementation lives in internal/xtool.
type XRunner interface {
	Run(ctx context.Context, profileURL string, pages int) ([]XRecord, error)
}

// X fetches posts via the external CLI, scaling page depth to how far the
// source's watermark lags behind now. The watermark controls fetch cost;
// the analysis window is the store's concern.
type X struct {
	runner XRunner
	cfg    config.XConfig
	logger *zap.Logger
}

// NewX builds the X fetcher.
func NewX(runner XRunner, cfg config.XConfig, logger *zap.Logger) *X {
	return &X{runner: runner, cfg: cfg, logger: logger}
}

func (f *X) Kind() model.SourceKind { return model.SourceKindX }

func (f *X) Validate(src config.Source) error {
	if src.ProfileURL == "" {
		return fmt.Errorf("profile_url is required for x sources")
	}
	if !model.ValidItemURL(src.ProfileURL) {
		return fmt.Errorf("profile_url %q is not an absolute http(s) URL", src.ProfileURL)
	}
	return nil
}

// Pages computes the adaptive fetch depth:
//
//	pages = min(ceil(hours_since_watermark / page_hour_unit), max_pages_limit)
//
// With no watermark the configured default_fetch_hours stands in, which
// with default settings resolves to the page cap. Computed in UTC.
func (f *X) Pages(now time.Time, watermark time.Time, hasWatermark bool) int {
	hours := float64(f.cfg.DefaultFetchHours)
	if hasWatermark {
		hours = now.UTC().Sub(watermark.UTC()).Hours()
	}

	pages := int(hours) / f.cfg.PageHourUnit
	if float64(pages*f.cfg.PageHourUnit) < hours {
		pages++ // ceiling
	}
	if pages > f.cfg.MaxPagesLimit {
		pages = f.cfg.MaxPagesLimit
	}
	if pages < 1 {
		pages = 1
	}
	return pages
}

func (f *X) Fetch(ctx context.Context, src config.Source, windowHours int, hints Hints) ([]model.Item, model.CrawlResult) {
	pages := f.Pages(hints.Now, hints.Watermark, hints.HasWatermark)

	f.logger.Debug("x fetch depth",
		zap.String("source", src.Name),
		zap.Int("pages", pages),
		zap.Bool("has_watermark", hints.HasWatermark),
	)

	toolCtx, cancel := context.WithTimeout(ctx, time.Duration(f.cfg.ToolTimeoutSeconds)*time.Second)
	defer cancel()

	records, err := f.runner.Run(toolCtx, src.ProfileURL, pages)
	if err != nil {
		return nil, errResult(src, fmt.Errorf("x tool: %w", err))
	}

	now := hints.Now
	var items []model.Item
	skipped := 0
	for _, rec := range records {
		if rec.URL == "" || rec.PostedAt.IsZero() {
			skipped++
			continue
		}
		it, _ := model.NewItem(src.Name, model.SourceKindX,
			postTitle(rec.Text), rec.Text, rec.URL, rec.PostedAt, now)
		items = append(items, it)
	}
	if skipped > 0 {
		f.logger.Warn("x records skipped for missing url or time",
			zap.String("source", src.Name),
			zap.Int("skipped", skipped),
		)
	}

	items = filterWindow(items, now, windowHours)
	return items, okResult(src, len(items))
}

// postTitle derives a title from the post text: first line, bounded.
func postTitle(text string) string {
	line := text
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	runes := []rune(strings.TrimSpace(line))
	if len(runes) > 80 {
		return string(runes[:77]) + "..."
	}
	return string(runes)
}
