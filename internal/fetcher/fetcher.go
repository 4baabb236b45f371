// Package fetcher turns configured sources into normalized items behind a
// uniform contract. One implementation per source kind; a registry maps
// kind to implementation so new kinds are a single Register call.
package fetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/arc-self/market-sentinel/internal/config"
	"github.com/arc-self/market-sentinel/internal/model"
)

// Hints carries per-source state the coordinator computed before the fetch,
// currently the store watermark driving adaptive depth.
type Hints struct {
	Now          time.Time
	Watermark    time.Time
	HasWatermark bool
}

// Fetcher is the uniform source contract. Fetch never returns an error:
// the outcome, good or bad, is the CrawlResult.
type Fetcher interface {
	Kind() model.SourceKind
	Validate(src config.Source) error
	Fetch(ctx context.Context, src config.Source, windowHours int, hints Hints) ([]model.Item, model.CrawlResult)
}

// Registry maps source kinds to fetcher implementations.
type Registry struct {
	fetchers map[model.SourceKind]Fetcher
}

// NewRegistry builds a registry from the given fetchers.
func NewRegistry(fetchers ...Fetcher) *Registry {
	r := &Registry{fetchers: make(map[model.SourceKind]Fetcher, len(fetchers))}
	for _, f := range fetchers {
		r.fetchers[f.Kind()] = f
	}
	return r
}

// Register adds or replaces the fetcher for its kind.
func (r *Registry) Register(f Fetcher) {
	r.fetchers[f.Kind()] = f
}

// Lookup returns the fetcher for a kind.
func (r *Registry) Lookup(kind model.SourceKind) (Fetcher, bool) {
	f, ok := r.fetchers[kind]
	return f, ok
}

// ValidateSources checks every configured source against its fetcher.
func (r *Registry) ValidateSources(sources []config.Source) error {
	for i, src := range sources {
		f, ok := r.Lookup(model.SourceKind(src.Kind))
		if !ok {
			return fmt.Errorf("sources[%d] %q: no fetcher registered for kind %q", i, src.Name, src.Kind)
		}
		if err := f.Validate(src); err != nil {
			return fmt.Errorf("sources[%d] %q: %w", i, src.Name, err)
		}
	}
	return nil
}

// okResult and errResult build the two CrawlResult shapes.
func okResult(src config.Source, count int) model.CrawlResult {
	return model.CrawlResult{
		SourceName: src.Name,
		SourceKind: model.SourceKind(src.Kind),
		Status:     model.CrawlOK,
		ItemCount:  count,
	}
}

func errResult(src config.Source, err error) model.CrawlResult {
	return model.CrawlResult{
		SourceName:   src.Name,
		SourceKind:   model.SourceKind(src.Kind),
		Status:       model.CrawlError,
		ErrorMessage: err.Error(),
	}
}

// filterWindow drops items published outside [now-windowHours, now]. A skew
// allowance keeps slightly-future items so the store can clamp them instead
// of losing them.
func filterWindow(items []model.Item, now time.Time, windowHours int) []model.Item {
	start := now.Add(-time.Duration(windowHours) * time.Hour)
	end := now.Add(model.MaxClockSkew)
	out := items[:0]
	for _, it := range items {
		if it.PublishedAt.Before(start) || it.PublishedAt.After(end) {
			continue
		}
		out = append(out, it)
	}
	return out
}
