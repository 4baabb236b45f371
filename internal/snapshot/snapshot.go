// Package snapshot acquires and caches the short market-context string the
// analyzer folds into its prompt.
package snapshot

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/market-sentinel/internal/llm"
	"github.com/arc-self/market-sentinel/internal/model"
)

const fetchTimeout = 60 * time.Second

const summaryPrompt = `Provide a concise snapshot of the current crypto market conditions:
overall direction, BTC and ETH price action, notable sector rotations, and any
macro events moving the market right now. Plain prose, under 200 words, no
headings or bullet lists.`

// Provider returns the current market snapshot, serving from cache within
// the TTL. Implemented by *Cached; tests substitute fakes.
type Provider interface {
	Get(ctx context.Context) model.MarketSnapshot
	Refresh(ctx context.Context) model.MarketSnapshot
}

// Cached wraps an LLM client with a TTL cache. The mutex guards only the
// cached value; it is never held across the LLM call, so concurrent misses
// may race to refresh and the last writer wins. That is acceptable: both
// results are equally fresh.
type Cached struct {
	client llm.Client
	mod    string
	ttl    time.Duration
	logger *zap.Logger

	mu     sync.Mutex
	cached model.MarketSnapshot
	now    func() time.Time
}

// NewCached builds a provider around the given client and snapshot model.
func NewCached(client llm.Client, mod string, ttl time.Duration, logger *zap.Logger) *Cached {
	return &Cached{
		client: client,
		mod:    mod,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

var _ Provider = (*Cached)(nil)

// Get returns the cached snapshot when it is still within the TTL,
// otherwise fetches a live one. On failure it returns an invalid fallback
// snapshot rather than an error; the pipeline degrades to "N/A".
func (c *Cached) Get(ctx context.Context) model.MarketSnapshot {
	c.mu.Lock()
	cached := c.cached
	now := c.now()
	c.mu.Unlock()

	if cached.Valid && now.Sub(cached.FetchedAt) < c.ttl {
		cached.Origin = model.SnapshotCached
		return cached
	}
	return c.Refresh(ctx)
}

// Refresh always fetches a live snapshot, bypassing the cache. Used by the
// /market command's fresh flag.
func (c *Cached) Refresh(ctx context.Context) model.MarketSnapshot {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	text, err := c.client.Complete(ctx, llm.Request{
		Model: c.mod,
		User:  summaryPrompt,
	})
	if err != nil {
		c.logger.Warn("market snapshot fetch failed", zap.Error(err))
		return model.MarketSnapshot{Origin: model.SnapshotFallback, Valid: false}
	}

	snap := model.MarketSnapshot{
		Text:      strings.TrimSpace(text),
		FetchedAt: c.now(),
		Origin:    model.SnapshotLive,
		Valid:     true,
	}

	c.mu.Lock()
	c.cached = snap
	c.mu.Unlock()
	return snap
}
