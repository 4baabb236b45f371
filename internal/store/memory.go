package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/market-sentinel/internal/model"
)

// Memory is the in-memory Store backend. Reader-writer discipline via
// RWMutex; the write lock is held only for the duration of one batch.
type Memory struct {
	mu sync.RWMutex

	opts   Options
	logger *zap.Logger

	items      map[string]model.Item // id -> item
	byURL      map[string]string     // canonical url -> id
	byHash     map[string][]string   // content hash -> ids (insertion order)
	watermarks map[string]time.Time  // source_name/kind -> max published_at
	sent       map[string]time.Time  // item id -> sent_at
}

// NewMemory builds an empty in-memory store.
func NewMemory(opts Options, logger *zap.Logger) *Memory {
	return &Memory{
		opts:       opts,
		logger:     logger,
		items:      make(map[string]model.Item),
		byURL:      make(map[string]string),
		byHash:     make(map[string][]string),
		watermarks: make(map[string]time.Time),
		sent:       make(map[string]time.Time),
	}
}

var _ Store = (*Memory)(nil)

func watermarkKey(source string, kind model.SourceKind) string {
	return source + "/" + string(kind)
}

func (m *Memory) Insert(ctx context.Context, now time.Time, items []model.Item) (InsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res InsertResult
	now = now.UTC()

	for _, it := range items {
		if err := validateItem(&it); err != nil {
			m.logger.Warn("skipping invalid item",
				zap.String("source", it.SourceName),
				zap.Error(err),
			)
			res.Skipped++
			continue
		}

		canonical := model.CanonicalURL(it.URL)
		if _, exists := m.byURL[canonical]; exists {
			res.Duplicates++
			continue
		}

		if dup := m.hashDuplicate(it.ContentHash, now); dup {
			res.Duplicates++
			continue
		}

		it.IngestedAt = now
		if clamped, did := model.ClampPublishedAt(it.PublishedAt, now); did {
			m.logger.Warn("published_at beyond clock skew, clamping",
				zap.String("item_id", it.ID),
				zap.Time("published_at", it.PublishedAt),
			)
			it.PublishedAt = clamped
		}

		m.items[it.ID] = it
		m.byURL[canonical] = it.ID
		m.byHash[it.ContentHash] = append(m.byHash[it.ContentHash], it.ID)

		key := watermarkKey(it.SourceName, it.SourceKind)
		if wm, ok := m.watermarks[key]; !ok || it.PublishedAt.After(wm) {
			m.watermarks[key] = it.PublishedAt
		}
		res.Inserted++
	}
	return res, nil
}

// hashDuplicate reports whether an item with the same content hash was
// ingested within the dedup window. Caller holds the write lock.
func (m *Memory) hashDuplicate(hash string, now time.Time) bool {
	cutoff := now.Add(-m.opts.DedupWindow)
	for _, id := range m.byHash[hash] {
		if prev, ok := m.items[id]; ok && prev.IngestedAt.After(cutoff) {
			return true
		}
	}
	return false
}

func (m *Memory) QueryWindow(ctx context.Context, now time.Time, hours int) ([]model.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start := now.Add(-time.Duration(hours) * time.Hour)
	var out []model.Item
	for _, it := range m.items {
		if !it.PublishedAt.Before(start) && !it.PublishedAt.After(now) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PublishedAt.Equal(out[j].PublishedAt) {
			return out[i].PublishedAt.After(out[j].PublishedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) LatestTime(ctx context.Context, source string, kind model.SourceKind) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wm, ok := m.watermarks[watermarkKey(source, kind)]
	return wm, ok, nil
}

func (m *Memory) MarkSent(ctx context.Context, ids []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		if _, already := m.sent[id]; !already {
			m.sent[id] = at.UTC()
		}
	}
	return nil
}

func (m *Memory) SentSummary(ctx context.Context, now time.Time) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := now.Add(-m.opts.SentCacheTTL)
	var entries []sentEntry
	for id, at := range m.sent {
		if !at.After(cutoff) {
			continue
		}
		title := "(purged item)"
		if it, ok := m.items[id]; ok {
			title = it.Title
		}
		entries = append(entries, sentEntry{Title: title, SentAt: at})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].SentAt.After(entries[j].SentAt) })
	return buildSentSummary(entries, m.opts.SentSummaryMax), nil
}

func (m *Memory) Purge(ctx context.Context, now time.Time) (PurgeStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats PurgeStats
	retention := now.AddDate(0, 0, -m.opts.RetentionDays)
	activeStart := now.Add(-time.Duration(m.opts.ActiveWindowHours) * time.Hour)

	for id, it := range m.items {
		if it.IngestedAt.Before(retention) && it.PublishedAt.Before(activeStart) {
			delete(m.items, id)
			delete(m.byURL, model.CanonicalURL(it.URL))
			stats.Items++
		}
	}

	sentCutoff := now.Add(-m.opts.SentCacheTTL)
	for id, at := range m.sent {
		if at.Before(sentCutoff) {
			delete(m.sent, id)
			stats.SentRecords++
		}
	}
	return stats, nil
}

func (m *Memory) Close() {}
