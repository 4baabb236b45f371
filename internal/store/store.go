// Package store owns all persistent pipeline state: ingested items with
// soft dedup, per-source watermarks, and the sent-item cache. Two backends
// implement the same contract: Postgres for deployments and an in-memory
// store for tests and DSN-less smoke runs.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arc-self/market-sentinel/internal/model"
)

var (
	// ErrBackend wraps storage-level failures that are fatal to a run.
	ErrBackend = errors.New("store backend failure")
)

// Options are the retention and dedup knobs, fixed at construction.
type Options struct {
	DedupWindow       time.Duration
	SentCacheTTL      time.Duration
	SentSummaryMax    int
	RetentionDays     int
	ActiveWindowHours int
}

// InsertResult summarises one batch insert.
type InsertResult struct {
	Inserted   int
	Duplicates int
	Skipped    int // items with invalid fields, counted and dropped
}

// PurgeStats counts what a purge pass removed.
type PurgeStats struct {
	Items       int64
	SentRecords int64
}

// Store is the persistence contract the pipeline runs against.
//
// Mutating operations are serialized per instance; Insert and MarkSent are
// atomic per batch. Reads never mutate state.
type Store interface {
	// Insert stamps ingested_at = now on each item, dedups by URL and by
	// content hash within the dedup window, and advances the per-source
	// watermark for every item actually inserted.
	Insert(ctx context.Context, now time.Time, items []model.Item) (InsertResult, error)

	// QueryWindow returns items with published_at in [now-hours, now],
	// ordered by published_at descending, id ascending as tiebreak.
	QueryWindow(ctx context.Context, now time.Time, hours int) ([]model.Item, error)

	// LatestTime returns the watermark for (source, kind), if any.
	LatestTime(ctx context.Context, source string, kind model.SourceKind) (time.Time, bool, error)

	// MarkSent records item ids in the sent cache. Idempotent.
	MarkSent(ctx context.Context, ids []string, at time.Time) error

	// SentSummary renders the non-expired sent records as a compact digest,
	// newest first, bounded by SentSummaryMax characters.
	SentSummary(ctx context.Context, now time.Time) (string, error)

	// Purge removes items outside both retention and the active window, and
	// expired sent records.
	Purge(ctx context.Context, now time.Time) (PurgeStats, error)

	Close()
}

// sentEntry is one row of the sent digest before formatting.
type sentEntry struct {
	Title  string
	SentAt time.Time
}

// buildSentSummary formats sent entries (already newest-first) into the
// digest handed to the analyzer prompt. When the budget runs out the oldest
// lines are the ones dropped, since we append newest first.
func buildSentSummary(entries []sentEntry, maxChars int) string {
	var b strings.Builder
	for _, e := range entries {
		line := fmt.Sprintf("- %s (%s)\n", e.Title, e.SentAt.UTC().Format(time.RFC1123Z))
		if b.Len()+len(line) > maxChars {
			break
		}
		b.WriteString(line)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// validateItem is the per-item gate shared by both backends. Invalid items
// are skipped and counted, never fail the batch.
func validateItem(it *model.Item) error {
	if it.ID == "" {
		return fmt.Errorf("empty id")
	}
	if !model.ValidItemURL(it.URL) {
		return fmt.Errorf("invalid url %q", it.URL)
	}
	if it.PublishedAt.IsZero() {
		return fmt.Errorf("zero published_at")
	}
	return nil
}
