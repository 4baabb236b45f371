// Package model holds the domain types shared across the ingestion and
// analysis pipeline: items, crawl outcomes, analysis results, run reports,
// and the execution bookkeeping the coordinator maintains.
package model

import (
	"time"
)

// SourceKind discriminates fetcher implementations.
type SourceKind string

const (
	SourceKindRSS  SourceKind = "rss"
	SourceKindX    SourceKind = "x"
	SourceKindREST SourceKind = "rest"
)

// Item is one unit of ingested content. Immutable after insertion.
type Item struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	URL         string     `json:"url"`
	PublishedAt time.Time  `json:"published_at"`
	SourceName  string     `json:"source_name"`
	SourceKind  SourceKind `json:"source_kind"`
	ContentHash string     `json:"content_hash"`
	IngestedAt  time.Time  `json:"ingested_at"`
}

// CrawlStatus is the per-source outcome of one fetch.
type CrawlStatus string

const (
	CrawlOK    CrawlStatus = "ok"
	CrawlError CrawlStatus = "error"
)

// CrawlResult reports how a single source fared during a run.
type CrawlResult struct {
	SourceName   string      `json:"source_name"`
	SourceKind   SourceKind  `json:"source_kind"`
	Status       CrawlStatus `json:"status"`
	ItemCount    int         `json:"item_count"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// AnalysisResult is one entry emitted by the LLM for an item that survived
// filtering. Category is dynamic, not a closed enum.
type AnalysisResult struct {
	Time           string   `json:"time"`
	Category       string   `json:"category"`
	WeightScore    int      `json:"weight_score"`
	Title          string   `json:"title"`
	Body           string   `json:"body"`
	Source         string   `json:"source"`
	RelatedSources []string `json:"related_sources"`
}

// RunReport is the full input to the reporter for one run.
type RunReport struct {
	WindowStart     time.Time
	WindowEnd       time.Time
	GeneratedAt     time.Time
	CrawlResults    []CrawlResult
	AnalysisResults []AnalysisResult
}

// Categories returns the distinct categories present in the analysis
// results, in first-seen order.
func (r *RunReport) Categories() []string {
	seen := make(map[string]struct{}, len(r.AnalysisResults))
	var out []string
	for _, ar := range r.AnalysisResults {
		if _, ok := seen[ar.Category]; ok {
			continue
		}
		seen[ar.Category] = struct{}{}
		out = append(out, ar.Category)
	}
	return out
}

// SnapshotOrigin tells where a market snapshot came from.
type SnapshotOrigin string

const (
	SnapshotLive     SnapshotOrigin = "live"
	SnapshotCached   SnapshotOrigin = "cached"
	SnapshotFallback SnapshotOrigin = "fallback"
)

// MarketSnapshot is the short-lived textual market-context string the
// analyzer folds into its prompt. Text is opaque to the pipeline.
type MarketSnapshot struct {
	Text      string
	FetchedAt time.Time
	Origin    SnapshotOrigin
	Valid     bool
}

// SentRecord marks an item as already reported.
type SentRecord struct {
	ItemID string
	SentAt time.Time
}

// ChatKind mirrors the messenger's chat taxonomy.
type ChatKind string

const (
	ChatPrivate    ChatKind = "private"
	ChatGroup      ChatKind = "group"
	ChatSupergroup ChatKind = "supergroup"
)

// ChatContext identifies the sender and chat of an inbound command.
type ChatContext struct {
	UserID   int64
	Username string
	ChatID   int64
	ChatKind ChatKind
}

// RunTrigger tells what started a run.
type RunTrigger string

const (
	TriggerScheduled RunTrigger = "scheduled"
	TriggerManual    RunTrigger = "manual"
	TriggerStartup   RunTrigger = "startup"
)

// RunStage is the coordinator's per-run state machine position.
type RunStage string

const (
	StageFetching  RunStage = "fetching"
	StageAnalyzing RunStage = "analyzing"
	StageReporting RunStage = "reporting"
	StageSending   RunStage = "sending"
	StageDone      RunStage = "done"
	StageFailed    RunStage = "failed"
)

// Terminal reports whether the stage ends a run.
func (s RunStage) Terminal() bool {
	return s == StageDone || s == StageFailed
}

// ExecutionHandle tracks one run from trigger to terminal stage.
type ExecutionHandle struct {
	RunID       string
	Trigger     RunTrigger
	TriggeredBy int64 // user id for manual runs, zero otherwise
	StartedAt   time.Time
	Stage       RunStage
	EndedAt     time.Time // zero until terminal
	TargetChat  int64
	FailReason  string
}
