// Package coordinator drives the run pipeline: parallel fetch, store
// insert, window query, analysis, rendering, delivery, sent-marking. It
// owns the concurrency gate, per-run cancellation, and the scheduler.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arc-self/market-sentinel/internal/analyzer"
	"github.com/arc-self/market-sentinel/internal/config"
	"github.com/arc-self/market-sentinel/internal/events"
	"github.com/arc-self/market-sentinel/internal/fetcher"
	"github.com/arc-self/market-sentinel/internal/messenger"
	"github.com/arc-self/market-sentinel/internal/model"
	"github.com/arc-self/market-sentinel/internal/report"
	"github.com/arc-self/market-sentinel/internal/snapshot"
	"github.com/arc-self/market-sentinel/internal/store"
	"github.com/arc-self/market-sentinel/internal/telemetry"
)

var (
	// ErrBusy rejects a trigger while the concurrency gate is full.
	ErrBusy = errors.New("another run is active")
	// ErrShuttingDown rejects triggers after shutdown began.
	ErrShuttingDown = errors.New("shutting down")
)

const (
	sendTimeout     = 60 * time.Second
	reasonCancelled = "cancelled"
	reasonTimeout   = "run timeout exceeded"
)

// Analysis is the slice of the analyzer the coordinator needs.
type Analysis interface {
	Analyze(ctx context.Context, items []model.Item, snap model.MarketSnapshot, sentSummary string) analyzer.Outcome
}

// Coordinator gates, executes, and tracks runs.
type Coordinator struct {
	cfg       *config.Config
	store     store.Store
	registry  *fetcher.Registry
	analysis  Analysis
	snapshots snapshot.Provider
	renderer  *report.Renderer
	msgr      messenger.Messenger
	events    events.Publisher
	metrics   *telemetry.PipelineMetrics
	logger    *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	active  map[string]*model.ExecutionHandle
	last    model.ExecutionHandle
	hasLast bool
	closed  bool

	now func() time.Time
}

// New wires a Coordinator. metrics may be nil when telemetry is disabled.
func New(
	cfg *config.Config,
	st store.Store,
	registry *fetcher.Registry,
	analysis Analysis,
	snapshots snapshot.Provider,
	renderer *report.Renderer,
	msgr messenger.Messenger,
	publisher events.Publisher,
	metrics *telemetry.PipelineMetrics,
	logger *zap.Logger,
) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:       cfg,
		store:     st,
		registry:  registry,
		analysis:  analysis,
		snapshots: snapshots,
		renderer:  renderer,
		msgr:      msgr,
		events:    publisher,
		metrics:   metrics,
		logger:    logger,
		baseCtx:   ctx,
		cancel:    cancel,
		active:    make(map[string]*model.ExecutionHandle),
		now:       time.Now,
	}
}

// Trigger starts a run asynchronously. Scheduled runs target the broadcast
// chat; manual runs target the triggering chat. Rejection leaves no state
// behind.
func (c *Coordinator) Trigger(trigger model.RunTrigger, targetChat int64, userID int64) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrShuttingDown
	}
	if len(c.active) >= c.cfg.Command.MaxConcurrentRuns {
		c.mu.Unlock()
		return "", ErrBusy
	}

	h := &model.ExecutionHandle{
		RunID:       uuid.NewString(),
		Trigger:     trigger,
		TriggeredBy: userID,
		StartedAt:   c.now(),
		Stage:       model.StageFetching,
		TargetChat:  targetChat,
	}
	c.active[h.RunID] = h
	c.wg.Add(1)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.baseCtx, c.cfg.RunTimeout())
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.run(ctx, h)
	}()
	return h.RunID, nil
}

// RunOnce executes a single run synchronously against the broadcast chat.
// Used by one-shot mode; the gate still applies.
func (c *Coordinator) RunOnce(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrShuttingDown
	}
	if len(c.active) >= c.cfg.Command.MaxConcurrentRuns {
		c.mu.Unlock()
		return ErrBusy
	}
	h := &model.ExecutionHandle{
		RunID:      uuid.NewString(),
		Trigger:    model.TriggerStartup,
		StartedAt:  c.now(),
		Stage:      model.StageFetching,
		TargetChat: c.cfg.BroadcastChatID,
	}
	c.active[h.RunID] = h
	c.wg.Add(1)
	c.mu.Unlock()

	defer c.wg.Done()
	runCtx, cancel := context.WithTimeout(ctx, c.cfg.RunTimeout())
	defer cancel()
	c.run(runCtx, h)

	if h.Stage == model.StageFailed {
		return fmt.Errorf("run %s failed: %s", h.RunID, h.FailReason)
	}
	return nil
}

// ActiveRuns returns a copy of the non-terminal handles.
func (c *Coordinator) ActiveRuns() []model.ExecutionHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.ExecutionHandle, 0, len(c.active))
	for _, h := range c.active {
		out = append(out, *h)
	}
	return out
}

// LastCompleted returns the most recent terminal handle, if any run has
// finished this process session.
func (c *Coordinator) LastCompleted() (model.ExecutionHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.hasLast
}

// Shutdown refuses new triggers, waits up to the configured grace for
// active runs to finish, then cancels them and waits for the goroutines to
// unwind.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	c.closed = true
	n := len(c.active)
	c.mu.Unlock()

	if n > 0 {
		c.logger.Info("waiting for active runs", zap.Int("count", n),
			zap.Duration("grace", c.cfg.ShutdownGrace()))
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(c.cfg.ShutdownGrace()):
		c.logger.Warn("shutdown grace expired, cancelling active runs")
		c.cancel()
		<-done
	}
	c.cancel()
}

// ── Run pipeline ──

func (c *Coordinator) run(ctx context.Context, h *model.ExecutionHandle) {
	log := c.logger.With(
		zap.String("run_id", h.RunID),
		zap.String("trigger", string(h.Trigger)),
		zap.Int64("target_chat", h.TargetChat),
	)
	log.Info("run started")
	if c.metrics != nil {
		c.metrics.RunsStarted.Add(ctx, 1)
	}
	c.publish(h)

	now := c.now()

	// Fetch all sources in parallel, then insert what survived.
	items, crawls := c.fetchAll(ctx, now)
	if c.cancelledAt(ctx, h, log) {
		return
	}

	ins, err := c.store.Insert(ctx, now, items)
	if err != nil {
		c.fail(h, log, fmt.Sprintf("store insert: %v", err))
		return
	}
	log.Info("ingestion complete",
		zap.Int("fetched", len(items)),
		zap.Int("inserted", ins.Inserted),
		zap.Int("duplicates", ins.Duplicates),
		zap.Int("skipped", ins.Skipped),
	)
	if c.metrics != nil {
		c.metrics.ItemsIngested.Add(ctx, int64(ins.Inserted))
		c.metrics.ItemsDuplicate.Add(ctx, int64(ins.Duplicates))
	}

	windowItems, err := c.store.QueryWindow(ctx, now, c.cfg.TimeWindowHours)
	if err != nil {
		c.fail(h, log, fmt.Sprintf("store window query: %v", err))
		return
	}

	// Analysis input is the full store window, not just the items fetched
	// this run; shallow fetches still analyze everything in scope.
	c.setStage(h, model.StageAnalyzing)
	var results []model.AnalysisResult
	if len(windowItems) > 0 {
		snap := c.snapshots.Get(ctx)
		summary, err := c.store.SentSummary(ctx, now)
		if err != nil {
			log.Warn("sent summary unavailable", zap.Error(err))
			summary = ""
		}
		out := c.analysis.Analyze(ctx, windowItems, snap, summary)
		if out.Err != nil {
			if c.cancelledAt(ctx, h, log) {
				return
			}
			// Non-fatal: the run still ships a crawl-status-only report.
			log.Warn("analysis failed, reporting crawl status only",
				zap.Int("retries", out.Retries), zap.Error(out.Err))
		}
		results = out.Results
		if out.Dropped > 0 {
			log.Warn("analysis entries dropped", zap.Int("dropped", out.Dropped))
		}
	}
	if c.cancelledAt(ctx, h, log) {
		return
	}

	c.setStage(h, model.StageReporting)
	rep := model.RunReport{
		WindowStart:     now.Add(-time.Duration(c.cfg.TimeWindowHours) * time.Hour),
		WindowEnd:       now,
		GeneratedAt:     c.now(),
		CrawlResults:    crawls,
		AnalysisResults: results,
	}
	segments := c.renderer.Render(rep)

	c.setStage(h, model.StageSending)
	for i, seg := range segments {
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := c.msgr.Send(sctx, h.TargetChat, seg)
		cancel()
		if err != nil {
			// Already-delivered segments stay; items are not marked sent
			// so the next run re-analyzes them.
			c.fail(h, log, fmt.Sprintf("send segment %d/%d: %v", i+1, len(segments), err))
			return
		}
	}
	if c.metrics != nil {
		c.metrics.ReportsSent.Add(ctx, 1)
	}

	if len(results) > 0 {
		ids := matchItemIDs(windowItems, results)
		if err := c.store.MarkSent(ctx, ids, c.now()); err != nil {
			c.fail(h, log, fmt.Sprintf("mark sent: %v", err))
			return
		}
	}

	if stats, err := c.store.Purge(ctx, c.now()); err != nil {
		log.Warn("purge failed", zap.Error(err))
	} else if stats.Items > 0 || stats.SentRecords > 0 {
		log.Info("purged expired rows",
			zap.Int64("items", stats.Items),
			zap.Int64("sent_records", stats.SentRecords))
	}

	c.finish(h, model.StageDone, "")
	log.Info("run done",
		zap.Int("segments", len(segments)),
		zap.Int("results", len(results)),
		zap.Duration("took", c.now().Sub(h.StartedAt)),
	)
}

// fetchAll runs every configured source through its fetcher with bounded
// fan-out. Slot i of the returns belongs to source i; a fetcher never
// fails the group.
func (c *Coordinator) fetchAll(ctx context.Context, now time.Time) ([]model.Item, []model.CrawlResult) {
	sources := c.cfg.Sources
	crawls := make([]model.CrawlResult, len(sources))
	lists := make([][]model.Item, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxFetchParallelism())
	for i, src := range sources {
		g.Go(func() error {
			kind := model.SourceKind(src.Kind)
			f, ok := c.registry.Lookup(kind)
			if !ok {
				crawls[i] = model.CrawlResult{
					SourceName:   src.Name,
					SourceKind:   kind,
					Status:       model.CrawlError,
					ErrorMessage: fmt.Sprintf("no fetcher for kind %q", src.Kind),
				}
				return nil
			}

			hints := fetcher.Hints{Now: now}
			wm, found, err := c.store.LatestTime(gctx, src.Name, kind)
			if err != nil {
				c.logger.Warn("watermark lookup failed, fetching at full depth",
					zap.String("source", src.Name), zap.Error(err))
			} else if found {
				hints.Watermark, hints.HasWatermark = wm, true
			}

			lists[i], crawls[i] = f.Fetch(gctx, src, c.cfg.TimeWindowHours, hints)
			if crawls[i].Status == model.CrawlError && c.metrics != nil {
				c.metrics.CrawlErrors.Add(gctx, 1)
			}
			return nil
		})
	}
	g.Wait()

	var items []model.Item
	for _, l := range lists {
		items = append(items, l...)
	}
	return items, crawls
}

// matchItemIDs maps emitted analysis entries back to stored item ids via
// canonical URL, covering both source and related_sources.
func matchItemIDs(items []model.Item, results []model.AnalysisResult) []string {
	byURL := make(map[string]string, len(items))
	for _, it := range items {
		byURL[model.CanonicalURL(it.URL)] = it.ID
	}

	seen := make(map[string]struct{})
	var ids []string
	add := func(rawURL string) {
		id, ok := byURL[model.CanonicalURL(rawURL)]
		if !ok {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, res := range results {
		add(res.Source)
		for _, rel := range res.RelatedSources {
			add(rel)
		}
	}
	return ids
}

// ── Handle bookkeeping ──

func (c *Coordinator) setStage(h *model.ExecutionHandle, stage model.RunStage) {
	c.mu.Lock()
	h.Stage = stage
	c.mu.Unlock()
	c.publish(h)
}

func (c *Coordinator) finish(h *model.ExecutionHandle, stage model.RunStage, reason string) {
	c.mu.Lock()
	h.Stage = stage
	h.FailReason = reason
	h.EndedAt = c.now()
	delete(c.active, h.RunID)
	c.last = *h
	c.hasLast = true
	c.mu.Unlock()
	c.publish(h)
}

func (c *Coordinator) fail(h *model.ExecutionHandle, log *zap.Logger, reason string) {
	if c.metrics != nil {
		c.metrics.RunsFailed.Add(context.Background(), 1)
	}
	c.finish(h, model.StageFailed, reason)
	log.Error("run failed", zap.String("reason", reason))
}

// cancelledAt fails the run when the context ended, distinguishing the
// run-timeout deadline from an external cancel.
func (c *Coordinator) cancelledAt(ctx context.Context, h *model.ExecutionHandle, log *zap.Logger) bool {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		c.fail(h, log, reasonTimeout)
		return true
	case ctx.Err() != nil:
		c.fail(h, log, reasonCancelled)
		return true
	}
	return false
}

func (c *Coordinator) publish(h *model.ExecutionHandle) {
	c.mu.Lock()
	ev := events.RunEvent{
		RunID:      h.RunID,
		Trigger:    h.Trigger,
		Stage:      h.Stage,
		FailReason: h.FailReason,
		At:         c.now(),
	}
	c.mu.Unlock()
	c.events.PublishRunEvent(ev)
}
