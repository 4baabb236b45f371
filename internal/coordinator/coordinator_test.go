package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"

	"github.com/arc-self/market-sentinel/internal/analyzer"
	"github.com/arc-self/market-sentinel/internal/config"
	"github.com/arc-self/market-sentinel/internal/events"
	"github.com/arc-self/market-sentinel/internal/fetcher"
	"github.com/arc-self/market-sentinel/internal/messenger/mock"
	"github.com/arc-self/market-sentinel/internal/model"
	"github.com/arc-self/market-sentinel/internal/report"
	"github.com/arc-self/market-sentinel/internal/store"
)

var (
	coordNow  = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	displayTZ = time.FixedZone("UTC+8", 8*3600)
)

const broadcastChat = int64(-100123)

// stubFetcher serves canned items for every source of its kind.
type stubFetcher struct {
	kind  model.SourceKind
	items []model.Item
	fail  bool
}

func (s *stubFetcher) Kind() model.SourceKind           { return s.kind }
func (s *stubFetcher) Validate(src config.Source) error { return nil }
func (s *stubFetcher) Fetch(ctx context.Context, src config.Source, windowHours int, hints fetcher.Hints) ([]model.Item, model.CrawlResult) {
	if s.fail {
		return nil, model.CrawlResult{
			SourceName: src.Name, SourceKind: s.kind,
			Status: model.CrawlError, ErrorMessage: "boom",
		}
	}
	return s.items, model.CrawlResult{
		SourceName: src.Name, SourceKind: s.kind,
		Status: model.CrawlOK, ItemCount: len(s.items),
	}
}

// fakeAnalysis returns scripted outcomes and can block to hold a run open.
type fakeAnalysis struct {
	mu       sync.Mutex
	outcomes []analyzer.Outcome
	inputs   [][]model.Item
	summarys []string
	block    chan struct{} // when non-nil, Analyze waits for close or ctx
}

func (f *fakeAnalysis) Analyze(ctx context.Context, items []model.Item, snap model.MarketSnapshot, sentSummary string) analyzer.Outcome {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return analyzer.Outcome{Err: ctx.Err()}
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, items)
	f.summarys = append(f.summarys, sentSummary)
	if len(f.outcomes) == 0 {
		return analyzer.Outcome{}
	}
	out := f.outcomes[0]
	f.outcomes = f.outcomes[1:]
	return out
}

type fakeSnapshots struct{}

func (fakeSnapshots) Get(ctx context.Context) model.MarketSnapshot {
	return model.MarketSnapshot{Text: "calm", FetchedAt: coordNow, Origin: model.SnapshotLive, Valid: true}
}
func (fakeSnapshots) Refresh(ctx context.Context) model.MarketSnapshot {
	return fakeSnapshots{}.Get(context.Background())
}

func testConfig() *config.Config {
	return &config.Config{
		TimeWindowHours: 24,
		MaxMessageChars: 4096,
		BroadcastChatID: broadcastChat,
		Sources: []config.Source{
			{Name: "feed", Kind: "rss", FeedURL: "https://example.com/rss"},
		},
		Storage: config.StorageConfig{
			RetentionDays:       14,
			DedupWindowDays:     7,
			SentCacheTTLHours:   24,
			SentSummaryMaxChars: 8192,
		},
		Command: config.CommandConfig{
			MaxConcurrentRuns: 1,
			RunTimeoutSeconds: 60,
			ShutdownGraceSecs: 1,
		},
	}
}

func testStore(t *testing.T, cfg *config.Config) store.Store {
	t.Helper()
	return store.NewMemory(store.Options{
		DedupWindow:       time.Duration(cfg.Storage.DedupWindowDays) * 24 * time.Hour,
		SentCacheTTL:      time.Duration(cfg.Storage.SentCacheTTLHours) * time.Hour,
		SentSummaryMax:    cfg.Storage.SentSummaryMaxChars,
		RetentionDays:     cfg.Storage.RetentionDays,
		ActiveWindowHours: cfg.TimeWindowHours,
	}, zaptest.NewLogger(t))
}

func feedItems() []model.Item {
	fresh, _ := model.NewItem("feed", model.SourceKindRSS,
		"Fed holds rates", "No change this meeting.",
		"https://example.com/fed", coordNow.Add(-2*time.Hour), coordNow)
	stale, _ := model.NewItem("feed", model.SourceKindRSS,
		"Old story", "From last week.",
		"https://example.com/old", coordNow.Add(-30*time.Hour), coordNow)
	return []model.Item{fresh, stale}
}

func fedResult() analyzer.Outcome {
	return analyzer.Outcome{Results: []model.AnalysisResult{{
		Time:        coordNow.Add(-2 * time.Hour).Format(time.RFC3339),
		Category:    "Fed",
		WeightScore: 70,
		Title:       "Fed holds rates",
		Body:        "No change this meeting.",
		Source:      "https://example.com/fed",
	}}}
}

type coordFixture struct {
	coord    *Coordinator
	store    store.Store
	analysis *fakeAnalysis
	msgr     *mock.MockMessenger
}

func newFixture(t *testing.T, cfg *config.Config, analysis *fakeAnalysis, fetchers ...fetcher.Fetcher) *coordFixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	msgr := mock.NewMockMessenger(ctrl)

	st := testStore(t, cfg)
	renderer := report.NewRenderer(cfg.MaxMessageChars, displayTZ, report.PlainEscaper())
	coord := New(cfg, st, fetcher.NewRegistry(fetchers...), analysis,
		fakeSnapshots{}, renderer, msgr, events.Nop{}, nil, zaptest.NewLogger(t))
	coord.now = func() time.Time { return coordNow }
	return &coordFixture{coord: coord, store: st, analysis: analysis, msgr: msgr}
}

func waitTerminal(t *testing.T, c *Coordinator) model.ExecutionHandle {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if h, ok := c.LastCompleted(); ok {
			return h
		}
		select {
		case <-deadline:
			t.Fatal("run did not reach a terminal stage")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRun_ColdRunSingleSource(t *testing.T) {
	analysis := &fakeAnalysis{outcomes: []analyzer.Outcome{fedResult()}}
	fx := newFixture(t, testConfig(), analysis, &stubFetcher{kind: model.SourceKindRSS, items: feedItems()})

	var sent []string
	fx.msgr.EXPECT().Send(gomock.Any(), broadcastChat, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ int64, text string) error {
			sent = append(sent, text)
			return nil
		})

	_, err := fx.coord.Trigger(model.TriggerScheduled, broadcastChat, 0)
	require.NoError(t, err)

	h := waitTerminal(t, fx.coord)
	assert.Equal(t, model.StageDone, h.Stage)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "## Fed")
	assert.Contains(t, sent[0], "feed (rss): ok, 2 items")

	// Only the in-window item reached the analyzer; both items persist.
	require.Len(t, analysis.inputs, 1)
	require.Len(t, analysis.inputs[0], 1)
	assert.Equal(t, "Fed holds rates", analysis.inputs[0][0].Title)

	summary, err := fx.store.SentSummary(context.Background(), coordNow)
	require.NoError(t, err)
	assert.Contains(t, summary, "Fed holds rates", "emitted item is marked sent")
}

func TestRun_SecondRunSeesSentSummaryAndDedups(t *testing.T) {
	analysis := &fakeAnalysis{outcomes: []analyzer.Outcome{fedResult(), {}}}
	fx := newFixture(t, testConfig(), analysis, &stubFetcher{kind: model.SourceKindRSS, items: feedItems()})

	fx.msgr.EXPECT().Send(gomock.Any(), broadcastChat, gomock.Any()).Return(nil).Times(2)

	require.NoError(t, fx.coord.RunOnce(context.Background()))
	require.NoError(t, fx.coord.RunOnce(context.Background()))

	require.Len(t, analysis.inputs, 2)
	assert.Len(t, analysis.inputs[1], 1, "window still contains the fresh item after dedup")
	assert.Contains(t, analysis.summarys[1], "Fed holds rates",
		"second run's prompt carries the sent summary")
}

func TestTrigger_BusyRejection(t *testing.T) {
	analysis := &fakeAnalysis{block: make(chan struct{})}
	fx := newFixture(t, testConfig(), analysis, &stubFetcher{kind: model.SourceKindRSS, items: feedItems()})
	fx.msgr.EXPECT().Send(gomock.Any(), broadcastChat, gomock.Any()).Return(nil)

	_, err := fx.coord.Trigger(model.TriggerScheduled, broadcastChat, 0)
	require.NoError(t, err)

	// Wait until the run parks inside analysis, then try to trigger again.
	require.Eventually(t, func() bool {
		runs := fx.coord.ActiveRuns()
		return len(runs) == 1 && runs[0].Stage == model.StageAnalyzing
	}, 5*time.Second, 5*time.Millisecond)

	_, err = fx.coord.Trigger(model.TriggerManual, 777, 42)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Len(t, fx.coord.ActiveRuns(), 1, "rejected trigger leaves no handle behind")

	close(analysis.block)
	h := waitTerminal(t, fx.coord)
	assert.Equal(t, model.StageDone, h.Stage)
	assert.Equal(t, broadcastChat, h.TargetChat, "original run still targets the broadcast chat")
}

func TestRun_ManualTargetsTriggeringChat(t *testing.T) {
	analysis := &fakeAnalysis{outcomes: []analyzer.Outcome{fedResult()}}
	fx := newFixture(t, testConfig(), analysis, &stubFetcher{kind: model.SourceKindRSS, items: feedItems()})

	fx.msgr.EXPECT().Send(gomock.Any(), int64(777), gomock.Any()).Return(nil)

	_, err := fx.coord.Trigger(model.TriggerManual, 777, 42)
	require.NoError(t, err)

	h := waitTerminal(t, fx.coord)
	assert.Equal(t, model.StageDone, h.Stage)
	assert.Equal(t, int64(777), h.TargetChat)
	assert.Equal(t, int64(42), h.TriggeredBy)
}

func TestRun_PartialSendFailure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageChars = 400 // force multiple segments

	var results []model.AnalysisResult
	for i := 0; i < 8; i++ {
		results = append(results, model.AnalysisResult{
			Time:        coordNow.Format(time.RFC3339),
			Category:    fmt.Sprintf("Cat%d", i),
			WeightScore: 90 - i,
			Title:       fmt.Sprintf("Headline %d", i),
			Body:        strings.Repeat("x", 150),
			Source:      "https://example.com/fed",
		})
	}
	analysis := &fakeAnalysis{outcomes: []analyzer.Outcome{{Results: results}}}
	fx := newFixture(t, cfg, analysis, &stubFetcher{kind: model.SourceKindRSS, items: feedItems()})

	gomock.InOrder(
		fx.msgr.EXPECT().Send(gomock.Any(), broadcastChat, gomock.Any()).Return(nil),
		fx.msgr.EXPECT().Send(gomock.Any(), broadcastChat, gomock.Any()).Return(errors.New("403 forbidden")),
	)

	err := fx.coord.RunOnce(context.Background())
	require.Error(t, err)

	h, ok := fx.coord.LastCompleted()
	require.True(t, ok)
	assert.Equal(t, model.StageFailed, h.Stage)
	assert.Contains(t, h.FailReason, "send segment 2/")

	summary, serr := fx.store.SentSummary(context.Background(), coordNow)
	require.NoError(t, serr)
	assert.Empty(t, summary, "no items are marked sent after a partial send")
}

func TestRun_EmptyAnalysisStillReports(t *testing.T) {
	analysis := &fakeAnalysis{outcomes: []analyzer.Outcome{{}}}
	fx := newFixture(t, testConfig(), analysis, &stubFetcher{kind: model.SourceKindRSS, items: feedItems()})

	var sent string
	fx.msgr.EXPECT().Send(gomock.Any(), broadcastChat, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ int64, text string) error {
			sent = text
			return nil
		})

	require.NoError(t, fx.coord.RunOnce(context.Background()))
	assert.Contains(t, sent, "feed (rss)")
	assert.NotContains(t, sent, "##", "no category sections in a crawl-status-only report")
}

func TestRun_AnalysisFailureIsNonFatal(t *testing.T) {
	analysis := &fakeAnalysis{outcomes: []analyzer.Outcome{{Err: errors.New("invalid after retries")}}}
	fx := newFixture(t, testConfig(), analysis, &stubFetcher{kind: model.SourceKindRSS, items: feedItems()})

	fx.msgr.EXPECT().Send(gomock.Any(), broadcastChat, gomock.Any()).Return(nil)

	require.NoError(t, fx.coord.RunOnce(context.Background()))
	h, _ := fx.coord.LastCompleted()
	assert.Equal(t, model.StageDone, h.Stage)
}

func TestRun_FetcherErrorShowsInCrawlStatus(t *testing.T) {
	analysis := &fakeAnalysis{}
	fx := newFixture(t, testConfig(), analysis, &stubFetcher{kind: model.SourceKindRSS, fail: true})

	var sent string
	fx.msgr.EXPECT().Send(gomock.Any(), broadcastChat, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ int64, text string) error {
			sent = text
			return nil
		})

	require.NoError(t, fx.coord.RunOnce(context.Background()))
	assert.Contains(t, sent, "feed (rss): error (boom)")
}

func TestShutdown_CancelsBlockedRun(t *testing.T) {
	analysis := &fakeAnalysis{block: make(chan struct{})}
	fx := newFixture(t, testConfig(), analysis, &stubFetcher{kind: model.SourceKindRSS, items: feedItems()})

	_, err := fx.coord.Trigger(model.TriggerScheduled, broadcastChat, 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		runs := fx.coord.ActiveRuns()
		return len(runs) == 1 && runs[0].Stage == model.StageAnalyzing
	}, 5*time.Second, 5*time.Millisecond)

	fx.coord.Shutdown()

	h, ok := fx.coord.LastCompleted()
	require.True(t, ok)
	assert.Equal(t, model.StageFailed, h.Stage)
	assert.Equal(t, reasonCancelled, h.FailReason)

	_, err = fx.coord.Trigger(model.TriggerManual, 777, 42)
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestMatchItemIDs(t *testing.T) {
	items := feedItems()
	results := []model.AnalysisResult{{
		Source:         "https://example.com/fed?utm_source=x",
		RelatedSources: []string{"https://example.com/old", "https://example.com/unknown"},
	}}

	ids := matchItemIDs(items, results)

	require.Len(t, ids, 2, "tracking params still match; unknown urls are ignored")
	assert.Equal(t, items[0].ID, ids[0])
	assert.Equal(t, items[1].ID, ids[1])
}
