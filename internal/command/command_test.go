package command

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"

	"github.com/arc-self/market-sentinel/internal/config"
	"github.com/arc-self/market-sentinel/internal/coordinator"
	"github.com/arc-self/market-sentinel/internal/llm"
	"github.com/arc-self/market-sentinel/internal/messenger"
	"github.com/arc-self/market-sentinel/internal/messenger/mock"
	"github.com/arc-self/market-sentinel/internal/model"
)

type triggerCall struct {
	chat int64
	user int64
}

type fakeRuns struct {
	err     error
	calls   []triggerCall
	active  []model.ExecutionHandle
	last    model.ExecutionHandle
	hasLast bool
}

func (f *fakeRuns) Trigger(trigger model.RunTrigger, targetChat int64, userID int64) (string, error) {
	f.calls = append(f.calls, triggerCall{chat: targetChat, user: userID})
	if f.err != nil {
		return "", f.err
	}
	return "0f9e8d7c-run", nil
}

func (f *fakeRuns) ActiveRuns() []model.ExecutionHandle          { return f.active }
func (f *fakeRuns) LastCompleted() (model.ExecutionHandle, bool) { return f.last, f.hasLast }

type fakeSnap struct {
	snap     model.MarketSnapshot
	gets     int
	refreshs int
}

func (f *fakeSnap) Get(ctx context.Context) model.MarketSnapshot {
	f.gets++
	return f.snap
}

func (f *fakeSnap) Refresh(ctx context.Context) model.MarketSnapshot {
	f.refreshs++
	return f.snap
}

type fixture struct {
	surface *Surface
	runs    *fakeRuns
	snap    *fakeSnap
	msgr    *mock.MockMessenger
	replies *[]string
}

func newFixture(t *testing.T, users []string) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	msgr := mock.NewMockMessenger(ctrl)

	cfg := &config.Config{
		DisplayUTCOffsetHours: 8,
		AuthorizedUsers:       users,
		Command: config.CommandConfig{
			RateLimitPerHour:  120,
			CooldownSeconds:   300,
			MaxConcurrentRuns: 1,
		},
	}
	runs := &fakeRuns{}
	snap := &fakeSnap{snap: model.MarketSnapshot{Text: "BTC steady.", Valid: true, Origin: model.SnapshotCached}}
	usage := llm.NewUsage()
	usage.Record(1200, 340)

	s := NewSurface(cfg, runs, msgr, snap, usage,
		func(text string) string { return text }, zaptest.NewLogger(t))
	s.ResolveAuthorized(context.Background())

	replies := &[]string{}
	msgr.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ int64, text string) error {
			*replies = append(*replies, text)
			return nil
		}).AnyTimes()

	return &fixture{surface: s, runs: runs, snap: snap, msgr: msgr, replies: replies}
}

func cmdFrom(userID, chatID int64, kind model.ChatKind, name string, args ...string) messenger.Command {
	return messenger.Command{
		Chat: model.ChatContext{UserID: userID, Username: "u", ChatID: chatID, ChatKind: kind},
		Name: name,
		Args: args,
	}
}

func lastReply(fx *fixture) string {
	if len(*fx.replies) == 0 {
		return ""
	}
	return (*fx.replies)[len(*fx.replies)-1]
}

func TestAuthorization_UserIDOnly(t *testing.T) {
	fx := newFixture(t, []string{"42"})

	// Same authorized user across chat kinds and chats: always allowed.
	fx.surface.Handle(context.Background(), cmdFrom(42, 100, model.ChatPrivate, "help"))
	fx.surface.Handle(context.Background(), cmdFrom(42, -200, model.ChatSupergroup, "help"))
	assert.Len(t, *fx.replies, 2)

	// Unauthorized user in the same chats: always denied.
	fx.surface.Handle(context.Background(), cmdFrom(43, 100, model.ChatPrivate, "run"))
	assert.Contains(t, lastReply(fx), "unauthorized")
	assert.Empty(t, fx.runs.calls)
}

func TestAuthorization_EmptySetDeniesAll(t *testing.T) {
	fx := newFixture(t, nil)

	fx.surface.Handle(context.Background(), cmdFrom(42, 100, model.ChatPrivate, "help"))
	assert.Contains(t, lastReply(fx), "unauthorized")
}

func TestResolveAuthorized_UsernameEntries(t *testing.T) {
	ctrl := gomock.NewController(t)
	msgr := mock.NewMockMessenger(ctrl)
	msgr.EXPECT().ResolveUsername(gomock.Any(), "@alice").Return(int64(7), nil)
	msgr.EXPECT().ResolveUsername(gomock.Any(), "@ghost").Return(int64(0), assert.AnError)

	cfg := &config.Config{
		AuthorizedUsers: []string{"@alice", "42", "@ghost", "junk"},
		Command:         config.CommandConfig{RateLimitPerHour: 120, CooldownSeconds: 300},
	}
	s := NewSurface(cfg, &fakeRuns{}, msgr, &fakeSnap{}, llm.NewUsage(),
		func(text string) string { return text }, zaptest.NewLogger(t))
	s.ResolveAuthorized(context.Background())

	assert.Contains(t, s.authorized, int64(7), "resolved username")
	assert.Contains(t, s.authorized, int64(42), "numeric id")
	assert.Len(t, s.authorized, 2, "failed and malformed entries are dropped")
}

func TestRun_TargetsTriggeringChat(t *testing.T) {
	fx := newFixture(t, []string{"42"})

	fx.surface.Handle(context.Background(), cmdFrom(42, -500, model.ChatGroup, "run"))

	require.Len(t, fx.runs.calls, 1)
	assert.Equal(t, int64(-500), fx.runs.calls[0].chat)
	assert.Equal(t, int64(42), fx.runs.calls[0].user)
	assert.Contains(t, lastReply(fx), "started")
}

func TestRun_BusyDiagnostic(t *testing.T) {
	fx := newFixture(t, []string{"42"})
	fx.runs.err = coordinator.ErrBusy

	fx.surface.Handle(context.Background(), cmdFrom(42, 100, model.ChatPrivate, "run"))

	assert.Contains(t, lastReply(fx), "busy")
}

func TestRun_Cooldown(t *testing.T) {
	fx := newFixture(t, []string{"42"})
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	fx.surface.now = func() time.Time { return base }

	fx.surface.Handle(context.Background(), cmdFrom(42, 100, model.ChatPrivate, "run"))
	require.Len(t, fx.runs.calls, 1)

	fx.surface.now = func() time.Time { return base.Add(2 * time.Minute) }
	fx.surface.Handle(context.Background(), cmdFrom(42, 100, model.ChatPrivate, "run"))
	assert.Len(t, fx.runs.calls, 1, "cooldown blocks the second trigger")
	assert.Contains(t, lastReply(fx), "cooldown")

	fx.surface.now = func() time.Time { return base.Add(6 * time.Minute) }
	fx.surface.Handle(context.Background(), cmdFrom(42, 100, model.ChatPrivate, "run"))
	assert.Len(t, fx.runs.calls, 2, "cooldown expired")
}

func TestRun_FailedTriggerSkipsCooldown(t *testing.T) {
	fx := newFixture(t, []string{"42"})
	fx.runs.err = coordinator.ErrBusy
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	fx.surface.now = func() time.Time { return base }

	fx.surface.Handle(context.Background(), cmdFrom(42, 100, model.ChatPrivate, "run"))

	fx.runs.err = nil
	fx.surface.now = func() time.Time { return base.Add(time.Second) }
	fx.surface.Handle(context.Background(), cmdFrom(42, 100, model.ChatPrivate, "run"))
	assert.Len(t, fx.runs.calls, 2, "a rejected trigger does not start the cooldown")
	assert.Contains(t, lastReply(fx), "started")
}

func TestRateLimit(t *testing.T) {
	fx := newFixture(t, []string{"42"})
	fx.surface.cfg.RateLimitPerHour = 2

	fx.surface.Handle(context.Background(), cmdFrom(42, 100, model.ChatPrivate, "help"))
	fx.surface.Handle(context.Background(), cmdFrom(42, 100, model.ChatPrivate, "help"))
	fx.surface.Handle(context.Background(), cmdFrom(42, 100, model.ChatPrivate, "help"))

	assert.Contains(t, lastReply(fx), "rate_limited")

	// Another user has an independent budget.
	fx2 := newFixture(t, []string{"42", "43"})
	fx2.surface.cfg.RateLimitPerHour = 2
	fx2.surface.Handle(context.Background(), cmdFrom(43, 100, model.ChatPrivate, "help"))
	assert.NotContains(t, lastReply(fx2), "rate_limited")
}

func TestMarket(t *testing.T) {
	fx := newFixture(t, []string{"42"})

	fx.surface.Handle(context.Background(), cmdFrom(42, 100, model.ChatPrivate, "market"))
	assert.Equal(t, "BTC steady.", lastReply(fx))
	assert.Equal(t, 1, fx.snap.gets)
	assert.Zero(t, fx.snap.refreshs)

	fx.surface.Handle(context.Background(), cmdFrom(42, 100, model.ChatPrivate, "market", "fresh"))
	assert.Equal(t, 1, fx.snap.refreshs, "fresh bypasses the cache")
}

func TestMarket_InvalidSnapshot(t *testing.T) {
	fx := newFixture(t, []string{"42"})
	fx.snap.snap = model.MarketSnapshot{Origin: model.SnapshotFallback, Valid: false}

	fx.surface.Handle(context.Background(), cmdFrom(42, 100, model.ChatPrivate, "market"))
	assert.Contains(t, lastReply(fx), "snapshot_unavailable")
}

func TestStatus(t *testing.T) {
	fx := newFixture(t, []string{"42"})
	started := time.Date(2026, 8, 24, 4, 0, 0, 0, time.UTC)
	fx.runs.active = []model.ExecutionHandle{{
		RunID: "aaaabbbb-cccc", Trigger: model.TriggerScheduled,
		Stage: model.StageAnalyzing, StartedAt: started,
	}}
	fx.runs.last = model.ExecutionHandle{
		RunID: "ddddeeee-ffff", Stage: model.StageDone,
		EndedAt: started.Add(-time.Hour),
	}
	fx.runs.hasLast = true

	fx.surface.Handle(context.Background(), cmdFrom(42, 100, model.ChatPrivate, "status"))

	reply := lastReply(fx)
	assert.Contains(t, reply, "aaaabbbb")
	assert.Contains(t, reply, "analyzing")
	assert.Contains(t, reply, "ddddeeee")
}

func TestTokens(t *testing.T) {
	fx := newFixture(t, []string{"42"})

	fx.surface.Handle(context.Background(), cmdFrom(42, 100, model.ChatPrivate, "tokens"))
	assert.Contains(t, lastReply(fx), "1200 input tokens, 340 output tokens over 1 calls")
}

func TestUnknownCommand(t *testing.T) {
	fx := newFixture(t, []string{"42"})

	fx.surface.Handle(context.Background(), cmdFrom(42, 100, model.ChatPrivate, "frobnicate"))
	assert.Contains(t, lastReply(fx), "/help")
}
