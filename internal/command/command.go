// Package command implements the interactive surface: authorization,
// per-user rate limiting, and dispatch of slash commands to the pipeline.
package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/arc-self/market-sentinel/internal/config"
	"github.com/arc-self/market-sentinel/internal/coordinator"
	"github.com/arc-self/market-sentinel/internal/llm"
	"github.com/arc-self/market-sentinel/internal/messenger"
	"github.com/arc-self/market-sentinel/internal/model"
	"github.com/arc-self/market-sentinel/internal/snapshot"
)

const replyTimeout = 10 * time.Second

const helpText = `Commands:
/run - trigger a report for this chat
/market - current market snapshot (add "fresh" to bypass the cache)
/status - active and last completed runs
/tokens - LLM token usage this session
/help - this listing`

const welcomeText = "Market Sentinel online. Send /help for the command list."

// Runs is the slice of the coordinator the surface needs.
type Runs interface {
	Trigger(trigger model.RunTrigger, targetChat int64, userID int64) (string, error)
	ActiveRuns() []model.ExecutionHandle
	LastCompleted() (model.ExecutionHandle, bool)
}

// Surface consumes the messenger's command stream and answers in-chat.
type Surface struct {
	cfg       config.CommandConfig
	entries   []string
	runs      Runs
	msgr      messenger.Messenger
	snapshots snapshot.Provider
	usage     *llm.Usage
	escape    func(string) string
	logger    *zap.Logger
	loc       *time.Location

	mu         sync.Mutex
	authorized map[int64]struct{}
	limiters   map[int64]*rate.Limiter
	lastRunAt  map[int64]time.Time

	now func() time.Time
}

// NewSurface builds the surface. escape is the messenger's text escape
// rule applied to every reply; ResolveAuthorized must run before Serve.
func NewSurface(
	cfg *config.Config,
	runs Runs,
	msgr messenger.Messenger,
	snapshots snapshot.Provider,
	usage *llm.Usage,
	escape func(string) string,
	logger *zap.Logger,
) *Surface {
	return &Surface{
		cfg:        cfg.Command,
		entries:    cfg.AuthorizedUsers,
		runs:       runs,
		msgr:       msgr,
		snapshots:  snapshots,
		usage:      usage,
		escape:     escape,
		logger:     logger,
		loc:        cfg.DisplayLocation(),
		authorized: make(map[int64]struct{}),
		limiters:   make(map[int64]*rate.Limiter),
		lastRunAt:  make(map[int64]time.Time),
		now:        time.Now,
	}
}

// ResolveAuthorized materializes the authorization set: numeric ids are
// taken as-is, @username entries resolve through the messenger once and
// failures drop the entry. An empty resulting set denies every command.
func (s *Surface) ResolveAuthorized(ctx context.Context) {
	set := make(map[int64]struct{}, len(s.entries))
	for _, entry := range s.entries {
		if id, err := strconv.ParseInt(entry, 10, 64); err == nil {
			set[id] = struct{}{}
			continue
		}
		if !strings.HasPrefix(entry, "@") {
			s.logger.Warn("unrecognized authorization entry dropped", zap.String("entry", entry))
			continue
		}
		id, err := s.msgr.ResolveUsername(ctx, entry)
		if err != nil {
			s.logger.Warn("username resolution failed, entry dropped",
				zap.String("entry", entry), zap.Error(err))
			continue
		}
		set[id] = struct{}{}
	}

	s.mu.Lock()
	s.authorized = set
	s.mu.Unlock()

	if len(set) == 0 {
		s.logger.Warn("authorization set is empty, all commands will be denied")
	} else {
		s.logger.Info("authorization set resolved", zap.Int("users", len(set)))
	}
}

// Serve consumes commands until ctx ends or the stream closes.
func (s *Surface) Serve(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-s.msgr.Commands():
			if !ok {
				return
			}
			s.Handle(ctx, cmd)
		}
	}
}

// Handle processes one command end to end: authorize, rate limit,
// dispatch, reply.
func (s *Surface) Handle(ctx context.Context, cmd messenger.Command) {
	if !s.authorize(cmd) {
		s.reply(ctx, cmd.Chat.ChatID, "unauthorized: this bot is private.")
		return
	}
	if !s.allowRate(cmd.Chat.UserID) {
		s.logDecision(cmd, "denied", "rate_limited")
		s.reply(ctx, cmd.Chat.ChatID, "rate_limited: too many commands this hour, slow down.")
		return
	}

	switch cmd.Name {
	case "run":
		s.handleRun(ctx, cmd)
	case "market":
		s.handleMarket(ctx, cmd)
	case "status":
		s.reply(ctx, cmd.Chat.ChatID, s.statusText())
	case "tokens":
		in, out, calls := s.usage.Totals()
		s.reply(ctx, cmd.Chat.ChatID,
			fmt.Sprintf("Session LLM usage: %d input tokens, %d output tokens over %d calls.", in, out, calls))
	case "help":
		s.reply(ctx, cmd.Chat.ChatID, helpText)
	case "start":
		s.reply(ctx, cmd.Chat.ChatID, welcomeText)
	default:
		s.reply(ctx, cmd.Chat.ChatID, "Unknown command. Send /help for the list.")
	}
}

// authorize checks the sender id against the resolved set. The decision
// depends on user_id only, never on the chat.
func (s *Surface) authorize(cmd messenger.Command) bool {
	s.mu.Lock()
	_, ok := s.authorized[cmd.Chat.UserID]
	s.mu.Unlock()

	if ok {
		s.logDecision(cmd, "allowed", "")
	} else {
		s.logDecision(cmd, "denied", "unauthorized")
	}
	return ok
}

func (s *Surface) logDecision(cmd messenger.Command, decision, reason string) {
	fields := []zap.Field{
		zap.String("command", cmd.Name),
		zap.Int64("user_id", cmd.Chat.UserID),
		zap.String("username", cmd.Chat.Username),
		zap.String("chat_kind", string(cmd.Chat.ChatKind)),
		zap.Int64("chat_id", cmd.Chat.ChatID),
		zap.String("decision", decision),
	}
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	s.logger.Info("command received", fields...)
}

// allowRate enforces the rolling per-user command budget.
func (s *Surface) allowRate(userID int64) bool {
	s.mu.Lock()
	lim, ok := s.limiters[userID]
	if !ok {
		perHour := s.cfg.RateLimitPerHour
		if perHour <= 0 {
			perHour = 120
		}
		lim = rate.NewLimiter(rate.Every(time.Hour/time.Duration(perHour)), perHour)
		s.limiters[userID] = lim
	}
	s.mu.Unlock()
	return lim.Allow()
}

func (s *Surface) handleRun(ctx context.Context, cmd messenger.Command) {
	cooldown := time.Duration(s.cfg.CooldownSeconds) * time.Second

	s.mu.Lock()
	last, seen := s.lastRunAt[cmd.Chat.UserID]
	now := s.now()
	if seen && now.Sub(last) < cooldown {
		s.mu.Unlock()
		wait := (cooldown - now.Sub(last)).Round(time.Second)
		s.reply(ctx, cmd.Chat.ChatID,
			fmt.Sprintf("rate_limited: /run is on cooldown, try again in %s.", wait))
		return
	}
	s.mu.Unlock()

	runID, err := s.runs.Trigger(model.TriggerManual, cmd.Chat.ChatID, cmd.Chat.UserID)
	switch {
	case err == nil:
		s.mu.Lock()
		s.lastRunAt[cmd.Chat.UserID] = now
		s.mu.Unlock()
		s.reply(ctx, cmd.Chat.ChatID, fmt.Sprintf("Run %s started, report will follow here.", shortID(runID)))
	case err == coordinator.ErrBusy:
		s.reply(ctx, cmd.Chat.ChatID, "busy: another run is active, try again once it finishes.")
	case err == coordinator.ErrShuttingDown:
		s.reply(ctx, cmd.Chat.ChatID, "busy: shutting down.")
	default:
		s.logger.Error("trigger failed", zap.Error(err))
		s.reply(ctx, cmd.Chat.ChatID, "internal_error: could not start the run.")
	}
}

func (s *Surface) handleMarket(ctx context.Context, cmd messenger.Command) {
	var snap model.MarketSnapshot
	if len(cmd.Args) > 0 && strings.EqualFold(cmd.Args[0], "fresh") {
		snap = s.snapshots.Refresh(ctx)
	} else {
		snap = s.snapshots.Get(ctx)
	}
	if !snap.Valid {
		s.reply(ctx, cmd.Chat.ChatID, "snapshot_unavailable: market data could not be fetched, try again later.")
		return
	}
	s.reply(ctx, cmd.Chat.ChatID, snap.Text)
}

func (s *Surface) statusText() string {
	var sb strings.Builder
	active := s.runs.ActiveRuns()
	if len(active) == 0 {
		sb.WriteString("No active runs.")
	} else {
		sb.WriteString("Active runs:")
		for _, h := range active {
			sb.WriteString(fmt.Sprintf("\n- %s %s (%s) started %s",
				shortID(h.RunID), h.Stage, h.Trigger,
				h.StartedAt.In(s.loc).Format("15:04:05")))
		}
	}
	if last, ok := s.runs.LastCompleted(); ok {
		sb.WriteString(fmt.Sprintf("\nLast completed: %s %s at %s",
			shortID(last.RunID), last.Stage,
			last.EndedAt.In(s.loc).Format("2006-01-02 15:04:05")))
		if last.FailReason != "" {
			sb.WriteString(" (" + last.FailReason + ")")
		}
	}
	return sb.String()
}

func (s *Surface) reply(ctx context.Context, chatID int64, text string) {
	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	if err := s.msgr.Send(ctx, chatID, s.escape(text)); err != nil {
		s.logger.Warn("reply failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
