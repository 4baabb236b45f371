package messenger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/arc-self/market-sentinel/internal/model"
	"github.com/arc-self/market-sentinel/internal/report"
)

const (
	updateTimeoutSeconds = 60
	sendMaxAttempts      = 3
)

// Telegram adapts the Bot API to the Messenger contract. Reports are sent
// as MarkdownV2; inbound updates are reduced to slash commands.
type Telegram struct {
	bot      *tgbotapi.BotAPI
	logger   *zap.Logger
	commands chan Command
	done     chan struct{}
}

// NewTelegram authenticates the bot and starts the update loop.
func NewTelegram(token string, logger *zap.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	logger.Info("telegram bot authenticated", zap.String("username", bot.Self.UserName))

	t := &Telegram{
		bot:      bot,
		logger:   logger,
		commands: make(chan Command, 16),
		done:     make(chan struct{}),
	}
	go t.updateLoop()
	return t, nil
}

var _ Messenger = (*Telegram)(nil)

func (t *Telegram) updateLoop() {
	defer close(t.commands)

	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = updateTimeoutSeconds
	updates := t.bot.GetUpdatesChan(cfg)

	for {
		select {
		case <-t.done:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || !update.Message.IsCommand() || update.Message.From == nil {
				continue
			}
			cmd := Command{
				Chat: model.ChatContext{
					UserID:   update.Message.From.ID,
					Username: update.Message.From.UserName,
					ChatID:   update.Message.Chat.ID,
					ChatKind: model.ChatKind(update.Message.Chat.Type),
				},
				Name: update.Message.Command(),
				Args: strings.Fields(update.Message.CommandArguments()),
			}
			select {
			case t.commands <- cmd:
			case <-t.done:
				return
			}
		}
	}
}

// Send delivers one segment as MarkdownV2, retrying transient API errors
// with exponential backoff.
func (t *Telegram) Send(ctx context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.DisableWebPagePreview = true

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.RandomizationFactor = 0

	var lastErr error
	for attempt := 1; attempt <= sendMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, lastErr = t.bot.Send(msg); lastErr == nil {
			return nil
		}
		t.logger.Warn("telegram send failed",
			zap.Int64("chat_id", chatID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		if attempt < sendMaxAttempts {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("telegram send to %d: %w", chatID, lastErr)
}

// ResolveUsername asks the API for the chat behind an @username. Works for
// usernames visible to the bot; callers treat failure as a dropped entry.
func (t *Telegram) ResolveUsername(ctx context.Context, name string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	username := "@" + strings.TrimPrefix(name, "@")
	chat, err := t.bot.GetChat(tgbotapi.ChatInfoConfig{
		ChatConfig: tgbotapi.ChatConfig{SuperGroupUsername: username},
	})
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", username, err)
	}
	return chat.ID, nil
}

func (t *Telegram) Commands() <-chan Command { return t.commands }

// Close stops the update loop; the Commands channel closes shortly after.
func (t *Telegram) Close() {
	close(t.done)
	t.bot.StopReceivingUpdates()
}

// Escaper returns the MarkdownV2 escape rules for the report renderer.
func (t *Telegram) Escaper() report.Escaper {
	return MarkdownV2Escaper()
}

// MarkdownV2Escaper implements Telegram's MarkdownV2 escaping: all
// reserved characters in free text, backslash and closing parenthesis
// inside link targets.
func MarkdownV2Escaper() report.Escaper {
	return report.Escaper{
		Text: func(s string) string {
			return tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, s)
		},
		URL: escapeLinkTarget,
	}
}

func escapeLinkTarget(u string) string {
	u = strings.ReplaceAll(u, `\`, `\\`)
	return strings.ReplaceAll(u, `)`, `\)`)
}
