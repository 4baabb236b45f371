// Package messenger abstracts the chat platform: outbound sends, username
// resolution for the authorization set, and the inbound command stream.
package messenger

import (
	"context"

	"github.com/arc-self/market-sentinel/internal/model"
)

// Command is one inbound slash command with its sender context.
type Command struct {
	Chat model.ChatContext
	Name string // without the leading slash
	Args []string
}

// Messenger is implemented by the Telegram adapter; tests use the
// generated mock.
type Messenger interface {
	// Send delivers one text segment to a chat. Transient failures are
	// retried internally; the returned error is terminal.
	Send(ctx context.Context, chatID int64, text string) error

	// ResolveUsername maps an @username to a numeric user id. Used once
	// at startup to materialize the authorization set.
	ResolveUsername(ctx context.Context, name string) (int64, error)

	// Commands returns the inbound command stream. The channel closes
	// when the adapter shuts down.
	Commands() <-chan Command

	// Close stops the update loop and closes the command channel.
	Close()
}
