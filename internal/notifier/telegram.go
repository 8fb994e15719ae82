package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// Sender delivers one plain-text message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, text string) error

func (f SenderFunc) Send(ctx context.Context, text string) error { return f(ctx, text) }

// Telegram sends to one chat (and optional forum thread) through the Bot API.
type Telegram struct {
	bot      *tele.Bot
	chat     *tele.Chat
	threadID int
}

// TelegramOption customises the underlying bot settings.
type TelegramOption func(*tele.Settings)

// WithAPIURL points the bot at a different Bot API server.
func WithAPIURL(url string) TelegramOption {
	return func(s *tele.Settings) { s.URL = url }
}

func NewTelegram(token string, chatID int64, threadID int, opts ...TelegramOption) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("notifier: telegram token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("notifier: telegram chat_id is empty")
	}
	st := tele.Settings{
		Token: token,
		// send-only: no getMe round trip, no poller
		Offline: true,
	}
	for _, o := range opts {
		o(&st)
	}
	b, err := tele.NewBot(st)
	if err != nil {
		return nil, fmt.Errorf("notifier: telegram: %w", err)
	}
	return &Telegram{bot: b, chat: &tele.Chat{ID: chatID}, threadID: threadID}, nil
}

func (t *Telegram) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(t.chat, text, &tele.SendOptions{
		ThreadID:              t.threadID,
		DisableWebPagePreview: true,
	})
	return err
}
