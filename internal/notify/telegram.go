// Package notify delivers campaign progress messages to a Telegram chat.
// Delivery is best effort: failures are logged and never stall the engine.
package notify

import (
	"context"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"bbmess/pkg/logx"
)

type Config struct {
	Token  string
	ChatID int64
	Prefix string
}

// Telegram is a send-only notifier. It never polls for updates.
type Telegram struct {
	bot    *tele.Bot
	chat   *tele.Chat
	prefix string
	log    logx.Logger
}

// New returns (nil, nil) when no token or chat is configured; callers treat a
// nil notifier as disabled.
func New(cfg Config, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" || cfg.ChatID == 0 {
		return nil, nil
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &Telegram{
		bot:    b,
		chat:   &tele.Chat{ID: cfg.ChatID},
		prefix: cfg.Prefix,
		log:    log,
	}, nil
}

func (t *Telegram) Notify(ctx context.Context, text string) {
	if t == nil || t.bot == nil {
		return
	}
	if err := ctx.Err(); err != nil {
		return
	}
	if t.prefix != "" {
		text = t.prefix + " " + text
	}
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(t.chat, text, &tele.SendOptions{DisableWebPagePreview: true})
		done <- err
	}()

	// telebot sends are not context-aware; bound them here so a hung API
	// call cannot stall the scheduling loop.
	tmr := time.NewTimer(15 * time.Second)
	defer tmr.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.log.Warn("telegram notify failed", logx.Err(err))
		}
	case <-ctx.Done():
	case <-tmr.C:
		t.log.Warn("telegram notify timed out")
	}
}
