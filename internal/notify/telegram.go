// Package notify pushes terminal task states to Telegram. Outbound
// only: the daemon has no chat surface, just notifications.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-foreman/internal/bus"
	"github.com/basket/go-foreman/internal/config"
)

// sender is the slice of tgbotapi.BotAPI the notifier needs.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier forwards task.completed and task.failed to one chat.
type Notifier struct {
	log    *slog.Logger
	bus    *bus.Bus
	chatID int64
	bot    sender
}

// New connects the bot. A bad token fails here, not at send time.
func New(log *slog.Logger, b *bus.Bus, cfg config.TelegramConfig) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	log.Info("telegram notifier connected", "user", bot.Self.UserName)
	return &Notifier{log: log.With("component", "notify"), bus: b, chatID: cfg.ChatID, bot: bot}, nil
}

// Run consumes task lifecycle events until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	sub := n.bus.Subscribe("task.")
	defer n.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			if ev.Topic != bus.TopicTaskCompleted && ev.Topic != bus.TopicTaskFailed {
				continue
			}
			term, ok := ev.Payload.(bus.TaskTerminalEvent)
			if !ok {
				continue
			}
			n.send(formatTerminal(ev.Topic, term))
		}
	}
}

func (n *Notifier) send(text string) {
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.bot.Send(msg); err != nil {
		n.log.Warn("telegram send failed", "error", err)
	}
}

func formatTerminal(topic string, ev bus.TaskTerminalEvent) string {
	dur := (time.Duration(ev.Duration) * time.Millisecond).Round(time.Second)
	if topic == bus.TopicTaskFailed {
		text := fmt.Sprintf("❌ %s failed (%s)", ev.SpecID, ev.Status)
		if ev.Diag != "" {
			text += ": " + ev.Diag
		}
		return text
	}
	switch ev.Status {
	case "human_review":
		text := fmt.Sprintf("👀 %s ready for review after %s", ev.SpecID, dur)
		if ev.Signoff != "" {
			text += fmt.Sprintf(" (QA: %s)", ev.Signoff)
		}
		return text
	default:
		return fmt.Sprintf("✅ %s done after %s", ev.SpecID, dur)
	}
}
