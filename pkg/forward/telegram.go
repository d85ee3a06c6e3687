package forward

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"wcfbridge/pkg/event"
)

const messagePreviewLimit = 240

// Telegram posts a one-line summary of each event to a chat.
type Telegram struct {
	bot       *telego.Bot
	chatID    int64
	allowFrom map[string]struct{}
}

// NewTelegram validates the token and builds the bot client. allowFrom
// limits forwarding to the listed senders or rooms; empty forwards all.
func NewTelegram(token string, chatID int64, allowFrom []string) (*Telegram, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("forwarding.telegram.token is required")
	}

	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	return &Telegram{
		bot:       bot,
		chatID:    chatID,
		allowFrom: allowFromSet(allowFrom),
	}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Mode() Mode { return ModeRetry }

func (t *Telegram) Deliver(ctx context.Context, ev event.NormalizedEvent) error {
	if !t.allowed(ev) {
		return nil
	}
	if _, err := t.bot.SendMessage(ctx, tu.Message(tu.ID(t.chatID), summarize(ev))); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

func (t *Telegram) allowed(ev event.NormalizedEvent) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	if _, ok := t.allowFrom[ev.Sender]; ok {
		return true
	}
	_, ok := t.allowFrom[ev.RoomID]
	return ok && ev.RoomID != ""
}

// summarize renders "[kind] sender@room: text". Parsed cards show their
// title instead of raw markup.
func summarize(ev event.NormalizedEvent) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(ev.Kind))
	b.WriteString("] ")
	b.WriteString(ev.Sender)
	if ev.RoomID != "" {
		b.WriteString("@")
		b.WriteString(ev.RoomID)
	}
	b.WriteString(": ")

	text := ev.Content
	if title := ev.Fields["title"]; ev.Markup == event.MarkupParsed && title != "" {
		text = title
	}
	b.WriteString(previewText(text))
	return b.String()
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a single-line preview of at most messagePreviewLimit
// runes of message text.
func previewText(text string) string {
	trimmed := strings.Join(strings.Fields(text), " ")
	runes := []rune(trimmed)
	if len(runes) <= messagePreviewLimit {
		return trimmed
	}

	return string(runes[:messagePreviewLimit]) + "..."
}
