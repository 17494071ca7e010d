package telegram

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tg-top-feed/internal/domain"
	"tg-top-feed/internal/infra/metrics"
)

// Sender описывает часть tgbotapi.BotAPI, нужную для отправки сообщений.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// BotPublisher отправляет ссылки на отобранные сообщения в чат через Bot API.
type BotPublisher struct {
	bot    Sender
	chatID int64
}

var _ domain.Publisher = (*BotPublisher)(nil)

// NewBotPublisher создаёт публикатор.
func NewBotPublisher(bot Sender, chatID int64) *BotPublisher {
	return &BotPublisher{bot: bot, chatID: chatID}
}

// Name возвращает имя публикатора.
func (p *BotPublisher) Name() string { return "telegram_bot" }

// Publish отправляет выборку. Пустая выборка не публикуется.
func (p *BotPublisher) Publish(ctx context.Context, run domain.RunResult) error {
	if len(run.Selection) == 0 {
		return nil
	}
	for _, part := range SplitMessage(FormatSelection(run.Selection)) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(p.chatID, part)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.DisableWebPagePreview = true
		start := time.Now()
		_, err := p.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(p.chatID, 10), start, err)
		if err != nil {
			return fmt.Errorf("отправка в чат %d: %w", p.chatID, err)
		}
	}
	return nil
}

// FormatSelection формирует HTML-список ссылок в порядке выборки.
func FormatSelection(sel domain.Selection) string {
	var b strings.Builder
	b.WriteString("🔥 <b>Лучшее за последние 2 часа</b>\n")
	for i, item := range sel {
		fmt.Fprintf(&b, "%d. <a href=\"%s\">%s</a>\n", i+1, html.EscapeString(item.Link()), html.EscapeString("@"+string(item.Handle)))
	}
	return strings.TrimSpace(b.String())
}
