// Package telegram sends job completion notices via the Telegram Bot API.
// Messages use MarkdownV2 and delivery is retried with a linear backoff.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/takeru403/Ipoca-network/internal/models"
)

// sender is the subset of *tgbotapi.BotAPI the client needs.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications
type Client struct {
	bot            sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return newClient(bot, chatID, maxRetries, retryDelayBase)
}

func newClient(bot sender, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// NotifyJob reports a terminal job record to the configured chat.
func (c *Client) NotifyJob(ctx context.Context, rec models.JobRecord) error {
	msg := tgbotapi.NewMessage(c.chatID, formatJobMessage(rec))
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.DisableWebPagePreview = true

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return fmt.Errorf("notification cancelled: %w", ctx.Err())
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}

	return fmt.Errorf("failed to send message after %d retries: %w", c.maxRetries, lastErr)
}

// resultCounts is the part of a job result shown in notifications.
type resultCounts struct {
	RulesCount int    `json:"rules_count"`
	NodesCount int    `json:"nodes_count"`
	EdgesCount int    `json:"edges_count"`
	Filename   string `json:"filename"`
}

func formatJobMessage(rec models.JobRecord) string {
	var b strings.Builder

	switch rec.Status {
	case models.StatusCompleted:
		b.WriteString("✅ *POS analysis completed*\n\n")
	case models.StatusFailed:
		b.WriteString("❌ *POS analysis failed*\n\n")
	default:
		b.WriteString("⏳ *POS analysis in progress*\n\n")
	}

	fmt.Fprintf(&b, "🆔 `%s`\n", escapeMarkdownV2(rec.ProcessID))
	if rec.Filename != "" {
		fmt.Fprintf(&b, "📄 File: %s\n", escapeMarkdownV2(rec.Filename))
	}
	if rec.FinishedAt != nil {
		fmt.Fprintf(&b, "⏱ Took: %s\n", escapeMarkdownV2(formatDuration(rec.FinishedAt.Sub(rec.CreatedAt))))
	}

	switch rec.Status {
	case models.StatusCompleted:
		var counts resultCounts
		if len(rec.Result) > 0 && json.Unmarshal(rec.Result, &counts) == nil {
			fmt.Fprintf(&b, "\n📊 Rules: *%d*\n", counts.RulesCount)
			fmt.Fprintf(&b, "🏬 Shops: *%d*\n", counts.NodesCount)
			fmt.Fprintf(&b, "🔗 Links: *%d*\n", counts.EdgesCount)
			if counts.Filename != "" {
				fmt.Fprintf(&b, "💾 %s\n", escapeMarkdownV2(counts.Filename))
			}
		}
	case models.StatusFailed:
		fmt.Fprintf(&b, "\n%s\n", escapeMarkdownV2(rec.Message))
	default:
		fmt.Fprintf(&b, "\n%s %s\n", escapeMarkdownV2(rec.CurrentStep),
			escapeMarkdownV2(fmt.Sprintf("(%d%%)", rec.Progress)))
	}

	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}
