package alerting

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// TelegramOptions 描述 Telegram 通道配置。
type TelegramOptions struct {
	BotToken string
	ChatID   string
	// APIEndpoint 形如 https://api.telegram.org/bot%s/%s，为空使用官方地址。
	APIEndpoint string
	MaxRetries  int
	RetryDelay  time.Duration
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	bot        *tgbotapi.BotAPI
	chatID     int64
	maxRetries int
	retryDelay time.Duration
	logger     zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器，会调用 getMe 校验 token。
func NewTelegramNotifier(opts TelegramOptions, logger zerolog.Logger) (*TelegramNotifier, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(opts.ChatID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram chat id: %w", err)
	}
	endpoint := opts.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(opts.BotToken, endpoint)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	return &TelegramNotifier{
		bot:        bot,
		chatID:     chatID,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		logger:     logger.With().Str("component", "alert_telegram").Logger(),
	}, nil
}

// Notify 以 MarkdownV2 发送告警，失败时线性退避重试。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	msg := tgbotapi.NewMessage(n.chatID, renderMarkdownV2(note))
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	var lastErr error
	for i := 0; i < n.maxRetries; i++ {
		if _, err := n.bot.Send(msg); err == nil {
			n.logger.Info().
				Str("symbol", note.Symbol).
				Str("level", string(note.Level)).
				Int("insights", len(note.Insights)).
				Msg("告警已发送 (Telegram)")
			return nil
		} else {
			lastErr = err
		}
		if i == n.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(n.retryDelay * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("telegram send failed after %d attempts: %w", n.maxRetries, lastErr)
}

// renderMarkdownV2 加粗标题行，其余内容整体转义。
func renderMarkdownV2(note Notification) string {
	lines := renderLines(note)
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = escapeMarkdownV2(line)
	}
	out[0] = "*" + out[0] + "*"
	return strings.Join(out, "\n")
}

// escapeMarkdownV2 转义 MarkdownV2 保留字符。
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
