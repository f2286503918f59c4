package provider

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/notifyrelay/notifyrelay/internal/config"
	"github.com/notifyrelay/notifyrelay/internal/notification"
	"github.com/notifyrelay/notifyrelay/internal/telemetry"
)

// telegramAPI is the slice of the bot client the provider needs.
type telegramAPI interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// TelegramProvider delivers notifications via the Telegram Bot API. The
// recipient is a chat ID.
type TelegramProvider struct {
	config config.TelegramConfig
	api    telegramAPI
}

// NewTelegramProvider creates a Telegram provider. Without a bot token the
// provider mock-delivers. GetMe is skipped on construction so a configured
// but unreachable Telegram API does not block startup; the first Send
// surfaces the problem instead.
func NewTelegramProvider(cfg config.TelegramConfig) (*TelegramProvider, error) {
	p := &TelegramProvider{config: cfg}

	if !cfg.Configured() {
		return p, nil
	}

	b, err := bot.New(cfg.BotToken, bot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	p.api = b

	return p, nil
}

// ChannelTag returns the channel this provider handles.
func (p *TelegramProvider) ChannelTag() notification.Channel {
	return notification.ChannelTelegram
}

// Send delivers message to the recipient chat.
func (p *TelegramProvider) Send(ctx context.Context, recipient, message string) error {
	logger := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"operation": "send_telegram",
		"chat_id":   recipient,
	})

	if p.api == nil {
		logger.Info("Telegram bot not configured, mock-delivering message")
		return nil
	}

	_, err := p.api.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: recipient,
		Text:   message,
	})
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}

	logger.Info("Telegram message sent")
	return nil
}
