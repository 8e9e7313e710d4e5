package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram sends messages through the Telegram Bot API. Destinations
// are chat IDs stored as strings.
type Telegram struct {
	api    *tgbotapi.BotAPI
	logger *slog.Logger
}

func NewTelegram(token string, logger *slog.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &Telegram{
		api:    api,
		logger: logger.With("component", "telegram"),
	}, nil
}

func (t *Telegram) HasDestination(destination string) bool {
	return destination != ""
}

// Send delivers text to a chat, attaching inline buttons when actions
// are given. Returns the Telegram message id as the reference.
func (t *Telegram) Send(ctx context.Context, destination, text string, actions []Action) (string, error) {
	chatID, err := strconv.ParseInt(destination, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid chat id %q: %w", destination, err)
	}

	msg := tgbotapi.NewMessage(chatID, EscapeMarkdown(text))
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if len(actions) > 0 {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(actions))
		for _, action := range actions {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(action.Label, action.Data))
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(buttons...))
	}

	sent, err := t.api.Send(msg)
	if err != nil {
		return "", fmt.Errorf("failed to send telegram message: %w", err)
	}

	t.logger.Debug("message sent", "chat_id", chatID, "message_id", sent.MessageID)

	return strconv.Itoa(sent.MessageID), nil
}

// EscapeMarkdown escapes MarkdownV2 control characters.
func EscapeMarkdown(text string) string {
	replacer := strings.NewReplacer(
		"_", "\\_", "*", "\\*", "[", "\\[", "]", "\\]", "(", "\\(",
		")", "\\)", "~", "\\~", "`", "\\`", ">", "\\>", "#", "\\#",
		"+", "\\+", "-", "\\-", "=", "\\=", "|", "\\|", "{", "\\{",
		"}", "\\}", ".", "\\.", "!", "\\!",
	)
	return replacer.Replace(text)
}
