package bot

import (
	"context"
	"fmt"

	tgbot "github.com/go-telegram/bot"
	"github.com/sirupsen/logrus"

	"companion/internal/engine"
)

// Sender delivers engine replies through the Bot API.
type Sender struct {
	bot *tgbot.Bot
	log logrus.FieldLogger
}

// NewSender wraps b.
func NewSender(b *tgbot.Bot, logger logrus.FieldLogger) *Sender {
	return &Sender{bot: b, log: logger.WithField("component", "bot_sender")}
}

// SendMessage sends r to chatID, attaching the inline keyboard when present.
func (s *Sender) SendMessage(ctx context.Context, chatID int64, r engine.Reply) error {
	params := &tgbot.SendMessageParams{
		ChatID: chatID,
		Text:   r.Text,
	}
	// A typed nil keyboard would still be serialized.
	if r.Keyboard != nil {
		params.ReplyMarkup = r.Keyboard
	}
	if _, err := s.bot.SendMessage(ctx, params); err != nil {
		s.log.WithError(err).WithField("chat_id", chatID).Error("Failed to send message")
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// AnswerCallback acknowledges a callback query so the client stops its spinner.
func (s *Sender) AnswerCallback(ctx context.Context, callbackID string) error {
	if _, err := s.bot.AnswerCallbackQuery(ctx, &tgbot.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
	}); err != nil {
		return fmt.Errorf("answer callback query: %w", err)
	}
	return nil
}

var _ engine.Messenger = (*Sender)(nil)
