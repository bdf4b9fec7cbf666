// Package bot connects the conversation engine to the Telegram Bot API.
package bot

import (
	"context"
	"fmt"
	"net/http"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"companion/internal/config"
)

// UpdateHandler consumes inbound updates.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, update *models.Update) error
}

// Handler owns the Telegram client and feeds every update to an UpdateHandler.
type Handler struct {
	bot     *tgbot.Bot
	cfg     config.Config
	updates UpdateHandler
	log     logrus.FieldLogger
}

// NewHandler creates a new bot handler instance. Extra options are appended
// after the defaults.
func NewHandler(cfg config.Config, logger logrus.FieldLogger, opts ...tgbot.Option) (*Handler, error) {
	log := logger.WithField("component", "bot_handler")
	h := &Handler{cfg: cfg, log: log}

	base := []tgbot.Option{
		tgbot.WithDefaultHandler(h.dispatch),
		tgbot.WithErrorsHandler(func(err error) {
			log.WithError(err).Warn("Telegram client error")
		}),
	}
	if cfg.WebhookSecret != "" {
		base = append(base, tgbot.WithWebhookSecretToken(cfg.WebhookSecret))
	}

	b, err := tgbot.New(cfg.TelegramBotToken, append(base, opts...)...)
	if err != nil {
		log.WithError(err).Error("Failed to create Telegram bot instance")
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	h.bot = b

	log.WithField("mode", cfg.BotMode).Info("Telegram bot handler initialized")
	return h, nil
}

// Route sets the consumer of inbound updates. It must be called before Start.
func (h *Handler) Route(u UpdateHandler) {
	h.updates = u
}

// Sender returns the outbound side of the bot.
func (h *Handler) Sender() *Sender {
	return NewSender(h.bot, h.log)
}

// Start receives updates until ctx is cancelled: long polling by default, or
// a registered webhook in webhook mode. It blocks.
func (h *Handler) Start(ctx context.Context) error {
	if h.cfg.BotMode == config.ModeWebhook {
		if _, err := h.bot.SetWebhook(ctx, &tgbot.SetWebhookParams{
			URL:            h.cfg.WebhookURL,
			SecretToken:    h.cfg.WebhookSecret,
			AllowedUpdates: []string{"message", "callback_query"},
		}); err != nil {
			return fmt.Errorf("failed to set webhook: %w", err)
		}
		h.log.WithField("url", h.cfg.WebhookURL).Info("Webhook registered, waiting for updates...")
		h.bot.StartWebhook(ctx)
		h.log.Info("Telegram webhook processing stopped.")
		return nil
	}

	// A leftover webhook makes getUpdates fail.
	if _, err := h.bot.DeleteWebhook(ctx, &tgbot.DeleteWebhookParams{}); err != nil {
		h.log.WithError(err).Warn("Failed to delete webhook before polling")
	}
	h.log.Info("Starting Telegram bot polling...")
	h.bot.Start(ctx)
	h.log.Info("Telegram bot polling stopped.")
	return nil
}

// WebhookHandler accepts Telegram webhook POSTs. The secret token header is
// checked when one is configured.
func (h *Handler) WebhookHandler() http.HandlerFunc {
	return h.bot.WebhookHandler()
}

func (h *Handler) dispatch(ctx context.Context, _ *tgbot.Bot, update *models.Update) {
	if h.updates == nil {
		h.log.WithField("update_id", update.ID).Warn("No update handler routed, dropping update")
		return
	}
	if err := h.updates.HandleUpdate(ctx, update); err != nil {
		h.log.WithError(err).WithField("update_id", update.ID).Error("Failed to handle update")
	}
}
