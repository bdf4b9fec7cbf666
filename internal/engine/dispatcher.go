// Package engine drives the companion bot conversation: each inbound update is
// classified, matched to the user's active session, moved through the
// onboarding/flow state machine and persisted before any reply goes out.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-telegram/bot/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"companion/internal/domain"
	"companion/internal/links"
	"companion/internal/storage"
)

// Store is the persistence the dispatcher needs.
type Store interface {
	storage.UserRepository
	storage.SessionRepository
	storage.EventRepository
	FindActiveDeepLink(ctx context.Context, id string, now time.Time) (domain.DeepLink, error)
}

// Reply is one outbound message.
type Reply struct {
	Text     string
	Keyboard *models.InlineKeyboardMarkup
}

// Messenger delivers replies and acknowledges callback queries.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, reply Reply) error
	AnswerCallback(ctx context.Context, callbackID string) error
}

// Deduper reports whether an update id is seen for the first time. Release
// forgets a claimed id so a redelivery of a failed update is handled again.
type Deduper interface {
	FirstSeen(ctx context.Context, updateID int64) (bool, error)
	Release(ctx context.Context, updateID int64) error
}

// Settings carries the values handlers would otherwise look up globally.
type Settings struct {
	SiteBaseURL   string
	ChannelURL    string
	SeriesDelay   time.Duration
	ReminderDelay time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// Dispatcher is the update state machine.
type Dispatcher struct {
	store    Store
	msg      Messenger
	dedup    Deduper
	links    *links.Builder
	settings Settings
	log      logrus.FieldLogger
}

// NewDispatcher creates a Dispatcher. Zero delays fall back to 24h.
func NewDispatcher(store Store, msg Messenger, settings Settings, logger logrus.FieldLogger) *Dispatcher {
	if settings.SeriesDelay <= 0 {
		settings.SeriesDelay = 24 * time.Hour
	}
	if settings.ReminderDelay <= 0 {
		settings.ReminderDelay = 24 * time.Hour
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	return &Dispatcher{
		store:    store,
		msg:      msg,
		links:    links.NewBuilder(settings.SiteBaseURL),
		settings: settings,
		log:      logger.WithField("component", "dispatcher"),
	}
}

// UseDeduper drops updates whose id was already handled.
func (d *Dispatcher) UseDeduper(g Deduper) {
	d.dedup = g
}

// inbound is the part of an update the state machine looks at.
type inbound struct {
	updateID   int64
	from       models.User
	chatID     int64
	text       string
	isCallback bool
	callbackID string
	data       string
}

// classify extracts an inbound event; ok is false for shapes the engine ignores.
func classify(u *models.Update) (inbound, bool) {
	switch {
	case u.Message != nil:
		m := u.Message
		if m.From == nil || m.From.ID == 0 {
			return inbound{}, false
		}
		chatID := m.Chat.ID
		if chatID == 0 {
			chatID = m.From.ID
		}
		return inbound{updateID: u.ID, from: *m.From, chatID: chatID, text: m.Text}, true

	case u.CallbackQuery != nil:
		cq := u.CallbackQuery
		if cq.From.ID == 0 || cq.ID == "" {
			return inbound{}, false
		}
		chatID := cq.From.ID
		if cq.Message.Message != nil && cq.Message.Message.Chat.ID != 0 {
			chatID = cq.Message.Message.Chat.ID
		}
		return inbound{
			updateID:   u.ID,
			from:       cq.From,
			chatID:     chatID,
			isCallback: true,
			callbackID: cq.ID,
			data:       cq.Data,
		}, true
	}
	return inbound{}, false
}

// HandleUpdate processes one inbound update to completion. Downstream failures
// are returned to the caller; nothing is retried here.
func (d *Dispatcher) HandleUpdate(ctx context.Context, u *models.Update) error {
	if u == nil {
		return nil
	}
	in, ok := classify(u)
	if !ok {
		d.log.WithField("update_id", u.ID).Debug("Ignoring update without message or callback sender")
		return nil
	}
	log := d.log.WithFields(logrus.Fields{"update_id": in.updateID, "user_id": in.from.ID})

	claimed := false
	if d.dedup != nil {
		first, err := d.dedup.FirstSeen(ctx, in.updateID)
		switch {
		case err != nil:
			log.WithError(err).Warn("Duplicate check failed, processing anyway")
		case !first:
			log.Info("Dropping duplicate update")
			return nil
		default:
			claimed = true
		}
	}

	err := d.process(ctx, in, log)
	if err != nil && claimed {
		if relErr := d.dedup.Release(ctx, in.updateID); relErr != nil {
			log.WithError(relErr).Warn("Failed to release update id, redelivery will be dropped")
		}
	}
	return err
}

func (d *Dispatcher) process(ctx context.Context, in inbound, log logrus.FieldLogger) error {
	now := d.settings.Now()
	if err := d.store.UpsertUser(ctx, domain.TelegramUser{
		ID:           in.from.ID,
		Username:     in.from.Username,
		FirstName:    in.from.FirstName,
		LastName:     in.from.LastName,
		LanguageCode: in.from.LanguageCode,
		IsBot:        in.from.IsBot,
		LastSeenAt:   now,
	}); err != nil {
		return err
	}

	if in.isCallback {
		return d.handleCallback(ctx, in, now, log)
	}
	return d.handleMessage(ctx, in, now, log)
}

func (d *Dispatcher) handleMessage(ctx context.Context, in inbound, now time.Time, log logrus.FieldLogger) error {
	cmd, arg, isCmd := parseCommand(in.text)
	switch {
	case isCmd && cmd == cmdStart:
		return d.handleStart(ctx, in, arg, now, log)
	case isCmd && cmd == cmdStop:
		return d.handleStop(ctx, in, stopByCommand, now, log)
	}

	s, found, err := d.activeSession(ctx, in.from.ID)
	if err != nil {
		return err
	}
	if !found {
		return d.send(ctx, in.chatID, startOverReply())
	}
	log = log.WithFields(logrus.Fields{"session_id": s.ID, "state": s.State})

	bucket := domain.TextLengthBucket(len([]rune(in.text)))
	d.track(ctx, s, domain.EventInteraction, now, map[string]string{
		"kind":        domain.InteractionMessage,
		"text_length": bucket,
	})
	log.WithField("text_length", bucket).Debug("Free-text message")

	saved, err := d.save(ctx, s.Touched(now), log)
	if err != nil || !saved {
		return err
	}
	return d.send(ctx, in.chatID, buttonsOnlyReply())
}

// activeSession loads the user's active session; found is false when there is none.
func (d *Dispatcher) activeSession(ctx context.Context, userID int64) (domain.Session, bool, error) {
	s, err := d.store.FindActiveSession(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Session{}, false, nil
	}
	if err != nil {
		return domain.Session{}, false, err
	}
	return s, true, nil
}

// save persists s. A stale write means a newer /start owns the conversation;
// the update is dropped without replying.
func (d *Dispatcher) save(ctx context.Context, s domain.Session, log logrus.FieldLogger) (bool, error) {
	err := d.store.SaveSession(ctx, s)
	if errors.Is(err, storage.ErrStaleSession) {
		log.WithField("session_id", s.ID).Warn("Session superseded while handling update, dropping reply")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *Dispatcher) send(ctx context.Context, chatID int64, r Reply) error {
	if err := d.msg.SendMessage(ctx, chatID, r); err != nil {
		return fmt.Errorf("failed to send message to chat %d: %w", chatID, err)
	}
	return nil
}

// track records an event. Tracking is fire-and-forget: failures are logged only.
func (d *Dispatcher) track(ctx context.Context, s domain.Session, name string, now time.Time, props map[string]string) {
	e := domain.TrackingEvent{
		ID:             uuid.NewString(),
		Name:           name,
		TelegramUserID: s.TelegramUserID,
		SessionID:      s.ID,
		Flow:           s.Flow,
		DeepLinkID:     s.DeepLinkID,
		Props:          props,
		OccurredAt:     now,
	}
	if err := d.store.RecordEvent(ctx, e); err != nil {
		d.log.WithError(err).WithFields(logrus.Fields{"event": name, "user_id": s.TelegramUserID}).
			Warn("Failed to record tracking event")
	}
}
