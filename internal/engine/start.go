package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"companion/internal/deeplink"
	"companion/internal/domain"
	"companion/internal/storage"
)

// startContext is what a /start token resolves to.
type startContext struct {
	flow       domain.Flow
	topic      string
	deepLinkID string
	target     domain.Target
	entityRef  string
	sourcePage string
}

// resolveStart turns the optional /start token into a start context. Any
// decode or lookup failure degrades to the default flow.
func (d *Dispatcher) resolveStart(ctx context.Context, token string, now time.Time, log logrus.FieldLogger) startContext {
	sc := startContext{flow: domain.DefaultFlow, target: domain.TargetBot}
	if token == "" {
		return sc
	}

	payload, decodeErr := deeplink.Decode(token)
	linkID := payload.DL
	if decodeErr != nil {
		if !deeplink.LooksLikeShortID(token) {
			log.WithError(decodeErr).Info("Malformed start token, using default flow")
			return sc
		}
		linkID = token
	}

	link, err := d.store.FindActiveDeepLink(ctx, linkID, now)
	switch {
	case err == nil:
		sc = startContext{
			flow:       link.Flow,
			topic:      link.Topic,
			deepLinkID: link.ID,
			target:     link.Target,
			entityRef:  link.EntityRef,
			sourcePage: link.SourcePage,
		}
		if sc.flow == "" {
			sc.flow = domain.DefaultFlow
		}
		if sc.target == "" {
			sc.target = domain.TargetBot
		}
		return sc
	case errors.Is(err, storage.ErrNotFound):
		log.WithField("deep_link_id", linkID).Debug("Deep link not found or expired")
	default:
		log.WithError(err).WithField("deep_link_id", linkID).Warn("Deep link lookup failed, using token payload")
	}

	if decodeErr == nil {
		sc.deepLinkID = payload.DL
		sc.flow = payload.Flow
		sc.topic = payload.Topic
		sc.entityRef = payload.EntityRef
		sc.sourcePage = payload.SourcePage
	}
	return sc
}

func (d *Dispatcher) handleStart(ctx context.Context, in inbound, token string, now time.Time, log logrus.FieldLogger) error {
	sc := d.resolveStart(ctx, token, now, log)

	s := domain.Session{
		ID:                uuid.NewString(),
		TelegramUserID:    in.from.ID,
		Flow:              sc.flow,
		DeepLinkID:        sc.deepLinkID,
		Topic:             sc.topic,
		EntityRef:         sc.entityRef,
		SourcePage:        sc.sourcePage,
		Target:            sc.target,
		IsActive:          true,
		LastInteractionAt: now,
		CreatedAt:         now,
	}

	var reply Reply
	switch {
	case sc.target == domain.TargetChannel:
		s = s.WithState(domain.StateChannelConfirmation)
		reply = d.channelConfirmationReply()
	case sc.flow.SkipsOnboarding():
		s, reply = d.intro(s.WithState(domain.StateIdle), now)
	default:
		s, reply = onboard(s)
	}

	log = log.WithFields(logrus.Fields{
		"session_id": s.ID,
		"flow":       s.Flow,
		"target":     s.Target,
		"state":      s.State,
	})
	if err := d.store.StartSession(ctx, s); err != nil {
		return err
	}
	log.Info("Session started")

	d.track(ctx, s, domain.EventInteraction, now, map[string]string{"kind": domain.InteractionStart})
	if s.Target == domain.TargetBot {
		d.track(ctx, s, domain.EventSubscribeConfirmed, now, map[string]string{"target": string(domain.TargetBot)})
	}

	return d.send(ctx, in.chatID, reply)
}

const (
	stopByCommand = "command"
	stopByButton  = "button"
)

// handleStop deactivates the user's session. Without an active session it only
// confirms; no series-stopped event is recorded.
func (d *Dispatcher) handleStop(ctx context.Context, in inbound, method string, now time.Time, log logrus.FieldLogger) error {
	s, found, err := d.activeSession(ctx, in.from.ID)
	if err != nil {
		return err
	}
	if !found {
		log.WithField("method", method).Debug("Stop without active session")
		return d.send(ctx, in.chatID, alreadyStoppedReply())
	}

	log = log.WithFields(logrus.Fields{"session_id": s.ID, "method": method})
	stopped := s.Stopped(now)
	saved, err := d.save(ctx, stopped, log)
	if err != nil || !saved {
		return err
	}
	log.Info("Session stopped")

	d.track(ctx, s, domain.EventInteraction, now, map[string]string{
		"kind":   domain.InteractionStop,
		"method": method,
	})
	d.track(ctx, s, domain.EventSeriesStopped, now, map[string]string{
		"method":      method,
		"series_type": s.SeriesType,
	})
	return d.send(ctx, in.chatID, stoppedReply())
}
