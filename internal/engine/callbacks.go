package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"companion/internal/domain"
)

func (d *Dispatcher) handleCallback(ctx context.Context, in inbound, now time.Time, log logrus.FieldLogger) error {
	if err := d.msg.AnswerCallback(ctx, in.callbackID); err != nil {
		return fmt.Errorf("failed to answer callback %s: %w", in.callbackID, err)
	}

	if in.data == cbStop {
		return d.handleStop(ctx, in, stopByButton, now, log)
	}

	s, found, err := d.activeSession(ctx, in.from.ID)
	if err != nil {
		return err
	}
	if !found {
		return d.send(ctx, in.chatID, startOverReply())
	}
	log = log.WithFields(logrus.Fields{"session_id": s.ID, "state": s.State, "callback": in.data})

	d.track(ctx, s, domain.EventInteraction, now, map[string]string{
		"kind":   domain.InteractionButtonClick,
		"button": in.data,
	})

	// A button only acts in the state whose prompt offered it.
	expected, known := callbackState(in.data)
	if !known {
		log.Debug("Unrecognized callback data")
		return nil
	}
	if s.State != expected {
		log.WithField("expected_state", expected).Info("Ignoring stale button")
		if in.data == cbChannelConfirmed {
			return d.send(ctx, in.chatID, alreadyConfirmedReply())
		}
		return d.send(ctx, in.chatID, staleButtonReply())
	}

	var (
		next    domain.Session
		reply   Reply
		pending []pendingEvent
	)
	switch data := in.data; {
	case data == cbChannelConfirmed:
		pending = append(pending, pendingEvent{domain.EventSubscribeConfirmed, map[string]string{"target": string(domain.TargetChannel)}})
		next, reply = onboard(s)

	case strings.HasPrefix(data, cbTopic):
		topic := strings.TrimPrefix(data, cbTopic)
		if !validOption(domain.Topics, topic) {
			log.Warn("Unknown topic in callback")
			next, reply = s, topicPrompt()
			break
		}
		next, reply = s.WithTopic(topic).WithState(domain.StateOnboardingFrequency), frequencyPrompt()

	case strings.HasPrefix(data, cbFrequency):
		freq := strings.TrimPrefix(data, cbFrequency)
		if !validOption(domain.Frequencies, freq) {
			log.Warn("Unknown frequency in callback")
			next, reply = s, frequencyPrompt()
			break
		}
		next = s.WithFrequency(freq).WithState(domain.StateIdle)
		pending = append(pending, pendingEvent{domain.EventOnboardingCompleted, map[string]string{
			"topic":     next.Topic,
			"frequency": freq,
		}})
		next, reply = d.intro(next, now)

	case strings.HasPrefix(data, cbConciergeFormat):
		next = s.WithConcierge(domain.ConciergeFormat, strings.TrimPrefix(data, cbConciergeFormat)).
			WithState(domain.StateConciergeTime)
		reply = conciergeTimePrompt()

	case strings.HasPrefix(data, cbConciergeTime):
		next = s.WithConcierge(domain.ConciergeTime, strings.TrimPrefix(data, cbConciergeTime)).
			WithState(domain.StateConciergeGoal)
		reply = conciergeGoalPrompt()

	case strings.HasPrefix(data, cbConciergeGoal):
		next = s.WithConcierge(domain.ConciergeGoal, strings.TrimPrefix(data, cbConciergeGoal)).
			WithState(domain.StateIdle)
		reply = d.conciergeSummary(next)
	}

	saved, err := d.save(ctx, next.Touched(now), log)
	if err != nil || !saved {
		return err
	}
	for _, e := range pending {
		d.track(ctx, next, e.name, now, e.props)
	}
	log.WithField("next_state", next.State).Info("Session advanced")
	return d.send(ctx, in.chatID, reply)
}

// pendingEvent is recorded only once the transition it describes is saved.
type pendingEvent struct {
	name  string
	props map[string]string
}

// callbackState maps callback data to the state whose prompt carries that
// button. known is false for data the engine never sends.
func callbackState(data string) (state domain.State, known bool) {
	switch {
	case data == cbChannelConfirmed:
		return domain.StateChannelConfirmation, true
	case strings.HasPrefix(data, cbTopic):
		return domain.StateOnboardingTopic, true
	case strings.HasPrefix(data, cbFrequency):
		return domain.StateOnboardingFrequency, true
	case strings.HasPrefix(data, cbConciergeFormat):
		return domain.StateConciergeFormat, true
	case strings.HasPrefix(data, cbConciergeTime):
		return domain.StateConciergeTime, true
	case strings.HasPrefix(data, cbConciergeGoal):
		return domain.StateConciergeGoal, true
	}
	return "", false
}

func validOption(opts []domain.Option, v string) bool {
	for _, o := range opts {
		if o.Value == v {
			return true
		}
	}
	return false
}
