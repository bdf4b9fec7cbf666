package domain

import "time"

// Tracking event names.
const (
	EventInteraction         = "interaction"
	EventSubscribeConfirmed  = "subscribe_confirmed"
	EventOnboardingCompleted = "onboarding_completed"
	EventSeriesStopped       = "series_stopped"
)

// Interaction kinds recorded in the "kind" property of EventInteraction.
const (
	InteractionStart       = "start"
	InteractionButtonClick = "button_click"
	InteractionMessage     = "message"
	InteractionStop        = "stop"
)

// TrackingEvent is a single funnel/interaction record.
type TrackingEvent struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	TelegramUserID int64             `json:"telegram_user_id"`
	SessionID      string            `json:"session_id,omitempty"`
	Flow           Flow              `json:"flow,omitempty"`
	DeepLinkID     string            `json:"deep_link_id,omitempty"`
	Props          map[string]string `json:"props,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
}

// TextLengthBucket maps a message length to its analytics band. Raw text is
// never recorded.
func TextLengthBucket(n int) string {
	switch {
	case n <= 0:
		return "0"
	case n <= 20:
		return "1_20"
	case n <= 80:
		return "21_80"
	case n <= 200:
		return "81_200"
	default:
		return "200_plus"
	}
}
