package domain

import (
	"maps"
	"time"
)

// Session is one user's place in the conversation. At most one session per
// TelegramUserID is active at a time.
//
// Session is handled as a value: the With* methods return a modified copy and
// leave the receiver untouched. Persisting the result is the caller's job.
type Session struct {
	ID             string `json:"id"`
	TelegramUserID int64  `json:"telegram_user_id"`

	State      State  `json:"state"`
	Flow       Flow   `json:"flow"`
	DeepLinkID string `json:"deep_link_id,omitempty"`
	Topic      string `json:"topic,omitempty"`

	// EntityRef and SourcePage come from the deep link and feed the flow intro
	// (resource to link back to, question being acknowledged).
	EntityRef  string `json:"entity_ref,omitempty"`
	SourcePage string `json:"source_page,omitempty"`
	Target     Target `json:"target"`

	Frequency string            `json:"frequency,omitempty"`
	Concierge map[string]string `json:"concierge,omitempty"`

	SeriesType     string     `json:"series_type,omitempty"`
	SeriesStep     int        `json:"series_step"`
	NextSendAt     *time.Time `json:"next_send_at,omitempty"`
	LastMessageKey string     `json:"last_message_key,omitempty"`

	IsActive          bool      `json:"is_active"`
	LastInteractionAt time.Time `json:"last_interaction_at"`
	CreatedAt         time.Time `json:"created_at"`
}

// Concierge preference keys.
const (
	ConciergeFormat = "format"
	ConciergeTime   = "time"
	ConciergeGoal   = "goal"
)

func (s Session) clone() Session {
	s.Concierge = maps.Clone(s.Concierge)
	if s.NextSendAt != nil {
		t := *s.NextSendAt
		s.NextSendAt = &t
	}
	return s
}

// WithState returns a copy moved to st.
func (s Session) WithState(st State) Session {
	c := s.clone()
	c.State = st
	return c
}

// WithTopic returns a copy with the topic set.
func (s Session) WithTopic(topic string) Session {
	c := s.clone()
	c.Topic = topic
	return c
}

// WithFrequency returns a copy with the onboarding frequency set.
func (s Session) WithFrequency(freq string) Session {
	c := s.clone()
	c.Frequency = freq
	return c
}

// WithConcierge returns a copy with key merged into the concierge preferences.
func (s Session) WithConcierge(key, value string) Session {
	c := s.clone()
	if c.Concierge == nil {
		c.Concierge = make(map[string]string, 3)
	}
	c.Concierge[key] = value
	return c
}

// WithSeries returns a copy scheduled for its next send.
func (s Session) WithSeries(seriesType string, step int, next time.Time, messageKey string) Session {
	c := s.clone()
	c.SeriesType = seriesType
	c.SeriesStep = step
	c.NextSendAt = &next
	c.LastMessageKey = messageKey
	return c
}

// WithoutSeries returns a copy with all series/reminder fields cleared.
func (s Session) WithoutSeries() Session {
	c := s.clone()
	c.SeriesType = ""
	c.SeriesStep = 0
	c.NextSendAt = nil
	c.LastMessageKey = ""
	return c
}

// Touched returns a copy with LastInteractionAt set to now.
func (s Session) Touched(now time.Time) Session {
	c := s.clone()
	c.LastInteractionAt = now
	return c
}

// Stopped returns a deactivated copy with no pending series.
func (s Session) Stopped(now time.Time) Session {
	c := s.WithoutSeries().Touched(now)
	c.IsActive = false
	return c
}

// Due reports whether the session has a scheduled send at or before now.
func (s Session) Due(now time.Time) bool {
	return s.IsActive && s.NextSendAt != nil && !s.NextSendAt.After(now)
}
