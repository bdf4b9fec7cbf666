package domain

import "time"

// DefaultDeepLinkTTL is how long an issued deep link stays resolvable.
const DefaultDeepLinkTTL = 30 * 24 * time.Hour

// DeepLink is an issued outbound CTA. Read-only after creation.
type DeepLink struct {
	// ID is the short id carried in the token as "dl".
	ID     string `json:"id"`
	Flow   Flow   `json:"flow"`
	Target Target `json:"target"`

	Topic      string `json:"topic,omitempty"`
	EntityRef  string `json:"entity_ref,omitempty"`
	SourcePage string `json:"source_page,omitempty"`

	// AnonymousID is the web visitor that generated the CTA, if known.
	AnonymousID string `json:"anonymous_id,omitempty"`
	LeadID      string `json:"lead_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the link is dead at now.
func (l DeepLink) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}
