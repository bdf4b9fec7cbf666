package domain

import "time"

// TelegramUser is the chat-platform profile, upserted on every update.
type TelegramUser struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username,omitempty"`
	FirstName    string    `json:"first_name,omitempty"`
	LastName     string    `json:"last_name,omitempty"`
	LanguageCode string    `json:"language_code,omitempty"`
	IsBot        bool      `json:"is_bot"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}
