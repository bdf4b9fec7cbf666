package storage

import (
	"context"
	"errors"
	"time"

	"companion/internal/domain"
)

var (
	// ErrNotFound is returned when a record is absent, or logically dead
	// (an expired deep link, an inactive session).
	ErrNotFound = errors.New("not found")

	// ErrStaleSession is returned when an active session is saved after a newer
	// session has taken over for the same user.
	ErrStaleSession = errors.New("session superseded")
)

// UserRepository stores chat-platform profiles.
type UserRepository interface {
	// UpsertUser creates or overwrites the profile keyed by user.ID.
	UpsertUser(ctx context.Context, user domain.TelegramUser) error
	GetUser(ctx context.Context, id int64) (domain.TelegramUser, error)
}

// SessionRepository stores conversation sessions. Implementations guarantee
// that at most one session per user is active.
type SessionRepository interface {
	// FindActiveSession returns the user's active session or ErrNotFound.
	FindActiveSession(ctx context.Context, userID int64) (domain.Session, error)

	// StartSession deactivates every session of the user and stores s as the
	// active one, atomically.
	StartSession(ctx context.Context, s domain.Session) error

	// SaveSession overwrites s. Saving an active session that is no longer the
	// user's active session fails with ErrStaleSession.
	SaveSession(ctx context.Context, s domain.Session) error

	// ListSessionsByUser returns every session of the user, oldest first.
	ListSessionsByUser(ctx context.Context, userID int64) ([]domain.Session, error)

	// ListDueSessions returns active sessions whose NextSendAt is at or before
	// now, earliest first. It backs the external series poller.
	ListDueSessions(ctx context.Context, now time.Time, limit int) ([]domain.Session, error)
}

// DeepLinkRepository stores issued deep links.
type DeepLinkRepository interface {
	CreateDeepLink(ctx context.Context, link domain.DeepLink) error

	// FindActiveDeepLink returns the link unless it is missing or expired at now.
	FindActiveDeepLink(ctx context.Context, id string, now time.Time) (domain.DeepLink, error)

	// SweepExpiredDeepLinks deletes links expired at now and reports how many.
	SweepExpiredDeepLinks(ctx context.Context, now time.Time) (int, error)
}

// EventRepository records tracking events.
type EventRepository interface {
	RecordEvent(ctx context.Context, e domain.TrackingEvent) error
	ListEvents(ctx context.Context, userID int64) ([]domain.TrackingEvent, error)
}

// Repository is the full storage backend.
// This allows us to swap storage implementations (BadgerDB, SQLite)
// without changing the engine that uses it.
type Repository interface {
	UserRepository
	SessionRepository
	DeepLinkRepository
	EventRepository

	// Close gracefully shuts down the repository connection.
	Close() error
}
