package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"companion/internal/domain"
)

// conflictRetries bounds how often a transaction is replayed after a
// badger.ErrConflict.
const conflictRetries = 3

// BadgerRepository implements Repository using BadgerDB.
type BadgerRepository struct {
	db  *badger.DB
	log logrus.FieldLogger
}

var _ Repository = (*BadgerRepository)(nil)

// NewBadgerRepository creates and initializes a new BadgerDB repository.
// It opens the database at the specified path.
func NewBadgerRepository(dbPath string, logger logrus.FieldLogger) (*BadgerRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = &badgerLogger{logger.WithField("component", "badgerdb")}

	db, err := badger.Open(opts)
	if err != nil {
		logger.WithError(err).Error("Failed to open BadgerDB")
		return nil, fmt.Errorf("failed to open badger db at %s: %w", dbPath, err)
	}
	logger.Info("BadgerDB opened successfully at path: ", dbPath)

	return &BadgerRepository{
		db:  db,
		log: logger.WithField("component", "repository"),
	}, nil
}

// Close closes the BadgerDB database connection.
func (r *BadgerRepository) Close() error {
	r.log.Info("Closing BadgerDB...")
	err := r.db.Close()
	if err != nil {
		r.log.WithError(err).Error("Error closing BadgerDB")
		return err
	}
	r.log.Info("BadgerDB closed.")
	return nil
}

// Key layout:
//
//	tguser:{userID}                      profile JSON
//	session:{sessionID}                  session JSON
//	user:{userID}:session:{sessionID}    empty, lists a user's sessions
//	active:{userID}                      id of the user's active session
//	deeplink:{id}                        deep link JSON, TTL of the link lifetime
//	event:{userID}:{unixnano}:{eventID}  tracking event JSON
func userKey(userID int64) []byte { return []byte(fmt.Sprintf("tguser:%d", userID)) }

func sessionKey(id string) []byte { return []byte("session:" + id) }

func userSessionKey(userID int64, id string) []byte {
	return []byte(fmt.Sprintf("user:%d:session:%s", userID, id))
}

func userSessionPrefix(userID int64) []byte {
	return []byte(fmt.Sprintf("user:%d:session:", userID))
}

func activeKey(userID int64) []byte { return []byte(fmt.Sprintf("active:%d", userID)) }

var activePrefix = []byte("active:")

func deepLinkKey(id string) []byte { return []byte("deeplink:" + id) }

var deepLinkPrefix = []byte("deeplink:")

func eventKey(e domain.TrackingEvent) []byte {
	return []byte(fmt.Sprintf("event:%d:%020d:%s", e.TelegramUserID, e.OccurredAt.UnixNano(), e.ID))
}

func eventPrefix(userID int64) []byte { return []byte(fmt.Sprintf("event:%d:", userID)) }

// update runs fn in a read-write transaction, replaying it on write conflicts.
func (r *BadgerRepository) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = r.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		r.log.WithField("attempt", attempt+1).Warn("BadgerDB transaction conflict, retrying")
	}
	return err
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	e := badger.NewEntry(key, b)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return txn.SetEntry(e)
}

// scanKeys returns every key under prefix without loading values.
func scanKeys(txn *badger.Txn, prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

// --- Users ---

// UpsertUser stores or overwrites a Telegram profile.
func (r *BadgerRepository) UpsertUser(ctx context.Context, user domain.TelegramUser) error {
	err := r.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, userKey(user.ID), user, 0)
	})
	if err != nil {
		r.log.WithError(err).WithField("user_id", user.ID).Error("Failed to upsert user")
		return fmt.Errorf("failed to upsert user %d: %w", user.ID, err)
	}
	return nil
}

// GetUser loads a Telegram profile.
func (r *BadgerRepository) GetUser(ctx context.Context, id int64) (domain.TelegramUser, error) {
	var u domain.TelegramUser
	err := r.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, userKey(id), &u)
	})
	if err != nil {
		return domain.TelegramUser{}, fmt.Errorf("failed to get user %d: %w", id, err)
	}
	return u, nil
}

// --- Sessions ---

// FindActiveSession returns the user's active session.
func (r *BadgerRepository) FindActiveSession(ctx context.Context, userID int64) (domain.Session, error) {
	var s domain.Session
	err := r.db.View(func(txn *badger.Txn) error {
		id, err := activeSessionID(txn, userID)
		if err != nil {
			return err
		}
		if err := getJSON(txn, sessionKey(id), &s); err != nil {
			return err
		}
		if !s.IsActive {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("failed to find active session for user %d: %w", userID, err)
	}
	return s, nil
}

func activeSessionID(txn *badger.Txn, userID int64) (string, error) {
	item, err := txn.Get(activeKey(userID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// StartSession deactivates the user's sessions and stores s as active in one
// transaction. Concurrent starts for the same user conflict and are replayed,
// so the last committed start wins and exactly one session stays active.
func (r *BadgerRepository) StartSession(ctx context.Context, s domain.Session) error {
	log := r.log.WithFields(logrus.Fields{"user_id": s.TelegramUserID, "session_id": s.ID})
	s.IsActive = true

	var deactivated int
	err := r.update(ctx, func(txn *badger.Txn) error {
		deactivated = 0
		prefix := userSessionPrefix(s.TelegramUserID)
		for _, k := range scanKeys(txn, prefix) {
			id := string(k[len(prefix):])
			var prev domain.Session
			if err := getJSON(txn, sessionKey(id), &prev); err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			if !prev.IsActive {
				continue
			}
			prev.IsActive = false
			if err := setJSON(txn, sessionKey(id), prev, 0); err != nil {
				return err
			}
			deactivated++
		}

		if err := setJSON(txn, sessionKey(s.ID), s, 0); err != nil {
			return err
		}
		if err := txn.Set(userSessionKey(s.TelegramUserID, s.ID), []byte{}); err != nil {
			return err
		}
		return txn.Set(activeKey(s.TelegramUserID), []byte(s.ID))
	})
	if err != nil {
		log.WithError(err).Error("Failed to start session")
		return fmt.Errorf("failed to start session: %w", err)
	}
	log.WithField("deactivated", deactivated).Info("Session started")
	return nil
}

// SaveSession overwrites s, guarded by the user's active-session pointer.
func (r *BadgerRepository) SaveSession(ctx context.Context, s domain.Session) error {
	err := r.update(ctx, func(txn *badger.Txn) error {
		activeID, err := activeSessionID(txn, s.TelegramUserID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if s.IsActive && activeID != s.ID {
			return ErrStaleSession
		}
		if !s.IsActive && activeID == s.ID {
			if err := txn.Delete(activeKey(s.TelegramUserID)); err != nil {
				return err
			}
		}
		if err := setJSON(txn, sessionKey(s.ID), s, 0); err != nil {
			return err
		}
		return txn.Set(userSessionKey(s.TelegramUserID, s.ID), []byte{})
	})
	if err != nil {
		if !errors.Is(err, ErrStaleSession) {
			r.log.WithError(err).WithField("session_id", s.ID).Error("Failed to save session")
		}
		return fmt.Errorf("failed to save session %s: %w", s.ID, err)
	}
	return nil
}

// ListSessionsByUser returns all sessions of a user, oldest first.
func (r *BadgerRepository) ListSessionsByUser(ctx context.Context, userID int64) ([]domain.Session, error) {
	var sessions []domain.Session
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := userSessionPrefix(userID)
		for _, k := range scanKeys(txn, prefix) {
			var s domain.Session
			if err := getJSON(txn, sessionKey(string(k[len(prefix):])), &s); err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			sessions = append(sessions, s)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for user %d: %w", userID, err)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// ListDueSessions scans the active pointers for sessions due at now.
func (r *BadgerRepository) ListDueSessions(ctx context.Context, now time.Time, limit int) ([]domain.Session, error) {
	var due []domain.Session
	err := r.db.View(func(txn *badger.Txn) error {
		for _, k := range scanKeys(txn, activePrefix) {
			item, err := txn.Get(k)
			if err != nil {
				return err
			}
			id, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var s domain.Session
			if err := getJSON(txn, sessionKey(string(id)), &s); err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			if s.Due(now) {
				due = append(due, s)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list due sessions: %w", err)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextSendAt.Before(*due[j].NextSendAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// --- Deep links ---

// CreateDeepLink stores a link with a TTL equal to its lifetime
// (ExpiresAt - CreatedAt).
func (r *BadgerRepository) CreateDeepLink(ctx context.Context, link domain.DeepLink) error {
	ttl := link.ExpiresAt.Sub(link.CreatedAt)
	if link.CreatedAt.IsZero() {
		ttl = time.Until(link.ExpiresAt)
	}
	err := r.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, deepLinkKey(link.ID), link, ttl)
	})
	if err != nil {
		r.log.WithError(err).WithField("deep_link_id", link.ID).Error("Failed to create deep link")
		return fmt.Errorf("failed to create deep link %s: %w", link.ID, err)
	}
	return nil
}

// FindActiveDeepLink loads a link, treating expired ones as absent.
func (r *BadgerRepository) FindActiveDeepLink(ctx context.Context, id string, now time.Time) (domain.DeepLink, error) {
	var link domain.DeepLink
	err := r.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, deepLinkKey(id), &link)
	})
	if err == nil && link.Expired(now) {
		err = ErrNotFound
	}
	if err != nil {
		return domain.DeepLink{}, fmt.Errorf("failed to find deep link %s: %w", id, err)
	}
	return link, nil
}

// SweepExpiredDeepLinks deletes links whose expiry has passed.
func (r *BadgerRepository) SweepExpiredDeepLinks(ctx context.Context, now time.Time) (int, error) {
	var expired [][]byte
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(deepLinkPrefix); it.ValidForPrefix(deepLinkPrefix); it.Next() {
			item := it.Item()
			var link domain.DeepLink
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &link)
			}); err != nil {
				return err
			}
			if link.Expired(now) {
				expired = append(expired, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan deep links: %w", err)
	}

	wb := r.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range expired {
		if err := wb.Delete(k); err != nil {
			return 0, fmt.Errorf("failed to delete deep link %s: %w", k, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush deep link sweep: %w", err)
	}
	if len(expired) > 0 {
		r.log.WithField("count", len(expired)).Info("Swept expired deep links")
	}
	return len(expired), nil
}

// --- Events ---

// RecordEvent appends a tracking event.
func (r *BadgerRepository) RecordEvent(ctx context.Context, e domain.TrackingEvent) error {
	err := r.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, eventKey(e), e, 0)
	})
	if err != nil {
		return fmt.Errorf("failed to record event %s: %w", e.Name, err)
	}
	return nil
}

// ListEvents returns a user's events in the order they occurred.
func (r *BadgerRepository) ListEvents(ctx context.Context, userID int64) ([]domain.TrackingEvent, error) {
	var events []domain.TrackingEvent
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := eventPrefix(userID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e domain.TrackingEvent
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			events = append(events, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list events for user %d: %w", userID, err)
	}
	return events, nil
}

// RunGC reclaims value log space until ctx is cancelled.
func (r *BadgerRepository) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := r.db.RunValueLogGC(0.7)
			switch {
			case err == nil:
				r.log.Info("BadgerDB GC completed successfully")
			case errors.Is(err, badger.ErrNoRewrite):
				r.log.Debug("BadgerDB GC: No rewrite needed")
			default:
				r.log.WithError(err).Error("BadgerDB GC failed")
			}
		case <-ctx.Done():
			r.log.Info("Stopping BadgerDB GC routine due to context cancellation")
			return
		}
	}
}

// --- BadgerDB Internal Logger ---

// badgerLogger adapts logrus.FieldLogger to Badger's logger interface.
type badgerLogger struct {
	logger logrus.FieldLogger
}

func (l *badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Errorf(f, v...)
}
func (l *badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warningf(f, v...)
}
func (l *badgerLogger) Infof(f string, v ...interface{}) {
	l.logger.Infof(f, v...)
}
func (l *badgerLogger) Debugf(f string, v ...interface{}) {
	l.logger.Debugf(f, v...)
}
