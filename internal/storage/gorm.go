package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"companion/internal/domain"
)

// GormRepository implements Repository on a relational database via GORM.
// The bundled driver is SQLite.
type GormRepository struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ Repository = (*GormRepository)(nil)

type telegramUserRecord struct {
	ID           int64 `gorm:"primaryKey;autoIncrement:false"`
	Username     string
	FirstName    string
	LastName     string
	LanguageCode string
	IsBot        bool
	LastSeenAt   time.Time
	UpdatedAt    time.Time
}

func (telegramUserRecord) TableName() string { return "telegram_users" }

type sessionRecord struct {
	ID             string `gorm:"primaryKey;size:36"`
	TelegramUserID int64  `gorm:"index;not null"`

	State      string `gorm:"size:32;not null"`
	Flow       string `gorm:"size:32;not null"`
	DeepLinkID string `gorm:"size:32"`
	Topic      string `gorm:"size:32"`
	EntityRef  string
	SourcePage string
	Target     string `gorm:"size:16"`

	Frequency string            `gorm:"size:32"`
	Concierge map[string]string `gorm:"serializer:json"`

	SeriesType     string `gorm:"size:64"`
	SeriesStep     int
	NextSendAt     *time.Time `gorm:"index"`
	LastMessageKey string     `gorm:"size:64"`

	IsActive          bool `gorm:"index"`
	LastInteractionAt time.Time
	CreatedAt         time.Time
}

func (sessionRecord) TableName() string { return "telegram_sessions" }

type deepLinkRecord struct {
	ID          string `gorm:"primaryKey;size:32"`
	Flow        string `gorm:"size:32;not null"`
	Target      string `gorm:"size:16;not null"`
	Topic       string `gorm:"size:32"`
	EntityRef   string
	SourcePage  string
	AnonymousID string `gorm:"size:64"`
	LeadID      string `gorm:"size:64"`
	CreatedAt   time.Time
	ExpiresAt   time.Time `gorm:"index"`
}

func (deepLinkRecord) TableName() string { return "deep_links" }

type eventRecord struct {
	ID             string            `gorm:"primaryKey;size:36"`
	Name           string            `gorm:"size:64;index"`
	TelegramUserID int64             `gorm:"index"`
	SessionID      string            `gorm:"size:36"`
	Flow           string            `gorm:"size:32"`
	DeepLinkID     string            `gorm:"size:32"`
	Props          map[string]string `gorm:"serializer:json"`
	OccurredAt     time.Time         `gorm:"index"`
}

func (eventRecord) TableName() string { return "tracking_events" }

// NewGormRepository opens (creating if needed) the SQLite database at path and
// migrates the schema.
func NewGormRepository(path string, logger logrus.FieldLogger) (*GormRepository, error) {
	log := logger.WithField("component", "repository")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.New(logger.WithField("component", "gorm"), gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		log.WithError(err).Error("Failed to open SQLite database")
		return nil, fmt.Errorf("failed to open sqlite db at %s: %w", path, err)
	}

	// SQLite works best with a single writer; cap the pool accordingly.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := db.AutoMigrate(&telegramUserRecord{}, &sessionRecord{}, &deepLinkRecord{}, &eventRecord{}); err != nil {
		return nil, fmt.Errorf("auto-migrate failed: %w", err)
	}

	// One active session per user, enforced by the database.
	if err := db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active ON telegram_sessions(telegram_user_id) WHERE is_active").Error; err != nil {
		return nil, fmt.Errorf("failed to create active session index: %w", err)
	}

	log.WithField("path", path).Info("SQLite database ready")
	return &GormRepository{db: db, log: log}, nil
}

// Close closes the underlying connection pool.
func (r *GormRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// --- Users ---

func (r *GormRepository) UpsertUser(ctx context.Context, user domain.TelegramUser) error {
	rec := telegramUserRecord{
		ID:           user.ID,
		Username:     user.Username,
		FirstName:    user.FirstName,
		LastName:     user.LastName,
		LanguageCode: user.LanguageCode,
		IsBot:        user.IsBot,
		LastSeenAt:   user.LastSeenAt.UTC(),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to upsert user %d: %w", user.ID, err)
	}
	return nil
}

func (r *GormRepository) GetUser(ctx context.Context, id int64) (domain.TelegramUser, error) {
	var rec telegramUserRecord
	if err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return domain.TelegramUser{}, fmt.Errorf("failed to get user %d: %w", id, notFound(err))
	}
	return domain.TelegramUser{
		ID:           rec.ID,
		Username:     rec.Username,
		FirstName:    rec.FirstName,
		LastName:     rec.LastName,
		LanguageCode: rec.LanguageCode,
		IsBot:        rec.IsBot,
		LastSeenAt:   rec.LastSeenAt,
	}, nil
}

// --- Sessions ---

func toSessionRecord(s domain.Session) sessionRecord {
	rec := sessionRecord{
		ID:                s.ID,
		TelegramUserID:    s.TelegramUserID,
		State:             string(s.State),
		Flow:              string(s.Flow),
		DeepLinkID:        s.DeepLinkID,
		Topic:             s.Topic,
		EntityRef:         s.EntityRef,
		SourcePage:        s.SourcePage,
		Target:            string(s.Target),
		Frequency:         s.Frequency,
		Concierge:         s.Concierge,
		SeriesType:        s.SeriesType,
		SeriesStep:        s.SeriesStep,
		LastMessageKey:    s.LastMessageKey,
		IsActive:          s.IsActive,
		LastInteractionAt: s.LastInteractionAt.UTC(),
		CreatedAt:         s.CreatedAt.UTC(),
	}
	if s.NextSendAt != nil {
		next := s.NextSendAt.UTC()
		rec.NextSendAt = &next
	}
	return rec
}

func (rec sessionRecord) toDomain() domain.Session {
	return domain.Session{
		ID:                rec.ID,
		TelegramUserID:    rec.TelegramUserID,
		State:             domain.State(rec.State),
		Flow:              domain.Flow(rec.Flow),
		DeepLinkID:        rec.DeepLinkID,
		Topic:             rec.Topic,
		EntityRef:         rec.EntityRef,
		SourcePage:        rec.SourcePage,
		Target:            domain.Target(rec.Target),
		Frequency:         rec.Frequency,
		Concierge:         rec.Concierge,
		SeriesType:        rec.SeriesType,
		SeriesStep:        rec.SeriesStep,
		NextSendAt:        rec.NextSendAt,
		LastMessageKey:    rec.LastMessageKey,
		IsActive:          rec.IsActive,
		LastInteractionAt: rec.LastInteractionAt,
		CreatedAt:         rec.CreatedAt,
	}
}

func (r *GormRepository) FindActiveSession(ctx context.Context, userID int64) (domain.Session, error) {
	var rec sessionRecord
	err := r.db.WithContext(ctx).
		Where("telegram_user_id = ? AND is_active = ?", userID, true).
		First(&rec).Error
	if err != nil {
		return domain.Session{}, fmt.Errorf("failed to find active session for user %d: %w", userID, notFound(err))
	}
	return rec.toDomain(), nil
}

// StartSession deactivates and inserts inside one transaction; the partial
// unique index rejects a concurrent second active row.
func (r *GormRepository) StartSession(ctx context.Context, s domain.Session) error {
	rec := toSessionRecord(s)
	rec.IsActive = true

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&sessionRecord{}).
			Where("telegram_user_id = ? AND is_active = ?", s.TelegramUserID, true).
			Update("is_active", false)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			r.log.WithFields(logrus.Fields{"user_id": s.TelegramUserID, "deactivated": res.RowsAffected}).
				Debug("Deactivated previous sessions")
		}
		return tx.Create(&rec).Error
	})
	if err != nil {
		r.log.WithError(err).WithField("user_id", s.TelegramUserID).Error("Failed to start session")
		return fmt.Errorf("failed to start session: %w", err)
	}
	return nil
}

// SaveSession writes every column. An active save only matches a row that is
// still active, so a superseded session cannot resurrect itself.
func (r *GormRepository) SaveSession(ctx context.Context, s domain.Session) error {
	rec := toSessionRecord(s)
	q := r.db.WithContext(ctx).Model(&sessionRecord{}).Where("id = ?", s.ID)
	if s.IsActive {
		q = q.Where("is_active = ?", true)
	}
	res := q.Select("*").Updates(&rec)
	if res.Error != nil {
		return fmt.Errorf("failed to save session %s: %w", s.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		if s.IsActive {
			return fmt.Errorf("failed to save session %s: %w", s.ID, ErrStaleSession)
		}
		return fmt.Errorf("failed to save session %s: %w", s.ID, ErrNotFound)
	}
	return nil
}

func (r *GormRepository) ListSessionsByUser(ctx context.Context, userID int64) ([]domain.Session, error) {
	var recs []sessionRecord
	err := r.db.WithContext(ctx).
		Where("telegram_user_id = ?", userID).
		Order("created_at asc").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for user %d: %w", userID, err)
	}
	out := make([]domain.Session, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toDomain())
	}
	return out, nil
}

func (r *GormRepository) ListDueSessions(ctx context.Context, now time.Time, limit int) ([]domain.Session, error) {
	q := r.db.WithContext(ctx).
		Where("is_active = ? AND next_send_at IS NOT NULL AND next_send_at <= ?", true, now.UTC()).
		Order("next_send_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []sessionRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list due sessions: %w", err)
	}
	out := make([]domain.Session, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toDomain())
	}
	return out, nil
}

// --- Deep links ---

func (r *GormRepository) CreateDeepLink(ctx context.Context, link domain.DeepLink) error {
	rec := deepLinkRecord{
		ID:          link.ID,
		Flow:        string(link.Flow),
		Target:      string(link.Target),
		Topic:       link.Topic,
		EntityRef:   link.EntityRef,
		SourcePage:  link.SourcePage,
		AnonymousID: link.AnonymousID,
		LeadID:      link.LeadID,
		CreatedAt:   link.CreatedAt.UTC(),
		ExpiresAt:   link.ExpiresAt.UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to create deep link %s: %w", link.ID, err)
	}
	return nil
}

func (r *GormRepository) FindActiveDeepLink(ctx context.Context, id string, now time.Time) (domain.DeepLink, error) {
	var rec deepLinkRecord
	err := r.db.WithContext(ctx).
		Where("id = ? AND expires_at >= ?", id, now.UTC()).
		First(&rec).Error
	if err != nil {
		return domain.DeepLink{}, fmt.Errorf("failed to find deep link %s: %w", id, notFound(err))
	}
	return domain.DeepLink{
		ID:          rec.ID,
		Flow:        domain.Flow(rec.Flow),
		Target:      domain.Target(rec.Target),
		Topic:       rec.Topic,
		EntityRef:   rec.EntityRef,
		SourcePage:  rec.SourcePage,
		AnonymousID: rec.AnonymousID,
		LeadID:      rec.LeadID,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
	}, nil
}

func (r *GormRepository) SweepExpiredDeepLinks(ctx context.Context, now time.Time) (int, error) {
	res := r.db.WithContext(ctx).Where("expires_at < ?", now.UTC()).Delete(&deepLinkRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to sweep deep links: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		r.log.WithField("count", res.RowsAffected).Info("Swept expired deep links")
	}
	return int(res.RowsAffected), nil
}

// --- Events ---

func (r *GormRepository) RecordEvent(ctx context.Context, e domain.TrackingEvent) error {
	rec := eventRecord{
		ID:             e.ID,
		Name:           e.Name,
		TelegramUserID: e.TelegramUserID,
		SessionID:      e.SessionID,
		Flow:           string(e.Flow),
		DeepLinkID:     e.DeepLinkID,
		Props:          e.Props,
		OccurredAt:     e.OccurredAt.UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to record event %s: %w", e.Name, err)
	}
	return nil
}

func (r *GormRepository) ListEvents(ctx context.Context, userID int64) ([]domain.TrackingEvent, error) {
	var recs []eventRecord
	err := r.db.WithContext(ctx).
		Where("telegram_user_id = ?", userID).
		Order("occurred_at asc, id asc").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list events for user %d: %w", userID, err)
	}
	out := make([]domain.TrackingEvent, 0, len(recs))
	for _, rec := range recs {
		out = append(out, domain.TrackingEvent{
			ID:             rec.ID,
			Name:           rec.Name,
			TelegramUserID: rec.TelegramUserID,
			SessionID:      rec.SessionID,
			Flow:           domain.Flow(rec.Flow),
			DeepLinkID:     rec.DeepLinkID,
			Props:          rec.Props,
			OccurredAt:     rec.OccurredAt,
		})
	}
	return out, nil
}
