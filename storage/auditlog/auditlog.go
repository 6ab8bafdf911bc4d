package auditlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"dealescrow/core/events"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultListLimit = 100
	maxListLimit     = 1000
)

// EventRecord is one persisted domain event.
type EventRecord struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	EventID    uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Type       string    `gorm:"size:64;index"`
	DealID     string    `gorm:"size:36;index"`
	Attributes string    `gorm:"type:text"`
	CreatedAt  time.Time
}

// Decoded returns the event attributes.
func (r EventRecord) Decoded() (map[string]string, error) {
	attrs := make(map[string]string)
	if strings.TrimSpace(r.Attributes) == "" {
		return attrs, nil
	}
	if err := json.Unmarshal([]byte(r.Attributes), &attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}

// Store appends emitted events to a SQL table. It implements events.Emitter
// so it can be registered as a hub sink.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	nowFn  func() time.Time
}

// Open connects to the configured database and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSQLite, "":
		if strings.TrimSpace(dsn) == "" {
			return nil, errors.New("auditlog: sqlite dsn required")
		}
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("auditlog: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("auditlog: open %s: %w", driver, err)
	}
	return New(db)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("auditlog: nil database")
	}
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return nil, fmt.Errorf("auditlog: migrate: %w", err)
	}
	return &Store{
		db:     db,
		logger: slog.Default(),
		nowFn:  time.Now,
	}, nil
}

// SetLogger overrides the logger used to report write failures.
func (s *Store) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

// Emit implements events.Emitter. Failures are logged, never returned, so
// auditing cannot undo a committed transition.
func (s *Store) Emit(evt events.Event) {
	if s == nil || evt == nil {
		return
	}
	if err := s.Append(context.Background(), evt); err != nil {
		s.logger.Warn("audit log append failed", slog.String("type", evt.EventType()), slog.Any("error", err))
	}
}

// Append persists a single event.
func (s *Store) Append(ctx context.Context, evt events.Event) error {
	record := EventRecord{
		EventID:   uuid.New(),
		Type:      evt.EventType(),
		CreatedAt: s.nowFn().UTC(),
	}
	if payload, ok := events.PayloadOf(evt); ok {
		record.DealID = payload.Attributes["id"]
		encoded, err := json.Marshal(payload.Attributes)
		if err != nil {
			return err
		}
		record.Attributes = string(encoded)
	}
	return s.db.WithContext(ctx).Create(&record).Error
}

// List returns the events recorded for a deal, oldest first.
func (s *Store) List(ctx context.Context, dealID string, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	var records []EventRecord
	err := s.db.WithContext(ctx).
		Where("deal_id = ?", dealID).
		Order("id ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
