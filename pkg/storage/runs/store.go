package runs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"featurebot/pkg/storage"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const defaultLimit = 50

// Config mirrors the storage configuration for the runs table.
type Config struct {
	Driver      string
	DSN         string
	Table       string
	AutoMigrate bool
}

// Store implements storage.RunStore on top of GORM.
type Store struct {
	db    *gorm.DB
	table string
}

type row struct {
	ID         uint      `gorm:"column:id;primaryKey;autoIncrement"`
	RequestID  string    `gorm:"column:request_id;size:128;index"`
	DeliveryID string    `gorm:"column:delivery_id;size:128"`
	Repository string    `gorm:"column:repository;size:255;index"`
	HeadSHA    string    `gorm:"column:head_sha;size:64"`
	Event      string    `gorm:"column:event;size:64"`
	Topic      string    `gorm:"column:topic;size:255"`
	Action     string    `gorm:"column:action;size:32"`
	Outcome    string    `gorm:"column:outcome;size:32;index"`
	Error      string    `gorm:"column:error;type:text"`
	CommitSHA  string    `gorm:"column:commit_sha;size:64"`
	Transcript string    `gorm:"column:transcript;type:text"`
	Payload    []byte    `gorm:"column:payload"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// Open creates a GORM-backed runs store.
func Open(cfg Config) (*Store, error) {
	if cfg.Driver == "" {
		return nil, errors.New("storage driver is required")
	}
	if cfg.DSN == "" {
		return nil, errors.New("storage dsn is required")
	}
	driver := normalizeDriver(cfg.Driver)
	if driver == "" {
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}

	gormDB, err := openGorm(driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	table := cfg.Table
	if table == "" {
		table = "featurebot_runs"
	}
	store := &Store{
		db:    gormDB,
		table: table,
	}
	if cfg.AutoMigrate {
		if err := store.migrate(); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Close closes the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateRun inserts record and fills its ID and CreatedAt.
func (s *Store) CreateRun(ctx context.Context, record *storage.RunRecord) error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}
	if record == nil {
		return errors.New("record is required")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	data := toRow(*record)
	data.ID = 0
	if err := s.tableDB().WithContext(ctx).Create(&data).Error; err != nil {
		return err
	}
	record.ID = data.ID
	return nil
}

// GetRun returns nil when no run has id.
func (s *Store) GetRun(ctx context.Context, id uint) (*storage.RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	var data row
	err := s.tableDB().
		WithContext(ctx).
		Where("id = ?", id).
		Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record := fromRow(data)
	return &record, nil
}

// ListRuns lists the newest runs first.
func (s *Store) ListRuns(ctx context.Context, filter storage.RunFilter) ([]storage.RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	query := s.tableDB().WithContext(ctx)
	if filter.Repository != "" {
		query = query.Where("repository = ?", filter.Repository)
	}
	if filter.Outcome != "" {
		query = query.Where("outcome = ?", filter.Outcome)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	var data []row
	if err := query.Order("id desc").Limit(limit).Find(&data).Error; err != nil {
		return nil, err
	}
	records := make([]storage.RunRecord, 0, len(data))
	for _, item := range data {
		records = append(records, fromRow(item))
	}
	return records, nil
}

func (s *Store) migrate() error {
	return s.tableDB().AutoMigrate(&row{})
}

func (s *Store) tableDB() *gorm.DB {
	return s.db.Table(s.table)
}

func toRow(record storage.RunRecord) row {
	return row{
		ID:         record.ID,
		RequestID:  record.RequestID,
		DeliveryID: record.DeliveryID,
		Repository: record.Repository,
		HeadSHA:    record.HeadSHA,
		Event:      record.Event,
		Topic:      record.Topic,
		Action:     record.Action,
		Outcome:    record.Outcome,
		Error:      record.Error,
		CommitSHA:  record.CommitSHA,
		Transcript: record.Transcript,
		Payload:    record.Payload,
		CreatedAt:  record.CreatedAt,
	}
}

func fromRow(data row) storage.RunRecord {
	return storage.RunRecord{
		ID:         data.ID,
		RequestID:  data.RequestID,
		DeliveryID: data.DeliveryID,
		Repository: data.Repository,
		HeadSHA:    data.HeadSHA,
		Event:      data.Event,
		Topic:      data.Topic,
		Action:     data.Action,
		Outcome:    data.Outcome,
		Error:      data.Error,
		CommitSHA:  data.CommitSHA,
		Transcript: data.Transcript,
		Payload:    data.Payload,
		CreatedAt:  data.CreatedAt,
	}
}

func normalizeDriver(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	switch value {
	case "postgres", "postgresql", "pgx":
		return "postgres"
	case "mysql":
		return "mysql"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return ""
	}
}

func openGorm(driver, dsn string) (*gorm.DB, error) {
	switch driver {
	case "postgres":
		return gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "mysql":
		return gorm.Open(mysql.Open(dsn), &gorm.Config{})
	case "sqlite":
		return gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}
