// Package postgres implements the ledger, image and audit stores on
// PostgreSQL through gorm. Balance changes lock the user row with
// SELECT ... FOR UPDATE for the duration of one transaction.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store is a PostgreSQL-backed store.
type Store struct {
	db  *gorm.DB
	log *logrus.Logger
	now func() time.Time
}

type userRow struct {
	ID           string `gorm:"primaryKey"`
	TokenBalance int64  `gorm:"not null;default:0;check:token_balance >= 0"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (userRow) TableName() string { return "users" }

type transactionRow struct {
	ID          string    `gorm:"primaryKey"`
	UserID      string    `gorm:"not null;index:idx_token_transactions_user,priority:1"`
	Amount      int64     `gorm:"not null"`
	Kind        string    `gorm:"not null"`
	Description string    `gorm:"not null"`
	CreatedAt   time.Time `gorm:"index:idx_token_transactions_user,priority:2"`
}

func (transactionRow) TableName() string { return "token_transactions" }

type imageRow struct {
	ID               string `gorm:"primaryKey"`
	UserID           string `gorm:"not null;uniqueIndex:idx_generated_images_owner_asset,priority:1"`
	AssetURL         string `gorm:"not null;uniqueIndex:idx_generated_images_owner_asset,priority:2"`
	OriginalAssetURL *string
	Prompt           string `gorm:"not null"`
	Caption          *string
	Style            *string
	Platform         *string
	Size             *string
	TemplateID       *string
	SuggestionID     *string
	GenerationSource *string
	Favorite         bool  `gorm:"not null;default:false"`
	Downloads        int64 `gorm:"not null;default:0"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (imageRow) TableName() string { return "generated_images" }

type eventRow struct {
	Seq       int64     `gorm:"primaryKey;autoIncrement"`
	ID        string    `gorm:"not null;uniqueIndex"`
	UserID    string    `gorm:"not null;index:idx_audit_events_user_kind,priority:1"`
	RequestID string    `gorm:"not null;index"`
	Kind      string    `gorm:"not null;index:idx_audit_events_user_kind,priority:2"`
	Detail    *string   `gorm:"type:jsonb"`
	CreatedAt time.Time `gorm:"index:idx_audit_events_user_kind,priority:3"`
}

func (eventRow) TableName() string { return "audit_events" }

// Open connects to PostgreSQL and migrates the schema.
func Open(dsn string, log *logrus.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&userRow{}, &transactionRow{}, &imageRow{}, &eventRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	log.Info("connected to PostgreSQL")

	return &Store{db: db, log: log, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
