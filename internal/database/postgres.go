package database

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Aidin1998/portfolio-analytics/internal/config"
	"github.com/Aidin1998/portfolio-analytics/pkg/models"
)

// NewPostgresDB opens the store of record with pooled connections.
func NewPostgresDB(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      gormlogger.Default.LogMode(gormlogger.Warn),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = 50
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = 10
	}
	maxLife := cfg.ConnMaxLifetime
	if maxLife == 0 {
		maxLife = time.Hour
	}

	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(maxLife)
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)

	return db, nil
}

// Migrate creates or updates the analytics schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.PositionAggregate{},
		&models.OutboxEvent{},
		&models.DeadLetterEvent{},
		&models.ValuationSnapshot{},
		&models.MetricStatus{},
		&models.OpenLot{},
		&models.Stock{},
	)
}
