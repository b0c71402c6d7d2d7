// Package datastore persists the alert rule catalog and rule firing
// history in SQLite through GORM. Runtime alert and incident state is
// deliberately not persisted here.
package datastore

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"

	"github.com/opsgate/opsgate/internal/alerting"
)

// Open opens (creating if needed) the SQLite database under dataPath and
// migrates the schema.
func Open(dataPath string) (*gorm.DB, error) {
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataPath, err)
	}
	dsn := filepath.Join(dataPath, "opsgate.db") + "?_foreign_keys=ON"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gorm_logger.Default.LogMode(gorm_logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database at %s: %w", dataPath, err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&alerting.AlertRule{},
		&alerting.FiredRecord{},
		&alerting.EscalationPolicy{},
	); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("getting sql.DB: %w", err)
	}
	return sqlDB.Close()
}
