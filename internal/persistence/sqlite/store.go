// Package sqlite implements the pipeline store on gorm with the pure-Go SQLite driver.
// It backs local development and the package test suites.
package sqlite

import (
	"errors"
	"fmt"
	"strings"

	glebarez "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store provides SQLite-backed persistence for every pipeline repository.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open establishes a SQLite connection and performs schema migrations.
func Open(path string, log *zap.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	db, err := gorm.Open(glebarez.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}

	log.Info("database initialized", zap.String("driver", "sqlite"), zap.String("path", path))
	return &Store{db: db, logger: log}, nil
}

// Migrate creates or updates the pipeline tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&notificationRecord{},
		&activityRecord{},
		&accountLinkRecord{},
		&challengeRecord{},
		&participantRecord{},
		&contributionRecord{},
		&outboxRecord{},
	)
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
