// Package store persists projects, chapters, outlines, scenes, drafts and
// digests through GORM. SQLite is the default driver; MySQL is supported
// for shared deployments.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lamim/chapterforge/internal/config"
	"github.com/lamim/chapterforge/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// Store wraps the database handle
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// AllModels returns every persisted model for migration
func AllModels() []interface{} {
	return []interface{}{
		&models.Project{},
		&models.Volume{},
		&models.Chapter{},
		&models.Outline{},
		&models.Character{},
		&models.Scene{},
		&models.Draft{},
		&models.Digest{},
		&models.CachedExecution{},
		&models.SummaryJob{},
		&models.FailedSummaryJob{},
	}
}

// Open connects to the configured database
func Open(cfg config.StorageConfig, log *slog.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: connect (%s): %w", cfg.Driver, err)
	}

	if cfg.Driver == "sqlite" {
		// SQLite allows a single writer; serialise through one connection
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("store: sql handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return New(db, log), nil
}

// New wraps an existing GORM handle
func New(db *gorm.DB, log *slog.Logger) *Store {
	return &Store{db: db, logger: log.With("component", "store")}
}

// DB exposes the underlying handle for packages that own their own tables
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Migrate creates or updates all tables
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("store: auto-migrate: %w", err)
	}
	return nil
}

// Ping checks that the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("store: load %s %s: %w", what, id, err)
}
