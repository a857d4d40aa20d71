// Package gorm provides the GORM-based observation store for mnemo.
package gorm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	// Pure-Go SQLite driver with FTS5, registered as "sqlite".
	_ "modernc.org/sqlite"
)

// DBFileName is the observation store file inside the memory directory.
const DBFileName = "observations.db"

var (
	// ErrStorageUnavailable is returned when the store cannot be opened or migrated
	// (corrupt, locked or unreadable file). There is no automatic retry.
	ErrStorageUnavailable = errors.New("observation store unavailable")

	// ErrNoStore is returned by a read-only open when the store file does not exist.
	ErrNoStore = errors.New("observation store does not exist")
)

// Store represents the GORM connection to the embedded SQLite file.
type Store struct {
	DB       *gorm.DB
	sqlDB    *sql.DB
	path     string
	readOnly bool
}

// Config holds database configuration.
type Config struct {
	Dir      string          // Memory directory holding the store file
	ReadOnly bool            // Open without creating, migrating or writing
	LogLevel logger.LogLevel // GORM log level (logger.Silent for production)
}

// NewStore opens (and, unless read-only, creates and migrates) the observation store.
func NewStore(cfg Config) (*Store, error) {
	path := filepath.Join(cfg.Dir, DBFileName)

	if cfg.ReadOnly {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, ErrNoStore
			}
			return nil, fmt.Errorf("%w: stat %s: %v", ErrStorageUnavailable, path, err)
		}
	} else if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: create memory dir: %v", ErrStorageUnavailable, err)
	}

	sqlDB, err := sql.Open("sqlite", dsn(path, cfg.ReadOnly))
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorageUnavailable, path, err)
	}

	// Single writer: one connection keeps pragmas and transactions on the same handle.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrStorageUnavailable, path, err)
	}

	db, err := gorm.Open(sqlite.New(sqlite.Config{Conn: sqlDB}), &gorm.Config{
		Logger:                 logger.Default.LogMode(cfg.LogLevel),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("%w: open gorm sqlite: %v", ErrStorageUnavailable, err)
	}

	store := &Store{
		DB:       db,
		sqlDB:    sqlDB,
		path:     path,
		readOnly: cfg.ReadOnly,
	}

	if !cfg.ReadOnly {
		if err := runMigrations(db); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("%w: run migrations: %v", ErrStorageUnavailable, err)
		}
	}

	log.Debug().Str("path", path).Bool("read_only", cfg.ReadOnly).Msg("Observation store opened")
	return store, nil
}

func dsn(path string, readOnly bool) string {
	if readOnly {
		return "file:" + path + "?mode=ro&_pragma=busy_timeout(5000)"
	}
	return "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)"
}

// WithStore opens the store, runs fn and always closes the store afterwards.
func WithStore(ctx context.Context, cfg Config, fn func(ctx context.Context, store *Store) error) error {
	store, err := NewStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			log.Warn().Err(cerr).Str("path", store.path).Msg("Failed to close observation store")
		}
	}()
	return fn(ctx, store)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

// Path returns the store file path.
func (s *Store) Path() string {
	return s.path
}

// ReadOnly reports whether the store was opened read-only.
func (s *Store) ReadOnly() bool {
	return s.readOnly
}

// FileSize returns the size of the store file in bytes.
func (s *Store) FileSize() (int64, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0, fmt.Errorf("stat store file: %w", err)
	}
	return info.Size(), nil
}

// Checkpoint flushes the write-ahead log into the main file.
func (s *Store) Checkpoint(ctx context.Context) error {
	if _, err := s.sqlDB.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// Vacuum rebuilds the store file, reclaiming free pages.
func (s *Store) Vacuum(ctx context.Context) error {
	log.Info().Str("path", s.path).Msg("Starting database vacuum")
	start := time.Now()

	if _, err := s.sqlDB.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	if _, err := s.sqlDB.ExecContext(ctx, "ANALYZE"); err != nil {
		return fmt.Errorf("analyze: %w", err)
	}

	log.Info().Dur("duration", time.Since(start)).Msg("Database vacuum complete")
	return nil
}
