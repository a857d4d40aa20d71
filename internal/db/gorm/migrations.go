package gorm

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
// Each applied id is recorded in the migrations table, so a store created by an
// older build is brought forward step by step and a failing step stops the ladder.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, migrations())
	return m.Migrate()
}

func migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		// Migration 001: baseline observations table (shape of the earliest stores)
		{
			ID: "001_observations",
			Migrate: func(tx *gorm.DB) error {
				return execAll(tx,
					`CREATE TABLE IF NOT EXISTS observations (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						type TEXT NOT NULL,
						narrative TEXT NOT NULL,
						facts TEXT NOT NULL DEFAULT '[]',
						confidence REAL NOT NULL DEFAULT 1.0,
						files_read TEXT NOT NULL DEFAULT '[]',
						files_modified TEXT NOT NULL DEFAULT '[]',
						created_at TEXT NOT NULL,
						created_at_epoch INTEGER NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_observations_type ON observations(type)`,
					`CREATE INDEX IF NOT EXISTS idx_observations_created ON observations(created_at_epoch DESC)`,
				)
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("observations")
			},
		},

		// Migration 002: FTS5 external-content index kept current by triggers
		{
			ID: "002_observations_fts",
			Migrate: func(tx *gorm.DB) error {
				return execAll(tx,
					`CREATE VIRTUAL TABLE IF NOT EXISTS observations_fts USING fts5(
						type, narrative, facts,
						content='observations',
						content_rowid='id'
					)`,
					`CREATE TRIGGER IF NOT EXISTS observations_ai AFTER INSERT ON observations BEGIN
						INSERT INTO observations_fts(rowid, type, narrative, facts)
						VALUES (new.id, new.type, new.narrative, new.facts);
					END`,
					`CREATE TRIGGER IF NOT EXISTS observations_ad AFTER DELETE ON observations BEGIN
						INSERT INTO observations_fts(observations_fts, rowid, type, narrative, facts)
						VALUES('delete', old.id, old.type, old.narrative, old.facts);
					END`,
					`CREATE TRIGGER IF NOT EXISTS observations_au AFTER UPDATE ON observations BEGIN
						INSERT INTO observations_fts(observations_fts, rowid, type, narrative, facts)
						VALUES('delete', old.id, old.type, old.narrative, old.facts);
						INSERT INTO observations_fts(rowid, type, narrative, facts)
						VALUES (new.id, new.type, new.narrative, new.facts);
					END`,
					// Index rows written before the triggers existed.
					`INSERT INTO observations_fts(observations_fts) VALUES('rebuild')`,
				)
			},
			Rollback: func(tx *gorm.DB) error {
				return execAll(tx,
					"DROP TRIGGER IF EXISTS observations_au",
					"DROP TRIGGER IF EXISTS observations_ad",
					"DROP TRIGGER IF EXISTS observations_ai",
					"DROP TABLE IF EXISTS observations_fts",
				)
			},
		},

		// Migration 003: concept tags
		addColumnMigration("003_concepts_column", "concepts",
			`ALTER TABLE observations ADD COLUMN concepts TEXT NOT NULL DEFAULT '[]'`),

		// Migration 004: link into the issue store
		addColumnMigration("004_bead_id_column", "bead_id",
			`ALTER TABLE observations ADD COLUMN bead_id TEXT`,
			`CREATE INDEX IF NOT EXISTS idx_observations_bead_id ON observations(bead_id)`),

		// Migration 005: advisory expiry
		addColumnMigration("005_expires_at_column", "expires_at",
			`ALTER TABLE observations ADD COLUMN expires_at TEXT`,
			`CREATE INDEX IF NOT EXISTS idx_observations_expires_at ON observations(expires_at)`),

		// Migration 006: observation to issue links
		{
			ID: "006_issue_links",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&IssueLink{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("issue_links")
			},
		},
	}
}

// addColumnMigration adds a column to observations unless it is already present.
func addColumnMigration(id, column string, stmts ...string) *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: id,
		Migrate: func(tx *gorm.DB) error {
			if tx.Migrator().HasColumn("observations", column) {
				return nil
			}
			return execAll(tx, stmts...)
		},
		Rollback: func(tx *gorm.DB) error {
			if !tx.Migrator().HasColumn("observations", column) {
				return nil
			}
			return tx.Exec("ALTER TABLE observations DROP COLUMN " + column).Error
		},
	}
}

func execAll(tx *gorm.DB, stmts ...string) error {
	for _, s := range stmts {
		if err := tx.Exec(s).Error; err != nil {
			return err
		}
	}
	return nil
}
