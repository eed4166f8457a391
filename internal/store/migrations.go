package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE expansion_files (
					slot INTEGER PRIMARY KEY CHECK (slot IN (0, 1)),
					name TEXT NOT NULL,
					url TEXT NOT NULL DEFAULT '',
					size INTEGER NOT NULL DEFAULT 0,
					downloaded INTEGER NOT NULL DEFAULT 0,
					etag TEXT,
					updated_at DATETIME NOT NULL
				);

				CREATE TABLE ledger_meta (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL
				);
			`,
		},
		{
			version: 2,
			sql: `
				CREATE TABLE download_runs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					start_time DATETIME NOT NULL,
					end_time DATETIME NOT NULL,
					state INTEGER NOT NULL,
					message TEXT NOT NULL DEFAULT '',
					files TEXT NOT NULL DEFAULT '[]',
					bytes_transferred INTEGER NOT NULL DEFAULT 0
				);

				CREATE INDEX idx_download_runs_start ON download_runs(start_time);
			`,
		},
	}

	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Info("running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
