package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BadgerOps/expansiond/internal/expansion"

	_ "modernc.org/sqlite"
)

const metaAppVersion = "app_version"

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is a SQLite-backed expansion.Ledger that also keeps run history.
type Store struct {
	db         *sql.DB
	logger     *slog.Logger
	appVersion int
}

var (
	_ expansion.Ledger      = (*Store)(nil)
	_ expansion.RunRecorder = (*Store)(nil)
)

// New opens the SQLite database at dbPath and runs migrations.
// appVersion is the current application version; the ledger needs an update
// whenever the stored stamp is older.
func New(dbPath string, appVersion int, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// single writer; also keeps ":memory:" databases on one connection
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:         db,
		logger:     logger,
		appVersion: appVersion,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("ledger opened", "path", dbPath, "app_version", appVersion)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// Ledger
// ============================================================================

// KnownDownload returns the record for slot, or nil if the slot is empty.
func (s *Store) KnownDownload(slot int) (*expansion.FileRecord, error) {
	const query = `
		SELECT slot, name, url, size, downloaded, etag
		FROM expansion_files WHERE slot = ?
	`

	rec := &expansion.FileRecord{}
	var etag sql.NullString
	err := s.db.QueryRow(query, slot).Scan(
		&rec.Slot, &rec.Name, &rec.URL, &rec.Size, &rec.Downloaded, &etag,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query slot %d: %w", slot, err)
	}
	rec.ETag = etag.String

	return rec, nil
}

// Save inserts or replaces the record for rec.Slot.
func (s *Store) Save(rec *expansion.FileRecord) error {
	if !expansion.ValidSlot(rec.Slot) {
		return fmt.Errorf("invalid slot %d", rec.Slot)
	}

	const query = `
		INSERT INTO expansion_files (slot, name, url, size, downloaded, etag, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			name = excluded.name,
			url = excluded.url,
			size = excluded.size,
			downloaded = excluded.downloaded,
			etag = excluded.etag,
			updated_at = excluded.updated_at
	`

	etag := sql.NullString{String: rec.ETag, Valid: rec.ETag != ""}
	if _, err := s.db.Exec(query,
		rec.Slot, rec.Name, rec.URL, rec.Size, rec.Downloaded, etag, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("failed to save slot %d: %w", rec.Slot, err)
	}
	return nil
}

// DeleteFile forgets the record for slot. Deleting an empty slot is not an error.
func (s *Store) DeleteFile(slot int) error {
	if _, err := s.db.Exec("DELETE FROM expansion_files WHERE slot = ?", slot); err != nil {
		return fmt.Errorf("failed to delete slot %d: %w", slot, err)
	}
	return nil
}

// NeedsUpdate reports whether the ledger was last reconciled by an older application version.
func (s *Store) NeedsUpdate() (bool, error) {
	stored, err := s.storedVersion()
	if err != nil {
		return false, err
	}
	return stored < s.appVersion, nil
}

// MarkUpdated stamps the ledger with the current application version.
func (s *Store) MarkUpdated() error {
	const query = `
		INSERT INTO ledger_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := s.db.Exec(query, metaAppVersion, strconv.Itoa(s.appVersion)); err != nil {
		return fmt.Errorf("failed to mark ledger updated: %w", err)
	}
	return nil
}

func (s *Store) storedVersion() (int, error) {
	var raw string
	err := s.db.QueryRow("SELECT value FROM ledger_meta WHERE key = ?", metaAppVersion).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read ledger version: %w", err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("corrupt ledger version %q: %w", raw, err)
	}
	return v, nil
}

// ============================================================================
// Run history
// ============================================================================

// RecordRun inserts run and sets its ID.
func (s *Store) RecordRun(run *expansion.Run) error {
	files, err := json.Marshal(run.Files)
	if err != nil {
		return fmt.Errorf("failed to encode run files: %w", err)
	}
	if run.Files == nil {
		files = []byte("[]")
	}

	const query = `
		INSERT INTO download_runs (start_time, end_time, state, message, files, bytes_transferred)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.Exec(query,
		run.StartTime.UTC(), run.EndTime.UTC(), int(run.State), run.Message, string(files), run.BytesTransferred,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	run.ID = id
	return nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all of them.
func (s *Store) ListRuns(limit int) ([]expansion.Run, error) {
	query := `
		SELECT id, start_time, end_time, state, message, files, bytes_transferred
		FROM download_runs ORDER BY start_time DESC, id DESC
	`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []expansion.Run
	for rows.Next() {
		var (
			run   expansion.Run
			state int
			files string
		)
		if err := rows.Scan(
			&run.ID, &run.StartTime, &run.EndTime, &state, &run.Message, &files, &run.BytesTransferred,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.State = expansion.State(state)
		if err := json.Unmarshal([]byte(files), &run.Files); err != nil {
			return nil, fmt.Errorf("failed to decode files of run %d: %w", run.ID, err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// LatestRun returns the most recent run, or ErrNotFound if none were recorded.
func (s *Store) LatestRun() (*expansion.Run, error) {
	runs, err := s.ListRuns(1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNotFound
	}
	return &runs[0], nil
}

// PruneRuns deletes all but the newest keep runs and returns how many were removed.
func (s *Store) PruneRuns(keep int) (int64, error) {
	const query = `
		DELETE FROM download_runs WHERE id NOT IN (
			SELECT id FROM download_runs ORDER BY start_time DESC, id DESC LIMIT ?
		)
	`
	result, err := s.db.Exec(query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
