package store

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BadgerOps/expansiond/internal/expansion"
)

// newTestStore creates an in-memory SQLite store for testing
func newTestStore(t *testing.T, appVersion int) *Store {
	t.Helper()
	s, err := New(":memory:", appVersion, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// ============================================================================
// Store Lifecycle Tests
// ============================================================================

func TestNew(t *testing.T) {
	store, err := New(":memory:", 1, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer store.Close()

	if store.db == nil {
		t.Error("Expected db to be initialized")
	}
	if store.logger == nil {
		t.Error("Expected logger to default when nil")
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")

	s1, err := New(dbPath, 3, nil)
	if err != nil {
		t.Fatalf("first New() failed: %v", err)
	}
	rec := expansion.NewFileRecord(expansion.SlotPrimary, "main.obb", 12, "https://example.com/main")
	if err := s1.Save(rec); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	s1.Close()

	s2, err := New(dbPath, 3, nil)
	if err != nil {
		t.Fatalf("reopening store failed: %v", err)
	}
	defer s2.Close()

	got, err := s2.KnownDownload(expansion.SlotPrimary)
	if err != nil {
		t.Fatalf("KnownDownload() failed: %v", err)
	}
	if got == nil || got.Name != "main.obb" {
		t.Errorf("expected record to survive reopen, got %v", got)
	}
}

// ============================================================================
// Ledger Tests
// ============================================================================

func TestKnownDownloadEmptySlot(t *testing.T) {
	s := newTestStore(t, 1)

	rec, err := s.KnownDownload(expansion.SlotSupplementary)
	if err != nil {
		t.Fatalf("KnownDownload() failed: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil record for empty slot, got %v", rec)
	}
}

func TestSaveAndKnownDownload(t *testing.T) {
	s := newTestStore(t, 1)

	rec := expansion.NewFileRecord(expansion.SlotPrimary, "main.obb", 12, "https://example.com/main")
	rec.Downloaded = 5
	rec.ETag = `"abc"`
	if err := s.Save(rec); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	got, err := s.KnownDownload(expansion.SlotPrimary)
	if err != nil {
		t.Fatalf("KnownDownload() failed: %v", err)
	}
	if *got != *rec {
		t.Errorf("KnownDownload() = %+v, want %+v", got, rec)
	}

	// upsert replaces the row for the slot
	rec.Downloaded = 12
	rec.URL = "https://mirror.example.com/main"
	if err := s.Save(rec); err != nil {
		t.Fatalf("second Save() failed: %v", err)
	}
	got, _ = s.KnownDownload(expansion.SlotPrimary)
	if got.Downloaded != 12 || got.URL != rec.URL {
		t.Errorf("expected updated record, got %+v", got)
	}
}

func TestSaveEmptyETagStoredAsNull(t *testing.T) {
	s := newTestStore(t, 1)

	rec := expansion.NewFileRecord(expansion.SlotSupplementary, "patch.obb", 7, "https://example.com/patch")
	if err := s.Save(rec); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	var nulls int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM expansion_files WHERE etag IS NULL").Scan(&nulls); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if nulls != 1 {
		t.Errorf("expected etag to be NULL, found %d NULL rows", nulls)
	}

	got, _ := s.KnownDownload(expansion.SlotSupplementary)
	if got.ETag != "" {
		t.Errorf("expected empty etag, got %q", got.ETag)
	}
}

func TestSaveRejectsInvalidSlot(t *testing.T) {
	s := newTestStore(t, 1)

	rec := expansion.NewFileRecord(2, "third.obb", 1, "https://example.com/third")
	if err := s.Save(rec); err == nil {
		t.Error("expected error saving slot 2")
	}
}

func TestDeleteFile(t *testing.T) {
	s := newTestStore(t, 1)

	for _, rec := range []*expansion.FileRecord{
		expansion.NewFileRecord(expansion.SlotPrimary, "main.obb", 12, "https://example.com/main"),
		expansion.NewFileRecord(expansion.SlotSupplementary, "patch.obb", 7, "https://example.com/patch"),
	} {
		if err := s.Save(rec); err != nil {
			t.Fatalf("Save() failed: %v", err)
		}
	}

	if err := s.DeleteFile(expansion.SlotSupplementary); err != nil {
		t.Fatalf("DeleteFile() failed: %v", err)
	}
	if rec, _ := s.KnownDownload(expansion.SlotSupplementary); rec != nil {
		t.Errorf("expected slot 1 to be deleted, got %v", rec)
	}
	if rec, _ := s.KnownDownload(expansion.SlotPrimary); rec == nil {
		t.Error("expected slot 0 to remain")
	}

	// deleting an empty slot is fine
	if err := s.DeleteFile(expansion.SlotSupplementary); err != nil {
		t.Errorf("DeleteFile() on empty slot failed: %v", err)
	}
}

func TestNeedsUpdate(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")

	s, err := New(dbPath, 5, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	needs, err := s.NeedsUpdate()
	if err != nil {
		t.Fatalf("NeedsUpdate() failed: %v", err)
	}
	if !needs {
		t.Error("expected a fresh ledger to need an update")
	}

	if err := s.MarkUpdated(); err != nil {
		t.Fatalf("MarkUpdated() failed: %v", err)
	}
	if needs, _ := s.NeedsUpdate(); needs {
		t.Error("expected no update needed after MarkUpdated")
	}
	s.Close()

	// same version reopened: still fresh
	s, err = New(dbPath, 5, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if needs, _ := s.NeedsUpdate(); needs {
		t.Error("expected same version to be fresh")
	}
	s.Close()

	// upgraded application
	s, err = New(dbPath, 6, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	if needs, _ := s.NeedsUpdate(); !needs {
		t.Error("expected newer version to need an update")
	}
}

// ============================================================================
// Run History Tests
// ============================================================================

func TestRecordAndListRuns(t *testing.T) {
	s := newTestStore(t, 1)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	runs := []*expansion.Run{
		{StartTime: base, EndTime: base.Add(time.Second), State: expansion.StatePausedNetworkUnavailable, Message: "connection reset", BytesTransferred: 100},
		{StartTime: base.Add(time.Hour), EndTime: base.Add(time.Hour + time.Second), State: expansion.StateCompleted, Files: []string{"/data/main.obb"}, BytesTransferred: 200},
	}
	for _, run := range runs {
		if err := s.RecordRun(run); err != nil {
			t.Fatalf("RecordRun() failed: %v", err)
		}
		if run.ID == 0 {
			t.Error("Expected ID to be set after RecordRun")
		}
	}

	got, err := s.ListRuns(0)
	if err != nil {
		t.Fatalf("ListRuns() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(got))
	}
	if got[0].State != expansion.StateCompleted {
		t.Errorf("expected newest run first, got %s", got[0].State)
	}
	if len(got[0].Files) != 1 || got[0].Files[0] != "/data/main.obb" {
		t.Errorf("unexpected files %v", got[0].Files)
	}
	if got[1].Message != "connection reset" || got[1].BytesTransferred != 100 {
		t.Errorf("unexpected run %+v", got[1])
	}
	if len(got[1].Files) != 0 {
		t.Errorf("expected no files, got %v", got[1].Files)
	}

	limited, err := s.ListRuns(1)
	if err != nil {
		t.Fatalf("ListRuns(1) failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("expected 1 run, got %d", len(limited))
	}
}

func TestLatestRun(t *testing.T) {
	s := newTestStore(t, 1)

	if _, err := s.LatestRun(); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	now := time.Now()
	if err := s.RecordRun(&expansion.Run{StartTime: now, EndTime: now, State: expansion.StateFailedUnlicensed}); err != nil {
		t.Fatalf("RecordRun() failed: %v", err)
	}

	run, err := s.LatestRun()
	if err != nil {
		t.Fatalf("LatestRun() failed: %v", err)
	}
	if run.State != expansion.StateFailedUnlicensed {
		t.Errorf("expected failed_unlicensed, got %s", run.State)
	}
}

func TestPruneRuns(t *testing.T) {
	s := newTestStore(t, 1)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		start := base.Add(time.Duration(i) * time.Minute)
		if err := s.RecordRun(&expansion.Run{StartTime: start, EndTime: start, State: expansion.StateCompleted}); err != nil {
			t.Fatalf("RecordRun() failed: %v", err)
		}
	}

	n, err := s.PruneRuns(2)
	if err != nil {
		t.Fatalf("PruneRuns() failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 runs pruned, got %d", n)
	}

	runs, _ := s.ListRuns(0)
	if len(runs) != 2 {
		t.Errorf("expected 2 runs left, got %d", len(runs))
	}
}
