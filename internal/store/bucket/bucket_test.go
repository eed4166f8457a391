package bucket

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"gocloud.dev/blob"

	"github.com/BadgerOps/expansiond/internal/expansion"
)

func newMemLedger(t *testing.T, appVersion int) (*Ledger, *blob.Bucket) {
	t.Helper()
	bkt, err := blob.OpenBucket(context.Background(), "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	t.Cleanup(func() { bkt.Close() })
	return New(bkt, "ledger/", appVersion, nil), bkt
}

func TestKnownDownloadMissing(t *testing.T) {
	l, _ := newMemLedger(t, 1)

	rec, err := l.KnownDownload(expansion.SlotPrimary)
	if err != nil {
		t.Fatalf("KnownDownload: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil, got %v", rec)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	l, bkt := newMemLedger(t, 1)

	rec := expansion.NewFileRecord(expansion.SlotSupplementary, "patch.obb", 7, "https://example.com/patch")
	rec.Downloaded = 3
	rec.ETag = `"v1"`
	if err := l.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	exists, err := bkt.Exists(context.Background(), "ledger/slot-1.json")
	if err != nil || !exists {
		t.Fatalf("expected slot object under prefix, exists=%v err=%v", exists, err)
	}

	got, err := l.KnownDownload(expansion.SlotSupplementary)
	if err != nil {
		t.Fatalf("KnownDownload: %v", err)
	}
	if *got != *rec {
		t.Errorf("got %+v, want %+v", got, rec)
	}
}

func TestSaveWithoutETag(t *testing.T) {
	l, bkt := newMemLedger(t, 1)

	rec := expansion.NewFileRecord(expansion.SlotPrimary, "main.obb", 12, "https://example.com/main")
	if err := l.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := bkt.ReadAll(context.Background(), "ledger/slot-0.json")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !strings.Contains(string(data), `"etag": null`) {
		t.Errorf("expected null etag in %s", data)
	}
}

func TestDeleteFile(t *testing.T) {
	l, _ := newMemLedger(t, 1)

	rec := expansion.NewFileRecord(expansion.SlotSupplementary, "patch.obb", 7, "https://example.com/patch")
	if err := l.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := l.DeleteFile(expansion.SlotSupplementary); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if got, _ := l.KnownDownload(expansion.SlotSupplementary); got != nil {
		t.Errorf("expected slot to be gone, got %v", got)
	}
	if err := l.DeleteFile(expansion.SlotSupplementary); err != nil {
		t.Errorf("deleting a missing slot should succeed, got %v", err)
	}
}

func TestNeedsUpdate(t *testing.T) {
	l, bkt := newMemLedger(t, 4)

	needs, err := l.NeedsUpdate()
	if err != nil {
		t.Fatalf("NeedsUpdate: %v", err)
	}
	if !needs {
		t.Error("expected empty ledger to need an update")
	}

	if err := l.MarkUpdated(); err != nil {
		t.Fatalf("MarkUpdated: %v", err)
	}
	if needs, _ := l.NeedsUpdate(); needs {
		t.Error("expected ledger to be fresh after MarkUpdated")
	}

	upgraded := New(bkt, "ledger/", 5, nil)
	if needs, _ := upgraded.NeedsUpdate(); !needs {
		t.Error("expected newer application version to need an update")
	}
	older := New(bkt, "ledger/", 3, nil)
	if needs, _ := older.NeedsUpdate(); needs {
		t.Error("expected older application version to be fresh")
	}
}

func TestOpenFileBucket(t *testing.T) {
	dir := t.TempDir()
	url := "file://" + filepath.ToSlash(dir)

	l, err := Open(context.Background(), url, "ledger/", 1, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec := expansion.NewFileRecord(expansion.SlotPrimary, "main.obb", 12, "https://example.com/main")
	if err := l.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(context.Background(), url, "ledger/", 1, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.KnownDownload(expansion.SlotPrimary)
	if err != nil {
		t.Fatalf("KnownDownload: %v", err)
	}
	if got == nil || got.Name != "main.obb" {
		t.Errorf("expected record to persist on disk, got %v", got)
	}
}
