package main

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BadgerOps/expansiond/internal/authority"
	"github.com/BadgerOps/expansiond/internal/config"
	"github.com/BadgerOps/expansiond/internal/download"
	"github.com/BadgerOps/expansiond/internal/store"
)

var obbContent = bytes.Repeat([]byte("expansion-"), 1000)

// newOBBServer serves obbContent at /main.obb the way a CDN would.
func newOBBServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/main.obb" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", download.ContentTypeOBB)
		w.Header().Set("ETag", `"main-v1"`)
		http.ServeContent(w, r, "main.obb", time.Unix(0, 0), bytes.NewReader(obbContent))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// setupCLI points the package globals at a fresh config and restores them afterwards.
func setupCLI(t *testing.T, files ...authority.File) *config.Config {
	t.Helper()

	origCfg, origLogger, origQuiet := globalCfg, logger, quiet
	origRetries, origInterval, origListen, origForce := fetchRetries, fetchRetryInterval, fetchListen, fetchForce
	origSlot, origPurge, origRuns := resetSlot, resetPurge, statusRuns
	t.Cleanup(func() {
		globalCfg, logger, quiet = origCfg, origLogger, origQuiet
		fetchRetries, fetchRetryInterval, fetchListen, fetchForce = origRetries, origInterval, origListen, origForce
		resetSlot, resetPurge, statusRuns = origSlot, origPurge, origRuns
	})

	root := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DownloadDir = filepath.Join(root, "files")
	cfg.Ledger.DBPath = filepath.Join(root, "ledger.db")
	cfg.App.Package = "com.example.game"
	cfg.App.VersionCode = 3
	cfg.Manifest.Files = files

	globalCfg = cfg
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	quiet = false
	fetchRetries = 0
	fetchRetryInterval = 10 * time.Millisecond
	fetchListen = ""
	fetchForce = false
	resetSlot = -1
	resetPurge = false
	statusRuns = 5
	return cfg
}

func mainFile(srv *httptest.Server) authority.File {
	return authority.File{
		Name: "main.3.com.example.game.obb",
		Size: int64(len(obbContent)),
		URL:  srv.URL + "/main.obb",
	}
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	done := make(chan []byte)
	go func() {
		data, _ := io.ReadAll(r)
		done <- data
	}()

	fn()

	_ = w.Close()
	data := <-done
	_ = r.Close()
	return string(data)
}

func TestFetchRun_DownloadsFiles(t *testing.T) {
	srv := newOBBServer(t)
	cfg := setupCLI(t, mainFile(srv))

	out := captureStdout(t, func() {
		if err := fetchRun(nil, nil); err != nil {
			t.Fatalf("fetchRun returned error: %v", err)
		}
	})

	want := filepath.Join(cfg.DownloadDir, "main.3.com.example.game.obb")
	if !strings.Contains(out, "Expansion files ready") || !strings.Contains(out, want) {
		t.Fatalf("expected ready message and path, got: %s", out)
	}
	got, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("reading downloaded file: %v", err)
	}
	if !bytes.Equal(got, obbContent) {
		t.Fatalf("downloaded %d bytes, want %d", len(got), len(obbContent))
	}
	if _, err := os.Stat(filepath.Join(cfg.DownloadDir, ".expansiond.lock")); !os.IsNotExist(err) {
		t.Fatalf("expected lock file to be released, stat err = %v", err)
	}

	// a second fetch finds the files in place without touching the network
	srv.Close()
	out = captureStdout(t, func() {
		if err := fetchRun(nil, nil); err != nil {
			t.Fatalf("second fetchRun returned error: %v", err)
		}
	})
	if !strings.Contains(out, want) {
		t.Fatalf("expected path on second fetch, got: %s", out)
	}
}

func TestFetchRun_PausedExitCode(t *testing.T) {
	srv := newOBBServer(t)
	setupCLI(t, mainFile(srv))
	srv.Close()
	fetchRetries = 1

	err := fetchRun(nil, nil)
	var exitErr *exitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected exitError, got %v", err)
	}
	if exitErr.code != exitPaused {
		t.Fatalf("exit code = %d, want %d (%v)", exitErr.code, exitPaused, err)
	}
}

func TestFetchRun_FailedExitCode(t *testing.T) {
	srv := newOBBServer(t)
	bad := mainFile(srv)
	bad.Name = "../escape.obb"
	setupCLI(t, bad)

	err := fetchRun(nil, nil)
	var exitErr *exitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected exitError, got %v", err)
	}
	if exitErr.code != exitFailed {
		t.Fatalf("exit code = %d, want %d (%v)", exitErr.code, exitFailed, err)
	}
}

func TestFetchRun_InvalidConfig(t *testing.T) {
	cfg := setupCLI(t)
	cfg.App.Package = ""

	err := fetchRun(nil, nil)
	if err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Fatalf("expected invalid config error, got %v", err)
	}
}

func TestFetchRun_DirectoryLocked(t *testing.T) {
	srv := newOBBServer(t)
	cfg := setupCLI(t, mainFile(srv))

	unlock, err := download.NewDir(cfg.DownloadDir).Lock()
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer unlock()

	err = fetchRun(nil, nil)
	if !errors.Is(err, download.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}

func TestStatusRun(t *testing.T) {
	srv := newOBBServer(t)
	setupCLI(t, mainFile(srv))

	out := captureStdout(t, func() {
		if err := statusRun(nil, nil); err != nil {
			t.Fatalf("statusRun returned error: %v", err)
		}
	})
	if !strings.Contains(out, "No known downloads") {
		t.Fatalf("expected empty ledger message, got: %s", out)
	}

	captureStdout(t, func() {
		if err := fetchRun(nil, nil); err != nil {
			t.Fatalf("fetchRun returned error: %v", err)
		}
	})

	out = captureStdout(t, func() {
		if err := statusRun(nil, nil); err != nil {
			t.Fatalf("statusRun returned error: %v", err)
		}
	})
	for _, want := range []string{"Availability: ready", "main.3.com.example.game.obb", "100.0%", "completed"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in status output, got: %s", want, out)
		}
	}
}

func TestResetRun(t *testing.T) {
	srv := newOBBServer(t)
	cfg := setupCLI(t, mainFile(srv))

	captureStdout(t, func() {
		if err := fetchRun(nil, nil); err != nil {
			t.Fatalf("fetchRun returned error: %v", err)
		}
	})
	final := filepath.Join(cfg.DownloadDir, "main.3.com.example.game.obb")

	resetPurge = true
	out := captureStdout(t, func() {
		if err := resetRun(nil, nil); err != nil {
			t.Fatalf("resetRun returned error: %v", err)
		}
	})
	if !strings.Contains(out, "Reset slot 0") {
		t.Fatalf("expected reset message, got: %s", out)
	}
	if _, err := os.Stat(final); !os.IsNotExist(err) {
		t.Fatalf("expected purged file to be gone, stat err = %v", err)
	}

	st, err := store.New(cfg.Ledger.DBPath, cfg.App.VersionCode, logger)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	defer st.Close()
	rec, err := st.KnownDownload(0)
	if err != nil {
		t.Fatalf("KnownDownload: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected slot 0 to be forgotten, got %v", rec)
	}
}

func TestResetRun_KeepsCompletedFiles(t *testing.T) {
	srv := newOBBServer(t)
	cfg := setupCLI(t, mainFile(srv))

	captureStdout(t, func() {
		if err := fetchRun(nil, nil); err != nil {
			t.Fatalf("fetchRun returned error: %v", err)
		}
	})

	resetSlot = 0
	captureStdout(t, func() {
		if err := resetRun(nil, nil); err != nil {
			t.Fatalf("resetRun returned error: %v", err)
		}
	})
	if _, err := os.Stat(filepath.Join(cfg.DownloadDir, "main.3.com.example.game.obb")); err != nil {
		t.Fatalf("expected completed file to stay, stat err = %v", err)
	}
}

func TestResetRun_InvalidSlot(t *testing.T) {
	setupCLI(t)
	resetSlot = 5
	if err := resetRun(nil, nil); err == nil {
		t.Fatal("expected error for invalid slot")
	}
}

func TestConfigCommands(t *testing.T) {
	srv := newOBBServer(t)
	setupCLI(t, mainFile(srv))

	out := captureStdout(t, func() {
		if err := configValidateRun(nil, nil); err != nil {
			t.Fatalf("configValidateRun returned error: %v", err)
		}
	})
	if !strings.Contains(out, "Configuration is valid") {
		t.Fatalf("unexpected validate output: %s", out)
	}

	out = captureStdout(t, func() {
		if err := configShowRun(nil, nil); err != nil {
			t.Fatalf("configShowRun returned error: %v", err)
		}
	})
	if !strings.Contains(out, "package: com.example.game") {
		t.Fatalf("expected package in config output, got: %s", out)
	}

	globalCfg.Ledger.Driver = "postgres"
	if err := configValidateRun(nil, nil); err == nil {
		t.Fatal("expected validation error for unknown driver")
	}
}

func TestConfigInitRun(t *testing.T) {
	setupCLI(t)
	path := filepath.Join(t.TempDir(), "conf", "expansiond.yaml")

	captureStdout(t, func() {
		if err := configInitRun(nil, []string{path}); err != nil {
			t.Fatalf("configInitRun returned error: %v", err)
		}
	})
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("loading written config: %v", err)
	}
	if cfg.Ledger.Driver != config.LedgerSQLite {
		t.Errorf("Ledger.Driver = %q, want sqlite", cfg.Ledger.Driver)
	}

	if err := configInitRun(nil, []string{path}); err == nil {
		t.Fatal("expected error when file exists without --force")
	}
}

func TestRootCmd_LoadsConfigFile(t *testing.T) {
	srv := newOBBServer(t)
	setupCLI(t)
	origPath, origLevel, origFormat, origDir := cfgPath, logLevel, logFormat, downloadDir
	origDefault := slog.Default()
	t.Cleanup(func() {
		cfgPath, logLevel, logFormat, downloadDir = origPath, origLevel, origFormat, origDir
		slog.SetDefault(origDefault)
	})

	dir := t.TempDir()
	path := filepath.Join(dir, "expansiond.yaml")
	content := "download_dir: " + filepath.Join(dir, "files") + "\n" +
		"app:\n  package: com.example.game\n  version_code: 3\n" +
		"manifest:\n  files:\n    - name: main.obb\n      size: 10\n      url: " + srv.URL + "/main.obb\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cmd := NewRootCmd()
	cmd.SetArgs([]string{"--config", path, "--log-level", "error", "--download-dir", filepath.Join(dir, "elsewhere"), "config", "validate"})
	captureStdout(t, func() {
		if err := cmd.Execute(); err != nil {
			t.Fatalf("Execute returned error: %v", err)
		}
	})

	if globalCfg.App.Package != "com.example.game" {
		t.Errorf("App.Package = %q, want com.example.game", globalCfg.App.Package)
	}
	if globalCfg.DownloadDir != filepath.Join(dir, "elsewhere") {
		t.Errorf("DownloadDir = %q, want the --download-dir override", globalCfg.DownloadDir)
	}
}
