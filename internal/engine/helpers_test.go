package engine

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/expansiond/internal/download"
	"github.com/BadgerOps/expansiond/internal/expansion"
)

// memLedger is an in-memory ledger that also records runs.
type memLedger struct {
	mu       sync.Mutex
	slots    [expansion.MaxSlots]*expansion.FileRecord
	stale    bool
	saves    []expansion.FileRecord
	runs     []expansion.Run
	failSave error
}

func newMemLedger() *memLedger {
	return &memLedger{stale: true}
}

func (l *memLedger) KnownDownload(slot int) (*expansion.FileRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.slots[slot] == nil {
		return nil, nil
	}
	return l.slots[slot].Clone(), nil
}

func (l *memLedger) Save(rec *expansion.FileRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failSave != nil {
		return l.failSave
	}
	l.slots[rec.Slot] = rec.Clone()
	l.saves = append(l.saves, *rec)
	return nil
}

func (l *memLedger) DeleteFile(slot int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slots[slot] = nil
	return nil
}

func (l *memLedger) NeedsUpdate() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stale, nil
}

func (l *memLedger) MarkUpdated() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stale = false
	return nil
}

func (l *memLedger) RecordRun(run *expansion.Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	run.ID = int64(len(l.runs) + 1)
	l.runs = append(l.runs, *run)
	return nil
}

func (l *memLedger) put(rec *expansion.FileRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slots[rec.Slot] = rec.Clone()
}

func (l *memLedger) get(slot int) *expansion.FileRecord {
	rec, _ := l.KnownDownload(slot)
	return rec
}

// fakeGate returns a fixed verdict.
type fakeGate struct {
	access expansion.Access
	err    error
	calls  int
}

func (g *fakeGate) CheckAccess(context.Context, expansion.DownloaderConfig) (expansion.Access, error) {
	g.calls++
	return g.access, g.err
}

func allowAll() *fakeGate {
	return &fakeGate{access: expansion.Access{Verdict: expansion.VerdictAllowed, Reason: expansion.ReasonLicensed}}
}

type manifestFile struct {
	name string
	size int64
	url  string
}

type fakeManifest []manifestFile

func (m fakeManifest) ExpansionURLCount() int { return len(m) }
func (m fakeManifest) FileName(i int) string  { return m[i].name }
func (m fakeManifest) FileSize(i int) int64   { return m[i].size }
func (m fakeManifest) URL(i int) string       { return m[i].url }

type event struct {
	kind       string
	state      expansion.State
	downloaded int64
	total      int64
	paths      []string
	message    string
}

// recordingSink keeps every event it receives.
type recordingSink struct {
	mu      sync.Mutex
	events  []event
	onEvent func(event)
}

func (s *recordingSink) add(e event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	hook := s.onEvent
	s.mu.Unlock()
	if hook != nil {
		hook(e)
	}
}

func (s *recordingSink) StatusChanged(state expansion.State) {
	s.add(event{kind: "status", state: state})
}

func (s *recordingSink) Progress(downloaded, total int64) {
	s.add(event{kind: "progress", downloaded: downloaded, total: total})
}

func (s *recordingSink) Done(paths []string) {
	s.add(event{kind: "done", paths: paths})
}

func (s *recordingSink) Error(state expansion.State, message string) {
	s.add(event{kind: "error", state: state, message: message})
}

func (s *recordingSink) ofKind(kind string) []event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event
	for _, e := range s.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// obbServer serves files by path with ETag and Range support and records
// the Range header of every request.
type obbServer struct {
	*httptest.Server
	mu     sync.Mutex
	files  map[string][]byte
	ranges map[string][]string
}

func newOBBServer(t *testing.T, files map[string][]byte) *obbServer {
	t.Helper()
	s := &obbServer{files: files, ranges: make(map[string][]string)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.ranges[r.URL.Path] = append(s.ranges[r.URL.Path], r.Header.Get("Range"))
		data, ok := s.files[r.URL.Path]
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", download.ContentTypeOBB)
		w.Header().Set("ETag", `"`+r.URL.Path+`-v1"`)
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *obbServer) rangesFor(path string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ranges[path]...)
}

type fixture struct {
	dir        *download.Dir
	ledger     *memLedger
	gate       *fakeGate
	transferer *download.Transferer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ledger := newMemLedger()
	return &fixture{
		dir:        download.NewDir(t.TempDir()),
		ledger:     ledger,
		gate:       allowAll(),
		transferer: download.NewTransferer(ledger, download.Options{}, nil),
	}
}

func (f *fixture) engine(manifest expansion.ManifestAuthority) *Engine {
	return New(f.gate, manifest, f.ledger, f.dir, f.transferer, nil)
}

func (f *fixture) path(name string) string {
	return filepath.Join(f.dir.Root(), name)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}
