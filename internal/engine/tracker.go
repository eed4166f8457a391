package engine

import (
	"sync"
	"time"

	"github.com/BadgerOps/expansiond/internal/expansion"
)

// DownloadState is the coarse state a UI shows for the expansion files.
type DownloadState string

const (
	DownloadChecking    DownloadState = "checking"
	DownloadDownloading DownloadState = "downloading"
	DownloadReady       DownloadState = "ready"
	DownloadPaused      DownloadState = "paused"
	DownloadUnavailable DownloadState = "unavailable"
)

// downloadStateFor maps an engine state onto what a UI shows.
func downloadStateFor(s expansion.State) DownloadState {
	switch {
	case s == expansion.StateIdle:
		return DownloadChecking
	case s == expansion.StateCompleted:
		return DownloadReady
	case s.IsPaused():
		return DownloadPaused
	case s.IsFailed():
		return DownloadUnavailable
	default:
		return DownloadDownloading
	}
}

// Snapshot is a copy of the tracker state, safe for JSON serialization.
type Snapshot struct {
	State           expansion.State `json:"state"`
	StateCode       int             `json:"state_code"`
	Download        DownloadState   `json:"download"`
	BytesDownloaded int64           `json:"bytes_downloaded"`
	TotalBytes      int64           `json:"total_bytes"`
	Percent         float64         `json:"percent"`
	BytesPerSecond  int64           `json:"bytes_per_second"`
	ETA             string          `json:"eta,omitempty"`
	Paths           []string        `json:"paths,omitempty"`
	Message         string          `json:"message,omitempty"`
	StartTime       time.Time       `json:"start_time"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Elapsed         string          `json:"elapsed"`
}

// Tracker is an expansion.Sink that keeps the latest engine state for
// display. HTTP handlers use Wait() to block until the next update.
type Tracker struct {
	mu sync.Mutex

	state      expansion.State
	downloaded int64
	total      int64
	paths      []string
	message    string
	startTime  time.Time
	updatedAt  time.Time

	// speed is measured from the first progress event of the current file,
	// so resumed bytes do not inflate it
	speedBase     int64
	speedBaseTime time.Time

	// close-and-replace: every update closes the current channel
	notify chan struct{}

	now func() time.Time
}

var _ expansion.Sink = (*Tracker)(nil)

// NewTracker creates an idle tracker.
func NewTracker() *Tracker {
	now := time.Now()
	return &Tracker{
		state:     expansion.StateIdle,
		startTime: now,
		updatedAt: now,
		notify:    make(chan struct{}),
		now:       time.Now,
	}
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	var pct float64
	if t.total > 0 {
		pct = float64(t.downloaded) / float64(t.total) * 100
	}

	var bytesPerSecond int64
	var eta string
	if !t.speedBaseTime.IsZero() {
		elapsed := now.Sub(t.speedBaseTime)
		delta := t.downloaded - t.speedBase
		if elapsed > time.Second && delta > 0 {
			bytesPerSecond = int64(float64(delta) / elapsed.Seconds())
			if bytesPerSecond > 0 && t.total > t.downloaded {
				remaining := t.total - t.downloaded
				etaDuration := time.Duration(float64(remaining) / float64(bytesPerSecond) * float64(time.Second))
				eta = etaDuration.Truncate(time.Second).String()
			}
		}
	}

	var paths []string
	if len(t.paths) > 0 {
		paths = make([]string, len(t.paths))
		copy(paths, t.paths)
	}

	return Snapshot{
		State:           t.state,
		StateCode:       int(t.state),
		Download:        downloadStateFor(t.state),
		BytesDownloaded: t.downloaded,
		TotalBytes:      t.total,
		Percent:         pct,
		BytesPerSecond:  bytesPerSecond,
		ETA:             eta,
		Paths:           paths,
		Message:         t.message,
		StartTime:       t.startTime,
		UpdatedAt:       t.updatedAt,
		Elapsed:         now.Sub(t.startTime).Truncate(time.Second).String(),
	}
}

// Wait returns a channel that will be closed when the next update occurs.
// Callers should select on this channel alongside a timeout for heartbeats.
func (t *Tracker) Wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notify
}

// signal closes the current notify channel and replaces it with a new one.
// Must be called with t.mu held.
func (t *Tracker) signal() {
	t.updatedAt = t.now()
	close(t.notify)
	t.notify = make(chan struct{})
}

// StatusChanged records a new engine state.
func (t *Tracker) StatusChanged(state expansion.State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if state == expansion.StateFetchingURL {
		// a new run
		t.startTime = t.now()
		t.paths = nil
		t.message = ""
		t.speedBaseTime = time.Time{}
	}
	if state == expansion.StateConnecting {
		t.speedBaseTime = time.Time{}
	}
	t.state = state
	t.signal()
}

// Progress records bytes persisted for the file in flight.
func (t *Tracker) Progress(downloaded, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.speedBaseTime.IsZero() || downloaded < t.speedBase {
		t.speedBase = downloaded
		t.speedBaseTime = t.now()
	}
	t.downloaded = downloaded
	t.total = total
	t.state = expansion.StateDownloading
	t.signal()
}

// Done records the final paths of the expansion files.
func (t *Tracker) Done(paths []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = expansion.StateCompleted
	t.paths = append([]string(nil), paths...)
	t.message = ""
	if t.total > 0 {
		t.downloaded = t.total
	}
	t.signal()
}

// Error records the state and message of a paused or failed run.
func (t *Tracker) Error(state expansion.State, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = state
	t.message = message
	t.signal()
}

// SetReady marks the tracker ready without a run, e.g. when the files were
// already present at startup.
func (t *Tracker) SetReady(paths []string) {
	t.Done(paths)
}
