package expansion

import (
	"context"
	"time"
)

// Ledger persists FileRecords keyed by slot.
// It is the single source of truth for Downloaded and ETag.
type Ledger interface {
	// KnownDownload returns the record stored for slot, or nil if there is none.
	KnownDownload(slot int) (*FileRecord, error)
	Save(rec *FileRecord) error
	DeleteFile(slot int) error
	// NeedsUpdate reports whether the manifest must be re-checked before
	// known downloads can be trusted (e.g. the application was upgraded).
	NeedsUpdate() (bool, error)
	MarkUpdated() error
}

// Run is one invocation of the engine, as recorded in run history.
type Run struct {
	ID               int64     `json:"id"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	State            State     `json:"state"`
	Message          string    `json:"message,omitempty"`
	Files            []string  `json:"files"`
	BytesTransferred int64     `json:"bytes_transferred"`
}

// RunRecorder is implemented by ledgers that keep a history of runs.
type RunRecorder interface {
	RecordRun(run *Run) error
}

// Sink receives status, progress and terminal events.
// Calls are fire-and-forget; implementations must not block for long.
type Sink interface {
	StatusChanged(state State)
	Progress(downloaded, total int64)
	Done(paths []string)
	Error(state State, message string)
}

// Destination resolves where records live on disk and how much room is left.
type Destination interface {
	AvailableBytes(path string) (int64, error)
	FinalPath(rec *FileRecord) (string, error)
	TempPath(rec *FileRecord) (string, error)
}

// DownloaderConfig is passed through to the entitlement gate.
// AllowCellular and RequireUnmetered are independent; the host scheduler decides
// what network to wait for, the engine only carries them.
type DownloaderConfig struct {
	PackageName      string
	VersionCode      int
	Salt             []byte
	PublicKey        string
	DeviceID         string
	AllowCellular    bool
	RequireUnmetered bool
	JobID            int
	NotificationID   int
}

// Verdict is the result category of an entitlement check.
type Verdict int

const (
	VerdictAllowed Verdict = iota
	VerdictNotAllowed
	VerdictError
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllowed:
		return "allowed"
	case VerdictNotAllowed:
		return "not_allowed"
	case VerdictError:
		return "error"
	default:
		return "unknown"
	}
}

// Reason codes used by the licensing scheme for allowed and not-allowed verdicts.
const (
	ReasonLicensed    = 0x0100
	ReasonNotLicensed = 0x0231
	ReasonRetry       = 0x0123
)

// Access is the outcome of EntitlementGate.CheckAccess.
// Reason is set for allowed/not-allowed verdicts, Code for errors.
type Access struct {
	Verdict Verdict
	Reason  int
	Code    int
}

// EntitlementGate decides whether the caller may download the expansion files.
type EntitlementGate interface {
	CheckAccess(ctx context.Context, cfg DownloaderConfig) (Access, error)
}

// ManifestAuthority reports the expansion files the caller should have.
// Indexes range over [0, ExpansionURLCount()).
type ManifestAuthority interface {
	ExpansionURLCount() int
	FileName(i int) string
	FileSize(i int) int64
	URL(i int) string
}

// Availability summarizes whether local expansion files can be used as-is.
type Availability int

const (
	// AvailabilityCheckRequired means the manifest must be consulted first,
	// usually because the application version changed.
	AvailabilityCheckRequired Availability = iota + 1
	AvailabilityDownloadNeeded
	AvailabilityReady
)

func (a Availability) String() string {
	switch a {
	case AvailabilityCheckRequired:
		return "check_required"
	case AvailabilityDownloadNeeded:
		return "download_needed"
	case AvailabilityReady:
		return "ready"
	default:
		return "unknown"
	}
}
