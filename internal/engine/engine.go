package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/BadgerOps/expansiond/internal/download"
	"github.com/BadgerOps/expansiond/internal/expansion"
)

// Outcome is the result of one ProcessDownload call.
type Outcome struct {
	State expansion.State
	Err   error
	// Paths holds the final location of every expansion file on success.
	Paths []string
	// Reschedule reports whether invoking ProcessDownload again later could
	// make progress. It is set for paused outcomes only.
	Reschedule bool
	// BytesTransferred counts bytes written during this call.
	BytesTransferred int64
}

// OK reports whether every expansion file is in place.
func (o Outcome) OK() bool {
	return o.State == expansion.StateCompleted
}

// Engine sequences the entitlement check, manifest reconciliation and the
// transfer of each pending expansion file.
//
// One Engine must own its ledger and destination directory; ProcessDownload
// is not safe to call concurrently.
type Engine struct {
	gate       expansion.EntitlementGate
	manifest   expansion.ManifestAuthority
	ledger     expansion.Ledger
	dest       expansion.Destination
	transferer *download.Transferer
	ui         expansion.Sink
	logger     *slog.Logger
	now        func() time.Time

	running atomic.Bool
}

// New creates an Engine. The engine starts in the running state.
func New(
	gate expansion.EntitlementGate,
	manifest expansion.ManifestAuthority,
	ledger expansion.Ledger,
	dest expansion.Destination,
	transferer *download.Transferer,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		gate:       gate,
		manifest:   manifest,
		ledger:     ledger,
		dest:       dest,
		transferer: transferer,
		ui:         expansion.NopSink{},
		logger:     logger,
		now:        time.Now,
	}
	e.running.Store(true)
	return e
}

// SetUISink installs the sink that mirrors every event sent to the notifier,
// typically a Tracker.
func (e *Engine) SetUISink(s expansion.Sink) {
	if s == nil {
		s = expansion.NopSink{}
	}
	e.ui = s
}

// Start allows transfers to proceed. Safe to call from any goroutine.
func (e *Engine) Start() {
	e.running.Store(true)
}

// Stop asks an in-flight ProcessDownload to checkpoint and pause at its next
// cancellation check. The flag is level-triggered: it stays set until Start.
func (e *Engine) Stop() {
	e.running.Store(false)
}

// Running reports the current state of the cancellation flag.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// ProcessDownload checks entitlement, reconciles the ledger with the manifest
// and fetches every pending file in slot order. Exactly one terminal event
// (Done or Error) reaches both notifier and the UI sink.
func (e *Engine) ProcessDownload(ctx context.Context, cfg expansion.DownloaderConfig, notifier expansion.Sink) Outcome {
	if notifier == nil {
		notifier = expansion.NopSink{}
	}
	sinks := expansion.Sinks{notifier, e.ui}
	start := e.now()

	paths, transferred, err := e.process(ctx, cfg, sinks)

	var out Outcome
	if err != nil {
		state, message := e.classify(err)
		sinks.Error(state, message)
		out = Outcome{
			State:      state,
			Err:        err,
			Reschedule: state.IsPaused(),
		}
		e.logger.Warn("expansion download stopped",
			"state", state.String(),
			"reschedule", out.Reschedule,
			"transferred", humanize.IBytes(uint64(transferred)),
			"error", err)
	} else {
		sinks.StatusChanged(expansion.StateCompleted)
		sinks.Done(paths)
		out = Outcome{State: expansion.StateCompleted, Paths: paths}
		e.logger.Info("expansion files ready",
			"files", len(paths),
			"transferred", humanize.IBytes(uint64(transferred)),
			"elapsed", e.now().Sub(start).Truncate(time.Millisecond))
	}
	out.BytesTransferred = transferred

	e.recordRun(start, out)
	return out
}

func (e *Engine) process(ctx context.Context, cfg expansion.DownloaderConfig, sinks expansion.Sinks) ([]string, int64, error) {
	sinks.StatusChanged(expansion.StateFetchingURL)

	if err := e.checkAccess(ctx, cfg); err != nil {
		return nil, 0, err
	}
	if !e.Running() {
		return nil, 0, expansion.NewError(expansion.StatePausedByRequest)
	}

	pending, err := Reconcile(ctx, e.manifest, e.ledger, e.dest)
	if err != nil {
		return nil, 0, err
	}
	if !e.Running() {
		return nil, 0, expansion.NewError(expansion.StatePausedByRequest)
	}

	e.logger.Info("manifest reconciled",
		"files", e.manifest.ExpansionURLCount(), "pending", len(pending))

	var transferred int64
	for _, rec := range pending {
		before := rec.Downloaded
		_, err := e.transferer.Transfer(ctx, rec, e.dest, e.Running, sinks)
		if rec.Downloaded > before {
			transferred += rec.Downloaded - before
		}
		if err != nil {
			return nil, transferred, err
		}
	}

	paths, err := e.finalPaths()
	if err != nil {
		return nil, transferred, err
	}
	return paths, transferred, nil
}

// checkAccess maps the gate's verdict onto the failure states the licensing
// scheme defines.
func (e *Engine) checkAccess(ctx context.Context, cfg expansion.DownloaderConfig) error {
	access, err := e.gate.CheckAccess(ctx, cfg)
	if err != nil {
		return err
	}

	switch access.Verdict {
	case expansion.VerdictAllowed:
		return nil
	case expansion.VerdictError:
		return expansion.Errorf(expansion.StateFailedFetchingURL, "license check failed with code %d", access.Code)
	case expansion.VerdictNotAllowed:
		switch access.Reason {
		case expansion.ReasonNotLicensed:
			return expansion.NewError(expansion.StateFailedUnlicensed)
		case expansion.ReasonRetry:
			return expansion.NewError(expansion.StateFailedFetchingURL)
		default:
			return expansion.Errorf(expansion.StateFailed, "access denied with reason 0x%04x", access.Reason)
		}
	default:
		return fmt.Errorf("unknown license verdict %d", access.Verdict)
	}
}

// finalPaths lists the final location of every slot the manifest reports.
func (e *Engine) finalPaths() ([]string, error) {
	n := e.manifest.ExpansionURLCount()
	paths := make([]string, 0, n)
	for i := 0; i < n; i++ {
		rec, err := e.ledger.KnownDownload(i)
		if err != nil {
			return nil, fmt.Errorf("loading slot %d: %w", i, err)
		}
		if rec == nil {
			return nil, fmt.Errorf("slot %d missing from ledger after download", i)
		}
		path, err := e.dest.FinalPath(rec)
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// classify turns any error from a run into the state and message reported to sinks.
func (e *Engine) classify(err error) (expansion.State, string) {
	var xerr *expansion.Error
	if errors.As(err, &xerr) {
		return xerr.State, xerr.Text()
	}

	switch {
	case errors.Is(err, context.Canceled):
		return expansion.StatePausedByRequest, expansion.StatePausedByRequest.Description()
	case isTransportError(err):
		e.logger.Error("I/O error downloading expansion files", "error", err)
		return expansion.StatePausedNetworkUnavailable, expansion.StatePausedNetworkUnavailable.Description()
	default:
		e.logger.Error("unexpected error downloading expansion files", "error", err)
		return expansion.StateFailed, err.Error()
	}
}

func isTransportError(err error) bool {
	var netErr net.Error
	var urlErr *url.Error
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.As(err, &netErr) ||
		errors.As(err, &urlErr)
}

func (e *Engine) recordRun(start time.Time, out Outcome) {
	recorder, ok := e.ledger.(expansion.RunRecorder)
	if !ok {
		return
	}

	run := &expansion.Run{
		StartTime:        start,
		EndTime:          e.now(),
		State:            out.State,
		Files:            out.Paths,
		BytesTransferred: out.BytesTransferred,
	}
	if out.Err != nil {
		run.Message = out.Err.Error()
	}
	if err := recorder.RecordRun(run); err != nil {
		e.logger.Warn("failed to record run", "error", err)
	}
}
