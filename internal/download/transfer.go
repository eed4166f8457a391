package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BadgerOps/expansiond/internal/expansion"
	"github.com/BadgerOps/expansiond/internal/safety"
	"golang.org/x/time/rate"
)

const (
	// DefaultBufferSize is the chunk size read from the response body per iteration.
	DefaultBufferSize = 4096

	// ContentTypeOBB is the media type expansion files are served as.
	ContentTypeOBB = "application/vnd.android.obb"

	// Progress is reported only after both of these have been exceeded.
	minProgressBytes = 4096
	minProgressTime  = 1000 * time.Millisecond
)

// Options configures a Transferer.
type Options struct {
	UserAgent    string
	BufferSize   int      // 0 defaults to DefaultBufferSize
	RateLimit    int64    // bytes per second, 0 disables throttling
	ContentTypes []string // accepted Content-Type values, defaults to ContentTypeOBB
	Timeouts     safety.Timeouts
	// InactivityTimeout pauses a transfer whose body delivers nothing for this
	// long. 0 disables it.
	InactivityTimeout time.Duration
}

// Transferer performs one resumable HTTP transfer per FileRecord,
// checkpointing progress through the Ledger.
type Transferer struct {
	httpClient   *http.Client
	ledger       expansion.Ledger
	logger       *slog.Logger
	userAgent    string
	bufferSize   int
	contentTypes []string
	limiter      *rate.Limiter
	inactivity   time.Duration
	stopPoll     time.Duration
	now          func() time.Time
}

// NewTransferer creates a Transferer that checkpoints into ledger.
func NewTransferer(ledger expansion.Ledger, opts Options, logger *slog.Logger) *Transferer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "expansiond/1.0"
	}
	if len(opts.ContentTypes) == 0 {
		opts.ContentTypes = []string{ContentTypeOBB}
	}
	return &Transferer{
		httpClient:   safety.NewHTTPClient(opts.Timeouts),
		ledger:       ledger,
		logger:       logger,
		userAgent:    opts.UserAgent,
		bufferSize:   opts.BufferSize,
		contentTypes: opts.ContentTypes,
		limiter:      newLimiter(opts.RateLimit, opts.BufferSize),
		inactivity:   opts.InactivityTimeout,
		stopPoll:     stopPollInterval,
		now:          time.Now,
	}
}

// SetHTTPClient replaces the client used to open connections.
func (t *Transferer) SetHTTPClient(c *http.Client) {
	t.httpClient = c
}

// Transfer fetches the bytes rec is missing and moves the completed file to
// its final path, which is returned. running is polled before connecting,
// after the response arrives and before every chunk; once it reports false the
// transfer checkpoints and stops with StatePausedByRequest. A read blocked on a
// quiet server is abandoned once running reports false or the inactivity
// timeout passes.
//
// rec is mutated in place as bytes arrive.
func (t *Transferer) Transfer(
	ctx context.Context,
	rec *expansion.FileRecord,
	dest expansion.Destination,
	running func() bool,
	sink expansion.Sink,
) (string, error) {
	logger := t.logger.With("slot", rec.Slot, "name", rec.Name)

	tmpPath, err := t.prepareDest(rec, dest)
	if err != nil {
		return "", err
	}

	wctx, wd := newWatchdog(ctx, t.inactivity, t.stopPoll, running)
	defer wd.Cancel()

	req, err := t.newRequest(wctx, rec)
	if err != nil {
		return "", err
	}
	if !running() {
		return "", expansion.NewError(expansion.StatePausedByRequest)
	}

	sink.StatusChanged(expansion.StateConnecting)
	logger.Info("connecting", "url", rec.URL, "resume_from", rec.Downloaded)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("connecting to %s: %w", rec.URL, ctxErr)
		}
		if errors.Is(wd.Cause(), errStopRequested) {
			return "", expansion.NewError(expansion.StatePausedByRequest)
		}
		return "", expansion.Wrap(expansion.StatePausedNetworkUnavailable, err, "connection to "+rec.URL+" failed")
	}
	defer resp.Body.Close()
	wd.Kick()

	if resp.StatusCode == http.StatusPreconditionFailed {
		logger.Warn("server copy changed since the partial download began; run `expansiond reset` to start this file over",
			"etag", rec.ETag, "downloaded", rec.Downloaded)
	}
	if err := checkStatus(rec, resp.StatusCode); err != nil {
		return "", err
	}
	if !running() {
		return "", expansion.NewError(expansion.StatePausedByRequest)
	}

	if err := t.processHeaders(rec, resp); err != nil {
		return "", err
	}

	sink.StatusChanged(expansion.StateDownloading)
	if err := t.stream(wctx, wd, rec, resp.Body, tmpPath, running, sink); err != nil {
		return "", err
	}

	finalPath, err := t.finalize(rec, dest, tmpPath)
	if err != nil {
		return "", err
	}
	logger.Info("transfer complete", "path", finalPath, "size", rec.Size)
	return finalPath, nil
}

// prepareDest discards local bytes that cannot be trusted and makes sure the
// destination has room for the whole file.
func (t *Transferer) prepareDest(rec *expansion.FileRecord, dest expansion.Destination) (string, error) {
	tmpPath, err := dest.TempPath(rec)
	if err != nil {
		return "", expansion.Wrap(expansion.StateFailedFetchingURL, err, "invalid expansion file name")
	}

	fi, err := os.Stat(tmpPath)
	switch {
	case err == nil:
		if fi.Size() != rec.Downloaded || rec.ETag == "" {
			t.logger.Info("discarding partial download",
				"path", tmpPath, "on_disk", fi.Size(), "tracked", rec.Downloaded, "has_etag", rec.ETag != "")
			rec.Reset()
			if err := os.Remove(tmpPath); err != nil {
				return "", expansion.Wrap(expansion.StatePausedStorageUnavailable, err, "unable to discard "+tmpPath)
			}
		}
	case errors.Is(err, fs.ErrNotExist):
		if rec.Downloaded != 0 {
			t.logger.Info("partial download missing, restarting", "path", tmpPath, "tracked", rec.Downloaded)
			rec.Reset()
		}
	default:
		return "", expansion.Wrap(expansion.StatePausedStorageUnavailable, err, "unable to inspect "+tmpPath)
	}

	if err := os.MkdirAll(filepath.Dir(tmpPath), 0755); err != nil {
		return "", expansion.Wrap(expansion.StatePausedStorageUnavailable, err, "unable to create download directory")
	}

	avail, err := dest.AvailableBytes(tmpPath)
	if err != nil {
		return "", expansion.Wrap(expansion.StatePausedStorageUnavailable, err, "unable to determine free space")
	}
	if avail < rec.Size {
		return "", expansion.Errorf(expansion.StateFailedStorageFull,
			"need %d bytes for %s but only %d are available", rec.Size, rec.Name, avail)
	}
	return tmpPath, nil
}

func (t *Transferer) newRequest(ctx context.Context, rec *expansion.FileRecord) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.URL, nil)
	if err != nil {
		return nil, expansion.Wrap(expansion.StateFailedFetchingURL, err, "invalid download URL")
	}
	req.Header.Set("User-Agent", t.userAgent)

	if rec.Downloaded > 0 {
		if rec.ETag != "" {
			req.Header.Set("If-Match", rec.ETag)
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", rec.Downloaded))
	}
	return req, nil
}

func checkStatus(rec *expansion.FileRecord, code int) error {
	expected := http.StatusOK
	if rec.Resumable() {
		expected = http.StatusPartialContent
	}
	if code != expected {
		return expansion.Errorf(expansion.StatePausedNetworkUnavailable,
			"Expected %d from %s but got %d", expected, rec.URL, code)
	}
	return nil
}

// processHeaders captures the validator for a fresh transfer and confirms the
// response describes the file the manifest promised.
func (t *Transferer) processHeaders(rec *expansion.FileRecord, resp *http.Response) error {
	if rec.Resumable() {
		// If-Match already pinned the representation
		return nil
	}

	rec.ETag = resp.Header.Get("ETag")

	if ct := resp.Header.Get("Content-Type"); ct != "" && !t.acceptsContentType(ct) {
		return expansion.Errorf(expansion.StatePausedNetworkSetupFailure,
			"Unexpected content type %q", ct)
	}

	te := transferEncoding(resp)
	if te == "" {
		if resp.ContentLength != rec.Size {
			return expansion.Errorf(expansion.StatePausedNetworkSetupFailure,
				"Incorrect file size delivered: expected %d but got %d", rec.Size, resp.ContentLength)
		}
		return nil
	}

	// Content-Length is meaningless alongside a transfer coding; only chunked
	// lets the final byte count be verified after the fact.
	if !strings.EqualFold(te, "chunked") {
		return expansion.Errorf(expansion.StatePausedNetworkSetupFailure, "Unable to verify download size")
	}
	return nil
}

func (t *Transferer) acceptsContentType(ct string) bool {
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		mediaType = ct
	}
	for _, accepted := range t.contentTypes {
		if strings.EqualFold(mediaType, accepted) {
			return true
		}
	}
	return false
}

// transferEncoding returns the response's transfer coding. net/http moves the
// header into resp.TransferEncoding, so both places are consulted.
func transferEncoding(resp *http.Response) string {
	if len(resp.TransferEncoding) > 0 {
		return strings.Join(resp.TransferEncoding, ", ")
	}
	return resp.Header.Get("Transfer-Encoding")
}

// stream appends the response body to the temp file in bufferSize chunks.
func (t *Transferer) stream(
	ctx context.Context,
	wd *watchdog,
	rec *expansion.FileRecord,
	body io.Reader,
	tmpPath string,
	running func() bool,
	sink expansion.Sink,
) error {
	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return expansion.Wrap(expansion.StatePausedStorageUnavailable, err, "unable to open "+tmpPath)
	}
	defer out.Close()

	reader := body
	if t.limiter != nil {
		reader = &throttledReader{ctx: ctx, reader: body, limiter: t.limiter}
	}

	gate := progressGate{
		minBytes:    minProgressBytes,
		minInterval: minProgressTime,
		lastBytes:   rec.Downloaded,
	}
	buf := make([]byte, t.bufferSize)

	for {
		if !running() {
			if err := t.checkpoint(rec, out); err != nil {
				return err
			}
			return expansion.NewError(expansion.StatePausedByRequest)
		}

		n, readErr := reader.Read(buf)
		if n > 0 {
			wd.Kick()
			if rec.Downloaded+int64(n) > rec.Size {
				return expansion.Errorf(expansion.StatePausedNetworkSetupFailure,
					"file delivered with more than the expected %d bytes", rec.Size)
			}
			if _, err := out.Write(buf[:n]); err != nil {
				return expansion.Wrap(expansion.StatePausedStorageUnavailable, err, "unable to write "+tmpPath)
			}
			rec.Downloaded += int64(n)

			if gate.ready(rec.Downloaded, t.now()) {
				if err := t.checkpoint(rec, out); err != nil {
					return err
				}
				sink.Progress(rec.Downloaded, rec.Size)
			}
		}

		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			// keep what arrived so the next attempt can resume from here
			if err := t.checkpoint(rec, out); err != nil {
				t.logger.Warn("failed to checkpoint after read error", "name", rec.Name, "error", err)
			}
			switch cause := wd.Cause(); {
			case errors.Is(cause, ErrStalled):
				return expansion.Wrap(expansion.StatePausedNetworkUnavailable, cause,
					fmt.Sprintf("%s sent nothing for %s", rec.URL, t.inactivity))
			case errors.Is(cause, errStopRequested):
				return expansion.NewError(expansion.StatePausedByRequest)
			}
			return fmt.Errorf("reading %s: %w", rec.URL, readErr)
		}
	}
}

// checkpoint makes the bytes written so far durable and records them in the ledger.
func (t *Transferer) checkpoint(rec *expansion.FileRecord, out *os.File) error {
	if err := out.Sync(); err != nil {
		return expansion.Wrap(expansion.StatePausedStorageUnavailable, err, "unable to flush "+out.Name())
	}
	if err := t.ledger.Save(rec); err != nil {
		return fmt.Errorf("checkpointing %s: %w", rec.Name, err)
	}
	return nil
}

func (t *Transferer) finalize(rec *expansion.FileRecord, dest expansion.Destination, tmpPath string) (string, error) {
	if rec.Downloaded != rec.Size {
		if err := t.ledger.Save(rec); err != nil {
			t.logger.Warn("failed to checkpoint short transfer", "name", rec.Name, "error", err)
		}
		return "", expansion.Errorf(expansion.StatePausedNetworkSetupFailure,
			"file delivered with %d bytes but expected %d", rec.Downloaded, rec.Size)
	}

	finalPath, err := dest.FinalPath(rec)
	if err != nil {
		return "", expansion.Wrap(expansion.StateFailedFetchingURL, err, "invalid expansion file name")
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", expansion.Wrap(expansion.StatePausedStorageUnavailable, err,
			fmt.Sprintf("Unable to finalize %s to %s", tmpPath, finalPath))
	}

	if err := t.ledger.Save(rec); err != nil {
		return "", fmt.Errorf("recording completed %s: %w", rec.Name, err)
	}
	return finalPath, nil
}
