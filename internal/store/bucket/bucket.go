// Package bucket implements the download ledger on a gocloud.dev blob bucket,
// so the resumption state can live on local disk (file://), in memory
// (mem://) or in any object store the blob package has a driver for.
package bucket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	"github.com/BadgerOps/expansiond/internal/expansion"
)

const (
	metaKey        = "meta.json"
	defaultTimeout = 30 * time.Second
)

type slotState struct {
	Slot       int       `json:"slot"`
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	Size       int64     `json:"size"`
	Downloaded int64     `json:"downloaded"`
	ETag       *string   `json:"etag"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type meta struct {
	AppVersion int       `json:"app_version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Ledger stores one JSON object per slot under prefix, plus a meta object
// holding the application version the ledger was last reconciled for.
type Ledger struct {
	bucket     *blob.Bucket
	owned      bool
	prefix     string
	appVersion int
	timeout    time.Duration
	logger     *slog.Logger
}

var _ expansion.Ledger = (*Ledger)(nil)

// Open opens the bucket at url (e.g. "file:///var/lib/expansiond?create_dir=1"
// or "mem://") and returns a Ledger that closes it on Close.
func Open(ctx context.Context, url, prefix string, appVersion int, logger *slog.Logger) (*Ledger, error) {
	bkt, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", url, err)
	}
	l := New(bkt, prefix, appVersion, logger)
	l.owned = true
	return l, nil
}

// New wraps an already opened bucket. Keys are written under prefix.
func New(bkt *blob.Bucket, prefix string, appVersion int, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		bucket:     bkt,
		prefix:     prefix,
		appVersion: appVersion,
		timeout:    defaultTimeout,
		logger:     logger,
	}
}

// Close releases the bucket if Open created it.
func (l *Ledger) Close() error {
	if !l.owned {
		return nil
	}
	return l.bucket.Close()
}

func (l *Ledger) slotKey(slot int) string {
	return fmt.Sprintf("%sslot-%d.json", l.prefix, slot)
}

func (l *Ledger) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), l.timeout)
}

// KnownDownload returns the record stored for slot, or nil if there is none.
func (l *Ledger) KnownDownload(slot int) (*expansion.FileRecord, error) {
	ctx, cancel := l.context()
	defer cancel()

	data, err := l.bucket.ReadAll(ctx, l.slotKey(slot))
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("bucket: read slot %d: %w", slot, err)
	}

	var s slotState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("bucket: unmarshal slot %d: %w", slot, err)
	}

	rec := &expansion.FileRecord{
		Slot:       s.Slot,
		Name:       s.Name,
		Size:       s.Size,
		URL:        s.URL,
		Downloaded: s.Downloaded,
	}
	if s.ETag != nil {
		rec.ETag = *s.ETag
	}
	return rec, nil
}

// Save replaces the object for rec.Slot.
func (l *Ledger) Save(rec *expansion.FileRecord) error {
	if !expansion.ValidSlot(rec.Slot) {
		return fmt.Errorf("bucket: invalid slot %d", rec.Slot)
	}

	s := slotState{
		Slot:       rec.Slot,
		Name:       rec.Name,
		URL:        rec.URL,
		Size:       rec.Size,
		Downloaded: rec.Downloaded,
		UpdatedAt:  time.Now().UTC(),
	}
	if rec.ETag != "" {
		etag := rec.ETag
		s.ETag = &etag
	}
	return l.writeJSON(l.slotKey(rec.Slot), s)
}

// DeleteFile removes the object for slot. A missing object is not an error.
func (l *Ledger) DeleteFile(slot int) error {
	ctx, cancel := l.context()
	defer cancel()

	if err := l.bucket.Delete(ctx, l.slotKey(slot)); err != nil && !isNotExist(err) {
		return fmt.Errorf("bucket: delete slot %d: %w", slot, err)
	}
	return nil
}

// NeedsUpdate reports whether the stored application version is older than the current one.
func (l *Ledger) NeedsUpdate() (bool, error) {
	ctx, cancel := l.context()
	defer cancel()

	data, err := l.bucket.ReadAll(ctx, l.prefix+metaKey)
	if err != nil {
		if isNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("bucket: read meta: %w", err)
	}

	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		return false, fmt.Errorf("bucket: unmarshal meta: %w", err)
	}
	return m.AppVersion < l.appVersion, nil
}

// MarkUpdated records the current application version.
func (l *Ledger) MarkUpdated() error {
	return l.writeJSON(l.prefix+metaKey, meta{AppVersion: l.appVersion, UpdatedAt: time.Now().UTC()})
}

func (l *Ledger) writeJSON(key string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("bucket: marshal %s: %w", key, err)
	}

	ctx, cancel := l.context()
	defer cancel()

	opts := &blob.WriterOptions{ContentType: "application/json"}
	if err := l.bucket.WriteAll(ctx, key, data, opts); err != nil {
		return fmt.Errorf("bucket: write %s: %w", key, err)
	}
	l.logger.Debug("ledger object written", "key", key, "bytes", len(data))
	return nil
}

func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}
