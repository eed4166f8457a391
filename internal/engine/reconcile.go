package engine

import (
	"context"
	"fmt"

	"github.com/BadgerOps/expansiond/internal/download"
	"github.com/BadgerOps/expansiond/internal/expansion"
	"github.com/BadgerOps/expansiond/internal/safety"
)

// Reconcile brings the ledger in line with the manifest and returns the
// records that still need bytes, in slot order.
//
// A known record keeps its resumption state only when the manifest still
// reports the same name and size for its slot and the completed file is not
// already on disk. Anything else starts over from zero.
func Reconcile(
	ctx context.Context,
	manifest expansion.ManifestAuthority,
	ledger expansion.Ledger,
	dest expansion.Destination,
) ([]*expansion.FileRecord, error) {
	n := manifest.ExpansionURLCount()
	if n < 0 || n > expansion.MaxSlots {
		return nil, expansion.Errorf(expansion.StateFailedFetchingURL,
			"manifest reports %d expansion files, at most %d are supported", n, expansion.MaxSlots)
	}

	for slot := expansion.MaxSlots - 1; slot >= n; slot-- {
		if err := ledger.DeleteFile(slot); err != nil {
			return nil, fmt.Errorf("dropping slot %d: %w", slot, err)
		}
	}

	var pending []*expansion.FileRecord
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		fresh, err := manifestRecord(manifest, i)
		if err != nil {
			return nil, err
		}

		old, err := ledger.KnownDownload(i)
		if err != nil {
			return nil, fmt.Errorf("loading slot %d: %w", i, err)
		}

		localExists, err := download.LocalExists(dest, fresh)
		if err != nil {
			return nil, expansion.Wrap(expansion.StatePausedStorageUnavailable, err, "unable to inspect "+fresh.Name)
		}

		matches := fresh.SameContent(old)
		var rec *expansion.FileRecord
		switch {
		case matches && !localExists && old.Downloaded < old.Size:
			rec = old
		case !matches || !localExists:
			rec = fresh
		default:
			// already on disk with the right size
			if old.Downloaded == old.Size {
				continue
			}
			rec = old
			rec.Downloaded = rec.Size
		}

		if err := ledger.Save(rec); err != nil {
			return nil, fmt.Errorf("saving slot %d: %w", i, err)
		}
		if rec.Downloaded < rec.Size {
			pending = append(pending, rec)
		}
	}

	if err := ledger.MarkUpdated(); err != nil {
		return nil, fmt.Errorf("marking ledger updated: %w", err)
	}
	return pending, nil
}

// manifestRecord builds a fresh record for slot i, rejecting manifest values
// that could not be saved safely.
func manifestRecord(manifest expansion.ManifestAuthority, i int) (*expansion.FileRecord, error) {
	name, err := safety.CleanFileName(manifest.FileName(i))
	if err != nil {
		return nil, expansion.Wrap(expansion.StateFailedFetchingURL, err,
			fmt.Sprintf("manifest slot %d has an invalid file name", i))
	}
	size := manifest.FileSize(i)
	if size < 0 {
		return nil, expansion.Errorf(expansion.StateFailedFetchingURL,
			"manifest slot %d has negative size %d", i, size)
	}
	url := manifest.URL(i)
	if _, err := safety.ValidateHTTPURL(url); err != nil {
		return nil, expansion.Wrap(expansion.StateFailedFetchingURL, err,
			fmt.Sprintf("manifest slot %d has an invalid URL", i))
	}
	return expansion.NewFileRecord(i, name, size, url), nil
}
