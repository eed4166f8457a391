package engine

import (
	"fmt"

	"github.com/BadgerOps/expansiond/internal/download"
	"github.com/BadgerOps/expansiond/internal/expansion"
)

// KnownDownloads returns the records the ledger holds, in slot order.
func KnownDownloads(ledger expansion.Ledger) ([]*expansion.FileRecord, error) {
	var recs []*expansion.FileRecord
	for slot := 0; slot < expansion.MaxSlots; slot++ {
		rec, err := ledger.KnownDownload(slot)
		if err != nil {
			return nil, fmt.Errorf("loading slot %d: %w", slot, err)
		}
		if rec != nil {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

// CheckAvailability reports whether the expansion files can be used without
// contacting the manifest authority. On AvailabilityReady the final paths
// of every known file are returned.
func CheckAvailability(ledger expansion.Ledger, dest expansion.Destination) (expansion.Availability, []string, error) {
	needs, err := ledger.NeedsUpdate()
	if err != nil {
		return 0, nil, err
	}
	if needs {
		return expansion.AvailabilityCheckRequired, nil, nil
	}

	recs, err := KnownDownloads(ledger)
	if err != nil {
		return 0, nil, err
	}
	if len(recs) == 0 {
		return expansion.AvailabilityDownloadNeeded, nil, nil
	}

	paths := make([]string, 0, len(recs))
	for _, rec := range recs {
		ok, err := download.LocalExists(dest, rec)
		if err != nil {
			return 0, nil, err
		}
		if !ok {
			return expansion.AvailabilityDownloadNeeded, nil, nil
		}
		path, err := dest.FinalPath(rec)
		if err != nil {
			return 0, nil, err
		}
		paths = append(paths, path)
	}
	return expansion.AvailabilityReady, paths, nil
}
