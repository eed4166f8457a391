package authority

import (
	"context"

	"github.com/BadgerOps/expansiond/internal/expansion"
)

// Static is a manifest fixed at construction time that always grants access.
// It serves deployments without a licensing service.
type Static struct {
	manifest
}

var (
	_ expansion.EntitlementGate   = (*Static)(nil)
	_ expansion.ManifestAuthority = (*Static)(nil)
)

// NewStatic returns a Static authority for files.
func NewStatic(files []File) (*Static, error) {
	if err := checkFileCount(files); err != nil {
		return nil, err
	}
	return &Static{manifest: append(manifest(nil), files...)}, nil
}

// CheckAccess always allows the download.
func (s *Static) CheckAccess(context.Context, expansion.DownloaderConfig) (expansion.Access, error) {
	return expansion.Access{Verdict: expansion.VerdictAllowed, Reason: expansion.ReasonLicensed}, nil
}
