// Package authority answers the two questions the engine asks before any
// bytes move: may this installation download its expansion files, and which
// files are they.
package authority

import (
	"fmt"

	"github.com/BadgerOps/expansiond/internal/expansion"
)

// File is one manifest entry.
type File struct {
	Name string `json:"name" yaml:"name"`
	Size int64  `json:"size" yaml:"size"`
	URL  string `json:"url" yaml:"url"`
}

// manifest implements expansion.ManifestAuthority over a slice of files.
type manifest []File

func (m manifest) ExpansionURLCount() int { return len(m) }
func (m manifest) FileName(i int) string  { return m[i].Name }
func (m manifest) FileSize(i int) int64   { return m[i].Size }
func (m manifest) URL(i int) string       { return m[i].URL }

func checkFileCount(files []File) error {
	if len(files) > expansion.MaxSlots {
		return fmt.Errorf("manifest lists %d files, at most %d are supported", len(files), expansion.MaxSlots)
	}
	return nil
}
