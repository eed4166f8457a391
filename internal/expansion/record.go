package expansion

import "fmt"

// MaxSlots is the number of expansion files the manifest protocol supports:
// slot 0 holds the primary file and slot 1 the supplementary (patch) file.
const MaxSlots = 2

const (
	SlotPrimary       = 0
	SlotSupplementary = 1
)

// FileRecord describes one expansion file and its resumption state.
type FileRecord struct {
	Slot       int
	Name       string // final on-disk filename
	Size       int64  // expected byte length from the manifest
	URL        string
	Downloaded int64  // bytes persisted to the temporary file
	ETag       string // empty means there is no resumable state
}

// NewFileRecord returns a fresh record with no resumption state.
func NewFileRecord(slot int, name string, size int64, url string) *FileRecord {
	return &FileRecord{
		Slot: slot,
		Name: name,
		Size: size,
		URL:  url,
	}
}

// IsPrimary reports whether the record occupies the primary slot.
func (r *FileRecord) IsPrimary() bool {
	return r.Slot == SlotPrimary
}

// Complete reports whether every byte has been persisted.
func (r *FileRecord) Complete() bool {
	return r.Downloaded >= r.Size
}

// Resumable reports whether a ranged request can continue this record.
func (r *FileRecord) Resumable() bool {
	return r.Downloaded > 0 && r.ETag != ""
}

// Reset drops any resumption state.
func (r *FileRecord) Reset() {
	r.Downloaded = 0
	r.ETag = ""
}

// Clone returns a copy of the record.
func (r *FileRecord) Clone() *FileRecord {
	c := *r
	return &c
}

// SameContent reports whether other describes the same remote object,
// which is the precondition for resuming a partial transfer.
func (r *FileRecord) SameContent(other *FileRecord) bool {
	return other != nil && r.Name == other.Name && r.Size == other.Size
}

func (r *FileRecord) String() string {
	return fmt.Sprintf("slot %d %q (%d/%d bytes)", r.Slot, r.Name, r.Downloaded, r.Size)
}

// ValidSlot reports whether slot is one of the supported slot indexes.
func ValidSlot(slot int) bool {
	return slot >= 0 && slot < MaxSlots
}
