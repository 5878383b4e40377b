package snapshot

import (
	"errors"
	"fmt"
	"time"

	"snapkeep/internal/config"
	"snapkeep/internal/manifest"
	"snapkeep/internal/store"
)

var (
	ErrNotFound        = errors.New("snapshot not found")
	ErrIntegrity       = errors.New("snapshot integrity check failed")
	ErrInvalidSnapshot = errors.New("invalid snapshot")
	ErrPartialRestore  = errors.New("partial restore")
)

// CreateRequest describes a snapshot to take. An empty Kind means manual.
type CreateRequest struct {
	Kind        manifest.Kind
	Name        string
	Description string
}

// CreateResult is returned by Create and Import.
type CreateResult struct {
	Metadata   manifest.Metadata
	Datasets   []config.DatasetKey
	Evicted    []string
	Advisories []store.Advisory
	Message    string
}

// RestoreOptions select what Restore writes.
type RestoreOptions struct {
	// Datasets limits the restore; nil restores every dataset in the snapshot.
	Datasets []config.DatasetKey
	// Overwrite replaces datasets that already hold data at the destination.
	Overwrite bool
	// SafetySnapshot takes an auto snapshot of the datasets about to be
	// written before writing them.
	SafetySnapshot bool
	DryRun         bool
}

type DatasetError struct {
	Key config.DatasetKey
	Err error
}

func (e DatasetError) Error() string {
	return fmt.Sprintf("dataset %s: %v", e.Key, e.Err)
}

// RestoreResult reports a restore. Err is set on failure and, wrapping
// ErrPartialRestore, when some datasets could not be written.
type RestoreResult struct {
	ID               string
	Success          bool
	DryRun           bool
	Restored         []config.DatasetKey
	Skipped          []config.DatasetKey
	NotInSnapshot    []config.DatasetKey
	Errors           []DatasetError
	SafetySnapshotID string
	Message          string
	// Err is set when Success is false, or wraps ErrPartialRestore when
	// some datasets failed to write.
	Err error
}

func (r *RestoreResult) fail(err error) *RestoreResult {
	r.Success = false
	r.Err = err
	r.Message = fmt.Sprintf("Restore of %s failed: %v", r.ID, err)
	return r
}

// Stats summarises the catalog.
type Stats struct {
	Total        int                   `json:"total"`
	ByKind       map[manifest.Kind]int `json:"by_kind"`
	TotalBytes   int64                 `json:"total_bytes"`
	AverageBytes int64                 `json:"average_bytes"`
	Latest       *time.Time            `json:"latest,omitempty"`
	Oldest       *time.Time            `json:"oldest,omitempty"`
}

// VerifyReport lists catalog entries and blobs that disagree.
type VerifyReport struct {
	Checked int      `json:"checked"`
	Missing []string `json:"missing,omitempty"`
	Corrupt []string `json:"corrupt,omitempty"`
	Orphans []string `json:"orphans,omitempty"`
	Message string   `json:"message"`
}

func (r *VerifyReport) OK() bool {
	return len(r.Missing) == 0 && len(r.Corrupt) == 0 && len(r.Orphans) == 0
}
