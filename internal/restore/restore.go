package restore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"snapkeep/internal/config"
	"snapkeep/internal/snapshot"
)

type Restorer interface {
	Restore(ctx context.Context, id string, opts snapshot.RestoreOptions) *snapshot.RestoreResult
}

type Failure struct {
	Dataset config.DatasetKey `json:"dataset"`
	Error   string            `json:"error"`
}

type Output struct {
	ID               string              `json:"id"`
	Success          bool                `json:"success"`
	DryRun           bool                `json:"dry_run,omitempty"`
	Restored         []config.DatasetKey `json:"restored"`
	Skipped          []config.DatasetKey `json:"skipped,omitempty"`
	NotInSnapshot    []config.DatasetKey `json:"not_in_snapshot,omitempty"`
	Failed           []Failure           `json:"failed,omitempty"`
	SafetySnapshotID string              `json:"safety_snapshot_id,omitempty"`
	Message          string              `json:"message"`
}

func NewOutput(res *snapshot.RestoreResult) Output {
	out := Output{
		ID:               res.ID,
		Success:          res.Success,
		DryRun:           res.DryRun,
		Restored:         res.Restored,
		Skipped:          res.Skipped,
		NotInSnapshot:    res.NotInSnapshot,
		SafetySnapshotID: res.SafetySnapshotID,
		Message:          res.Message,
	}
	if out.Restored == nil {
		out.Restored = []config.DatasetKey{}
	}
	for _, e := range res.Errors {
		out.Failed = append(out.Failed, Failure{Dataset: e.Key, Error: e.Err.Error()})
	}
	return out
}

// Run restores id and prints the outcome. The result is printed even when
// the restore fails; the returned error then carries the cause.
func Run(ctx context.Context, svc Restorer, id string, opts snapshot.RestoreOptions, w io.Writer) error {
	slog.Info("Restore started",
		"id", id,
		"datasets", opts.Datasets,
		"overwrite", opts.Overwrite,
		"safetySnapshot", opts.SafetySnapshot,
		"dryRun", opts.DryRun)

	res := svc.Restore(ctx, id, opts)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(NewOutput(res)); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}

	if res.Err != nil {
		return fmt.Errorf("restore of %s: %w", id, res.Err)
	}
	return nil
}
