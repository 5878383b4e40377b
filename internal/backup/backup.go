// Package backup implements the create and delete commands.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"snapkeep/internal/config"
	"snapkeep/internal/manifest"
	"snapkeep/internal/snapshot"
)

type Creator interface {
	Create(ctx context.Context, req snapshot.CreateRequest) (*snapshot.CreateResult, error)
}

type Deleter interface {
	Delete(ctx context.Context, id string) (bool, error)
}

type Result struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Kind       manifest.Kind       `json:"kind"`
	CreatedAt  string              `json:"created_at"`
	SizeBytes  int64               `json:"size_bytes"`
	Blake3Hash string              `json:"blake3_hash"`
	Datasets   []config.DatasetKey `json:"datasets"`
	Evicted    []string            `json:"evicted,omitempty"`
	Advisories []string            `json:"advisories,omitempty"`
	Message    string              `json:"message"`
}

func NewResult(res *snapshot.CreateResult) Result {
	out := Result{
		ID:         res.Metadata.ID,
		Name:       res.Metadata.Name,
		Kind:       res.Metadata.Kind,
		CreatedAt:  res.Metadata.CreatedAt.Format(time.RFC3339),
		SizeBytes:  res.Metadata.SizeBytes,
		Blake3Hash: res.Metadata.Checksum,
		Datasets:   res.Datasets,
		Evicted:    res.Evicted,
		Message:    res.Message,
	}
	if out.Datasets == nil {
		out.Datasets = []config.DatasetKey{}
	}
	for _, a := range res.Advisories {
		out.Advisories = append(out.Advisories, a.String())
	}
	return out
}

func Run(ctx context.Context, svc Creator, req snapshot.CreateRequest, w io.Writer) error {
	slog.Info("Snapshot started", "kind", req.Kind, "name", req.Name)

	res, err := svc.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("snapshot failed: %w", err)
	}
	for _, a := range res.Advisories {
		slog.Warn("Secondary export failed", "sink", a.Sink, "error", a.Err)
	}
	return Write(w, NewResult(res))
}

// Delete removes a snapshot. Unknown ids are reported, not treated as errors.
func Delete(ctx context.Context, svc Deleter, id string, w io.Writer) error {
	removed, err := svc.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	msg := fmt.Sprintf("Snapshot %s deleted", id)
	if !removed {
		msg = fmt.Sprintf("Snapshot %s not found, nothing to delete", id)
	}
	return Write(w, map[string]any{"id": id, "deleted": removed, "message": msg})
}

// Write prints v as indented JSON.
func Write(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
