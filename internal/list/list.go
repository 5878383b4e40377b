package list

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"snapkeep/internal/config"
	"snapkeep/internal/manifest"
	"snapkeep/internal/snapshot"
)

type Source interface {
	List(ctx context.Context) ([]manifest.Metadata, error)
	Stats(ctx context.Context) (snapshot.Stats, error)
}

type Info struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Kind        manifest.Kind       `json:"kind"`
	Datetime    int64               `json:"datetime"`
	DatetimeStr string              `json:"datetime_str"`
	SizeBytes   int64               `json:"size_bytes"`
	Blake3Hash  string              `json:"blake3_hash"`
	Datasets    []config.DatasetKey `json:"datasets"`
	Compression config.Compression  `json:"compression"`
	Encrypted   bool                `json:"encrypted"`
}

type Output struct {
	Kind      string         `json:"kind,omitempty"`
	Snapshots []Info         `json:"snapshots"`
	Summary   snapshot.Stats `json:"summary"`
}

// Run prints the catalog as JSON, newest first. An empty kind lists every
// snapshot; the summary always covers the whole catalog.
func Run(ctx context.Context, src Source, kind manifest.Kind, w io.Writer) error {
	if kind != "" && !kind.Valid() {
		return fmt.Errorf("unknown snapshot kind %q", kind)
	}

	entries, err := src.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list snapshots: %w", err)
	}
	stats, err := src.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to compute stats: %w", err)
	}

	output := Output{
		Kind:      string(kind),
		Snapshots: []Info{},
		Summary:   stats,
	}
	for _, e := range entries {
		if kind != "" && e.Kind != kind {
			continue
		}
		output.Snapshots = append(output.Snapshots, Info{
			ID:          e.ID,
			Name:        e.Name,
			Description: e.Description,
			Kind:        e.Kind,
			Datetime:    e.CreatedAt.Unix(),
			DatetimeStr: e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			SizeBytes:   e.SizeBytes,
			Blake3Hash:  e.Checksum,
			Datasets:    e.Config.Datasets,
			Compression: e.Config.Compression,
			Encrypted:   e.Config.Encryption,
		})
	}
	return encode(w, output)
}

func Stats(ctx context.Context, src Source, w io.Writer) error {
	stats, err := src.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to compute stats: %w", err)
	}
	return encode(w, stats)
}

func encode(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}
