// Package transfer moves snapshot documents between the service and files
// or remote storage.
package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"snapkeep/internal/backup"
	"snapkeep/internal/crypto"
	"snapkeep/internal/remote"
	"snapkeep/internal/snapshot"
)

// Stdio selects standard input or output instead of a file.
const Stdio = "-"

type Exporter interface {
	Export(ctx context.Context, id string) ([]byte, error)
}

type Importer interface {
	Import(ctx context.Context, doc []byte) (*snapshot.CreateResult, error)
}

// Fetcher is the read side of a remote backend.
type Fetcher interface {
	Download(ctx context.Context, id string) ([]byte, error)
	Head(ctx context.Context, id string) (*remote.ObjectInfo, error)
}

// Export writes the stored blob for id to out. Files are written through a
// temporary name and are readable only by the owner.
func Export(ctx context.Context, svc Exporter, id, out string, stdout io.Writer) error {
	doc, err := svc.Export(ctx, id)
	if err != nil {
		return err
	}

	if out == Stdio {
		_, err := stdout.Write(doc)
		return err
	}

	tmp := out + ".tmp"
	if err := os.WriteFile(tmp, doc, 0o600); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	if err := os.Rename(tmp, out); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write export: %w", err)
	}
	slog.Info("Exported snapshot", "id", id, "path", out, "bytes", len(doc), "blake3", crypto.Digest(doc))
	return nil
}

// Import reads a snapshot document from in and stores it as a new snapshot.
func Import(ctx context.Context, svc Importer, in string, stdin io.Reader, w io.Writer) error {
	var (
		doc []byte
		err error
	)
	if in == Stdio {
		doc, err = io.ReadAll(stdin)
	} else {
		doc, err = os.ReadFile(in)
	}
	if err != nil {
		return fmt.Errorf("failed to read snapshot document: %w", err)
	}
	return importDoc(ctx, svc, doc, in, w)
}

// ImportRemote downloads a snapshot document previously exported to a
// remote backend and imports it. The download is checked against the
// BLAKE3 hash recorded at upload time when the object carries one.
func ImportRemote(ctx context.Context, svc Importer, backend Fetcher, id string, w io.Writer) error {
	info, err := backend.Head(ctx, id)
	if err != nil {
		return err
	}
	doc, err := backend.Download(ctx, id)
	if err != nil {
		return err
	}
	if info.Blake3 != "" {
		if got := crypto.Digest(doc); got != info.Blake3 {
			return fmt.Errorf("%w: downloaded object hash mismatch (expected %s, got %s)",
				snapshot.ErrInvalidSnapshot, info.Blake3, got)
		}
	}
	return importDoc(ctx, svc, doc, "remote:"+id, w)
}

func importDoc(ctx context.Context, svc Importer, doc []byte, source string, w io.Writer) error {
	slog.Info("Import started", "source", source, "bytes", len(doc))
	res, err := svc.Import(ctx, doc)
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}
	return backup.Write(w, backup.NewResult(res))
}
