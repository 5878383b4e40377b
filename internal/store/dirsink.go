package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// DirSink writes each exported document to a file in a local directory.
type DirSink struct {
	dir string
	ext string
}

var _ Sink = (*DirSink)(nil)

// NewDirSink creates the directory if needed. ext is appended to the snapshot
// id to form the file name, e.g. ".json".
func NewDirSink(dir, ext string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	return &DirSink{dir: dir, ext: ext}, nil
}

func (d *DirSink) Name() string { return "dir:" + d.dir }

func (d *DirSink) Path(id string) string {
	return filepath.Join(d.dir, id+d.ext)
}

func (d *DirSink) Save(ctx context.Context, id string, doc []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := d.Path(id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, doc, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
