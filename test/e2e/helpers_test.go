//go:build e2e

package e2e

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"snapkeep/internal/config"
)

var (
	buildOnce sync.Once
	buildErr  error
	binPath   = filepath.Join("..", "..", "build", "snapkeep_test")
)

func buildBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		out, err := exec.Command("go", "build", "-o", binPath, "../../cmd/snapkeep").CombinedOutput()
		if err != nil {
			buildErr = err
			t.Logf("build output: %s", out)
		}
	})
	require.NoError(t, buildErr, "Failed to build snapkeep binary for testing")
	abs, err := filepath.Abs(binPath)
	require.NoError(t, err)
	return abs
}

type env struct {
	t       *testing.T
	bin     string
	baseDir string
	config  string
}

func newEnv(t *testing.T, mutate func(c *config.Config)) *env {
	t.Helper()
	base := t.TempDir()
	cfg := &config.Config{
		BaseDir:  base,
		State:    config.StateConfig{Driver: config.DriverDir, Path: "state"},
		Store:    config.StoreConfig{Driver: config.DriverBadger, Path: "store"},
		Snapshot: config.DefaultSnapshot(),
		Export:   config.ExportConfig{Dir: "export"},
	}
	if mutate != nil {
		mutate(cfg)
	}
	path := filepath.Join(base, "snapkeep.yaml")
	require.NoError(t, config.Write(path, cfg))
	return &env{t: t, bin: buildBinary(t), baseDir: base, config: path}
}

func (e *env) run(args ...string) (string, error) {
	cmd := exec.Command(e.bin, append([]string{"--config", e.config}, args...)...)
	out, err := cmd.Output()
	return string(out), err
}

func (e *env) mustRun(args ...string) string {
	e.t.Helper()
	out, err := e.run(args...)
	require.NoError(e.t, err, "snapkeep %v failed\noutput: %s", args, out)
	return out
}

func (e *env) datasetPath(key config.DatasetKey) string {
	return filepath.Join(e.baseDir, "state", "dataset", string(key))
}

func (e *env) writeDataset(key config.DatasetKey, doc string) {
	e.t.Helper()
	path := e.datasetPath(key)
	require.NoError(e.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(e.t, os.WriteFile(path, []byte(doc), 0o644))
}

func (e *env) readDataset(key config.DatasetKey) string {
	e.t.Helper()
	data, err := os.ReadFile(e.datasetPath(key))
	require.NoError(e.t, err)
	return string(data)
}
