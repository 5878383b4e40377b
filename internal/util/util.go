package util

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"snapkeep/internal/logging"
)

func LogDir(baseDir string) string {
	return filepath.Join(baseDir, "logs")
}

// LogFile names one log file per day so long-running daemons rotate
// naturally on restart.
func LogFile(baseDir string, now time.Time) string {
	return filepath.Join(LogDir(baseDir), fmt.Sprintf("snapkeep_%s.log", now.Format("20060102")))
}

func RunDir(baseDir string) string {
	return filepath.Join(baseDir, "run")
}

func LockPath(baseDir string) string {
	return filepath.Join(RunDir(baseDir), "snapkeep.lock")
}

func SetupDirectories(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

func SetupLogging(logPath string, levels logging.Levels) (*slog.Logger, *os.File, error) {
	if err := SetupDirectories(filepath.Dir(logPath)); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return logging.NewLogger(logPath, levels)
}
