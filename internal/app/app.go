// Package app assembles a snapshot service from a loaded configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"filippo.io/age"
	"github.com/prometheus/client_golang/prometheus"

	"snapkeep/internal/catalog"
	"snapkeep/internal/config"
	"snapkeep/internal/crypto"
	"snapkeep/internal/kv"
	"snapkeep/internal/lock"
	"snapkeep/internal/logging"
	"snapkeep/internal/metrics"
	"snapkeep/internal/remote"
	"snapkeep/internal/scheduler"
	"snapkeep/internal/snapshot"
	"snapkeep/internal/state"
	"snapkeep/internal/store"
	"snapkeep/internal/transform"
	"snapkeep/internal/util"
)

// SinkExt is appended to snapshot ids for files and objects written by
// export sinks.
const SinkExt = ".snapshot"

type Options struct {
	// Command is recorded in the log and in the lock file.
	Command string
	// Lock takes the base directory lock for the lifetime of the App.
	Lock bool
	// SkipRemote leaves the S3 sink out even when it is enabled.
	SkipRemote bool
}

type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Service  *snapshot.Service
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Identity *age.X25519Identity
	// Remote is nil unless export.s3 is enabled.
	Remote remote.Backend

	kvs     map[string]kv.KV
	closers []func() error
}

func Open(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	a := &App{
		Config:   cfg,
		Registry: prometheus.NewRegistry(),
		kvs:      make(map[string]kv.KV),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err := a.setupLogging(opts.Command); err != nil {
		return nil, err
	}

	if opts.Lock {
		if err := util.SetupDirectories(util.RunDir(cfg.BaseDir)); err != nil {
			return nil, err
		}
		release, err := lock.Acquire(util.LockPath(cfg.BaseDir), opts.Command)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, release)
	}

	stateKV, err := a.openKV(cfg.State.Driver, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("state: %w", err)
	}
	storeKV, err := a.openKV(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	pipeline, err := a.pipeline()
	if err != nil {
		return nil, err
	}

	sinks, err := a.sinks(ctx, opts.SkipRemote)
	if err != nil {
		return nil, err
	}

	a.Metrics, err = metrics.New(a.Registry)
	if err != nil {
		return nil, err
	}

	blobs := store.New(storeKV,
		store.WithSinks(sinks...),
		store.WithSinkTimeout(cfg.SinkTimeout()),
		store.WithLogger(a.Logger))

	a.Service, err = snapshot.New(snapshot.Deps{
		State:     state.NewKVProvider(stateKV),
		Store:     blobs,
		Catalog:   catalog.New(storeKV),
		Pipeline:  pipeline,
		Scheduler: scheduler.New(scheduler.WithLogger(a.Logger)),
		Config:    cfg.Snapshot,
		Groups:    cfg.Groups,
	},
		snapshot.WithRetain(cfg.Retain()),
		snapshot.WithLogger(a.Logger),
		snapshot.WithMetrics(a.Metrics))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Service.Close)

	a.Logger.Debug("Snapshot service ready",
		"state", cfg.State.Driver,
		"store", cfg.Store.Driver,
		"sinks", len(sinks),
		"retain", cfg.Retain())
	return a, nil
}

func (a *App) setupLogging(command string) error {
	levels := logging.DefaultLevels()
	var err error
	if levels.Console, err = logging.ParseLevel(a.Config.Log.Level, levels.Console); err != nil {
		return err
	}
	if levels.File, err = logging.ParseLevel(a.Config.Log.FileLevel, levels.File); err != nil {
		return err
	}

	logger, file, err := util.SetupLogging(util.LogFile(a.Config.BaseDir, time.Now()), levels)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, file.Close)
	if command != "" {
		logger = logger.With("cmd", command)
	}
	a.Logger = logger
	return nil
}

// resolve interprets relative paths against the base directory.
func (a *App) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(a.Config.BaseDir, p)
}

// openKV opens one handle per driver and path, so state and store may share
// a database.
func (a *App) openKV(driver config.Driver, p string) (kv.KV, error) {
	if driver == config.DriverMemory {
		return kv.NewMemory(), nil
	}

	path := a.resolve(p)
	key := string(driver) + ":" + path
	if shared, ok := a.kvs[key]; ok {
		return shared, nil
	}

	var (
		opened kv.KV
		err    error
	)
	switch driver {
	case config.DriverDir:
		opened, err = kv.NewDir(path)
	case config.DriverBadger:
		opened, err = kv.OpenBadger(path, a.Logger)
	default:
		err = fmt.Errorf("unknown driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	a.kvs[key] = opened
	a.closers = append(a.closers, opened.Close)
	return opened, nil
}

func (a *App) pipeline() (*transform.Pipeline, error) {
	var opts []transform.Option
	if a.Config.AgePublicKey != "" {
		recipient, err := age.ParseX25519Recipient(a.Config.AgePublicKey)
		if err != nil {
			return nil, fmt.Errorf("invalid age_public_key: %w", err)
		}
		opts = append(opts, transform.WithRecipient(recipient))
	}
	if a.Config.AgeIdentityFile != "" {
		identity, err := crypto.LoadIdentity(a.Config.AgeIdentityFile)
		if err != nil {
			return nil, err
		}
		a.Identity = identity
		opts = append(opts, transform.WithIdentity(identity))
	}
	return transform.New(opts...), nil
}

func (a *App) sinks(ctx context.Context, skipRemote bool) ([]store.Sink, error) {
	var sinks []store.Sink
	if a.Config.Export.Dir != "" {
		dir, err := store.NewDirSink(a.resolve(a.Config.Export.Dir), SinkExt)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, dir)
	}

	s3cfg := a.Config.Export.S3
	if s3cfg.Enabled && !skipRemote {
		backend, err := remote.NewS3(ctx, remote.S3Options{
			Bucket:           s3cfg.Bucket,
			Region:           s3cfg.Region,
			Prefix:           s3cfg.Prefix,
			Endpoint:         s3cfg.Endpoint,
			StorageClass:     a.Config.S3StorageClass(),
			MaxRetryAttempts: a.Config.S3RetryAttempts(),
			Ext:              SinkExt,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 backend: %w", err)
		}
		a.Remote = backend
		sinks = append(sinks, backend)
	}
	return sinks, nil
}

// Close releases everything Open acquired, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// LoadAndOpen is the common entry point for commands.
func LoadAndOpen(ctx context.Context, configPath string, opts Options) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := util.SetupDirectories(cfg.BaseDir); err != nil {
		return nil, err
	}
	return Open(ctx, cfg, opts)
}
