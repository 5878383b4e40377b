// Package snapshot orchestrates snapshot creation, restore, retention and
// scheduling on top of the state provider, blob store and catalog.
//
// Every mutating operation and every scheduled tick runs under one
// service-wide lock, so the catalog and the blob store never see
// interleaved writers.
package snapshot

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"snapkeep/internal/catalog"
	"snapkeep/internal/config"
	"snapkeep/internal/manifest"
	"snapkeep/internal/metrics"
	"snapkeep/internal/scheduler"
	"snapkeep/internal/state"
	"snapkeep/internal/store"
	"snapkeep/internal/transform"
)

// Deps are the collaborators a Service is built from.
type Deps struct {
	State     state.Provider
	Store     *store.Store
	Catalog   *catalog.Catalog
	Pipeline  *transform.Pipeline
	Scheduler *scheduler.Scheduler
	Config    config.Snapshot
	Groups    map[config.DatasetKey][]string
}

// Service owns the snapshot lifecycle. Operations are serialised, including
// scheduled creates.
type Service struct {
	sem chan struct{}

	state     state.Provider
	store     *store.Store
	catalog   *catalog.Catalog
	pipeline  *transform.Pipeline
	scheduler *scheduler.Scheduler
	groups    map[config.DatasetKey][]string

	cfgMu sync.RWMutex
	cfg   config.Snapshot

	// active is true between Start and Close; guarded by sem.
	active bool

	retain  int
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string
}

// Option configures a Service.
type Option func(*Service)

// WithRetain caps the catalog size. Values below 1 are ignored.
func WithRetain(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.retain = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(f func() string) Option {
	return func(s *Service) { s.newID = f }
}

// New returns an inert Service; call Start to arm the scheduler.
func New(deps Deps, opts ...Option) (*Service, error) {
	if deps.State == nil || deps.Store == nil || deps.Catalog == nil {
		return nil, errors.New("snapshot: state, store and catalog are required")
	}
	if err := deps.Config.Validate(); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	s := &Service{
		sem:      make(chan struct{}, 1),
		state:    deps.State,
		store:    deps.Store,
		catalog:  deps.Catalog,
		pipeline: deps.Pipeline,
		groups:   deps.Groups,
		cfg:      deps.Config.Clone(),
		retain:   config.DefaultRetain,
		logger:   slog.Default(),
		now:      time.Now,
		newID:    newULIDSource(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pipeline == nil {
		s.pipeline = transform.New()
	}
	s.scheduler = deps.Scheduler
	if s.scheduler == nil {
		s.scheduler = scheduler.New(scheduler.WithLogger(s.logger))
	}
	return s, nil
}

func newULIDSource() func() string {
	var mu sync.Mutex
	entropy := ulid.Monotonic(rand.Reader, 0)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
	}
}

// lock acquires the service lock or gives up when ctx ends. A scheduled tick
// waiting here is released by scheduler.Stop cancelling its context.
func (s *Service) lock(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) unlock() { <-s.sem }

// Start arms the scheduler when the configuration enables it.
func (s *Service) Start(ctx context.Context) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()

	s.active = true
	s.applySchedule()
	return nil
}

// Close stops the scheduler and waits for an in-flight tick. It does not
// close the underlying stores.
func (s *Service) Close() error {
	s.sem <- struct{}{}
	defer s.unlock()

	s.active = false
	s.scheduler.Stop()
	return nil
}

func (s *Service) applySchedule() {
	cfg := s.Config()
	if !cfg.Schedule.Enabled {
		s.scheduler.Stop()
		return
	}
	s.scheduler.Start(cfg.Schedule.Interval(), s.tick)
}

func (s *Service) tick(ctx context.Context) {
	res, err := s.Create(ctx, CreateRequest{Kind: manifest.KindScheduled})
	if err != nil {
		if ctx.Err() != nil {
			s.logger.Info("Scheduled snapshot cancelled")
			return
		}
		s.logger.Error("Scheduled snapshot failed", "error", err)
		return
	}
	s.logger.Info("Scheduled snapshot created", "id", res.Metadata.ID, "evicted", len(res.Evicted))
}

// Config returns a copy of the active snapshot configuration.
func (s *Service) Config() config.Snapshot {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg.Clone()
}

func (s *Service) Scheduler() *scheduler.Scheduler {
	return s.scheduler
}

// UpdateConfig merges u into the active configuration. The scheduler is
// restarted only when the enabled flag or the interval actually changed.
func (s *Service) UpdateConfig(ctx context.Context, u config.Update) (config.Snapshot, error) {
	if err := s.lock(ctx); err != nil {
		return config.Snapshot{}, err
	}
	defer s.unlock()

	current := s.Config()
	next := current.Merge(u)
	if err := next.Validate(); err != nil {
		s.metrics.Operation("update_config", err)
		return current, fmt.Errorf("invalid snapshot config: %w", err)
	}

	s.cfgMu.Lock()
	s.cfg = next.Clone()
	s.cfgMu.Unlock()

	if s.active && current.ScheduleChanged(next) {
		s.applySchedule()
	}
	s.logger.Info("Snapshot config updated",
		"datasets", len(next.Datasets),
		"compression", next.Compression,
		"encryption", next.Encryption,
		"schedule", next.Schedule.Enabled,
		"interval_minutes", next.Schedule.IntervalMinutes)
	s.metrics.Operation("update_config", nil)
	return next, nil
}

// List returns catalog entries, newest first.
func (s *Service) List(ctx context.Context) ([]manifest.Metadata, error) {
	return s.catalog.List(ctx)
}

// Get returns the catalog entry for id or ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (manifest.Metadata, error) {
	m, err := s.catalog.Get(ctx, id)
	if errors.Is(err, catalog.ErrNotFound) {
		return manifest.Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m, err
}

// Delete removes the catalog entry and its blob. Deleting an unknown id
// reports false and no error.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	if err := s.lock(ctx); err != nil {
		return false, err
	}
	defer s.unlock()

	removed, err := s.catalog.Remove(ctx, id)
	if err != nil {
		s.metrics.Operation("delete", err)
		return false, err
	}
	// the blob goes even without an entry so orphans can be cleaned by id
	if err := s.store.Delete(ctx, id); err != nil {
		s.logger.Warn("Failed to delete snapshot blob", "id", id, "error", err)
	}
	if removed {
		s.logger.Info("Deleted snapshot", "id", id)
		s.refreshCatalogSize(ctx)
	}
	s.metrics.Operation("delete", nil)
	return removed, nil
}

func (s *Service) refreshCatalogSize(ctx context.Context) {
	entries, err := s.catalog.List(ctx)
	if err != nil {
		return
	}
	s.metrics.CatalogSize(len(entries))
}
