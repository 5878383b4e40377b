// Package scheduler fires a callback on a fixed interval. It has two states,
// stopped and running; starting a running scheduler replaces its ticker.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Ticker is the subset of time.Ticker the scheduler needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates a ticker firing every d, first after one full d.
type TickerFunc func(d time.Duration) Ticker

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

func NewTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

type Scheduler struct {
	mu        sync.Mutex
	newTicker TickerFunc
	logger    *slog.Logger

	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

type Option func(*Scheduler)

func WithTicker(f TickerFunc) Option {
	return func(s *Scheduler) { s.newTicker = f }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New returns a stopped scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		newTicker: NewTicker,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs onTick every interval until Stop. The context passed to onTick is
// cancelled by Stop. A running scheduler is stopped first.
func (s *Scheduler) Start(interval time.Duration, onTick func(ctx context.Context)) {
	if interval <= 0 {
		panic("scheduler: non-positive interval")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	ticker := s.newTicker(interval)
	done := make(chan struct{})

	s.interval = interval
	s.cancel = cancel
	s.done = done

	go s.loop(ctx, ticker, done, onTick)
	s.logger.Info("Scheduler started", "interval", interval)
}

func (s *Scheduler) loop(ctx context.Context, ticker Ticker, done chan struct{}, onTick func(context.Context)) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if ctx.Err() != nil {
				return
			}
			s.fire(ctx, onTick)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, onTick func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Scheduled tick panicked", "panic", r)
		}
	}()
	onTick(ctx)
}

// Stop halts the ticker and waits for an in-flight tick to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.interval = 0
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Interval returns the active interval, or 0 when stopped.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}
