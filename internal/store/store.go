// Package store persists encoded snapshot blobs and fans them out to
// best-effort secondary sinks.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"snapkeep/internal/kv"
)

const blobPrefix = "blobs/"

var ErrNotFound = errors.New("blob not found")

// Sink is a secondary durable destination for snapshot documents.
type Sink interface {
	Name() string
	Save(ctx context.Context, id string, doc []byte) error
}

// Advisory records a non-fatal sink failure.
type Advisory struct {
	Sink string
	ID   string
	Err  error
}

func (a Advisory) String() string {
	return fmt.Sprintf("%s export of %s failed: %v", a.Sink, a.ID, a.Err)
}

type Store struct {
	kv          kv.KV
	sinks       []Sink
	sinkTimeout time.Duration
	logger      *slog.Logger
}

type Option func(*Store)

func WithSinks(sinks ...Sink) Option {
	return func(s *Store) { s.sinks = append(s.sinks, sinks...) }
}

func WithSinkTimeout(d time.Duration) Option {
	return func(s *Store) { s.sinkTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func New(backend kv.KV, opts ...Option) *Store {
	s := &Store{
		kv:          kv.WithPrefix(backend, blobPrefix),
		sinkTimeout: 30 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put stores blob under id. It does not validate the blob.
func (s *Store) Put(ctx context.Context, id string, blob []byte) error {
	if id == "" {
		return errors.New("blob id is required")
	}
	if err := s.kv.Set(ctx, id, blob); err != nil {
		return fmt.Errorf("failed to store blob %s: %w", id, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	blob, err := s.kv.Get(ctx, id)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", id, err)
	}
	return blob, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.kv.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete blob %s: %w", id, err)
	}
	return nil
}

func (s *Store) IDs(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	ids := keys[:0]
	for _, k := range keys {
		if !strings.Contains(k, "/") {
			ids = append(ids, k)
		}
	}
	return ids, nil
}

func (s *Store) HasSinks() bool {
	return len(s.sinks) > 0
}

// Export hands doc to every sink. Each call is bounded by the sink timeout;
// failures are logged and returned as advisories, never as errors.
func (s *Store) Export(ctx context.Context, id string, doc []byte) []Advisory {
	var advisories []Advisory
	for _, sink := range s.sinks {
		if err := s.save(ctx, sink, id, doc); err != nil {
			s.logger.Warn("Secondary export failed", "sink", sink.Name(), "id", id, "error", err)
			advisories = append(advisories, Advisory{Sink: sink.Name(), ID: id, Err: err})
			continue
		}
		s.logger.Info("Exported snapshot", "sink", sink.Name(), "id", id, "bytes", len(doc))
	}
	return advisories
}

// save runs the sink in its own goroutine so a sink that ignores ctx cannot
// hold up the caller past the timeout.
func (s *Store) save(ctx context.Context, sink Sink, id string, doc []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.sinkTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("sink panicked: %v", r)
			}
		}()
		done <- sink.Save(ctx, id, doc)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("sink did not finish: %w", ctx.Err())
	}
}
