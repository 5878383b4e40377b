package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"snapkeep/internal/catalog"
	"snapkeep/internal/config"
	"snapkeep/internal/crypto"
	"snapkeep/internal/manifest"
	"snapkeep/internal/store"
)

// Create captures the configured datasets into a new snapshot. Nothing is
// written to the store or the catalog unless the encoded blob decodes back to
// the exact bytes that were encoded.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.unlock()

	cfg := s.Config()
	res, err := s.create(ctx, req, cfg, config.Expand(s.groups, cfg.Datasets), nil)
	s.metrics.Operation("create", err)
	return res, err
}

// create captures keys into a new snapshot. Ids in keep survive the
// retention pass that follows.
func (s *Service) create(ctx context.Context, req CreateRequest, cfg config.Snapshot, keys []config.DatasetKey, keep []string) (*CreateResult, error) {
	if req.Kind == "" {
		req.Kind = manifest.KindManual
	}
	if !req.Kind.Valid() || req.Kind == manifest.KindImported {
		return nil, fmt.Errorf("invalid snapshot kind %q", req.Kind)
	}

	payload := make(manifest.Payload, len(keys))
	for _, key := range keys {
		value, ok, err := s.state.Read(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to read dataset %s: %w", key, err)
		}
		if !ok {
			s.logger.Debug("Dataset has no data, omitting", "dataset", key)
			continue
		}
		payload[key] = value
	}

	serialized, err := manifest.Serialize(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}

	createdAt := s.now().UTC()
	name := req.Name
	if name == "" {
		name = fmt.Sprintf("%s snapshot %s", req.Kind, createdAt.Format("2006-01-02 15:04:05"))
	}

	meta := manifest.Metadata{
		ID:          s.newID(),
		Name:        name,
		Description: req.Description,
		CreatedAt:   createdAt,
		Kind:        req.Kind,
		SizeBytes:   int64(len(serialized)),
		Checksum:    crypto.Digest(serialized),
		Config:      cfg,
	}
	return s.commit(ctx, meta, serialized, payload.Keys(), keep)
}

// commit encodes, verifies and persists a snapshot, then exports it and
// applies retention.
func (s *Service) commit(ctx context.Context, meta manifest.Metadata, serialized []byte, datasets []config.DatasetKey, keep []string) (*CreateResult, error) {
	envelope, err := manifest.MarshalEnvelope(meta, serialized)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	blob, err := s.pipeline.Encode(envelope, meta.Config)
	if err != nil {
		return nil, err
	}
	decoded, err := s.pipeline.Decode(blob, meta.Config)
	if err != nil {
		return nil, fmt.Errorf("%w: encoded blob does not decode: %w", ErrIntegrity, err)
	}
	if !bytes.Equal(decoded, envelope) {
		return nil, fmt.Errorf("%w: encoded blob does not round-trip", ErrIntegrity)
	}

	if err := s.store.Put(ctx, meta.ID, blob); err != nil {
		return nil, err
	}
	if err := s.catalog.Add(ctx, meta); err != nil {
		if derr := s.store.Delete(ctx, meta.ID); derr != nil {
			s.logger.Warn("Failed to remove blob after catalog error", "id", meta.ID, "error", derr)
		}
		return nil, err
	}

	s.logger.Info("Created snapshot",
		"id", meta.ID,
		"kind", meta.Kind,
		"datasets", len(datasets),
		"size_bytes", meta.SizeBytes,
		"stored_bytes", len(blob),
		"blake3", meta.Checksum)

	res := &CreateResult{
		Metadata: meta,
		Datasets: datasets,
	}

	if s.store.HasSinks() {
		doc, err := s.exportDocument(meta, serialized, blob)
		if err != nil {
			res.Advisories = append(res.Advisories, store.Advisory{Sink: "export", ID: meta.ID, Err: err})
		} else {
			res.Advisories = s.store.Export(ctx, meta.ID, doc)
		}
		for _, a := range res.Advisories {
			s.metrics.ExportFailed(a.Sink)
		}
	}

	res.Evicted = s.evict(ctx, keep)
	s.metrics.Created(meta.SizeBytes, meta.CreatedAt.Unix())

	res.Message = fmt.Sprintf("Snapshot %q created with %d datasets (%d bytes)", meta.Name, len(datasets), meta.SizeBytes)
	if len(res.Advisories) > 0 {
		res.Message += fmt.Sprintf("; %d secondary exports failed", len(res.Advisories))
	}
	return res, nil
}

// exportDocument picks what secondary sinks receive: the stored blob when it
// is encrypted, the readable envelope otherwise.
func (s *Service) exportDocument(meta manifest.Metadata, serialized, blob []byte) ([]byte, error) {
	if meta.Config.Encryption {
		return blob, nil
	}
	return manifest.MarshalEnvelopeIndent(meta, serialized)
}

// evict trims the catalog to the retention limit and drops evicted blobs.
// Failures here do not undo the snapshot that was just committed.
func (s *Service) evict(ctx context.Context, keep []string) []string {
	evicted, err := s.catalog.EvictExcess(ctx, s.retain, keep...)
	if err != nil {
		s.logger.Warn("Retention failed", "retain", s.retain, "error", err)
		return nil
	}
	for _, id := range evicted {
		if err := s.store.Delete(ctx, id); err != nil {
			s.logger.Warn("Failed to delete evicted blob", "id", id, "error", err)
			continue
		}
		s.logger.Info("Evicted snapshot", "id", id)
	}
	s.metrics.Evicted(len(evicted))
	s.refreshCatalogSize(ctx)
	return evicted
}

// Export returns the stored blob for id, byte-for-byte.
func (s *Service) Export(ctx context.Context, id string) ([]byte, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.unlock()

	blob, err := s.export(ctx, id)
	s.metrics.Operation("export", err)
	return blob, err
}

func (s *Service) export(ctx context.Context, id string) ([]byte, error) {
	if _, err := s.catalog.Get(ctx, id); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	blob, err := s.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s has no stored blob", ErrNotFound, id)
	}
	return blob, err
}

// Import accepts a snapshot document produced by Export or by an export sink
// and stores it as a new imported snapshot. The document may be a plain
// envelope in any JSON layout, or an exported blob under any compression and
// encryption setting the service can decode.
func (s *Service) Import(ctx context.Context, doc []byte) (*CreateResult, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.unlock()

	res, err := s.importDocument(ctx, doc)
	s.metrics.Operation("import", err)
	return res, err
}

func (s *Service) importDocument(ctx context.Context, doc []byte) (*CreateResult, error) {
	cfg := s.Config()

	env, err := manifest.UnmarshalEnvelope(doc)
	if err != nil {
		var derr error
		if env, derr = s.decodeBlob(doc, cfg); derr != nil {
			return nil, fmt.Errorf("%w: not a snapshot document: %w", ErrInvalidSnapshot, errors.Join(err, derr))
		}
	}

	if env.Metadata.Checksum == "" {
		return nil, fmt.Errorf("%w: missing checksum", ErrInvalidSnapshot)
	}
	canonical, payload, err := manifest.Canonicalize(env.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if got := crypto.Digest(canonical); got != env.Metadata.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch (expected %s, got %s)", ErrInvalidSnapshot, env.Metadata.Checksum, got)
	}

	name := env.Metadata.Name
	if name == "" {
		name = "imported snapshot"
	}
	meta := manifest.Metadata{
		ID:          s.newID(),
		Name:        name,
		Description: env.Metadata.Description,
		CreatedAt:   s.now().UTC(),
		Kind:        manifest.KindImported,
		SizeBytes:   int64(len(canonical)),
		Checksum:    env.Metadata.Checksum,
		Config:      cfg,
	}
	s.logger.Info("Importing snapshot", "source_id", env.Metadata.ID, "id", meta.ID)
	return s.commit(ctx, meta, canonical, payload.Keys(), nil)
}

// decodeBlob decodes an exported blob. Blobs do not record the transform
// that produced them, so every compression and encryption combination is
// tried, starting with cfg.
func (s *Service) decodeBlob(blob []byte, cfg config.Snapshot) (*manifest.Envelope, error) {
	var errs []error
	for _, c := range transformCandidates(cfg) {
		plain, err := s.pipeline.Decode(blob, c)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		env, err := manifest.UnmarshalEnvelope(plain)
		if err != nil {
			errs = append(errs, fmt.Errorf("compression %s, encryption %t: %w", c.Compression, c.Encryption, err))
			continue
		}
		return env, nil
	}
	return nil, errors.Join(errs...)
}

// transformCandidates lists cfg first, then the other settings with encrypted
// and zstd variants ahead of snappy.
func transformCandidates(cfg config.Snapshot) []config.Snapshot {
	out := []config.Snapshot{cfg}
	for _, enc := range []bool{true, false} {
		for _, comp := range []config.Compression{config.CompressionHigh, config.CompressionBasic, config.CompressionNone} {
			if enc == cfg.Encryption && (comp == cfg.Compression || (comp == config.CompressionNone && cfg.Compression == "")) {
				continue
			}
			c := cfg
			c.Encryption = enc
			c.Compression = comp
			out = append(out, c)
		}
	}
	return out
}
