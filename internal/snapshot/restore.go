package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"

	"snapkeep/internal/catalog"
	"snapkeep/internal/config"
	"snapkeep/internal/crypto"
	"snapkeep/internal/manifest"
	"snapkeep/internal/store"
)

// Restore writes datasets from snapshot id back through the state provider.
// Integrity is checked before anything is written. Failures are reported in
// the result, never as a panic or a returned error.
func (s *Service) Restore(ctx context.Context, id string, opts RestoreOptions) *RestoreResult {
	res := &RestoreResult{ID: id, DryRun: opts.DryRun}
	if err := s.lock(ctx); err != nil {
		return res.fail(err)
	}
	defer s.unlock()

	s.restore(ctx, id, opts, res)
	if !res.Success {
		s.logger.Error("Restore failed", "id", id, "error", res.Err)
	} else {
		s.logger.Info("Restore finished",
			"id", id,
			"restored", len(res.Restored),
			"skipped", len(res.Skipped),
			"errors", len(res.Errors),
			"dry_run", opts.DryRun)
	}
	s.metrics.Operation("restore", res.Err)
	return res
}

func (s *Service) restore(ctx context.Context, id string, opts RestoreOptions, res *RestoreResult) {
	meta, err := s.catalog.Get(ctx, id)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			err = fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		res.fail(err)
		return
	}

	blob, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = fmt.Errorf("%w: %s has no stored blob", ErrNotFound, id)
		}
		res.fail(err)
		return
	}

	payload, err := s.open(meta, blob)
	if err != nil {
		res.fail(err)
		return
	}

	selected := payload.Keys()
	if opts.Datasets != nil {
		wanted := config.Expand(s.groups, opts.Datasets)
		selected = selected[:0]
		for _, key := range wanted {
			if _, ok := payload[key]; ok {
				selected = append(selected, key)
			} else {
				res.NotInSnapshot = append(res.NotInSnapshot, key)
			}
		}
	}

	var planned []config.DatasetKey
	for _, key := range selected {
		if !opts.Overwrite {
			_, exists, err := s.state.Read(ctx, key)
			if err != nil {
				res.Errors = append(res.Errors, DatasetError{Key: key, Err: err})
				continue
			}
			if exists {
				res.Skipped = append(res.Skipped, key)
				continue
			}
		}
		planned = append(planned, key)
	}

	if opts.SafetySnapshot && len(planned) > 0 && !opts.DryRun {
		safety, err := s.create(ctx, CreateRequest{
			Kind:        manifest.KindAuto,
			Name:        "Before restore of " + id,
			Description: fmt.Sprintf("Automatic snapshot of %d datasets taken before restoring %s", len(planned), id),
		}, s.Config(), planned, []string{id})
		if err != nil {
			res.fail(fmt.Errorf("safety snapshot failed, nothing restored: %w", err))
			return
		}
		res.SafetySnapshotID = safety.Metadata.ID
	}

	for _, key := range planned {
		if opts.DryRun {
			res.Restored = append(res.Restored, key)
			continue
		}
		if err := s.state.Write(ctx, key, payload[key]); err != nil {
			s.logger.Warn("Failed to restore dataset", "id", id, "dataset", key, "error", err)
			res.Errors = append(res.Errors, DatasetError{Key: key, Err: err})
			continue
		}
		res.Restored = append(res.Restored, key)
	}

	res.Success = true
	verb := "Restored"
	if opts.DryRun {
		verb = "Would restore"
	}
	res.Message = fmt.Sprintf("%s %d datasets from %q, skipped %d", verb, len(res.Restored), meta.Name, len(res.Skipped))
	if len(res.Errors) > 0 {
		res.Err = fmt.Errorf("%w: %d datasets failed", ErrPartialRestore, len(res.Errors))
		res.Message += fmt.Sprintf(", %d failed", len(res.Errors))
	}
}

// open decodes a stored blob and checks it against its catalog entry. Any
// decode or parse failure is an integrity failure, since the blob was
// verified when it was written.
func (s *Service) open(meta manifest.Metadata, blob []byte) (manifest.Payload, error) {
	plain, err := s.pipeline.Decode(blob, meta.Config)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIntegrity, err)
	}
	env, err := manifest.UnmarshalEnvelope(plain)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrIntegrity, err)
	}
	canonical, payload, err := manifest.Canonicalize(env.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	if got := crypto.Digest(canonical); got != meta.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch (expected %s, got %s)", ErrIntegrity, meta.Checksum, got)
	}
	if !sameMetadata(env.Metadata, meta) {
		return nil, fmt.Errorf("%w: envelope metadata does not match catalog entry", ErrIntegrity)
	}
	// the blob must be exactly what commit produced
	expected, err := manifest.MarshalEnvelope(env.Metadata, canonical)
	if err != nil || !bytes.Equal(expected, plain) {
		return nil, fmt.Errorf("%w: envelope is not in stored form", ErrIntegrity)
	}
	return payload, nil
}

func sameMetadata(a, b manifest.Metadata) bool {
	return a.ID == b.ID &&
		a.Name == b.Name &&
		a.Description == b.Description &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.Kind == b.Kind &&
		a.SizeBytes == b.SizeBytes &&
		a.Checksum == b.Checksum &&
		slices.Equal(a.Config.Datasets, b.Config.Datasets) &&
		a.Config.Compression == b.Config.Compression &&
		a.Config.Encryption == b.Config.Encryption &&
		a.Config.Schedule == b.Config.Schedule
}
