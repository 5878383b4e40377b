package snapshot

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"snapkeep/internal/manifest"
	"snapkeep/internal/store"
)

// Stats counts snapshots by kind and summarises their sizes and times.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	entries, err := s.catalog.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	return summarize(entries), nil
}

func summarize(entries []manifest.Metadata) Stats {
	st := Stats{ByKind: make(map[manifest.Kind]int)}
	for i := range entries {
		e := &entries[i]
		st.Total++
		st.ByKind[e.Kind]++
		st.TotalBytes += e.SizeBytes
		if st.Latest == nil || e.CreatedAt.After(*st.Latest) {
			st.Latest = &e.CreatedAt
		}
		if st.Oldest == nil || e.CreatedAt.Before(*st.Oldest) {
			st.Oldest = &e.CreatedAt
		}
	}
	if st.Total > 0 {
		st.AverageBytes = st.TotalBytes / int64(st.Total)
	}
	return st
}

// Verify cross-checks the catalog against the blob store. A deep check also
// decodes every blob and validates its checksum.
func (s *Service) Verify(ctx context.Context, deep bool) (*VerifyReport, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.unlock()

	report, err := s.verify(ctx, deep)
	s.metrics.Operation("verify", err)
	return report, err
}

func (s *Service) verify(ctx context.Context, deep bool) (*VerifyReport, error) {
	entries, err := s.catalog.List(ctx)
	if err != nil {
		return nil, err
	}
	ids, err := s.store.IDs(ctx)
	if err != nil {
		return nil, err
	}

	report := &VerifyReport{}
	known := make(map[string]bool, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		known[e.ID] = true
		report.Checked++

		if !deep {
			if !slices.Contains(ids, e.ID) {
				report.Missing = append(report.Missing, e.ID)
			}
			continue
		}
		blob, err := s.store.Get(ctx, e.ID)
		if errors.Is(err, store.ErrNotFound) {
			report.Missing = append(report.Missing, e.ID)
			continue
		}
		if err != nil {
			return nil, err
		}
		if _, err := s.open(e, blob); err != nil {
			s.logger.Warn("Snapshot failed verification", "id", e.ID, "error", err)
			report.Corrupt = append(report.Corrupt, e.ID)
		}
	}
	for _, id := range ids {
		if !known[id] {
			report.Orphans = append(report.Orphans, id)
		}
	}

	if report.OK() {
		report.Message = fmt.Sprintf("%d snapshots verified", report.Checked)
	} else {
		report.Message = fmt.Sprintf("%d snapshots checked: %d missing, %d corrupt, %d orphaned blobs",
			report.Checked, len(report.Missing), len(report.Corrupt), len(report.Orphans))
	}
	return report, nil
}
