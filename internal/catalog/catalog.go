// Package catalog keeps the snapshot metadata index. The whole index lives
// under a single key and every mutation is a load-modify-store cycle, so
// callers must not run mutations concurrently.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"snapkeep/internal/kv"
	"snapkeep/internal/manifest"
)

const DefaultKey = "catalog.yaml"

var (
	ErrNotFound  = errors.New("catalog: entry not found")
	ErrDuplicate = errors.New("catalog: duplicate id")
)

type Catalog struct {
	kv  kv.KV
	key string
}

func New(store kv.KV) *Catalog {
	return &Catalog{kv: store, key: DefaultKey}
}

func (c *Catalog) load(ctx context.Context) (*manifest.Catalog, error) {
	data, err := c.kv.Get(ctx, c.key)
	if errors.Is(err, kv.ErrNotFound) {
		return &manifest.Catalog{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	doc, err := manifest.ReadCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return doc, nil
}

func (c *Catalog) store(ctx context.Context, doc *manifest.Catalog) error {
	sortEntries(doc.Entries)
	data, err := manifest.WriteCatalog(doc)
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}
	if err := c.kv.Set(ctx, c.key, data); err != nil {
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	return nil
}

// sortEntries orders newest first; ids break timestamp ties since ULIDs grow
// monotonically.
func sortEntries(entries []manifest.Metadata) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].ID > entries[j].ID
	})
}

func (c *Catalog) Add(ctx context.Context, m manifest.Metadata) error {
	doc, err := c.load(ctx)
	if err != nil {
		return err
	}
	for _, e := range doc.Entries {
		if e.ID == m.ID {
			return fmt.Errorf("%w: %s", ErrDuplicate, m.ID)
		}
	}
	doc.Entries = append(doc.Entries, m)
	return c.store(ctx, doc)
}

// Remove deletes the entry and reports whether it existed.
func (c *Catalog) Remove(ctx context.Context, id string) (bool, error) {
	doc, err := c.load(ctx)
	if err != nil {
		return false, err
	}
	kept := doc.Entries[:0]
	removed := false
	for _, e := range doc.Entries {
		if e.ID == id {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	if !removed {
		return false, nil
	}
	doc.Entries = kept
	return true, c.store(ctx, doc)
}

func (c *Catalog) List(ctx context.Context) ([]manifest.Metadata, error) {
	doc, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	sortEntries(doc.Entries)
	return doc.Entries, nil
}

func (c *Catalog) Get(ctx context.Context, id string) (manifest.Metadata, error) {
	doc, err := c.load(ctx)
	if err != nil {
		return manifest.Metadata{}, err
	}
	for _, e := range doc.Entries {
		if e.ID == id {
			return e, nil
		}
	}
	return manifest.Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// EvictExcess keeps the newest limit entries and returns the ids of the ones
// it removed. Ids in keep are never evicted; they still count
// towards the limit.
func (c *Catalog) EvictExcess(ctx context.Context, limit int, keep ...string) ([]string, error) {
	if limit < 0 {
		return nil, fmt.Errorf("invalid retention limit %d", limit)
	}
	doc, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	if len(doc.Entries) <= limit {
		return nil, nil
	}
	sortEntries(doc.Entries)

	excess := len(doc.Entries) - limit
	var evicted []string
	for i := len(doc.Entries) - 1; i >= 0 && len(evicted) < excess; i-- {
		if id := doc.Entries[i].ID; !slices.Contains(keep, id) {
			evicted = append(evicted, id)
		}
	}
	if len(evicted) == 0 {
		return nil, nil
	}
	slices.Reverse(evicted)
	doc.Entries = slices.DeleteFunc(doc.Entries, func(e manifest.Metadata) bool {
		return slices.Contains(evicted, e.ID)
	})
	if err := c.store(ctx, doc); err != nil {
		return nil, err
	}
	return evicted, nil
}
