package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapkeep/internal/catalog"
	"snapkeep/internal/config"
	"snapkeep/internal/kv"
	"snapkeep/internal/manifest"
	"snapkeep/internal/scheduler"
	"snapkeep/internal/state"
	"snapkeep/internal/store"
	"snapkeep/internal/transform"
)

type fakeTicker struct {
	interval time.Duration
	ch       chan time.Time
	stopped  atomic.Bool
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()               { f.stopped.Store(true) }

type tickers struct {
	mu  sync.Mutex
	all []*fakeTicker
}

func (t *tickers) newTicker(d time.Duration) scheduler.Ticker {
	t.mu.Lock()
	defer t.mu.Unlock()
	ft := &fakeTicker{interval: d, ch: make(chan time.Time)}
	t.all = append(t.all, ft)
	return ft
}

func (t *tickers) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.all)
}

func (t *tickers) last() *fakeTicker {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.all[len(t.all)-1]
}

func steppingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Minute)
		return now
	}
}

func sequence(prefix string) func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s-%03d", prefix, n.Add(1))
	}
}

type setup struct {
	cfg      config.Snapshot
	identity *age.X25519Identity
	provider state.Provider
	sinks    []store.Sink
	groups   map[config.DatasetKey][]string
	retain   int
	idPrefix string
}

type harness struct {
	svc     *Service
	state   state.Provider
	blobs   *kv.Memory
	store   *store.Store
	catalog *catalog.Catalog
	tickers *tickers
}

func newHarness(t *testing.T, s setup) *harness {
	t.Helper()
	if s.cfg.Compression == "" {
		s.cfg = config.DefaultSnapshot()
	}
	if s.provider == nil {
		s.provider = state.NewKVProvider(kv.NewMemory())
	}
	if s.idPrefix == "" {
		s.idPrefix = "snap"
	}

	h := &harness{
		state:   s.provider,
		blobs:   kv.NewMemory(),
		catalog: catalog.New(kv.NewMemory()),
		tickers: &tickers{},
	}
	h.store = store.New(h.blobs, store.WithSinks(s.sinks...), store.WithSinkTimeout(time.Second))

	var pipeline *transform.Pipeline
	if s.identity != nil {
		pipeline = transform.New(transform.WithIdentity(s.identity))
	}
	opts := []Option{
		WithClock(steppingClock()),
		WithIDGenerator(sequence(s.idPrefix)),
	}
	if s.retain > 0 {
		opts = append(opts, WithRetain(s.retain))
	}

	svc, err := New(Deps{
		State:     h.state,
		Store:     h.store,
		Catalog:   h.catalog,
		Pipeline:  pipeline,
		Scheduler: scheduler.New(scheduler.WithTicker(h.tickers.newTicker)),
		Config:    s.cfg,
		Groups:    s.groups,
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	h.svc = svc
	return h
}

func (h *harness) seed(t *testing.T, values map[config.DatasetKey]string) {
	t.Helper()
	for k, v := range values {
		require.NoError(t, h.state.Write(context.Background(), k, json.RawMessage(v)))
	}
}

func (h *harness) read(t *testing.T, key config.DatasetKey) (string, bool) {
	t.Helper()
	v, ok, err := h.state.Read(context.Background(), key)
	require.NoError(t, err)
	return string(v), ok
}

func (h *harness) rawBlob(t *testing.T, id string) []byte {
	t.Helper()
	blob, err := h.blobs.Get(context.Background(), "blobs/"+id)
	require.NoError(t, err)
	return blob
}

func (h *harness) putRawBlob(t *testing.T, id string, blob []byte) {
	t.Helper()
	require.NoError(t, h.blobs.Set(context.Background(), "blobs/"+id, blob))
}

func snapshotConfig(c config.Compression, encrypt bool, keys ...config.DatasetKey) config.Snapshot {
	cfg := config.DefaultSnapshot()
	cfg.Compression = c
	cfg.Encryption = encrypt
	if len(keys) > 0 {
		cfg.Datasets = keys
	}
	return cfg
}

func newIdentity(t *testing.T) *age.X25519Identity {
	t.Helper()
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	return id
}

var original = map[config.DatasetKey]string{
	config.DatasetData:     `{"users":[{"id":1,"name":"alice"},{"id":2,"name":"bob"}]}`,
	config.DatasetSettings: `{"theme":"dark","locale":"en"}`,
}

func TestCreateRestoreRoundTrip(t *testing.T) {
	identity := newIdentity(t)
	tests := []struct {
		compression config.Compression
		encryption  bool
	}{
		{config.CompressionNone, false},
		{config.CompressionBasic, false},
		{config.CompressionHigh, false},
		{config.CompressionNone, true},
		{config.CompressionBasic, true},
		{config.CompressionHigh, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/encrypted=%t", tt.compression, tt.encryption), func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, setup{
				cfg:      snapshotConfig(tt.compression, tt.encryption),
				identity: identity,
			})
			h.seed(t, original)

			res, err := h.svc.Create(ctx, CreateRequest{Name: "before migration", Description: "pre-upgrade"})
			require.NoError(t, err)
			assert.Equal(t, "snap-001", res.Metadata.ID)
			assert.Equal(t, manifest.KindManual, res.Metadata.Kind)
			assert.Equal(t, "before migration", res.Metadata.Name)
			assert.Equal(t, []config.DatasetKey{config.DatasetData, config.DatasetSettings}, res.Datasets)
			assert.Len(t, res.Metadata.Checksum, 64)
			assert.Equal(t, tt.compression, res.Metadata.Config.Compression)
			assert.Equal(t, tt.encryption, res.Metadata.Config.Encryption)

			// creating a snapshot leaves the source untouched
			for k, v := range original {
				got, ok := h.read(t, k)
				require.True(t, ok)
				assert.JSONEq(t, v, got)
			}

			h.seed(t, map[config.DatasetKey]string{
				config.DatasetData:     `{"users":[]}`,
				config.DatasetSettings: `{"theme":"light"}`,
			})

			rr := h.svc.Restore(ctx, res.Metadata.ID, RestoreOptions{Overwrite: true})
			require.True(t, rr.Success, rr.Message)
			require.NoError(t, rr.Err)
			assert.Equal(t, []config.DatasetKey{config.DatasetData, config.DatasetSettings}, rr.Restored)
			assert.Empty(t, rr.Skipped)

			for k, v := range original {
				got, ok := h.read(t, k)
				require.True(t, ok)
				assert.JSONEq(t, v, got)
			}
		})
	}
}

func TestCreateOmitsAbsentDatasets(t *testing.T) {
	h := newHarness(t, setup{
		cfg: snapshotConfig(config.CompressionNone, false,
			config.DatasetData, config.DatasetSettings, config.DatasetPlugins),
	})
	h.seed(t, map[config.DatasetKey]string{
		config.DatasetData:     `{"a":1}`,
		config.DatasetSettings: `null`,
	})

	res, err := h.svc.Create(context.Background(), CreateRequest{})
	require.NoError(t, err)
	assert.Equal(t, []config.DatasetKey{config.DatasetData}, res.Datasets)
	assert.Contains(t, res.Metadata.Name, "manual snapshot")
	assert.Equal(t, int64(len(`{"data":{"a":1}}`)), res.Metadata.SizeBytes)
}

func TestCreateExpandsGroups(t *testing.T) {
	h := newHarness(t, setup{
		cfg:    snapshotConfig(config.CompressionNone, false, "core", config.DatasetPlugins),
		groups: map[config.DatasetKey][]string{"core": {"users", "orders"}},
	})
	h.seed(t, map[config.DatasetKey]string{
		"users":                `[1]`,
		"orders":               `[2]`,
		config.DatasetPlugins:  `{}`,
		config.DatasetSettings: `{"ignored":true}`,
	})

	res, err := h.svc.Create(context.Background(), CreateRequest{})
	require.NoError(t, err)
	assert.Equal(t, []config.DatasetKey{"orders", config.DatasetPlugins, "users"}, res.Datasets)
}

func TestCreateRejectsImportedKind(t *testing.T) {
	h := newHarness(t, setup{})
	_, err := h.svc.Create(context.Background(), CreateRequest{Kind: manifest.KindImported})
	assert.Error(t, err)
	_, err = h.svc.Create(context.Background(), CreateRequest{Kind: "weekly"})
	assert.Error(t, err)
}

func TestCreateFailureLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	// encryption without any key cannot encode
	h := newHarness(t, setup{cfg: snapshotConfig(config.CompressionBasic, true)})
	h.seed(t, original)

	_, err := h.svc.Create(ctx, CreateRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, transform.ErrTransform)

	entries, err := h.svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
	ids, err := h.store.IDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

type failingReader struct {
	state.Provider
	key config.DatasetKey
}

func (f failingReader) Read(ctx context.Context, key config.DatasetKey) (json.RawMessage, bool, error) {
	if key == f.key {
		return nil, false, errors.New("state unavailable")
	}
	return f.Provider.Read(ctx, key)
}

func TestCreateFailsOnStateReadError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, setup{provider: failingReader{
		Provider: state.NewKVProvider(kv.NewMemory()),
		key:      config.DatasetSettings,
	}})

	_, err := h.svc.Create(ctx, CreateRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "settings")

	entries, err := h.svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRetention(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, setup{retain: 20})
	h.seed(t, original)

	var evicted []string
	for i := 0; i < 25; i++ {
		res, err := h.svc.Create(ctx, CreateRequest{})
		require.NoError(t, err)
		evicted = append(evicted, res.Evicted...)
	}

	entries, err := h.svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 20)
	assert.Equal(t, "snap-025", entries[0].ID)
	assert.Equal(t, "snap-006", entries[19].ID)
	assert.Equal(t, []string{"snap-001", "snap-002", "snap-003", "snap-004", "snap-005"}, evicted)

	ids, err := h.store.IDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 20)
	assert.NotContains(t, ids, "snap-001")

	rr := h.svc.Restore(ctx, "snap-003", RestoreOptions{})
	assert.False(t, rr.Success)
	assert.ErrorIs(t, rr.Err, ErrNotFound)
}

func TestRestoreDetectsCorruption(t *testing.T) {
	identity := newIdentity(t)
	tests := []struct {
		name      string
		cfg       config.Snapshot
		everyByte bool
	}{
		{name: "plain", cfg: snapshotConfig(config.CompressionNone, false), everyByte: true},
		{name: "zstd", cfg: snapshotConfig(config.CompressionHigh, false)},
		{name: "encrypted", cfg: snapshotConfig(config.CompressionBasic, true)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, setup{cfg: tt.cfg, identity: identity})
			h.seed(t, original)

			res, err := h.svc.Create(ctx, CreateRequest{})
			require.NoError(t, err)
			id := res.Metadata.ID
			pristine := h.rawBlob(t, id)

			h.seed(t, map[config.DatasetKey]string{config.DatasetData: `{"users":[]}`})

			positions := []int{len(pristine) / 2}
			if tt.everyByte {
				positions = positions[:0]
				for i := range pristine {
					positions = append(positions, i)
				}
			}
			for _, pos := range positions {
				corrupt := append([]byte(nil), pristine...)
				corrupt[pos] ^= 0x01
				h.putRawBlob(t, id, corrupt)

				rr := h.svc.Restore(ctx, id, RestoreOptions{Overwrite: true})
				require.False(t, rr.Success, "flipped byte %d went undetected", pos)
				require.ErrorIs(t, rr.Err, ErrIntegrity, "byte %d", pos)
			}

			got, _ := h.read(t, config.DatasetData)
			assert.JSONEq(t, `{"users":[]}`, got, "nothing is written when integrity fails")

			h.putRawBlob(t, id, pristine)
			rr := h.svc.Restore(ctx, id, RestoreOptions{Overwrite: true})
			require.True(t, rr.Success, rr.Message)
		})
	}
}

func TestRestoreSelectionAndSkips(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, setup{
		cfg: snapshotConfig(config.CompressionNone, false,
			config.DatasetData, config.DatasetSettings, config.DatasetPlugins),
		groups: map[config.DatasetKey][]string{"core": {"data", "settings"}},
	})
	h.seed(t, map[config.DatasetKey]string{
		config.DatasetData:     `{"v":1}`,
		config.DatasetSettings: `{"v":1}`,
		config.DatasetPlugins:  `{"v":1}`,
	})
	res, err := h.svc.Create(ctx, CreateRequest{})
	require.NoError(t, err)
	id := res.Metadata.ID

	h.seed(t, map[config.DatasetKey]string{
		config.DatasetData:     `{"v":2}`,
		config.DatasetSettings: `null`,
		config.DatasetPlugins:  `{"v":2}`,
	})

	t.Run("existing datasets are kept without overwrite", func(t *testing.T) {
		rr := h.svc.Restore(ctx, id, RestoreOptions{Datasets: []config.DatasetKey{"core"}})
		require.True(t, rr.Success, rr.Message)
		assert.Equal(t, []config.DatasetKey{config.DatasetSettings}, rr.Restored)
		assert.Equal(t, []config.DatasetKey{config.DatasetData}, rr.Skipped)

		got, _ := h.read(t, config.DatasetData)
		assert.JSONEq(t, `{"v":2}`, got)
		got, _ = h.read(t, config.DatasetSettings)
		assert.JSONEq(t, `{"v":1}`, got)
		got, _ = h.read(t, config.DatasetPlugins)
		assert.JSONEq(t, `{"v":2}`, got)
	})

	t.Run("selectors missing from the snapshot are reported", func(t *testing.T) {
		rr := h.svc.Restore(ctx, id, RestoreOptions{
			Datasets:  []config.DatasetKey{config.DatasetPlugins, config.DatasetAnalytics},
			Overwrite: true,
		})
		require.True(t, rr.Success, rr.Message)
		assert.Equal(t, []config.DatasetKey{config.DatasetPlugins}, rr.Restored)
		assert.Equal(t, []config.DatasetKey{config.DatasetAnalytics}, rr.NotInSnapshot)

		got, _ := h.read(t, config.DatasetPlugins)
		assert.JSONEq(t, `{"v":1}`, got)
	})
}

func TestRestoreDryRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, setup{})
	h.seed(t, original)
	res, err := h.svc.Create(ctx, CreateRequest{})
	require.NoError(t, err)

	h.seed(t, map[config.DatasetKey]string{config.DatasetData: `{"users":[]}`})

	rr := h.svc.Restore(ctx, res.Metadata.ID, RestoreOptions{Overwrite: true, DryRun: true, SafetySnapshot: true})
	require.True(t, rr.Success, rr.Message)
	assert.True(t, rr.DryRun)
	assert.Equal(t, []config.DatasetKey{config.DatasetData, config.DatasetSettings}, rr.Restored)
	assert.Empty(t, rr.SafetySnapshotID)
	assert.Contains(t, rr.Message, "Would restore")

	got, _ := h.read(t, config.DatasetData)
	assert.JSONEq(t, `{"users":[]}`, got)

	entries, err := h.svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRestoreSafetySnapshot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, setup{})
	h.seed(t, map[config.DatasetKey]string{config.DatasetData: `{"v":1}`})
	res, err := h.svc.Create(ctx, CreateRequest{})
	require.NoError(t, err)

	h.seed(t, map[config.DatasetKey]string{config.DatasetData: `{"v":2}`})

	rr := h.svc.Restore(ctx, res.Metadata.ID, RestoreOptions{Overwrite: true, SafetySnapshot: true})
	require.True(t, rr.Success, rr.Message)
	require.NotEmpty(t, rr.SafetySnapshotID)

	safety, err := h.svc.Get(ctx, rr.SafetySnapshotID)
	require.NoError(t, err)
	assert.Equal(t, manifest.KindAuto, safety.Kind)
	assert.Contains(t, safety.Name, res.Metadata.ID)

	got, _ := h.read(t, config.DatasetData)
	assert.JSONEq(t, `{"v":1}`, got)

	back := h.svc.Restore(ctx, rr.SafetySnapshotID, RestoreOptions{Overwrite: true})
	require.True(t, back.Success, back.Message)
	got, _ = h.read(t, config.DatasetData)
	assert.JSONEq(t, `{"v":2}`, got)
}

type failingWriter struct {
	state.Provider
	key config.DatasetKey
}

func (f failingWriter) Write(ctx context.Context, key config.DatasetKey, value json.RawMessage) error {
	if key == f.key {
		return errors.New("disk full")
	}
	return f.Provider.Write(ctx, key, value)
}

func TestPartialRestore(t *testing.T) {
	ctx := context.Background()
	base := state.NewKVProvider(kv.NewMemory())
	h := newHarness(t, setup{provider: failingWriter{Provider: base, key: config.DatasetSettings}})
	for k, v := range original {
		require.NoError(t, base.Write(ctx, k, json.RawMessage(v)))
	}
	res, err := h.svc.Create(ctx, CreateRequest{})
	require.NoError(t, err)

	rr := h.svc.Restore(ctx, res.Metadata.ID, RestoreOptions{Overwrite: true})
	assert.True(t, rr.Success)
	assert.ErrorIs(t, rr.Err, ErrPartialRestore)
	assert.Equal(t, []config.DatasetKey{config.DatasetData}, rr.Restored)
	require.Len(t, rr.Errors, 1)
	assert.Equal(t, config.DatasetSettings, rr.Errors[0].Key)
	assert.Contains(t, rr.Message, "1 failed")
}

func TestSafetySnapshotKeepsRestoreSource(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, setup{retain: 2})
	h.seed(t, original)

	first, err := h.svc.Create(ctx, CreateRequest{Name: "first"})
	require.NoError(t, err)
	_, err = h.svc.Create(ctx, CreateRequest{Name: "second"})
	require.NoError(t, err)

	rr := h.svc.Restore(ctx, first.Metadata.ID, RestoreOptions{Overwrite: true, SafetySnapshot: true})
	require.True(t, rr.Success, rr.Message)
	assert.Equal(t, "snap-003", rr.SafetySnapshotID)

	_, err = h.svc.Get(ctx, first.Metadata.ID)
	assert.NoError(t, err, "the snapshot being restored survives retention")

	entries, err := h.svc.List(ctx)
	require.NoError(t, err)
	var ids []string
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"snap-003", "snap-001"}, ids)

	again := h.svc.Restore(ctx, first.Metadata.ID, RestoreOptions{Overwrite: true})
	assert.True(t, again.Success, again.Message)
}

func TestRestoreMissing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, setup{})
	h.seed(t, original)

	rr := h.svc.Restore(ctx, "nope", RestoreOptions{})
	assert.False(t, rr.Success)
	assert.ErrorIs(t, rr.Err, ErrNotFound)

	res, err := h.svc.Create(ctx, CreateRequest{})
	require.NoError(t, err)
	require.NoError(t, h.blobs.Delete(ctx, "blobs/"+res.Metadata.ID))

	rr = h.svc.Restore(ctx, res.Metadata.ID, RestoreOptions{})
	assert.False(t, rr.Success)
	assert.ErrorIs(t, rr.Err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, setup{})
	h.seed(t, original)
	res, err := h.svc.Create(ctx, CreateRequest{})
	require.NoError(t, err)

	removed, err := h.svc.Delete(ctx, res.Metadata.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = h.svc.Delete(ctx, res.Metadata.ID)
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = h.svc.Get(ctx, res.Metadata.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	ids, err := h.store.IDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestExportImport(t *testing.T) {
	identity := newIdentity(t)
	for _, cfg := range []config.Snapshot{
		snapshotConfig(config.CompressionNone, false),
		snapshotConfig(config.CompressionHigh, true),
	} {
		t.Run(fmt.Sprintf("%s/encrypted=%t", cfg.Compression, cfg.Encryption), func(t *testing.T) {
			ctx := context.Background()
			src := newHarness(t, setup{cfg: cfg, identity: identity})
			src.seed(t, original)
			res, err := src.svc.Create(ctx, CreateRequest{Name: "nightly", Description: "from prod"})
			require.NoError(t, err)

			doc, err := src.svc.Export(ctx, res.Metadata.ID)
			require.NoError(t, err)
			assert.Equal(t, src.rawBlob(t, res.Metadata.ID), doc)

			dst := newHarness(t, setup{cfg: cfg, identity: identity, idPrefix: "imp"})
			imported, err := dst.svc.Import(ctx, doc)
			require.NoError(t, err)
			assert.Equal(t, "imp-001", imported.Metadata.ID)
			assert.Equal(t, manifest.KindImported, imported.Metadata.Kind)
			assert.Equal(t, "nightly", imported.Metadata.Name)
			assert.Equal(t, "from prod", imported.Metadata.Description)
			assert.Equal(t, res.Metadata.Checksum, imported.Metadata.Checksum)
			assert.Equal(t, res.Metadata.SizeBytes, imported.Metadata.SizeBytes)

			rr := dst.svc.Restore(ctx, imported.Metadata.ID, RestoreOptions{})
			require.True(t, rr.Success, rr.Message)
			for k, v := range original {
				got, ok := dst.read(t, k)
				require.True(t, ok)
				assert.JSONEq(t, v, got)
			}
		})
	}
}

func TestImportAfterTransformChange(t *testing.T) {
	identity := newIdentity(t)
	tests := []struct {
		name   string
		before config.Snapshot
		after  config.Update
	}{
		{
			name:   "basic to none",
			before: snapshotConfig(config.CompressionBasic, false),
			after:  config.Update{Compression: ptr(config.CompressionNone)},
		},
		{
			name:   "none to high",
			before: snapshotConfig(config.CompressionNone, false),
			after:  config.Update{Compression: ptr(config.CompressionHigh)},
		},
		{
			name:   "encrypted basic to plain high",
			before: snapshotConfig(config.CompressionBasic, true),
			after:  config.Update{Compression: ptr(config.CompressionHigh), Encryption: ptr(false)},
		},
		{
			name:   "plain high to encrypted none",
			before: snapshotConfig(config.CompressionHigh, false),
			after:  config.Update{Compression: ptr(config.CompressionNone), Encryption: ptr(true)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, setup{cfg: tt.before, identity: identity})
			h.seed(t, original)
			res, err := h.svc.Create(ctx, CreateRequest{Name: "before change"})
			require.NoError(t, err)
			doc, err := h.svc.Export(ctx, res.Metadata.ID)
			require.NoError(t, err)

			_, err = h.svc.UpdateConfig(ctx, tt.after)
			require.NoError(t, err)

			imported, err := h.svc.Import(ctx, doc)
			require.NoError(t, err)
			assert.Equal(t, res.Metadata.Checksum, imported.Metadata.Checksum)
			assert.Equal(t, h.svc.Config(), imported.Metadata.Config)

			rr := h.svc.Restore(ctx, imported.Metadata.ID, RestoreOptions{Overwrite: true})
			assert.True(t, rr.Success, rr.Message)
		})
	}
}

func TestImportReportsEveryDecodeFailure(t *testing.T) {
	h := newHarness(t, setup{})
	_, err := h.svc.Import(context.Background(), []byte("not a snapshot"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSnapshot)
	assert.ErrorIs(t, err, transform.ErrTransform)
	assert.Contains(t, err.Error(), "invalid character")
	assert.Contains(t, err.Error(), "decode compression")
}

func TestExportUnknown(t *testing.T) {
	h := newHarness(t, setup{})
	_, err := h.svc.Export(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestImportRejectsInvalidDocuments(t *testing.T) {
	ctx := context.Background()
	src := newHarness(t, setup{})
	src.seed(t, original)
	res, err := src.svc.Create(ctx, CreateRequest{})
	require.NoError(t, err)
	doc, err := src.svc.Export(ctx, res.Metadata.ID)
	require.NoError(t, err)

	tampered := []byte(string(doc))
	for i := 0; i+5 <= len(tampered); i++ {
		if string(tampered[i:i+5]) == "alice" {
			copy(tampered[i:], "alica")
			break
		}
	}
	require.NotEqual(t, doc, tampered)

	noChecksum, err := manifest.MarshalEnvelope(manifest.Metadata{Name: "x"}, []byte(`{}`))
	require.NoError(t, err)

	tests := []struct {
		name string
		doc  []byte
	}{
		{"garbage", []byte("not a snapshot")},
		{"tampered data", tampered},
		{"missing checksum", noChecksum},
		{"unknown field", []byte(`{"metadata":{},"data":{},"extra":1}`)},
		{"data not an object", []byte(`{"metadata":{"blake3_hash":"00"},"data":[1,2]}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := newHarness(t, setup{})
			_, err := dst.svc.Import(ctx, tt.doc)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidSnapshot)

			entries, err := dst.svc.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

type brokenSink struct{}

func (brokenSink) Name() string { return "broken" }
func (brokenSink) Save(context.Context, string, []byte) error {
	return errors.New("bucket unreachable")
}

func TestSecondaryExport(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sink, err := store.NewDirSink(dir, ".json")
	require.NoError(t, err)

	h := newHarness(t, setup{sinks: []store.Sink{brokenSink{}, sink}})
	h.seed(t, original)

	res, err := h.svc.Create(ctx, CreateRequest{Name: "exported"})
	require.NoError(t, err, "sink failures never fail a snapshot")
	require.Len(t, res.Advisories, 1)
	assert.Equal(t, "broken", res.Advisories[0].Sink)
	assert.Contains(t, res.Message, "1 secondary exports failed")

	entries, err := h.svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// the unencrypted sink copy is a readable envelope that imports cleanly
	doc, err := os.ReadFile(sink.Path(res.Metadata.ID))
	require.NoError(t, err)
	env, err := manifest.UnmarshalEnvelope(doc)
	require.NoError(t, err)
	assert.Equal(t, res.Metadata.ID, env.Metadata.ID)

	dst := newHarness(t, setup{idPrefix: "imp"})
	imported, err := dst.svc.Import(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, res.Metadata.Checksum, imported.Metadata.Checksum)
}

func TestSecondaryExportEncrypted(t *testing.T) {
	ctx := context.Background()
	sink, err := store.NewDirSink(t.TempDir(), ".age")
	require.NoError(t, err)

	h := newHarness(t, setup{
		cfg:      snapshotConfig(config.CompressionBasic, true),
		identity: newIdentity(t),
		sinks:    []store.Sink{sink},
	})
	h.seed(t, original)

	res, err := h.svc.Create(ctx, CreateRequest{})
	require.NoError(t, err)
	assert.Empty(t, res.Advisories)

	doc, err := os.ReadFile(sink.Path(res.Metadata.ID))
	require.NoError(t, err)
	assert.Equal(t, h.rawBlob(t, res.Metadata.ID), doc)
}

func TestUpdateConfigReschedules(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultSnapshot()
	cfg.Schedule = config.Schedule{Enabled: true, IntervalMinutes: 60}
	h := newHarness(t, setup{cfg: cfg})
	h.seed(t, original)

	assert.Zero(t, h.tickers.count(), "nothing is scheduled before Start")
	require.NoError(t, h.svc.Start(ctx))
	require.Equal(t, 1, h.tickers.count())
	assert.Equal(t, time.Hour, h.tickers.last().interval)
	assert.True(t, h.svc.Scheduler().Running())

	high := config.CompressionHigh
	next, err := h.svc.UpdateConfig(ctx, config.Update{Compression: &high})
	require.NoError(t, err)
	assert.Equal(t, config.CompressionHigh, next.Compression)
	assert.Equal(t, 1, h.tickers.count(), "non-schedule changes keep the timer")

	interval := 30
	_, err = h.svc.UpdateConfig(ctx, config.Update{ScheduleIntervalMinutes: &interval})
	require.NoError(t, err)
	require.Equal(t, 2, h.tickers.count())
	first := h.tickers.all[0]
	assert.True(t, first.stopped.Load())
	assert.Equal(t, 30*time.Minute, h.tickers.last().interval)

	h.tickers.last().ch <- time.Now()
	require.Eventually(t, func() bool {
		entries, err := h.svc.List(ctx)
		return err == nil && len(entries) == 1 && entries[0].Kind == manifest.KindScheduled
	}, 2*time.Second, 10*time.Millisecond)

	entries, err := h.svc.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, config.CompressionHigh, entries[0].Config.Compression)

	off := false
	_, err = h.svc.UpdateConfig(ctx, config.Update{ScheduleEnabled: &off})
	require.NoError(t, err)
	assert.False(t, h.svc.Scheduler().Running())
	assert.True(t, h.tickers.last().stopped.Load())
}

func TestUpdateConfigBeforeStart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, setup{})

	on := true
	_, err := h.svc.UpdateConfig(ctx, config.Update{ScheduleEnabled: &on})
	require.NoError(t, err)
	assert.Zero(t, h.tickers.count())

	require.NoError(t, h.svc.Start(ctx))
	assert.Equal(t, 1, h.tickers.count())
	assert.Equal(t, time.Duration(config.DefaultIntervalMinutes)*time.Minute, h.tickers.last().interval)

	require.NoError(t, h.svc.Close())
	assert.False(t, h.svc.Scheduler().Running())
}

func TestUpdateConfigRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, setup{})
	before := h.svc.Config()

	bogus := config.Compression("lzma")
	_, err := h.svc.UpdateConfig(ctx, config.Update{Compression: &bogus})
	assert.Error(t, err)

	on, zero := true, 0
	_, err = h.svc.UpdateConfig(ctx, config.Update{ScheduleEnabled: &on, ScheduleIntervalMinutes: &zero})
	assert.Error(t, err)

	assert.Equal(t, before, h.svc.Config())
}

func TestConfigIsACopy(t *testing.T) {
	h := newHarness(t, setup{})
	cfg := h.svc.Config()
	cfg.Datasets[0] = "mutated"
	assert.Equal(t, config.DatasetData, h.svc.Config().Datasets[0])
}

func TestMetadataIsFrozen(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, setup{})
	h.seed(t, original)
	res, err := h.svc.Create(ctx, CreateRequest{})
	require.NoError(t, err)

	plugins := []config.DatasetKey{config.DatasetPlugins}
	high := config.CompressionHigh
	_, err = h.svc.UpdateConfig(ctx, config.Update{Datasets: &plugins, Compression: &high})
	require.NoError(t, err)

	got, err := h.svc.Get(ctx, res.Metadata.ID)
	require.NoError(t, err)
	assert.Equal(t, config.CompressionNone, got.Config.Compression)
	assert.Equal(t, []config.DatasetKey{config.DatasetData, config.DatasetSettings}, got.Config.Datasets)

	// restore decodes with the recorded settings, not the current ones
	rr := h.svc.Restore(ctx, res.Metadata.ID, RestoreOptions{Overwrite: true})
	assert.True(t, rr.Success, rr.Message)
}

func TestConcurrentCreates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, setup{})
	h.seed(t, original)

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Create(ctx, CreateRequest{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	entries, err := h.svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, n)
}

func TestCancelledContext(t *testing.T) {
	h := newHarness(t, setup{})
	h.sem()
	defer h.svc.unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.svc.Create(ctx, CreateRequest{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	rr := h.svc.Restore(ctx, "snap-001", RestoreOptions{})
	assert.False(t, rr.Success)
	assert.ErrorIs(t, rr.Err, context.DeadlineExceeded)
}

// sem takes the service lock on behalf of a test.
func (h *harness) sem() {
	h.svc.sem <- struct{}{}
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, setup{})
	h.seed(t, original)

	for i := 0; i < 3; i++ {
		_, err := h.svc.Create(ctx, CreateRequest{})
		require.NoError(t, err)
	}

	report, err := h.svc.Verify(ctx, true)
	require.NoError(t, err)
	assert.True(t, report.OK(), report.Message)
	assert.Equal(t, 3, report.Checked)

	require.NoError(t, h.blobs.Delete(ctx, "blobs/snap-001"))
	blob := h.rawBlob(t, "snap-002")
	blob[len(blob)/2] ^= 0x01
	h.putRawBlob(t, "snap-002", blob)
	require.NoError(t, h.store.Put(ctx, "stray", []byte("x")))

	report, err = h.svc.Verify(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"snap-001"}, report.Missing)
	assert.Empty(t, report.Corrupt)
	assert.Equal(t, []string{"stray"}, report.Orphans)

	report, err = h.svc.Verify(ctx, true)
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Equal(t, []string{"snap-001"}, report.Missing)
	assert.Equal(t, []string{"snap-002"}, report.Corrupt)
	assert.Equal(t, []string{"stray"}, report.Orphans)
	assert.Contains(t, report.Message, "1 corrupt")
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, setup{})
	h.seed(t, original)

	empty, err := h.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.Nil(t, empty.Latest)

	var last *CreateResult
	var total int64
	for _, kind := range []manifest.Kind{manifest.KindManual, manifest.KindManual, manifest.KindScheduled} {
		res, err := h.svc.Create(ctx, CreateRequest{Kind: kind})
		require.NoError(t, err)
		total += res.Metadata.SizeBytes
		last = res
	}

	st, err := h.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.ByKind[manifest.KindManual])
	assert.Equal(t, 1, st.ByKind[manifest.KindScheduled])
	assert.Equal(t, total, st.TotalBytes)
	assert.Equal(t, total/3, st.AverageBytes)
	require.NotNil(t, st.Latest)
	assert.True(t, last.Metadata.CreatedAt.Equal(*st.Latest))
	assert.True(t, st.Oldest.Before(*st.Latest))
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{Config: config.DefaultSnapshot()})
	assert.Error(t, err)

	bad := config.DefaultSnapshot()
	bad.Compression = "lzma"
	_, err = New(Deps{
		State:   state.NewKVProvider(kv.NewMemory()),
		Store:   store.New(kv.NewMemory()),
		Catalog: catalog.New(kv.NewMemory()),
		Config:  bad,
	})
	assert.Error(t, err)
}

func ptr[T any](v T) *T { return &v }
