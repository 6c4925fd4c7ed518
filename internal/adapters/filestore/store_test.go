package filestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailStopBot/internal/domain"
	"trailStopBot/internal/ports"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func testRecord(t *testing.T) *domain.PositionRecord {
	t.Helper()
	rec, err := domain.NewPositionRecord(domain.PositionConfig{
		Asset:      "ETHUSDT",
		StrategyID: "momentum-1",
		Direction:  domain.Long,
		EntryPrice: 2000,
		Size:       1.5,
		Leverage:   10,
		Wallet:     "wallet-a",
		Phase1:     domain.PhaseOneConfig{RetraceThreshold: 0.05, ConsecutiveBreachesRequired: 2},
		Phase2:     domain.PhaseTwoConfig{RetraceThreshold: 0.03, ConsecutiveBreachesRequired: 2},
		Tiers:      []domain.Tier{{TriggerPct: 10, LockPct: 5}},
	}, time.Now().UTC())
	require.NoError(t, err)
	return rec
}

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{Logger: &mockLogger{}})
	require.NoError(t, err)
	return store
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "momentum-1", "ETHUSDT.json")

	rec := testRecord(t)
	require.NoError(t, store.Save(ctx, path, rec))

	loaded, err := store.Load(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, rec.Asset, loaded.Asset)
	assert.Equal(t, rec.EntryPrice, loaded.EntryPrice)
	assert.Equal(t, rec.CurrentTierIndex, loaded.CurrentTierIndex)
	assert.True(t, loaded.Active)
	assert.Equal(t, domain.SchemaVersion, loaded.SchemaVersion)
}

func TestSaveLeavesNoTempResidue(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "ETHUSDT.json")

	require.NoError(t, store.Save(ctx, path, testRecord(t)))
	require.NoError(t, store.Save(ctx, path, testRecord(t))) // overwrite

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ETHUSDT.json", entries[0].Name())
}

func TestLoadMissingFile(t *testing.T) {
	store := newStore(t)
	_, err := store.Load(context.Background(), filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorIs(t, err, ports.ErrRecordNotFound)
}

func TestLoadCorruptFile(t *testing.T) {
	store := newStore(t)
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := store.Load(context.Background(), path)
	assert.ErrorIs(t, err, ports.ErrRecordCorrupt)
}

func TestLoadRejectsMissingRequiredConfig(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		name   string
		mutate func(m map[string]interface{})
	}{
		{"missing entry price", func(m map[string]interface{}) { delete(m, "entryPrice") }},
		{"missing leverage", func(m map[string]interface{}) { delete(m, "leverage") }},
		{"bad direction", func(m map[string]interface{}) { m["direction"] = "SIDEWAYS" }},
		{"missing tiers", func(m map[string]interface{}) { delete(m, "tiers") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(testRecord(t))
			require.NoError(t, err)
			var m map[string]interface{}
			require.NoError(t, json.Unmarshal(raw, &m))
			tt.mutate(m)
			raw, err = json.Marshal(m)
			require.NoError(t, err)

			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_")+".json")
			require.NoError(t, os.WriteFile(path, raw, 0o644))

			_, err = store.Load(ctx, path)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestLoadMigratesV0Record(t *testing.T) {
	store := newStore(t)
	path := filepath.Join(t.TempDir(), "ETHUSDT.json")

	// A v0 record: no schemaVersion, no phase, tier index zero-valued even
	// though no tier has triggered.
	v0 := map[string]interface{}{
		"active":     true,
		"asset":      "ETHUSDT",
		"strategyId": "momentum-1",
		"direction":  "LONG",
		"entryPrice": 2000.0,
		"size":       1.0,
		"leverage":   10,
		"wallet":     "wallet-a",
		"phase1":     map[string]interface{}{"retraceThreshold": 0.05, "consecutiveBreachesRequired": 2},
		"phase2":     map[string]interface{}{"retraceThreshold": 0.03, "consecutiveBreachesRequired": 2},
		"tiers":      []map[string]interface{}{{"triggerPct": 10.0, "lockPct": 5.0}},
		"createdAt":  time.Now().UTC().Format(time.RFC3339),
	}
	raw, err := json.Marshal(v0)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	loaded, err := store.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, domain.SchemaVersion, loaded.SchemaVersion)
	assert.Equal(t, domain.PhaseInitial, loaded.Phase)
	assert.Equal(t, domain.NoTier, loaded.CurrentTierIndex)
}

func TestLoadMigrationRecomputesTierFloor(t *testing.T) {
	store := newStore(t)
	path := filepath.Join(t.TempDir(), "ETHUSDT.json")

	// Tiered v0 record whose stored floor used the broken ROE-based
	// formula; migration must recompute from the travelled price range.
	v0 := map[string]interface{}{
		"active":           true,
		"asset":            "ETHUSDT",
		"strategyId":       "momentum-1",
		"direction":        "LONG",
		"entryPrice":       100.0,
		"size":             1.0,
		"leverage":         10,
		"wallet":           "wallet-a",
		"phase":            2,
		"currentTierIndex": 0,
		"highWaterPrice":   110.0,
		"tierFloorPrice":   150.0, // stale value: 50% of ROE applied as a price percentage
		"phase1":           map[string]interface{}{"retraceThreshold": 0.05, "consecutiveBreachesRequired": 2},
		"phase2":           map[string]interface{}{"retraceThreshold": 0.03, "consecutiveBreachesRequired": 2},
		"tiers":            []map[string]interface{}{{"triggerPct": 10.0, "lockPct": 50.0}},
	}
	raw, err := json.Marshal(v0)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	loaded, err := store.Load(context.Background(), path)
	require.NoError(t, err)
	// Corrected: 100 + (110-100) * 50/100 = 105.
	assert.Equal(t, 105.0, loaded.TierFloorPrice)
}

func TestDeleteMissingIsNoError(t *testing.T) {
	store := newStore(t)
	assert.NoError(t, store.Delete(context.Background(), filepath.Join(t.TempDir(), "gone.json")))
}

func TestListDirAndRemoveDirIfEmpty(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "momentum-1")

	paths, err := store.ListDir(ctx, dir)
	require.NoError(t, err)
	assert.Empty(t, paths)

	a := filepath.Join(dir, "ETHUSDT.json")
	b := filepath.Join(dir, "BTCUSDT.json")
	require.NoError(t, store.Save(ctx, a, testRecord(t)))
	rec := testRecord(t)
	rec.Asset = "BTCUSDT"
	require.NoError(t, store.Save(ctx, b, rec))

	paths, err = store.ListDir(ctx, dir)
	require.NoError(t, err)
	assert.Len(t, paths, 2)

	require.NoError(t, store.Delete(ctx, a))
	require.NoError(t, store.Delete(ctx, b))
	require.NoError(t, store.RemoveDirIfEmpty(ctx, dir))

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}
