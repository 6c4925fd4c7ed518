package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"trailStopBot/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}
func (m *mockLogger) Fatal(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// setupTestDB creates a temporary database for testing
func setupTestDB(t *testing.T) (*Journal, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "trade-journal-test-*")
	require.NoError(t, err)

	dbPath := filepath.Join(tmpDir, "test.db")
	journal, err := NewJournal(Config{
		DBPath: dbPath,
		Logger: &mockLogger{},
	})
	require.NoError(t, err)

	cleanup := func() {
		journal.Close()
		os.RemoveAll(tmpDir)
	}

	return journal, cleanup
}

func sampleTrade(asset, strategy string, closedAt time.Time) *domain.ClosedTrade {
	return &domain.ClosedTrade{
		Asset:      asset,
		StrategyID: strategy,
		Direction:  domain.Long,
		EntryPrice: 28.87,
		ExitPrice:  28.88,
		Size:       100,
		Leverage:   10,
		PNL:        1.0,
		ROE:        0.35,
		Reason:     domain.CloseReasonTierStop,
		OpenedAt:   closedAt.Add(-2 * time.Hour),
		ClosedAt:   closedAt,
	}
}

func TestJournal_RecordClose(t *testing.T) {
	journal, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	trade := sampleTrade("BINANCE:SUIUSDT", "hype-short", time.Now().UTC())

	id, err := journal.RecordClose(ctx, trade)
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))
	assert.Equal(t, id, trade.ID)

	found, err := journal.FindRecent(ctx, "hype-short", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, trade.Asset, found[0].Asset)
	assert.Equal(t, trade.Direction, found[0].Direction)
	assert.Equal(t, trade.EntryPrice, found[0].EntryPrice)
	assert.Equal(t, trade.ExitPrice, found[0].ExitPrice)
	assert.Equal(t, trade.PNL, found[0].PNL)
	assert.Equal(t, trade.Reason, found[0].Reason)
}

func TestJournal_FindRecentOrdersNewestFirst(t *testing.T) {
	journal, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		_, err := journal.RecordClose(ctx, sampleTrade("BINANCE:ETHUSDT", "momentum", base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	found, err := journal.FindRecent(ctx, "momentum", 2)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.True(t, found[0].ClosedAt.After(found[1].ClosedAt))
}

func TestJournal_FindRecentFiltersByStrategy(t *testing.T) {
	journal, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC()
	_, err := journal.RecordClose(ctx, sampleTrade("BINANCE:SUIUSDT", "alpha", now))
	require.NoError(t, err)
	_, err = journal.RecordClose(ctx, sampleTrade("BINANCE:ETHUSDT", "beta", now))
	require.NoError(t, err)

	alphaOnly, err := journal.FindRecent(ctx, "alpha", 10)
	require.NoError(t, err)
	require.Len(t, alphaOnly, 1)
	assert.Equal(t, "alpha", alphaOnly[0].StrategyID)

	all, err := journal.FindRecent(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestJournal_FindRecentEmpty(t *testing.T) {
	journal, cleanup := setupTestDB(t)
	defer cleanup()

	found, err := journal.FindRecent(context.Background(), "no-such-strategy", 10)
	require.NoError(t, err)
	assert.Empty(t, found)
}
