package controller

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailStopBot/internal/adapters/filestore"
	"trailStopBot/internal/domain"
	"trailStopBot/internal/ports"
	"trailStopBot/internal/registry"
)

// Mock implementations
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockOrderClient struct {
	calls   int
	results []*ports.CloseResult
	errs    []error
}

func (m *mockOrderClient) CloseAtMarket(ctx context.Context, wallet, symbol string, direction domain.Direction, size float64) (*ports.CloseResult, error) {
	i := m.calls
	m.calls++
	var res *ports.CloseResult
	var err error
	if i < len(m.results) {
		res = m.results[i]
	}
	if i < len(m.errs) {
		err = m.errs[i]
	}
	return res, err
}

type mockJournal struct {
	trades []*domain.ClosedTrade
	err    error
}

func (m *mockJournal) RecordClose(ctx context.Context, trade *domain.ClosedTrade) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.trades = append(m.trades, trade)
	return int64(len(m.trades)), nil
}

func (m *mockJournal) FindRecent(ctx context.Context, strategyID string, limit int) ([]*domain.ClosedTrade, error) {
	return m.trades, nil
}

type fixture struct {
	ctrl    *Controller
	orders  *mockOrderClient
	journal *mockJournal
	reg     *registry.Manager
}

func newFixture(t *testing.T, orders *mockOrderClient) *fixture {
	t.Helper()
	store, err := filestore.New(filestore.Config{Logger: &mockLogger{}})
	require.NoError(t, err)
	reg, err := registry.New(registry.Config{
		StateRoot:    t.TempDir(),
		MaxPositions: 5,
		Store:        store,
		Logger:       &mockLogger{},
	})
	require.NoError(t, err)

	journal := &mockJournal{}
	ctrl, err := New(orders, reg, journal, &mockLogger{}, Defaults{
		BreachDecay:      domain.DecayHard,
		CloseRetries:     2,
		CloseRetryDelay:  time.Millisecond,
		MaxFetchFailures: 3,
		CloseTimeout:     time.Second,
	})
	require.NoError(t, err)
	// No real sleeping in tests.
	ctrl.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return &fixture{ctrl: ctrl, orders: orders, journal: journal, reg: reg}
}

func openRecord(t *testing.T, f *fixture) *domain.PositionRecord {
	t.Helper()
	rec, err := domain.NewPositionRecord(domain.PositionConfig{
		Asset:      "ETHUSDT",
		StrategyID: "momentum-1",
		Direction:  domain.Long,
		EntryPrice: 100,
		Size:       2,
		Leverage:   10,
		Wallet:     "wallet-a",
		Phase1:     domain.PhaseOneConfig{RetraceThreshold: 0.05, ConsecutiveBreachesRequired: 2},
		Phase2:     domain.PhaseTwoConfig{RetraceThreshold: 0.03, ConsecutiveBreachesRequired: 2},
		Tiers:      []domain.Tier{{TriggerPct: 10, LockPct: 5}},
	}, time.Now())
	require.NoError(t, err)
	require.NoError(t, f.reg.CreateRecord(context.Background(), rec))
	return rec
}

func breach(t *testing.T, f *fixture, rec *domain.PositionRecord) *domain.EvaluationReport {
	t.Helper()
	ctx := context.Background()
	f.ctrl.Process(ctx, rec, 100, nil) // seed high water at entry
	f.ctrl.Process(ctx, rec, 95, nil)  // breach 1
	return f.ctrl.Process(ctx, rec, 94, nil) // breach 2 -> close
}

func TestCloseOnBreach(t *testing.T) {
	orders := &mockOrderClient{results: []*ports.CloseResult{{Success: true, OrderID: 42, AvgPrice: 94.01}}}
	f := newFixture(t, orders)
	rec := openRecord(t, f)

	report := breach(t, f, rec)
	assert.True(t, report.ShouldClose)
	assert.True(t, report.Closed)
	assert.Equal(t, domain.StatusInactive, report.Status)
	assert.Equal(t, domain.CloseReasonPhase1Stop, report.CloseReason)
	assert.False(t, rec.Active)
	assert.Equal(t, 1, orders.calls)

	// Record file must be gone, and the trade journaled.
	_, err := os.Stat(f.reg.RecordPath(rec.StrategyID, rec.Asset))
	assert.True(t, os.IsNotExist(err))
	require.Len(t, f.journal.trades, 1)
	assert.Equal(t, 94.01, f.journal.trades[0].ExitPrice)
	assert.InDelta(t, (94.01-100)*2, f.journal.trades[0].PNL, 1e-9)
}

func TestIdempotentClose(t *testing.T) {
	orders := &mockOrderClient{errs: []error{ports.ErrPositionNotFound}}
	f := newFixture(t, orders)
	rec := openRecord(t, f)

	report := breach(t, f, rec)
	assert.True(t, report.Closed, "already-closed must count as success")
	assert.False(t, rec.Active)
	assert.Equal(t, "already closed externally", report.CloseResult)
	assert.Empty(t, report.Error)
}

func TestCloseRetriesThenSuccess(t *testing.T) {
	boom := errors.New("exchange unavailable")
	orders := &mockOrderClient{
		errs:    []error{boom, nil},
		results: []*ports.CloseResult{nil, {Success: true, OrderID: 7}},
	}
	f := newFixture(t, orders)
	rec := openRecord(t, f)

	report := breach(t, f, rec)
	assert.True(t, report.Closed)
	assert.Equal(t, 2, orders.calls)
	assert.Equal(t, 2, rec.CloseAttempts)
}

func TestCloseRetriesExhaustedSetsPendingClose(t *testing.T) {
	boom := errors.New("exchange unavailable")
	orders := &mockOrderClient{errs: []error{boom, boom, boom}}
	f := newFixture(t, orders)
	rec := openRecord(t, f)

	report := breach(t, f, rec)
	assert.False(t, report.Closed)
	assert.Equal(t, domain.StatusPendingClose, report.Status)
	assert.True(t, rec.PendingClose)
	assert.True(t, rec.Active, "position stays active until the close succeeds")
	assert.Equal(t, 3, orders.calls) // initial attempt + 2 retries

	// The record survived on disk so the next tick can retry.
	_, err := os.Stat(f.reg.RecordPath(rec.StrategyID, rec.Asset))
	assert.NoError(t, err)
}

func TestPendingCloseRetriedBeforeEvaluation(t *testing.T) {
	boom := errors.New("exchange unavailable")
	orders := &mockOrderClient{
		errs:    []error{boom, boom, boom, nil},
		results: []*ports.CloseResult{nil, nil, nil, {Success: true, OrderID: 9}},
	}
	f := newFixture(t, orders)
	rec := openRecord(t, f)

	breach(t, f, rec)
	require.True(t, rec.PendingClose)

	// Next tick: price recovered well above the floor, but the pending
	// close still runs first.
	report := f.ctrl.Process(context.Background(), rec, 99, nil)
	assert.True(t, report.Closed)
	assert.False(t, rec.Active)
	assert.Equal(t, 4, orders.calls)
}

func TestFetchFailureSkipsEvaluation(t *testing.T) {
	f := newFixture(t, &mockOrderClient{})
	rec := openRecord(t, f)
	f.ctrl.Process(context.Background(), rec, 100, nil)
	countBefore := rec.CurrentBreachCount
	tierBefore := rec.CurrentTierIndex

	report := f.ctrl.Process(context.Background(), rec, 0, errors.New("quote source down"))
	assert.Equal(t, domain.StatusFetchFailed, report.Status)
	assert.Equal(t, 1, report.ConsecutiveFailures)
	assert.Equal(t, countBefore, rec.CurrentBreachCount)
	assert.Equal(t, tierBefore, rec.CurrentTierIndex)
	assert.True(t, rec.Active)
}

func TestMaxFetchFailuresForcesDeactivation(t *testing.T) {
	orders := &mockOrderClient{}
	f := newFixture(t, orders)
	rec := openRecord(t, f)

	ctx := context.Background()
	fetchErr := errors.New("quote source down")
	var report *domain.EvaluationReport
	for i := 0; i < 3; i++ {
		report = f.ctrl.Process(ctx, rec, 0, fetchErr)
	}
	assert.Equal(t, domain.StatusError, report.Status)
	assert.Equal(t, domain.CloseReasonFetchFailure, report.CloseReason)
	assert.False(t, rec.Active)
	assert.Equal(t, 0, orders.calls, "no close may be attempted without a price")

	_, err := os.Stat(f.reg.RecordPath(rec.StrategyID, rec.Asset))
	assert.True(t, os.IsNotExist(err))
}

func TestFetchRecoveryResetsCounter(t *testing.T) {
	f := newFixture(t, &mockOrderClient{})
	rec := openRecord(t, f)
	ctx := context.Background()

	f.ctrl.Process(ctx, rec, 0, errors.New("down"))
	f.ctrl.Process(ctx, rec, 0, errors.New("down"))
	require.Equal(t, 2, rec.ConsecutiveFetchFailures)

	f.ctrl.Process(ctx, rec, 100, nil)
	assert.Equal(t, 0, rec.ConsecutiveFetchFailures)
}

func TestPerRecordOverridesBeatDefaults(t *testing.T) {
	boom := errors.New("exchange unavailable")
	orders := &mockOrderClient{errs: []error{boom, boom, boom, boom, boom}}
	f := newFixture(t, orders)
	rec := openRecord(t, f)
	rec.CloseRetries = 4 // defaults say 2

	breach(t, f, rec)
	assert.Equal(t, 5, orders.calls)
}

func TestInactiveRecordShortCircuits(t *testing.T) {
	orders := &mockOrderClient{}
	f := newFixture(t, orders)
	rec := openRecord(t, f)
	rec.Active = false

	report := f.ctrl.Process(context.Background(), rec, 100, nil)
	assert.Equal(t, domain.StatusInactive, report.Status)
	assert.Equal(t, 0, orders.calls)
}

func TestJournalFailureDoesNotBlockClose(t *testing.T) {
	orders := &mockOrderClient{results: []*ports.CloseResult{{Success: true}}}
	f := newFixture(t, orders)
	f.journal.err = errors.New("disk full")
	rec := openRecord(t, f)

	report := breach(t, f, rec)
	assert.True(t, report.Closed)
	assert.False(t, rec.Active)
}
