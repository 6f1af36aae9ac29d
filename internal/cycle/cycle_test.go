package cycle

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"cohort-grid-bot/internal/logging"
	"cohort-grid-bot/internal/regime"
	"cohort-grid-bot/internal/venue"
)

// ==================== MOCKS ====================

type mockStore struct {
	cycles []*TradingCycle
}

func (m *mockStore) ActiveCycle(ctx context.Context, cohortID string) (*TradingCycle, error) {
	for _, c := range m.cycles {
		if c.CohortID == cohortID && c.Status == StatusActive {
			return c, nil
		}
	}
	return nil, nil
}

func (m *mockStore) MaxCycleNumber(ctx context.Context, cohortID string) (int, error) {
	max := 0
	for _, c := range m.cycles {
		if c.CohortID == cohortID && c.CycleNumber > max {
			max = c.CycleNumber
		}
	}
	return max, nil
}

func (m *mockStore) InsertCycle(ctx context.Context, c *TradingCycle) error {
	m.cycles = append(m.cycles, c)
	return nil
}

func (m *mockStore) CompleteCycle(ctx context.Context, c *TradingCycle) error {
	return nil
}

func (m *mockStore) CompletedCycles(ctx context.Context, cohortID string, n int) ([]TradingCycle, error) {
	var out []TradingCycle
	for _, c := range m.cycles {
		if c.CohortID == cohortID && c.Status == StatusCompleted {
			out = append(out, *c)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

type mockTrades struct {
	trades     []Trade
	summary    map[string]SignalStat
	summaryErr error
}

func (m *mockTrades) CycleTrades(ctx context.Context, cohortID string, since time.Time) ([]Trade, error) {
	return m.trades, nil
}

func (m *mockTrades) CycleSignalSummary(ctx context.Context, cohortID string, since time.Time) (map[string]SignalStat, error) {
	return m.summary, m.summaryErr
}

func testLogger() *logging.Logger {
	return logging.New(&logging.Config{Level: "ERROR", Output: "stderr"})
}

// ==================== TESTS ====================

func TestStartCycleAssignsDenseNumbers(t *testing.T) {
	store := &mockStore{}
	m := NewManager(store, &mockTrades{}, nil, "v1", testLogger())
	ctx := context.Background()

	c1, err := m.StartCycle(ctx, "balanced", 1000)
	if err != nil {
		t.Fatal(err)
	}
	if c1.CycleNumber != 1 || c1.Status != StatusActive {
		t.Errorf("first cycle = #%d %s, want #1 active", c1.CycleNumber, c1.Status)
	}
	if c1.PlaybookVersion != "v1" {
		t.Errorf("playbook version = %s, want v1", c1.PlaybookVersion)
	}

	// Second start while active must fail.
	if _, err := m.StartCycle(ctx, "balanced", 1000); err == nil {
		t.Fatal("starting a second active cycle should fail")
	}

	c1.Status = StatusCompleted
	c2, err := m.StartCycle(ctx, "balanced", 1000)
	if err != nil {
		t.Fatal(err)
	}
	if c2.CycleNumber != 2 {
		t.Errorf("second cycle number = %d, want 2", c2.CycleNumber)
	}

	// Cohorts number independently.
	other, err := m.StartCycle(ctx, "aggressive", 0)
	if err != nil {
		t.Fatal(err)
	}
	if other.CycleNumber != 1 {
		t.Errorf("other cohort cycle number = %d, want 1", other.CycleNumber)
	}
	if other.StartingCapital != DefaultStartingCapital {
		t.Errorf("default capital = %f, want %f", other.StartingCapital, DefaultStartingCapital)
	}
}

func TestCloseCycleWeeklyScenario(t *testing.T) {
	store := &mockStore{}
	returns := []float64{0.01, 0.02, -0.03, 0.015, -0.005, 0.02, 0.01}
	trades := &mockTrades{summary: map[string]SignalStat{
		"rsi":  {Trades: 7, Correct: 5, Accuracy: 5.0 / 7.0, PnLUSD: 40},
		"macd": {Trades: 7, Correct: 3, Accuracy: 3.0 / 7.0, PnLUSD: 40},
	}}
	for _, r := range returns {
		trades.trades = append(trades.trades, Trade{
			ReturnPct: r,
			PnLUSD:    r * 1000,
			Regime:    regime.Bull,
			FearGreed: 60,
		})
	}

	m := NewManager(store, trades, nil, "v1", testLogger())
	ctx := context.Background()
	if _, err := m.StartCycle(ctx, "balanced", 1000); err != nil {
		t.Fatal(err)
	}

	c, err := m.CloseCycle(ctx, "balanced")
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != StatusCompleted || c.EndDate == nil {
		t.Fatalf("cycle not completed: %+v", c)
	}
	if math.Abs(c.TotalPnLPct-4.0) > 1e-9 {
		t.Errorf("total pnl pct = %f, want 4.0", c.TotalPnLPct)
	}
	if math.Abs(c.EndingCapital-c.StartingCapital-c.TotalPnL) > 1e-9 {
		t.Errorf("ending - starting (%f) != total pnl (%f)", c.EndingCapital-c.StartingCapital, c.TotalPnL)
	}
	if !c.Sharpe.Valid || math.IsInf(c.Sharpe.Value, 0) {
		t.Errorf("sharpe = %+v, want finite", c.Sharpe)
	}
	if c.MaxDrawdown > 0 {
		t.Errorf("max drawdown = %f, want <= 0", c.MaxDrawdown)
	}
	if math.Abs(c.WinRate-5.0/7.0) > 1e-9 {
		t.Errorf("win rate = %f, want 5/7", c.WinRate)
	}
	if c.WinningTrades != 5 || c.LosingTrades != 2 {
		t.Errorf("win/loss counts = %d/%d, want 5/2", c.WinningTrades, c.LosingTrades)
	}
	if c.DominantRegime != regime.Bull {
		t.Errorf("dominant regime = %s, want BULL", c.DominantRegime)
	}
	if c.AvgFearGreed != 60 {
		t.Errorf("avg fear/greed = %f, want 60", c.AvgFearGreed)
	}
	// Too few returns for VaR? Seven is enough; five is the floor.
	if !c.VaR95.Valid || !c.CVaR95.Valid {
		t.Errorf("var/cvar should be present with 7 returns: %+v %+v", c.VaR95, c.CVaR95)
	}
	if len(c.SignalSummary) != 2 {
		t.Fatalf("signal summary = %+v, want 2 entries", c.SignalSummary)
	}
	if rsi := c.SignalSummary["rsi"]; rsi.Correct != 5 || math.Abs(rsi.Accuracy-5.0/7.0) > 1e-9 {
		t.Errorf("rsi summary = %+v, want 5/7 correct", rsi)
	}
}

func TestCloseCycleToleratesMissingSignalSummary(t *testing.T) {
	store := &mockStore{}
	trades := &mockTrades{
		trades:     []Trade{{ReturnPct: 0.01, PnLUSD: 10}},
		summaryErr: errors.New("attribution table unreachable"),
	}
	m := NewManager(store, trades, nil, "v1", testLogger())
	ctx := context.Background()
	m.StartCycle(ctx, "balanced", 1000)

	c, err := m.CloseCycle(ctx, "balanced")
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != StatusCompleted {
		t.Errorf("status = %s, want completed despite summary failure", c.Status)
	}
	if c.SignalSummary != nil {
		t.Errorf("summary should stay empty on failure, got %+v", c.SignalSummary)
	}
}

func TestCloseCycleSparseMetricsAreInvalid(t *testing.T) {
	store := &mockStore{}
	trades := &mockTrades{trades: []Trade{{ReturnPct: 0.01, PnLUSD: 10}}}
	m := NewManager(store, trades, nil, "v1", testLogger())
	ctx := context.Background()
	m.StartCycle(ctx, "balanced", 1000)

	c, err := m.CloseCycle(ctx, "balanced")
	if err != nil {
		t.Fatal(err)
	}
	if c.Sharpe.Valid || c.VaR95.Valid || c.CVaR95.Valid {
		t.Errorf("single-trade cycle should leave ratio metrics invalid: %+v", c)
	}
	if c.TotalPnL != 10 {
		t.Errorf("total pnl = %f, want 10", c.TotalPnL)
	}
}

func TestDominantRegimeTieBreaksToSideways(t *testing.T) {
	trades := []Trade{
		{Regime: regime.Bull}, {Regime: regime.Bull},
		{Regime: regime.Bear}, {Regime: regime.Bear},
	}
	if got := dominantRegime(trades); got != regime.Sideways {
		t.Errorf("tied dominant regime = %s, want SIDEWAYS", got)
	}
	trades = append(trades, Trade{Regime: regime.Bear})
	if got := dominantRegime(trades); got != regime.Bear {
		t.Errorf("dominant regime = %s, want BEAR", got)
	}
}

func TestShouldStartNewCycle(t *testing.T) {
	store := &mockStore{}
	m := NewManager(store, &mockTrades{}, nil, "v1", testLogger())
	ctx := context.Background()

	ok, err := m.ShouldStartNewCycle(ctx, "balanced")
	if err != nil || !ok {
		t.Fatalf("no active cycle should mean start: %v %v", ok, err)
	}

	c, _ := m.StartCycle(ctx, "balanced", 1000)
	if ok, _ = m.ShouldStartNewCycle(ctx, "balanced"); ok {
		t.Error("fresh cycle should not trigger a restart")
	}

	c.StartDate = time.Now().Add(-8 * 24 * time.Hour)
	if ok, _ = m.ShouldStartNewCycle(ctx, "balanced"); !ok {
		t.Error("8-day-old cycle should trigger a restart")
	}
}

func TestCycleComparisonNewestFirst(t *testing.T) {
	store := &mockStore{}
	for i := 1; i <= 4; i++ {
		store.cycles = append(store.cycles, &TradingCycle{
			CohortID: "balanced", CycleNumber: i, Status: StatusCompleted,
		})
	}
	m := NewManager(store, &mockTrades{}, nil, "v1", testLogger())

	cycles, err := m.CycleComparison(context.Background(), "balanced", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(cycles) != 3 {
		t.Fatalf("got %d cycles, want 3", len(cycles))
	}
	for i := 1; i < len(cycles); i++ {
		if cycles[i].CycleNumber > cycles[i-1].CycleNumber {
			t.Fatalf("comparison not newest first: %d before %d", cycles[i-1].CycleNumber, cycles[i].CycleNumber)
		}
	}
	if cycles[0].CycleNumber != 4 {
		t.Errorf("newest cycle = %d, want 4", cycles[0].CycleNumber)
	}
}

func TestBTCBenchmark(t *testing.T) {
	mock := venue.NewMockClient()
	mock.SetKlines("BTCUSDT", []venue.Kline{{Close: 50000}, {Close: 52500}})
	m := NewManager(&mockStore{}, &mockTrades{}, mock, "v1", testLogger())

	v := m.btcBenchmark(context.Background(), time.Now().Add(-24*time.Hour), time.Now())
	if !v.Valid || math.Abs(v.Value-5.0) > 1e-9 {
		t.Errorf("btc benchmark = %+v, want +5%%", v)
	}

	noVenue := NewManager(&mockStore{}, &mockTrades{}, nil, "v1", testLogger())
	if v := noVenue.btcBenchmark(context.Background(), time.Now(), time.Now()); v.Valid {
		t.Error("benchmark without a venue should be invalid")
	}
}
