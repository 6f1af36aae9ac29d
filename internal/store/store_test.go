package store

import (
	"context"
	"math"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"cohort-grid-bot/internal/bayes"
	"cohort-grid-bot/internal/cohort"
	"cohort-grid-bot/internal/cycle"
	"cohort-grid-bot/internal/logging"
	"cohort-grid-bot/internal/regime"
	"cohort-grid-bot/internal/venue"
)

// Integration tests need a disposable database:
//
//	TEST_DATABASE_URL=postgres://... go test ./internal/store/
func testStore(t *testing.T) *Postgres {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	logger := logging.New(&logging.Config{Level: "ERROR", Output: "stderr"})
	p, err := New(context.Background(), url, logger)
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func seedCohort(t *testing.T, p *Postgres) cohort.Cohort {
	t.Helper()
	c := cohort.Cohort{
		ID:   uuid.NewString(),
		Name: "it-" + uuid.NewString()[:8],
		Config: cohort.Config{
			GridRangePct: 5, MinConfidence: 0.5, MaxFearGreed: 100,
			RiskTolerance: cohort.RiskMedium,
		},
		StartingCapital: 1000,
		CurrentCapital:  1000,
		IsActive:        true,
		CreatedAt:       time.Now().UTC(),
	}
	if err := p.Cohorts().SaveCohort(context.Background(), &c); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCohortRoundTrip(t *testing.T) {
	p := testStore(t)
	ctx := context.Background()
	c := seedCohort(t, p)

	loaded, err := p.Cohorts().LoadCohorts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var found *cohort.Cohort
	for i := range loaded {
		if loaded[i].ID == c.ID {
			found = &loaded[i]
		}
	}
	if found == nil {
		t.Fatal("saved cohort not loaded")
	}
	if found.Config.GridRangePct != 5 || !found.IsActive {
		t.Errorf("loaded cohort mismatch: %+v", found)
	}

	if err := p.Cohorts().UpdateCapital(ctx, c.ID, 1100); err != nil {
		t.Fatal(err)
	}
	if err := p.Cohorts().UpdateCapital(ctx, "missing", 1); err == nil {
		t.Error("updating unknown cohort should fail")
	}
}

func TestWeightsActiveSwap(t *testing.T) {
	p := testStore(t)
	ctx := context.Background()
	repo := p.Weights()
	key := uuid.NewString()

	none, err := repo.LoadActiveWeights(ctx, key, "BULL")
	if err != nil {
		t.Fatal(err)
	}
	if none != nil {
		t.Fatal("expected no weights for fresh key")
	}

	first := &bayes.Weights{
		CohortID: key, Regime: "BULL",
		Values:     map[string]float64{"rsi": 0.5, "trend": 0.5},
		Alpha:      map[string]float64{"rsi": 12, "trend": 14},
		Confidence: 0.4, SampleSize: 40, UpdatedAt: time.Now().UTC(),
	}
	if err := repo.SaveWeights(ctx, first); err != nil {
		t.Fatal(err)
	}

	second := *first
	second.Values = map[string]float64{"rsi": 0.3, "trend": 0.7}
	second.SampleSize = 80
	if err := repo.SaveWeights(ctx, &second); err != nil {
		t.Fatal(err)
	}

	active, err := repo.LoadActiveWeights(ctx, key, "BULL")
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.SampleSize != 80 {
		t.Fatalf("active row not swapped: %+v", active)
	}
	if math.Abs(active.Values["trend"]-0.7) > 1e-9 {
		t.Errorf("trend weight = %v, want 0.7", active.Values["trend"])
	}
}

func TestFillPairingFIFO(t *testing.T) {
	p := testStore(t)
	ctx := context.Background()
	c := seedCohort(t, p)
	repo := p.Trades()
	base := time.Now().UTC().Add(-time.Hour)

	buy := func(qty, price float64, at time.Time) {
		t.Helper()
		err := repo.RecordFill(ctx, c.ID, venue.Fill{
			Symbol: "BTCUSDT", Side: venue.Buy, Quantity: qty, Price: price, FilledAt: at,
		}, FillContext{Regime: regime.Bull, FearGreed: 60})
		if err != nil {
			t.Fatal(err)
		}
	}
	buy(0.01, 50000, base)
	buy(0.01, 51000, base.Add(time.Minute))

	// Sell spans both lots: FIFO pairs against 50000 first.
	err := repo.RecordFill(ctx, c.ID, venue.Fill{
		Symbol: "BTCUSDT", Side: venue.Sell, Quantity: 0.015, Price: 52000,
		FilledAt: base.Add(2 * time.Minute),
	}, FillContext{Regime: regime.Bull, FearGreed: 60})
	if err != nil {
		t.Fatal(err)
	}

	trades, err := repo.CycleTrades(ctx, c.ID, base)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 2 {
		t.Fatalf("got %d round trips, want 2", len(trades))
	}
	wantPnL := (52000.0-50000.0)*0.01 + (52000.0-51000.0)*0.005
	gotPnL := trades[0].PnLUSD + trades[1].PnLUSD
	if math.Abs(gotPnL-wantPnL) > 1e-6 {
		t.Errorf("total pnl = %v, want %v", gotPnL, wantPnL)
	}
}

func TestCycleLedgerRoundTrip(t *testing.T) {
	p := testStore(t)
	ctx := context.Background()
	c := seedCohort(t, p)
	repo := p.Cycles()

	start := time.Now().UTC().Add(-7 * 24 * time.Hour)
	tc := &cycle.TradingCycle{
		ID: uuid.NewString(), CohortID: c.ID, CycleNumber: 1,
		StartDate: start, Status: cycle.StatusActive, StartingCapital: 1000,
	}
	if err := repo.InsertCycle(ctx, tc); err != nil {
		t.Fatal(err)
	}

	active, err := repo.ActiveCycle(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.ID != tc.ID {
		t.Fatalf("active cycle not found: %+v", active)
	}

	end := time.Now().UTC()
	tc.EndDate = &end
	tc.Status = cycle.StatusCompleted
	tc.EndingCapital = 1040
	tc.TotalPnL = 40
	tc.TotalPnLPct = 4
	tc.DominantRegime = regime.Bull
	tc.SignalSummary = map[string]cycle.SignalStat{
		"rsi": {Trades: 4, Correct: 3, Accuracy: 0.75, PnLUSD: 40},
	}
	if err := repo.CompleteCycle(ctx, tc); err != nil {
		t.Fatal(err)
	}

	done, err := repo.CompletedCycles(ctx, c.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(done) != 1 || done[0].DominantRegime != regime.Bull {
		t.Fatalf("completed cycles: %+v", done)
	}
	if s := done[0].SignalSummary["rsi"]; s.Correct != 3 || s.Accuracy != 0.75 {
		t.Errorf("signal summary did not survive the round trip: %+v", done[0].SignalSummary)
	}
	if again, _ := repo.ActiveCycle(ctx, c.ID); again != nil {
		t.Error("completed cycle still listed active")
	}
}

func TestDiscoveryTelemetry(t *testing.T) {
	p := testStore(t)
	ctx := context.Background()
	repo := p.Discovery()
	run := time.Now().UTC().Add(-10 * 24 * time.Hour)

	if err := repo.RecordCandidate(ctx, "NEWUSDT", run, true, true); err != nil {
		t.Fatal(err)
	}

	last, err := repo.LastRun(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if last.IsZero() {
		t.Fatal("last run should be set")
	}

	idle, err := repo.IdleAdditions(ctx, time.Now().UTC().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, s := range idle {
		if s == "NEWUSDT" {
			found = true
		}
	}
	if !found {
		t.Errorf("NEWUSDT should be idle, got %v", idle)
	}

	if err := repo.MarkTraded(ctx, "NEWUSDT", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	idle, err = repo.IdleAdditions(ctx, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range idle {
		if s == "NEWUSDT" {
			t.Error("traded coin still idle")
		}
	}
}
