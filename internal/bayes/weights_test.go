package bayes

import (
	"context"
	"math"
	"testing"

	"cohort-grid-bot/internal/logging"
)

// ==================== MOCK STORE ====================

type mockStore struct {
	saved  []*Weights
	active map[string]*Weights
}

func newMockStore() *mockStore {
	return &mockStore{active: make(map[string]*Weights)}
}

func key(cohortID, regime string) string { return cohortID + "|" + regime }

func (m *mockStore) SaveWeights(ctx context.Context, w *Weights) error {
	m.saved = append(m.saved, w)
	m.active[key(w.CohortID, w.Regime)] = w
	return nil
}

func (m *mockStore) LoadActiveWeights(ctx context.Context, cohortID, regime string) (*Weights, error) {
	return m.active[key(cohortID, regime)], nil
}

type mockPerf struct {
	perf    map[string]SignalPerformance
	trades  int
	cohorts []string
}

func (m *mockPerf) SignalPerformance(ctx context.Context, cohortID, regime string) (map[string]SignalPerformance, int, error) {
	return m.perf, m.trades, nil
}

func (m *mockPerf) ActiveCohortIDs(ctx context.Context) ([]string, error) {
	return m.cohorts, nil
}

func testLogger() *logging.Logger {
	return logging.New(&logging.Config{Level: "ERROR", Output: "stderr"})
}

// ==================== TESTS ====================

func checkWeightInvariants(t *testing.T, w *Weights) {
	t.Helper()
	var sum float64
	for _, name := range SignalNames {
		v, ok := w.Values[name]
		if !ok {
			t.Fatalf("missing weight for %s", name)
		}
		if v < MinWeight-1e-9 || v > MaxWeight+1e-9 {
			t.Errorf("weight %s = %f outside [%f, %f]", name, v, MinWeight, MaxWeight)
		}
		sum += v
	}
	if math.Abs(sum-1) > 1e-3 {
		t.Errorf("weights sum to %f, want 1 +- 1e-3", sum)
	}
}

func TestUniformPriorInvariants(t *testing.T) {
	checkWeightInvariants(t, UniformPrior("", ""))
}

func TestUpdateGateBelowTwentyTrades(t *testing.T) {
	store := newMockStore()
	perf := &mockPerf{trades: 19, perf: map[string]SignalPerformance{
		"rsi": {Total: 19, Correct: 12, Accuracy: 0.63, CorrelationWithPnL: 0.4},
	}}
	l := NewLearner(store, perf, testLogger())

	w, err := l.Update(context.Background(), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if w.Confidence != 0 || w.SampleSize != 0 {
		t.Errorf("gated update should report confidence=0 sample=0, got %f/%d", w.Confidence, w.SampleSize)
	}
	if len(store.saved) != 0 {
		t.Error("gated update must not persist")
	}
	// Prior unchanged.
	prior := UniformPrior("", "")
	for name, v := range prior.Values {
		if math.Abs(w.Values[name]-v) > 1e-12 {
			t.Errorf("weight %s changed under gate: %f vs %f", name, w.Values[name], v)
		}
	}

	// A 20th trade opens the gate.
	perf.trades = 20
	w, err = l.Update(context.Background(), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if w.SampleSize != 20 {
		t.Errorf("sample size = %d, want 20", w.SampleSize)
	}
	if len(store.saved) != 1 {
		t.Errorf("update should persist once, saved %d", len(store.saved))
	}
	checkWeightInvariants(t, w)
}

func TestPosteriorFavorsAccurateSignals(t *testing.T) {
	perf := map[string]SignalPerformance{
		"rsi":   {Total: 100, Accuracy: 0.9, CorrelationWithPnL: 0.8},
		"whale": {Total: 100, Accuracy: 0.1, CorrelationWithPnL: -0.5},
	}
	w := Posterior(perf, "", "", 100)
	checkWeightInvariants(t, w)
	if w.Values["rsi"] <= w.Values["whale"] {
		t.Errorf("rsi (%f) should outweigh whale (%f)", w.Values["rsi"], w.Values["whale"])
	}
	if w.Confidence != 1 {
		t.Errorf("confidence = %f, want 1 at 100 trades", w.Confidence)
	}
	// Negative correlation contributes nothing.
	wantWhale := PriorStrength + 0.1*math.Sqrt(100)
	if math.Abs(w.Alpha["whale"]-wantWhale) > 1e-9 {
		t.Errorf("whale alpha = %f, want %f", w.Alpha["whale"], wantWhale)
	}
}

func TestPosteriorUnobservedKeepsPrior(t *testing.T) {
	perf := map[string]SignalPerformance{
		"ai": {Total: 40, Accuracy: 0.8, CorrelationWithPnL: 0.6},
	}
	w := Posterior(perf, "", "", 40)
	for _, name := range SignalNames {
		if name == "ai" {
			continue
		}
		if w.Alpha[name] != PriorStrength {
			t.Errorf("unobserved %s alpha = %f, want prior %f", name, w.Alpha[name], PriorStrength)
		}
	}
}

func TestCombineClampsAndReportsContributions(t *testing.T) {
	w := UniformPrior("", "")
	signals := map[string]float64{"rsi": 1, "macd": 1, "trend": 1}
	c := Combine(signals, w)
	want := 3.0 / float64(len(SignalNames))
	if math.Abs(c.Score-want) > 1e-9 {
		t.Errorf("score = %f, want %f", c.Score, want)
	}
	if len(c.Contributions) != 3 {
		t.Errorf("contributions = %d entries, want 3", len(c.Contributions))
	}

	// Force saturation with an extreme vector.
	hot := &Weights{Values: map[string]float64{}}
	for _, name := range SignalNames {
		hot.Values[name] = 0.30
	}
	all := map[string]float64{}
	for _, name := range SignalNames {
		all[name] = 1
	}
	if c := Combine(all, hot); c.Score != 1 {
		t.Errorf("saturated score = %f, want clamp at 1", c.Score)
	}
}

func TestCombineLinearity(t *testing.T) {
	w := UniformPrior("", "")
	s := map[string]float64{"rsi": 0.4, "macd": -0.2}
	tt := map[string]float64{"rsi": -0.1, "macd": 0.3}

	mix := map[string]float64{}
	const a, b = 0.5, 0.25
	for k := range s {
		mix[k] = a*s[k] + b*tt[k]
	}

	got := Combine(mix, w).Score
	want := a*Combine(s, w).Score + b*Combine(tt, w).Score
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("combine not linear below clamp: %f vs %f", got, want)
	}
}

func TestWeeklyBatchCoversAllKeys(t *testing.T) {
	store := newMockStore()
	perf := &mockPerf{
		trades:  50,
		perf:    map[string]SignalPerformance{"rsi": {Total: 50, Accuracy: 0.6}},
		cohorts: []string{"balanced", "aggressive"},
	}
	l := NewLearner(store, perf, testLogger())
	l.WeeklyBatch(context.Background(), []string{"BULL", "BEAR", "SIDEWAYS"})

	// global + 3 regimes + 2 cohorts
	if len(store.saved) != 6 {
		t.Errorf("weekly batch persisted %d vectors, want 6", len(store.saved))
	}
}
