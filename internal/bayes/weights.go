// Package bayes maintains Dirichlet-distributed signal weights learned from
// historical trade outcomes, keyed by optional (cohort, regime).
package bayes

import (
	"context"
	"math"
	"time"

	"cohort-grid-bot/internal/logging"
)

// SignalNames is the fixed ordered signal set. Order matters for persistence
// and for weight vectors; never reorder.
var SignalNames = []string{
	"fear_greed", "rsi", "macd", "trend", "volume", "whale", "sentiment", "macro", "ai",
}

const (
	// PriorStrength is the uniform Dirichlet prior alpha per signal.
	PriorStrength = 10.0

	// MinWeight and MaxWeight clamp each derived weight before the final
	// renormalization.
	MinWeight = 0.02
	MaxWeight = 0.30

	// MinTradesForUpdate gates posterior updates; below it the prior (or the
	// previous posterior) is returned unchanged.
	MinTradesForUpdate = 20

	// confidenceSaturation is the trade count at which confidence reaches 1.
	confidenceSaturation = 100.0
)

// SignalPerformance is the rolling per-signal outcome record feeding the
// posterior update.
type SignalPerformance struct {
	Total              int                `json:"total"`
	Correct            int                `json:"correct"`
	Accuracy           float64            `json:"accuracy"`
	CorrelationWithPnL float64            `json:"correlation_with_pnl"`
	RegimePerformance  map[string]float64 `json:"regime_performance,omitempty"`
}

// Weights is one learned weight vector for a (cohort, regime) key. Empty
// CohortID or Regime means "global" along that axis.
type Weights struct {
	CohortID   string             `json:"cohort_id,omitempty"`
	Regime     string             `json:"regime,omitempty"`
	Values     map[string]float64 `json:"values"`
	Alpha      map[string]float64 `json:"alpha"`
	Confidence float64            `json:"confidence"`
	SampleSize int                `json:"sample_size"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Combined is the result of applying a weight vector to a signal map.
type Combined struct {
	Score         float64            `json:"score"`
	Contributions map[string]float64 `json:"contributions"`
}

// Store is the persistence surface the learner needs. Save must deactivate
// any prior active row for the same (cohort, regime) key in the same
// transaction.
type Store interface {
	SaveWeights(ctx context.Context, w *Weights) error
	LoadActiveWeights(ctx context.Context, cohortID, regime string) (*Weights, error)
}

// PerformanceSource supplies outcome data for updates.
type PerformanceSource interface {
	SignalPerformance(ctx context.Context, cohortID, regime string) (map[string]SignalPerformance, int, error)
	ActiveCohortIDs(ctx context.Context) ([]string, error)
}

// Learner derives and caches weight vectors.
type Learner struct {
	store  Store
	perf   PerformanceSource
	logger *logging.Logger
}

// NewLearner creates a weight learner backed by the given store.
func NewLearner(store Store, perf PerformanceSource, logger *logging.Logger) *Learner {
	return &Learner{store: store, perf: perf, logger: logger.WithComponent("bayes")}
}

// UniformPrior returns the prior weight vector for a key.
func UniformPrior(cohortID, regime string) *Weights {
	n := len(SignalNames)
	values := make(map[string]float64, n)
	alpha := make(map[string]float64, n)
	for _, name := range SignalNames {
		values[name] = 1.0 / float64(n)
		alpha[name] = PriorStrength
	}
	return &Weights{
		CohortID:  cohortID,
		Regime:    regime,
		Values:    values,
		Alpha:     alpha,
		UpdatedAt: time.Now().UTC(),
	}
}

// Update computes the posterior for a key from per-signal performance. With
// fewer than MinTradesForUpdate total trades the previous weights come back
// unchanged with Confidence 0 and SampleSize 0.
func (l *Learner) Update(ctx context.Context, cohortID, regime string) (*Weights, error) {
	perf, totalTrades, err := l.perf.SignalPerformance(ctx, cohortID, regime)
	if err != nil {
		return nil, err
	}

	prev, err := l.store.LoadActiveWeights(ctx, cohortID, regime)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		prev = UniformPrior(cohortID, regime)
	}

	if totalTrades < MinTradesForUpdate {
		gated := *prev
		gated.Confidence = 0
		gated.SampleSize = 0
		l.logger.Debug("update gated",
			"cohort_id", cohortID, "regime", regime,
			"total_trades", totalTrades, "required", MinTradesForUpdate)
		return &gated, nil
	}

	w := Posterior(perf, cohortID, regime, totalTrades)
	if err := l.store.SaveWeights(ctx, w); err != nil {
		return nil, err
	}
	l.logger.Info("weights updated",
		"cohort_id", cohortID, "regime", regime,
		"sample_size", w.SampleSize, "confidence", w.Confidence)
	return w, nil
}

// Posterior derives the weight vector from performance evidence. Signals
// without observations keep the prior alpha.
func Posterior(perf map[string]SignalPerformance, cohortID, regime string, totalTrades int) *Weights {
	alpha := make(map[string]float64, len(SignalNames))
	var alphaSum float64
	for _, name := range SignalNames {
		a := PriorStrength
		if p, ok := perf[name]; ok && p.Total > 0 {
			posCorr := math.Max(0, p.CorrelationWithPnL)
			a += (p.Accuracy + posCorr*0.5) * math.Sqrt(float64(p.Total))
		}
		alpha[name] = a
		alphaSum += a
	}

	values := make(map[string]float64, len(SignalNames))
	for _, name := range SignalNames {
		values[name] = clamp(alpha[name]/alphaSum, MinWeight, MaxWeight)
	}
	normalize(values)

	return &Weights{
		CohortID:   cohortID,
		Regime:     regime,
		Values:     values,
		Alpha:      alpha,
		Confidence: math.Min(1, float64(totalTrades)/confidenceSaturation),
		SampleSize: totalTrades,
		UpdatedAt:  time.Now().UTC(),
	}
}

// WeeklyBatch runs the global update plus one per regime and one per active
// cohort. Each key passes the sample-size gate on its own; failures in one
// key do not stop the rest.
func (l *Learner) WeeklyBatch(ctx context.Context, regimes []string) {
	if _, err := l.Update(ctx, "", ""); err != nil {
		l.logger.Error("global weight update failed", "error", err)
	}
	for _, regime := range regimes {
		if _, err := l.Update(ctx, "", regime); err != nil {
			l.logger.Error("regime weight update failed", "regime", regime, "error", err)
		}
	}
	cohorts, err := l.perf.ActiveCohortIDs(ctx)
	if err != nil {
		l.logger.Error("cohort enumeration failed", "error", err)
		return
	}
	for _, id := range cohorts {
		if _, err := l.Update(ctx, id, ""); err != nil {
			l.logger.Error("cohort weight update failed", "cohort_id", id, "error", err)
		}
	}
}

// Weights returns the active vector for a key, falling back to the uniform
// prior when nothing is persisted.
func (l *Learner) Weights(ctx context.Context, cohortID, regime string) *Weights {
	w, err := l.store.LoadActiveWeights(ctx, cohortID, regime)
	if err != nil {
		l.logger.Warn("weight load failed, using prior", "cohort_id", cohortID, "regime", regime, "error", err)
		return UniformPrior(cohortID, regime)
	}
	if w == nil {
		return UniformPrior(cohortID, regime)
	}
	return w
}

// CombineSignals applies the key's weight vector to bounded signal scores and
// clamps the weighted sum to [-1, +1].
func (l *Learner) CombineSignals(ctx context.Context, signals map[string]float64, cohortID, regime string) Combined {
	w := l.Weights(ctx, cohortID, regime)
	return Combine(signals, w)
}

// Combine is the pure weighted-sum core of CombineSignals.
func Combine(signals map[string]float64, w *Weights) Combined {
	contrib := make(map[string]float64, len(signals))
	var score float64
	for _, name := range SignalNames {
		s, ok := signals[name]
		if !ok {
			continue
		}
		c := w.Values[name] * s
		contrib[name] = c
		score += c
	}
	return Combined{Score: clamp(score, -1, 1), Contributions: contrib}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// normalize rescales values to sum 1 while respecting the weight bounds. One
// rescale pass can push a value past a bound, so repeat until stable.
func normalize(values map[string]float64) {
	for i := 0; i < 10; i++ {
		var sum float64
		for _, v := range values {
			sum += v
		}
		if sum == 0 {
			return
		}
		if math.Abs(sum-1) < 1e-9 {
			return
		}
		for k, v := range values {
			values[k] = clamp(v/sum, MinWeight, MaxWeight)
		}
	}
}
