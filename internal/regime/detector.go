// Package regime classifies the market into BULL, BEAR, SIDEWAYS, or
// TRANSITION using a 3-state Gaussian model over weekly features, with a
// rule-based fallback while the model is untrained.
package regime

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"cohort-grid-bot/internal/logging"
)

// Regime is one market regime label.
type Regime string

const (
	Bull       Regime = "BULL"
	Bear       Regime = "BEAR"
	Sideways   Regime = "SIDEWAYS"
	Transition Regime = "TRANSITION"
)

// Regimes lists the stable regimes the model is trained over. TRANSITION is
// an output-only label for low-certainty filtering.
var Regimes = []Regime{Bull, Bear, Sideways}

const (
	// MinTrainingPoints gates model fitting; below it the rule fallback is
	// authoritative.
	MinTrainingPoints = 20

	// RefitThreshold is the number of new feature points that triggers a
	// refit on the weekly update.
	RefitThreshold = 30

	// transitionCutoff marks filtered probabilities below which the model
	// reports TRANSITION instead of the leading regime.
	transitionCutoff = 0.6

	featureDim  = 4
	emIterations = 8
)

// Features is the 4-dimensional observation vector for one detection.
// Return7D and Volatility7D are percentages.
type Features struct {
	Return7D     float64 `json:"return_7d"`
	Volatility7D float64 `json:"volatility_7d"`
	VolumeTrend  float64 `json:"volume_trend"`
	FearGreedAvg float64 `json:"fear_greed_avg"`
}

func (f Features) vector() [featureDim]float64 {
	return [featureDim]float64{f.Return7D, f.Volatility7D, f.VolumeTrend, f.FearGreedAvg}
}

// State is one detection result.
type State struct {
	Current               Regime    `json:"current"`
	Probability           float64   `json:"probability"`
	TransitionProbability float64   `json:"transition_probability"`
	DurationDays          float64   `json:"duration_days"`
	Previous              Regime    `json:"previous,omitempty"`
	Features              Features  `json:"features"`
	ModelBased            bool      `json:"model_based"`
	DetectedAt            time.Time `json:"detected_at"`
}

// TradingRules is the closed-form per-regime rule bundle.
type TradingRules struct {
	PositionMultiplier float64 `json:"position_multiplier"`
	StopLossPct        float64 `json:"stop_loss_pct"`
	TakeProfitPct      float64 `json:"take_profit_pct"`
	GridBias           string  `json:"grid_bias"`
	MinConfidence      float64 `json:"min_confidence"`
}

// gaussianState holds per-dimension emission parameters for one hidden state.
type gaussianState struct {
	mean   [featureDim]float64
	stddev [featureDim]float64
}

// model is a 3-state Gaussian filter with a fixed persistence-biased
// transition matrix. Emissions are fit by EM over the feature history;
// transitions stay at their priors, which is where the regime persistence
// assumption lives.
type model struct {
	states [3]gaussianState
	trans  [3][3]float64
	// filtered is the running forward-filtered state distribution.
	filtered [3]float64
}

// Detector owns the feature history, the fitted model, and the regime
// duration clock.
type Detector struct {
	mu            sync.Mutex
	history       []Features
	model         *model
	pointsSinceFit int
	current       Regime
	previous      Regime
	changedAt     time.Time
	logger        *logging.Logger
	now           func() time.Time
}

// NewDetector creates an untrained detector. Until MinTrainingPoints features
// accrue, detection runs on the rule fallback.
func NewDetector(logger *logging.Logger) *Detector {
	return &Detector{
		logger: logger.WithComponent("regime"),
		now:    time.Now,
	}
}

// Detect classifies one feature vector, records it in the training history,
// and updates the regime duration clock.
func (d *Detector) Detect(f Features) *State {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.history = append(d.history, f)
	d.pointsSinceFit++

	var st *State
	if d.model != nil {
		st = d.model.classify(f)
	} else {
		st = ruleClassify(f)
	}
	st.Features = f
	st.DetectedAt = d.now()

	if st.Current != d.current {
		d.previous = d.current
		d.current = st.Current
		d.changedAt = st.DetectedAt
		d.logger.Info("regime change",
			"from", string(d.previous), "to", string(d.current),
			"probability", st.Probability, "model_based", st.ModelBased)
	}
	st.Previous = d.previous
	if !d.changedAt.IsZero() {
		st.DurationDays = st.DetectedAt.Sub(d.changedAt).Hours() / 24
	}
	return st
}

// WeeklyUpdate refits the model when enough new evidence has accrued since
// the last fit. It is safe to call every week regardless.
func (d *Detector) WeeklyUpdate() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.history) < MinTrainingPoints {
		d.logger.Debug("model fit skipped",
			"points", len(d.history), "required", MinTrainingPoints)
		return
	}
	if d.model != nil && d.pointsSinceFit < RefitThreshold {
		return
	}
	d.model = fit(d.history)
	d.pointsSinceFit = 0
	d.logger.Info("regime model fitted", "points", len(d.history))
}

// Trained reports whether the Gaussian model is active.
func (d *Detector) Trained() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.model != nil
}

// ruleClassify is the fallback classifier. Confidence is 0.9 on a strong
// move (beyond +-10%) or when both the return and fear/greed triggers agree,
// 0.7 on a single trigger. Sideways confidence is 0.8 in a genuinely quiet
// market, 0.6 otherwise.
func ruleClassify(f Features) *State {
	ret, fg, vol := f.Return7D, f.FearGreedAvg, f.Volatility7D

	switch {
	case ret > 5 || (ret > 0 && fg > 55):
		conf := 0.7
		if ret > 10 || (ret > 5 && fg > 55) {
			conf = 0.9
		}
		return &State{Current: Bull, Probability: conf, TransitionProbability: 1 - conf}
	case ret < -5 || (ret < 0 && fg < 30):
		conf := 0.7
		if ret < -10 || (ret < -5 && fg < 30) {
			conf = 0.9
		}
		return &State{Current: Bear, Probability: conf, TransitionProbability: 1 - conf}
	default:
		conf := 0.6
		if math.Abs(ret) < 2 && vol < 2 {
			conf = 0.8
		}
		return &State{Current: Sideways, Probability: conf, TransitionProbability: 1 - conf}
	}
}

// fit estimates per-state Gaussian emissions from the history. States are
// seeded by return_7d terciles (bull = top, bear = bottom) and refined with a
// few rounds of soft EM against the fixed transition prior.
func fit(history []Features) *model {
	m := &model{
		trans: [3][3]float64{
			{0.90, 0.05, 0.05}, // BULL
			{0.05, 0.90, 0.05}, // BEAR
			{0.05, 0.15, 0.80}, // SIDEWAYS
		},
		filtered: [3]float64{1.0 / 3, 1.0 / 3, 1.0 / 3},
	}

	n := len(history)
	obs := make([][featureDim]float64, n)
	for i, f := range history {
		obs[i] = f.vector()
	}

	// Seed responsibilities from return_7d terciles.
	resp := make([][3]float64, n)
	returns := make([]float64, n)
	for i := range obs {
		returns[i] = obs[i][0]
	}
	sorted := append([]float64(nil), returns...)
	stat.SortWeighted(sorted, nil)
	lo := stat.Quantile(1.0/3, stat.Empirical, sorted, nil)
	hi := stat.Quantile(2.0/3, stat.Empirical, sorted, nil)
	for i, r := range returns {
		switch {
		case r >= hi:
			resp[i] = [3]float64{1, 0, 0}
		case r <= lo:
			resp[i] = [3]float64{0, 1, 0}
		default:
			resp[i] = [3]float64{0, 0, 1}
		}
	}

	for iter := 0; iter < emIterations; iter++ {
		m.estimateEmissions(obs, resp)
		m.responsibilities(obs, resp)
	}
	m.estimateEmissions(obs, resp)
	return m
}

func (m *model) estimateEmissions(obs [][featureDim]float64, resp [][3]float64) {
	for s := 0; s < 3; s++ {
		var weight float64
		var sum, sqsum [featureDim]float64
		for i := range obs {
			w := resp[i][s]
			weight += w
			for d := 0; d < featureDim; d++ {
				sum[d] += w * obs[i][d]
				sqsum[d] += w * obs[i][d] * obs[i][d]
			}
		}
		if weight == 0 {
			continue
		}
		for d := 0; d < featureDim; d++ {
			mean := sum[d] / weight
			variance := sqsum[d]/weight - mean*mean
			sd := math.Sqrt(math.Max(variance, 1e-6))
			m.states[s].mean[d] = mean
			m.states[s].stddev[d] = sd
		}
	}
}

func (m *model) responsibilities(obs [][featureDim]float64, resp [][3]float64) {
	for i := range obs {
		var total float64
		var lik [3]float64
		for s := 0; s < 3; s++ {
			lik[s] = m.states[s].density(obs[i])
			total += lik[s]
		}
		if total == 0 {
			continue
		}
		for s := 0; s < 3; s++ {
			resp[i][s] = lik[s] / total
		}
	}
}

func (g *gaussianState) density(x [featureDim]float64) float64 {
	p := 1.0
	for d := 0; d < featureDim; d++ {
		n := distuv.Normal{Mu: g.mean[d], Sigma: g.stddev[d]}
		p *= n.Prob(x[d])
	}
	return p
}

// classify runs one forward-filter step and labels the result. A leading
// probability below the cutoff reports TRANSITION with the same numbers.
func (m *model) classify(f Features) *State {
	x := f.vector()

	var predicted [3]float64
	for to := 0; to < 3; to++ {
		for from := 0; from < 3; from++ {
			predicted[to] += m.filtered[from] * m.trans[from][to]
		}
	}

	var total float64
	var posterior [3]float64
	for s := 0; s < 3; s++ {
		posterior[s] = predicted[s] * m.states[s].density(x)
		total += posterior[s]
	}
	if total == 0 {
		// Observation outside all emission support; keep the prediction.
		posterior = predicted
		total = 1
	}
	best := 0
	for s := 0; s < 3; s++ {
		posterior[s] /= total
		if posterior[s] > posterior[best] {
			best = s
		}
	}
	m.filtered = posterior

	label := Regimes[best]
	prob := posterior[best]
	if prob < transitionCutoff {
		label = Transition
	}
	return &State{
		Current:               label,
		Probability:           prob,
		TransitionProbability: 1 - prob,
		ModelBased:            true,
	}
}

// AdjustedWeights returns the per-regime signal weight overrides.
func AdjustedWeights(r Regime) map[string]float64 {
	switch r {
	case Bull:
		return map[string]float64{"trend": 0.25, "rsi": 0.10, "fear_greed": 0.10, "ai": 0.15}
	case Bear:
		return map[string]float64{"trend": 0.05, "rsi": 0.15, "fear_greed": 0.25, "ai": 0.15}
	default:
		return map[string]float64{"trend": 0.05, "rsi": 0.25, "fear_greed": 0.10, "ai": 0.20}
	}
}

// RulesFor returns the per-regime trading rule bundle. TRANSITION and unknown
// regimes get the SIDEWAYS rules.
func RulesFor(r Regime) TradingRules {
	switch r {
	case Bull:
		return TradingRules{PositionMultiplier: 1.2, StopLossPct: 7, TakeProfitPct: 15, GridBias: "buy_heavy", MinConfidence: 0.4}
	case Bear:
		return TradingRules{PositionMultiplier: 0.7, StopLossPct: 5, TakeProfitPct: 8, GridBias: "sell_heavy", MinConfidence: 0.6}
	default:
		return TradingRules{PositionMultiplier: 1.0, StopLossPct: 5, TakeProfitPct: 10, GridBias: "balanced", MinConfidence: 0.5}
	}
}
