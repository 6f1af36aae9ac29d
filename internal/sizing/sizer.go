// Package sizing converts portfolio value, signal confidence, and tail risk
// into a recommended position size. CVaR drives the base size; fractional
// Kelly caps it; regime and correlation damp it.
package sizing

import (
	"context"
	"math"

	"cohort-grid-bot/internal/logging"
	"cohort-grid-bot/internal/metrics"
	"cohort-grid-bot/internal/regime"
	"cohort-grid-bot/internal/venue"
)

const (
	// DefaultRiskBudget is the per-position risk fraction of portfolio value.
	DefaultRiskBudget = 0.02

	// MinPositionPct and MaxPositionPct clamp the recommendation.
	MinPositionPct = 0.01
	MaxPositionPct = 0.25

	// MaxTotalRisk caps the portfolio-wide CVaR-weighted exposure.
	MaxTotalRisk = 0.10

	// kellyMinReturns gates the Kelly leg of the pipeline.
	kellyMinReturns = 20

	// correlationThreshold starts damping; correlationFloor bounds the
	// compounded damping factor.
	correlationThreshold = 0.7
	correlationFloor     = 0.3
)

// Bound says which clamp limited the recommendation, if any.
type Bound string

const (
	BoundNone Bound = ""
	BoundMin  Bound = "min"
	BoundMax  Bound = "max"
)

// Result is one sizing recommendation with its full derivation.
type Result struct {
	Symbol          string              `json:"symbol"`
	RecommendedSize float64             `json:"recommended_size"`
	BaseSize        float64             `json:"base_size"`
	KellySize       metrics.Value       `json:"kelly_size"`
	ConfidenceMult  float64             `json:"confidence_mult"`
	CVaRAdjusted    float64             `json:"cvar_adjusted"`
	ExpectedMaxLoss float64             `json:"expected_max_loss"`
	BoundBy         Bound               `json:"bound_by,omitempty"`
	ReturnsSource   ReturnsSource       `json:"returns_source"`
	Metrics         metrics.RiskMetrics `json:"metrics"`
}

// Config tunes the sizer. Zero values fall back to the defaults above.
type Config struct {
	RiskBudget   float64
	UseKelly     bool
	Correlations map[string]map[string]float64
}

// DefaultCorrelations is the built-in correlation table, used only for pairs
// the operator has not overridden.
func DefaultCorrelations() map[string]map[string]float64 {
	return map[string]map[string]float64{
		"BTCUSDT": {"ETHUSDT": 0.85},
	}
}

// Sizer computes position sizes from historical return distributions.
type Sizer struct {
	returns *ReturnsProvider
	cfg     Config
	logger  *logging.Logger
}

// NewSizer creates a sizer. The venue supplies klines when the cache misses.
func NewSizer(client venue.Client, cache ReturnsCache, cfg Config, logger *logging.Logger) *Sizer {
	if cfg.RiskBudget == 0 {
		cfg.RiskBudget = DefaultRiskBudget
	}
	if cfg.Correlations == nil {
		cfg.Correlations = DefaultCorrelations()
	}
	log := logger.WithComponent("sizing")
	return &Sizer{
		returns: NewReturnsProvider(client, cache, log),
		cfg:     cfg,
		logger:  log,
	}
}

// Size runs the full pipeline for one symbol.
func (s *Sizer) Size(ctx context.Context, symbol string, portfolioValue, confidence float64, reg regime.Regime) *Result {
	returns, source := s.returns.Fetch(ctx, symbol)
	m := metrics.CalculateAll(returns)

	cvar := 0.03 // conservative default when the tail cannot be estimated
	if m.CVaR95.Valid {
		cvar = math.Abs(m.CVaR95.Value)
	}
	cvarAdj := cvar * RegimeCVaRMultiplier(reg)
	if cvarAdj == 0 {
		cvarAdj = 0.001
	}

	base := portfolioValue * s.cfg.RiskBudget / cvarAdj
	mult := 0.5 + 0.5*clamp(confidence, 0, 1)
	recommended := base * mult

	kellySize := metrics.Invalid(metrics.ReasonInsufficientData)
	if s.cfg.UseKelly && len(returns) >= kellyMinReturns {
		avgWin, avgLoss := metrics.AvgWinLoss(returns)
		// Half Kelly, capped at a quarter of the portfolio.
		if k := metrics.Kelly(metrics.WinRate(returns), avgWin, avgLoss, 0.5); k.Valid {
			kellySize = metrics.Ok(math.Min(k.Value, MaxPositionPct) * portfolioValue)
			recommended = math.Min(recommended, kellySize.Value)
		}
	}

	bound := BoundNone
	if min := MinPositionPct * portfolioValue; recommended < min {
		recommended = min
		bound = BoundMin
	}
	if max := MaxPositionPct * portfolioValue; recommended > max {
		recommended = max
		bound = BoundMax
	}

	r := &Result{
		Symbol:          symbol,
		RecommendedSize: recommended,
		BaseSize:        base,
		KellySize:       kellySize,
		ConfidenceMult:  mult,
		CVaRAdjusted:    cvarAdj,
		ExpectedMaxLoss: recommended * cvarAdj,
		BoundBy:         bound,
		ReturnsSource:   source,
		Metrics:         m,
	}
	s.logger.Debug("position sized",
		"symbol", symbol, "recommended", recommended,
		"base", base, "cvar_adj", cvarAdj,
		"bound", string(bound), "source", string(source))
	return r
}

// RegimeCVaRMultiplier widens or tightens the tail estimate per regime.
func RegimeCVaRMultiplier(r regime.Regime) float64 {
	switch r {
	case regime.Bull:
		return 0.9
	case regime.Bear:
		return 1.5
	case regime.Sideways:
		return 1.1
	case regime.Transition:
		return 1.3
	default:
		return 1.0
	}
}

// AdjustForCorrelation damps a size against highly correlated existing
// positions. Each pair over the threshold compounds a linear damping factor;
// the combined factor never drops below the floor.
func (s *Sizer) AdjustForCorrelation(size float64, symbol string, existing []string) float64 {
	factor := 1.0
	for _, other := range existing {
		if other == symbol {
			continue
		}
		rho := s.correlation(symbol, other)
		if rho > correlationThreshold {
			factor *= 1 - (rho-correlationThreshold)/(1-correlationThreshold)
		}
	}
	if factor < correlationFloor {
		factor = correlationFloor
	}
	return size * factor
}

func (s *Sizer) correlation(a, b string) float64 {
	if row, ok := s.cfg.Correlations[a]; ok {
		if rho, ok := row[b]; ok {
			return rho
		}
	}
	if row, ok := s.cfg.Correlations[b]; ok {
		if rho, ok := row[a]; ok {
			return rho
		}
	}
	return 0
}

// OpenPosition describes one live position for the risk budget check.
type OpenPosition struct {
	Symbol   string
	ValueUSD float64
	CVaR95   float64
}

// AvailableRiskBudget returns the unspent fraction of the total risk cap.
func (s *Sizer) AvailableRiskBudget(portfolioValue float64, positions []OpenPosition) float64 {
	if portfolioValue <= 0 {
		return 0
	}
	var used float64
	for _, p := range positions {
		used += (p.ValueUSD / portfolioValue) * math.Abs(p.CVaR95)
	}
	return math.Max(0, MaxTotalRisk-used)
}

// Reduction is the action ShouldReducePosition recommends.
type Reduction string

const (
	ReduceNone  Reduction = ""
	ReduceHalve Reduction = "halve"
	ReduceClose Reduction = "close"
)

// ShouldReducePosition applies the exit heuristics. PnL values are percent.
// Time decay closes; a trailing giveback or a confidence collapse halves.
func ShouldReducePosition(pnlPct, peakPnlPct, hoursHeld, confidence float64) Reduction {
	if hoursHeld > 168 && pnlPct < 1 {
		return ReduceClose
	}
	if peakPnlPct > 5 && pnlPct < 3 {
		return ReduceHalve
	}
	if confidence < 0.3 {
		return ReduceHalve
	}
	return ReduceNone
}

// StopLossDistance derives the stop distance from the 95% CVaR, bounded to
// [2%, 15%].
func StopLossDistance(cvar95 float64) float64 {
	return clamp(math.Abs(cvar95)*2, 0.02, 0.15)
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
