// Package cycle manages 7-day trading cycles per cohort: opening, closure
// with end-of-cycle metrics, and cross-cycle comparison.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"cohort-grid-bot/internal/logging"
	"cohort-grid-bot/internal/metrics"
	"cohort-grid-bot/internal/regime"
	"cohort-grid-bot/internal/venue"
)

// CycleLengthDays is the nominal cycle duration.
const CycleLengthDays = 7

// DefaultStartingCapital seeds a cycle when the caller passes zero.
const DefaultStartingCapital = 1000.0

// ErrNoActiveCycle is returned by CloseCycle when the cohort has nothing to
// close. Callers rolling cycles over treat it as a normal first-run state.
var ErrNoActiveCycle = errors.New("no active cycle")

// Status is a cycle lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// TradingCycle is one row of the cycle ledger. Metric fields are only valid
// after closure and only when enough returns existed.
type TradingCycle struct {
	ID              string     `json:"id"`
	CohortID        string     `json:"cohort_id"`
	CycleNumber     int        `json:"cycle_number"`
	StartDate       time.Time  `json:"start_date"`
	EndDate         *time.Time `json:"end_date,omitempty"`
	Status          Status     `json:"status"`
	StartingCapital float64    `json:"starting_capital"`
	EndingCapital   float64    `json:"ending_capital"`
	TotalTrades     int        `json:"total_trades"`
	WinningTrades   int        `json:"winning_trades"`
	LosingTrades    int        `json:"losing_trades"`
	TotalPnL        float64    `json:"total_pnl"`
	TotalPnLPct     float64    `json:"total_pnl_pct"`

	Sharpe       metrics.Value `json:"sharpe"`
	Sortino      metrics.Value `json:"sortino"`
	Calmar       metrics.Value `json:"calmar"`
	MaxDrawdown  float64       `json:"max_drawdown"`
	VaR95        metrics.Value `json:"var_95"`
	CVaR95       metrics.Value `json:"cvar_95"`
	Kelly        metrics.Value `json:"kelly_fraction"`
	WinRate      float64       `json:"win_rate"`
	ProfitFactor metrics.Value `json:"profit_factor"`

	AvgFearGreed      float64               `json:"avg_fear_greed"`
	DominantRegime    regime.Regime         `json:"dominant_regime,omitempty"`
	BTCPerformancePct metrics.Value         `json:"btc_performance_pct"`
	BestPatterns      []string              `json:"best_patterns,omitempty"`
	WorstPatterns     []string              `json:"worst_patterns,omitempty"`
	SignalSummary     map[string]SignalStat `json:"signal_summary,omitempty"`
	PlaybookVersion   string                `json:"playbook_version"`
}

// SignalStat is one signal's attribution record over a cycle window: how
// often it fired on closed trades, how often its sign matched the outcome,
// and the pnl of the trades it participated in.
type SignalStat struct {
	Trades   int     `json:"trades"`
	Correct  int     `json:"correct"`
	Accuracy float64 `json:"accuracy"`
	PnLUSD   float64 `json:"pnl_usd"`
}

// Trade is one closed trade attributed to a cycle.
type Trade struct {
	ReturnPct float64       `json:"return_pct"` // decimal fraction
	PnLUSD    float64       `json:"pnl_usd"`
	Regime    regime.Regime `json:"regime"`
	FearGreed float64       `json:"fear_greed"`
	Pattern   string        `json:"pattern,omitempty"`
	ClosedAt  time.Time     `json:"closed_at"`
}

// Store is the cycle ledger persistence surface.
type Store interface {
	ActiveCycle(ctx context.Context, cohortID string) (*TradingCycle, error)
	MaxCycleNumber(ctx context.Context, cohortID string) (int, error)
	InsertCycle(ctx context.Context, c *TradingCycle) error
	CompleteCycle(ctx context.Context, c *TradingCycle) error
	CompletedCycles(ctx context.Context, cohortID string, n int) ([]TradingCycle, error)
}

// TradeSource supplies the closed trades of a running cycle and their
// per-signal attribution.
type TradeSource interface {
	CycleTrades(ctx context.Context, cohortID string, since time.Time) ([]Trade, error)
	CycleSignalSummary(ctx context.Context, cohortID string, since time.Time) (map[string]SignalStat, error)
}

// Manager owns cycle lifecycle per cohort. Closure is serialized per cohort
// by the caller (the hybrid tick).
type Manager struct {
	store           Store
	trades          TradeSource
	venue           venue.Client
	playbookVersion string
	logger          *logging.Logger
	now             func() time.Time
}

// NewManager creates a cycle manager. venue may be nil; the BTC benchmark is
// then omitted.
func NewManager(store Store, trades TradeSource, v venue.Client, playbookVersion string, logger *logging.Logger) *Manager {
	return &Manager{
		store:           store,
		trades:          trades,
		venue:           v,
		playbookVersion: playbookVersion,
		logger:          logger.WithComponent("cycle"),
		now:             time.Now,
	}
}

// StartCycle opens the next cycle for a cohort. Starting a cycle while one is
// active is an error; close it first.
func (m *Manager) StartCycle(ctx context.Context, cohortID string, startingCapital float64) (*TradingCycle, error) {
	if startingCapital <= 0 {
		startingCapital = DefaultStartingCapital
	}
	active, err := m.store.ActiveCycle(ctx, cohortID)
	if err != nil {
		return nil, fmt.Errorf("checking active cycle: %w", err)
	}
	if active != nil {
		return nil, fmt.Errorf("cohort %s already has active cycle %d", cohortID, active.CycleNumber)
	}

	maxNum, err := m.store.MaxCycleNumber(ctx, cohortID)
	if err != nil {
		return nil, fmt.Errorf("reading cycle counter: %w", err)
	}

	c := &TradingCycle{
		ID:              uuid.NewString(),
		CohortID:        cohortID,
		CycleNumber:     maxNum + 1,
		StartDate:       m.now().UTC(),
		Status:          StatusActive,
		StartingCapital: startingCapital,
		PlaybookVersion: m.playbookVersion,
	}
	if err := m.store.InsertCycle(ctx, c); err != nil {
		return nil, fmt.Errorf("inserting cycle: %w", err)
	}
	m.logger.Info("cycle started",
		"cohort_id", cohortID, "cycle_number", c.CycleNumber,
		"starting_capital", startingCapital)
	return c, nil
}

// CloseCycle computes end-of-cycle metrics from the cycle's trades and marks
// the row completed. Completed rows are never touched again.
func (m *Manager) CloseCycle(ctx context.Context, cohortID string) (*TradingCycle, error) {
	c, err := m.store.ActiveCycle(ctx, cohortID)
	if err != nil {
		return nil, fmt.Errorf("loading active cycle: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("cohort %s: %w", cohortID, ErrNoActiveCycle)
	}

	trades, err := m.trades.CycleTrades(ctx, cohortID, c.StartDate)
	if err != nil {
		return nil, fmt.Errorf("loading cycle trades: %w", err)
	}

	returns := make([]float64, len(trades))
	var pnl, fgSum float64
	for i, t := range trades {
		returns[i] = t.ReturnPct
		pnl += t.PnLUSD
		fgSum += t.FearGreed
		if t.PnLUSD > 0 {
			c.WinningTrades++
		} else if t.PnLUSD < 0 {
			c.LosingTrades++
		}
	}

	end := m.now().UTC()
	c.EndDate = &end
	c.Status = StatusCompleted
	c.TotalTrades = len(trades)
	c.TotalPnL = pnl
	c.EndingCapital = c.StartingCapital + pnl
	c.TotalPnLPct = pnl / c.StartingCapital * 100
	c.PlaybookVersion = m.playbookVersion

	rm := metrics.CalculateAll(returns)
	c.Sharpe = rm.Sharpe
	c.Sortino = rm.Sortino
	c.Calmar = rm.Calmar
	c.MaxDrawdown = rm.MaxDrawdown
	c.VaR95 = rm.VaR95
	c.CVaR95 = rm.CVaR95
	c.Kelly = rm.Kelly
	c.WinRate = rm.WinRate
	c.ProfitFactor = rm.ProfitFactor

	if len(trades) > 0 {
		c.AvgFearGreed = fgSum / float64(len(trades))
	}
	c.DominantRegime = dominantRegime(trades)
	c.BestPatterns, c.WorstPatterns = rankPatterns(trades)
	c.BTCPerformancePct = m.btcBenchmark(ctx, c.StartDate, end)

	summary, err := m.trades.CycleSignalSummary(ctx, cohortID, c.StartDate)
	if err != nil {
		m.logger.Warn("signal summary unavailable",
			"cohort_id", cohortID, "error", err)
	} else if len(summary) > 0 {
		c.SignalSummary = summary
	}

	if err := m.store.CompleteCycle(ctx, c); err != nil {
		return nil, fmt.Errorf("completing cycle: %w", err)
	}
	m.logger.Info("cycle closed",
		"cohort_id", cohortID, "cycle_number", c.CycleNumber,
		"total_pnl", pnl, "trades", len(trades),
		"dominant_regime", string(c.DominantRegime))
	return c, nil
}

// ShouldStartNewCycle is true when no cycle is active or the active one has
// run its full length.
func (m *Manager) ShouldStartNewCycle(ctx context.Context, cohortID string) (bool, error) {
	active, err := m.store.ActiveCycle(ctx, cohortID)
	if err != nil {
		return false, err
	}
	if active == nil {
		return true, nil
	}
	return m.now().Sub(active.StartDate) >= CycleLengthDays*24*time.Hour, nil
}

// CycleComparison returns the last n completed cycles, newest first.
func (m *Manager) CycleComparison(ctx context.Context, cohortID string, n int) ([]TradingCycle, error) {
	cycles, err := m.store.CompletedCycles(ctx, cohortID, n)
	if err != nil {
		return nil, fmt.Errorf("loading completed cycles: %w", err)
	}
	sort.Slice(cycles, func(i, j int) bool {
		return cycles[i].CycleNumber > cycles[j].CycleNumber
	})
	return cycles, nil
}

// dominantRegime is the mode over per-trade regimes. Ties resolve to
// SIDEWAYS.
func dominantRegime(trades []Trade) regime.Regime {
	if len(trades) == 0 {
		return ""
	}
	counts := make(map[regime.Regime]int)
	for _, t := range trades {
		if t.Regime != "" {
			counts[t.Regime]++
		}
	}
	var best regime.Regime
	bestCount, tied := 0, false
	for r, n := range counts {
		switch {
		case n > bestCount:
			best, bestCount, tied = r, n, false
		case n == bestCount:
			tied = true
		}
	}
	if tied || bestCount == 0 {
		return regime.Sideways
	}
	return best
}

// rankPatterns orders trade patterns by mean PnL: profitable patterns best
// first, losing patterns worst first, at most three each.
func rankPatterns(trades []Trade) (best, worst []string) {
	type agg struct {
		sum float64
		n   int
	}
	byPattern := make(map[string]*agg)
	for _, t := range trades {
		if t.Pattern == "" {
			continue
		}
		a := byPattern[t.Pattern]
		if a == nil {
			a = &agg{}
			byPattern[t.Pattern] = a
		}
		a.sum += t.PnLUSD
		a.n++
	}

	type scored struct {
		pattern string
		mean    float64
	}
	var all []scored
	for p, a := range byPattern {
		all = append(all, scored{p, a.sum / float64(a.n)})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].mean > all[j].mean })

	for _, s := range all {
		if s.mean > 0 && len(best) < 3 {
			best = append(best, s.pattern)
		}
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].mean < 0 && len(worst) < 3 {
			worst = append(worst, all[i].pattern)
		}
	}
	return best, worst
}

// btcBenchmark is the BTC percent move over the cycle window.
func (m *Manager) btcBenchmark(ctx context.Context, start, end time.Time) metrics.Value {
	if m.venue == nil {
		return metrics.Invalid(metrics.ReasonInsufficientData)
	}
	days := int(end.Sub(start).Hours()/24) + 1
	klines, err := m.venue.GetKlines(ctx, "BTCUSDT", "1d", days)
	if err != nil || len(klines) < 2 {
		if err != nil {
			m.logger.Warn("btc benchmark unavailable", "error", err)
		}
		return metrics.Invalid(metrics.ReasonInsufficientData)
	}
	first, last := klines[0].Close, klines[len(klines)-1].Close
	if first == 0 {
		return metrics.Invalid(metrics.ReasonDegenerateInput)
	}
	return metrics.Ok((last - first) / first * 100)
}
