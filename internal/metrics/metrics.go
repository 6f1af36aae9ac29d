// Package metrics provides pure risk and performance calculations over
// return sequences. Returns are decimal fractions (0.01 == 1%) unless a
// function says otherwise. Nothing here reads global state or persists
// anything; callers own storage.
package metrics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

const (
	// TradingDaysPerYear uses the crypto convention of continuous markets.
	TradingDaysPerYear = 365

	// DefaultRiskFree is the annual risk-free rate.
	DefaultRiskFree = 0.05

	// DefaultKellyFraction scales raw Kelly down to a quarter.
	DefaultKellyFraction = 0.25
)

// Reason discriminates why a metric could not be computed.
type Reason string

const (
	ReasonInsufficientData Reason = "insufficient_data"
	ReasonDegenerateInput  Reason = "degenerate_input"
)

// Value is an optional metric result. When Valid is false, Reason says why.
type Value struct {
	Valid  bool    `json:"valid"`
	Value  float64 `json:"value"`
	Reason Reason  `json:"reason,omitempty"`
}

// Ok wraps a computed value.
func Ok(v float64) Value { return Value{Valid: true, Value: v} }

// Invalid wraps a failure reason.
func Invalid(r Reason) Value { return Value{Reason: r} }

// RiskMetrics bundles every metric computed for one return vector.
type RiskMetrics struct {
	Sharpe        Value   `json:"sharpe"`
	Sortino       Value   `json:"sortino"`
	Calmar        Value   `json:"calmar"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	VaR95         Value   `json:"var_95"`
	CVaR95        Value   `json:"cvar_95"`
	Volatility    Value   `json:"volatility"`
	Kelly         Value   `json:"kelly"`
	WinRate       float64 `json:"win_rate"`
	ProfitFactor  Value   `json:"profit_factor"`
	AvgWin        float64 `json:"avg_win"`
	AvgLoss       float64 `json:"avg_loss"`
	MaxWinStreak  int     `json:"max_win_streak"`
	MaxLossStreak int     `json:"max_loss_streak"`
	SampleSize    int     `json:"sample_size"`
}

// Sharpe computes the Sharpe ratio of r against an annual risk-free rate,
// optionally annualized by sqrt(365). Needs at least two observations and a
// nonzero standard deviation.
func Sharpe(r []float64, riskFree float64, annualize bool) Value {
	if len(r) < 2 {
		return Invalid(ReasonInsufficientData)
	}
	excess := make([]float64, len(r))
	daily := riskFree / TradingDaysPerYear
	for i, v := range r {
		excess[i] = v - daily
	}
	sd := stat.StdDev(excess, nil)
	if sd == 0 {
		return Invalid(ReasonDegenerateInput)
	}
	ratio := stat.Mean(excess, nil) / sd
	if annualize {
		ratio *= math.Sqrt(TradingDaysPerYear)
	}
	return Ok(ratio)
}

// Sortino is Sharpe with downside deviation in the denominator. Returns +Inf
// when no negative excess returns exist.
func Sortino(r []float64, riskFree float64, annualize bool) Value {
	if len(r) < 2 {
		return Invalid(ReasonInsufficientData)
	}
	daily := riskFree / TradingDaysPerYear
	excess := make([]float64, len(r))
	var downside []float64
	for i, v := range r {
		excess[i] = v - daily
		if excess[i] < 0 {
			downside = append(downside, excess[i])
		}
	}
	mean := stat.Mean(excess, nil)
	if len(downside) == 0 {
		return Ok(math.Inf(1))
	}
	dd := stat.StdDev(downside, nil)
	if len(downside) == 1 || dd == 0 {
		// A single downside point has no sample deviation; use its magnitude.
		dd = math.Abs(downside[0])
		if dd == 0 {
			return Invalid(ReasonDegenerateInput)
		}
	}
	ratio := mean / dd
	if annualize {
		ratio *= math.Sqrt(TradingDaysPerYear)
	}
	return Ok(ratio)
}

// Calmar divides annualized total return by the magnitude of the max
// drawdown. Pass maxDD < 0 as computed by MaxDrawdown, or NaN to have it
// derived from r.
func Calmar(r []float64, maxDD float64) Value {
	if len(r) == 0 {
		return Invalid(ReasonInsufficientData)
	}
	if math.IsNaN(maxDD) {
		maxDD = MaxDrawdown(r)
	}
	if maxDD == 0 {
		return Invalid(ReasonDegenerateInput)
	}
	total := 0.0
	for _, v := range r {
		total += v
	}
	annualized := total / float64(len(r)) * TradingDaysPerYear
	return Ok(annualized / math.Abs(maxDD))
}

// MaxDrawdown returns the most negative dip of the cumulative return path.
// The result is <= 0.
func MaxDrawdown(r []float64) float64 {
	var cum, peak, maxDD float64
	for _, v := range r {
		cum += v
		if cum > peak {
			peak = cum
		}
		if dd := cum - peak; dd < maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// VaR returns the (1-c) percentile of r. With c >= 0.5 on a loss-bearing
// vector the result is negative. Needs at least five observations.
func VaR(r []float64, confidence float64) Value {
	if len(r) < 5 {
		return Invalid(ReasonInsufficientData)
	}
	if confidence <= 0 || confidence >= 1 {
		return Invalid(ReasonDegenerateInput)
	}
	sorted := append([]float64(nil), r...)
	sort.Float64s(sorted)
	return Ok(stat.Quantile(1-confidence, stat.Empirical, sorted, nil))
}

// CVaR is the mean of returns at or below VaR. With an empty tail it equals
// VaR.
func CVaR(r []float64, confidence float64) Value {
	v := VaR(r, confidence)
	if !v.Valid {
		return v
	}
	var sum float64
	var n int
	for _, x := range r {
		if x <= v.Value {
			sum += x
			n++
		}
	}
	if n == 0 {
		return v
	}
	return Ok(sum / float64(n))
}

// Volatility is the standard deviation of r, optionally over only the last
// window points, optionally annualized by sqrt(365).
func Volatility(r []float64, window int, annualize bool) Value {
	if window > 0 && len(r) > window {
		r = r[len(r)-window:]
	}
	if len(r) < 2 {
		return Invalid(ReasonInsufficientData)
	}
	sd := stat.StdDev(r, nil)
	if annualize {
		sd *= math.Sqrt(TradingDaysPerYear)
	}
	return Ok(sd)
}

// Kelly computes the fractional Kelly bet size: f* = (p*b - q)/b with
// b = avgWin/|avgLoss|, clamped to [0,1] and scaled by fraction.
func Kelly(winRate, avgWin, avgLoss, fraction float64) Value {
	if winRate < 0 || winRate > 1 || avgWin <= 0 || avgLoss == 0 {
		return Invalid(ReasonDegenerateInput)
	}
	b := avgWin / math.Abs(avgLoss)
	if b <= 0 || math.IsInf(b, 0) || math.IsNaN(b) {
		return Invalid(ReasonDegenerateInput)
	}
	f := (winRate*b - (1 - winRate)) / b
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	return Ok(f * fraction)
}

// WinRate is the fraction of strictly positive returns.
func WinRate(r []float64) float64 {
	if len(r) == 0 {
		return 0
	}
	wins := 0
	for _, v := range r {
		if v > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(r))
}

// ProfitFactor is gross profit divided by gross loss.
func ProfitFactor(r []float64) Value {
	var profit, loss float64
	for _, v := range r {
		if v > 0 {
			profit += v
		} else if v < 0 {
			loss += -v
		}
	}
	if loss == 0 {
		if profit == 0 {
			return Invalid(ReasonInsufficientData)
		}
		return Ok(math.Inf(1))
	}
	return Ok(profit / loss)
}

// AvgWinLoss returns the mean positive return and the mean negative return
// (the latter as a negative number).
func AvgWinLoss(r []float64) (avgWin, avgLoss float64) {
	var winSum, lossSum float64
	var wins, losses int
	for _, v := range r {
		if v > 0 {
			winSum += v
			wins++
		} else if v < 0 {
			lossSum += v
			losses++
		}
	}
	if wins > 0 {
		avgWin = winSum / float64(wins)
	}
	if losses > 0 {
		avgLoss = lossSum / float64(losses)
	}
	return avgWin, avgLoss
}

// ConsecutiveStreaks returns the longest run of wins and the longest run of
// losses.
func ConsecutiveStreaks(r []float64) (maxWin, maxLoss int) {
	var curWin, curLoss int
	for _, v := range r {
		switch {
		case v > 0:
			curWin++
			curLoss = 0
		case v < 0:
			curLoss++
			curWin = 0
		default:
			curWin, curLoss = 0, 0
		}
		if curWin > maxWin {
			maxWin = curWin
		}
		if curLoss > maxLoss {
			maxLoss = curLoss
		}
	}
	return maxWin, maxLoss
}

// CalculateAll bundles every metric for one return vector.
func CalculateAll(r []float64) RiskMetrics {
	avgWin, avgLoss := AvgWinLoss(r)
	maxDD := MaxDrawdown(r)
	maxWinStreak, maxLossStreak := ConsecutiveStreaks(r)
	return RiskMetrics{
		Sharpe:        Sharpe(r, DefaultRiskFree, true),
		Sortino:       Sortino(r, DefaultRiskFree, true),
		Calmar:        Calmar(r, maxDD),
		MaxDrawdown:   maxDD,
		VaR95:         VaR(r, 0.95),
		CVaR95:        CVaR(r, 0.95),
		Volatility:    Volatility(r, 0, true),
		Kelly:         Kelly(WinRate(r), avgWin, avgLoss, DefaultKellyFraction),
		WinRate:       WinRate(r),
		ProfitFactor:  ProfitFactor(r),
		AvgWin:        avgWin,
		AvgLoss:       avgLoss,
		MaxWinStreak:  maxWinStreak,
		MaxLossStreak: maxLossStreak,
		SampleSize:    len(r),
	}
}
