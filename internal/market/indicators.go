package market

import "gonum.org/v1/gonum/stat"

// SMA is the simple moving average of the last n values. Returns 0 when
// fewer than n values exist.
func SMA(values []float64, n int) float64 {
	if n <= 0 || len(values) < n {
		return 0
	}
	return stat.Mean(values[len(values)-n:], nil)
}

// EMA computes the exponential moving average series with period n, seeded
// by the SMA of the first n values.
func EMA(values []float64, n int) []float64 {
	if n <= 0 || len(values) < n {
		return nil
	}
	out := make([]float64, len(values))
	out[n-1] = stat.Mean(values[:n], nil)
	k := 2.0 / float64(n+1)
	for i := n; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// RSI is Wilder's relative strength index over the given period. Returns 50
// (neutral) when history is too short.
func RSI(closes []float64, period int) float64 {
	if period <= 0 || len(closes) <= period {
		return 50
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MACDResult carries the last two MACD observations.
type MACDResult struct {
	Line     float64
	Signal   float64
	Hist     float64
	PrevHist float64
	HasPrev  bool
}

// MACD computes the 12/26/9 moving average convergence divergence.
func MACD(closes []float64) MACDResult {
	const fast, slow, sig = 12, 26, 9
	if len(closes) < slow+sig {
		return MACDResult{}
	}

	emaFast := EMA(closes, fast)
	emaSlow := EMA(closes, slow)

	// MACD line is defined from the first slow-EMA point onward.
	line := make([]float64, 0, len(closes)-slow+1)
	for i := slow - 1; i < len(closes); i++ {
		line = append(line, emaFast[i]-emaSlow[i])
	}
	signalSeries := EMA(line, sig)
	if signalSeries == nil {
		return MACDResult{}
	}

	last := len(line) - 1
	r := MACDResult{
		Line:   line[last],
		Signal: signalSeries[last],
		Hist:   line[last] - signalSeries[last],
	}
	if last >= 1 && last-1 >= sig-1 {
		r.PrevHist = line[last-1] - signalSeries[last-1]
		r.HasPrev = true
	}
	return r
}

// returns derives simple per-bar returns from a close series.
func returns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		out = append(out, closes[i]/closes[i-1]-1)
	}
	return out
}
