// Package signal maps market features to bounded signal components, applies
// learned weights, and flags divergence between signal subsets.
package signal

import (
	"context"
	"math"

	"cohort-grid-bot/internal/bayes"
	"cohort-grid-bot/internal/logging"
)

// WeightSource supplies the active weight vector for a (cohort, regime) key.
// The Bayesian learner satisfies this.
type WeightSource interface {
	Weights(ctx context.Context, cohortID, regime string) *bayes.Weights
}

// Analyzer computes SignalBreakdowns.
type Analyzer struct {
	weights WeightSource
	logger  *logging.Logger
}

// NewAnalyzer creates a signal analyzer using the given weight source.
func NewAnalyzer(weights WeightSource, logger *logging.Logger) *Analyzer {
	return &Analyzer{weights: weights, logger: logger.WithComponent("signal")}
}

// Analyze scores a feature bundle under the active weights for the key.
func (a *Analyzer) Analyze(ctx context.Context, f *MarketFeatures, cohortID, regime string) *Breakdown {
	w := a.weights.Weights(ctx, cohortID, regime)
	b := Score(f, w.Values)
	a.logger.Debug("signal breakdown",
		"symbol", f.Symbol,
		"math_composite", b.MathComposite,
		"ai_composite", b.AIComposite,
		"final_score", b.FinalScore,
		"divergence", string(b.Divergence.Kind))
	return b
}

// Score is the pure scoring core: bounded per-signal mappings, weighted
// composites, and divergence classification.
func Score(f *MarketFeatures, weights map[string]float64) *Breakdown {
	b := &Breakdown{
		Symbol:    f.Symbol,
		FearGreed: ScoreFearGreed(f.FearGreed),
		RSI:       ScoreRSI(f.RSI),
		MACD:      ScoreMACD(f.MACDLine, f.MACDSignal, f.MACDHist, f.MACDPrevHist, f.HasMACDPrev),
		Trend:     ScoreTrend(f.Price, f.SMA20, f.SMA50, f.SMA200),
		Volume:    ScoreVolume(f.VolumeRatio, f.PriceChangePct),
		Whale:     ScoreWhale(f.WhaleBuys, f.WhaleSells),
		Sentiment: ScoreSentiment(f.SocialSentiment, f.NewsSentiment, f.HasNews),
		Macro:     ScoreMacro(f.ETFFlowUSD, f.FedStance, f.HighImpactEvent),
		AI:        ScoreAI(f.AI.Direction, f.AI.Confidence),
		AIDetail:  f.AI,
	}

	applied := make(map[string]float64, len(bayes.SignalNames))
	scores := b.Scores()
	var math_, ai float64
	for _, name := range bayes.SignalNames {
		w := weights[name]
		applied[name] = w
		if name == "ai" {
			ai = w * scores[name]
		} else {
			math_ += w * scores[name]
		}
	}
	b.WeightsApplied = applied
	b.MathComposite = math_
	b.AIComposite = ai
	b.FinalScore = clamp(math_+ai, -1, 1)
	b.Divergence = detectDivergence(b)
	return b
}

// ScoreFearGreed is contrarian: extreme fear is a buy signal.
func ScoreFearGreed(fg int) float64 {
	switch {
	case fg <= 24:
		return 1
	case fg <= 44:
		return 0.5
	case fg <= 55:
		return 0
	case fg <= 74:
		return -0.5
	default:
		return -1
	}
}

// ScoreRSI maps the oscillator through a seven-band ladder.
func ScoreRSI(rsi float64) float64 {
	switch {
	case rsi < 20:
		return 1
	case rsi < 30:
		return 0.7
	case rsi < 40:
		return 0.3
	case rsi < 60:
		return 0
	case rsi < 70:
		return -0.3
	case rsi < 80:
		return -0.7
	default:
		return -1
	}
}

// ScoreMACD composes crossover, momentum, and zero-line position. Without a
// previous histogram the momentum term falls back to the histogram's sign at
// half weight.
func ScoreMACD(line, signalLine, hist, prevHist float64, hasPrev bool) float64 {
	score := 0.3 * sign(line-signalLine)
	if hasPrev {
		score += 0.4 * sign(hist-prevHist)
	} else {
		score += 0.2 * sign(hist)
	}
	score += 0.3 * sign(line)
	return clamp(score, -1, 1)
}

// ScoreTrend measures moving-average alignment.
func ScoreTrend(price, sma20, sma50, sma200 float64) float64 {
	var score float64
	score += 0.3 * sign(price-sma20)
	score += 0.4 * sign(sma20-sma50)
	score += 0.3 * sign(sma50-sma200)
	return clamp(score, -1, 1)
}

// ScoreVolume amplifies the price direction on high volume (>1.5x average),
// zeroes on thin volume (<0.5x), and scales proportionally in between.
func ScoreVolume(ratio, priceChangePct float64) float64 {
	dir := sign(priceChangePct)
	switch {
	case ratio < 0.5:
		return 0
	case ratio > 1.5:
		return dir
	default:
		return dir * (ratio - 0.5)
	}
}

// ScoreWhale is the normalized buy/sell imbalance.
func ScoreWhale(buys, sells float64) float64 {
	total := buys + sells
	if total == 0 {
		return 0
	}
	return (buys - sells) / total
}

// ScoreSentiment normalizes social sentiment to [-1, 1] around 50, blending
// in news sentiment at 0.6/0.4 when present.
func ScoreSentiment(social, news float64, hasNews bool) float64 {
	s := (social - 50) / 50
	if hasNews {
		s = 0.6*s + 0.4*((news-50)/50)
	}
	return clamp(s, -1, 1)
}

// ScoreMacro combines ETF flow bands with the fed stance, halved when a
// high-impact event is upcoming.
func ScoreMacro(etfFlowUSD float64, fedStance string, highImpactEvent bool) float64 {
	const flowBand = 500e6
	var flow float64
	switch {
	case etfFlowUSD >= flowBand:
		flow = 0.5
	case etfFlowUSD <= -flowBand:
		flow = -0.5
	default:
		flow = etfFlowUSD / 1e9
	}

	var fed float64
	switch fedStance {
	case "dovish":
		fed = 0.3
	case "hawkish":
		fed = -0.3
	}

	score := clamp(flow+fed, -1, 1)
	if highImpactEvent {
		score /= 2
	}
	return score
}

// ScoreAI converts the classifier output into a signed confidence.
func ScoreAI(d Direction, confidence float64) float64 {
	switch d {
	case DirectionBullish:
		return clamp(confidence, 0, 1)
	case DirectionBearish:
		return -clamp(confidence, 0, 1)
	default:
		return 0
	}
}

// mathSignalCount is the size of the non-AI signal set used for internal
// divergence strength.
const mathSignalCount = 8

func detectDivergence(b *Breakdown) Divergence {
	// Math vs AI disagreement wins when both classifications hold.
	if (b.MathComposite > 0.5 && b.AI < -0.3) || (b.MathComposite < -0.5 && b.AI > 0.3) {
		return Divergence{Kind: DivergenceMathAI, Strength: math.Abs(b.MathComposite-b.AI) / 2}
	}

	var bull, bear int
	for name, s := range b.Scores() {
		if name == "ai" {
			continue
		}
		if s > 0.3 {
			bull++
		} else if s < -0.3 {
			bear++
		}
	}
	if bull >= 3 && bear >= 3 {
		minSide := bull
		if bear < minSide {
			minSide = bear
		}
		return Divergence{Kind: DivergenceInternal, Strength: float64(minSide) / mathSignalCount}
	}
	return Divergence{Kind: DivergenceNone}
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
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
