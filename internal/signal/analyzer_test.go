package signal

import (
	"math"
	"testing"

	"cohort-grid-bot/internal/bayes"
)

func TestScoreFearGreedLadder(t *testing.T) {
	cases := []struct {
		fg   int
		want float64
	}{
		{0, 1}, {24, 1}, {25, 0.5}, {44, 0.5}, {45, 0}, {55, 0},
		{56, -0.5}, {74, -0.5}, {75, -1}, {100, -1},
	}
	for _, tc := range cases {
		if got := ScoreFearGreed(tc.fg); got != tc.want {
			t.Errorf("ScoreFearGreed(%d) = %f, want %f", tc.fg, got, tc.want)
		}
	}
}

func TestScoreRSILadder(t *testing.T) {
	cases := []struct {
		rsi  float64
		want float64
	}{
		{10, 1}, {19.9, 1}, {20, 0.7}, {29, 0.7}, {30, 0.3}, {39, 0.3},
		{40, 0}, {59, 0}, {60, -0.3}, {69, -0.3}, {70, -0.7}, {79, -0.7},
		{80, -1}, {95, -1},
	}
	for _, tc := range cases {
		if got := ScoreRSI(tc.rsi); got != tc.want {
			t.Errorf("ScoreRSI(%f) = %f, want %f", tc.rsi, got, tc.want)
		}
	}
}

func TestScoreMACD(t *testing.T) {
	// Bullish everything: line above signal, rising histogram, positive line.
	if got := ScoreMACD(1.2, 0.8, 0.4, 0.2, true); got != 1 {
		t.Errorf("fully bullish MACD = %f, want 1", got)
	}
	// No previous histogram: momentum term halves via sign(hist).
	want := 0.3 + 0.2 + 0.3
	if got := ScoreMACD(1.2, 0.8, 0.4, 0, false); math.Abs(got-want) > 1e-12 {
		t.Errorf("MACD without prev hist = %f, want %f", got, want)
	}
	// Fully bearish mirrors.
	if got := ScoreMACD(-1.2, -0.8, -0.4, -0.2, true); got != -1 {
		t.Errorf("fully bearish MACD = %f, want -1", got)
	}
}

func TestScoreTrendAlignment(t *testing.T) {
	if got := ScoreTrend(110, 105, 100, 95); got != 1 {
		t.Errorf("aligned uptrend = %f, want 1", got)
	}
	if got := ScoreTrend(90, 95, 100, 105); got != -1 {
		t.Errorf("aligned downtrend = %f, want -1", got)
	}
	// Mixed: price above sma20 but death-crossed averages.
	got := ScoreTrend(101, 100, 102, 104)
	want := 0.3 - 0.4 - 0.3
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("mixed trend = %f, want %f", got, want)
	}
}

func TestScoreVolume(t *testing.T) {
	if got := ScoreVolume(0.3, 2.0); got != 0 {
		t.Errorf("thin volume = %f, want 0", got)
	}
	if got := ScoreVolume(2.0, 1.5); got != 1 {
		t.Errorf("high volume up = %f, want 1", got)
	}
	if got := ScoreVolume(2.0, -1.5); got != -1 {
		t.Errorf("high volume down = %f, want -1", got)
	}
	if got := ScoreVolume(1.0, 2.0); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("average volume up = %f, want 0.5", got)
	}
}

func TestScoreWhale(t *testing.T) {
	if got := ScoreWhale(0, 0); got != 0 {
		t.Errorf("no whale flow = %f, want 0", got)
	}
	if got := ScoreWhale(75, 25); got != 0.5 {
		t.Errorf("whale imbalance = %f, want 0.5", got)
	}
	if got := ScoreWhale(0, 10); got != -1 {
		t.Errorf("all sells = %f, want -1", got)
	}
}

func TestScoreSentimentBlend(t *testing.T) {
	if got := ScoreSentiment(75, 0, false); got != 0.5 {
		t.Errorf("social only = %f, want 0.5", got)
	}
	got := ScoreSentiment(75, 25, true)
	want := 0.6*0.5 + 0.4*(-0.5)
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("blended = %f, want %f", got, want)
	}
}

func TestScoreMacro(t *testing.T) {
	if got := ScoreMacro(600e6, "neutral", false); got != 0.5 {
		t.Errorf("strong inflow = %f, want 0.5", got)
	}
	if got := ScoreMacro(-600e6, "hawkish", false); got != -0.8 {
		t.Errorf("outflow + hawkish = %f, want -0.8", got)
	}
	if got := ScoreMacro(600e6, "dovish", true); got != 0.4 {
		t.Errorf("event halving = %f, want 0.4", got)
	}
}

func TestScoreAI(t *testing.T) {
	if got := ScoreAI(DirectionBullish, 0.8); got != 0.8 {
		t.Errorf("bullish = %f, want 0.8", got)
	}
	if got := ScoreAI(DirectionBearish, 0.8); got != -0.8 {
		t.Errorf("bearish = %f, want -0.8", got)
	}
	if got := ScoreAI(DirectionNeutral, 0.8); got != 0 {
		t.Errorf("neutral = %f, want 0", got)
	}
}

func uniformWeights() map[string]float64 {
	w := make(map[string]float64, len(bayes.SignalNames))
	for _, name := range bayes.SignalNames {
		w[name] = 1.0 / float64(len(bayes.SignalNames))
	}
	return w
}

func TestScoreBoundsAndComposites(t *testing.T) {
	f := &MarketFeatures{
		Symbol:          "BTCUSDT",
		FearGreed:       10,
		SocialSentiment: 90,
		RSI:             15,
		MACDLine:        1.5, MACDSignal: 1.0, MACDHist: 0.5, MACDPrevHist: 0.2, HasMACDPrev: true,
		Price: 110, SMA20: 105, SMA50: 100, SMA200: 95,
		VolumeRatio: 2.0, PriceChangePct: 3.0,
		WhaleBuys: 80, WhaleSells: 20,
		ETFFlowUSD: 700e6, FedStance: "dovish",
		AI: AIAssessment{Direction: DirectionBullish, Confidence: 0.9, RiskLevel: RiskLow},
	}
	b := Score(f, uniformWeights())

	for name, s := range b.Scores() {
		if s < -1 || s > 1 {
			t.Errorf("signal %s = %f outside [-1, 1]", name, s)
		}
	}
	if b.FinalScore < -1 || b.FinalScore > 1 {
		t.Errorf("final score %f outside [-1, 1]", b.FinalScore)
	}
	if math.Abs(b.MathComposite+b.AIComposite-b.FinalScore) > 1e-9 && b.FinalScore != 1 && b.FinalScore != -1 {
		t.Error("final score should equal math + ai composites below the clamp")
	}
	if len(b.WeightsApplied) != len(bayes.SignalNames) {
		t.Errorf("weights applied has %d entries, want %d", len(b.WeightsApplied), len(bayes.SignalNames))
	}
}

func TestMathAIDivergence(t *testing.T) {
	// Strongly bullish math signals against a bearish AI call.
	f := &MarketFeatures{
		FearGreed: 10, RSI: 15,
		MACDLine: 1.5, MACDSignal: 1.0, MACDHist: 0.5, MACDPrevHist: 0.2, HasMACDPrev: true,
		Price: 110, SMA20: 105, SMA50: 100, SMA200: 95,
		VolumeRatio: 2.0, PriceChangePct: 3.0,
		WhaleBuys: 90, WhaleSells: 10,
		SocialSentiment: 90, ETFFlowUSD: 700e6, FedStance: "dovish",
		AI: AIAssessment{Direction: DirectionBearish, Confidence: 0.9},
	}
	b := Score(f, uniformWeights())
	if b.Divergence.Kind != DivergenceMathAI {
		t.Fatalf("divergence = %s, want %s (math=%f ai=%f)",
			b.Divergence.Kind, DivergenceMathAI, b.MathComposite, b.AI)
	}
	wantStrength := math.Abs(b.MathComposite-b.AI) / 2
	if math.Abs(b.Divergence.Strength-wantStrength) > 1e-9 {
		t.Errorf("strength = %f, want %f", b.Divergence.Strength, wantStrength)
	}
}

func TestInternalDivergence(t *testing.T) {
	// Three strongly bullish and three strongly bearish math signals with a
	// near-zero composite so math_ai cannot trigger.
	f := &MarketFeatures{
		FearGreed: 10,                        // +1
		RSI:       15,                        // +1
		WhaleBuys: 90, WhaleSells: 10,        // +0.8
		Price: 90, SMA20: 95, SMA50: 100, SMA200: 105, // -1
		SocialSentiment: 5,                   // -0.9
		ETFFlowUSD:      -700e6, FedStance: "hawkish", // -0.8
		VolumeRatio: 0.3,                     // 0
		MACDLine:    0, MACDSignal: 0, MACDHist: 0, // 0
		AI: AIAssessment{Direction: DirectionNeutral},
	}
	b := Score(f, uniformWeights())
	if b.Divergence.Kind != DivergenceInternal {
		t.Fatalf("divergence = %s, want %s (math=%f)", b.Divergence.Kind, DivergenceInternal, b.MathComposite)
	}
	if math.Abs(b.Divergence.Strength-3.0/8.0) > 1e-9 {
		t.Errorf("strength = %f, want %f", b.Divergence.Strength, 3.0/8.0)
	}
}

func TestNoDivergence(t *testing.T) {
	f := &MarketFeatures{
		FearGreed: 50, RSI: 50, SocialSentiment: 50,
		AI: AIAssessment{Direction: DirectionNeutral},
	}
	b := Score(f, uniformWeights())
	if b.Divergence.Kind != DivergenceNone {
		t.Errorf("divergence = %s, want none", b.Divergence.Kind)
	}
}
