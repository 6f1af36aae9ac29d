package signal

// Direction is the AI classifier's market call.
type Direction string

const (
	DirectionBullish Direction = "BULLISH"
	DirectionBearish Direction = "BEARISH"
	DirectionNeutral Direction = "NEUTRAL"
)

// RiskLevel is the AI classifier's risk bucket.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// AIAssessment is the classifier output attached to a feature bundle.
type AIAssessment struct {
	Direction         Direction `json:"direction"`
	Confidence        float64   `json:"confidence"`
	RiskLevel         RiskLevel `json:"risk_level"`
	PlaybookAlignment float64   `json:"playbook_alignment"`
	Reasoning         string    `json:"reasoning,omitempty"`
}

// MarketFeatures is the full input bundle for one scoring pass. Fields map
// 1:1 to the features each signal consumes; indicator computation happens
// upstream.
type MarketFeatures struct {
	Symbol string `json:"symbol"`

	// Sentiment gauges
	FearGreed       int     `json:"fear_greed"`        // 0..100
	SocialSentiment float64 `json:"social_sentiment"`  // 0..100
	NewsSentiment   float64 `json:"news_sentiment"`    // 0..100
	HasNews         bool    `json:"has_news"`

	// Oscillators
	RSI           float64 `json:"rsi"`
	MACDLine      float64 `json:"macd_line"`
	MACDSignal    float64 `json:"macd_signal"`
	MACDHist      float64 `json:"macd_hist"`
	MACDPrevHist  float64 `json:"macd_prev_hist"`
	HasMACDPrev   bool    `json:"has_macd_prev"`

	// Trend structure
	Price  float64 `json:"price"`
	SMA20  float64 `json:"sma_20"`
	SMA50  float64 `json:"sma_50"`
	SMA200 float64 `json:"sma_200"`

	// Volume
	VolumeRatio    float64 `json:"volume_ratio"`     // current / average
	PriceChangePct float64 `json:"price_change_pct"` // sign gives direction

	// Whale flow
	WhaleBuys  float64 `json:"whale_buys"`
	WhaleSells float64 `json:"whale_sells"`

	// Macro
	ETFFlowUSD        float64 `json:"etf_flow_usd"` // net daily flow
	FedStance         string  `json:"fed_stance"`   // "hawkish", "dovish", "neutral"
	HighImpactEvent   bool    `json:"high_impact_event"`

	AI AIAssessment `json:"ai"`
}

// DivergenceKind classifies signal disagreement.
type DivergenceKind string

const (
	DivergenceNone     DivergenceKind = "none"
	DivergenceMathAI   DivergenceKind = "math_ai"
	DivergenceInternal DivergenceKind = "internal"
)

// Divergence describes one detected disagreement. Exactly one kind is
// reported per breakdown; math_ai takes precedence over internal.
type Divergence struct {
	Kind     DivergenceKind `json:"kind"`
	Strength float64        `json:"strength"`
}

// Breakdown is the scored output for one trade decision.
type Breakdown struct {
	Symbol string `json:"symbol"`

	FearGreed float64 `json:"fear_greed"`
	RSI       float64 `json:"rsi"`
	MACD      float64 `json:"macd"`
	Trend     float64 `json:"trend"`
	Volume    float64 `json:"volume"`
	Whale     float64 `json:"whale"`
	Sentiment float64 `json:"sentiment"`
	Macro     float64 `json:"macro"`
	AI        float64 `json:"ai"`

	AIDetail AIAssessment `json:"ai_detail"`

	WeightsApplied map[string]float64 `json:"weights_applied"`
	MathComposite  float64            `json:"math_composite"`
	AIComposite    float64            `json:"ai_composite"`
	FinalScore     float64            `json:"final_score"`
	Divergence     Divergence         `json:"divergence"`
}

// Scores returns the per-signal map in the canonical name order's keys.
func (b *Breakdown) Scores() map[string]float64 {
	return map[string]float64{
		"fear_greed": b.FearGreed,
		"rsi":        b.RSI,
		"macd":       b.MACD,
		"trend":      b.Trend,
		"volume":     b.Volume,
		"whale":      b.Whale,
		"sentiment":  b.Sentiment,
		"macro":      b.Macro,
		"ai":         b.AI,
	}
}
