// Package market turns raw venue data into the feature bundles the scoring
// and regime layers consume: candlestick-derived indicators, the fear/greed
// index, and the optional AI assessment.
package market

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"cohort-grid-bot/internal/logging"
	"cohort-grid-bot/internal/regime"
	"cohort-grid-bot/internal/signal"
	"cohort-grid-bot/internal/venue"
)

// Classifier is the advisory AI surface. A nil classifier yields neutral
// assessments.
type Classifier interface {
	Classify(ctx context.Context, f *signal.MarketFeatures, playbook string) signal.AIAssessment
}

// Source implements the orchestrator's feature source over a venue client.
type Source struct {
	venue      venue.Client
	fearGreed  *FearGreedClient
	classifier Classifier
	symbols    []string
	logger     *logging.Logger
}

// NewSource builds a feature source. symbols is the candidate universe.
func NewSource(client venue.Client, fearGreed *FearGreedClient, classifier Classifier, symbols []string, logger *logging.Logger) *Source {
	if len(symbols) == 0 {
		symbols = []string{"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT"}
	}
	return &Source{
		venue:      client,
		fearGreed:  fearGreed,
		classifier: classifier,
		symbols:    symbols,
		logger:     logger.WithComponent("market"),
	}
}

// Candidates returns the tradable universe.
func (s *Source) Candidates(ctx context.Context) ([]string, error) {
	return append([]string(nil), s.symbols...), nil
}

// MarketFeatures assembles the full scoring input for one symbol from hourly
// candles. Sentiment and macro inputs without a wired provider stay at their
// neutral defaults so their mapped scores contribute nothing.
func (s *Source) MarketFeatures(ctx context.Context, symbol string) (*signal.MarketFeatures, error) {
	klines, err := s.venue.GetKlines(ctx, symbol, "1h", 250)
	if err != nil {
		return nil, fmt.Errorf("klines for %s: %w", symbol, err)
	}
	if len(klines) < 30 {
		return nil, fmt.Errorf("only %d candles for %s, need 30", len(klines), symbol)
	}

	closes := make([]float64, len(klines))
	volumes := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
		volumes[i] = k.Volume
	}
	price := closes[len(closes)-1]

	macd := MACD(closes)
	f := &signal.MarketFeatures{
		Symbol:       symbol,
		FearGreed:    s.fearGreed.Current(ctx),
		RSI:          RSI(closes, 14),
		MACDLine:     macd.Line,
		MACDSignal:   macd.Signal,
		MACDHist:     macd.Hist,
		MACDPrevHist: macd.PrevHist,
		HasMACDPrev:  macd.HasPrev,
		Price:        price,
		SMA20:        SMA(closes, 20),
		SMA50:        SMA(closes, 50),
		SMA200:       SMA(closes, 200),

		// Neutral defaults for inputs without a wired provider.
		SocialSentiment: 50,
		NewsSentiment:   50,
		FedStance:       "neutral",
	}

	if avgVol := SMA(volumes, 20); avgVol > 0 {
		f.VolumeRatio = volumes[len(volumes)-1] / avgVol
	}
	if len(closes) > 24 && closes[len(closes)-25] > 0 {
		f.PriceChangePct = (price/closes[len(closes)-25] - 1) * 100
	}
	f.WhaleBuys, f.WhaleSells = whaleFlow(klines)

	if s.classifier != nil {
		f.AI = s.classifier.Classify(ctx, f, "")
	} else {
		f.AI = signal.AIAssessment{
			Direction:         signal.DirectionNeutral,
			RiskLevel:         signal.RiskMedium,
			PlaybookAlignment: 0.5,
		}
	}
	return f, nil
}

// whaleFlow approximates large-player flow from outsized candles: volume
// beyond twice the average counts toward the candle's direction.
func whaleFlow(klines []venue.Kline) (buys, sells float64) {
	if len(klines) < 2 {
		return 0, 0
	}
	volumes := make([]float64, len(klines))
	for i, k := range klines {
		volumes[i] = k.Volume
	}
	avg := stat.Mean(volumes, nil)
	if avg == 0 {
		return 0, 0
	}
	start := len(klines) - 24
	if start < 0 {
		start = 0
	}
	for _, k := range klines[start:] {
		if k.Volume < 2*avg {
			continue
		}
		notional := k.Volume * k.Close
		if k.Close >= k.Open {
			buys += notional
		} else {
			sells += notional
		}
	}
	return buys, sells
}

// RegimeFeatures derives the market-wide regime inputs from BTC daily
// candles, in percent units.
func (s *Source) RegimeFeatures(ctx context.Context) (regime.Features, error) {
	klines, err := s.venue.GetKlines(ctx, "BTCUSDT", "1d", 15)
	if err != nil {
		return regime.Features{}, fmt.Errorf("btc daily klines: %w", err)
	}
	if len(klines) < 15 {
		return regime.Features{}, fmt.Errorf("only %d daily candles, need 15", len(klines))
	}

	closes := make([]float64, len(klines))
	volumes := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
		volumes[i] = k.Volume
	}

	var f regime.Features
	last := len(closes) - 1
	if closes[last-7] > 0 {
		f.Return7D = (closes[last]/closes[last-7] - 1) * 100
	}

	rets := returns(closes[last-7:])
	if len(rets) >= 2 {
		f.Volatility7D = math.Sqrt(stat.Variance(rets, nil)) * 100
	}

	recent := stat.Mean(volumes[last-6:], nil)
	prior := stat.Mean(volumes[last-13:last-6], nil)
	if prior > 0 {
		f.VolumeTrend = (recent/prior - 1) * 100
	}

	f.FearGreedAvg = s.fearGreed.WeeklyAverage(ctx)
	return f, nil
}
