package sizing

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"cohort-grid-bot/internal/logging"
	"cohort-grid-bot/internal/venue"
)

// ReturnsSource says where a return vector came from.
type ReturnsSource string

const (
	SourceCache     ReturnsSource = "cache"
	SourceKlines    ReturnsSource = "klines"
	SourceSynthetic ReturnsSource = "synthetic"
)

const (
	returnsCacheTTL = time.Hour
	klineLookback   = 90
	syntheticPoints = 50
)

// ReturnsCache caches per-symbol daily return vectors. A nil cache is valid
// and always misses.
type ReturnsCache interface {
	GetReturns(ctx context.Context, symbol string) ([]float64, bool)
	SetReturns(ctx context.Context, symbol string, returns []float64)
}

// RedisReturnsCache backs ReturnsCache with redis. Cache failures degrade to
// misses; they never fail a sizing call.
type RedisReturnsCache struct {
	rdb    *redis.Client
	logger *logging.Logger
}

// NewRedisReturnsCache wraps an existing redis client.
func NewRedisReturnsCache(rdb *redis.Client, logger *logging.Logger) *RedisReturnsCache {
	return &RedisReturnsCache{rdb: rdb, logger: logger.WithComponent("returns-cache")}
}

func returnsKey(symbol string) string { return "returns:daily:" + symbol }

func (c *RedisReturnsCache) GetReturns(ctx context.Context, symbol string) ([]float64, bool) {
	data, err := c.rdb.Get(ctx, returnsKey(symbol)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("returns cache read failed", "symbol", symbol, "error", err)
		}
		return nil, false
	}
	var returns []float64
	if err := json.Unmarshal(data, &returns); err != nil {
		return nil, false
	}
	return returns, true
}

func (c *RedisReturnsCache) SetReturns(ctx context.Context, symbol string, returns []float64) {
	data, err := json.Marshal(returns)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, returnsKey(symbol), data, returnsCacheTTL).Err(); err != nil {
		c.logger.Warn("returns cache write failed", "symbol", symbol, "error", err)
	}
}

// ReturnsProvider fetches per-symbol daily returns through a three-stage
// fallback: cache, kline derivation, deterministic synthetic vector.
type ReturnsProvider struct {
	client venue.Client
	cache  ReturnsCache
	logger *logging.Logger
}

// NewReturnsProvider creates a provider. cache may be nil.
func NewReturnsProvider(client venue.Client, cache ReturnsCache, logger *logging.Logger) *ReturnsProvider {
	return &ReturnsProvider{client: client, cache: cache, logger: logger}
}

// Fetch returns the freshest available return vector and its source.
func (p *ReturnsProvider) Fetch(ctx context.Context, symbol string) ([]float64, ReturnsSource) {
	if p.cache != nil {
		if returns, ok := p.cache.GetReturns(ctx, symbol); ok && len(returns) > 0 {
			return returns, SourceCache
		}
	}

	if p.client != nil {
		klines, err := p.client.GetKlines(ctx, symbol, "1d", klineLookback)
		if err == nil && len(klines) >= 2 {
			returns := deriveReturns(klines)
			if p.cache != nil {
				p.cache.SetReturns(ctx, symbol, returns)
			}
			return returns, SourceKlines
		}
		if err != nil {
			p.logger.Warn("kline fetch failed, using synthetic returns", "symbol", symbol, "error", err)
		}
	}

	return SyntheticReturns(symbol, syntheticPoints), SourceSynthetic
}

// deriveReturns converts close prices into day-over-day fractional returns.
func deriveReturns(klines []venue.Kline) []float64 {
	returns := make([]float64, 0, len(klines)-1)
	for i := 1; i < len(klines); i++ {
		prev := klines[i-1].Close
		if prev == 0 {
			continue
		}
		returns = append(returns, (klines[i].Close-prev)/prev)
	}
	return returns
}

// syntheticSigma maps well-known symbols to an assumed daily volatility.
var syntheticSigma = map[string]float64{
	"BTCUSDT": 0.03,
	"ETHUSDT": 0.04,
}

// SyntheticReturns builds a deterministic return vector seeded by the symbol,
// so repeated calls size identically in the absence of data.
func SyntheticReturns(symbol string, n int) []float64 {
	sigma, ok := syntheticSigma[symbol]
	if !ok {
		sigma = 0.05
	}
	h := fnv.New64a()
	h.Write([]byte(symbol))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	returns := make([]float64, n)
	for i := range returns {
		returns[i] = 0.0005 + rng.NormFloat64()*sigma
	}
	return returns
}
