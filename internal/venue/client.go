// Package venue talks to the spot exchange. The Binance client is the real
// implementation; MockClient serves paper trading and tests through the same
// interface.
package venue

import (
	"context"
	"errors"
)

// ErrTransient marks a retryable failure (network, 5xx, 429). Callers that
// exhausted retries should degrade rather than abort.
var ErrTransient = errors.New("transient venue error")

// Client is the surface the trading core consumes.
type Client interface {
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	PlaceOrder(ctx context.Context, symbol string, side Side, quantity, price float64) (string, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetAccountBalance(ctx context.Context, asset string) (float64, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
}
