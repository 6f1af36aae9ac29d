package venue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockClient is an in-memory venue for paper trading and tests. Prices,
// klines, and balances are scripted; fills are triggered explicitly or by a
// price move through a resting level.
type MockClient struct {
	mu       sync.Mutex
	prices   map[string]float64
	klines   map[string][]Kline
	balances map[string]float64
	orders   map[string]Order
	nextID   int64
	fills    chan Fill

	// FailNextPlace makes the next PlaceOrder return a transient error.
	FailNextPlace bool

	// PlacedOrders records every successful placement for assertions.
	PlacedOrders []Order
}

// NewMockClient creates an empty mock with a buffered fill channel.
func NewMockClient() *MockClient {
	return &MockClient{
		prices:   make(map[string]float64),
		klines:   make(map[string][]Kline),
		balances: make(map[string]float64),
		orders:   make(map[string]Order),
		nextID:   1,
		fills:    make(chan Fill, 64),
	}
}

// SetPrice scripts the current price for a symbol.
func (m *MockClient) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

// SetKlines scripts the candlestick history for a symbol.
func (m *MockClient) SetKlines(symbol string, klines []Kline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.klines[symbol] = klines
}

// SetBalance scripts the free balance for an asset.
func (m *MockClient) SetBalance(asset string, free float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[asset] = free
}

// Fills exposes the execution stream, mirroring the live user-data stream.
func (m *MockClient) Fills() <-chan Fill { return m.fills }

// Fill marks a resting order as executed and emits the report.
func (m *MockClient) Fill(orderID string) error {
	m.mu.Lock()
	o, ok := m.orders[orderID]
	if ok {
		delete(m.orders, orderID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	m.fills <- Fill{
		OrderID:  o.OrderID,
		Symbol:   o.Symbol,
		Side:     o.Side,
		Price:    o.Price,
		Quantity: o.Quantity,
		FilledAt: time.Now(),
	}
	return nil
}

func (m *MockClient) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.orders {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *MockClient) PlaceOrder(ctx context.Context, symbol string, side Side, quantity, price float64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNextPlace {
		m.FailNextPlace = false
		return "", fmt.Errorf("%w: scripted failure", ErrTransient)
	}
	id := fmt.Sprintf("mock-%d", m.nextID)
	m.nextID++
	o := Order{
		OrderID:   id,
		Symbol:    symbol,
		Side:      side,
		Price:     price,
		Quantity:  quantity,
		CreatedAt: time.Now(),
	}
	m.orders[id] = o
	m.PlacedOrders = append(m.PlacedOrders, o)
	return id, nil
}

func (m *MockClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[orderID]; !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	delete(m.orders, orderID)
	return nil
}

func (m *MockClient) GetAccountBalance(ctx context.Context, asset string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[asset], nil
}

func (m *MockClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.klines[symbol]
	if limit > 0 && len(k) > limit {
		k = k[len(k)-limit:]
	}
	return append([]Kline(nil), k...), nil
}

func (m *MockClient) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price scripted for %s", symbol)
	}
	return p, nil
}
