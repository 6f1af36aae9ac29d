package venue

import "context"

// PaperClient trades against the in-memory mock while reading market data
// from a real source, so paper runs see live prices without placing orders.
type PaperClient struct {
	*MockClient
	data Client
}

// NewPaperClient wraps a market-data client. The quote balance is seeded so
// plausibility checks pass.
func NewPaperClient(data Client) *PaperClient {
	mock := NewMockClient()
	mock.SetBalance("USDT", 10000)
	return &PaperClient{MockClient: mock, data: data}
}

func (p *PaperClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	return p.data.GetKlines(ctx, symbol, interval, limit)
}

func (p *PaperClient) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return p.data.GetCurrentPrice(ctx, symbol)
}
