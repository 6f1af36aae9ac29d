package venue

import "time"

// Side is an order side.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Kline is one candlestick.
type Kline struct {
	OpenTime  int64   `json:"openTime"`
	Open      float64 `json:"open,string"`
	High      float64 `json:"high,string"`
	Low       float64 `json:"low,string"`
	Close     float64 `json:"close,string"`
	Volume    float64 `json:"volume,string"`
	CloseTime int64   `json:"closeTime"`
}

// Order is one resting limit order as the venue reports it.
type Order struct {
	OrderID   string    `json:"orderId"`
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	CreatedAt time.Time `json:"createdAt"`
}

// Fill is one execution report delivered by the user-data stream.
type Fill struct {
	OrderID  string    `json:"orderId"`
	Symbol   string    `json:"symbol"`
	Side     Side      `json:"side"`
	Price    float64   `json:"price"`
	Quantity float64   `json:"quantity"`
	FilledAt time.Time `json:"filledAt"`
}
