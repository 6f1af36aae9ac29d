package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"cohort-grid-bot/internal/logging"
)

const (
	mainnetBaseURL = "https://api.binance.com"
	testnetBaseURL = "https://testnet.binance.vision"

	// requestsPerMinute is the aggregate budget across all cohorts.
	requestsPerMinute = 1000

	maxRetries   = 3
	retryBase    = 1 * time.Second
	retryCeiling = 30 * time.Second
)

// BinanceClient is the HMAC-signed spot REST client.
type BinanceClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logging.Logger
}

// NewBinanceClient creates a rate-limited client against mainnet or testnet.
func NewBinanceClient(apiKey, secretKey string, testnet bool, logger *logging.Logger) *BinanceClient {
	baseURL := mainnetBaseURL
	if testnet {
		baseURL = testnetBaseURL
	}
	return &BinanceClient{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerMinute)/60, requestsPerMinute/10),
		logger:     logger.WithComponent("binance"),
	}
}

// GetKlines fetches candlestick data.
func (c *BinanceClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.do(ctx, http.MethodGet, "/api/v3/klines", params, false)
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}

	var rawKlines [][]interface{}
	if err := json.Unmarshal(body, &rawKlines); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	klines := make([]Kline, len(rawKlines))
	for i, raw := range rawKlines {
		if len(raw) < 7 {
			return nil, fmt.Errorf("malformed kline row %d", i)
		}
		klines[i] = Kline{
			OpenTime:  int64(raw[0].(float64)),
			Open:      parseFloat(raw[1]),
			High:      parseFloat(raw[2]),
			Low:       parseFloat(raw[3]),
			Close:     parseFloat(raw[4]),
			Volume:    parseFloat(raw[5]),
			CloseTime: int64(raw[6].(float64)),
		}
	}
	return klines, nil
}

// GetCurrentPrice fetches the latest ticker price.
func (c *BinanceClient) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.do(ctx, http.MethodGet, "/api/v3/ticker/price", params, false)
	if err != nil {
		return 0, fmt.Errorf("error fetching price: %w", err)
	}

	var result struct {
		Price float64 `json:"price,string"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, fmt.Errorf("error parsing price: %w", err)
	}
	return result.Price, nil
}

// GetOpenOrders lists resting orders for a symbol.
func (c *BinanceClient) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.do(ctx, http.MethodGet, "/api/v3/openOrders", params, true)
	if err != nil {
		return nil, fmt.Errorf("error fetching open orders: %w", err)
	}

	var raw []struct {
		OrderID  int64   `json:"orderId"`
		Symbol   string  `json:"symbol"`
		Side     string  `json:"side"`
		Price    float64 `json:"price,string"`
		OrigQty  float64 `json:"origQty,string"`
		Time     int64   `json:"time"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("error parsing open orders: %w", err)
	}

	orders := make([]Order, len(raw))
	for i, o := range raw {
		orders[i] = Order{
			OrderID:   strconv.FormatInt(o.OrderID, 10),
			Symbol:    o.Symbol,
			Side:      Side(o.Side),
			Price:     o.Price,
			Quantity:  o.OrigQty,
			CreatedAt: time.UnixMilli(o.Time),
		}
	}
	return orders, nil
}

// PlaceOrder submits a limit order and returns the venue order id.
func (c *BinanceClient) PlaceOrder(ctx context.Context, symbol string, side Side, quantity, price float64) (string, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("quantity", formatQuantity(quantity))
	params.Set("price", formatQuantity(price))

	body, err := c.do(ctx, http.MethodPost, "/api/v3/order", params, true)
	if err != nil {
		return "", fmt.Errorf("error placing order: %w", err)
	}

	var result struct {
		OrderID int64 `json:"orderId"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("error parsing order response: %w", err)
	}
	c.logger.Info("order placed",
		"symbol", symbol, "side", string(side),
		"quantity", quantity, "price", price,
		"order_id", result.OrderID)
	return strconv.FormatInt(result.OrderID, 10), nil
}

// CancelOrder cancels a resting order.
func (c *BinanceClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	if _, err := c.do(ctx, http.MethodDelete, "/api/v3/order", params, true); err != nil {
		return fmt.Errorf("error cancelling order %s: %w", orderID, err)
	}
	return nil
}

// GetAccountBalance returns the free balance of one asset.
func (c *BinanceClient) GetAccountBalance(ctx context.Context, asset string) (float64, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v3/account", url.Values{}, true)
	if err != nil {
		return 0, fmt.Errorf("error fetching account: %w", err)
	}

	var result struct {
		Balances []struct {
			Asset string  `json:"asset"`
			Free  float64 `json:"free,string"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, fmt.Errorf("error parsing account: %w", err)
	}
	for _, b := range result.Balances {
		if b.Asset == asset {
			return b.Free, nil
		}
	}
	return 0, nil
}

// do runs one request with rate limiting, signing, and transient-error
// retries with exponential backoff.
func (c *BinanceClient) do(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBase * time.Duration(1<<(attempt-1))
			if delay > retryCeiling {
				delay = retryCeiling
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, err := c.doOnce(ctx, method, path, params, signed)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return nil, err
		}
		c.logger.Warn("venue request retry",
			"path", path, "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (c *BinanceClient) doOnce(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	q := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if signed {
		q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		q.Set("signature", c.sign(q))
	}

	endpoint := fmt.Sprintf("%s%s?%s", c.baseURL, path, q.Encode())
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrTransient, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrTransient, resp.StatusCode, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// sign creates the HMAC-SHA256 signature over the sorted query string.
func (c *BinanceClient) sign(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k != "signature" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params.Get(k))
	}

	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(sb.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// IsTransient reports whether an error is retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

func parseFloat(val interface{}) float64 {
	switch v := val.(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	default:
		return 0
	}
}

// formatQuantity trims a float to 8 decimals without trailing zeros, which is
// what the exchange accepts.
func formatQuantity(v float64) string {
	rounded := math.Round(v*1e8) / 1e8
	return strconv.FormatFloat(rounded, 'f', -1, 64)
}
