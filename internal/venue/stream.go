package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"cohort-grid-bot/internal/logging"
)

const (
	mainnetStreamURL = "wss://stream.binance.com:9443/ws"
	testnetStreamURL = "wss://testnet.binance.vision/ws"

	listenKeyKeepalive = 30 * time.Minute
	reconnectDelay     = 5 * time.Second
)

// UserDataStream delivers execution reports over the account websocket. Fill
// events land on the Fills channel; the grid engine polls open orders as a
// fallback when the stream is down.
type UserDataStream struct {
	apiKey     string
	restBase   string
	streamBase string
	httpClient *http.Client
	fills      chan Fill
	logger     *logging.Logger
}

// NewUserDataStream creates a stream bound to the same environment as the
// REST client.
func NewUserDataStream(apiKey string, testnet bool, logger *logging.Logger) *UserDataStream {
	restBase, streamBase := mainnetBaseURL, mainnetStreamURL
	if testnet {
		restBase, streamBase = testnetBaseURL, testnetStreamURL
	}
	return &UserDataStream{
		apiKey:     apiKey,
		restBase:   restBase,
		streamBase: streamBase,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		fills:      make(chan Fill, 256),
		logger:     logger.WithComponent("userstream"),
	}
}

// Fills is the execution report channel.
func (s *UserDataStream) Fills() <-chan Fill { return s.fills }

// Run connects and reads until the context is cancelled, reconnecting with a
// fresh listen key after any failure.
func (s *UserDataStream) Run(ctx context.Context) {
	for {
		if err := s.connectAndRead(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("user-data stream dropped", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (s *UserDataStream) connectAndRead(ctx context.Context) error {
	listenKey, err := s.createListenKey(ctx)
	if err != nil {
		return fmt.Errorf("creating listen key: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.streamBase+"/"+listenKey, nil)
	if err != nil {
		return fmt.Errorf("dialing stream: %w", err)
	}
	defer conn.Close()
	s.logger.Info("user-data stream connected")

	keepaliveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.keepalive(keepaliveCtx, listenKey)
	go func() {
		<-keepaliveCtx.Done()
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading stream: %w", err)
		}
		s.handleMessage(message)
	}
}

// executionReport is the subset of the event the grid engine consumes.
type executionReport struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Side      string `json:"S"`
	Status    string `json:"X"`
	OrderID   int64  `json:"i"`
	LastPrice string `json:"L"`
	LastQty   string `json:"l"`
	TradeTime int64  `json:"T"`
}

func (s *UserDataStream) handleMessage(message []byte) {
	var report executionReport
	if err := json.Unmarshal(message, &report); err != nil {
		return
	}
	if report.EventType != "executionReport" || report.Status != "FILLED" {
		return
	}
	fill := Fill{
		OrderID:  fmt.Sprintf("%d", report.OrderID),
		Symbol:   report.Symbol,
		Side:     Side(report.Side),
		Price:    parseFloat(report.LastPrice),
		Quantity: parseFloat(report.LastQty),
		FilledAt: time.UnixMilli(report.TradeTime),
	}
	select {
	case s.fills <- fill:
	default:
		s.logger.Warn("fill channel full, dropping event", "order_id", fill.OrderID)
	}
}

func (s *UserDataStream) createListenKey(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.restBase+"/api/v3/userDataStream", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-MBX-APIKEY", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("listen key status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", err
	}
	return result.ListenKey, nil
}

func (s *UserDataStream) keepalive(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(listenKeyKeepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			url := fmt.Sprintf("%s/api/v3/userDataStream?listenKey=%s", s.restBase, listenKey)
			req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, nil)
			if err != nil {
				continue
			}
			req.Header.Set("X-MBX-APIKEY", s.apiKey)
			resp, err := s.httpClient.Do(req)
			if err != nil {
				s.logger.Warn("listen key keepalive failed", "error", err)
				continue
			}
			resp.Body.Close()
		}
	}
}
