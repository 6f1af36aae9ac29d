package venue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"cohort-grid-bot/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New(&logging.Config{Level: "ERROR", Output: "stderr"})
}

func TestMockClientOrderLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMockClient()
	m.SetPrice("BTCUSDT", 50000)

	id, err := m.PlaceOrder(ctx, "BTCUSDT", Buy, 0.001, 49000)
	if err != nil {
		t.Fatal(err)
	}

	open, err := m.GetOpenOrders(ctx, "BTCUSDT")
	if err != nil || len(open) != 1 {
		t.Fatalf("open orders = %d (%v), want 1", len(open), err)
	}

	if err := m.Fill(id); err != nil {
		t.Fatal(err)
	}
	select {
	case fill := <-m.Fills():
		if fill.OrderID != id || fill.Side != Buy || fill.Price != 49000 {
			t.Errorf("fill = %+v", fill)
		}
	default:
		t.Fatal("no fill event emitted")
	}

	open, _ = m.GetOpenOrders(ctx, "BTCUSDT")
	if len(open) != 0 {
		t.Errorf("filled order still open: %v", open)
	}
}

func TestMockClientScriptedFailureIsTransient(t *testing.T) {
	m := NewMockClient()
	m.FailNextPlace = true
	_, err := m.PlaceOrder(context.Background(), "BTCUSDT", Buy, 1, 100)
	if !IsTransient(err) {
		t.Fatalf("scripted failure should be transient, got %v", err)
	}
	// Next placement succeeds.
	if _, err := m.PlaceOrder(context.Background(), "BTCUSDT", Buy, 1, 100); err != nil {
		t.Fatal(err)
	}
}

func TestSignIsOrderIndependent(t *testing.T) {
	c := NewBinanceClient("key", "secret", true, testLogger())

	a := url.Values{}
	a.Set("symbol", "BTCUSDT")
	a.Set("side", "BUY")
	a.Set("timestamp", "1700000000000")

	b := url.Values{}
	b.Set("timestamp", "1700000000000")
	b.Set("side", "BUY")
	b.Set("symbol", "BTCUSDT")

	sa, sb := c.sign(a), c.sign(b)
	if sa != sb {
		t.Errorf("signature depends on param order: %s vs %s", sa, sb)
	}
	if len(sa) != 64 {
		t.Errorf("signature length = %d, want 64 hex chars", len(sa))
	}
}

func TestDoRetriesTransientStatus(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"price":"50000.0"}`))
	}))
	defer server.Close()

	c := NewBinanceClient("key", "secret", false, testLogger())
	c.baseURL = server.URL

	price, err := c.GetCurrentPrice(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if price != 50000 {
		t.Errorf("price = %f, want 50000", price)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestDoDoesNotRetryClientError(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer server.Close()

	c := NewBinanceClient("key", "secret", false, testLogger())
	c.baseURL = server.URL

	if _, err := c.GetCurrentPrice(context.Background(), "NOPE"); err == nil {
		t.Fatal("expected error")
	} else if IsTransient(err) {
		t.Errorf("4xx should not be transient: %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}
