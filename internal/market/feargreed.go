package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// FearGreedClient reads the alternative.me crypto fear & greed index. Values
// are cached for an hour; on any failure the last known value is served, or
// 50 when nothing was ever fetched.
type FearGreedClient struct {
	baseURL string
	http    *http.Client
	now     func() time.Time

	mu        sync.Mutex
	value     int
	history   []int
	fetchedAt time.Time
}

const fearGreedTTL = time.Hour

// NewFearGreedClient builds a client with the neutral default.
func NewFearGreedClient() *FearGreedClient {
	return &FearGreedClient{
		baseURL: "https://api.alternative.me",
		http:    &http.Client{Timeout: 10 * time.Second},
		now:     time.Now,
		value:   50,
	}
}

// Current returns today's index value.
func (c *FearGreedClient) Current(ctx context.Context) int {
	c.refresh(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// WeeklyAverage returns the mean of the last 7 daily values, falling back to
// the current value when history is unavailable.
func (c *FearGreedClient) WeeklyAverage(ctx context.Context) float64 {
	c.refresh(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) == 0 {
		return float64(c.value)
	}
	sum := 0
	for _, v := range c.history {
		sum += v
	}
	return float64(sum) / float64(len(c.history))
}

func (c *FearGreedClient) refresh(ctx context.Context) {
	c.mu.Lock()
	fresh := c.now().Sub(c.fetchedAt) < fearGreedTTL
	c.mu.Unlock()
	if fresh {
		return
	}

	values, err := c.fetch(ctx, 7)
	if err != nil || len(values) == 0 {
		return
	}

	c.mu.Lock()
	c.value = values[0]
	c.history = values
	c.fetchedAt = c.now()
	c.mu.Unlock()
}

func (c *FearGreedClient) fetch(ctx context.Context, limit int) ([]int, error) {
	url := fmt.Sprintf("%s/fng/?limit=%d", c.baseURL, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching fear/greed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fear/greed status %d", resp.StatusCode)
	}

	var payload struct {
		Data []struct {
			Value string `json:"value"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding fear/greed: %w", err)
	}

	out := make([]int, 0, len(payload.Data))
	for _, d := range payload.Data {
		v, err := strconv.Atoi(d.Value)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
