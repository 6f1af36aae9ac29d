// Package ai wraps the DeepSeek chat-completions API as a market classifier.
// The classifier is advisory: every failure path degrades to a typed neutral
// assessment so scoring stays total, and a hard call and spend budget keeps
// the API bill bounded.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"cohort-grid-bot/internal/logging"
	"cohort-grid-bot/internal/signal"
)

const (
	defaultBaseURL = "https://api.deepseek.com"
	defaultModel   = "deepseek-chat"

	requestTimeout = 30 * time.Second

	maxDailyCalls     = 100
	maxMonthlyCostUSD = 5.0

	// Flat per-call estimate used for budget accounting. Prompt sizes are
	// stable so this tracks the real bill closely enough.
	estCostPerCallUSD = 0.002
)

// Client calls the classifier endpoint with budget enforcement.
type Client struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
	logger  *logging.Logger
	now     func() time.Time

	mu            sync.Mutex
	dayKey        string
	callsToday    int
	monthKey      string
	monthSpendUSD float64
	dailyLimit    int
	monthlyLimit  float64
}

// NewClient builds a classifier client. An empty API key disables the
// classifier; Classify then always returns the neutral fallback.
func NewClient(apiKey string, logger *logging.Logger) *Client {
	return &Client{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		model:        defaultModel,
		http:         &http.Client{Timeout: requestTimeout},
		logger:       logger.WithComponent("ai"),
		now:          time.Now,
		dailyLimit:   maxDailyCalls,
		monthlyLimit: maxMonthlyCostUSD,
	}
}

// NeutralAssessment is the fallback returned whenever the classifier cannot
// produce a real answer. It carries no directional signal and mid risk.
func NeutralAssessment(reason string) signal.AIAssessment {
	return signal.AIAssessment{
		Direction:         signal.DirectionNeutral,
		Confidence:        0,
		RiskLevel:         signal.RiskMedium,
		PlaybookAlignment: 0.5,
		Reasoning:         reason,
	}
}

// chat-completions wire types, request and response.

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

const systemPrompt = `You are a crypto market analyst. Given a JSON bundle of
market features, respond with ONLY a JSON object of this exact shape:
{"direction":"BULLISH|BEARISH|NEUTRAL","confidence":0.0-1.0,` +
	`"risk_level":"LOW|MEDIUM|HIGH","playbook_alignment":0.0-1.0,"reasoning":"one sentence"}`

// Classify asks the model for a directional call on the feature bundle. The
// playbook text, when present, is included so alignment can be judged. Any
// failure returns the neutral fallback; Classify never returns an error.
func (c *Client) Classify(ctx context.Context, f *signal.MarketFeatures, playbook string) signal.AIAssessment {
	if c.apiKey == "" {
		return NeutralAssessment("classifier disabled")
	}
	if reason, ok := c.consumeBudget(); !ok {
		c.logger.Warn("classifier budget exhausted", "reason", reason, "symbol", f.Symbol)
		return NeutralAssessment(reason)
	}

	out, err := c.call(ctx, f, playbook)
	if err != nil {
		c.logger.Warn("classifier call failed", "symbol", f.Symbol, "error", err)
		return NeutralAssessment("classifier unavailable")
	}
	return out
}

func (c *Client) call(ctx context.Context, f *signal.MarketFeatures, playbook string) (signal.AIAssessment, error) {
	features, err := json.Marshal(f)
	if err != nil {
		return signal.AIAssessment{}, fmt.Errorf("encoding features: %w", err)
	}
	user := fmt.Sprintf("Market features for %s:\n%s", f.Symbol, features)
	if playbook != "" {
		user += "\n\nCurrent playbook:\n" + playbook
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user},
		},
		Temperature:    0.1,
		ResponseFormat: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return signal.AIAssessment{}, fmt.Errorf("encoding request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return signal.AIAssessment{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return signal.AIAssessment{}, fmt.Errorf("calling classifier: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return signal.AIAssessment{}, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return signal.AIAssessment{}, fmt.Errorf("decoding response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return signal.AIAssessment{}, fmt.Errorf("empty response")
	}
	return parseAssessment(cr.Choices[0].Message.Content)
}

// parseAssessment validates the model's JSON answer into a typed assessment.
func parseAssessment(content string) (signal.AIAssessment, error) {
	// Some models wrap JSON in a code fence despite json_object mode.
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var a signal.AIAssessment
	if err := json.Unmarshal([]byte(content), &a); err != nil {
		return signal.AIAssessment{}, fmt.Errorf("parsing assessment: %w", err)
	}

	switch a.Direction {
	case signal.DirectionBullish, signal.DirectionBearish, signal.DirectionNeutral:
	default:
		return signal.AIAssessment{}, fmt.Errorf("invalid direction %q", a.Direction)
	}
	switch a.RiskLevel {
	case signal.RiskLow, signal.RiskMedium, signal.RiskHigh:
	default:
		a.RiskLevel = signal.RiskMedium
	}
	a.Confidence = clamp01(a.Confidence)
	a.PlaybookAlignment = clamp01(a.PlaybookAlignment)
	return a, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// consumeBudget reserves one call against the daily and monthly budgets. Day
// and month windows reset on UTC boundaries.
func (c *Client) consumeBudget() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")

	if day != c.dayKey {
		c.dayKey = day
		c.callsToday = 0
	}
	if month != c.monthKey {
		c.monthKey = month
		c.monthSpendUSD = 0
	}

	if c.callsToday >= c.dailyLimit {
		return "daily call budget exhausted", false
	}
	if c.monthSpendUSD+estCostPerCallUSD > c.monthlyLimit {
		return "monthly cost budget exhausted", false
	}
	c.callsToday++
	c.monthSpendUSD += estCostPerCallUSD
	return "", true
}

// Usage reports the current budget window for the status API.
func (c *Client) Usage() (callsToday int, monthSpendUSD float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callsToday, c.monthSpendUSD
}
