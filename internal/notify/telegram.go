package notify

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// telegramMaxLen is Telegram's hard message length limit.
const telegramMaxLen = 4096

// Telegram delivers messages through the Bot API.
type Telegram struct {
	token   string
	chatID  string
	baseURL string
	http    *http.Client
}

// NewTelegram builds a Telegram channel.
func NewTelegram(token, chatID string) *Telegram {
	return &Telegram{
		token:   token,
		chatID:  chatID,
		baseURL: "https://api.telegram.org",
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Deliver sends one message, truncating at the API limit.
func (t *Telegram) Deliver(text string) error {
	if len(text) > telegramMaxLen {
		text = text[:telegramMaxLen-3] + "..."
	}

	form := url.Values{}
	form.Set("chat_id", t.chatID)
	form.Set("text", text)

	resp, err := t.http.PostForm(
		fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token), form)
	if err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding telegram response: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("telegram rejected message: %s", strings.TrimSpace(result.Description))
	}
	return nil
}
