// Package telegram sends pre-formatted HTML summaries to a Telegram chat
// via the Bot API, implementing alert.Sink.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const apiBase = "https://api.telegram.org/bot"

// Sink posts messages to one Telegram chat via the Bot API's sendMessage
// method. The zero value is not usable; build with New.
type Sink struct {
	client  *http.Client
	baseURL string
	chatID  string
}

// New builds a Sink for botToken/chatID. If either is empty, SendSummary
// is a silent no-op, matching the original's "not configured — skip"
// behavior rather than failing the caller's tick.
func New(botToken, chatID string) *Sink {
	return &Sink{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: apiBase + botToken,
		chatID:  chatID,
	}
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// SendSummary posts html to the configured chat with HTML parse mode.
func (s *Sink) SendSummary(ctx context.Context, html string) error {
	if s.chatID == "" || s.baseURL == apiBase {
		return nil
	}

	payload, err := json.Marshal(sendMessageRequest{
		ChatID:    s.chatID,
		Text:      html,
		ParseMode: "HTML",
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/sendMessage", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("telegram: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send message: %w", err)
	}
	defer resp.Body.Close()

	var result sendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("telegram: decode response: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("telegram: api error: %s", result.Description)
	}
	return nil
}

// TestConnection calls getMe to verify the bot token is valid.
func (s *Sink) TestConnection(ctx context.Context) (botUsername string, ok bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/getMe", nil)
	if err != nil {
		return "", false
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()

	var result struct {
		OK     bool `json:"ok"`
		Result struct {
			Username string `json:"username"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || !result.OK {
		return "", false
	}
	return result.Result.Username, true
}
