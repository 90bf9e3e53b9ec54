package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"fusionbot/internal/ports"
	"fusionbot/internal/retry"
)

const telegramAPI = "https://api.telegram.org"

// TelegramConfig configures the Telegram Bot API channel.
type TelegramConfig struct {
	Token   string
	ChatID  string
	BaseURL string        // Defaults to the public Bot API
	Timeout time.Duration // Per request, default 10s
	Retry   retry.Config  // Zero value sends once
}

// TelegramSender posts alerts to one chat via sendMessage.
type TelegramSender struct {
	cfg    TelegramConfig
	client *http.Client
}

// NewTelegramSender validates cfg and creates the sender.
func NewTelegramSender(cfg TelegramConfig) (*TelegramSender, error) {
	if cfg.Token == "" || cfg.ChatID == "" {
		return nil, fmt.Errorf("telegram: token and chat id are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = telegramAPI
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &TelegramSender{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (t *TelegramSender) Name() string { return "telegram" }

// marker prefixes a message by priority.
func marker(p ports.Priority) string {
	switch p {
	case ports.PriorityCritical:
		return "🚨"
	case ports.PriorityHigh:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

// FormatMessage renders the HTML body sent to the chat.
func FormatMessage(priority ports.Priority, title, message string) string {
	text := fmt.Sprintf("%s <b>%s</b>", marker(priority), html.EscapeString(title))
	if message != "" {
		text += "\n" + html.EscapeString(message)
	}
	return text
}

// Send posts the alert, retrying on transport errors and 5xx/429 answers.
func (t *TelegramSender) Send(ctx context.Context, priority ports.Priority, title, message string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id":    t.cfg.ChatID,
		"text":       FormatMessage(priority, title, message),
		"parse_mode": "HTML",
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal payload: %w", err)
	}

	cfg := t.cfg.Retry
	cfg.RetryIf = func(err error) bool {
		_, permanent := err.(*statusError)
		return !permanent
	}
	return retry.Do(ctx, func() error { return t.post(ctx, payload) }, cfg)
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("telegram: unexpected status %d: %s", e.code, e.body)
}

func (t *TelegramSender) post(ctx context.Context, payload []byte) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.cfg.BaseURL, t.cfg.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("telegram: retryable status %d: %s", resp.StatusCode, string(body))
	}
	return &statusError{code: resp.StatusCode, body: string(body)}
}
