package alerting

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
)

const defaultTelegramURL = "https://api.telegram.org"

// TelegramConfig holds configuration for Telegram alerter.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Timeout  time.Duration
	// BaseURL overrides the Bot API endpoint.
	BaseURL string
}

// TelegramAlerter sends alerts via Telegram.
type TelegramAlerter struct {
	cfg    TelegramConfig
	client *http.Client
	now    func() time.Time
}

// NewTelegramAlerter creates a new Telegram alerter.
func NewTelegramAlerter(cfg TelegramConfig) *TelegramAlerter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTelegramURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &TelegramAlerter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		now:    time.Now,
	}
}

// Name returns the name of the alerter.
func (t *TelegramAlerter) Name() string {
	return "telegram"
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

// Alert sends an alert via Telegram.
func (t *TelegramAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	return t.send(ctx, t.formatMessage(severity, message, fields...))
}

// SendSessionSummary sends a formatted end-of-session report.
func (t *TelegramAlerter) SendSessionSummary(ctx context.Context, s SessionSummary) error {
	return t.send(ctx, formatSessionSummary(s))
}

func (t *TelegramAlerter) send(ctx context.Context, text string) error {
	body, err := json.Marshal(telegramMessage{
		ChatID:    t.cfg.ChatID,
		Text:      text,
		ParseMode: "HTML",
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.cfg.BaseURL, t.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var telegramResp telegramResponse
	if err := json.Unmarshal(respBody, &telegramResp); err != nil {
		return fmt.Errorf("parse response (status %d): %w", resp.StatusCode, err)
	}
	if !telegramResp.OK {
		return fmt.Errorf("telegram API error: %s", telegramResp.Description)
	}
	return nil
}

func (t *TelegramAlerter) formatMessage(severity Severity, message string, fields ...any) string {
	text := fmt.Sprintf("%s <b>[%s]</b>\n%s", severity.Emoji(), severity.String(), html.EscapeString(message))

	if details := FormatFields(fields...); details != "" {
		text += "\n\n<b>Details:</b>\n" + html.EscapeString(details)
	}

	text += fmt.Sprintf("\n\n<i>%s</i>", t.now().Format("2006-01-02 15:04:05 MST"))
	return text
}

func formatSessionSummary(s SessionSummary) string {
	symbols := "none"
	if len(s.Symbols) > 0 {
		symbols = strings.Join(s.Symbols, ", ")
	}

	return fmt.Sprintf(`📊 <b>Session Summary</b>
<b>From:</b> %s
<b>To:</b> %s (%s)

<b>Orders:</b>
• Fills: %d (%d contracts)
• Rejections: %d
• Brackets closed: %d

<b>Triggers:</b>
• Fired: %d
• Trail ratchets: %d

<b>Connectivity:</b>
• Connection losses: %d
• Errors: %d

<b>Symbols:</b> %s`,
		s.Start.Format("2006-01-02 15:04:05"),
		s.End.Format("2006-01-02 15:04:05"),
		s.Duration().Round(time.Second),
		s.Fills, s.FilledQuantity,
		s.Rejections,
		s.BracketsClosed,
		s.TriggersFired,
		s.TrailRatchets,
		s.ConnectionLosses,
		s.Errors,
		html.EscapeString(symbols),
	)
}
