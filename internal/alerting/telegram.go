package alerting

import (
	"context"
	"errors"
	"fmt"
	"html"
	"time"

	"github.com/go-resty/resty/v2"
)

const telegramAPI = "https://api.telegram.org"

// TelegramConfig holds configuration for Telegram alerter.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Timeout  time.Duration
	Retries  int

	// BaseURL overrides the Bot API endpoint.
	BaseURL string
}

// Validate checks that the bot credentials are present.
func (c TelegramConfig) Validate() error {
	if c.BotToken == "" || c.ChatID == "" {
		return errors.New("telegram requires bot token and chat id")
	}
	return nil
}

// TelegramAlerter sends alerts via the Telegram Bot API.
type TelegramAlerter struct {
	cfg    TelegramConfig
	client *resty.Client
	now    func() time.Time
}

// NewTelegramAlerter creates a new Telegram alerter.
func NewTelegramAlerter(cfg TelegramConfig) *TelegramAlerter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = telegramAPI
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			// rate limited or server-side failure
			return err != nil || resp.StatusCode() == 429 || resp.StatusCode() >= 500
		})

	return &TelegramAlerter{cfg: cfg, client: client, now: time.Now}
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
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// Alert sends an alert via Telegram.
func (t *TelegramAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	var result telegramResponse

	resp, err := t.client.R().
		SetContext(ctx).
		SetPathParam("token", t.cfg.BotToken).
		SetBody(telegramMessage{
			ChatID:    t.cfg.ChatID,
			Text:      t.formatMessage(severity, message, fields...),
			ParseMode: "HTML",
		}).
		SetResult(&result).
		SetError(&result).
		Post("/bot{token}/sendMessage")
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}

	if resp.IsError() || !result.OK {
		return fmt.Errorf("telegram API error (status %d): %s", resp.StatusCode(), result.Description)
	}

	return nil
}

// formatMessage renders the alert as Telegram HTML.
func (t *TelegramAlerter) formatMessage(severity Severity, message string, fields ...any) string {
	text := fmt.Sprintf("%s <b>[%s]</b>\n%s", severity.Emoji(), severity.String(), html.EscapeString(message))

	if details := FormatFields(fields...); details != "" {
		text += "\n\n<b>Details:</b>\n" + html.EscapeString(details)
	}

	text += fmt.Sprintf("\n\n<i>%s</i>", t.now().Format("2006-01-02 15:04:05 MST"))

	return text
}
