package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BradenHooton/totpgate/internal/config"
	"github.com/BradenHooton/totpgate/internal/models"
	"github.com/BradenHooton/totpgate/pkg/logger"
	"github.com/cenkalti/backoff/v4"
)

var telegramTokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

type telegramSendRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// TelegramNotifier posts messages through the Telegram Bot API
type TelegramNotifier struct {
	config   config.TelegramConfig
	client   *http.Client
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

// NewTelegramNotifier creates a new TelegramNotifier
func NewTelegramNotifier(cfg config.TelegramConfig, logger *slog.Logger) *TelegramNotifier {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.telegram.org"
	}
	return &TelegramNotifier{
		config:   cfg,
		client:   &http.Client{Timeout: 10 * time.Second},
		attempts: 3,
		delay:    2 * time.Second,
		logger:   logger,
	}
}

func (n *TelegramNotifier) Name() string { return "telegram" }

func (n *TelegramNotifier) Enabled() bool {
	return n.config.Enabled && n.config.BotToken != "" && n.config.ChatID != ""
}

// Send delivers msg.Telegram. Server errors and throttling are retried.
func (n *TelegramNotifier) Send(ctx context.Context, msg Message) error {
	if !n.config.Enabled {
		return models.ErrChannelDisabled
	}
	if n.config.BotToken == "" || n.config.ChatID == "" {
		return models.ErrChannelMisconfigured
	}

	payload, err := json.Marshal(telegramSendRequest{
		ChatID:                n.config.ChatID,
		Text:                  msg.Telegram,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("failed to encode telegram payload: %w", err)
	}

	endpoint := strings.TrimRight(n.config.APIURL, "/") + "/bot" + n.config.BotToken + "/sendMessage"

	op := func() error {
		return n.post(ctx, endpoint, payload)
	}
	notify := func(err error, wait time.Duration) {
		n.logger.Warn("telegram delivery failed, retrying",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", wait))
	}

	return backoff.RetryNotify(op, retryPolicy(ctx, n.attempts, n.delay), notify)
}

func (n *TelegramNotifier) post(ctx context.Context, endpoint string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		// The bot token is part of the URL; never surface it
		return fmt.Errorf("telegram request failed: %s", strings.ReplaceAll(err.Error(), n.config.BotToken, "TOKEN_HIDDEN"))
	}
	defer resp.Body.Close()

	var body telegramResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)

	switch {
	case resp.StatusCode == http.StatusOK && body.OK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("telegram returned status %d: %s", resp.StatusCode, body.Description)
	default:
		return backoff.Permanent(fmt.Errorf("telegram rejected message (status %d): %s", resp.StatusCode, body.Description))
	}
}

// Validate checks the bot token and chat ID formats
func (n *TelegramNotifier) Validate() ChannelReport {
	checks := map[string]bool{
		"enabled":        n.config.Enabled,
		"botTokenSet":    n.config.BotToken != "",
		"chatIdSet":      n.config.ChatID != "",
		"botTokenFormat": telegramTokenPattern.MatchString(n.config.BotToken),
		"chatIdFormat":   false,
	}
	if _, err := strconv.ParseInt(n.config.ChatID, 10, 64); err == nil {
		checks["chatIdFormat"] = true
	}

	return ChannelReport{
		Channel:  n.Name(),
		Enabled:  n.config.Enabled,
		AllValid: allChecksPass(checks),
		Checks:   checks,
		Config: map[string]string{
			"botToken": logger.MaskSecret(n.config.BotToken, 10),
			"chatId":   n.config.ChatID,
		},
	}
}
