package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"

	"github.com/BradenHooton/totpgate/internal/config"
	"github.com/BradenHooton/totpgate/internal/models"
	"github.com/BradenHooton/totpgate/pkg/logger"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

const defaultSendGridHost = "https://api.sendgrid.com"

// SendGridNotifier sends email through the SendGrid v3 mail API
type SendGridNotifier struct {
	config config.SendGridConfig
	host   string
	logger *slog.Logger
}

// NewSendGridNotifier creates a new SendGridNotifier
func NewSendGridNotifier(cfg config.SendGridConfig, logger *slog.Logger) *SendGridNotifier {
	return &SendGridNotifier{
		config: cfg,
		host:   defaultSendGridHost,
		logger: logger,
	}
}

func (n *SendGridNotifier) Name() string { return "sendgrid" }

func (n *SendGridNotifier) Enabled() bool {
	return n.config.Enabled && n.config.APIKey != "" && n.config.FromEmail != "" && n.config.ToEmail != ""
}

// Send posts msg to /v3/mail/send
func (n *SendGridNotifier) Send(ctx context.Context, msg Message) error {
	if !n.config.Enabled {
		return models.ErrChannelDisabled
	}
	if !n.Enabled() {
		return models.ErrChannelMisconfigured
	}

	from := sgmail.NewEmail(n.config.FromName, n.config.FromEmail)
	to := sgmail.NewEmail("", n.config.ToEmail)
	message := sgmail.NewSingleEmail(from, msg.Subject, to, msg.Text, msg.HTML)

	request := sendgrid.GetRequest(n.config.APIKey, "/v3/mail/send", n.host)
	request.Method = rest.Post
	request.Body = sgmail.GetRequestBody(message)

	resp, err := sendgrid.MakeRequestWithContext(ctx, request)
	if err != nil {
		return fmt.Errorf("sendgrid request failed: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		n.logger.Error("sendgrid rejected message",
			slog.Int("status", resp.StatusCode),
			slog.String("body", resp.Body))
		return fmt.Errorf("sendgrid returned status %d", resp.StatusCode)
	}

	return nil
}

// Validate checks that the key and both addresses are present
func (n *SendGridNotifier) Validate() ChannelReport {
	_, fromErr := mail.ParseAddress(n.config.FromEmail)
	_, toErr := mail.ParseAddress(n.config.ToEmail)

	checks := map[string]bool{
		"enabled":   n.config.Enabled,
		"apiKeySet": n.config.APIKey != "",
		"fromEmail": n.config.FromEmail != "" && fromErr == nil,
		"toEmail":   n.config.ToEmail != "" && toErr == nil,
	}

	return ChannelReport{
		Channel:  n.Name(),
		Enabled:  n.config.Enabled,
		AllValid: allChecksPass(checks),
		Checks:   checks,
		Config: map[string]string{
			"apiKey":    logger.MaskSecret(n.config.APIKey, 6),
			"fromEmail": n.config.FromEmail,
			"toEmail":   n.config.ToEmail,
			"fromName":  n.config.FromName,
		},
	}
}
