package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"

	"github.com/BradenHooton/totpgate/internal/config"
	"github.com/BradenHooton/totpgate/internal/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// SESAPI is the part of the SES client the notifier uses
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESNotifier sends notification emails using AWS SES
type SESNotifier struct {
	client SESAPI
	config config.SESConfig
	logger *slog.Logger
}

// NewSESNotifier creates a notifier backed by the default AWS credential chain
func NewSESNotifier(ctx context.Context, cfg config.SESConfig, logger *slog.Logger) (*SESNotifier, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewSESNotifierWithClient(ses.NewFromConfig(awsCfg), cfg, logger), nil
}

// NewSESNotifierWithClient creates a notifier over an existing SES client
func NewSESNotifierWithClient(client SESAPI, cfg config.SESConfig, logger *slog.Logger) *SESNotifier {
	return &SESNotifier{
		client: client,
		config: cfg,
		logger: logger,
	}
}

func (n *SESNotifier) Name() string { return "ses" }

func (n *SESNotifier) Enabled() bool {
	return n.config.Enabled && n.config.From != "" && n.config.To != ""
}

// Send delivers msg as a multipart SES email
func (n *SESNotifier) Send(ctx context.Context, msg Message) error {
	if !n.config.Enabled {
		return models.ErrChannelDisabled
	}
	if !n.Enabled() {
		return models.ErrChannelMisconfigured
	}

	input := &ses.SendEmailInput{
		Source: aws.String(n.config.From),
		Destination: &types.Destination{
			ToAddresses: []string{n.config.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Html: &types.Content{
					Data:    aws.String(msg.HTML),
					Charset: aws.String("UTF-8"),
				},
				Text: &types.Content{
					Data:    aws.String(msg.Text),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := n.client.SendEmail(ctx, input)
	if err != nil {
		n.logger.Error("failed to send notification via SES", slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	n.logger.Info("notification email sent via SES",
		slog.String("message_id", aws.ToString(result.MessageId)))

	return nil
}

// Validate checks the region and addresses
func (n *SESNotifier) Validate() ChannelReport {
	_, fromErr := mail.ParseAddress(n.config.From)
	_, toErr := mail.ParseAddress(n.config.To)

	checks := map[string]bool{
		"enabled":   n.config.Enabled,
		"regionSet": n.config.Region != "",
		"fromValid": n.config.From != "" && fromErr == nil,
		"toValid":   n.config.To != "" && toErr == nil,
	}

	return ChannelReport{
		Channel:  n.Name(),
		Enabled:  n.config.Enabled,
		AllValid: allChecksPass(checks),
		Checks:   checks,
		Config: map[string]string{
			"region": n.config.Region,
			"from":   n.config.From,
			"to":     n.config.To,
		},
	}
}
